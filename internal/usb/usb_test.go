package usb

import (
	"context"
	"errors"
	"testing"

	"github.com/google/gousb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbuttnakedgang/holter/internal/config"
	"github.com/openbuttnakedgang/holter/internal/device"
	"github.com/openbuttnakedgang/holter/internal/dfu"
)

func TestMatches(t *testing.T) {
	c := NewConnector(config.Default().USB, 0)
	for _, tt := range []struct {
		vid, pid gousb.ID
		want     bool
	}{
		{0x0483, 0xBABA, true},
		{0x0483, 0xDEDA, true},
		{0x0483, 0xDF11, false},
		{0x1234, 0xBABA, false},
	} {
		assert.Equal(t, tt.want, c.matches(&gousb.DeviceDesc{Vendor: tt.vid, Product: tt.pid}), "%s:%s", tt.vid, tt.pid)
	}
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(gousb.ErrorAccess), device.ErrSecurityDenied)
	assert.ErrorIs(t, classify(gousb.ErrorNoDevice), device.ErrNoDeviceSelected)
	other := errors.New("boom")
	assert.Equal(t, other, classify(other))

	assert.ErrorIs(t, controlError(gousb.ErrorPipe), device.ErrEndpointStall)
	assert.NoError(t, controlError(nil))
}

// dfuPipe answers DFU class requests like a bootloader that refuses ABORT
// while an error is latched.
type dfuPipe struct {
	status   uint8
	state    dfu.State
	requests []uint8
}

func (p *dfuPipe) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	p.requests = append(p.requests, request)
	switch request {
	case dfu.ReqGetStatus:
		copy(data, []byte{p.status, 0, 0, 0, byte(p.state), 0})
		return 6, nil
	case dfu.ReqClrStatus:
		p.status, p.state = 0, dfu.StateIdle
		return 0, nil
	case dfu.ReqAbort:
		if p.state == dfu.StateError {
			return 0, gousb.ErrorPipe
		}
		p.state = dfu.StateIdle
		return 0, nil
	}
	return 0, gousb.ErrorNotSupported
}

func TestLoaderResetClearsLatchedError(t *testing.T) {
	p := &dfuPipe{status: 0x0A, state: dfu.StateError}
	l := &loaderLink{pipe: p}
	require.NoError(t, l.Reset(context.Background()))
	assert.Equal(t, []uint8{dfu.ReqGetStatus, dfu.ReqClrStatus, dfu.ReqAbort}, p.requests)
	assert.Equal(t, dfu.StateIdle, p.state)

	p.requests = nil
	require.NoError(t, l.Reset(context.Background()))
	assert.Equal(t, []uint8{dfu.ReqGetStatus, dfu.ReqAbort}, p.requests)
}

func TestLoaderResetReportsStall(t *testing.T) {
	p := &dfuPipe{state: dfu.StateError}
	l := &loaderLink{pipe: &stallingClear{p}}
	err := l.Reset(context.Background())
	assert.ErrorIs(t, err, device.ErrEndpointStall)
	assert.Equal(t, []uint8{dfu.ReqGetStatus, dfu.ReqClrStatus}, p.requests)
}

// stallingClear stalls CLRSTATUS.
type stallingClear struct{ *dfuPipe }

func (s *stallingClear) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	if request == dfu.ReqClrStatus {
		s.requests = append(s.requests, request)
		return 0, gousb.ErrorPipe
	}
	return s.dfuPipe.Control(rType, request, val, idx, data)
}
