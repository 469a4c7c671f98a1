package transfer

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbuttnakedgang/holter/internal/device"
	"github.com/openbuttnakedgang/holter/internal/protocol"
	"github.com/openbuttnakedgang/holter/internal/sim"
)

const testBlock = 64

type sink struct {
	bytes.Buffer
	closed bool
}

func (s *sink) Close() error {
	s.closed = true
	return nil
}

func setup(t *testing.T, blocks int) (*device.Session, *sim.Device, []byte) {
	t.Helper()
	d := sim.New()
	d.BlockSize = testBlock
	file := sim.Recording(blocks, testBlock)
	d.SetFile(file)

	s := device.NewSession(&sim.Connector{Device: d, Identity: sim.HolterIdentity})
	_, err := s.Connect(context.Background())
	require.NoError(t, err)
	return s, d, file
}

func opts() Options {
	return Options{BlockSize: testBlock, MaxTransferSize: 5 * testBlock}
}

func TestPlan(t *testing.T) {
	tests := []struct {
		blocks, per uint32
		want        []uint32
	}{
		{7, 5, []uint32{5, 2}},
		{10, 5, []uint32{5, 5}},
		{3, 5, []uint32{3}},
		{0, 5, []uint32{}},
		{1024, 512, []uint32{512, 512}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NewPlan(tt.blocks, tt.per).Transfers(), "%d/%d", tt.blocks, tt.per)
	}
	assert.Equal(t, uint32(512), NewPlan(1, device.MaxTransferSize/0x800).PerTransfer)
}

func TestDownloadFullThenRemainder(t *testing.T) {
	s, d, file := setup(t, 7)
	out := &sink{}

	var progress []int64
	o := opts()
	o.Progress = func(cur, total int64, _ string) {
		assert.Equal(t, int64(7*testBlock), total)
		progress = append(progress, cur)
	}

	stats, err := Download(context.Background(), s, out, o)
	require.NoError(t, err)
	assert.Equal(t, file, out.Bytes())
	assert.True(t, out.closed)
	assert.Equal(t, Stats{Blocks: 7, Bytes: 7 * testBlock, Transfers: 2}, stats)
	assert.Equal(t, []int64{0, 5 * testBlock, 7 * testBlock}, progress)

	assert.Equal(t, []sim.SizedCall{
		{Channel: device.ChannelFile, N: 5 * testBlock},
		{Channel: device.ChannelFile, N: 2 * testBlock},
	}, d.SizedCalls())

	assert.Equal(t, []protocol.Message{
		protocol.WriteRequest(PathPos, protocol.U32(0)),
		protocol.ReadRequest(PathLen),
		protocol.WriteRequest(PathLen, protocol.U32(7)),
		protocol.WriteRequest(PathStart, protocol.Unit{}),
	}, d.Requests())
}

func TestDownloadAssemblesShortReads(t *testing.T) {
	s, d, file := setup(t, 7)
	d.TransferLimit = 100
	out := &sink{}

	_, err := Download(context.Background(), s, out, opts())
	require.NoError(t, err)
	assert.Equal(t, file, out.Bytes())
	assert.Greater(t, len(d.SizedCalls()), 2)
}

func TestDownloadRequestMoreThanReported(t *testing.T) {
	s, d, _ := setup(t, 7)
	o := opts()
	o.Blocks = 10
	out := &sink{}

	stats, err := Download(context.Background(), s, out, o)
	assert.ErrorIs(t, err, device.ErrEndpointStall)
	assert.False(t, out.closed)
	assert.Equal(t, uint32(5), stats.Blocks)
	assert.Equal(t, device.StateConnected, s.State())

	n, _ := d.Leaf(PathLen)
	assert.Equal(t, protocol.U32(10), n)
}

func TestDownloadBlockMismatch(t *testing.T) {
	for _, strict := range []bool{false, true} {
		s, d, file := setup(t, 7)
		corrupt := append([]byte(nil), file...)
		corrupt[3*testBlock] ^= 0xFF
		d.SetFile(corrupt)

		o := opts()
		o.Strict = strict
		out := &sink{}
		stats, err := Download(context.Background(), s, out, o)
		assert.Equal(t, 1, stats.Mismatched)
		if strict {
			assert.ErrorIs(t, err, ErrBlockMismatch)
			assert.False(t, out.closed)
		} else {
			require.NoError(t, err)
			assert.Equal(t, corrupt, out.Bytes())
		}
	}
}

func TestDownloadTransportErrorIsFatal(t *testing.T) {
	s, d, _ := setup(t, 7)
	d.FailAfter(PathStart, errors.New("usb: babble"))

	out := &sink{}
	_, err := Download(context.Background(), s, out, opts())
	assert.ErrorIs(t, err, device.ErrTransport)
	assert.Equal(t, device.StateDisconnected, s.State())
	assert.False(t, out.closed)

	_, err = Download(context.Background(), s, out, opts())
	assert.ErrorIs(t, err, device.ErrNotConnected)
}
