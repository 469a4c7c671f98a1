package sim

import (
	"context"
	"fmt"
)

// DFU class requests and states as seen by the simulated bootloader.
const (
	reqDetach    = 0
	reqDnload    = 1
	reqUpload    = 2
	reqGetStatus = 3
	reqClrStatus = 4
	reqGetState  = 5
	reqAbort     = 6

	stateDfuIdle      = 2
	stateDnloadIdle   = 5
	stateManifestSync = 6
	stateManifest     = 7
	stateUploadIdle   = 9
)

// ControlCall records one control request.
type ControlCall struct {
	Request uint8
	Value   uint16
	Data    []byte
	Length  int
}

type dfuState struct {
	// StatusCode is reported as bStatus by GETSTATUS. It stays latched
	// until CLRSTATUS or ABORT.
	StatusCode uint8
	// RejectCode, when non-zero, is latched into StatusCode by every data
	// DNLOAD.
	RejectCode uint8
	// PollTimeoutMs is reported as bwPollTimeout by GETSTATUS.
	PollTimeoutMs uint32
	// StateScript, when non-empty, supplies successive GETSTATE answers.
	StateScript []uint8
	// ManifestSteps are the states GETSTATUS reports after the final
	// zero-length download.
	ManifestSteps []uint8
	// UploadImage is served by UPLOAD requests.
	UploadImage []byte

	state     uint8
	image     []byte
	uploadOff int
	controls  []ControlCall
}

func newDFUState() dfuState {
	return dfuState{
		ManifestSteps: []uint8{stateManifestSync, stateManifest, stateDfuIdle},
		state:         stateDfuIdle,
	}
}

// Image returns the bytes received by DNLOAD requests.
func (d *Device) Image() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.image...)
}

// Controls returns the control requests issued so far.
func (d *Device) Controls() []ControlCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ControlCall(nil), d.controls...)
}

func (d *Device) ControlOut(ctx context.Context, request uint8, value uint16, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.controls = append(d.controls, ControlCall{
		Request: request,
		Value:   value,
		Data:    append([]byte(nil), data...),
		Length:  len(data),
	})

	switch request {
	case reqDnload:
		if len(data) == 0 {
			d.state = stateManifestSync
			return nil
		}
		d.image = append(d.image, data...)
		d.state = stateDnloadIdle
		if d.RejectCode != 0 {
			d.StatusCode = d.RejectCode
		}
	case reqClrStatus, reqAbort:
		d.state = stateDfuIdle
		d.StatusCode = 0
	case reqDetach:
	default:
		return fmt.Errorf("sim: unexpected control out 0x%02x", request)
	}
	return nil
}

func (d *Device) ControlIn(ctx context.Context, request uint8, value uint16, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return 0, err
	}
	d.controls = append(d.controls, ControlCall{Request: request, Value: value, Length: len(buf)})

	switch request {
	case reqGetStatus:
		if len(buf) < 6 {
			return 0, fmt.Errorf("sim: GETSTATUS buffer of %d bytes", len(buf))
		}
		if d.state == stateManifestSync || d.state == stateManifest {
			if len(d.ManifestSteps) > 0 {
				d.state = d.ManifestSteps[0]
				d.ManifestSteps = d.ManifestSteps[1:]
			} else {
				d.state = stateDfuIdle
			}
		}
		buf[0] = d.StatusCode
		buf[1] = byte(d.PollTimeoutMs)
		buf[2] = byte(d.PollTimeoutMs >> 8)
		buf[3] = byte(d.PollTimeoutMs >> 16)
		buf[4] = d.state
		buf[5] = 0
		return 6, nil
	case reqGetState:
		if len(buf) < 1 {
			return 0, fmt.Errorf("sim: GETSTATE buffer of %d bytes", len(buf))
		}
		if len(d.StateScript) > 0 {
			d.state = d.StateScript[0]
			d.StateScript = d.StateScript[1:]
		} else if d.uploadOff >= len(d.UploadImage) {
			d.state = stateDfuIdle
		}
		buf[0] = d.state
		return 1, nil
	case reqUpload:
		n := copy(buf, d.UploadImage[d.uploadOff:])
		d.uploadOff += n
		d.state = stateUploadIdle
		return n, nil
	}
	return 0, fmt.Errorf("sim: unexpected control in 0x%02x", request)
}
