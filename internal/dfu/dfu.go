// Package dfu implements the USB DFU 1.1 download and upload sequences
// against a recorder running its bootloader.
package dfu

import (
	"fmt"
	"time"
)

// Class requests.
const (
	ReqDetach    uint8 = 0
	ReqDnload    uint8 = 1
	ReqUpload    uint8 = 2
	ReqGetStatus uint8 = 3
	ReqClrStatus uint8 = 4
	ReqGetState  uint8 = 5
	ReqAbort     uint8 = 6
)

// TransferSize is the payload size of one DNLOAD or UPLOAD request.
const TransferSize = 64

// State is the device state byte (bState).
type State uint8

const (
	StateAppIdle           State = 0
	StateAppDetach         State = 1
	StateIdle              State = 2
	StateDnloadSync        State = 3
	StateDnBusy            State = 4
	StateDnloadIdle        State = 5
	StateManifestSync      State = 6
	StateManifest          State = 7
	StateManifestWaitReset State = 8
	StateUploadIdle        State = 9
	StateError             State = 10
)

var stateNames = [...]string{
	"appIDLE", "appDETACH", "dfuIDLE", "dfuDNLOAD-SYNC", "dfuDNBUSY",
	"dfuDNLOAD-IDLE", "dfuMANIFEST-SYNC", "dfuMANIFEST", "dfuMANIFEST-WAIT-RESET",
	"dfuUPLOAD-IDLE", "dfuERROR",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// StatusOK is the bStatus value for no error.
const StatusOK = 0

// Status is the decoded GETSTATUS reply.
type Status struct {
	Status      uint8
	PollTimeout time.Duration
	State       State
	StringIndex uint8
}

// ParseStatus decodes the 6-byte GETSTATUS payload.
func ParseStatus(b []byte) (Status, error) {
	if len(b) < 6 {
		return Status{}, fmt.Errorf("dfu: short GETSTATUS reply (%d bytes)", len(b))
	}
	ms := uint32(b[1]) | uint32(b[2])<<8 | uint32(b[3])<<16
	return Status{
		Status:      b[0],
		PollTimeout: time.Duration(ms) * time.Millisecond,
		State:       State(b[4]),
		StringIndex: b[5],
	}, nil
}

// OK reports whether the device signalled no error.
func (s Status) OK() bool {
	return s.Status == StatusOK && s.State != StateError
}

// StatusError reports a GETSTATUS reply that signalled a failure.
type StatusError struct {
	Status Status
	Block  int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dfu: block %d: status 0x%02x in %s", e.Block, e.Status.Status, e.Status.State)
}
