package device

import (
	"errors"
	"fmt"

	"github.com/openbuttnakedgang/holter/internal/protocol"
)

var (
	ErrNotConnected     = errors.New("device: not connected")
	ErrWrongDeviceType  = errors.New("device: operation not supported by device type")
	ErrProtocol         = errors.New("device: protocol error")
	ErrEndpointStall    = errors.New("device: endpoint stall")
	ErrTransport        = errors.New("device: transport error")
	ErrSecurityDenied   = errors.New("device: access denied")
	ErrNoDeviceSelected = errors.New("device: no device selected")
)

// ReplyError is returned when the device answers a request with an ERR_* code.
type ReplyError struct {
	Code protocol.Code
	Path string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("device replied %s for %s", e.Code, e.Path)
}

// transportError wraps err as ErrTransport unless it is already classified.
func transportError(op string, err error) error {
	switch {
	case errors.Is(err, ErrTransport),
		errors.Is(err, ErrEndpointStall),
		errors.Is(err, ErrNotConnected):
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}
