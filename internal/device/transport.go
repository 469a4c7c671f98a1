package device

import (
	"context"
	"fmt"
)

const (
	// ChunkSize is the command endpoint packet size.
	ChunkSize = 64
	// MaxTransferSize bounds one sized receive on the file channel.
	MaxTransferSize = 0x100000
)

// Channel selects the inbound endpoint of a sized receive.
type Channel int

const (
	ChannelFile Channel = iota
	ChannelVis
)

func (c Channel) String() string {
	switch c {
	case ChannelFile:
		return "file"
	case ChannelVis:
		return "vis"
	}
	return fmt.Sprintf("channel(%d)", int(c))
}

// Status is the completion state of a sized receive.
type Status int

const (
	StatusOK Status = iota
	StatusStall
)

func (s Status) String() string {
	if s == StatusStall {
		return "stall"
	}
	return "ok"
}

// Transport is a connected device link. Implementations need not be safe for
// concurrent use except that one receive may run alongside one Send.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	// ReceiveChunk returns the next command-channel chunk.
	ReceiveChunk(ctx context.Context) ([]byte, error)
	// ReceiveSized reads up to n bytes from ch. Fewer bytes may be returned.
	ReceiveSized(ctx context.Context, ch Channel, n int) ([]byte, Status, error)
	Reset(ctx context.Context) error
	Close() error
}

// ControlTransport issues class requests on the default control pipe.
// Bootloader links implement it in addition to Transport.
type ControlTransport interface {
	ControlOut(ctx context.Context, request uint8, value uint16, data []byte) error
	ControlIn(ctx context.Context, request uint8, value uint16, buf []byte) (int, error)
}

// Connector opens a Transport to a single device.
type Connector interface {
	Connect(ctx context.Context) (Transport, Identity, error)
}
