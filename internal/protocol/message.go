package protocol

import (
	"errors"
	"fmt"
)

// MaxMessageSize bounds one encoded message, in either direction.
const MaxMessageSize = 512

var (
	ErrNeedMoreData    = errors.New("protocol: need more data")
	ErrMessageTooLarge = errors.New("protocol: message too large")
	ErrMalformed       = errors.New("protocol: malformed message")
	ErrUnknownTag      = errors.New("protocol: unknown value tag")
	ErrUnknownCode     = errors.New("protocol: unknown message code")
)

// Code is the operation or outcome carried by a Message.
type Code uint8

const (
	CodeRead    Code = 0x01
	CodeWrite   Code = 0x02
	CodeOKRead  Code = 0x81
	CodeOKWrite Code = 0x82

	CodeErrPath     Code = 0xE1
	CodeErrType     Code = 0xE2
	CodeErrAccess   Code = 0xE3
	CodeErrInternal Code = 0xE4
)

func (c Code) String() string {
	switch c {
	case CodeRead:
		return "READ"
	case CodeWrite:
		return "WRITE"
	case CodeOKRead:
		return "OK_READ"
	case CodeOKWrite:
		return "OK_WRITE"
	case CodeErrPath:
		return "ERR_PATH"
	case CodeErrType:
		return "ERR_TYPE"
	case CodeErrAccess:
		return "ERR_ACCESS"
	case CodeErrInternal:
		return "ERR_INTERNAL"
	}
	return fmt.Sprintf("CODE(0x%02x)", uint8(c))
}

// Valid reports whether c is a known code.
func (c Code) Valid() bool {
	switch c {
	case CodeRead, CodeWrite, CodeOKRead, CodeOKWrite,
		CodeErrPath, CodeErrType, CodeErrAccess, CodeErrInternal:
		return true
	}
	return false
}

func (c Code) IsRequest() bool { return c == CodeRead || c == CodeWrite }
func (c Code) IsError() bool   { return c >= CodeErrPath && c <= CodeErrInternal }

// Expects returns the success reply code for a request code.
func (c Code) Expects() Code {
	switch c {
	case CodeRead:
		return CodeOKRead
	case CodeWrite:
		return CodeOKWrite
	}
	return 0
}

// Message is one request or reply addressed to a path in the device tree.
type Message struct {
	Code  Code
	Path  string
	Value Value
}

// ReadRequest builds a READ for path.
func ReadRequest(path string) Message {
	return Message{Code: CodeRead, Path: path, Value: Unit{}}
}

// WriteRequest builds a WRITE of v to path.
func WriteRequest(path string, v Value) Message {
	return Message{Code: CodeWrite, Path: path, Value: v}
}

func (m Message) String() string {
	v := "<nil>"
	if m.Value != nil {
		v = m.Value.String()
	}
	return fmt.Sprintf("%s %s %s", m.Code, m.Path, v)
}

// Codec encodes and incrementally parses messages.
// Parse returns ErrNeedMoreData when buf holds an incomplete message.
type Codec interface {
	Encode(m Message) ([]byte, error)
	Parse(buf []byte) (Message, error)
}
