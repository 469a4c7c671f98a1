package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// cborNull is the encoded payload of a Unit value.
var cborNull = []byte{0xf6}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsEmpty,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: MaxMessageSize,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// wireMessage is the on-wire layout: [code, path, tag, payload].
type wireMessage struct {
	_       struct{} `cbor:",toarray"`
	Code    uint8
	Path    string
	Tag     uint8
	Payload cbor.RawMessage
}

// CBORCodec is the default Codec. Each message is one CBOR array.
type CBORCodec struct{}

// Encode serializes m, failing when the result exceeds MaxMessageSize.
func (CBORCodec) Encode(m Message) ([]byte, error) {
	if !m.Code.Valid() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownCode, uint8(m.Code))
	}
	v := m.Value
	if v == nil {
		v = Unit{}
	}
	payload, err := encodePayload(v)
	if err != nil {
		return nil, err
	}

	out, err := encMode.Marshal(wireMessage{
		Code:    uint8(m.Code),
		Path:    m.Path,
		Tag:     uint8(v.Tag()),
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	if len(out) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(out))
	}
	return out, nil
}

// Parse decodes exactly one message from buf.
func (CBORCodec) Parse(buf []byte) (Message, error) {
	var wm wireMessage
	rest, err := decMode.UnmarshalFirst(buf, &wm)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, ErrNeedMoreData
		}
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(rest) != 0 {
		return Message{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
	}

	code := Code(wm.Code)
	if !code.Valid() {
		return Message{}, fmt.Errorf("%w: 0x%02x", ErrUnknownCode, wm.Code)
	}
	v, err := decodePayload(Tag(wm.Tag), wm.Payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Code: code, Path: wm.Path, Value: v}, nil
}

func encodePayload(v Value) ([]byte, error) {
	var x any
	switch val := v.(type) {
	case Unit:
		return cborNull, nil
	case Bool:
		x = bool(val)
	case U8:
		x = uint8(val)
	case U16:
		x = uint16(val)
	case U32:
		x = uint32(val)
	case I8:
		x = int8(val)
	case I16:
		x = int16(val)
	case I32:
		x = int32(val)
	case Str:
		x = string(val)
	case Bytes:
		x = []byte(val)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownTag, v)
	}
	b, err := encMode.Marshal(x)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", v.Tag(), err)
	}
	return b, nil
}

func decodePayload(tag Tag, raw []byte) (Value, error) {
	var err error
	var v Value
	switch tag {
	case TagUnit:
		if len(raw) != 1 || raw[0] != cborNull[0] {
			return nil, fmt.Errorf("%w: unit payload is not null", ErrMalformed)
		}
		return Unit{}, nil
	case TagBool:
		var x bool
		err = decMode.Unmarshal(raw, &x)
		v = Bool(x)
	case TagU8:
		var x uint8
		err = decMode.Unmarshal(raw, &x)
		v = U8(x)
	case TagU16:
		var x uint16
		err = decMode.Unmarshal(raw, &x)
		v = U16(x)
	case TagU32:
		var x uint32
		err = decMode.Unmarshal(raw, &x)
		v = U32(x)
	case TagI8:
		var x int8
		err = decMode.Unmarshal(raw, &x)
		v = I8(x)
	case TagI16:
		var x int16
		err = decMode.Unmarshal(raw, &x)
		v = I16(x)
	case TagI32:
		var x int32
		err = decMode.Unmarshal(raw, &x)
		v = I32(x)
	case TagStr:
		var x string
		err = decMode.Unmarshal(raw, &x)
		v = Str(x)
	case TagBytes:
		var x []byte
		err = decMode.Unmarshal(raw, &x)
		if x == nil {
			x = []byte{}
		}
		v = Bytes(x)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, uint8(tag))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, tag, err)
	}
	return v, nil
}
