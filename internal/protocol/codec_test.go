package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allValues() []Value {
	return []Value{
		Unit{},
		Bool(true),
		Bool(false),
		U8(0),
		U8(255),
		U16(0xBEEF),
		U32(0xFFFFFFFF),
		I8(-128),
		I16(-12345),
		I32(-2147483648),
		I32(40000),
		Str(""),
		Str("holter ✓"),
		Bytes{},
		Bytes{0, 1, 2, 0xff},
	}
}

func TestCodecRoundTrip(t *testing.T) {
	codec := CBORCodec{}
	for _, v := range allValues() {
		for _, code := range []Code{CodeRead, CodeWrite, CodeOKRead, CodeOKWrite, CodeErrAccess} {
			msg := Message{Code: code, Path: "/io/file/len", Value: v}

			buf, err := codec.Encode(msg)
			require.NoError(t, err, "%s", msg)

			got, err := codec.Parse(buf)
			require.NoError(t, err, "%s", msg)
			assert.Equal(t, msg, got)
			assert.Equal(t, v.Tag(), got.Value.Tag())
		}
	}
}

func TestEncodeNilValueIsUnit(t *testing.T) {
	codec := CBORCodec{}
	buf, err := codec.Encode(Message{Code: CodeRead, Path: "/a"})
	require.NoError(t, err)

	got, err := codec.Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, Unit{}, got.Value)
}

func TestEncodeRejectsOversize(t *testing.T) {
	_, err := CBORCodec{}.Encode(WriteRequest("/a", Str(strings.Repeat("x", MaxMessageSize))))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestEncodeRejectsUnknownCode(t *testing.T) {
	_, err := CBORCodec{}.Encode(Message{Code: 0x55, Path: "/a", Value: Unit{}})
	assert.ErrorIs(t, err, ErrUnknownCode)
}

func TestParseIncomplete(t *testing.T) {
	codec := CBORCodec{}
	buf, err := codec.Encode(WriteRequest("/ctrl/vis", Bool(true)))
	require.NoError(t, err)

	for i := 0; i < len(buf); i++ {
		_, err := codec.Parse(buf[:i])
		assert.ErrorIs(t, err, ErrNeedMoreData, "prefix %d", i)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{"not an array", []byte{0x01}, ErrMalformed},
		{"trailing bytes", append(mustEncode(t, ReadRequest("/a")), 0x00), ErrMalformed},
		{"wrong payload type", mustWire(t, wireMessage{Code: 0x81, Path: "/a", Tag: uint8(TagBool), Payload: []byte{0x01}}), ErrMalformed},
		{"u8 overflow", mustWire(t, wireMessage{Code: 0x81, Path: "/a", Tag: uint8(TagU8), Payload: []byte{0x19, 0x01, 0x00}}), ErrMalformed},
		{"unit not null", mustWire(t, wireMessage{Code: 0x82, Path: "/a", Tag: uint8(TagUnit), Payload: []byte{0x00}}), ErrMalformed},
		{"unknown tag", mustWire(t, wireMessage{Code: 0x81, Path: "/a", Tag: 42, Payload: cborNull}), ErrUnknownTag},
		{"unknown code", mustWire(t, wireMessage{Code: 0x42, Path: "/a", Tag: 0, Payload: cborNull}), ErrUnknownCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CBORCodec{}.Parse(tt.buf)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseTag(t *testing.T) {
	for i := range tagNames {
		tag, err := ParseTag(Tag(i).String())
		require.NoError(t, err)
		assert.Equal(t, Tag(i), tag)
	}
	_, err := ParseTag("f32")
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestClasses(t *testing.T) {
	assert.True(t, CodeRead.IsRequest())
	assert.True(t, CodeWrite.IsRequest())
	assert.False(t, CodeOKRead.IsRequest())
	assert.False(t, CodeErrPath.IsRequest())

	for _, tag := range []Tag{TagU8, TagU16, TagU32, TagI8, TagI16, TagI32} {
		assert.True(t, tag.IsInteger(), tag.String())
	}
	for _, tag := range []Tag{TagUnit, TagBool, TagStr, TagBytes, Tag(42)} {
		assert.False(t, tag.IsInteger(), tag.String())
	}
}

func mustEncode(t *testing.T, m Message) []byte {
	t.Helper()
	buf, err := CBORCodec{}.Encode(m)
	require.NoError(t, err)
	return buf
}

func mustWire(t *testing.T, wm wireMessage) []byte {
	t.Helper()
	buf, err := encMode.Marshal(wm)
	require.NoError(t, err)
	return buf
}
