package protocol

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedAll splits buf at the given cut points and feeds each piece.
func feedAll(t *testing.T, buf []byte, cuts []int) (Message, error) {
	t.Helper()
	r := NewReassembler(CBORCodec{}, MaxMessageSize)
	prev := 0
	for _, c := range append(cuts, len(buf)) {
		msg, done, err := r.Feed(buf[prev:c])
		if err != nil {
			return Message{}, err
		}
		prev = c
		if done {
			require.Equal(t, len(buf), c, "completed before final chunk")
			return msg, nil
		}
	}
	t.Fatalf("message never completed")
	return Message{}, nil
}

func TestReassemblerChunkBoundaries(t *testing.T) {
	want := Message{Code: CodeOKRead, Path: "/info/serial", Value: Str(strings.Repeat("S", 150))}
	buf := mustEncode(t, want)

	// single cut at every position
	for i := 1; i < len(buf); i++ {
		got, err := feedAll(t, buf, []int{i})
		require.NoError(t, err, "cut %d", i)
		assert.Equal(t, want, got)
	}

	// fixed 64-byte transport chunks
	var cuts []int
	for i := 64; i < len(buf); i += 64 {
		cuts = append(cuts, i)
	}
	got, err := feedAll(t, buf, cuts)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// random partitions
	rng := rand.New(rand.NewSource(1))
	for n := 0; n < 50; n++ {
		var cuts []int
		for i := 1 + rng.Intn(20); i < len(buf); i += 1 + rng.Intn(20) {
			cuts = append(cuts, i)
		}
		got, err := feedAll(t, buf, cuts)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestReassemblerLimit(t *testing.T) {
	big := mustWire(t, wireMessage{
		Code:    uint8(CodeOKRead),
		Path:    "/a",
		Tag:     uint8(TagStr),
		Payload: mustCBOR(t, strings.Repeat("x", 2*MaxMessageSize)),
	})

	r := NewReassembler(CBORCodec{}, MaxMessageSize)
	var err error
	for off := 0; off < len(big) && err == nil; off += 64 {
		_, _, err = r.Feed(big[off : off+64])
	}
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Equal(t, MaxMessageSize, r.Buffered())
}

func TestReassemblerParseError(t *testing.T) {
	r := NewReassembler(CBORCodec{}, MaxMessageSize)
	_, done, err := r.Feed([]byte{0x01, 0x02})
	assert.False(t, done)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestReassemblerReuse(t *testing.T) {
	r := NewReassembler(CBORCodec{}, MaxMessageSize)
	for _, m := range []Message{ReadRequest("/a"), WriteRequest("/b", U8(3))} {
		got, done, err := r.Feed(mustEncode(t, m))
		require.NoError(t, err)
		require.True(t, done)
		assert.Equal(t, m, got)
		assert.Zero(t, r.Buffered())
	}
}

func mustCBOR(t *testing.T, v any) []byte {
	t.Helper()
	b, err := encMode.Marshal(v)
	require.NoError(t, err)
	return b
}
