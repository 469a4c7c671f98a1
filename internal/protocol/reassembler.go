package protocol

import (
	"errors"
	"fmt"
)

// Reassembler accumulates transport chunks until they form one message.
type Reassembler struct {
	codec Codec
	limit int
	buf   []byte
}

// NewReassembler returns a Reassembler bounded to limit bytes.
func NewReassembler(codec Codec, limit int) *Reassembler {
	return &Reassembler{codec: codec, limit: limit}
}

// Feed appends chunk and tries to parse the buffered bytes.
// It reports done=false when another chunk is needed.
func (r *Reassembler) Feed(chunk []byte) (msg Message, done bool, err error) {
	r.buf = append(r.buf, chunk...)

	msg, err = r.codec.Parse(r.buf)
	switch {
	case err == nil:
		r.buf = r.buf[:0]
		return msg, true, nil
	case errors.Is(err, ErrNeedMoreData):
		if len(r.buf) >= r.limit {
			return Message{}, false, fmt.Errorf("%w: incomplete after %d bytes", ErrMessageTooLarge, len(r.buf))
		}
		return Message{}, false, nil
	default:
		return Message{}, false, err
	}
}

// Buffered returns the number of bytes held.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}
