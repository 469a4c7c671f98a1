// Package block reads and writes the fixed-size blocks the recorder uses both
// for stored recordings and for live telemetry frames.
//
// A block is a 16-byte little-endian header followed by a record area:
//
//	magic   u16  0xDE17
//	version u8
//	flags   u8
//	seq     u32  block sequence number
//	length  u16  bytes of the record area in use
//	count   u16  number of records
//	crc     u32  CRC-32 (IEEE) of the used record area
//
// Records are either points (group id, channel count, count x i32 samples)
// or events (0xFF, length, opaque bytes).
package block

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	Magic      = 0xDE17
	Version    = 1
	HeaderSize = 16
	// Size is the block size used by recordings and telemetry frames.
	Size = 0x800

	eventTag = 0xFF
)

var (
	ErrShort    = errors.New("block: shorter than header")
	ErrMagic    = errors.New("block: bad magic")
	ErrVersion  = errors.New("block: unsupported version")
	ErrLength   = errors.New("block: length exceeds buffer")
	ErrChecksum = errors.New("block: checksum mismatch")
	ErrRecord   = errors.New("block: truncated record")
	ErrFull     = errors.New("block: no room for record")
)

// GroupID identifies the sensor group a point belongs to.
type GroupID uint8

const (
	GroupECG   GroupID = 1
	GroupREO   GroupID = 2
	GroupAccIn GroupID = 3
)

func (g GroupID) String() string {
	switch g {
	case GroupECG:
		return "ECG"
	case GroupREO:
		return "REO"
	case GroupAccIn:
		return "ACC_IN"
	}
	return fmt.Sprintf("group(%d)", uint8(g))
}

type Header struct {
	Seq    uint32
	Flags  uint8
	Length uint16
	Count  uint16
	CRC    uint32
}

// Record is a Point or an Event.
type Record interface{ isRecord() }

// Point is one multi-channel sample.
type Point struct {
	Group   GroupID
	Samples []int32
}

// Event is an opaque device event.
type Event []byte

func (Point) isRecord() {}
func (Event) isRecord() {}

// ParseHeader decodes and checks the header of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShort, len(buf))
	}
	if m := binary.LittleEndian.Uint16(buf[0:2]); m != Magic {
		return Header{}, fmt.Errorf("%w: 0x%04x", ErrMagic, m)
	}
	if buf[2] != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrVersion, buf[2])
	}
	h := Header{
		Flags:  buf[3],
		Seq:    binary.LittleEndian.Uint32(buf[4:8]),
		Length: binary.LittleEndian.Uint16(buf[8:10]),
		Count:  binary.LittleEndian.Uint16(buf[10:12]),
		CRC:    binary.LittleEndian.Uint32(buf[12:16]),
	}
	if int(h.Length) > len(buf)-HeaderSize {
		return Header{}, fmt.Errorf("%w: %d > %d", ErrLength, h.Length, len(buf)-HeaderSize)
	}
	return h, nil
}

// Parser iterates the records of one block.
type Parser struct {
	hdr  Header
	body []byte
	off  int
	read int
}

// Open validates buf and returns a Parser over its records.
func Open(buf []byte) (*Parser, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	body := buf[HeaderSize : HeaderSize+int(h.Length)]
	if sum := crc32.ChecksumIEEE(body); sum != h.CRC {
		return nil, fmt.Errorf("%w: got 0x%08x want 0x%08x", ErrChecksum, sum, h.CRC)
	}
	return &Parser{hdr: h, body: body}, nil
}

func (p *Parser) Header() Header { return p.hdr }

// Next returns the next record, or io.EOF after the last one.
func (p *Parser) Next() (Record, error) {
	if p.read >= int(p.hdr.Count) || p.off >= len(p.body) {
		return nil, io.EOF
	}
	rest := p.body[p.off:]
	if len(rest) < 2 {
		return nil, fmt.Errorf("%w at offset %d", ErrRecord, p.off)
	}

	tag, n := rest[0], int(rest[1])
	if tag == eventTag {
		if len(rest) < 2+n {
			return nil, fmt.Errorf("%w: event at offset %d", ErrRecord, p.off)
		}
		ev := Event(rest[2 : 2+n])
		p.off += 2 + n
		p.read++
		return ev, nil
	}

	size := 2 + 4*n
	if len(rest) < size {
		return nil, fmt.Errorf("%w: point at offset %d", ErrRecord, p.off)
	}
	pt := Point{Group: GroupID(tag), Samples: make([]int32, n)}
	for i := range pt.Samples {
		pt.Samples[i] = int32(binary.LittleEndian.Uint32(rest[2+4*i:]))
	}
	p.off += size
	p.read++
	return pt, nil
}

// Builder assembles a block. Used by the simulator and tests.
type Builder struct {
	seq   uint32
	size  int
	body  []byte
	count uint16
}

// NewBuilder starts a block of the given total size.
func NewBuilder(seq uint32, size int) *Builder {
	return &Builder{seq: seq, size: size}
}

func (b *Builder) room() int {
	return b.size - HeaderSize - len(b.body)
}

// AddPoint appends a point record.
func (b *Builder) AddPoint(g GroupID, samples ...int32) error {
	if g == eventTag || len(samples) > 0xFF {
		return fmt.Errorf("block: invalid point for group %d", g)
	}
	if b.room() < 2+4*len(samples) {
		return ErrFull
	}
	b.body = append(b.body, byte(g), byte(len(samples)))
	for _, s := range samples {
		b.body = binary.LittleEndian.AppendUint32(b.body, uint32(s))
	}
	b.count++
	return nil
}

// AddEvent appends an event record.
func (b *Builder) AddEvent(data []byte) error {
	if len(data) > 0xFF {
		return fmt.Errorf("block: event of %d bytes", len(data))
	}
	if b.room() < 2+len(data) {
		return ErrFull
	}
	b.body = append(b.body, eventTag, byte(len(data)))
	b.body = append(b.body, data...)
	b.count++
	return nil
}

// Bytes returns the finished block, zero padded to its size.
func (b *Builder) Bytes() []byte {
	out := make([]byte, b.size)
	binary.LittleEndian.PutUint16(out[0:2], Magic)
	out[2] = Version
	binary.LittleEndian.PutUint32(out[4:8], b.seq)
	binary.LittleEndian.PutUint16(out[8:10], uint16(len(b.body)))
	binary.LittleEndian.PutUint16(out[10:12], b.count)
	binary.LittleEndian.PutUint32(out[12:16], crc32.ChecksumIEEE(b.body))
	copy(out[HeaderSize:], b.body)
	return out
}
