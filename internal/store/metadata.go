package store

import (
	"errors"
	"io"
	"time"

	"github.com/openbuttnakedgang/holter/internal/block"
)

// Metadata describes one archived recording.
type Metadata struct {
	ContentHash string         `json:"content_hash"`
	Size        int            `json:"size"`
	BlockSize   int            `json:"block_size"`
	Blocks      int            `json:"blocks"`
	Invalid     int            `json:"invalid_blocks"`
	FirstSeq    uint32         `json:"first_seq"`
	LastSeq     uint32         `json:"last_seq"`
	Events      int            `json:"events"`
	Points      map[string]int `json:"points,omitempty"`
	Sources     []Source       `json:"sources"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Source records where a recording came from.
type Source struct {
	Device    string    `json:"device,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"` // "download", "import"
	Filename  string    `json:"filename,omitempty"`
}

// ExtractMetadata walks the blocks of a recording.
func ExtractMetadata(data []byte, blockSize int, hash string) *Metadata {
	now := time.Now()
	meta := &Metadata{
		ContentHash: hash,
		Size:        len(data),
		BlockSize:   blockSize,
		Points:      map[string]int{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if blockSize <= 0 {
		return meta
	}

	first := true
	for off := 0; off < len(data); off += blockSize {
		meta.Blocks++
		p, err := block.Open(data[off:min(off+blockSize, len(data))])
		if err != nil {
			meta.Invalid++
			continue
		}
		seq := p.Header().Seq
		if first {
			meta.FirstSeq = seq
			first = false
		}
		meta.LastSeq = seq

		for {
			rec, err := p.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				meta.Invalid++
				break
			}
			switch r := rec.(type) {
			case block.Event:
				meta.Events++
			case block.Point:
				meta.Points[r.Group.String()]++
			}
		}
	}
	return meta
}
