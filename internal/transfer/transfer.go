// Package transfer downloads the stored recording from the device.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/openbuttnakedgang/holter/internal/block"
	"github.com/openbuttnakedgang/holter/internal/device"
	"github.com/openbuttnakedgang/holter/internal/protocol"
)

// Device paths used by the download handshake.
const (
	PathPos   = "/io/file/pos"
	PathLen   = "/io/file/len"
	PathStart = "/io/file/start"
)

var (
	ErrBlockMismatch = errors.New("transfer: block does not match expected layout")
	ErrShortTransfer = errors.New("transfer: device ended transfer early")
)

// Plan splits a block count into whole transfers and a remainder.
type Plan struct {
	Blocks      uint32
	PerTransfer uint32
	Full        uint32
	Remainder   uint32
}

// NewPlan computes the transfers needed for blocks, perTransfer at a time.
func NewPlan(blocks, perTransfer uint32) Plan {
	if perTransfer == 0 {
		perTransfer = 1
	}
	return Plan{
		Blocks:      blocks,
		PerTransfer: perTransfer,
		Full:        blocks / perTransfer,
		Remainder:   blocks % perTransfer,
	}
}

// Transfers returns the block count of every transfer, in order.
func (p Plan) Transfers() []uint32 {
	out := make([]uint32, 0, p.Full+1)
	for i := uint32(0); i < p.Full; i++ {
		out = append(out, p.PerTransfer)
	}
	if p.Remainder > 0 {
		out = append(out, p.Remainder)
	}
	return out
}

type Options struct {
	// Blocks requested by the caller; the device may report more.
	Blocks          uint32
	BlockSize       int
	MaxTransferSize int
	// Strict fails on a block that does not parse.
	Strict   bool
	Progress device.ProgressCallback
}

func (o *Options) defaults() {
	if o.BlockSize <= 0 {
		o.BlockSize = block.Size
	}
	if o.MaxTransferSize <= 0 {
		o.MaxTransferSize = device.MaxTransferSize
	}
}

// Stats summarizes a finished download.
type Stats struct {
	Blocks     uint32
	Bytes      int64
	Transfers  int
	Mismatched int
}

// Download reads the recording into w. If w is an io.Closer it is closed
// after the last block is written. The link is held for the whole download.
func Download(ctx context.Context, s *device.Session, w io.Writer, opts Options) (Stats, error) {
	opts.defaults()
	var stats Stats
	err := s.Exclusive(ctx, func(c *device.Conn) error {
		var err error
		stats, err = download(ctx, c, w, opts)
		return err
	})
	if err != nil {
		return stats, err
	}
	if cl, ok := w.(io.Closer); ok {
		if err := cl.Close(); err != nil {
			return stats, fmt.Errorf("failed to close output: %w", err)
		}
	}
	return stats, nil
}

func download(ctx context.Context, c *device.Conn, w io.Writer, opts Options) (Stats, error) {
	var stats Stats
	if _, err := c.Write(ctx, PathPos, protocol.U32(0)); err != nil {
		return stats, fmt.Errorf("reset file position: %w", err)
	}
	v, err := c.Read(ctx, PathLen)
	if err != nil {
		return stats, fmt.Errorf("read file length: %w", err)
	}
	reported, ok := protocol.AsUint(v)
	if !ok {
		return stats, fmt.Errorf("%w: %s is %s, want integer", device.ErrProtocol, PathLen, v.Tag())
	}

	desired := max(opts.Blocks, uint32(reported))
	if _, err := c.Write(ctx, PathLen, protocol.U32(desired)); err != nil {
		return stats, fmt.Errorf("set file length: %w", err)
	}
	if _, err := c.Write(ctx, PathStart, protocol.Unit{}); err != nil {
		return stats, fmt.Errorf("start file stream: %w", err)
	}

	plan := NewPlan(desired, uint32(opts.MaxTransferSize/opts.BlockSize))
	total := int64(desired) * int64(opts.BlockSize)
	log := logrus.WithFields(logrus.Fields{
		"blocks":       desired,
		"reported":     reported,
		"per_transfer": plan.PerTransfer,
	})
	log.Info("file download started")
	opts.Progress.Report(0, total, "downloading")

	for i, n := range plan.Transfers() {
		size := int(n) * opts.BlockSize
		buf, err := receive(ctx, c, size)
		if err != nil {
			return stats, fmt.Errorf("transfer %d: %w", i, err)
		}
		bad, err := checkBlocks(buf, opts.BlockSize, opts.Strict)
		stats.Mismatched += bad
		if err != nil {
			return stats, fmt.Errorf("transfer %d: %w", i, err)
		}
		if _, err := w.Write(buf); err != nil {
			return stats, fmt.Errorf("write output: %w", err)
		}
		stats.Transfers++
		stats.Blocks += n
		stats.Bytes += int64(len(buf))
		opts.Progress.Report(stats.Bytes, total, "downloading")
	}

	log.WithField("mismatched", stats.Mismatched).Info("file download complete")
	return stats, nil
}

// receive assembles one transfer of exactly size bytes.
func receive(ctx context.Context, c *device.Conn, size int) ([]byte, error) {
	buf := make([]byte, 0, size)
	for len(buf) < size {
		chunk, st, err := c.ReceiveSized(ctx, device.ChannelFile, size-len(buf))
		if err != nil {
			return nil, err
		}
		if st == device.StatusStall {
			return nil, fmt.Errorf("%w: after %d of %d bytes", device.ErrEndpointStall, len(buf), size)
		}
		if len(chunk) == 0 {
			return nil, fmt.Errorf("%w: %d of %d bytes", ErrShortTransfer, len(buf), size)
		}
		buf = append(buf, chunk...)
	}
	return buf, nil
}

// checkBlocks validates each block header in buf.
func checkBlocks(buf []byte, blockSize int, strict bool) (int, error) {
	bad := 0
	for off := 0; off < len(buf); off += blockSize {
		b := buf[off:min(off+blockSize, len(buf))]
		_, err := block.Open(b)
		if err == nil && len(b) == blockSize {
			continue
		}
		if err == nil {
			err = fmt.Errorf("block of %d bytes, want %d", len(b), blockSize)
		}
		bad++
		if strict {
			return bad, fmt.Errorf("%w at offset %d: %w", ErrBlockMismatch, off, err)
		}
		logrus.WithError(err).WithField("offset", off).Warn("block mismatch")
	}
	return bad, nil
}
