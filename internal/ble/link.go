package ble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openbuttnakedgang/holter/internal/config"
	"github.com/openbuttnakedgang/holter/internal/device"
	"github.com/openbuttnakedgang/holter/internal/util"
)

// ErrLinkLost is returned by pending receives once the peer disconnects.
var ErrLinkLost = errors.New("ble: link lost")

// pipe buffers one notification channel until a receive drains it.
type pipe struct {
	name  string
	mu    sync.Mutex
	buf   bytes.Buffer
	ended bool
	ready chan struct{}
}

func newPipe(name string) *pipe {
	return &pipe{name: name, ready: make(chan struct{}, 1)}
}

func (p *pipe) push(data []byte) {
	p.mu.Lock()
	switch {
	case len(data) == 0:
		p.ended = true
	case p.buf.Len()+len(data) > pipeLimit:
		logrus.WithFields(logrus.Fields{"channel": p.name, "bytes": len(data)}).Warn("receive buffer full, dropping notification")
	default:
		p.buf.Write(data)
	}
	p.mu.Unlock()

	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// take returns buffered data once at least need bytes (capped at n) are
// available. A stream end with nothing buffered reports a stall and clears
// the marker.
func (p *pipe) take(n, need int) ([]byte, device.Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.buf.Len() >= need || (p.ended && p.buf.Len() > 0) {
		out := make([]byte, min(n, p.buf.Len()))
		copy(out, p.buf.Next(len(out)))
		return out, device.StatusOK, true
	}
	if p.ended {
		p.ended = false
		return nil, device.StatusStall, true
	}
	return nil, device.StatusOK, false
}

func (p *pipe) reset() {
	p.mu.Lock()
	p.buf.Reset()
	p.ended = false
	p.mu.Unlock()
	select {
	case <-p.ready:
	default:
	}
}

// link is a connected UART bridge. Notifications are split by their channel
// prefix into one pipe per logical endpoint.
type link struct {
	write      func([]byte) (int, error)
	disconnect func() error

	cmd, file, vis *pipe

	lostOnce sync.Once
	lost     chan struct{}
}

func newLink(write func([]byte) (int, error), disconnect func() error) *link {
	return &link{
		write:      write,
		disconnect: disconnect,
		cmd:        newPipe("cmd"),
		file:       newPipe("file"),
		vis:        newPipe("vis"),
		lost:       make(chan struct{}),
	}
}

// handleNotification is installed on the TX characteristic.
func (l *link) handleNotification(buf []byte) {
	if len(buf) == 0 {
		return
	}
	if config.Verbose {
		config.Debugf("Notification received: %d bytes\n%s", len(buf), util.Dump(buf))
	}
	payload := bytes.Clone(buf[1:])
	switch buf[0] {
	case prefixCmd:
		if len(payload) > 0 {
			l.cmd.push(payload)
		}
	case prefixFile:
		l.file.push(payload)
	case prefixVis:
		l.vis.push(payload)
	default:
		logrus.WithField("prefix", buf[0]).Warn("notification on unknown channel")
	}
}

func (l *link) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}

func (l *link) wait(ctx context.Context, p *pipe, n, need int) ([]byte, device.Status, error) {
	for {
		if data, st, ok := p.take(n, need); ok {
			return data, st, nil
		}
		select {
		case <-p.ready:
		case <-l.lost:
			return nil, device.StatusOK, ErrLinkLost
		case <-ctx.Done():
			return nil, device.StatusOK, ctx.Err()
		}
	}
}

// Send writes data to the RX characteristic, fragmenting it for the MTU.
func (l *link) Send(ctx context.Context, data []byte) error {
	for off := 0; off < len(data); off += writeChunk {
		if off > 0 {
			select {
			case <-time.After(writeGap):
			case <-ctx.Done():
				return ctx.Err()
			case <-l.lost:
				return ErrLinkLost
			}
		}
		end := min(off+writeChunk, len(data))
		if _, err := l.write(data[off:end]); err != nil {
			return fmt.Errorf("write fragment at %d: %w", off, err)
		}
	}
	return nil
}

// ReceiveChunk returns whatever command bytes have arrived, up to one packet.
func (l *link) ReceiveChunk(ctx context.Context) ([]byte, error) {
	data, _, err := l.wait(ctx, l.cmd, device.ChunkSize, 1)
	return data, err
}

// ReceiveSized waits for n bytes on ch or for the stream end marker.
func (l *link) ReceiveSized(ctx context.Context, ch device.Channel, n int) ([]byte, device.Status, error) {
	p := l.file
	if ch == device.ChannelVis {
		p = l.vis
	}
	return l.wait(ctx, p, n, n)
}

// Reset drops buffered data. The bridge keeps no transfer state of its own.
func (l *link) Reset(context.Context) error {
	l.cmd.reset()
	l.file.reset()
	l.vis.reset()
	return nil
}

func (l *link) Close() error {
	l.markLost()
	return l.disconnect()
}
