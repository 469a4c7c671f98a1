// Package sim provides an in-process recorder that speaks the device
// protocol. It backs the "sim" transport and the package tests.
package sim

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openbuttnakedgang/holter/internal/block"
	"github.com/openbuttnakedgang/holter/internal/device"
	"github.com/openbuttnakedgang/holter/internal/protocol"
)

var (
	ErrUnplugged = errors.New("sim: device unplugged")
	ErrClosed    = errors.New("sim: link closed")
)

// Well-known register paths.
const (
	PathFilePos   = "/io/file/pos"
	PathFileLen   = "/io/file/len"
	PathFileStart = "/io/file/start"
	PathVis       = "/ctrl/vis"
)

// SizedCall records one ReceiveSized request.
type SizedCall struct {
	Channel device.Channel
	N       int
}

// Device is a simulated recorder. Exported fields may be set before the
// first Connect.
type Device struct {
	Codec protocol.Codec
	// ChunkSize is the reply fragment size on the command channel.
	ChunkSize int
	// TransferLimit caps bytes returned per sized receive; zero means no cap.
	TransferLimit int
	BlockSize     int
	// VisFrames are returned in order on the vis channel, then VisSource is
	// used, then empty frames.
	VisFrames   [][]byte
	VisSource   func(seq uint32) []byte
	VisInterval time.Duration
	// Override, when set, may replace the reply to any request.
	Override func(req protocol.Message) (protocol.Message, bool)

	mu       sync.Mutex
	closed   bool
	done     chan struct{}
	unplug   bool
	fault    error
	faultOn  map[string]error
	replies  chan []byte
	leaves   map[string]protocol.Value
	readOnly map[string]bool
	requests []protocol.Message
	sized    []SizedCall
	resets   int

	file      []byte
	stream    []byte
	streaming bool
	visOn     bool
	visSeq    uint32

	dfuState
}

// New returns a device with no registers.
func New() *Device {
	return &Device{
		Codec:     protocol.CBORCodec{},
		ChunkSize: device.ChunkSize,
		BlockSize: block.Size,
		done:      make(chan struct{}),
		replies:   make(chan []byte, 256),
		leaves:    map[string]protocol.Value{},
		readOnly:  map[string]bool{},
		dfuState:  newDFUState(),
	}
}

// SetLeaf defines a register with an initial value.
func (d *Device) SetLeaf(path string, v protocol.Value, readOnly bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.leaves[path] = v
	d.readOnly[path] = readOnly
}

// Leaf returns the current value of a register.
func (d *Device) Leaf(path string) (protocol.Value, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.leaves[path]
	return v, ok
}

// SetFile installs the stored recording; its length must be a multiple of
// BlockSize.
func (d *Device) SetFile(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.file = data
	d.leaves[PathFileLen] = protocol.U32(len(data) / d.BlockSize)
	if _, ok := d.leaves[PathFilePos]; !ok {
		d.leaves[PathFilePos] = protocol.U32(0)
	}
	if _, ok := d.leaves[PathFileStart]; !ok {
		d.leaves[PathFileStart] = protocol.Unit{}
	}
}

// FailNext makes the next transport call return err.
func (d *Device) FailNext(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fault = err
}

// FailAfter arms err as the next fault once a request for path was handled.
func (d *Device) FailAfter(path string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faultOn == nil {
		d.faultOn = map[string]error{}
	}
	d.faultOn[path] = err
}

// Unplug makes every call fail until the next Connect.
func (d *Device) Unplug() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unplug = true
}

// Requests returns the decoded requests received so far.
func (d *Device) Requests() []protocol.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Message(nil), d.requests...)
}

// SizedCalls returns the sized receives issued so far.
func (d *Device) SizedCalls() []SizedCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]SizedCall(nil), d.sized...)
}

// Resets returns how many times the link was reset.
func (d *Device) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

func (d *Device) open() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = false
	d.unplug = false
	d.done = make(chan struct{})
	for len(d.replies) > 0 {
		<-d.replies
	}
}

// check returns an injected fault or link failure. Caller holds mu.
func (d *Device) check() error {
	if d.fault != nil {
		err := d.fault
		d.fault = nil
		return err
	}
	if d.unplug {
		return ErrUnplugged
	}
	if d.closed {
		return ErrClosed
	}
	return nil
}

func (d *Device) Send(ctx context.Context, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}

	req, err := d.Codec.Parse(data)
	if err != nil {
		logrus.WithError(err).Warn("sim: dropping unparseable request")
		return nil
	}
	d.requests = append(d.requests, req)

	reply, ok := protocol.Message{}, false
	if d.Override != nil {
		reply, ok = d.Override(req)
	}
	if !ok {
		reply = d.handle(req)
	}
	if err, ok := d.faultOn[req.Path]; ok {
		delete(d.faultOn, req.Path)
		d.fault = err
	}

	out, err := d.Codec.Encode(reply)
	if err != nil {
		return err
	}
	size := d.ChunkSize
	if size <= 0 {
		size = len(out)
	}
	for len(out) > 0 {
		n := min(size, len(out))
		d.replies <- append([]byte(nil), out[:n]...)
		out = out[n:]
	}
	return nil
}

// handle applies req to the register file. Caller holds mu.
func (d *Device) handle(req protocol.Message) protocol.Message {
	cur, ok := d.leaves[req.Path]
	if !ok {
		return protocol.Message{Code: protocol.CodeErrPath, Path: req.Path, Value: protocol.Unit{}}
	}

	switch req.Code {
	case protocol.CodeRead:
		return protocol.Message{Code: protocol.CodeOKRead, Path: req.Path, Value: cur}
	case protocol.CodeWrite:
		if d.readOnly[req.Path] {
			return protocol.Message{Code: protocol.CodeErrAccess, Path: req.Path, Value: protocol.Unit{}}
		}
		if req.Value == nil || req.Value.Tag() != cur.Tag() {
			return protocol.Message{Code: protocol.CodeErrType, Path: req.Path, Value: protocol.Unit{}}
		}
		d.leaves[req.Path] = req.Value
		d.sideEffect(req.Path, req.Value)
		return protocol.Message{Code: protocol.CodeOKWrite, Path: req.Path, Value: req.Value}
	}
	return protocol.Message{Code: protocol.CodeErrInternal, Path: req.Path, Value: protocol.Unit{}}
}

func (d *Device) sideEffect(path string, v protocol.Value) {
	switch path {
	case PathFileStart:
		pos, _ := protocol.AsUint(d.leaves[PathFilePos])
		n, _ := protocol.AsUint(d.leaves[PathFileLen])
		start := min(int(pos)*d.BlockSize, len(d.file))
		end := min(start+int(n)*d.BlockSize, len(d.file))
		d.stream = d.file[start:end]
		d.streaming = true
	case PathVis:
		d.visOn = bool(v.(protocol.Bool))
	}
}

func (d *Device) ReceiveChunk(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	if err := d.check(); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	done := d.done
	d.mu.Unlock()

	select {
	case b := <-d.replies:
		return b, nil
	case <-done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Device) ReceiveSized(ctx context.Context, ch device.Channel, n int) ([]byte, device.Status, error) {
	d.mu.Lock()
	if err := d.check(); err != nil {
		d.mu.Unlock()
		return nil, device.StatusOK, err
	}
	d.sized = append(d.sized, SizedCall{Channel: ch, N: n})

	if d.TransferLimit > 0 {
		n = min(n, d.TransferLimit)
	}

	if ch == device.ChannelFile {
		defer d.mu.Unlock()
		if !d.streaming || len(d.stream) == 0 {
			return nil, device.StatusStall, nil
		}
		n = min(n, len(d.stream))
		out := append([]byte(nil), d.stream[:n]...)
		d.stream = d.stream[n:]
		return out, device.StatusOK, nil
	}

	frame := d.nextFrame()
	interval, done := d.VisInterval, d.done
	d.mu.Unlock()

	if frame == nil && interval == 0 {
		interval = time.Millisecond
	}
	if interval > 0 {
		select {
		case <-time.After(interval):
		case <-done:
			return nil, device.StatusOK, ErrClosed
		case <-ctx.Done():
			return nil, device.StatusOK, ctx.Err()
		}
	}
	if len(frame) > n {
		frame = frame[:n]
	}
	return frame, device.StatusOK, nil
}

// nextFrame returns the next vis frame, or nil. Caller holds mu.
func (d *Device) nextFrame() []byte {
	if !d.visOn {
		return nil
	}
	if len(d.VisFrames) > 0 {
		f := d.VisFrames[0]
		d.VisFrames = d.VisFrames[1:]
		d.visSeq++
		return f
	}
	if d.VisSource != nil {
		f := d.VisSource(d.visSeq)
		d.visSeq++
		return f
	}
	return nil
}

func (d *Device) Reset(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.resets++
	d.streaming = false
	d.stream = nil
	d.visOn = false
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.done)
	}
	return nil
}
