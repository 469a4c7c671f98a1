// Package telemetry streams live sensor frames from the recorder.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/openbuttnakedgang/holter/internal/block"
	"github.com/openbuttnakedgang/holter/internal/device"
	"github.com/openbuttnakedgang/holter/internal/protocol"
)

// PathVis enables the telemetry endpoint.
const PathVis = "/ctrl/vis"

// FrameSize is the size of one telemetry frame.
const FrameSize = block.Size

var ErrRunning = errors.New("telemetry: stream already running")

var errStopped = errors.New("telemetry: stopped")

// Group is a sensor group a consumer can select.
type Group = block.GroupID

const (
	GroupECG   = block.GroupECG
	GroupREO   = block.GroupREO
	GroupAccIn = block.GroupAccIn
)

// Profile holds the fixed decoding rule of a group.
type Profile struct {
	Channels int
	Divisor  int32
	// Every forwards one of every Every matching samples.
	Every int
}

var Profiles = map[Group]Profile{
	GroupECG:   {Channels: 8, Divisor: 100, Every: 8},
	GroupREO:   {Channels: 1, Divisor: 50, Every: 1},
	GroupAccIn: {Channels: 3, Divisor: 8, Every: 1},
}

// Groups lists the selectable groups in display order.
var Groups = []Group{GroupECG, GroupREO, GroupAccIn}

// ParseGroup accepts a group name such as "ECG" or "acc_in".
func ParseGroup(s string) (Group, error) {
	for _, g := range Groups {
		if strings.EqualFold(s, g.String()) {
			return g, nil
		}
	}
	return 0, fmt.Errorf("unknown telemetry group %q", s)
}

// Sample is one scaled multi-channel reading.
type Sample struct {
	Group    Group
	Channels int
	Values   []int32
}

// Dispatcher decodes frames and applies the per-group forwarding rule.
// Its sample counter persists across frames.
type Dispatcher struct {
	count int
}

// Dispatch decodes frame and calls emit for each forwarded sample of group.
// It returns the number of points and events seen.
func (d *Dispatcher) Dispatch(frame []byte, group Group, emit func(Sample)) (points, events int, err error) {
	p, err := block.Open(frame)
	if err != nil {
		return 0, 0, err
	}
	prof, ok := Profiles[group]
	if !ok {
		return 0, 0, fmt.Errorf("no profile for %s", group)
	}

	for {
		rec, err := p.Next()
		if errors.Is(err, io.EOF) {
			return points, events, nil
		}
		if err != nil {
			return points, events, err
		}

		switch r := rec.(type) {
		case block.Event:
			events++
			logrus.WithFields(logrus.Fields{"seq": p.Header().Seq, "event": string(r)}).Info("device event")
		case block.Point:
			points++
			if r.Group != group || len(r.Samples) != prof.Channels {
				continue
			}
			forward := d.count%prof.Every == 0
			d.count++
			if !forward {
				continue
			}
			vals := make([]int32, len(r.Samples))
			for i, v := range r.Samples {
				vals[i] = v / prof.Divisor
			}
			emit(Sample{Group: group, Channels: prof.Channels, Values: vals})
		}
	}
}

// Reset clears the downsampling counter.
func (d *Dispatcher) Reset() { d.count = 0 }

type run struct {
	stopped atomic.Bool
	once    sync.Once
	stop    chan struct{}
}

func (r *run) halt() {
	r.stopped.Store(true)
	r.once.Do(func() { close(r.stop) })
}

// Stream runs the telemetry receive loop on a session.
type Stream struct {
	session   *device.Session
	frameSize int
	selected  atomic.Uint32
	current   atomic.Pointer[run]
}

// NewStream returns a stream with ECG selected.
func NewStream(s *device.Session, frameSize int) *Stream {
	if frameSize <= 0 {
		frameSize = FrameSize
	}
	st := &Stream{session: s, frameSize: frameSize}
	st.selected.Store(uint32(GroupECG))
	return st
}

// Select changes the forwarded group. It takes effect on the next frame.
func (st *Stream) Select(g Group) { st.selected.Store(uint32(g)) }

func (st *Stream) Selected() Group { return Group(st.selected.Load()) }

// Running reports whether a receive loop is active.
func (st *Stream) Running() bool {
	r := st.current.Load()
	return r != nil && !r.stopped.Load()
}

// Stop asks the running loop to return after its current frame.
func (st *Stream) Stop() {
	if r := st.current.Load(); r != nil {
		r.halt()
	}
}

// Run enables telemetry and forwards samples to sink until Stop is called,
// ctx is done or the link fails. The session is held for the whole run.
func (st *Stream) Run(ctx context.Context, sink chan<- Sample) error {
	r, err := st.register()
	if err != nil {
		return err
	}
	return st.run(ctx, sink, r)
}

// Start registers a run and streams in a new goroutine. A Stop issued after
// Start returns always reaches that run. The returned channel yields the
// run's result after sink is closed.
func (st *Stream) Start(ctx context.Context, sink chan<- Sample) (<-chan error, error) {
	r, err := st.register()
	if err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		err := st.run(ctx, sink, r)
		close(sink)
		done <- err
	}()
	return done, nil
}

func (st *Stream) register() (*run, error) {
	r := &run{stop: make(chan struct{})}
	if !st.current.CompareAndSwap(nil, r) {
		if old := st.current.Load(); old != nil && !old.stopped.Load() {
			return nil, ErrRunning
		}
		st.current.Store(r)
	}
	return r, nil
}

func (st *Stream) run(ctx context.Context, sink chan<- Sample, r *run) error {
	defer st.current.CompareAndSwap(r, nil)

	return st.session.Exclusive(ctx, func(c *device.Conn) error {
		if r.stopped.Load() {
			logrus.Debug("telemetry stopped before start")
			return nil
		}
		if _, err := c.Write(ctx, PathVis, protocol.Bool(true)); err != nil {
			return fmt.Errorf("enable telemetry: %w", err)
		}
		logrus.WithField("group", st.Selected()).Info("telemetry started")

		var d Dispatcher
		frames := 0
		for {
			frame, status, err := c.ReceiveSized(ctx, device.ChannelVis, st.frameSize)
			if err != nil && ctx.Err() == nil {
				return err
			}
			if r.stopped.Load() || ctx.Err() != nil {
				logrus.WithField("frames", frames).Info("telemetry stopped")
				return disable(ctx, c)
			}
			if status == device.StatusStall {
				return fmt.Errorf("%w: telemetry endpoint", device.ErrEndpointStall)
			}
			if len(frame) == 0 {
				continue
			}
			frames++

			var sendErr error
			_, _, err = d.Dispatch(frame, st.Selected(), func(s Sample) {
				if sendErr != nil {
					return
				}
				select {
				case sink <- s:
				case <-r.stop:
					sendErr = errStopped
				case <-ctx.Done():
					sendErr = ctx.Err()
				}
			})
			if sendErr != nil {
				return disable(ctx, c)
			}
			if err != nil {
				logrus.WithError(err).WithField("bytes", len(frame)).Warn("skipping telemetry frame")
			}
		}
	})
}

// disable turns the endpoint off again, even when ctx is already done.
func disable(ctx context.Context, c *device.Conn) error {
	if _, err := c.Write(context.WithoutCancel(ctx), PathVis, protocol.Bool(false)); err != nil {
		return fmt.Errorf("disable telemetry: %w", err)
	}
	return nil
}
