package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/openbuttnakedgang/holter/internal/protocol"
	"github.com/openbuttnakedgang/holter/internal/util"
)

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// Timeouts bound each individual transport call.
type Timeouts struct {
	Command time.Duration
	Sized   time.Duration
}

var DefaultTimeouts = Timeouts{Command: 5 * time.Second, Sized: 30 * time.Second}

// Session owns the link to one device. Operations take the session's
// sequencing token for their whole duration, so only one runs at a time.
// Any transport failure drops the link; later operations then fail with
// ErrNotConnected until Connect succeeds again.
type Session struct {
	connector Connector
	codec     protocol.Codec
	ids       ProductIDs
	timeouts  Timeouts
	token     *semaphore.Weighted

	mu        sync.Mutex
	state     State
	transport Transport
	identity  Identity
	kind      Kind
	known     *Identity
}

type Option func(*Session)

func WithCodec(c protocol.Codec) Option    { return func(s *Session) { s.codec = c } }
func WithProductIDs(ids ProductIDs) Option { return func(s *Session) { s.ids = ids } }
func WithTimeouts(t Timeouts) Option       { return func(s *Session) { s.timeouts = t } }

// NewSession returns a disconnected session that opens links with connector.
func NewSession(connector Connector, opts ...Option) *Session {
	s := &Session{
		connector: connector,
		codec:     protocol.CBORCodec{},
		ids:       DefaultProductIDs,
		timeouts:  DefaultTimeouts,
		token:     semaphore.NewWeighted(1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect opens a new link, replacing any existing one. It reports whether the
// device is the same one seen on the previous successful connect.
func (s *Session) Connect(ctx context.Context) (reconnected bool, err error) {
	if err := s.token.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer s.token.Release(1)

	s.mu.Lock()
	old := s.transport
	s.transport = nil
	s.state = StateDisconnected
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	t, id, err := s.connector.Connect(ctx)
	if err != nil {
		return false, err
	}

	kind, err := s.ids.Resolve(id.ProductID)
	if err != nil {
		_ = t.Close()
		return false, err
	}

	rctx, cancel := context.WithTimeout(ctx, s.timeouts.Command)
	err = t.Reset(rctx)
	cancel()
	if err != nil {
		_ = t.Close()
		return false, transportError("reset", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	reconnected = s.known != nil && s.known.Equal(id)
	s.transport = t
	s.identity = id
	s.kind = kind
	s.state = StateConnected
	s.known = &id

	logrus.WithFields(logrus.Fields{
		"device":      id.String(),
		"kind":        kind,
		"reconnected": reconnected,
	}).Info("device connected")
	return reconnected, nil
}

// Close drops the link.
func (s *Session) Close() error {
	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.state = StateDisconnected
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Close()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the connected device identity.
func (s *Session) Identity() (Identity, Kind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.kind, s.state == StateConnected
}

// Exclusive runs fn while holding the sequencing token.
func (s *Session) Exclusive(ctx context.Context, fn func(*Conn) error) error {
	if err := s.token.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.token.Release(1)

	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	c := &Conn{s: s, t: s.transport, kind: s.kind}
	s.mu.Unlock()
	return fn(c)
}

// invalidate drops t if it is still the live transport.
func (s *Session) invalidate(t Transport, cause error) {
	s.mu.Lock()
	if s.transport != t {
		s.mu.Unlock()
		return
	}
	s.transport = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	logrus.WithError(cause).Warn("device link lost")
	_ = t.Close()
}

func (s *Session) live(t Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected && s.transport == t
}

// Conn is the view of a session handed to an operation holding the token.
// Every failed call invalidates the session, except stalls.
type Conn struct {
	s    *Session
	t    Transport
	kind Kind
}

func (c *Conn) Kind() Kind { return c.kind }

func (c *Conn) fail(op string, err error) error {
	if errors.Is(err, ErrEndpointStall) {
		return err
	}
	err = transportError(op, err)
	c.s.invalidate(c.t, err)
	return err
}

func (c *Conn) Send(ctx context.Context, data []byte) error {
	if !c.s.live(c.t) {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, c.s.timeouts.Command)
	defer cancel()

	if logrus.IsLevelEnabled(logrus.TraceLevel) {
		logrus.Tracef("OUT %d bytes\n%s", len(data), util.Dump(data))
	}
	if err := c.t.Send(ctx, data); err != nil {
		return c.fail("send", err)
	}
	return nil
}

func (c *Conn) ReceiveChunk(ctx context.Context) ([]byte, error) {
	if !c.s.live(c.t) {
		return nil, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, c.s.timeouts.Command)
	defer cancel()

	b, err := c.t.ReceiveChunk(ctx)
	if err != nil {
		return nil, c.fail("receive", err)
	}
	if logrus.IsLevelEnabled(logrus.TraceLevel) {
		logrus.Tracef("IN %d bytes\n%s", len(b), util.Dump(b))
	}
	return b, nil
}

func (c *Conn) ReceiveSized(ctx context.Context, ch Channel, n int) ([]byte, Status, error) {
	if !c.s.live(c.t) {
		return nil, StatusOK, ErrNotConnected
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, c.s.timeouts.Sized)
	defer cancel()

	b, st, err := c.t.ReceiveSized(ctx, ch, n)
	if err != nil {
		// A caller ending a stream leaves the link usable.
		if parent.Err() != nil {
			return nil, st, parent.Err()
		}
		return nil, st, c.fail(fmt.Sprintf("receive %s", ch), err)
	}
	return b, st, nil
}

func (c *Conn) control() (ControlTransport, error) {
	if !c.s.live(c.t) {
		return nil, ErrNotConnected
	}
	ct, ok := c.t.(ControlTransport)
	if !ok {
		return nil, fmt.Errorf("%w: link has no control pipe", ErrWrongDeviceType)
	}
	return ct, nil
}

func (c *Conn) ControlOut(ctx context.Context, request uint8, value uint16, data []byte) error {
	ct, err := c.control()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.s.timeouts.Command)
	defer cancel()

	if err := ct.ControlOut(ctx, request, value, data); err != nil {
		return c.fail(fmt.Sprintf("control out 0x%02x", request), err)
	}
	return nil
}

func (c *Conn) ControlIn(ctx context.Context, request uint8, value uint16, buf []byte) (int, error) {
	ct, err := c.control()
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.s.timeouts.Command)
	defer cancel()

	n, err := ct.ControlIn(ctx, request, value, buf)
	if err != nil {
		return 0, c.fail(fmt.Sprintf("control in 0x%02x", request), err)
	}
	return n, nil
}
