package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/openbuttnakedgang/holter/internal/protocol"
)

type chunkResult struct {
	data []byte
	err  error
}

// Call sends one request and waits for its reply.
func (s *Session) Call(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	var reply protocol.Message
	err := s.Exclusive(ctx, func(c *Conn) error {
		var err error
		reply, err = c.Call(ctx, req)
		return err
	})
	return reply, err
}

// Read fetches the value at path.
func (s *Session) Read(ctx context.Context, path string) (protocol.Value, error) {
	reply, err := s.Call(ctx, protocol.ReadRequest(path))
	if err != nil {
		return nil, err
	}
	return reply.Value, nil
}

// Write stores v at path and returns the value echoed by the device.
func (s *Session) Write(ctx context.Context, path string, v protocol.Value) (protocol.Value, error) {
	reply, err := s.Call(ctx, protocol.WriteRequest(path, v))
	if err != nil {
		return nil, err
	}
	return reply.Value, nil
}

// Call sends req and reassembles exactly one reply from command chunks.
// The first receive is issued before the send so the reply's first chunk
// cannot be missed.
func (c *Conn) Call(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	if c.kind == KindBootloader {
		return protocol.Message{}, fmt.Errorf("%w: commands need the application firmware", ErrWrongDeviceType)
	}
	if !req.Code.IsRequest() {
		return protocol.Message{}, fmt.Errorf("%w: %s is not a request", ErrProtocol, req.Code)
	}
	codec := c.s.codec
	out, err := codec.Encode(req)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	log := logrus.WithFields(logrus.Fields{"code": req.Code, "path": req.Path})
	log.WithField("value", req.Value).Debug("request")

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	first := make(chan chunkResult, 1)
	go func() {
		b, err := c.ReceiveChunk(rctx)
		first <- chunkResult{b, err}
	}()

	if err := c.Send(ctx, out); err != nil {
		cancel()
		// the pending receive may have lost the link first
		if res := <-first; res.err != nil && errors.Is(err, ErrNotConnected) {
			err = res.err
		}
		return protocol.Message{}, err
	}

	r := protocol.NewReassembler(codec, protocol.MaxMessageSize)
	res := <-first
	var reply protocol.Message
	for {
		if res.err != nil {
			return protocol.Message{}, res.err
		}
		msg, done, err := r.Feed(res.data)
		if err != nil {
			return protocol.Message{}, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		if done {
			reply = msg
			break
		}
		b, err := c.ReceiveChunk(ctx)
		res = chunkResult{b, err}
	}

	log.WithFields(logrus.Fields{"reply": reply.Code, "value": reply.Value}).Debug("reply")

	if reply.Path != req.Path {
		return protocol.Message{}, fmt.Errorf("%w: reply for %q to request for %q", ErrProtocol, reply.Path, req.Path)
	}
	if reply.Code.IsError() {
		return reply, &ReplyError{Code: reply.Code, Path: reply.Path}
	}
	if reply.Code != req.Code.Expects() {
		return protocol.Message{}, fmt.Errorf("%w: %s reply to %s", ErrProtocol, reply.Code, req.Code)
	}
	return reply, nil
}

// Read is Call with a READ request.
func (c *Conn) Read(ctx context.Context, path string) (protocol.Value, error) {
	reply, err := c.Call(ctx, protocol.ReadRequest(path))
	if err != nil {
		return nil, err
	}
	return reply.Value, nil
}

// Write is Call with a WRITE request.
func (c *Conn) Write(ctx context.Context, path string, v protocol.Value) (protocol.Value, error) {
	reply, err := c.Call(ctx, protocol.WriteRequest(path, v))
	if err != nil {
		return nil, err
	}
	return reply.Value, nil
}
