// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/Thermoquad/flashloader/pkg/ofl"
)

// Logger is the logging interface used by the link
type Logger = ofl.Logger

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// ServerCounters counts what a server has handled
type ServerCounters struct {
	Requests    uint64
	Faults      uint64
	FrameErrors uint64
}

// Server answers memory access requests against an ofl.Memory. It plays
// the debug probe's role: the target keeps running while the host reads
// and writes its RAM.
type Server struct {
	mem    ofl.Memory
	logger Logger

	requests    atomic.Uint64
	faults      atomic.Uint64
	frameErrors atomic.Uint64
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithServerLogger sets the server's logger
func WithServerLogger(l Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a server for mem
func NewServer(mem ofl.Memory, opts ...ServerOption) *Server {
	s := &Server{mem: mem, logger: nopLogger{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Counters returns the server counters
func (s *Server) Counters() ServerCounters {
	return ServerCounters{
		Requests:    s.requests.Load(),
		Faults:      s.faults.Load(),
		FrameErrors: s.frameErrors.Load(),
	}
}

// Serve handles requests from rw until it reaches EOF, fails, or ctx is
// done. A blocked read only notices ctx once the caller closes rw.
// EOF, a closed rw and ctx cancellation return nil.
func (s *Server) Serve(ctx context.Context, rw io.ReadWriter) error {
	dec := NewDecoder()
	buf := make([]byte, 1024)

	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := rw.Read(buf)
		for _, b := range buf[:n] {
			body, derr := dec.DecodeByte(b)
			if derr != nil {
				s.frameErrors.Add(1)
				s.logger.Debug("dropped frame", "error", derr)
				continue
			}
			if body == nil {
				continue
			}
			if werr := s.handleFrame(rw, body); werr != nil {
				if closedErr(werr) || ctx.Err() != nil {
					return nil
				}
				return werr
			}
		}
		if err != nil {
			if closedErr(err) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("link read: %w", err)
		}
	}
}

// closedErr reports whether err means the peer or the caller closed rw
func closedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}

func (s *Server) handleFrame(w io.Writer, body []byte) error {
	req, err := DecodeRequest(body)
	if err != nil {
		s.frameErrors.Add(1)
		s.logger.Debug("bad request", "error", err)
		return nil
	}
	s.requests.Add(1)

	resp := s.Handle(req)
	frame, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("link write: %w", err)
	}
	return nil
}

// Handle executes one request
func (s *Server) Handle(req *Request) *Response {
	resp := &Response{Seq: req.Seq, Status: StatusOK}

	var err error
	switch req.Op {
	case OpPing:
	case OpRead32:
		resp.Value, err = s.mem.Read32(req.Addr)
	case OpWrite32:
		err = s.mem.Write32(req.Addr, req.Len)
	case OpRead:
		if req.Len > MaxChunk {
			resp.Status = StatusTooLarge
			return resp
		}
		resp.Data = make([]byte, req.Len)
		err = s.mem.ReadAt(resp.Data, req.Addr)
	case OpWrite:
		if len(req.Data) > MaxChunk {
			resp.Status = StatusTooLarge
			return resp
		}
		err = s.mem.WriteAt(req.Data, req.Addr)
	default:
		resp.Status = StatusBadRequest
		return resp
	}

	if err != nil {
		s.faults.Add(1)
		s.logger.Debug("request faulted", "op", req.Op.String(), "addr", fmt.Sprintf("0x%08X", req.Addr), "error", err)
		return &Response{Seq: req.Seq, Status: StatusFault}
	}
	return resp
}
