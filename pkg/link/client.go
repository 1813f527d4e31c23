// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Thermoquad/flashloader/pkg/ofl"
)

var _ ofl.Memory = (*Client)(nil)

// DefaultTimeout bounds one request/response exchange
const DefaultTimeout = 2 * time.Second

// Client accesses remote target memory over a link. It implements
// ofl.Memory, so a host can drive a remote loader exactly like a local
// one. Requests are serialised; a Client is safe for concurrent use.
type Client struct {
	mu      sync.Mutex
	rw      io.ReadWriter
	seq     uint32
	timeout time.Duration
	logger  Logger

	responses chan *Response
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	readErr   error
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClientLogger sets the client's logger
func WithClientLogger(l Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient starts a client on rw. It owns rw from now on and reads it
// from a background goroutine until Close or a read error.
func NewClient(rw io.ReadWriter, opts ...ClientOption) *Client {
	c := &Client{
		rw:        rw,
		timeout:   DefaultTimeout,
		logger:    nopLogger{},
		responses: make(chan *Response, 16),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	dec := NewDecoder()
	buf := make([]byte, 1024)
	for {
		n, err := c.rw.Read(buf)
		for _, b := range buf[:n] {
			body, derr := dec.DecodeByte(b)
			if derr != nil {
				c.logger.Debug("dropped frame", "error", derr)
				continue
			}
			if body == nil {
				continue
			}
			resp, derr := DecodeResponse(body)
			if derr != nil {
				c.logger.Debug("bad response", "error", derr)
				continue
			}
			select {
			case c.responses <- resp:
			case <-c.done:
				return
			}
		}
		if err != nil {
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			c.shutdown()
			return
		}
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Close stops the client and closes rw when it is an io.Closer
func (c *Client) Close() error {
	c.shutdown()
	if cl, ok := c.rw.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

func (c *Client) closedErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr != nil && !errors.Is(c.readErr, io.EOF) {
		return fmt.Errorf("%w: %w", ErrClosed, c.readErr)
	}
	return ErrClosed
}

// Do sends one request and waits for its response. Responses to earlier
// timed out requests are discarded.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return nil, c.closedErr()
	default:
	}

	c.seq++
	req.Seq = c.seq
	frame, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	if _, err := c.rw.Write(frame); err != nil {
		return nil, fmt.Errorf("link write: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	for {
		select {
		case resp := <-c.responses:
			if resp.Seq != req.Seq {
				c.logger.Debug("stale response", "seq", resp.Seq, "want", req.Seq)
				continue
			}
			if resp.Status != StatusOK {
				return resp, &StatusError{Op: req.Op, Addr: req.Addr, Status: resp.Status}
			}
			return resp, nil
		case <-timer.C:
			return nil, fmt.Errorf("%s at 0x%08X: %w", req.Op, req.Addr, ErrTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, c.closedErr()
		}
	}
}

// Ping measures one round trip
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.Do(ctx, &Request{Op: OpPing}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Read32 reads a remote word
func (c *Client) Read32(addr uint32) (uint32, error) {
	resp, err := c.Do(context.Background(), &Request{Op: OpRead32, Addr: addr})
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// Write32 writes a remote word
func (c *Client) Write32(addr uint32, v uint32) error {
	_, err := c.Do(context.Background(), &Request{Op: OpWrite32, Addr: addr, Len: v})
	return err
}

// ReadAt fills p from remote memory in MaxChunk pieces
func (c *Client) ReadAt(p []byte, addr uint32) error {
	for len(p) > 0 {
		n := min(len(p), MaxChunk)
		resp, err := c.Do(context.Background(), &Request{Op: OpRead, Addr: addr, Len: uint32(n)})
		if err != nil {
			return err
		}
		if len(resp.Data) != n {
			return fmt.Errorf("read at 0x%08X: got %d bytes, want %d", addr, len(resp.Data), n)
		}
		copy(p, resp.Data)
		p = p[n:]
		addr += uint32(n)
	}
	return nil
}

// WriteAt stores p in remote memory in MaxChunk pieces
func (c *Client) WriteAt(p []byte, addr uint32) error {
	for len(p) > 0 {
		n := min(len(p), MaxChunk)
		if _, err := c.Do(context.Background(), &Request{Op: OpWrite, Addr: addr, Data: p[:n]}); err != nil {
			return err
		}
		p = p[n:]
		addr += uint32(n)
	}
	return nil
}
