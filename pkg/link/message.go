// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/flashloader/pkg/ofl"
)

// Op is a memory access operation
type Op uint8

// Operations
const (
	OpPing    Op = 0
	OpRead32  Op = 1
	OpWrite32 Op = 2
	OpRead    Op = 3
	OpWrite   Op = 4
)

func (o Op) String() string {
	switch o {
	case OpPing:
		return "PING"
	case OpRead32:
		return "READ32"
	case OpWrite32:
		return "WRITE32"
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	}
	return fmt.Sprintf("OP(%d)", uint8(o))
}

// Status is the outcome of a request
type Status uint8

// Response status codes
const (
	StatusOK         Status = 0
	StatusFault      Status = 1
	StatusBadRequest Status = 2
	StatusTooLarge   Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFault:
		return "bus fault"
	case StatusBadRequest:
		return "bad request"
	case StatusTooLarge:
		return "too large"
	}
	return fmt.Sprintf("status %d", uint8(s))
}

// Request is sent by the client
type Request struct {
	Seq  uint32 `cbor:"0,keyasint"`
	Op   Op     `cbor:"1,keyasint"`
	Addr uint32 `cbor:"2,keyasint,omitempty"`
	// Len is the byte count for OpRead and the value for OpWrite32
	Len  uint32 `cbor:"3,keyasint,omitempty"`
	Data []byte `cbor:"4,keyasint,omitempty"`
}

// Response answers the request with the same Seq
type Response struct {
	Seq    uint32 `cbor:"0,keyasint"`
	Status Status `cbor:"1,keyasint"`
	// Value is the word read by OpRead32
	Value uint32 `cbor:"2,keyasint,omitempty"`
	Data  []byte `cbor:"3,keyasint,omitempty"`
}

var (
	// ErrClosed is returned after the link has been closed
	ErrClosed = errors.New("link closed")

	// ErrTimeout is returned when a response does not arrive in time
	ErrTimeout = errors.New("link timeout")
)

// StatusError is a non-OK response
type StatusError struct {
	Op     Op
	Addr   uint32
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s at 0x%08X: %s", e.Op, e.Addr, e.Status)
}

// Unwrap lets a remote fault match ofl.ErrBusFault
func (e *StatusError) Unwrap() error {
	if e.Status == StatusFault {
		return ofl.ErrBusFault
	}
	return nil
}

// EncodeRequest encodes a request as a frame
func EncodeRequest(r *Request) ([]byte, error) {
	body, err := cbor.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return EncodeFrame(body)
}

// DecodeRequest parses a frame body as a request
func DecodeRequest(body []byte) (*Request, error) {
	var r Request
	if err := cbor.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return &r, nil
}

// EncodeResponse encodes a response as a frame
func EncodeResponse(r *Response) ([]byte, error) {
	body, err := cbor.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return EncodeFrame(body)
}

// DecodeResponse parses a frame body as a response
func DecodeResponse(body []byte) (*Response, error) {
	var r Response
	if err := cbor.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &r, nil
}

// FormatFrame renders a frame body in CBOR diagnostic notation, falling
// back to hex when the body is not CBOR
func FormatFrame(body []byte) string {
	diag, err := cbor.Diagnose(body)
	if err != nil {
		return fmt.Sprintf("h'%X' (%v)", body, err)
	}
	return diag
}
