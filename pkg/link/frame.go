// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package link gives a programming host access to target memory over a
// byte stream (serial port, WebSocket, pipe).
//
// Each request and response is a CBOR body carried in a frame:
//
//	START | stuffed(length u16 LE | body | CRC-16-CCITT BE) | END
//
// START, END and ESC bytes inside the frame are sent as ESC followed by
// the byte XOR 0x20. The CRC covers the length and the body.
package link

import (
	"encoding/binary"
	"fmt"
)

// Framing bytes
const (
	StartByte = 0x7E
	EndByte   = 0x7F
	EscByte   = 0x7D
	EscXor    = 0x20
)

// Size limits
const (
	// MaxChunk is the largest data transfer carried by one request
	MaxChunk = 512
	// MaxBodySize bounds the CBOR body of a frame
	MaxBodySize = 1024
	// frame overhead before stuffing: length + CRC
	frameOverhead = 4
)

// CRC-16-CCITT configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// CalculateCRC computes CRC-16-CCITT checksum for the given data
func CalculateCRC(data []byte) uint16 {
	crc := uint16(crcInitial)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ crcPolynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// FrameError reports a malformed frame
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string {
	return "link frame: " + e.Reason
}

// EncodeFrame wraps body in a frame ready for transmission
func EncodeFrame(body []byte) ([]byte, error) {
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("frame body too large: %d bytes (max %d)", len(body), MaxBodySize)
	}

	data := make([]byte, 2, len(body)+frameOverhead)
	binary.LittleEndian.PutUint16(data, uint16(len(body)))
	data = append(data, body...)

	crc := CalculateCRC(data)
	data = append(data, byte(crc>>8), byte(crc&0xFF))

	stuffed := stuffBytes(data)

	frame := make([]byte, 0, len(stuffed)+2)
	frame = append(frame, StartByte)
	frame = append(frame, stuffed...)
	frame = append(frame, EndByte)
	return frame, nil
}

// stuffBytes escapes the framing bytes in data
func stuffBytes(data []byte) []byte {
	result := make([]byte, 0, len(data)*2)
	for _, b := range data {
		if b == StartByte || b == EndByte || b == EscByte {
			result = append(result, EscByte, b^EscXor)
		} else {
			result = append(result, b)
		}
	}
	return result
}

// UnstuffBytes removes byte stuffing from escaped data
func UnstuffBytes(data []byte) ([]byte, error) {
	result := make([]byte, 0, len(data))
	escapeNext := false

	for _, b := range data {
		if escapeNext {
			result = append(result, b^EscXor)
			escapeNext = false
		} else if b == EscByte {
			escapeNext = true
		} else {
			result = append(result, b)
		}
	}

	if escapeNext {
		return nil, &FrameError{Reason: "incomplete escape sequence at end of data"}
	}
	return result, nil
}

// Decoder states
const (
	stateIdle = iota
	stateLength1
	stateLength2
	stateBody
	stateCRC1
	stateCRC2
	stateEnd
)

// Decoder reassembles frames from a byte stream
type Decoder struct {
	state      int
	escapeNext bool
	length     int
	buffer     []byte // length bytes + body, for the CRC
	crc        uint16
}

// NewDecoder creates a frame decoder
func NewDecoder() *Decoder {
	return &Decoder{
		state:  stateIdle,
		buffer: make([]byte, 0, MaxBodySize+2),
	}
}

// Reset returns the decoder to idle
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.escapeNext = false
	d.length = 0
	d.buffer = d.buffer[:0]
	d.crc = 0
}

// DecodeByte feeds one byte to the decoder. It returns the body of a
// completed frame, nil while a frame is incomplete, or an error when a
// frame is dropped. Bytes outside frames are ignored.
func (d *Decoder) DecodeByte(b byte) ([]byte, error) {
	if b == EscByte && !d.escapeNext && d.state != stateIdle {
		d.escapeNext = true
		return nil, nil
	}

	escaped := d.escapeNext
	if escaped {
		b ^= EscXor
		d.escapeNext = false
	}

	if !escaped && b == StartByte {
		d.Reset()
		d.state = stateLength1
		return nil, nil
	}

	if !escaped && b == EndByte {
		state := d.state
		if state == stateIdle {
			return nil, nil
		}
		if state != stateEnd {
			d.Reset()
			return nil, &FrameError{Reason: fmt.Sprintf("unexpected END byte in state %d", state)}
		}
		body, crc := d.buffer[2:], CalculateCRC(d.buffer)
		if crc != d.crc {
			err := &FrameError{Reason: fmt.Sprintf("CRC mismatch: expected 0x%04X, got 0x%04X", crc, d.crc)}
			d.Reset()
			return nil, err
		}
		out := make([]byte, len(body))
		copy(out, body)
		d.Reset()
		return out, nil
	}

	switch d.state {
	case stateIdle:
		return nil, nil

	case stateLength1:
		d.buffer = append(d.buffer, b)
		d.length = int(b)
		d.state = stateLength2

	case stateLength2:
		d.buffer = append(d.buffer, b)
		d.length |= int(b) << 8
		if d.length > MaxBodySize {
			n := d.length
			d.Reset()
			return nil, &FrameError{Reason: fmt.Sprintf("invalid length: %d (max %d)", n, MaxBodySize)}
		}
		if d.length == 0 {
			d.state = stateCRC1
		} else {
			d.state = stateBody
		}

	case stateBody:
		d.buffer = append(d.buffer, b)
		if len(d.buffer)-2 >= d.length {
			d.state = stateCRC1
		}

	case stateCRC1:
		d.crc = uint16(b) << 8
		d.state = stateCRC2

	case stateCRC2:
		d.crc |= uint16(b)
		d.state = stateEnd

	case stateEnd:
		// a data byte where END was expected
		d.Reset()
		return nil, &FrameError{Reason: "frame longer than its length field"}
	}
	return nil, nil
}
