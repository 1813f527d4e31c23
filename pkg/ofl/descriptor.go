// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ofl

import (
	"encoding/binary"
	"fmt"
)

// DescriptorSize is the size of a command descriptor in target memory
const DescriptorSize = 48

// Word offsets of descriptor fields
const (
	OffParam0        = 0x00
	offReserved1     = 0x04
	OffBaseAddr      = 0x08
	OffOffset        = 0x0C
	OffNumBytes      = 0x10
	OffParam1        = 0x14
	OffParam2        = 0x18
	OffParam3        = 0x1C
	OffResult        = 0x20
	OffNextOrResult2 = 0x24
	offReserved2     = 0x28
	OffCmd           = 0x2C
)

// Descriptor is the shared command block the host writes and the engine
// consumes. The host must not touch a descriptor between writing a
// non-idle Cmd and seeing Cmd return to OpIdle.
type Descriptor struct {
	// Param0 is a host buffer handle for read/program/verify and the
	// sector count for a range erase
	Param0   uint32
	BaseAddr uint32
	Offset   uint32
	NumBytes uint32
	// Param1 carries the fill byte, CRC seed, caller type or sector index
	Param1 uint32
	// Param2 carries the CRC polynomial or the init frequency
	Param2 uint32
	Param3 uint32
	// Result is where the engine writes the command's int32 result
	Result Handle
	// NextOrResult2 points at the next descriptor. Opcode CRC overwrites it
	// with the computed CRC once the next handle has been captured.
	NextOrResult2 uint32
	Cmd           Opcode
}

// Addr returns the effective target address of the command.
func (d *Descriptor) Addr() uint32 {
	return d.BaseAddr + d.Offset
}

// Next returns the next-descriptor handle.
func (d *Descriptor) Next() Handle {
	return Handle(d.NextOrResult2)
}

// MarshalBinary encodes the descriptor in its target memory layout.
func (d *Descriptor) MarshalBinary() ([]byte, error) {
	buf := make([]byte, DescriptorSize)
	le := binary.LittleEndian
	le.PutUint32(buf[OffParam0:], d.Param0)
	le.PutUint32(buf[OffBaseAddr:], d.BaseAddr)
	le.PutUint32(buf[OffOffset:], d.Offset)
	le.PutUint32(buf[OffNumBytes:], d.NumBytes)
	le.PutUint32(buf[OffParam1:], d.Param1)
	le.PutUint32(buf[OffParam2:], d.Param2)
	le.PutUint32(buf[OffParam3:], d.Param3)
	le.PutUint32(buf[OffResult:], uint32(d.Result))
	le.PutUint32(buf[OffNextOrResult2:], d.NextOrResult2)
	le.PutUint32(buf[OffCmd:], uint32(d.Cmd))
	return buf, nil
}

// UnmarshalBinary decodes a descriptor from its target memory layout.
func (d *Descriptor) UnmarshalBinary(data []byte) error {
	if len(data) < DescriptorSize {
		return fmt.Errorf("descriptor too short: %d bytes (need %d)", len(data), DescriptorSize)
	}
	le := binary.LittleEndian
	d.Param0 = le.Uint32(data[OffParam0:])
	d.BaseAddr = le.Uint32(data[OffBaseAddr:])
	d.Offset = le.Uint32(data[OffOffset:])
	d.NumBytes = le.Uint32(data[OffNumBytes:])
	d.Param1 = le.Uint32(data[OffParam1:])
	d.Param2 = le.Uint32(data[OffParam2:])
	d.Param3 = le.Uint32(data[OffParam3:])
	d.Result = Handle(le.Uint32(data[OffResult:]))
	d.NextOrResult2 = le.Uint32(data[OffNextOrResult2:])
	d.Cmd = Opcode(le.Uint32(data[OffCmd:]))
	return nil
}

// ReadDescriptor loads the descriptor at h from target memory.
func ReadDescriptor(mem Memory, h Handle) (Descriptor, error) {
	var d Descriptor
	buf := make([]byte, DescriptorSize)
	if err := mem.ReadAt(buf, h.Addr()); err != nil {
		return d, fmt.Errorf("read descriptor at %s: %w", h, err)
	}
	err := d.UnmarshalBinary(buf)
	return d, err
}

// WriteDescriptor stores every field except Cmd, then Cmd last, so that
// an engine polling the opcode never sees a half written command.
func WriteDescriptor(mem Memory, h Handle, d *Descriptor) error {
	buf, err := d.MarshalBinary()
	if err != nil {
		return err
	}
	if err := mem.WriteAt(buf[:OffCmd], h.Addr()); err != nil {
		return fmt.Errorf("write descriptor at %s: %w", h, err)
	}
	if err := mem.Write32(h.Addr()+OffCmd, uint32(d.Cmd)); err != nil {
		return fmt.Errorf("write opcode at %s: %w", h, err)
	}
	return nil
}
