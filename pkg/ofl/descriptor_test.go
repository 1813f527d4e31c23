// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ofl

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestDescriptor_Layout(t *testing.T) {
	d := Descriptor{
		Param0:        0x11111111,
		BaseAddr:      0x90000000,
		Offset:        0x00000100,
		NumBytes:      0x00000200,
		Param1:        0x22222222,
		Param2:        0x33333333,
		Param3:        0x44444444,
		Result:        0x20001000,
		NextOrResult2: 0x20000040,
		Cmd:           OpVerify,
	}
	buf, err := d.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != DescriptorSize {
		t.Fatalf("expected %d bytes, got %d", DescriptorSize, len(buf))
	}

	words := []struct {
		off  int
		want uint32
	}{
		{0x00, 0x11111111},
		{0x04, 0},
		{0x08, 0x90000000},
		{0x0C, 0x00000100},
		{0x10, 0x00000200},
		{0x14, 0x22222222},
		{0x18, 0x33333333},
		{0x1C, 0x44444444},
		{0x20, 0x20001000},
		{0x24, 0x20000040},
		{0x28, 0},
		{0x2C, 11},
	}
	for _, w := range words {
		if got := binary.LittleEndian.Uint32(buf[w.off:]); got != w.want {
			t.Errorf("word at 0x%02X: expected 0x%08X, got 0x%08X", w.off, w.want, got)
		}
	}

	var back Descriptor
	if err := back.UnmarshalBinary(buf); err != nil {
		t.Fatal(err)
	}
	if back != d {
		t.Errorf("decoded descriptor differs: %+v", back)
	}
	if back.Addr() != 0x90000100 || back.Next() != 0x20000040 {
		t.Errorf("Addr=0x%08X Next=%s", back.Addr(), back.Next())
	}
}

func TestDescriptor_UnmarshalShort(t *testing.T) {
	var d Descriptor
	if err := d.UnmarshalBinary(make([]byte, DescriptorSize-1)); err == nil {
		t.Error("expected error for short buffer")
	}
}

// opcodeLastMemory fails the test if the opcode word is written before
// the rest of the descriptor.
type opcodeLastMemory struct {
	*testMemory
	t       *testing.T
	base    uint32
	bodyOK  bool
	cmdSeen bool
}

func (m *opcodeLastMemory) WriteAt(p []byte, addr uint32) error {
	if addr == m.base && len(p) == OffCmd {
		m.bodyOK = true
	}
	if addr <= m.base+OffCmd && uint64(addr)+uint64(len(p)) > uint64(m.base+OffCmd) {
		m.t.Error("bulk write covered the opcode word")
	}
	return m.testMemory.WriteAt(p, addr)
}

func (m *opcodeLastMemory) Write32(addr, v uint32) error {
	if addr == m.base+OffCmd {
		if !m.bodyOK {
			m.t.Error("opcode written before descriptor body")
		}
		m.cmdSeen = true
	}
	return m.testMemory.Write32(addr, v)
}

func TestWriteDescriptor_OpcodeLast(t *testing.T) {
	inner := newTestMemory()
	inner.mapRegion(testRAMBase, testRAMSize)
	mem := &opcodeLastMemory{testMemory: inner, t: t, base: testRAMBase}

	d := Descriptor{Cmd: OpCRC, NumBytes: 4, Result: result0, NextOrResult2: uint32(desc1)}
	if err := WriteDescriptor(mem, desc0, &d); err != nil {
		t.Fatal(err)
	}
	if !mem.cmdSeen {
		t.Error("opcode never written")
	}

	got, err := ReadDescriptor(mem, desc0)
	if err != nil {
		t.Fatal(err)
	}
	if got != d {
		t.Errorf("read back %+v", got)
	}
}

func TestReadDescriptor_Fault(t *testing.T) {
	_, err := ReadDescriptor(newTestMemory(), 0x1000)
	if !errors.Is(err, ErrBusFault) {
		t.Errorf("expected bus fault, got %v", err)
	}
}
