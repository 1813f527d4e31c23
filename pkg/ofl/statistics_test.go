// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ofl

import (
	"strings"
	"testing"
	"time"
)

// ============================================================
// Statistics Tests
// ============================================================

func TestStatistics_Update(t *testing.T) {
	s := NewStatistics()

	s.Update(Event{Op: OpInit, Result: 0})
	s.Update(Event{Op: OpVerify, Addr: 0x100, NumBytes: 0x10, Result: 0x110})
	s.Update(Event{Op: OpVerify, Addr: 0x100, NumBytes: 0x10, Result: 0x104})
	s.Update(Event{Op: OpRead, Result: ResultUnsupported})
	s.Update(Event{Op: OpBlankCheck, Result: 1, Duration: time.Millisecond})
	s.IdlePoll()
	s.IdlePoll()

	snap := s.Snapshot()
	if snap.TotalCommands != 5 || snap.Succeeded != 3 || snap.Failed != 1 || snap.Unsupported != 1 {
		t.Errorf("unexpected counters: %+v", snap)
	}
	if snap.PerOpcode[OpVerify] != 2 || snap.IdlePolls != 2 {
		t.Errorf("unexpected per-op/idle counters: %+v", snap)
	}
	if snap.BusyTime != time.Millisecond {
		t.Errorf("unexpected busy time %s", snap.BusyTime)
	}

	// The snapshot is a copy
	snap.PerOpcode[OpVerify] = 99
	if s.Snapshot().PerOpcode[OpVerify] != 2 {
		t.Error("snapshot shares the per-opcode map")
	}
}

func TestStatistics_StringAndReset(t *testing.T) {
	s := NewStatistics()
	s.Update(Event{Op: OpProgram, Result: 1})
	out := s.String()
	for _, want := range []string{"Total Commands:", "Failed:", "PROGRAM"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}

	s.Reset()
	if snap := s.Snapshot(); snap.TotalCommands != 0 || len(snap.PerOpcode) != 0 {
		t.Errorf("reset left counters: %+v", snap)
	}
}

// ============================================================
// Formatter Tests
// ============================================================

func TestFormatOpcode(t *testing.T) {
	if FormatOpcode(OpEraseChip) != "ERASE_CHIP" {
		t.Errorf("got %s", FormatOpcode(OpEraseChip))
	}
	if FormatOpcode(Opcode(4)) != "UNKNOWN(4)" {
		t.Errorf("got %s", FormatOpcode(Opcode(4)))
	}
}

func TestFormatEvent(t *testing.T) {
	ev := Event{
		Seq: 3, Desc: desc0, Op: OpCRC, Addr: 0x90000000, NumBytes: 256,
		Result: 0, CRC: 0xCAFEBABE, Start: time.Now(),
	}
	out := FormatEvent(ev)
	for _, want := range []string{"#3 CRC", "crc=0xCAFEBABE", "[OK]", "desc=0x20000000"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}

	ev = Event{Op: OpVerify, Addr: 0x100, NumBytes: 16, Result: 0x108, Start: time.Now()}
	out = FormatEvent(ev)
	if !strings.Contains(out, "mismatch@0x00000108") || !strings.Contains(out, "[FAIL]") {
		t.Errorf("unexpected verify failure format %q", out)
	}
}

func TestFormatDescriptor(t *testing.T) {
	d := Descriptor{Cmd: OpRead, BaseAddr: 0x90000000, Offset: 0x40, NumBytes: 8, Result: result0}
	out := FormatDescriptor(desc1, &d)
	if !strings.Contains(out, "desc 0x20000040: READ addr=0x90000000+0x40") {
		t.Errorf("unexpected format %q", out)
	}
}

// ============================================================
// Validator Tests
// ============================================================

func TestValidateDescriptor(t *testing.T) {
	dev := DefaultDevice()
	base := dev.BaseAddr

	tests := []struct {
		name string
		desc Descriptor
		want []AnomalyType
	}{
		{"idle", Descriptor{Cmd: OpIdle}, nil},
		{"clean program", Descriptor{Cmd: OpProgram, BaseAddr: base, NumBytes: 256, Param0: 1, NextOrResult2: uint32(desc1)}, nil},
		{"unknown", Descriptor{Cmd: Opcode(4)}, []AnomalyType{AnomalyUnknownOpcode}},
		{"zero crc", Descriptor{Cmd: OpCRC, BaseAddr: base}, []AnomalyType{AnomalyZeroLength}},
		{"out of range", Descriptor{Cmd: OpCRC, BaseAddr: 0x20000000, NumBytes: 4, NextOrResult2: uint32(desc1)}, []AnomalyType{AnomalyOutOfRange}},
		{"misaligned program", Descriptor{Cmd: OpProgram, BaseAddr: base, Offset: 3, NumBytes: 256, Param0: 1, NextOrResult2: uint32(desc1)}, []AnomalyType{AnomalyPageAlignment}},
		{"read without buffer", Descriptor{Cmd: OpRead, BaseAddr: base, NumBytes: 4, NextOrResult2: uint32(desc1)}, []AnomalyType{AnomalyMissingBuffer}},
		{"range erase without count", Descriptor{Cmd: OpEraseChip, BaseAddr: base, NumBytes: 2, NextOrResult2: uint32(desc1)}, []AnomalyType{AnomalyEraseCount}},
		{"sector erase without count", Descriptor{Cmd: OpEraseChip, BaseAddr: base, NumBytes: 1, NextOrResult2: uint32(desc1)}, []AnomalyType{AnomalyEraseCount}},
		{"sector erase", Descriptor{Cmd: OpEraseChip, BaseAddr: base, NumBytes: 1, Param0: 1, NextOrResult2: uint32(desc1)}, nil},
		{"chip erase", Descriptor{Cmd: OpEraseChip, BaseAddr: base, NextOrResult2: uint32(desc1)}, nil},
		{"self link", Descriptor{Cmd: OpBlankCheck, BaseAddr: base, NumBytes: 4, NextOrResult2: uint32(desc0)}, []AnomalyType{AnomalySelfLink}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateDescriptor(desc0, &tt.desc, dev)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d anomalies, got %v", len(tt.want), got)
			}
			for i := range got {
				if got[i].Type != tt.want[i] {
					t.Errorf("anomaly %d: expected %d, got %d (%s)", i, tt.want[i], got[i].Type, got[i].Message)
				}
			}
		})
	}
}
