// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ofl

import (
	"context"
	"errors"
	"hash/crc32"
	"testing"
	"time"
)

const (
	desc0   Handle = testRAMBase
	desc1   Handle = testRAMBase + 0x40
	desc2   Handle = testRAMBase + 0x80
	result0 Handle = testRAMBase + 0x1000
	result1 Handle = testRAMBase + 0x1004
	result2 Handle = testRAMBase + 0x1008
	buffer0 Handle = testRAMBase + 0x2000
)

// recordingAPI returns a table with only the mandatory slots, each of
// which appends its name to calls.
func recordingAPI(calls *[]string) API {
	return API{
		Init: func(addr, freq, fn uint32) int {
			*calls = append(*calls, "Init")
			return 0
		},
		UnInit: func(fn uint32) int {
			*calls = append(*calls, "UnInit")
			return 0
		},
		EraseSector: func(addr uint32) int {
			*calls = append(*calls, "EraseSector")
			return 0
		},
		ProgramPage: func(addr, n uint32, data []byte) int {
			*calls = append(*calls, "ProgramPage")
			return 0
		},
	}
}

func newTestEngine(t *testing.T, api API, mem Memory, opts ...EngineOption) *Engine {
	t.Helper()
	e, err := NewEngine(api, mem, desc0, opts...)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

// ============================================================
// Construction Tests
// ============================================================

func TestNewEngine_MissingMandatorySlot(t *testing.T) {
	var calls []string
	api := recordingAPI(&calls)
	api.ProgramPage = nil

	_, err := NewEngine(api, newTestMemory(), desc0)
	var missing *MissingSlotError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSlotError, got %v", err)
	}
	if missing.Slot != SlotProgramPage {
		t.Errorf("expected slot ProgramPage, got %s", missing.Slot)
	}
}

func TestNewEngine_CopiesTable(t *testing.T) {
	var calls []string
	api := recordingAPI(&calls)
	mem := newTestMemory()
	mem.mapRegion(testRAMBase, testRAMSize)
	e := newTestEngine(t, api, mem)

	api.Init = nil
	mustWriteDescriptor(t, mem, desc0, &Descriptor{Cmd: OpInit, Result: result0, NextOrResult2: uint32(desc0)})
	runCommands(t, e, 1)

	if len(calls) != 1 || calls[0] != "Init" {
		t.Errorf("engine should use its own copy of the table, calls=%v", calls)
	}
}

// ============================================================
// Polling Tests
// ============================================================

func TestEngine_IdlePollDoesNotAdvance(t *testing.T) {
	var calls []string
	mem := newTestMemory()
	mem.mapRegion(testRAMBase, testRAMSize)
	feeds := 0
	api := recordingAPI(&calls)
	api.FeedWatchdog = func() { feeds++ }
	stats := NewStatistics()
	e := newTestEngine(t, api, mem, WithStatistics(stats))

	for i := 0; i < 5; i++ {
		ok, err := e.Cycle()
		if err != nil {
			t.Fatalf("Cycle failed: %v", err)
		}
		if ok {
			t.Fatal("idle descriptor should not be processed")
		}
	}

	if e.State() != StateAwaitCommand || e.Current() != desc0 {
		t.Errorf("engine moved while idle: state=%s current=%s", e.State(), e.Current())
	}
	if e.IdlePolls() != 5 || stats.Snapshot().IdlePolls != 5 {
		t.Errorf("expected 5 idle polls, got %d", e.IdlePolls())
	}
	if feeds != 5 {
		t.Errorf("expected watchdog fed on every idle poll, got %d", feeds)
	}
	if len(calls) != 0 {
		t.Errorf("idle polls should not call primitives: %v", calls)
	}
}

func TestEngine_StepStates(t *testing.T) {
	var calls []string
	mem := newTestMemory()
	mem.mapRegion(testRAMBase, testRAMSize)
	e := newTestEngine(t, recordingAPI(&calls), mem)
	mustWriteDescriptor(t, mem, desc0, &Descriptor{Cmd: OpUnInit, Result: result0, NextOrResult2: uint32(desc1)})

	want := []State{StateDecode, StateExecute, StateAcknowledge, StateAwaitCommand}
	for i, s := range want {
		if err := e.Step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if e.State() != s {
			t.Errorf("step %d: expected %s, got %s", i, s, e.State())
		}
	}
	if e.Current() != desc1 {
		t.Errorf("expected current %s, got %s", desc1, e.Current())
	}
}

// ============================================================
// Command Protocol Tests
// ============================================================

func TestEngine_PendingAndClearedDuringExecute(t *testing.T) {
	mem := newTestMemory()
	mem.mapRegion(testRAMBase, testRAMSize)

	var calls []string
	api := recordingAPI(&calls)
	var seenResult, seenCmd uint32
	var seenAddr, seenFreq, seenFn uint32
	api.Init = func(addr, freq, fn uint32) int {
		seenResult = mustRead32(t, mem, result0.Addr())
		seenCmd = mustRead32(t, mem, desc0.Addr()+OffCmd)
		seenAddr, seenFreq, seenFn = addr, freq, fn
		return 0
	}
	e := newTestEngine(t, api, mem)

	mustWriteDescriptor(t, mem, desc0, &Descriptor{
		Cmd:           OpInit,
		BaseAddr:      0x90000000,
		Offset:        0x100,
		Param1:        CallerProgram,
		Param2:        50000000,
		Result:        result0,
		NextOrResult2: uint32(desc1),
	})
	runCommands(t, e, 1)

	if seenResult != uint32(ResultPending) {
		t.Errorf("result slot during execute: expected pending, got 0x%08X", seenResult)
	}
	if seenCmd != uint32(OpIdle) {
		t.Errorf("opcode during execute: expected cleared, got %d", seenCmd)
	}
	if seenAddr != 0x90000100 || seenFreq != 50000000 || seenFn != CallerProgram {
		t.Errorf("Init args: addr=0x%08X freq=%d fn=%d", seenAddr, seenFreq, seenFn)
	}
	if got := mustRead32(t, mem, result0.Addr()); got != 0 {
		t.Errorf("expected result 0, got %d", int32(got))
	}
}

func TestEngine_ChainProcessedInOrder(t *testing.T) {
	mem := newTestMemory()
	mem.mapRegion(testRAMBase, testRAMSize)
	var calls []string
	e := newTestEngine(t, recordingAPI(&calls), mem)

	var events []Event
	e.cfg.observer = func(ev Event) { events = append(events, ev) }

	// desc1 first so the engine cannot start before the chain is complete
	mustWriteDescriptor(t, mem, desc1, &Descriptor{Cmd: OpUnInit, Param1: CallerErase, Result: result1, NextOrResult2: uint32(desc2)})
	mustWriteDescriptor(t, mem, desc0, &Descriptor{Cmd: OpInit, Param1: CallerErase, Result: result0, NextOrResult2: uint32(desc1)})
	runCommands(t, e, 2)

	if len(calls) != 2 || calls[0] != "Init" || calls[1] != "UnInit" {
		t.Errorf("expected Init then UnInit, got %v", calls)
	}
	if e.Current() != desc2 {
		t.Errorf("engine should poll %s next, polls %s", desc2, e.Current())
	}
	if len(events) != 2 || events[0].Seq != 1 || events[1].Desc != desc1 {
		t.Errorf("unexpected events: %+v", events)
	}
	for _, h := range []Handle{desc0, desc1} {
		if cmd := mustRead32(t, mem, h.Addr()+OffCmd); cmd != uint32(OpIdle) {
			t.Errorf("descriptor %s opcode not cleared: %d", h, cmd)
		}
	}
}

func TestEngine_UnsupportedNeverCallsPrimitives(t *testing.T) {
	tests := []struct {
		name string
		desc Descriptor
	}{
		{"blank check", Descriptor{Cmd: OpBlankCheck, NumBytes: 16}},
		{"read", Descriptor{Cmd: OpRead, NumBytes: 16, Param0: uint32(buffer0)}},
		{"program", Descriptor{Cmd: OpProgram, NumBytes: 16, Param0: uint32(buffer0)}},
		{"verify", Descriptor{Cmd: OpVerify, NumBytes: 16, Param0: uint32(buffer0)}},
		{"chip erase", Descriptor{Cmd: OpEraseChip, NumBytes: 0}},
		{"range erase", Descriptor{Cmd: OpEraseChip, NumBytes: 4, Param0: 4}},
		{"unknown opcode", Descriptor{Cmd: Opcode(42)}},
		{"reserved opcode", Descriptor{Cmd: Opcode(1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := newTestMemory()
			mem.mapRegion(testRAMBase, testRAMSize)
			var calls []string
			e := newTestEngine(t, recordingAPI(&calls), mem)

			d := tt.desc
			d.BaseAddr = DefaultBaseAddr
			d.Result = result0
			d.NextOrResult2 = uint32(desc1)
			mustWriteDescriptor(t, mem, desc0, &d)
			runCommands(t, e, 1)

			if got := int32(mustRead32(t, mem, result0.Addr())); got != ResultUnsupported {
				t.Errorf("expected -1, got %d", got)
			}
			if len(calls) != 0 {
				t.Errorf("no primitive should run, got %v", calls)
			}
			if e.Current() != desc1 {
				t.Errorf("engine should advance to %s", desc1)
			}
		})
	}
}

func TestEngine_EraseChipCases(t *testing.T) {
	type erase struct{ addr, index, count uint32 }

	tests := []struct {
		name       string
		numBytes   uint32
		withErase  bool
		withChip   bool
		wantCalls  []string
		wantResult int32
	}{
		{"whole chip", 0, false, true, []string{"EraseChip"}, 0},
		{"single sector fallback", 1, false, false, []string{"EraseSector"}, 0},
		{"range without erase slot", 3, false, false, nil, ResultUnsupported},
		{"range with erase slot", 3, true, false, []string{"Erase"}, 0},
		{"one sector with erase slot", 1, true, false, []string{"Erase"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := newTestMemory()
			mem.mapRegion(testRAMBase, testRAMSize)
			var calls []string
			var got erase
			var sectorAddr uint32
			api := recordingAPI(&calls)
			api.EraseSector = func(addr uint32) int {
				calls = append(calls, "EraseSector")
				sectorAddr = addr
				return 0
			}
			if tt.withChip {
				api.EraseChip = func() int {
					calls = append(calls, "EraseChip")
					return 0
				}
			}
			if tt.withErase {
				api.Erase = func(addr, index, count uint32) int {
					calls = append(calls, "Erase")
					got = erase{addr, index, count}
					return 0
				}
			}
			e := newTestEngine(t, api, mem)

			mustWriteDescriptor(t, mem, desc0, &Descriptor{
				Cmd:           OpEraseChip,
				BaseAddr:      DefaultBaseAddr,
				Offset:        0x20000,
				NumBytes:      tt.numBytes,
				Param0:        3,
				Param1:        2,
				Result:        result0,
				NextOrResult2: uint32(desc1),
			})
			runCommands(t, e, 1)

			if res := int32(mustRead32(t, mem, result0.Addr())); res != tt.wantResult {
				t.Errorf("expected result %d, got %d", tt.wantResult, res)
			}
			if len(calls) != len(tt.wantCalls) {
				t.Fatalf("expected calls %v, got %v", tt.wantCalls, calls)
			}
			for i := range calls {
				if calls[i] != tt.wantCalls[i] {
					t.Errorf("expected calls %v, got %v", tt.wantCalls, calls)
				}
			}
			if tt.withErase && got != (erase{0x90020000, 2, 3}) {
				t.Errorf("Erase args: %+v", got)
			}
			if !tt.withErase && tt.numBytes == 1 && sectorAddr != 0x90020000 {
				t.Errorf("EraseSector addr: 0x%08X", sectorAddr)
			}
		})
	}
}

func TestEngine_SingleSectorEraseThroughFacade(t *testing.T) {
	tests := []struct {
		name       string
		features   Features
		param0     uint32
		wantResult int32
		wantErased []uint32
	}{
		{"range erase, one sector", FeatureAll, 1, ResultOK, []uint32{DefaultSectorSize}},
		{"range erase, zero count", FeatureAll, 0, ResultError, nil},
		{"sector fallback", FeatureAll &^ FeatureOpenErase, 0, ResultOK, []uint32{DefaultSectorSize}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem, bus, f := newTestTarget(t)
			e := newTestEngine(t, f.API(tt.features), mem)
			mustWriteDescriptor(t, mem, desc0, &Descriptor{
				Cmd:           OpEraseChip,
				BaseAddr:      DefaultBaseAddr,
				Offset:        DefaultSectorSize,
				NumBytes:      1,
				Param0:        tt.param0,
				Param1:        1,
				Result:        result0,
				NextOrResult2: uint32(desc1),
			})
			runCommands(t, e, 1)

			if res := int32(mustRead32(t, mem, result0.Addr())); res != tt.wantResult {
				t.Errorf("expected result %d, got %d", tt.wantResult, res)
			}
			if len(bus.erased) != len(tt.wantErased) {
				t.Fatalf("expected erased %v, got %v", tt.wantErased, bus.erased)
			}
			for i := range bus.erased {
				if bus.erased[i] != tt.wantErased[i] {
					t.Errorf("expected erased %v, got %v", tt.wantErased, bus.erased)
				}
			}
		})
	}
}

func TestEngine_CRCWritesResult2AfterCapturingNext(t *testing.T) {
	mem := newTestMemory()
	mem.mapRegion(testRAMBase, testRAMSize)
	flash := mem.mapRegion(DefaultBaseAddr, 256)
	for i := range flash {
		flash[i] = byte(i)
	}
	var calls []string
	e := newTestEngine(t, recordingAPI(&calls), mem)

	var events []Event
	e.cfg.observer = func(ev Event) { events = append(events, ev) }

	mustWriteDescriptor(t, mem, desc0, &Descriptor{
		Cmd:           OpCRC,
		BaseAddr:      DefaultBaseAddr,
		NumBytes:      256,
		Param1:        0xFFFFFFFF,
		Param2:        PolyIEEE,
		Result:        result0,
		NextOrResult2: uint32(desc1),
	})
	runCommands(t, e, 1)

	want := ^crc32.ChecksumIEEE(flash)
	if got := mustRead32(t, mem, desc0.Addr()+OffNextOrResult2); got != want {
		t.Errorf("expected crc 0x%08X in next slot, got 0x%08X", want, got)
	}
	if res := mustRead32(t, mem, result0.Addr()); res != 0 {
		t.Errorf("expected result 0, got %d", int32(res))
	}
	if e.Current() != desc1 {
		t.Errorf("engine should follow the captured next %s, got %s", desc1, e.Current())
	}
	if len(events) != 1 || events[0].CRC != want || events[0].Next != desc1 {
		t.Errorf("unexpected event: %+v", events)
	}
}

func TestEngine_CRCStagedThroughRead(t *testing.T) {
	mem := newTestMemory()
	mem.mapRegion(testRAMBase, testRAMSize)
	var calls []string
	api := recordingAPI(&calls)
	reads := 0
	api.Read = func(addr, n uint32, p []byte) int {
		reads++
		fillBytes(p[:n], 0xAB)
		return int(n)
	}
	e := newTestEngine(t, api, mem)

	mustWriteDescriptor(t, mem, desc0, &Descriptor{
		Cmd:           OpCRC,
		BaseAddr:      DefaultBaseAddr,
		NumBytes:      40,
		Param2:        PolyCastagnoli,
		Result:        result0,
		NextOrResult2: uint32(desc1),
	})
	runCommands(t, e, 1)

	if reads != 3 {
		t.Errorf("expected 3 staged reads, got %d", reads)
	}
	data := make([]byte, 40)
	fillBytes(data, 0xAB)
	if got, want := mustRead32(t, mem, desc0.Addr()+OffNextOrResult2), Update(0, PolyCastagnoli, data); got != want {
		t.Errorf("expected 0x%08X, got 0x%08X", want, got)
	}
}

func TestEngine_CRCStagingFailure(t *testing.T) {
	mem := newTestMemory()
	mem.mapRegion(testRAMBase, testRAMSize)
	var calls []string
	api := recordingAPI(&calls)
	api.Read = func(addr, n uint32, p []byte) int { return -1 }
	e := newTestEngine(t, api, mem)

	mustWriteDescriptor(t, mem, desc0, &Descriptor{
		Cmd: OpCRC, BaseAddr: DefaultBaseAddr, NumBytes: 16, Param2: PolyIEEE,
		Result: result0, NextOrResult2: uint32(desc1),
	})
	runCommands(t, e, 1)

	if res := int32(mustRead32(t, mem, result0.Addr())); res != ResultError {
		t.Errorf("expected %d, got %d", ResultError, res)
	}
	if got := mustRead32(t, mem, desc0.Addr()+OffNextOrResult2); got != uint32(desc1) {
		t.Errorf("next slot should be untouched on failure, got 0x%08X", got)
	}
}

func TestEngine_ReadWritesHostBuffer(t *testing.T) {
	mem := newTestMemory()
	mem.mapRegion(testRAMBase, testRAMSize)
	var calls []string
	api := recordingAPI(&calls)
	api.Read = func(addr, n uint32, p []byte) int {
		for i := range p[:n] {
			p[i] = byte(addr) + byte(i)
		}
		return int(n)
	}
	e := newTestEngine(t, api, mem)

	mustWriteDescriptor(t, mem, desc0, &Descriptor{
		Cmd: OpRead, BaseAddr: DefaultBaseAddr, Offset: 0x10, NumBytes: 8,
		Param0: uint32(buffer0), Result: result0, NextOrResult2: uint32(desc1),
	})
	runCommands(t, e, 1)

	if res := int32(mustRead32(t, mem, result0.Addr())); res != 8 {
		t.Errorf("expected 8, got %d", res)
	}
	got := make([]byte, 8)
	if err := mem.ReadAt(got, buffer0.Addr()); err != nil {
		t.Fatal(err)
	}
	for i, b := range got {
		if b != byte(0x10+i) {
			t.Fatalf("buffer[%d] = 0x%02X", i, b)
		}
	}
}

func TestEngine_ProgramAndVerifyLoadHostBuffer(t *testing.T) {
	mem := newTestMemory()
	mem.mapRegion(testRAMBase, testRAMSize)
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := mem.WriteAt(payload, buffer0.Addr()); err != nil {
		t.Fatal(err)
	}

	var calls []string
	var programmed, verified []byte
	api := recordingAPI(&calls)
	api.Program = func(addr, n uint32, data []byte) int {
		programmed = append([]byte(nil), data...)
		return 0
	}
	api.Verify = func(addr, n uint32, data []byte) uint32 {
		verified = append([]byte(nil), data...)
		return addr + n
	}
	e := newTestEngine(t, api, mem)

	mustWriteDescriptor(t, mem, desc1, &Descriptor{
		Cmd: OpVerify, BaseAddr: DefaultBaseAddr, NumBytes: 8, Param0: uint32(buffer0),
		Result: result1, NextOrResult2: uint32(desc2),
	})
	mustWriteDescriptor(t, mem, desc0, &Descriptor{
		Cmd: OpProgram, BaseAddr: DefaultBaseAddr, NumBytes: 8, Param0: uint32(buffer0),
		Result: result0, NextOrResult2: uint32(desc1),
	})
	runCommands(t, e, 2)

	if string(programmed) != string(payload) || string(verified) != string(payload) {
		t.Errorf("host buffer not passed through: program=%v verify=%v", programmed, verified)
	}
	if res := mustRead32(t, mem, result1.Addr()); res != DefaultBaseAddr+8 {
		t.Errorf("verify result: 0x%08X", res)
	}
}

func TestEngine_MaxTransfer(t *testing.T) {
	mem := newTestMemory()
	mem.mapRegion(testRAMBase, testRAMSize)
	var calls []string
	api := recordingAPI(&calls)
	api.Program = func(addr, n uint32, data []byte) int {
		calls = append(calls, "Program")
		return 0
	}
	e := newTestEngine(t, api, mem, WithMaxTransfer(64))

	mustWriteDescriptor(t, mem, desc0, &Descriptor{
		Cmd: OpProgram, BaseAddr: DefaultBaseAddr, NumBytes: 65, Param0: uint32(buffer0),
		Result: result0, NextOrResult2: uint32(desc1),
	})
	runCommands(t, e, 1)

	if res := int32(mustRead32(t, mem, result0.Addr())); res != ResultError {
		t.Errorf("expected %d, got %d", ResultError, res)
	}
	if len(calls) != 0 {
		t.Errorf("oversized program should not run: %v", calls)
	}
}

func TestEngine_FailureDoesNotStopLoop(t *testing.T) {
	mem := newTestMemory()
	mem.mapRegion(testRAMBase, testRAMSize)
	var calls []string
	api := recordingAPI(&calls)
	api.Init = func(addr, freq, fn uint32) int {
		calls = append(calls, "Init")
		return 1
	}
	e := newTestEngine(t, api, mem)

	mustWriteDescriptor(t, mem, desc1, &Descriptor{Cmd: OpUnInit, Result: result1, NextOrResult2: uint32(desc2)})
	mustWriteDescriptor(t, mem, desc0, &Descriptor{Cmd: OpInit, Result: result0, NextOrResult2: uint32(desc1)})
	runCommands(t, e, 2)

	if res := mustRead32(t, mem, result0.Addr()); res != 1 {
		t.Errorf("expected init failure code 1, got %d", res)
	}
	if res := mustRead32(t, mem, result1.Addr()); res != 0 {
		t.Errorf("expected uninit to run after failure, got %d", res)
	}
}

// ============================================================
// Run Tests
// ============================================================

func TestEngine_RunStopsOnContext(t *testing.T) {
	mem := newTestMemory()
	mem.mapRegion(testRAMBase, testRAMSize)
	var calls []string
	e := newTestEngine(t, recordingAPI(&calls), mem, WithPollInterval(time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := e.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if e.IdlePolls() == 0 {
		t.Error("expected idle polls before reset")
	}
}

func TestEngine_RunStopsOnFault(t *testing.T) {
	mem := newTestMemory()
	mem.mapRegion(testRAMBase, testRAMSize)
	var calls []string
	e := newTestEngine(t, recordingAPI(&calls), mem)

	// next points at unmapped memory
	mustWriteDescriptor(t, mem, desc0, &Descriptor{Cmd: OpUnInit, Result: result0, NextOrResult2: 0x40000000})

	err := e.Run(context.Background())
	if !errors.Is(err, ErrBusFault) {
		t.Fatalf("expected bus fault, got %v", err)
	}
	if len(calls) != 1 {
		t.Errorf("expected one command before the fault, got %v", calls)
	}
}
