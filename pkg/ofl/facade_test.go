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

// ============================================================
// Table Construction Tests
// ============================================================

func TestFacade_APIFeatures(t *testing.T) {
	_, _, f := newTestTarget(t)

	minimal := f.API(FeatureNone)
	if err := minimal.Validate(); err != nil {
		t.Fatalf("minimal table invalid: %v", err)
	}
	for _, s := range []Slot{SlotBlankCheck, SlotEraseChip, SlotVerify, SlotRead, SlotProgram, SlotErase, SlotStart} {
		if minimal.Has(s) {
			t.Errorf("slot %s should be absent without features", s)
		}
	}
	if !minimal.Has(SlotCalcCRC) || !minimal.Has(SlotFeedWatchdog) {
		t.Error("CalcCRC and FeedWatchdog are always present")
	}

	full := f.API(FeatureAll)
	for _, s := range Slots() {
		if !full.Has(s) {
			t.Errorf("slot %s should be present with all features", s)
		}
	}
}

func TestNewFacade_NilBusPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for nil bus")
		}
	}()
	NewFacade(nil)
}

// ============================================================
// Init / UnInit Tests
// ============================================================

func TestFacade_InitIdempotent(t *testing.T) {
	_, bus, f := newTestTarget(t, WithBusParams(BusParams{AddressBits: 32, Prescaler: 1}))

	if r := f.Init(DefaultBaseAddr, 100000000, CallerProgram); r != 0 {
		t.Fatalf("Init returned %d", r)
	}
	if r := f.Init(DefaultBaseAddr, 100000000, CallerVerify); r != 0 {
		t.Fatalf("second Init returned %d", r)
	}

	if bus.inits != 1 {
		t.Errorf("bus should be configured once, got %d", bus.inits)
	}
	if bus.mapEnables != 1 || !f.Mapped() {
		t.Errorf("memory map should be enabled once, got %d", bus.mapEnables)
	}
	if bus.lastBase != DefaultBaseAddr || bus.lastParams.Frequency != 100000000 || bus.lastParams.AddressBits != 32 {
		t.Errorf("unexpected bus params: base=0x%08X %+v", bus.lastBase, bus.lastParams)
	}
}

func TestFacade_InitEraseSkipsMemoryMap(t *testing.T) {
	_, bus, f := newTestTarget(t)

	if r := f.Init(DefaultBaseAddr, 0, CallerErase); r != 0 {
		t.Fatalf("Init returned %d", r)
	}
	if bus.mapEnables != 0 || f.Mapped() {
		t.Error("erase-only init should not enable the memory map")
	}
}

func TestFacade_UnInitRestoresMemoryMap(t *testing.T) {
	_, bus, f := newTestTarget(t)

	f.Init(DefaultBaseAddr, 0, CallerErase)
	if r := f.UnInit(CallerErase); r != 0 {
		t.Fatalf("UnInit returned %d", r)
	}
	if bus.inits != 2 || bus.mapEnables != 1 || !f.Mapped() {
		t.Errorf("UnInit should reset the bus and map flash: inits=%d maps=%d", bus.inits, bus.mapEnables)
	}

	// A fresh Init after UnInit configures the bus again
	f.Init(DefaultBaseAddr, 0, CallerProgram)
	if bus.inits != 3 {
		t.Errorf("expected a third bus init, got %d", bus.inits)
	}
}

// ============================================================
// Address Translation Tests
// ============================================================

func TestFacade_TranslatesAddresses(t *testing.T) {
	_, bus, f := newTestTarget(t)

	if r := f.EraseSector(0x90010000); r != 0 {
		t.Fatalf("EraseSector returned %d", r)
	}
	page := make([]byte, DefaultPageSize)
	if r := f.ProgramPage(0x90001000, DefaultPageSize, page); r != 0 {
		t.Fatalf("ProgramPage returned %d", r)
	}

	if len(bus.erased) != 1 || bus.erased[0] != 0x10000 {
		t.Errorf("erase should reach the bus at 0x10000, got %v", bus.erased)
	}
	if len(bus.programmed) != 1 || bus.programmed[0] != 0x1000 {
		t.Errorf("program should reach the bus at 0x1000, got %v", bus.programmed)
	}
}

func TestFacade_RejectsAddressBelowBase(t *testing.T) {
	_, bus, f := newTestTarget(t)

	if r := f.EraseSector(0x08000000); r != 1 {
		t.Errorf("expected 1, got %d", r)
	}
	if len(bus.erased) != 0 {
		t.Error("bus should not see an address below base")
	}
}

func TestFacade_ProgramPageLength(t *testing.T) {
	_, bus, f := newTestTarget(t)

	if r := f.ProgramPage(DefaultBaseAddr, 100, make([]byte, 100)); r != 1 {
		t.Errorf("non page multiple: expected 1, got %d", r)
	}
	if r := f.ProgramPage(DefaultBaseAddr, 512, make([]byte, 256)); r != 1 {
		t.Errorf("short buffer: expected 1, got %d", r)
	}
	if len(bus.programmed) != 0 {
		t.Errorf("bus should not be called, got %v", bus.programmed)
	}

	bus.failProgram = true
	if r := f.ProgramPage(DefaultBaseAddr, 256, make([]byte, 256)); r != 1 {
		t.Errorf("bus failure: expected 1, got %d", r)
	}
}

// ============================================================
// Open Program / Erase Tests
// ============================================================

func TestFacade_ProgramPadsPartialPage(t *testing.T) {
	_, bus, f := newTestTarget(t)

	data := make([]byte, 300)
	for i := range data {
		data[i] = 0x5A
	}
	if r := f.Program(DefaultBaseAddr, 300, data); r != 0 {
		t.Fatalf("Program returned %d", r)
	}

	if len(bus.programmed) != 2 || bus.programmed[1] != 256 {
		t.Fatalf("expected two pages, got %v", bus.programmed)
	}
	if bus.flash[299] != 0x5A || bus.flash[300] != 0xFF || bus.flash[511] != 0xFF {
		t.Errorf("padding wrong: [299]=0x%02X [300]=0x%02X", bus.flash[299], bus.flash[300])
	}
}

func TestFacade_EraseRange(t *testing.T) {
	_, bus, f := newTestTarget(t)
	feeds := 0
	f.cfg.Watchdog = func() { feeds++ }

	if r := f.Erase(DefaultBaseAddr+DefaultSectorSize, 1, 2); r != 0 {
		t.Fatalf("Erase returned %d", r)
	}
	if len(bus.erased) != 2 || bus.erased[0] != DefaultSectorSize || bus.erased[1] != 2*DefaultSectorSize {
		t.Errorf("unexpected erased sectors: %v", bus.erased)
	}
	if feeds == 0 {
		t.Error("Erase should feed the watchdog")
	}
}

func TestFacade_EraseRangeZeroCount(t *testing.T) {
	_, bus, f := newTestTarget(t)

	if r := f.Erase(DefaultBaseAddr, 0, 0); r != int(ResultError) {
		t.Errorf("expected %d for zero sectors, got %d", ResultError, r)
	}
	if len(bus.erased) != 0 {
		t.Errorf("no sector should be erased, got %v", bus.erased)
	}
}

func TestFacade_EraseChipBySectors(t *testing.T) {
	dev := &FlashDevice{
		Name:      "test",
		BaseAddr:  DefaultBaseAddr,
		TotalSize: testFlashSize,
		PageSize:  DefaultPageSize,
		ErasedVal: 0xFF,
		Sectors:   []SectorInfo{{Size: DefaultSectorSize, Start: 0}},
	}
	_, bus, f := newTestTarget(t, WithDevice(dev))

	if r := f.EraseChip(); r != 0 {
		t.Fatalf("EraseChip returned %d", r)
	}
	if len(bus.erased) != 4 {
		t.Errorf("expected 4 sectors erased, got %v", bus.erased)
	}
}

func TestFacade_EraseChipWithoutDevice(t *testing.T) {
	_, _, f := newTestTarget(t)
	if r := f.EraseChip(); r != 1 {
		t.Errorf("expected 1 without device or bulk erase, got %d", r)
	}
}

// ============================================================
// Read-Back Tests
// ============================================================

func TestFacade_BlankCheckVerifyRead(t *testing.T) {
	_, _, f := newTestTarget(t)
	f.Init(DefaultBaseAddr, 0, CallerVerify)

	if r := f.BlankCheck(DefaultBaseAddr, 1024, 0xFF); r != 0 {
		t.Errorf("erased flash should be blank, got %d", r)
	}

	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(i)
	}
	if r := f.ProgramPage(DefaultBaseAddr, 512, data); r != 0 {
		t.Fatalf("ProgramPage returned %d", r)
	}
	if r := f.BlankCheck(DefaultBaseAddr, 1024, 0xFF); r != 1 {
		t.Errorf("programmed flash should not be blank, got %d", r)
	}

	if r := f.Verify(DefaultBaseAddr, 512, data); r != DefaultBaseAddr+512 {
		t.Errorf("verify should return end address, got 0x%08X", r)
	}
	data[300] ^= 0x01
	if r := f.Verify(DefaultBaseAddr, 512, data); r != DefaultBaseAddr+300 {
		t.Errorf("verify should return mismatch address, got 0x%08X", r)
	}

	buf := make([]byte, 16)
	if r := f.Read(DefaultBaseAddr+16, 16, buf); r != 16 || buf[0] != 16 {
		t.Errorf("Read returned %d buf[0]=%d", r, buf[0])
	}
	if r := f.Read(0x90000000+testFlashSize, 16, buf); r >= 0 {
		t.Errorf("read beyond the window should fail, got %d", r)
	}
}

func TestFacade_CalcCRCStagedAndDirect(t *testing.T) {
	_, bus, f := newTestTarget(t)
	f.Init(DefaultBaseAddr, 0, CallerVerify)
	for i := range bus.flash[:1000] {
		bus.flash[i] = byte(i * 3)
	}
	bus.sync()

	want := ^crc32.ChecksumIEEE(bus.flash[:1000])
	if got := f.CalcCRC(0xFFFFFFFF, DefaultBaseAddr, 1000, PolyIEEE); got != want {
		t.Errorf("direct: expected 0x%08X, got 0x%08X", want, got)
	}
	api := f.API(FeatureNativeRead)
	if got := api.CalcCRC(0xFFFFFFFF, DefaultBaseAddr, 1000, PolyIEEE); got != want {
		t.Errorf("staged: expected 0x%08X, got 0x%08X", want, got)
	}
}

// ============================================================
// Turbo Mode Tests
// ============================================================

func TestFacade_StartRunsEngine(t *testing.T) {
	mem, bus, f := newTestTarget(t)
	api := f.API(FeatureAll)

	page := make([]byte, DefaultPageSize)
	for i := range page {
		page[i] = byte(0xA0 + i)
	}
	if err := mem.WriteAt(page, buffer0.Addr()); err != nil {
		t.Fatal(err)
	}

	mustWriteDescriptor(t, mem, desc2, &Descriptor{
		Cmd: OpCRC, BaseAddr: DefaultBaseAddr, NumBytes: DefaultPageSize,
		Param1: 0xFFFFFFFF, Param2: PolyIEEE, Result: result2, NextOrResult2: uint32(desc0),
	})
	mustWriteDescriptor(t, mem, desc1, &Descriptor{
		Cmd: OpProgram, BaseAddr: DefaultBaseAddr, NumBytes: DefaultPageSize, Param0: uint32(buffer0),
		Result: result1, NextOrResult2: uint32(desc2),
	})
	mustWriteDescriptor(t, mem, desc0, &Descriptor{
		Cmd: OpInit, BaseAddr: DefaultBaseAddr, Param1: CallerProgram,
		Result: result0, NextOrResult2: uint32(desc1),
	})

	for _, r := range []Handle{result0, result1, result2} {
		if err := mem.Write32(r.Addr(), 0xDEADBEEF); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- api.Start(ctx, desc0) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		// the engine only writes result2 once the CRC command completes
		if v, _ := mem.Read32(result2.Addr()); v == 0 {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("turbo chain did not complete")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if string(bus.flash[:DefaultPageSize]) != string(page) {
		t.Error("page not programmed through turbo mode")
	}
	want := ^crc32.ChecksumIEEE(page)
	if got := mustRead32(t, mem, desc2.Addr()+OffNextOrResult2); got != want {
		t.Errorf("crc: expected 0x%08X, got 0x%08X", want, got)
	}
}
