// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ofl

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
)

// ============================================================
// Test Memory
// ============================================================

type region struct {
	base uint32
	data []byte
}

// testMemory is a little-endian address space made of fixed regions.
// Accesses outside every region fault.
type testMemory struct {
	mu      sync.Mutex
	regions []region
	reads   int
	writes  int
}

func newTestMemory() *testMemory {
	return &testMemory{}
}

func (m *testMemory) mapRegion(base, size uint32) []byte {
	data := make([]byte, size)
	m.regions = append(m.regions, region{base: base, data: data})
	return data
}

func (m *testMemory) slice(addr uint32, n int, write bool) ([]byte, error) {
	for _, r := range m.regions {
		if addr >= r.base && uint64(addr-r.base)+uint64(n) <= uint64(len(r.data)) {
			off := addr - r.base
			return r.data[off : off+uint32(n)], nil
		}
	}
	return nil, &FaultError{Addr: addr, Len: n, Write: write}
}

func (m *testMemory) Read32(addr uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	b, err := m.slice(addr, 4, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (m *testMemory) Write32(addr uint32, v uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	b, err := m.slice(addr, 4, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

func (m *testMemory) ReadAt(p []byte, addr uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	b, err := m.slice(addr, len(p), false)
	if err != nil {
		return err
	}
	copy(p, b)
	return nil
}

func (m *testMemory) WriteAt(p []byte, addr uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	b, err := m.slice(addr, len(p), true)
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}

// ============================================================
// Test Bus
// ============================================================

// testBus records façade calls. Flash lives in a byte slice addressed
// relative to the flash base, mirrored into mapped when memory map is on.
type testBus struct {
	flash  []byte
	mapped []byte

	inits       int
	mapEnables  int
	erased      []uint32
	programmed  []uint32
	lastParams  BusParams
	lastBase    uint32
	failProgram bool
}

func newTestBus(size uint32, mapped []byte) *testBus {
	b := &testBus{flash: make([]byte, size), mapped: mapped}
	fillBytes(b.flash, 0xFF)
	b.sync()
	return b
}

func (b *testBus) sync() {
	if b.mapped != nil {
		copy(b.mapped, b.flash)
	}
}

func (b *testBus) Init(params *BusParams, base uint32) error {
	b.inits++
	b.lastParams = *params
	b.lastBase = base
	return nil
}

func (b *testBus) EraseSector(addr uint32) error {
	b.erased = append(b.erased, addr)
	end := min(addr+DefaultSectorSize, uint32(len(b.flash)))
	if addr >= uint32(len(b.flash)) {
		return fmt.Errorf("sector 0x%X out of range", addr)
	}
	fillBytes(b.flash[addr:end], 0xFF)
	b.sync()
	return nil
}

func (b *testBus) Program(addr uint32, data []byte) error {
	if b.failProgram {
		return fmt.Errorf("program failed")
	}
	b.programmed = append(b.programmed, addr)
	if uint64(addr)+uint64(len(data)) > uint64(len(b.flash)) {
		return fmt.Errorf("program 0x%X+%d out of range", addr, len(data))
	}
	for i, v := range data {
		b.flash[addr+uint32(i)] &= v
	}
	b.sync()
	return nil
}

func (b *testBus) EnableMemoryMap() error {
	b.mapEnables++
	return nil
}

// ============================================================
// Descriptor Helpers
// ============================================================

const (
	testRAMBase   = 0x20000000
	testRAMSize   = 0x10000
	testFlashSize = 4 * DefaultSectorSize
)

// newTestTarget maps RAM and a flash window at the default base and
// returns a façade wired to both.
func newTestTarget(t *testing.T, opts ...Option) (*testMemory, *testBus, *Facade) {
	t.Helper()
	mem := newTestMemory()
	mem.mapRegion(testRAMBase, testRAMSize)
	window := mem.mapRegion(DefaultBaseAddr, testFlashSize)
	bus := newTestBus(testFlashSize, window)
	opts = append([]Option{WithMemory(mem)}, opts...)
	return mem, bus, NewFacade(bus, opts...)
}

func mustWriteDescriptor(t *testing.T, mem Memory, h Handle, d *Descriptor) {
	t.Helper()
	if err := WriteDescriptor(mem, h, d); err != nil {
		t.Fatalf("WriteDescriptor(%s) failed: %v", h, err)
	}
}

func mustRead32(t *testing.T, mem Memory, addr uint32) uint32 {
	t.Helper()
	v, err := mem.Read32(addr)
	if err != nil {
		t.Fatalf("Read32(0x%08X) failed: %v", addr, err)
	}
	return v
}

// runCommands cycles the engine until n commands have been acknowledged.
func runCommands(t *testing.T, e *Engine, n int) {
	t.Helper()
	done := 0
	for polls := 0; done < n; polls++ {
		if polls > 1000 {
			t.Fatalf("engine processed %d of %d commands", done, n)
		}
		ok, err := e.Cycle()
		if err != nil {
			t.Fatalf("Cycle failed: %v", err)
		}
		if ok {
			done++
		}
	}
}
