// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package target

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Thermoquad/flashloader/pkg/ofl"
)

var (
	// ErrNotInitialized is returned for flash commands issued before Init
	ErrNotInitialized = errors.New("flash controller not initialized")

	// ErrNotMapped is returned for window reads while memory-mapped mode is off
	ErrNotMapped = errors.New("flash not memory mapped")
)

// NORCounters counts the commands the flash has seen
type NORCounters struct {
	Inits      uint64
	MapEnables uint64
	Erases     uint64
	ChipErases uint64
	Programs   uint64
	Bytes      uint64
	Reads      uint64
}

// NOR simulates a NOR flash behind a QSPI-style controller. It implements
// ofl.Bus, ofl.Reader and ofl.ChipEraser; addresses are relative to the
// flash base.
//
// Sectors are stored sparsely and an absent sector reads as erased.
// Programming can only clear bits, as on real NOR.
type NOR struct {
	mu  sync.Mutex
	dev *ofl.FlashDevice

	sectors map[uint32][]byte // by sector start, relative

	initialized bool
	mapped      bool
	params      ofl.BusParams

	programDelay time.Duration
	eraseDelay   time.Duration

	counters NORCounters
}

// NOROption configures a NOR
type NOROption func(*NOR)

// WithTiming makes every page program and sector erase take the given
// time.
func WithTiming(program, erase time.Duration) NOROption {
	return func(n *NOR) {
		n.programDelay = program
		n.eraseDelay = erase
	}
}

// NewNOR creates a blank flash shaped like dev
func NewNOR(dev *ofl.FlashDevice, opts ...NOROption) (*NOR, error) {
	if err := dev.Validate(); err != nil {
		return nil, err
	}
	n := &NOR{
		dev:     dev,
		sectors: make(map[uint32][]byte),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Device returns the flash description
func (n *NOR) Device() *ofl.FlashDevice {
	return n.dev
}

// Init resets the controller. Memory-mapped mode is left off.
func (n *NOR) Init(params *ofl.BusParams, base uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if base != n.dev.BaseAddr {
		return fmt.Errorf("init: base 0x%08X does not match device base 0x%08X", base, n.dev.BaseAddr)
	}
	if params != nil {
		n.params = *params
	}
	n.initialized = true
	n.mapped = false
	n.counters.Inits++
	return nil
}

// Params returns the parameters of the last Init
func (n *NOR) Params() ofl.BusParams {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.params
}

// EnableMemoryMap switches the controller to memory-mapped reads
func (n *NOR) EnableMemoryMap() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.initialized {
		return ErrNotInitialized
	}
	n.mapped = true
	n.counters.MapEnables++
	return nil
}

// Mapped reports whether memory-mapped mode is on
func (n *NOR) Mapped() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mapped
}

// EraseSector erases the sector starting at addr
func (n *NOR) EraseSector(addr uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.initialized {
		return ErrNotInitialized
	}
	_, start, _, err := n.dev.SectorIndex(n.dev.BaseAddr + addr)
	if err != nil {
		return fmt.Errorf("erase: %w", err)
	}
	if start != n.dev.BaseAddr+addr {
		return fmt.Errorf("erase: 0x%08X is not a sector start", addr)
	}

	delete(n.sectors, addr)
	n.counters.Erases++
	n.sleep(n.eraseDelay)
	return nil
}

// EraseChip erases every sector
func (n *NOR) EraseChip() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.initialized {
		return ErrNotInitialized
	}
	n.sectors = make(map[uint32][]byte)
	n.counters.ChipErases++
	n.sleep(n.eraseDelay)
	return nil
}

// Program ANDs data into the flash at addr. The write may span pages
// and sectors.
func (n *NOR) Program(addr uint32, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.initialized {
		return ErrNotInitialized
	}
	if !n.dev.Contains(n.dev.BaseAddr+addr, uint32(len(data))) {
		return fmt.Errorf("program: 0x%08X+%d outside flash", addr, len(data))
	}

	for len(data) > 0 {
		sec, off, size, err := n.locate(addr)
		if err != nil {
			return err
		}
		buf, ok := n.sectors[sec]
		if !ok {
			buf = make([]byte, size)
			for i := range buf {
				buf[i] = n.dev.ErasedVal
			}
			n.sectors[sec] = buf
		}
		k := copyAnd(buf[off:], data)
		data = data[k:]
		addr += uint32(k)
		n.counters.Bytes += uint64(k)
	}

	n.counters.Programs++
	if n.dev.PageSize > 0 {
		n.sleep(n.programDelay)
	}
	return nil
}

func copyAnd(dst, src []byte) int {
	k := min(len(dst), len(src))
	for i := 0; i < k; i++ {
		dst[i] &= src[i]
	}
	return k
}

// ReadAt reads through the controller's indirect read command
func (n *NOR) ReadAt(p []byte, addr uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.initialized {
		return ErrNotInitialized
	}
	n.counters.Reads++
	return n.read(p, addr)
}

// Snapshot returns a copy of [addr, addr+len) regardless of controller
// state, for tests and tooling.
func (n *NOR) Snapshot(addr, length uint32) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := make([]byte, length)
	return p, n.read(p, addr)
}

// Counters returns the command counters
func (n *NOR) Counters() NORCounters {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counters
}

func (n *NOR) read(p []byte, addr uint32) error {
	if !n.dev.Contains(n.dev.BaseAddr+addr, uint32(len(p))) {
		return fmt.Errorf("read: 0x%08X+%d outside flash", addr, len(p))
	}
	for len(p) > 0 {
		sec, off, size, err := n.locate(addr)
		if err != nil {
			return err
		}
		k := min(len(p), int(size-off))
		if buf, ok := n.sectors[sec]; ok {
			copy(p[:k], buf[off:])
		} else {
			for i := range p[:k] {
				p[i] = n.dev.ErasedVal
			}
		}
		p = p[k:]
		addr += uint32(k)
	}
	return nil
}

// locate returns the relative sector start, offset within it and size
func (n *NOR) locate(addr uint32) (sec, off, size uint32, err error) {
	_, start, size, err := n.dev.SectorIndex(n.dev.BaseAddr + addr)
	if err != nil {
		return 0, 0, 0, err
	}
	sec = start - n.dev.BaseAddr
	return sec, addr - sec, size, nil
}

func (n *NOR) sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// Window returns the memory-mapped view of the flash, to be mapped at
// the device base address. Reads fault while memory-mapped mode is off
// and writes always fault.
func (n *NOR) Window() Device {
	return norWindow{n}
}

type norWindow struct {
	n *NOR
}

func (w norWindow) ReadAt(p []byte, off uint32) error {
	w.n.mu.Lock()
	defer w.n.mu.Unlock()
	if !w.n.mapped {
		return fmt.Errorf("%w: %w", &ofl.FaultError{Addr: w.n.dev.BaseAddr + off, Len: len(p)}, ErrNotMapped)
	}
	return w.n.read(p, off)
}

func (w norWindow) WriteAt(p []byte, off uint32) error {
	return &ofl.FaultError{Addr: w.n.dev.BaseAddr + off, Len: len(p), Write: true}
}
