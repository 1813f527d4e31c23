// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ofl

import (
	"context"
	"fmt"
)

// BusParams configures the bus controller in front of the flash
type BusParams struct {
	AddressBits   uint32
	FifoThreshold uint32
	Prescaler     uint32
	SampleShift   bool
	FlashSelect   uint32
	DualFlash     bool
	DummyCycles   uint32
	FlashSizeLog2 uint32
	// Frequency is the clock passed to Init, in Hz
	Frequency uint32
}

// Bus is the bus/storage collaborator behind the façade. Addresses are
// relative to the flash base. Every call is synchronous and bounded by the
// device's own timeouts.
type Bus interface {
	Init(params *BusParams, base uint32) error
	EraseSector(addr uint32) error
	Program(addr uint32, data []byte) error
	EnableMemoryMap() error
}

// Reader is implemented by collaborators that can read flash without a
// memory-mapped window.
type Reader interface {
	ReadAt(p []byte, addr uint32) error
}

// ChipEraser is implemented by collaborators with a bulk erase command.
type ChipEraser interface {
	EraseChip() error
}

// readChunk bounds the scratch buffer used by verify, blank check and read
const readChunk = 256

// Facade translates the generic loader primitives into Bus calls.
//
// A Facade belongs to the single execution context of the loader and is
// not safe for concurrent use.
type Facade struct {
	bus Bus
	cfg Config

	initialized bool
	mapped      bool
	caller      uint32
}

// NewFacade creates a façade over bus.
//
// Example:
//
//	f := ofl.NewFacade(bus,
//	    ofl.WithBaseAddr(0x90000000),
//	    ofl.WithMemory(ram),
//	)
//	api := f.API(ofl.FeatureTurbo | ofl.FeatureOpenErase)
func NewFacade(bus Bus, opts ...Option) *Facade {
	if bus == nil {
		panic("bus cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Facade{
		bus: bus,
		cfg: cfg,
	}
}

// Config returns the façade configuration.
func (f *Facade) Config() Config {
	return f.cfg
}

// Mapped reports whether the memory-mapped read window is enabled.
func (f *Facade) Mapped() bool {
	return f.mapped
}

// API builds the capability table for the given feature set. Mandatory
// slots and CalcCRC are always present.
func (f *Facade) API(features Features) API {
	api := API{
		FeedWatchdog: f.FeedWatchdog,
		Init:         f.Init,
		UnInit:       f.UnInit,
		EraseSector:  f.EraseSector,
		ProgramPage:  f.ProgramPage,
	}
	if features.Has(FeatureBlankCheck) {
		api.BlankCheck = f.BlankCheck
	}
	if features.Has(FeatureEraseChip) {
		api.EraseChip = f.EraseChip
	}
	if features.Has(FeatureNativeVerify) {
		api.Verify = f.Verify
	}
	if features.Has(FeatureNativeRead) {
		api.Read = f.Read
	}
	if features.Has(FeatureOpenProgram) {
		api.Program = f.Program
	}
	if features.Has(FeatureOpenErase) {
		api.Erase = f.Erase
	}

	read := api.Read
	api.CalcCRC = func(crc, addr, numBytes, poly uint32) uint32 {
		return f.calcCRC(read, crc, addr, numBytes, poly)
	}

	if features.Has(FeatureTurbo) {
		table := api
		api.Start = func(ctx context.Context, desc Handle) error {
			e, err := NewEngine(table, f.cfg.Memory, desc, WithEngineLogger(f.cfg.Logger))
			if err != nil {
				return err
			}
			return e.Run(ctx)
		}
	}

	return api
}

// FeedWatchdog calls the configured watchdog hook.
func (f *Facade) FeedWatchdog() {
	if f.cfg.Watchdog != nil {
		f.cfg.Watchdog()
	}
}

// Init configures the bus and, unless the caller only erases, enables the
// memory-mapped window. Calling it again before UnInit is harmless.
// Returns 0 on success, 1 on error.
func (f *Facade) Init(addr, freq, fn uint32) int {
	if !f.initialized {
		params := f.cfg.BusParams
		params.Frequency = freq
		if err := f.bus.Init(&params, f.cfg.BaseAddr); err != nil {
			f.cfg.Logger.Error("bus init failed", "addr", fmt.Sprintf("0x%08X", addr), "error", err)
			return int(ResultError)
		}
		f.initialized = true
		f.mapped = false
	}
	f.caller = fn

	if fn != CallerErase && !f.mapped {
		if err := f.bus.EnableMemoryMap(); err != nil {
			f.cfg.Logger.Error("enable memory map failed", "error", err)
			return int(ResultError)
		}
		f.mapped = true
	}

	f.cfg.Logger.Debug("init", "addr", fmt.Sprintf("0x%08X", addr), "freq", freq, "caller", fn)
	return int(ResultOK)
}

// UnInit resets the bus and re-enables the memory-mapped window so later
// reads by the host observe flash contents.
func (f *Facade) UnInit(fn uint32) int {
	params := f.cfg.BusParams
	if err := f.bus.Init(&params, f.cfg.BaseAddr); err != nil {
		f.cfg.Logger.Error("bus reset failed", "caller", fn, "error", err)
		return int(ResultError)
	}
	f.initialized = false
	f.mapped = false

	if err := f.bus.EnableMemoryMap(); err != nil {
		f.cfg.Logger.Error("enable memory map failed", "error", err)
		return int(ResultError)
	}
	f.mapped = true

	f.cfg.Logger.Debug("uninit", "caller", fn)
	return int(ResultOK)
}

func (f *Facade) translate(addr uint32) (uint32, bool) {
	if addr < f.cfg.BaseAddr {
		f.cfg.Logger.Error("address below flash base",
			"addr", fmt.Sprintf("0x%08X", addr),
			"base", fmt.Sprintf("0x%08X", f.cfg.BaseAddr),
		)
		return 0, false
	}
	return addr - f.cfg.BaseAddr, true
}

// EraseSector erases the sector at addr. Returns 0 on success, 1 on error.
func (f *Facade) EraseSector(addr uint32) int {
	rel, ok := f.translate(addr)
	if !ok {
		return int(ResultError)
	}
	if err := f.bus.EraseSector(rel); err != nil {
		f.cfg.Logger.Error("erase sector failed", "addr", fmt.Sprintf("0x%08X", addr), "error", err)
		return int(ResultError)
	}
	return int(ResultOK)
}

// ProgramPage writes numBytes of data at addr in one synchronous bus
// call. numBytes must be a multiple of the page size.
func (f *Facade) ProgramPage(addr, numBytes uint32, data []byte) int {
	if f.cfg.PageSize > 0 && numBytes%f.cfg.PageSize != 0 {
		f.cfg.Logger.Error("program length not a page multiple", "bytes", numBytes, "page", f.cfg.PageSize)
		return int(ResultError)
	}
	if uint32(len(data)) < numBytes {
		f.cfg.Logger.Error("program buffer too short", "bytes", numBytes, "have", len(data))
		return int(ResultError)
	}
	rel, ok := f.translate(addr)
	if !ok {
		return int(ResultError)
	}
	if err := f.bus.Program(rel, data[:numBytes]); err != nil {
		f.cfg.Logger.Error("program failed", "addr", fmt.Sprintf("0x%08X", addr), "error", err)
		return int(ResultError)
	}
	return int(ResultOK)
}

// Program writes any number of bytes page by page. A trailing partial
// page is padded with the erased value.
func (f *Facade) Program(addr, numBytes uint32, data []byte) int {
	if uint32(len(data)) < numBytes {
		return int(ResultError)
	}
	page := f.cfg.PageSize
	if page == 0 {
		page = numBytes
	}
	for off := uint32(0); off < numBytes; off += page {
		chunk := data[off:min(off+page, numBytes)]
		if uint32(len(chunk)) < page {
			padded := make([]byte, page)
			fillBytes(padded, f.erasedVal())
			copy(padded, chunk)
			chunk = padded
		}
		if r := f.ProgramPage(addr+off, page, chunk); r != int(ResultOK) {
			return r
		}
	}
	return int(ResultOK)
}

// Erase erases numSectors uniform sectors starting at addr. It stops at
// the first failure and returns its code. A zero count is an error.
func (f *Facade) Erase(addr, sectorIndex, numSectors uint32) int {
	f.FeedWatchdog()
	f.cfg.Logger.Debug("erase range", "addr", fmt.Sprintf("0x%08X", addr), "index", sectorIndex, "count", numSectors)
	if numSectors == 0 {
		f.cfg.Logger.Error("erase range with zero sector count", "addr", fmt.Sprintf("0x%08X", addr))
		return int(ResultError)
	}
	for i := uint32(0); i < numSectors; i++ {
		if r := f.EraseSector(addr); r != int(ResultOK) {
			return r
		}
		addr += f.cfg.SectorSize
	}
	return int(ResultOK)
}

// EraseChip erases the whole device, with the collaborator's bulk erase
// when it has one and sector by sector otherwise.
func (f *Facade) EraseChip() int {
	if ce, ok := f.bus.(ChipEraser); ok {
		if err := ce.EraseChip(); err != nil {
			f.cfg.Logger.Error("chip erase failed", "error", err)
			return int(ResultError)
		}
		return int(ResultOK)
	}

	dev := f.cfg.Device
	if dev == nil {
		f.cfg.Logger.Error("chip erase needs a device description or a bulk erase command")
		return int(ResultError)
	}
	for _, s := range dev.SectorAddrs() {
		f.FeedWatchdog()
		if r := f.EraseSector(s); r != int(ResultOK) {
			return r
		}
	}
	return int(ResultOK)
}

// BlankCheck reports 0 if numBytes at addr all equal fill, 1 if not and
// a negative value if the flash could not be read.
func (f *Facade) BlankCheck(addr, numBytes uint32, fill byte) int {
	buf := make([]byte, readChunk)
	for numBytes > 0 {
		n := min(numBytes, readChunk)
		if err := f.readFlash(buf[:n], addr); err != nil {
			f.cfg.Logger.Error("blank check read failed", "addr", fmt.Sprintf("0x%08X", addr), "error", err)
			return int(ResultUnsupported)
		}
		for _, b := range buf[:n] {
			if b != fill {
				return 1
			}
		}
		addr += n
		numBytes -= n
	}
	return 0
}

// Verify compares numBytes of data with flash at addr. It returns
// addr+numBytes on a match and the first differing address otherwise.
// A read failure is reported as a mismatch at the failing chunk.
func (f *Facade) Verify(addr, numBytes uint32, data []byte) uint32 {
	if uint32(len(data)) < numBytes {
		numBytes = uint32(len(data))
	}
	buf := make([]byte, readChunk)
	for off := uint32(0); off < numBytes; {
		n := min(numBytes-off, readChunk)
		if err := f.readFlash(buf[:n], addr+off); err != nil {
			f.cfg.Logger.Error("verify read failed", "addr", fmt.Sprintf("0x%08X", addr+off), "error", err)
			return addr + off
		}
		for i := uint32(0); i < n; i++ {
			if buf[i] != data[off+i] {
				return addr + off + i
			}
		}
		off += n
	}
	return addr + numBytes
}

// Read copies numBytes at addr into buf. Returns numBytes or a negative
// value on error.
func (f *Facade) Read(addr, numBytes uint32, buf []byte) int {
	if uint32(len(buf)) < numBytes {
		return int(ResultUnsupported)
	}
	if err := f.readFlash(buf[:numBytes], addr); err != nil {
		f.cfg.Logger.Error("read failed", "addr", fmt.Sprintf("0x%08X", addr), "error", err)
		return int(ResultUnsupported)
	}
	return int(numBytes)
}

// CalcCRC runs the CRC engine over the memory-mapped flash window.
func (f *Facade) CalcCRC(crc, addr, numBytes, poly uint32) uint32 {
	return f.calcCRC(nil, crc, addr, numBytes, poly)
}

func (f *Facade) calcCRC(read ReadFunc, crc, addr, numBytes, poly uint32) uint32 {
	out, err := CalcCRC(f.cfg.Memory, read, crc, addr, numBytes, poly)
	if err != nil {
		f.cfg.Logger.Error("crc failed", "addr", fmt.Sprintf("0x%08X", addr), "error", err)
	}
	return out
}

// readFlash reads through the mapped window when it is enabled and
// through the collaborator's Reader otherwise.
func (f *Facade) readFlash(p []byte, addr uint32) error {
	if f.mapped && f.cfg.Memory != nil {
		return f.cfg.Memory.ReadAt(p, addr)
	}
	if r, ok := f.bus.(Reader); ok {
		rel, ok := f.translate(addr)
		if !ok {
			return &FaultError{Addr: addr, Len: len(p)}
		}
		return r.ReadAt(p, rel)
	}
	if f.cfg.Memory != nil {
		return f.cfg.Memory.ReadAt(p, addr)
	}
	return ErrUnsupported
}

func (f *Facade) erasedVal() byte {
	if f.cfg.Device != nil {
		return f.cfg.Device.ErasedVal
	}
	return DefaultErasedVal
}

func fillBytes(p []byte, v byte) {
	for i := range p {
		p[i] = v
	}
}
