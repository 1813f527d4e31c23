// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package target

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/Thermoquad/flashloader/pkg/ofl"
)

// Device is a peripheral mapped into the address space. Offsets are
// relative to the start of its mapping.
type Device interface {
	ReadAt(p []byte, off uint32) error
	WriteAt(p []byte, off uint32) error
}

// bytesDevice is plain read/write memory
type bytesDevice []byte

func (b bytesDevice) ReadAt(p []byte, off uint32) error {
	copy(p, b[off:])
	return nil
}

func (b bytesDevice) WriteAt(p []byte, off uint32) error {
	copy(b[off:], p)
	return nil
}

// Region describes one mapping
type Region struct {
	Name string
	Base uint32
	Size uint32
}

// End returns the first address past the region
func (r Region) End() uint64 {
	return uint64(r.Base) + uint64(r.Size)
}

type mapping struct {
	Region
	dev Device
}

// RAM is the simulated target address space: a set of non-overlapping
// regions, each backed by plain memory or a mapped device. Accesses that
// do not fall entirely inside one region fault with *ofl.FaultError.
//
// RAM serialises accesses so a host goroutine and the engine can share it,
// the way both sides of a debug probe share the target's memory bus.
type RAM struct {
	mu   sync.RWMutex
	maps []mapping
}

// NewRAM creates an empty address space
func NewRAM() *RAM {
	return &RAM{}
}

// Map adds a zero-filled memory region
func (r *RAM) Map(name string, base, size uint32) error {
	return r.MapDevice(name, base, size, make(bytesDevice, size))
}

// MapDevice maps dev at [base, base+size)
func (r *RAM) MapDevice(name string, base, size uint32, dev Device) error {
	if size == 0 {
		return fmt.Errorf("region %q: zero size", name)
	}
	reg := Region{Name: name, Base: base, Size: size}
	if reg.End() > 1<<32 {
		return fmt.Errorf("region %q wraps the address space", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.maps {
		if uint64(base) < m.End() && reg.End() > uint64(m.Base) {
			return fmt.Errorf("region %q [0x%08X, 0x%09X) overlaps %q", name, base, reg.End(), m.Name)
		}
	}
	r.maps = append(r.maps, mapping{Region: reg, dev: dev})
	sort.Slice(r.maps, func(i, j int) bool { return r.maps[i].Base < r.maps[j].Base })
	return nil
}

// Regions lists the mappings in address order
func (r *RAM) Regions() []Region {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Region, len(r.maps))
	for i, m := range r.maps {
		out[i] = m.Region
	}
	return out
}

func (r *RAM) find(addr uint32, n int) (*mapping, uint32, bool) {
	for i := range r.maps {
		m := &r.maps[i]
		if addr >= m.Base && uint64(addr)+uint64(n) <= m.End() {
			return m, addr - m.Base, true
		}
	}
	return nil, 0, false
}

func (r *RAM) access(p []byte, addr uint32, write bool) error {
	if write {
		r.mu.Lock()
		defer r.mu.Unlock()
	} else {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}

	m, off, ok := r.find(addr, len(p))
	if !ok {
		return &ofl.FaultError{Addr: addr, Len: len(p), Write: write}
	}
	if write {
		return m.dev.WriteAt(p, off)
	}
	return m.dev.ReadAt(p, off)
}

// Read32 reads a little-endian word
func (r *RAM) Read32(addr uint32) (uint32, error) {
	var b [4]byte
	if err := r.access(b[:], addr, false); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// Write32 writes a little-endian word
func (r *RAM) Write32(addr uint32, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return r.access(b[:], addr, true)
}

// ReadAt fills p from addr
func (r *RAM) ReadAt(p []byte, addr uint32) error {
	return r.access(p, addr, false)
}

// WriteAt stores p at addr
func (r *RAM) WriteAt(p []byte, addr uint32) error {
	return r.access(p, addr, true)
}
