// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ofl

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// SectorInfo describes a run of equally sized sectors. Start is relative
// to the device base address; the run extends to the next entry's Start
// or to the end of the device.
type SectorInfo struct {
	Size  uint32 `cbor:"0,keyasint"`
	Start uint32 `cbor:"1,keyasint"`
}

// FlashDevice describes the flash a loader programs
type FlashDevice struct {
	AlgoVer      uint16       `cbor:"0,keyasint"`
	Name         string       `cbor:"1,keyasint"`
	Type         uint16       `cbor:"2,keyasint"`
	BaseAddr     uint32       `cbor:"3,keyasint"`
	TotalSize    uint32       `cbor:"4,keyasint"`
	PageSize     uint32       `cbor:"5,keyasint"`
	ErasedVal    byte         `cbor:"6,keyasint"`
	TimeoutProg  uint32       `cbor:"7,keyasint"` // ms per page
	TimeoutErase uint32       `cbor:"8,keyasint"` // ms per sector
	Sectors      []SectorInfo `cbor:"9,keyasint"`
}

// DefaultDevice returns the description of the 64 MiB QSPI NOR flash the
// loader targets by default.
func DefaultDevice() *FlashDevice {
	return &FlashDevice{
		AlgoVer:      AlgoVersion,
		Name:         "N25Q512A QSPI",
		Type:         DeviceExternal,
		BaseAddr:     DefaultBaseAddr,
		TotalSize:    64 * 1024 * 1024,
		PageSize:     DefaultPageSize,
		ErasedVal:    DefaultErasedVal,
		TimeoutProg:  100,
		TimeoutErase: 3000,
		Sectors:      []SectorInfo{{Size: DefaultSectorSize, Start: 0}},
	}
}

// Validate checks the description for internal consistency.
func (d *FlashDevice) Validate() error {
	if len(d.Name) > MaxDeviceName {
		return fmt.Errorf("device name too long: %d bytes (max %d)", len(d.Name), MaxDeviceName)
	}
	if d.TotalSize == 0 {
		return fmt.Errorf("device %q: total size is zero", d.Name)
	}
	if d.PageSize == 0 || d.TotalSize%d.PageSize != 0 {
		return fmt.Errorf("device %q: page size %d does not divide total size %d", d.Name, d.PageSize, d.TotalSize)
	}
	if len(d.Sectors) == 0 {
		return fmt.Errorf("device %q: no sector layout", d.Name)
	}
	if len(d.Sectors) > MaxSectorInfos {
		return fmt.Errorf("device %q: %d sector entries (max %d)", d.Name, len(d.Sectors), MaxSectorInfos)
	}
	if d.Sectors[0].Start != 0 {
		return fmt.Errorf("device %q: first sector run starts at 0x%X, not 0", d.Name, d.Sectors[0].Start)
	}
	for i, s := range d.Sectors {
		if s.Size == 0 {
			return fmt.Errorf("device %q: sector run %d has zero size", d.Name, i)
		}
		end := d.runEnd(i)
		if end <= s.Start || (end-s.Start)%s.Size != 0 {
			return fmt.Errorf("device %q: sector run %d [0x%X, 0x%X) is not a multiple of 0x%X",
				d.Name, i, s.Start, end, s.Size)
		}
	}
	return nil
}

func (d *FlashDevice) runEnd(i int) uint32 {
	if i+1 < len(d.Sectors) {
		return d.Sectors[i+1].Start
	}
	return d.TotalSize
}

// Contains reports whether [addr, addr+n) lies inside the device.
func (d *FlashDevice) Contains(addr, n uint32) bool {
	if addr < d.BaseAddr {
		return false
	}
	rel := uint64(addr - d.BaseAddr)
	return rel+uint64(n) <= uint64(d.TotalSize)
}

// SectorCount returns the number of sectors on the device.
func (d *FlashDevice) SectorCount() uint32 {
	var n uint32
	for i, s := range d.Sectors {
		n += (d.runEnd(i) - s.Start) / s.Size
	}
	return n
}

// SectorIndex returns the index, absolute start address and size of the
// sector holding addr.
func (d *FlashDevice) SectorIndex(addr uint32) (index, start, size uint32, err error) {
	if !d.Contains(addr, 1) {
		return 0, 0, 0, fmt.Errorf("address 0x%08X outside device %q", addr, d.Name)
	}
	rel := addr - d.BaseAddr
	for i, s := range d.Sectors {
		end := d.runEnd(i)
		if rel >= s.Start && rel < end {
			k := (rel - s.Start) / s.Size
			return index + k, d.BaseAddr + s.Start + k*s.Size, s.Size, nil
		}
		index += (end - s.Start) / s.Size
	}
	return 0, 0, 0, fmt.Errorf("address 0x%08X not covered by sector layout", addr)
}

// SectorAddrs returns the absolute start address of every sector.
func (d *FlashDevice) SectorAddrs() []uint32 {
	addrs := make([]uint32, 0, d.SectorCount())
	for i, s := range d.Sectors {
		for a := s.Start; a < d.runEnd(i); a += s.Size {
			addrs = append(addrs, d.BaseAddr+a)
		}
	}
	return addrs
}

// EncodeDevice serialises a device description as CBOR.
func EncodeDevice(d *FlashDevice) ([]byte, error) {
	data, err := cbor.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode device: %w", err)
	}
	return data, nil
}

// DecodeDevice parses and validates a CBOR device description.
func DecodeDevice(data []byte) (*FlashDevice, error) {
	var d FlashDevice
	if err := cbor.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode device: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
