// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package ofl implements the target side of an open flash loader.
//
// A flash loader is loaded into target RAM and driven by a programming host.
// It exposes a fixed capability table (API) of flash primitives and a
// command dispatch engine ("turbo mode") that lets the host run a chain of
// operations by writing command descriptors into shared memory instead of
// calling each primitive individually. The package also provides the CRC
// engine the host uses to verify flash contents without reading them back.
package ofl

// Opcode identifies a command written into a descriptor by the host.
type Opcode uint32

// Opcodes understood by the dispatch engine. Unlisted values are reserved
// and dispatch as unsupported.
const (
	OpIdle       Opcode = 0
	OpBlankCheck Opcode = 2
	OpCRC        Opcode = 3
	OpRead       Opcode = 5
	OpProgram    Opcode = 6
	OpEraseChip  Opcode = 7
	OpInit       Opcode = 8
	OpUnInit     Opcode = 9
	OpVerify     Opcode = 11
)

// Result codes written by the engine into the host's result slot
const (
	// ResultPending is stored while a command executes
	ResultPending int32 = 0x7FFFFFFF
	// ResultUnsupported is stored when the opcode is unknown or its slot is absent
	ResultUnsupported int32 = -1
	// ResultOK is the success code of every primitive
	ResultOK int32 = 0
	// ResultError is the generic primitive failure code
	ResultError int32 = 1
)

// Caller types passed to Init and UnInit
const (
	CallerErase   uint32 = 1
	CallerProgram uint32 = 2
	CallerVerify  uint32 = 3
)

// Reflected CRC polynomials with a built-in nibble table
const (
	PolyIEEE       uint32 = 0xEDB88320
	PolyCastagnoli uint32 = 0x82F63B78
)

// CRCChunkSize is the largest block the CRC engine consumes at once.
// Staging buffers for non memory-mapped flash are this size.
const CRCChunkSize = 16

// Flash defaults matching the QSPI window the loader was written for
const (
	DefaultBaseAddr   uint32 = 0x90000000
	DefaultPageSize   uint32 = 256
	DefaultSectorSize uint32 = 64 * 1024
	DefaultErasedVal  byte   = 0xFF
)

// Flash device description constants
const (
	AlgoVersion    = 0x0101
	MaxSectorInfos = 512
	MaxDeviceName  = 128
)

// Device types
const (
	DeviceOnChip   uint16 = 1
	DeviceExternal uint16 = 2
)
