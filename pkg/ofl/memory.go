// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ofl

import "fmt"

// Memory is the loader's view of the target address space.
// Words are little-endian. An error means the access hit unmapped memory.
type Memory interface {
	Read32(addr uint32) (uint32, error)
	Write32(addr uint32, value uint32) error
	ReadAt(p []byte, addr uint32) error
	WriteAt(p []byte, addr uint32) error
}

// Handle is an opaque target address carried inside a descriptor: the
// result slot, the next descriptor or a host data buffer. Handles belong
// to the host; the loader never allocates, frees or validates them.
type Handle uint32

// Addr returns the target address behind the handle.
func (h Handle) Addr() uint32 {
	return uint32(h)
}

func (h Handle) String() string {
	return fmt.Sprintf("0x%08X", uint32(h))
}

// Logger is an optional logging interface used by the façade and engine.
// It mirrors the common key/value style so any logging package can back it.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
