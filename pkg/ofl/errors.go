// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ofl

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned by host-side helpers when a capability slot is absent
	ErrUnsupported = errors.New("operation not supported by loader")

	// ErrBusFault wraps memory accesses outside mapped target memory
	ErrBusFault = errors.New("bus fault")
)

// MissingSlotError indicates that a mandatory capability slot is absent.
type MissingSlotError struct {
	Slot Slot
}

func (e *MissingSlotError) Error() string {
	return fmt.Sprintf("capability table: mandatory slot %s is absent", e.Slot)
}

// CommandError reports a non-zero result code returned for a command.
type CommandError struct {
	Op   Opcode
	Code int32
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed: %s", FormatOpcode(e.Op), FormatResult(e.Code))
}

// Is lets errors.Is(err, ErrUnsupported) match unsupported results.
func (e *CommandError) Is(target error) bool {
	return target == ErrUnsupported && e.Code == ResultUnsupported
}

// FaultError describes a failed target memory access.
type FaultError struct {
	Addr  uint32
	Len   int
	Write bool
}

func (e *FaultError) Error() string {
	dir := "read"
	if e.Write {
		dir = "write"
	}
	return fmt.Sprintf("bus fault: %s of %d bytes at 0x%08X", dir, e.Len, e.Addr)
}

// Unwrap makes FaultError match ErrBusFault.
func (e *FaultError) Unwrap() error {
	return ErrBusFault
}
