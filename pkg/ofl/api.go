// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ofl

import (
	"context"
	"fmt"
	"strings"
)

// Slot is the position of an operation in the capability table.
// The order is part of the loader ABI and must never change.
type Slot int

// Capability table slots in ABI order
const (
	SlotFeedWatchdog Slot = iota
	SlotInit
	SlotUnInit
	SlotEraseSector
	SlotProgramPage
	SlotBlankCheck
	SlotEraseChip
	SlotVerify
	SlotCalcCRC
	SlotRead
	SlotProgram
	SlotErase
	SlotStart

	numSlots
)

var slotNames = [numSlots]string{
	"FeedWatchdog",
	"Init",
	"UnInit",
	"EraseSector",
	"ProgramPage",
	"BlankCheck",
	"EraseChip",
	"Verify",
	"CalcCRC",
	"Read",
	"Program",
	"Erase",
	"Start",
}

func (s Slot) String() string {
	if s < 0 || s >= numSlots {
		return fmt.Sprintf("Slot(%d)", int(s))
	}
	return slotNames[s]
}

// Mandatory reports whether the slot must be present in every table.
func (s Slot) Mandatory() bool {
	switch s {
	case SlotInit, SlotUnInit, SlotEraseSector, SlotProgramPage:
		return true
	}
	return false
}

// Slots returns every slot in ABI order.
func Slots() []Slot {
	slots := make([]Slot, numSlots)
	for i := range slots {
		slots[i] = Slot(i)
	}
	return slots
}

// Primitive signatures, one per slot
type (
	FeedWatchdogFunc func()
	InitFunc         func(addr, freq, fn uint32) int
	UnInitFunc       func(fn uint32) int
	EraseSectorFunc  func(addr uint32) int
	ProgramPageFunc  func(addr, numBytes uint32, data []byte) int
	BlankCheckFunc   func(addr, numBytes uint32, fill byte) int
	EraseChipFunc    func() int
	VerifyFunc       func(addr, numBytes uint32, data []byte) uint32
	CalcCRCFunc      func(crc, addr, numBytes, poly uint32) uint32
	ReadFunc         func(addr, numBytes uint32, buf []byte) int
	ProgramFunc      func(addr, numBytes uint32, data []byte) int
	EraseFunc        func(addr, sectorIndex, numSectors uint32) int
	StartFunc        func(ctx context.Context, desc Handle) error
)

// API is the capability table. A nil field is an absent slot and must not
// be called. Fields are declared in ABI order.
//
// Tables are built once and then treated as values: NewEngine copies the
// table it is given, so later changes to the caller's copy are not seen.
type API struct {
	FeedWatchdog FeedWatchdogFunc
	Init         InitFunc
	UnInit       UnInitFunc
	EraseSector  EraseSectorFunc
	ProgramPage  ProgramPageFunc
	BlankCheck   BlankCheckFunc
	EraseChip    EraseChipFunc
	Verify       VerifyFunc
	CalcCRC      CalcCRCFunc
	Read         ReadFunc
	Program      ProgramFunc
	Erase        EraseFunc
	Start        StartFunc
}

// Has reports whether the slot at the given position is present.
func (a *API) Has(s Slot) bool {
	switch s {
	case SlotFeedWatchdog:
		return a.FeedWatchdog != nil
	case SlotInit:
		return a.Init != nil
	case SlotUnInit:
		return a.UnInit != nil
	case SlotEraseSector:
		return a.EraseSector != nil
	case SlotProgramPage:
		return a.ProgramPage != nil
	case SlotBlankCheck:
		return a.BlankCheck != nil
	case SlotEraseChip:
		return a.EraseChip != nil
	case SlotVerify:
		return a.Verify != nil
	case SlotCalcCRC:
		return a.CalcCRC != nil
	case SlotRead:
		return a.Read != nil
	case SlotProgram:
		return a.Program != nil
	case SlotErase:
		return a.Erase != nil
	case SlotStart:
		return a.Start != nil
	}
	return false
}

// Validate checks that every mandatory slot is present.
func (a *API) Validate() error {
	for _, s := range Slots() {
		if s.Mandatory() && !a.Has(s) {
			return &MissingSlotError{Slot: s}
		}
	}
	return nil
}

// String renders the table one slot per line
func (a *API) String() string {
	var b strings.Builder
	for _, s := range Slots() {
		state := "absent"
		if a.Has(s) {
			state = "present"
		}
		kind := "optional"
		if s.Mandatory() {
			kind = "mandatory"
		}
		fmt.Fprintf(&b, "%2d  %-13s %-9s %s\n", int(s), s, kind, state)
	}
	return b.String()
}

// Features selects which optional primitives are built into a table.
type Features uint32

// Optional features
const (
	FeatureBlankCheck Features = 1 << iota
	FeatureEraseChip
	FeatureNativeVerify
	FeatureNativeRead
	FeatureOpenProgram
	FeatureOpenErase
	FeatureTurbo

	FeatureNone Features = 0
	FeatureAll           = FeatureBlankCheck | FeatureEraseChip | FeatureNativeVerify |
		FeatureNativeRead | FeatureOpenProgram | FeatureOpenErase | FeatureTurbo
)

var featureNames = []struct {
	f    Features
	name string
}{
	{FeatureBlankCheck, "blank-check"},
	{FeatureEraseChip, "erase-chip"},
	{FeatureNativeVerify, "verify"},
	{FeatureNativeRead, "read"},
	{FeatureOpenProgram, "program"},
	{FeatureOpenErase, "erase"},
	{FeatureTurbo, "turbo"},
}

// Has reports whether all bits of g are set.
func (f Features) Has(g Features) bool {
	return f&g == g
}

func (f Features) String() string {
	if f == FeatureNone {
		return "none"
	}
	var names []string
	for _, fn := range featureNames {
		if f.Has(fn.f) {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseFeatures parses a comma separated feature list ("all" and "none"
// are accepted).
func ParseFeatures(s string) (Features, error) {
	var f Features
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		switch part {
		case "", "none":
			continue
		case "all":
			f |= FeatureAll
			continue
		}
		found := false
		for _, fn := range featureNames {
			if fn.name == part {
				f |= fn.f
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown feature %q", part)
		}
	}
	return f, nil
}
