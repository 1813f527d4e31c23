// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ofl

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Counters is a point-in-time copy of the session statistics
type Counters struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalCommands uint64
	Succeeded     uint64
	Failed        uint64
	Unsupported   uint64
	IdlePolls     uint64
	PerOpcode     map[Opcode]uint64
	BusyTime      time.Duration

	// Rates (calculated)
	CommandRate float64 // commands/sec
	FailureRate float64 // failures/sec
}

// Statistics tracks command counts and rates for a dispatch session.
// It is safe for concurrent use so a monitor can read it while the engine
// updates it.
type Statistics struct {
	mu sync.Mutex
	Counters
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		Counters: Counters{
			StartTime:      now,
			LastUpdateTime: now,
			PerOpcode:      make(map[Opcode]uint64),
		},
	}
}

// Update records one acknowledged command
func (s *Statistics) Update(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.TotalCommands++
	s.PerOpcode[ev.Op]++
	s.BusyTime += ev.Duration

	switch {
	case ev.Result == ResultUnsupported:
		s.Unsupported++
	case ev.Succeeded():
		s.Succeeded++
	default:
		s.Failed++
	}

	s.LastUpdateTime = time.Now()
}

// IdlePoll records a poll that found no command
func (s *Statistics) IdlePoll() {
	s.mu.Lock()
	s.IdlePolls++
	s.mu.Unlock()
}

// CalculateRates calculates command and failure rates
func (s *Statistics) CalculateRates() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calculateRates()
}

func (s *Statistics) calculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.CommandRate = float64(s.TotalCommands) / elapsed
		s.FailureRate = float64(s.Failed+s.Unsupported) / elapsed
	}
}

// Snapshot returns a copy of the counters that is safe to read.
func (s *Statistics) Snapshot() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calculateRates()

	cp := Counters{
		StartTime:      s.StartTime,
		LastUpdateTime: s.LastUpdateTime,
		TotalCommands:  s.TotalCommands,
		Succeeded:      s.Succeeded,
		Failed:         s.Failed,
		Unsupported:    s.Unsupported,
		IdlePolls:      s.IdlePolls,
		PerOpcode:      make(map[Opcode]uint64, len(s.PerOpcode)),
		BusyTime:       s.BusyTime,
		CommandRate:    s.CommandRate,
		FailureRate:    s.FailureRate,
	}
	for k, v := range s.PerOpcode {
		cp.PerOpcode[k] = v
	}
	return cp
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	snap := s.Snapshot()

	var okPercent, failPercent, unsupPercent float64
	if snap.TotalCommands > 0 {
		okPercent = float64(snap.Succeeded) * 100.0 / float64(snap.TotalCommands)
		failPercent = float64(snap.Failed) * 100.0 / float64(snap.TotalCommands)
		unsupPercent = float64(snap.Unsupported) * 100.0 / float64(snap.TotalCommands)
	}

	elapsed := time.Since(snap.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Commands:  %8d\n", snap.TotalCommands)
	result += fmt.Sprintf("Succeeded:       %8d (%.1f%%)\n", snap.Succeeded, okPercent)

	if snap.Failed > 0 {
		result += fmt.Sprintf("Failed:          %8d (%.1f%%)\n", snap.Failed, failPercent)
	}
	if snap.Unsupported > 0 {
		result += fmt.Sprintf("Unsupported:     %8d (%.1f%%)\n", snap.Unsupported, unsupPercent)
	}

	ops := make([]Opcode, 0, len(snap.PerOpcode))
	for op := range snap.PerOpcode {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	for _, op := range ops {
		result += fmt.Sprintf("  %-12s %8d\n", FormatOpcode(op), snap.PerOpcode[op])
	}

	result += fmt.Sprintf("Idle Polls:      %8d\n", snap.IdlePolls)
	result += fmt.Sprintf("Busy Time:       %8s\n", snap.BusyTime.Round(time.Millisecond))
	result += fmt.Sprintf("Command Rate:    %8.1f cmds/sec\n", snap.CommandRate)
	result += fmt.Sprintf("Failure Rate:    %8.1f fails/sec\n", snap.FailureRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.StartTime = now
	s.LastUpdateTime = now
	s.TotalCommands = 0
	s.Succeeded = 0
	s.Failed = 0
	s.Unsupported = 0
	s.IdlePolls = 0
	s.PerOpcode = make(map[Opcode]uint64)
	s.BusyTime = 0
	s.CommandRate = 0
	s.FailureRate = 0
}
