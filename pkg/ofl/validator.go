// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ofl

import "fmt"

// AnomalyType represents different kinds of suspicious descriptors
type AnomalyType int

const (
	AnomalyUnknownOpcode AnomalyType = iota
	AnomalyOutOfRange
	AnomalyPageAlignment
	AnomalyZeroLength
	AnomalyMissingBuffer
	AnomalyEraseCount
	AnomalySelfLink
)

// ValidationError represents one anomaly found in a descriptor
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidateDescriptor checks a descriptor the host is about to submit.
// The engine never calls it: it trusts the host and only the host can
// act on the findings. dev may be nil to skip range checks.
func ValidateDescriptor(h Handle, d *Descriptor, dev *FlashDevice) []ValidationError {
	errors := []ValidationError{}

	switch d.Cmd {
	case OpIdle, OpInit, OpUnInit:
		return errors
	case OpBlankCheck, OpCRC, OpRead, OpProgram, OpEraseChip, OpVerify:
	default:
		return []ValidationError{{
			Type:    AnomalyUnknownOpcode,
			Message: fmt.Sprintf("Unknown opcode %d", uint32(d.Cmd)),
			Details: map[string]interface{}{"opcode": uint32(d.Cmd)},
		}}
	}

	if d.Cmd != OpEraseChip && d.NumBytes == 0 {
		errors = append(errors, ValidationError{
			Type:    AnomalyZeroLength,
			Message: fmt.Sprintf("%s with zero length", FormatOpcode(d.Cmd)),
			Details: map[string]interface{}{"opcode": uint32(d.Cmd)},
		})
	}

	if dev != nil && d.NumBytes > 0 && d.Cmd != OpEraseChip && !dev.Contains(d.Addr(), d.NumBytes) {
		errors = append(errors, ValidationError{
			Type: AnomalyOutOfRange,
			Message: fmt.Sprintf("Range 0x%08X+%d outside %s [0x%08X, 0x%08X)",
				d.Addr(), d.NumBytes, dev.Name, dev.BaseAddr, uint64(dev.BaseAddr)+uint64(dev.TotalSize)),
			Details: map[string]interface{}{"addr": d.Addr(), "length": d.NumBytes},
		})
	}

	switch d.Cmd {
	case OpProgram:
		if dev != nil && dev.PageSize > 0 && (d.Addr()-dev.BaseAddr)%dev.PageSize != 0 {
			errors = append(errors, ValidationError{
				Type:    AnomalyPageAlignment,
				Message: fmt.Sprintf("Program address 0x%08X not page aligned (page %d)", d.Addr(), dev.PageSize),
				Details: map[string]interface{}{"addr": d.Addr(), "page": dev.PageSize},
			})
		}
		fallthrough
	case OpRead, OpVerify:
		if d.Param0 == 0 {
			errors = append(errors, ValidationError{
				Type:    AnomalyMissingBuffer,
				Message: fmt.Sprintf("%s without a host buffer", FormatOpcode(d.Cmd)),
				Details: map[string]interface{}{"opcode": uint32(d.Cmd)},
			})
		}
	case OpEraseChip:
		if d.NumBytes >= 1 && d.Param0 == 0 {
			errors = append(errors, ValidationError{
				Type:    AnomalyEraseCount,
				Message: "Range erase with zero sector count",
				Details: map[string]interface{}{"index": d.Param1},
			})
		}
	}

	if d.Next() == h && d.Cmd != OpCRC {
		errors = append(errors, ValidationError{
			Type:    AnomalySelfLink,
			Message: fmt.Sprintf("Descriptor %s links to itself", h),
			Details: map[string]interface{}{"descriptor": uint32(h)},
		})
	}

	return errors
}
