// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ofl

import (
	"fmt"
	"time"
)

// FormatOpcode returns the human-readable name for an opcode
func FormatOpcode(op Opcode) string {
	switch op {
	case OpIdle:
		return "IDLE"
	case OpBlankCheck:
		return "BLANK_CHECK"
	case OpCRC:
		return "CRC"
	case OpRead:
		return "READ"
	case OpProgram:
		return "PROGRAM"
	case OpEraseChip:
		return "ERASE_CHIP"
	case OpInit:
		return "INIT"
	case OpUnInit:
		return "UNINIT"
	case OpVerify:
		return "VERIFY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(op))
	}
}

// FormatResult returns a human-readable result code
func FormatResult(code int32) string {
	switch code {
	case ResultOK:
		return "ok (0)"
	case ResultError:
		return "error (1)"
	case ResultPending:
		return "pending"
	case ResultUnsupported:
		return "unsupported (-1)"
	default:
		return fmt.Sprintf("code %d (0x%08X)", code, uint32(code))
	}
}

// Succeeded reports whether the command's result means success. Verify
// succeeds when it returns the end address, read when it returns the byte
// count and blank check whenever it could read the flash.
func (ev Event) Succeeded() bool {
	switch ev.Op {
	case OpVerify:
		return uint32(ev.Result) == ev.Addr+ev.NumBytes
	case OpRead:
		return ev.Result >= 0 && uint32(ev.Result) == ev.NumBytes
	case OpBlankCheck:
		return ev.Result == 0 || ev.Result == 1
	}
	return ev.Result == ResultOK
}

// FormatEvent formats a completed command into a human-readable string
func FormatEvent(ev Event) string {
	timestamp := ev.Start.Format("15:04:05.000")
	result := fmt.Sprintf("[%s] #%d %s (0x%02X) desc=%s addr=0x%08X len=%d",
		timestamp, ev.Seq, FormatOpcode(ev.Op), uint32(ev.Op), ev.Desc, ev.Addr, ev.NumBytes)

	switch ev.Op {
	case OpCRC:
		result += fmt.Sprintf(" crc=0x%08X", ev.CRC)
	case OpVerify:
		if !ev.Succeeded() {
			result += fmt.Sprintf(" mismatch@0x%08X", uint32(ev.Result))
		}
	case OpBlankCheck:
		switch ev.Result {
		case 0:
			result += " blank"
		case 1:
			result += " not-blank"
		}
	}

	status := "OK"
	if !ev.Succeeded() {
		status = "FAIL"
	}
	return result + fmt.Sprintf(" -> %s [%s] %s\n", FormatResult(ev.Result), status, ev.Duration.Round(time.Microsecond))
}

// FormatDescriptor formats a descriptor for logs and the monitor
func FormatDescriptor(h Handle, d *Descriptor) string {
	return fmt.Sprintf("desc %s: %s addr=0x%08X+0x%X len=%d p0=0x%08X p1=0x%08X p2=0x%08X p3=0x%08X result=%s next=0x%08X",
		h, FormatOpcode(d.Cmd), d.BaseAddr, d.Offset, d.NumBytes,
		d.Param0, d.Param1, d.Param2, d.Param3, d.Result, d.NextOrResult2)
}
