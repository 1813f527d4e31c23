// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ofl

import "fmt"

// NibbleTable holds the CRC of every 4-bit value for one reflected polynomial.
type NibbleTable [16]uint32

// Built-in tables; the host verifies with one of these two polynomials.
var (
	ieeeNibbleTable = NibbleTable{
		0x00000000, 0x1DB71064, 0x3B6E20C8, 0x26D930AC,
		0x76DC4190, 0x6B6B51F4, 0x4DB26158, 0x5005713C,
		0xEDB88320, 0xF00F9344, 0xD6D6A3E8, 0xCB61B38C,
		0x9B64C2B0, 0x86D3D2D4, 0xA00AE278, 0xBDBDF21C,
	}
	castagnoliNibbleTable = NibbleTable{
		0x00000000, 0x105EC76F, 0x20BD8EDE, 0x30E349B1,
		0x417B1DBC, 0x5125DAD3, 0x61C69362, 0x7198540D,
		0x82F63B78, 0x92A8FC17, 0xA24BB5A6, 0xB21572C9,
		0xC38D26C4, 0xD3D3E1AB, 0xE330A81A, 0xF36E6F75,
	}
)

// BuiltinTable returns the nibble table for a built-in polynomial.
func BuiltinTable(poly uint32) (*NibbleTable, bool) {
	switch poly {
	case PolyIEEE:
		return &ieeeNibbleTable, true
	case PolyCastagnoli:
		return &castagnoliNibbleTable, true
	}
	return nil, false
}

// MakeNibbleTable computes the nibble table of any reflected polynomial.
func MakeNibbleTable(poly uint32) *NibbleTable {
	t := new(NibbleTable)
	for i := range t {
		crc := uint32(i)
		for j := 0; j < 4; j++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ poly
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return t
}

// CRCMethod names the algorithm used for one CRC computation
type CRCMethod int

const (
	// CRCBitwise processes one bit per step and works for any polynomial
	CRCBitwise CRCMethod = iota
	// CRCNibble processes four bits per table lookup
	CRCNibble
)

func (m CRCMethod) String() string {
	switch m {
	case CRCBitwise:
		return "bitwise"
	case CRCNibble:
		return "nibble"
	}
	return fmt.Sprintf("CRCMethod(%d)", int(m))
}

// crcStrategy is resolved once per call from the polynomial
type crcStrategy struct {
	method CRCMethod
	poly   uint32
	table  *NibbleTable
}

func strategyFor(poly uint32) crcStrategy {
	if t, ok := BuiltinTable(poly); ok {
		return crcStrategy{method: CRCNibble, poly: poly, table: t}
	}
	return crcStrategy{method: CRCBitwise, poly: poly}
}

func (s crcStrategy) update(crc uint32, p []byte) uint32 {
	if s.method == CRCNibble {
		return UpdateNibble(crc, s.table, p)
	}
	return UpdateBitwise(crc, s.poly, p)
}

// MethodFor reports which algorithm CalcCRC selects for the polynomial.
func MethodFor(poly uint32) CRCMethod {
	return strategyFor(poly).method
}

// UpdateBitwise advances the accumulator over p one bit at a time.
// The accumulator is used raw: no initial or final inversion.
func UpdateBitwise(crc, poly uint32, p []byte) uint32 {
	for _, b := range p {
		crc ^= uint32(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ poly
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// UpdateNibble advances the accumulator over p with two table steps per byte.
func UpdateNibble(crc uint32, t *NibbleTable, p []byte) uint32 {
	for _, b := range p {
		x := crc ^ uint32(b)
		x = x>>4 ^ t[x&0xF]
		crc = t[x&0xF] ^ x>>4
	}
	return crc
}

// Update advances the accumulator over p using the table method for the
// built-in polynomials and the bit-serial method otherwise.
func Update(crc, poly uint32, p []byte) uint32 {
	return strategyFor(poly).update(crc, p)
}

// CalcCRC runs the CRC engine over numBytes of target memory at addr.
//
// Data is consumed in chunks of at most CRCChunkSize bytes. When read is
// non-nil the flash is not memory mapped and every chunk is staged through
// it; otherwise the chunk is read from mem directly. A zero length returns
// the seed unchanged.
func CalcCRC(mem Memory, read ReadFunc, crc, addr, numBytes, poly uint32) (uint32, error) {
	if numBytes == 0 {
		return crc, nil
	}

	s := strategyFor(poly)
	var buf [CRCChunkSize]byte

	for numBytes > 0 {
		count := numBytes
		if count > CRCChunkSize {
			count = CRCChunkSize
		}
		chunk := buf[:count]

		if read != nil {
			if r := read(addr, count, chunk); r < 0 {
				return crc, fmt.Errorf("crc: staged read of %d bytes at 0x%08X: %s", count, addr, FormatResult(int32(r)))
			}
		} else if mem == nil {
			return crc, fmt.Errorf("crc: no memory and no read primitive")
		} else if err := mem.ReadAt(chunk, addr); err != nil {
			return crc, fmt.Errorf("crc: %w", err)
		}

		crc = s.update(crc, chunk)
		addr += count
		numBytes -= count
	}

	return crc, nil
}
