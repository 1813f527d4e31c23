// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/flashloader/pkg/ofl"
	"github.com/Thermoquad/flashloader/pkg/target"
)

var (
	crcPoly   string
	crcSeed   string
	crcMethod string
	crcStaged bool
)

// crcRAMBase is where the input is placed in the scratch address space
const crcRAMBase = 0x20000000

var crcCmd = &cobra.Command{
	Use:   "crc [file]",
	Short: "Compute the loader CRC of a file",
	Long: `Load a file into simulated RAM and run the loader's CRC computation over it.

The CRC is reflected and uninverted: the reported "raw" value is the running
CRC the loader returns to the host, "check" is its complement. With the
default seed and polynomial "check" equals the usual CRC-32 of the file.

Methods:
  auto     - nibble table for built-in polynomials, bitwise otherwise
  nibble   - force the nibble table (built-in polynomials only)
  bitwise  - one bit per step

--staged reads every chunk through a read primitive instead of directly,
as the loader does when the flash is not memory mapped.

Reads standard input when no file is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCRC,
}

func init() {
	rootCmd.AddCommand(crcCmd)
	crcCmd.Flags().StringVar(&crcPoly, "poly", "0xEDB88320", "Reflected polynomial")
	crcCmd.Flags().StringVar(&crcSeed, "seed", "0xFFFFFFFF", "Initial CRC value")
	crcCmd.Flags().StringVar(&crcMethod, "method", "auto", "CRC method: auto, nibble, bitwise")
	crcCmd.Flags().BoolVar(&crcStaged, "staged", false, "Stage chunks through a read primitive")
}

func runCRC(cmd *cobra.Command, args []string) error {
	poly, err := parseUint32("poly", crcPoly)
	if err != nil {
		return err
	}
	seed, err := parseUint32("seed", crcSeed)
	if err != nil {
		return err
	}

	var data []byte
	if len(args) == 1 {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("failed to read input: %v", err)
	}
	if uint64(len(data)) > uint64(ofl.DefaultMaxTransfer) {
		return fmt.Errorf("input too large: %d bytes (max %d)", len(data), ofl.DefaultMaxTransfer)
	}

	var crc uint32
	method := crcMethod
	switch method {
	case "auto":
		crc, err = crcThroughLoader(data, seed, poly)
		method = ofl.MethodFor(poly).String()
	case "nibble":
		table, ok := ofl.BuiltinTable(poly)
		if !ok {
			table = ofl.MakeNibbleTable(poly)
		}
		crc = ofl.UpdateNibble(seed, table, data)
	case "bitwise":
		crc = ofl.UpdateBitwise(seed, poly, data)
	default:
		return fmt.Errorf("unknown --method %q", crcMethod)
	}
	if err != nil {
		return err
	}

	fmt.Printf("bytes:  %d\n", len(data))
	fmt.Printf("poly:   0x%08X (%s)\n", poly, method)
	fmt.Printf("raw:    0x%08X\n", crc)
	fmt.Printf("check:  0x%08X\n", ^crc)
	return nil
}

// crcThroughLoader runs ofl.CalcCRC over a RAM copy of data
func crcThroughLoader(data []byte, seed, poly uint32) (uint32, error) {
	size := (uint32(len(data)) + 3) &^ 3
	if size == 0 {
		size = 4
	}
	ram := target.NewRAM()
	if err := ram.Map("input", crcRAMBase, size); err != nil {
		return 0, err
	}
	if err := ram.WriteAt(data, crcRAMBase); err != nil {
		return 0, err
	}

	var read ofl.ReadFunc
	if crcStaged {
		read = func(addr, n uint32, buf []byte) int {
			if err := ram.ReadAt(buf[:n], addr); err != nil {
				return int(ofl.ResultError)
			}
			return int(ofl.ResultOK)
		}
	}
	return ofl.CalcCRC(ram, read, seed, crcRAMBase, uint32(len(data)), poly)
}
