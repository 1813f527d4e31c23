// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/flashloader/pkg/ofl"
)

var (
	deviceCBOROut string
	deviceCBORIn  string
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Print or export the flash device description",
	Long: `Print the description of the simulated flash device (name, base, size,
page and sector layout, timeouts).

  --cbor out.cbor  export the description as CBOR
  --in dev.cbor    print a CBOR description instead of the built-in one`,
	RunE: runDevice,
}

func init() {
	rootCmd.AddCommand(deviceCmd)
	deviceCmd.Flags().StringVar(&deviceCBOROut, "cbor", "", "Write the description as CBOR to this file")
	deviceCmd.Flags().StringVar(&deviceCBORIn, "in", "", "Read a CBOR description from this file")
}

func runDevice(cmd *cobra.Command, args []string) error {
	var dev *ofl.FlashDevice
	if deviceCBORIn != "" {
		data, err := os.ReadFile(deviceCBORIn)
		if err != nil {
			return fmt.Errorf("failed to read %s: %v", deviceCBORIn, err)
		}
		dev, err = ofl.DecodeDevice(data)
		if err != nil {
			return err
		}
	} else {
		var err error
		dev, err = loaderDevice()
		if err != nil {
			return err
		}
	}

	printDevice(dev)

	if deviceCBOROut != "" {
		data, err := ofl.EncodeDevice(dev)
		if err != nil {
			return err
		}
		if err := os.WriteFile(deviceCBOROut, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %v", deviceCBOROut, err)
		}
		fmt.Printf("\nWrote %d bytes to %s\n", len(data), deviceCBOROut)
	}
	return nil
}

func printDevice(dev *ofl.FlashDevice) {
	kind := "external"
	if dev.Type == ofl.DeviceOnChip {
		kind = "on-chip"
	}
	fmt.Printf("Device:   %s (%s, algo 0x%04X)\n", dev.Name, kind, dev.AlgoVer)
	fmt.Printf("Base:     0x%08X\n", dev.BaseAddr)
	fmt.Printf("Size:     %d bytes (%d KiB)\n", dev.TotalSize, dev.TotalSize/1024)
	fmt.Printf("Page:     %d bytes\n", dev.PageSize)
	fmt.Printf("Erased:   0x%02X\n", dev.ErasedVal)
	fmt.Printf("Timeouts: program %d ms/page, erase %d ms/sector\n", dev.TimeoutProg, dev.TimeoutErase)
	fmt.Printf("Sectors:  %d\n", dev.SectorCount())
	for _, s := range dev.Sectors {
		fmt.Printf("  from 0x%08X: %d KiB\n", dev.BaseAddr+s.Start, s.Size/1024)
	}
}
