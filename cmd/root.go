// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/flashloader/pkg/ofl"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Loader flags
	baseFlag     string
	featuresFlag string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "flashloader",
	Short: "Open flash loader simulator and host",
	Long: `Flashloader - runs the open flash loader command engine against a simulated
QSPI NOR target and drives it the way a debug probe host does.

The loader sits in target RAM and polls a descriptor for commands (init,
erase, program, verify, read, blank check, CRC). The simulator programs an
image end to end; serve exposes the simulated target RAM over a link so a
remote probe session can drive it.

Connection modes (serve, probe, link_ping):
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the FLASHLOADER_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	// Loader flags
	rootCmd.PersistentFlags().StringVar(&baseFlag, "base", "0x90000000", "Flash base address of the simulated device")
	rootCmd.PersistentFlags().StringVar(&featuresFlag, "features", "all", "Optional loader slots (all, none, or a comma list)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// parseUint32 accepts decimal or 0x-prefixed values
func parseUint32(name, s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s %q: %v", name, s, err)
	}
	return uint32(v), nil
}

// loaderDevice returns the simulated device with --base applied
func loaderDevice() (*ofl.FlashDevice, error) {
	base, err := parseUint32("base", baseFlag)
	if err != nil {
		return nil, err
	}
	dev := ofl.DefaultDevice()
	dev.BaseAddr = base
	if err := dev.Validate(); err != nil {
		return nil, err
	}
	return dev, nil
}

// loaderFeatures parses --features
func loaderFeatures() (ofl.Features, error) {
	f, err := ofl.ParseFeatures(featuresFlag)
	if err != nil {
		return 0, fmt.Errorf("invalid --features: %w", err)
	}
	return f, nil
}
