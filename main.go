// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Flashloader - open flash loader simulator and host
//
// Runs the loader's command dispatch engine against a simulated QSPI NOR
// target and drives it through the descriptor handshake, locally or over
// a serial or WebSocket link.

package main

import (
	"os"

	"github.com/Thermoquad/flashloader/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
