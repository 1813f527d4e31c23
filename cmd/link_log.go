// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/flashloader/pkg/link"
)

var linkLogCmd = &cobra.Command{
	Use:   "link_log",
	Short: "Display link frames in human-readable format",
	Long: `Continuously decode and display link frames as they arrive, without
sending anything. Each frame body is shown in CBOR diagnostic notation.

Useful on a serial tap between a host and a served target, or to watch what
a WebSocket peer sends.

Supports both serial and WebSocket connections.`,
	RunE: runLinkLog,
}

func init() {
	rootCmd.AddCommand(linkLogCmd)
}

func runLinkLog(cmd *cobra.Command, args []string) error {
	// Open connection (serial or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Flashloader - Link Frame Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	decoder := link.NewDecoder()
	buf := make([]byte, 256)

	for {
		n, err := conn.Read(buf)
		for i := 0; i < n; i++ {
			body, derr := decoder.DecodeByte(buf[i])
			if derr != nil {
				fmt.Printf("[ERROR] %v\n", derr)
				continue
			}
			if body != nil {
				fmt.Printf("[%s] len=%d %s\n", time.Now().Format("15:04:05.000"), len(body), link.FormatFrame(body))
			}
		}
		if err != nil {
			// a WebSocket read error means the connection is gone
			if errors.Is(err, ErrConnectionClosed) || errors.Is(err, io.EOF) {
				log.Printf("Connection closed")
				return nil
			}
			return fmt.Errorf("read error: %v", err)
		}
	}
}
