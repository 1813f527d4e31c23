// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/flashloader/pkg/link"
)

var (
	linkPingTimeout int
	linkPingCount   int
)

var linkPingCmd = &cobra.Command{
	Use:   "link_ping",
	Short: "Test the link by sending PING requests",
	Long: `Send PING requests over the link and wait for the responses.

This is useful for verifying:
  - The serial port or WebSocket connection is established
  - HTTP Basic authentication works
  - The far end is decoding frames and answering requests

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runLinkPing,
}

func init() {
	rootCmd.AddCommand(linkPingCmd)
	linkPingCmd.Flags().IntVar(&linkPingTimeout, "timeout", 5, "Timeout in seconds for each ping")
	linkPingCmd.Flags().IntVar(&linkPingCount, "count", 3, "Number of pings to send")
}

func runLinkPing(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	client := link.NewClient(conn, link.WithTimeout(time.Duration(linkPingTimeout)*time.Second))
	defer client.Close()

	fmt.Printf("Flashloader - Link Ping Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds per ping\n", linkPingTimeout)
	fmt.Printf("Count: %d pings\n\n", linkPingCount)

	successCount := 0
	failCount := 0
	for i := 1; i <= linkPingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, linkPingCount)

		rtt, err := client.Ping(context.Background())
		if err != nil {
			fmt.Printf("FAILED: %v\n", err)
			failCount++
		} else {
			fmt.Printf("PONG, rtt=%v\n", rtt.Round(time.Microsecond))
			successCount++
		}

		// Small delay between pings
		if i < linkPingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	// Summary
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d responses received, %.0f%% packet loss\n",
		linkPingCount, successCount, float64(failCount)/float64(linkPingCount)*100)

	if failCount > 0 {
		client.Close()
		os.Exit(1)
	}
	return nil
}
