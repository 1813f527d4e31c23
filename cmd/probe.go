// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/flashloader/pkg/link"
	"github.com/Thermoquad/flashloader/pkg/ofl"
	"github.com/Thermoquad/flashloader/pkg/target"
)

var (
	probeImage    string
	probeSize     int
	probeAddr     string
	probePoly     string
	probeReadback bool
	probeTimeout  time.Duration
	probePoll     time.Duration
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Program an image through a remote target's loader",
	Long: `Connect to a target served over the link ('flashloader serve') and run a
reference host session against its loader: init, erase, program, CRC
verify, uninit. Descriptors and buffers are written into the remote target
RAM; the loader on the target executes them.

The device layout (--base) must match the served target.

  --readback  also read the image back through the loader and compare`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().StringVar(&probeImage, "image", "", "Image file to program")
	probeCmd.Flags().IntVar(&probeSize, "size", 16*1024, "Size of the random image when --image is not given")
	probeCmd.Flags().StringVar(&probeAddr, "addr", "", "Programming address (default: flash base)")
	probeCmd.Flags().StringVar(&probePoly, "poly", "0xEDB88320", "Verify CRC polynomial")
	probeCmd.Flags().BoolVar(&probeReadback, "readback", false, "Read the image back and compare")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 2*time.Second, "Link request timeout")
	probeCmd.Flags().DurationVar(&probePoll, "poll", time.Millisecond, "Result poll interval")
}

func runProbe(cmd *cobra.Command, args []string) error {
	dev, err := loaderDevice()
	if err != nil {
		return err
	}
	poly, err := parseUint32("poly", probePoly)
	if err != nil {
		return err
	}
	image, err := loadImage(probeImage, probeSize)
	if err != nil {
		return err
	}
	addr, err := programAddr(probeAddr, dev)
	if err != nil {
		return err
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	logger := newLogger()
	client := link.NewClient(conn, link.WithTimeout(probeTimeout), link.WithClientLogger(logger))
	defer client.Close()

	fmt.Printf("Flashloader - Probe Session\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Image: %d bytes at 0x%08X\n\n", len(image), addr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rtt, err := client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("link not responding: %w", err)
	}
	fmt.Printf("Link up, rtt=%v\n", rtt.Round(time.Microsecond))

	host := target.NewHost(client, target.DefaultLayout(), dev,
		target.WithHostPoll(probePoll),
		target.WithVerifyPoly(poly),
		target.WithHostLogger(logger),
		target.WithProgress(progressPrinter()),
	)

	start := time.Now()
	if err := host.Flash(ctx, addr, image); err != nil {
		return fmt.Errorf("programming failed: %w", err)
	}
	fmt.Printf("\nProgrammed and verified %d bytes in %s\n", len(image), time.Since(start).Round(time.Millisecond))

	if probeReadback {
		if err := host.Init(ctx, ofl.CallerVerify); err != nil {
			return err
		}
		got, err := host.Read(ctx, addr, uint32(len(image)))
		if err != nil {
			return err
		}
		if err := host.UnInit(ctx, ofl.CallerVerify); err != nil {
			return err
		}
		if !bytes.Equal(got, image) {
			return fmt.Errorf("readback differs from image")
		}
		fmt.Printf("Readback matches\n")
	}
	return nil
}
