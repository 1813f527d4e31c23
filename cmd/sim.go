// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Thermoquad/flashloader/pkg/ofl"
	"github.com/Thermoquad/flashloader/pkg/target"
)

var (
	simImage     string
	simSize      int
	simAddr      string
	simTUI       bool
	simTrace     string
	simProgDelay time.Duration
	simEraseTime time.Duration
	simPoly      string
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Program an image into a simulated target",
	Long: `Run the loader's command engine against a simulated QSPI NOR target and
drive it with the reference host: init, erase the covered sectors, program,
verify by CRC, uninit. Every command goes through the descriptor handshake
in simulated RAM exactly as a debug probe would drive it.

Without --image a random image of --size bytes is generated.

Modes:
  Default: progress and a statistics summary on stdout
  --tui:   live monitor of commands and statistics (press 'q' to quit)
  --trace: record every engine event to a CBOR trace file`,
	RunE: runSim,
}

func init() {
	rootCmd.AddCommand(simCmd)
	simCmd.Flags().StringVar(&simImage, "image", "", "Image file to program")
	simCmd.Flags().IntVar(&simSize, "size", 256*1024, "Size of the random image when --image is not given")
	simCmd.Flags().StringVar(&simAddr, "addr", "", "Programming address (default: flash base)")
	simCmd.Flags().BoolVar(&simTUI, "tui", false, "Show the live monitor")
	simCmd.Flags().StringVar(&simTrace, "trace", "", "Write engine events to this CBOR file")
	simCmd.Flags().DurationVar(&simProgDelay, "program-time", 0, "Simulated program time per call")
	simCmd.Flags().DurationVar(&simEraseTime, "erase-time", 0, "Simulated erase time per sector")
	simCmd.Flags().StringVar(&simPoly, "poly", "0xEDB88320", "Verify CRC polynomial")
}

// loadImage reads path or generates n random bytes
func loadImage(path string, n int) ([]byte, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read image: %v", err)
		}
		return data, nil
	}
	if n <= 0 {
		return nil, fmt.Errorf("--size must be positive")
	}
	img := make([]byte, n)
	rand.New(rand.NewSource(time.Now().UnixNano())).Read(img)
	return img, nil
}

// programAddr parses --addr, defaulting to the device base
func programAddr(s string, dev *ofl.FlashDevice) (uint32, error) {
	if s == "" {
		return dev.BaseAddr, nil
	}
	return parseUint32("addr", s)
}

func runSim(cmd *cobra.Command, args []string) error {
	dev, err := loaderDevice()
	if err != nil {
		return err
	}
	features, err := loaderFeatures()
	if err != nil {
		return err
	}
	poly, err := parseUint32("poly", simPoly)
	if err != nil {
		return err
	}
	image, err := loadImage(simImage, simSize)
	if err != nil {
		return err
	}
	addr, err := programAddr(simAddr, dev)
	if err != nil {
		return err
	}

	logger := newLogger()
	opts := []target.Option{
		target.WithDevice(dev),
		target.WithFeatures(features),
		target.WithNOROptions(target.WithTiming(simProgDelay, simEraseTime)),
	}
	// the monitor owns the terminal
	if !simTUI {
		opts = append(opts, target.WithFacadeOptions(ofl.WithLogger(logger)))
	}
	tgt, err := target.New(opts...)
	if err != nil {
		return err
	}

	var trace *traceWriter
	if simTrace != "" {
		trace, err = createTrace(simTrace)
		if err != nil {
			return err
		}
		defer trace.Close()
	}

	if simTUI {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			return fmt.Errorf("--tui needs a terminal")
		}
		return runSimTUI(tgt, addr, image, poly, trace)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Printf("Flashloader - Simulated Target\n")
	fmt.Printf("Device: %s @ 0x%08X | Features: %s\n", dev.Name, dev.BaseAddr, features)
	fmt.Printf("Image: %d bytes at 0x%08X\n\n", len(image), addr)

	stats := ofl.NewStatistics()
	observer := func(ev ofl.Event) {
		if verbose {
			fmt.Print(ofl.FormatEvent(ev))
		}
		if trace != nil {
			if err := trace.Write(ev); err != nil {
				logger.Error("trace write failed", "error", err)
			}
		}
	}

	engineCtx, cancelEngine := context.WithCancel(ctx)
	engineDone := make(chan error, 1)
	go func() {
		engineDone <- tgt.Run(engineCtx,
			ofl.WithStatistics(stats),
			ofl.WithObserver(observer),
			ofl.WithEngineLogger(logger),
		)
	}()

	host := target.NewHost(tgt.RAM, tgt.Layout, dev,
		target.WithVerifyPoly(poly),
		target.WithHostLogger(logger),
		target.WithProgress(progressPrinter()),
	)

	start := time.Now()
	flashErr := host.Flash(ctx, addr, image)
	elapsed := time.Since(start)

	cancelEngine()
	if err := <-engineDone; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("engine stopped: %w", err)
	}

	fmt.Println()
	fmt.Print(stats.String())
	c := tgt.Flash.Counters()
	fmt.Printf("Flash: %d sector erases, %d chip erases, %d program calls, %d bytes programmed\n",
		c.Erases, c.ChipErases, c.Programs, c.Bytes)
	if trace != nil {
		fmt.Printf("Trace: %d events written to %s\n", trace.n, simTrace)
	}

	if flashErr != nil {
		return fmt.Errorf("programming failed: %w", flashErr)
	}
	fmt.Printf("\nProgrammed and verified %d bytes in %s (%.1f KiB/s)\n",
		len(image), elapsed.Round(time.Millisecond), float64(len(image))/1024/elapsed.Seconds())
	return nil
}

// progressPrinter prints a line when a stage starts and when it ends
func progressPrinter() func(stage string, done, total uint32) {
	last := ""
	return func(stage string, done, total uint32) {
		if stage != last {
			last = stage
			fmt.Printf("%-8s started\n", stage)
		}
		if done == total {
			fmt.Printf("%-8s done (%d)\n", stage, total)
		}
	}
}

func runSimTUI(tgt *target.Target, addr uint32, image []byte, poly uint32, trace *traceWriter) error {
	stats := ofl.NewStatistics()
	dev := tgt.Device()

	m := newMonitorModel(fmt.Sprintf("Device: %s @ 0x%08X | Image: %d bytes at 0x%08X",
		dev.Name, dev.BaseAddr, len(image), addr), stats)
	p := tea.NewProgram(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- tgt.Run(ctx,
			ofl.WithStatistics(stats),
			ofl.WithObserver(func(ev ofl.Event) {
				if trace != nil {
					trace.Write(ev)
				}
				p.Send(eventMsg{ev: ev})
			}),
		)
	}()

	go func() {
		host := target.NewHost(tgt.RAM, tgt.Layout, dev,
			target.WithVerifyPoly(poly),
			target.WithProgress(func(stage string, done, total uint32) {
				p.Send(progressMsg{stage: stage, done: done, total: total})
			}),
		)
		err := host.Flash(ctx, addr, image)
		p.Send(sessionDoneMsg{err: err})
	}()

	_, err := p.Run()
	cancel()
	if engineErr := <-engineDone; engineErr != nil && !errors.Is(engineErr, context.Canceled) {
		return fmt.Errorf("engine stopped: %w", engineErr)
	}
	if err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}
