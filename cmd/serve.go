// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/flashloader/pkg/link"
	"github.com/Thermoquad/flashloader/pkg/ofl"
	"github.com/Thermoquad/flashloader/pkg/target"
)

var (
	serveListen string
	servePath   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a simulated target reachable over a link",
	Long: `Start the loader's command engine on a simulated target and expose the
target RAM over the link protocol, the way a debug probe exposes a real
target's memory. A host ('flashloader probe') connects and drives the loader
through descriptors written over the link.

Transports:
  WebSocket: --listen :8080 [--path /link] [--username user]
  Serial:    --port /dev/ttyUSB0 [--baud 115200]

With --username, clients must authenticate with HTTP Basic auth; the
password comes from FLASHLOADER_PASSWORD or an interactive prompt.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "WebSocket listen address (e.g. :8080)")
	serveCmd.Flags().StringVar(&servePath, "path", "/link", "WebSocket endpoint path")
}

func runServe(cmd *cobra.Command, args []string) error {
	dev, err := loaderDevice()
	if err != nil {
		return err
	}
	features, err := loaderFeatures()
	if err != nil {
		return err
	}

	logger := newLogger()
	tgt, err := target.New(
		target.WithDevice(dev),
		target.WithFeatures(features),
		target.WithFacadeOptions(ofl.WithLogger(logger)),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	stats := ofl.NewStatistics()
	engineDone := make(chan error, 1)
	go func() {
		engineDone <- tgt.Run(ctx,
			ofl.WithStatistics(stats),
			ofl.WithEngineLogger(logger),
			ofl.WithPollInterval(100*time.Microsecond),
			ofl.WithObserver(func(ev ofl.Event) {
				if verbose {
					fmt.Print(ofl.FormatEvent(ev))
				}
			}),
		)
	}()

	l := tgt.Layout
	fmt.Printf("Flashloader - Simulated Target Server\n")
	fmt.Printf("Device: %s @ 0x%08X | Features: %s\n", dev.Name, dev.BaseAddr, features)
	fmt.Printf("RAM: 0x%08X+0x%X | Descriptors: 0x%08X | Results: 0x%08X | Buffers: 0x%08X\n",
		l.RAMBase, l.RAMSize, uint32(l.Descriptors), uint32(l.Results), uint32(l.Buffers))

	server := link.NewServer(tgt.RAM, link.WithServerLogger(logger))

	switch {
	case serveListen != "":
		err = serveWebSocket(ctx, server, logger)
	case portName != "":
		err = serveSerial(ctx, server)
	default:
		err = fmt.Errorf("either --listen or --port must be specified")
	}

	stop()
	if engineErr := <-engineDone; engineErr != nil && !errors.Is(engineErr, context.Canceled) {
		return fmt.Errorf("engine stopped: %w", engineErr)
	}

	c := server.Counters()
	fmt.Printf("\nLink: %d requests, %d faults, %d frame errors\n", c.Requests, c.Faults, c.FrameErrors)
	fmt.Print(stats.String())
	return err
}

func serveSerial(ctx context.Context, server *link.Server) error {
	conn, err := OpenSerialConnection(portName, baudRate)
	if err != nil {
		return err
	}
	fmt.Printf("Serving on %s @ %d baud. Press Ctrl+C to exit\n\n", portName, baudRate)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	return server.Serve(ctx, conn)
}

func serveWebSocket(ctx context.Context, server *link.Server, logger ofl.Logger) error {
	password := ""
	if wsUsername != "" {
		var err error
		password, err = GetPassword()
		if err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(servePath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := AcceptWebSocket(w, r, wsUsername, password)
		if err != nil {
			logger.Error("rejected connection", "remote", r.RemoteAddr, "error", err)
			return
		}
		defer conn.Close()

		logger.Info("host connected", "remote", r.RemoteAddr)
		connCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			<-connCtx.Done()
			conn.Close()
		}()
		if err := server.Serve(connCtx, conn); err != nil {
			logger.Info("host disconnected", "remote", r.RemoteAddr, "error", err)
			return
		}
		logger.Info("host disconnected", "remote", r.RemoteAddr)
	})

	srv := &http.Server{
		Addr:              serveListen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("Serving ws://%s%s. Press Ctrl+C to exit\n\n", serveListen, servePath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
