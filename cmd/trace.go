// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/flashloader/pkg/ofl"
)

// traceRecord is one engine event in a trace file. A trace is a CBOR
// sequence of records.
type traceRecord struct {
	Seq      uint64 `cbor:"0,keyasint"`
	Desc     uint32 `cbor:"1,keyasint"`
	Op       uint32 `cbor:"2,keyasint"`
	Addr     uint32 `cbor:"3,keyasint"`
	NumBytes uint32 `cbor:"4,keyasint"`
	Result   int32  `cbor:"5,keyasint"`
	CRC      uint32 `cbor:"6,keyasint,omitempty"`
	Next     uint32 `cbor:"7,keyasint"`
	StartNs  int64  `cbor:"8,keyasint"`
	Duration int64  `cbor:"9,keyasint"`
}

func recordFromEvent(ev ofl.Event) traceRecord {
	return traceRecord{
		Seq:      ev.Seq,
		Desc:     uint32(ev.Desc),
		Op:       uint32(ev.Op),
		Addr:     ev.Addr,
		NumBytes: ev.NumBytes,
		Result:   ev.Result,
		CRC:      ev.CRC,
		Next:     uint32(ev.Next),
		StartNs:  ev.Start.UnixNano(),
		Duration: int64(ev.Duration),
	}
}

func (r traceRecord) event() ofl.Event {
	return ofl.Event{
		Seq:      r.Seq,
		Desc:     ofl.Handle(r.Desc),
		Op:       ofl.Opcode(r.Op),
		Addr:     r.Addr,
		NumBytes: r.NumBytes,
		Result:   r.Result,
		CRC:      r.CRC,
		Next:     ofl.Handle(r.Next),
		Start:    time.Unix(0, r.StartNs),
		Duration: time.Duration(r.Duration),
	}
}

// traceWriter appends events to a trace file
type traceWriter struct {
	f   *os.File
	enc *cbor.Encoder
	n   int
}

func createTrace(path string) (*traceWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace %s: %v", path, err)
	}
	return &traceWriter{f: f, enc: cbor.NewEncoder(f)}, nil
}

func (t *traceWriter) Write(ev ofl.Event) error {
	if err := t.enc.Encode(recordFromEvent(ev)); err != nil {
		return err
	}
	t.n++
	return nil
}

func (t *traceWriter) Close() error {
	return t.f.Close()
}

var traceCmd = &cobra.Command{
	Use:   "trace <file.cbor>",
	Short: "Decode and print an engine trace",
	Long: `Decode a trace written by 'sim --trace' and print one line per command,
followed by statistics recomputed from the trace.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrace,
}

func init() {
	rootCmd.AddCommand(traceCmd)
}

func runTrace(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open trace: %v", err)
	}
	defer f.Close()

	stats := ofl.NewStatistics()
	dec := cbor.NewDecoder(f)
	for {
		var rec traceRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("trace record %d: %v", stats.Snapshot().TotalCommands+1, err)
		}
		ev := rec.event()
		stats.Update(ev)
		fmt.Print(ofl.FormatEvent(ev))
	}

	fmt.Println()
	fmt.Print(stats.String())
	return nil
}
