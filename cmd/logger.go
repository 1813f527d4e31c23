// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/Thermoquad/flashloader/pkg/ofl"
)

// stdLogger adapts a log.Logger to ofl.Logger
type stdLogger struct {
	l     *log.Logger
	debug bool
}

func newLogger() ofl.Logger {
	return &stdLogger{
		l:     log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds),
		debug: verbose,
	}
}

func (s *stdLogger) Debug(msg string, kv ...interface{}) {
	if s.debug {
		s.l.Print("DEBUG " + formatKV(msg, kv))
	}
}

func (s *stdLogger) Info(msg string, kv ...interface{}) {
	s.l.Print("INFO  " + formatKV(msg, kv))
}

func (s *stdLogger) Error(msg string, kv ...interface{}) {
	s.l.Print("ERROR " + formatKV(msg, kv))
}

func formatKV(msg string, kv []interface{}) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	if len(kv)%2 == 1 {
		fmt.Fprintf(&b, " %v", kv[len(kv)-1])
	}
	return b.String()
}
