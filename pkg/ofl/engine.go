// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ofl

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"
)

// State is a state of the dispatch engine
type State int

// Dispatch engine states. The cycle has no terminal state.
const (
	StateAwaitCommand State = iota
	StateDecode
	StateExecute
	StateAcknowledge
)

func (s State) String() string {
	switch s {
	case StateAwaitCommand:
		return "AWAIT_COMMAND"
	case StateDecode:
		return "DECODE"
	case StateExecute:
		return "EXECUTE"
	case StateAcknowledge:
		return "ACKNOWLEDGE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Event describes one completed command
type Event struct {
	Seq      uint64
	Desc     Handle
	Op       Opcode
	Addr     uint32
	NumBytes uint32
	Result   int32
	// CRC holds the value written to NextOrResult2 by OpCRC
	CRC      uint32
	Next     Handle
	Start    time.Time
	Duration time.Duration
}

// Observer receives an Event after each command is acknowledged.
// It runs on the engine's goroutine and should return quickly.
type Observer func(Event)

// DefaultMaxTransfer bounds the buffer the engine allocates for read,
// program and verify commands.
const DefaultMaxTransfer = 16 * 1024 * 1024

type engineConfig struct {
	logger       Logger
	observer     Observer
	stats        *Statistics
	pollInterval time.Duration
	maxTransfer  uint32
}

// EngineOption configures an Engine
type EngineOption func(*engineConfig)

// WithEngineLogger sets the engine's logger.
func WithEngineLogger(l Logger) EngineOption {
	return func(c *engineConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver registers a callback for completed commands.
func WithObserver(o Observer) EngineOption {
	return func(c *engineConfig) {
		c.observer = o
	}
}

// WithStatistics makes the engine record every command in s.
func WithStatistics(s *Statistics) EngineOption {
	return func(c *engineConfig) {
		c.stats = s
	}
}

// WithPollInterval makes idle polls sleep for d instead of yielding.
func WithPollInterval(d time.Duration) EngineOption {
	return func(c *engineConfig) {
		if d >= 0 {
			c.pollInterval = d
		}
	}
}

// WithMaxTransfer bounds read/program/verify lengths. Longer commands
// fail with ResultError without calling the primitive.
func WithMaxTransfer(n uint32) EngineOption {
	return func(c *engineConfig) {
		if n > 0 {
			c.maxTransfer = n
		}
	}
}

// Engine is the turbo mode command dispatcher.
//
// It polls the descriptor at the current handle, runs the command through
// the capability table, writes the result back into host memory and moves
// on to the host-supplied next descriptor. The walk is a singly linked
// chain owned by the host; the engine keeps no queue.
//
// An Engine is not safe for concurrent use. Exactly one goroutine drives it.
type Engine struct {
	api API
	mem Memory
	cfg engineConfig

	state State
	cur   Handle

	// captured at AWAIT/DECODE, valid until ACKNOWLEDGE
	op      Opcode
	desc    Descriptor
	resPtr  Handle
	next    Handle
	addr    uint32
	result  int32
	crc     uint32
	started time.Time

	seq       uint64
	idlePolls uint64
}

// NewEngine creates an engine that starts polling the descriptor at start.
// The capability table is copied; it must carry every mandatory slot.
func NewEngine(api API, mem Memory, start Handle, opts ...EngineOption) (*Engine, error) {
	if err := api.Validate(); err != nil {
		return nil, err
	}
	if mem == nil {
		return nil, fmt.Errorf("engine: memory cannot be nil")
	}

	cfg := engineConfig{
		logger:      nopLogger{},
		maxTransfer: DefaultMaxTransfer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Engine{
		api:   api,
		mem:   mem,
		cfg:   cfg,
		state: StateAwaitCommand,
		cur:   start,
	}, nil
}

// State returns the state the next Step will execute.
func (e *Engine) State() State {
	return e.state
}

// Current returns the descriptor handle being polled or processed.
func (e *Engine) Current() Handle {
	return e.cur
}

// IdlePolls returns how many polls found an idle descriptor.
func (e *Engine) IdlePolls() uint64 {
	return e.idlePolls
}

// Run drives the engine forever.
//
// No opcode stops the loop and a failed command never halts it. The only
// ways out are external: ctx models the target's reset line, and a memory
// fault models the core locking up on a bad host handle. Run returns
// ctx.Err() or the fault.
func (e *Engine) Run(ctx context.Context) error {
	e.cfg.logger.Info("turbo mode started", "descriptor", e.cur.String())
	for {
		if err := ctx.Err(); err != nil {
			e.cfg.logger.Info("turbo mode reset", "descriptor", e.cur.String(), "commands", e.seq)
			return err
		}
		if err := e.Step(); err != nil {
			e.cfg.logger.Error("turbo mode fault", "state", e.state.String(), "error", err)
			return err
		}
	}
}

// Step executes the work of the current state and advances the machine.
// An idle poll leaves the engine in StateAwaitCommand.
func (e *Engine) Step() error {
	switch e.state {
	case StateAwaitCommand:
		return e.await()
	case StateDecode:
		return e.decode()
	case StateExecute:
		return e.executeState()
	case StateAcknowledge:
		return e.acknowledge()
	default:
		return fmt.Errorf("engine: invalid state %d", e.state)
	}
}

// Cycle steps until one command has been acknowledged or one idle poll
// has been made. It reports whether a command was processed.
func (e *Engine) Cycle() (bool, error) {
	if err := e.Step(); err != nil {
		return false, err
	}
	if e.state == StateAwaitCommand {
		return false, nil
	}
	for e.state != StateAwaitCommand {
		if err := e.Step(); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (e *Engine) feedWatchdog() {
	if e.api.FeedWatchdog != nil {
		e.api.FeedWatchdog()
	}
}

func (e *Engine) await() error {
	cmd, err := e.mem.Read32(e.cur.Addr() + OffCmd)
	if err != nil {
		return fmt.Errorf("poll opcode at %s: %w", e.cur, err)
	}

	if Opcode(cmd) == OpIdle {
		e.idlePolls++
		if e.cfg.stats != nil {
			e.cfg.stats.IdlePoll()
		}
		e.feedWatchdog()
		if e.cfg.pollInterval > 0 {
			time.Sleep(e.cfg.pollInterval)
		} else {
			runtime.Gosched()
		}
		return nil
	}

	e.op = Opcode(cmd)
	e.state = StateDecode
	return nil
}

func (e *Engine) decode() error {
	// Snapshot the whole descriptor: once the opcode is cleared the host
	// may start rewriting it.
	d, err := ReadDescriptor(e.mem, e.cur)
	if err != nil {
		return err
	}
	e.desc = d
	e.started = time.Now()
	e.resPtr = d.Result
	e.next = d.Next()

	if err := e.mem.Write32(e.resPtr.Addr(), uint32(ResultPending)); err != nil {
		return fmt.Errorf("write pending result to %s: %w", e.resPtr, err)
	}
	if err := e.mem.Write32(e.cur.Addr()+OffCmd, uint32(OpIdle)); err != nil {
		return fmt.Errorf("clear opcode at %s: %w", e.cur, err)
	}

	e.addr = d.Addr()
	e.crc = 0
	e.state = StateExecute

	e.cfg.logger.Debug("command decoded",
		"descriptor", e.cur.String(),
		"op", FormatOpcode(e.op),
		"addr", fmt.Sprintf("0x%08X", e.addr),
		"bytes", d.NumBytes,
	)
	return nil
}

func (e *Engine) executeState() error {
	result, err := e.execute()
	if err != nil {
		return err
	}
	e.result = result
	e.state = StateAcknowledge
	return nil
}

func (e *Engine) acknowledge() error {
	if err := e.mem.Write32(e.resPtr.Addr(), uint32(e.result)); err != nil {
		return fmt.Errorf("write result to %s: %w", e.resPtr, err)
	}
	e.feedWatchdog()

	e.seq++
	ev := Event{
		Seq:      e.seq,
		Desc:     e.cur,
		Op:       e.op,
		Addr:     e.addr,
		NumBytes: e.desc.NumBytes,
		Result:   e.result,
		CRC:      e.crc,
		Next:     e.next,
		Start:    e.started,
		Duration: time.Since(e.started),
	}
	if e.cfg.stats != nil {
		e.cfg.stats.Update(ev)
	}
	if e.cfg.observer != nil {
		e.cfg.observer(ev)
	}
	if e.result != ResultOK {
		e.cfg.logger.Debug("command failed", "op", FormatOpcode(e.op), "result", FormatResult(e.result))
	}

	e.cur = e.next
	e.state = StateAwaitCommand
	return nil
}

// execute maps the opcode onto its capability slot. An absent slot or an
// unknown opcode yields ResultUnsupported without calling anything.
// The returned error is reserved for memory faults.
func (e *Engine) execute() (int32, error) {
	a := &e.api
	d := &e.desc

	switch e.op {
	case OpBlankCheck:
		if a.BlankCheck == nil {
			return ResultUnsupported, nil
		}
		return int32(a.BlankCheck(e.addr, d.NumBytes, byte(d.Param1))), nil

	case OpCRC:
		crc, err := CalcCRC(e.mem, a.Read, d.Param1, e.addr, d.NumBytes, d.Param2)
		if err != nil {
			if errors.Is(err, ErrBusFault) {
				return 0, err
			}
			e.cfg.logger.Error("crc staging failed", "error", err)
			return ResultError, nil
		}
		e.crc = crc
		if err := e.mem.Write32(e.cur.Addr()+OffNextOrResult2, crc); err != nil {
			return 0, fmt.Errorf("write crc to %s: %w", e.cur, err)
		}
		return ResultOK, nil

	case OpRead:
		if a.Read == nil {
			return ResultUnsupported, nil
		}
		if d.NumBytes > e.cfg.maxTransfer {
			return ResultError, nil
		}
		buf := make([]byte, d.NumBytes)
		r := a.Read(e.addr, d.NumBytes, buf)
		if r > 0 {
			if r > len(buf) {
				r = len(buf)
			}
			if err := e.mem.WriteAt(buf[:r], d.Param0); err != nil {
				return 0, fmt.Errorf("store read data at %s: %w", Handle(d.Param0), err)
			}
		}
		return int32(r), nil

	case OpProgram:
		if a.Program == nil {
			return ResultUnsupported, nil
		}
		data, res, err := e.hostBuffer()
		if data == nil {
			return res, err
		}
		return int32(a.Program(e.addr, d.NumBytes, data)), nil

	case OpEraseChip:
		if d.NumBytes == 0 {
			if a.EraseChip == nil {
				return ResultUnsupported, nil
			}
			return int32(a.EraseChip()), nil
		}
		if a.Erase == nil {
			if d.NumBytes == 1 {
				return int32(a.EraseSector(e.addr)), nil
			}
			return ResultUnsupported, nil
		}
		return int32(a.Erase(e.addr, d.Param1, d.Param0)), nil

	case OpInit:
		return int32(a.Init(e.addr, d.Param2, d.Param1)), nil

	case OpUnInit:
		return int32(a.UnInit(d.Param1)), nil

	case OpVerify:
		if a.Verify == nil {
			return ResultUnsupported, nil
		}
		data, res, err := e.hostBuffer()
		if data == nil {
			return res, err
		}
		return int32(a.Verify(e.addr, d.NumBytes, data)), nil
	}

	return ResultUnsupported, nil
}

// hostBuffer loads the host data referenced by Param0. A nil slice means
// the command cannot run and the returned result/error apply.
func (e *Engine) hostBuffer() ([]byte, int32, error) {
	d := &e.desc
	if d.NumBytes > e.cfg.maxTransfer {
		return nil, ResultError, nil
	}
	data := make([]byte, d.NumBytes)
	if err := e.mem.ReadAt(data, d.Param0); err != nil {
		return nil, 0, fmt.Errorf("load host buffer %s: %w", Handle(d.Param0), err)
	}
	return data, ResultOK, nil
}
