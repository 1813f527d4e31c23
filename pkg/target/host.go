// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package target

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Thermoquad/flashloader/pkg/ofl"
)

// DefaultCommandTimeout bounds one command when the device gives no
// better estimate
const DefaultCommandTimeout = 10 * time.Second

// Host is a reference programming host. It talks to a loader in turbo
// mode purely through target memory: it writes a descriptor (opcode
// last), waits for the result slot to leave the pending state and
// collects the result.
//
// The host alternates between the two descriptors of the layout, linking
// each one to the other, so the engine always polls the descriptor the
// host will write next. A Host must be paired with an engine that starts
// at descriptor 0 and must not be shared between goroutines.
type Host struct {
	mem    ofl.Memory
	layout Layout
	dev    *ofl.FlashDevice

	poll      time.Duration
	timeout   time.Duration
	frequency uint32
	poly      uint32
	logger    ofl.Logger
	progress  func(stage string, done, total uint32)

	slot int
	buf  int
}

// HostOption configures a Host
type HostOption func(*Host)

// WithHostPoll sets the interval between result polls. Zero spins.
func WithHostPoll(d time.Duration) HostOption {
	return func(h *Host) { h.poll = d }
}

// WithHostTimeout sets the minimum time allowed for one command
func WithHostTimeout(d time.Duration) HostOption {
	return func(h *Host) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithFrequency sets the clock passed to Init, in Hz
func WithFrequency(hz uint32) HostOption {
	return func(h *Host) { h.frequency = hz }
}

// WithVerifyPoly selects the CRC polynomial used to verify images
func WithVerifyPoly(poly uint32) HostOption {
	return func(h *Host) { h.poly = poly }
}

// WithHostLogger sets the host's logger
func WithHostLogger(l ofl.Logger) HostOption {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithProgress registers a callback for long running operations
func WithProgress(fn func(stage string, done, total uint32)) HostOption {
	return func(h *Host) { h.progress = fn }
}

// NewHost creates a host driving the loader whose RAM is reachable
// through mem.
func NewHost(mem ofl.Memory, layout Layout, dev *ofl.FlashDevice, opts ...HostOption) *Host {
	h := &Host{
		mem:     mem,
		layout:  layout,
		dev:     dev,
		poll:    100 * time.Microsecond,
		timeout: DefaultCommandTimeout,
		poly:    ofl.PolyIEEE,
		logger:  nopLogger{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Result is the outcome of one command
type Result struct {
	Code int32
	// CRC is the value the engine stored in the descriptor, for OpCRC
	CRC     uint32
	Elapsed time.Duration
}

// Exec submits one descriptor and waits for it to complete. Result and
// NextOrResult2 are filled in by the host. A non-zero result is not an
// error here; callers interpret it per opcode.
func (h *Host) Exec(ctx context.Context, d ofl.Descriptor, timeout time.Duration) (Result, error) {
	cur, next := h.layout.Descriptor(h.slot), h.layout.Descriptor(1-h.slot)
	res := h.layout.Result(h.slot)

	d.Result = res
	d.NextOrResult2 = uint32(next)

	for _, a := range ofl.ValidateDescriptor(cur, &d, h.dev) {
		h.logger.Debug("descriptor anomaly", "descriptor", cur.String(), "message", a.Message)
	}

	if err := h.mem.Write32(res.Addr(), uint32(ofl.ResultPending)); err != nil {
		return Result{}, fmt.Errorf("arm result slot: %w", err)
	}
	// The next descriptor must read idle before this one goes live
	if err := h.mem.Write32(next.Addr()+ofl.OffCmd, uint32(ofl.OpIdle)); err != nil {
		return Result{}, fmt.Errorf("idle next descriptor: %w", err)
	}

	start := time.Now()
	if err := ofl.WriteDescriptor(h.mem, cur, &d); err != nil {
		return Result{}, err
	}
	h.logger.Debug("submitted", "desc", ofl.FormatDescriptor(cur, &d))

	if timeout < h.timeout {
		timeout = h.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		v, err := h.mem.Read32(res.Addr())
		if err != nil {
			return Result{}, fmt.Errorf("poll result: %w", err)
		}
		if int32(v) != ofl.ResultPending {
			r := Result{Code: int32(v), Elapsed: time.Since(start)}
			if d.Cmd == ofl.OpCRC && r.Code == ofl.ResultOK {
				crc, err := h.mem.Read32(cur.Addr() + ofl.OffNextOrResult2)
				if err != nil {
					return r, fmt.Errorf("read crc: %w", err)
				}
				r.CRC = crc
			}
			h.slot = 1 - h.slot
			return r, nil
		}

		if h.poll > 0 {
			select {
			case <-ctx.Done():
				return Result{}, fmt.Errorf("%s at %s: %w", ofl.FormatOpcode(d.Cmd), cur, ctx.Err())
			case <-time.After(h.poll):
			}
		} else if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("%s at %s: %w", ofl.FormatOpcode(d.Cmd), cur, err)
		}
	}
}

func (h *Host) check(op ofl.Opcode, r Result, err error) error {
	if err != nil {
		return err
	}
	if r.Code != ofl.ResultOK {
		return &ofl.CommandError{Op: op, Code: r.Code}
	}
	return nil
}

func (h *Host) nextBuffer() ofl.Handle {
	b := h.layout.Buffer(h.buf)
	h.buf = 1 - h.buf
	return b
}

func (h *Host) report(stage string, done, total uint32) {
	if h.progress != nil {
		h.progress(stage, done, total)
	}
}

// Init prepares the flash for the given caller type
func (h *Host) Init(ctx context.Context, fn uint32) error {
	r, err := h.Exec(ctx, ofl.Descriptor{
		Cmd:      ofl.OpInit,
		BaseAddr: h.dev.BaseAddr,
		Param1:   fn,
		Param2:   h.frequency,
	}, 0)
	return h.check(ofl.OpInit, r, err)
}

// UnInit releases the flash for the given caller type
func (h *Host) UnInit(ctx context.Context, fn uint32) error {
	r, err := h.Exec(ctx, ofl.Descriptor{Cmd: ofl.OpUnInit, Param1: fn}, 0)
	return h.check(ofl.OpUnInit, r, err)
}

// EraseChip erases the whole device
func (h *Host) EraseChip(ctx context.Context) error {
	timeout := time.Duration(h.dev.TimeoutErase) * time.Millisecond * time.Duration(h.dev.SectorCount())
	r, err := h.Exec(ctx, ofl.Descriptor{Cmd: ofl.OpEraseChip, BaseAddr: h.dev.BaseAddr}, timeout)
	return h.check(ofl.OpEraseChip, r, err)
}

// EraseSectors erases count sectors starting with the one at addr. When
// the loader has no range erase it falls back to one command per sector.
func (h *Host) EraseSectors(ctx context.Context, addr, count uint32) error {
	if count == 0 {
		return nil
	}
	index, start, _, err := h.dev.SectorIndex(addr)
	if err != nil {
		return err
	}
	timeout := time.Duration(h.dev.TimeoutErase) * time.Millisecond * time.Duration(count)

	if count > 1 {
		r, err := h.Exec(ctx, ofl.Descriptor{
			Cmd:      ofl.OpEraseChip,
			BaseAddr: start,
			NumBytes: count,
			Param0:   count,
			Param1:   index,
		}, timeout)
		err = h.check(ofl.OpEraseChip, r, err)
		if !errors.Is(err, ofl.ErrUnsupported) {
			if err == nil {
				h.report("erase", count, count)
			}
			return err
		}
		h.logger.Debug("range erase unsupported, erasing sector by sector")
	}

	addrs := h.dev.SectorAddrs()
	for i := uint32(0); i < count; i++ {
		if int(index+i) >= len(addrs) {
			return fmt.Errorf("erase: sector %d past end of device", index+i)
		}
		r, err := h.Exec(ctx, ofl.Descriptor{
			Cmd:      ofl.OpEraseChip,
			BaseAddr: addrs[index+i],
			NumBytes: 1,
			Param0:   1,
			Param1:   index + i,
		}, time.Duration(h.dev.TimeoutErase)*time.Millisecond)
		if err := h.check(ofl.OpEraseChip, r, err); err != nil {
			return err
		}
		h.report("erase", i+1, count)
	}
	return nil
}

// Program writes data at addr, one buffer at a time
func (h *Host) Program(ctx context.Context, addr uint32, data []byte) error {
	total := uint32(len(data))
	for off := uint32(0); off < total; {
		n := min(total-off, h.layout.BufferSize)
		buf := h.nextBuffer()
		if err := h.mem.WriteAt(data[off:off+n], buf.Addr()); err != nil {
			return fmt.Errorf("stage program data: %w", err)
		}
		pages := (n + h.dev.PageSize - 1) / h.dev.PageSize
		r, err := h.Exec(ctx, ofl.Descriptor{
			Cmd:      ofl.OpProgram,
			BaseAddr: addr,
			Offset:   off,
			NumBytes: n,
			Param0:   uint32(buf),
		}, time.Duration(h.dev.TimeoutProg)*time.Millisecond*time.Duration(pages))
		if err := h.check(ofl.OpProgram, r, err); err != nil {
			return fmt.Errorf("program 0x%08X: %w", addr+off, err)
		}
		off += n
		h.report("program", off, total)
	}
	return nil
}

// MismatchError reports the first differing address found by Verify
type MismatchError struct {
	Addr uint32
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("verify mismatch at 0x%08X", e.Addr)
}

// Verify compares flash at addr with data using the loader's native verify
func (h *Host) Verify(ctx context.Context, addr uint32, data []byte) error {
	total := uint32(len(data))
	for off := uint32(0); off < total; {
		n := min(total-off, h.layout.BufferSize)
		buf := h.nextBuffer()
		if err := h.mem.WriteAt(data[off:off+n], buf.Addr()); err != nil {
			return fmt.Errorf("stage verify data: %w", err)
		}
		r, err := h.Exec(ctx, ofl.Descriptor{
			Cmd:      ofl.OpVerify,
			BaseAddr: addr,
			Offset:   off,
			NumBytes: n,
			Param0:   uint32(buf),
		}, 0)
		if err != nil {
			return err
		}
		if r.Code == ofl.ResultUnsupported {
			return &ofl.CommandError{Op: ofl.OpVerify, Code: r.Code}
		}
		if end := addr + off + n; uint32(r.Code) != end {
			return &MismatchError{Addr: uint32(r.Code)}
		}
		off += n
		h.report("verify", off, total)
	}
	return nil
}

// Read reads n bytes of flash at addr
func (h *Host) Read(ctx context.Context, addr, n uint32) ([]byte, error) {
	out := make([]byte, 0, n)
	for off := uint32(0); off < n; {
		k := min(n-off, h.layout.BufferSize)
		buf := h.nextBuffer()
		r, err := h.Exec(ctx, ofl.Descriptor{
			Cmd:      ofl.OpRead,
			BaseAddr: addr,
			Offset:   off,
			NumBytes: k,
			Param0:   uint32(buf),
		}, 0)
		if err != nil {
			return nil, err
		}
		if r.Code < 0 || uint32(r.Code) != k {
			return nil, &ofl.CommandError{Op: ofl.OpRead, Code: r.Code}
		}
		chunk := make([]byte, k)
		if err := h.mem.ReadAt(chunk, buf.Addr()); err != nil {
			return nil, fmt.Errorf("collect read data: %w", err)
		}
		out = append(out, chunk...)
		off += k
	}
	return out, nil
}

// BlankCheck reports whether n bytes at addr all equal fill
func (h *Host) BlankCheck(ctx context.Context, addr, n uint32, fill byte) (bool, error) {
	r, err := h.Exec(ctx, ofl.Descriptor{
		Cmd:      ofl.OpBlankCheck,
		BaseAddr: addr,
		NumBytes: n,
		Param1:   uint32(fill),
	}, 0)
	if err != nil {
		return false, err
	}
	switch r.Code {
	case 0:
		return true, nil
	case 1:
		return false, nil
	}
	return false, &ofl.CommandError{Op: ofl.OpBlankCheck, Code: r.Code}
}

// CRC has the loader compute the raw CRC accumulator over n bytes at addr
func (h *Host) CRC(ctx context.Context, addr, n, seed, poly uint32) (uint32, error) {
	r, err := h.Exec(ctx, ofl.Descriptor{
		Cmd:      ofl.OpCRC,
		BaseAddr: addr,
		NumBytes: n,
		Param1:   seed,
		Param2:   poly,
	}, 0)
	if err := h.check(ofl.OpCRC, r, err); err != nil {
		return 0, err
	}
	return r.CRC, nil
}

// CRCMismatchError reports a failed CRC verification
type CRCMismatchError struct {
	Want, Got uint32
}

func (e *CRCMismatchError) Error() string {
	return fmt.Sprintf("crc mismatch: expected 0x%08X, target computed 0x%08X", e.Want, e.Got)
}

// Flash programs image at addr and verifies it: the covered sectors are
// erased, the image is programmed and the target's CRC of the range is
// compared with one computed locally.
func (h *Host) Flash(ctx context.Context, addr uint32, image []byte) error {
	if len(image) == 0 {
		return nil
	}
	if !h.dev.Contains(addr, uint32(len(image))) {
		return fmt.Errorf("image 0x%08X+%d does not fit %s", addr, len(image), h.dev.Name)
	}
	first, _, _, err := h.dev.SectorIndex(addr)
	if err != nil {
		return err
	}
	last, _, _, err := h.dev.SectorIndex(addr + uint32(len(image)) - 1)
	if err != nil {
		return err
	}

	h.logger.Info("erasing", "sectors", last-first+1)
	if err := h.Init(ctx, ofl.CallerErase); err != nil {
		return err
	}
	if err := h.EraseSectors(ctx, addr, last-first+1); err != nil {
		return err
	}
	if err := h.UnInit(ctx, ofl.CallerErase); err != nil {
		return err
	}

	h.logger.Info("programming", "bytes", len(image))
	if err := h.Init(ctx, ofl.CallerProgram); err != nil {
		return err
	}
	if err := h.Program(ctx, addr, image); err != nil {
		return err
	}
	if err := h.UnInit(ctx, ofl.CallerProgram); err != nil {
		return err
	}

	h.logger.Info("verifying", "poly", fmt.Sprintf("0x%08X", h.poly))
	if err := h.Init(ctx, ofl.CallerVerify); err != nil {
		return err
	}
	got, err := h.CRC(ctx, addr, uint32(len(image)), 0xFFFFFFFF, h.poly)
	if err != nil {
		return err
	}
	if want := ofl.Update(0xFFFFFFFF, h.poly, image); got != want {
		return &CRCMismatchError{Want: want, Got: got}
	}
	h.report("verify", uint32(len(image)), uint32(len(image)))
	return h.UnInit(ctx, ofl.CallerVerify)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
