// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package target simulates the device a flash loader runs on: RAM shared
// with the host, a NOR flash behind a memory-mapped controller and a
// reference host that drives the dispatch engine through descriptors.
//
// It exists to exercise the ofl package end to end and is not a model of
// any particular microcontroller.
package target

import (
	"context"
	"fmt"

	"github.com/Thermoquad/flashloader/pkg/ofl"
)

var (
	_ ofl.Memory     = (*RAM)(nil)
	_ ofl.Bus        = (*NOR)(nil)
	_ ofl.Reader     = (*NOR)(nil)
	_ ofl.ChipEraser = (*NOR)(nil)
)

// Layout places the host-owned structures in target RAM
type Layout struct {
	RAMBase uint32
	RAMSize uint32

	// Descriptors holds two descriptors DescriptorStride bytes apart; the
	// host alternates between them
	Descriptors ofl.Handle
	// Results holds one int32 result slot per descriptor
	Results ofl.Handle
	// Buffers holds two data buffers of BufferSize bytes each
	Buffers    ofl.Handle
	BufferSize uint32
}

// DescriptorStride is the distance between the two descriptors
const DescriptorStride = 0x40

// DefaultLayout returns a 256 KiB RAM at 0x20000000 with two 32 KiB
// buffers.
func DefaultLayout() Layout {
	return Layout{
		RAMBase:     0x20000000,
		RAMSize:     0x40000,
		Descriptors: 0x20000000,
		Results:     0x20000100,
		Buffers:     0x20010000,
		BufferSize:  0x8000,
	}
}

// Descriptor returns the handle of descriptor i (0 or 1)
func (l Layout) Descriptor(i int) ofl.Handle {
	return l.Descriptors + ofl.Handle(i*DescriptorStride)
}

// Result returns the result slot of descriptor i
func (l Layout) Result(i int) ofl.Handle {
	return l.Results + ofl.Handle(i*4)
}

// Buffer returns the handle of data buffer i
func (l Layout) Buffer(i int) ofl.Handle {
	return l.Buffers + ofl.Handle(uint32(i)*l.BufferSize)
}

// Validate checks that every structure lies inside RAM
func (l Layout) Validate() error {
	inside := func(name string, h ofl.Handle, n uint32) error {
		if uint32(h) < l.RAMBase || uint64(h)+uint64(n) > uint64(l.RAMBase)+uint64(l.RAMSize) {
			return fmt.Errorf("layout: %s at %s+0x%X outside RAM", name, h, n)
		}
		return nil
	}
	if err := inside("descriptors", l.Descriptors, DescriptorStride+ofl.DescriptorSize); err != nil {
		return err
	}
	if err := inside("results", l.Results, 8); err != nil {
		return err
	}
	if l.BufferSize == 0 {
		return fmt.Errorf("layout: zero buffer size")
	}
	return inside("buffers", l.Buffers, 2*l.BufferSize)
}

type config struct {
	layout   Layout
	device   *ofl.FlashDevice
	features ofl.Features
	norOpts  []NOROption
	facade   []ofl.Option
}

// Option configures a Target
type Option func(*config)

// WithLayout overrides the RAM layout
func WithLayout(l Layout) Option {
	return func(c *config) { c.layout = l }
}

// WithDevice sets the flash shape
func WithDevice(dev *ofl.FlashDevice) Option {
	return func(c *config) {
		if dev != nil {
			c.device = dev
		}
	}
}

// WithFeatures selects the optional primitives in the capability table
func WithFeatures(f ofl.Features) Option {
	return func(c *config) { c.features = f }
}

// WithNOROptions passes options to the simulated flash
func WithNOROptions(opts ...NOROption) Option {
	return func(c *config) { c.norOpts = append(c.norOpts, opts...) }
}

// WithFacadeOptions passes options to the façade, after the ones the
// target sets itself
func WithFacadeOptions(opts ...ofl.Option) Option {
	return func(c *config) { c.facade = append(c.facade, opts...) }
}

// Target is a simulated device with the flash loader loaded
type Target struct {
	RAM    *RAM
	Flash  *NOR
	Facade *ofl.Facade
	API    ofl.API
	Layout Layout
}

// New builds a target: RAM and the flash window are mapped, the façade is
// wired to the flash and the capability table is built.
func New(opts ...Option) (*Target, error) {
	cfg := config{
		layout:   DefaultLayout(),
		device:   ofl.DefaultDevice(),
		features: ofl.FeatureAll,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.layout.Validate(); err != nil {
		return nil, err
	}

	flash, err := NewNOR(cfg.device, cfg.norOpts...)
	if err != nil {
		return nil, err
	}

	ram := NewRAM()
	if err := ram.Map("ram", cfg.layout.RAMBase, cfg.layout.RAMSize); err != nil {
		return nil, err
	}
	if err := ram.MapDevice("flash", cfg.device.BaseAddr, cfg.device.TotalSize, flash.Window()); err != nil {
		return nil, err
	}

	fopts := append([]ofl.Option{
		ofl.WithDevice(cfg.device),
		ofl.WithMemory(ram),
	}, cfg.facade...)
	facade := ofl.NewFacade(flash, fopts...)

	return &Target{
		RAM:    ram,
		Flash:  flash,
		Facade: facade,
		API:    facade.API(cfg.features),
		Layout: cfg.layout,
	}, nil
}

// Device returns the flash description
func (t *Target) Device() *ofl.FlashDevice {
	return t.Flash.Device()
}

// Run enters turbo mode at the first descriptor and blocks until ctx is
// done or the engine faults.
func (t *Target) Run(ctx context.Context, opts ...ofl.EngineOption) error {
	if len(opts) == 0 && t.API.Start != nil {
		return t.API.Start(ctx, t.Layout.Descriptor(0))
	}
	e, err := ofl.NewEngine(t.API, t.RAM, t.Layout.Descriptor(0), opts...)
	if err != nil {
		return err
	}
	return e.Run(ctx)
}
