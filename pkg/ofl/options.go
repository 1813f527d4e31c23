// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ofl

// Config holds the façade configuration.
type Config struct {
	// BaseAddr is subtracted from every address before it reaches the bus
	BaseAddr uint32

	// PageSize is the program granularity; ProgramPage lengths must be a multiple
	PageSize uint32

	// SectorSize is the uniform erase granularity used by range and chip erase
	SectorSize uint32

	// Device optionally describes the flash; it overrides the sizes above
	Device *FlashDevice

	// BusParams is handed to the collaborator on Init
	BusParams BusParams

	// Memory is the target address space; verify and blank check read the
	// memory-mapped flash window through it when no native read exists
	Memory Memory

	// Watchdog is called by FeedWatchdog (optional)
	Watchdog func()

	// Logger is used for diagnostics (optional)
	Logger Logger
}

func defaultConfig() Config {
	return Config{
		BaseAddr:   DefaultBaseAddr,
		PageSize:   DefaultPageSize,
		SectorSize: DefaultSectorSize,
		Logger:     nopLogger{},
	}
}

// Option is a functional option for configuring the Facade.
type Option func(*Config)

// WithBaseAddr sets the flash base address.
//
// Example:
//
//	f := ofl.NewFacade(bus, ofl.WithBaseAddr(0x90000000))
func WithBaseAddr(base uint32) Option {
	return func(c *Config) {
		c.BaseAddr = base
	}
}

// WithPageSize sets the program page size. Zero is ignored.
func WithPageSize(size uint32) Option {
	return func(c *Config) {
		if size > 0 {
			c.PageSize = size
		}
	}
}

// WithSectorSize sets the uniform sector size. Zero is ignored.
func WithSectorSize(size uint32) Option {
	return func(c *Config) {
		if size > 0 {
			c.SectorSize = size
		}
	}
}

// WithDevice takes base address, page size and sector size from dev.
func WithDevice(dev *FlashDevice) Option {
	return func(c *Config) {
		if dev == nil {
			return
		}
		c.Device = dev
		c.BaseAddr = dev.BaseAddr
		if dev.PageSize > 0 {
			c.PageSize = dev.PageSize
		}
		if len(dev.Sectors) > 0 && dev.Sectors[0].Size > 0 {
			c.SectorSize = dev.Sectors[0].Size
		}
	}
}

// WithBusParams sets the parameters passed to Bus.Init.
func WithBusParams(p BusParams) Option {
	return func(c *Config) {
		c.BusParams = p
	}
}

// WithMemory sets the target memory used for memory-mapped reads.
func WithMemory(m Memory) Option {
	return func(c *Config) {
		c.Memory = m
	}
}

// WithWatchdog sets the watchdog feed hook.
func WithWatchdog(feed func()) Option {
	return func(c *Config) {
		c.Watchdog = feed
	}
}

// WithLogger sets a logger for façade operations.
//
// Example:
//
//	f := ofl.NewFacade(bus, ofl.WithLogger(myLogger))
func WithLogger(l Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}
