// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package mock implements a scripted, in-memory driver.
//
// The mock tracks every native object it creates, executes buffer copies
// against sparse host memory, and can hold back fence signals so callers can
// observe frame latency and blocking behavior deterministically.
//
//	a := mock.NewAdapter(mock.DefaultConfig())
//	dev, _ := a.CreateDevice(&driver.DeviceCreateInfo{...})
//	md := dev.(*mock.Device)
//	md.HoldFences(true)
//	// ... submit work ...
//	md.CompleteOne()
package mock

import (
	"slices"
	"sort"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/driver"
)

// Adapter is a scripted physical device.
type Adapter struct {
	cfg Config

	mu       sync.Mutex
	failNext map[string]error
	devices  []*Device
}

var _ driver.Adapter = (*Adapter)(nil)

func init() {
	driver.Register(driver.NameMock, func() (driver.Adapter, error) {
		return NewAdapter(DefaultConfig()), nil
	})
}

// NewAdapter creates an adapter that reports cfg. Shading-rate format bits are
// added to R8Uint and RG8Unorm when the corresponding extensions are
// advertised.
func NewAdapter(cfg Config) *Adapter {
	formats := make(map[gputypes.TextureFormat]driver.FormatProperties, len(cfg.Formats))
	for f, p := range cfg.Formats {
		formats[f] = p
	}
	if f, ok := cfg.Extensions[driver.ExtFragmentShadingRate]; ok && f.Has(driver.FeatureAttachmentShadingRate) {
		p := formats[gputypes.TextureFormatR8Uint]
		p.OptimalTiling |= driver.FormatShadingRateAttachment
		formats[gputypes.TextureFormatR8Uint] = p
	}
	if _, ok := cfg.Extensions[driver.ExtFragmentDensityMap]; ok {
		p := formats[gputypes.TextureFormatRG8Unorm]
		p.OptimalTiling |= driver.FormatFragmentDensityMap
		formats[gputypes.TextureFormatRG8Unorm] = p
	}
	cfg.Formats = formats
	if cfg.BufferAlignment == 0 {
		cfg.BufferAlignment = 256
	}
	if cfg.ImageAlignment == 0 {
		cfg.ImageAlignment = 4096
	}
	return &Adapter{cfg: cfg, failNext: make(map[string]error)}
}

// FailNext makes the next call of the named operation fail with err.
// Operation names are method names of driver.Adapter or driver.Device, for
// example "CreateDevice" or "CreateRenderPass". A nil err fails with a
// driver.ErrFailed error.
func (a *Adapter) FailNext(op string, err error) {
	if err == nil {
		err = driver.Errorf(driver.ErrFailed, "mock: injected %s failure", op)
	}
	a.mu.Lock()
	a.failNext[op] = err
	a.mu.Unlock()
}

func (a *Adapter) injected(op string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err, ok := a.failNext[op]
	if !ok {
		return nil
	}
	delete(a.failNext, op)
	return err
}

// Devices returns every device created from the adapter, oldest first.
func (a *Adapter) Devices() []*Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.devices)
}

func (a *Adapter) Info() driver.AdapterInfo { return a.cfg.Info }

func (a *Adapter) QueueFamilies() []driver.QueueFamily { return slices.Clone(a.cfg.Families) }

func (a *Adapter) Extensions() []string {
	names := make([]string, 0, len(a.cfg.Extensions))
	for name := range a.cfg.Extensions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *Adapter) CoreFeatures() driver.Feature { return a.cfg.Core }

func (a *Adapter) ExtensionFeatures(ext string) (driver.Feature, bool) {
	f, ok := a.cfg.Extensions[ext]
	return f, ok
}

func (a *Adapter) Limits() driver.Limits { return a.cfg.Limits }

func (a *Adapter) MemoryProperties() driver.MemoryProperties {
	return driver.MemoryProperties{
		Types: slices.Clone(a.cfg.Memory.Types),
		Heaps: slices.Clone(a.cfg.Memory.Heaps),
	}
}

func (a *Adapter) FormatProperties(format gputypes.TextureFormat) driver.FormatProperties {
	return a.cfg.Formats[format]
}

// CreateDevice validates info against the scripted capabilities and opens a
// Device.
func (a *Adapter) CreateDevice(info *driver.DeviceCreateInfo) (driver.Device, error) {
	if err := a.injected("CreateDevice"); err != nil {
		return nil, err
	}
	if info == nil || len(info.Queues) == 0 {
		return nil, driver.Errorf(driver.ErrInvalidArgument, "mock: no queues requested")
	}

	supported := a.cfg.Core
	for _, ext := range info.Extensions {
		f, ok := a.cfg.Extensions[ext]
		if !ok {
			return nil, driver.Errorf(driver.ErrUnsupported, "mock: extension %s not advertised", ext)
		}
		supported |= f
	}
	if missing := info.Features &^ supported; missing != 0 {
		return nil, driver.Errorf(driver.ErrUnsupported, "mock: features %s not supported", missing)
	}

	d := newDevice(a, info)
	for _, q := range info.Queues {
		if int(q.Family) >= len(a.cfg.Families) {
			return nil, driver.Errorf(driver.ErrInvalidArgument, "mock: queue family %d out of range", q.Family)
		}
		if q.Count == 0 || q.Count > a.cfg.Families[q.Family].Count {
			return nil, driver.Errorf(driver.ErrInvalidArgument, "mock: family %d has %d queues, %d requested",
				q.Family, a.cfg.Families[q.Family].Count, q.Count)
		}
		for i := uint32(0); i < q.Count; i++ {
			d.queues[[2]uint32{q.Family, i}] = &Queue{dev: d, family: q.Family}
		}
	}

	a.mu.Lock()
	a.devices = append(a.devices, d)
	a.mu.Unlock()
	return d, nil
}
