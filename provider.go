package rhi

import (
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
)

// Provider exposes d to frameworks that accept a gpucontext.DeviceProvider.
func (d *Device) Provider() gpucontext.DeviceProvider {
	return &deviceProvider{dev: d}
}

type deviceProvider struct {
	dev *Device
}

// Ensure deviceProvider implements gpucontext.DeviceProvider.
var _ gpucontext.DeviceProvider = (*deviceProvider)(nil)

func (p *deviceProvider) Device() gpucontext.Device { return providerDevice{p.dev} }

func (p *deviceProvider) Queue() gpucontext.Queue {
	d := p.dev
	return d.Queue(d.graphics)
}

func (p *deviceProvider) Adapter() gpucontext.Adapter { return p.dev.Adapter() }

func (p *deviceProvider) SurfaceFormat() gputypes.TextureFormat { return p.dev.cfg.SurfaceFormat }

// providerDevice adapts Device to gpucontext.Device.
type providerDevice struct {
	dev *Device
}

// Poll with wait set blocks until the device is idle and collects released
// objects. Without wait it does nothing; work is retired by BeginFrame.
func (p providerDevice) Poll(wait bool) {
	if !wait {
		return
	}
	if err := p.dev.WaitForIdle(); err != nil {
		p.dev.logger.Warn("poll: wait for idle", "err", err)
	}
}

// Destroy shuts the device down and closes it.
func (p providerDevice) Destroy() { p.dev.Close() }
