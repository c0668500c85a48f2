package rhi

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/driver"
	"github.com/gogpu/rhi/internal/bindless"
	"github.com/gogpu/rhi/internal/cache"
	"github.com/gogpu/rhi/internal/cmdlist"
	"github.com/gogpu/rhi/internal/feature"
	"github.com/gogpu/rhi/internal/format"
	"github.com/gogpu/rhi/internal/memory"
	"github.com/gogpu/rhi/internal/release"
	"github.com/gogpu/rhi/internal/syncobj"
	"github.com/gogpu/rhi/internal/upload"
)

// Negotiated state, re-exported for callers outside the module.
type (
	FeatureSet        = feature.FeatureSet
	LimitSet          = feature.LimitSet
	QueueFamily       = driver.QueueFamily
	ExtensionProvider = feature.ExtensionProvider
	FormatCapability  = format.Capability
	ShadingRate       = format.ShadingRate
	ShadingRateMode   = format.ShadingRateMode
	MemoryStatistics  = memory.Statistics
	AllocationInfo    = memory.AllocationInfo
)

// Device is a logical GPU device. It owns the negotiated features, the
// memory allocator, the object caches, the per-frame command list and
// synchronization pools, the release queue and the optional bindless and
// upload subsystems.
//
// Create a Device with New, bring it up with Init and tear it down with
// PreShutdown followed by Close. All methods are safe for concurrent use;
// BeginFrame and EndFrame must be called from one goroutine at a time.
type Device struct {
	cfg    Config
	logger *slog.Logger

	// mu guards the lifecycle state and the lazily created subsystems.
	mu          sync.Mutex
	initialized bool
	shutdown    bool
	closed      bool
	teardown    []func()

	adapter  driver.Adapter
	native   driver.Device
	families []driver.QueueFamily
	queues   map[uint32]driver.Queue
	graphics uint32

	features FeatureSet
	limits   LimitSet
	formats  map[gputypes.TextureFormat]format.Capability

	allocator    *memory.Allocator
	stagingPool  *memory.Pool
	constantPool *memory.Pool
	uploadPool   *memory.Pool

	renderPasses   *cache.ObjectCache[*RenderPass]
	framebuffers   *cache.ObjectCache[*Framebuffer]
	samplers       *cache.ObjectCache[*Sampler]
	setLayouts     *cache.ObjectCache[*DescriptorSetLayout]
	pipeLayouts    *cache.ObjectCache[*PipelineLayout]
	bufferReqs     *cache.ShardedCache[uint64, driver.MemoryRequirements]
	imageReqs      *cache.ShardedCache[uint64, driver.MemoryRequirements]
	cmdlists       *cmdlist.Allocator
	semaphores     *syncobj.SemaphoreAllocator
	fences         *syncobj.FenceAllocator
	releases       *release.Queue
	frameFences    [][]driver.Handle // [slot][family position]
	frame          atomic.Uint64
	bindlessPool   *bindless.Pool
	nullDescriptor *bindless.NullDescriptorManager
	uploads        *upload.Queue
}

// New creates an uninitialized device.
func New(opts ...Option) (*Device, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &Device{cfg: cfg, logger: cfg.Logger}, nil
}

// Config returns the normalized configuration.
func (d *Device) Config() Config { return d.cfg }

// Logger returns the device logger.
func (d *Device) Logger() *slog.Logger { return d.logger }

func (d *Device) component(name string) *slog.Logger {
	return d.logger.With("component", name)
}

// Init negotiates features with adapter, creates the native device and
// every device-scoped subsystem. On failure everything built so far is torn
// down in reverse order and Init may be retried.
func (d *Device) Init(adapter driver.Adapter) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.closed || d.shutdown:
		return errors.AssertionFailedf("rhi: Init after shutdown")
	case d.initialized:
		return errors.AssertionFailedf("rhi: device already initialized")
	case adapter == nil:
		return driver.Errorf(driver.ErrInvalidArgument, "rhi: nil adapter")
	}

	defer func() {
		if err != nil {
			d.unwindLocked()
		}
	}()

	families := adapter.QueueFamilies()
	graphics := slices.IndexFunc(families, func(f driver.QueueFamily) bool {
		return f.Classes.Has(driver.QueueGraphics)
	})
	if graphics < 0 {
		return driver.Errorf(driver.ErrUnsupported, "rhi: adapter %q has no graphics queue", adapter.Info().Name)
	}

	fs, err := feature.Negotiate(adapter, feature.Request{
		Required:  d.cfg.RequiredFeatures,
		Disabled:  d.cfg.DisabledFeatures,
		Providers: d.cfg.ExtensionProviders,
		Logger:    d.component("feature"),
	})
	if err != nil {
		return err
	}

	queues := make([]driver.QueueRequest, len(families))
	for i, f := range families {
		queues[i] = driver.QueueRequest{Family: f.Index, Count: 1}
	}
	native, err := adapter.CreateDevice(&driver.DeviceCreateInfo{
		Queues:     queues,
		Extensions: fs.Extensions,
		Features:   fs.Enabled,
	})
	if err != nil {
		return errors.Wrapf(err, "rhi: create device on %q", adapter.Info().Name)
	}
	d.adapter, d.native, d.families, d.features = adapter, native, families, fs
	d.graphics = families[graphics].Index

	d.queues = make(map[uint32]driver.Queue, len(families))
	for _, f := range families {
		q, err := native.Queue(f.Index, 0)
		if err != nil {
			return errors.Wrapf(err, "rhi: queue of family %d", f.Index)
		}
		d.queues[f.Index] = q
	}

	if err := d.initializeLimits(); err != nil {
		return err
	}

	d.initialized = true
	info := adapter.Info()
	d.logger.Info("device initialized",
		"adapter", info.Name,
		"api", info.APIVersion.String(),
		"families", len(families),
		"features", fs.Enabled.String(),
		"extensions", len(fs.Extensions),
		"shading_rate", fs.ShadingRate.String(),
		"bindless", d.bindlessPool != nil)
	return nil
}

// initializeLimits builds every subsystem that depends on the negotiated
// features. Each step registers its teardown.
func (d *Device) initializeLimits() error {
	d.limits = feature.NewLimitSet(d.adapter.Limits(), d.features)
	d.formats = format.FillCapabilities(d.adapter, format.Known, d.features.ShadingRate)

	alloc, err := memory.New(memory.Config{
		Device:       d.native,
		Properties:   d.adapter.MemoryProperties(),
		DriverBudget: d.features.MemoryBudget,
		Logger:       d.component("memory"),
	})
	if err != nil {
		return errors.Wrap(err, "rhi: memory allocator")
	}
	d.allocator = alloc
	d.onTeardown(func() { alloc.Close(); d.allocator = nil })

	if d.stagingPool, err = alloc.CreatePool(memory.PoolConfig{
		Name:     "staging",
		Required: driver.MemoryHostVisible | driver.MemoryHostCoherent,
		Budget:   d.cfg.StagingPoolBudget,
	}); err != nil {
		return errors.Wrap(err, "rhi: staging pool")
	}
	if d.constantPool, err = alloc.CreatePool(memory.PoolConfig{
		Name:      "constant",
		Required:  driver.MemoryHostVisible,
		Preferred: driver.MemoryDeviceLocal,
		Budget:    d.cfg.ConstantPoolBudget,
	}); err != nil {
		return errors.Wrap(err, "rhi: constant pool")
	}

	d.releases = release.New(d.cfg.ReleaseLatency, d.component("release"))
	d.onTeardown(func() {
		n := d.releases.Close()
		d.logger.Debug("release queue drained", "destroyed", n)
	})

	d.frameFences = make([][]driver.Handle, 0, d.cfg.FrameCountMax)
	d.onTeardown(func() {
		for _, slot := range d.frameFences {
			for _, f := range slot {
				d.native.Destroy(driver.KindFence, f)
			}
		}
		d.frameFences = nil
	})
	for range d.cfg.FrameCountMax {
		slot := make([]driver.Handle, 0, len(d.families))
		for range d.families {
			// Signaled so the first lap of BeginFrame does not wait.
			f, err := d.native.CreateFence(true)
			if err != nil {
				d.frameFences = append(d.frameFences, slot)
				return errors.Wrap(err, "rhi: frame fence")
			}
			slot = append(slot, f)
		}
		d.frameFences = append(d.frameFences, slot)
	}

	if d.cmdlists, err = cmdlist.New(d.native, d.cfg.FrameCountMax, len(d.families), d.component("cmdlist")); err != nil {
		return err
	}
	d.onTeardown(d.cmdlists.Shutdown)

	syncLatency := uint64(d.cfg.FrameCountMax - 1)
	d.semaphores = syncobj.NewSemaphoreAllocator(d.native, syncLatency, d.component("semaphore"))
	d.onTeardown(d.semaphores.Shutdown)
	d.fences = syncobj.NewFenceAllocator(d.native, syncLatency, d.component("fence"))
	d.onTeardown(d.fences.Shutdown)

	d.initCaches()
	d.onTeardown(d.clearCaches)

	if d.features.Bindless {
		p, err := bindless.New(bindless.Config{
			Device:     d.native,
			Limits:     d.limits,
			SetIndex:   d.cfg.BindlessSetIndex,
			MaxPerType: d.cfg.BindlessMaxPerType,
			Logger:     d.component("bindless"),
		})
		if err != nil {
			d.logger.Warn("bindless disabled", "err", err)
		} else {
			d.bindlessPool = p
			d.onTeardown(func() { p.Close(); d.bindlessPool = nil })
		}
	} else {
		d.logger.Warn("bindless disabled", "reason", "descriptor indexing not negotiated")
	}
	return nil
}

func (d *Device) onTeardown(f func()) {
	d.teardown = append(d.teardown, f)
}

// runTeardownLocked runs the registered teardown steps in reverse order.
func (d *Device) runTeardownLocked() {
	for i := len(d.teardown) - 1; i >= 0; i-- {
		d.teardown[i]()
	}
	d.teardown = nil
}

// unwindLocked undoes a failed Init.
func (d *Device) unwindLocked() {
	d.runTeardownLocked()
	if d.native != nil {
		d.native.Close()
	}
	d.adapter, d.native, d.families, d.queues = nil, nil, nil, nil
	d.features, d.limits, d.formats = FeatureSet{}, LimitSet{}, nil
	d.stagingPool, d.constantPool, d.uploadPool = nil, nil, nil
	d.renderPasses, d.framebuffers, d.samplers, d.setLayouts, d.pipeLayouts = nil, nil, nil, nil, nil
	d.bufferReqs, d.imageReqs = nil, nil
	d.cmdlists, d.semaphores, d.fences, d.releases = nil, nil, nil, nil
	d.frame.Store(0)
}

// requireInit returns an assertion failure unless the device is usable.
func (d *Device) requireInit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized || d.shutdown {
		return errors.AssertionFailedf("rhi: device not initialized")
	}
	return nil
}

// Initialized reports whether Init succeeded and PreShutdown has not run.
func (d *Device) Initialized() bool {
	return d.requireInit() == nil
}

// PreShutdown waits for the GPU and releases everything the device created:
// the upload queue, null descriptors, caches, bindless pool and pools. The
// release queue is force-collected. Close must follow.
func (d *Device) PreShutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized || d.shutdown {
		return
	}
	if err := d.native.WaitIdle(); err != nil {
		d.logger.Error("wait idle before shutdown", "err", err)
	}
	d.runTeardownLocked()
	d.shutdown = true
	d.logger.Info("device shut down", "frames", d.frame.Load())
}

// Close destroys the native device. It runs PreShutdown first if needed.
func (d *Device) Close() {
	d.PreShutdown()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if d.native != nil {
		d.native.Close()
	}
	d.closed = true
}

// Native returns the native device, nil before Init.
func (d *Device) Native() driver.Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.native
}

// Adapter returns the adapter the device was initialized on.
func (d *Device) Adapter() driver.Adapter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.adapter
}

// GetQueueFamilyProperties returns the queue families of the adapter.
func (d *Device) GetQueueFamilyProperties() []QueueFamily {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.families)
}

// Queue returns the queue of family, or nil.
func (d *Device) Queue(family uint32) driver.Queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queues[family]
}

// Features returns the negotiated feature set.
func (d *Device) Features() FeatureSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.features
}

// Limits returns the limits adjusted for the negotiated features.
func (d *Device) Limits() LimitSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limits
}

// FormatCapabilities returns what f can be used for on this device.
func (d *Device) FormatCapabilities(f gputypes.TextureFormat) FormatCapability {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.formats[f]
}

// ConvertShadingRate encodes rate for the negotiated shading-rate mode.
// It fails with ErrUnsupported when neither shading-rate attachments nor
// fragment density maps are enabled.
func (d *Device) ConvertShadingRate(rate ShadingRate) ([]byte, error) {
	return format.ConvertShadingRate(d.Features().ShadingRate, rate)
}

// ShadingRateImageFormat returns the format of shading-rate images, or
// TextureFormatUndefined.
func (d *Device) ShadingRateImageFormat() gputypes.TextureFormat {
	return format.ShadingRateImageFormat(d.Features().ShadingRate)
}

// familyFor returns the first family supporting class.
func (d *Device) familyFor(class driver.QueueClass) (uint32, bool) {
	for _, f := range d.families {
		if f.Classes.Has(class) {
			return f.Index, true
		}
	}
	return 0, false
}
