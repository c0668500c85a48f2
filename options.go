package rhi

import (
	"log/slog"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/driver"
	"github.com/gogpu/rhi/internal/bindless"
	"github.com/gogpu/rhi/internal/cache"
	"github.com/gogpu/rhi/internal/feature"
	"github.com/gogpu/rhi/internal/upload"
)

// Default configuration values.
const (
	DefaultFrameCountMax       = 3
	DefaultStagingPoolBudget   = 256 << 20
	DefaultConstantPoolBudget  = 64 << 20
	DefaultUploadStagingBudget = 64 << 20
	DefaultUploadInFlight      = upload.DefaultMaxInFlight
	DefaultBindlessSetIndex    = 1
	DefaultFrameWaitTimeout    = 5 * time.Second

	maxFrameCount = 16
)

// UploadPolicy selects what an upload does when staging space runs out.
type UploadPolicy = upload.Policy

const (
	UploadBlock  = upload.PolicyBlock
	UploadReject = upload.PolicyReject
)

// CacheCapacities bounds the object caches. Values are entry counts.
type CacheCapacities struct {
	RenderPass          int
	Framebuffer         int
	DescriptorSetLayout int
	Sampler             int
	PipelineLayout      int
	// MemoryRequirements is the per-shard capacity of each requirement
	// cache.
	MemoryRequirements int
}

// DefaultCacheCapacities returns the default cache bounds.
func DefaultCacheCapacities() CacheCapacities {
	return CacheCapacities{
		RenderPass:          5000,
		Framebuffer:         1000,
		DescriptorSetLayout: 2000,
		Sampler:             500,
		PipelineLayout:      2000,
		MemoryRequirements:  cache.DefaultCapacity,
	}
}

// Config holds Device configuration. Build it with options passed to New.
type Config struct {
	// FrameCountMax is the number of frames the CPU may run ahead.
	FrameCountMax int
	// ReleaseLatency is the number of frames a released object survives.
	// It defaults to FrameCountMax-1.
	ReleaseLatency uint64
	Caches         CacheCapacities

	StagingPoolBudget   uint64
	ConstantPoolBudget  uint64
	UploadStagingBudget uint64
	UploadInFlight      int
	UploadPolicy        UploadPolicy

	ExtensionProviders []feature.ExtensionProvider
	RequiredFeatures   driver.Feature
	DisabledFeatures   driver.Feature

	BindlessSetIndex   uint32
	BindlessMaxPerType uint32

	SurfaceFormat gputypes.TextureFormat
	// FrameWaitTimeout bounds the wait for a frame slot in BeginFrame.
	FrameWaitTimeout time.Duration
	Logger           *slog.Logger

	latencySet bool
}

// DefaultConfig returns the configuration New starts from.
func DefaultConfig() Config {
	return Config{
		FrameCountMax:       DefaultFrameCountMax,
		Caches:              DefaultCacheCapacities(),
		StagingPoolBudget:   DefaultStagingPoolBudget,
		ConstantPoolBudget:  DefaultConstantPoolBudget,
		UploadStagingBudget: DefaultUploadStagingBudget,
		UploadInFlight:      DefaultUploadInFlight,
		UploadPolicy:        UploadBlock,
		ExtensionProviders:  []feature.ExtensionProvider{feature.SwapchainProvider},
		BindlessSetIndex:    DefaultBindlessSetIndex,
		BindlessMaxPerType:  bindless.DefaultMaxPerType,
		SurfaceFormat:       gputypes.TextureFormatBGRA8Unorm,
		FrameWaitTimeout:    DefaultFrameWaitTimeout,
	}
}

// normalize fills derived defaults and validates c.
func (c *Config) normalize() error {
	if c.FrameCountMax < 1 || c.FrameCountMax > maxFrameCount {
		return driver.Errorf(driver.ErrInvalidArgument, "rhi: frame count %d outside [1, %d]", c.FrameCountMax, maxFrameCount)
	}
	if !c.latencySet {
		c.ReleaseLatency = uint64(c.FrameCountMax - 1)
	}
	caps := []struct {
		name string
		n    int
	}{
		{"render pass", c.Caches.RenderPass},
		{"framebuffer", c.Caches.Framebuffer},
		{"descriptor set layout", c.Caches.DescriptorSetLayout},
		{"sampler", c.Caches.Sampler},
		{"pipeline layout", c.Caches.PipelineLayout},
		{"memory requirements", c.Caches.MemoryRequirements},
	}
	for _, cc := range caps {
		if cc.n <= 0 {
			return driver.Errorf(driver.ErrInvalidArgument, "rhi: %s cache capacity %d", cc.name, cc.n)
		}
	}
	if c.StagingPoolBudget == 0 || c.ConstantPoolBudget == 0 || c.UploadStagingBudget == 0 {
		return driver.Errorf(driver.ErrInvalidArgument, "rhi: memory budgets must be non-zero")
	}
	if c.UploadInFlight <= 0 {
		return driver.Errorf(driver.ErrInvalidArgument, "rhi: upload in-flight count %d", c.UploadInFlight)
	}
	if c.UploadPolicy != UploadBlock && c.UploadPolicy != UploadReject {
		return driver.Errorf(driver.ErrInvalidArgument, "rhi: unknown upload policy %d", c.UploadPolicy)
	}
	if c.RequiredFeatures&c.DisabledFeatures != 0 {
		return driver.Errorf(driver.ErrInvalidArgument, "rhi: features both required and disabled: %s",
			c.RequiredFeatures&c.DisabledFeatures)
	}
	if c.FrameWaitTimeout <= 0 {
		c.FrameWaitTimeout = DefaultFrameWaitTimeout
	}
	if c.Logger == nil {
		c.Logger = Logger()
	}
	return nil
}

// Option configures a Device during creation.
//
// Example:
//
//	dev, err := rhi.New(
//	    rhi.WithFrameCountMax(2),
//	    rhi.WithUploadPolicy(rhi.UploadReject),
//	)
type Option func(*Config)

// WithFrameCountMax sets the number of frames in flight.
func WithFrameCountMax(n int) Option {
	return func(c *Config) {
		c.FrameCountMax = n
	}
}

// WithReleaseLatency sets how many frames a released object survives
// before its native object is destroyed.
func WithReleaseLatency(frames uint64) Option {
	return func(c *Config) {
		c.ReleaseLatency = frames
		c.latencySet = true
	}
}

// WithCacheCapacities replaces the object cache bounds.
func WithCacheCapacities(caps CacheCapacities) Option {
	return func(c *Config) {
		c.Caches = caps
	}
}

// WithStagingBudget sets the byte budgets of the staging pool and of the
// async upload queue.
func WithStagingBudget(pool, upload uint64) Option {
	return func(c *Config) {
		c.StagingPoolBudget = pool
		c.UploadStagingBudget = upload
	}
}

// WithConstantBudget sets the byte budget of the constant pool.
func WithConstantBudget(budget uint64) Option {
	return func(c *Config) {
		c.ConstantPoolBudget = budget
	}
}

// WithUploadPolicy sets the staging exhaustion policy of the upload queue.
func WithUploadPolicy(p UploadPolicy) Option {
	return func(c *Config) {
		c.UploadPolicy = p
	}
}

// WithUploadInFlight sets how many upload batches may be on the GPU.
func WithUploadInFlight(n int) Option {
	return func(c *Config) {
		c.UploadInFlight = n
	}
}

// WithExtensionProvider registers a subsystem that requests device
// extensions. Providers are consulted once, during Init.
func WithExtensionProvider(p feature.ExtensionProvider) Option {
	return func(c *Config) {
		c.ExtensionProviders = append(c.ExtensionProviders, p)
	}
}

// WithRequiredFeatures makes Init fail unless every feature in f is
// negotiated.
func WithRequiredFeatures(f driver.Feature) Option {
	return func(c *Config) {
		c.RequiredFeatures |= f
	}
}

// WithDisabledFeatures keeps the features in f off even when supported.
func WithDisabledFeatures(f driver.Feature) Option {
	return func(c *Config) {
		c.DisabledFeatures |= f
	}
}

// WithBindless sets the descriptor set index of the global bindless set and
// the cap applied to each of its arrays.
func WithBindless(setIndex, maxPerType uint32) Option {
	return func(c *Config) {
		c.BindlessSetIndex = setIndex
		c.BindlessMaxPerType = maxPerType
	}
}

// WithSurfaceFormat sets the format reported to gpucontext consumers.
func WithSurfaceFormat(f gputypes.TextureFormat) Option {
	return func(c *Config) {
		c.SurfaceFormat = f
	}
}

// WithFrameWaitTimeout bounds how long BeginFrame waits for a frame slot.
func WithFrameWaitTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.FrameWaitTimeout = d
	}
}

// WithLogger sets the device logger. By default the device uses Logger()
// as of New.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}
