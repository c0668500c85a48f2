package rhi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/driver"
	"github.com/gogpu/rhi/driver/mock"
	"github.com/gogpu/rhi/internal/format"
)

var allKinds = []driver.ObjectKind{
	driver.KindMemory,
	driver.KindBuffer,
	driver.KindImage,
	driver.KindRenderPass,
	driver.KindFramebuffer,
	driver.KindSampler,
	driver.KindDescriptorSetLayout,
	driver.KindPipelineLayout,
	driver.KindDescriptorPool,
	driver.KindCommandPool,
	driver.KindFence,
	driver.KindSemaphore,
}

// newTestDevice initializes a Device on a mock adapter and closes it when
// the test ends.
func newTestDevice(t *testing.T, cfg mock.Config, opts ...Option) (*Device, *mock.Device) {
	t.Helper()
	a := mock.NewAdapter(cfg)
	d, err := New(opts...)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Init(a); err != nil {
		t.Fatalf("Init: %v", err)
	}
	native := d.Native().(*mock.Device)
	t.Cleanup(func() {
		native.HoldFences(false)
		d.Close()
	})
	return d, native
}

func colorPass() *RenderPassDesc {
	return &RenderPassDesc{
		Colors: []driver.AttachmentDesc{{Format: gputypes.TextureFormatRGBA8Unorm, Samples: 1}},
	}
}

func TestEndToEndMockDevice(t *testing.T) {
	a := mock.NewAdapter(mock.DefaultConfig())
	d, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if got := Result(d.Init(a)); got != Success {
		t.Fatalf("Init result = %s", got)
	}
	if n := len(d.GetQueueFamilyProperties()); n != 2 {
		t.Errorf("queue families = %d, want 2", n)
	}
	fs := d.Features()
	if fs.PipelineShadingRate || fs.AttachmentShadingRate || fs.FragmentDensityMap {
		t.Errorf("shading rate features enabled on plain adapter: %+v", fs)
	}
	if d.ShadingRateImageFormat() != gputypes.TextureFormatUndefined {
		t.Errorf("ShadingRateImageFormat = %v", d.ShadingRateImageFormat())
	}

	rp1, err := d.AcquireRenderPass(colorPass())
	if err != nil {
		t.Fatal(err)
	}
	rp2, err := d.AcquireRenderPass(colorPass())
	if err != nil {
		t.Fatal(err)
	}
	if rp1 != rp2 {
		t.Error("identical descriptors returned different render passes")
	}
	native := d.Native().(*mock.Device)
	if n := native.Created(driver.KindRenderPass); n != 1 {
		t.Errorf("native render passes created = %d, want 1", n)
	}
	if rc := rp1.RefCount(); rc != 3 {
		t.Errorf("RefCount = %d, want 3 (cache + two callers)", rc)
	}
	rp1.Release()
	rp2.Release()
}

func TestInitErrors(t *testing.T) {
	d, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if got := Result(d.Init(nil)); got != InvalidArgument {
		t.Errorf("nil adapter = %s", got)
	}

	cfg := mock.DefaultConfig()
	cfg.Families = []driver.QueueFamily{{Index: 0, Count: 1, Classes: driver.QueueCompute | driver.QueueCopy}}
	if err := d.Init(mock.NewAdapter(cfg)); !errors.Is(err, ErrUnsupported) {
		t.Errorf("no graphics family = %v", err)
	}

	needy, err := New(WithRequiredFeatures(driver.FeatureGeometryShader))
	if err != nil {
		t.Fatal(err)
	}
	if got := Result(needy.Init(mock.NewAdapter(mock.DefaultConfig()))); got != Unsupported {
		t.Errorf("missing required feature = %s", got)
	}

	ok, _ := newTestDevice(t, mock.DefaultConfig())
	err = ok.Init(mock.NewAdapter(mock.DefaultConfig()))
	if !errors.IsAssertionFailure(err) || Result(err) != InvalidArgument {
		t.Errorf("double Init = %v", err)
	}
}

func TestInitUnwindsOnFailure(t *testing.T) {
	for _, op := range []string{"CreateDevice", "CreateFence"} {
		t.Run(op, func(t *testing.T) {
			a := mock.NewAdapter(mock.DefaultConfig())
			a.FailNext(op, nil)

			d, err := New()
			if err != nil {
				t.Fatal(err)
			}
			if err := d.Init(a); !errors.Is(err, ErrFailed) {
				t.Fatalf("Init = %v, want ErrFailed", err)
			}
			if d.Initialized() {
				t.Fatal("device initialized after failure")
			}
			for _, native := range a.Devices() {
				if !native.Closed() {
					t.Error("native device left open")
				}
				for _, k := range allKinds {
					if n := native.Live(k); n != 0 {
						t.Errorf("%d live %s after unwind", n, k)
					}
				}
			}

			if err := d.Init(a); err != nil {
				t.Fatalf("retry Init = %v", err)
			}
			d.Close()
		})
	}
}

func TestBindlessFailureIsNotFatal(t *testing.T) {
	cfg := mock.DefaultConfig().WithBindless(false)
	a := mock.NewAdapter(cfg)
	a.FailNext("CreateDescriptorPool", nil)

	d, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if err := d.Init(a); err != nil {
		t.Fatal(err)
	}
	if d.BindlessPool() != nil {
		t.Error("bindless pool created despite failure")
	}
	if _, err := d.AttachBindless(BindlessSampler, driver.Handle(1)); !errors.Is(err, ErrUnsupported) {
		t.Errorf("AttachBindless = %v", err)
	}
	native := a.Devices()[0]
	if n := native.Live(driver.KindDescriptorSetLayout); n != 0 {
		t.Errorf("%d set layouts survive the failed bindless setup", n)
	}
	if m := native.Misuse(); len(m) != 0 {
		t.Errorf("misuse: %v", m)
	}
}

func TestReleaseLatency(t *testing.T) {
	d, native := newTestDevice(t, mock.DefaultConfig(), WithFrameCountMax(3))
	if d.Config().ReleaseLatency != 2 {
		t.Fatalf("ReleaseLatency = %d", d.Config().ReleaseLatency)
	}

	buf, err := d.CreateBuffer(&BufferDesc{Size: 256, Usage: gputypes.BufferUsageStorage},
		AllocationInfo{Required: driver.MemoryDeviceLocal})
	if err != nil {
		t.Fatal(err)
	}
	h := buf.Handle()
	buf.Release()

	for frame := 1; frame <= 3; frame++ {
		if err := d.BeginFrame(); err != nil {
			t.Fatal(err)
		}
		if live, want := native.IsLive(h), frame < 3; live != want {
			t.Fatalf("frame %d: buffer live = %v, want %v", frame, live, want)
		}
		if err := d.EndFrame(); err != nil {
			t.Fatal(err)
		}
	}
	if d.FrameIndex() != 3 {
		t.Errorf("FrameIndex = %d", d.FrameIndex())
	}
}

func TestBeginFrameWaitsForGPU(t *testing.T) {
	d, native := newTestDevice(t, mock.DefaultConfig(),
		WithFrameCountMax(2), WithFrameWaitTimeout(20*time.Millisecond))
	native.HoldFences(true)

	for range 2 {
		if err := d.BeginFrame(); err != nil {
			t.Fatal(err)
		}
		if err := d.EndFrame(); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.BeginFrame(); !errors.Is(err, ErrFailed) {
		t.Fatalf("BeginFrame with busy slot = %v, want ErrFailed", err)
	}
	native.CompleteAll()
	if err := d.BeginFrame(); err != nil {
		t.Fatalf("BeginFrame after completion = %v", err)
	}
	if m := native.Misuse(); len(m) != 0 {
		t.Errorf("misuse: %v", m)
	}
}

func TestBeginFrameWaitsForEveryQueue(t *testing.T) {
	d, native := newTestDevice(t, mock.DefaultConfig(),
		WithFrameCountMax(2), WithFrameWaitTimeout(20*time.Millisecond))
	native.HoldFences(true)

	if err := d.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	cl, err := d.AcquireCommandListForFamily(1, driver.LevelPrimary)
	if err != nil {
		t.Fatal(err)
	}
	if err := native.BeginCommandBuffer(cl.Handle); err != nil {
		t.Fatal(err)
	}
	if err := native.EndCommandBuffer(cl.Handle); err != nil {
		t.Fatal(err)
	}
	if err := d.Queue(1).Submit(&driver.SubmitInfo{CommandBuffers: []driver.Handle{cl.Handle}}); err != nil {
		t.Fatal(err)
	}
	if err := d.EndFrame(); err != nil {
		t.Fatal(err)
	}
	if err := d.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	if err := d.EndFrame(); err != nil {
		t.Fatal(err)
	}

	// The graphics queue is done but the copy queue still runs frame 0.
	native.CompleteQueue(0)
	if err := d.BeginFrame(); !errors.Is(err, ErrFailed) {
		t.Fatalf("BeginFrame with a busy copy queue = %v, want ErrFailed", err)
	}
	native.CompleteQueue(1)
	if err := d.BeginFrame(); err != nil {
		t.Fatalf("BeginFrame after every queue finished = %v", err)
	}
	if m := native.Misuse(); len(m) != 0 {
		t.Errorf("misuse: %v", m)
	}
}

func TestCommandListsRecycledPerSlot(t *testing.T) {
	d, native := newTestDevice(t, mock.DefaultConfig(), WithFrameCountMax(2))

	var handles []driver.Handle
	for range 4 {
		if err := d.BeginFrame(); err != nil {
			t.Fatal(err)
		}
		cl, err := d.AcquireCommandList(driver.QueueGraphics, driver.LevelPrimary)
		if err != nil {
			t.Fatal(err)
		}
		if cl.Family != 0 {
			t.Errorf("graphics list on family %d", cl.Family)
		}
		handles = append(handles, cl.Handle)
		if err := d.EndFrame(); err != nil {
			t.Fatal(err)
		}
	}
	if handles[0] == handles[1] {
		t.Error("consecutive frames share a command list")
	}
	if handles[2] != handles[0] || handles[3] != handles[1] {
		t.Errorf("command lists not recycled per slot: %v", handles)
	}

	copyList, err := d.AcquireCommandList(driver.QueueCopy, driver.LevelSecondary)
	if err != nil {
		t.Fatal(err)
	}
	if copyList.Family != 0 {
		t.Errorf("first copy-capable family = %d, want 0", copyList.Family)
	}
	if _, err := d.AcquireCommandListForFamily(9, driver.LevelPrimary); !errors.IsAssertionFailure(err) {
		t.Errorf("unknown family = %v", err)
	}
	if m := native.Misuse(); len(m) != 0 {
		t.Errorf("misuse: %v", m)
	}
}

func TestSyncObjectsRecycled(t *testing.T) {
	d, native := newTestDevice(t, mock.DefaultConfig(), WithFrameCountMax(2))

	sem, err := d.AcquireSemaphore()
	if err != nil {
		t.Fatal(err)
	}
	if err := d.ReleaseSemaphore(sem); err != nil {
		t.Fatal(err)
	}
	fence, err := d.AcquireFence()
	if err != nil {
		t.Fatal(err)
	}
	if err := d.ReleaseFence(fence); err != nil {
		t.Fatal(err)
	}
	if err := d.WaitForIdle(); err != nil {
		t.Fatal(err)
	}

	sem2, _ := d.AcquireSemaphore()
	fence2, _ := d.AcquireFence()
	if sem2 != sem || fence2 != fence {
		t.Errorf("sync objects not reused: sem %d->%d fence %d->%d", sem, sem2, fence, fence2)
	}
	if n := native.Created(driver.KindSemaphore); n != 1 {
		t.Errorf("semaphores created = %d", n)
	}
	if err := d.ReleaseFence(driver.Handle(999999)); !errors.IsAssertionFailure(err) {
		t.Errorf("foreign fence release = %v", err)
	}
}

func TestCacheEvictionReleasesThroughQueue(t *testing.T) {
	caps := DefaultCacheCapacities()
	caps.Sampler = 1
	d, native := newTestDevice(t, mock.DefaultConfig(), WithCacheCapacities(caps))

	s1, err := d.AcquireSampler(&SamplerDesc{MagLinear: true})
	if err != nil {
		t.Fatal(err)
	}
	h1 := s1.Handle()
	s1.Release()

	s2, err := d.AcquireSampler(&SamplerDesc{MinLinear: true})
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Release()
	if s2.Handle() == h1 {
		t.Fatal("distinct descriptors share a sampler")
	}
	if !native.IsLive(h1) {
		t.Fatal("evicted sampler destroyed before the release latency")
	}
	if err := d.WaitForIdle(); err != nil {
		t.Fatal(err)
	}
	if native.IsLive(h1) {
		t.Error("evicted sampler still alive after WaitForIdle")
	}
	if _, err := d.AcquireSampler(&SamplerDesc{MaxAnisotropy: 1000}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("anisotropy above limit = %v", err)
	}
}

func TestCacheKeepsObjectsInUse(t *testing.T) {
	caps := DefaultCacheCapacities()
	caps.RenderPass = 1
	d, native := newTestDevice(t, mock.DefaultConfig(), WithCacheCapacities(caps))

	held, err := d.AcquireRenderPass(colorPass())
	if err != nil {
		t.Fatal(err)
	}
	other, err := d.AcquireRenderPass(&RenderPassDesc{
		Colors: []driver.AttachmentDesc{{Format: gputypes.TextureFormatBGRA8Unorm, Samples: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.WaitForIdle(); err != nil {
		t.Fatal(err)
	}
	if !native.IsLive(held.Handle()) || !native.IsLive(other.Handle()) {
		t.Error("render pass in use was destroyed")
	}

	again, err := d.AcquireRenderPass(colorPass())
	if err != nil {
		t.Fatal(err)
	}
	if again != held {
		t.Error("in-use render pass was evicted from the cache")
	}
	held.Release()
	again.Release()
	other.Release()
}

func TestFramebufferAndLayouts(t *testing.T) {
	d, native := newTestDevice(t, mock.DefaultConfig())

	rp, err := d.AcquireRenderPass(colorPass())
	if err != nil {
		t.Fatal(err)
	}
	defer rp.Release()
	img, err := d.CreateImage(&ImageDesc{
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Width:         64,
		Height:        64,
		DepthOrLayers: 1,
		MipLevels:     1,
		Samples:       1,
		Usage:         gputypes.TextureUsageRenderAttachment,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer img.Release()

	fbDesc := &FramebufferDesc{
		RenderPass:  rp.Handle(),
		Attachments: []driver.Handle{img.Handle()},
		Width:       64,
		Height:      64,
		Layers:      1,
	}
	fb1, err := d.AcquireFramebuffer(fbDesc)
	if err != nil {
		t.Fatal(err)
	}
	fbDesc.Label = "renamed"
	fb2, err := d.AcquireFramebuffer(fbDesc)
	if err != nil {
		t.Fatal(err)
	}
	if fb1 != fb2 {
		t.Error("label changed the framebuffer cache key")
	}
	fb1.Release()
	fb2.Release()

	setDesc := &DescriptorSetLayoutDesc{
		Bindings: []driver.DescriptorBinding{{Binding: 0, Type: driver.DescriptorUniformBuffer, Count: 1}},
	}
	sl, err := d.AcquireDescriptorSetLayout(setDesc)
	if err != nil {
		t.Fatal(err)
	}
	defer sl.Release()
	pl, err := d.AcquirePipelineLayout(&PipelineLayoutDesc{SetLayouts: []driver.Handle{sl.Handle()}})
	if err != nil {
		t.Fatal(err)
	}
	pl.Release()

	stats := d.CacheStats()
	if stats["framebuffer"].Hits != 1 {
		t.Errorf("framebuffer cache stats = %+v", stats["framebuffer"])
	}
	if n := native.Live(driver.KindPipelineLayout); n != 1 {
		t.Errorf("live pipeline layouts = %d", n)
	}
}

func TestObjectReleaseBelowZeroPanics(t *testing.T) {
	d, _ := newTestDevice(t, mock.DefaultConfig())
	buf, err := d.CreateBuffer(&BufferDesc{Size: 64, Usage: gputypes.BufferUsageUniform},
		AllocationInfo{Required: driver.MemoryHostVisible})
	if err != nil {
		t.Fatal(err)
	}
	buf.Release()

	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.IsAssertionFailure(err) {
			t.Errorf("recover() = %v, want assertion failure", r)
		}
	}()
	buf.Release()
}

func TestQueueForRelease(t *testing.T) {
	d, _ := newTestDevice(t, mock.DefaultConfig())
	called := false
	if err := d.QueueForRelease(func() { called = true }); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Fatal("release ran immediately")
	}
	if err := d.WaitForIdle(); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("release did not run after WaitForIdle")
	}
	if err := d.QueueForRelease(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("nil release = %v", err)
	}
}

func TestBufferWrite(t *testing.T) {
	d, native := newTestDevice(t, mock.DefaultConfig())

	buf, err := d.CreateBuffer(&BufferDesc{Size: 16, Usage: gputypes.BufferUsageUniform},
		AllocationInfo{Required: driver.MemoryHostVisible | driver.MemoryHostCoherent})
	if err != nil {
		t.Fatal(err)
	}
	defer buf.Release()
	if err := buf.Write(4, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	got, err := native.ReadBuffer(buf.Handle(), 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("ReadBuffer = %v", got)
	}
	if err := buf.Write(14, []byte{1, 2, 3, 4}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("overflowing write = %v", err)
	}

	local, err := d.CreateBuffer(&BufferDesc{Size: 16, Usage: gputypes.BufferUsageStorage},
		AllocationInfo{Required: driver.MemoryDeviceLocal})
	if err != nil {
		t.Fatal(err)
	}
	defer local.Release()
	if local.Allocation.Properties().Has(driver.MemoryHostVisible) {
		t.Skip("allocator picked host-visible device memory")
	}
	if err := local.Write(0, []byte{1}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("write to device-local memory = %v", err)
	}
}

func TestStagingBuffer(t *testing.T) {
	d, _ := newTestDevice(t, mock.DefaultConfig(), WithStagingBudget(4096, DefaultUploadStagingBudget))

	buf := d.AcquireStagingBuffer(1000, 512)
	if buf == nil {
		t.Fatal("AcquireStagingBuffer returned nil")
	}
	if buf.Allocation.Offset%512 != 0 {
		t.Errorf("offset %d not aligned to 512", buf.Allocation.Offset)
	}
	if err := buf.Write(0, make([]byte, 1000)); err != nil {
		t.Errorf("Write = %v", err)
	}
	if big := d.AcquireStagingBuffer(8192, 0); big != nil {
		t.Error("staging buffer above the pool budget")
	}
	buf.Release()
}

func TestConstantBuffer(t *testing.T) {
	d, native := newTestDevice(t, mock.DefaultConfig(), WithConstantBudget(4096))

	buf, err := d.AcquireConstantBuffer(200, 0)
	if err != nil {
		t.Fatal(err)
	}
	if buf.Desc.Usage&gputypes.BufferUsageUniform == 0 {
		t.Errorf("constant buffer usage = %v", buf.Desc.Usage)
	}
	if got := d.constantPool.Used(); got == 0 {
		t.Error("constant buffer not allocated from the constant pool")
	}
	if !buf.Allocation.Properties().Has(driver.MemoryHostVisible | driver.MemoryDeviceLocal) {
		t.Errorf("constant memory = %s, want host-visible device-local", buf.Allocation.Properties())
	}
	if err := buf.Write(0, make([]byte, 200)); err != nil {
		t.Errorf("Write = %v", err)
	}
	if _, err := d.AcquireConstantBuffer(8192, 0); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("constant buffer above the pool budget = %v, want ErrOutOfMemory", err)
	}

	h := buf.Handle()
	buf.Release()
	if err := d.WaitForIdle(); err != nil {
		t.Fatal(err)
	}
	if native.IsLive(h) || d.constantPool.Used() != 0 {
		t.Error("released constant buffer still holds pool memory")
	}
}

func TestPoolBufferAlignmentMustBePowerOfTwo(t *testing.T) {
	d, _ := newTestDevice(t, mock.DefaultConfig())

	for _, align := range []uint64{3, 384, 1000} {
		if _, err := d.AcquireConstantBuffer(64, align); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("AcquireConstantBuffer(align %d) = %v, want ErrInvalidArgument", align, err)
		}
		if b := d.AcquireStagingBuffer(64, align); b != nil {
			t.Errorf("AcquireStagingBuffer(align %d) returned a buffer", align)
		}
	}
	if _, err := d.AcquireConstantBuffer(0, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty constant buffer = %v", err)
	}
	b, err := d.AcquireConstantBuffer(64, 1024)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Release()
	if b.Allocation.Offset%1024 != 0 {
		t.Errorf("offset %d not aligned to 1024", b.Allocation.Offset)
	}
}

func TestMemoryRequirementsRejectEmptyDescriptors(t *testing.T) {
	d, _ := newTestDevice(t, mock.DefaultConfig())
	if _, err := d.GetBufferMemoryRequirements(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("nil buffer descriptor = %v", err)
	}
	if _, err := d.GetImageMemoryRequirements(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("nil image descriptor = %v", err)
	}
	if _, err := d.GetImageMemoryRequirements(&ImageDesc{Width: 4}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("zero-height image descriptor = %v", err)
	}
}

func TestMemoryRequirementsCached(t *testing.T) {
	d, native := newTestDevice(t, mock.DefaultConfig())
	desc := &BufferDesc{Size: 100, Usage: gputypes.BufferUsageVertex}

	r1, err := d.GetBufferMemoryRequirements(desc)
	if err != nil {
		t.Fatal(err)
	}
	desc.Label = "vertices"
	r2, err := d.GetBufferMemoryRequirements(desc)
	if err != nil {
		t.Fatal(err)
	}
	if r1 != r2 {
		t.Errorf("requirements differ: %+v vs %+v", r1, r2)
	}
	if n := native.Created(driver.KindBuffer); n != 1 {
		t.Errorf("temporary buffers created = %d, want 1", n)
	}
	if n := native.Live(driver.KindBuffer); n != 0 {
		t.Errorf("temporary buffers left alive = %d", n)
	}
	if r1.Size < 100 || r1.Alignment != 256 {
		t.Errorf("requirements = %+v", r1)
	}

	idx := d.FindMemoryTypeIndex(driver.MemoryHostVisible|driver.MemoryHostCached, r1.TypeBits)
	if idx != 2 {
		t.Errorf("FindMemoryTypeIndex = %d, want 2", idx)
	}
}

func TestMemoryStatisticsJSON(t *testing.T) {
	d, _ := newTestDevice(t, mock.DefaultConfig())
	buf := d.AcquireStagingBuffer(1024, 0)
	if buf == nil {
		t.Fatal("no staging buffer")
	}
	defer buf.Release()
	if _, err := d.GetImageMemoryRequirements(&ImageDesc{
		Dimension: gputypes.TextureDimension2D, Format: gputypes.TextureFormatRGBA8Unorm,
		Width: 8, Height: 8, DepthOrLayers: 1, MipLevels: 1, Samples: 1,
		Usage: gputypes.TextureUsageTextureBinding,
	}); err != nil {
		t.Fatal(err)
	}

	doc, err := d.MemoryStatisticsJSON()
	if err != nil {
		t.Fatal(err)
	}
	if !json.Valid(doc) {
		t.Fatalf("invalid JSON: %s", doc)
	}
	for _, key := range []string{`"RequirementCache"`, `"Images"`, `"staging"`} {
		if !strings.Contains(string(doc), key) {
			t.Errorf("statistics missing %s: %s", key, doc)
		}
	}
	if s := d.MemoryStatistics(); len(s.Pools) == 0 {
		t.Errorf("MemoryStatistics = %+v", s)
	}
}

func TestUploadKeepsDestinationAlive(t *testing.T) {
	d, native := newTestDevice(t, mock.DefaultConfig())
	dst, err := d.CreateBuffer(&BufferDesc{Size: 512, Usage: gputypes.BufferUsageCopyDst},
		AllocationInfo{Required: driver.MemoryDeviceLocal})
	if err != nil {
		t.Fatal(err)
	}
	h := dst.Handle()

	native.HoldFences(true)
	ticket, err := d.UploadBuffer(context.Background(), dst, 0, make([]byte, 512))
	if err != nil {
		t.Fatal(err)
	}
	dst.Release()
	if dst.RefCount() != 1 || d.releases.Pending() != 0 {
		t.Fatalf("destination handed to the release queue during the copy (refs %d)", dst.RefCount())
	}

	native.HoldFences(false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ticket.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if dst.RefCount() != 0 {
		t.Errorf("refs after upload = %d, want 0", dst.RefCount())
	}
	if err := d.WaitForIdle(); err != nil {
		t.Fatal(err)
	}
	if native.IsLive(h) {
		t.Error("destination not destroyed after the upload finished")
	}
	if m := native.Misuse(); len(m) != 0 {
		t.Errorf("misuse: %v", m)
	}
}

func TestReleaseAfterShutdownIsLogged(t *testing.T) {
	var logs bytes.Buffer
	d, native := newTestDevice(t, mock.DefaultConfig(), WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	buf, err := d.CreateBuffer(&BufferDesc{Size: 64, Usage: gputypes.BufferUsageUniform},
		AllocationInfo{Required: driver.MemoryHostVisible})
	if err != nil {
		t.Fatal(err)
	}
	queue := d.releases

	d.PreShutdown()
	buf.Release()
	if queue.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", queue.Dropped())
	}
	if !strings.Contains(logs.String(), "released after shutdown") {
		t.Errorf("late release not logged: %q", logs.String())
	}
	if m := native.Misuse(); len(m) != 0 {
		t.Errorf("misuse: %v", m)
	}
}

func TestUploadThroughDevice(t *testing.T) {
	d, native := newTestDevice(t, mock.DefaultConfig())

	q, err := d.AsyncUploadQueue()
	if err != nil {
		t.Fatal(err)
	}
	if q.Family() != 1 {
		t.Errorf("upload family = %d, want the copy-only family 1", q.Family())
	}

	dst, err := d.CreateBuffer(&BufferDesc{Size: 1024, Usage: gputypes.BufferUsageCopyDst | gputypes.BufferUsageStorage},
		AllocationInfo{Required: driver.MemoryDeviceLocal})
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Release()

	payload := bytes.Repeat([]byte{0xab}, 300)
	ticket, err := d.UploadBuffer(context.Background(), dst, 100, payload)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ticket.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := native.ReadBuffer(dst.Handle(), 100, 300)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("uploaded bytes differ")
	}
	if _, err := d.UploadBuffer(context.Background(), dst, 1000, payload); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("out of bounds upload = %v", err)
	}

	img, err := d.CreateImage(&ImageDesc{
		Dimension: gputypes.TextureDimension2D, Format: gputypes.TextureFormatRGBA8Unorm,
		Width: 4, Height: 4, DepthOrLayers: 1, MipLevels: 1, Samples: 1,
		Usage: gputypes.TextureUsageCopyDst | gputypes.TextureUsageTextureBinding,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer img.Release()
	if _, err := d.UploadImage(context.Background(), img, driver.BufferImageCopy{
		Width: 4, Height: 4, Depth: 1,
	}, make([]byte, 64)); err != nil {
		t.Fatal(err)
	}
	if err := d.WaitForIdle(); err != nil {
		t.Fatal(err)
	}
	if native.ImageCopies() != 1 {
		t.Errorf("image copies = %d", native.ImageCopies())
	}
}

func TestBindlessThroughDevice(t *testing.T) {
	d, native := newTestDevice(t, mock.DefaultConfig().WithBindless(false),
		WithBindless(2, 8))

	p := d.BindlessPool()
	if p == nil {
		t.Fatal("bindless pool not created")
	}
	if p.SetIndex() != 2 || p.Capacity(BindlessSampler) != 8 {
		t.Errorf("set=%d capacity=%d", p.SetIndex(), p.Capacity(BindlessSampler))
	}

	nd, err := d.NullDescriptors()
	if err != nil {
		t.Fatal(err)
	}
	if nd.Native() {
		t.Error("null descriptors reported native without robustness2")
	}
	if again, _ := d.NullDescriptors(); again != nd {
		t.Error("NullDescriptors not memoized")
	}

	s, err := d.AcquireSampler(&SamplerDesc{})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Release()
	idx, err := d.AttachBindless(BindlessSampler, s.Handle())
	if err != nil {
		t.Fatal(err)
	}
	if w, ok := native.Descriptor(p.Set(), uint32(BindlessSampler), idx); !ok || w.Resource != s.Handle() {
		t.Errorf("descriptor %d = %+v, %v", idx, w, ok)
	}
	before := p.Count(BindlessSampler)
	if err := d.DetachBindless(BindlessSampler, idx); err != nil {
		t.Fatal(err)
	}
	if p.Count(BindlessSampler) != before {
		t.Error("detach applied before the release latency")
	}
	if err := d.WaitForIdle(); err != nil {
		t.Fatal(err)
	}
	if p.Count(BindlessSampler) != before-1 {
		t.Errorf("Count = %d after detach, want %d", p.Count(BindlessSampler), before-1)
	}
}

func TestNativeNullDescriptors(t *testing.T) {
	d, native := newTestDevice(t, mock.DefaultConfig().WithBindless(true))
	images := native.Live(driver.KindImage)
	nd, err := d.NullDescriptors()
	if err != nil {
		t.Fatal(err)
	}
	if !nd.Native() {
		t.Error("robustness2 adapter should use native null descriptors")
	}
	if native.Live(driver.KindImage) != images {
		t.Error("native null descriptors created placeholder images")
	}
}

func TestShadingRateNegotiated(t *testing.T) {
	cfg := mock.DefaultConfig().WithExtension(driver.ExtFragmentShadingRate,
		driver.FeaturePipelineShadingRate|driver.FeatureAttachmentShadingRate)
	d, _ := newTestDevice(t, cfg)
	if d.Features().ShadingRate != format.ShadingRateAttachment {
		t.Fatalf("ShadingRate = %s", d.Features().ShadingRate)
	}
	if d.ShadingRateImageFormat() != gputypes.TextureFormatR8Uint {
		t.Errorf("ShadingRateImageFormat = %v", d.ShadingRateImageFormat())
	}
	if _, err := d.ConvertShadingRate(ShadingRate(255)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("invalid shading rate = %v", err)
	}
}

func TestShutdownDestroysEverything(t *testing.T) {
	a := mock.NewAdapter(mock.DefaultConfig().WithBindless(false))
	d, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Init(a); err != nil {
		t.Fatal(err)
	}

	rp, _ := d.AcquireRenderPass(colorPass())
	rp.Release()
	s, _ := d.AcquireSampler(&SamplerDesc{})
	s.Release()
	if _, err := d.NullDescriptors(); err != nil {
		t.Fatal(err)
	}
	if _, err := d.AsyncUploadQueue(); err != nil {
		t.Fatal(err)
	}
	if b := d.AcquireStagingBuffer(64, 0); b != nil {
		b.Release()
	}
	for range 2 {
		if err := d.BeginFrame(); err != nil {
			t.Fatal(err)
		}
		if _, err := d.AcquireCommandList(driver.QueueGraphics, driver.LevelPrimary); err != nil {
			t.Fatal(err)
		}
		sem, _ := d.AcquireSemaphore()
		_ = d.ReleaseSemaphore(sem)
		if err := d.EndFrame(); err != nil {
			t.Fatal(err)
		}
	}

	d.Close()
	native := a.Devices()[0]
	if !native.Closed() {
		t.Error("native device not closed")
	}
	for _, k := range allKinds {
		if n := native.Live(k); n != 0 {
			t.Errorf("%d live %s after Close", n, k)
		}
	}
	if m := native.Misuse(); len(m) != 0 {
		t.Errorf("misuse: %v", m)
	}
	if err := d.BeginFrame(); !errors.IsAssertionFailure(err) {
		t.Errorf("BeginFrame after Close = %v", err)
	}
	if err := d.Init(a); !errors.IsAssertionFailure(err) {
		t.Errorf("Init after Close = %v", err)
	}
	d.Close()
}

func TestProvider(t *testing.T) {
	d, _ := newTestDevice(t, mock.DefaultConfig(), WithSurfaceFormat(gputypes.TextureFormatRGBA8Unorm))
	p := d.Provider()
	if p.SurfaceFormat() != gputypes.TextureFormatRGBA8Unorm {
		t.Errorf("SurfaceFormat = %v", p.SurfaceFormat())
	}
	if p.Queue() == nil || p.Adapter() == nil || p.Device() == nil {
		t.Fatal("provider returned nil handles")
	}
	called := false
	if err := d.QueueForRelease(func() { called = true }); err != nil {
		t.Fatal(err)
	}
	p.Device().Poll(true)
	if !called {
		t.Error("Poll(true) did not drain the release queue")
	}
	p.Device().Destroy()
	if d.Initialized() {
		t.Error("Destroy left the device initialized")
	}
}
