// Command rhiinfo opens a GPU adapter, brings up an rhi device, runs a few
// empty frames and prints the negotiated capabilities and memory statistics.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/gogpu/rhi"
	"github.com/gogpu/rhi/driver"
	_ "github.com/gogpu/rhi/driver/halwgpu"
	_ "github.com/gogpu/rhi/driver/mock"
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

func main() {
	var (
		backend  = flag.String("backend", "", "driver to open: "+strings.Join(driver.Available(), ", ")+" (default: best available)")
		frames   = flag.Int("frames", 3, "empty frames to run before reporting")
		inFlight = flag.Int("inflight", rhi.DefaultFrameCountMax, "frames in flight")
		asJSON   = flag.Bool("json", false, "print the report as JSON")
		verbose  = flag.Bool("v", false, "log device activity to stderr")
	)
	flag.Parse()

	logger := slog.New(slog.DiscardHandler)
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	rhi.SetLogger(logger)

	adapter, name, err := openAdapter(*backend)
	if err != nil {
		log.Fatalf("open adapter: %v", err)
	}
	if c, ok := adapter.(interface{ Close() }); ok {
		defer c.Close()
	}

	dev, err := rhi.New(rhi.WithFrameCountMax(*inFlight))
	if err != nil {
		log.Fatalf("configure device: %v", err)
	}
	if err := dev.Init(adapter); err != nil {
		log.Fatalf("init %s device: %v (%s)", name, err, rhi.Result(err))
	}
	defer func() {
		dev.PreShutdown()
		dev.Close()
	}()

	for range *frames {
		if err := dev.BeginFrame(); err != nil {
			log.Fatalf("begin frame %d: %v", dev.FrameIndex(), err)
		}
		if err := dev.EndFrame(); err != nil {
			log.Fatalf("end frame %d: %v", dev.FrameIndex(), err)
		}
	}
	if err := dev.WaitForIdle(); err != nil {
		log.Fatalf("wait for idle: %v", err)
	}

	if *asJSON {
		out, err := reportJSON(name, dev)
		if err != nil {
			log.Fatalf("encode report: %v", err)
		}
		os.Stdout.Write(append(out, '\n'))
		return
	}
	printReport(name, dev)
}

func openAdapter(name string) (driver.Adapter, string, error) {
	if name == "" {
		return driver.OpenDefault()
	}
	a, err := driver.Open(name)
	return a, name, err
}

func printReport(name string, dev *rhi.Device) {
	info := dev.Adapter().Info()
	fs := dev.Features()
	ls := dev.Limits()

	fmt.Printf("Driver:       %s (%s)\n", name, info.Driver)
	fmt.Printf("Adapter:      %s [%s] API %s\n", info.Name, info.Type, fs.APIVersion)
	for _, f := range dev.GetQueueFamilyProperties() {
		fmt.Printf("Queue family: %d x%d %s\n", f.Index, f.Count, f.Classes)
	}
	fmt.Printf("Features:     %s\n", fs.Enabled)
	fmt.Printf("Extensions:   %s\n", strings.Join(fs.Extensions, " "))
	fmt.Printf("Shading rate: %s\n", fs.ShadingRate)
	fmt.Printf("Max image 2D: %d\n", ls.MaxImageDimension2D)
	fmt.Printf("Max sets:     %d\n", ls.MaxBoundDescriptorSets)
	fmt.Printf("Frames:       %d\n", dev.FrameIndex())

	stats := dev.CacheStats()
	names := make([]string, 0, len(stats))
	for n := range stats {
		names = append(names, n)
	}
	slices.Sort(names)
	for _, n := range names {
		s := stats[n]
		fmt.Printf("Cache %-22s %d/%d entries, %.0f%% hits\n", n+":", s.Len, s.TotalCapacity, s.HitRate*100)
	}

	mem, err := dev.MemoryStatisticsJSON()
	if err != nil {
		log.Fatalf("memory statistics: %v", err)
	}
	fmt.Printf("Memory:       %s\n", mem)
}

func reportJSON(name string, dev *rhi.Device) ([]byte, error) {
	info := dev.Adapter().Info()
	fs := dev.Features()
	ls := dev.Limits()

	w := jwriter.NewWriter()
	obj := w.Object()
	obj.Name("Driver").String(name)

	ao := obj.Name("Adapter").Object()
	ao.Name("Name").String(info.Name)
	ao.Name("Type").String(info.Type.String())
	ao.Name("APIVersion").String(fs.APIVersion.String())
	ao.Name("Driver").String(info.Driver)
	ao.End()

	qa := obj.Name("QueueFamilies").Array()
	for _, f := range dev.GetQueueFamilyProperties() {
		qo := qa.Object()
		qo.Name("Index").Int(int(f.Index))
		qo.Name("Count").Int(int(f.Count))
		qo.Name("Classes").String(f.Classes.String())
		qo.End()
	}
	qa.End()

	writeStrings(&obj, "Features", fs.Enabled.Names())
	writeStrings(&obj, "Extensions", fs.Extensions)
	obj.Name("ShadingRate").String(fs.ShadingRate.String())

	lo := obj.Name("Limits").Object()
	lo.Name("MaxImageDimension2D").Int(int(ls.MaxImageDimension2D))
	lo.Name("MaxBoundDescriptorSets").Int(int(ls.MaxBoundDescriptorSets))
	lo.Name("MaxSamplerAnisotropy").Float64(float64(ls.MaxSamplerAnisotropy))
	lo.Name("MaxBindlessSampledImages").Int(int(ls.MaxBindlessSampledImages))
	lo.End()

	obj.Name("Frames").Float64(float64(dev.FrameIndex()))

	co := obj.Name("Caches").Object()
	stats := dev.CacheStats()
	names := make([]string, 0, len(stats))
	for n := range stats {
		names = append(names, n)
	}
	slices.Sort(names)
	for _, n := range names {
		s := stats[n]
		so := co.Name(n).Object()
		so.Name("Entries").Int(s.Len)
		so.Name("Capacity").Int(s.TotalCapacity)
		so.Name("HitRate").Float64(s.HitRate)
		so.End()
	}
	co.End()

	mo := obj.Name("Memory").Object()
	dev.CompileMemoryStatistics(&mo)
	mo.End()

	obj.End()
	return w.Bytes(), w.Error()
}

func writeStrings(obj *jwriter.ObjectState, name string, values []string) {
	arr := obj.Name(name).Array()
	for _, v := range values {
		arr.String(v)
	}
	arr.End()
}
