// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package feature

import (
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/driver"
	"github.com/gogpu/rhi/driver/mock"
	"github.com/gogpu/rhi/internal/format"
)

func TestNegotiateNoExtensions(t *testing.T) {
	a := mock.NewAdapter(mock.DefaultConfig())
	fs, err := Negotiate(a, Request{})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if !fs.SamplerAnisotropy || !fs.MultiDrawIndirect {
		t.Errorf("core features missing: %s", fs.Enabled)
	}
	if fs.PipelineShadingRate || fs.AttachmentShadingRate || fs.FragmentDensityMap {
		t.Error("shading rate enabled without extensions")
	}
	if fs.ShadingRate != format.ShadingRateNone {
		t.Errorf("ShadingRate = %s", fs.ShadingRate)
	}
	if len(fs.Extensions) != 0 {
		t.Errorf("Extensions = %v", fs.Extensions)
	}
	if fs.SetVersion != SetVersion {
		t.Errorf("SetVersion = %d", fs.SetVersion)
	}
}

func TestNegotiateShadingRatePriority(t *testing.T) {
	cfg := mock.DefaultConfig().
		WithExtension(driver.ExtFragmentShadingRate,
			driver.FeaturePipelineShadingRate|driver.FeatureAttachmentShadingRate).
		WithExtension(driver.ExtFragmentDensityMap, driver.FeatureFragmentDensityMap)

	fs, err := Negotiate(mock.NewAdapter(cfg), Request{})
	if err != nil {
		t.Fatal(err)
	}
	if !fs.AttachmentShadingRate || fs.FragmentDensityMap {
		t.Errorf("attachment=%v density=%v, want attachment only", fs.AttachmentShadingRate, fs.FragmentDensityMap)
	}
	if fs.HasExtension(driver.ExtFragmentDensityMap) {
		t.Error("density map extension still enabled")
	}
	if !fs.HasExtension(driver.ExtFragmentShadingRate) {
		t.Error("shading rate extension not enabled")
	}
	if fs.ShadingRate != format.ShadingRateAttachment {
		t.Errorf("ShadingRate = %s", fs.ShadingRate)
	}
}

func TestNegotiateDensityMapWithoutAttachmentRate(t *testing.T) {
	// Pipeline-only shading rate does not compete with the density map.
	cfg := mock.DefaultConfig().
		WithExtension(driver.ExtFragmentShadingRate, driver.FeaturePipelineShadingRate).
		WithExtension(driver.ExtFragmentDensityMap, driver.FeatureFragmentDensityMap)

	fs, err := Negotiate(mock.NewAdapter(cfg), Request{})
	if err != nil {
		t.Fatal(err)
	}
	if !fs.FragmentDensityMap || !fs.PipelineShadingRate {
		t.Errorf("features = %s", fs.Enabled)
	}
	if fs.ShadingRate != format.ShadingRateDensityMap {
		t.Errorf("ShadingRate = %s", fs.ShadingRate)
	}
}

func TestNegotiateCoreVersionGate(t *testing.T) {
	tests := []struct {
		name string
		api  driver.Version
		ext  bool
		want bool
	}{
		{"core trusted on 1.2", driver.Version1_2, false, true},
		{"core ignored below gate", driver.Version1_1, false, false},
		{"extension wins over core", driver.Version1_3, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := mock.DefaultConfig()
			cfg.Info.APIVersion = tt.api
			cfg.Core |= driver.FeatureTimelineSemaphore
			if tt.ext {
				// Extension advertised, but its structure reports nothing.
				cfg = cfg.WithExtension(driver.ExtTimelineSemaphore, 0)
			}
			fs, err := Negotiate(mock.NewAdapter(cfg), Request{})
			if err != nil {
				t.Fatal(err)
			}
			if fs.TimelineSemaphore != tt.want {
				t.Errorf("TimelineSemaphore = %v, want %v", fs.TimelineSemaphore, tt.want)
			}
		})
	}
}

func TestNegotiateRequiredAndDisabled(t *testing.T) {
	a := mock.NewAdapter(mock.DefaultConfig())

	_, err := Negotiate(a, Request{Required: driver.FeatureDescriptorIndexing})
	if !errors.Is(err, driver.ErrUnsupported) {
		t.Errorf("missing required feature = %v, want ErrUnsupported", err)
	}

	fs, err := Negotiate(a, Request{Disabled: driver.FeatureSamplerAnisotropy})
	if err != nil {
		t.Fatal(err)
	}
	if fs.SamplerAnisotropy {
		t.Error("disabled feature enabled")
	}
}

func TestNegotiateProviders(t *testing.T) {
	cfg := mock.DefaultConfig().WithExtension(driver.ExtSwapchain, 0)
	a := mock.NewAdapter(cfg)

	fs, err := Negotiate(a, Request{Providers: []ExtensionProvider{SwapchainProvider}})
	if err != nil {
		t.Fatal(err)
	}
	if !fs.HasExtension(driver.ExtSwapchain) {
		t.Errorf("Extensions = %v, want swapchain", fs.Extensions)
	}

	needy := ProviderFunc(func(driver.Adapter) ([]string, []string) {
		return []string{"VK_EXT_missing"}, nil
	})
	if _, err := Negotiate(a, Request{Providers: []ExtensionProvider{needy}}); !errors.Is(err, driver.ErrUnsupported) {
		t.Errorf("missing required extension = %v", err)
	}

	optional := ProviderFunc(func(driver.Adapter) ([]string, []string) {
		return nil, []string{"VK_EXT_missing"}
	})
	fs, err = Negotiate(a, Request{Providers: []ExtensionProvider{optional}})
	if err != nil || fs.HasExtension("VK_EXT_missing") {
		t.Errorf("optional missing extension: %v %v", fs.Extensions, err)
	}
}

func TestLimitSetFollowsFeatures(t *testing.T) {
	a := mock.NewAdapter(mock.DefaultConfig())
	fs, _ := Negotiate(a, Request{})
	ls := NewLimitSet(a.Limits(), fs)
	if ls.MaxBindlessSampledImages != 0 {
		t.Error("bindless limits kept without bindless")
	}
	if ls.ShadingRateTexelMax != [2]uint32{} {
		t.Error("shading rate texel size kept without shading rate")
	}
	if ls.MaxImageDimension2D != 16384 {
		t.Errorf("MaxImageDimension2D = %d", ls.MaxImageDimension2D)
	}

	b := mock.NewAdapter(mock.DefaultConfig().WithBindless(false).
		WithExtension(driver.ExtFragmentDensityMap, driver.FeatureFragmentDensityMap))
	fs, _ = Negotiate(b, Request{})
	ls = NewLimitSet(b.Limits(), fs)
	if ls.MaxBindlessSamplers == 0 {
		t.Error("bindless limits dropped with bindless")
	}
	if ls.ShadingRateTexelMin != [2]uint32{16, 16} {
		t.Errorf("density texel min = %v", ls.ShadingRateTexelMin)
	}
}
