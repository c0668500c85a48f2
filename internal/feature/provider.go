// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package feature

import (
	"slices"

	"github.com/gogpu/rhi/driver"
)

// ExtensionProvider is implemented by subsystems that need device
// extensions. Providers are registered once, before Init, and enumerated a
// single time during negotiation.
type ExtensionProvider interface {
	// DeviceExtensions returns the extensions the subsystem needs on a. A
	// missing required extension fails negotiation; optional extensions are
	// enabled when advertised.
	DeviceExtensions(a driver.Adapter) (required, optional []string)
}

// ProviderFunc adapts a function to ExtensionProvider.
type ProviderFunc func(a driver.Adapter) (required, optional []string)

func (f ProviderFunc) DeviceExtensions(a driver.Adapter) (required, optional []string) {
	return f(a)
}

// SwapchainProvider requests presentation support when any queue family can
// present.
var SwapchainProvider ExtensionProvider = ProviderFunc(func(a driver.Adapter) ([]string, []string) {
	canPresent := slices.ContainsFunc(a.QueueFamilies(), func(f driver.QueueFamily) bool {
		return f.Classes.Has(driver.QueuePresent)
	})
	if !canPresent {
		return nil, nil
	}
	return nil, []string{driver.ExtSwapchain}
})
