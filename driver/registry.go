// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package driver

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// Factory opens an adapter for a registered driver.
type Factory func() (Adapter, error)

// Well-known driver names.
const (
	NameVulkan = "vulkan"
	NameNoop   = "noop"
	NameMock   = "mock"
)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
	// Priority order for OpenDefault (first one that opens wins).
	// Real hardware first, then the HAL no-op device, then the mock.
	driverPriority = []string{NameVulkan, NameNoop, NameMock}
)

// Register registers a driver factory under name, replacing any previous
// registration.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
}

// Unregister removes a driver. This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(factories, name)
}

// Available returns the sorted names of registered drivers.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered reports whether a driver with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := factories[name]
	return ok
}

// Open opens the adapter of the named driver.
func Open(name string) (Adapter, error) {
	registryMu.RLock()
	factory, ok := factories[name]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(ErrNotRegistered, "driver %q", name)
	}
	a, err := factory()
	if err != nil {
		return nil, errors.Wrapf(err, "driver %q", name)
	}
	return a, nil
}

// OpenDefault opens the highest-priority registered driver that succeeds,
// falling back to the remaining drivers in name order.
func OpenDefault() (Adapter, string, error) {
	tried := make(map[string]bool)
	var firstErr error
	for _, name := range append(append([]string(nil), driverPriority...), Available()...) {
		if tried[name] || !IsRegistered(name) {
			continue
		}
		tried[name] = true
		a, err := Open(name)
		if err == nil {
			return a, name, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, "", firstErr
	}
	return nil, "", errors.Wrap(ErrNotRegistered, "no driver available")
}
