// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package feature negotiates the device feature set: the intersection of
// what an adapter supports and what this layer knows how to use.
package feature

import (
	"log/slog"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/driver"
)

// Request parameterizes Negotiate. The zero value negotiates every known
// feature with the default rules.
type Request struct {
	// Required features fail negotiation when unavailable.
	Required driver.Feature
	// Disabled features are never enabled.
	Disabled driver.Feature
	// Providers contribute extra extensions.
	Providers []ExtensionProvider

	// Rules and Exclusions default to DefaultRules and DefaultExclusions.
	Rules      []Rule
	Exclusions []Exclusion

	Logger *slog.Logger
}

// Negotiate computes the FeatureSet for a.
//
// For each rule, an advertised extension's feature structure is
// authoritative. The core query is used only when the extension is absent
// and the adapter API version is at least the rule's gate, since older
// drivers report promoted features unreliably through it.
func Negotiate(a driver.Adapter, req Request) (FeatureSet, error) {
	log := req.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	rules := req.Rules
	if rules == nil {
		rules = DefaultRules
	}
	exclusions := req.Exclusions
	if exclusions == nil {
		exclusions = DefaultExclusions
	}

	api := a.Info().APIVersion
	core := a.CoreFeatures()
	advertised := make(map[string]bool)
	for _, ext := range a.Extensions() {
		advertised[ext] = true
	}

	var enabled driver.Feature
	exts := make(map[string]bool)
	for _, r := range rules {
		if r.Feature&req.Disabled != 0 {
			continue
		}
		if r.Extension != "" && advertised[r.Extension] {
			if f, _ := a.ExtensionFeatures(r.Extension); f.Has(r.Feature) {
				enabled |= r.Feature
				exts[r.Extension] = true
			}
			continue
		}
		if r.CoreSince != 0 && api >= r.CoreSince && core.Has(r.Feature) {
			enabled |= r.Feature
		}
	}

	for _, p := range req.Providers {
		required, optional := p.DeviceExtensions(a)
		for _, ext := range required {
			if !advertised[ext] {
				return FeatureSet{}, errors.Mark(
					errors.Newf("feature: required extension %s not advertised", ext), driver.ErrUnsupported)
			}
			exts[ext] = true
		}
		for _, ext := range optional {
			if advertised[ext] {
				exts[ext] = true
			}
		}
	}

	for _, x := range exclusions {
		if !enabled.Has(x.High) || !enabled.Has(x.Low) {
			continue
		}
		enabled &^= x.Low
		if x.LowExtension != "" && !extensionStillNeeded(rules, enabled, x.LowExtension) {
			delete(exts, x.LowExtension)
		}
		log.Warn("feature conflict resolved",
			"kept", x.High.String(), "dropped", x.Low.String(), "extension", x.LowExtension)
	}

	if missing := req.Required &^ enabled; missing != 0 {
		return FeatureSet{}, errors.Mark(
			errors.Newf("feature: required features unavailable: %s", missing), driver.ErrUnsupported)
	}

	names := make([]string, 0, len(exts))
	for ext := range exts {
		names = append(names, ext)
	}
	slices.Sort(names)

	fs := newFeatureSet(api, enabled, names)
	log.Debug("features negotiated", "features", enabled.String(), "extensions", names)
	return fs, nil
}

// extensionStillNeeded reports whether an enabled feature other than the
// dropped one is discovered through ext.
func extensionStillNeeded(rules []Rule, enabled driver.Feature, ext string) bool {
	for _, r := range rules {
		if r.Extension == ext && enabled.Has(r.Feature) {
			return true
		}
	}
	return false
}
