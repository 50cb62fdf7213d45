// Copyright (C) 2024 the zpkg authors.
//
// This library is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; version
// 2.1 only.
//
// This library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// The license can be found in the file `LICENSE` in the top level
// directory of this repository.

package zpkg

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// NetworkUse controls whether uncached feeds may be fetched and
// whether uncached implementations are eligible candidates.
type NetworkUse string

const (
	NetworkFull    NetworkUse = "full"
	NetworkMinimal NetworkUse = "minimal"
	NetworkOffline NetworkUse = "offline"
)

// IsValid returns whether the network use value is one of the
// recognized modes.
func (n NetworkUse) IsValid() bool {
	return n == NetworkFull || n == NetworkMinimal || n == NetworkOffline
}

// Config holds the global settings the core recognizes.
type Config struct {
	Network NetworkUse

	// Freshness is the age after which a cached feed is flagged stale.
	// Zero disables the check.
	Freshness time.Duration

	// HelpWithTesting lowers the effective stability floor to Testing
	// for interfaces without an explicit policy.
	HelpWithTesting bool
}

// DefaultConfig uses the network fully and flags feeds older than 30
// days.
func DefaultConfig() *Config {
	return &Config{
		Network:   NetworkFull,
		Freshness: 30 * 24 * time.Hour,
	}
}

// IsStale reports whether a feed cached at cachedAt should be
// refreshed.
func (c *Config) IsStale(cachedAt time.Time) bool {
	if c == nil || c.Freshness == 0 {
		return false
	}
	return time.Since(cachedAt) > c.Freshness
}

// EffectiveStabilityPolicy resolves the stability floor for an
// interface: its own policy if set, otherwise Testing when the user
// helps with testing, otherwise Stable.
func (c *Config) EffectiveStabilityPolicy(prefs *InterfacePreferences) Stability {
	if prefs != nil && prefs.StabilityPolicy != "" {
		if policy, err := ParseStability(prefs.StabilityPolicy); err == nil && policy != StabilityUnset {
			return policy
		}
	}
	if c != nil && c.HelpWithTesting {
		return Testing
	}
	return Stable
}

// InterfacePreferences are the user's overrides for one interface.
type InterfacePreferences struct {
	URI string `yaml:"uri"`

	// StabilityPolicy is the minimum acceptable stability, e.g.
	// "testing". Empty means the global default.
	StabilityPolicy string `yaml:"stability-policy,omitempty"`

	// ExtraFeeds are additional feed IDs registered by the user as
	// sources of implementations for this interface.
	ExtraFeeds []string `yaml:"extra-feeds,omitempty"`

	Implementations []ImplementationPreference `yaml:"implementations,omitempty"`
}

// ImplementationPreference overrides how one implementation is rated.
type ImplementationPreference struct {
	ID string `yaml:"id"`

	// UserStability replaces the feed's rating. "preferred" pins the
	// implementation ahead of everything else.
	UserStability string `yaml:"stability,omitempty"`

	// Banned masks the implementation entirely.
	Banned bool `yaml:"banned,omitempty"`
}

// FeedPreferences are the user's overrides for one feed.
type FeedPreferences struct {
	URI string `yaml:"uri"`

	// LastChecked records when the feed was last refreshed.
	LastChecked time.Time `yaml:"last-checked,omitempty"`
}

// PreferencesStore hands out user overrides to the candidate
// enumeration.
type PreferencesStore interface {
	// Interface returns the preferences for the given interface URI,
	// or nil when there are none.
	Interface(uri string) *InterfacePreferences
	// Feed returns the preferences for the given feed ID, or nil.
	Feed(feedID string) *FeedPreferences
}

// Preferences is the file-backed preferences store.
type Preferences struct {
	path string `yaml:"-"`

	Interfaces []InterfacePreferences `yaml:"interfaces,omitempty"`
	Feeds      []FeedPreferences      `yaml:"feeds,omitempty"`
}

var _ PreferencesStore = (*Preferences)(nil)

// ReadPreferences loads the preferences file at path. A missing file
// yields empty preferences.
func ReadPreferences(path string, ui UI) (*Preferences, error) {
	result := &Preferences{path: path}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return result, nil
	} else if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, result); err != nil {
		return nil, ui.ReportError("Failed to parse preferences '%s': %v", path, err)
	}
	result.path = path
	return result, nil
}

func (p *Preferences) WriteToFile() error {
	b, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	return writeFileIfChanged(p.path, b)
}

func (p *Preferences) Interface(uri string) *InterfacePreferences {
	if p == nil {
		return nil
	}
	for i := range p.Interfaces {
		if p.Interfaces[i].URI == uri {
			return &p.Interfaces[i]
		}
	}
	return nil
}

func (p *Preferences) Feed(feedID string) *FeedPreferences {
	if p == nil {
		return nil
	}
	for i := range p.Feeds {
		if p.Feeds[i].URI == feedID {
			return &p.Feeds[i]
		}
	}
	return nil
}

// Implementation returns the user's override for one implementation
// ID, or nil.
func (ip *InterfacePreferences) Implementation(id string) *ImplementationPreference {
	if ip == nil {
		return nil
	}
	for i := range ip.Implementations {
		if ip.Implementations[i].ID == id {
			return &ip.Implementations[i]
		}
	}
	return nil
}
