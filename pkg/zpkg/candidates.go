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
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/go-version"
	"github.com/zeroinstall/zpkg/pkg/set"
)

// SelectionCandidate pairs an implementation with the feed it came
// from, plus the precomputed suitability verdict and ordering key.
type SelectionCandidate struct {
	Implementation *Implementation
	FeedID         string

	suitable     bool
	rejectReason string
	key          candidateKey
}

// IsSuitable reports whether the candidate passed the architecture,
// language, stability and retrievability filters.
func (c *SelectionCandidate) IsSuitable() bool {
	return c.suitable
}

// RejectReason explains why an unsuitable candidate was filtered.
func (c *SelectionCandidate) RejectReason() string {
	return c.rejectReason
}

// candidateKey is the preference tuple; compared field by field, lower
// is better except where noted.
type candidateKey struct {
	userRank     int       // user "preferred" override first
	networkRank  int       // cached first when the network is restricted
	stability    Stability // higher first
	version      Version   // higher first
	archRank     int
	languageRank int
}

func (a candidateKey) less(b candidateKey) bool {
	if a.userRank != b.userRank {
		return a.userRank < b.userRank
	}
	if a.networkRank != b.networkRank {
		return a.networkRank < b.networkRank
	}
	if a.stability != b.stability {
		return a.stability > b.stability
	}
	if c := a.version.Compare(b.version); c != 0 {
		return c > 0
	}
	if a.archRank != b.archRank {
		return a.archRank < b.archRank
	}
	return a.languageRank < b.languageRank
}

// CandidateEnumerator produces the ordered candidate lists the solver
// consumes, one interface at a time.
type CandidateEnumerator struct {
	feeds  FeedProvider
	store  Store
	prefs  PreferencesStore
	config *Config
	ui     UI

	// injectorVersion is the version of the running injector.
	// Implementations demanding a newer one are filtered.
	// May be nil, in which case all implementations are acceptable.
	injectorVersion *version.Version

	// failed lists candidates that broke during this run (bad data,
	// failed retrieval). They stay masked until the run ends.
	failed set.String
}

func NewCandidateEnumerator(feeds FeedProvider, store Store, prefs PreferencesStore, config *Config, injectorVersion *version.Version, ui UI) *CandidateEnumerator {
	if config == nil {
		config = DefaultConfig()
	}
	return &CandidateEnumerator{
		feeds:           feeds,
		store:           store,
		prefs:           prefs,
		config:          config,
		injectorVersion: injectorVersion,
		ui:              ui,
	}
}

func candidateID(feedID string, implID string) string {
	return feedID + "\x00" + implID
}

// MarkFailed masks a candidate for the remainder of this run.
func (e *CandidateEnumerator) MarkFailed(c *SelectionCandidate) {
	e.failed.Add(candidateID(c.FeedID, c.Implementation.ID))
}

// Candidates returns all implementations of iface, ordered by
// preference. Unsuitable candidates are kept in the list (for
// diagnostics) but flagged.
func (e *CandidateEnumerator) Candidates(ctx context.Context, req Requirements, iface string) ([]*SelectionCandidate, error) {
	feeds, err := e.collectFeeds(ctx, iface)
	if err != nil {
		return nil, err
	}
	var prefs *InterfacePreferences
	if e.prefs != nil {
		prefs = e.prefs.Interface(iface)
	}
	policy := e.config.EffectiveStabilityPolicy(prefs)

	var result []*SelectionCandidate
	for _, feed := range feeds {
		for _, impl := range feed.Simplify() {
			result = append(result, e.newCandidate(req, prefs, policy, feed, impl))
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].key.less(result[j].key)
	})
	return result, nil
}

// collectFeeds gathers the interface's main feed, its feed imports and
// the user's extra feeds, in that order. Import cycles terminate via
// the seen set.
func (e *CandidateEnumerator) collectFeeds(ctx context.Context, iface string) ([]*Feed, error) {
	var result []*Feed
	seen := set.String{}

	var load func(feedID string) error
	load = func(feedID string) error {
		if seen.Contains(feedID) {
			return nil
		}
		seen.Add(feedID)
		feed, err := e.feeds.Get(ctx, feedID)
		if err != nil {
			return err
		}
		if skip, reason := e.feedTooNew(feed); skip {
			e.ui.ReportWarning("Ignoring feed '%s': %s", feedID, reason)
			return nil
		}
		result = append(result, feed)
		for _, imported := range feed.Feeds {
			if err := load(imported.Src); err != nil {
				return err
			}
		}
		return nil
	}

	if err := load(iface); err != nil {
		return nil, err
	}
	if e.prefs != nil {
		if prefs := e.prefs.Interface(iface); prefs != nil {
			for _, extra := range prefs.ExtraFeeds {
				if err := load(extra); err != nil {
					return nil, err
				}
			}
		}
	}
	return result, nil
}

// feedTooNew reports whether the whole feed demands a newer injector
// than the running one.
func (e *CandidateEnumerator) feedTooNew(feed *Feed) (bool, string) {
	if feed.MinInjectorVersion == "" || e.injectorVersion == nil {
		return false, ""
	}
	required, err := version.NewVersion(feed.MinInjectorVersion)
	if err != nil {
		return true, fmt.Sprintf("invalid min-injector-version '%s'", feed.MinInjectorVersion)
	}
	if e.injectorVersion.LessThan(required) {
		return true, fmt.Sprintf("requires injector version %s", required)
	}
	return false, ""
}

func (e *CandidateEnumerator) newCandidate(req Requirements, prefs *InterfacePreferences, policy Stability, feed *Feed, impl *Implementation) *SelectionCandidate {
	c := &SelectionCandidate{
		Implementation: impl,
		FeedID:         feed.Source(),
	}

	override := prefs.Implementation(impl.ID)
	stability := impl.Stability.orTesting()
	userPreferred := false
	if override != nil {
		if override.UserStability != "" {
			if s, err := ParseStability(override.UserStability); err == nil && s != StabilityUnset {
				stability = s
				userPreferred = s == Preferred
			}
		}
	}

	cached := e.isRetrievedLocally(impl)
	c.key = candidateKey{
		userRank:     boolRank(!userPreferred),
		networkRank:  e.networkRank(cached),
		stability:    stability,
		version:      impl.Version,
		archRank:     impl.Architecture.rankOn(req.Architecture),
		languageRank: languageRank(req.Languages, impl),
	}

	c.suitable, c.rejectReason = e.checkSuitable(req, policy, stability, override, cached, feed, impl)
	return c
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (e *CandidateEnumerator) networkRank(cached bool) int {
	if cached || e.config.Network == NetworkFull {
		return 0
	}
	return 1
}

// isRetrievedLocally reports whether the implementation can be used
// without any download.
func (e *CandidateEnumerator) isRetrievedLocally(impl *Implementation) bool {
	if impl.LocalPath != "" {
		return true
	}
	if e.store == nil || impl.Digest.IsEmpty() {
		return false
	}
	return e.store.Contains(impl.Digest)
}

func (e *CandidateEnumerator) checkSuitable(req Requirements, policy Stability, stability Stability, override *ImplementationPreference, cached bool, feed *Feed, impl *Implementation) (bool, string) {
	if override != nil && override.Banned {
		return false, "masked by user preferences"
	}
	if e.failed.Contains(candidateID(feed.Source(), impl.ID)) {
		return false, "failed earlier in this run"
	}
	if !impl.Architecture.RunsOn(req.Architecture) {
		return false, fmt.Sprintf("architecture %s does not run on %s", impl.Architecture, req.Architecture)
	}
	if !languageMatches(req.Languages, impl) {
		return false, fmt.Sprintf("languages '%s' do not match", impl.Languages)
	}
	if stability < policy {
		return false, fmt.Sprintf("stability %s is below the %s policy", stability, policy)
	}
	if impl.MinInjectorVersion != "" && e.injectorVersion != nil {
		required, err := version.NewVersion(impl.MinInjectorVersion)
		if err != nil {
			return false, fmt.Sprintf("invalid min-injector-version '%s'", impl.MinInjectorVersion)
		}
		if e.injectorVersion.LessThan(required) {
			return false, fmt.Sprintf("requires injector version %s", required)
		}
	}
	if !cached {
		if e.config.Network == NetworkOffline {
			return false, "not cached and the network is offline"
		}
		if len(impl.Archives) == 0 {
			return false, "no retrieval method"
		}
	}
	return true, ""
}

// languageMatches accepts implementations without language tags, and
// tagged ones sharing at least one tag with the preferences (which,
// when empty, accept anything).
func languageMatches(preferred []string, impl *Implementation) bool {
	tags := impl.LanguageList()
	if len(tags) == 0 || len(preferred) == 0 {
		return true
	}
	for _, want := range preferred {
		for _, tag := range tags {
			if languageTagMatches(want, tag) {
				return true
			}
		}
	}
	return false
}

// languageTagMatches compares tags ignoring the region when the
// preference has none: "en" matches "en_GB".
func languageTagMatches(want string, tag string) bool {
	if want == tag {
		return true
	}
	return len(tag) > len(want) && tag[:len(want)] == want && (tag[len(want)] == '_' || tag[len(want)] == '-')
}

func languageRank(preferred []string, impl *Implementation) int {
	tags := impl.LanguageList()
	if len(tags) == 0 || len(preferred) == 0 {
		return len(preferred)
	}
	for i, want := range preferred {
		for _, tag := range tags {
			if languageTagMatches(want, tag) {
				return i
			}
		}
	}
	return len(preferred) + 1
}
