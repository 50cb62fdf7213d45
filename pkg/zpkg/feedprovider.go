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
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexflint/go-filemutex"
	"github.com/gobwas/glob"
	"github.com/zeroinstall/zpkg/pkg/feedurl"
	"github.com/zeroinstall/zpkg/pkg/git"
)

// FeedProvider resolves feed IDs to parsed feeds. Implementations own
// all retrieval concerns (downloads, signatures, caching); the solver
// only ever sees parsed trees.
type FeedProvider interface {
	// Get returns the feed identified by feedID: an absolute URL or an
	// absolute local path. Fails wrapping ErrInvalidInterfaceURI for
	// malformed IDs and ErrFeedUnavailable when the feed cannot be
	// obtained.
	Get(ctx context.Context, feedID string) (*Feed, error)
}

// MemoryFeedProvider serves feeds from memory. Used in tests and by
// tooling that already holds the parsed trees.
type MemoryFeedProvider struct {
	feeds map[string]*Feed
}

var _ FeedProvider = (*MemoryFeedProvider)(nil)

func NewMemoryFeedProvider(feeds ...*Feed) *MemoryFeedProvider {
	p := &MemoryFeedProvider{feeds: map[string]*Feed{}}
	for _, feed := range feeds {
		p.Add(feed)
	}
	return p
}

func (p *MemoryFeedProvider) Add(feed *Feed) {
	p.feeds[feed.URI] = feed
}

func (p *MemoryFeedProvider) Get(_ context.Context, feedID string) (*Feed, error) {
	feed, ok := p.feeds[feedID]
	if !ok {
		return nil, fmt.Errorf("'%s': %w", feedID, ErrFeedUnavailable)
	}
	return feed, nil
}

// FeedCache is the flat on-disk feed cache: one XML file per feed,
// named by its escaped URL.
type FeedCache struct {
	root string
	ui   UI
}

func NewFeedCache(root string, ui UI) *FeedCache {
	return &FeedCache{root: root, ui: ui}
}

func (c *FeedCache) pathFor(feedID string) string {
	return filepath.Join(c.root, feedurl.FlatName(feedID))
}

// Get returns the cached feed and its cache timestamp.
func (c *FeedCache) Get(feedID string) (*Feed, time.Time, error) {
	p := c.pathFor(feedID)
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return nil, time.Time{}, fmt.Errorf("'%s' not cached: %w", feedID, ErrFeedUnavailable)
	} else if err != nil {
		return nil, time.Time{}, err
	}
	feed, err := ParseFeedFile(p, c.ui)
	if err != nil {
		return nil, time.Time{}, err
	}
	feed.source = feedID
	return feed, info.ModTime(), nil
}

// Put stores feed XML in the cache under feedID.
func (c *FeedCache) Put(feedID string, b []byte) error {
	if err := os.MkdirAll(c.root, 0755); err != nil {
		return err
	}
	return os.WriteFile(c.pathFor(feedID), b, 0644)
}

// FeedCatalog is a directory of feed XML files, indexed by the
// interface URI each feed declares. Git mirrors check out into such a
// directory.
type FeedCatalog struct {
	name  string
	path  string
	feeds map[string]*Feed
}

func NewFeedCatalog(name string, path string) *FeedCatalog {
	return &FeedCatalog{name: name, path: path}
}

var catalogBlocklist = []glob.Glob{
	glob.MustCompile(".**", '/'), // Any hidden file or directory, including .git.
}

// Load walks the catalog directory and parses every feed in it.
func (c *FeedCatalog) Load(ui UI) error {
	feeds := map[string]*Feed{}
	err := filepath.Walk(c.path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		// Skip hidden files and folders.
		if strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(c.path, path)
		if err != nil {
			return err
		}

		// The catalog directory itself is never blocklisted.
		if rel == "." {
			return nil
		}

		for _, pattern := range catalogBlocklist {
			if pattern.Match(rel) {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		if info.IsDir() {
			return nil
		}

		if filepath.Ext(rel) != ".xml" {
			return nil
		}

		feed, err := ParseFeedFile(path, ui)
		if err != nil {
			return err
		}
		if feed.URI == "" {
			ui.ReportWarning("Catalog feed '%s' has no interface URI; skipping", path)
			return nil
		}
		feeds[feed.URI] = feed
		return nil
	})
	if err != nil {
		return err
	}
	c.feeds = feeds
	return nil
}

// Lookup returns the catalog's feed for feedID, or nil.
func (c *FeedCatalog) Lookup(feedID string) *Feed {
	return c.feeds[feedID]
}

// FeedIDs returns the interface URIs of all loaded feeds.
func (c *FeedCatalog) FeedIDs() []string {
	result := make([]string, 0, len(c.feeds))
	for feedID := range c.feeds {
		result = append(result, feedID)
	}
	return result
}

// GitMirror is a feed catalog backed by a git repository. The checkout
// lives in the mirror cache and is synced under a file lock, so that
// concurrent instances do not corrupt each other's checkout.
type GitMirror struct {
	FeedCatalog
	url string
}

// NewGitMirror creates a mirror for the repository at url. The
// checkout lives under cacheRoot.
func NewGitMirror(name string, url string, cacheRoot string) *GitMirror {
	p := filepath.Join(cacheRoot, feedurl.ToURIPath(url).FilePath())
	return &GitMirror{
		FeedCatalog: FeedCatalog{name: name, path: p},
		url:         url,
	}
}

func (m *GitMirror) withFileLock(ctx context.Context, f func(path string) error) error {
	p := m.path

	// Use a lock file in the directory above the mirror's checkout path.
	// This way we don't interfere with cloning/pulling, but still have
	// relatively good granularity, allowing to sync multiple mirrors at
	// the same time.
	lockP := filepath.Join(filepath.Dir(p), ".zpkg_sync.lock")
	err := os.MkdirAll(filepath.Dir(lockP), 0755)
	if err != nil {
		return err
	}
	m2, err := filemutex.New(lockP)
	if err != nil {
		return err
	}

	unlocked := make(chan struct{})
	ctx, cancel := context.WithTimeout(ctx, time.Minute*3)
	defer cancel()

	go func() {
		m2.Lock()
		select {
		case <-ctx.Done():
			m2.Unlock()
		default:
			close(unlocked)
		}
	}()
	select {
	case <-unlocked:
		defer m2.Unlock()
	case <-ctx.Done():
		return fmt.Errorf("unable to acquire sync lock %s", lockP)
	}

	return f(p)
}

// Load syncs the checkout when sync is true, then loads the catalog.
func (m *GitMirror) Load(ctx context.Context, sync bool, ui UI) error {
	if sync {
		err := m.withFileLock(ctx, func(p string) error {
			info, err := os.Stat(p)
			exists := true
			if os.IsNotExist(err) {
				exists = false
			} else if err != nil {
				return err
			} else if !info.IsDir() {
				return ui.ReportError("Path %s exists but is not a directory", p)
			}

			if exists {
				return git.Pull(p)
			}
			// The go-git library doesn't support cloning repositories
			// without naming the default branch explicitly, so try the
			// common ones. It's advantageous to try the correct one first.
			var cloneErr error
			for _, branch := range []string{"main", "master", "trunk"} {
				_, branchErr := git.Clone(ctx, p, git.CloneOptions{
					URL:          m.url,
					SingleBranch: true,
					Branch:       branch,
				})
				if branchErr == nil {
					return nil
				}
				if cloneErr == nil || !strings.Contains(branchErr.Error(), "couldn't find remote ref") {
					cloneErr = branchErr
				}
			}
			return cloneErr
		})
		if err != nil {
			return err
		}
	}
	if ok, err := isDirectory(m.path); err != nil || !ok {
		// Never synced. Nothing to load.
		return nil
	}
	return m.FeedCatalog.Load(ui)
}

// ClearCache removes the checkout.
func (m *GitMirror) ClearCache(ctx context.Context) error {
	return m.withFileLock(ctx, func(p string) error {
		return os.RemoveAll(p)
	})
}

// MirrorConfig names a git-backed feed mirror in the configuration.
type MirrorConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type MirrorConfigs []MirrorConfig

// Load checks out (or updates, when sync is true) every configured
// mirror under cacheRoot and loads its catalog.
func (cfgs MirrorConfigs) Load(ctx context.Context, sync bool, cacheRoot string, ui UI) ([]*FeedCatalog, error) {
	var result []*FeedCatalog
	for _, cfg := range cfgs {
		mirror := NewGitMirror(cfg.Name, cfg.URL, cacheRoot)
		if err := mirror.Load(ctx, sync, ui); err != nil {
			return nil, err
		}
		result = append(result, &mirror.FeedCatalog)
	}
	return result, nil
}

// Provider is the standard feed provider: local paths load directly,
// everything else is looked up in the feed cache and the configured
// catalogs. Actual network download of feeds is out of scope here; a
// remote feed that is neither cached nor mirrored is unavailable.
type Provider struct {
	cache    *FeedCache
	catalogs []*FeedCatalog
	config   *Config
	ui       UI
}

var _ FeedProvider = (*Provider)(nil)

func NewProvider(cache *FeedCache, catalogs []*FeedCatalog, config *Config, ui UI) *Provider {
	return &Provider{
		cache:    cache,
		catalogs: catalogs,
		config:   config,
		ui:       ui,
	}
}

func (p *Provider) Get(ctx context.Context, feedID string) (*Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !IsValidFeedID(feedID) {
		return nil, fmt.Errorf("'%s': %w", feedID, ErrInvalidInterfaceURI)
	}
	if filepath.IsAbs(feedID) {
		feed, err := ParseFeedFile(feedID, p.ui)
		if err != nil {
			return nil, err
		}
		feed.source = feedID
		return feed, nil
	}
	if p.cache != nil {
		feed, cachedAt, err := p.cache.Get(feedID)
		if err == nil {
			if p.config.IsStale(cachedAt) && p.config.Network != NetworkOffline {
				p.ui.ReportInfo("Feed '%s' is stale; consider refreshing", feedID)
			}
			return feed, nil
		}
	}
	for _, catalog := range p.catalogs {
		if feed := catalog.Lookup(feedID); feed != nil {
			return feed, nil
		}
	}
	if p.config != nil && p.config.Network == NetworkOffline {
		return nil, fmt.Errorf("'%s' is not cached and the network is offline: %w", feedID, ErrFeedUnavailable)
	}
	return nil, fmt.Errorf("'%s': %w", feedID, ErrFeedUnavailable)
}
