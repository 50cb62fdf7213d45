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
	"time"

	"github.com/alexflint/go-filemutex"
	"github.com/pmezard/go-difflib/difflib"
)

// Store is a content-addressed cache of extracted implementations,
// keyed by manifest digest. Entries are directories named
// "algorithm=value"; they are write-once and read-only after
// publication, so concurrent readers need no coordination.
type Store interface {
	// Contains returns true iff at least one algorithm entry of digest
	// resolves to a directory in the store.
	Contains(digest ManifestDigest) bool

	// GetPath returns the directory of the first matching entry.
	// Fails with ErrImplementationNotFound if there is none.
	GetPath(digest ManifestDigest) (string, error)

	// ListAll returns a digest for every store entry.
	ListAll() ([]ManifestDigest, error)

	// AddDirectory atomically adopts a copy of source into the store
	// under the name derived from expected. Adding content that is
	// already present is a successful no-op.
	AddDirectory(ctx context.Context, source string, expected ManifestDigest) error

	// AddArchives stages a directory by extracting the archives in
	// order, then continues like AddDirectory.
	AddArchives(ctx context.Context, archives []Archive, expected ManifestDigest) error

	// Remove deletes the entries identified by digest.
	// Fails with ErrImplementationNotFound if there are none.
	Remove(ctx context.Context, digest ManifestDigest) error

	// Verify re-manifests the entry and checks it still matches its
	// name. A mismatch is reported and returned as *DigestMismatchError.
	Verify(ctx context.Context, digest ManifestDigest) error

	// Optimise hardlink-deduplicates identical files across entries and
	// returns the number of bytes saved.
	Optimise(ctx context.Context) (int64, error)
}

// DirectoryStore is the standard on-disk store rooted at a single
// directory.
type DirectoryStore struct {
	root string
	ui   UI
}

var _ Store = (*DirectoryStore)(nil)

const storeReadmeContent string = `# Implementation Cache

This directory contains extracted implementations, named by the digest
of their contents. Entries are verified on download and are read-only;
do not edit them, as that would invalidate their digests.

Entries can always be fetched again, so it is safe to remove them.
`

// NewDirectoryStore creates a store rooted at root, creating the
// directory (and a README explaining it) if necessary.
func NewDirectoryStore(root string, ui UI) (*DirectoryStore, error) {
	stat, err := os.Stat(root)
	if err == nil && !stat.IsDir() {
		return nil, ui.ReportError("Store path already exists but is not a directory: '%s'", root)
	}
	if os.IsNotExist(err) {
		if err := os.MkdirAll(root, 0755); err != nil {
			return nil, err
		}
		readmePath := filepath.Join(root, "README.md")
		if err := os.WriteFile(readmePath, []byte(storeReadmeContent), 0644); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return &DirectoryStore{root: root, ui: ui}, nil
}

// Root returns the store's root directory.
func (s *DirectoryStore) Root() string {
	return s.root
}

func (s *DirectoryStore) entryPath(entry string) string {
	return filepath.Join(s.root, entry)
}

func (s *DirectoryStore) Contains(digest ManifestDigest) bool {
	for _, entry := range digest.Entries() {
		if ok, err := isDirectory(s.entryPath(entry)); err == nil && ok {
			return true
		}
	}
	return false
}

func (s *DirectoryStore) GetPath(digest ManifestDigest) (string, error) {
	for _, entry := range digest.Entries() {
		p := s.entryPath(entry)
		if ok, err := isDirectory(p); err == nil && ok {
			return p, nil
		}
	}
	return "", ErrImplementationNotFound
}

func (s *DirectoryStore) ListAll() ([]ManifestDigest, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var result []ManifestDigest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		algo, value, err := ParseDigestEntry(entry.Name())
		if err != nil {
			// Temp dirs and foreign files are not store entries.
			continue
		}
		var d ManifestDigest
		d.Add(algo, value)
		result = append(result, d)
	}
	return result, nil
}

// stageTemp allocates a fresh staging directory inside the store so
// that the final rename stays on one filesystem.
func (s *DirectoryStore) stageTemp() (string, error) {
	return os.MkdirTemp(s.root, fmt.Sprintf("tmp-%d-", os.Getpid()))
}

func (s *DirectoryStore) AddDirectory(ctx context.Context, source string, expected ManifestDigest) error {
	if ok, err := isDirectory(source); err != nil || !ok {
		if err != nil {
			return err
		}
		return s.ui.ReportError("Source '%s' is not a directory", source)
	}
	if s.Contains(expected) {
		return nil
	}
	tmp, err := s.stageTemp()
	if err != nil {
		return err
	}
	if err := copyTree(source, tmp); err != nil {
		removeTree(tmp)
		return err
	}
	return s.sealStaged(ctx, tmp, expected)
}

func (s *DirectoryStore) AddArchives(ctx context.Context, archives []Archive, expected ManifestDigest) error {
	if s.Contains(expected) {
		return nil
	}
	tmp, err := s.stageTemp()
	if err != nil {
		return err
	}
	for _, archive := range archives {
		if err := ctx.Err(); err != nil {
			removeTree(tmp)
			return err
		}
		if err := extractArchive(archive, tmp); err != nil {
			removeTree(tmp)
			return s.ui.ReportError("Failed to extract '%s': %v", archive.Path, err)
		}
	}
	return s.sealStaged(ctx, tmp, expected)
}

// sealStaged runs steps 3-6 of the add protocol on a fully populated
// staging directory: manifest, compare, rename, seal. The staging
// directory is consumed (renamed or deleted) in every outcome.
func (s *DirectoryStore) sealStaged(ctx context.Context, tmp string, expected ManifestDigest) error {
	cleanup := true
	defer func() {
		if cleanup {
			removeTree(tmp)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	algo, value, ok := expected.Best()
	if !ok {
		return s.ui.ReportError("Cannot add to store without an expected digest")
	}
	manifest, err := GenerateManifest(tmp, algo)
	if err != nil {
		return err
	}
	actual := DigestOfManifest(manifest, algo)
	if actual != value {
		return &DigestMismatchError{Algorithm: algo, Expected: value, Actual: actual}
	}
	manifestPath := filepath.Join(tmp, ManifestFileName)
	if err := os.WriteFile(manifestPath, manifest, 0444); err != nil {
		return err
	}
	if err := sealReadOnly(tmp); err != nil {
		return err
	}

	final := s.entryPath(string(algo) + "=" + value)
	if err := os.Rename(tmp, final); err != nil {
		if ok, statErr := isDirectory(final); statErr == nil && ok {
			// Another writer published the same digest first. The store
			// is idempotent over (source, digest): discard and succeed.
			return nil
		}
		return err
	}
	cleanup = false
	return nil
}

func (s *DirectoryStore) Remove(ctx context.Context, digest ManifestDigest) error {
	return s.withStoreLock(ctx, func() error {
		found := false
		for _, entry := range digest.Entries() {
			p := s.entryPath(entry)
			if ok, err := isDirectory(p); err != nil || !ok {
				continue
			}
			found = true
			if err := removeTree(p); err != nil {
				return err
			}
		}
		if !found {
			return ErrImplementationNotFound
		}
		return nil
	})
}

func (s *DirectoryStore) Verify(ctx context.Context, digest ManifestDigest) error {
	for _, entry := range digest.Entries() {
		p := s.entryPath(entry)
		if ok, err := isDirectory(p); err != nil || !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		algo, value, err := ParseDigestEntry(entry)
		if err != nil {
			return err
		}
		manifest, err := GenerateManifest(p, algo)
		if err != nil {
			return err
		}
		actual := DigestOfManifest(manifest, algo)
		if actual == value {
			continue
		}
		s.reportCorrupt(p, manifest)
		return &DigestMismatchError{Algorithm: algo, Expected: value, Actual: actual}
	}
	return nil
}

// reportCorrupt shows what changed inside a corrupt entry, when the
// sealed manifest sidecar is still around to diff against.
func (s *DirectoryStore) reportCorrupt(entryPath string, actual []byte) {
	recorded, err := os.ReadFile(filepath.Join(entryPath, ManifestFileName))
	if err != nil {
		s.ui.ReportWarning("Store entry '%s' is corrupt", entryPath)
		return
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(recorded)),
		B:        difflib.SplitLines(string(actual)),
		FromFile: "sealed manifest",
		ToFile:   "current content",
		Context:  1,
	})
	if err != nil || diff == "" {
		s.ui.ReportWarning("Store entry '%s' is corrupt", entryPath)
		return
	}
	s.ui.ReportWarning("Store entry '%s' is corrupt:\n%s", entryPath, diff)
}

// withStoreLock runs f under an exclusive advisory lock on the store
// root, so that deleting and rewriting operations don't race with each
// other or with concurrent writers.
func (s *DirectoryStore) withStoreLock(ctx context.Context, f func() error) error {
	lockPath := filepath.Join(s.root, storeLockName)
	m, err := filemutex.New(lockPath)
	if err != nil {
		return err
	}

	unlocked := make(chan struct{})
	ctx, cancel := context.WithTimeout(ctx, time.Minute*3)
	defer cancel()

	// The following has a race condition:
	// We could get the lock, then enter the `default` select, but before
	// closing the channel, the ctx is done and the second select becomes
	// non-deterministic.
	// In that case we don't even unlock anymore.
	// It's a bad case, but better than not giving any error-message.
	go func() {
		m.Lock()
		select {
		case <-ctx.Done():
			m.Unlock()
		default:
			close(unlocked)
		}
	}()
	select {
	case <-unlocked:
		defer m.Unlock()
	case <-ctx.Done():
		return fmt.Errorf("unable to acquire store lock %s", lockPath)
	}

	return f()
}

// sealReadOnly makes every file 0444 (0555 when executable) and every
// directory 0555. Directories are handled after their contents so the
// walk can still descend.
func sealReadOnly(dir string) error {
	var dirs []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		if info.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		mode := os.FileMode(0444)
		if info.Mode()&0111 != 0 {
			mode = 0555
		}
		return os.Chmod(path, mode)
	})
	if err != nil {
		return err
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Chmod(dirs[i], 0555); err != nil {
			return err
		}
	}
	return nil
}

// removeTree deletes a possibly sealed tree. Read-only directories must
// be made writable again before their contents can be unlinked.
func removeTree(dir string) error {
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			_ = os.Chmod(path, 0755)
		}
		return nil
	})
	return os.RemoveAll(dir)
}
