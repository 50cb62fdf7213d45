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

	"github.com/zeroinstall/zpkg/pkg/set"
)

// CompositeStore scans an ordered list of sub-stores. Typically the
// first store is the user's own (writable) and later ones are shared
// system stores.
type CompositeStore struct {
	stores []Store
}

var _ Store = (*CompositeStore)(nil)

func NewCompositeStore(stores ...Store) *CompositeStore {
	return &CompositeStore{stores: stores}
}

func (c *CompositeStore) Contains(digest ManifestDigest) bool {
	for _, store := range c.stores {
		if store.Contains(digest) {
			return true
		}
	}
	return false
}

func (c *CompositeStore) GetPath(digest ManifestDigest) (string, error) {
	for _, store := range c.stores {
		p, err := store.GetPath(digest)
		if err == nil {
			return p, nil
		}
	}
	return "", ErrImplementationNotFound
}

// ListAll returns the union over all sub-stores, deduplicated on the
// "algorithm=value" entry form.
func (c *CompositeStore) ListAll() ([]ManifestDigest, error) {
	seen := set.String{}
	var result []ManifestDigest
	for _, store := range c.stores {
		digests, err := store.ListAll()
		if err != nil {
			return nil, err
		}
		for _, digest := range digests {
			key := digest.String()
			if seen.Contains(key) {
				continue
			}
			seen.Add(key)
			result = append(result, digest)
		}
	}
	return result, nil
}

// AddDirectory writes to the first sub-store that accepts the entry.
func (c *CompositeStore) AddDirectory(ctx context.Context, source string, expected ManifestDigest) error {
	return c.addToFirst(func(store Store) error {
		return store.AddDirectory(ctx, source, expected)
	})
}

func (c *CompositeStore) AddArchives(ctx context.Context, archives []Archive, expected ManifestDigest) error {
	return c.addToFirst(func(store Store) error {
		return store.AddArchives(ctx, archives, expected)
	})
}

func (c *CompositeStore) addToFirst(add func(Store) error) error {
	var firstErr error
	for _, store := range c.stores {
		err := add(store)
		if err == nil {
			return nil
		}
		if _, isMismatch := err.(*DigestMismatchError); isMismatch {
			// Integrity failures are final; a later store would fail the
			// same way.
			return err
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Remove removes the entry from every sub-store that contains it.
func (c *CompositeStore) Remove(ctx context.Context, digest ManifestDigest) error {
	found := false
	for _, store := range c.stores {
		if !store.Contains(digest) {
			continue
		}
		if err := store.Remove(ctx, digest); err != nil {
			return err
		}
		found = true
	}
	if !found {
		return ErrImplementationNotFound
	}
	return nil
}

func (c *CompositeStore) Verify(ctx context.Context, digest ManifestDigest) error {
	for _, store := range c.stores {
		if !store.Contains(digest) {
			continue
		}
		if err := store.Verify(ctx, digest); err != nil {
			return err
		}
	}
	return nil
}

func (c *CompositeStore) Optimise(ctx context.Context) (int64, error) {
	var saved int64
	for _, store := range c.stores {
		n, err := store.Optimise(ctx)
		saved += n
		if err != nil {
			return saved, err
		}
	}
	return saved, nil
}
