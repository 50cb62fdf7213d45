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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// dedupKey identifies files that may share an inode without changing
// any manifest: hardlinked files share content, size and mtime, so only
// files agreeing on all manifest-visible attributes may be merged.
type dedupKey struct {
	hash  string
	size  int64
	mtime int64
	exec  bool
}

// Optimise hardlink-deduplicates identical files across store entries
// and returns the number of bytes saved. It runs under the store lock
// so entries cannot be removed underneath it.
func (s *DirectoryStore) Optimise(ctx context.Context) (int64, error) {
	var saved int64
	err := s.withStoreLock(ctx, func() error {
		entries, err := s.ListAll()
		if err != nil {
			return err
		}
		canonical := map[dedupKey]string{}
		for _, digest := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := s.GetPath(digest)
			if err != nil {
				return err
			}
			n, err := s.optimiseEntry(p, canonical)
			if err != nil {
				return err
			}
			saved += n
		}
		return nil
	})
	return saved, err
}

func (s *DirectoryStore) optimiseEntry(entryPath string, canonical map[dedupKey]string) (int64, error) {
	var saved int64
	err := filepath.Walk(entryPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() || info.Size() == 0 {
			return nil
		}
		key, err := fileDedupKey(path, info)
		if err != nil {
			return err
		}
		first, ok := canonical[key]
		if !ok {
			canonical[key] = path
			return nil
		}
		same, err := sameInode(first, path)
		if err != nil || same {
			return err
		}
		if err := s.relinkFile(first, path); err != nil {
			return err
		}
		saved += info.Size()
		return nil
	})
	return saved, err
}

func fileDedupKey(path string, info os.FileInfo) (dedupKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return dedupKey{}, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return dedupKey{}, err
	}
	return dedupKey{
		hash:  hex.EncodeToString(h.Sum(nil)),
		size:  info.Size(),
		mtime: info.ModTime().Unix(),
		exec:  info.Mode()&0111 != 0,
	}, nil
}

func sameInode(a string, b string) (bool, error) {
	infoA, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	infoB, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(infoA, infoB), nil
}

// relinkFile replaces dup with a hardlink to first. The link is staged
// next to the store root and atomically swapped over the duplicate; the
// sealed parent directory is made writable only for the swap.
func (s *DirectoryStore) relinkFile(first string, dup string) error {
	tmpDir, err := os.MkdirTemp(s.root, fmt.Sprintf("tmp-%d-link-", os.Getpid()))
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)
	tmpLink := filepath.Join(tmpDir, "link")
	if err := os.Link(first, tmpLink); err != nil {
		return err
	}

	parent := filepath.Dir(dup)
	parentInfo, err := os.Stat(parent)
	if err != nil {
		return err
	}
	if err := os.Chmod(parent, 0755); err != nil {
		return err
	}
	renameErr := os.Rename(tmpLink, dup)
	if err := os.Chmod(parent, parentInfo.Mode().Perm()); err != nil && renameErr == nil {
		renameErr = err
	}
	return renameErr
}
