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
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// A manifest is the canonical textual fingerprint of a directory tree.
// One line per entry, in a depth-first traversal with each directory's
// entries sorted by name (files and symlinks first, then
// subdirectories):
//
//	F <hash> <mtime> <size> <name>   regular file
//	X <hash> <mtime> <size> <name>   executable file
//	S <hash> <size> <name>           symlink (hash of the target)
//	D /<path>                        directory
//
// Timestamps are truncated to whole seconds. The digest of the directory
// is the hash of the manifest text.

// Algorithm names a manifest digest algorithm.
type Algorithm string

const (
	AlgoSha1New   Algorithm = "sha1new"
	AlgoSha256    Algorithm = "sha256"
	AlgoSha256New Algorithm = "sha256new"
)

// ManifestFileName is the optional sidecar recording the manifest an
// entry was sealed with. It lives at the top level of a store entry and
// is excluded from manifest computation.
const ManifestFileName = ".manifest"

var algorithms = map[Algorithm]bool{
	AlgoSha1New:   true,
	AlgoSha256:    true,
	AlgoSha256New: true,
}

// IsValid returns whether the algorithm is one of the supported kinds.
func (a Algorithm) IsValid() bool {
	return algorithms[a]
}

func (a Algorithm) newHash() hash.Hash {
	if a == AlgoSha1New {
		return sha1.New()
	}
	return sha256.New()
}

var base32NoPad = base32.StdEncoding.WithPadding(base32.NoPadding)

// encodeDigest renders a raw hash sum in the algorithm's digest
// notation: lower-case hex, except sha256new which uses unpadded
// base32.
func (a Algorithm) encodeDigest(sum []byte) string {
	if a == AlgoSha256New {
		return base32NoPad.EncodeToString(sum)
	}
	return hex.EncodeToString(sum)
}

// encodeLineHash renders a per-entry content hash for manifest lines.
// These are always hex, for every algorithm.
func encodeLineHash(sum []byte) string {
	return hex.EncodeToString(sum)
}

// GenerateManifest computes the canonical manifest of dir using the
// given algorithm.
func GenerateManifest(dir string, algo Algorithm) ([]byte, error) {
	if !algo.IsValid() {
		return nil, fmt.Errorf("unknown digest algorithm '%s'", algo)
	}
	var buf bytes.Buffer
	if err := writeManifestDir(&buf, dir, "", algo); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeManifestDir(buf *bytes.Buffer, root string, rel string, algo Algorithm) error {
	full := filepath.Join(root, filepath.FromSlash(rel))
	entries, err := os.ReadDir(full)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var dirs []string
	for _, entry := range entries {
		name := entry.Name()
		if rel == "" && name == ManifestFileName {
			continue
		}
		if strings.ContainsAny(name, "\n") {
			return fmt.Errorf("cannot manifest '%s': newline in name", name)
		}
		if entry.IsDir() {
			dirs = append(dirs, name)
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		entryPath := filepath.Join(full, name)
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(entryPath)
			if err != nil {
				return err
			}
			h := algo.newHash()
			h.Write([]byte(target))
			fmt.Fprintf(buf, "S %s %d %s\n", encodeLineHash(h.Sum(nil)), len(target), name)
			continue
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("cannot manifest '%s': not a regular file", entryPath)
		}
		sum, err := hashFile(entryPath, algo)
		if err != nil {
			return err
		}
		kind := "F"
		if info.Mode()&0111 != 0 {
			kind = "X"
		}
		fmt.Fprintf(buf, "%s %s %d %d %s\n", kind, encodeLineHash(sum), info.ModTime().Unix(), info.Size(), name)
	}
	for _, name := range dirs {
		sub := name
		if rel != "" {
			sub = rel + "/" + name
		}
		fmt.Fprintf(buf, "D /%s\n", sub)
		if err := writeManifestDir(buf, root, sub, algo); err != nil {
			return err
		}
	}
	return nil
}

func hashFile(path string, algo Algorithm) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := algo.newHash()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// DigestOfManifest hashes manifest text into the digest value that
// names a store entry.
func DigestOfManifest(manifest []byte, algo Algorithm) string {
	h := algo.newHash()
	h.Write(manifest)
	return algo.encodeDigest(h.Sum(nil))
}

// DigestDirectory manifests dir and returns its "algo=value" digest.
func DigestDirectory(dir string, algo Algorithm) (ManifestDigest, error) {
	manifest, err := GenerateManifest(dir, algo)
	if err != nil {
		return ManifestDigest{}, err
	}
	var d ManifestDigest
	d.Add(algo, DigestOfManifest(manifest, algo))
	return d, nil
}
