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
	"os"
	"path/filepath"
	"strings"
)

func isDirectory(p string) (bool, error) {
	stat, err := os.Stat(p)
	if err != nil {
		return false, err
	}
	return stat.IsDir(), nil
}

// writeFileIfChanged writes b to path unless the file already has
// exactly that content. Shared documents (selections, preferences) are
// often rewritten unchanged and should not get fresh mtimes.
func writeFileIfChanged(path string, b []byte) error {
	existing, err := os.ReadFile(path)
	if err == nil && bytes.Equal(existing, b) {
		return nil
	}
	return os.WriteFile(path, b, 0644)
}

// copyTree copies the directory tree at source into target, which may
// already exist as an empty directory. Symlinks are copied as links; file
// permissions and mtimes are preserved so that the copy manifests to the
// same digest. Directories are created with mode 0755.
func copyTree(source string, target string) error {
	return filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(target, rel)
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, dest)
		}
		if info.IsDir() {
			return os.MkdirAll(dest, 0755)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.WriteFile(dest, b, info.Mode().Perm()); err != nil {
			return err
		}
		return os.Chtimes(dest, info.ModTime(), info.ModTime())
	})
}

// IsValidFeedID reports whether id is an acceptable feed or interface
// identifier: an absolute http(s) URL or an absolute local path.
func IsValidFeedID(id string) bool {
	if strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://") {
		return len(id) > len("https://")
	}
	return filepath.IsAbs(id)
}
