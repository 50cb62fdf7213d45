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
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Archive describes one downloaded archive to be staged into a store
// entry. Archives are extracted in order; later archives may overlay
// earlier ones.
type Archive struct {
	// Path of the local archive file.
	Path string
	// MimeType of the archive. Derived from the file extension when
	// empty.
	MimeType string
	// Extract names a sub-directory of the archive; only its contents
	// are used, with the prefix stripped.
	Extract string
	// Dest is the directory inside the implementation to extract into.
	// Empty means the implementation root.
	Dest string
}

const (
	mimeZip   = "application/zip"
	mimeTar   = "application/x-tar"
	mimeTarGz = "application/x-compressed-tar"
)

func (a Archive) mimeType() string {
	if a.MimeType != "" {
		return a.MimeType
	}
	switch {
	case strings.HasSuffix(a.Path, ".zip"):
		return mimeZip
	case strings.HasSuffix(a.Path, ".tar.gz"), strings.HasSuffix(a.Path, ".tgz"):
		return mimeTarGz
	case strings.HasSuffix(a.Path, ".tar"):
		return mimeTar
	}
	return ""
}

// extractArchive unpacks the archive into target, honouring the
// archive's Extract sub-path and Dest offset.
func extractArchive(archive Archive, target string) error {
	if archive.Dest != "" {
		target = filepath.Join(target, filepath.FromSlash(archive.Dest))
		if err := os.MkdirAll(target, 0755); err != nil {
			return err
		}
	}
	switch archive.mimeType() {
	case mimeZip:
		return extractZip(archive, target)
	case mimeTar:
		return extractTar(archive, target, false)
	case mimeTarGz:
		return extractTar(archive, target, true)
	}
	return fmt.Errorf("unsupported archive type for '%s'", archive.Path)
}

// stripExtract maps an archive member name to its path under the
// target, or "" when the member lies outside the Extract sub-path.
func stripExtract(extract string, name string) (string, error) {
	name = filepath.ToSlash(name)
	name = strings.TrimPrefix(name, "./")
	if strings.HasPrefix(name, "/") || strings.Contains(name, "..") {
		return "", fmt.Errorf("unsafe archive member '%s'", name)
	}
	if extract != "" {
		prefix := strings.TrimSuffix(extract, "/") + "/"
		if !strings.HasPrefix(name, prefix) {
			return "", nil
		}
		name = name[len(prefix):]
	}
	if name == "" {
		return "", nil
	}
	return filepath.FromSlash(name), nil
}

func extractZip(archive Archive, target string) error {
	r, err := zip.OpenReader(archive.Path)
	if err != nil {
		return err
	}
	defer r.Close()
	for _, f := range r.File {
		rel, err := stripExtract(archive.Extract, f.Name)
		if err != nil {
			return err
		}
		if rel == "" {
			continue
		}
		dest := filepath.Join(target, rel)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = writeExtracted(dest, rc, f.Mode().Perm())
		rc.Close()
		if err != nil {
			return err
		}
		if err := os.Chtimes(dest, f.Modified, f.Modified); err != nil {
			return err
		}
	}
	return nil
}

func extractTar(archive Archive, target string, compressed bool) error {
	f, err := os.Open(archive.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	var reader io.Reader = f
	if compressed {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer gz.Close()
		reader = gz
	}
	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		rel, err := stripExtract(archive.Extract, hdr.Name)
		if err != nil {
			return err
		}
		if rel == "" {
			continue
		}
		dest := filepath.Join(target, rel)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0755); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, dest); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return err
			}
			if err := writeExtracted(dest, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
			if err := os.Chtimes(dest, hdr.ModTime, hdr.ModTime); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported member type in '%s': %s", archive.Path, hdr.Name)
		}
	}
}

func writeExtracted(dest string, r io.Reader, perm os.FileMode) error {
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, r)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return err
}
