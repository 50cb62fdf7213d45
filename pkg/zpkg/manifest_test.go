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
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMtime = time.Unix(1600000000, 0)

// writeTestFile creates a file with a fixed mtime so manifests are
// reproducible.
func writeTestFile(t *testing.T, dir string, name string, content string, executable bool) {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	mode := os.FileMode(0644)
	if executable {
		mode = 0755
	}
	require.NoError(t, os.WriteFile(p, []byte(content), mode))
	require.NoError(t, os.Chtimes(p, testMtime, testMtime))
}

// buildTestTree creates the directory layout used by most store and
// manifest tests.
func buildTestTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeTestFile(t, dir, "README", "hello\n", false)
	writeTestFile(t, dir, "bin/app", "#!/bin/sh\n", true)
	writeTestFile(t, dir, "lib/data.txt", "data\n", false)
	require.NoError(t, os.Symlink("README", filepath.Join(dir, "readme-link")))
	return dir
}

func Test_ManifestShape(t *testing.T) {
	dir := buildTestTree(t)
	manifest, err := GenerateManifest(dir, AlgoSha256)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(manifest), "\n"), "\n")

	// Files and symlinks of the root come first (sorted), then the
	// subdirectories, each introduced by a D line.
	require.Len(t, lines, 6)
	assert.True(t, strings.HasPrefix(lines[0], "F "), lines[0])
	assert.True(t, strings.HasSuffix(lines[0], " README"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "S "), lines[1])
	assert.True(t, strings.HasSuffix(lines[1], " readme-link"), lines[1])
	assert.Equal(t, "D /bin", lines[2])
	assert.True(t, strings.HasPrefix(lines[3], "X "), lines[3])
	assert.True(t, strings.HasSuffix(lines[3], " app"), lines[3])
	assert.Equal(t, "D /lib", lines[4])
	assert.True(t, strings.HasPrefix(lines[5], "F "), lines[5])

	// F <hash> <mtime> <size> <name>
	parts := strings.Split(lines[0], " ")
	require.Len(t, parts, 5)
	assert.Equal(t, "1600000000", parts[2])
	assert.Equal(t, "6", parts[3])
}

func Test_ManifestDeterminism(t *testing.T) {
	a := buildTestTree(t)
	b := buildTestTree(t)

	for _, algo := range []Algorithm{AlgoSha1New, AlgoSha256, AlgoSha256New} {
		manifestA, err := GenerateManifest(a, algo)
		require.NoError(t, err)
		manifestB, err := GenerateManifest(b, algo)
		require.NoError(t, err)
		assert.Equal(t, string(manifestA), string(manifestB), algo)
		assert.Equal(t,
			DigestOfManifest(manifestA, algo),
			DigestOfManifest(manifestB, algo),
			algo)
	}
}

func Test_ManifestMtimeRounding(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "file", "x", false)
	precise := time.Unix(1600000000, 999999000)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "file"), precise, precise))

	manifest, err := GenerateManifest(dir, AlgoSha256)
	require.NoError(t, err)
	assert.Contains(t, string(manifest), " 1600000000 ")
}

func Test_ManifestIgnoresSidecar(t *testing.T) {
	dir := buildTestTree(t)
	before, err := GenerateManifest(dir, AlgoSha256New)
	require.NoError(t, err)

	writeTestFile(t, dir, ManifestFileName, "anything", false)
	after, err := GenerateManifest(dir, AlgoSha256New)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	// Only the top-level sidecar is special.
	writeTestFile(t, dir, "lib/.manifest", "anything", false)
	changed, err := GenerateManifest(dir, AlgoSha256New)
	require.NoError(t, err)
	assert.NotEqual(t, string(before), string(changed))
}

func Test_DigestEncodings(t *testing.T) {
	dir := buildTestTree(t)

	hexDigest, err := DigestDirectory(dir, AlgoSha256)
	require.NoError(t, err)
	value := hexDigest.Get(AlgoSha256)
	assert.Len(t, value, 64)
	assert.Equal(t, strings.ToLower(value), value)

	b32Digest, err := DigestDirectory(dir, AlgoSha256New)
	require.NoError(t, err)
	value = b32Digest.Get(AlgoSha256New)
	assert.Len(t, value, 52)
	assert.Equal(t, strings.ToUpper(value), value)
	assert.NotContains(t, value, "=")
}

func Test_ManifestUnknownAlgorithm(t *testing.T) {
	_, err := GenerateManifest(t.TempDir(), Algorithm("md5"))
	assert.Error(t, err)
}
