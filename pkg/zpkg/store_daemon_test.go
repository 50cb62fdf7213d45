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
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestDaemon serves a fresh store on a unix socket for the
// duration of the test.
func startTestDaemon(t *testing.T) (*DaemonStore, *DirectoryStore) {
	t.Helper()
	serverStore := newTestStore(t)
	socketPath := filepath.Join(t.TempDir(), "store.sock")
	l, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go NewDaemonServer(serverStore, NullUI).Serve(ctx, l)

	return NewDaemonStore(serverStore.Root(), socketPath, NullUI), serverStore
}

func Test_DaemonStoreAdd(t *testing.T) {
	ctx := context.Background()
	client, server := startTestDaemon(t)
	source := buildTestTree(t)
	digest, err := DigestDirectory(source, AlgoSha256New)
	require.NoError(t, err)

	require.NoError(t, client.AddDirectory(ctx, source, digest))
	assert.True(t, client.Contains(digest))
	assert.True(t, server.Contains(digest))
	require.NoError(t, client.Verify(ctx, digest))

	// Adding again is a no-op.
	require.NoError(t, client.AddDirectory(ctx, source, digest))
	all, err := client.ListAll()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func Test_DaemonStoreRejectsBadDigest(t *testing.T) {
	ctx := context.Background()
	client, server := startTestDaemon(t)
	source := buildTestTree(t)

	wrong, err := NewManifestDigest("sha256new=" + strings.Repeat("A", 52))
	require.NoError(t, err)

	err = client.AddDirectory(ctx, source, wrong)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest mismatch")
	assert.False(t, server.Contains(wrong))

	// The server verifies on its own staged copy; nothing was adopted.
	all, err := server.ListAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func Test_DaemonStoreRemove(t *testing.T) {
	ctx := context.Background()
	client, server := startTestDaemon(t)
	source := buildTestTree(t)
	digest, err := DigestDirectory(source, AlgoSha256New)
	require.NoError(t, err)
	require.NoError(t, client.AddDirectory(ctx, source, digest))

	require.NoError(t, client.Remove(ctx, digest))
	assert.False(t, server.Contains(digest))

	err = client.Remove(ctx, digest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func Test_DaemonRejectsForeignPaths(t *testing.T) {
	client, _ := startTestDaemon(t)

	resp, err := client.call(context.Background(), daemonRequest{
		Op:   "commit",
		Path: "/etc",
	})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Contains(t, err.Error(), "not a staged directory")
}
