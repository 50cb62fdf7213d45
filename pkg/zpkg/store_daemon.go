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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// The system-wide store is owned by a privileged daemon. Unprivileged
// clients read it directly (entries are world-readable), but writes go
// through the daemon: the daemon hands out a staging directory the
// caller may populate, then revokes the caller's write access,
// re-verifies the digest on the staged data itself and only then
// adopts it. A client can never place unverified content in the store.
//
// The protocol is newline-delimited JSON over a unix socket, one
// request and one response per line.

type daemonRequest struct {
	Op     string   `json:"op"`
	Path   string   `json:"path,omitempty"`
	Digest []string `json:"digest,omitempty"`
}

type daemonResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Path  string `json:"path,omitempty"`
	Saved int64  `json:"saved,omitempty"`
}

// DaemonStore is the client side of the privileged store: reads are
// served from the shared root directly, mutations are delegated over
// the daemon socket.
type DaemonStore struct {
	view       *DirectoryStore
	socketPath string
	ui         UI
}

var _ Store = (*DaemonStore)(nil)

// NewDaemonStore returns a store view of root whose writes are
// delegated to the daemon listening on socketPath.
func NewDaemonStore(root string, socketPath string, ui UI) *DaemonStore {
	return &DaemonStore{
		view:       &DirectoryStore{root: root, ui: ui},
		socketPath: socketPath,
		ui:         ui,
	}
}

func (d *DaemonStore) Contains(digest ManifestDigest) bool {
	return d.view.Contains(digest)
}

func (d *DaemonStore) GetPath(digest ManifestDigest) (string, error) {
	return d.view.GetPath(digest)
}

func (d *DaemonStore) ListAll() ([]ManifestDigest, error) {
	return d.view.ListAll()
}

func (d *DaemonStore) Verify(ctx context.Context, digest ManifestDigest) error {
	return d.view.Verify(ctx, digest)
}

func (d *DaemonStore) call(ctx context.Context, req daemonRequest) (*daemonResponse, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", d.socketPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, err
	}
	var resp daemonResponse
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("store daemon: %s", resp.Error)
	}
	return &resp, nil
}

// stageAndCommit asks the daemon for a staging directory, lets populate
// fill it, and has the daemon verify and adopt the result.
func (d *DaemonStore) stageAndCommit(ctx context.Context, expected ManifestDigest, populate func(staged string) error) error {
	resp, err := d.call(ctx, daemonRequest{Op: "stage"})
	if err != nil {
		return err
	}
	staged := resp.Path
	if err := populate(staged); err != nil {
		_, _ = d.call(ctx, daemonRequest{Op: "discard", Path: staged})
		return err
	}
	_, err = d.call(ctx, daemonRequest{
		Op:     "commit",
		Path:   staged,
		Digest: expected.Entries(),
	})
	return err
}

func (d *DaemonStore) AddDirectory(ctx context.Context, source string, expected ManifestDigest) error {
	if d.Contains(expected) {
		return nil
	}
	return d.stageAndCommit(ctx, expected, func(staged string) error {
		return copyTree(source, staged)
	})
}

func (d *DaemonStore) AddArchives(ctx context.Context, archives []Archive, expected ManifestDigest) error {
	if d.Contains(expected) {
		return nil
	}
	return d.stageAndCommit(ctx, expected, func(staged string) error {
		for _, archive := range archives {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := extractArchive(archive, staged); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *DaemonStore) Remove(ctx context.Context, digest ManifestDigest) error {
	_, err := d.call(ctx, daemonRequest{Op: "remove", Digest: digest.Entries()})
	return err
}

func (d *DaemonStore) Optimise(ctx context.Context) (int64, error) {
	resp, err := d.call(ctx, daemonRequest{Op: "optimise"})
	if err != nil {
		return 0, err
	}
	return resp.Saved, nil
}

// DaemonServer is the privileged side. It owns a DirectoryStore and
// serves the delegation protocol.
type DaemonServer struct {
	store *DirectoryStore
	ui    UI
}

func NewDaemonServer(store *DirectoryStore, ui UI) *DaemonServer {
	return &DaemonServer{store: store, ui: ui}
}

// Serve accepts connections until the listener is closed or the
// context is cancelled.
func (srv *DaemonServer) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go srv.handle(ctx, conn)
	}
}

func (srv *DaemonServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	decoder := json.NewDecoder(bufio.NewReader(conn))
	encoder := json.NewEncoder(conn)
	for {
		var req daemonRequest
		if err := decoder.Decode(&req); err != nil {
			return
		}
		resp := srv.dispatch(ctx, req)
		if err := encoder.Encode(resp); err != nil {
			return
		}
	}
}

func (srv *DaemonServer) dispatch(ctx context.Context, req daemonRequest) daemonResponse {
	fail := func(err error) daemonResponse {
		return daemonResponse{OK: false, Error: err.Error()}
	}
	switch req.Op {
	case "stage":
		staged, err := srv.store.stageTemp()
		if err != nil {
			return fail(err)
		}
		// The caller populates the directory, so it needs write access
		// until commit.
		if err := os.Chmod(staged, 0777); err != nil {
			removeTree(staged)
			return fail(err)
		}
		return daemonResponse{OK: true, Path: staged}
	case "discard":
		if err := srv.checkStaged(req.Path); err != nil {
			return fail(err)
		}
		if err := removeTree(req.Path); err != nil {
			return fail(err)
		}
		return daemonResponse{OK: true}
	case "commit":
		if err := srv.checkStaged(req.Path); err != nil {
			return fail(err)
		}
		// Revoke the caller's write access before verifying, so the
		// content cannot change between check and use.
		if err := os.Chmod(req.Path, 0700); err != nil {
			removeTree(req.Path)
			return fail(err)
		}
		expected, err := NewManifestDigest(req.Digest...)
		if err != nil {
			removeTree(req.Path)
			return fail(err)
		}
		if err := srv.store.sealStaged(ctx, req.Path, expected); err != nil {
			return fail(err)
		}
		return daemonResponse{OK: true}
	case "remove":
		digest, err := NewManifestDigest(req.Digest...)
		if err != nil {
			return fail(err)
		}
		if err := srv.store.Remove(ctx, digest); err != nil {
			return fail(err)
		}
		return daemonResponse{OK: true}
	case "optimise":
		saved, err := srv.store.Optimise(ctx)
		if err != nil {
			return fail(err)
		}
		return daemonResponse{OK: true, Saved: saved}
	}
	return fail(fmt.Errorf("unknown operation '%s'", req.Op))
}

// checkStaged only accepts paths the daemon itself staged, keeping the
// protocol from touching arbitrary directories.
func (srv *DaemonServer) checkStaged(path string) error {
	if filepath.Dir(path) != filepath.Clean(srv.store.root) ||
		!strings.HasPrefix(filepath.Base(path), "tmp-") {
		return fmt.Errorf("not a staged directory: '%s'", path)
	}
	return nil
}
