// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-harbor/agentfs/internal/clock"
	"github.com/agent-harbor/agentfs/internal/config"
	"github.com/agent-harbor/agentfs/storage"
)

func newTestEngine(t *testing.T) (*Engine, BranchID) {
	t.Helper()
	backend := storage.NewInMemoryBackend()
	e, err := New(backend, storage.InMemoryBackstore{}, config.FileSystemConfig{FileMode: 0644, DirMode: 0755}, clock.RealClock{}, true)
	require.NoError(t, err)
	return e, e.RootBranch()
}

func writeFile(t *testing.T, e *Engine, view View, path, content string) {
	t.Helper()
	h, err := e.Open(context.Background(), view, path, OpenFlags{Write: true, Create: true})
	require.NoError(t, err)
	_, err = e.Write(context.Background(), h, 0, []byte(content))
	require.NoError(t, err)
	e.Close(h)
}

func readFile(t *testing.T, e *Engine, view View, path string) string {
	t.Helper()
	h, err := e.Open(context.Background(), view, path, OpenFlags{Read: true})
	require.NoError(t, err)
	defer e.Close(h)
	buf := make([]byte, 4096)
	n, err := e.Read(context.Background(), h, 0, buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestCreateReadWriteRoundTrip(t *testing.T) {
	e, branch := newTestEngine(t)
	view := View{Branch: branch}
	writeFile(t, e, view, "/a.txt", "hello")
	assert.Equal(t, "hello", readFile(t, e, view, "/a.txt"))
}

func TestCreateExistingFails(t *testing.T) {
	e, branch := newTestEngine(t)
	view := View{Branch: branch}
	writeFile(t, e, view, "/a.txt", "x")

	_, err := e.Open(context.Background(), view, "/a.txt", OpenFlags{Write: true, Create: true, Excl: true})
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindExists, kind)
}

func TestMkdirAndReaddir(t *testing.T) {
	e, branch := newTestEngine(t)
	view := View{Branch: branch}
	_, err := e.Mkdir(context.Background(), view, "/dir", 0755)
	require.NoError(t, err)
	writeFile(t, e, view, "/dir/f.txt", "x")

	h, err := e.Open(context.Background(), view, "/dir", OpenFlags{Read: true})
	require.NoError(t, err)
	entries, err := e.Readdir(h)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "f.txt", entries[0].Name)
}

// S3: two branches forked from the same snapshot observe independent
// writes to the same path.
func TestBranchIsolationFromSharedSnapshot(t *testing.T) {
	ctx := context.Background()
	e, b0 := newTestEngine(t)
	view0 := View{Branch: b0}
	writeFile(t, e, view0, "/a", "x")

	snap, err := e.SnapshotCreate(ctx, b0, 0)
	require.NoError(t, err)

	b1, err := e.BranchCreate(ctx, snap.ID, 0)
	require.NoError(t, err)
	b2, err := e.BranchCreate(ctx, snap.ID, 0)
	require.NoError(t, err)

	view1 := View{Branch: b1.ID}
	view2 := View{Branch: b2.ID}
	writeFile(t, e, view1, "/a", "y")
	writeFile(t, e, view2, "/a", "z")

	assert.Equal(t, "y", readFile(t, e, view1, "/a"))
	assert.Equal(t, "z", readFile(t, e, view2, "/a"))
	assert.Equal(t, "x", readFile(t, e, View{Snapshot: snap.ID}, "/a"))
}

// Testable property 5: snapshot stability under further mutation.
func TestSnapshotStability(t *testing.T) {
	ctx := context.Background()
	e, b0 := newTestEngine(t)
	view0 := View{Branch: b0}
	writeFile(t, e, view0, "/a", "x")

	snap, err := e.SnapshotCreate(ctx, b0, 0)
	require.NoError(t, err)

	writeFile(t, e, view0, "/a", "mutated")
	snap2, err := e.SnapshotCreate(ctx, b0, 0)
	require.NoError(t, err)
	writeFile(t, e, view0, "/a", "mutated-again")

	assert.Equal(t, "x", readFile(t, e, View{Snapshot: snap.ID}, "/a"))
	assert.Equal(t, "mutated", readFile(t, e, View{Snapshot: snap2.ID}, "/a"))
	assert.Equal(t, "mutated-again", readFile(t, e, view0, "/a"))
}

// Testable property 8: a Handle's view is pinned at Open time.
func TestHandleViewPinning(t *testing.T) {
	ctx := context.Background()
	e, b0 := newTestEngine(t)
	view0 := View{Branch: b0}
	writeFile(t, e, view0, "/a", "b0-value")

	snap, err := e.SnapshotCreate(ctx, b0, 0)
	require.NoError(t, err)
	b1, err := e.BranchCreate(ctx, snap.ID, 0)
	require.NoError(t, err)

	h, err := e.Open(ctx, View{Branch: b1.ID}, "/a", OpenFlags{Read: true})
	require.NoError(t, err)

	require.NoError(t, e.BranchBind(1234, b1.ID))
	require.NoError(t, e.BranchBind(1234, b0))

	buf := make([]byte, 32)
	n, err := e.Read(ctx, h, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "b0-value", string(buf[:n]))
}

func TestUnlinkRemovesEntry(t *testing.T) {
	ctx := context.Background()
	e, branch := newTestEngine(t)
	view := View{Branch: branch}
	writeFile(t, e, view, "/a", "x")

	require.NoError(t, e.Unlink(ctx, view, "/a"))

	_, err := e.Open(ctx, view, "/a", OpenFlags{Read: true})
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, kind)
}

func TestRenameMovesEntry(t *testing.T) {
	ctx := context.Background()
	e, branch := newTestEngine(t)
	view := View{Branch: branch}
	_, err := e.Mkdir(ctx, view, "/dir", 0755)
	require.NoError(t, err)
	writeFile(t, e, view, "/a", "x")

	require.NoError(t, e.Rename(ctx, view, "/a", "/dir/b"))

	assert.Equal(t, "x", readFile(t, e, view, "/dir/b"))
	_, err = e.Open(ctx, view, "/a", OpenFlags{Read: true})
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, kind)
}

func TestTruncateGrowsAndShrinks(t *testing.T) {
	ctx := context.Background()
	e, branch := newTestEngine(t)
	view := View{Branch: branch}
	writeFile(t, e, view, "/a", "hello world")

	h, err := e.Open(ctx, view, "/a", OpenFlags{Write: true})
	require.NoError(t, err)
	require.NoError(t, e.Truncate(ctx, h, 5))

	attr, err := e.Getattr(h)
	require.NoError(t, err)
	assert.EqualValues(t, 5, attr.Size)
}

func TestSetattrRejectedOnSnapshotView(t *testing.T) {
	ctx := context.Background()
	e, b0 := newTestEngine(t)
	view0 := View{Branch: b0}
	writeFile(t, e, view0, "/a", "x")
	snap, err := e.SnapshotCreate(ctx, b0, 0)
	require.NoError(t, err)

	h, err := e.Open(ctx, View{Snapshot: snap.ID}, "/a", OpenFlags{Read: true})
	require.NoError(t, err)

	mode := uint32(0600)
	err = e.Setattr(h, &mode, nil, nil)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindReadOnly, kind)
}
