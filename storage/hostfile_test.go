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

package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostFileAllocateReadWrite(t *testing.T) {
	ctx := context.Background()
	b, err := NewHostFileBackend(t.TempDir())
	require.NoError(t, err)

	id, err := b.Allocate(ctx, []byte("hello"))
	require.NoError(t, err)

	n, err := b.Write(ctx, id, 5, []byte(" world"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	buf := make([]byte, 11)
	n, err = b.Read(ctx, id, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf[:n]))
}

func TestHostFileCloneCOWFallsBackToCopy(t *testing.T) {
	// Many CI filesystems (tmpfs, overlayfs) don't support FICLONE; the
	// backend must silently fall back to a byte copy rather than error.
	ctx := context.Background()
	b, err := NewHostFileBackend(t.TempDir())
	require.NoError(t, err)

	base, err := b.Allocate(ctx, []byte("shared"))
	require.NoError(t, err)
	require.NoError(t, b.Seal(ctx, base))

	clone, err := b.CloneCOW(ctx, base)
	require.NoError(t, err)
	assert.NotEqual(t, base, clone)

	_, err = b.Write(ctx, clone, 0, []byte("CHANGED"))
	require.NoError(t, err)

	buf := make([]byte, 6)
	n, _ := b.Read(ctx, base, 0, buf)
	assert.Equal(t, "shared", string(buf[:n]))
}

func TestHostFileReleaseRemovesBackingFile(t *testing.T) {
	ctx := context.Background()
	b, err := NewHostFileBackend(t.TempDir())
	require.NoError(t, err)

	id, err := b.Allocate(ctx, []byte("x"))
	require.NoError(t, err)

	freed, err := b.Release(ctx, id)
	require.NoError(t, err)
	assert.True(t, freed)

	_, err = b.Size(ctx, id)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, kind)
}

func TestHostFileSealRejectsWrite(t *testing.T) {
	ctx := context.Background()
	b, err := NewHostFileBackend(t.TempDir())
	require.NoError(t, err)

	id, err := b.Allocate(ctx, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, b.Seal(ctx, id))

	_, err = b.Write(ctx, id, 0, []byte("y"))
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindSealed, kind)
}
