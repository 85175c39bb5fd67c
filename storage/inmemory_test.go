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

func TestInMemoryAllocateReadWrite(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBackend()

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

func TestInMemoryReadPastEOFReturnsZero(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBackend()
	id, _ := b.Allocate(ctx, []byte("hi"))

	buf := make([]byte, 4)
	n, err := b.Read(ctx, id, 100, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestInMemoryReadUnknownIDIsNotFound(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBackend()
	_, err := b.Read(ctx, ContentID(9999), 0, make([]byte, 1))
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, kind)
}

func TestInMemorySealRejectsWrite(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBackend()
	id, _ := b.Allocate(ctx, []byte("x"))

	require.NoError(t, b.Seal(ctx, id))
	require.NoError(t, b.Seal(ctx, id)) // idempotent

	_, err := b.Write(ctx, id, 0, []byte("y"))
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindSealed, kind)

	err = b.Truncate(ctx, id, 0)
	kind, ok = KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindSealed, kind)
}

func TestInMemoryCloneCOWIsIndependent(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBackend()
	base, _ := b.Allocate(ctx, []byte("shared"))
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

func TestInMemoryTruncateGrowsWithZeroFill(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBackend()
	id, _ := b.Allocate(ctx, []byte("ab"))
	require.NoError(t, b.Truncate(ctx, id, 5))

	buf := make([]byte, 5)
	n, _ := b.Read(ctx, id, 0, buf)
	assert.Equal(t, []byte{'a', 'b', 0, 0, 0}, buf[:n])
}

func TestInMemoryRefcountFreesAtZero(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBackend()
	id, _ := b.Allocate(ctx, []byte("x"))
	require.NoError(t, b.Retain(ctx, id))

	freed, err := b.Release(ctx, id)
	require.NoError(t, err)
	assert.False(t, freed)

	freed, err = b.Release(ctx, id)
	require.NoError(t, err)
	assert.True(t, freed)

	_, err = b.Size(ctx, id)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, kind)
}

func TestInMemoryCallCountTracksOps(t *testing.T) {
	ctx := context.Background()
	b := NewInMemoryBackend()
	id, _ := b.Allocate(ctx, []byte("x"))
	b.Read(ctx, id, 0, make([]byte, 1))
	b.Read(ctx, id, 0, make([]byte, 1))

	assert.Equal(t, 2, b.CallCount("read"))
	assert.Equal(t, 1, b.CallCount("allocate"))
}
