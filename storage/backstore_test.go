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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryBackstoreDeclaresNoCapabilities(t *testing.T) {
	var bs InMemoryBackstore
	assert.False(t, bs.SupportsNativeSnapshots())
	assert.False(t, bs.SupportsNativeReflink())
	_, ok := bs.RootPath()
	assert.False(t, ok)
	assert.ErrorIs(t, bs.Reflink("a", "b"), ErrUnsupported)
}

func TestHostFsBackstoreReflinkFallsBackToCopy(t *testing.T) {
	dir := t.TempDir()
	bs := HostFsBackstore{Root: dir}

	src := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))

	dst := filepath.Join(dir, "dst")
	require.NoError(t, bs.Reflink(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestHostFsBackstoreRootPath(t *testing.T) {
	bs := HostFsBackstore{Root: "/var/agentfs/content"}
	root, ok := bs.RootPath()
	assert.True(t, ok)
	assert.Equal(t, "/var/agentfs/content", root)
}
