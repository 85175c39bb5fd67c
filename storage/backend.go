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

// Package storage owns file bodies behind opaque ContentIDs. The engine
// never sees bytes directly; it allocates, reads, writes, truncates and
// CoW-clones ContentIDs through a Backend, and asks a Backstore what
// native capabilities (reflink, snapshots) the host offers.
package storage

import (
	"context"
	"fmt"

	"github.com/agent-harbor/agentfs/internal/config"
)

// ContentID is an opaque, monotonically allocated token identifying an
// immutable-or-CoW byte blob. It carries no meaning beyond identity.
type ContentID uint64

// FallocateMode mirrors the handful of POSIX fallocate modes AgentFS
// cares about; KeepSize corresponds to FALLOC_FL_KEEP_SIZE.
type FallocateMode int

const (
	FallocateDefault FallocateMode = iota
	FallocateKeepSize
	FallocatePunchHole
)

// Backend owns the bytes behind ContentIDs. Every method that targets an
// existing id returns a *storage.Error with Kind KindNotFound if the id
// is unknown and KindSealed if the id has been sealed and the operation
// would mutate it.
type Backend interface {
	// Allocate returns a fresh id with refcount 1 and contents equal to
	// initial (the slice is copied, the backend never aliases caller
	// memory).
	Allocate(ctx context.Context, initial []byte) (ContentID, error)

	// Read reads up to len(buf) bytes starting at offset, returning the
	// number of bytes read. Reads at or past EOF return (0, nil).
	Read(ctx context.Context, id ContentID, offset int64, buf []byte) (int, error)

	// Write writes data at offset, growing the blob with zero-fill if
	// offset+len(data) exceeds the current size.
	Write(ctx context.Context, id ContentID, offset int64, data []byte) (int, error)

	// Truncate resizes the blob to newLen, zero-filling on growth.
	Truncate(ctx context.Context, id ContentID, newLen int64) error

	// Fallocate pre-allocates or punches a hole in [offset, offset+len)
	// without changing the logical size unless mode requires it.
	Fallocate(ctx context.Context, id ContentID, offset, length int64, mode FallocateMode) error

	// CopyRange copies length bytes from src at srcOff to dst at dstOff
	// inside the backend; it does not allocate a new id.
	CopyRange(ctx context.Context, src ContentID, srcOff int64, dst ContentID, dstOff int64, length int64) (int, error)

	// CloneCOW returns a fresh id, refcount 1, whose initial contents
	// equal base's current contents. Implementations should use a
	// native reflink when the Backstore supports one, else copy.
	CloneCOW(ctx context.Context, base ContentID) (ContentID, error)

	// Seal marks id immutable. Idempotent.
	Seal(ctx context.Context, id ContentID) error

	// SealContentTree recursively seals every id reachable from root via
	// the supplied walk function, used at snapshot creation.
	SealContentTree(ctx context.Context, root ContentID, reachable func(ContentID) ([]ContentID, error)) error

	// Sync flushes id's durability boundary. dataOnly mirrors fdatasync
	// semantics on host-backed backends; it is a no-op in memory.
	Sync(ctx context.Context, id ContentID, dataOnly bool) error

	// Size reports the current logical size of id.
	Size(ctx context.Context, id ContentID) (int64, error)

	// Retain/Release adjust id's refcount; Release frees the blob and
	// returns true when the count reaches zero.
	Retain(ctx context.Context, id ContentID) error
	Release(ctx context.Context, id ContentID) (freed bool, err error)

	// CallCount reports how many times op has been invoked against this
	// backend, for fault-injection tests to assert on. The in-memory and
	// host-file backends do not count size, retain or release; the
	// FaultInjector counts every operation.
	CallCount(op string) int
}

// New builds the configured Backend, mirroring the teacher's
// constructor-validates-then-builds shape in fs.NewServer.
func New(cfg config.StorageConfig) (Backend, error) {
	switch cfg.Backend {
	case config.BackendInMemory, "":
		return NewInMemoryBackend(), nil
	case config.BackendHostFile:
		return NewHostFileBackend(string(cfg.HostFileRoot))
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}
