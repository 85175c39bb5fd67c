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
	"sync"
)

type blob struct {
	data     []byte
	sealed   bool
	refcount int
}

// InMemoryBackend keeps every ContentID's bytes in a map guarded by a
// single RWMutex, the same shape as the contract's "map from id to byte
// vector, guarded by an internal lock".
type InMemoryBackend struct {
	mu      sync.RWMutex
	blobs   map[ContentID]*blob
	nextID  ContentID
	calls   map[string]int
	callsMu sync.Mutex
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		blobs: make(map[ContentID]*blob),
		calls: make(map[string]int),
	}
}

func (b *InMemoryBackend) count(op string) {
	b.callsMu.Lock()
	b.calls[op]++
	b.callsMu.Unlock()
}

func (b *InMemoryBackend) CallCount(op string) int {
	b.callsMu.Lock()
	defer b.callsMu.Unlock()
	return b.calls[op]
}

func (b *InMemoryBackend) Allocate(_ context.Context, initial []byte) (ContentID, error) {
	b.count("allocate")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	data := make([]byte, len(initial))
	copy(data, initial)
	b.blobs[id] = &blob{data: data, refcount: 1}
	return id, nil
}

func (b *InMemoryBackend) lookup(id ContentID) (*blob, error) {
	bl, ok := b.blobs[id]
	if !ok {
		return nil, newError("lookup", id, KindNotFound, nil)
	}
	return bl, nil
}

func (b *InMemoryBackend) Read(_ context.Context, id ContentID, offset int64, buf []byte) (int, error) {
	b.count("read")
	b.mu.RLock()
	defer b.mu.RUnlock()
	bl, err := b.lookup(id)
	if err != nil {
		return 0, err
	}
	if offset < 0 || offset >= int64(len(bl.data)) {
		return 0, nil
	}
	n := copy(buf, bl.data[offset:])
	return n, nil
}

func growTo(data []byte, n int64) []byte {
	if int64(len(data)) >= n {
		return data
	}
	grown := make([]byte, n)
	copy(grown, data)
	return grown
}

func (b *InMemoryBackend) Write(_ context.Context, id ContentID, offset int64, data []byte) (int, error) {
	b.count("write")
	b.mu.Lock()
	defer b.mu.Unlock()
	bl, err := b.lookup(id)
	if err != nil {
		return 0, err
	}
	if bl.sealed {
		return 0, newError("write", id, KindSealed, nil)
	}
	end := offset + int64(len(data))
	bl.data = growTo(bl.data, end)
	copy(bl.data[offset:end], data)
	return len(data), nil
}

func (b *InMemoryBackend) Truncate(_ context.Context, id ContentID, newLen int64) error {
	b.count("truncate")
	b.mu.Lock()
	defer b.mu.Unlock()
	bl, err := b.lookup(id)
	if err != nil {
		return err
	}
	if bl.sealed {
		return newError("truncate", id, KindSealed, nil)
	}
	if newLen <= int64(len(bl.data)) {
		bl.data = bl.data[:newLen]
	} else {
		bl.data = growTo(bl.data, newLen)
	}
	return nil
}

func (b *InMemoryBackend) Fallocate(_ context.Context, id ContentID, offset, length int64, mode FallocateMode) error {
	b.count("fallocate")
	b.mu.Lock()
	defer b.mu.Unlock()
	bl, err := b.lookup(id)
	if err != nil {
		return err
	}
	if bl.sealed {
		return newError("fallocate", id, KindSealed, nil)
	}
	switch mode {
	case FallocatePunchHole:
		end := offset + length
		if end > int64(len(bl.data)) {
			end = int64(len(bl.data))
		}
		for i := offset; i < end; i++ {
			bl.data[i] = 0
		}
	default:
		if mode != FallocateKeepSize {
			bl.data = growTo(bl.data, offset+length)
		}
	}
	return nil
}

func (b *InMemoryBackend) CopyRange(_ context.Context, src ContentID, srcOff int64, dst ContentID, dstOff int64, length int64) (int, error) {
	b.count("copy_range")
	b.mu.Lock()
	defer b.mu.Unlock()
	sb, err := b.lookup(src)
	if err != nil {
		return 0, err
	}
	db, err := b.lookup(dst)
	if err != nil {
		return 0, err
	}
	if db.sealed {
		return 0, newError("copy_range", dst, KindSealed, nil)
	}
	if srcOff >= int64(len(sb.data)) {
		return 0, nil
	}
	end := srcOff + length
	if end > int64(len(sb.data)) {
		end = int64(len(sb.data))
	}
	chunk := sb.data[srcOff:end]
	db.data = growTo(db.data, dstOff+int64(len(chunk)))
	copy(db.data[dstOff:dstOff+int64(len(chunk))], chunk)
	return len(chunk), nil
}

func (b *InMemoryBackend) CloneCOW(_ context.Context, base ContentID) (ContentID, error) {
	b.count("clone_cow")
	b.mu.Lock()
	defer b.mu.Unlock()
	bb, err := b.lookup(base)
	if err != nil {
		return 0, err
	}
	b.nextID++
	id := b.nextID
	data := make([]byte, len(bb.data))
	copy(data, bb.data)
	b.blobs[id] = &blob{data: data, refcount: 1}
	return id, nil
}

func (b *InMemoryBackend) Seal(_ context.Context, id ContentID) error {
	b.count("seal")
	b.mu.Lock()
	defer b.mu.Unlock()
	bl, err := b.lookup(id)
	if err != nil {
		return err
	}
	bl.sealed = true
	return nil
}

func (b *InMemoryBackend) SealContentTree(ctx context.Context, root ContentID, reachable func(ContentID) ([]ContentID, error)) error {
	b.count("seal_content_tree")
	ids, err := reachable(root)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := b.Seal(ctx, id); err != nil {
			return err
		}
	}
	return b.Seal(ctx, root)
}

func (b *InMemoryBackend) Sync(_ context.Context, id ContentID, _ bool) error {
	b.count("sync")
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, err := b.lookup(id)
	return err
}

func (b *InMemoryBackend) Size(_ context.Context, id ContentID) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bl, err := b.lookup(id)
	if err != nil {
		return 0, err
	}
	return int64(len(bl.data)), nil
}

func (b *InMemoryBackend) Retain(_ context.Context, id ContentID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	bl, err := b.lookup(id)
	if err != nil {
		return err
	}
	bl.refcount++
	return nil
}

func (b *InMemoryBackend) Release(_ context.Context, id ContentID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bl, err := b.lookup(id)
	if err != nil {
		return false, err
	}
	bl.refcount--
	if bl.refcount <= 0 {
		delete(b.blobs, id)
		return true, nil
	}
	return false, nil
}
