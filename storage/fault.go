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

// PolicyKind selects a Fault's failure behavior, grounded on
// original_source/crates/agentfs-core/src/testing/mock_storage.rs's fault
// enum.
type PolicyKind int

const (
	AlwaysSucceed PolicyKind = iota
	AlwaysFail
	FailFor
	FailAfter
	Custom
)

// Fault describes, for a single operation name, how FaultInjector should
// respond.
type Fault struct {
	Kind PolicyKind
	Op   string
	Err  *Error

	// N is the parameter for FailFor (fail the first N calls) and
	// FailAfter (start failing after the Nth call).
	N int

	// CustomFn, for Kind == Custom, decides per call whether to fail;
	// a non-nil return is used verbatim as the error.
	CustomFn func(op string, callCount int) *Error
}

// FaultInjector decorates a Backend, applying a per-operation Fault
// policy before delegating. Call counts are tracked independently of the
// wrapped backend's own CallCount so policies can reason about "the Nth
// call to this operation through the injector".
type FaultInjector struct {
	inner Backend

	mu      sync.Mutex
	faults  map[string]Fault
	counts  map[string]int
}

func NewFaultInjector(inner Backend) *FaultInjector {
	return &FaultInjector{
		inner:  inner,
		faults: make(map[string]Fault),
		counts: make(map[string]int),
	}
}

// SetFault installs or replaces the policy for f.Op.
func (fi *FaultInjector) SetFault(f Fault) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.faults[f.Op] = f
}

// ClearFault removes any policy for op, reverting to AlwaysSucceed.
func (fi *FaultInjector) ClearFault(op string) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	delete(fi.faults, op)
}

func (fi *FaultInjector) CallCount(op string) int {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return fi.counts[op]
}

// check increments op's call count and returns a non-nil error if the
// installed policy says this call should fail.
func (fi *FaultInjector) check(op string) error {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.counts[op]++
	n := fi.counts[op]

	f, ok := fi.faults[op]
	if !ok {
		return nil
	}
	switch f.Kind {
	case AlwaysSucceed:
		return nil
	case AlwaysFail:
		return f.Err
	case FailFor:
		if n <= f.N {
			return f.Err
		}
	case FailAfter:
		if n > f.N {
			return f.Err
		}
	case Custom:
		if f.CustomFn != nil {
			if err := f.CustomFn(op, n); err != nil {
				return err
			}
		}
	}
	return nil
}

func (fi *FaultInjector) Allocate(ctx context.Context, initial []byte) (ContentID, error) {
	if err := fi.check("allocate"); err != nil {
		return 0, err
	}
	return fi.inner.Allocate(ctx, initial)
}

func (fi *FaultInjector) Read(ctx context.Context, id ContentID, offset int64, buf []byte) (int, error) {
	if err := fi.check("read"); err != nil {
		return 0, err
	}
	return fi.inner.Read(ctx, id, offset, buf)
}

func (fi *FaultInjector) Write(ctx context.Context, id ContentID, offset int64, data []byte) (int, error) {
	if err := fi.check("write"); err != nil {
		return 0, err
	}
	return fi.inner.Write(ctx, id, offset, data)
}

func (fi *FaultInjector) Truncate(ctx context.Context, id ContentID, newLen int64) error {
	if err := fi.check("truncate"); err != nil {
		return err
	}
	return fi.inner.Truncate(ctx, id, newLen)
}

func (fi *FaultInjector) Fallocate(ctx context.Context, id ContentID, offset, length int64, mode FallocateMode) error {
	if err := fi.check("fallocate"); err != nil {
		return err
	}
	return fi.inner.Fallocate(ctx, id, offset, length, mode)
}

func (fi *FaultInjector) CopyRange(ctx context.Context, src ContentID, srcOff int64, dst ContentID, dstOff int64, length int64) (int, error) {
	if err := fi.check("copy_range"); err != nil {
		return 0, err
	}
	return fi.inner.CopyRange(ctx, src, srcOff, dst, dstOff, length)
}

func (fi *FaultInjector) CloneCOW(ctx context.Context, base ContentID) (ContentID, error) {
	if err := fi.check("clone_cow"); err != nil {
		return 0, err
	}
	return fi.inner.CloneCOW(ctx, base)
}

func (fi *FaultInjector) Seal(ctx context.Context, id ContentID) error {
	if err := fi.check("seal"); err != nil {
		return err
	}
	return fi.inner.Seal(ctx, id)
}

func (fi *FaultInjector) SealContentTree(ctx context.Context, root ContentID, reachable func(ContentID) ([]ContentID, error)) error {
	if err := fi.check("seal_content_tree"); err != nil {
		return err
	}
	return fi.inner.SealContentTree(ctx, root, reachable)
}

func (fi *FaultInjector) Sync(ctx context.Context, id ContentID, dataOnly bool) error {
	if err := fi.check("sync"); err != nil {
		return err
	}
	return fi.inner.Sync(ctx, id, dataOnly)
}

func (fi *FaultInjector) Size(ctx context.Context, id ContentID) (int64, error) {
	if err := fi.check("size"); err != nil {
		return 0, err
	}
	return fi.inner.Size(ctx, id)
}

func (fi *FaultInjector) Retain(ctx context.Context, id ContentID) error {
	if err := fi.check("retain"); err != nil {
		return err
	}
	return fi.inner.Retain(ctx, id)
}

func (fi *FaultInjector) Release(ctx context.Context, id ContentID) (bool, error) {
	if err := fi.check("release"); err != nil {
		return false, err
	}
	return fi.inner.Release(ctx, id)
}

var _ Backend = (*FaultInjector)(nil)
