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
	"sort"
)

// SnapshotCreate freezes branch's current tree: every reachable Node is
// marked sealed (so the next mutation on branch CoW-clones instead of
// mutating in place) and every reachable ContentID is sealed in storage,
// matching §4.1's invariant 4 (snapshot monotonicity).
func (e *Engine) SnapshotCreate(ctx context.Context, branchID BranchID, anchorByte uint64) (*Snapshot, error) {
	b, err := e.branch(branchID)
	if err != nil {
		return nil, err
	}

	root, err := e.node(b.Root)
	if err != nil {
		return nil, err
	}

	if err := e.sealTree(ctx, root); err != nil {
		return nil, fromStorage("snapshot_create", err)
	}

	snap := &Snapshot{
		ID:           SnapshotID(e.nextSnapshotID.Add(1)),
		ParentBranch: branchID,
		CreatedAt:    e.now(),
		AnchorByte:   anchorByte,
		Root:         b.Root,
	}
	e.mu.Lock()
	e.snapshots[snap.ID] = snap
	e.mu.Unlock()

	e.logOp("snapshot_create", nil)
	return snap, nil
}

// sealTree marks node and every node/content reachable from it as
// sealed. It is recursive rather than relying on storage.SealContentTree
// alone since directory metadata (child entries) must also become
// immutable for invariant 4 to hold, not just file bytes.
func (e *Engine) sealTree(ctx context.Context, n *Node) error {
	n.Lock()
	if n.sealed {
		n.Unlock()
		return nil
	}
	n.sealed = true
	kind := n.kind
	content := n.content
	var childIDs []NodeID
	if kind == KindDir {
		for _, id := range n.children {
			childIDs = append(childIDs, id)
		}
	}
	n.Unlock()

	if kind == KindFile && content != 0 {
		if err := e.backend.Seal(ctx, content); err != nil {
			return err
		}
	}
	for _, id := range childIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		child, err := e.node(id)
		if err != nil {
			return err
		}
		if err := e.sealTree(ctx, child); err != nil {
			return err
		}
	}
	return nil
}

// BranchCreate forks a writable Branch from a Snapshot (fromSnapshot != 0)
// or from another live Branch's current state (fromBranch != 0, taking
// an implicit snapshot of it first so the new branch's ancestor stays
// monotonic).
func (e *Engine) BranchCreate(ctx context.Context, fromSnapshot SnapshotID, fromBranch BranchID) (*Branch, error) {
	var root NodeID
	var parentSnap SnapshotID

	switch {
	case fromSnapshot != 0:
		s, err := e.snapshot(fromSnapshot)
		if err != nil {
			return nil, err
		}
		root = s.Root
		parentSnap = fromSnapshot
		e.mu.Lock()
		s.refcount++
		e.mu.Unlock()
	case fromBranch != 0:
		s, err := e.SnapshotCreate(ctx, fromBranch, 0)
		if err != nil {
			return nil, err
		}
		root = s.Root
		parentSnap = s.ID
		e.mu.Lock()
		s.refcount++
		e.mu.Unlock()
	default:
		return nil, newError("branch_create", KindInvalid, nil)
	}

	br := &Branch{
		ID:             BranchID(e.nextBranchID.Add(1)),
		ParentSnapshot: parentSnap,
		Root:           root,
		activeBindings: make(map[int32]bool),
	}
	e.mu.Lock()
	e.branches[br.ID] = br
	e.mu.Unlock()

	e.logOp("branch_create", nil)
	return br, nil
}

// BranchBind sets pid's default view to branch. Handles already open
// under pid's previous binding keep their pinned view (invariant 5); only
// future opens resolve against branch.
func (e *Engine) BranchBind(pid int32, branchID BranchID) error {
	b, err := e.branch(branchID)
	if err != nil {
		return err
	}
	e.bindMu.Lock()
	defer e.bindMu.Unlock()

	if old, ok := e.bindings[pid]; ok {
		if ob, err := e.branch(old); err == nil {
			delete(ob.activeBindings, pid)
		}
	}
	e.bindings[pid] = branchID
	b.activeBindings[pid] = true
	e.logOp("branch_bind", nil)
	return nil
}

// BranchUnbind removes pid's binding, returning it to UNBOUND.
func (e *Engine) BranchUnbind(pid int32) error {
	e.bindMu.Lock()
	defer e.bindMu.Unlock()
	branchID, ok := e.bindings[pid]
	if !ok {
		return nil
	}
	if b, err := e.branch(branchID); err == nil {
		delete(b.activeBindings, pid)
	}
	delete(e.bindings, pid)
	return nil
}

// ViewForPID returns the default View a new open() by pid should resolve
// against. An unbound pid resolves against the engine's initial branch.
func (e *Engine) ViewForPID(pid int32) View {
	e.bindMu.Lock()
	branchID, ok := e.bindings[pid]
	e.bindMu.Unlock()
	if !ok {
		branchID = e.RootBranch()
	}
	return View{Branch: branchID}
}

// SnapshotList returns every live snapshot, newest first.
func (e *Engine) SnapshotList() []*Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Snapshot, 0, len(e.snapshots))
	for _, s := range e.snapshots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}
