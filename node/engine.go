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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/syncutil"

	"github.com/agent-harbor/agentfs/internal/clock"
	"github.com/agent-harbor/agentfs/internal/config"
	"github.com/agent-harbor/agentfs/internal/logger"
	"github.com/agent-harbor/agentfs/storage"
)

// Engine is the in-process filesystem: the tree of Nodes, its Handles,
// Snapshots, Branches and per-process Bindings, mediating between views
// and the storage layer.
//
// Lock ordering, following fs.fileSystem's documented discipline
// (directory-handle lock < inode lock < engine lock, never holding a
// lock across a call into storage):
//
//   - mu (a sync.RWMutex, playing syncutil.InvariantMutex's role) guards
//     the ID-indexed arenas (nodes/branches/snapshots/handles) and the
//     next-id counters.
//   - Each *Node's own embedded Mutex guards its metadata and (for
//     files) its current ContentID; it is always acquired after mu, and
//     mu is released before any blocking call into storage.
//   - bindMu guards the pid -> Branch binding table, acquired
//     independently of mu/node locks (bindings never touch node state
//     directly).
type Engine struct {
	mu sync.RWMutex

	nodes     map[NodeID]*Node
	branches  map[BranchID]*Branch
	snapshots map[SnapshotID]*Snapshot
	handles   map[HandleID]*Handle

	nextNodeID     atomic.Uint64
	nextSnapshotID atomic.Uint64
	nextBranchID   atomic.Uint64
	nextHandleID   atomic.Uint64

	// bindMu guards the pid -> Branch binding table. It is a
	// syncutil.InvariantMutex rather than a plain sync.Mutex (the
	// teacher's fs.fileSystem wires the very same type onto fs.mu)
	// since, unlike the node arenas, the binding table never needs a
	// read-mostly RWMutex: bind/unbind are the only operations on it,
	// both exclusive, so paying for invariant checking on every Unlock
	// costs nothing a plain Mutex wasn't already going to cost.
	bindMu   syncutil.InvariantMutex
	bindings map[int32]BranchID

	backend   storage.Backend
	backstore storage.Backstore
	clock     clock.Clock
	cfg       config.FileSystemConfig

	checkInvariants bool
}

// New constructs an Engine with a single empty root directory bound to
// an initial writable Branch (BranchID 1), the same "server boots with
// one inode" shape as fs.NewServer.
func New(backend storage.Backend, backstore storage.Backstore, cfg config.FileSystemConfig, clk clock.Clock, debugInvariants bool) (*Engine, error) {
	if backend == nil {
		return nil, fmt.Errorf("node: backend must not be nil")
	}
	e := &Engine{
		nodes:           make(map[NodeID]*Node),
		branches:        make(map[BranchID]*Branch),
		snapshots:       make(map[SnapshotID]*Snapshot),
		handles:         make(map[HandleID]*Handle),
		bindings:        make(map[int32]BranchID),
		backend:         backend,
		backstore:       backstore,
		clock:           clk,
		cfg:             cfg,
		checkInvariants: debugInvariants,
	}

	now := clk.Now()
	root := &Node{
		id:       NodeID(e.nextNodeID.Add(1)),
		kind:     KindDir,
		mode:     uint32(cfg.DirMode),
		uid:      uint32(cfg.Uid),
		gid:      uint32(cfg.Gid),
		atime:    now,
		mtime:    now,
		ctime:    now,
		children: make(map[string]NodeID),
		linkCount: 1,
	}
	e.nodes[root.id] = root

	branchID := BranchID(e.nextBranchID.Add(1))
	e.branches[branchID] = &Branch{ID: branchID, Root: root.id, activeBindings: make(map[int32]bool)}

	e.bindMu = syncutil.NewInvariantMutex(e.checkBindingInvariants)

	return e, nil
}

// checkBindingInvariants asserts the pid -> Branch binding table agrees
// with each Branch's own activeBindings set. Only exercised when built
// with syncutil's invariant-checking build tag, mirroring
// fs.fileSystem.checkInvariants.
func (e *Engine) checkBindingInvariants() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for pid, branchID := range e.bindings {
		b, ok := e.branches[branchID]
		if !ok {
			panic(fmt.Sprintf("node: pid %d bound to missing branch %d", pid, branchID))
		}
		if !b.activeBindings[pid] {
			panic(fmt.Sprintf("node: pid %d missing from branch %d's activeBindings", pid, branchID))
		}
	}
}

// RootBranch returns the ID of the initial branch created by New.
func (e *Engine) RootBranch() BranchID {
	return BranchID(1)
}

func (e *Engine) node(id NodeID) (*Node, error) {
	e.mu.RLock()
	n, ok := e.nodes[id]
	e.mu.RUnlock()
	if !ok {
		return nil, newError("lookup", KindNotFound, fmt.Errorf("no such node %d", id))
	}
	return n, nil
}

func (e *Engine) branch(id BranchID) (*Branch, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.branches[id]
	if !ok {
		return nil, newError("lookup", KindNotFound, fmt.Errorf("no such branch %d", id))
	}
	return b, nil
}

func (e *Engine) snapshot(id SnapshotID) (*Snapshot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.snapshots[id]
	if !ok {
		return nil, newError("lookup", KindNotFound, fmt.Errorf("no such snapshot %d", id))
	}
	return s, nil
}

// viewRoot resolves a View to the NodeID path resolution should start
// from: the branch's live root, or the frozen snapshot root if the view
// is pinned to one.
func (e *Engine) viewRoot(v View) (NodeID, error) {
	if v.Snapshot != 0 {
		s, err := e.snapshot(v.Snapshot)
		if err != nil {
			return 0, err
		}
		return s.Root, nil
	}
	b, err := e.branch(v.Branch)
	if err != nil {
		return 0, err
	}
	return b.Root, nil
}

// cloneNode allocates a fresh NodeID, copies src's metadata (and, for
// directories, a shallow copy of its children map so the new directory
// can be mutated independently of src's), and registers it unsealed.
func (e *Engine) cloneNode(src *Node) *Node {
	clone := &Node{
		id:        NodeID(e.nextNodeID.Add(1)),
		kind:      src.kind,
		mode:      src.mode,
		uid:       src.uid,
		gid:       src.gid,
		atime:     src.atime,
		mtime:     src.mtime,
		ctime:     src.ctime,
		linkCount: src.linkCount,
		content:   src.content,
		size:      src.size,
		target:    src.target,
	}
	if src.kind == KindDir {
		clone.children = make(map[string]NodeID, len(src.children))
		for k, v := range src.children {
			clone.children[k] = v
		}
	}
	e.mu.Lock()
	e.nodes[clone.id] = clone
	e.mu.Unlock()

	if src.kind == KindFile && src.content != 0 {
		// The clone shares the same ContentID as its sealed source until
		// the first write triggers the engine's CoW rule (§4.1);
		// reflect the shared reference in the backend's refcount.
		_ = e.backend.Retain(context.Background(), src.content)
	}
	return clone
}

func (e *Engine) now() time.Time { return e.clock.Now() }

func (e *Engine) logOp(op string, err error) {
	if err != nil {
		logger.Debugf("node: %s failed: %v", op, err)
		return
	}
	logger.Tracef("node: %s ok", op)
}

// checkTreeInvariants asserts that every branch's and every snapshot's
// root NodeID is present in the node arena. It does not walk directory
// entries and does not check sealing. Built to run only when
// checkInvariants is enabled, mirroring fs.fileSystem's own debug
// assertion pass.
func (e *Engine) checkTreeInvariants() error {
	if !e.checkInvariants {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for bid, b := range e.branches {
		if _, ok := e.nodes[b.Root]; !ok {
			return fmt.Errorf("branch %d root %d missing from arena", bid, b.Root)
		}
	}
	for sid, s := range e.snapshots {
		if _, ok := e.nodes[s.Root]; !ok {
			return fmt.Errorf("snapshot %d root %d missing from arena", sid, s.Root)
		}
	}
	return nil
}
