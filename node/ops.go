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

	"github.com/agent-harbor/agentfs/storage"
)

// Open resolves path in view and returns a Handle pinned to that view.
// flags.Create with a missing final component creates a new, empty file
// unless the parent is read-only (pinned to a Snapshot).
func (e *Engine) Open(ctx context.Context, view View, path string, flags OpenFlags) (*Handle, error) {
	root, err := e.viewRoot(view)
	if err != nil {
		return nil, err
	}

	chain, components, err := e.resolveFullChain(root, path)
	if err == nil {
		target := chain[len(chain)-1]
		target.Lock()
		kind := target.kind
		target.Unlock()
		if kind == KindDir && (flags.Write || flags.Truncate) {
			return nil, newError("open", KindIsADirectory, nil)
		}
		if flags.Excl && flags.Create {
			return nil, newError("open", KindExists, nil)
		}
		if (flags.Write || flags.Truncate) && view.Snapshot != 0 {
			return nil, newError("open", KindReadOnly, nil)
		}
		if flags.Truncate && kind == KindFile {
			if err := e.truncateNode(ctx, view, chain, components, 0); err != nil {
				return nil, err
			}
		}
		return e.newHandle(target.id, view, flags), nil
	}

	kind, notFound := KindOf(err)
	if !notFound || kind != KindNotFound || !flags.Create {
		return nil, err
	}

	if view.Snapshot != 0 {
		return nil, newError("open", KindReadOnly, nil)
	}

	nodeID, err := e.create(ctx, view, path, uint32(e.cfg.FileMode), KindFile)
	if err != nil {
		return nil, err
	}
	return e.newHandle(nodeID, view, flags), nil
}

func (e *Engine) newHandle(nodeID NodeID, view View, flags OpenFlags) *Handle {
	h := &Handle{id: HandleID(e.nextHandleID.Add(1)), node: nodeID, view: view, flags: flags}
	e.mu.Lock()
	e.handles[h.id] = h
	e.mu.Unlock()
	return h
}

// Close releases a Handle. It does not itself affect Branch/Snapshot
// lifetime (Bindings and Handles are weak references per §3).
func (e *Engine) Close(h *Handle) {
	e.mu.Lock()
	delete(e.handles, h.id)
	e.mu.Unlock()
}

// Create makes a new directory entry (parent, name) of the given kind.
// Fails with KindExists if the entry is already present.
func (e *Engine) create(ctx context.Context, view View, path string, mode uint32, kind Kind) (NodeID, error) {
	root, err := e.viewRoot(view)
	if err != nil {
		return 0, err
	}
	b, err := e.branch(view.Branch)
	if err != nil {
		return 0, err
	}

	parentChain, name, err := e.resolveParentChain(root, path)
	if err != nil {
		return 0, err
	}
	parentNames := splitPath(path)[:len(parentChain)-1]
	writable := e.ensureWritableChain(b, parentChain, parentNames)
	parent := writable[len(writable)-1]

	parent.Lock()
	if parent.kind != KindDir {
		parent.Unlock()
		return 0, newError("create", KindNotADirectory, nil)
	}
	if _, exists := parent.children[name]; exists {
		parent.Unlock()
		return 0, newError("create", KindExists, nil)
	}
	parent.Unlock()

	now := e.now()
	n := &Node{
		id:    NodeID(e.nextNodeID.Add(1)),
		kind:  kind,
		mode:  mode,
		uid:   uint32(e.cfg.Uid),
		gid:   uint32(e.cfg.Gid),
		atime: now, mtime: now, ctime: now,
		linkCount: 1,
	}
	if kind == KindDir {
		n.children = make(map[string]NodeID)
	} else if kind == KindFile {
		id, err := e.backend.Allocate(ctx, nil)
		if err != nil {
			return 0, fromStorage("create", err)
		}
		n.content = id
	}

	e.mu.Lock()
	e.nodes[n.id] = n
	e.mu.Unlock()

	parent.Lock()
	parent.children[name] = n.id
	parent.mtime = now
	parent.Unlock()

	e.logOp("create", nil)
	return n.id, nil
}

// Mkdir creates a new directory at (parent path)/name.
func (e *Engine) Mkdir(ctx context.Context, view View, path string, mode uint32) (NodeID, error) {
	return e.create(ctx, view, path, mode, KindDir)
}

// Read reads up to len(buf) bytes starting at offset, delegating to
// storage via the node's ContentID.
func (e *Engine) Read(ctx context.Context, h *Handle, offset int64, buf []byte) (int, error) {
	n, err := e.node(h.node)
	if err != nil {
		return 0, err
	}
	n.Lock()
	if n.kind != KindFile {
		n.Unlock()
		return 0, newError("read", KindIsADirectory, nil)
	}
	content := n.content
	n.Unlock()

	got, err := e.backend.Read(ctx, content, offset, buf)
	if err != nil {
		return got, fromStorage("read", err)
	}
	return got, nil
}

// Write writes data at offset through h, CoW-cloning the node's content
// first if it is currently sealed (engine CoW-on-write rule, §4.1).
func (e *Engine) Write(ctx context.Context, h *Handle, offset int64, data []byte) (int, error) {
	if !h.flags.Write {
		return 0, newError("write", KindPermission, nil)
	}
	if h.view.Snapshot != 0 {
		return 0, newError("write", KindReadOnly, nil)
	}

	b, err := e.branch(h.view.Branch)
	if err != nil {
		return 0, err
	}

	n, err := e.cowNodeForWrite(b, h.node)
	if err != nil {
		return 0, err
	}

	n.Lock()
	if n.kind != KindFile {
		n.Unlock()
		return 0, newError("write", KindIsADirectory, nil)
	}
	n.Unlock()

	written, err := e.writeWithCOW(ctx, n, offset, data)
	if err != nil {
		return written, err
	}

	n.Lock()
	content := n.content
	n.Unlock()
	size, err := e.backend.Size(ctx, content)
	if err == nil {
		n.Lock()
		n.size = size
		n.mtime = e.now()
		n.Unlock()
	}
	return written, nil
}

// writeWithCOW performs the engine's CoW-on-write rule (§4.1): it tries
// the write directly and, only if storage reports the content sealed,
// clones the ContentID, atomically swaps it onto n, releases the old
// reference, and retries. A failed CoW leaves n unchanged.
func (e *Engine) writeWithCOW(ctx context.Context, n *Node, offset int64, data []byte) (int, error) {
	n.Lock()
	content := n.content
	n.Unlock()

	written, err := e.backend.Write(ctx, content, offset, data)
	if err == nil {
		return written, nil
	}
	kind, ok := storage.KindOf(err)
	if !ok || kind != storage.KindSealed {
		return written, fromStorage("write", err)
	}

	newID, cerr := e.backend.CloneCOW(ctx, content)
	if cerr != nil {
		return 0, fromStorage("write", cerr)
	}
	n.Lock()
	n.content = newID
	n.Unlock()
	if _, rerr := e.backend.Release(ctx, content); rerr != nil {
		return 0, fromStorage("write", rerr)
	}

	written, err = e.backend.Write(ctx, newID, offset, data)
	if err != nil {
		return written, fromStorage("write", err)
	}
	return written, nil
}

// cowNodeForWrite finds nodeID's ancestor chain within branch and
// CoW-clones the path to it (directory metadata only) if sealed; content
// CoW is handled separately and lazily by writeWithCOW/truncateNode on
// the first storage-level sealed error, matching the spec's reactive
// CoW-on-write rule rather than a speculative upfront clone.
func (e *Engine) cowNodeForWrite(b *Branch, nodeID NodeID) (*Node, error) {
	chain, names, err := e.chainToNode(b.Root, nodeID)
	if err != nil {
		return nil, err
	}
	writable := e.ensureWritableChain(b, chain, names)
	return writable[len(writable)-1], nil
}

// chainToNode walks from root to find nodeID, returning the ancestor
// chain and descent names. It assumes nodeID is reachable from root,
// which holds for every Handle created via Open/Create against this
// branch.
func (e *Engine) chainToNode(root NodeID, target NodeID) ([]*Node, []string, error) {
	var walk func(id NodeID) ([]*Node, []string, bool)
	walk = func(id NodeID) ([]*Node, []string, bool) {
		n, err := e.node(id)
		if err != nil {
			return nil, nil, false
		}
		if id == target {
			return []*Node{n}, nil, true
		}
		n.Lock()
		kind := n.kind
		var children map[string]NodeID
		if kind == KindDir {
			children = make(map[string]NodeID, len(n.children))
			for k, v := range n.children {
				children[k] = v
			}
		}
		n.Unlock()
		if kind != KindDir {
			return nil, nil, false
		}
		for name, childID := range children {
			if chain, names, ok := walk(childID); ok {
				return append([]*Node{n}, chain...), append([]string{name}, names...), true
			}
		}
		return nil, nil, false
	}
	chain, names, ok := walk(root)
	if !ok {
		return nil, nil, newError("resolve", KindNotFound, nil)
	}
	return chain, names, nil
}

// Truncate resizes the file at h to newLen, CoW-cloning when sealed.
func (e *Engine) Truncate(ctx context.Context, h *Handle, newLen int64) error {
	if h.view.Snapshot != 0 {
		return newError("truncate", KindReadOnly, nil)
	}
	b, err := e.branch(h.view.Branch)
	if err != nil {
		return err
	}
	chain, names, err := e.chainToNode(b.Root, h.node)
	if err != nil {
		return err
	}
	return e.truncateNode(ctx, h.view, chain, names, newLen)
}

func (e *Engine) truncateNode(ctx context.Context, view View, chain []*Node, names []string, newLen int64) error {
	b, err := e.branch(view.Branch)
	if err != nil {
		return err
	}
	writable := e.ensureWritableChain(b, chain, names)
	target := writable[len(writable)-1]

	target.Lock()
	if target.kind != KindFile {
		target.Unlock()
		return newError("truncate", KindIsADirectory, nil)
	}
	content := target.content
	target.Unlock()

	err = e.backend.Truncate(ctx, content, newLen)
	if err != nil {
		kind, ok := storage.KindOf(err)
		if !ok || kind != storage.KindSealed {
			return fromStorage("truncate", err)
		}
		newID, cerr := e.backend.CloneCOW(ctx, content)
		if cerr != nil {
			return fromStorage("truncate", cerr)
		}
		if terr := e.backend.Truncate(ctx, newID, newLen); terr != nil {
			return fromStorage("truncate", terr)
		}
		target.Lock()
		target.content = newID
		target.Unlock()
		if _, rerr := e.backend.Release(ctx, content); rerr != nil {
			return fromStorage("truncate", rerr)
		}
	}
	target.Lock()
	target.size = newLen
	target.mtime = e.now()
	target.Unlock()
	return nil
}

// Unlink removes a directory entry. It does not itself free the node's
// content; storage.Release (driven by refcounting) handles that once no
// live node or snapshot references it.
func (e *Engine) Unlink(ctx context.Context, view View, path string) error {
	if view.Snapshot != 0 {
		return newError("unlink", KindReadOnly, nil)
	}
	root, err := e.viewRoot(view)
	if err != nil {
		return err
	}
	b, err := e.branch(view.Branch)
	if err != nil {
		return err
	}
	parentChain, name, err := e.resolveParentChain(root, path)
	if err != nil {
		return err
	}
	parentNames := splitPath(path)[:len(parentChain)-1]
	writable := e.ensureWritableChain(b, parentChain, parentNames)
	parent := writable[len(writable)-1]

	parent.Lock()
	childID, ok := parent.children[name]
	if !ok {
		parent.Unlock()
		return newError("unlink", KindNotFound, nil)
	}
	delete(parent.children, name)
	parent.mtime = e.now()
	parent.Unlock()

	child, err := e.node(childID)
	if err == nil && child.kind == KindFile && child.content != 0 {
		if _, err := e.backend.Release(ctx, child.content); err != nil {
			return fromStorage("unlink", err)
		}
	}
	return nil
}

// Rename moves (oldParent,oldName) to (newParent,newName) atomically
// with respect to concurrent readers (invariant 6).
func (e *Engine) Rename(ctx context.Context, view View, oldPath, newPath string) error {
	if view.Snapshot != 0 {
		return newError("rename", KindReadOnly, nil)
	}
	root, err := e.viewRoot(view)
	if err != nil {
		return err
	}
	b, err := e.branch(view.Branch)
	if err != nil {
		return err
	}

	oldParentChain, oldName, err := e.resolveParentChain(root, oldPath)
	if err != nil {
		return err
	}
	oldParentNames := splitPath(oldPath)[:len(oldParentChain)-1]
	oldWritable := e.ensureWritableChain(b, oldParentChain, oldParentNames)
	oldParent := oldWritable[len(oldWritable)-1]

	// Re-resolve the new parent's chain from the (possibly just-updated)
	// branch root, since CoW-cloning the old path may have replaced
	// ancestors shared with the new path.
	root, _ = e.viewRoot(view)
	newParentChain, newName, err := e.resolveParentChain(root, newPath)
	if err != nil {
		return err
	}
	newParentNames := splitPath(newPath)[:len(newParentChain)-1]
	newWritable := e.ensureWritableChain(b, newParentChain, newParentNames)
	newParent := newWritable[len(newWritable)-1]
	if newParent.id == oldParent.id {
		newParent = oldParent
	}
	if newParent != oldParent || newName != oldName {
		newParent.Lock()
		_, exists := newParent.children[newName]
		newParent.Unlock()
		if exists {
			return newError("rename", KindExists, nil)
		}
	}

	oldParent.Lock()
	childID, ok := oldParent.children[oldName]
	if !ok {
		oldParent.Unlock()
		return newError("rename", KindNotFound, nil)
	}
	delete(oldParent.children, oldName)
	oldParent.mtime = e.now()
	oldParent.Unlock()

	newParent.Lock()
	if _, exists := newParent.children[newName]; exists {
		newParent.Unlock()
		return newError("rename", KindExists, nil)
	}
	newParent.children[newName] = childID
	newParent.mtime = e.now()
	newParent.Unlock()

	return nil
}

// Readdir lists the directory entries of the node referenced by h.
func (e *Engine) Readdir(h *Handle) ([]DirEntry, error) {
	n, err := e.node(h.node)
	if err != nil {
		return nil, err
	}
	n.Lock()
	defer n.Unlock()
	if n.kind != KindDir {
		return nil, newError("readdir", KindNotADirectory, nil)
	}
	out := make([]DirEntry, 0, len(n.children))
	for name, id := range n.children {
		child, err := e.node(id)
		if err != nil {
			continue
		}
		child.Lock()
		kind := child.kind
		child.Unlock()
		out = append(out, DirEntry{Name: name, ID: id, Kind: kind})
	}
	return out, nil
}

// Getattr returns a node's metadata.
func (e *Engine) Getattr(h *Handle) (Attr, error) {
	n, err := e.node(h.node)
	if err != nil {
		return Attr{}, err
	}
	n.Lock()
	defer n.Unlock()
	return n.attrLocked(), nil
}

// Setattr updates mode/uid/gid on the node referenced by h; fails with
// KindReadOnly if h's view is pinned to a Snapshot.
func (e *Engine) Setattr(h *Handle, mode *uint32, uid, gid *uint32) error {
	if h.view.Snapshot != 0 {
		return newError("setattr", KindReadOnly, nil)
	}
	b, err := e.branch(h.view.Branch)
	if err != nil {
		return err
	}
	chain, names, err := e.chainToNode(b.Root, h.node)
	if err != nil {
		return err
	}
	writable := e.ensureWritableChain(b, chain, names)
	target := writable[len(writable)-1]

	target.Lock()
	defer target.Unlock()
	if mode != nil {
		target.mode = *mode
	}
	if uid != nil {
		target.uid = *uid
	}
	if gid != nil {
		target.gid = *gid
	}
	target.ctime = e.now()
	return nil
}

// Sync flushes h's content durability boundary to the backend.
func (e *Engine) Sync(ctx context.Context, h *Handle, dataOnly bool) error {
	n, err := e.node(h.node)
	if err != nil {
		return err
	}
	n.Lock()
	content := n.content
	kind := n.kind
	n.Unlock()
	if kind != KindFile || content == 0 {
		return nil
	}
	if err := e.backend.Sync(ctx, content, dataOnly); err != nil {
		return fromStorage("sync", err)
	}
	return nil
}
