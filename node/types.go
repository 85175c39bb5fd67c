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

// Package node implements the AgentFS filesystem engine: the in-process
// tree of Nodes and DirEntries, Handles, Snapshots, Branches and process
// Bindings, and the copy-on-write rule that keeps a sealed Snapshot's
// tree observably frozen while a Branch forked from it keeps mutating.
package node

import (
	"sync"
	"time"

	"github.com/agent-harbor/agentfs/storage"
)

type (
	NodeID     uint64
	SnapshotID uint64
	BranchID   uint64
	HandleID   uint64
)

// Kind is a Node's filesystem object type.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
)

// Node is a file, directory or symlink's metadata, the engine's
// equivalent of an inode. Directories carry their DirEntry set as a
// name -> NodeID map; files carry a storage.ContentID; symlinks carry
// their target as a string.
//
// A Node embeds sync.Mutex directly, mirroring inode.Inode's embedded
// sync.Locker in the teacher: callers lock the specific node they are
// touching rather than the whole engine.
type Node struct {
	sync.Mutex

	id   NodeID
	kind Kind

	mode     uint32
	uid, gid uint32

	atime, mtime, ctime time.Time
	linkCount            uint32

	content storage.ContentID // KindFile only
	size    int64             // KindFile only, cached logical size

	children map[string]NodeID // KindDir only
	target   string            // KindSymlink only

	// sealed marks this Node (and, transitively, everything reachable
	// from it at the time of sealing) as belonging to a Snapshot's
	// frozen tree. Any structural or attribute mutation must first
	// clone the Node (and cascade the clone up to the owning Branch's
	// root), the same CoW-on-write rule §4.1 applies to file content.
	sealed bool
}

func (n *Node) ID() NodeID { return n.id }
func (n *Node) Kind() Kind { return n.kind }

// Attr is the subset of a Node's metadata getattr/setattr expose.
type Attr struct {
	Kind     Kind
	Mode     uint32
	UID, GID uint32
	Size     int64
	Atime    time.Time
	Mtime    time.Time
	Ctime    time.Time
	LinkCount uint32
}

func (n *Node) attrLocked() Attr {
	return Attr{
		Kind: n.kind, Mode: n.mode, UID: n.uid, GID: n.gid,
		Size: n.size, Atime: n.atime, Mtime: n.mtime, Ctime: n.ctime,
		LinkCount: n.linkCount,
	}
}

// DirEntry names one child of a directory; returned by Readdir.
type DirEntry struct {
	Name string
	ID   NodeID
	Kind Kind
}

// View pins path resolution to a branch and, optionally, the read-only
// snapshot that branch was forked from (a zero SnapshotID means "the
// branch's live, writable tree").
type View struct {
	Branch   BranchID
	Snapshot SnapshotID
}

// Handle is an open file or directory cursor. Its View is fixed at Open
// time (invariant 5): rebinding the owning process to a different branch
// never retargets a Handle already open.
type Handle struct {
	mu sync.Mutex

	id     HandleID
	node   NodeID
	view   View
	flags  OpenFlags
	offset int64
}

func (h *Handle) ID() HandleID { return h.id }

// OpenFlags mirror the subset of POSIX open(2) flags the engine's open
// contract names explicitly.
type OpenFlags struct {
	Read     bool
	Write    bool
	Create   bool
	Truncate bool
	Excl     bool
}

// Snapshot is a point-in-time, read-only view of a branch's tree.
type Snapshot struct {
	ID         SnapshotID
	ParentBranch BranchID
	CreatedAt  time.Time
	AnchorByte uint64 // recorder byte offset this snapshot is pinned to, if any
	Root       NodeID
	refcount   int // number of branches forked from this snapshot
}

// Branch is a writable fork of a Snapshot (or, for the very first
// branch, of the engine's initial empty tree).
type Branch struct {
	ID             BranchID
	ParentSnapshot SnapshotID // zero if forked directly at engine init
	Root           NodeID
	activeBindings map[int32]bool
}
