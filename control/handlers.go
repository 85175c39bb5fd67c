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

package control

import (
	"context"
	"fmt"

	"github.com/agent-harbor/agentfs/node"
)

// requestHandler runs one high-level Request against a Server's engine.
// The map keyed by tag mirrors the teacher's per-op dispatch in
// fs/fs.go, just indexed by the wire's 1-byte discriminant instead of a
// FUSE op struct's type switch.
type requestHandler func(ctx context.Context, s *Server, pid int32, req *Request) *Response

var requestHandlers = map[RequestTag]requestHandler{
	TagSnapshotCreate:  handleSnapshotCreate,
	TagSnapshotList:    handleSnapshotList,
	TagBranchCreate:    handleBranchCreate,
	TagBranchBind:      handleBranchBind,
	TagFdOpen:          handleFdOpen,
	TagFdDup:           handleFdDup,
	TagPathOp:          handlePathOp,
	TagInterposeSetGet: handleInterposeSetGet,
}

func requestOpName(tag RequestTag) string {
	switch tag {
	case TagSnapshotCreate:
		return "snapshot_create"
	case TagSnapshotList:
		return "snapshot_list"
	case TagBranchCreate:
		return "branch_create"
	case TagBranchBind:
		return "branch_bind"
	case TagFdOpen:
		return "fd_open"
	case TagFdDup:
		return "fd_dup"
	case TagPathOp:
		return "path_op"
	case TagInterposeSetGet:
		return "interpose_set_get"
	default:
		return "unknown"
	}
}

func nodeErrorf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

func errorResponse(err error) *Response {
	msg := err.Error()
	var codePtr *uint64
	if kind, ok := node.KindOf(err); ok {
		code := uint64(kind)
		codePtr = &code
	}
	return &Response{Tag: RespError, Error: &ErrorResponse{Message: msg, Code: codePtr}}
}

func fsErrorResponse(err error) *FsResponse {
	msg := err.Error()
	var codePtr *uint64
	if kind, ok := node.KindOf(err); ok {
		code := uint64(kind)
		codePtr = &code
	}
	return &FsResponse{Tag: FsRespError, Error: &ErrorResponse{Message: msg, Code: codePtr}}
}

func handleSnapshotCreate(ctx context.Context, s *Server, pid int32, req *Request) *Response {
	view := s.engine.ViewForPID(pid)
	snap, err := s.engine.SnapshotCreate(ctx, view.Branch, 0)
	if err != nil {
		return errorResponse(err)
	}
	return &Response{Tag: RespSnapshotCreate, SnapshotCreate: &SnapshotCreateResponse{
		Info: SnapshotInfo{ID: uint64(snap.ID), Name: req.SnapshotCreate.Name},
	}}
}

func handleSnapshotList(ctx context.Context, s *Server, pid int32, req *Request) *Response {
	snaps := s.engine.SnapshotList()
	infos := make([]SnapshotInfo, 0, len(snaps))
	for _, snap := range snaps {
		infos = append(infos, SnapshotInfo{ID: uint64(snap.ID)})
	}
	return &Response{Tag: RespSnapshotList, SnapshotList: &SnapshotListResponse{Snapshots: infos}}
}

func handleBranchCreate(ctx context.Context, s *Server, pid int32, req *Request) *Response {
	br, err := s.engine.BranchCreate(ctx, node.SnapshotID(req.BranchCreate.From), 0)
	if err != nil {
		return errorResponse(err)
	}
	return &Response{Tag: RespBranchCreate, BranchCreate: &BranchCreateResponse{
		Info: BranchInfo{ID: uint64(br.ID), Name: req.BranchCreate.Name, Parent: uint64(br.ParentSnapshot)},
	}}
}

func handleBranchBind(ctx context.Context, s *Server, pid int32, req *Request) *Response {
	targetPID := pid
	if req.BranchBind.PID != nil {
		targetPID = int32(*req.BranchBind.PID)
	}
	if err := s.engine.BranchBind(targetPID, node.BranchID(req.BranchBind.Branch)); err != nil {
		return errorResponse(err)
	}
	return &Response{Tag: RespBranchBind, BranchBind: &BranchBindResponse{
		Branch: req.BranchBind.Branch, PID: uint64(targetPID),
	}}
}

// handleFdOpen resolves an Open against pid's bound view and publishes
// the resulting *node.Handle under a server-assigned fd, the control
// plane's substitute for passing a real file descriptor over SCM_RIGHTS:
// later FdDup calls (and the low-level FsRequest union) address the
// Handle by that fd rather than by path.
func handleFdOpen(ctx context.Context, s *Server, pid int32, req *Request) *Response {
	view := s.engine.ViewForPID(pid)
	flags := node.OpenFlags{
		Read:     req.FdOpen.Flags&1 != 0,
		Write:    req.FdOpen.Flags&2 != 0,
		Create:   req.FdOpen.Flags&4 != 0,
		Truncate: req.FdOpen.Flags&8 != 0,
		Excl:     req.FdOpen.Flags&16 != 0,
	}
	h, err := s.engine.Open(ctx, view, req.FdOpen.Path, flags)
	if err != nil {
		return errorResponse(err)
	}
	fd := s.publishHandle(h)
	return &Response{Tag: RespFdOpen, FdOpen: &FdOpenResponse{FD: fd}}
}

func (s *Server) publishHandle(h *node.Handle) uint64 {
	fd := s.nextHandle.Add(1)
	s.mu.Lock()
	s.handles[fd] = h
	s.mu.Unlock()
	return fd
}

func (s *Server) lookupHandle(fd uint64) (*node.Handle, error) {
	s.mu.Lock()
	h, ok := s.handles[fd]
	s.mu.Unlock()
	if !ok {
		return nil, &node.Error{Op: "fd_lookup", Kind: node.KindNotFound}
	}
	return h, nil
}

// handleFdDup republishes an already-open fd under a new one. Since a
// node.Handle's View is fixed at Open time (invariant 5), dup never
// needs to touch the engine at all — it only mints a fresh key into the
// same handle table entry.
func handleFdDup(ctx context.Context, s *Server, pid int32, req *Request) *Response {
	h, err := s.lookupHandle(req.FdDup.FD)
	if err != nil {
		return errorResponse(err)
	}
	fd := s.publishHandle(h)
	return &Response{Tag: RespFdDup, FdDup: &FdDupResponse{FD: fd}}
}

// handlePathOp implements the small set of single-shot, no-handle-needed
// path operations a host bridge issues without first opening a fd:
// "stat" and "unlink" are the only two this exercise wires; any other
// operation name is rejected as unsupported rather than silently
// ignored.
func handlePathOp(ctx context.Context, s *Server, pid int32, req *Request) *Response {
	view := s.engine.ViewForPID(pid)
	switch req.PathOp.Operation {
	case "stat":
		h, err := s.engine.Open(ctx, view, req.PathOp.Path, node.OpenFlags{Read: true})
		if err != nil {
			return errorResponse(err)
		}
		defer s.engine.Close(h)
		attr, err := s.engine.Getattr(h)
		if err != nil {
			return errorResponse(err)
		}
		return &Response{Tag: RespPathOp, PathOp: &PathOpResponse{Result: encodeAttr(attr)}}
	case "unlink":
		if err := s.engine.Unlink(ctx, view, req.PathOp.Path); err != nil {
			return errorResponse(err)
		}
		return &Response{Tag: RespPathOp, PathOp: &PathOpResponse{}}
	default:
		return errorResponse(&node.Error{Op: "path_op", Kind: node.KindUnsupported,
			Err: fmt.Errorf("unsupported path operation %q", req.PathOp.Operation)})
	}
}

func encodeAttr(a node.Attr) []byte {
	w := &writer{}
	w.u8(uint8(a.Kind))
	w.u32(a.Mode)
	w.u32(a.UID)
	w.u32(a.GID)
	w.u64(uint64(a.Size))
	w.u32(a.LinkCount)
	return w.buf
}

// handleInterposeSetGet implements the interpose key/value store a
// bound process reads its active policy knobs from (e.g. whether the
// engine should prefer a reflink clone over a full copy on write) —
// Value present means set-and-return-previous, Value absent means get.
func handleInterposeSetGet(ctx context.Context, s *Server, pid int32, req *Request) *Response {
	s.kvMu.Lock()
	defer s.kvMu.Unlock()
	prev := s.kv[req.InterposeSetGet.Key]
	if req.InterposeSetGet.Value != nil {
		s.kv[req.InterposeSetGet.Key] = req.InterposeSetGet.Value
	}
	return &Response{Tag: RespInterposeSetGet, InterposeSetGet: &InterposeSetGetResponse{Value: prev}}
}

// fsRequestHandler runs one low-level, per-handle FsRequest.
type fsRequestHandler func(ctx context.Context, s *Server, pid int32, req *FsRequest) *FsResponse

var fsRequestHandlers = map[FsRequestTag]fsRequestHandler{
	FsTagOpen:    handleFsOpen,
	FsTagCreate:  handleFsCreate,
	FsTagClose:   handleFsClose,
	FsTagRead:    handleFsRead,
	FsTagWrite:   handleFsWrite,
	FsTagGetAttr: handleFsGetAttr,
	FsTagMkdir:   handleFsMkdir,
	FsTagUnlink:  handleFsUnlink,
	FsTagReadDir: handleFsReadDir,
}

func handleFsOpen(ctx context.Context, s *Server, pid int32, req *FsRequest) *FsResponse {
	view := node.View{Branch: node.BranchID(req.Open.Branch), Snapshot: node.SnapshotID(req.Open.Snapshot)}
	flags := node.OpenFlags{
		Read:     req.Open.Flags&1 != 0,
		Write:    req.Open.Flags&2 != 0,
		Create:   req.Open.Flags&4 != 0,
		Truncate: req.Open.Flags&8 != 0,
		Excl:     req.Open.Flags&16 != 0,
	}
	h, err := s.engine.Open(ctx, view, req.Open.Path, flags)
	if err != nil {
		return fsErrorResponse(err)
	}
	fd := s.publishHandle(h)
	return &FsResponse{Tag: FsRespHandle, Handle: &FsHandleResponse{Handle: fd}}
}

// handleFsCreate creates a file or directory and, for a file, returns an
// open Handle on it (a directory has nothing to read/write, so it
// reports a zero handle — callers wanting to ReadDir it issue a
// separate FsOpen).
func handleFsCreate(ctx context.Context, s *Server, pid int32, req *FsRequest) *FsResponse {
	view := node.View{Branch: node.BranchID(req.Create.Branch)}
	path := req.Create.Path

	if req.Create.IsDir {
		if _, err := s.engine.Mkdir(ctx, view, path, req.Create.Mode); err != nil {
			return fsErrorResponse(err)
		}
		return &FsResponse{Tag: FsRespHandle, Handle: &FsHandleResponse{Handle: 0}}
	}

	h, err := s.engine.Open(ctx, view, path, node.OpenFlags{Read: true, Write: true, Create: true, Excl: true})
	if err != nil {
		return fsErrorResponse(err)
	}
	fd := s.publishHandle(h)
	return &FsResponse{Tag: FsRespHandle, Handle: &FsHandleResponse{Handle: fd}}
}

func handleFsClose(ctx context.Context, s *Server, pid int32, req *FsRequest) *FsResponse {
	h, err := s.lookupHandle(req.Close.Handle)
	if err != nil {
		return fsErrorResponse(err)
	}
	s.engine.Close(h)
	s.mu.Lock()
	delete(s.handles, req.Close.Handle)
	s.mu.Unlock()
	return &FsResponse{Tag: FsRespOk}
}

func handleFsRead(ctx context.Context, s *Server, pid int32, req *FsRequest) *FsResponse {
	h, err := s.lookupHandle(req.Read.Handle)
	if err != nil {
		return fsErrorResponse(err)
	}
	buf := make([]byte, req.Read.Length)
	n, err := s.engine.Read(ctx, h, int64(req.Read.Offset), buf)
	if err != nil {
		return fsErrorResponse(err)
	}
	return &FsResponse{Tag: FsRespData, Data: &FsDataResponse{Bytes: buf[:n]}}
}

func handleFsWrite(ctx context.Context, s *Server, pid int32, req *FsRequest) *FsResponse {
	h, err := s.lookupHandle(req.Write.Handle)
	if err != nil {
		return fsErrorResponse(err)
	}
	n, err := s.engine.Write(ctx, h, int64(req.Write.Offset), req.Write.Data)
	if err != nil {
		return fsErrorResponse(err)
	}
	return &FsResponse{Tag: FsRespWritten, Written: &FsWrittenResponse{N: uint32(n)}}
}

func handleFsGetAttr(ctx context.Context, s *Server, pid int32, req *FsRequest) *FsResponse {
	h, err := s.lookupHandle(req.GetAttr.Handle)
	if err != nil {
		return fsErrorResponse(err)
	}
	a, err := s.engine.Getattr(h)
	if err != nil {
		return fsErrorResponse(err)
	}
	return &FsResponse{Tag: FsRespAttrs, Attrs: &FsAttrsResponse{
		Kind: uint8(a.Kind), Mode: a.Mode, UID: a.UID, GID: a.GID,
		Size: uint64(a.Size), LinkCount: a.LinkCount,
	}}
}

func handleFsMkdir(ctx context.Context, s *Server, pid int32, req *FsRequest) *FsResponse {
	view := node.View{Branch: node.BranchID(req.Mkdir.Branch)}
	if _, err := s.engine.Mkdir(ctx, view, req.Mkdir.Path, req.Mkdir.Mode); err != nil {
		return fsErrorResponse(err)
	}
	return &FsResponse{Tag: FsRespOk}
}

func handleFsUnlink(ctx context.Context, s *Server, pid int32, req *FsRequest) *FsResponse {
	view := node.View{Branch: node.BranchID(req.Unlink.Branch)}
	if err := s.engine.Unlink(ctx, view, req.Unlink.Path); err != nil {
		return fsErrorResponse(err)
	}
	return &FsResponse{Tag: FsRespOk}
}

func handleFsReadDir(ctx context.Context, s *Server, pid int32, req *FsRequest) *FsResponse {
	h, err := s.lookupHandle(req.ReadDir.Handle)
	if err != nil {
		return fsErrorResponse(err)
	}
	entries, err := s.engine.Readdir(h)
	if err != nil {
		return fsErrorResponse(err)
	}
	out := make([]FsDirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, FsDirEntry{Name: e.Name, Kind: uint8(e.Kind)})
	}
	return &FsResponse{Tag: FsRespEntries, Entries: &FsEntriesResponse{Entries: out}}
}
