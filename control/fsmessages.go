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

// This file restores the second, lower-level filesystem-op union a host
// bridge needs to drive the engine directly once it has a Handle (from
// FdOpen in messages.go): Open/Create/Close/Read/Write/GetAttr/Mkdir/
// Unlink/ReadDir, dropped from spec.md's distillation but present
// alongside the higher-level snapshot/branch union in the system this
// was distilled from. It shares messages.go's codec conventions (1-byte
// tag, length-prefixed byte strings, little-endian integers).
package control

import "fmt"

// FsRequestTag is the 1-byte discriminant for a low-level filesystem
// operation request.
type FsRequestTag uint8

const (
	FsTagOpen FsRequestTag = iota
	FsTagCreate
	FsTagClose
	FsTagRead
	FsTagWrite
	FsTagGetAttr
	FsTagMkdir
	FsTagUnlink
	FsTagReadDir
)

// FsResponseTag is the 1-byte discriminant for a low-level filesystem
// operation response, including the shared Error variant.
type FsResponseTag uint8

const (
	FsRespHandle FsResponseTag = iota
	FsRespData
	FsRespWritten
	FsRespAttrs
	FsRespEntries
	FsRespOk
	FsRespError
)

// FsRequest is the tagged union of low-level, per-handle filesystem
// operations.
type FsRequest struct {
	Tag FsRequestTag

	Open    *FsOpenRequest
	Create  *FsCreateRequest
	Close   *FsCloseRequest
	Read    *FsReadRequest
	Write   *FsWriteRequest
	GetAttr *FsGetAttrRequest
	Mkdir   *FsMkdirRequest
	Unlink  *FsUnlinkRequest
	ReadDir *FsReadDirRequest
}

type FsOpenRequest struct {
	Branch   uint64
	Snapshot uint64
	Path     string
	Flags    uint32
}
type FsCreateRequest struct {
	Branch uint64
	Path   string
	Mode   uint32
	IsDir  bool
}
type FsCloseRequest struct{ Handle uint64 }
type FsReadRequest struct {
	Handle uint64
	Offset uint64
	Length uint32
}
type FsWriteRequest struct {
	Handle uint64
	Offset uint64
	Data   []byte
}
type FsGetAttrRequest struct{ Handle uint64 }
type FsMkdirRequest struct {
	Branch uint64
	Path   string
	Mode   uint32
}
type FsUnlinkRequest struct {
	Branch uint64
	Path   string
}
type FsReadDirRequest struct{ Handle uint64 }

// FsResponse is the tagged union of low-level filesystem-op responses.
type FsResponse struct {
	Tag FsResponseTag

	Handle  *FsHandleResponse
	Data    *FsDataResponse
	Written *FsWrittenResponse
	Attrs   *FsAttrsResponse
	Entries *FsEntriesResponse
	Error   *ErrorResponse
}

type FsHandleResponse struct{ Handle uint64 }
type FsDataResponse struct{ Bytes []byte }
type FsWrittenResponse struct{ N uint32 }
type FsAttrsResponse struct {
	Kind      uint8
	Mode      uint32
	UID, GID  uint32
	Size      uint64
	LinkCount uint32
}
type FsDirEntry struct {
	Name string
	Kind uint8
}
type FsEntriesResponse struct{ Entries []FsDirEntry }

// EncodeFsRequest serializes req to its wire form (tag byte, variant
// body — no version string; the server does not check that a versioned
// Request was exchanged on the connection before an FsRequest).
func EncodeFsRequest(req *FsRequest) ([]byte, error) {
	w := &writer{}
	w.u8(uint8(req.Tag))

	switch req.Tag {
	case FsTagOpen:
		w.u64(req.Open.Branch)
		w.u64(req.Open.Snapshot)
		w.str(req.Open.Path)
		w.u32(req.Open.Flags)
	case FsTagCreate:
		w.u64(req.Create.Branch)
		w.str(req.Create.Path)
		w.u32(req.Create.Mode)
		if req.Create.IsDir {
			w.u8(1)
		} else {
			w.u8(0)
		}
	case FsTagClose:
		w.u64(req.Close.Handle)
	case FsTagRead:
		w.u64(req.Read.Handle)
		w.u64(req.Read.Offset)
		w.u32(req.Read.Length)
	case FsTagWrite:
		w.u64(req.Write.Handle)
		w.u64(req.Write.Offset)
		w.bytes(req.Write.Data)
	case FsTagGetAttr:
		w.u64(req.GetAttr.Handle)
	case FsTagMkdir:
		w.u64(req.Mkdir.Branch)
		w.str(req.Mkdir.Path)
		w.u32(req.Mkdir.Mode)
	case FsTagUnlink:
		w.u64(req.Unlink.Branch)
		w.str(req.Unlink.Path)
	case FsTagReadDir:
		w.u64(req.ReadDir.Handle)
	default:
		return nil, fmt.Errorf("control: unknown fs request tag %d", req.Tag)
	}
	return w.buf, nil
}

// DecodeFsRequest parses a frame body produced by EncodeFsRequest.
func DecodeFsRequest(body []byte) (*FsRequest, error) {
	r := newReader(body)
	tagByte, err := r.u8()
	if err != nil {
		return nil, err
	}
	req := &FsRequest{Tag: FsRequestTag(tagByte)}

	switch req.Tag {
	case FsTagOpen:
		branch, err := r.u64()
		if err != nil {
			return nil, err
		}
		snapshot, err := r.u64()
		if err != nil {
			return nil, err
		}
		path, err := r.str()
		if err != nil {
			return nil, err
		}
		flags, err := r.u32()
		if err != nil {
			return nil, err
		}
		req.Open = &FsOpenRequest{Branch: branch, Snapshot: snapshot, Path: path, Flags: flags}
	case FsTagCreate:
		branch, err := r.u64()
		if err != nil {
			return nil, err
		}
		path, err := r.str()
		if err != nil {
			return nil, err
		}
		mode, err := r.u32()
		if err != nil {
			return nil, err
		}
		isDir, err := r.u8()
		if err != nil {
			return nil, err
		}
		req.Create = &FsCreateRequest{Branch: branch, Path: path, Mode: mode, IsDir: isDir != 0}
	case FsTagClose:
		h, err := r.u64()
		if err != nil {
			return nil, err
		}
		req.Close = &FsCloseRequest{Handle: h}
	case FsTagRead:
		h, err := r.u64()
		if err != nil {
			return nil, err
		}
		off, err := r.u64()
		if err != nil {
			return nil, err
		}
		length, err := r.u32()
		if err != nil {
			return nil, err
		}
		req.Read = &FsReadRequest{Handle: h, Offset: off, Length: length}
	case FsTagWrite:
		h, err := r.u64()
		if err != nil {
			return nil, err
		}
		off, err := r.u64()
		if err != nil {
			return nil, err
		}
		data, err := r.bytes()
		if err != nil {
			return nil, err
		}
		req.Write = &FsWriteRequest{Handle: h, Offset: off, Data: data}
	case FsTagGetAttr:
		h, err := r.u64()
		if err != nil {
			return nil, err
		}
		req.GetAttr = &FsGetAttrRequest{Handle: h}
	case FsTagMkdir:
		branch, err := r.u64()
		if err != nil {
			return nil, err
		}
		path, err := r.str()
		if err != nil {
			return nil, err
		}
		mode, err := r.u32()
		if err != nil {
			return nil, err
		}
		req.Mkdir = &FsMkdirRequest{Branch: branch, Path: path, Mode: mode}
	case FsTagUnlink:
		branch, err := r.u64()
		if err != nil {
			return nil, err
		}
		path, err := r.str()
		if err != nil {
			return nil, err
		}
		req.Unlink = &FsUnlinkRequest{Branch: branch, Path: path}
	case FsTagReadDir:
		h, err := r.u64()
		if err != nil {
			return nil, err
		}
		req.ReadDir = &FsReadDirRequest{Handle: h}
	default:
		return nil, fmt.Errorf("control: unknown fs request tag %d", tagByte)
	}
	return req, nil
}

// EncodeFsResponse serializes resp to its wire form.
func EncodeFsResponse(resp *FsResponse) ([]byte, error) {
	w := &writer{}
	w.u8(uint8(resp.Tag))

	switch resp.Tag {
	case FsRespHandle:
		w.u64(resp.Handle.Handle)
	case FsRespData:
		w.bytes(resp.Data.Bytes)
	case FsRespWritten:
		w.u32(resp.Written.N)
	case FsRespAttrs:
		a := resp.Attrs
		w.u8(a.Kind)
		w.u32(a.Mode)
		w.u32(a.UID)
		w.u32(a.GID)
		w.u64(a.Size)
		w.u32(a.LinkCount)
	case FsRespEntries:
		w.u32(uint32(len(resp.Entries.Entries)))
		for _, e := range resp.Entries.Entries {
			w.str(e.Name)
			w.u8(e.Kind)
		}
	case FsRespOk:
		// no payload
	case FsRespError:
		w.str(resp.Error.Message)
		w.optU64(resp.Error.Code)
	default:
		return nil, fmt.Errorf("control: unknown fs response tag %d", resp.Tag)
	}
	return w.buf, nil
}

// DecodeFsResponse parses a frame body produced by EncodeFsResponse.
func DecodeFsResponse(body []byte) (*FsResponse, error) {
	r := newReader(body)
	tagByte, err := r.u8()
	if err != nil {
		return nil, err
	}
	resp := &FsResponse{Tag: FsResponseTag(tagByte)}

	switch resp.Tag {
	case FsRespHandle:
		h, err := r.u64()
		if err != nil {
			return nil, err
		}
		resp.Handle = &FsHandleResponse{Handle: h}
	case FsRespData:
		b, err := r.bytes()
		if err != nil {
			return nil, err
		}
		resp.Data = &FsDataResponse{Bytes: b}
	case FsRespWritten:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		resp.Written = &FsWrittenResponse{N: n}
	case FsRespAttrs:
		kind, err := r.u8()
		if err != nil {
			return nil, err
		}
		mode, err := r.u32()
		if err != nil {
			return nil, err
		}
		uid, err := r.u32()
		if err != nil {
			return nil, err
		}
		gid, err := r.u32()
		if err != nil {
			return nil, err
		}
		size, err := r.u64()
		if err != nil {
			return nil, err
		}
		linkCount, err := r.u32()
		if err != nil {
			return nil, err
		}
		resp.Attrs = &FsAttrsResponse{Kind: kind, Mode: mode, UID: uid, GID: gid, Size: size, LinkCount: linkCount}
	case FsRespEntries:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		entries := make([]FsDirEntry, 0, n)
		for i := uint32(0); i < n; i++ {
			name, err := r.str()
			if err != nil {
				return nil, err
			}
			kind, err := r.u8()
			if err != nil {
				return nil, err
			}
			entries = append(entries, FsDirEntry{Name: name, Kind: kind})
		}
		resp.Entries = &FsEntriesResponse{Entries: entries}
	case FsRespOk:
		// no payload
	case FsRespError:
		msg, err := r.str()
		if err != nil {
			return nil, err
		}
		code, err := r.optU64()
		if err != nil {
			return nil, err
		}
		resp.Error = &ErrorResponse{Message: msg, Code: code}
	default:
		return nil, fmt.Errorf("control: unknown fs response tag %d", tagByte)
	}
	return resp, nil
}
