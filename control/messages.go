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

import "fmt"

// ProtocolVersion is the version string every request frame opens with.
const ProtocolVersion = "1"

// RequestTag is the 1-byte discriminant opening a Request's payload,
// following the version string.
type RequestTag uint8

const (
	TagSnapshotCreate RequestTag = iota
	TagSnapshotList
	TagBranchCreate
	TagBranchBind
	TagFdOpen
	TagFdDup
	TagPathOp
	TagInterposeSetGet
)

// ResponseTag is the 1-byte discriminant opening a Response's payload.
type ResponseTag uint8

const (
	RespSnapshotCreate ResponseTag = iota
	RespSnapshotList
	RespBranchCreate
	RespBranchBind
	RespFdOpen
	RespFdDup
	RespPathOp
	RespInterposeSetGet
	RespError
)

// SnapshotInfo describes one snapshot for list/create responses.
type SnapshotInfo struct {
	ID   uint64
	Name *string
}

// BranchInfo describes one branch for a create response.
type BranchInfo struct {
	ID     uint64
	Name   *string
	Parent uint64
}

// Request is the tagged union of every high-level control-plane request.
// Exactly one field matching Tag is non-nil.
type Request struct {
	Version string
	Tag     RequestTag

	SnapshotCreate  *SnapshotCreateRequest
	SnapshotList    *SnapshotListRequest
	BranchCreate    *BranchCreateRequest
	BranchBind      *BranchBindRequest
	FdOpen          *FdOpenRequest
	FdDup           *FdDupRequest
	PathOp          *PathOpRequest
	InterposeSetGet *InterposeSetGetRequest
}

type SnapshotCreateRequest struct{ Name *string }
type SnapshotListRequest struct{}
type BranchCreateRequest struct {
	From uint64
	Name *string
}
type BranchBindRequest struct {
	Branch uint64
	PID    *uint64
}
type FdOpenRequest struct {
	Path  string
	Flags uint32
	Mode  uint32
}
type FdDupRequest struct{ FD uint64 }
type PathOpRequest struct {
	Path      string
	Operation string
	Args      []byte
}
type InterposeSetGetRequest struct {
	Key   string
	Value []byte
}

// Response is the tagged union of every high-level control-plane
// response, including the shared Error variant.
type Response struct {
	Tag ResponseTag

	SnapshotCreate  *SnapshotCreateResponse
	SnapshotList    *SnapshotListResponse
	BranchCreate    *BranchCreateResponse
	BranchBind      *BranchBindResponse
	FdOpen          *FdOpenResponse
	FdDup           *FdDupResponse
	PathOp          *PathOpResponse
	InterposeSetGet *InterposeSetGetResponse
	Error           *ErrorResponse
}

type SnapshotCreateResponse struct{ Info SnapshotInfo }
type SnapshotListResponse struct{ Snapshots []SnapshotInfo }
type BranchCreateResponse struct{ Info BranchInfo }
type BranchBindResponse struct {
	Branch uint64
	PID    uint64
}
type FdOpenResponse struct{ FD uint64 }
type FdDupResponse struct{ FD uint64 }
type PathOpResponse struct{ Result []byte }
type InterposeSetGetResponse struct{ Value []byte }

// ErrorResponse is the shared failure variant every request may return.
type ErrorResponse struct {
	Message string
	Code    *uint64
}

func (e *ErrorResponse) Error() string {
	if e.Code != nil {
		return fmt.Sprintf("control: %s (code %d)", e.Message, *e.Code)
	}
	return fmt.Sprintf("control: %s", e.Message)
}

// EncodeRequest serializes req to its wire form (version string, tag
// byte, variant body).
func EncodeRequest(req *Request) ([]byte, error) {
	w := &writer{}
	w.str(req.Version)
	w.u8(uint8(req.Tag))

	switch req.Tag {
	case TagSnapshotCreate:
		w.optStr(req.SnapshotCreate.Name)
	case TagSnapshotList:
		// no payload
	case TagBranchCreate:
		w.u64(req.BranchCreate.From)
		w.optStr(req.BranchCreate.Name)
	case TagBranchBind:
		w.u64(req.BranchBind.Branch)
		w.optU64(req.BranchBind.PID)
	case TagFdOpen:
		w.str(req.FdOpen.Path)
		w.u32(req.FdOpen.Flags)
		w.u32(req.FdOpen.Mode)
	case TagFdDup:
		w.u64(req.FdDup.FD)
	case TagPathOp:
		w.str(req.PathOp.Path)
		w.str(req.PathOp.Operation)
		w.optBytes(req.PathOp.Args)
	case TagInterposeSetGet:
		w.str(req.InterposeSetGet.Key)
		w.optBytes(req.InterposeSetGet.Value)
	default:
		return nil, fmt.Errorf("control: unknown request tag %d", req.Tag)
	}
	return w.buf, nil
}

// DecodeRequest parses a request frame body produced by EncodeRequest.
func DecodeRequest(body []byte) (*Request, error) {
	r := newReader(body)
	version, err := r.str()
	if err != nil {
		return nil, err
	}
	tagByte, err := r.u8()
	if err != nil {
		return nil, err
	}
	req := &Request{Version: version, Tag: RequestTag(tagByte)}

	switch req.Tag {
	case TagSnapshotCreate:
		name, err := r.optStr()
		if err != nil {
			return nil, err
		}
		req.SnapshotCreate = &SnapshotCreateRequest{Name: name}
	case TagSnapshotList:
		req.SnapshotList = &SnapshotListRequest{}
	case TagBranchCreate:
		from, err := r.u64()
		if err != nil {
			return nil, err
		}
		name, err := r.optStr()
		if err != nil {
			return nil, err
		}
		req.BranchCreate = &BranchCreateRequest{From: from, Name: name}
	case TagBranchBind:
		branch, err := r.u64()
		if err != nil {
			return nil, err
		}
		pid, err := r.optU64()
		if err != nil {
			return nil, err
		}
		req.BranchBind = &BranchBindRequest{Branch: branch, PID: pid}
	case TagFdOpen:
		path, err := r.str()
		if err != nil {
			return nil, err
		}
		flags, err := r.u32()
		if err != nil {
			return nil, err
		}
		mode, err := r.u32()
		if err != nil {
			return nil, err
		}
		req.FdOpen = &FdOpenRequest{Path: path, Flags: flags, Mode: mode}
	case TagFdDup:
		fd, err := r.u64()
		if err != nil {
			return nil, err
		}
		req.FdDup = &FdDupRequest{FD: fd}
	case TagPathOp:
		path, err := r.str()
		if err != nil {
			return nil, err
		}
		op, err := r.str()
		if err != nil {
			return nil, err
		}
		args, err := r.optBytes()
		if err != nil {
			return nil, err
		}
		req.PathOp = &PathOpRequest{Path: path, Operation: op, Args: args}
	case TagInterposeSetGet:
		key, err := r.str()
		if err != nil {
			return nil, err
		}
		value, err := r.optBytes()
		if err != nil {
			return nil, err
		}
		req.InterposeSetGet = &InterposeSetGetRequest{Key: key, Value: value}
	default:
		return nil, fmt.Errorf("control: unknown request tag %d", tagByte)
	}
	return req, nil
}

func encodeSnapshotInfo(w *writer, s SnapshotInfo) {
	w.u64(s.ID)
	w.optStr(s.Name)
}

func decodeSnapshotInfo(r *reader) (SnapshotInfo, error) {
	id, err := r.u64()
	if err != nil {
		return SnapshotInfo{}, err
	}
	name, err := r.optStr()
	if err != nil {
		return SnapshotInfo{}, err
	}
	return SnapshotInfo{ID: id, Name: name}, nil
}

// EncodeResponse serializes resp to its wire form.
func EncodeResponse(resp *Response) ([]byte, error) {
	w := &writer{}
	w.u8(uint8(resp.Tag))

	switch resp.Tag {
	case RespSnapshotCreate:
		encodeSnapshotInfo(w, resp.SnapshotCreate.Info)
	case RespSnapshotList:
		w.u32(uint32(len(resp.SnapshotList.Snapshots)))
		for _, s := range resp.SnapshotList.Snapshots {
			encodeSnapshotInfo(w, s)
		}
	case RespBranchCreate:
		info := resp.BranchCreate.Info
		w.u64(info.ID)
		w.optStr(info.Name)
		w.u64(info.Parent)
	case RespBranchBind:
		w.u64(resp.BranchBind.Branch)
		w.u64(resp.BranchBind.PID)
	case RespFdOpen:
		w.u64(resp.FdOpen.FD)
	case RespFdDup:
		w.u64(resp.FdDup.FD)
	case RespPathOp:
		w.optBytes(resp.PathOp.Result)
	case RespInterposeSetGet:
		w.optBytes(resp.InterposeSetGet.Value)
	case RespError:
		w.str(resp.Error.Message)
		w.optU64(resp.Error.Code)
	default:
		return nil, fmt.Errorf("control: unknown response tag %d", resp.Tag)
	}
	return w.buf, nil
}

// DecodeResponse parses a response frame body produced by EncodeResponse.
func DecodeResponse(body []byte) (*Response, error) {
	r := newReader(body)
	tagByte, err := r.u8()
	if err != nil {
		return nil, err
	}
	resp := &Response{Tag: ResponseTag(tagByte)}

	switch resp.Tag {
	case RespSnapshotCreate:
		info, err := decodeSnapshotInfo(r)
		if err != nil {
			return nil, err
		}
		resp.SnapshotCreate = &SnapshotCreateResponse{Info: info}
	case RespSnapshotList:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		snaps := make([]SnapshotInfo, 0, n)
		for i := uint32(0); i < n; i++ {
			s, err := decodeSnapshotInfo(r)
			if err != nil {
				return nil, err
			}
			snaps = append(snaps, s)
		}
		resp.SnapshotList = &SnapshotListResponse{Snapshots: snaps}
	case RespBranchCreate:
		id, err := r.u64()
		if err != nil {
			return nil, err
		}
		name, err := r.optStr()
		if err != nil {
			return nil, err
		}
		parent, err := r.u64()
		if err != nil {
			return nil, err
		}
		resp.BranchCreate = &BranchCreateResponse{Info: BranchInfo{ID: id, Name: name, Parent: parent}}
	case RespBranchBind:
		branch, err := r.u64()
		if err != nil {
			return nil, err
		}
		pid, err := r.u64()
		if err != nil {
			return nil, err
		}
		resp.BranchBind = &BranchBindResponse{Branch: branch, PID: pid}
	case RespFdOpen:
		fd, err := r.u64()
		if err != nil {
			return nil, err
		}
		resp.FdOpen = &FdOpenResponse{FD: fd}
	case RespFdDup:
		fd, err := r.u64()
		if err != nil {
			return nil, err
		}
		resp.FdDup = &FdDupResponse{FD: fd}
	case RespPathOp:
		result, err := r.optBytes()
		if err != nil {
			return nil, err
		}
		resp.PathOp = &PathOpResponse{Result: result}
	case RespInterposeSetGet:
		value, err := r.optBytes()
		if err != nil {
			return nil, err
		}
		resp.InterposeSetGet = &InterposeSetGetResponse{Value: value}
	case RespError:
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
		return nil, fmt.Errorf("control: unknown response tag %d", tagByte)
	}
	return resp, nil
}
