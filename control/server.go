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
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/agent-harbor/agentfs/internal/logger"
	"github.com/agent-harbor/agentfs/internal/metrics"
	"github.com/agent-harbor/agentfs/node"
)

// frameSelector is the 1-byte prefix, ahead of each length-prefixed
// frame, choosing which of the protocol's two tagged unions the frame
// belongs to: the high-level snapshot/branch/binding Request (selector
// 0) or the supplemented low-level FsRequest (selector 1). The selector
// lives outside both unions' own wire form so a connection can freely
// interleave the two without either codec needing to know about the
// other.
const (
	selectorRequest   byte = 0
	selectorFsRequest byte = 1
)

// Server dispatches control-plane connections against one node.Engine.
// Each accepted connection runs its own read loop goroutine; a
// per-connection mutex serializes writes, so responses for interleaved
// requests never interleave their bytes on the wire — the same
// "no lock held across a call into the engine" discipline spec.md §5
// asks of the engine itself, applied to the transport.
type Server struct {
	engine *node.Engine

	mu          sync.Mutex
	handles     map[uint64]*node.Handle
	nextHandle  atomic.Uint64
	kv          map[string][]byte
	kvMu        sync.Mutex
	connCounter atomic.Uint64
}

// NewServer returns a Server driving engine.
func NewServer(engine *node.Engine) *Server {
	return &Server{
		engine:  engine,
		handles: make(map[uint64]*node.Handle),
		kv:      make(map[string][]byte),
	}
}

// Serve accepts connections from ln until ctx is done or ln.Accept
// fails, dispatching each on its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	metrics.ControlConnections.Set(0)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		metrics.ControlConnections.Inc()
		go func() {
			defer metrics.ControlConnections.Dec()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	pid := s.peerPID(conn)
	var writeMu sync.Mutex

	for {
		var selBuf [1]byte
		if _, err := io.ReadFull(conn, selBuf[:]); err != nil {
			return
		}
		body, err := ReadFrame(conn)
		if err != nil {
			return
		}

		var respSel byte
		var respBody []byte

		switch selBuf[0] {
		case selectorRequest:
			req, derr := DecodeRequest(body)
			if derr != nil {
				logger.Warnf("control: bad request frame: %v", derr)
				return
			}
			resp := s.dispatchRequest(ctx, pid, req)
			respSel = selectorRequest
			respBody, err = EncodeResponse(resp)
		case selectorFsRequest:
			freq, derr := DecodeFsRequest(body)
			if derr != nil {
				logger.Warnf("control: bad fs request frame: %v", derr)
				return
			}
			fresp := s.dispatchFsRequest(ctx, pid, freq)
			respSel = selectorFsRequest
			respBody, err = EncodeFsResponse(fresp)
		default:
			logger.Warnf("control: unknown frame selector %d", selBuf[0])
			return
		}
		if err != nil {
			logger.Warnf("control: encode response: %v", err)
			return
		}

		writeMu.Lock()
		werr := func() error {
			if _, err := conn.Write([]byte{respSel}); err != nil {
				return err
			}
			return WriteFrame(conn, respBody)
		}()
		writeMu.Unlock()
		if werr != nil {
			return
		}
	}
}

// peerPID resolves the connecting process's PID via SO_PEERCRED when
// conn is a UNIX domain socket, the OS-level equivalent of reading
// /proc/<pid>; connections over any other transport (TCP, used in
// tests) get a synthetic per-connection id instead, since BranchBind's
// pid is just an opaque key into the engine's binding table.
func (s *Server) peerPID(conn net.Conn) int32 {
	if uc, ok := conn.(*net.UnixConn); ok {
		if raw, err := uc.SyscallConn(); err == nil {
			var cred *unix.Ucred
			var cerr error
			_ = raw.Control(func(fd uintptr) {
				cred, cerr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
			})
			if cerr == nil && cred != nil {
				return cred.Pid
			}
		}
	}
	return -int32(s.connCounter.Add(1))
}

func (s *Server) dispatchRequest(ctx context.Context, pid int32, req *Request) *Response {
	op := requestOpName(req.Tag)

	if req.Version != ProtocolVersion {
		metrics.ControlRequestsTotal.WithLabelValues(op, "invalid").Inc()
		return errorResponse(&node.Error{Op: "control_dispatch", Kind: node.KindInvalid,
			Err: fmt.Errorf("control: unsupported protocol version %q (want %q)", req.Version, ProtocolVersion)})
	}

	handler, ok := requestHandlers[req.Tag]
	if !ok {
		metrics.ControlRequestsTotal.WithLabelValues(op, "unknown").Inc()
		return errorResponse(nodeErrorf("control: unknown request tag %d", req.Tag))
	}
	resp := handler(ctx, s, pid, req)
	result := "ok"
	if resp.Tag == RespError {
		result = "error"
	}
	metrics.ControlRequestsTotal.WithLabelValues(op, result).Inc()
	return resp
}

// dispatchFsRequest has no version check of its own: FsRequest carries
// no Version field (see EncodeFsRequest's doc comment). The server does
// not require a versioned Request to have been exchanged on the
// connection first; an FsRequest frame is dispatched whenever it arrives.
func (s *Server) dispatchFsRequest(ctx context.Context, pid int32, req *FsRequest) *FsResponse {
	handler, ok := fsRequestHandlers[req.Tag]
	if !ok {
		return fsErrorResponse(nodeErrorf("control: unknown fs request tag %d", req.Tag))
	}
	return handler(ctx, s, pid, req)
}
