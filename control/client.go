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
	"fmt"
	"io"
	"net"
	"sync"
)

// Client is a synchronous request/response wrapper around one
// connection to a Server. Callers issuing concurrent requests over the
// same Client serialize on conn; a caller wanting concurrency opens
// multiple connections instead, the same trade the teacher's own
// single-conn gRPC-ish clients make.
type Client struct {
	conn net.Conn
	mu   sync.Mutex
}

// Dial opens a Client against addr over network ("unix" in production,
// "tcp" in tests).
func Dial(network, addr string) (*Client, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// NewClient wraps an already-established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error { return c.conn.Close() }

// Call sends req and returns the server's Response, or the ErrorResponse
// turned into a Go error if the server reported a failure.
func (c *Client) Call(req *Request) (*Response, error) {
	if req.Version == "" {
		req.Version = ProtocolVersion
	}
	body, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.conn.Write([]byte{selectorRequest}); err != nil {
		return nil, err
	}
	if err := WriteFrame(c.conn, body); err != nil {
		return nil, err
	}

	respBody, err := c.readResponseFrame(selectorRequest)
	if err != nil {
		return nil, err
	}
	resp, err := DecodeResponse(respBody)
	if err != nil {
		return nil, err
	}
	if resp.Tag == RespError {
		return resp, resp.Error
	}
	return resp, nil
}

// CallFs sends a low-level FsRequest and returns the server's
// FsResponse, or the ErrorResponse turned into a Go error.
func (c *Client) CallFs(req *FsRequest) (*FsResponse, error) {
	body, err := EncodeFsRequest(req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.conn.Write([]byte{selectorFsRequest}); err != nil {
		return nil, err
	}
	if err := WriteFrame(c.conn, body); err != nil {
		return nil, err
	}

	respBody, err := c.readResponseFrame(selectorFsRequest)
	if err != nil {
		return nil, err
	}
	resp, err := DecodeFsResponse(respBody)
	if err != nil {
		return nil, err
	}
	if resp.Tag == FsRespError {
		return resp, resp.Error
	}
	return resp, nil
}

func (c *Client) readResponseFrame(want byte) ([]byte, error) {
	var selBuf [1]byte
	if _, err := io.ReadFull(c.conn, selBuf[:]); err != nil {
		return nil, err
	}
	if selBuf[0] != want {
		return nil, fmt.Errorf("control: response selector mismatch, want %d got %d", want, selBuf[0])
	}
	return ReadFrame(c.conn)
}
