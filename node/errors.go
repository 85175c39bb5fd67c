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
	"errors"
	"fmt"

	"github.com/agent-harbor/agentfs/storage"
)

// ErrorKind is the fixed error taxonomy every engine operation returns one of.
type ErrorKind int

const (
	KindNotFound ErrorKind = iota
	KindExists
	KindNotADirectory
	KindIsADirectory
	KindPermission
	KindReadOnly
	KindInvalid
	KindNoSpace
	KindIO
	KindUnsupported
	KindBusy
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not-found"
	case KindExists:
		return "exists"
	case KindNotADirectory:
		return "not-a-directory"
	case KindIsADirectory:
		return "is-a-directory"
	case KindPermission:
		return "permission"
	case KindReadOnly:
		return "read-only"
	case KindInvalid:
		return "invalid"
	case KindNoSpace:
		return "no-space"
	case KindIO:
		return "io"
	case KindUnsupported:
		return "unsupported"
	case KindBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Error is returned by every exported Engine operation on failure. Code
// carries an underlying OS error code when one is available (e.g. from a
// storage.Error).
type Error struct {
	Op   string
	Kind ErrorKind
	Code int
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("node: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("node: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op string, kind ErrorKind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// fromStorage maps a storage.Error onto the engine's own taxonomy,
// the propagation policy the engine never retries internally and never
// swallows an error from beneath it.
func fromStorage(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var se *storage.Error
	if errors.As(err, &se) {
		switch se.Kind {
		case storage.KindNotFound:
			return newError(op, KindNotFound, err)
		case storage.KindSealed:
			return newError(op, KindReadOnly, err)
		case storage.KindNoSpace:
			return newError(op, KindNoSpace, err)
		case storage.KindUnsupported:
			return newError(op, KindUnsupported, err)
		default:
			return newError(op, KindIO, err)
		}
	}
	return newError(op, KindIO, err)
}

// KindOf reports the Kind of err if it (or something it wraps) is a
// *node.Error.
func KindOf(err error) (ErrorKind, bool) {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Kind, true
	}
	return 0, false
}
