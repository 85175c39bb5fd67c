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

package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaultInjectorAlwaysFail(t *testing.T) {
	ctx := context.Background()
	inner := NewInMemoryBackend()
	fi := NewFaultInjector(inner)

	fi.SetFault(Fault{Kind: AlwaysFail, Op: "allocate", Err: newError("allocate", 0, KindIO, nil)})

	_, err := fi.Allocate(ctx, []byte("x"))
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindIO, kind)
}

func TestFaultInjectorFailFor(t *testing.T) {
	ctx := context.Background()
	inner := NewInMemoryBackend()
	fi := NewFaultInjector(inner)
	id, err := fi.Allocate(ctx, []byte("x"))
	require.NoError(t, err)

	fi.SetFault(Fault{Kind: FailFor, Op: "read", N: 2, Err: newError("read", id, KindIO, nil)})

	_, err = fi.Read(ctx, id, 0, make([]byte, 1))
	assert.Error(t, err)
	_, err = fi.Read(ctx, id, 0, make([]byte, 1))
	assert.Error(t, err)
	_, err = fi.Read(ctx, id, 0, make([]byte, 1))
	assert.NoError(t, err)
}

func TestFaultInjectorFailAfter(t *testing.T) {
	ctx := context.Background()
	inner := NewInMemoryBackend()
	fi := NewFaultInjector(inner)
	id, err := fi.Allocate(ctx, []byte("x"))
	require.NoError(t, err)

	fi.SetFault(Fault{Kind: FailAfter, Op: "read", N: 1, Err: newError("read", id, KindIO, nil)})

	_, err = fi.Read(ctx, id, 0, make([]byte, 1))
	assert.NoError(t, err)
	_, err = fi.Read(ctx, id, 0, make([]byte, 1))
	assert.Error(t, err)
}

func TestFaultInjectorCustom(t *testing.T) {
	ctx := context.Background()
	inner := NewInMemoryBackend()
	fi := NewFaultInjector(inner)
	id, err := fi.Allocate(ctx, []byte("x"))
	require.NoError(t, err)

	fi.SetFault(Fault{Kind: Custom, Op: "write", CustomFn: func(op string, n int) *Error {
		if n%2 == 0 {
			return newError(op, id, KindInjectedFault, nil)
		}
		return nil
	}})

	_, err = fi.Write(ctx, id, 0, []byte("a"))
	assert.NoError(t, err)
	_, err = fi.Write(ctx, id, 0, []byte("b"))
	assert.Error(t, err)
}

func TestFaultInjectorCallCount(t *testing.T) {
	ctx := context.Background()
	fi := NewFaultInjector(NewInMemoryBackend())
	id, _ := fi.Allocate(ctx, []byte("x"))
	fi.Read(ctx, id, 0, make([]byte, 1))
	fi.Read(ctx, id, 0, make([]byte, 1))
	assert.Equal(t, 2, fi.CallCount("read"))
}

func TestFaultInjectorClearFaultRevertsToSucceed(t *testing.T) {
	ctx := context.Background()
	fi := NewFaultInjector(NewInMemoryBackend())
	fi.SetFault(Fault{Kind: AlwaysFail, Op: "allocate", Err: newError("allocate", 0, KindIO, nil)})
	_, err := fi.Allocate(ctx, []byte("x"))
	require.Error(t, err)

	fi.ClearFault("allocate")
	_, err = fi.Allocate(ctx, []byte("x"))
	assert.NoError(t, err)
}
