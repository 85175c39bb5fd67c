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

package interpose

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openFn is the hook signature used throughout this file's tests: it
// takes the context Dispatch hands a hook (carrying its call frame) so
// a hook body can call CallNext/CallReal/HooksAllowed on it.
type openFn func(ctx context.Context, path string) (int, error)

// openResult is how invoke below boxes an openFn call's return values
// into the `any` Dispatch/CallNext/CallReal pass around.
type openResult struct {
	n   int
	err error
}

func invokeOpen(ctx context.Context, fn openFn) any {
	n, err := fn(ctx, "/x")
	return openResult{n: n, err: err}
}

func TestChainDispatchOrdersByPriority(t *testing.T) {
	chain := NewChain[openFn]()
	var order []string

	chain.Register("low-priority", 10, func(ctx context.Context, path string) (int, error) {
		order = append(order, "low-priority")
		res := CallNext[openFn](ctx).(openResult)
		return res.n, res.err
	})
	chain.Register("high-priority", -10, func(ctx context.Context, path string) (int, error) {
		order = append(order, "high-priority")
		res := CallNext[openFn](ctx).(openResult)
		return res.n, res.err
	})
	chain.Register("mid-priority", 0, func(ctx context.Context, path string) (int, error) {
		order = append(order, "mid-priority")
		res := CallNext[openFn](ctx).(openResult)
		return res.n, res.err
	})

	real := func(ctx context.Context, path string) (int, error) {
		order = append(order, "real")
		return 0, nil
	}

	result := Dispatch(context.Background(), chain, real, invokeOpen).(openResult)
	_ = result

	assert.Equal(t, []string{"high-priority", "mid-priority", "low-priority", "real"}, order)
}

func TestChainDispatchCallsRealWhenEmpty(t *testing.T) {
	chain := NewChain[openFn]()
	called := false
	real := func(ctx context.Context, path string) (int, error) {
		called = true
		return 42, nil
	}

	result := Dispatch(context.Background(), chain, real, invokeOpen).(openResult)
	assert.Equal(t, 42, result.n)
	assert.True(t, called)
}

func TestChainRegisterReplacesSameName(t *testing.T) {
	chain := NewChain[openFn]()
	chain.Register("a", 0, func(context.Context, string) (int, error) { return 1, nil })
	chain.Register("a", 0, func(context.Context, string) (int, error) { return 2, nil })

	require.Equal(t, 1, chain.Len())
	hooks := chain.Snapshot()
	n, _ := hooks[0](context.Background(), "/x")
	assert.Equal(t, 2, n)
}

func TestChainUnregister(t *testing.T) {
	chain := NewChain[openFn]()
	chain.Register("a", 0, func(context.Context, string) (int, error) { return 1, nil })
	chain.Unregister("a")
	assert.Equal(t, 0, chain.Len())
}

// TestDispatchRecoversHookPanicByCallingReal covers spec's panic-safety
// rule directly: a panicking hook falls back to calling the real
// implementation, never the next hook in the chain. A second,
// higher-priority hook registered alongside the panicking one proves
// this — if the panic recovery mistakenly advanced to the next hook
// instead of real, "should-not-run" would be observed too.
func TestDispatchRecoversHookPanicByCallingReal(t *testing.T) {
	chain := NewChain[openFn]()
	var ranHooks []string

	chain.Register("panics", -1, func(context.Context, string) (int, error) {
		ranHooks = append(ranHooks, "panics")
		panic("boom")
	})
	chain.Register("should-not-run", 10, func(ctx context.Context, path string) (int, error) {
		ranHooks = append(ranHooks, "should-not-run")
		res := CallNext[openFn](ctx).(openResult)
		return res.n, res.err
	})

	var fellThroughToReal bool
	real := func(context.Context, string) (int, error) {
		fellThroughToReal = true
		return 0, nil
	}

	assert.NotPanics(t, func() {
		Dispatch(context.Background(), chain, real, invokeOpen)
	})
	assert.True(t, fellThroughToReal)
	assert.Equal(t, []string{"panics"}, ranHooks, "panic recovery must call real directly, not the next hook")
}

// TestCallRealBypassesRemainingChain covers testable property 9:
// call_real invoked from a lower-priority hook bypasses every
// higher-priority hook still left in the chain.
func TestCallRealBypassesRemainingChain(t *testing.T) {
	chain := NewChain[openFn]()
	var ran []string

	chain.Register("priority-5", 5, func(ctx context.Context, path string) (int, error) {
		ran = append(ran, "priority-5")
		res := CallReal[openFn](ctx).(openResult)
		return res.n, res.err
	})
	chain.Register("priority-20", 20, func(ctx context.Context, path string) (int, error) {
		ran = append(ran, "priority-20")
		res := CallNext[openFn](ctx).(openResult)
		return res.n, res.err
	})

	real := func(context.Context, string) (int, error) {
		ran = append(ran, "real")
		return 0, nil
	}

	Dispatch(context.Background(), chain, real, invokeOpen)
	assert.Equal(t, []string{"priority-5", "real"}, ran, "call_real from priority 5 must skip priority 20 entirely")
}

// TestHookChainLogOrderScenario is scenario S4 from spec.md: library A
// (priority 5) logs "A" then call_next; library B (priority 20) logs
// "B" then call_next. Closing must emit A, B, <real>.
func TestHookChainLogOrderScenario(t *testing.T) {
	chain := NewChain[openFn]()
	var log []string

	chain.Register("A", 5, func(ctx context.Context, path string) (int, error) {
		log = append(log, "A")
		res := CallNext[openFn](ctx).(openResult)
		return res.n, res.err
	})
	chain.Register("B", 20, func(ctx context.Context, path string) (int, error) {
		log = append(log, "B")
		res := CallNext[openFn](ctx).(openResult)
		return res.n, res.err
	})

	real := func(context.Context, string) (int, error) {
		log = append(log, "real")
		return 0, nil
	}

	Dispatch(context.Background(), chain, real, invokeOpen)
	assert.Equal(t, []string{"A", "B", "real"}, log)
}

func TestHooksAllowedOnlyAtDepthZero(t *testing.T) {
	chain := NewChain[openFn]()
	var sawInsideHook, sawInsideNext bool

	chain.Register("checks-depth", 0, func(ctx context.Context, path string) (int, error) {
		sawInsideHook = HooksAllowed(ctx)
		res := CallNext[openFn](ctx).(openResult)
		return res.n, res.err
	})

	real := func(ctx context.Context, path string) (int, error) {
		sawInsideNext = HooksAllowed(ctx)
		return 0, nil
	}

	Dispatch(context.Background(), chain, real, invokeOpen)
	assert.False(t, sawInsideHook, "a running hook's own body must observe depth > 0")
	assert.True(t, sawInsideNext, "reaching the real implementation must observe depth reset to 0")
}

// TestDispatchBypassesChainWhenReentrant covers dispatch rule 1: at a
// nonzero depth (already inside some hook chain), Dispatch calls real
// directly without ever consulting the chain.
func TestDispatchBypassesChainWhenReentrant(t *testing.T) {
	chain := NewChain[openFn]()
	var hookRan bool
	chain.Register("should-not-run", 0, func(context.Context, string) (int, error) {
		hookRan = true
		return 0, nil
	})

	real := func(context.Context, string) (int, error) {
		return 7, nil
	}

	ctx := WithDepth(context.Background(), 1)
	result := Dispatch(ctx, chain, real, invokeOpen).(openResult)
	assert.Equal(t, 7, result.n)
	assert.False(t, hookRan)
}

func TestDepthRidesContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, 0, DepthFrom(ctx))

	ctx = WithDepth(ctx, 3)
	assert.Equal(t, 3, DepthFrom(ctx))
}

func TestRegistryForReturnsSameChainPerSymbol(t *testing.T) {
	Reset()
	a := RegistryFor[openFn]("open")
	b := RegistryFor[openFn]("open")
	assert.Same(t, a, b)

	c := RegistryFor[openFn]("close_hook_with_same_sig_but_different_symbol")
	assert.NotSame(t, a, c)
}

func TestRegistryForPanicsOnTypeMismatch(t *testing.T) {
	Reset()
	RegistryFor[openFn]("open")
	assert.Panics(t, func() {
		RegistryFor[func() error]("open")
	})
}
