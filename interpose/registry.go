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

// Package interpose models the hook-chain protocol a dynamic-linker
// interposition shim would enforce in C: an ordered list of named hooks
// per intercepted symbol, dispatched lowest priority value first, each one free
// to call through to the next hook or straight to the real
// implementation, with panics in a hook never taking down the call.
//
// Go cannot install true symbol interposition without cgo, so this
// package exists for two purposes only: giving in-process Go code (and
// Go plugins loaded via "plugin") the same ordered-dispatch discipline
// over its own function values, and letting tests exercise the
// ordering/reentrancy/panic-safety rules independent of any OS's actual
// interposition mechanism.
package interpose

import (
	"context"
	"sort"
	"sync"

	"github.com/agent-harbor/agentfs/internal/logger"
)

type hookEntry[F any] struct {
	name     string
	priority int32
	fn       F
}

// Chain is a priority-ordered, mutex-guarded list of named hooks sharing
// function type F. Lower priority values run first; ties break by
// registration order.
type Chain[F any] struct {
	mu    sync.Mutex
	hooks []hookEntry[F]
}

// NewChain returns an empty Chain for hooks of type F.
func NewChain[F any]() *Chain[F] {
	return &Chain[F]{}
}

// Register adds hook under name at priority, replacing any previous
// registration under the same name.
func (c *Chain[F]) Register(name string, priority int32, hook F) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, h := range c.hooks {
		if h.name == name {
			c.hooks[i] = hookEntry[F]{name: name, priority: priority, fn: hook}
			c.sortLocked()
			return
		}
	}
	c.hooks = append(c.hooks, hookEntry[F]{name: name, priority: priority, fn: hook})
	c.sortLocked()
}

// Unregister removes the hook registered under name, if any.
func (c *Chain[F]) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, h := range c.hooks {
		if h.name == name {
			c.hooks = append(c.hooks[:i:i], c.hooks[i+1:]...)
			return
		}
	}
}

func (c *Chain[F]) sortLocked() {
	sort.SliceStable(c.hooks, func(i, j int) bool {
		return c.hooks[i].priority < c.hooks[j].priority
	})
}

// Snapshot returns the currently registered hook functions in dispatch
// order. Taking a snapshot before iterating (rather than holding the
// lock across each hook call) lets a hook itself call Register/Unregister
// without deadlocking.
func (c *Chain[F]) Snapshot() []F {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]F, len(c.hooks))
	for i, h := range c.hooks {
		out[i] = h.fn
	}
	return out
}

// Len reports how many hooks are currently registered.
func (c *Chain[F]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hooks)
}

type depthKey struct{}

// WithDepth returns a context carrying reentrancy depth d, the idiomatic
// substitute for a thread-local reentrancy counter: goroutines have no
// stable identity to hang one off of, but a dispatch's context is already
// threaded through every hook call.
func WithDepth(ctx context.Context, d int) context.Context {
	return context.WithValue(ctx, depthKey{}, d)
}

// DepthFrom reports the reentrancy depth carried by ctx, or 0 if none.
func DepthFrom(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

// callFrame is what a running hook reaches through CallNext/CallReal:
// next advances to the next hook in priority order (or the real
// implementation, if the running hook is last), real bypasses the rest
// of the chain unconditionally. Built by Dispatch, never constructed
// directly: real runs the implementation under Dispatch's own depth-0
// context, and next runs the following hook at depth 1.
type callFrame[F any] struct {
	next func() any
	real func() any
}

type callFrameKey struct{}

func withCallFrame[F any](ctx context.Context, f *callFrame[F]) context.Context {
	return context.WithValue(ctx, callFrameKey{}, f)
}

// CallNext invokes the next hook in priority order, or the real
// implementation if the calling hook is last in the chain — the
// call_next primitive a running hook uses to continue the chain. It
// panics if ctx was not handed to the calling hook by Dispatch for the
// same F.
func CallNext[F any](ctx context.Context) any {
	f, ok := ctx.Value(callFrameKey{}).(*callFrame[F])
	if !ok {
		panic("interpose: CallNext called outside a hook's Dispatch call")
	}
	return f.next()
}

// CallReal bypasses the rest of the chain and invokes the real
// implementation directly — the call_real primitive, used by a hook
// that must avoid re-entering other hooks for one specific call.
func CallReal[F any](ctx context.Context) any {
	f, ok := ctx.Value(callFrameKey{}).(*callFrame[F])
	if !ok {
		panic("interpose: CallReal called outside a hook's Dispatch call")
	}
	return f.real()
}

// HooksAllowed reports whether ctx sits at reentrancy depth 0, the only
// depth at which Dispatch enters a symbol's hook chain rather than
// bypassing it straight to the real implementation.
func HooksAllowed(ctx context.Context) bool {
	return DepthFrom(ctx) == 0
}

// Dispatch runs real's hook chain: hooks run in ascending priority order
// (ties in registration order), each free to call CallNext(ctx)/CallReal(ctx) to reach the rest
// of the chain or the real implementation directly. invoke is handed the
// context a hook should receive (carrying that hook's call frame) along
// with the function value (hook or real) to call.
//
// Entering at a depth other than 0 means some call higher up the stack
// is already mid-dispatch, so the chain is bypassed entirely and real is
// called directly, per hooks_allowed(). Reaching the real implementation
// — whether by exhausting the chain or via an explicit CallReal — runs
// it back at depth 0, since from there on nothing is "inside" a hook's
// own ad hoc logic anymore.
//
// A panicking hook is recovered, logged, and treated as "fall through to
// calling the real implementation directly", never continuing the chain.
func Dispatch[F any](ctx context.Context, chain *Chain[F], real F, invoke func(ctx context.Context, fn F) any) any {
	if !HooksAllowed(ctx) {
		return invoke(ctx, real)
	}

	hooks := chain.Snapshot()
	innerCtx := WithDepth(ctx, 1)

	var callAt func(i int) (result any)
	callAt = func(i int) (result any) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("interpose: hook panic at index %d: %v", i, r)
				result = invoke(ctx, real)
			}
		}()

		if i >= len(hooks) {
			return invoke(ctx, real)
		}

		frame := &callFrame[F]{
			next: func() any { return callAt(i + 1) },
			real: func() any { return invoke(ctx, real) },
		}
		return invoke(withCallFrame(innerCtx, frame), hooks[i])
	}
	return callAt(0)
}

var (
	registryMu sync.Mutex
	registries = map[string]any{}
)

// RegistryFor returns the canonical *Chain[F] for symbol, creating it on
// first request. This is the Go-idiom equivalent of dlsym(RTLD_DEFAULT,
// symbol)/NSLookupSymbolInImage: the first caller to ask for a given
// symbol name publishes the chain, and every later caller — including
// code loaded into the same process later via Go's "plugin" package —
// observes the same chain.
//
// RegistryFor panics if symbol was already registered with a different
// type F, since that indicates two callers disagree about the symbol's
// signature — a programming error, not a runtime condition to recover
// from.
func RegistryFor[F any](symbol string) *Chain[F] {
	registryMu.Lock()
	defer registryMu.Unlock()
	if existing, ok := registries[symbol]; ok {
		chain, ok := existing.(*Chain[F])
		if !ok {
			panic("interpose: RegistryFor(" + symbol + ") called with mismatched hook type")
		}
		return chain
	}
	chain := NewChain[F]()
	registries[symbol] = chain
	return chain
}

// Reset clears every canonical registry. Exposed for tests; production
// code never needs it since registries live for the process lifetime.
func Reset() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registries = map[string]any{}
}
