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
	"strings"
)

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// resolveChain walks from root following components, returning the full
// ancestor chain (chain[0] is root, chain[len-1] is the target) without
// mutating anything. An empty components slice resolves to just [root].
func (e *Engine) resolveChain(root NodeID, components []string) ([]*Node, error) {
	n, err := e.node(root)
	if err != nil {
		return nil, newError("resolve", KindNotFound, err)
	}
	chain := []*Node{n}
	cur := n
	for _, name := range components {
		cur.Lock()
		if cur.kind != KindDir {
			cur.Unlock()
			return nil, newError("resolve", KindNotADirectory, nil)
		}
		childID, ok := cur.children[name]
		cur.Unlock()
		if !ok {
			return nil, newError("resolve", KindNotFound, nil)
		}
		child, err := e.node(childID)
		if err != nil {
			return nil, newError("resolve", KindNotFound, err)
		}
		chain = append(chain, child)
		cur = child
	}
	return chain, nil
}

// resolveFullChain resolves the chain for a full path, plus the list of
// component names used to descend it (len(names) == len(chain)-1,
// names[i] being the directory entry in chain[i] that leads to
// chain[i+1]) — the shape ensureWritableChain needs.
func (e *Engine) resolveFullChain(root NodeID, path string) ([]*Node, []string, error) {
	components := splitPath(path)
	chain, err := e.resolveChain(root, components)
	if err != nil {
		return nil, nil, err
	}
	return chain, components, nil
}

// resolveParentChain resolves the directory chain down to (but not
// including) the final path component, returning the chain and the final
// component's name. Used by operations that create or remove a directory
// entry.
func (e *Engine) resolveParentChain(root NodeID, path string) ([]*Node, string, error) {
	components := splitPath(path)
	if len(components) == 0 {
		return nil, "", newError("resolve", KindInvalid, nil)
	}
	parentChain, err := e.resolveChain(root, components[:len(components)-1])
	if err != nil {
		return nil, "", err
	}
	return parentChain, components[len(components)-1], nil
}

// ensureWritableChain performs the engine's directory-metadata CoW
// cascade: given the read-only ancestor chain for a path (root first,
// target last) plus the component names used to descend it, it clones
// every sealed node from the target up to (and including) the first
// already-unsealed ancestor, patches each clone's parent directory entry
// to point at it, and updates branch.Root if the cascade reaches the
// root. It returns the (possibly newly-cloned) chain in the same root-
// first order. Nodes already unsealed are returned unchanged: invariant
// maintained by sealing being applied tree-wide at snapshot time means an
// unsealed node's ancestors are, by induction, already unsealed too.
func (e *Engine) ensureWritableChain(branch *Branch, chain []*Node, names []string) []*Node {
	out := make([]*Node, len(chain))
	copy(out, chain)

	leaf := out[len(out)-1]
	leaf.Lock()
	sealed := leaf.sealed
	leaf.Unlock()
	if !sealed {
		return out
	}

	cur := e.cloneNode(leaf)
	out[len(out)-1] = cur
	if len(out) == 1 {
		// The leaf is the root itself, so its clone becomes the root.
		e.mu.Lock()
		branch.Root = cur.id
		e.mu.Unlock()
	}

	for i := len(out) - 2; i >= 0; i-- {
		parent := out[i]
		parent.Lock()
		parentSealed := parent.sealed
		parent.Unlock()

		if parentSealed {
			parent = e.cloneNode(parent)
			out[i] = parent
		}

		parent.Lock()
		parent.children[names[i]] = cur.id
		parent.Unlock()

		if i == 0 {
			e.mu.Lock()
			branch.Root = parent.id
			e.mu.Unlock()
		}

		if !parentSealed {
			// Patched in place; parent's NodeID is unchanged so the
			// grandparent's entry (if any) is still valid.
			break
		}
		cur = parent
	}

	return out
}
