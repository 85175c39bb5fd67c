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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPropagateAppendsWhenAbsent(t *testing.T) {
	env := []string{"HOME=/root", "PATH=/bin"}
	out := Propagate(env, []string{"/opt/agentfs/shim.so"})

	assert.Contains(t, out, "HOME=/root")
	assert.Contains(t, out, "PATH=/bin")
	assert.Contains(t, out, InjectVarName()+"=/opt/agentfs/shim.so")
	assert.Len(t, out, 3)
}

func TestPropagateReplacesExistingInPlace(t *testing.T) {
	varName := InjectVarName()
	env := []string{"HOME=/root", varName + "=/old/shim.so", "PATH=/bin"}
	out := Propagate(env, []string{"/new/shim.so"})

	assert.Equal(t, []string{"HOME=/root", varName + "=/new/shim.so", "PATH=/bin"}, out)
}

func TestPropagateJoinsMultiplePaths(t *testing.T) {
	out := Propagate(nil, []string{"/a.so", "/b.so"})
	assert.Equal(t, InjectVarName()+"=/a.so"+pathListSeparator()+"/b.so", out[0])
}

func TestPropagateDropsVarWhenLibraryPathsEmpty(t *testing.T) {
	varName := InjectVarName()
	env := []string{"HOME=/root", varName + "=/old/shim.so"}
	out := Propagate(env, nil)

	assert.Equal(t, []string{"HOME=/root"}, out)
}

func TestPropagateDoesNotMutateInput(t *testing.T) {
	env := []string{"HOME=/root"}
	_ = Propagate(env, []string{"/a.so"})
	assert.Equal(t, []string{"HOME=/root"}, env)
}
