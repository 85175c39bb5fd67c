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
	"runtime"
	"strings"
)

// InjectVarName returns the environment variable a child process's
// dynamic linker consults to preload interposition shims: LD_PRELOAD on
// Linux, DYLD_INSERT_LIBRARIES on Darwin.
func InjectVarName() string {
	if runtime.GOOS == "darwin" {
		return "DYLD_INSERT_LIBRARIES"
	}
	return "LD_PRELOAD"
}

func pathListSeparator() string {
	if runtime.GOOS == "windows" {
		return ";"
	}
	return ":"
}

// Propagate returns a copy of env with the injection variable
// (InjectVarName) set to the joined libraryPaths, so a traced process's
// children keep running under the same shims:
//
//   - if libraryPaths is empty, any existing entry for the variable is
//     dropped rather than left set to an empty value;
//   - if the variable is already present, its value is replaced in
//     place, preserving env's ordering;
//   - otherwise a new entry is appended.
//
// env is never mutated in place; the returned slice may share no backing
// array with it.
func Propagate(env []string, libraryPaths []string) []string {
	varName := InjectVarName()
	prefix := varName + "="

	out := make([]string, 0, len(env)+1)
	replaced := false
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			if len(libraryPaths) == 0 {
				continue
			}
			out = append(out, prefix+strings.Join(libraryPaths, pathListSeparator()))
			replaced = true
			continue
		}
		out = append(out, kv)
	}
	if !replaced && len(libraryPaths) > 0 {
		out = append(out, prefix+strings.Join(libraryPaths, pathListSeparator()))
	}
	return out
}
