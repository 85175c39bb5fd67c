// Copyright 2024 Google LLC
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

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOctalRoundTrip(t *testing.T) {
	var o Octal
	require.NoError(t, o.UnmarshalText([]byte("755")))
	assert.EqualValues(t, 0755, o)
	assert.Equal(t, "755", o.String())
}

func TestBackendKindRejectsUnknown(t *testing.T) {
	var k BackendKind
	assert.Error(t, k.UnmarshalText([]byte("s3")))
	assert.NoError(t, k.UnmarshalText([]byte("HostFile")))
	assert.Equal(t, BackendHostFile, k)
}

func TestIsValidSeverity(t *testing.T) {
	assert.True(t, IsValidSeverity("trace"))
	assert.True(t, IsValidSeverity("OFF"))
	assert.False(t, IsValidSeverity("VERBOSE"))
}

func TestValidateRequiresHostFileRoot(t *testing.T) {
	c := Default()
	c.Storage.Backend = BackendHostFile
	assert.Error(t, Validate(&c))

	c.Storage.HostFileRoot = "/tmp/agentfs/content"
	assert.NoError(t, Validate(&c))
}

func TestValidateRequiresRecorderOutputWhenEnabled(t *testing.T) {
	c := Default()
	c.Recorder.Enabled = true
	assert.Error(t, Validate(&c))

	c.Recorder.OutputPath = "/tmp/session.ahr"
	assert.NoError(t, Validate(&c))
}
