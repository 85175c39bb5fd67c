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

package recorder

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-harbor/agentfs/internal/clock"
)

func TestReplayMultipleBlocksInOrder(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, clock.RealClock{}, 0)
	w.maxBlockRecords = 1

	require.NoError(t, w.WriteData(1, []byte("aaa")))
	require.NoError(t, w.WriteResize(2, 80, 24))
	require.NoError(t, w.WriteData(3, []byte("bb")))
	require.NoError(t, w.Close())

	events, stats, err := Replay(&buf)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.NotNil(t, events[0].Data)
	assert.NotNil(t, events[1].Resize)
	assert.NotNil(t, events[2].Data)
	assert.EqualValues(t, 5, stats.TotalBytes)
	assert.EqualValues(t, 80, stats.FinalCols)
	assert.EqualValues(t, 24, stats.FinalRows)
}

func TestReplayStopsAtBadMagicWithoutPanicking(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, clock.RealClock{}, 0)
	require.NoError(t, w.WriteData(1, []byte("good block")))
	require.NoError(t, w.Close())

	corrupted := append([]byte{}, buf.Bytes()...)
	corrupted = append(corrupted, bytes.Repeat([]byte{0xDE, 0xAD, 0xBE, 0xEF}, BlockHeaderSize/4)...)

	assert.NotPanics(t, func() {
		events, _, err := Replay(bytes.NewReader(corrupted))
		require.NoError(t, err)
		require.Len(t, events, 1)
	})
}

func TestReplayEmptyInputYieldsNoEvents(t *testing.T) {
	events, stats, err := Replay(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Zero(t, stats.TotalBytes)
}
