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
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-harbor/agentfs/internal/clock"
)

// S1 from the scenario catalog: write 1000 bytes of DATA, snapshot at
// id=42, label="checkpoint"; replay should yield a 1000-byte Data event
// followed by a Snapshot{id:42, anchor:1000} event, with
// stats {total_bytes:1000, snapshot_count:1}.
func TestWriterReplayScenarioSnapshotAnchorsRecording(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, clock.RealClock{}, 8)

	payload := bytes.Repeat([]byte{'x'}, 1000)
	require.NoError(t, w.WriteData(1, payload))
	require.NoError(t, w.WriteSnapshot(2, 42, "checkpoint"))
	require.NoError(t, w.Close())

	events, stats, err := Replay(&buf)
	require.NoError(t, err)

	require.Len(t, events, 2)
	require.NotNil(t, events[0].Data)
	assert.EqualValues(t, 1000, len(events[0].Data.Bytes))
	require.NotNil(t, events[1].Snapshot)
	assert.EqualValues(t, 42, events[1].Snapshot.SnapshotID)
	assert.EqualValues(t, 1000, events[1].Snapshot.AnchorByte)
	assert.Equal(t, "checkpoint", events[1].Snapshot.Label)

	assert.EqualValues(t, 1000, stats.TotalBytes)
	assert.Equal(t, 1, stats.SnapshotCount)
}

// Testable property 2: monotone byte offsets across blocks.
func TestMonotoneByteOffsetsAcrossBlocks(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, clock.RealClock{}, 8)
	w.maxBlockRecords = 1 // force one block per record

	lens := []int{10, 20, 30}
	for i, l := range lens {
		require.NoError(t, w.WriteData(uint64(i+1), bytes.Repeat([]byte{'a'}, l)))
	}
	require.NoError(t, w.Close())

	r := bytes.NewReader(buf.Bytes())
	var cumulative uint64
	for i := 0; i < len(lens); i++ {
		h, err := ReadBlockHeader(r)
		require.NoError(t, err)
		assert.Equal(t, cumulative, h.StartByteOffset)
		cumulative += uint64(lens[i])
		_, err = r.Seek(int64(h.CompressedLen), io.SeekCurrent)
		require.NoError(t, err)
	}
}

func TestReplayToleratesShortTrailingBlock(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, clock.RealClock{}, 8)
	require.NoError(t, w.WriteData(1, []byte("complete block")))
	require.NoError(t, w.Close())

	truncated := buf.Bytes()[:buf.Len()-3]
	events, _, err := Replay(bytes.NewReader(truncated))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFollowerReceivesBroadcastBlocks(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, clock.RealClock{}, 8)
	f := w.Subscribe(4)

	require.NoError(t, w.WriteData(1, []byte("hello")))
	require.NoError(t, w.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	block, err := f.Next(ctx)
	require.NoError(t, err)
	assert.Greater(t, block.Header.RecordCount, uint32(0))
}

func TestFollowerLaggedDroppedWithError(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, clock.RealClock{}, 8)
	f := w.Subscribe(1)

	require.NoError(t, w.WriteData(1, []byte("a")))
	require.NoError(t, w.Flush())
	require.NoError(t, w.WriteData(2, []byte("b")))
	require.NoError(t, w.Flush())
	require.NoError(t, w.WriteData(3, []byte("c")))
	require.NoError(t, w.Flush())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := f.Next(ctx)
	require.NoError(t, err)

	var lastErr error
	for i := 0; i < 8; i++ {
		_, lastErr = f.Next(ctx)
		if lastErr != nil {
			break
		}
	}
	assert.ErrorIs(t, lastErr, ErrFollowerLagged)
}

func TestSubscribeSeedsFromBacklog(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, clock.RealClock{}, 8)
	require.NoError(t, w.WriteData(1, []byte("already flushed")))
	require.NoError(t, w.Close())

	f := w.Subscribe(4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	block, err := f.Next(ctx)
	require.NoError(t, err)
	assert.NotNil(t, block)
}
