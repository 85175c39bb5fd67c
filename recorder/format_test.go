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
)

func TestBlockHeaderRoundTrip(t *testing.T) {
	h := NewBlockHeader(1234567890, 5000)
	h.UncompressedLen = 1024
	h.CompressedLen = 512
	h.RecordCount = 10
	h.SetLastBlock(true)

	var buf bytes.Buffer
	_, err := h.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, BlockHeaderSize, buf.Len())

	decoded, err := ReadBlockHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
	assert.True(t, decoded.IsLastBlock())
}

func TestReadBlockHeaderRejectsBadMagic(t *testing.T) {
	h := NewBlockHeader(0, 0)
	var buf bytes.Buffer
	_, err := h.WriteTo(&buf)
	require.NoError(t, err)
	corrupted := buf.Bytes()
	corrupted[0] = 0xFF

	_, err = ReadBlockHeader(bytes.NewReader(corrupted))
	assert.Error(t, err)
}

func TestReadBlockHeaderShortReadIsUnexpectedEOF(t *testing.T) {
	_, err := ReadBlockHeader(bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err)
}

func TestDataRecordRoundTrip(t *testing.T) {
	rec := NewDataRecord(9876543210, 1000, []byte("hello world"))

	var buf bytes.Buffer
	require.NoError(t, rec.WriteTo(&buf))

	decoded, err := ReadRecord(&buf)
	require.NoError(t, err)
	assert.Equal(t, rec.Header, decoded.Header)
	assert.Equal(t, rec.Data.StartByteOffset, decoded.Data.StartByteOffset)
	assert.Equal(t, []byte("hello world"), decoded.Data.Bytes)
}

func TestResizeRecordRoundTrip(t *testing.T) {
	rec := NewResizeRecord(1111111111, 120, 40)
	var buf bytes.Buffer
	require.NoError(t, rec.WriteTo(&buf))

	decoded, err := ReadRecord(&buf)
	require.NoError(t, err)
	assert.EqualValues(t, 120, decoded.Resize.Cols)
	assert.EqualValues(t, 40, decoded.Resize.Rows)
}

func TestSnapshotRecordRoundTrip(t *testing.T) {
	rec := NewSnapshotRecord(1234567890, 42, 1000, "checkpoint-after-build")
	var buf bytes.Buffer
	require.NoError(t, rec.WriteTo(&buf))

	decoded, err := ReadRecord(&buf)
	require.NoError(t, err)
	assert.EqualValues(t, 42, decoded.Snapshot.SnapshotID)
	assert.EqualValues(t, 1000, decoded.Snapshot.AnchorByte)
	assert.Equal(t, "checkpoint-after-build", decoded.Snapshot.Label)
}

func TestSnapshotRecordEmptyLabel(t *testing.T) {
	rec := NewSnapshotRecord(1111111111, 99, 5000, "")
	var buf bytes.Buffer
	require.NoError(t, rec.WriteTo(&buf))

	decoded, err := ReadRecord(&buf)
	require.NoError(t, err)
	assert.Equal(t, "", decoded.Snapshot.Label)
}

func TestEveryRecordKindRoundTrips(t *testing.T) {
	records := []Record{
		NewDataRecord(100, 0, []byte("test")),
		NewResizeRecord(200, 80, 24),
		NewInputRecord(300, []byte("abc")),
		NewMarkRecord(400, 1, 2),
		NewSnapshotRecord(500, 1, 2000, "test-snapshot"),
	}
	for _, rec := range records {
		var buf bytes.Buffer
		require.NoError(t, rec.WriteTo(&buf))
		decoded, err := ReadRecord(&buf)
		require.NoError(t, err)
		assert.Equal(t, rec.Header.Tag, decoded.Header.Tag)
		assert.Equal(t, rec.Header.TSNanos, decoded.Header.TSNanos)
	}
}

func TestReadRecordRejectsUnknownTag(t *testing.T) {
	var buf bytes.Buffer
	rec := NewMarkRecord(1, 2, 3)
	require.NoError(t, rec.WriteTo(&buf))
	raw := buf.Bytes()
	raw[0] = 0x7F

	_, err := ReadRecord(bytes.NewReader(raw))
	assert.Error(t, err)
}
