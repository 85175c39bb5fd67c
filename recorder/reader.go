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
	"errors"
	"io"

	"github.com/andybalholm/brotli"

	"github.com/agent-harbor/agentfs/internal/logger"
)

// Event is one replayed occurrence in chronological order, the union
// Replay emits: exactly one of Data/Resize/Snapshot is non-nil, matching
// spec.md §4.5's replay contract ("a chronological event stream of
// {Data | Resize | Snapshot}"). INPUT and MARK records are decoded for
// validation but otherwise not part of that contract, so they are
// skipped rather than surfaced here.
type Event struct {
	TSNanos  uint64
	Data     *DataRecord
	Resize   *ResizeRecord
	Snapshot *SnapshotRecord
}

// Stats aggregates a full replay, matching spec.md §4.5's
// (total_bytes, final_cols, final_rows, snapshot_count) tuple.
type Stats struct {
	TotalBytes    uint64
	FinalCols     uint16
	FinalRows     uint16
	SnapshotCount int
}

// Replay walks every block in r, decompressing and decoding its records,
// and returns the chronological event stream plus aggregate Stats. A
// short read on a block header (a partial trailing block left by a
// writer killed mid-flush) stops replay at that point without error,
// per §4.5's "partial trailing blocks MUST be detectable and skipped"
// requirement.
func Replay(r io.Reader) ([]Event, Stats, error) {
	var events []Event
	var stats Stats

	for {
		header, err := ReadBlockHeader(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			logger.Warnf("recorder: stopping replay on bad block header: %v", err)
			break
		}

		compressed := make([]byte, header.CompressedLen)
		if _, err := io.ReadFull(r, compressed); err != nil {
			logger.Warnf("recorder: stopping replay on short block payload: %v", err)
			break
		}

		br := brotli.NewReader(bytes.NewReader(compressed))
		var lastTS uint64
		for i := uint32(0); i < header.RecordCount; i++ {
			rec, err := ReadRecord(br)
			if err != nil {
				logger.Warnf("recorder: stopping replay mid-block on bad record: %v", err)
				return events, stats, nil
			}
			if rec.TSNanos() < lastTS {
				logger.Warnf("recorder: non-monotonic ts_ns within block (invariant violated)")
			}
			lastTS = rec.TSNanos()

			switch {
			case rec.Data != nil:
				events = append(events, Event{TSNanos: rec.TSNanos(), Data: rec.Data})
				stats.TotalBytes += uint64(len(rec.Data.Bytes))
			case rec.Resize != nil:
				events = append(events, Event{TSNanos: rec.TSNanos(), Resize: rec.Resize})
				stats.FinalCols = rec.Resize.Cols
				stats.FinalRows = rec.Resize.Rows
			case rec.Snapshot != nil:
				events = append(events, Event{TSNanos: rec.TSNanos(), Snapshot: rec.Snapshot})
				stats.SnapshotCount++
			}
		}
	}

	return events, stats, nil
}
