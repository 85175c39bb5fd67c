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
	"sync"

	"github.com/andybalholm/brotli"

	"github.com/agent-harbor/agentfs/common"
	"github.com/agent-harbor/agentfs/internal/clock"
	"github.com/agent-harbor/agentfs/internal/metrics"
)

// ErrFollowerLagged is returned by a Follower's Next call once its
// backlog channel has filled and been closed out from under it, per
// spec §5's "lagging followers are dropped with an explicit error, not
// silently starved" rule.
var ErrFollowerLagged = errors.New("recorder: follower lagged and was dropped")

// Block is one flushed, already-compressed block plus the decoded byte
// offset it starts at — the unit the backlog and followers exchange.
type Block struct {
	Header BlockHeader
	// Compressed is the Brotli payload exactly as written to disk,
	// following Header in the file.
	Compressed []byte
}

// Writer accumulates records, flushing them into Brotli-compressed
// blocks and appending each to an underlying io.Writer (typically an
// os.File opened for the session's .ahr path). It also keeps a bounded
// backlog of recently-flushed blocks and fans each new block out to
// subscribed Followers, the "backlog + broadcast" pattern the control
// plane's live-tail introspection relies on.
type Writer struct {
	mu sync.Mutex

	out   io.Writer
	clock clock.Clock

	pending        []Record
	totalByteOff   uint64
	compressLevel  int
	maxBlockRecords int

	backlog     common.Queue[*Block]
	backlogCap  int
	followers   map[*Follower]struct{}
	followersMu sync.Mutex
}

// NewWriter constructs a Writer appending blocks to out. backlogCap
// bounds how many already-flushed blocks are retained for late-joining
// followers (0 disables the backlog entirely).
func NewWriter(out io.Writer, clk clock.Clock, backlogCap int) *Writer {
	return &Writer{
		out:             out,
		clock:           clk,
		compressLevel:   brotli.DefaultCompression,
		maxBlockRecords: 256,
		backlog:         common.NewLinkedListQueue[*Block](),
		backlogCap:      backlogCap,
		followers:       make(map[*Follower]struct{}),
	}
}

// WriteData appends a DATA record and flushes a block once
// maxBlockRecords is reached.
func (w *Writer) WriteData(tsNanos uint64, data []byte) error {
	w.mu.Lock()
	rec := NewDataRecord(tsNanos, w.totalByteOff, data)
	w.totalByteOff += uint64(len(data))
	w.pending = append(w.pending, rec)
	flush := len(w.pending) >= w.maxBlockRecords
	w.mu.Unlock()
	if flush {
		return w.Flush()
	}
	return nil
}

// WriteResize appends a RESIZE record.
func (w *Writer) WriteResize(tsNanos uint64, cols, rows uint16) error {
	return w.appendAndMaybeFlush(NewResizeRecord(tsNanos, cols, rows))
}

// WriteInput appends an INPUT record.
func (w *Writer) WriteInput(tsNanos uint64, data []byte) error {
	return w.appendAndMaybeFlush(NewInputRecord(tsNanos, data))
}

// WriteMark appends a MARK record.
func (w *Writer) WriteMark(tsNanos uint64, code, val uint32) error {
	return w.appendAndMaybeFlush(NewMarkRecord(tsNanos, code, val))
}

// WriteSnapshot appends a SNAPSHOT record anchoring snapshotID to the
// writer's current cumulative DATA byte offset.
func (w *Writer) WriteSnapshot(tsNanos, snapshotID uint64, label string) error {
	w.mu.Lock()
	anchor := w.totalByteOff
	w.mu.Unlock()
	return w.appendAndMaybeFlush(NewSnapshotRecord(tsNanos, snapshotID, anchor, label))
}

func (w *Writer) appendAndMaybeFlush(rec Record) error {
	w.mu.Lock()
	w.pending = append(w.pending, rec)
	flush := len(w.pending) >= w.maxBlockRecords
	w.mu.Unlock()
	if flush {
		return w.Flush()
	}
	return nil
}

// Flush compresses and appends every pending record as one block, even
// if fewer than maxBlockRecords have accumulated. A no-op when there are
// no pending records.
func (w *Writer) Flush() error {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return nil
	}
	records := w.pending
	w.pending = nil
	startByteOff := recordsStartByteOffset(records)
	w.mu.Unlock()

	var raw bytes.Buffer
	for _, r := range records {
		if err := r.WriteTo(&raw); err != nil {
			return err
		}
	}

	var compressed bytes.Buffer
	bw := brotli.NewWriterLevel(&compressed, w.compressLevel)
	if _, err := bw.Write(raw.Bytes()); err != nil {
		bw.Close()
		return err
	}
	if err := bw.Close(); err != nil {
		return err
	}

	header := NewBlockHeader(uint64(w.clock.Now().UnixNano()), startByteOff)
	header.UncompressedLen = uint32(raw.Len())
	header.CompressedLen = uint32(compressed.Len())
	header.RecordCount = uint32(len(records))

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := header.WriteTo(w.out); err != nil {
		return err
	}
	if _, err := w.out.Write(compressed.Bytes()); err != nil {
		return err
	}

	block := &Block{Header: header, Compressed: compressed.Bytes()}
	w.pushBacklog(block)
	w.broadcast(block)
	metrics.RecorderBacklogBytes.Add(float64(len(block.Compressed)))
	return nil
}

// Close flushes any pending records. It does not set the last-block flag:
// no block a Writer writes carries it.
func (w *Writer) Close() error {
	return w.Flush()
}

func recordsStartByteOffset(records []Record) uint64 {
	for _, r := range records {
		if r.Data != nil {
			return r.Data.StartByteOffset
		}
	}
	return 0
}

func (w *Writer) pushBacklog(b *Block) {
	if w.backlogCap <= 0 {
		return
	}
	w.backlog.Push(b)
	metrics.RecorderBacklogBytes.Add(float64(len(b.Compressed)))
	for w.backlog.Len() > w.backlogCap {
		old := w.backlog.Pop()
		metrics.RecorderBacklogBytes.Sub(float64(len(old.Compressed)))
	}
}

// Subscribe registers a new Follower, seeding it with every block
// currently in the backlog before returning, so a late subscriber
// doesn't miss blocks flushed just before it joined.
func (w *Writer) Subscribe(bufferSize int) *Follower {
	f := newFollower(bufferSize)

	w.mu.Lock()
	backlog := make([]*Block, 0, w.backlog.Len())
	remaining := w.backlog.Len()
	// common.Queue has no iteration primitive beyond Pop/Push, so drain
	// and rebuild to read it non-destructively.
	drained := make([]*Block, 0, remaining)
	for i := 0; i < remaining; i++ {
		b := w.backlog.Pop()
		drained = append(drained, b)
	}
	for _, b := range drained {
		w.backlog.Push(b)
		backlog = append(backlog, b)
	}
	w.mu.Unlock()

	for _, b := range backlog {
		f.deliver(b)
	}

	w.followersMu.Lock()
	w.followers[f] = struct{}{}
	w.followersMu.Unlock()
	return f
}

// Unsubscribe removes f from the broadcast set.
func (w *Writer) Unsubscribe(f *Follower) {
	w.followersMu.Lock()
	delete(w.followers, f)
	w.followersMu.Unlock()
}

func (w *Writer) broadcast(b *Block) {
	w.followersMu.Lock()
	defer w.followersMu.Unlock()
	for f := range w.followers {
		if !f.deliver(b) {
			delete(w.followers, f)
			metrics.RecorderFollowersLagged.Inc()
		}
	}
}
