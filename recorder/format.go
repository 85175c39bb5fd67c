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

// Package recorder implements the .ahr terminal-recording file format: a
// concatenation of independently-decodable, Brotli-compressed blocks of
// timestamped PTY records, plus the writer/reader/follower machinery that
// produces and replays them.
package recorder

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// AHRMagic identifies a block header: the ASCII bytes "AHRC" read as a
	// little-endian u32.
	AHRMagic uint32 = 0x43524841

	// AHRVersion is the highest format version this package writes and
	// will read.
	AHRVersion uint16 = 1

	// BlockHeaderSize is the fixed, wire-exact size of BlockHeader.
	BlockHeaderSize = 48

	// RecHeaderSize is the fixed, wire-exact size of RecHeader.
	RecHeaderSize = 12

	blockLastFlag = 0x01
)

// Record type tags, matching original_source's REC_* constants.
const (
	TagData     uint8 = 0
	TagResize   uint8 = 1
	TagInput    uint8 = 2
	TagMark     uint8 = 3
	TagSnapshot uint8 = 4
)

// BlockHeader is the 48-byte, little-endian header preceding each block's
// Brotli-compressed record payload.
type BlockHeader struct {
	Magic           uint32
	Version         uint16
	HeaderLen       uint16
	StartTSNanos    uint64
	StartByteOffset uint64
	UncompressedLen uint32
	CompressedLen   uint32
	RecordCount     uint32
	Flags           uint8
	Reserved        [7]byte
}

// NewBlockHeader returns a header with magic/version/header_len populated
// and every count field zeroed, ready for a writer to fill in once the
// block's payload is known.
func NewBlockHeader(startTSNanos, startByteOffset uint64) BlockHeader {
	return BlockHeader{
		Magic:           AHRMagic,
		Version:         AHRVersion,
		HeaderLen:       BlockHeaderSize,
		StartTSNanos:    startTSNanos,
		StartByteOffset: startByteOffset,
	}
}

// SetLastBlock sets or clears the best-effort "last block in the stream"
// flag bit.
func (h *BlockHeader) SetLastBlock(last bool) {
	if last {
		h.Flags |= blockLastFlag
	} else {
		h.Flags &^= blockLastFlag
	}
}

// IsLastBlock reports the best-effort last-block flag.
func (h BlockHeader) IsLastBlock() bool { return h.Flags&blockLastFlag != 0 }

// WriteTo encodes h in its 48-byte wire form.
func (h BlockHeader) WriteTo(w io.Writer) (int64, error) {
	var buf [BlockHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.LittleEndian.PutUint64(buf[8:16], h.StartTSNanos)
	binary.LittleEndian.PutUint64(buf[16:24], h.StartByteOffset)
	binary.LittleEndian.PutUint32(buf[24:28], h.UncompressedLen)
	binary.LittleEndian.PutUint32(buf[28:32], h.CompressedLen)
	binary.LittleEndian.PutUint32(buf[32:36], h.RecordCount)
	buf[36] = h.Flags
	copy(buf[37:44], h.Reserved[:])
	n, err := w.Write(buf[:])
	return int64(n), err
}

// ReadBlockHeader reads and validates a BlockHeader, per §4.5's block
// validation invariant: magic must match, version must not exceed
// AHRVersion, header_len must be exactly BlockHeaderSize. A short read (a
// partial trailing block from a writer killed mid-flush) returns
// io.ErrUnexpectedEOF, which callers should treat as "stop replay here,
// not a corrupt file".
func ReadBlockHeader(r io.Reader) (BlockHeader, error) {
	var buf [BlockHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return BlockHeader{}, err
	}
	h := BlockHeader{
		Magic:           binary.LittleEndian.Uint32(buf[0:4]),
		Version:         binary.LittleEndian.Uint16(buf[4:6]),
		HeaderLen:       binary.LittleEndian.Uint16(buf[6:8]),
		StartTSNanos:    binary.LittleEndian.Uint64(buf[8:16]),
		StartByteOffset: binary.LittleEndian.Uint64(buf[16:24]),
		UncompressedLen: binary.LittleEndian.Uint32(buf[24:28]),
		CompressedLen:   binary.LittleEndian.Uint32(buf[28:32]),
		RecordCount:     binary.LittleEndian.Uint32(buf[32:36]),
		Flags:           buf[36],
	}
	copy(h.Reserved[:], buf[37:44])
	if h.Magic != AHRMagic {
		return BlockHeader{}, fmt.Errorf("recorder: bad block magic 0x%08X", h.Magic)
	}
	if h.Version > AHRVersion {
		return BlockHeader{}, fmt.Errorf("recorder: unsupported block version %d", h.Version)
	}
	if h.HeaderLen != BlockHeaderSize {
		return BlockHeader{}, fmt.Errorf("recorder: bad block header_len %d", h.HeaderLen)
	}
	return h, nil
}

// RecHeader is the 12-byte header common to every record.
type RecHeader struct {
	Tag   uint8
	TSNanos uint64
}

func (h RecHeader) writeTo(w io.Writer) error {
	var buf [RecHeaderSize]byte
	buf[0] = h.Tag
	binary.LittleEndian.PutUint64(buf[4:12], h.TSNanos)
	_, err := w.Write(buf[:])
	return err
}

func readRecHeader(r io.Reader) (RecHeader, error) {
	var buf [RecHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return RecHeader{}, err
	}
	return RecHeader{Tag: buf[0], TSNanos: binary.LittleEndian.Uint64(buf[4:12])}, nil
}

// Record is the union of every record body a block may contain. Exactly
// one of Data/Resize/Input/Mark/Snapshot is non-nil, matching the
// original's Record enum.
type Record struct {
	Header   RecHeader
	Data     *DataRecord
	Resize   *ResizeRecord
	Input    *InputRecord
	Mark     *MarkRecord
	Snapshot *SnapshotRecord
}

// TSNanos returns the record's common timestamp.
func (r Record) TSNanos() uint64 { return r.Header.TSNanos }

// DataRecord carries raw PTY output.
type DataRecord struct {
	StartByteOffset uint64
	Bytes           []byte
}

// ResizeRecord carries a terminal geometry change.
type ResizeRecord struct {
	Cols, Rows uint16
}

// InputRecord carries keystrokes, possibly redacted upstream.
type InputRecord struct {
	Bytes []byte
}

// MarkRecord is a reserved semantic marker.
type MarkRecord struct {
	Code, Val uint32
}

// SnapshotRecord anchors a filesystem snapshot to a PTY byte offset.
type SnapshotRecord struct {
	SnapshotID uint64
	AnchorByte uint64
	Label      string
}

// NewDataRecord builds a tagged DATA record.
func NewDataRecord(tsNanos, startByteOffset uint64, bytes []byte) Record {
	return Record{Header: RecHeader{Tag: TagData, TSNanos: tsNanos}, Data: &DataRecord{StartByteOffset: startByteOffset, Bytes: bytes}}
}

// NewResizeRecord builds a tagged RESIZE record.
func NewResizeRecord(tsNanos uint64, cols, rows uint16) Record {
	return Record{Header: RecHeader{Tag: TagResize, TSNanos: tsNanos}, Resize: &ResizeRecord{Cols: cols, Rows: rows}}
}

// NewInputRecord builds a tagged INPUT record.
func NewInputRecord(tsNanos uint64, bytes []byte) Record {
	return Record{Header: RecHeader{Tag: TagInput, TSNanos: tsNanos}, Input: &InputRecord{Bytes: bytes}}
}

// NewMarkRecord builds a tagged MARK record.
func NewMarkRecord(tsNanos uint64, code, val uint32) Record {
	return Record{Header: RecHeader{Tag: TagMark, TSNanos: tsNanos}, Mark: &MarkRecord{Code: code, Val: val}}
}

// NewSnapshotRecord builds a tagged SNAPSHOT record.
func NewSnapshotRecord(tsNanos, snapshotID, anchorByte uint64, label string) Record {
	return Record{Header: RecHeader{Tag: TagSnapshot, TSNanos: tsNanos}, Snapshot: &SnapshotRecord{SnapshotID: snapshotID, AnchorByte: anchorByte, Label: label}}
}

// WriteTo encodes r (header plus body) to w.
func (r Record) WriteTo(w io.Writer) error {
	if err := r.Header.writeTo(w); err != nil {
		return err
	}
	switch r.Header.Tag {
	case TagData:
		var lenBuf [12]byte
		binary.LittleEndian.PutUint64(lenBuf[0:8], r.Data.StartByteOffset)
		binary.LittleEndian.PutUint32(lenBuf[8:12], uint32(len(r.Data.Bytes)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		_, err := w.Write(r.Data.Bytes)
		return err
	case TagResize:
		var buf [4]byte
		binary.LittleEndian.PutUint16(buf[0:2], r.Resize.Cols)
		binary.LittleEndian.PutUint16(buf[2:4], r.Resize.Rows)
		_, err := w.Write(buf[:])
		return err
	case TagInput:
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(r.Input.Bytes)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		_, err := w.Write(r.Input.Bytes)
		return err
	case TagMark:
		var buf [8]byte
		binary.LittleEndian.PutUint32(buf[0:4], r.Mark.Code)
		binary.LittleEndian.PutUint32(buf[4:8], r.Mark.Val)
		_, err := w.Write(buf[:])
		return err
	case TagSnapshot:
		var head [18]byte
		binary.LittleEndian.PutUint64(head[0:8], r.Snapshot.SnapshotID)
		binary.LittleEndian.PutUint64(head[8:16], r.Snapshot.AnchorByte)
		labelBytes := []byte(r.Snapshot.Label)
		binary.LittleEndian.PutUint16(head[16:18], uint16(len(labelBytes)))
		if _, err := w.Write(head[:]); err != nil {
			return err
		}
		_, err := w.Write(labelBytes)
		return err
	default:
		return fmt.Errorf("recorder: unknown record tag %d", r.Header.Tag)
	}
}

// ReadRecord decodes one record (header plus body) from r.
func ReadRecord(r io.Reader) (Record, error) {
	header, err := readRecHeader(r)
	if err != nil {
		return Record{}, err
	}
	switch header.Tag {
	case TagData:
		var lenBuf [12]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return Record{}, err
		}
		startOff := binary.LittleEndian.Uint64(lenBuf[0:8])
		n := binary.LittleEndian.Uint32(lenBuf[8:12])
		bytes := make([]byte, n)
		if _, err := io.ReadFull(r, bytes); err != nil {
			return Record{}, err
		}
		return Record{Header: header, Data: &DataRecord{StartByteOffset: startOff, Bytes: bytes}}, nil
	case TagResize:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Record{}, err
		}
		return Record{Header: header, Resize: &ResizeRecord{
			Cols: binary.LittleEndian.Uint16(buf[0:2]),
			Rows: binary.LittleEndian.Uint16(buf[2:4]),
		}}, nil
	case TagInput:
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return Record{}, err
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		bytes := make([]byte, n)
		if _, err := io.ReadFull(r, bytes); err != nil {
			return Record{}, err
		}
		return Record{Header: header, Input: &InputRecord{Bytes: bytes}}, nil
	case TagMark:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Record{}, err
		}
		return Record{Header: header, Mark: &MarkRecord{
			Code: binary.LittleEndian.Uint32(buf[0:4]),
			Val:  binary.LittleEndian.Uint32(buf[4:8]),
		}}, nil
	case TagSnapshot:
		var head [18]byte
		if _, err := io.ReadFull(r, head[:]); err != nil {
			return Record{}, err
		}
		snapshotID := binary.LittleEndian.Uint64(head[0:8])
		anchorByte := binary.LittleEndian.Uint64(head[8:16])
		labelLen := binary.LittleEndian.Uint16(head[16:18])
		labelBytes := make([]byte, labelLen)
		if _, err := io.ReadFull(r, labelBytes); err != nil {
			return Record{}, err
		}
		return Record{Header: header, Snapshot: &SnapshotRecord{
			SnapshotID: snapshotID, AnchorByte: anchorByte, Label: string(labelBytes),
		}}, nil
	default:
		return Record{}, fmt.Errorf("recorder: unknown record tag %d", header.Tag)
	}
}
