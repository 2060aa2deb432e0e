// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package splitindex reads and writes the split-index (.si) file
// format.  A split index partitions a query-grouped read file into
// contiguous chunks; each chunk descriptor carries the position tokens
// of its first byte and of the byte past its end, so a consumer can
// stream any chunk by seeking the original file.  The index never
// copies record bytes.
//
// On-disk layout, all integers little-endian:
//
//	magic:         8 bytes "SPLITIDX"
//	version:       u16    currently 1
//	flags:         u16    bit0=pass_through, bit1=paired_fastq
//	variant:       u8     0=SAM 1=BAM 2=CRAM 3=FASTQ
//	reserved:      3 bytes zero
//	source_size:   u64
//	source_hash:   32 bytes SHA-256, see Fingerprint
//	total_records: u64
//	total_groups:  u64
//	chunk_count:   u32
//	chunks:        chunk_count ChunkEntry
//	crc32:         u32 (IEEE) over all preceding bytes
//
// ChunkEntry:
//
//	start_pos:       u64 (virtual offset for BGZF, byte offset otherwise)
//	end_pos:         u64
//	record_count:    u64
//	group_count:     u32
//	first_qname_len: u16
//	first_qname:     bytes
package splitindex

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/splitread/encoding/seqio"
)

// Extension is the conventional file extension, appended to the
// source path ("reads.bam" -> "reads.bam.si").
const Extension = ".si"

// Version is the current .si format version.  Version 1 pins the
// fingerprint definition in Fingerprint.
const Version = 1

// Flag bits.
const (
	// FlagPassThrough marks an index whose positions refer to the
	// pass-through sink file rather than the indexed input.
	FlagPassThrough = 1 << 0
	// FlagPairedFASTQ marks a FASTQ index whose groups are
	// interleaved read pairs.
	FlagPairedFASTQ = 1 << 1
)

// ChunkEntry describes one stored chunk.
type ChunkEntry struct {
	// Start and End span the chunk, [Start, End), in position-token
	// space.
	Start, End seqio.Pos
	// Records and Groups count the reads and query groups inside
	// the chunk.
	Records uint64
	Groups  uint32
	// FirstName is the query name of the chunk's first record, kept
	// for cross-file sanity checks.  Empty for CRAM.
	FirstName []byte
}

// Index is a loaded .si file.  Once loaded it is immutable and safe
// for concurrent use.
type Index struct {
	Flags      uint16
	Variant    seqio.Variant
	SourceSize uint64
	SourceHash [32]byte
	Records    uint64
	Groups     uint64
	Chunks     []ChunkEntry
}

// NumChunks returns the stored chunk count.
func (idx *Index) NumChunks() int { return len(idx.Chunks) }

// Errors surfaced by the codec and planner.
var (
	// ErrCorruptIndex indicates a .si file whose magic, version,
	// checksum or internal accounting is invalid.
	ErrCorruptIndex = errors.New("corrupt split index")
	// ErrSourceMismatch indicates a source file whose size or
	// content fingerprint differs from the one the index was built
	// against.
	ErrSourceMismatch = errors.New("index does not match source")
	// ErrChunkOutOfRange indicates a chunk request outside [0, n).
	ErrChunkOutOfRange = errors.New("chunk index out of range")
)

// validate checks internal consistency after decode.
func (idx *Index) validate() error {
	var records, groups uint64
	for i := range idx.Chunks {
		c := &idx.Chunks[i]
		if c.End <= c.Start {
			return errors.E(ErrCorruptIndex, fmt.Sprintf("chunk %d has non-positive extent", i))
		}
		if i > 0 && c.Start != idx.Chunks[i-1].End {
			return errors.E(ErrCorruptIndex, fmt.Sprintf("chunks are not contiguous at %d", i))
		}
		if c.Records == 0 || c.Groups == 0 {
			return errors.E(ErrCorruptIndex, fmt.Sprintf("empty chunk %d", i))
		}
		records += c.Records
		groups += uint64(c.Groups)
	}
	if records != idx.Records || groups != idx.Groups {
		return errors.E(ErrCorruptIndex, "chunk totals disagree with header totals")
	}
	return nil
}
