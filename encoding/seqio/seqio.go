// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package seqio streams logical records out of query-grouped sequence
// read files (SAM, BAM, CRAM, FASTQ, possibly compressed) without
// retaining record payloads.  A walker reports, for every record, the
// query name together with the position tokens of the record's first
// byte and of the byte just past its end.  Positions are virtual
// offsets for BGZF-framed inputs and plain byte offsets otherwise.
package seqio

import (
	"github.com/grailbio/base/errors"
)

// Variant identifies the container format of a read file.  The values
// are fixed by the .si file format and must not be reordered.
type Variant uint8

const (
	// SAM is tab-delimited text, plain or BGZF-compressed.
	SAM Variant = iota
	// BAM is the binary alignment format inside BGZF framing.
	BAM
	// CRAM is the reference-compressed container format.
	CRAM
	// FASTQ is the four-line read format, plain or gzip/BGZF-compressed.
	FASTQ
)

// String returns the conventional lowercase name of the variant.
func (v Variant) String() string {
	switch v {
	case SAM:
		return "sam"
	case BAM:
		return "bam"
	case CRAM:
		return "cram"
	case FASTQ:
		return "fastq"
	}
	return "unknown"
}

// Compression describes the outer framing of a read file.
type Compression uint8

const (
	// Plain means no compression framing.
	Plain Compression = iota
	// BGZF means block-gzip framing with virtual offsets.
	BGZF
	// Gzip means a single gzip stream without block framing.
	Gzip
)

// Pos is a position token within a source file.  For BGZF-framed
// sources it is a virtual offset, (coffset<<16)|uoffset, where coffset
// is the file offset of a compressed block and uoffset the offset
// within the inflated block.  For all other sources it is a byte
// offset.  The .si codec stores Pos values as raw uint64s; the variant
// and compression of the indexed file select the interpretation.
type Pos uint64

// MakeVOffset builds a virtual-offset Pos from a compressed block
// file offset and an uncompressed offset within the block.
func MakeVOffset(file int64, block uint16) Pos {
	return Pos(uint64(file)<<16 | uint64(block))
}

// File returns the compressed-block file offset of a virtual-offset Pos.
func (p Pos) File() int64 { return int64(p >> 16) }

// Block returns the uncompressed offset within the block of a
// virtual-offset Pos.
func (p Pos) Block() uint16 { return uint16(p & 0xffff) }

// Tuple describes one record (or, for CRAM, one container) observed by
// a walker.  Name is only valid until the next Scan call; callers that
// need to keep it must copy.
type Tuple struct {
	// NameHash is the 64-bit hash of the query name.  Group
	// transitions are detected by hash inequality with the previous
	// tuple; Name backs the comparison up against collisions.
	NameHash uint64
	// Name is the query name, normalized for pairing (trailing /1,
	// /2 removed for FASTQ).
	Name []byte
	// Start and End are the position tokens of the record's first
	// byte and of the byte just past the record.  End of record i
	// addresses the same byte as Start of record i+1, and the two
	// tokens are equal except for BAM: a BAM record that ends exactly
	// at a BGZF block edge reports End as (block, block length) while
	// the next record's Start is (next block, 0).
	Start, End Pos
	// Records is the number of reads covered by the tuple.  It is 1
	// for SAM, BAM and FASTQ; CRAM walkers emit one tuple per
	// container with the container's record count.
	Records int
	// Raw holds the record's uncompressed bytes when the walker was
	// opened with record capture enabled (pass-through mode), nil
	// otherwise.
	Raw []byte
}

// Walker streams tuples from a read file in file order.  The sequence
// is lazy, finite and not restartable.  Implementations follow the
// scanner contract: Scan fills the tuple and reports whether a record
// was read; once it returns false it never returns true again, and Err
// reports what stopped the scan (nil at clean EOF).
type Walker interface {
	Scan(*Tuple) bool
	Err() error

	// Variant reports the container format being walked.
	Variant() Variant
	// Compression reports the outer framing of the source.
	Compression() Compression
	// Header returns the uncompressed header prelude bytes (SAM
	// text header, BAM binary header, CRAM file definition plus
	// header container), or nil for FASTQ.
	Header() []byte
	// HeaderEnd returns the position token of the first record,
	// which is also the exclusive end of the header region.
	HeaderEnd() Pos
	// Paired reports whether the walker has observed paired-end
	// grouping (FASTQ /1 and /2 name suffixes, or 1: and 2: comment
	// prefixes); always false for other variants.
	Paired() bool
}

// Walker failure modes.  Walkers wrap these with positional context
// via errors.E; callers test with errors.Is.
var (
	// ErrMalformedRecord indicates a record that violates the
	// container format.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrUnexpectedEOF indicates a source that ends inside a record
	// or inside a compression block.
	ErrUnexpectedEOF = errors.New("unexpected end of file")
	// ErrUnsupportedVariant indicates a container format this
	// package cannot walk.
	ErrUnsupportedVariant = errors.New("unsupported file variant")
)
