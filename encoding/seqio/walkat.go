// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package seqio

import (
	"io"

	"github.com/grailbio/base/errors"
)

// Support for parallel shard walking of uncompressed line-oriented
// sources.  A worker assigned the byte range [start, end) cannot
// assume start falls on a record boundary; it first resynchronizes to
// the next record start at or after start, then walks records until
// one starts at or past end.  Compressed sources are walked
// sequentially: BGZF blocks hold no record-boundary markers, so a
// mid-stream worker has no way to find its first record.

// ResyncFASTQ scans forward from r (positioned at absolute byte
// offset base) and returns the offset of the first FASTQ record
// start after the current line.  Callers open the reader one byte
// before their shard boundary: the discarded first line then ends
// exactly at the boundary when the boundary is a line start, so a
// record beginning right at the edge is still found.  The quartet
// pattern disambiguates '@' quality lines from ID lines.  io.EOF
// means no record starts in the remaining input.
func ResyncFASTQ(r io.Reader, base Pos) (Pos, error) {
	lines := newLineScanner(newPlainSegmentsAt(r, base))
	if !lines.Scan() {
		return 0, scanEOF(lines)
	}
	// Buffer a window of line starts, then pick the first index
	// that matches the quartet shape: '@' ID line, anything, '+'
	// separator, anything, then another '@' (or end of window).
	type lineInfo struct {
		pos   Pos
		first byte
	}
	var window []lineInfo
	for len(window) < 8 && lines.Scan() {
		line := lines.Line()
		first := byte(0)
		if len(line) > 0 {
			first = line[0]
		}
		window = append(window, lineInfo{lines.Start(), first})
	}
	if err := lines.Err(); err != nil {
		return 0, err
	}
	for i := 0; i+2 < len(window); i++ {
		if window[i].first != '@' || window[i+2].first != '+' {
			continue
		}
		if i+4 < len(window) && window[i+4].first != '@' {
			continue
		}
		return window[i].pos, nil
	}
	if len(window) < 4 {
		return 0, io.EOF
	}
	return 0, errors.E(ErrMalformedRecord, "no FASTQ record boundary found after shard start")
}

// ResyncSAM scans forward from r (positioned at absolute byte offset
// base) and returns the offset of the first full alignment line
// after the current one.  As with ResyncFASTQ, callers open the
// reader one byte before their shard boundary.  Header lines ('@'
// first byte) are skipped; they belong to the leading worker.
func ResyncSAM(r io.Reader, base Pos) (Pos, error) {
	lines := newLineScanner(newPlainSegmentsAt(r, base))
	if !lines.Scan() {
		return 0, scanEOF(lines)
	}
	for lines.Scan() {
		line := lines.Line()
		if len(line) == 0 || line[0] == '@' {
			continue
		}
		return lines.Start(), nil
	}
	return 0, scanEOF(lines)
}

func scanEOF(lines *lineScanner) error {
	if err := lines.Err(); err != nil {
		return err
	}
	return io.EOF
}

// OpenFASTQAt returns a FASTQ walker over a plain (uncompressed)
// reader positioned at absolute byte offset base, which must be a
// record start (see ResyncFASTQ).
func OpenFASTQAt(r io.Reader, base Pos, capture bool) Walker {
	return newFASTQWalkerFrom(newLineScanner(newPlainSegmentsAt(r, base)), Plain, capture)
}

// OpenSAMAt returns a SAM walker over a plain reader positioned at
// absolute byte offset base, which must be a record start (see
// ResyncSAM).  The walker carries no header.
func OpenSAMAt(r io.Reader, base Pos, capture bool) Walker {
	return &samWalker{
		lines:       newLineScanner(newPlainSegmentsAt(r, base)),
		compression: Plain,
		capture:     capture,
	}
}
