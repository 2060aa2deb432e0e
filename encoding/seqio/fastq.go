// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package seqio

import (
	"bufio"
	"bytes"

	"github.com/dgryski/go-farm"
	"github.com/grailbio/base/errors"
)

// fastqWalker streams four-line FASTQ records.  It requires ID lines
// to begin with "@" and line 3 to begin with "+" but performs no
// further validation.  Paired-end interleaving is detected from /1 /2
// name suffixes or from "1:"/"2:" comment prefixes; mates share one
// query group after suffix normalization.
type fastqWalker struct {
	lines       *lineScanner
	compression Compression
	capture     bool
	paired      bool
	err         error
	name        []byte
	raw         []byte
}

func newFASTQWalker(br *bufio.Reader, compression Compression, capture bool) (*fastqWalker, error) {
	src, err := newSegmentsFor(compression, br)
	if err != nil {
		return nil, err
	}
	return newFASTQWalkerFrom(newLineScanner(src), compression, capture), nil
}

func newFASTQWalkerFrom(lines *lineScanner, compression Compression, capture bool) *fastqWalker {
	return &fastqWalker{
		lines:       lines,
		compression: compression,
		capture:     capture,
	}
}

func (w *fastqWalker) Scan(t *Tuple) bool {
	if w.err != nil {
		return false
	}
	if !w.lines.Scan() {
		w.err = w.lines.Err()
		return false
	}
	id := w.lines.Line()
	start := w.lines.Start()
	if len(id) < 2 || id[0] != '@' {
		w.err = errors.E(ErrMalformedRecord, "FASTQ ID line does not start with '@'")
		return false
	}
	if w.capture {
		w.raw = append(w.raw[:0], id...)
		w.raw = append(w.raw, '\n')
	}
	name, mate := fastqQueryName(id)
	if mate {
		w.paired = true
	}
	w.name = append(w.name[:0], name...)

	// Sequence, separator, quality.
	for i := 0; i < 3; i++ {
		if !w.lines.Scan() {
			if w.err = w.lines.Err(); w.err == nil {
				w.err = errors.E(ErrUnexpectedEOF, "short FASTQ record")
			}
			return false
		}
		if i == 1 {
			sep := w.lines.Line()
			if len(sep) == 0 || sep[0] != '+' {
				w.err = errors.E(ErrMalformedRecord, "FASTQ separator line does not start with '+'")
				return false
			}
		}
		if w.capture {
			w.raw = append(w.raw, w.lines.Line()...)
			w.raw = append(w.raw, '\n')
		}
	}

	t.Name = w.name
	t.NameHash = farm.Hash64(w.name)
	t.Start = start
	t.End = w.lines.End()
	t.Records = 1
	t.Raw = nil
	if w.capture {
		t.Raw = w.raw
	}
	return true
}

// fastqQueryName extracts the query name from an ID line and reports
// whether a mate marker was seen.  The name is the portion after '@'
// up to the first whitespace, with a trailing /1 or /2 removed.  The
// Casava comment style ("name 1:N:0:..." / "name 2:N:0:...") needs no
// normalization because the mate number lives in the comment.
func fastqQueryName(id []byte) ([]byte, bool) {
	name := id[1:]
	mate := false
	rest := []byte(nil)
	if i := bytes.IndexAny(name, " \t"); i >= 0 {
		rest = name[i+1:]
		name = name[:i]
	}
	if n := len(name); n >= 2 && name[n-2] == '/' && (name[n-1] == '1' || name[n-1] == '2') {
		name = name[:n-2]
		mate = true
	} else if len(rest) >= 2 && (rest[0] == '1' || rest[0] == '2') && rest[1] == ':' {
		mate = true
	}
	return name, mate
}

func (w *fastqWalker) Err() error {
	return w.err
}

func (w *fastqWalker) Variant() Variant         { return FASTQ }
func (w *fastqWalker) Compression() Compression { return w.compression }
func (w *fastqWalker) Header() []byte           { return nil }
func (w *fastqWalker) HeaderEnd() Pos           { return 0 }
func (w *fastqWalker) Paired() bool             { return w.paired }
