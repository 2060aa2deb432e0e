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

// samMinTabs is the minimum tab count of a SAM alignment line (11
// mandatory fields).
const samMinTabs = 10

// samWalker streams newline-terminated SAM alignment lines, plain or
// BGZF-compressed.  The '@'-prefixed text header is consumed at
// construction and retained as the prelude.
type samWalker struct {
	lines       *lineScanner
	compression Compression
	capture     bool
	headerRaw   []byte
	headerEnd   Pos
	err         error
	name        []byte
	raw         []byte

	// pending holds a record line already consumed while scanning
	// past the header.
	pending bool
}

func newSAMWalker(br *bufio.Reader, compression Compression, capture bool) (*samWalker, error) {
	src, err := newSegmentsFor(compression, br)
	if err != nil {
		return nil, err
	}
	w := &samWalker{
		lines:       newLineScanner(src),
		compression: compression,
		capture:     capture,
	}
	// Consume the text header.  The first non-header line is kept
	// pending for the first Scan.
	for w.lines.Scan() {
		line := w.lines.Line()
		if len(line) > 0 && line[0] == '@' {
			w.headerRaw = append(w.headerRaw, line...)
			w.headerRaw = append(w.headerRaw, '\n')
			w.headerEnd = w.lines.End()
			continue
		}
		w.pending = true
		break
	}
	if !w.pending {
		if err := w.lines.Err(); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (w *samWalker) Scan(t *Tuple) bool {
	if w.err != nil {
		return false
	}
	if !w.pending {
		if !w.lines.Scan() {
			w.err = w.lines.Err()
			return false
		}
	}
	w.pending = false
	line := w.lines.Line()
	if len(line) == 0 {
		// Trailing newline at EOF.
		if w.lines.Scan() {
			w.err = errors.E(ErrMalformedRecord, "empty SAM line")
		}
		return false
	}
	i := bytes.IndexByte(line, '\t')
	if i <= 0 || bytes.Count(line, []byte{'\t'}) < samMinTabs {
		w.err = errors.E(ErrMalformedRecord, "SAM line has too few fields")
		return false
	}
	w.name = append(w.name[:0], line[:i]...)

	t.Name = w.name
	t.NameHash = farm.Hash64(w.name)
	t.Start = w.lines.Start()
	t.End = w.lines.End()
	t.Records = 1
	t.Raw = nil
	if w.capture {
		w.raw = append(w.raw[:0], line...)
		w.raw = append(w.raw, '\n')
		t.Raw = w.raw
	}
	return true
}

func (w *samWalker) Err() error               { return w.err }
func (w *samWalker) Variant() Variant         { return SAM }
func (w *samWalker) Compression() Compression { return w.compression }
func (w *samWalker) Header() []byte           { return w.headerRaw }
func (w *samWalker) HeaderEnd() Pos           { return w.headerEnd }
func (w *samWalker) Paired() bool             { return false }
