// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package seqio

import (
	"bufio"
	"bytes"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/klauspost/compress/gzip"
)

// The SAM and FASTQ walkers consume newline-terminated records and
// must report the position token of every line's first byte.  A
// bufio.Scanner cannot do that, and reading through hts/bgzf would
// lose the block structure the tokens are made of, so lines are
// assembled here from position-tagged segments: one segment per BGZF
// block, or one per fixed-size read for plain and gzip sources.

// segment is a run of uncompressed bytes with known positions.  The
// position of data[i] is base+i except that the position immediately
// after the last byte is end (for BGZF, the start of the next block).
type segment struct {
	base Pos
	end  Pos
	data []byte
}

func (s *segment) pos(i int) Pos {
	if i >= len(s.data) {
		return s.end
	}
	return s.base + Pos(i)
}

// segmentReader produces consecutive segments.  It returns io.EOF
// after the final segment.
type segmentReader interface {
	next() (segment, error)
}

// plainSegments reads a plain byte stream; positions are byte offsets
// starting at base.  It also serves gzip streams, where positions are
// uncompressed offsets.
type plainSegments struct {
	r   io.Reader
	off Pos
	buf []byte
}

func newPlainSegments(r io.Reader) *plainSegments {
	return newPlainSegmentsAt(r, 0)
}

// newPlainSegmentsAt starts position accounting at base, for readers
// opened mid-file.
func newPlainSegmentsAt(r io.Reader, base Pos) *plainSegments {
	return &plainSegments{r: r, off: base, buf: make([]byte, 64<<10)}
}

func (p *plainSegments) next() (segment, error) {
	n, err := p.r.Read(p.buf)
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return segment{}, err
	}
	seg := segment{base: p.off, end: p.off + Pos(n), data: p.buf[:n]}
	p.off += Pos(n)
	return seg, nil
}

// bgzfSegments inflates one BGZF block per segment; positions are
// virtual offsets.
type bgzfSegments struct {
	br  *bufio.Reader
	off int64 // compressed offset of the next block
}

func newBGZFSegments(br *bufio.Reader) *bgzfSegments {
	return &bgzfSegments{br: br}
}

func (b *bgzfSegments) next() (segment, error) {
	for {
		if _, err := b.br.Peek(1); err == io.EOF {
			return segment{}, io.EOF
		}
		block, err := ReadBlock(b.br)
		if err != nil {
			return segment{}, err
		}
		base := b.off
		b.off += int64(len(block))
		data, err := InflateBlock(block)
		if err != nil {
			return segment{}, err
		}
		if len(data) == 0 {
			// Empty block, usually the EOF terminator.
			continue
		}
		return segment{
			base: MakeVOffset(base, 0),
			end:  MakeVOffset(b.off, 0),
			data: data,
		}, nil
	}
}

// lineScanner yields newline-terminated lines together with the
// position tokens of the first byte and of the byte after the
// terminating newline.  The final line may lack a newline.  The
// returned line excludes the newline and any preceding '\r'.
type lineScanner struct {
	src  segmentReader
	seg  segment
	off  int
	err  error
	eof  bool
	line []byte
	join []byte // scratch for lines spanning segments
	start, end Pos
}

func newLineScanner(src segmentReader) *lineScanner {
	return &lineScanner{src: src}
}

func (s *lineScanner) Scan() bool {
	if s.err != nil || s.eof {
		return false
	}
	s.join = s.join[:0]
	joined := false
	first := true
	for {
		if s.off >= len(s.seg.data) {
			seg, err := s.src.next()
			if err == io.EOF {
				if joined && len(s.join) > 0 {
					s.line = trimCR(s.join)
					s.end = s.seg.pos(s.off)
					s.eof = true
					return true
				}
				s.eof = true
				return false
			}
			if err != nil {
				s.err = err
				return false
			}
			s.seg, s.off = seg, 0
		}
		if first && !joined {
			s.start = s.seg.pos(s.off)
			first = false
		}
		rest := s.seg.data[s.off:]
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			s.end = s.seg.pos(s.off + i + 1)
			if joined {
				s.join = append(s.join, rest[:i]...)
				s.line = trimCR(s.join)
			} else {
				s.line = trimCR(rest[:i])
			}
			s.off += i + 1
			return true
		}
		// Line continues into the next segment.
		joined = true
		s.join = append(s.join, rest...)
		s.off = len(s.seg.data)
	}
}

func (s *lineScanner) Line() []byte { return s.line }
func (s *lineScanner) Start() Pos   { return s.start }
func (s *lineScanner) End() Pos     { return s.end }
func (s *lineScanner) Err() error   { return s.err }

func trimCR(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return b[:n-1]
	}
	return b
}

// newSegmentsFor builds the segment reader matching the source
// compression.  br must already be positioned at the first byte.
func newSegmentsFor(compression Compression, br *bufio.Reader) (segmentReader, error) {
	switch compression {
	case Plain:
		return newPlainSegments(br), nil
	case Gzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.E(ErrMalformedRecord, "opening gzip stream", err.Error())
		}
		return newPlainSegments(gz), nil
	case BGZF:
		return newBGZFSegments(br), nil
	}
	return nil, errors.E(ErrUnsupportedVariant, "unknown compression")
}
