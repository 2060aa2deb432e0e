// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package seqio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dgryski/go-farm"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/hts/sam"
)

const (
	// maxRecordSize bounds one BAM record; larger block_size values
	// indicate corruption.
	maxRecordSize = 0xffffff

	// Fixed BAM record layout offsets, relative to the byte after
	// block_size.
	bamNameLenOff = 8
	bamNameOff    = 32
)

// bamWalker streams records out of a BAM file through a BGZF reader,
// reporting virtual offsets.  It never decodes alignments; only the
// block_size prefix and the read_name field of each record are
// examined.
type bamWalker struct {
	bz        *bgzf.Reader
	header    *sam.Header
	headerRaw []byte
	headerEnd Pos
	capture   bool

	sizeBuf [4]byte
	buf     []byte
	err     error
	done    bool
}

func newBAMWalker(r io.Reader, capture bool, parallelism int) (*bamWalker, error) {
	bz, err := bgzf.NewReader(r, parallelism)
	if err != nil {
		return nil, errors.E(err, "opening BGZF stream")
	}
	header, err := sam.NewHeader(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := header.DecodeBinary(bz); err != nil {
		return nil, errors.E(ErrMalformedRecord, "decoding BAM header", err.Error())
	}
	var raw bytes.Buffer
	if err := header.EncodeBinary(&raw); err != nil {
		return nil, err
	}
	end := bz.LastChunk().End
	return &bamWalker{
		bz:        bz,
		header:    header,
		headerRaw: raw.Bytes(),
		headerEnd: MakeVOffset(end.File, end.Block),
		capture:   capture,
		buf:       make([]byte, 0, 64<<10),
	}, nil
}

func (w *bamWalker) Scan(t *Tuple) bool {
	if w.err != nil || w.done {
		return false
	}
	if _, err := io.ReadFull(w.bz, w.sizeBuf[:]); err != nil {
		if err == io.EOF {
			w.done = true
		} else {
			w.err = errors.E(ErrUnexpectedEOF, "reading BAM record size", err.Error())
		}
		return false
	}
	begin := w.bz.LastChunk().Begin
	sz := int(binary.LittleEndian.Uint32(w.sizeBuf[:]))
	if sz < bamNameOff+1 || sz > maxRecordSize {
		w.err = errors.E(ErrMalformedRecord, fmt.Sprintf("implausible BAM record size %d", sz))
		return false
	}
	if cap(w.buf) < sz {
		w.buf = make([]byte, 0, sz)
	}
	body := w.buf[:sz]
	if _, err := io.ReadFull(w.bz, body); err != nil {
		w.err = errors.E(ErrUnexpectedEOF, "reading BAM record body", err.Error())
		return false
	}
	end := w.bz.LastChunk().End

	nameLen := int(body[bamNameLenOff])
	if nameLen < 1 || bamNameOff+nameLen > sz {
		w.err = errors.E(ErrMalformedRecord, "BAM read_name overruns record")
		return false
	}
	name := body[bamNameOff : bamNameOff+nameLen-1] // drop trailing NUL

	t.Name = name
	t.NameHash = farm.Hash64(name)
	t.Start = MakeVOffset(begin.File, begin.Block)
	t.End = MakeVOffset(end.File, end.Block)
	t.Records = 1
	t.Raw = nil
	if w.capture {
		raw := make([]byte, 4+sz)
		copy(raw, w.sizeBuf[:])
		copy(raw[4:], body)
		t.Raw = raw
	}
	return true
}

func (w *bamWalker) Err() error               { return w.err }
func (w *bamWalker) Variant() Variant         { return BAM }
func (w *bamWalker) Compression() Compression { return BGZF }
func (w *bamWalker) Header() []byte           { return w.headerRaw }
func (w *bamWalker) HeaderEnd() Pos           { return w.headerEnd }
func (w *bamWalker) Paired() bool             { return false }

// SAMHeader exposes the decoded header for pass-through sinks.
func (w *bamWalker) SAMHeader() *sam.Header { return w.header }
