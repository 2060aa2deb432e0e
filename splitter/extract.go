// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package splitter

import (
	"context"
	"io"
	"io/ioutil"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/splitread/encoding/bgzf"
	"github.com/grailbio/splitread/encoding/seqio"
	"github.com/grailbio/splitread/encoding/splitindex"
	"github.com/grailbio/splitread/source"
	"github.com/klauspost/compress/gzip"
)

// Extraction walks a fixed state machine per chunk; any fault moves
// to extractFailed.  Extract closes nothing itself: the readers it
// opens are released when the caller closes the Source.
type extractState int

const (
	extractOpened extractState = iota
	extractHeaderEmitted
	extractPayloadStreaming
	extractTrailerEmitted
	extractClosed
	extractFailed
)

// Extract emits chunk c of n from the indexed source to w: the
// format's header prelude, then the chunk's raw record bytes, then
// the variant trailer.  The output is a self-standing file of the
// same container type.  Extraction is idempotent; no byte is written
// before the source is verified against the index fingerprint.
func Extract(ctx context.Context, src *source.Source, idx *splitindex.Index, c, n int, w io.Writer) (err error) {
	state := extractOpened
	defer func() {
		if err != nil {
			state = extractFailed
		}
		_ = state
	}()

	if !src.Seekable() {
		return errors.E(source.ErrNotSeekable, "chunk extraction needs a seekable source")
	}
	plan, err := idx.Plan(c, n)
	if err != nil {
		return err
	}

	size, err := src.Size(ctx)
	if err != nil {
		return err
	}
	head, err := src.OpenAt(ctx, 0)
	if err != nil {
		return err
	}
	if err := idx.CheckSource(head, size); err != nil {
		return err
	}

	em, headerEnd, err := newEmitter(ctx, src, idx)
	if err != nil {
		return err
	}

	// Header prelude: everything before the first record.
	if err := em.emitRange(w, 0, headerEnd); err != nil {
		return err
	}
	state = extractHeaderEmitted

	if !plan.Empty {
		state = extractPayloadStreaming
		if err := em.emitRange(w, plan.Start, plan.End); err != nil {
			return err
		}
	}

	if err := em.close(w); err != nil {
		return err
	}
	state = extractTrailerEmitted
	state = extractClosed
	return nil
}

// newEmitter probes the source, cross-checks it against the index
// variant, and returns the range emitter plus the exclusive end of
// the header region.
func newEmitter(ctx context.Context, src *source.Source, idx *splitindex.Index) (emitter, seqio.Pos, error) {
	head, err := src.OpenAt(ctx, 0)
	if err != nil {
		return nil, 0, err
	}
	variant, compression, _, err := seqio.ProbeReader(head)
	if err != nil {
		return nil, 0, err
	}
	if variant != idx.Variant {
		return nil, 0, errors.E(splitindex.ErrSourceMismatch,
			"index was built for", idx.Variant.String(), "but source is", variant.String())
	}
	headerEnd := idx.Chunks[0].Start
	switch compression {
	case seqio.BGZF:
		return &bgzfEmitter{ctx: ctx, src: src, level: gzip.DefaultCompression}, headerEnd, nil
	case seqio.Gzip:
		return &gzipEmitter{ctx: ctx, src: src}, headerEnd, nil
	default:
		return &plainEmitter{ctx: ctx, src: src, cram: variant == seqio.CRAM}, headerEnd, nil
	}
}

// emitter copies one position range of the source to the output in
// the source's own framing.
type emitter interface {
	emitRange(w io.Writer, from, to seqio.Pos) error
	// close writes the variant trailer and flushes.
	close(w io.Writer) error
}

// plainEmitter byte-copies ranges; it serves plain SAM/FASTQ and CRAM
// (whose chunks are whole containers).
type plainEmitter struct {
	ctx  context.Context
	src  *source.Source
	cram bool
}

func (e *plainEmitter) emitRange(w io.Writer, from, to seqio.Pos) error {
	if to <= from {
		return nil
	}
	r, err := e.src.OpenAt(e.ctx, int64(from))
	if err != nil {
		return err
	}
	if _, err := io.CopyN(w, r, int64(to-from)); err != nil {
		return errors.E(seqio.ErrUnexpectedEOF, "copying source range", err)
	}
	return nil
}

func (e *plainEmitter) close(w io.Writer) error {
	if e.cram {
		_, err := w.Write(seqio.CRAMEOFContainer)
		return err
	}
	return nil
}

// bgzfEmitter copies whole BGZF blocks verbatim.  A range edge with a
// non-zero uncompressed offset falls inside a block; that block is
// inflated and only the wanted bytes are re-emitted as freshly
// deflated blocks.
type bgzfEmitter struct {
	ctx   context.Context
	src   *source.Source
	level int
}

func (e *bgzfEmitter) emitRange(w io.Writer, from, to seqio.Pos) error {
	if to <= from {
		return nil
	}
	fromFile, fromBlock := from.File(), int(from.Block())
	toFile, toBlock := to.File(), int(to.Block())

	if fromFile == toFile {
		data, _, err := e.inflateAt(fromFile)
		if err != nil {
			return err
		}
		if toBlock > len(data) || fromBlock > toBlock {
			return errors.E(splitindex.ErrCorruptIndex, "position outside its block")
		}
		return e.redeflate(w, data[fromBlock:toBlock])
	}
	if fromBlock != 0 {
		data, blockLen, err := e.inflateAt(fromFile)
		if err != nil {
			return err
		}
		if fromBlock > len(data) {
			return errors.E(splitindex.ErrCorruptIndex, "position outside its block")
		}
		if err := e.redeflate(w, data[fromBlock:]); err != nil {
			return err
		}
		fromFile += blockLen
	}
	if toFile > fromFile {
		r, err := e.src.OpenAt(e.ctx, fromFile)
		if err != nil {
			return err
		}
		if _, err := io.CopyN(w, r, toFile-fromFile); err != nil {
			return errors.E(seqio.ErrUnexpectedEOF, "copying BGZF blocks", err)
		}
	}
	if toBlock != 0 {
		data, _, err := e.inflateAt(toFile)
		if err != nil {
			return err
		}
		if toBlock > len(data) {
			return errors.E(splitindex.ErrCorruptIndex, "position outside its block")
		}
		if err := e.redeflate(w, data[:toBlock]); err != nil {
			return err
		}
	}
	return nil
}

// inflateAt reads and inflates the single block at the given file
// offset, also returning the block's compressed length.
func (e *bgzfEmitter) inflateAt(off int64) ([]byte, int64, error) {
	r, err := e.src.OpenAt(e.ctx, off)
	if err != nil {
		return nil, 0, err
	}
	block, err := seqio.ReadBlock(r)
	if err != nil {
		return nil, 0, err
	}
	data, err := seqio.InflateBlock(block)
	if err != nil {
		return nil, 0, err
	}
	return data, int64(len(block)), nil
}

func (e *bgzfEmitter) redeflate(w io.Writer, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	bw, err := bgzf.NewWriter(w, e.level)
	if err != nil {
		return err
	}
	if _, err := bw.Write(data); err != nil {
		return err
	}
	return bw.CloseWithoutTerminator()
}

func (e *bgzfEmitter) close(w io.Writer) error {
	_, err := w.Write(seqio.EOFBlock)
	return err
}

// gzipEmitter serves plain-gzip FASTQ, where positions are
// uncompressed byte offsets.  gzip has no virtual offsets, so the
// stream is re-inflated from the start and discarded up to the range;
// output is re-compressed.
type gzipEmitter struct {
	ctx context.Context
	src *source.Source
	gz  *gzip.Reader
	off seqio.Pos
	zw  *gzip.Writer
}

func (e *gzipEmitter) emitRange(w io.Writer, from, to seqio.Pos) error {
	if to <= from {
		return nil
	}
	if e.gz == nil {
		r, err := e.src.OpenAt(e.ctx, 0)
		if err != nil {
			return err
		}
		if e.gz, err = gzip.NewReader(r); err != nil {
			return errors.E(seqio.ErrMalformedRecord, "opening gzip source", err)
		}
		e.zw = gzip.NewWriter(w)
	}
	if from < e.off {
		return errors.E(splitindex.ErrCorruptIndex, "ranges out of order")
	}
	if _, err := io.CopyN(ioutil.Discard, e.gz, int64(from-e.off)); err != nil {
		return errors.E(seqio.ErrUnexpectedEOF, "skipping to chunk start", err)
	}
	if _, err := io.CopyN(e.zw, e.gz, int64(to-from)); err != nil {
		return errors.E(seqio.ErrUnexpectedEOF, "copying chunk payload", err)
	}
	e.off = to
	return nil
}

func (e *gzipEmitter) close(w io.Writer) error {
	if e.zw == nil {
		return nil
	}
	return e.zw.Close()
}
