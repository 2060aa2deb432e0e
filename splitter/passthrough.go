// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package splitter

import (
	"context"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/splitread/encoding/bgzf"
	"github.com/grailbio/splitread/encoding/seqio"
)

// Sink receives re-encoded records during pass-through indexing.  Pos
// reports the position token of the next byte the sink would commit;
// the builder records a tuple's positions only after the sink write
// returns, so index positions always refer to the sink file.
type Sink interface {
	WriteHeader(prelude []byte) error
	Write(raw []byte) error
	Pos() seqio.Pos
	// Close finalizes the output (variant trailer, temp-file
	// rename).  Discard abandons it without making it visible.
	Close() error
	Discard()
}

// NewSink creates the pass-through sink for an output path.  BAM
// output is always BGZF-framed; SAM and FASTQ are BGZF-framed when
// the path ends in .gz or .bgz and plain text otherwise.  CRAM output is not
// supported: re-encoding slices needs the external codec.
func NewSink(ctx context.Context, path string, variant seqio.Variant, level int) (Sink, error) {
	switch variant {
	case seqio.CRAM:
		return nil, errors.E(seqio.ErrUnsupportedVariant, "pass-through cannot re-encode CRAM")
	case seqio.BAM:
		return newBGZFSink(ctx, path, level)
	case seqio.SAM, seqio.FASTQ:
		if strings.HasSuffix(path, ".gz") || strings.HasSuffix(path, ".bgz") {
			return newBGZFSink(ctx, path, level)
		}
		return newPlainSink(ctx, path)
	}
	return nil, errors.E(seqio.ErrUnsupportedVariant, variant.String())
}

// bgzfSink writes BGZF-framed output; positions are virtual offsets.
type bgzfSink struct {
	ctx context.Context
	f   file.File
	w   *bgzf.Writer
}

func newBGZFSink(ctx context.Context, path string, level int) (*bgzfSink, error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	w, err := bgzf.NewWriter(f.Writer(ctx), level)
	if err != nil {
		f.Discard(ctx)
		return nil, err
	}
	return &bgzfSink{ctx: ctx, f: f, w: w}, nil
}

func (s *bgzfSink) WriteHeader(prelude []byte) error {
	_, err := s.w.Write(prelude)
	return err
}

func (s *bgzfSink) Write(raw []byte) error {
	_, err := s.w.Write(raw)
	return err
}

func (s *bgzfSink) Pos() seqio.Pos { return seqio.Pos(s.w.VOffset()) }

func (s *bgzfSink) Close() error {
	if err := s.w.Close(); err != nil {
		s.f.Discard(s.ctx)
		return err
	}
	return s.f.Close(s.ctx)
}

func (s *bgzfSink) Discard() { s.f.Discard(s.ctx) }

// plainSink writes uncompressed text output; positions are byte
// offsets.
type plainSink struct {
	ctx context.Context
	f   file.File
	off seqio.Pos
}

func newPlainSink(ctx context.Context, path string) (*plainSink, error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	return &plainSink{ctx: ctx, f: f}, nil
}

func (s *plainSink) WriteHeader(prelude []byte) error { return s.Write(prelude) }

func (s *plainSink) Write(raw []byte) error {
	n, err := s.f.Writer(s.ctx).Write(raw)
	s.off += seqio.Pos(n)
	return err
}

func (s *plainSink) Pos() seqio.Pos { return s.off }
func (s *plainSink) Close() error   { return s.f.Close(s.ctx) }
func (s *plainSink) Discard()       { s.f.Discard(s.ctx) }
