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

// probePeekSize is how much of the source the probe may buffer.  It
// must fit at least one complete BGZF block (64KiB compressed) so that
// the first block can be inflated for content sniffing.
const probePeekSize = 128 << 10

var (
	gzipMagic = []byte{0x1f, 0x8b}
	bamMagic  = []byte{'B', 'A', 'M', 0x1}
	cramMagic = []byte{'C', 'R', 'A', 'M'}
)

// Probe classifies a file prefix.  The prefix should be as long as the
// caller can cheaply supply; classification of compressed content
// requires enough bytes to inflate the beginning of the first block.
func Probe(prefix []byte) (Variant, Compression, error) {
	if len(prefix) == 0 {
		return 0, Plain, errors.E(ErrUnexpectedEOF, "empty input")
	}
	if bytes.HasPrefix(prefix, cramMagic) {
		return CRAM, Plain, nil
	}
	if bytes.HasPrefix(prefix, gzipMagic) {
		compression := Gzip
		if isBGZFHeader(prefix) {
			compression = BGZF
		}
		inflated, err := inflatePrefix(prefix)
		if err != nil {
			return 0, compression, errors.E(ErrMalformedRecord, "cannot inflate leading block", err.Error())
		}
		if len(inflated) == 0 {
			return 0, compression, errors.E(ErrUnexpectedEOF, "empty leading block")
		}
		variant, err := probeText(inflated)
		return variant, compression, err
	}
	variant, err := probeText(prefix)
	return variant, Plain, err
}

// probeText classifies uncompressed leading content.
func probeText(b []byte) (Variant, error) {
	if bytes.HasPrefix(b, bamMagic) {
		return BAM, nil
	}
	if len(b) > 0 && b[0] == '@' {
		if looksLikeFASTQ(b) {
			return FASTQ, nil
		}
		return SAM, nil
	}
	// Headerless SAM bodies are tab-delimited with at least 11 fields.
	if line := firstLine(b); bytes.Count(line, []byte{'\t'}) >= 10 {
		return SAM, nil
	}
	return 0, errors.E(ErrUnsupportedVariant, "unrecognized leading bytes")
}

// looksLikeFASTQ reports whether the quartet pattern holds: an '@'
// line, a sequence line, then a '+' line.  SAM headers also start with
// '@' but their third line never starts with '+'.
func looksLikeFASTQ(b []byte) bool {
	for i := 0; i < 3; i++ {
		line := firstLine(b)
		switch i {
		case 0:
			if len(line) < 2 || line[0] != '@' || bytes.ContainsRune(line, '\t') {
				return false
			}
		case 2:
			return len(line) >= 1 && line[0] == '+'
		}
		if len(line)+1 > len(b) {
			return false
		}
		b = b[len(line)+1:]
	}
	return false
}

func firstLine(b []byte) []byte {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return b[:i]
	}
	return b
}

// inflatePrefix inflates as much of the leading gzip member as the
// prefix allows, up to 4KiB, which is ample for classification.
func inflatePrefix(prefix []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(prefix))
	if err != nil {
		return nil, err
	}
	gz.Multistream(false)
	buf := make([]byte, 4096)
	n, err := io.ReadFull(gz, buf)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, err
}

// ProbeReader classifies the content of r without consuming it.  The
// returned reader replays the probed bytes followed by the rest of r.
func ProbeReader(r io.Reader) (Variant, Compression, *bufio.Reader, error) {
	br := bufio.NewReaderSize(r, probePeekSize)
	prefix, err := br.Peek(probePeekSize)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return 0, Plain, nil, errors.E(err, "probing input")
	}
	variant, compression, perr := Probe(prefix)
	return variant, compression, br, perr
}
