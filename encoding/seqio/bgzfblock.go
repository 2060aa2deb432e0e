// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package seqio

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/klauspost/compress/gzip"
)

// Raw BGZF block framing.  The walkers inflate through hts/bgzf; this
// file handles the compressed layer directly for the extractor, which
// copies whole blocks verbatim and only inflates the rare partial
// block at a chunk edge.

// EOFBlock is the 28-byte empty BGZF block that terminates a valid
// BGZF file.  See the SAM/BAM spec.
var EOFBlock = []byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0x06, 0x00, 0x42, 0x43,
	0x02, 0x00, 0x1b, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// isBGZFHeader reports whether b begins with a gzip header carrying
// the BGZF "BC" extra subfield.
func isBGZFHeader(b []byte) bool {
	if len(b) < 18 {
		return false
	}
	if b[0] != 0x1f || b[1] != 0x8b || b[2] != 0x08 || b[3]&0x04 == 0 {
		return false
	}
	xlen := int(binary.LittleEndian.Uint16(b[10:12]))
	extra := b[12:]
	if len(extra) > xlen {
		extra = extra[:xlen]
	}
	for len(extra) >= 4 {
		slen := int(binary.LittleEndian.Uint16(extra[2:4]))
		if extra[0] == 'B' && extra[1] == 'C' && slen == 2 {
			return len(extra) >= 6
		}
		if len(extra) < 4+slen {
			return false
		}
		extra = extra[4+slen:]
	}
	return false
}

// BlockSize parses the compressed size of the BGZF block whose header
// begins at b.  b needs to hold only the gzip header and extra field,
// not the whole block.
func BlockSize(b []byte) (int, error) {
	if len(b) < 18 || b[0] != 0x1f || b[1] != 0x8b || b[2] != 0x08 || b[3]&0x04 == 0 {
		return 0, errors.E(ErrMalformedRecord, "not a BGZF block header")
	}
	xlen := int(binary.LittleEndian.Uint16(b[10:12]))
	if len(b) < 12+xlen {
		return 0, errors.E(ErrUnexpectedEOF, "truncated BGZF extra field")
	}
	extra := b[12 : 12+xlen]
	for len(extra) >= 4 {
		slen := int(binary.LittleEndian.Uint16(extra[2:4]))
		if extra[0] == 'B' && extra[1] == 'C' && slen == 2 && len(extra) >= 6 {
			return int(binary.LittleEndian.Uint16(extra[4:6])) + 1, nil
		}
		if len(extra) < 4+slen {
			break
		}
		extra = extra[4+slen:]
	}
	return 0, errors.E(ErrMalformedRecord, "BGZF BC subfield missing")
}

// ReadBlock reads one complete compressed BGZF block from r.
func ReadBlock(r io.Reader) ([]byte, error) {
	head := make([]byte, 18)
	if _, err := io.ReadFull(r, head); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errors.E(ErrUnexpectedEOF, "reading BGZF block header")
		}
		return nil, err
	}
	bsize, err := BlockSize(head)
	if err != nil {
		return nil, err
	}
	block := make([]byte, bsize)
	copy(block, head)
	if _, err := io.ReadFull(r, block[len(head):]); err != nil {
		return nil, errors.E(ErrUnexpectedEOF, "reading BGZF block body")
	}
	return block, nil
}

// InflateBlock decompresses a single BGZF block.
func InflateBlock(block []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(block))
	if err != nil {
		return nil, errors.E(ErrMalformedRecord, "inflating BGZF block", err.Error())
	}
	gz.Multistream(false)
	var out bytes.Buffer
	if _, err := io.Copy(&out, gz); err != nil {
		return nil, errors.E(ErrMalformedRecord, "inflating BGZF block", err.Error())
	}
	if err := gz.Close(); err != nil {
		return nil, errors.E(ErrMalformedRecord, "inflating BGZF block", err.Error())
	}
	return out.Bytes(), nil
}
