// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package seqio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
)

// CRAM container framing.  Containers are self-describing: the header
// carries the compressed payload length and the record count, so the
// walker can enumerate container extents and record counts without
// decoding slices.  Query names live in per-slice data series whose
// decoding is delegated to an external codec; absent one, every
// container edge is treated as a query-group boundary, which keeps
// chunk boundaries on container edges (they always must be) and never
// splits a group that a name-aware codec would see.

// cramEOFStart is the alignment-start sentinel of the standard EOF
// container.
const cramEOFStart = 4542278

// CRAMEOFContainer is the standard 38-byte CRAM v3 EOF container that
// terminates a valid CRAM file.  See the CRAM specification.
var CRAMEOFContainer = []byte{
	0x0f, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0xff, 0x0f, 0xe0,
	0x45, 0x4f, 0x46, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x05,
	0xbd, 0xd9, 0x4f, 0x00, 0x01, 0x00, 0x06, 0x06, 0x01, 0x00,
	0x01, 0x00, 0x01, 0x00, 0xee, 0x63, 0x01, 0x4b,
}

// NameProbe reports the first and last query names of a CRAM
// container, for builders that can decode slice name series.  A nil
// probe means names are unknown.
type NameProbe interface {
	ContainerNames(container []byte) (first, last []byte, err error)
}

type cramWalker struct {
	br      *bufio.Reader
	off     int64
	version byte

	headerRaw []byte
	headerEnd Pos
	ordinal   uint64
	err       error
	done      bool
}

func newCRAMWalker(br *bufio.Reader, capture bool) (*cramWalker, error) {
	if capture {
		return nil, errors.E(ErrUnsupportedVariant, "CRAM pass-through requires an external slice codec")
	}
	w := &cramWalker{br: br}
	def := make([]byte, 26)
	if _, err := io.ReadFull(br, def); err != nil {
		return nil, errors.E(ErrUnexpectedEOF, "reading CRAM file definition", err.Error())
	}
	if string(def[:4]) != "CRAM" {
		return nil, errors.E(ErrMalformedRecord, "bad CRAM magic")
	}
	w.version = def[4]
	if w.version != 2 && w.version != 3 {
		return nil, errors.E(ErrUnsupportedVariant, fmt.Sprintf("CRAM major version %d", int(w.version)))
	}
	w.off = int64(len(def))
	w.headerRaw = append(w.headerRaw, def...)

	// The first container holds the SAM text header and belongs to
	// the prelude.
	hdr, err := w.readContainer()
	if err != nil {
		return nil, err
	}
	w.headerRaw = append(w.headerRaw, hdr.raw...)
	w.headerEnd = Pos(w.off)
	return w, nil
}

type cramContainer struct {
	start    int64
	length   int64 // total bytes including header
	records  int
	refSeqID int32
	startPos int32
	raw      []byte // header+payload bytes, only for the prelude container
}

// readContainer parses one container header and skips its payload.
func (w *cramWalker) readContainer() (*cramContainer, error) {
	c := &cramContainer{start: w.off}
	var hdr []byte
	buf := make([]byte, 4)
	if _, err := io.ReadFull(w.br, buf); err != nil {
		return nil, errors.E(ErrUnexpectedEOF, "reading CRAM container length", err.Error())
	}
	hdr = append(hdr, buf...)
	payloadLen := int64(int32(binary.LittleEndian.Uint32(buf)))
	if payloadLen < 0 {
		return nil, errors.E(ErrMalformedRecord, "negative CRAM container length")
	}

	var v int32
	var err error
	if v, hdr, err = w.itf8(hdr); err != nil {
		return nil, err
	}
	c.refSeqID = v
	if v, hdr, err = w.itf8(hdr); err != nil {
		return nil, err
	}
	c.startPos = v
	if _, hdr, err = w.itf8(hdr); err != nil { // alignment span
		return nil, err
	}
	if v, hdr, err = w.itf8(hdr); err != nil {
		return nil, err
	}
	c.records = int(v)
	if _, hdr, err = w.ltf8(hdr); err != nil { // record counter
		return nil, err
	}
	if _, hdr, err = w.ltf8(hdr); err != nil { // bases
		return nil, err
	}
	if _, hdr, err = w.itf8(hdr); err != nil { // block count
		return nil, err
	}
	var nLandmarks int32
	if nLandmarks, hdr, err = w.itf8(hdr); err != nil {
		return nil, err
	}
	if nLandmarks < 0 || nLandmarks > 1<<20 {
		return nil, errors.E(ErrMalformedRecord, "implausible CRAM landmark count")
	}
	for i := int32(0); i < nLandmarks; i++ {
		if _, hdr, err = w.itf8(hdr); err != nil {
			return nil, err
		}
	}
	if w.version >= 3 {
		crc := make([]byte, 4)
		if _, err := io.ReadFull(w.br, crc); err != nil {
			return nil, errors.E(ErrUnexpectedEOF, "reading CRAM container crc", err.Error())
		}
		hdr = append(hdr, crc...)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(w.br, payload); err != nil {
		return nil, errors.E(ErrUnexpectedEOF, "reading CRAM container payload", err.Error())
	}
	c.raw = append(hdr, payload...)
	c.length = int64(len(c.raw))
	w.off = c.start + c.length
	return c, nil
}

// itf8 reads an ITF-8 varint, appending the consumed bytes to hdr.
func (w *cramWalker) itf8(hdr []byte) (int32, []byte, error) {
	b0, err := w.br.ReadByte()
	if err != nil {
		return 0, hdr, errors.E(ErrUnexpectedEOF, "reading CRAM itf8", err.Error())
	}
	hdr = append(hdr, b0)
	var n int
	switch {
	case b0 < 0x80:
		return int32(b0), hdr, nil
	case b0 < 0xc0:
		n = 1
	case b0 < 0xe0:
		n = 2
	case b0 < 0xf0:
		n = 3
	default:
		n = 4
	}
	mask := byte(0x7f >> uint(n))
	if n == 4 {
		mask = 0x0f
	}
	v := uint32(b0 & mask)
	for i := 0; i < n; i++ {
		b, err := w.br.ReadByte()
		if err != nil {
			return 0, hdr, errors.E(ErrUnexpectedEOF, "reading CRAM itf8", err.Error())
		}
		hdr = append(hdr, b)
		if n == 4 && i == n-1 {
			// The fifth byte of a 5-byte ITF-8 value carries only
			// its low 4 bits.
			v = v<<4 | uint32(b&0x0f)
		} else {
			v = v<<8 | uint32(b)
		}
	}
	return int32(v), hdr, nil
}

// ltf8 reads an LTF-8 varint, appending the consumed bytes to hdr.
func (w *cramWalker) ltf8(hdr []byte) (int64, []byte, error) {
	b0, err := w.br.ReadByte()
	if err != nil {
		return 0, hdr, errors.E(ErrUnexpectedEOF, "reading CRAM ltf8", err.Error())
	}
	hdr = append(hdr, b0)
	n := 0
	for mask := byte(0x80); mask > 0 && b0&mask != 0; mask >>= 1 {
		n++
	}
	v := int64(b0 & (0xff >> uint(n)))
	if n == 8 {
		v = 0
	}
	for i := 0; i < n; i++ {
		b, err := w.br.ReadByte()
		if err != nil {
			return 0, hdr, errors.E(ErrUnexpectedEOF, "reading CRAM ltf8", err.Error())
		}
		hdr = append(hdr, b)
		v = v<<8 | int64(b)
	}
	return v, hdr, nil
}

func (w *cramWalker) Scan(t *Tuple) bool {
	if w.err != nil || w.done {
		return false
	}
	if _, err := w.br.Peek(1); err == io.EOF {
		w.done = true
		return false
	}
	c, err := w.readContainer()
	if err != nil {
		w.err = err
		return false
	}
	if c.refSeqID == -1 && c.records == 0 && c.startPos == cramEOFStart {
		// Standard EOF container.
		w.done = true
		return false
	}
	if c.records <= 0 {
		w.err = errors.E(ErrMalformedRecord, "CRAM data container with no records")
		return false
	}
	w.ordinal++
	t.Name = nil
	t.NameHash = w.ordinal
	t.Start = Pos(c.start)
	t.End = Pos(c.start + c.length)
	t.Records = c.records
	t.Raw = nil
	return true
}

func (w *cramWalker) Err() error               { return w.err }
func (w *cramWalker) Variant() Variant         { return CRAM }
func (w *cramWalker) Compression() Compression { return Plain }
func (w *cramWalker) Header() []byte           { return w.headerRaw }
func (w *cramWalker) HeaderEnd() Pos           { return w.headerEnd }
func (w *cramWalker) Paired() bool             { return false }
