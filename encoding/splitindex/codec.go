// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package splitindex

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"io/ioutil"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/splitread/encoding/seqio"
)

var siMagic = []byte("SPLITIDX")

// Marshal serializes the index.
func Marshal(idx *Index) ([]byte, error) {
	var b bytes.Buffer
	b.Write(siMagic)
	writeU16(&b, Version)
	writeU16(&b, idx.Flags)
	b.WriteByte(byte(idx.Variant))
	b.Write([]byte{0, 0, 0})
	writeU64(&b, idx.SourceSize)
	b.Write(idx.SourceHash[:])
	writeU64(&b, idx.Records)
	writeU64(&b, idx.Groups)
	if len(idx.Chunks) > math.MaxUint32 {
		return nil, errors.E(ErrCorruptIndex, "too many chunks")
	}
	writeU32(&b, uint32(len(idx.Chunks)))
	for i := range idx.Chunks {
		c := &idx.Chunks[i]
		if len(c.FirstName) > math.MaxUint16 {
			return nil, errors.E(ErrCorruptIndex, fmt.Sprintf("first qname too long at chunk %d", i))
		}
		writeU64(&b, uint64(c.Start))
		writeU64(&b, uint64(c.End))
		writeU64(&b, c.Records)
		writeU32(&b, c.Groups)
		writeU16(&b, uint16(len(c.FirstName)))
		b.Write(c.FirstName)
	}
	writeU32(&b, crc32.ChecksumIEEE(b.Bytes()))
	return b.Bytes(), nil
}

// Unmarshal decodes and validates a .si blob.
func Unmarshal(raw []byte) (*Index, error) {
	if len(raw) < len(siMagic)+4 {
		return nil, errors.E(ErrCorruptIndex, "index too short")
	}
	body, sum := raw[:len(raw)-4], binary.LittleEndian.Uint32(raw[len(raw)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return nil, errors.E(ErrCorruptIndex, "checksum mismatch")
	}
	d := decoder{b: body}
	if !bytes.Equal(d.bytes(len(siMagic)), siMagic) {
		return nil, errors.E(ErrCorruptIndex, "bad magic")
	}
	if v := d.u16(); v != Version {
		return nil, errors.E(ErrCorruptIndex, fmt.Sprintf("unsupported version %d", int(v)))
	}
	idx := &Index{}
	idx.Flags = d.u16()
	idx.Variant = seqio.Variant(d.u8())
	d.bytes(3) // reserved
	idx.SourceSize = d.u64()
	copy(idx.SourceHash[:], d.bytes(32))
	idx.Records = d.u64()
	idx.Groups = d.u64()
	n := d.u32()
	if uint64(n) > uint64(len(body)) { // cheap sanity bound before allocating
		return nil, errors.E(ErrCorruptIndex, fmt.Sprintf("implausible chunk count %d", n))
	}
	idx.Chunks = make([]ChunkEntry, n)
	for i := range idx.Chunks {
		c := &idx.Chunks[i]
		c.Start = seqio.Pos(d.u64())
		c.End = seqio.Pos(d.u64())
		c.Records = d.u64()
		c.Groups = d.u32()
		nameLen := int(d.u16())
		c.FirstName = append([]byte(nil), d.bytes(nameLen)...)
	}
	if d.err != nil {
		return nil, errors.E(ErrCorruptIndex, d.err.Error())
	}
	if len(d.b) != 0 {
		return nil, errors.E(ErrCorruptIndex, "trailing bytes after chunk table")
	}
	if err := idx.validate(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Write stores the index at path.  file.Create writes a provisional
// file and renames it on Close, so a failed write never leaves a
// partial .si visible.
func Write(ctx context.Context, path string, idx *Index) (err error) {
	raw, err := Marshal(idx)
	if err != nil {
		return err
	}
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	_, err = out.Writer(ctx).Write(raw)
	return err
}

// WriteTo serializes the index to w, for "-" outputs.
func WriteTo(w io.Writer, idx *Index) error {
	raw, err := Marshal(idx)
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

// Read loads and validates the index at path.
func Read(ctx context.Context, path string) (idx *Index, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	raw, err := ioutil.ReadAll(in.Reader(ctx))
	if err != nil {
		return nil, err
	}
	return Unmarshal(raw)
}

// ReadFrom loads the index from r, for "-" inputs.
func ReadFrom(r io.Reader) (*Index, error) {
	raw, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Unmarshal(raw)
}

type decoder struct {
	b   []byte
	err error
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil || len(d.b) < n {
		if d.err == nil {
			d.err = errors.New("index record truncated")
		}
		return make([]byte, n)
	}
	out := d.b[:n]
	d.b = d.b[n:]
	return out
}

func (d *decoder) u8() uint8   { return d.bytes(1)[0] }
func (d *decoder) u16() uint16 { return binary.LittleEndian.Uint16(d.bytes(2)) }
func (d *decoder) u32() uint32 { return binary.LittleEndian.Uint32(d.bytes(4)) }
func (d *decoder) u64() uint64 { return binary.LittleEndian.Uint64(d.bytes(8)) }

func writeU16(b *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.Write(tmp[:])
}

func writeU32(b *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}

func writeU64(b *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.Write(tmp[:])
}
