// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package splitindex

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/grailbio/base/errors"
)

// FingerprintPrefixSize is how much of the source participates in the
// content fingerprint.  The header region of every supported variant
// fits well inside it, so any header edit changes the fingerprint.
const FingerprintPrefixSize = 1 << 20

// Fingerprint computes the version-1 source fingerprint: SHA-256 over
// the little-endian file size followed by the first
// min(FingerprintPrefixSize, size) bytes.  r must be positioned at
// the start of the file.
func Fingerprint(r io.Reader, size int64) ([32]byte, error) {
	h := sha256.New()
	var szBuf [8]byte
	binary.LittleEndian.PutUint64(szBuf[:], uint64(size))
	h.Write(szBuf[:])
	n := size
	if n > FingerprintPrefixSize {
		n = FingerprintPrefixSize
	}
	if _, err := io.CopyN(h, r, n); err != nil {
		return [32]byte{}, errors.E(err, "fingerprinting source prefix")
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// CheckSource verifies that the source behind r still matches the
// index.  It must be called before any chunk byte is emitted.
func (idx *Index) CheckSource(r io.Reader, size int64) error {
	if uint64(size) != idx.SourceSize {
		return errors.E(ErrSourceMismatch, "source size changed")
	}
	sum, err := Fingerprint(r, size)
	if err != nil {
		return err
	}
	if sum != idx.SourceHash {
		return errors.E(ErrSourceMismatch, "source content changed")
	}
	return nil
}
