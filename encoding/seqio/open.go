// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package seqio

import (
	"io"

	"github.com/grailbio/base/errors"
)

// WalkerOpts configures Open.
type WalkerOpts struct {
	// CaptureRaw makes walkers fill Tuple.Raw with the record's
	// uncompressed bytes, for pass-through sinks.
	CaptureRaw bool
	// Parallelism bounds BGZF decompression concurrency.  Zero
	// means one.
	Parallelism int
}

// Open probes r and returns a walker for its content.  r is consumed
// sequentially; the walker owns it until exhaustion.
func Open(r io.Reader, opts WalkerOpts) (Walker, error) {
	variant, compression, br, err := ProbeReader(r)
	if err != nil {
		return nil, err
	}
	parallelism := opts.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	switch variant {
	case BAM:
		return newBAMWalker(br, opts.CaptureRaw, parallelism)
	case SAM:
		return newSAMWalker(br, compression, opts.CaptureRaw)
	case FASTQ:
		return newFASTQWalker(br, compression, opts.CaptureRaw)
	case CRAM:
		return newCRAMWalker(br, opts.CaptureRaw)
	}
	return nil, errors.E(ErrUnsupportedVariant, variant.String())
}
