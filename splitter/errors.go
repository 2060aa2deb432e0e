// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package splitter

import (
	"github.com/grailbio/base/errors"
)

// Is reports whether target appears in err's cause chain.  It
// understands both errors.E wrapping and the standard Unwrap
// convention, so callers can map domain sentinels
// (seqio.ErrMalformedRecord, splitindex.ErrCorruptIndex, ...) to exit
// codes without caring how many layers of context were added.
func Is(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		switch e := err.(type) {
		case *errors.Error:
			err = e.Err
		case interface{ Unwrap() error }:
			err = e.Unwrap()
		default:
			return false
		}
	}
	return false
}
