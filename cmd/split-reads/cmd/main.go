// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/grailbio/splitread/encoding/seqio"
	"github.com/grailbio/splitread/encoding/splitindex"
	"github.com/grailbio/splitread/splitter"
	"v.io/x/lib/cmdline"
)

// Exit codes, stable for scripting.
const (
	exitUsage     = 2
	exitIO        = 3
	exitMalformed = 4
	exitMismatch  = 5
	exitCancelled = 6
)

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case splitter.Is(err, splitindex.ErrChunkOutOfRange):
		return exitUsage
	case splitter.Is(err, splitindex.ErrCorruptIndex),
		splitter.Is(err, splitindex.ErrSourceMismatch):
		return exitMismatch
	case splitter.Is(err, seqio.ErrMalformedRecord),
		splitter.Is(err, seqio.ErrUnexpectedEOF),
		splitter.Is(err, seqio.ErrUnsupportedVariant),
		splitter.Is(err, splitter.ErrNotQueryGrouped):
		return exitMalformed
	case splitter.Is(err, context.Canceled):
		return exitCancelled
	}
	return exitIO
}

// fail prints a single-line diagnostic with stable wording and exits
// with the code for err.
func fail(err error) {
	fmt.Fprintf(os.Stderr, "split-reads: %v\n", err)
	os.Exit(exitCode(err))
}

func usageError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "split-reads: "+format+"\n", args...)
	os.Exit(exitUsage)
}

// Run is the tool entry point.
func Run() {
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(
		&cmdline.Command{
			Name:     "split-reads",
			Short:    "Index query-grouped read files for near-zero-IO chunked extraction",
			LookPath: false,
			Children: []*cmdline.Command{
				newCmdIndex(),
				newCmdGetChunk(),
				newCmdTell(),
			},
		})
}
