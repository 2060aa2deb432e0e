// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cmd

import (
	"bufio"
	"io"
	"os"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/splitread/encoding/splitindex"
	"github.com/grailbio/splitread/source"
	"github.com/grailbio/splitread/splitter"
	"v.io/x/lib/cmdline"
)

type getChunkFlags struct {
	input  *string
	index  *string
	output *string
	chunk  *int
	chunks *int
}

func newCmdGetChunk() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "get-chunk",
		Short: "Extract one chunk of an indexed read file as a self-standing stream",
	}
	flags := getChunkFlags{
		input:  cmd.Flags.String("i", "", "Indexed input file. Stdin is not accepted; extraction seeks."),
		index:  cmd.Flags.String("I", "", `Index path. Defaults to the input path with an added ".si" suffix; use '-' for stdin.`),
		output: cmd.Flags.String("o", source.Stdin, "Output path. Use '-' (or omit) for stdout."),
		chunk:  cmd.Flags.Int("c", -1, "Chunk to extract (0 .. n-1)."),
		chunks: cmd.Flags.Int("n", 0, "Total number of chunks to partition the file into."),
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if *flags.input == "" || *flags.input == source.Stdin {
			usageError("get-chunk requires a seekable -i input")
		}
		if *flags.chunk < 0 || *flags.chunks <= 0 || *flags.chunk >= *flags.chunks {
			usageError("get-chunk requires -c in [0, n) and -n > 0")
		}
		if err := runGetChunk(flags); err != nil {
			fail(err)
		}
		return nil
	})
	return cmd
}

func runGetChunk(flags getChunkFlags) (err error) {
	ctx, cancel := signalContext(vcontext.Background())
	defer cancel()

	var idx *splitindex.Index
	if *flags.index == source.Stdin {
		idx, err = splitindex.ReadFrom(os.Stdin)
	} else {
		indexPath := *flags.index
		if indexPath == "" {
			indexPath = *flags.input + splitindex.Extension
		}
		idx, err = splitindex.Read(ctx, indexPath)
	}
	if err != nil {
		return err
	}

	src, err := source.Open(ctx, *flags.input)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := src.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var w io.Writer
	if *flags.output == source.Stdin {
		buf := bufio.NewWriter(os.Stdout)
		defer func() {
			if ferr := buf.Flush(); ferr != nil && err == nil {
				err = ferr
			}
		}()
		w = buf
	} else {
		out, cerr := file.Create(ctx, *flags.output)
		if cerr != nil {
			return cerr
		}
		defer func() {
			if err != nil {
				out.Discard(ctx)
				return
			}
			if cerr := out.Close(ctx); cerr != nil {
				err = cerr
			}
		}()
		w = out.Writer(ctx)
	}
	return splitter.Extract(ctx, src, idx, *flags.chunk, *flags.chunks, w)
}
