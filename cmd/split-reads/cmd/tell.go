// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"os"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/splitread/encoding/splitindex"
	"github.com/grailbio/splitread/source"
	"v.io/x/lib/cmdline"
)

func newCmdTell() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "tell",
		Short: "Print a scalar derived from a split index",
	}
	index := cmd.Flags.String("I", "", "Index path. Use '-' for stdin.")
	reads := cmd.Flags.Bool("reads", false, "Print the total record count.")
	queries := cmd.Flags.Bool("queries", false, "Print the total query-group count (default).")
	chunks := cmd.Flags.Bool("chunks", false, "Print the stored chunk count.")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if *index == "" {
			usageError("tell requires -I")
		}
		if nSet := count(*reads) + count(*queries) + count(*chunks); nSet > 1 {
			usageError("--reads, --queries and --chunks are mutually exclusive")
		}
		var (
			idx *splitindex.Index
			err error
		)
		if *index == source.Stdin {
			idx, err = splitindex.ReadFrom(os.Stdin)
		} else {
			idx, err = splitindex.Read(vcontext.Background(), *index)
		}
		if err != nil {
			fail(err)
		}
		switch {
		case *reads:
			fmt.Println(idx.Records)
		case *chunks:
			fmt.Println(idx.NumChunks())
		default:
			fmt.Println(idx.Groups)
		}
		return nil
	})
	return cmd
}

func count(b bool) int {
	if b {
		return 1
	}
	return 0
}
