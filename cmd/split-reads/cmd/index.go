// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/splitread/encoding/seqio"
	"github.com/grailbio/splitread/encoding/splitindex"
	"github.com/grailbio/splitread/source"
	"github.com/grailbio/splitread/splitter"
	"github.com/klauspost/compress/gzip"
	"v.io/x/lib/cmdline"
)

type indexFlags struct {
	input          *string
	output         *string
	index          *string
	threads        *int
	targetRecords  *int64
	targetChunks   *int
	twoPass        *bool
	strict         *bool
	compression    *int
	updateInterval *time.Duration
}

func newCmdIndex() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "index",
		Short: "Build a split index (.si) over a query-grouped read file",
	}
	flags := indexFlags{
		input:   cmd.Flags.String("i", "", "Input SAM/BAM/CRAM/FASTQ to index. Use '-' for stdin."),
		output:  cmd.Flags.String("o", "", "Pass-through output path. When set, records are re-encoded here and the index refers to this file."),
		index:   cmd.Flags.String("I", "", `Output path for the index. Defaults to the input (or pass-through output) path with an added ".si" suffix.`),
		threads: cmd.Flags.Int("t", runtime.NumCPU(), "Number of concurrent workers."),
		targetRecords: cmd.Flags.Int64("target-records", 0,
			"Close a chunk at the first query-group end after this many records."),
		targetChunks: cmd.Flags.Int("target-chunks", 0,
			"Number of chunks to store. Default keeps fine-grained chunks for flexible re-partitioning."),
		twoPass: cmd.Flags.Bool("two-pass", false,
			"Walk the input twice for exactly even chunk boundaries. Requires a seekable input and no pass-through."),
		strict: cmd.Flags.Bool("strict", false,
			"Fail, instead of warning, when the input does not look query-grouped."),
		compression: cmd.Flags.Int("compression", gzip.DefaultCompression,
			"Compression level of the pass-through output."),
		updateInterval: cmd.Flags.Duration("update-interval", 30*time.Second,
			"Time between progress log lines."),
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if *flags.input == "" {
			usageError("index requires -i")
		}
		if *flags.targetRecords > 0 && *flags.targetChunks > 0 {
			usageError("--target-records and --target-chunks are mutually exclusive")
		}
		if *flags.twoPass && *flags.targetRecords > 0 {
			usageError("--two-pass applies only to a chunk-count target")
		}
		if err := runIndex(flags); err != nil {
			fail(err)
		}
		return nil
	})
	return cmd
}

func runIndex(flags indexFlags) (err error) {
	ctx, cancel := signalContext(vcontext.Background())
	defer cancel()

	indexPath, err := indexPathFor(*flags.index, *flags.input, *flags.output)
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
	if *flags.twoPass && (!src.Seekable() || *flags.output != "") {
		usageError("--two-pass requires a seekable input and no pass-through output")
	}

	walker, err := seqio.Open(src.Reader(ctx), seqio.WalkerOpts{
		CaptureRaw:  *flags.output != "",
		Parallelism: *flags.threads,
	})
	if err != nil {
		return err
	}

	opts := splitter.BuildOpts{
		TargetChunks:   *flags.targetChunks,
		TargetRecords:  *flags.targetRecords,
		Strict:         *flags.strict,
		UpdateInterval: *flags.updateInterval,
	}

	var sink splitter.Sink
	sinkDone := false
	if *flags.output != "" {
		sink, err = splitter.NewSink(ctx, *flags.output, walker.Variant(), *flags.compression)
		if err != nil {
			return err
		}
		opts.Sink = sink
		defer func() {
			if err != nil && !sinkDone {
				sink.Discard()
			}
		}()
	}

	if *flags.twoPass {
		records, groups, targets, cerr := splitter.CountPass(ctx, splitter.WalkerStream{W: walker}, targetFor(flags, 0))
		if cerr != nil {
			return cerr
		}
		log.Printf("first pass: %d reads in %d query groups", records, groups)
		opts.TwoPassTargets(targets)
		// Second pass over a fresh walker from the start of the file.
		r2, oerr := src.OpenAt(ctx, 0)
		if oerr != nil {
			return oerr
		}
		walker, err = seqio.Open(r2, seqio.WalkerOpts{Parallelism: *flags.threads})
		if err != nil {
			return err
		}
	}

	var (
		stream splitter.TupleStream = splitter.WalkerStream{W: walker}
		meta   splitter.StreamMeta  = walker
	)
	if sink == nil && !*flags.twoPass && splitter.Shardable(walker, src, *flags.threads) {
		size, serr := src.Size(ctx)
		if serr != nil {
			return serr
		}
		sharded := splitter.NewShardedStream(ctx, src, walker, size, *flags.threads)
		defer sharded.Cancel()
		stream, meta = sharded, sharded
	}

	idx, err := splitter.Build(ctx, stream, meta, opts)
	if err != nil {
		return err
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			return err
		}
		sinkDone = true
	}
	if err := stampFingerprint(ctx, idx, fingerprintPath(*flags.input, *flags.output)); err != nil {
		return err
	}
	log.Printf("indexed %d reads in %d query groups into %d chunks",
		idx.Records, idx.Groups, idx.NumChunks())

	if indexPath == source.Stdin {
		return splitindex.WriteTo(os.Stdout, idx)
	}
	return splitindex.Write(ctx, indexPath, idx)
}

// targetFor picks the chunk target for the counting pass.
func targetFor(flags indexFlags, def int) int {
	if *flags.targetChunks > 0 {
		return *flags.targetChunks
	}
	if def > 0 {
		return def
	}
	return splitter.DefaultFineBins
}

// indexPathFor resolves the index output path.  Writing next to the
// input (or pass-through output) is the default; stdin/stdout inputs
// need an explicit path.
func indexPathFor(index, input, output string) (string, error) {
	if index != "" {
		return index, nil
	}
	if output != "" && output != source.Stdin {
		return output + splitindex.Extension, nil
	}
	if input != source.Stdin {
		return input + splitindex.Extension, nil
	}
	usageError("reading from stdin requires an explicit index path (-I)")
	return "", nil
}

// fingerprintPath names the file the index positions refer to: the
// pass-through output when present, the input otherwise.
func fingerprintPath(input, output string) string {
	if output != "" {
		return output
	}
	return input
}

// stampFingerprint fills in the index's source size and content hash.
// A stdin input without pass-through cannot be fingerprinted; the
// index is still usable for tell, and extraction would need a
// seekable source anyway.
func stampFingerprint(ctx context.Context, idx *splitindex.Index, path string) (err error) {
	if path == source.Stdin {
		log.Printf("stdin input: index is written without a source fingerprint")
		return nil
	}
	s, err := source.Open(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	size, err := s.Size(ctx)
	if err != nil {
		return err
	}
	sum, err := splitindex.Fingerprint(s.Reader(ctx), size)
	if err != nil {
		return err
	}
	idx.SourceSize = uint64(size)
	idx.SourceHash = sum
	return nil
}

// signalContext cancels the returned context on SIGINT/SIGTERM so
// workers stop at their next suspension point and no partial output
// becomes visible.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}
