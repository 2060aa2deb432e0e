// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package splitter builds split indexes over query-grouped read files
// and extracts chunks through them.  The builder consumes walker
// tuples and accumulates chunks that never split a query group; the
// extractor turns a chunk request into a self-standing output stream
// by copying raw bytes from the indexed file.
package splitter

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/splitread/encoding/seqio"
	"github.com/grailbio/splitread/encoding/splitindex"
)

// DefaultFineBins is how many chunks the builder records when no
// explicit target is given.  Fine-grained chunks let the planner
// re-partition into any smaller n at extraction time.
const DefaultFineBins = 10000

// ErrNotQueryGrouped indicates an input whose records interleave
// query names.  It is a warning unless BuildOpts.Strict is set.
var ErrNotQueryGrouped = errors.New("input is not query-grouped")

// BuildOpts configures index building.
type BuildOpts struct {
	// TargetChunks is the number of chunks to store.  Zero selects
	// DefaultFineBins.
	TargetChunks int
	// TargetRecords, when positive, closes a chunk at the first
	// group end once the chunk holds at least this many records.
	// It overrides TargetChunks.
	TargetRecords int64
	// Strict escalates the not-query-grouped warning to an error.
	Strict bool
	// Sink, when non-nil, receives every record and the header
	// prelude; index positions then refer to the sink's output.
	Sink Sink
	// UpdateInterval spaces progress log lines.  Zero disables
	// them.
	UpdateInterval time.Duration
	// exactTargets carries precomputed group boundaries for the
	// second pass of two-pass mode.
	exactTargets []uint64
}

// TupleStream is the builder's input: walker tuples in strict source
// position order.  Both sequential walkers and the parallel shard
// merger implement it.
type TupleStream interface {
	Scan(*seqio.Tuple) bool
	Err() error
}

// StreamMeta describes the stream being indexed.  seqio.Walker
// satisfies it; the parallel shard merger provides its own.
type StreamMeta interface {
	Variant() seqio.Variant
	Header() []byte
	Paired() bool
}

// Build consumes tuples and returns the chunk table and totals of the
// index.  The caller fills in the fingerprint fields, which are not
// known until any pass-through sink has been finalized.
func Build(ctx context.Context, stream TupleStream, w StreamMeta, opts BuildOpts) (*splitindex.Index, error) {
	if opts.Sink != nil {
		if err := opts.Sink.WriteHeader(w.Header()); err != nil {
			return nil, err
		}
	}
	b := &accumulator{opts: opts}
	if opts.TargetChunks <= 0 {
		b.opts.TargetChunks = DefaultFineBins
	}
	lastUpdate := time.Now()

	var t seqio.Tuple
	for stream.Scan(&t) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if opts.Sink != nil {
			// The sink's committed position is the source of
			// truth for index positions.
			start := opts.Sink.Pos()
			if err := opts.Sink.Write(t.Raw); err != nil {
				return nil, err
			}
			t.Start, t.End = start, opts.Sink.Pos()
		}
		b.add(&t)
		if opts.UpdateInterval > 0 && time.Since(lastUpdate) > opts.UpdateInterval {
			log.Printf("indexed %d reads in %d query groups", b.records, b.groups)
			lastUpdate = time.Now()
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	if err := b.checkGrouped(); err != nil {
		return nil, err
	}

	chunks := b.finish()
	if len(chunks) == 0 {
		log.Printf("empty index: no reads")
	}
	if opts.TargetRecords <= 0 && len(opts.exactTargets) == 0 && len(chunks) > b.opts.TargetChunks {
		chunks = mergeChunks(chunks, b.groups, b.opts.TargetChunks)
	}
	flags := uint16(0)
	if opts.Sink != nil {
		flags |= splitindex.FlagPassThrough
	}
	if w.Paired() {
		flags |= splitindex.FlagPairedFASTQ
	}
	return &splitindex.Index{
		Flags:   flags,
		Variant: w.Variant(),
		Records: b.records,
		Groups:  b.groups,
		Chunks:  chunks,
	}, nil
}

// accumulator folds the tuple stream into chunks.  Only the previous
// query name (and its hash) is retained, so memory stays constant no
// matter how large a group is.
type accumulator struct {
	opts BuildOpts

	chunks  []splitindex.ChunkEntry
	cur     splitindex.ChunkEntry
	curOpen bool

	records uint64
	groups  uint64

	prevHash uint64
	prevName []byte

	// hash2 remembers the hash two groups back; a group name equal
	// to it but different from the previous one means records for a
	// name reappeared after its group closed.
	hash2    uint64
	reunions uint64

	// nextGroupGoal is the adaptive fine-bin spacing: a new bin
	// starts once the running group count reaches it.
	nextGroupGoal uint64
}

func (b *accumulator) add(t *seqio.Tuple) {
	newGroup := !b.curOpen || t.NameHash != b.prevHash || !bytes.Equal(t.Name, b.prevName)
	if newGroup && b.curOpen {
		if t.NameHash == b.hash2 && b.prevHash != b.hash2 {
			b.reunions++
		}
		b.hash2 = b.prevHash
		if b.closeBin() {
			// A record's end token can differ from the next
			// record's start token at a BGZF block edge (end of
			// block b vs start of block b+1); chunk boundaries
			// use the start token so the chunk table stays
			// contiguous.
			b.cur.End = t.Start
			b.chunks = append(b.chunks, b.cur)
			b.cur = splitindex.ChunkEntry{
				Start:     t.Start,
				FirstName: append([]byte(nil), t.Name...),
			}
		}
	}
	if !b.curOpen {
		b.cur = splitindex.ChunkEntry{
			Start:     t.Start,
			FirstName: append([]byte(nil), t.Name...),
		}
		b.curOpen = true
		b.nextGroupGoal = 1
	}
	if newGroup {
		b.groups++
		b.cur.Groups++
		b.prevHash = t.NameHash
		b.prevName = append(b.prevName[:0], t.Name...)
	}
	b.records += uint64(t.Records)
	b.cur.Records += uint64(t.Records)
	b.cur.End = t.End
}

// closeBin reports whether the open chunk should close before the
// group that is about to start.
func (b *accumulator) closeBin() bool {
	if b.opts.TargetRecords > 0 {
		return b.cur.Records >= uint64(b.opts.TargetRecords)
	}
	if targets := b.opts.exactTargets; len(targets) > 0 {
		// Two-pass mode: close exactly at the precomputed group
		// boundaries.
		if len(b.chunks)+1 < len(targets) {
			return b.groups >= targets[len(b.chunks)+1]
		}
		return false
	}
	// Adaptive fine bins: spacing grows as max(1, groups/target) so
	// the bin count stays near the target no matter how many groups
	// the file turns out to hold.
	if b.groups < b.nextGroupGoal {
		return false
	}
	b.nextGroupGoal = b.groups + maxU64(1, b.groups/uint64(b.opts.TargetChunks))
	return true
}

func (b *accumulator) finish() []splitindex.ChunkEntry {
	if b.curOpen {
		b.chunks = append(b.chunks, b.cur)
	}
	return b.chunks
}

// checkGrouped applies the reunion heuristic: in a query-grouped file
// a name never reappears after its group closes, so more than 10%
// reunions among groups means the input interleaves names.
func (b *accumulator) checkGrouped() error {
	if b.records < 100 || b.reunions*10 <= b.groups {
		return nil
	}
	err := errors.E(ErrNotQueryGrouped,
		fmt.Sprintf("observed %d reappearing query names in %d groups", b.reunions, b.groups))
	if b.opts.Strict {
		return err
	}
	log.Error.Printf("warning: %v; chunks remain valid byte partitions but may split queries", err)
	return nil
}

// mergeChunks folds fine bins down to at most target chunks, keeping
// boundaries on bin edges.  The merge uses the same forward-rounding
// arithmetic as the extraction-time planner.
func mergeChunks(bins []splitindex.ChunkEntry, groups uint64, target int) []splitindex.ChunkEntry {
	merged := make([]splitindex.ChunkEntry, 0, target)
	q, r := groups/uint64(target), groups%uint64(target)
	binIdx := 0
	var cumBefore uint64
	for i := 0; i < target && binIdx < len(bins); i++ {
		goal := uint64(i+1)*q + uint64(i+1)*r/uint64(target)
		c := bins[binIdx]
		cumBefore += uint64(c.Groups)
		binIdx++
		for i < target-1 && binIdx < len(bins) && cumBefore < goal {
			c.End = bins[binIdx].End
			c.Records += bins[binIdx].Records
			c.Groups += bins[binIdx].Groups
			cumBefore += uint64(bins[binIdx].Groups)
			binIdx++
		}
		if i == target-1 {
			// The last chunk absorbs the remainder.
			for binIdx < len(bins) {
				c.End = bins[binIdx].End
				c.Records += bins[binIdx].Records
				c.Groups += bins[binIdx].Groups
				binIdx++
			}
		}
		merged = append(merged, c)
	}
	return merged
}

// CountPass walks the stream once and returns its group boundaries
// for an exact-boundary second pass: targets[i] is the cumulative
// group count at which chunk i-1 must close.
func CountPass(ctx context.Context, stream TupleStream, target int) (records, groups uint64, targets []uint64, err error) {
	var (
		t        seqio.Tuple
		prevHash uint64
		prevName []byte
		open     bool
	)
	for stream.Scan(&t) {
		if err := ctx.Err(); err != nil {
			return 0, 0, nil, err
		}
		if !open || t.NameHash != prevHash || !bytes.Equal(t.Name, prevName) {
			groups++
			prevHash = t.NameHash
			prevName = append(prevName[:0], t.Name...)
			open = true
		}
		records += uint64(t.Records)
	}
	if err := stream.Err(); err != nil {
		return 0, 0, nil, err
	}
	if uint64(target) > groups {
		target = int(groups)
	}
	targets = make([]uint64, target)
	if target > 0 {
		q, r := groups/uint64(target), groups%uint64(target)
		for i := range targets {
			targets[i] = uint64(i)*q + uint64(i)*r/uint64(target)
		}
	}
	return records, groups, targets, nil
}

// TwoPassTargets installs exact group boundaries computed by
// CountPass for the second pass.
func (o *BuildOpts) TwoPassTargets(targets []uint64) {
	o.exactTargets = targets
	if len(targets) > 0 {
		o.TargetChunks = len(targets)
	}
}

// WalkerStream adapts a sequential walker to a TupleStream.
type WalkerStream struct {
	W seqio.Walker
}

func (s WalkerStream) Scan(t *seqio.Tuple) bool { return s.W.Scan(t) }
func (s WalkerStream) Err() error               { return s.W.Err() }

func maxU64(x, y uint64) uint64 {
	if y > x {
		return y
	}
	return x
}
