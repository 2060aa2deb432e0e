// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package splitter

import (
	"context"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/splitread/encoding/seqio"
	"github.com/grailbio/splitread/source"
)

// shardBatchSize is how many tuples a worker hands to the merger at a
// time; shardQueueDepth bounds how far ahead of the merger a worker
// may run.  Together they implement the builder's backpressure: a
// walker blocks pushing once its queue is full.
const (
	shardBatchSize  = 1024
	shardQueueDepth = 4
)

// ShardedStream walks an uncompressed SAM or FASTQ source with
// parallel workers and merges their tuple runs in source-position
// order.  Worker i owns the records that start in its byte range;
// groups straddling a shard boundary are reassembled at merge time by
// the builder's name comparison, so a straddling group lands in the
// left shard's chunk.
//
// Compressed sources are not sharded: BGZF and gzip streams carry no
// record-boundary markers a mid-stream worker could resynchronize on,
// and BGZF decompression is already parallel inside the sequential
// walker.
type ShardedStream struct {
	lead   seqio.Walker
	chans  []chan []seqio.Tuple
	paired []bool
	cancel context.CancelFunc
	werr   errors.Once
	done   chan struct{}

	cur  []seqio.Tuple
	idx  int
	widx int
	err  error
}

// Shardable reports whether the source can be walked in parallel.
func Shardable(w seqio.Walker, src *source.Source, parallelism int) bool {
	if parallelism <= 1 || !src.Seekable() || w.Compression() != seqio.Plain {
		return false
	}
	return w.Variant() == seqio.SAM || w.Variant() == seqio.FASTQ
}

// NewShardedStream fans parallelism workers over the record region of
// src.  lead must be the sequential walker already opened on src (its
// header, if any, has been consumed); it becomes worker 0.
func NewShardedStream(ctx context.Context, src *source.Source, lead seqio.Walker, size int64, parallelism int) *ShardedStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &ShardedStream{
		lead:   lead,
		chans:  make([]chan []seqio.Tuple, parallelism),
		paired: make([]bool, parallelism),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for i := range s.chans {
		s.chans[i] = make(chan []seqio.Tuple, shardQueueDepth)
	}
	first := int64(lead.HeaderEnd())
	span := size - first
	bounds := make([]int64, parallelism+1)
	for i := 0; i <= parallelism; i++ {
		bounds[i] = first + span*int64(i)/int64(parallelism)
	}
	log.Debug.Printf("sharded walk: %d workers over [%d, %d)", parallelism, first, size)

	go func() {
		s.werr.Set(traverse.Each(parallelism, func(i int) error {
			defer close(s.chans[i])
			return s.runWorker(ctx, src, i, bounds[i], bounds[i+1])
		}))
		close(s.done)
	}()
	return s
}

func (s *ShardedStream) runWorker(ctx context.Context, src *source.Source, i int, start, end int64) error {
	if start >= end {
		return nil
	}
	var w seqio.Walker
	if i == 0 {
		w = s.lead
	} else {
		// Resynchronization starts one byte early: the skipped
		// "partial" line then ends exactly at start when start
		// itself is a line boundary, so a record beginning
		// precisely at the shard edge is still claimed.
		r, err := src.OpenAt(ctx, start-1)
		if err != nil {
			return err
		}
		var pos seqio.Pos
		if s.lead.Variant() == seqio.FASTQ {
			pos, err = seqio.ResyncFASTQ(r, seqio.Pos(start-1))
		} else {
			pos, err = seqio.ResyncSAM(r, seqio.Pos(start-1))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if pos >= seqio.Pos(end) {
			// The whole shard is the tail of the previous
			// worker's last record.
			return nil
		}
		r, err = src.OpenAt(ctx, int64(pos))
		if err != nil {
			return err
		}
		if s.lead.Variant() == seqio.FASTQ {
			w = seqio.OpenFASTQAt(r, pos, false)
		} else {
			w = seqio.OpenSAMAt(r, pos, false)
		}
	}

	batch := make([]seqio.Tuple, 0, shardBatchSize)
	push := func() error {
		if len(batch) == 0 {
			return nil
		}
		select {
		case s.chans[i] <- batch:
			batch = make([]seqio.Tuple, 0, shardBatchSize)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	var t seqio.Tuple
	for w.Scan(&t) {
		if t.Start >= seqio.Pos(end) {
			// First record of the next shard.
			break
		}
		c := t
		c.Name = append([]byte(nil), t.Name...)
		c.Raw = nil
		batch = append(batch, c)
		if len(batch) == shardBatchSize {
			if err := push(); err != nil {
				return err
			}
		}
	}
	if err := w.Err(); err != nil {
		return err
	}
	s.paired[i] = w.Paired()
	return push()
}

// Scan implements TupleStream, yielding tuples in source-position
// order: each worker's run is consumed fully before the next
// worker's.
func (s *ShardedStream) Scan(t *seqio.Tuple) bool {
	for {
		if s.idx < len(s.cur) {
			*t = s.cur[s.idx]
			s.idx++
			return true
		}
		if s.widx >= len(s.chans) {
			<-s.done
			s.err = s.werr.Err()
			s.cancel()
			return false
		}
		batch, ok := <-s.chans[s.widx]
		if !ok {
			s.widx++
			continue
		}
		s.cur, s.idx = batch, 0
	}
}

// Err returns the first worker error, if any.
func (s *ShardedStream) Err() error { return s.err }

// Cancel stops the workers; it is safe to call at any time.
func (s *ShardedStream) Cancel() { s.cancel() }

// Variant, Header and Paired implement StreamMeta.
func (s *ShardedStream) Variant() seqio.Variant { return s.lead.Variant() }

// Header returns the lead walker's header prelude.
func (s *ShardedStream) Header() []byte { return s.lead.Header() }

// Paired reports whether any worker saw paired FASTQ records.
func (s *ShardedStream) Paired() bool {
	for _, p := range s.paired {
		if p {
			return true
		}
	}
	return false
}

var (
	_ TupleStream = (*ShardedStream)(nil)
	_ StreamMeta  = (*ShardedStream)(nil)
)
