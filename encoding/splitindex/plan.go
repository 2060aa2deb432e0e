// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package splitindex

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/splitread/encoding/seqio"
)

// Plan is the byte/virtual range to stream for one requested chunk.
// The range covers whole stored chunks; stored chunks are never split,
// which preserves the query-group invariant.
type Plan struct {
	Start, End seqio.Pos
	Records    uint64
	Groups     uint64
	// Empty marks a requested chunk to which no stored chunk was
	// assigned (possible when n exceeds the stored chunk count).
	// The extractor emits only the header prelude and trailer.
	Empty bool
}

// Plan maps a requested chunk (c of n) onto stored chunks.  When n
// equals the stored chunk count the lookup is direct; otherwise stored
// chunks are grouped greedily so that boundary i falls at the first
// stored chunk whose cumulative group count reaches i*groups/n.
func (idx *Index) Plan(c, n int) (Plan, error) {
	if n <= 0 || c < 0 || c >= n {
		return Plan{}, errors.E(ErrChunkOutOfRange, fmt.Sprintf("chunk %d of %d", c, n))
	}
	if uint64(n) > idx.Groups {
		return Plan{}, errors.E(ErrChunkOutOfRange,
			fmt.Sprintf("cannot split %d query groups into %d chunks", idx.Groups, n))
	}
	if n == len(idx.Chunks) {
		return idx.planFor(c, c+1), nil
	}
	lo := idx.boundary(c, n)
	hi := idx.boundary(c+1, n)
	if lo == hi {
		return Plan{Empty: true}, nil
	}
	return idx.planFor(lo, hi), nil
}

func (idx *Index) planFor(lo, hi int) Plan {
	p := Plan{
		Start: idx.Chunks[lo].Start,
		End:   idx.Chunks[hi-1].End,
	}
	for i := lo; i < hi; i++ {
		p.Records += idx.Chunks[i].Records
		p.Groups += uint64(idx.Chunks[i].Groups)
	}
	return p
}

// boundary returns the index of the first stored chunk belonging to
// requested chunk i of n.  boundary(n, n) is the stored chunk count.
func (idx *Index) boundary(i, n int) int {
	if i >= n {
		return len(idx.Chunks)
	}
	// i*groups/n without overflow: split into quotient and remainder.
	q, r := idx.Groups/uint64(n), idx.Groups%uint64(n)
	target := uint64(i)*q + uint64(i)*r/uint64(n)
	// Snap forward to the first stored-chunk boundary with at least
	// target groups before it.
	cum := uint64(0)
	cums := make([]uint64, len(idx.Chunks))
	for j := range idx.Chunks {
		cums[j] = cum
		cum += uint64(idx.Chunks[j].Groups)
	}
	return sort.Search(len(cums), func(j int) bool { return cums[j] >= target })
}
