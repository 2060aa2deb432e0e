// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package source opens read files uniformly over local paths, remote
// URLs (s3://, and whatever else the file registry provides), and
// stdin.  It adds two capabilities the indexing and extraction engines
// need: positioned reopen at a byte offset, and bounded retry of
// transient read failures against remote stores.
package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
)

// Stdin is the pseudo-path naming the standard input.
const Stdin = "-"

// maxReadAttempts bounds retries of a failing read before the error
// becomes fatal.
const maxReadAttempts = 5

// readRetryPolicy spaces retries of transient remote read failures.
var readRetryPolicy = retry.Backoff(500*time.Millisecond, 30*time.Second, 2)

// ErrNotSeekable is returned by positioned operations on stdin.
var ErrNotSeekable = errors.New("source is not seekable")

// Source is an opened read file.
type Source struct {
	name  string
	f     file.File
	stdin bool

	mu     sync.Mutex
	extras []file.File // positioned handles, closed with the Source
}

// Open opens path, which may be local, a remote URL, or "-" for
// stdin.
func Open(ctx context.Context, path string) (*Source, error) {
	if path == Stdin {
		return &Source{name: Stdin, stdin: true}, nil
	}
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Source{name: path, f: f}, nil
}

// Name returns the path the source was opened with.
func (s *Source) Name() string { return s.name }

// Seekable reports whether positioned opens are possible.
func (s *Source) Seekable() bool { return !s.stdin }

// Size returns the source size in bytes.  It fails for stdin.
func (s *Source) Size(ctx context.Context) (int64, error) {
	if s.stdin {
		return 0, errors.E(ErrNotSeekable, "stdin has no size")
	}
	info, err := s.f.Stat(ctx)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Reader returns a sequential reader positioned at the start of the
// source.  Reads of non-stdin sources retry transient failures with
// exponential backoff, seeking the same handle back to the last good
// offset.
func (s *Source) Reader(ctx context.Context) io.Reader {
	if s.stdin {
		return os.Stdin
	}
	return &retryReader{ctx: ctx, f: s.f, r: s.f.Reader(ctx)}
}

// OpenAt returns a reader positioned at off, for chunk extraction and
// parallel walkers.  Each call opens an independent handle, so
// returned readers may be used concurrently; they are released when
// the Source is closed.
func (s *Source) OpenAt(ctx context.Context, off int64) (io.Reader, error) {
	if s.stdin {
		return nil, errors.E(ErrNotSeekable, "cannot seek stdin")
	}
	f, err := file.Open(ctx, s.name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.extras = append(s.extras, f)
	s.mu.Unlock()
	r := &retryReader{ctx: ctx, f: f, r: f.Reader(ctx), off: off}
	if _, err := r.r.Seek(off, io.SeekStart); err != nil {
		return nil, err
	}
	return r, nil
}

// Close releases the source and every reader OpenAt handed out.
func (s *Source) Close(ctx context.Context) error {
	if s.stdin {
		return nil
	}
	err := s.f.Close(ctx)
	s.mu.Lock()
	extras := s.extras
	s.extras = nil
	s.mu.Unlock()
	for _, f := range extras {
		if cerr := f.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// retryReader reads through a file.File reader, retrying failed reads
// a bounded number of times.  Reads are idempotent (plain ranged
// GETs under the remote implementations), so a retry simply seeks
// back to the last committed offset.
type retryReader struct {
	ctx context.Context
	f   file.File
	r   io.ReadSeeker
	off int64
}

func (r *retryReader) Read(p []byte) (int, error) {
	for attempt := 0; ; attempt++ {
		n, err := r.r.Read(p)
		r.off += int64(n)
		if err == nil || err == io.EOF || n > 0 {
			return n, err
		}
		if r.ctx.Err() != nil {
			return 0, r.ctx.Err()
		}
		if attempt+1 >= maxReadAttempts {
			return 0, errors.E(err, fmt.Sprintf("read failed after %d attempts", maxReadAttempts), r.f.Name())
		}
		log.Error.Printf("%s: transient read error at offset %d (attempt %d): %v",
			r.f.Name(), r.off, attempt+1, err)
		if werr := retry.Wait(r.ctx, readRetryPolicy, attempt); werr != nil {
			return 0, werr
		}
		if _, serr := r.r.Seek(r.off, io.SeekStart); serr != nil {
			return 0, errors.E(serr, "reseeking after failed read")
		}
	}
}
