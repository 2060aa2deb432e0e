package splitter

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/splitread/encoding/bgzf"
	"github.com/grailbio/splitread/encoding/seqio"
	"github.com/grailbio/splitread/encoding/splitindex"
	"github.com/grailbio/splitread/source"
	"github.com/grailbio/testutil"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeFASTQText(pairs int) string {
	var sb strings.Builder
	for i := 0; i < pairs; i++ {
		for mate := 1; mate <= 2; mate++ {
			fmt.Fprintf(&sb, "@read%04d/%d\nACGTACGTAC\n+\nFFFFFFFFFF\n", i, mate)
		}
	}
	return sb.String()
}

// buildFileIndex indexes path and stamps the fingerprint the way the
// CLI does.
func buildFileIndex(t *testing.T, ctx context.Context, path string, opts BuildOpts) (*splitindex.Index, *source.Source) {
	src, err := source.Open(ctx, path)
	require.NoError(t, err)
	w, err := seqio.Open(src.Reader(ctx), seqio.WalkerOpts{})
	require.NoError(t, err)
	idx, err := Build(ctx, WalkerStream{W: w}, w, opts)
	require.NoError(t, err)

	size, err := src.Size(ctx)
	require.NoError(t, err)
	r, err := src.OpenAt(ctx, 0)
	require.NoError(t, err)
	sum, err := splitindex.Fingerprint(r, size)
	require.NoError(t, err)
	idx.SourceSize = uint64(size)
	idx.SourceHash = sum
	return idx, src
}

func extractChunk(t *testing.T, ctx context.Context, src *source.Source, idx *splitindex.Index, c, n int) []byte {
	var out bytes.Buffer
	require.NoError(t, Extract(ctx, src, idx, c, n, &out))
	return out.Bytes()
}

// gunzipAll inflates a (possibly multi-member) gzip stream.
func gunzipAll(t *testing.T, data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	out, err := ioutil.ReadAll(gz)
	require.NoError(t, err)
	return out
}

func TestExtractFASTQPlain(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	text := makeFASTQText(8)
	path := filepath.Join(tempDir, "reads.fq")
	require.NoError(t, ioutil.WriteFile(path, []byte(text), 0644))

	idx, src := buildFileIndex(t, ctx, path, BuildOpts{})
	defer src.Close(ctx) // nolint: errcheck
	assert.Equal(t, uint64(16), idx.Records)
	assert.Equal(t, uint64(8), idx.Groups)
	assert.NotZero(t, idx.Flags&splitindex.FlagPairedFASTQ)

	// Concatenating chunks 0..n-1 reproduces the file exactly, for
	// every n.
	for _, n := range []int{1, 2, 3, 4, 8} {
		var combined bytes.Buffer
		for c := 0; c < n; c++ {
			combined.Write(extractChunk(t, ctx, src, idx, c, n))
		}
		assert.Equal(t, text, combined.String(), "n=%d", n)
	}

	// Chunk 1 of 4 holds the third and fourth pairs: 4 records, 16
	// consecutive lines.
	lines := strings.Split(text, "\n")
	assert.Equal(t, strings.Join(lines[16:32], "\n")+"\n",
		string(extractChunk(t, ctx, src, idx, 1, 4)))

	// Extraction is idempotent.
	a := extractChunk(t, ctx, src, idx, 2, 4)
	b := extractChunk(t, ctx, src, idx, 2, 4)
	assert.Equal(t, a, b)

	// More chunks than query groups is rejected.
	err := Extract(ctx, src, idx, 0, 9, ioutil.Discard)
	assert.True(t, Is(err, splitindex.ErrChunkOutOfRange), "got %v", err)
	err = Extract(ctx, src, idx, 4, 4, ioutil.Discard)
	assert.True(t, Is(err, splitindex.ErrChunkOutOfRange), "got %v", err)
}

func TestExtractSourceMismatch(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	path := filepath.Join(tempDir, "reads.fq")
	require.NoError(t, ioutil.WriteFile(path, []byte(makeFASTQText(4)), 0644))
	idx, src := buildFileIndex(t, ctx, path, BuildOpts{})
	require.NoError(t, src.Close(ctx))

	// Flip one byte in place; same size, different content.
	raw, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	raw[10] ^= 1
	require.NoError(t, ioutil.WriteFile(path, raw, 0644))

	src2, err := source.Open(ctx, path)
	require.NoError(t, err)
	defer src2.Close(ctx) // nolint: errcheck
	var out bytes.Buffer
	err = Extract(ctx, src2, idx, 0, 2, &out)
	assert.True(t, Is(err, splitindex.ErrSourceMismatch), "got %v", err)
	// Nothing was emitted before the check.
	assert.Equal(t, 0, out.Len())
}

func TestExtractFASTQBGZF(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	text := makeFASTQText(3000)
	var compressed bytes.Buffer
	bw, err := bgzf.NewWriter(&compressed, 1)
	require.NoError(t, err)
	_, err = bw.Write([]byte(text))
	require.NoError(t, err)
	require.NoError(t, bw.Close())

	path := filepath.Join(tempDir, "reads.fq.gz")
	require.NoError(t, ioutil.WriteFile(path, compressed.Bytes(), 0644))

	idx, src := buildFileIndex(t, ctx, path, BuildOpts{})
	defer src.Close(ctx) // nolint: errcheck
	assert.Equal(t, uint64(6000), idx.Records)
	assert.Equal(t, uint64(3000), idx.Groups)

	// Chunk edges land mid-block (records are much smaller than a
	// BGZF block), exercising the inflate-and-re-deflate path.  The
	// inflated concatenation must reproduce the payload exactly.
	for _, n := range []int{1, 3, 7} {
		var combined bytes.Buffer
		for c := 0; c < n; c++ {
			chunk := extractChunk(t, ctx, src, idx, c, n)
			combined.Write(gunzipAll(t, chunk))
		}
		assert.Equal(t, text, combined.String(), "n=%d", n)
	}
}

func TestExtractFASTQGzip(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	text := makeFASTQText(16)
	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	_, err := zw.Write([]byte(text))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	path := filepath.Join(tempDir, "reads.fq.gz")
	require.NoError(t, ioutil.WriteFile(path, compressed.Bytes(), 0644))

	idx, src := buildFileIndex(t, ctx, path, BuildOpts{})
	defer src.Close(ctx) // nolint: errcheck

	var combined bytes.Buffer
	for c := 0; c < 4; c++ {
		combined.Write(gunzipAll(t, extractChunk(t, ctx, src, idx, c, 4)))
	}
	assert.Equal(t, text, combined.String())
}

// makeBAMBytes assembles a minimal BAM with one unmapped record per
// qname.
func makeBAMBytes(t *testing.T, qnames []string) []byte {
	var payload bytes.Buffer
	payload.WriteString("BAM\x01")
	var u32 [4]byte
	payload.Write(u32[:]) // l_text = 0
	payload.Write(u32[:]) // n_ref = 0
	for _, name := range qnames {
		rec := makeRawBAMRecord(name)
		binary.LittleEndian.PutUint32(u32[:], uint32(len(rec)))
		payload.Write(u32[:])
		payload.Write(rec)
	}
	var out bytes.Buffer
	bw, err := bgzf.NewWriter(&out, 1)
	require.NoError(t, err)
	_, err = bw.Write(payload.Bytes())
	require.NoError(t, err)
	require.NoError(t, bw.Close())
	return out.Bytes()
}

func makeBAMFile(t *testing.T, path string, qnames []string) {
	require.NoError(t, ioutil.WriteFile(path, makeBAMBytes(t, qnames), 0644))
}

func makeRawBAMRecord(name string) []byte {
	var rec bytes.Buffer
	write := func(v uint32) {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], v)
		rec.Write(tmp[:])
	}
	write(uint32(0xffffffff))          // refID = -1
	write(uint32(0xffffffff))          // pos = -1
	rec.WriteByte(byte(len(name) + 1)) // l_read_name
	rec.WriteByte(0)                   // mapq
	rec.Write([]byte{0x48, 0x12})      // bin 4680
	rec.Write([]byte{0, 0})            // n_cigar_op
	rec.Write([]byte{4, 0})            // flag: unmapped
	write(0)                           // l_seq
	write(uint32(0xffffffff))          // next_refID
	write(uint32(0xffffffff))          // next_pos
	write(0)                           // tlen
	rec.WriteString(name)
	rec.WriteByte(0)
	return rec.Bytes()
}

// walkNames runs a walker over an in-memory file image and returns
// the qnames in order.
func walkNames(t *testing.T, data []byte) []string {
	w, err := seqio.Open(bytes.NewReader(data), seqio.WalkerOpts{})
	require.NoError(t, err)
	var names []string
	var tu seqio.Tuple
	for w.Scan(&tu) {
		names = append(names, string(tu.Name))
	}
	require.NoError(t, w.Err())
	return names
}

func TestExtractBAM(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	// 10 query groups: sizes alternate 1 and 2.
	var qnames []string
	for g := 0; g < 10; g++ {
		qnames = append(qnames, fmt.Sprintf("grp%03d", g))
		if g%2 == 1 {
			qnames = append(qnames, fmt.Sprintf("grp%03d", g))
		}
	}
	path := filepath.Join(tempDir, "reads.bam")
	makeBAMFile(t, path, qnames)

	idx, src := buildFileIndex(t, ctx, path, BuildOpts{})
	defer src.Close(ctx) // nolint: errcheck
	assert.Equal(t, uint64(len(qnames)), idx.Records)
	assert.Equal(t, uint64(10), idx.Groups)

	for _, n := range []int{1, 2, 5, 10} {
		var all []string
		var prevLast string
		for c := 0; c < n; c++ {
			chunk := extractChunk(t, ctx, src, idx, c, n)
			names := walkNames(t, chunk)
			if len(names) > 0 {
				if prevLast != "" {
					// A query group never straddles chunks.
					assert.NotEqual(t, prevLast, names[0], "n=%d c=%d", n, c)
				}
				prevLast = names[len(names)-1]
			}
			all = append(all, names...)
		}
		assert.Equal(t, qnames, all, "n=%d", n)
	}

	// Chunk n-1 always holds the final record.
	lastChunk := extractChunk(t, ctx, src, idx, 9, 10)
	names := walkNames(t, lastChunk)
	require.NotEmpty(t, names)
	assert.Equal(t, qnames[len(qnames)-1], names[len(names)-1])
}

func TestPassThroughBAM(t *testing.T) {
	// Index a non-seekable BAM stream while teeing a re-encoded
	// copy; the index refers to the copy, and extraction from the
	// copy reproduces the records.
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	var qnames []string
	for g := 0; g < 12; g++ {
		qnames = append(qnames, fmt.Sprintf("pt%03d", g), fmt.Sprintf("pt%03d", g))
	}
	data := makeBAMBytes(t, qnames)

	w, err := seqio.Open(bytes.NewReader(data), seqio.WalkerOpts{CaptureRaw: true})
	require.NoError(t, err)
	sinkPath := filepath.Join(tempDir, "copy.bam")
	sink, err := NewSink(ctx, sinkPath, seqio.BAM, 1)
	require.NoError(t, err)
	idx, err := Build(ctx, WalkerStream{W: w}, w, BuildOpts{Sink: sink})
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	assert.NotZero(t, idx.Flags&splitindex.FlagPassThrough)
	assert.Equal(t, uint64(24), idx.Records)
	assert.Equal(t, uint64(12), idx.Groups)

	// The sink copy is itself a walkable BAM with the same records.
	copied, err := ioutil.ReadFile(sinkPath)
	require.NoError(t, err)
	assert.Equal(t, qnames, walkNames(t, copied))

	// Fingerprint and positions refer to the sink file.
	size := int64(len(copied))
	sum, err := splitindex.Fingerprint(bytes.NewReader(copied), size)
	require.NoError(t, err)
	idx.SourceSize = uint64(size)
	idx.SourceHash = sum

	src, err := source.Open(ctx, sinkPath)
	require.NoError(t, err)
	defer src.Close(ctx) // nolint: errcheck
	var all []string
	for c := 0; c < 4; c++ {
		all = append(all, walkNames(t, extractChunk(t, ctx, src, idx, c, 4))...)
	}
	assert.Equal(t, qnames, all)
}

func TestExtractStdinRejected(t *testing.T) {
	ctx := context.Background()
	src, err := source.Open(ctx, source.Stdin)
	require.NoError(t, err)
	idx := &splitindex.Index{
		Variant: seqio.FASTQ,
		Records: 1, Groups: 1,
		Chunks: []splitindex.ChunkEntry{{Start: 0, End: 10, Records: 1, Groups: 1}},
	}
	err = Extract(ctx, src, idx, 0, 1, ioutil.Discard)
	assert.Error(t, err)
}
