package seqio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	gbgzf "github.com/grailbio/splitread/encoding/bgzf"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bgzfCompress frames data as BGZF, terminator included.
func bgzfCompress(t *testing.T, data []byte) []byte {
	var buf bytes.Buffer
	w, err := gbgzf.NewWriter(&buf, 1)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// makeFASTQ builds interleaved paired FASTQ text for n pairs.
func makeFASTQ(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		for mate := 1; mate <= 2; mate++ {
			fmt.Fprintf(&sb, "@read%d/%d\nACGT\n+\nFFFF\n", i, mate)
		}
	}
	return sb.String()
}

func scanAll(t *testing.T, w Walker) []Tuple {
	var out []Tuple
	var tu Tuple
	for w.Scan(&tu) {
		c := tu
		c.Name = append([]byte(nil), tu.Name...)
		c.Raw = append([]byte(nil), tu.Raw...)
		out = append(out, c)
	}
	require.NoError(t, w.Err())
	return out
}

func TestProbe(t *testing.T) {
	fastq := []byte("@r1\nACGT\n+\nFFFF\n")
	sam := []byte("@HD\tVN:1.6\n@SQ\tSN:chr1\tLN:100\n")
	samBody := []byte("r1\t4\t*\t0\t0\t*\t*\t0\t0\tACGT\tFFFF\n")
	bam := append([]byte("BAM\x01"), make([]byte, 8)...)

	for _, tc := range []struct {
		prefix      []byte
		variant     Variant
		compression Compression
	}{
		{fastq, FASTQ, Plain},
		{sam, SAM, Plain},
		{samBody, SAM, Plain},
		{[]byte("CRAM\x03\x00"), CRAM, Plain},
		{bgzfCompress(t, bam), BAM, BGZF},
		{bgzfCompress(t, fastq), FASTQ, BGZF},
		{bgzfCompress(t, sam), SAM, BGZF},
	} {
		variant, compression, err := Probe(tc.prefix)
		require.NoError(t, err)
		assert.Equal(t, tc.variant, variant)
		assert.Equal(t, tc.compression, compression)
	}

	_, _, err := Probe([]byte("not a read file"))
	assert.Error(t, err)
	_, _, err = Probe(nil)
	assert.Error(t, err)
}

func TestFASTQWalker(t *testing.T) {
	text := makeFASTQ(3)
	w, err := Open(strings.NewReader(text), WalkerOpts{})
	require.NoError(t, err)
	assert.Equal(t, FASTQ, w.Variant())

	tuples := scanAll(t, w)
	require.Len(t, tuples, 6)
	assert.True(t, w.Paired())

	// Mates share a normalized name; consecutive positions tile the
	// file exactly.
	for i, tu := range tuples {
		assert.Equal(t, fmt.Sprintf("read%d", i/2), string(tu.Name))
		if i > 0 {
			assert.Equal(t, tuples[i-1].End, tu.Start)
		}
	}
	assert.Equal(t, Pos(0), tuples[0].Start)
	assert.Equal(t, Pos(len(text)), tuples[5].End)

	// Pair mates hash equal, different reads hash differently.
	assert.Equal(t, tuples[0].NameHash, tuples[1].NameHash)
	assert.NotEqual(t, tuples[1].NameHash, tuples[2].NameHash)
}

func TestFASTQWalkerCasavaPairs(t *testing.T) {
	text := "@r1 1:N:0:ATGC\nAC\n+\nFF\n@r1 2:N:0:ATGC\nGT\n+\nFF\n"
	w, err := Open(strings.NewReader(text), WalkerOpts{})
	require.NoError(t, err)
	tuples := scanAll(t, w)
	require.Len(t, tuples, 2)
	assert.True(t, w.Paired())
	assert.Equal(t, tuples[0].NameHash, tuples[1].NameHash)
	assert.Equal(t, "r1", string(tuples[0].Name))
}

func TestFASTQWalkerMalformed(t *testing.T) {
	var tu Tuple

	// Missing '+' separator.
	w, err := Open(strings.NewReader("@r1\nACGT\nFFFF\n@r2\n"), WalkerOpts{})
	require.NoError(t, err)
	for w.Scan(&tu) {
	}
	assert.Error(t, w.Err())

	// Truncated quartet.
	w, err = Open(strings.NewReader("@r1\nACGT\n+\n"), WalkerOpts{})
	require.NoError(t, err)
	for w.Scan(&tu) {
	}
	assert.Error(t, w.Err())
}

func TestFASTQWalkerBGZF(t *testing.T) {
	text := makeFASTQ(1000)
	compressed := bgzfCompress(t, []byte(text))
	w, err := Open(bytes.NewReader(compressed), WalkerOpts{})
	require.NoError(t, err)
	assert.Equal(t, BGZF, w.Compression())

	tuples := scanAll(t, w)
	require.Len(t, tuples, 2000)

	// Virtual offsets: the first record starts at block 0 offset 0;
	// all coffsets point at BGZF block headers.
	assert.Equal(t, Pos(0), tuples[0].Start)
	for _, tu := range tuples {
		off := tu.Start.File()
		require.True(t, off < int64(len(compressed)))
		if tu.Start.Block() == 0 {
			bsize, err := BlockSize(compressed[off:])
			require.NoError(t, err)
			require.True(t, bsize > 0)
		}
	}
}

func TestFASTQWalkerGzip(t *testing.T) {
	text := makeFASTQ(4)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(text))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	w, err := Open(bytes.NewReader(buf.Bytes()), WalkerOpts{})
	require.NoError(t, err)
	assert.Equal(t, Gzip, w.Compression())
	tuples := scanAll(t, w)
	require.Len(t, tuples, 8)
	// Positions are uncompressed byte offsets.
	assert.Equal(t, Pos(len(text)), tuples[7].End)
}

func TestSAMWalker(t *testing.T) {
	header := "@HD\tVN:1.6\n@SQ\tSN:chr1\tLN:1000\n"
	lines := []string{
		"q1\t99\tchr1\t1\t60\t4M\t=\t1\t4\tACGT\tFFFF",
		"q1\t147\tchr1\t1\t60\t4M\t=\t1\t4\tACGT\tFFFF",
		"q2\t4\t*\t0\t0\t*\t*\t0\t0\tAC\tFF",
	}
	text := header + strings.Join(lines, "\n") + "\n"

	w, err := Open(strings.NewReader(text), WalkerOpts{CaptureRaw: true})
	require.NoError(t, err)
	assert.Equal(t, SAM, w.Variant())
	assert.Equal(t, header, string(w.Header()))
	assert.Equal(t, Pos(len(header)), w.HeaderEnd())

	tuples := scanAll(t, w)
	require.Len(t, tuples, 3)
	assert.Equal(t, "q1", string(tuples[0].Name))
	assert.Equal(t, "q1", string(tuples[1].Name))
	assert.Equal(t, "q2", string(tuples[2].Name))
	assert.Equal(t, Pos(len(header)), tuples[0].Start)
	assert.Equal(t, Pos(len(text)), tuples[2].End)
	assert.Equal(t, lines[0]+"\n", string(tuples[0].Raw))
}

func TestSAMWalkerMalformed(t *testing.T) {
	w, err := Open(strings.NewReader("@HD\tVN:1.6\nnot\tenough\tfields\n"), WalkerOpts{})
	require.NoError(t, err)
	var tu Tuple
	for w.Scan(&tu) {
	}
	assert.Error(t, w.Err())
}

// makeBAM assembles a minimal BAM: empty binary header plus one
// unmapped record per query name.
func makeBAM(t *testing.T, qnames []string) []byte {
	var payload bytes.Buffer
	payload.WriteString("BAM\x01")
	writeU32(&payload, 0) // l_text
	writeU32(&payload, 0) // n_ref
	for _, name := range qnames {
		payload.Write(makeBAMRecord(name))
	}
	return bgzfCompress(t, payload.Bytes())
}

func makeBAMRecord(name string) []byte {
	var rec bytes.Buffer
	writeU32(&rec, uint32(32+len(name)+1)) // block_size
	writeI32(&rec, -1)                     // refID
	writeI32(&rec, -1)                     // pos
	rec.WriteByte(byte(len(name) + 1))     // l_read_name
	rec.WriteByte(0)                       // mapq
	writeU16(&rec, 4680)                   // bin
	writeU16(&rec, 0)                      // n_cigar_op
	writeU16(&rec, 4)                      // flag: unmapped
	writeU32(&rec, 0)                      // l_seq
	writeI32(&rec, -1)                     // next_refID
	writeI32(&rec, -1)                     // next_pos
	writeI32(&rec, 0)                      // tlen
	rec.WriteString(name)
	rec.WriteByte(0)
	return rec.Bytes()
}

func writeU32(b *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}

func writeI32(b *bytes.Buffer, v int32) { writeU32(b, uint32(v)) }

func writeU16(b *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.Write(tmp[:])
}

func TestBAMWalker(t *testing.T) {
	qnames := []string{"q1", "q1", "q2", "q3", "q3"}
	data := makeBAM(t, qnames)

	w, err := Open(bytes.NewReader(data), WalkerOpts{CaptureRaw: true})
	require.NoError(t, err)
	assert.Equal(t, BAM, w.Variant())
	assert.Equal(t, BGZF, w.Compression())

	tuples := scanAll(t, w)
	require.Len(t, tuples, len(qnames))
	for i, tu := range tuples {
		assert.Equal(t, qnames[i], string(tu.Name))
		assert.Equal(t, 1, tu.Records)
		assert.Equal(t, makeBAMRecord(qnames[i]), tu.Raw)
	}
	// The first record follows the header inside the same block.
	assert.Equal(t, w.HeaderEnd(), tuples[0].Start)
	assert.True(t, tuples[0].Start.Block() > 0)
}

func TestBAMWalkerTruncated(t *testing.T) {
	data := makeBAM(t, []string{"q1", "q2"})
	// Cut into the middle of the final block.  Depending on where
	// the cut lands the failure surfaces at open or at scan.
	w, err := Open(bytes.NewReader(data[:len(data)-30]), WalkerOpts{})
	if err == nil {
		var tu Tuple
		for w.Scan(&tu) {
		}
		err = w.Err()
	}
	assert.Error(t, err)
}
