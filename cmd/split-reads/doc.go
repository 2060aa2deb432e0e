// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
split-reads builds and consumes split indexes (.si files) over
query-grouped read files so that any chunk c of n can be streamed on
demand without pre-splitting the file into physical shards.

Usage:

	split-reads index -i reads.bam [-o copy.bam] [-I reads.bam.si] \
	    [-t threads] [--target-records R | --target-chunks N]
	split-reads get-chunk -i reads.bam [-I reads.bam.si] -c C -n N [-o out.bam]
	split-reads tell -I reads.bam.si [--reads|--queries|--chunks]

Inputs may be SAM, BAM, CRAM or FASTQ (plain, gzip or BGZF
compressed), local or remote (s3://...).  "index -i -" reads from
stdin; with -o it simultaneously writes a re-encoded copy and the
emitted index then refers to the copy.

Exit codes: 0 ok, 2 usage, 3 I/O, 4 malformed input, 5 index/source
mismatch, 6 cancelled.
*/
package main
