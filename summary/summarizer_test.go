// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package summary

import (
	"context"
	"testing"
	"time"

	"github.com/pgcore/walreader/internal/base"
	"github.com/pgcore/walreader/internal/walgen"
	"github.com/pgcore/walreader/record"
	"github.com/pgcore/walreader/rmgr"
	"github.com/pgcore/walreader/vfs"
	"github.com/pgcore/walreader/wal"
	"github.com/stretchr/testify/require"
)

const testSegSize = 1 << 20

func testSummarizer(t *testing.T, g *walgen.Generator, opts Options) *Summarizer {
	t.Helper()
	fs := vfs.NewMem()
	require.NoError(t, g.WriteSegments(fs, "wal"))
	sr := wal.NewSegmentReader(wal.SegmentReaderOptions{
		FS:          fs,
		Dir:         "wal",
		SegmentSize: testSegSize,
		Timeline:    1,
	})
	t.Cleanup(func() { _ = sr.Close() })
	if opts.FS == nil {
		opts.FS = fs
	}
	if opts.Dir == "" {
		opts.Dir = "summaries"
	}
	return NewSummarizer(wal.NewReader(sr, wal.ReaderOptions{}), opts)
}

func refSpec(rel base.RelFileLocator, fork base.ForkNumber, blk base.BlockNumber) *record.RecordSpec {
	return &record.RecordSpec{
		RmgrID: rmgr.IDHeap,
		Xid:    7,
		Blocks: []record.BlockSpec{{
			ID: 0, Rel: rel, Fork: fork, Block: blk, Data: []byte("tuple"),
		}},
	}
}

func TestSummarizeBlockRefs(t *testing.T) {
	relA, relB := tableRel(16384), tableRel(16385)
	g := walgen.New(walgen.Config{SegmentSize: testSegSize})
	start := g.Append(refSpec(relA, base.MainFork, 3))
	g.Append(refSpec(relA, base.MainFork, 3))
	g.Append(refSpec(relA, base.MainFork, 9))
	g.Append(refSpec(relB, base.VisibilityMapFork, 0))
	// FSM blocks are not tracked.
	g.Append(refSpec(relB, base.FSMFork, 1))
	limit := g.InsertLSN()

	s := testSummarizer(t, g, Options{})
	table, rng, err := s.Summarize(context.Background(), start, limit, true)
	require.NoError(t, err)
	require.Equal(t, SummaryRange{Start: start, End: limit}, rng)

	require.Equal(t, 2, table.Len())
	require.Equal(t, []base.BlockNumber{3, 9},
		entryBlocks(t, table.Entry(relA, base.MainFork)))
	require.Equal(t, []base.BlockNumber{0},
		entryBlocks(t, table.Entry(relB, base.VisibilityMapFork)))
	require.Nil(t, table.Entry(relB, base.FSMFork))
}

func TestSummarizeTruncate(t *testing.T) {
	rel := tableRel(16400)
	g := walgen.New(walgen.Config{SegmentSize: testSegSize})
	start := g.Append(refSpec(rel, base.MainFork, 2))
	g.Append(refSpec(rel, base.MainFork, 8))
	g.Append(refSpec(rel, base.VisibilityMapFork, 1))
	trunc := rmgr.SmgrTruncate{
		Block: 4,
		Rel:   rel,
		Flags: rmgr.SmgrTruncateHeap | rmgr.SmgrTruncateVM,
	}
	g.Append(&record.RecordSpec{
		RmgrID:   rmgr.IDSmgr,
		Info:     rmgr.SmgrTruncateOp,
		MainData: trunc.Encode(),
	})
	limit := g.InsertLSN()

	s := testSummarizer(t, g, Options{})
	table, _, err := s.Summarize(context.Background(), start, limit, true)
	require.NoError(t, err)

	main := table.Entry(rel, base.MainFork)
	require.Equal(t, base.BlockNumber(4), main.LimitBlock())
	require.Equal(t, []base.BlockNumber{2}, entryBlocks(t, main))

	vm := table.Entry(rel, base.VisibilityMapFork)
	require.Equal(t, base.BlockNumber(4), vm.LimitBlock())
	require.Equal(t, []base.BlockNumber{1}, entryBlocks(t, vm))
}

func TestSummarizeCreateAndDrop(t *testing.T) {
	rel := tableRel(16500)
	g := walgen.New(walgen.Config{SegmentSize: testSegSize})
	start := g.Append(refSpec(rel, base.MainFork, 5))
	create := rmgr.SmgrCreate{Rel: rel, Fork: base.MainFork}
	g.Append(&record.RecordSpec{
		RmgrID:   rmgr.IDSmgr,
		Info:     rmgr.SmgrCreateOp,
		MainData: create.Encode(),
	})
	drop := rmgr.DbaseDrop{DBOid: 5, Tablespaces: []base.Oid{1663, 1700}}
	g.Append(&record.RecordSpec{
		RmgrID:   rmgr.IDDbase,
		Info:     rmgr.DbaseDropOp,
		MainData: drop.Encode(),
	})
	limit := g.InsertLSN()

	s := testSummarizer(t, g, Options{})
	table, _, err := s.Summarize(context.Background(), start, limit, true)
	require.NoError(t, err)

	// The create zeroed the limit and forgot the earlier block.
	main := table.Entry(rel, base.MainFork)
	require.Equal(t, base.BlockNumber(0), main.LimitBlock())
	require.Empty(t, entryBlocks(t, main))

	// The drop marked each tablespace/database pair with relation
	// number zero.
	for _, spc := range drop.Tablespaces {
		wildcard := base.RelFileLocator{SpcOid: spc, DBOid: 5}
		e := table.Entry(wildcard, base.MainFork)
		require.NotNil(t, e)
		require.Equal(t, base.BlockNumber(0), e.LimitBlock())
	}
}

func TestSummarizeXactDrops(t *testing.T) {
	rel := tableRel(16600)
	g := walgen.New(walgen.Config{SegmentSize: testSegSize})
	start := g.Append(refSpec(rel, base.MainFork, 1))
	g.Append(refSpec(rel, base.VisibilityMapFork, 0))
	commit := rmgr.XactCompletion{Timestamp: 1234, DroppedRels: []base.RelFileLocator{rel}}
	g.Append(&record.RecordSpec{
		RmgrID:   rmgr.IDXact,
		Info:     rmgr.XactCommit,
		Xid:      7,
		MainData: commit.Encode(),
	})
	limit := g.InsertLSN()

	s := testSummarizer(t, g, Options{})
	table, _, err := s.Summarize(context.Background(), start, limit, true)
	require.NoError(t, err)

	for _, fork := range []base.ForkNumber{base.MainFork, base.VisibilityMapFork, base.InitFork} {
		e := table.Entry(rel, fork)
		require.NotNil(t, e, "fork %s", fork)
		require.Equal(t, base.BlockNumber(0), e.LimitBlock())
		require.Empty(t, entryBlocks(t, e))
	}
	require.Nil(t, table.Entry(rel, base.FSMFork))
}

func TestSummarizeCheckpointBoundary(t *testing.T) {
	rel := tableRel(16700)
	g := walgen.New(walgen.Config{SegmentSize: testSegSize})
	start := g.Append(refSpec(rel, base.MainFork, 1))
	ckpt := g.Append(&record.RecordSpec{
		RmgrID:   rmgr.IDXLog,
		Info:     rmgr.XLogCheckpointRedo,
		MainData: make([]byte, 4),
	})
	g.Append(refSpec(rel, base.MainFork, 2))
	limit := g.InsertLSN()

	s := testSummarizer(t, g, Options{})

	// The first range stops just before the checkpoint record.
	table, rng, err := s.Summarize(context.Background(), start, limit, true)
	require.NoError(t, err)
	require.Equal(t, SummaryRange{Start: start, End: ckpt}, rng)
	require.Equal(t, []base.BlockNumber{1},
		entryBlocks(t, table.Entry(rel, base.MainFork)))

	// The next range opens with the checkpoint record and carries on.
	table, rng, err = s.Summarize(context.Background(), ckpt, limit, true)
	require.NoError(t, err)
	require.Equal(t, SummaryRange{Start: ckpt, End: limit}, rng)
	require.Equal(t, []base.BlockNumber{2},
		entryBlocks(t, table.Entry(rel, base.MainFork)))
}

func TestSummarizeEndOfWAL(t *testing.T) {
	rel := tableRel(16800)
	g := walgen.New(walgen.Config{SegmentSize: testSegSize})
	start := g.Append(refSpec(rel, base.MainFork, 1))
	end := g.InsertLSN()

	s := testSummarizer(t, g, Options{})

	// A limit past the readable WAL finishes the range at what was
	// actually there.
	table, rng, err := s.Summarize(context.Background(), start, end+base.PageSize, true)
	require.NoError(t, err)
	require.Equal(t, start, rng.Start)
	require.Equal(t, end, rng.End)
	require.Equal(t, 1, table.Len())
}

func TestSummarizeInexactStart(t *testing.T) {
	rel := tableRel(16900)
	g := walgen.New(walgen.Config{SegmentSize: testSegSize})
	first := g.Append(refSpec(rel, base.MainFork, 1))
	g.Append(refSpec(rel, base.MainFork, 2))
	limit := g.InsertLSN()

	s := testSummarizer(t, g, Options{})
	table, rng, err := s.Summarize(context.Background(), first+1, limit, false)
	require.NoError(t, err)
	// The scan lands on the next record boundary.
	require.Greater(t, rng.Start, first)
	require.Equal(t, limit, rng.End)
	require.Equal(t, []base.BlockNumber{2},
		entryBlocks(t, table.Entry(rel, base.MainFork)))
}

func TestSummarizeWaitsForWAL(t *testing.T) {
	rel := tableRel(17000)
	g := walgen.New(walgen.Config{SegmentSize: testSegSize})
	start := g.Append(refSpec(rel, base.MainFork, 1))

	s := testSummarizer(t, g, Options{Quantum: time.Millisecond})

	// Without a limit the summarizer keeps waiting for WAL that will
	// never arrive; cancellation is the only way out.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := s.Summarize(ctx, start, base.InvalidLSN, true)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSummarizerBackoff(t *testing.T) {
	s := NewSummarizer(nil, Options{Quantum: time.Nanosecond})
	ctx := context.Background()

	// Idle sleeps double the quanta up to the cap.
	require.EqualValues(t, 1, s.sleepQuanta)
	for _, want := range []int64{2, 4, 8} {
		require.NoError(t, s.waitForWAL(ctx))
		require.EqualValues(t, want, s.sleepQuanta)
	}

	// A single page of progress holds the sleep steady.
	s.pagesRead = 1
	require.NoError(t, s.waitForWAL(ctx))
	require.EqualValues(t, 8, s.sleepQuanta)

	// A modest burst shortens it; a large burst resets to one quantum.
	s.pagesRead = 3
	require.NoError(t, s.waitForWAL(ctx))
	require.EqualValues(t, 5, s.sleepQuanta)
	s.pagesRead = 100
	require.NoError(t, s.waitForWAL(ctx))
	require.EqualValues(t, 1, s.sleepQuanta)

	// The cap bounds the doubling.
	s.sleepQuanta = maxSleepQuanta
	require.NoError(t, s.waitForWAL(ctx))
	require.EqualValues(t, maxSleepQuanta, s.sleepQuanta)

	// Cancellation interrupts the sleep.
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, s.waitForWAL(canceled), context.Canceled)
}

func TestSummaryFileRoundTrip(t *testing.T) {
	rel := tableRel(17100)
	g := walgen.New(walgen.Config{SegmentSize: testSegSize})
	start := g.Append(refSpec(rel, base.MainFork, 6))
	g.Append(refSpec(rel, base.MainFork, 7))
	limit := g.InsertLSN()

	fs := vfs.NewMem()
	s := testSummarizer(t, g, Options{FS: fs, Dir: "summaries", Timeline: 3})
	table, rng, err := s.Summarize(context.Background(), start, limit, true)
	require.NoError(t, err)

	path, err := s.WriteSummary(table, rng)
	require.NoError(t, err)
	require.Equal(t, base.SummaryFilename(3, rng.Start, rng.End), fs.PathBase(path))

	// The temporary file was renamed away.
	names, err := fs.List("summaries")
	require.NoError(t, err)
	require.Equal(t, []string{fs.PathBase(path)}, names)

	got, err := ReadSummaryFile(fs, path)
	require.NoError(t, err)
	require.Equal(t, []base.BlockNumber{6, 7},
		entryBlocks(t, got.Entry(rel, base.MainFork)))
}
