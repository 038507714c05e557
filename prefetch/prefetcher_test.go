// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package prefetch

import (
	"testing"

	"github.com/pgcore/walreader/internal/base"
	"github.com/pgcore/walreader/internal/walgen"
	"github.com/pgcore/walreader/record"
	"github.com/pgcore/walreader/rmgr"
	"github.com/pgcore/walreader/vfs"
	"github.com/pgcore/walreader/wal"
	"github.com/stretchr/testify/require"
)

const testSegSize = 1 << 20

type prefetchCall struct {
	rel  base.RelFileLocator
	fork base.ForkNumber
	blk  base.BlockNumber
}

// testBuffers records every Prefetch call. By default every call
// reports initiated IO; results can override per block.
type testBuffers struct {
	calls   []prefetchCall
	results map[prefetchCall]PrefetchResult
}

func (b *testBuffers) Prefetch(
	rel base.RelFileLocator, fork base.ForkNumber, blk base.BlockNumber,
) PrefetchResult {
	c := prefetchCall{rel: rel, fork: fork, blk: blk}
	b.calls = append(b.calls, c)
	if r, ok := b.results[c]; ok {
		return r
	}
	return PrefetchResult{InitiatedIO: true, Buffer: -1}
}

func (b *testBuffers) callsFor(rel base.RelFileLocator) int {
	n := 0
	for _, c := range b.calls {
		if c.rel == rel {
			n++
		}
	}
	return n
}

// testStorage reports every relation as present and comfortably large
// unless overridden.
type testStorage struct {
	missing map[base.RelFileLocator]bool
	sizes   map[base.RelFileLocator]base.BlockNumber
}

func (s *testStorage) RelationExists(rel base.RelFileLocator) bool {
	return !s.missing[rel]
}

func (s *testStorage) RelationSize(rel base.RelFileLocator, _ base.ForkNumber) base.BlockNumber {
	if n, ok := s.sizes[rel]; ok {
		return n
	}
	return 1 << 20
}

func testPrefetcher(t *testing.T, g *walgen.Generator, opts Options) *Prefetcher {
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
	return NewPrefetcher(wal.NewReader(sr, wal.ReaderOptions{}), opts)
}

func blockRefSpec(rel base.RelFileLocator, blk base.BlockNumber) *record.RecordSpec {
	return &record.RecordSpec{
		RmgrID: rmgr.IDHeap,
		Xid:    7,
		Blocks: []record.BlockSpec{{
			ID: 0, Rel: rel, Fork: base.MainFork, Block: blk, Data: []byte("tuple"),
		}},
	}
}

func noopSpec() *record.RecordSpec {
	return &record.RecordSpec{RmgrID: rmgr.IDHeap, Xid: 7, MainData: []byte("noop")}
}

// TestPrefetcherSuppressesNewRelation checks that a relation-create
// record stops blocks of that relation from being prefetched until the
// create has been replayed.
func TestPrefetcherSuppressesNewRelation(t *testing.T) {
	rel := testRel(16384)
	g := walgen.New(walgen.Config{SegmentSize: testSegSize})
	start := g.Append(noopSpec())
	create := rmgr.SmgrCreate{Rel: rel, Fork: base.MainFork}
	createLSN := g.Append(&record.RecordSpec{
		RmgrID:   rmgr.IDSmgr,
		Info:     rmgr.SmgrCreateOp,
		MainData: create.Encode(),
	})
	refLSN := g.Append(blockRefSpec(rel, 0))

	buffers := &testBuffers{}
	p := testPrefetcher(t, g, Options{
		MaxInflight: 2,
		Storage:     &testStorage{},
		Buffers:     buffers,
	})
	require.NoError(t, p.BeginRead(start))

	rec, err := p.NextRecord()
	require.NoError(t, err)
	require.Equal(t, start, rec.LSN)

	// Returning the create record also looked ahead to the block
	// reference; the filter suppressed its prefetch.
	rec, err = p.NextRecord()
	require.NoError(t, err)
	require.Equal(t, createLSN, rec.LSN)
	require.Zero(t, buffers.callsFor(rel))
	require.Equal(t, uint64(1), p.Stats().Snapshot().SkipNew)

	rec, err = p.NextRecord()
	require.NoError(t, err)
	require.Equal(t, refLSN, rec.LSN)
	require.Zero(t, buffers.callsFor(rel))

	_, err = p.NextRecord()
	require.ErrorIs(t, err, wal.ErrTruncated)
}

// TestPrefetcherRepeatWindow feeds five consecutive references to the
// same block and expects one prefetch and four repeat skips.
func TestPrefetcherRepeatWindow(t *testing.T) {
	rel := testRel(16384)
	g := walgen.New(walgen.Config{SegmentSize: testSegSize})
	start := g.Append(noopSpec())
	for i := 0; i < 5; i++ {
		g.Append(blockRefSpec(rel, 42))
	}

	buffers := &testBuffers{}
	p := testPrefetcher(t, g, Options{
		MaxInflight: 4,
		Storage:     &testStorage{},
		Buffers:     buffers,
	})
	require.NoError(t, p.BeginRead(start))

	for i := 0; i < 6; i++ {
		_, err := p.NextRecord()
		require.NoError(t, err)
	}
	require.Equal(t, 1, buffers.callsFor(rel))
	s := p.Stats().Snapshot()
	require.Equal(t, uint64(1), s.Prefetch)
	require.Equal(t, uint64(4), s.SkipRep)
}

// TestPrefetcherBackpressure bounds look-ahead with a small in-flight
// queue and checks that the third prefetch waits for the consumer to
// replay past the first prefetched record.
func TestPrefetcherBackpressure(t *testing.T) {
	rel := testRel(16384)
	g := walgen.New(walgen.Config{SegmentSize: testSegSize})
	start := g.Append(noopSpec())
	var refs []base.LSN
	for i := 0; i < 10; i++ {
		refs = append(refs, g.Append(blockRefSpec(rel, base.BlockNumber(i))))
	}

	buffers := &testBuffers{}
	p := testPrefetcher(t, g, Options{
		MaxInflight: 2,
		MaxDistance: 3,
		Storage:     &testStorage{},
		Buffers:     buffers,
	})
	require.NoError(t, p.BeginRead(start))

	rec, err := p.NextRecord()
	require.NoError(t, err)
	require.Equal(t, start, rec.LSN)
	require.Empty(t, buffers.calls)

	// Returning the first reference record starts reads for the first
	// two references and then saturates the in-flight cap.
	rec, err = p.NextRecord()
	require.NoError(t, err)
	require.Equal(t, refs[0], rec.LSN)
	require.Len(t, buffers.calls, 2)

	// Consuming the next record replays past the first reference, which
	// retires its read and admits exactly one more.
	rec, err = p.NextRecord()
	require.NoError(t, err)
	require.Equal(t, refs[1], rec.LSN)
	require.Len(t, buffers.calls, 3)

	for i := 2; i < 10; i++ {
		rec, err = p.NextRecord()
		require.NoError(t, err)
		require.Equal(t, refs[i], rec.LSN)
		require.LessOrEqual(t, p.lrq.Inflight(), 2)
		require.LessOrEqual(t, p.lrq.Inflight()+p.lrq.Completed(), 3)
	}
	require.Len(t, buffers.calls, 10)
}

// TestPrefetcherShutdownCheckpointPausesLookahead checks that look-ahead
// does not cross a shutdown checkpoint until it has been replayed, since
// the timeline may change there.
func TestPrefetcherShutdownCheckpointPausesLookahead(t *testing.T) {
	rel := testRel(16384)
	g := walgen.New(walgen.Config{SegmentSize: testSegSize})
	start := g.Append(noopSpec())
	ckptLSN := g.Append(&record.RecordSpec{
		RmgrID:   base.RmgrIDXLog,
		Info:     rmgr.XLogCheckpointShutdown,
		MainData: make([]byte, 16),
	})
	refLSN := g.Append(blockRefSpec(rel, 3))

	buffers := &testBuffers{}
	p := testPrefetcher(t, g, Options{
		MaxInflight: 2,
		Storage:     &testStorage{},
		Buffers:     buffers,
	})
	require.NoError(t, p.BeginRead(start))

	_, err := p.NextRecord()
	require.NoError(t, err)

	rec, err := p.NextRecord()
	require.NoError(t, err)
	require.Equal(t, ckptLSN, rec.LSN)
	// The block reference past the checkpoint has not been examined.
	require.Empty(t, buffers.calls)

	// Replaying the checkpoint lifts the suspension.
	rec, err = p.NextRecord()
	require.NoError(t, err)
	require.Equal(t, refLSN, rec.LSN)
	require.Len(t, buffers.calls, 1)
}

// TestPrefetcherRelationMissing checks that a reference to a relation
// with no file on disk suppresses prefetching instead of erroring.
func TestPrefetcherRelationMissing(t *testing.T) {
	rel := testRel(16384)
	g := walgen.New(walgen.Config{SegmentSize: testSegSize})
	start := g.Append(noopSpec())
	g.Append(blockRefSpec(rel, 0))
	g.Append(blockRefSpec(rel, 1))

	buffers := &testBuffers{}
	p := testPrefetcher(t, g, Options{
		MaxInflight: 2,
		Storage:     &testStorage{missing: map[base.RelFileLocator]bool{rel: true}},
		Buffers:     buffers,
	})
	require.NoError(t, p.BeginRead(start))

	for i := 0; i < 3; i++ {
		_, err := p.NextRecord()
		require.NoError(t, err)
	}
	require.Empty(t, buffers.calls)
	require.Equal(t, uint64(2), p.Stats().Snapshot().SkipNew)
}

// TestPrefetcherSkipReasons covers the FPI and will-init skips.
func TestPrefetcherSkipReasons(t *testing.T) {
	rel := testRel(16384)
	g := walgen.New(walgen.Config{SegmentSize: testSegSize})
	start := g.Append(noopSpec())

	page := make([]byte, base.PageSize)
	for i := range page {
		page[i] = byte(i)
	}
	g.Append(&record.RecordSpec{
		RmgrID: rmgr.IDHeap,
		Xid:    7,
		Blocks: []record.BlockSpec{{
			ID: 0, Rel: rel, Fork: base.MainFork, Block: 1, Page: page, ApplyImage: true,
		}},
	})
	g.Append(&record.RecordSpec{
		RmgrID: rmgr.IDHeap,
		Xid:    7,
		Blocks: []record.BlockSpec{{
			ID: 0, Rel: rel, Fork: base.MainFork, Block: 2, WillInit: true, Data: []byte("init"),
		}},
	})

	buffers := &testBuffers{}
	p := testPrefetcher(t, g, Options{
		MaxInflight: 2,
		Storage:     &testStorage{},
		Buffers:     buffers,
	})
	require.NoError(t, p.BeginRead(start))

	for i := 0; i < 3; i++ {
		_, err := p.NextRecord()
		require.NoError(t, err)
	}
	require.Empty(t, buffers.calls)
	s := p.Stats().Snapshot()
	require.Equal(t, uint64(1), s.SkipFPW)
	require.Equal(t, uint64(1), s.SkipInit)
}

// TestPrefetcherCacheHit records the hinted buffer on the block
// reference when the buffer manager reports the block already cached.
func TestPrefetcherCacheHit(t *testing.T) {
	rel := testRel(16384)
	g := walgen.New(walgen.Config{SegmentSize: testSegSize})
	start := g.Append(noopSpec())
	refLSN := g.Append(blockRefSpec(rel, 9))

	buffers := &testBuffers{
		results: map[prefetchCall]PrefetchResult{
			{rel: rel, fork: base.MainFork, blk: 9}: {Buffer: 1234},
		},
	}
	p := testPrefetcher(t, g, Options{
		MaxInflight: 2,
		Storage:     &testStorage{},
		Buffers:     buffers,
	})
	require.NoError(t, p.BeginRead(start))

	_, err := p.NextRecord()
	require.NoError(t, err)
	rec, err := p.NextRecord()
	require.NoError(t, err)
	require.Equal(t, refLSN, rec.LSN)
	require.Equal(t, int32(1234), rec.BlockRef(0).RecentBuffer)
	require.Equal(t, uint64(1), p.Stats().Snapshot().Hit)
}

// TestPrefetcherDisabled leaves the buffer and storage managers unset;
// records still come back in order with no prefetching.
func TestPrefetcherDisabled(t *testing.T) {
	rel := testRel(16384)
	g := walgen.New(walgen.Config{SegmentSize: testSegSize})
	start := g.Append(noopSpec())
	var lsns []base.LSN
	for i := 0; i < 5; i++ {
		lsns = append(lsns, g.Append(blockRefSpec(rel, base.BlockNumber(i))))
	}

	p := testPrefetcher(t, g, Options{})
	require.NoError(t, p.BeginRead(start))

	rec, err := p.NextRecord()
	require.NoError(t, err)
	require.Equal(t, start, rec.LSN)
	for _, want := range lsns {
		rec, err = p.NextRecord()
		require.NoError(t, err)
		require.Equal(t, want, rec.LSN)
	}
	_, err = p.NextRecord()
	require.ErrorIs(t, err, wal.ErrTruncated)
}

// TestPrefetcherCancel stops the driver between records.
func TestPrefetcherCancel(t *testing.T) {
	g := walgen.New(walgen.Config{SegmentSize: testSegSize})
	start := g.Append(noopSpec())
	g.Append(noopSpec())

	p := testPrefetcher(t, g, Options{})
	require.NoError(t, p.BeginRead(start))

	_, err := p.NextRecord()
	require.NoError(t, err)
	p.RequestCancel()
	_, err = p.NextRecord()
	require.ErrorIs(t, err, ErrCanceled)
	// The driver stays stopped until repositioned.
	_, err = p.NextRecord()
	require.ErrorIs(t, err, ErrCanceled)
	require.NoError(t, p.BeginRead(start))
	_, err = p.NextRecord()
	require.NoError(t, err)
}
