// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package prefetch

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/pgcore/walreader/internal/base"
	"github.com/pgcore/walreader/record"
	"github.com/pgcore/walreader/rmgr"
	"github.com/pgcore/walreader/wal"
)

const (
	// statsDistance is how many bytes of WAL are processed between
	// refreshes of the distance gauges.
	statsDistance = base.PageSize

	// seqWindowSize is how many recently examined block references are
	// remembered to suppress repeat prefetches of the same block.
	seqWindowSize = 4

	// defaultDistanceMultiplier scales MaxInflight into the total
	// look-ahead distance in block references.
	defaultDistanceMultiplier = 4
)

// ErrCanceled is returned by NextRecord after RequestCancel.
var ErrCanceled = errors.New("walreader/prefetch: canceled")

// PrefetchResult reports the outcome of a BufferManager.Prefetch call.
type PrefetchResult struct {
	// InitiatedIO is true when a read was started for the block.
	InitiatedIO bool
	// Buffer is the buffer holding the block when it was already
	// cached, or negative.
	Buffer int32
}

// BufferManager starts speculative reads into a block cache.
type BufferManager interface {
	// Prefetch asks for the given block to be read soon. If the block
	// is already cached it reports the buffer instead of starting IO.
	Prefetch(rel base.RelFileLocator, fork base.ForkNumber, blk base.BlockNumber) PrefetchResult
}

// StorageManager answers existence and size queries about relation
// files, so the driver can avoid prefetching blocks that are not on
// disk yet.
type StorageManager interface {
	RelationExists(rel base.RelFileLocator) bool
	RelationSize(rel base.RelFileLocator, fork base.ForkNumber) base.BlockNumber
}

// Options configures a Prefetcher.
type Options struct {
	// MaxInflight bounds the number of concurrent prefetch reads. Zero
	// disables prefetching; records are still decoded one ahead.
	MaxInflight int

	// DistanceMultiplier scales MaxInflight into the bound on total
	// look-ahead in block references; zero selects 4.
	DistanceMultiplier int

	// MaxDistance, when non-zero, overrides the computed look-ahead
	// bound.
	MaxDistance int

	// Storage and Buffers supply the block cache being warmed. Both
	// must be set for prefetching to be enabled.
	Storage StorageManager
	Buffers BufferManager

	// Stats receives counters; nil allocates a private one.
	Stats *Stats

	Logger base.Logger
}

// EnsureDefaults fills unset fields with defaults.
func (o Options) EnsureDefaults() Options {
	if o.DistanceMultiplier <= 0 {
		o.DistanceMultiplier = defaultDistanceMultiplier
	}
	if o.Stats == nil {
		o.Stats = NewStats()
	}
	if o.Logger == nil {
		o.Logger = base.NoopLogger{}
	}
	return o
}

// Prefetcher wraps a wal.Reader behind the same record-at-a-time
// interface, and uses the reader's look-ahead to initiate reads for
// blocks that upcoming records will touch. Not safe for concurrent use,
// except for RequestCancel and the shared Stats.
type Prefetcher struct {
	reader *wal.Reader
	opts   Options

	lrq    *LsnReadQueue
	filter *Filter

	// record and nextBlockID resume block examination across nextBlock
	// calls.
	record      *record.DecodedRecord
	nextBlockID int

	// Ring of recently examined block references.
	recentRel   [seqWindowSize]base.RelFileLocator
	recentBlock [seqWindowSize]base.BlockNumber
	recentIdx   int

	// noReadaheadUntil suspends look-ahead until replay passes it, used
	// around records that may change the timeline.
	noReadaheadUntil base.LSN

	// beginPtr is the position of the most recent BeginRead; look-ahead
	// past the first record is held back until that record is consumed.
	beginPtr base.LSN

	nextStatsLSN base.LSN
	resetHandled uint64

	// savedErr is a decode failure encountered while reading ahead. It
	// is surfaced once all records decoded before it are consumed.
	savedErr error
	// stopped is set on a fatal error; only BeginRead clears it.
	stopped error

	cancel atomic.Bool
}

// NewPrefetcher returns a prefetcher wrapping reader. Position it with
// BeginRead before calling NextRecord.
func NewPrefetcher(reader *wal.Reader, opts Options) *Prefetcher {
	p := &Prefetcher{
		reader: reader,
		opts:   opts.EnsureDefaults(),
		filter: NewFilter(),
	}
	p.allocQueue()
	return p
}

func (p *Prefetcher) allocQueue() {
	maxInflight := p.opts.MaxInflight
	maxDistance := maxInflight * p.opts.DistanceMultiplier
	if p.opts.MaxDistance > 0 {
		maxDistance = p.opts.MaxDistance
	}
	if !p.enabled() {
		// One slot still forces records to be decoded one at a time.
		maxInflight, maxDistance = 1, 1
	}
	p.lrq = NewLsnReadQueue(maxDistance, maxInflight, p.nextBlock)
}

func (p *Prefetcher) enabled() bool {
	return p.opts.MaxInflight > 0 && p.opts.Storage != nil && p.opts.Buffers != nil
}

// Reader returns the wrapped reader.
func (p *Prefetcher) Reader() *wal.Reader { return p.reader }

// Stats returns the counters the driver updates.
func (p *Prefetcher) Stats() *Stats { return p.opts.Stats }

// RequestCancel asks the driver to stop between records. It may be
// called from another goroutine.
func (p *Prefetcher) RequestCancel() { p.cancel.Store(true) }

// BeginRead positions the wrapped reader at lsn and resets all
// look-ahead state: the in-flight queue, the filter, and any pending
// error. Look-ahead stays suspended until the first record returned
// after repositioning has been consumed.
func (p *Prefetcher) BeginRead(lsn base.LSN) error {
	if err := p.reader.BeginRead(lsn); err != nil {
		return err
	}
	p.allocQueue()
	p.filter.Reset()
	p.record = nil
	p.nextBlockID = 0
	p.noReadaheadUntil = base.InvalidLSN
	p.beginPtr = lsn
	p.nextStatsLSN = lsn + statsDistance
	p.savedErr = nil
	p.stopped = nil
	p.cancel.Store(false)
	return nil
}

// NextRecord returns the next record in LSN order, exactly as the
// wrapped reader's Next would, after initiating any prefetches the
// look-ahead bounds allow. ErrTruncated means no further record is on
// disk yet and the call may be retried; any other error stops the
// driver until BeginRead.
func (p *Prefetcher) NextRecord() (*record.DecodedRecord, error) {
	if p.stopped != nil {
		return nil, p.stopped
	}
	if p.cancel.Load() {
		p.stopped = ErrCanceled
		return nil, p.stopped
	}

	// The previously returned record is now replayed. Filters guarding
	// WAL up to here have served their purpose, and reads started for
	// earlier records are done.
	replayed := p.reader.ReleasePrevious()
	p.filter.CompleteThrough(replayed)
	p.lrq.RetireThrough(replayed)
	p.lrq.TrySubmit()

	if !p.reader.QueuedRecord() && p.savedErr != nil {
		err := p.savedErr
		p.savedErr = nil
		if !errors.Is(err, wal.ErrTruncated) {
			p.stopped = err
		}
		return nil, err
	}
	rec, err := p.reader.Next()
	if err != nil {
		if !errors.Is(err, wal.ErrTruncated) {
			p.stopped = err
		}
		return nil, err
	}

	// If the look-ahead bounds cut off mid-record, forget the rest of
	// its blocks; the consumer is about to read them anyway.
	if rec == p.record {
		p.record = nil
	}
	if rec.LSN >= p.nextStatsLSN {
		p.computeStats(rec)
	}
	return rec, nil
}

func (p *Prefetcher) computeStats(rec *record.DecodedRecord) {
	s := p.opts.Stats
	s.maybeReset(&p.resetHandled)

	var walDistance int64
	q := p.reader.DecodeBuffer()
	if head, tail := q.Head(), q.Tail(); head != nil && tail != nil {
		walDistance = int64(tail.LSN - head.LSN)
	}
	s.walDistance.Store(walDistance)
	s.blockDistance.Store(int64(p.lrq.Inflight() + p.lrq.Completed()))
	s.ioDepth.Store(int64(p.lrq.Inflight()))
	p.nextStatsLSN = rec.LSN + statsDistance
}

// nextBlock is the LsnReadQueue callback. It examines the next upcoming
// block reference, decoding further records as needed, and decides
// whether to start a read for it.
func (p *Prefetcher) nextBlock() (base.LSN, NextStatus) {
	replaying := p.reader.LSN()

	for {
		if p.record == nil {
			// If records are already queued up for the consumer, there
			// is no need to decode more just to keep it fed; any
			// failure can also wait until those are consumed.
			lookingAhead := p.reader.QueuedRecord() || p.savedErr != nil

			// Look-ahead is suspended until replay passes the
			// watermark.
			if lookingAhead && replaying <= p.noReadaheadUntil {
				return base.InvalidLSN, NextAgain
			}
			if p.savedErr != nil {
				return base.InvalidLSN, NextAgain
			}
			rec, err := p.reader.ReadAhead()
			if err != nil {
				// Hold the error and stop decoding until everything
				// already decoded has been replayed.
				p.savedErr = err
				if tail := p.reader.DecodeBuffer().Tail(); tail != nil {
					p.noReadaheadUntil = tail.LSN
				}
				return base.InvalidLSN, NextAgain
			}
			if !p.enabled() {
				// Decoding one record was all that was asked for.
				return base.InvalidLSN, NextNoIO
			}
			p.record = rec
			p.nextBlockID = 0
		}
		rec := p.record

		if replaying < rec.LSN {
			p.applyRecordFilters(rec)
		}

		// Examine block references, resuming where the last call left
		// off.
		for p.nextBlockID <= rec.MaxBlockID {
			id := p.nextBlockID
			p.nextBlockID++
			blk := rec.BlockRef(id)
			if blk == nil {
				continue
			}
			status := p.examineBlock(rec, blk)
			return rec.LSN, status
		}

		// Hold back look-ahead past the first record after BeginRead
		// until it has been consumed: callers reposition to read one
		// specific record and may reposition again right after.
		if head := p.reader.DecodeBuffer().Head(); head != nil && head.LSN == p.beginPtr {
			return base.InvalidLSN, NextAgain
		}

		p.record = nil
	}
}

// applyRecordFilters inspects a not-yet-replayed record for operations
// that must suppress prefetching: relation and database creation,
// truncation, and records that may switch the timeline.
func (p *Prefetcher) applyRecordFilters(rec *record.DecodedRecord) {
	switch rec.Header.RmgrID {
	case base.RmgrIDXLog:
		switch rec.Header.Opcode() {
		case rmgr.XLogCheckpointShutdown, rmgr.XLogEndOfRecovery:
			// These records may change the timeline being replayed;
			// reading ahead across them risks mixing timelines.
			p.noReadaheadUntil = rec.LSN
			p.opts.Logger.Infof("suppressing all readahead until %s is replayed", rec.LSN)
		}
	case rmgr.IDSmgr:
		switch rec.Header.Opcode() {
		case rmgr.SmgrCreateOp:
			x, err := rmgr.DecodeSmgrCreate(rec.MainData)
			if err == nil && x.Fork == base.MainFork {
				// Until the relation is created, its file numbers may
				// still belong to a dropped relation of an earlier
				// generation.
				p.filter.Add(x.Rel, 0, rec.LSN)
				p.opts.Logger.Infof("suppressing prefetch in relation %s until %s is replayed", x.Rel, rec.LSN)
			}
		case rmgr.SmgrTruncateOp:
			x, err := rmgr.DecodeSmgrTruncate(rec.MainData)
			if err == nil {
				p.filter.Add(x.Rel, x.Block, rec.LSN)
				p.opts.Logger.Infof("suppressing prefetch in relation %s from block %d until %s is replayed",
					x.Rel, x.Block, rec.LSN)
			}
		}
	case rmgr.IDDbase:
		if rec.Header.Opcode() == rmgr.DbaseCreateFileCopyOp {
			x, err := rmgr.DecodeDbaseCreateFileCopy(rec.MainData)
			if err == nil {
				// A file-copied database carries no per-relation WAL;
				// nothing in it can be prefetched until the copy is
				// done.
				wildcard := base.RelFileLocator{DBOid: x.DBOid}
				p.filter.Add(wildcard, 0, rec.LSN)
				p.opts.Logger.Infof("suppressing prefetch in database %d until %s is replayed", x.DBOid, rec.LSN)
			}
		}
	}
}

// examineBlock decides whether to start a read for one block reference.
func (p *Prefetcher) examineBlock(rec *record.DecodedRecord, blk *record.DecodedBlock) NextStatus {
	stats := p.opts.Stats

	// Only the main fork is prefetched.
	if blk.Fork != base.MainFork {
		return NextNoIO
	}

	// A full-page image means replay will not read the block.
	if blk.HasImage {
		stats.skipFPW.Add(1)
		return NextNoIO
	}

	// A block about to be zero-initialized is not worth reading.
	if blk.WillInit {
		stats.skipInit.Add(1)
		return NextNoIO
	}

	if p.filter.IsFiltered(blk.Rel, blk.Block) {
		stats.skipNew.Add(1)
		return NextNoIO
	}

	// Repeated references to the same block within a short window need
	// only one prefetch.
	for i := range p.recentRel {
		if p.recentBlock[i] == blk.Block && p.recentRel[i] == blk.Rel {
			stats.skipRep.Add(1)
			return NextNoIO
		}
	}
	p.recentRel[p.recentIdx] = blk.Rel
	p.recentBlock[p.recentIdx] = blk.Block
	p.recentIdx = (p.recentIdx + 1) % seqWindowSize

	// The relation may not exist on disk yet, for example when replay
	// is behind WAL that creates and later drops it. Suppress further
	// prefetching in it until this record is replayed.
	if !p.opts.Storage.RelationExists(blk.Rel) {
		p.filter.Add(blk.Rel, 0, rec.LSN)
		p.opts.Logger.Infof("suppressing prefetch in relation %s until %s is replayed, relation not on disk",
			blk.Rel, rec.LSN)
		stats.skipNew.Add(1)
		return NextNoIO
	}

	// Likewise when the relation is not yet long enough to contain the
	// block.
	if blk.Block >= p.opts.Storage.RelationSize(blk.Rel, blk.Fork) {
		p.filter.Add(blk.Rel, blk.Block, rec.LSN)
		p.opts.Logger.Infof("suppressing prefetch in relation %s from block %d until %s is replayed, relation too small",
			blk.Rel, blk.Block, rec.LSN)
		stats.skipNew.Add(1)
		return NextNoIO
	}

	res := p.opts.Buffers.Prefetch(blk.Rel, blk.Fork, blk.Block)
	switch {
	case res.Buffer >= 0:
		// Already cached; remember the buffer so replay can skip a
		// lookup.
		stats.hit.Add(1)
		blk.RecentBuffer = res.Buffer
		return NextNoIO
	case res.InitiatedIO:
		stats.prefetch.Add(1)
		return NextIO
	default:
		// The existence and size checks above said the block is on
		// disk, so the buffer manager refusing both outcomes means the
		// file changed underneath us.
		p.savedErr = errors.Errorf(
			"walreader/prefetch: could not prefetch relation %s block %d", blk.Rel, blk.Block)
		p.opts.Logger.Errorf("%v", p.savedErr)
		return NextAgain
	}
}
