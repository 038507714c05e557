// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package summary

import (
	"bufio"
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pgcore/walreader/internal/base"
	"github.com/pgcore/walreader/record"
	"github.com/pgcore/walreader/rmgr"
	"github.com/pgcore/walreader/vfs"
	"github.com/pgcore/walreader/wal"
)

// The idle sleep is an integer multiple of sleepQuantum. The multiple
// doubles every time we wake and find no new WAL, up to maxSleepQuanta
// (30 s), and shrinks by one quantum per page read beyond the first
// since the last sleep.
const (
	sleepQuantum   = 200 * time.Millisecond
	maxSleepQuanta = 150
)

// tempSummaryName holds a summary file while it is being written.
const tempSummaryName = "temp.summary"

// Options configures a Summarizer.
type Options struct {
	// FS and Dir locate the directory summary files are written to.
	FS  vfs.FS
	Dir string

	// Timeline names the WAL stream being summarized and appears in
	// summary file names. Zero selects timeline 1.
	Timeline base.TimelineID

	// Quantum and MaxQuanta override the idle sleep parameters; tests
	// shrink them.
	Quantum   time.Duration
	MaxQuanta int64

	Logger base.Logger
}

// EnsureDefaults fills unset fields with defaults.
func (o Options) EnsureDefaults() Options {
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Timeline == base.InvalidTimelineID {
		o.Timeline = 1
	}
	if o.Quantum <= 0 {
		o.Quantum = sleepQuantum
	}
	if o.MaxQuanta <= 0 {
		o.MaxQuanta = maxSleepQuanta
	}
	if o.Logger == nil {
		o.Logger = base.NoopLogger{}
	}
	return o
}

// SummaryRange is the LSN span covered by one summary file: Start is
// the first summarized record and End is one past the last.
type SummaryRange struct {
	Start, End base.LSN
}

// Summarizer reads WAL and accumulates block reference tables, one per
// summary range. Ranges end at checkpoint boundaries so that a summary
// file never spans a position recovery could begin at. Not safe for
// concurrent use.
type Summarizer struct {
	reader *wal.Reader
	opts   Options

	// sleepQuanta and pagesRead drive the adaptive idle sleep.
	sleepQuanta int64
	pagesRead   int64
	lastEnd     base.LSN
}

// NewSummarizer returns a Summarizer over r.
func NewSummarizer(r *wal.Reader, opts Options) *Summarizer {
	return &Summarizer{reader: r, opts: opts.EnsureDefaults(), sleepQuanta: 1}
}

// boundaryOpcode reports whether a WAL-control record ends the current
// summary range. Recovery can begin only at a checkpoint redo pointer
// or a shutdown checkpoint, so those records must open a range rather
// than sit inside one; timeline ends and parameter changes get the same
// treatment.
func boundaryOpcode(op uint8) bool {
	switch op {
	case rmgr.XLogCheckpointRedo, rmgr.XLogCheckpointShutdown,
		rmgr.XLogEndOfRecovery, rmgr.XLogParameterChange:
		return true
	}
	return false
}

// Summarize reads records from start until it reaches limit, a summary
// boundary, or (when limit is invalid) is canceled, and returns the
// accumulated table and the range it covers. With an invalid limit the
// summarizer waits for more WAL whenever the reader runs off the end,
// sleeping adaptively; with a valid limit running off the end finishes
// the range early. When exact is false, start may lie anywhere and the
// range begins at the first valid record at or after it.
func (s *Summarizer) Summarize(
	ctx context.Context, start, limit base.LSN, exact bool,
) (*BlockRefTable, SummaryRange, error) {
	table := NewBlockRefTable()
	rng := SummaryRange{Start: start, End: start}

	if exact {
		if err := s.reader.BeginRead(start); err != nil {
			return nil, rng, err
		}
	} else {
		first, err := s.reader.FindNextRecord(start)
		if err != nil {
			return nil, rng, err
		}
		rng.Start, rng.End = first, first
	}
	s.lastEnd = rng.Start

	for {
		rec, err := s.reader.Next()
		if err != nil {
			if !errors.Is(err, wal.ErrTruncated) {
				return nil, rng, err
			}
			if limit.IsValid() {
				// The readable WAL ends inside the requested range; the
				// summary covers what was there.
				return table, rng, nil
			}
			if err := s.waitForWAL(ctx); err != nil {
				return nil, rng, err
			}
			continue
		}
		s.observeProgress(rec.EndLSN)

		// A record starting at or past the limit belongs to the next
		// range, even if an overwritten continuation pushed it past the
		// record that was expected to straddle the limit.
		if limit.IsValid() && rec.LSN >= limit {
			rng.End = limit
			return table, rng, nil
		}

		if rec.Header.RmgrID == rmgr.IDXLog && boundaryOpcode(rec.Header.Opcode()) {
			if rec.LSN > rng.Start {
				rng.End = rec.LSN
				return table, rng, nil
			}
			// The boundary record opens this range; include it.
		} else {
			s.applyRecord(table, rec)
		}

		for id := 0; id <= rec.MaxBlockID; id++ {
			blk := rec.BlockRef(id)
			if blk == nil {
				continue
			}
			// The free space map is not fully WAL-logged, so its blocks
			// cannot be tracked.
			if blk.Fork != base.FSMFork {
				table.MarkBlockModified(blk.Rel, blk.Fork, blk.Block)
			}
		}

		rng.End = rec.EndLSN
		if limit.IsValid() && rec.EndLSN >= limit {
			return table, rng, nil
		}
	}
}

// applyRecord folds limit-block updates implied by rec into table.
func (s *Summarizer) applyRecord(table *BlockRefTable, rec *record.DecodedRecord) {
	switch rec.Header.RmgrID {
	case rmgr.IDSmgr:
		switch rec.Header.Opcode() {
		case rmgr.SmgrCreateOp:
			c, err := rmgr.DecodeSmgrCreate(rec.MainData)
			if err != nil || c.Fork == base.FSMFork {
				return
			}
			// A freshly created fork is new in its entirety; individual
			// block references within it are uninteresting.
			table.SetLimitBlock(c.Rel, c.Fork, 0)
		case rmgr.SmgrTruncateOp:
			t, err := rmgr.DecodeSmgrTruncate(rec.MainData)
			if err != nil {
				return
			}
			if t.Flags&rmgr.SmgrTruncateHeap != 0 {
				table.SetLimitBlock(t.Rel, base.MainFork, t.Block)
			}
			if t.Flags&rmgr.SmgrTruncateVM != 0 {
				table.SetLimitBlock(t.Rel, base.VisibilityMapFork, t.Block)
			}
		}
	case rmgr.IDDbase:
		// Relation number zero for a tablespace/database pair marks
		// every relation of that pair as recreated. Database creation
		// by file copy logs nothing per relation, so without this a
		// database dropped and recreated between two summaries would
		// look untouched; drops and WAL-logged creates get the same
		// treatment as an extra layer of safety.
		switch rec.Header.Opcode() {
		case rmgr.DbaseCreateFileCopyOp:
			c, err := rmgr.DecodeDbaseCreateFileCopy(rec.MainData)
			if err != nil {
				return
			}
			rel := base.RelFileLocator{SpcOid: c.TablespaceOid, DBOid: c.DBOid}
			table.SetLimitBlock(rel, base.MainFork, 0)
		case rmgr.DbaseCreateWALLogOp:
			c, err := rmgr.DecodeDbaseCreateWALLog(rec.MainData)
			if err != nil {
				return
			}
			rel := base.RelFileLocator{SpcOid: c.TablespaceOid, DBOid: c.DBOid}
			table.SetLimitBlock(rel, base.MainFork, 0)
		case rmgr.DbaseDropOp:
			d, err := rmgr.DecodeDbaseDrop(rec.MainData)
			if err != nil {
				return
			}
			for _, spc := range d.Tablespaces {
				rel := base.RelFileLocator{SpcOid: spc, DBOid: d.DBOid}
				table.SetLimitBlock(rel, base.MainFork, 0)
			}
		}
	case rmgr.IDXact:
		switch rec.Header.Opcode() {
		case rmgr.XactCommit, rmgr.XactCommitPrepared, rmgr.XactAbort, rmgr.XactAbortPrepared:
			x, err := rmgr.DecodeXactCompletion(rec.MainData)
			if err != nil {
				return
			}
			// Relation files unlinked when the transaction completed no
			// longer need block tracking.
			for _, rel := range x.DroppedRels {
				for fork := base.MainFork; fork <= base.MaxForkNumber; fork++ {
					if fork != base.FSMFork {
						table.SetLimitBlock(rel, fork, 0)
					}
				}
			}
		}
	}
}

// observeProgress credits pages read since the last sleep, which the
// idle sleep uses to shorten itself under load.
func (s *Summarizer) observeProgress(end base.LSN) {
	if end.PageStart() > s.lastEnd.PageStart() {
		s.pagesRead += int64(end.PageStart()-s.lastEnd.PageStart()) / base.PageSize
	}
	s.lastEnd = end
}

// waitForWAL sleeps for long enough that more WAL is likely to be
// available afterwards. With no progress since the last sleep the
// duration doubles; a burst of pages shortens it by a quantum per page
// beyond the first.
func (s *Summarizer) waitForWAL(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.pagesRead == 0 {
		s.sleepQuanta *= 2
		if s.sleepQuanta > s.opts.MaxQuanta {
			s.sleepQuanta = s.opts.MaxQuanta
		}
	} else if s.pagesRead > 1 {
		if s.pagesRead > s.sleepQuanta-1 {
			s.sleepQuanta = 1
		} else {
			s.sleepQuanta -= s.pagesRead
		}
	}
	s.pagesRead = 0

	timer := time.NewTimer(time.Duration(s.sleepQuanta) * s.opts.Quantum)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WriteSummary serializes table to the summary file covering rng,
// writing through a temporary file so that a crash never leaves a
// partial summary under the final name. It returns the file's path.
func (s *Summarizer) WriteSummary(table *BlockRefTable, rng SummaryRange) (string, error) {
	fs := s.opts.FS
	if err := fs.MkdirAll(s.opts.Dir, 0755); err != nil {
		return "", err
	}
	tmp := fs.PathJoin(s.opts.Dir, tempSummaryName)
	final := fs.PathJoin(s.opts.Dir, base.SummaryFilename(s.opts.Timeline, rng.Start, rng.End))

	f, err := fs.Create(tmp)
	if err != nil {
		return "", err
	}
	bw := bufio.NewWriter(f)
	if err := table.Write(bw); err != nil {
		f.Close()
		return "", err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := fs.Rename(tmp, final); err != nil {
		return "", err
	}
	s.opts.Logger.Infof("summarized WAL on timeline %d from %s to %s",
		s.opts.Timeline, rng.Start, rng.End)
	return final, nil
}

// ReadSummaryFile deserializes the summary file at path.
func ReadSummaryFile(fs vfs.FS, path string) (*BlockRefTable, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	table, err := ReadBlockRefTable(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", fs.PathBase(path))
	}
	return table, nil
}

// Run summarizes forward from start until ctx is canceled, writing a
// summary file every time a range closes. It returns the end of the
// last closed range. The first range begins at the first valid record
// at or after start; subsequent ranges begin exactly where the previous
// one ended.
func (s *Summarizer) Run(ctx context.Context, start base.LSN) (base.LSN, error) {
	current := start
	exact := false
	for {
		table, rng, err := s.Summarize(ctx, current, base.InvalidLSN, exact)
		if err != nil {
			return current, err
		}
		if rng.End > rng.Start {
			if _, err := s.WriteSummary(table, rng); err != nil {
				return current, err
			}
		}
		current = rng.End
		exact = true
	}
}
