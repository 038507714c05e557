// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package wal

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/pgcore/walreader/internal/base"
	"github.com/pgcore/walreader/vfs"
)

// RestoreFunc fetches a missing segment from an archive into path,
// blocking until the fetch completes. A nil RestoreFunc disables
// archive restore.
type RestoreFunc func(filename, path string) error

// SegmentReaderOptions configures a SegmentReader.
type SegmentReaderOptions struct {
	FS vfs.FS

	// Dir is the primary segment search directory.
	Dir string
	// DataDir, when set, adds <DataDir>/pg_wal as a fallback search
	// location the way server-side tools resolve segments.
	DataDir string

	SegmentSize uint64
	Timeline    base.TimelineID

	// Restore, when set, is invoked for segments absent from every
	// search location. The restored file is placed in Dir.
	Restore RestoreFunc

	Logger base.Logger
}

// SegmentReader reads WAL bytes by LSN, resolving and caching the
// backing segment files. It holds at most one open descriptor, keyed by
// (timeline, segment number); a read for a different segment closes and
// reopens. Not safe for concurrent use.
type SegmentReader struct {
	fs      vfs.FS
	dir     string
	dataDir string
	segSize uint64
	tli     base.TimelineID
	restore RestoreFunc
	logger  base.Logger

	file    vfs.File
	fileTLI base.TimelineID
	fileSeg base.SegmentNo
}

// NewSegmentReader returns a segment reader over opts.Dir.
func NewSegmentReader(opts SegmentReaderOptions) *SegmentReader {
	if opts.FS == nil {
		opts.FS = vfs.Default
	}
	if opts.SegmentSize == 0 {
		opts.SegmentSize = base.DefaultSegmentSize
	}
	if opts.Logger == nil {
		opts.Logger = base.NoopLogger{}
	}
	return &SegmentReader{
		fs:      opts.FS,
		dir:     opts.Dir,
		dataDir: opts.DataDir,
		segSize: opts.SegmentSize,
		tli:     opts.Timeline,
		restore: opts.Restore,
		logger:  opts.Logger,
	}
}

// SegmentSize returns the configured segment size in bytes.
func (s *SegmentReader) SegmentSize() uint64 { return s.segSize }

// Timeline returns the timeline segments are resolved on.
func (s *SegmentReader) Timeline() base.TimelineID { return s.tli }

// SetTimeline switches the timeline used to resolve segment files. Any
// cached descriptor is dropped.
func (s *SegmentReader) SetTimeline(tli base.TimelineID) {
	if tli != s.fileTLI {
		s.closeFile()
	}
	s.tli = tli
}

// ReadAt copies len(p) WAL bytes starting at lsn into p, crossing
// segment boundaries as needed. A read beyond the end of the last
// available segment returns ErrTruncated with the bytes read so far in
// place; a missing earlier segment returns ErrSegmentMissing.
func (s *SegmentReader) ReadAt(p []byte, lsn base.LSN) error {
	for len(p) > 0 {
		seg := base.SegmentNoFromLSN(lsn, s.segSize)
		if err := s.open(seg); err != nil {
			return err
		}
		segOff := uint64(lsn) - uint64(seg.Start(s.segSize))
		n := uint64(len(p))
		if rest := s.segSize - segOff; n > rest {
			n = rest
		}
		fname := base.SegmentFilename(s.tli, seg, s.segSize)
		got, err := s.file.ReadAt(p[:n], int64(segOff))
		if uint64(got) < n {
			if err == nil || err == io.EOF {
				return errors.Wrapf(ErrTruncated, "short read in %s at offset %d: got %d of %d",
					fname, segOff, got, n)
			}
			s.closeFile()
			return errors.Wrapf(ErrIO, "%s at offset %d: %v", fname, segOff, err)
		}
		p = p[n:]
		lsn += base.LSN(n)
	}
	return nil
}

// open positions the cached descriptor on seg, resolving the segment
// file through the search locations and the restore command.
func (s *SegmentReader) open(seg base.SegmentNo) error {
	if s.file != nil && s.fileSeg == seg && s.fileTLI == s.tli {
		return nil
	}
	s.closeFile()

	fname := base.SegmentFilename(s.tli, seg, s.segSize)
	paths := []string{s.fs.PathJoin(s.dir, fname)}
	if s.dir != "" {
		paths = append(paths, s.fs.PathJoin(s.dir, "pg_wal", fname))
	}
	if s.dataDir != "" {
		paths = append(paths, s.fs.PathJoin(s.dataDir, "pg_wal", fname))
	}
	for _, path := range paths {
		f, err := s.fs.Open(path)
		if err == nil {
			s.file, s.fileSeg, s.fileTLI = f, seg, s.tli
			return nil
		}
		if !vfs.IsNotExist(err) {
			return errors.Wrapf(ErrIO, "open %s: %v", path, err)
		}
	}

	if s.restore != nil {
		path := s.fs.PathJoin(s.dir, fname)
		s.logger.Infof("restoring %s from archive", fname)
		if err := s.restore(fname, path); err != nil {
			return errors.Wrapf(ErrSegmentMissing, "%s: restore failed: %v", fname, err)
		}
		f, err := s.fs.Open(path)
		if err != nil {
			return errors.Wrapf(ErrSegmentMissing, "%s: restored file unreadable: %v", fname, err)
		}
		s.file, s.fileSeg, s.fileTLI = f, seg, s.tli
		return nil
	}
	return errors.Wrapf(ErrSegmentMissing, "%s", fname)
}

func (s *SegmentReader) closeFile() {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
}

// Close releases the cached descriptor.
func (s *SegmentReader) Close() error {
	s.closeFile()
	return nil
}
