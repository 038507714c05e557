// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package walgen synthesizes WAL byte streams for tests: records are
// laid out with correct page headers, continuation metadata, alignment
// padding and prev-links, and the result can be split into segment
// files.
package walgen

import (
	"fmt"

	"github.com/pgcore/walreader/internal/base"
	"github.com/pgcore/walreader/record"
	"github.com/pgcore/walreader/vfs"
)

// Config fixes the stream's identity. Zero values select a 16 MiB
// segment size, timeline 1, and a start at the first segment boundary.
type Config struct {
	SegmentSize uint64
	Timeline    base.TimelineID
	SysID       uint64
	Start       base.LSN
}

// Generator accumulates a contiguous WAL image starting at a segment
// boundary.
type Generator struct {
	cfg    Config
	image  []byte
	start  base.LSN
	insert base.LSN
	prev   base.LSN
}

// New returns a Generator over cfg.
func New(cfg Config) *Generator {
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = base.DefaultSegmentSize
	}
	if cfg.Timeline == base.InvalidTimelineID {
		cfg.Timeline = 1
	}
	if cfg.SysID == 0 {
		cfg.SysID = 0x0102030405060708
	}
	if cfg.Start == base.InvalidLSN {
		cfg.Start = base.LSN(cfg.SegmentSize)
	}
	if uint64(cfg.Start)%cfg.SegmentSize != 0 {
		panic(fmt.Sprintf("walgen: start %s is not a segment boundary", cfg.Start))
	}
	return &Generator{cfg: cfg, start: cfg.Start, insert: cfg.Start}
}

// InsertLSN returns the position the next record will be placed at,
// before page-header skipping.
func (g *Generator) InsertLSN() base.LSN { return g.insert }

// Image returns the accumulated WAL bytes, starting at the configured
// start LSN. The slice is the generator's own; tests may corrupt it in
// place before writing segments out.
func (g *Generator) Image() []byte { return g.image }

// Append encodes spec with the correct prev-link and lays it out at the
// current insert position. It returns the record's start LSN.
func (g *Generator) Append(spec *record.RecordSpec) base.LSN {
	raw, err := record.EncodeRecord(spec, g.prev)
	if err != nil {
		panic(fmt.Sprintf("walgen: %v", err))
	}
	return g.AppendRaw(raw)
}

// AppendRaw lays out an already encoded record.
func (g *Generator) AppendRaw(raw []byte) base.LSN {
	g.skipPageHeader(0)
	start := g.insert
	rem := raw
	for len(rem) > 0 {
		g.skipPageHeader(uint32(len(rem)))
		pageOff := int(g.insert.PageOffset())
		n := base.PageSize - pageOff
		if n > len(rem) {
			n = len(rem)
		}
		g.put(rem[:n])
		rem = rem[n:]
	}
	g.pad(g.insert.Align())
	g.prev = start
	return start
}

// AppendFiller appends a record padded so that the next record starts
// exactly at next. The gap must be large enough for a record header and
// one byte of payload.
func (g *Generator) AppendFiller(next base.LSN) base.LSN {
	g.skipPageHeader(0)
	if next != next.Align() || next <= g.insert {
		panic(fmt.Sprintf("walgen: filler target %s behind insert position %s", next, g.insert))
	}
	// The filler must fit in one page here; page crossings would shift
	// the layout by the continuation header.
	if next.PageStart() != g.insert.PageStart() {
		panic(fmt.Sprintf("walgen: filler from %s to %s crosses a page", g.insert, next))
	}
	total := int(next - g.insert)
	var n int
	switch {
	case total >= record.HeaderSize+5+256:
		n = total - record.HeaderSize - 5
	case total >= record.HeaderSize+2+1:
		n = total - record.HeaderSize - 2
	default:
		panic(fmt.Sprintf("walgen: filler gap %d too small", total))
	}
	return g.Append(&record.RecordSpec{
		RmgrID:   10,
		Xid:      1,
		MainData: make([]byte, n),
	})
}

// AppendSwitch appends a segment-switch record and zero-fills the rest
// of the segment. The next record starts on the following segment.
func (g *Generator) AppendSwitch() base.LSN {
	start := g.Append(&record.RecordSpec{RmgrID: base.RmgrIDXLog, Info: record.InfoSwitch})
	segEnd := base.SegmentNoFromLSN(g.insert, g.cfg.SegmentSize).End(g.cfg.SegmentSize)
	g.pad(segEnd)
	return start
}

// skipPageHeader materializes the page header when the insert position
// sits on a page boundary. contRem, when non-zero, is the number of
// record bytes still outstanding, recorded in the header's continuation
// fields.
func (g *Generator) skipPageHeader(contRem uint32) {
	if g.insert.PageOffset() != 0 {
		return
	}
	hdr := record.PageHeader{
		Magic:    record.PageMagic,
		Timeline: g.cfg.Timeline,
		PageAddr: g.insert,
	}
	if contRem > 0 {
		hdr.Flags |= record.PageFlagContRecord
		hdr.RemLen = contRem
	}
	if uint64(g.insert)%g.cfg.SegmentSize == 0 {
		hdr.Flags |= record.PageFlagLongHeader
		hdr.SysID = g.cfg.SysID
		hdr.SegSize = uint32(g.cfg.SegmentSize)
		hdr.PageSize = base.PageSize
	}
	g.put(record.EncodePageHeader(nil, &hdr))
}

func (g *Generator) put(b []byte) {
	g.image = append(g.image, b...)
	g.insert += base.LSN(len(b))
}

// pad zero-fills up to lsn.
func (g *Generator) pad(lsn base.LSN) {
	if g.insert < lsn {
		g.put(make([]byte, lsn-g.insert))
	}
}

// WriteSegments splits the image into segment files under dir. The
// final segment is written at whatever partial length the image ends
// at, like a WAL file still being filled would be.
func (g *Generator) WriteSegments(fs vfs.FS, dir string) error {
	segSize := g.cfg.SegmentSize
	for off := uint64(0); off < uint64(len(g.image)); off += segSize {
		end := off + segSize
		if end > uint64(len(g.image)) {
			end = uint64(len(g.image))
		}
		seg := base.SegmentNoFromLSN(g.start+base.LSN(off), segSize)
		name := fs.PathJoin(dir, base.SegmentFilename(g.cfg.Timeline, seg, segSize))
		f, err := fs.Create(name)
		if err != nil {
			return err
		}
		if _, err := f.Write(g.image[off:end]); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}
