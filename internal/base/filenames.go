// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package base

import (
	"fmt"
	"strconv"
)

// SegmentNo is the ordinal of a WAL segment within a timeline:
// lsn / segment-size.
type SegmentNo uint64

// SegmentNoFromLSN computes the segment that contains lsn.
func SegmentNoFromLSN(lsn LSN, segSize uint64) SegmentNo {
	return SegmentNo(uint64(lsn) / segSize)
}

// Start returns the LSN of the first byte of the segment.
func (s SegmentNo) Start(segSize uint64) LSN { return LSN(uint64(s) * segSize) }

// End returns the LSN one past the last byte of the segment.
func (s SegmentNo) End(segSize uint64) LSN { return LSN((uint64(s) + 1) * segSize) }

// SegmentFilename encodes a (timeline, segment) pair as the canonical
// 24-hex-digit WAL file name. The segment number is split across two
// 8-digit groups: the high 32 bits and the low 32 bits.
func SegmentFilename(tli TimelineID, seg SegmentNo, segSize uint64) string {
	segsPerID := segmentsPerXLogID(segSize)
	return fmt.Sprintf("%08X%08X%08X", uint32(tli),
		uint32(uint64(seg)/segsPerID), uint32(uint64(seg)%segsPerID))
}

// ParseSegmentFilename decodes a 24-hex-digit WAL file name. ok is false
// if the name is not a well-formed segment name.
func ParseSegmentFilename(name string, segSize uint64) (tli TimelineID, seg SegmentNo, ok bool) {
	if len(name) != 24 {
		return 0, 0, false
	}
	t, err := strconv.ParseUint(name[0:8], 16, 32)
	if err != nil {
		return 0, 0, false
	}
	hi, err := strconv.ParseUint(name[8:16], 16, 32)
	if err != nil {
		return 0, 0, false
	}
	lo, err := strconv.ParseUint(name[16:24], 16, 32)
	if err != nil {
		return 0, 0, false
	}
	segsPerID := segmentsPerXLogID(segSize)
	if lo >= segsPerID {
		return 0, 0, false
	}
	return TimelineID(t), SegmentNo(hi*segsPerID + lo), true
}

// IsSegmentFilename reports whether name parses as a WAL segment name.
func IsSegmentFilename(name string, segSize uint64) bool {
	_, _, ok := ParseSegmentFilename(name, segSize)
	return ok
}

// SummaryFilename encodes the name of a WAL summary file covering
// (start, end] on the given timeline.
func SummaryFilename(tli TimelineID, start, end LSN) string {
	return fmt.Sprintf("%08X%016X%016X.summary", uint32(tli), uint64(start), uint64(end))
}

// ParseSummaryFilename decodes a summary file name.
func ParseSummaryFilename(name string) (tli TimelineID, start, end LSN, ok bool) {
	const want = 8 + 16 + 16 + len(".summary")
	if len(name) != want || name[40:] != ".summary" {
		return 0, 0, 0, false
	}
	t, err := strconv.ParseUint(name[0:8], 16, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	s, err := strconv.ParseUint(name[8:24], 16, 64)
	if err != nil {
		return 0, 0, 0, false
	}
	e, err := strconv.ParseUint(name[24:40], 16, 64)
	if err != nil {
		return 0, 0, 0, false
	}
	return TimelineID(t), LSN(s), LSN(e), true
}

// segmentsPerXLogID is the number of segments per 4 GiB "xlog ID", the
// unit in which the two low name groups carry the segment number.
func segmentsPerXLogID(segSize uint64) uint64 {
	return (1 << 32) / segSize
}

// TimelineHistoryFilename encodes the name of a timeline history file.
func TimelineHistoryFilename(tli TimelineID) string {
	return fmt.Sprintf("%08X.history", uint32(tli))
}
