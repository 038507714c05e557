// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package base holds the small shared vocabulary of the WAL reading
// machinery: log sequence numbers, timelines, relation locators, segment
// geometry and filenames. Everything here is cheap value types with no
// dependencies on the higher layers.
package base

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

const (
	// PageSize is the size of one WAL page, and also the size of one data
	// page reconstructed from a full-page image.
	PageSize = 8192

	// DefaultSegmentSize is the segment size used when the caller doesn't
	// specify one. Segment sizes are always powers of two.
	DefaultSegmentSize = 16 << 20

	// RecordAlignment is the alignment of record start positions within
	// the WAL stream.
	RecordAlignment = 8
)

// LSN is a log sequence number: a 64-bit byte position in the logical WAL
// stream. LSNs increase monotonically along a timeline. The zero value is
// not a valid position.
type LSN uint64

// InvalidLSN is the "no position" sentinel.
const InvalidLSN LSN = 0

// IsValid reports whether the LSN denotes a real WAL position.
func (l LSN) IsValid() bool { return l != InvalidLSN }

// Align rounds the LSN up to the next record alignment boundary.
func (l LSN) Align() LSN {
	return (l + RecordAlignment - 1) &^ (RecordAlignment - 1)
}

// PageStart returns the LSN of the start of the page containing l.
func (l LSN) PageStart() LSN { return l &^ (PageSize - 1) }

// PageOffset returns the byte offset of l within its page.
func (l LSN) PageOffset() uint32 { return uint32(l & (PageSize - 1)) }

// String implements fmt.Stringer, printing the traditional two-halves
// hex form, e.g. "1/9A3F0028".
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

// SafeFormat implements redact.SafeFormatter.
func (l LSN) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%X/%X", redact.SafeUint(uint32(l>>32)), redact.SafeUint(uint32(l)))
}

// ParseLSN parses the "HH/LL" form produced by LSN.String.
func ParseLSN(s string) (LSN, error) {
	var hi, lo uint32
	if _, err := fmt.Sscanf(s, "%X/%X", &hi, &lo); err != nil {
		return InvalidLSN, errors.Wrapf(err, "could not parse %q as an LSN", s)
	}
	return LSN(uint64(hi)<<32 | uint64(lo)), nil
}

// TimelineID identifies one branch of WAL history. Timelines form a tree
// rooted at 1; 0 is invalid.
type TimelineID uint32

// InvalidTimelineID is the zero timeline.
const InvalidTimelineID TimelineID = 0

// Xid is a transaction identifier carried in record headers.
type Xid uint32

// InvalidXid marks records not associated with a transaction.
const InvalidXid Xid = 0

// RmgrID identifies a resource manager. Builtin resource managers occupy
// the lower half of the 8-bit space; custom ones the upper half.
type RmgrID uint8

const (
	// RmgrIDXLog is the resource manager that owns WAL-control records
	// such as checkpoints and segment switches.
	RmgrIDXLog RmgrID = 0
	// RmgrIDMax is the largest valid resource manager ID.
	RmgrIDMax RmgrID = 255
	// CustomRmgrMin is the first resource manager ID reserved for
	// extensions.
	CustomRmgrMin RmgrID = 128
)
