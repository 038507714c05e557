// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package base

import "github.com/cockroachdb/redact"

// Oid is a catalog object identifier.
type Oid uint32

// InvalidOid is the zero OID.
const InvalidOid Oid = 0

// BlockNumber identifies one page within a relation fork.
type BlockNumber uint32

// InvalidBlockNumber is used where no block applies.
const InvalidBlockNumber BlockNumber = 0xFFFFFFFF

// ForkNumber identifies one of the physical files that make up a relation.
type ForkNumber uint8

const (
	// MainFork holds the relation data proper.
	MainFork ForkNumber = iota
	// FSMFork is the free space map.
	FSMFork
	// VisibilityMapFork is the visibility map.
	VisibilityMapFork
	// InitFork is the unlogged-relation init fork.
	InitFork

	// MaxForkNumber is the largest valid fork number.
	MaxForkNumber = InitFork
)

var forkNames = [...]string{"main", "fsm", "vm", "init"}

// String implements fmt.Stringer.
func (f ForkNumber) String() string {
	if int(f) < len(forkNames) {
		return forkNames[f]
	}
	return "unknown"
}

// RelFileLocator names the physical file set of one relation: tablespace,
// database, and relation file number. It is comparable and used directly
// as a map key by the prefetch filter.
type RelFileLocator struct {
	SpcOid    Oid
	DBOid     Oid
	RelNumber Oid
}

// IsValid reports whether the locator names a real relation. Wildcard
// filter entries use locators with an invalid relation number.
func (r RelFileLocator) IsValid() bool { return r.RelNumber != InvalidOid }

// DatabaseWildcard returns the locator used for whole-database filter
// entries: only the database OID is set.
func (r RelFileLocator) DatabaseWildcard() RelFileLocator {
	return RelFileLocator{SpcOid: InvalidOid, DBOid: r.DBOid, RelNumber: InvalidOid}
}

// String implements fmt.Stringer.
func (r RelFileLocator) String() string {
	return redact.StringWithoutMarkers(r)
}

// SafeFormat implements redact.SafeFormatter.
func (r RelFileLocator) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%d/%d/%d", redact.SafeUint(uint32(r.SpcOid)),
		redact.SafeUint(uint32(r.DBOid)), redact.SafeUint(uint32(r.RelNumber)))
}
