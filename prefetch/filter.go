// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package prefetch looks ahead in a WAL stream and initiates reads for
// blocks that replay will touch soon, so that the blocks are already in
// the page cache when the consumer reaches them. It wraps a wal.Reader
// behind the same record-at-a-time interface.
package prefetch

import (
	"github.com/cockroachdb/redact"
	"github.com/pgcore/walreader/internal/base"
)

// filterEntry suppresses prefetching of blocks >= fromBlock in one
// relation until untilReplayed has been replayed. Entries form a
// doubly-linked list ordered by insertion, newest at the head, so that
// expiry only ever inspects the tail.
type filterEntry struct {
	rel           base.RelFileLocator
	untilReplayed base.LSN
	fromBlock     base.BlockNumber

	prev, next *filterEntry
}

// String implements fmt.Stringer.
func (e *filterEntry) String() string {
	return redact.StringWithoutMarkers(e)
}

// SafeFormat implements redact.SafeFormatter.
func (e *filterEntry) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%v from block %d until %v", e.rel,
		redact.SafeUint(uint32(e.fromBlock)), e.untilReplayed)
}

// Filter tracks block ranges that must not be prefetched yet: relations
// that WAL ahead of the replay position will create, extend or drop.
// Wildcard entries with an invalid relation number cover a whole
// database.
type Filter struct {
	table map[base.RelFileLocator]*filterEntry
	// root is the sentinel of the circular insertion-order list;
	// root.next is the newest entry and root.prev the oldest.
	root filterEntry
}

// NewFilter returns an empty filter.
func NewFilter() *Filter {
	f := &Filter{table: make(map[base.RelFileLocator]*filterEntry)}
	f.root.prev = &f.root
	f.root.next = &f.root
	return f
}

func (f *Filter) pushHead(e *filterEntry) {
	e.prev = &f.root
	e.next = f.root.next
	e.prev.next = e
	e.next.prev = e
}

func (f *Filter) unlink(e *filterEntry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev, e.next = nil, nil
}

// Add suppresses prefetching of blocks >= fromBlock in rel until lsn is
// replayed. An existing entry for rel is merged: its lifetime extends to
// the later of the two LSNs and its block range widens to the lower of
// the two starting blocks, and it moves to the head of the expiry order
// so that the tail stays sorted by expiry.
func (f *Filter) Add(rel base.RelFileLocator, fromBlock base.BlockNumber, lsn base.LSN) {
	if e, ok := f.table[rel]; ok {
		if lsn > e.untilReplayed {
			e.untilReplayed = lsn
		}
		if fromBlock < e.fromBlock {
			e.fromBlock = fromBlock
		}
		f.unlink(e)
		f.pushHead(e)
		return
	}
	e := &filterEntry{rel: rel, untilReplayed: lsn, fromBlock: fromBlock}
	f.table[rel] = e
	f.pushHead(e)
}

// IsFiltered reports whether prefetching block blk of rel is currently
// suppressed, either by an entry covering the block range or by a
// whole-database wildcard.
func (f *Filter) IsFiltered(rel base.RelFileLocator, blk base.BlockNumber) bool {
	// The empty check keeps the common no-filter path free of map
	// lookups.
	if len(f.table) == 0 {
		return false
	}
	if e, ok := f.table[rel]; ok && e.fromBlock <= blk {
		return true
	}
	if _, ok := f.table[rel.DatabaseWildcard()]; ok {
		return true
	}
	return false
}

// CompleteThrough drops entries whose guarding WAL has been replayed.
// Replaying past an entry's LSN means the relation has been created,
// extended or truncated as required.
func (f *Filter) CompleteThrough(replayed base.LSN) {
	for f.root.prev != &f.root {
		e := f.root.prev
		if e.untilReplayed >= replayed {
			break
		}
		f.unlink(e)
		delete(f.table, e.rel)
	}
}

// Len returns the number of live entries.
func (f *Filter) Len() int { return len(f.table) }

// Reset drops all entries.
func (f *Filter) Reset() {
	clear(f.table)
	f.root.prev = &f.root
	f.root.next = &f.root
}
