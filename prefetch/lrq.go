// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package prefetch

import "github.com/pgcore/walreader/internal/base"

// NextStatus is the outcome of one NextFunc invocation.
type NextStatus int8

const (
	// NextNoIO means the next block reference was examined and no read
	// was started, either because the block is already cached or because
	// prefetching it was skipped.
	NextNoIO NextStatus = iota
	// NextIO means a read was started for the next block reference; it
	// counts as in flight until the reported LSN is replayed.
	NextIO
	// NextAgain means no further block reference is available yet.
	NextAgain
)

// NextFunc examines the next upcoming block reference and possibly
// starts a read for it. On NextIO and NextNoIO it returns the LSN of
// the record holding the reference; the entry retires once that LSN is
// replayed.
type NextFunc func() (base.LSN, NextStatus)

type lrqEntry struct {
	lsn base.LSN
	io  bool
}

// LsnReadQueue is a fixed-capacity ring of block references that have
// been examined ahead of the replay position, ordered by LSN. It bounds
// both the number of reads in flight and the total look-ahead distance
// in block references.
type LsnReadQueue struct {
	next        NextFunc
	maxInflight int

	inflight  int
	completed int
	head      int
	tail      int
	queue     []lrqEntry
}

// NewLsnReadQueue returns a queue that admits at most maxInflight
// concurrent reads and at most maxDistance entries in total.
// maxDistance must be at least maxInflight.
func NewLsnReadQueue(maxDistance, maxInflight int, next NextFunc) *LsnReadQueue {
	if maxDistance < maxInflight {
		maxDistance = maxInflight
	}
	return &LsnReadQueue{
		next:        next,
		maxInflight: maxInflight,
		// One ring slot stays vacant so head == tail means empty.
		queue: make([]lrqEntry, maxDistance+1),
	}
}

// Inflight returns the number of reads currently counted as in flight.
func (q *LsnReadQueue) Inflight() int { return q.inflight }

// Completed returns the number of examined references that needed no
// read, or whose read has (presumably) finished.
func (q *LsnReadQueue) Completed() int { return q.completed }

// TrySubmit invokes the queue's NextFunc for as long as both caps
// allow, admitting one entry per NextIO or NextNoIO outcome, and stops
// at NextAgain.
func (q *LsnReadQueue) TrySubmit() {
	for q.inflight < q.maxInflight &&
		q.inflight+q.completed < len(q.queue)-1 {
		lsn, status := q.next()
		switch status {
		case NextAgain:
			return
		case NextIO:
			q.queue[q.head] = lrqEntry{lsn: lsn, io: true}
			q.inflight++
		case NextNoIO:
			q.queue[q.head] = lrqEntry{lsn: lsn, io: false}
			q.completed++
		}
		q.head++
		if q.head == len(q.queue) {
			q.head = 0
		}
	}
}

// RetireThrough retires entries whose LSN has been replayed. A read
// started on behalf of a record is considered finished once that record
// has been replayed, since replay itself read the block.
func (q *LsnReadQueue) RetireThrough(replayed base.LSN) {
	for q.tail != q.head && q.queue[q.tail].lsn < replayed {
		if q.queue[q.tail].io {
			q.inflight--
		} else {
			q.completed--
		}
		q.tail++
		if q.tail == len(q.queue) {
			q.tail = 0
		}
	}
}
