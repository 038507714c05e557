// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package prefetch

import (
	"testing"

	"github.com/pgcore/walreader/internal/base"
	"github.com/stretchr/testify/require"
)

// scriptedNext serves a fixed sequence of outcomes, then NextAgain.
type scriptedNext struct {
	outcomes []NextStatus
	lsns     []base.LSN
	calls    int
}

func (s *scriptedNext) next() (base.LSN, NextStatus) {
	i := s.calls
	s.calls++
	if i >= len(s.outcomes) {
		return base.InvalidLSN, NextAgain
	}
	return s.lsns[i], s.outcomes[i]
}

func TestLsnReadQueueInflightCap(t *testing.T) {
	s := &scriptedNext{
		outcomes: []NextStatus{NextIO, NextIO, NextIO, NextIO},
		lsns:     []base.LSN{100, 200, 300, 400},
	}
	q := NewLsnReadQueue(8, 2, s.next)

	q.TrySubmit()
	require.Equal(t, 2, q.Inflight())
	require.Equal(t, 0, q.Completed())
	require.Equal(t, 2, s.calls)

	// Nothing retires below the tail's LSN.
	q.RetireThrough(100)
	require.Equal(t, 2, q.Inflight())

	// Replaying past the first entry frees one slot.
	q.RetireThrough(101)
	require.Equal(t, 1, q.Inflight())
	q.TrySubmit()
	require.Equal(t, 2, q.Inflight())
	require.Equal(t, 3, s.calls)
}

func TestLsnReadQueueDistanceCap(t *testing.T) {
	s := &scriptedNext{
		outcomes: []NextStatus{NextNoIO, NextNoIO, NextNoIO, NextIO, NextIO},
		lsns:     []base.LSN{10, 20, 30, 40, 50},
	}
	q := NewLsnReadQueue(3, 2, s.next)

	// Three entries fill the ring regardless of their kind.
	q.TrySubmit()
	require.Equal(t, 0, q.Inflight())
	require.Equal(t, 3, q.Completed())
	require.Equal(t, 3, s.calls)

	q.RetireThrough(21)
	require.Equal(t, 1, q.Completed())
	q.TrySubmit()
	require.Equal(t, 2, q.Inflight())
	require.Equal(t, 1, q.Completed())
	require.Equal(t, 5, s.calls)
}

func TestLsnReadQueueStopsOnAgain(t *testing.T) {
	s := &scriptedNext{
		outcomes: []NextStatus{NextIO},
		lsns:     []base.LSN{100},
	}
	q := NewLsnReadQueue(8, 4, s.next)

	q.TrySubmit()
	require.Equal(t, 1, q.Inflight())
	// The NextAgain outcome ended the loop; a new TrySubmit asks again.
	require.Equal(t, 2, s.calls)
	q.TrySubmit()
	require.Equal(t, 3, s.calls)
}

// TestLsnReadQueueWraparound cycles more entries through a small ring
// than it has slots.
func TestLsnReadQueueWraparound(t *testing.T) {
	var lsn base.LSN
	next := func() (base.LSN, NextStatus) {
		lsn += 10
		return lsn, NextIO
	}
	q := NewLsnReadQueue(3, 3, next)

	for i := 0; i < 10; i++ {
		q.TrySubmit()
		require.Equal(t, 3, q.Inflight())
		q.RetireThrough(lsn + 1)
		require.Equal(t, 0, q.Inflight())
	}
	require.Equal(t, base.LSN(300), lsn)
}
