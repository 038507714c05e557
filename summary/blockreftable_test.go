// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package summary

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/pgcore/walreader/internal/base"
	"github.com/stretchr/testify/require"
)

func tableRel(n uint32) base.RelFileLocator {
	return base.RelFileLocator{SpcOid: 1663, DBOid: 5, RelNumber: base.Oid(n)}
}

func entryBlocks(t *testing.T, e *TableEntry) []base.BlockNumber {
	t.Helper()
	require.NotNil(t, e)
	return e.Blocks(0, base.InvalidBlockNumber, nil)
}

func TestBlockRefTableBasic(t *testing.T) {
	tab := NewBlockRefTable()
	rel := tableRel(100)

	tab.MarkBlockModified(rel, base.MainFork, 3)
	tab.MarkBlockModified(rel, base.MainFork, 7)
	tab.MarkBlockModified(rel, base.MainFork, 3)
	tab.MarkBlockModified(rel, base.VisibilityMapFork, 0)

	require.Nil(t, tab.Entry(tableRel(101), base.MainFork))
	require.Equal(t, 2, tab.Len())

	e := tab.Entry(rel, base.MainFork)
	require.Equal(t, base.InvalidBlockNumber, e.LimitBlock())
	require.Equal(t, []base.BlockNumber{3, 7}, entryBlocks(t, e))
	require.Equal(t, []base.BlockNumber{7}, e.Blocks(4, 8, nil))
	require.Empty(t, e.Blocks(4, 7, nil))

	require.Equal(t, []base.BlockNumber{0},
		entryBlocks(t, tab.Entry(rel, base.VisibilityMapFork)))
}

func TestBlockRefTableHighChunks(t *testing.T) {
	tab := NewBlockRefTable()
	rel := tableRel(200)

	// Blocks in chunk 0 and chunk 2, leaving chunk 1 empty.
	tab.MarkBlockModified(rel, base.MainFork, 10)
	tab.MarkBlockModified(rel, base.MainFork, 2*blocksPerChunk+5)

	e := tab.Entry(rel, base.MainFork)
	require.Equal(t, []base.BlockNumber{10, 2*blocksPerChunk + 5}, entryBlocks(t, e))
	require.Equal(t, []base.BlockNumber{2*blocksPerChunk + 5},
		e.Blocks(blocksPerChunk, base.InvalidBlockNumber, nil))
}

func TestBlockRefTableLimitBlock(t *testing.T) {
	tab := NewBlockRefTable()
	rel := tableRel(300)

	for _, blk := range []base.BlockNumber{0, 5, 6, 10, blocksPerChunk + 1} {
		tab.MarkBlockModified(rel, base.MainFork, blk)
	}
	tab.SetLimitBlock(rel, base.MainFork, 6)

	e := tab.Entry(rel, base.MainFork)
	require.Equal(t, base.BlockNumber(6), e.LimitBlock())
	require.Equal(t, []base.BlockNumber{0, 5}, entryBlocks(t, e))

	// Raising the limit is a no-op; the shortest length wins.
	tab.SetLimitBlock(rel, base.MainFork, 8)
	require.Equal(t, base.BlockNumber(6), e.LimitBlock())

	// Blocks past the old limit can reappear if the fork is re-extended.
	tab.MarkBlockModified(rel, base.MainFork, 9)
	require.Equal(t, []base.BlockNumber{0, 5, 9}, entryBlocks(t, e))

	// An entry created by a truncation alone records the limit.
	other := tableRel(301)
	tab.SetLimitBlock(other, base.MainFork, 0)
	oe := tab.Entry(other, base.MainFork)
	require.Equal(t, base.BlockNumber(0), oe.LimitBlock())
	require.Empty(t, entryBlocks(t, oe))
}

func TestBlockRefTableBitmapConversion(t *testing.T) {
	tab := NewBlockRefTable()
	rel := tableRel(400)

	// One more distinct offset than an array chunk can hold.
	for i := 0; i < maxEntriesPerChunk; i++ {
		tab.MarkBlockModified(rel, base.MainFork, base.BlockNumber(2*i))
	}
	e := tab.Entry(rel, base.MainFork)
	require.Equal(t, uint16(maxEntriesPerChunk), e.chunkUsage[0])

	blocks := entryBlocks(t, e)
	require.Len(t, blocks, maxEntriesPerChunk)
	for i, blk := range blocks {
		require.Equal(t, base.BlockNumber(2*i), blk)
	}

	// Bitmap chunks absorb further marks, including duplicates.
	tab.MarkBlockModified(rel, base.MainFork, 1)
	tab.MarkBlockModified(rel, base.MainFork, 1)
	require.Len(t, entryBlocks(t, e), maxEntriesPerChunk+1)

	// Truncation clears bits rather than filtering offsets.
	tab.SetLimitBlock(rel, base.MainFork, 4)
	require.Equal(t, []base.BlockNumber{0, 1, 2}, entryBlocks(t, e))
}

func TestBlockRefTableRoundTrip(t *testing.T) {
	tab := NewBlockRefTable()

	tab.MarkBlockModified(tableRel(20), base.MainFork, 1)
	tab.MarkBlockModified(tableRel(20), base.MainFork, 99)
	tab.MarkBlockModified(tableRel(20), base.VisibilityMapFork, 0)
	tab.MarkBlockModified(tableRel(10), base.MainFork, blocksPerChunk+7)
	tab.SetLimitBlock(tableRel(10), base.MainFork, blocksPerChunk+8)
	tab.SetLimitBlock(tableRel(30), base.MainFork, 0)
	for i := 0; i < maxEntriesPerChunk; i++ {
		tab.MarkBlockModified(tableRel(40), base.MainFork, base.BlockNumber(i))
	}

	var buf bytes.Buffer
	require.NoError(t, tab.Write(&buf))

	got, err := ReadBlockRefTable(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, tab.Len(), got.Len())

	want := tab.Entries()
	have := got.Entries()
	for i, we := range want {
		he := have[i]
		require.Equal(t, we.Rel(), he.Rel())
		require.Equal(t, we.Fork(), he.Fork())
		require.Equal(t, we.LimitBlock(), he.LimitBlock())
		require.Equal(t, entryBlocks(t, we), entryBlocks(t, he))
	}
}

func TestBlockRefTableEmptyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewBlockRefTable().Write(&buf))
	got, err := ReadBlockRefTable(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Zero(t, got.Len())
}

func TestBlockRefTableCorruption(t *testing.T) {
	tab := NewBlockRefTable()
	tab.MarkBlockModified(tableRel(50), base.MainFork, 12)
	var buf bytes.Buffer
	require.NoError(t, tab.Write(&buf))
	data := buf.Bytes()

	t.Run("magic", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[0] ^= 0xFF
		_, err := ReadBlockRefTable(bytes.NewReader(bad))
		require.True(t, errors.Is(err, ErrMalformedTable))
		require.Contains(t, err.Error(), "magic")
	})
	t.Run("checksum", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[8] ^= 0xFF
		_, err := ReadBlockRefTable(bytes.NewReader(bad))
		require.True(t, errors.Is(err, ErrMalformedTable))
		require.Contains(t, err.Error(), "checksum")
	})
	t.Run("truncated", func(t *testing.T) {
		_, err := ReadBlockRefTable(bytes.NewReader(data[:len(data)-4]))
		require.True(t, errors.Is(err, ErrMalformedTable))
	})
}
