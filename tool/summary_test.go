// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package tool

import (
	"strings"
	"testing"

	"github.com/pgcore/walreader/internal/base"
	"github.com/pgcore/walreader/summary"
	"github.com/pgcore/walreader/vfs"
	"github.com/stretchr/testify/require"
)

func writeSummaryFile(t *testing.T, fs vfs.FS, path string, table *summary.BlockRefTable) {
	t.Helper()
	f, err := fs.Create(path)
	require.NoError(t, err)
	require.NoError(t, table.Write(f))
	require.NoError(t, f.Close())
}

func TestWaldumpSummary(t *testing.T) {
	rel := base.RelFileLocator{SpcOid: 1663, DBOid: 5, RelNumber: 16384}
	table := summary.NewBlockRefTable()
	table.MarkBlockModified(rel, base.MainFork, 3)
	table.MarkBlockModified(rel, base.MainFork, 4)
	table.MarkBlockModified(rel, base.MainFork, 5)
	table.MarkBlockModified(rel, base.MainFork, 10)
	table.SetLimitBlock(rel, base.VisibilityMapFork, 2)

	fs := vfs.NewMem()
	name := base.SummaryFilename(1, 0x100028, 0x200000)
	writeSummaryFile(t, fs, name, table)

	status, stdout, stderr := runWaldump(t, fs, "summary", name)
	require.Equal(t, 0, status, stderr)
	lines := strings.Split(strings.TrimRight(stdout, "\n"), "\n")
	require.Equal(t, []string{
		"TS 1663, DB 5, REL 16384, FORK main: blocks 3..5",
		"TS 1663, DB 5, REL 16384, FORK main: block 10",
		"TS 1663, DB 5, REL 16384, FORK vm: limit 2",
	}, lines)
}

func TestWaldumpSummaryCorrupt(t *testing.T) {
	fs := vfs.NewMem()
	f, err := fs.Create("bad.summary")
	require.NoError(t, err)
	_, err = f.Write([]byte("not a summary file"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	status, stdout, stderr := runWaldump(t, fs, "summary", "bad.summary")
	require.Equal(t, 2, status)
	require.Empty(t, stdout)
	require.Contains(t, stderr, "malformed block reference table")
}
