// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package tool

import (
	"fmt"
	"io"

	"github.com/pgcore/walreader/internal/base"
	"github.com/pgcore/walreader/summary"
	"github.com/spf13/cobra"
)

func (w *waldumpT) runSummary(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	w.status = 0

	table, err := summary.ReadSummaryFile(w.fs, args[0])
	if err != nil {
		fmt.Fprintf(stderr, "waldump: %v\n", err)
		w.status = 2
		return
	}
	for _, e := range table.Entries() {
		printSummaryEntry(stdout, e)
	}
}

// printSummaryEntry prints one relation fork's limit block and modified
// blocks, coalescing ascending runs into ranges.
func printSummaryEntry(out io.Writer, e *summary.TableEntry) {
	rel, fork := e.Rel(), e.Fork()
	prefix := fmt.Sprintf("TS %d, DB %d, REL %d, FORK %s",
		uint32(rel.SpcOid), uint32(rel.DBOid), uint32(rel.RelNumber), fork)
	if limit := e.LimitBlock(); limit != base.InvalidBlockNumber {
		fmt.Fprintf(out, "%s: limit %d\n", prefix, limit)
	}
	blocks := e.Blocks(0, base.InvalidBlockNumber, nil)
	for i := 0; i < len(blocks); {
		j := i + 1
		for j < len(blocks) && blocks[j] == blocks[j-1]+1 {
			j++
		}
		if j == i+1 {
			fmt.Fprintf(out, "%s: block %d\n", prefix, blocks[i])
		} else {
			fmt.Fprintf(out, "%s: blocks %d..%d\n", prefix, blocks[i], blocks[j-1])
		}
		i = j
	}
}
