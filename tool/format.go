// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package tool

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/pgcore/walreader/internal/base"
	"github.com/pgcore/walreader/record"
)

func lsnParts(l base.LSN) (uint32, uint32) {
	return uint32(uint64(l) >> 32), uint32(uint64(l))
}

// recordLengths splits a record's total length into the portion spent
// on full-page images and the rest.
func recordLengths(rec *record.DecodedRecord) (recLen, fpiLen uint32) {
	blocks := rec.Blocks()
	for i := range blocks {
		if blocks[i].InUse && blocks[i].HasImage {
			fpiLen += uint32(len(blocks[i].Image))
		}
	}
	return rec.Header.TotalLen - fpiLen, fpiLen
}

// displayRecord prints one record in the classic dump layout: a fixed
// header portion, the rmgr's description, and the block references
// either inline or one per indented line with image details.
func (w *waldumpT) displayRecord(out io.Writer, rec *record.DecodedRecord) {
	desc, _ := w.registry.Lookup(rec.Header.RmgrID)
	recLen, _ := recordLengths(rec)
	lsnHi, lsnLo := lsnParts(rec.LSN)
	prevHi, prevLo := lsnParts(rec.Header.Prev)
	fmt.Fprintf(out, "rmgr: %-11s len (rec/tot): %6d/%6d, tx: %10d, lsn: %X/%08X, prev %X/%08X, desc: %s %s",
		desc.Name, recLen, rec.Header.TotalLen, uint32(rec.Header.Xid),
		lsnHi, lsnLo, prevHi, prevLo,
		desc.Identify(rec.Header.Info), desc.Describe(rec))

	if !w.bkpDetails {
		for id := 0; id <= rec.MaxBlockID; id++ {
			blk := rec.BlockRef(id)
			if blk == nil {
				continue
			}
			if blk.Fork != base.MainFork {
				fmt.Fprintf(out, ", blkref #%d: rel %s fork %s blk %d", id, blk.Rel, blk.Fork, blk.Block)
			} else {
				fmt.Fprintf(out, ", blkref #%d: rel %s blk %d", id, blk.Rel, blk.Block)
			}
			if blk.HasImage {
				if blk.ApplyImage {
					fmt.Fprintf(out, " FPW")
				} else {
					fmt.Fprintf(out, " FPW for WAL verification")
				}
			}
		}
		fmt.Fprintln(out)
		return
	}

	fmt.Fprintln(out)
	for id := 0; id <= rec.MaxBlockID; id++ {
		blk := rec.BlockRef(id)
		if blk == nil {
			continue
		}
		fmt.Fprintf(out, "\tblkref #%d: rel %s fork %s blk %d", id, blk.Rel, blk.Fork, blk.Block)
		if blk.HasImage {
			apply := ""
			if !blk.ApplyImage {
				apply = " for WAL verification"
			}
			if blk.Compression != record.CompressionNone {
				saved := base.PageSize - int(blk.HoleLength) - len(blk.Image)
				fmt.Fprintf(out, " (FPW%s); hole: offset: %d, length: %d, compression saved: %d, method: %s",
					apply, blk.HoleOffset, blk.HoleLength, saved, blk.Compression)
			} else {
				fmt.Fprintf(out, " (FPW%s); hole: offset: %d, length: %d",
					apply, blk.HoleOffset, blk.HoleLength)
			}
		}
		fmt.Fprintln(out)
	}
}

type statsBucket struct {
	count  uint64
	recLen uint64
	fpiLen uint64
}

func (b *statsBucket) add(recLen, fpiLen uint32) {
	b.count++
	b.recLen += uint64(recLen)
	b.fpiLen += uint64(fpiLen)
}

// dumpStats accumulates per-rmgr and per-opcode record counts and
// sizes.
type dumpStats struct {
	rmgr   [int(base.RmgrIDMax) + 1]statsBucket
	opcode [int(base.RmgrIDMax) + 1][16]statsBucket
}

func (s *dumpStats) count(rec *record.DecodedRecord) {
	recLen, fpiLen := recordLengths(rec)
	id := rec.Header.RmgrID
	s.rmgr[id].add(recLen, fpiLen)
	s.opcode[id][rec.Header.Opcode()>>4].add(recLen, fpiLen)
}

// displayStats renders the accumulated statistics, one row per rmgr or
// per (rmgr, opcode) pair, with a trailing total row.
func (w *waldumpT) displayStats(out io.Writer, stats *dumpStats, perRecord bool) {
	var total statsBucket
	for id := range stats.rmgr {
		b := &stats.rmgr[id]
		total.count += b.count
		total.recLen += b.recLen
		total.fpiLen += b.fpiLen
	}
	totCombined := total.recLen + total.fpiLen

	tbl := tablewriter.NewWriter(out)
	tbl.SetHeader([]string{"Type", "N", "(%)", "Record size", "(%)", "FPI size", "(%)", "Combined size", "(%)"})
	row := func(name string, b statsBucket) {
		comb := b.recLen + b.fpiLen
		tbl.Append([]string{
			name,
			fmt.Sprintf("%d", b.count), pct(b.count, total.count),
			fmt.Sprintf("%d", b.recLen), pct(b.recLen, total.recLen),
			fmt.Sprintf("%d", b.fpiLen), pct(b.fpiLen, total.fpiLen),
			fmt.Sprintf("%d", comb), pct(comb, totCombined),
		})
	}
	for id := range stats.rmgr {
		if stats.rmgr[id].count == 0 {
			continue
		}
		desc, _ := w.registry.Lookup(base.RmgrID(id))
		if !perRecord {
			row(desc.Name, stats.rmgr[id])
			continue
		}
		for op := 0; op < 16; op++ {
			if b := stats.opcode[id][op]; b.count > 0 {
				row(fmt.Sprintf("%s/%s", desc.Name, desc.Identify(uint8(op<<4))), b)
			}
		}
	}
	row("Total", total)
	tbl.Render()
}

func pct(n, total uint64) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f", float64(n)*100/float64(total))
}

// listRmgrs prints the descriptor registry.
func (w *waldumpT) listRmgrs(out io.Writer) {
	tbl := tablewriter.NewWriter(out)
	tbl.SetHeader([]string{"ID", "Name"})
	for id, name := range w.registry.Names() {
		if name == "" {
			continue
		}
		tbl.Append([]string{fmt.Sprintf("%d", id), name})
	}
	tbl.Render()
}
