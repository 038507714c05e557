// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package summary derives WAL summary files: per-relation-fork sets of
// modified blocks, plus the shortest known fork length, for an LSN
// range of WAL. The Summarizer drives a wal.Reader over the range and
// accumulates a BlockRefTable, which serializes to the summary file
// format.
package summary

import (
	"bufio"
	"io"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/pgcore/walreader/internal/base"
)

// A relation fork is divided into chunks of 2^16 blocks, and each chunk
// independently picks between two representations: an array of 2-byte
// in-chunk offsets while the population is small, and a bitmap of one
// bit per block once the array would reach maxEntriesPerChunk entries.
// A bitmap chunk holds maxEntriesPerChunk uint16 words, so the two
// forms occupy the same space at the crossover and the serialized
// payload of a chunk is always chunkUsage words. The same layout is
// used in memory and on disk.
const (
	blocksPerChunk         = 1 << 16
	blocksPerEntry         = 16
	maxEntriesPerChunk     = blocksPerChunk / blocksPerEntry
	initialEntriesPerChunk = 16
)

// tableMagic begins every serialized block reference table.
const tableMagic uint32 = 0x652b137b

// ErrMalformedTable marks summary files that fail structural or
// checksum validation.
var ErrMalformedTable = errors.New("walreader/summary: malformed block reference table")

type tableKey struct {
	rel  base.RelFileLocator
	fork base.ForkNumber
}

// TableEntry is the state of one relation fork: its limit block and the
// chunked set of modified blocks.
type TableEntry struct {
	rel  base.RelFileLocator
	fork base.ForkNumber

	// limitBlock is the shortest known length of the fork within the
	// summarized range, or InvalidBlockNumber if never truncated or
	// created.
	limitBlock base.BlockNumber

	// chunkUsage[i] counts the used words of chunkData[i]. A chunk
	// whose usage equals maxEntriesPerChunk is a bitmap; any smaller
	// usage means an offset array.
	chunkUsage []uint16
	chunkData  [][]uint16
}

// Rel returns the relation file the entry describes.
func (e *TableEntry) Rel() base.RelFileLocator { return e.rel }

// Fork returns the fork the entry describes.
func (e *TableEntry) Fork() base.ForkNumber { return e.fork }

// LimitBlock returns the shortest known fork length in blocks, or
// InvalidBlockNumber when no truncation or creation was observed.
func (e *TableEntry) LimitBlock() base.BlockNumber { return e.limitBlock }

// Blocks appends to out the modified block numbers b with
// start <= b < stop, chunk by chunk, and returns the extended slice.
// Within an array chunk blocks appear in insertion order; within a
// bitmap chunk they are ascending.
func (e *TableEntry) Blocks(start, stop base.BlockNumber, out []base.BlockNumber) []base.BlockNumber {
	startChunk := int(uint32(start) / blocksPerChunk)
	stopChunk := int(uint32(stop) / blocksPerChunk)
	if uint32(stop)%blocksPerChunk != 0 {
		stopChunk++
	}
	if stopChunk > len(e.chunkUsage) {
		stopChunk = len(e.chunkUsage)
	}
	for chunkno := startChunk; chunkno < stopChunk; chunkno++ {
		usage := e.chunkUsage[chunkno]
		data := e.chunkData[chunkno]
		startOff, stopOff := uint32(0), uint32(blocksPerChunk)
		if chunkno == startChunk {
			startOff = uint32(start) % blocksPerChunk
		}
		if chunkno == stopChunk-1 && uint32(stop)-uint32(chunkno)*blocksPerChunk < blocksPerChunk {
			stopOff = uint32(stop) - uint32(chunkno)*blocksPerChunk
		}
		if usage == maxEntriesPerChunk {
			for off := startOff; off < stopOff; off++ {
				if data[off/blocksPerEntry]&(1<<(off%blocksPerEntry)) != 0 {
					out = append(out, base.BlockNumber(uint32(chunkno)*blocksPerChunk+off))
				}
			}
		} else {
			for _, off := range data[:usage] {
				if uint32(off) >= startOff && uint32(off) < stopOff {
					out = append(out, base.BlockNumber(uint32(chunkno)*blocksPerChunk+uint32(off)))
				}
			}
		}
	}
	return out
}

// setLimitBlock lowers the limit block and forgets any modified blocks
// at or beyond it. Raising the limit is a no-op; the limit tracks the
// shortest length the fork reached.
func (e *TableEntry) setLimitBlock(limit base.BlockNumber) {
	if limit >= e.limitBlock {
		return
	}
	e.limitBlock = limit
	limitChunk := int(uint32(limit) / blocksPerChunk)
	limitOff := uint16(uint32(limit) % blocksPerChunk)
	if limitChunk >= len(e.chunkUsage) {
		return
	}
	for i := limitChunk + 1; i < len(e.chunkUsage); i++ {
		e.chunkUsage[i] = 0
	}
	data := e.chunkData[limitChunk]
	if e.chunkUsage[limitChunk] == maxEntriesPerChunk {
		for off := uint32(limitOff); off < blocksPerChunk; off++ {
			data[off/blocksPerEntry] &^= 1 << (off % blocksPerEntry)
		}
	} else {
		j := 0
		for _, off := range data[:e.chunkUsage[limitChunk]] {
			if off < limitOff {
				data[j] = off
				j++
			}
		}
		e.chunkUsage[limitChunk] = uint16(j)
	}
}

// markBlockModified records blk as modified.
func (e *TableEntry) markBlockModified(blk base.BlockNumber) {
	chunkno := int(uint32(blk) / blocksPerChunk)
	off := uint16(uint32(blk) % blocksPerChunk)
	if chunkno >= len(e.chunkUsage) {
		usage := make([]uint16, chunkno+1)
		copy(usage, e.chunkUsage)
		data := make([][]uint16, chunkno+1)
		copy(data, e.chunkData)
		e.chunkUsage, e.chunkData = usage, data
	}
	usage := e.chunkUsage[chunkno]
	data := e.chunkData[chunkno]
	switch {
	case data == nil:
		data = make([]uint16, 0, initialEntriesPerChunk)
		e.chunkData[chunkno] = append(data, off)
		e.chunkUsage[chunkno] = 1
	case usage == maxEntriesPerChunk:
		data[off/blocksPerEntry] |= 1 << (off % blocksPerEntry)
	default:
		for _, o := range data[:usage] {
			if o == off {
				return
			}
		}
		if usage == maxEntriesPerChunk-1 {
			// The array is about to reach its maximum population;
			// convert to a bitmap.
			bitmap := make([]uint16, maxEntriesPerChunk)
			for _, o := range data[:usage] {
				bitmap[o/blocksPerEntry] |= 1 << (o % blocksPerEntry)
			}
			bitmap[off/blocksPerEntry] |= 1 << (off % blocksPerEntry)
			e.chunkData[chunkno] = bitmap
			e.chunkUsage[chunkno] = maxEntriesPerChunk
		} else {
			e.chunkData[chunkno] = append(data[:usage], off)
			e.chunkUsage[chunkno] = usage + 1
		}
	}
}

// BlockRefTable tracks modified blocks and limit blocks for every
// relation fork named by a range of WAL.
type BlockRefTable struct {
	entries map[tableKey]*TableEntry
}

// NewBlockRefTable returns an empty table.
func NewBlockRefTable() *BlockRefTable {
	return &BlockRefTable{entries: make(map[tableKey]*TableEntry)}
}

func (t *BlockRefTable) lookup(rel base.RelFileLocator, fork base.ForkNumber, create bool) *TableEntry {
	k := tableKey{rel: rel, fork: fork}
	e := t.entries[k]
	if e == nil && create {
		e = &TableEntry{rel: rel, fork: fork, limitBlock: base.InvalidBlockNumber}
		t.entries[k] = e
	}
	return e
}

// SetLimitBlock records that the fork was created or truncated to limit
// blocks, and forgets modified blocks at or beyond the limit.
func (t *BlockRefTable) SetLimitBlock(rel base.RelFileLocator, fork base.ForkNumber, limit base.BlockNumber) {
	t.lookup(rel, fork, true).setLimitBlock(limit)
}

// MarkBlockModified records that blk of the given fork appeared in a
// block reference.
func (t *BlockRefTable) MarkBlockModified(rel base.RelFileLocator, fork base.ForkNumber, blk base.BlockNumber) {
	t.lookup(rel, fork, true).markBlockModified(blk)
}

// Entry returns the entry for a relation fork, or nil if the range
// never touched it.
func (t *BlockRefTable) Entry(rel base.RelFileLocator, fork base.ForkNumber) *TableEntry {
	return t.lookup(rel, fork, false)
}

// Len returns the number of relation forks with entries.
func (t *BlockRefTable) Len() int { return len(t.entries) }

// Entries returns the table's entries sorted by tablespace, database,
// relation, and fork, which is also the serialization order.
func (t *BlockRefTable) Entries() []*TableEntry {
	entries := make([]*TableEntry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.rel.SpcOid != b.rel.SpcOid {
			return a.rel.SpcOid < b.rel.SpcOid
		}
		if a.rel.DBOid != b.rel.DBOid {
			return a.rel.DBOid < b.rel.DBOid
		}
		if a.rel.RelNumber != b.rel.RelNumber {
			return a.rel.RelNumber < b.rel.RelNumber
		}
		return a.fork < b.fork
	})
	return entries
}

const serializedEntrySize = 24

// tableBuffer accumulates serialized bytes, folding everything written
// through it into the integrity hash.
type tableBuffer struct {
	w   io.Writer
	sum *xxhash.Digest
	buf []byte
	err error
}

const tableBufferSize = 1 << 16

func newTableBuffer(w io.Writer) *tableBuffer {
	return &tableBuffer{w: w, sum: xxhash.New(), buf: make([]byte, 0, tableBufferSize)}
}

func (b *tableBuffer) write(p []byte) {
	if b.err != nil {
		return
	}
	_, _ = b.sum.Write(p)
	b.raw(p)
}

// raw writes bytes without hashing them; used for the trailer.
func (b *tableBuffer) raw(p []byte) {
	if b.err != nil {
		return
	}
	b.buf = append(b.buf, p...)
	if len(b.buf) >= tableBufferSize {
		b.flush()
	}
}

func (b *tableBuffer) u16(v uint16) {
	b.write([]byte{byte(v), byte(v >> 8)})
}

func (b *tableBuffer) u32(v uint32) {
	b.write([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

func (b *tableBuffer) flush() {
	if b.err != nil || len(b.buf) == 0 {
		return
	}
	_, err := b.w.Write(b.buf)
	b.buf = b.buf[:0]
	b.err = err
}

func serializeEntry(b *tableBuffer, e *TableEntry, nchunks int) {
	b.u32(uint32(e.rel.SpcOid))
	b.u32(uint32(e.rel.DBOid))
	b.u32(uint32(e.rel.RelNumber))
	b.u32(uint32(e.fork))
	b.u32(uint32(e.limitBlock))
	b.u32(uint32(nchunks))
}

// Write serializes the table: the magic number, each entry in sorted
// order (header, chunk usage array with trailing empty chunks trimmed,
// then each non-empty chunk's words), a zero sentinel entry, and an
// xxhash64 trailer over everything before it.
func (t *BlockRefTable) Write(w io.Writer) error {
	b := newTableBuffer(w)
	b.u32(tableMagic)
	for _, e := range t.Entries() {
		nchunks := len(e.chunkUsage)
		for nchunks > 0 && e.chunkUsage[nchunks-1] == 0 {
			nchunks--
		}
		serializeEntry(b, e, nchunks)
		for _, usage := range e.chunkUsage[:nchunks] {
			b.u16(usage)
		}
		for i := 0; i < nchunks; i++ {
			for _, word := range e.chunkData[i][:e.chunkUsage[i]] {
				b.u16(word)
			}
		}
	}
	b.write(make([]byte, serializedEntrySize))
	sum := b.sum.Sum64()
	var trailer [8]byte
	for i := range trailer {
		trailer[i] = byte(sum >> (8 * i))
	}
	b.raw(trailer[:])
	b.flush()
	return b.err
}

type tableReader struct {
	r   *bufio.Reader
	sum *xxhash.Digest
}

func (r *tableReader) readFull(p []byte) error {
	if _, err := io.ReadFull(r.r, p); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return errors.Wrap(ErrMalformedTable, "unexpected end of file")
		}
		return err
	}
	_, _ = r.sum.Write(p)
	return nil
}

func (r *tableReader) u16s(out []uint16) error {
	buf := make([]byte, 2*len(out))
	if err := r.readFull(buf); err != nil {
		return err
	}
	for i := range out {
		out[i] = uint16(buf[2*i]) | uint16(buf[2*i+1])<<8
	}
	return nil
}

// ReadBlockRefTable deserializes a table written by Write, verifying
// the magic number and the integrity trailer.
func ReadBlockRefTable(rd io.Reader) (*BlockRefTable, error) {
	r := &tableReader{r: bufio.NewReader(rd), sum: xxhash.New()}
	var head [4]byte
	if err := r.readFull(head[:]); err != nil {
		return nil, err
	}
	if magic := uint32(head[0]) | uint32(head[1])<<8 | uint32(head[2])<<16 | uint32(head[3])<<24; magic != tableMagic {
		return nil, errors.Wrapf(ErrMalformedTable,
			"wrong magic number: expected %#x, found %#x", tableMagic, magic)
	}
	t := NewBlockRefTable()
	var hdr [serializedEntrySize]byte
	for {
		if err := r.readFull(hdr[:]); err != nil {
			return nil, err
		}
		if hdr == [serializedEntrySize]byte{} {
			// Sentinel. The trailer hashes everything before itself, so
			// capture the running sum before consuming it.
			expected := r.sum.Sum64()
			var trailer [8]byte
			if _, err := io.ReadFull(r.r, trailer[:]); err != nil {
				return nil, errors.Wrap(ErrMalformedTable, "missing integrity trailer")
			}
			var actual uint64
			for i := range trailer {
				actual |= uint64(trailer[i]) << (8 * i)
			}
			if actual != expected {
				return nil, errors.Wrapf(ErrMalformedTable,
					"wrong checksum: expected %016x, found %016x", expected, actual)
			}
			return t, nil
		}
		le := func(i int) uint32 {
			return uint32(hdr[i]) | uint32(hdr[i+1])<<8 | uint32(hdr[i+2])<<16 | uint32(hdr[i+3])<<24
		}
		e := &TableEntry{
			rel: base.RelFileLocator{
				SpcOid:    base.Oid(le(0)),
				DBOid:     base.Oid(le(4)),
				RelNumber: base.Oid(le(8)),
			},
			fork:       base.ForkNumber(le(12)),
			limitBlock: base.BlockNumber(le(16)),
		}
		nchunks := int(le(20))
		e.chunkUsage = make([]uint16, nchunks)
		if err := r.u16s(e.chunkUsage); err != nil {
			return nil, err
		}
		e.chunkData = make([][]uint16, nchunks)
		for i, usage := range e.chunkUsage {
			if usage == 0 {
				continue
			}
			if usage > maxEntriesPerChunk {
				return nil, errors.Wrapf(ErrMalformedTable, "chunk usage %d out of range", usage)
			}
			e.chunkData[i] = make([]uint16, usage)
			if err := r.u16s(e.chunkData[i]); err != nil {
				return nil, err
			}
		}
		t.entries[tableKey{rel: e.rel, fork: e.fork}] = e
	}
}
