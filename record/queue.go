// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package record

// DefaultDecodeBufferSize is the byte capacity of a decode ring when the
// caller doesn't specify one.
const DefaultDecodeBufferSize = 2 << 20

// DecodeBuffer is a bounded FIFO of decoded records awaiting consumption.
// Record data sections are packed contiguously into a byte ring; a record
// that would cross the ring's wraparound boundary is instead given a
// stand-alone oversized allocation, freed individually on release. The
// records themselves, in-ring or oversized, form one FIFO list in strict
// LSN order.
type DecodeBuffer struct {
	mem []byte

	// [tailOff, headOff) is the occupied span of mem, in FIFO allocation
	// order; allocations never cross the wraparound boundary.
	headOff int
	tailOff int
	used    int

	head  *DecodedRecord // oldest
	tail  *DecodedRecord // newest
	count int
}

// NewDecodeBuffer returns a decode buffer with the given ring capacity in
// bytes; size <= 0 selects DefaultDecodeBufferSize.
func NewDecodeBuffer(size int) *DecodeBuffer {
	if size <= 0 {
		size = DefaultDecodeBufferSize
	}
	return &DecodeBuffer{mem: make([]byte, size)}
}

// alloc reserves n contiguous bytes, preferring the ring. The returned
// slice has zero length and capacity n. The reservation is released when
// the record holding it is released in FIFO order.
func (d *DecodeBuffer) alloc(n int) (mem []byte, off int, oversized bool) {
	if d.used == 0 {
		d.headOff, d.tailOff = 0, 0
	}
	off = -1
	switch {
	case n > len(d.mem):
		// Larger than the whole ring.
	case d.used == 0 || d.headOff > d.tailOff:
		if len(d.mem)-d.headOff >= n {
			off = d.headOff
		} else if d.tailOff >= n {
			off = 0 // wrap
		}
	case d.headOff == d.tailOff:
		// Ring exactly full.
	default: // headOff < tailOff
		if d.tailOff-d.headOff >= n {
			off = d.headOff
		}
	}
	if off < 0 {
		return make([]byte, 0, n), 0, true
	}
	d.headOff = off + n
	d.used += n
	return d.mem[off : off : off+n], off, false
}

// push appends a decoded record to the FIFO.
func (d *DecodeBuffer) push(r *DecodedRecord) {
	r.next = nil
	if d.tail != nil {
		d.tail.next = r
	} else {
		d.head = r
	}
	d.tail = r
	d.count++
}

// Head returns the oldest queued record without removing it, or nil.
func (d *DecodeBuffer) Head() *DecodedRecord { return d.head }

// Tail returns the newest queued record, or nil.
func (d *DecodeBuffer) Tail() *DecodedRecord { return d.tail }

// Next returns the record queued after r, or nil.
func (r *DecodedRecord) Next() *DecodedRecord { return r.next }

// ReleaseHead removes and releases the oldest record. In-ring space is
// reclaimed by advancing the ring tail; oversized records simply drop
// their allocation.
func (d *DecodeBuffer) ReleaseHead() {
	r := d.head
	if r == nil {
		return
	}
	d.head = r.next
	if d.head == nil {
		d.tail = nil
	}
	d.count--
	if !r.oversized {
		d.used -= cap(r.mem)
		// The next in-ring record's allocation begins the live span; if
		// none remains the ring is empty.
		next := d.head
		for next != nil && next.oversized {
			next = next.next
		}
		if next == nil {
			d.tailOff = d.headOff
		} else {
			d.tailOff = next.ringOff
		}
	}
	r.next = nil
	r.mem = nil
}

// Empty reports whether no records are queued.
func (d *DecodeBuffer) Empty() bool { return d.count == 0 }

// Len returns the number of queued records.
func (d *DecodeBuffer) Len() int { return d.count }

// BytesUsed returns the ring bytes currently reserved.
func (d *DecodeBuffer) BytesUsed() int { return d.used }

// Reset discards all queued records and reclaims the ring.
func (d *DecodeBuffer) Reset() {
	for r := d.head; r != nil; {
		next := r.next
		r.next, r.mem = nil, nil
		r = next
	}
	d.head, d.tail, d.count = nil, nil, 0
	d.headOff, d.tailOff, d.used = 0, 0, 0
}
