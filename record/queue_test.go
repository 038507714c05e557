// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package record

import (
	"fmt"
	"testing"

	"github.com/pgcore/walreader/internal/base"
	"github.com/stretchr/testify/require"
)

// decodeInto encodes a record with a payload of n bytes and decodes it
// into buf, returning the queued record.
func decodeInto(t *testing.T, buf *DecodeBuffer, lsn base.LSN, n int) *DecodedRecord {
	t.Helper()
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(lsn) + byte(i)
	}
	raw, err := EncodeRecord(&RecordSpec{RmgrID: 10, Xid: 1, MainData: payload}, 0)
	require.NoError(t, err)
	rec, err := Decode(raw, lsn, lsn+base.LSN(len(raw)), buf)
	require.NoError(t, err)
	return rec
}

func TestDecodeBufferFIFO(t *testing.T) {
	buf := NewDecodeBuffer(4096)

	var recs []*DecodedRecord
	for i := 0; i < 5; i++ {
		recs = append(recs, decodeInto(t, buf, base.LSN(0x1000*(i+1)), 100))
	}
	require.Equal(t, 5, buf.Len())
	require.Equal(t, 500, buf.BytesUsed())

	r := buf.Head()
	for i := 0; i < 5; i++ {
		require.Same(t, recs[i], r)
		r = r.Next()
	}
	require.Nil(t, r)
	require.Same(t, recs[4], buf.Tail())

	for i := 0; i < 5; i++ {
		require.Same(t, recs[i], buf.Head())
		buf.ReleaseHead()
	}
	require.True(t, buf.Empty())
	require.Zero(t, buf.BytesUsed())
}

func TestDecodeBufferOversized(t *testing.T) {
	buf := NewDecodeBuffer(256)

	small := decodeInto(t, buf, 0x1000, 100)
	require.Equal(t, 100, buf.BytesUsed())

	// Larger than the whole ring: queued but individually allocated, so
	// ring accounting is unchanged.
	big := decodeInto(t, buf, 0x2000, 1000)
	require.Equal(t, 100, buf.BytesUsed())
	require.Equal(t, 2, buf.Len())

	// FIFO order holds across the mixed allocation kinds.
	require.Same(t, small, buf.Head())
	require.Same(t, big, small.Next())

	buf.ReleaseHead()
	require.Zero(t, buf.BytesUsed())
	require.Same(t, big, buf.Head())
	buf.ReleaseHead()
	require.True(t, buf.Empty())
}

func TestDecodeBufferWraparound(t *testing.T) {
	buf := NewDecodeBuffer(512)

	// Fill most of the ring, release the head, and keep decoding; new
	// allocations must reuse the freed prefix without crossing the
	// wraparound boundary.
	a := decodeInto(t, buf, 0x1000, 200)
	b := decodeInto(t, buf, 0x2000, 200)
	require.Equal(t, 400, buf.BytesUsed())
	require.False(t, a.oversized)
	require.False(t, b.oversized)

	buf.ReleaseHead() // a
	c := decodeInto(t, buf, 0x3000, 200)
	require.False(t, c.oversized)
	require.Equal(t, 400, buf.BytesUsed())
	require.Zero(t, c.ringOff) // wrapped to the ring start

	buf.ReleaseHead() // b
	require.Equal(t, 200, buf.BytesUsed())
	buf.ReleaseHead() // c
	require.Zero(t, buf.BytesUsed())
}

func TestDecodeBufferDataAliasing(t *testing.T) {
	buf := NewDecodeBuffer(64 << 10)

	// Every queued record's payload must stay intact while newer records
	// are decoded into the same ring.
	var want [][]byte
	for i := 0; i < 50; i++ {
		rec := decodeInto(t, buf, base.LSN(0x1000*(i+1)), 300)
		want = append(want, append([]byte(nil), rec.MainData...))
	}
	i := 0
	for r := buf.Head(); r != nil; r = r.Next() {
		require.Equal(t, want[i], r.MainData, fmt.Sprintf("record %d", i))
		i++
	}
	require.Equal(t, 50, i)
}

func TestDecodeBufferReset(t *testing.T) {
	buf := NewDecodeBuffer(1024)
	decodeInto(t, buf, 0x1000, 100)
	decodeInto(t, buf, 0x2000, 2000)
	buf.Reset()
	require.True(t, buf.Empty())
	require.Zero(t, buf.BytesUsed())

	rec := decodeInto(t, buf, 0x3000, 100)
	require.False(t, rec.oversized)
	require.Zero(t, rec.ringOff)
}
