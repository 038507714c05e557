// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package rmgr

import (
	"testing"

	"github.com/pgcore/walreader/internal/base"
	"github.com/pgcore/walreader/record"
	"github.com/stretchr/testify/require"
)

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry()

	d, err := r.Lookup(IDXLog)
	require.NoError(t, err)
	require.Equal(t, "XLOG", d.Name)
	require.Equal(t, "SWITCH", d.Identify(XLogSwitch))
	require.Equal(t, "CHECKPOINT_SHUTDOWN", d.Identify(XLogCheckpointShutdown))

	d, err = r.Lookup(IDHeap)
	require.NoError(t, err)
	require.Equal(t, "Heap", d.Name)
	// Flag bits in the info byte do not change the opcode.
	require.Equal(t, "INSERT", d.Identify(HeapInsert|0x03))
}

func TestRegistryCustomFallback(t *testing.T) {
	r := NewRegistry()

	d, err := r.Lookup(200)
	require.ErrorIs(t, err, ErrCustomRmgrUnknown)
	require.Equal(t, "custom200", d.Name)
	require.NotNil(t, d.Describe)
	require.NotNil(t, d.Identify)

	// Unused builtin slots are generic but not an error.
	d, err = r.Lookup(77)
	require.NoError(t, err)
	require.Equal(t, "unknown077", d.Name)
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	require.Error(t, r.Register(IDHeap, Descriptor{Name: "mine"}))
	require.Error(t, r.Register(200, Descriptor{}))

	require.NoError(t, r.Register(200, Descriptor{Name: "my_extension"}))
	d, err := r.Lookup(200)
	require.NoError(t, err)
	require.Equal(t, "my_extension", d.Name)
	require.Error(t, r.Register(200, Descriptor{Name: "again"}))

	id, ok := r.ByName("MY_EXTENSION")
	require.True(t, ok)
	require.Equal(t, base.RmgrID(200), id)
}

func TestSmgrPayloadRoundTrip(t *testing.T) {
	rel := base.RelFileLocator{SpcOid: 1663, DBOid: 5, RelNumber: 16384}

	c := SmgrCreate{Rel: rel, Fork: base.MainFork}
	got, err := DecodeSmgrCreate(c.Encode())
	require.NoError(t, err)
	require.Equal(t, c, got)

	tr := SmgrTruncate{Block: 128, Rel: rel, Flags: 1}
	gotTr, err := DecodeSmgrTruncate(tr.Encode())
	require.NoError(t, err)
	require.Equal(t, tr, gotTr)

	db := DbaseCreateFileCopy{DBOid: 20000, TablespaceOid: 1663, SrcDBOid: 1, SrcTablespaceOid: 1663}
	gotDB, err := DecodeDbaseCreateFileCopy(db.Encode())
	require.NoError(t, err)
	require.Equal(t, db, gotDB)

	_, err = DecodeSmgrCreate([]byte{1, 2, 3})
	require.ErrorIs(t, err, record.ErrTruncatedBody)
}

func TestDescribeSmgr(t *testing.T) {
	rel := base.RelFileLocator{SpcOid: 1663, DBOid: 5, RelNumber: 16384}
	raw, err := record.EncodeRecord(&record.RecordSpec{
		RmgrID:   IDSmgr,
		Info:     SmgrCreateOp,
		MainData: (&SmgrCreate{Rel: rel, Fork: base.MainFork}).Encode(),
	}, 0)
	require.NoError(t, err)
	rec, err := record.Decode(raw, 0x1000, 0x1000+base.LSN(len(raw)), nil)
	require.NoError(t, err)

	r := NewRegistry()
	d, err := r.Lookup(IDSmgr)
	require.NoError(t, err)
	require.Equal(t, "CREATE", d.Identify(rec.Header.Info))
	require.Contains(t, d.Describe(rec), "1663/5/16384")
}
