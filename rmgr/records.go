// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package rmgr

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/pgcore/walreader/internal/base"
	"github.com/pgcore/walreader/record"
)

// SmgrCreate is the payload of a storage-manager CREATE record: a new
// relation fork came into existence.
type SmgrCreate struct {
	Rel  base.RelFileLocator
	Fork base.ForkNumber
}

// Encode serializes the payload.
func (c *SmgrCreate) Encode() []byte {
	b := make([]byte, 16)
	putLocator(b, c.Rel)
	binary.LittleEndian.PutUint32(b[12:], uint32(c.Fork))
	return b
}

// DecodeSmgrCreate parses a CREATE payload.
func DecodeSmgrCreate(b []byte) (SmgrCreate, error) {
	if len(b) < 16 {
		return SmgrCreate{}, errors.Wrapf(record.ErrTruncatedBody, "smgr create payload %d bytes", len(b))
	}
	return SmgrCreate{
		Rel:  getLocator(b),
		Fork: base.ForkNumber(binary.LittleEndian.Uint32(b[12:])),
	}, nil
}

// Flags carried by a storage-manager TRUNCATE record, naming the forks
// that were cut back.
const (
	SmgrTruncateHeap uint32 = 0x0001
	SmgrTruncateVM   uint32 = 0x0002
	SmgrTruncateFSM  uint32 = 0x0004
)

// SmgrTruncate is the payload of a storage-manager TRUNCATE record: the
// relation was cut back to Block blocks.
type SmgrTruncate struct {
	Block base.BlockNumber
	Rel   base.RelFileLocator
	Flags uint32
}

// Encode serializes the payload.
func (t *SmgrTruncate) Encode() []byte {
	b := make([]byte, 20)
	binary.LittleEndian.PutUint32(b[0:], uint32(t.Block))
	putLocator(b[4:], t.Rel)
	binary.LittleEndian.PutUint32(b[16:], t.Flags)
	return b
}

// DecodeSmgrTruncate parses a TRUNCATE payload.
func DecodeSmgrTruncate(b []byte) (SmgrTruncate, error) {
	if len(b) < 20 {
		return SmgrTruncate{}, errors.Wrapf(record.ErrTruncatedBody, "smgr truncate payload %d bytes", len(b))
	}
	return SmgrTruncate{
		Block: base.BlockNumber(binary.LittleEndian.Uint32(b[0:])),
		Rel:   getLocator(b[4:]),
		Flags: binary.LittleEndian.Uint32(b[16:]),
	}, nil
}

// DbaseCreateFileCopy is the payload of a database CREATE_FILE_COPY
// record: an entire database directory was cloned without block-level
// WAL.
type DbaseCreateFileCopy struct {
	DBOid            base.Oid
	TablespaceOid    base.Oid
	SrcDBOid         base.Oid
	SrcTablespaceOid base.Oid
}

// Encode serializes the payload.
func (c *DbaseCreateFileCopy) Encode() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:], uint32(c.DBOid))
	binary.LittleEndian.PutUint32(b[4:], uint32(c.TablespaceOid))
	binary.LittleEndian.PutUint32(b[8:], uint32(c.SrcDBOid))
	binary.LittleEndian.PutUint32(b[12:], uint32(c.SrcTablespaceOid))
	return b
}

// DecodeDbaseCreateFileCopy parses a CREATE_FILE_COPY payload.
func DecodeDbaseCreateFileCopy(b []byte) (DbaseCreateFileCopy, error) {
	if len(b) < 16 {
		return DbaseCreateFileCopy{}, errors.Wrapf(record.ErrTruncatedBody,
			"dbase create payload %d bytes", len(b))
	}
	return DbaseCreateFileCopy{
		DBOid:            base.Oid(binary.LittleEndian.Uint32(b[0:])),
		TablespaceOid:    base.Oid(binary.LittleEndian.Uint32(b[4:])),
		SrcDBOid:         base.Oid(binary.LittleEndian.Uint32(b[8:])),
		SrcTablespaceOid: base.Oid(binary.LittleEndian.Uint32(b[12:])),
	}, nil
}

// DbaseCreateWALLog is the payload of a database CREATE_WAL_LOG
// record: a database was created with each relation logged
// individually.
type DbaseCreateWALLog struct {
	DBOid         base.Oid
	TablespaceOid base.Oid
}

// Encode serializes the payload.
func (c *DbaseCreateWALLog) Encode() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:], uint32(c.DBOid))
	binary.LittleEndian.PutUint32(b[4:], uint32(c.TablespaceOid))
	return b
}

// DecodeDbaseCreateWALLog parses a CREATE_WAL_LOG payload.
func DecodeDbaseCreateWALLog(b []byte) (DbaseCreateWALLog, error) {
	if len(b) < 8 {
		return DbaseCreateWALLog{}, errors.Wrapf(record.ErrTruncatedBody,
			"dbase create payload %d bytes", len(b))
	}
	return DbaseCreateWALLog{
		DBOid:         base.Oid(binary.LittleEndian.Uint32(b[0:])),
		TablespaceOid: base.Oid(binary.LittleEndian.Uint32(b[4:])),
	}, nil
}

// DbaseDrop is the payload of a database DROP record: the database's
// directories in each listed tablespace were removed.
type DbaseDrop struct {
	DBOid       base.Oid
	Tablespaces []base.Oid
}

// Encode serializes the payload.
func (d *DbaseDrop) Encode() []byte {
	b := make([]byte, 8+4*len(d.Tablespaces))
	binary.LittleEndian.PutUint32(b[0:], uint32(d.DBOid))
	binary.LittleEndian.PutUint32(b[4:], uint32(len(d.Tablespaces)))
	for i, spc := range d.Tablespaces {
		binary.LittleEndian.PutUint32(b[8+4*i:], uint32(spc))
	}
	return b
}

// DecodeDbaseDrop parses a DROP payload.
func DecodeDbaseDrop(b []byte) (DbaseDrop, error) {
	if len(b) < 8 {
		return DbaseDrop{}, errors.Wrapf(record.ErrTruncatedBody, "dbase drop payload %d bytes", len(b))
	}
	n := int(binary.LittleEndian.Uint32(b[4:]))
	if len(b) < 8+4*n {
		return DbaseDrop{}, errors.Wrapf(record.ErrTruncatedBody,
			"dbase drop payload %d bytes for %d tablespaces", len(b), n)
	}
	d := DbaseDrop{DBOid: base.Oid(binary.LittleEndian.Uint32(b[0:]))}
	for i := 0; i < n; i++ {
		d.Tablespaces = append(d.Tablespaces, base.Oid(binary.LittleEndian.Uint32(b[8+4*i:])))
	}
	return d, nil
}

// XactCompletion is the portion of a transaction COMMIT or ABORT
// payload consumed here: the completion time and the relation files
// that were unlinked when the transaction completed.
type XactCompletion struct {
	Timestamp   int64
	DroppedRels []base.RelFileLocator
}

// Encode serializes the payload.
func (x *XactCompletion) Encode() []byte {
	b := make([]byte, 12+12*len(x.DroppedRels))
	binary.LittleEndian.PutUint64(b[0:], uint64(x.Timestamp))
	binary.LittleEndian.PutUint32(b[8:], uint32(len(x.DroppedRels)))
	for i, rel := range x.DroppedRels {
		putLocator(b[12+12*i:], rel)
	}
	return b
}

// DecodeXactCompletion parses a COMMIT or ABORT payload.
func DecodeXactCompletion(b []byte) (XactCompletion, error) {
	if len(b) < 12 {
		return XactCompletion{}, errors.Wrapf(record.ErrTruncatedBody, "xact payload %d bytes", len(b))
	}
	n := int(binary.LittleEndian.Uint32(b[8:]))
	if len(b) < 12+12*n {
		return XactCompletion{}, errors.Wrapf(record.ErrTruncatedBody,
			"xact payload %d bytes for %d dropped relations", len(b), n)
	}
	x := XactCompletion{Timestamp: int64(binary.LittleEndian.Uint64(b[0:]))}
	for i := 0; i < n; i++ {
		x.DroppedRels = append(x.DroppedRels, getLocator(b[12+12*i:]))
	}
	return x, nil
}

// OverwriteContrecord is the payload of an OVERWRITE_CONTRECORD record,
// naming the LSN whose continuation was abandoned.
type OverwriteContrecord struct {
	Overwritten base.LSN
}

// Encode serializes the payload.
func (o *OverwriteContrecord) Encode() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(o.Overwritten))
	return b
}

func putLocator(b []byte, rel base.RelFileLocator) {
	binary.LittleEndian.PutUint32(b[0:], uint32(rel.SpcOid))
	binary.LittleEndian.PutUint32(b[4:], uint32(rel.DBOid))
	binary.LittleEndian.PutUint32(b[8:], uint32(rel.RelNumber))
}

func getLocator(b []byte) base.RelFileLocator {
	return base.RelFileLocator{
		SpcOid:    base.Oid(binary.LittleEndian.Uint32(b[0:])),
		DBOid:     base.Oid(binary.LittleEndian.Uint32(b[4:])),
		RelNumber: base.Oid(binary.LittleEndian.Uint32(b[8:])),
	}
}

func leU32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func leU64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
