// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package rmgr

import (
	"fmt"

	"github.com/pgcore/walreader/internal/base"
	"github.com/pgcore/walreader/record"
)

// Builtin resource manager ids.
const (
	IDXLog       base.RmgrID = 0
	IDXact       base.RmgrID = 1
	IDSmgr       base.RmgrID = 2
	IDDbase      base.RmgrID = 4
	IDStandby    base.RmgrID = 8
	IDHeap2      base.RmgrID = 9
	IDHeap       base.RmgrID = 10
	IDBtree      base.RmgrID = 11
	IDGeneric    base.RmgrID = 20
	IDLogicalMsg base.RmgrID = 21
)

// WAL-control opcodes (rmgr id 0).
const (
	XLogCheckpointShutdown uint8 = 0x00
	XLogCheckpointOnline   uint8 = 0x10
	XLogNoop               uint8 = 0x20
	XLogNextOid            uint8 = 0x30
	XLogSwitch             uint8 = record.InfoSwitch
	XLogBackupEnd          uint8 = 0x50
	XLogParameterChange    uint8 = 0x60
	XLogRestorePoint       uint8 = 0x70
	XLogFPWChange          uint8 = 0x80
	XLogEndOfRecovery      uint8 = 0x90
	XLogFPIForHint         uint8 = 0xA0
	XLogFPI                uint8 = 0xB0
	XLogOverwriteContrec   uint8 = 0xD0
	XLogCheckpointRedo     uint8 = 0xE0
)

// Storage-manager opcodes (rmgr id 2).
const (
	SmgrCreateOp   uint8 = 0x10
	SmgrTruncateOp uint8 = 0x20
)

// Database opcodes (rmgr id 4).
const (
	DbaseCreateFileCopyOp uint8 = 0x00
	DbaseCreateWALLogOp   uint8 = 0x10
	DbaseDropOp           uint8 = 0x20
)

// Transaction opcodes (rmgr id 1).
const (
	XactCommit         uint8 = 0x00
	XactPrepare        uint8 = 0x10
	XactAbort          uint8 = 0x20
	XactCommitPrepared uint8 = 0x30
	XactAbortPrepared  uint8 = 0x40
)

// Heap opcodes (rmgr id 10).
const (
	HeapInsert    uint8 = 0x00
	HeapDelete    uint8 = 0x10
	HeapUpdate    uint8 = 0x20
	HeapTruncate  uint8 = 0x30
	HeapHotUpdate uint8 = 0x40
	HeapLock      uint8 = 0x60
	HeapInplace   uint8 = 0x70
)

// B-tree opcodes (rmgr id 11).
const (
	BtreeInsertLeaf  uint8 = 0x00
	BtreeInsertUpper uint8 = 0x10
	BtreeSplitL      uint8 = 0x20
	BtreeSplitR      uint8 = 0x30
	BtreeVacuum      uint8 = 0x50
	BtreeDelete      uint8 = 0x60
	BtreeUnlinkPage  uint8 = 0x70
	BtreeNewRoot     uint8 = 0xA0
	BtreeInsertPost  uint8 = 0xB0
)

func named(names map[uint8]string) func(uint8) string {
	return func(info uint8) string {
		if name, ok := names[info&^record.InfoFlagMask]; ok {
			return name
		}
		return defaultIdentify(info)
	}
}

var builtins = map[base.RmgrID]Descriptor{
	IDXLog: {
		Name: "XLOG",
		Identify: named(map[uint8]string{
			XLogCheckpointShutdown: "CHECKPOINT_SHUTDOWN",
			XLogCheckpointOnline:   "CHECKPOINT_ONLINE",
			XLogNoop:               "NOOP",
			XLogNextOid:            "NEXTOID",
			XLogSwitch:             "SWITCH",
			XLogBackupEnd:          "BACKUP_END",
			XLogParameterChange:    "PARAMETER_CHANGE",
			XLogRestorePoint:       "RESTORE_POINT",
			XLogFPWChange:          "FPW_CHANGE",
			XLogEndOfRecovery:      "END_OF_RECOVERY",
			XLogFPIForHint:         "FPI_FOR_HINT",
			XLogFPI:                "FPI",
			XLogOverwriteContrec:   "OVERWRITE_CONTRECORD",
			XLogCheckpointRedo:     "CHECKPOINT_REDO",
		}),
		Describe: describeXLog,
	},
	IDXact: {
		Name: "Transaction",
		Identify: named(map[uint8]string{
			XactCommit:         "COMMIT",
			XactPrepare:        "PREPARE",
			XactAbort:          "ABORT",
			XactCommitPrepared: "COMMIT_PREPARED",
			XactAbortPrepared:  "ABORT_PREPARED",
		}),
		Describe: describeXact,
	},
	IDSmgr: {
		Name: "Storage",
		Identify: named(map[uint8]string{
			SmgrCreateOp:   "CREATE",
			SmgrTruncateOp: "TRUNCATE",
		}),
		Describe: describeSmgr,
	},
	IDDbase: {
		Name: "Database",
		Identify: named(map[uint8]string{
			DbaseCreateFileCopyOp: "CREATE_FILE_COPY",
			DbaseCreateWALLogOp:   "CREATE_WAL_LOG",
			DbaseDropOp:           "DROP",
		}),
		Describe: describeDbase,
	},
	IDStandby: {
		Name:     "Standby",
		Identify: named(map[uint8]string{0x00: "LOCK", 0x10: "RUNNING_XACTS"}),
		Describe: defaultDescribe,
	},
	IDHeap2: {
		Name:     "Heap2",
		Identify: named(map[uint8]string{0x00: "REWRITE", 0x10: "PRUNE", 0x30: "VISIBLE", 0x40: "MULTI_INSERT"}),
		Describe: defaultDescribe,
	},
	IDHeap: {
		Name: "Heap",
		Identify: named(map[uint8]string{
			HeapInsert:    "INSERT",
			HeapDelete:    "DELETE",
			HeapUpdate:    "UPDATE",
			HeapTruncate:  "TRUNCATE",
			HeapHotUpdate: "HOT_UPDATE",
			HeapLock:      "LOCK",
			HeapInplace:   "INPLACE",
		}),
		Describe: defaultDescribe,
	},
	IDBtree: {
		Name: "Btree",
		Identify: named(map[uint8]string{
			BtreeInsertLeaf:  "INSERT_LEAF",
			BtreeInsertUpper: "INSERT_UPPER",
			BtreeSplitL:      "SPLIT_L",
			BtreeSplitR:      "SPLIT_R",
			BtreeVacuum:      "VACUUM",
			BtreeDelete:      "DELETE",
			BtreeUnlinkPage:  "UNLINK_PAGE",
			BtreeNewRoot:     "NEWROOT",
			BtreeInsertPost:  "INSERT_POST",
		}),
		Describe: defaultDescribe,
	},
	IDGeneric:    {Name: "Generic", Identify: defaultIdentify, Describe: defaultDescribe},
	IDLogicalMsg: {Name: "LogicalMessage", Identify: defaultIdentify, Describe: defaultDescribe},
}

func describeXLog(rec *record.DecodedRecord) string {
	switch rec.Header.Opcode() {
	case XLogSwitch:
		return "segment switch"
	case XLogNextOid:
		if len(rec.MainData) >= 4 {
			return fmt.Sprintf("next oid %d", leU32(rec.MainData))
		}
	case XLogOverwriteContrec:
		if len(rec.MainData) >= 8 {
			return fmt.Sprintf("overwritten continuation at %s", base.LSN(leU64(rec.MainData)))
		}
	}
	return defaultDescribe(rec)
}

func describeSmgr(rec *record.DecodedRecord) string {
	switch rec.Header.Opcode() {
	case SmgrCreateOp:
		if c, err := DecodeSmgrCreate(rec.MainData); err == nil {
			return fmt.Sprintf("create %s fork %s", c.Rel, c.Fork)
		}
	case SmgrTruncateOp:
		if tr, err := DecodeSmgrTruncate(rec.MainData); err == nil {
			return fmt.Sprintf("truncate %s to %d blocks", tr.Rel, tr.Block)
		}
	}
	return defaultDescribe(rec)
}

func describeDbase(rec *record.DecodedRecord) string {
	switch rec.Header.Opcode() {
	case DbaseCreateFileCopyOp:
		if c, err := DecodeDbaseCreateFileCopy(rec.MainData); err == nil {
			return fmt.Sprintf("copy db %d/%d from db %d/%d",
				c.TablespaceOid, c.DBOid, c.SrcTablespaceOid, c.SrcDBOid)
		}
	case DbaseCreateWALLogOp:
		if c, err := DecodeDbaseCreateWALLog(rec.MainData); err == nil {
			return fmt.Sprintf("create db %d/%d", c.TablespaceOid, c.DBOid)
		}
	case DbaseDropOp:
		if d, err := DecodeDbaseDrop(rec.MainData); err == nil {
			return fmt.Sprintf("drop db %d in %d tablespaces", d.DBOid, len(d.Tablespaces))
		}
	}
	return defaultDescribe(rec)
}

func describeXact(rec *record.DecodedRecord) string {
	switch rec.Header.Opcode() {
	case XactCommit, XactCommitPrepared, XactAbort, XactAbortPrepared:
		if x, err := DecodeXactCompletion(rec.MainData); err == nil && len(x.DroppedRels) > 0 {
			return fmt.Sprintf("%d relation files dropped", len(x.DroppedRels))
		}
	}
	return defaultDescribe(rec)
}
