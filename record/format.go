// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package record implements the WAL wire format: page headers, record
// headers, and the tagged block-reference sub-records that make up a
// record body. It converts assembled record bytes into DecodedRecords
// and can reconstruct full-page images, but attaches no meaning to a
// record beyond the block-reference sub-format; interpretation belongs
// to the resource-manager descriptors.
//
// The stream is divided into 8 KiB pages. Every page begins with a short
// header; the first page of each segment carries a long header that
// additionally identifies the cluster and the segment geometry:
//
//	+-----------+-----------+---------+------------+-------------+
//	| magic(2B) | flags(2B) | tli(4B) | pageLSN(8B)| remLen(4B)  | (+4B pad)
//	+-----------+-----------+---------+------------+-------------+
//	| sysid(8B) | segSize(4B) | pageSize(4B)                     | (long only)
//	+-----------+-------------+----------------------------------+
//
// A record starts at an 8-byte-aligned LSN with a fixed 24-byte header:
//
//	+------------+---------+----------+----------+----------+--------+
//	| totLen(4B) | xid(4B) | prev(8B) | info(1B) | rmid(1B) | pad(2B)|
//	+------------+---------+----------+----------+----------+--------+
//	| crc(4B)                                                        |
//	+----------------------------------------------------------------+
//
// The body holds a run of tagged sub-record headers (block references,
// main-data length, replication origin, top-level xid), followed by the
// data section: each block's inline data in block order, then each
// block's page image, then the main data.
package record

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/pgcore/walreader/internal/base"
	"github.com/pgcore/walreader/internal/crc"
)

// These constants are part of the wire format and should not be changed.
const (
	// PageMagic identifies pages written by this build of the format.
	PageMagic uint16 = 0xD116

	// PageFlagContRecord marks a page whose first bytes continue a record
	// begun on the previous page.
	PageFlagContRecord uint16 = 0x0001
	// PageFlagLongHeader marks a page carrying a long header.
	PageFlagLongHeader uint16 = 0x0002
	// PageFlagOverwriteCont marks the first page written after a partial
	// record was deliberately overwritten.
	PageFlagOverwriteCont uint16 = 0x0004

	pageFlagAll = PageFlagContRecord | PageFlagLongHeader | PageFlagOverwriteCont

	// ShortHeaderSize is the encoded size of the per-page header,
	// including alignment padding.
	ShortHeaderSize = 24
	// LongHeaderSize is the encoded size of the first page's header.
	LongHeaderSize = 40

	// HeaderSize is the encoded size of a record header.
	HeaderSize = 24

	// MaxRecordLength bounds the total length a record header may claim.
	MaxRecordLength = 1 << 30
)

// Block-reference sub-format constants.
const (
	// MaxBlockID is the largest block id a record may reference.
	MaxBlockID = 32

	tagDataShort = 255 // main data, 1-byte length
	tagDataLong  = 254 // main data, 4-byte length
	tagOrigin    = 253 // replication origin
	tagTopXid    = 252 // top-level transaction id

	// Flags in the fork-flags byte of a block reference.
	blockForkMask  = 0x0F
	BlockHasImage  = 0x10
	BlockHasData   = 0x20
	BlockWillInit  = 0x40
	blockSameRel   = 0x80

	// Flags in the image-info byte of an image sub-header.
	ImageHasHole        = 0x01
	ImageApply          = 0x02
	ImageCompressSnappy = 0x04
	ImageCompressZstd   = 0x08

	imageCompressMask = ImageCompressSnappy | ImageCompressZstd
)

// InfoFlagMask covers the bits of the info byte reserved for generic
// record flags; the remaining high bits carry the rmgr-specific opcode.
const InfoFlagMask uint8 = 0x0F

// InfoSwitch is the WAL-control opcode that forces a segment switch.
// The record logically extends to the end of its segment; the reader
// skips the padding.
const InfoSwitch uint8 = 0x40

// CompressionMethod enumerates the supported full-page-image codecs.
type CompressionMethod uint8

const (
	CompressionNone CompressionMethod = iota
	CompressionSnappy
	CompressionZstd
)

// String implements fmt.Stringer.
func (c CompressionMethod) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	}
	return "unknown"
}

// PageHeader is the decoded form of a page header. Long-header fields are
// zero on pages with a short header.
type PageHeader struct {
	Magic    uint16
	Flags    uint16
	Timeline base.TimelineID
	PageAddr base.LSN
	// RemLen is the number of bytes of a continued record remaining at
	// the start of this page, meaningful only with PageFlagContRecord.
	RemLen uint32

	// Long-header fields.
	SysID    uint64
	SegSize  uint32
	PageSize uint32
}

// IsLong reports whether the header carries the long-form fields.
func (h *PageHeader) IsLong() bool { return h.Flags&PageFlagLongHeader != 0 }

// Size returns the encoded header size.
func (h *PageHeader) Size() int {
	if h.IsLong() {
		return LongHeaderSize
	}
	return ShortHeaderSize
}

// DecodePageHeader decodes a page header from the start of b. It does not
// validate; see ValidatePageHeader.
func DecodePageHeader(b []byte) (PageHeader, error) {
	if len(b) < ShortHeaderSize {
		return PageHeader{}, errors.Wrapf(ErrInvalidPage, "page shorter than header: %d bytes", len(b))
	}
	h := PageHeader{
		Magic:    binary.LittleEndian.Uint16(b[0:2]),
		Flags:    binary.LittleEndian.Uint16(b[2:4]),
		Timeline: base.TimelineID(binary.LittleEndian.Uint32(b[4:8])),
		PageAddr: base.LSN(binary.LittleEndian.Uint64(b[8:16])),
		RemLen:   binary.LittleEndian.Uint32(b[16:20]),
	}
	if h.IsLong() {
		if len(b) < LongHeaderSize {
			return PageHeader{}, errors.Wrapf(ErrInvalidPage, "long page header truncated: %d bytes", len(b))
		}
		h.SysID = binary.LittleEndian.Uint64(b[24:32])
		h.SegSize = binary.LittleEndian.Uint32(b[32:36])
		h.PageSize = binary.LittleEndian.Uint32(b[36:40])
	}
	return h, nil
}

// EncodePageHeader appends the encoded header to dst.
func EncodePageHeader(dst []byte, h *PageHeader) []byte {
	var buf [LongHeaderSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], h.Magic)
	binary.LittleEndian.PutUint16(buf[2:4], h.Flags)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.Timeline))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.PageAddr))
	binary.LittleEndian.PutUint32(buf[16:20], h.RemLen)
	if h.IsLong() {
		binary.LittleEndian.PutUint64(buf[24:32], h.SysID)
		binary.LittleEndian.PutUint32(buf[32:36], h.SegSize)
		binary.LittleEndian.PutUint32(buf[36:40], h.PageSize)
		return append(dst, buf[:LongHeaderSize]...)
	}
	return append(dst, buf[:ShortHeaderSize]...)
}

// PageExpectation carries the reader-side context a page header is
// checked against.
type PageExpectation struct {
	// PageAddr is the LSN the page must declare as its start.
	PageAddr base.LSN
	// Timeline is the reader's current timeline, or invalid to skip the
	// check.
	Timeline base.TimelineID
	// SegSize is the configured segment size.
	SegSize uint64
	// SysID is the expected cluster identity, or zero to accept any.
	SysID uint64
}

// ValidatePageHeader checks a decoded page header against the build's
// format constants and the reader's expectations. Returned errors are
// marked ErrInvalidPage, except for timeline disagreement which is
// marked ErrTimelineMismatch.
func ValidatePageHeader(h *PageHeader, expect PageExpectation) error {
	if h.Magic != PageMagic {
		return errors.Wrapf(ErrInvalidPage, "invalid magic %04X at %s", h.Magic, expect.PageAddr)
	}
	if h.Flags&^pageFlagAll != 0 {
		return errors.Wrapf(ErrInvalidPage, "invalid info flags %04X at %s", h.Flags, expect.PageAddr)
	}
	if expect.PageAddr.PageOffset() != 0 {
		return errors.Wrapf(ErrInvalidPage, "unaligned page address %s", expect.PageAddr)
	}
	segStart := uint64(expect.PageAddr)%expect.SegSize == 0
	if segStart && !h.IsLong() {
		return errors.Wrapf(ErrInvalidPage, "missing long header on first page of segment at %s", expect.PageAddr)
	}
	if h.IsLong() {
		if !segStart {
			return errors.Wrapf(ErrInvalidPage, "unexpected long header at %s", expect.PageAddr)
		}
		if h.PageSize != base.PageSize {
			return errors.Wrapf(ErrInvalidPage, "page size %d does not match build page size %d", h.PageSize, base.PageSize)
		}
		if uint64(h.SegSize) != expect.SegSize {
			return errors.Wrapf(ErrInvalidPage, "segment size %d does not match configured %d", h.SegSize, expect.SegSize)
		}
		if expect.SysID != 0 && h.SysID != expect.SysID {
			return errors.Wrapf(ErrInvalidPage, "WAL is from a different cluster: sysid %d, expected %d", h.SysID, expect.SysID)
		}
	}
	if h.PageAddr != expect.PageAddr {
		return errors.Wrapf(ErrInvalidPage, "unexpected page address %s, expected %s", h.PageAddr, expect.PageAddr)
	}
	if expect.Timeline != base.InvalidTimelineID && h.Timeline != expect.Timeline {
		return errors.Wrapf(ErrTimelineMismatch, "page timeline %d, reader timeline %d at %s",
			h.Timeline, expect.Timeline, expect.PageAddr)
	}
	if h.Flags&PageFlagContRecord != 0 {
		if h.RemLen == 0 || h.RemLen > MaxRecordLength {
			return errors.Wrapf(ErrInvalidPage, "invalid continuation length %d at %s", h.RemLen, expect.PageAddr)
		}
	}
	return nil
}

// Header is the fixed-size record header.
type Header struct {
	// TotalLen includes the header and all body bytes.
	TotalLen uint32
	Xid      base.Xid
	// Prev is the start LSN of the immediately preceding record.
	Prev   base.LSN
	Info   uint8
	RmgrID base.RmgrID
	CRC    uint32
}

// Opcode returns the rmgr-specific bits of the info byte.
func (h *Header) Opcode() uint8 { return h.Info &^ InfoFlagMask }

// DecodeHeader decodes a record header from the start of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errors.Wrapf(ErrInvalidRecord, "record header truncated: %d bytes", len(b))
	}
	return Header{
		TotalLen: binary.LittleEndian.Uint32(b[0:4]),
		Xid:      base.Xid(binary.LittleEndian.Uint32(b[4:8])),
		Prev:     base.LSN(binary.LittleEndian.Uint64(b[8:16])),
		Info:     b[16],
		RmgrID:   base.RmgrID(b[17]),
		CRC:      binary.LittleEndian.Uint32(b[20:24]),
	}, nil
}

// EncodeHeader writes the header into b, which must hold HeaderSize
// bytes. The CRC slot is written as given; see ComputeCRC.
func EncodeHeader(b []byte, h *Header) {
	binary.LittleEndian.PutUint32(b[0:4], h.TotalLen)
	binary.LittleEndian.PutUint32(b[4:8], uint32(h.Xid))
	binary.LittleEndian.PutUint64(b[8:16], uint64(h.Prev))
	b[16] = h.Info
	b[17] = byte(h.RmgrID)
	b[18], b[19] = 0, 0
	binary.LittleEndian.PutUint32(b[20:24], h.CRC)
}

// ComputeCRC computes the checksum of a fully assembled record: the body
// first, then the header bytes that precede the CRC slot.
func ComputeCRC(rec []byte) uint32 {
	return crc.New(rec[HeaderSize:]).Update(rec[:20]).Value()
}

// VerifyCRC recomputes the record's checksum and compares it with the
// stored value.
func VerifyCRC(rec []byte) error {
	stored := binary.LittleEndian.Uint32(rec[20:24])
	if got := ComputeCRC(rec); got != stored {
		return errors.Wrapf(ErrInvalidRecord, "checksum mismatch: computed %08X, stored %08X", got, stored)
	}
	return nil
}
