// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package record

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/pgcore/walreader/internal/base"
)

// DecodedBlock is one resolved block reference of a decoded record.
type DecodedBlock struct {
	// InUse is false for block ids the record skipped.
	InUse bool

	Rel   base.RelFileLocator
	Fork  base.ForkNumber
	Block base.BlockNumber

	HasImage   bool
	WillInit   bool
	ApplyImage bool

	Compression CompressionMethod
	HasHole     bool
	HoleOffset  uint16
	HoleLength  uint16

	// Data is the block's inline data, if any.
	Data []byte
	// Image holds the stored (possibly compressed) full-page image bytes.
	Image []byte

	// Provisional lengths between the header pass and the data-section
	// pass of Decode.
	dataLen, imageLen int

	// RecentBuffer is a buffer-manager hint recorded by the prefetcher;
	// negative when unknown.
	RecentBuffer int32
}

// DecodedRecord is a fully parsed record. Its MainData and per-block Data
// and Image slices alias a single owned allocation, which may live inside
// a DecodeBuffer's ring or stand alone for oversized records.
type DecodedRecord struct {
	// LSN is the record's start position; EndLSN is one past its aligned
	// end, adjusted past page headers and segment switches by the reader.
	LSN    base.LSN
	EndLSN base.LSN

	Header Header

	// MaxBlockID is the highest block id referenced, or -1.
	MaxBlockID int
	blocks     []DecodedBlock

	MainData []byte

	HasOrigin bool
	Origin    uint16

	HasTopXid bool
	TopXid    base.Xid

	oversized bool
	ringOff   int
	next      *DecodedRecord
	mem       []byte
}

// Size returns the number of ring bytes owned by the record.
func (r *DecodedRecord) Size() int { return len(r.mem) }

// HasBlockRef reports whether block id is referenced by the record.
func (r *DecodedRecord) HasBlockRef(id int) bool {
	return id >= 0 && id <= r.MaxBlockID && r.blocks[id].InUse
}

// BlockRef returns the block reference with the given id, or nil.
func (r *DecodedRecord) BlockRef(id int) *DecodedBlock {
	if !r.HasBlockRef(id) {
		return nil
	}
	return &r.blocks[id]
}

// Blocks returns the dense slice of block references, indexed by id.
// Entries with InUse unset are gaps.
func (r *DecodedRecord) Blocks() []DecodedBlock { return r.blocks }

type bodyReader struct {
	b   []byte
	off int
}

func (br *bodyReader) remaining() int { return len(br.b) - br.off }

func (br *bodyReader) u8() (uint8, error) {
	if br.remaining() < 1 {
		return 0, errors.Wrapf(ErrTruncatedBody, "at body offset %d", br.off)
	}
	v := br.b[br.off]
	br.off++
	return v, nil
}

func (br *bodyReader) u16() (uint16, error) {
	if br.remaining() < 2 {
		return 0, errors.Wrapf(ErrTruncatedBody, "at body offset %d", br.off)
	}
	v := binary.LittleEndian.Uint16(br.b[br.off:])
	br.off += 2
	return v, nil
}

func (br *bodyReader) u32() (uint32, error) {
	if br.remaining() < 4 {
		return 0, errors.Wrapf(ErrTruncatedBody, "at body offset %d", br.off)
	}
	v := binary.LittleEndian.Uint32(br.b[br.off:])
	br.off += 4
	return v, nil
}

func (br *bodyReader) bytes(n int) ([]byte, error) {
	if br.remaining() < n {
		return nil, errors.Wrapf(ErrTruncatedBody, "need %d bytes at body offset %d, have %d",
			n, br.off, br.remaining())
	}
	v := br.b[br.off : br.off+n]
	br.off += n
	return v, nil
}

// Decode parses an assembled record (header included, CRC already
// verified) into a DecodedRecord. lsn and endLSN are the record's
// positions as established by the assembler. If buf is non-nil the
// record's data section is placed in the buffer's ring when it fits.
func Decode(raw []byte, lsn, endLSN base.LSN, buf *DecodeBuffer) (*DecodedRecord, error) {
	hdr, err := DecodeHeader(raw)
	if err != nil {
		return nil, err
	}
	rec := &DecodedRecord{
		LSN:        lsn,
		EndLSN:     endLSN,
		Header:     hdr,
		MaxBlockID: -1,
	}

	br := bodyReader{b: raw[HeaderSize:]}
	var mainLen int
	var haveMainLen bool
	var prevRel base.RelFileLocator
	var havePrevRel bool

	// Header sub-records. Block ids must appear in increasing order. The
	// header portion ends at the main-data tag, or, for records without
	// main data, when only the accumulated data-section bytes remain.
	running := 0
	for br.remaining() > running && !haveMainLen {
		tag, err := br.u8()
		if err != nil {
			return nil, err
		}
		switch {
		case tag == tagDataShort:
			n, err := br.u8()
			if err != nil {
				return nil, err
			}
			mainLen, haveMainLen = int(n), true
			running += mainLen

		case tag == tagDataLong:
			n, err := br.u32()
			if err != nil {
				return nil, err
			}
			mainLen, haveMainLen = int(n), true
			running += mainLen

		case tag == tagOrigin:
			o, err := br.u16()
			if err != nil {
				return nil, err
			}
			rec.Origin, rec.HasOrigin = o, true

		case tag == tagTopXid:
			x, err := br.u32()
			if err != nil {
				return nil, err
			}
			rec.TopXid, rec.HasTopXid = base.Xid(x), true

		case int(tag) <= MaxBlockID:
			if int(tag) <= rec.MaxBlockID {
				return nil, errors.Wrapf(ErrInvalidRecord, "out-of-order block id %d", tag)
			}
			rec.MaxBlockID = int(tag)
			for len(rec.blocks) <= rec.MaxBlockID {
				rec.blocks = append(rec.blocks, DecodedBlock{RecentBuffer: -1})
			}
			blk := &rec.blocks[tag]
			if err := decodeBlockHeader(&br, blk, &prevRel, &havePrevRel); err != nil {
				return nil, err
			}
			blk.InUse = true
			running += blk.dataLen + blk.imageLen

		default:
			return nil, errors.Wrapf(ErrInvalidRecord, "unknown sub-record tag %d", tag)
		}
	}

	// Size the single data allocation: every block's data, every block's
	// image, and the main data.
	dataTotal := mainLen
	for i := range rec.blocks {
		blk := &rec.blocks[i]
		dataTotal += blk.dataLen + blk.imageLen
	}
	// Validate the body length up front so that nothing can fail once the
	// ring reservation below is made.
	if br.remaining() < dataTotal {
		return nil, errors.Wrapf(ErrTruncatedBody, "body holds %d bytes, headers claim %d",
			br.remaining(), dataTotal)
	}
	if br.remaining() > dataTotal {
		return nil, errors.Wrapf(ErrInvalidRecord, "%d trailing bytes after record body",
			br.remaining()-dataTotal)
	}
	var mem []byte
	if buf != nil {
		mem, rec.ringOff, rec.oversized = buf.alloc(dataTotal)
	} else {
		mem = make([]byte, 0, dataTotal)
		rec.oversized = true
	}

	// Data section: block data in id order, then images, then main data.
	for i := range rec.blocks {
		blk := &rec.blocks[i]
		if n := blk.dataLen; n > 0 {
			src, err := br.bytes(n)
			if err != nil {
				return nil, err
			}
			blk.Data = mem[len(mem) : len(mem)+n]
			mem = append(mem, src...)
		}
	}
	for i := range rec.blocks {
		blk := &rec.blocks[i]
		if n := blk.imageLen; n > 0 {
			src, err := br.bytes(n)
			if err != nil {
				return nil, err
			}
			blk.Image = mem[len(mem) : len(mem)+n]
			mem = append(mem, src...)
		}
	}
	if mainLen > 0 {
		src, err := br.bytes(mainLen)
		if err != nil {
			return nil, err
		}
		rec.MainData = mem[len(mem) : len(mem)+mainLen]
		mem = append(mem, src...)
	}
	rec.mem = mem
	if buf != nil {
		buf.push(rec)
	}
	return rec, nil
}

// decodeBlockHeader parses one block-reference sub-record after its tag
// byte. The lengths recorded in blk.Data and blk.Image are provisional:
// their backing bytes are attached by the data-section pass.
func decodeBlockHeader(
	br *bodyReader, blk *DecodedBlock, prevRel *base.RelFileLocator, havePrevRel *bool,
) error {
	forkFlags, err := br.u8()
	if err != nil {
		return err
	}
	fork := base.ForkNumber(forkFlags & blockForkMask)
	if fork > base.MaxForkNumber {
		return errors.Wrapf(ErrUnknownBlockFlag, "fork number %d", fork)
	}
	blk.Fork = fork
	blk.HasImage = forkFlags&BlockHasImage != 0
	blk.WillInit = forkFlags&BlockWillInit != 0
	hasData := forkFlags&BlockHasData != 0
	sameRel := forkFlags&blockSameRel != 0

	dataLen, err := br.u16()
	if err != nil {
		return err
	}
	if hasData != (dataLen > 0) {
		return errors.Wrapf(ErrInvalidRecord, "data flag %v inconsistent with data length %d", hasData, dataLen)
	}
	blk.dataLen = int(dataLen)

	if blk.HasImage {
		imgLen, err := br.u16()
		if err != nil {
			return err
		}
		holeOff, err := br.u16()
		if err != nil {
			return err
		}
		info, err := br.u8()
		if err != nil {
			return err
		}
		if info&^(ImageHasHole|ImageApply|imageCompressMask) != 0 {
			return errors.Wrapf(ErrUnknownBlockFlag, "image info %02X", info)
		}
		blk.ApplyImage = info&ImageApply != 0
		blk.HasHole = info&ImageHasHole != 0
		blk.HoleOffset = holeOff
		switch info & imageCompressMask {
		case 0:
			blk.Compression = CompressionNone
		case ImageCompressSnappy:
			blk.Compression = CompressionSnappy
		case ImageCompressZstd:
			blk.Compression = CompressionZstd
		default:
			return errors.Wrapf(ErrBadImageMetadata, "multiple compression bits in image info %02X", info)
		}
		compressed := blk.Compression != CompressionNone
		if blk.HasHole && compressed {
			holeLen, err := br.u16()
			if err != nil {
				return err
			}
			blk.HoleLength = holeLen
		} else if blk.HasHole {
			blk.HoleLength = uint16(base.PageSize - int(imgLen))
		}
		if blk.HasHole {
			if blk.HoleOffset == 0 || blk.HoleLength == 0 ||
				int(blk.HoleOffset)+int(blk.HoleLength) > base.PageSize {
				return errors.Wrapf(ErrBadImageMetadata,
					"hole offset %d length %d exceed page", blk.HoleOffset, blk.HoleLength)
			}
		} else if blk.HoleOffset != 0 {
			return errors.Wrapf(ErrBadImageMetadata, "hole offset %d without hole", blk.HoleOffset)
		}
		if compressed {
			if int(imgLen) >= base.PageSize {
				return errors.Wrapf(ErrBadImageMetadata, "compressed image length %d not smaller than page", imgLen)
			}
		} else {
			want := base.PageSize - int(blk.HoleLength)
			if int(imgLen) != want {
				return errors.Wrapf(ErrBadImageMetadata, "image length %d, expected %d", imgLen, want)
			}
		}
		blk.imageLen = int(imgLen)
	}

	if sameRel {
		if !*havePrevRel {
			return errors.Wrap(ErrRelRefWithoutLocator, "first block reference reuses previous relation")
		}
		blk.Rel = *prevRel
	} else {
		spc, err := br.u32()
		if err != nil {
			return err
		}
		db, err := br.u32()
		if err != nil {
			return err
		}
		rel, err := br.u32()
		if err != nil {
			return err
		}
		blk.Rel = base.RelFileLocator{SpcOid: base.Oid(spc), DBOid: base.Oid(db), RelNumber: base.Oid(rel)}
		*prevRel = blk.Rel
		*havePrevRel = true
	}

	blkno, err := br.u32()
	if err != nil {
		return err
	}
	blk.Block = base.BlockNumber(blkno)
	return nil
}
