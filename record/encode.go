// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package record

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pgcore/walreader/internal/base"
)

// BlockSpec describes one block reference to encode. Page, when non-nil,
// must be a full page image of base.PageSize bytes; the encoder removes
// the hole and applies Compression before storing it.
type BlockSpec struct {
	ID    int
	Rel   base.RelFileLocator
	Fork  base.ForkNumber
	Block base.BlockNumber

	WillInit bool
	Data     []byte

	Page        []byte
	ApplyImage  bool
	HoleOffset  uint16
	HoleLength  uint16
	Compression CompressionMethod
}

// RecordSpec describes a record to encode.
type RecordSpec struct {
	RmgrID base.RmgrID
	Info   uint8
	Xid    base.Xid

	Blocks   []BlockSpec
	MainData []byte

	HasOrigin bool
	Origin    uint16

	HasTopXid bool
	TopXid    base.Xid
}

var zstdEncoder = func() *zstd.Encoder {
	e, err := zstd.NewWriter(nil)
	if err != nil {
		panic(err)
	}
	return e
}()

// EncodeRecord serializes spec into record wire bytes with prev as the
// previous-record link and a valid CRC. Block references must be listed
// in strictly increasing id order.
func EncodeRecord(spec *RecordSpec, prev base.LSN) ([]byte, error) {
	if spec.Info&InfoFlagMask != 0 {
		return nil, errors.Wrapf(ErrInvalidRecord, "info %02X sets reserved flag bits", spec.Info)
	}

	images := make([]encodedImage, len(spec.Blocks))

	body := make([]byte, 0, 128)
	prevID := -1
	var prevRel base.RelFileLocator
	haveRel := false
	for i := range spec.Blocks {
		blk := &spec.Blocks[i]
		if blk.ID <= prevID || blk.ID > MaxBlockID {
			return nil, errors.Wrapf(ErrInvalidRecord, "block id %d after %d", blk.ID, prevID)
		}
		prevID = blk.ID

		forkFlags := uint8(blk.Fork) & blockForkMask
		if blk.Page != nil {
			forkFlags |= BlockHasImage
		}
		if len(blk.Data) > 0 {
			forkFlags |= BlockHasData
		}
		if blk.WillInit {
			forkFlags |= BlockWillInit
		}
		sameRel := haveRel && blk.Rel == prevRel
		if sameRel {
			forkFlags |= blockSameRel
		}

		body = append(body, uint8(blk.ID), forkFlags)
		body = binary.LittleEndian.AppendUint16(body, uint16(len(blk.Data)))

		if blk.Page != nil {
			img, err := encodeImage(blk)
			if err != nil {
				return nil, err
			}
			images[i] = img
			info := uint8(0)
			if blk.HoleLength > 0 {
				info |= ImageHasHole
			}
			if blk.ApplyImage {
				info |= ImageApply
			}
			compressed := false
			switch blk.Compression {
			case CompressionNone:
			case CompressionSnappy:
				info |= ImageCompressSnappy
				compressed = true
			case CompressionZstd:
				info |= ImageCompressZstd
				compressed = true
			default:
				return nil, errors.Wrapf(ErrBadImageMetadata, "compression method %d", blk.Compression)
			}
			body = binary.LittleEndian.AppendUint16(body, uint16(len(img.stored)))
			body = binary.LittleEndian.AppendUint16(body, blk.HoleOffset)
			body = append(body, info)
			if compressed && blk.HoleLength > 0 {
				body = binary.LittleEndian.AppendUint16(body, img.holeLen)
			}
		}

		if !sameRel {
			body = binary.LittleEndian.AppendUint32(body, uint32(blk.Rel.SpcOid))
			body = binary.LittleEndian.AppendUint32(body, uint32(blk.Rel.DBOid))
			body = binary.LittleEndian.AppendUint32(body, uint32(blk.Rel.RelNumber))
			prevRel, haveRel = blk.Rel, true
		}
		body = binary.LittleEndian.AppendUint32(body, uint32(blk.Block))
	}

	if spec.HasOrigin {
		body = append(body, tagOrigin)
		body = binary.LittleEndian.AppendUint16(body, spec.Origin)
	}
	if spec.HasTopXid {
		body = append(body, tagTopXid)
		body = binary.LittleEndian.AppendUint32(body, uint32(spec.TopXid))
	}
	if n := len(spec.MainData); n > 0 {
		if n <= 255 {
			body = append(body, tagDataShort, uint8(n))
		} else {
			body = append(body, tagDataLong)
			body = binary.LittleEndian.AppendUint32(body, uint32(n))
		}
	}

	// Data section: block data in id order, then images, then main data.
	for i := range spec.Blocks {
		body = append(body, spec.Blocks[i].Data...)
	}
	for i := range images {
		body = append(body, images[i].stored...)
	}
	body = append(body, spec.MainData...)

	rec := make([]byte, HeaderSize, HeaderSize+len(body))
	rec = append(rec, body...)
	hdr := Header{
		TotalLen: uint32(len(rec)),
		Xid:      spec.Xid,
		Prev:     prev,
		Info:     spec.Info,
		RmgrID:   spec.RmgrID,
	}
	if hdr.TotalLen > MaxRecordLength {
		return nil, errors.Wrapf(ErrInvalidRecord, "record length %d exceeds limit", hdr.TotalLen)
	}
	EncodeHeader(rec, &hdr)
	hdr.CRC = ComputeCRC(rec)
	EncodeHeader(rec, &hdr)
	return rec, nil
}

// encodedImage is a block image after hole removal and compression,
// ready for the data section.
type encodedImage struct {
	stored  []byte
	holeLen uint16 // explicit hole_length field, compressed images only
}

func encodeImage(blk *BlockSpec) (img encodedImage, err error) {
	if len(blk.Page) != base.PageSize {
		return img, errors.Wrapf(ErrBadImageMetadata, "page image is %d bytes", len(blk.Page))
	}
	if int(blk.HoleOffset)+int(blk.HoleLength) > base.PageSize {
		return img, errors.Wrapf(ErrBadImageMetadata,
			"hole offset %d length %d exceed page", blk.HoleOffset, blk.HoleLength)
	}
	if (blk.HoleLength == 0) != (blk.HoleOffset == 0) {
		return img, errors.Wrapf(ErrBadImageMetadata,
			"hole offset %d length %d", blk.HoleOffset, blk.HoleLength)
	}

	raw := blk.Page
	if blk.HoleLength > 0 {
		raw = make([]byte, 0, base.PageSize-int(blk.HoleLength))
		raw = append(raw, blk.Page[:blk.HoleOffset]...)
		raw = append(raw, blk.Page[int(blk.HoleOffset)+int(blk.HoleLength):]...)
	}

	switch blk.Compression {
	case CompressionNone:
		img.stored = raw
	case CompressionSnappy:
		img.stored = snappy.Encode(nil, raw)
	case CompressionZstd:
		img.stored = zstdEncoder.EncodeAll(raw, nil)
	default:
		return img, errors.Wrapf(ErrBadImageMetadata, "compression method %d", blk.Compression)
	}
	if blk.Compression != CompressionNone {
		if len(img.stored) >= base.PageSize {
			return img, errors.Wrapf(ErrBadImageMetadata,
				"compressed image grew to %d bytes", len(img.stored))
		}
		img.holeLen = blk.HoleLength
	}
	return img, nil
}
