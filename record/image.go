// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package record

import (
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pgcore/walreader/internal/base"
)

var zstdDecoder = func() *zstd.Decoder {
	d, err := zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
	return d
}()

// RestoreBlockImage reconstructs the full page image of block id into
// dst, which must hold base.PageSize bytes: the stored image is
// decompressed if needed and the hole, if any, is filled with zeroes at
// its recorded offset.
func (r *DecodedRecord) RestoreBlockImage(id int, dst []byte) error {
	blk := r.BlockRef(id)
	if blk == nil || !blk.HasImage {
		return errors.Wrapf(ErrInvalidRecord, "block %d has no image at %s", id, r.LSN)
	}
	if len(dst) != base.PageSize {
		return errors.Wrapf(ErrBadImageMetadata, "destination is %d bytes", len(dst))
	}

	var body []byte
	switch blk.Compression {
	case CompressionNone:
		body = blk.Image
	case CompressionSnappy:
		var err error
		body, err = snappy.Decode(nil, blk.Image)
		if err != nil {
			return errors.Wrapf(ErrBadImageMetadata, "snappy image at %s: %v", r.LSN, err)
		}
	case CompressionZstd:
		var err error
		body, err = zstdDecoder.DecodeAll(blk.Image, nil)
		if err != nil {
			return errors.Wrapf(ErrBadImageMetadata, "zstd image at %s: %v", r.LSN, err)
		}
	}
	if len(body) != base.PageSize-int(blk.HoleLength) {
		return errors.Wrapf(ErrBadImageMetadata,
			"image at %s decompressed to %d bytes, hole length %d", r.LSN, len(body), blk.HoleLength)
	}

	if blk.HoleLength == 0 {
		copy(dst, body)
		return nil
	}
	holeEnd := int(blk.HoleOffset) + int(blk.HoleLength)
	copy(dst[:blk.HoleOffset], body[:blk.HoleOffset])
	for i := int(blk.HoleOffset); i < holeEnd; i++ {
		dst[i] = 0
	}
	copy(dst[holeEnd:], body[blk.HoleOffset:])
	return nil
}
