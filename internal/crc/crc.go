// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package crc implements the checksum algorithm used in WAL records:
// CRC-32 with the Castagnoli polynomial, incrementally updatable. Unlike
// log-file formats that mask the CRC to tolerate embedded checksums, WAL
// records store the raw value.
package crc

import "hash/crc32"

var table = crc32.MakeTable(crc32.Castagnoli)

// CRC is an in-progress checksum.
type CRC uint32

// New computes the checksum of b.
func New(b []byte) CRC {
	return CRC(0).Update(b)
}

// Update extends the checksum with b.
func (c CRC) Update(b []byte) CRC {
	return CRC(crc32.Update(uint32(c), table, b))
}

// Value returns the finished checksum.
func (c CRC) Value() uint32 {
	return uint32(c)
}
