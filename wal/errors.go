// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package wal

import "github.com/cockroachdb/errors"

var (
	// ErrTruncated marks reads that ran off the end of the available WAL.
	// It is not fatal: a caller in follow mode may wait for more WAL to
	// appear and retry.
	ErrTruncated = errors.New("walreader/wal: ran off end of available WAL")

	// ErrSegmentMissing marks a segment file absent from every search
	// location.
	ErrSegmentMissing = errors.New("walreader/wal: segment not found")

	// ErrIO marks operating-system level read failures.
	ErrIO = errors.New("walreader/wal: segment i/o error")
)
