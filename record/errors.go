// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package record

import "github.com/cockroachdb/errors"

var (
	// ErrInvalidPage indicates a page header that failed validation.
	ErrInvalidPage = errors.New("walreader/record: invalid page")

	// ErrInvalidRecord indicates a record header or checksum that failed
	// validation.
	ErrInvalidRecord = errors.New("walreader/record: invalid record")

	// ErrTimelineMismatch indicates a page whose timeline differs from the
	// reader's.
	ErrTimelineMismatch = errors.New("walreader/record: timeline mismatch")

	// ErrDecodeLimit indicates a record claiming a length beyond the
	// maximum allowed.
	ErrDecodeLimit = errors.New("walreader/record: record length exceeds limit")

	// ErrTruncatedBody indicates a record body shorter than its headers
	// claim.
	ErrTruncatedBody = errors.New("walreader/record: truncated record body")

	// ErrUnknownBlockFlag indicates an unrecognized bit in a block
	// reference's flags.
	ErrUnknownBlockFlag = errors.New("walreader/record: unknown block flag")

	// ErrBadImageMetadata indicates inconsistent full-page-image metadata.
	ErrBadImageMetadata = errors.New("walreader/record: bad image metadata")

	// ErrRelRefWithoutLocator indicates a block reference that reuses the
	// previous block's relation when there is no previous block.
	ErrRelRefWithoutLocator = errors.New("walreader/record: relation reference without locator")
)
