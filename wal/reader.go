// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package wal reads PostgreSQL write-ahead log streams: it resolves
// segment files, validates page headers, reassembles records that span
// page and segment boundaries, and decodes them.
//
// A Reader is positioned with BeginRead at an exact record start, or
// with FindNextRecord at an approximate position from which it scans
// forward to the first valid record. Next then returns decoded records
// in LSN order until it runs off the end of the available WAL, which is
// reported as ErrTruncated so that a follow-mode caller can wait and
// retry.
package wal

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/pgcore/walreader/internal/base"
	"github.com/pgcore/walreader/record"
)

// PageSource supplies raw WAL bytes by LSN. SegmentReader is the
// file-backed implementation.
type PageSource interface {
	// ReadAt fills p with the WAL bytes starting at lsn. It returns
	// ErrTruncated when the range extends past the available WAL.
	ReadAt(p []byte, lsn base.LSN) error
	SegmentSize() uint64
	Timeline() base.TimelineID
}

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	// SysID, when non-zero, pins the cluster identity that segment long
	// headers must carry. When zero the identity is latched from the
	// first long header seen.
	SysID uint64

	// DecodeBufferSize is the byte capacity of the decode ring; zero
	// selects record.DefaultDecodeBufferSize.
	DecodeBufferSize int

	Logger base.Logger
}

// Reader assembles and decodes WAL records from a PageSource. Not safe
// for concurrent use.
type Reader struct {
	src     PageSource
	segSize uint64
	sysID   uint64
	logger  base.Logger

	buf *record.DecodeBuffer

	// One-page read cache. pageLen is the number of valid bytes;
	// pageAddr is invalid when nothing is cached.
	pageBuf  []byte
	pageAddr base.LSN
	pageLen  int
	pageHdr  record.PageHeader

	// recBuf holds a record reassembled across pages.
	recBuf []byte

	// decodeLSN is the start of the last record decoded; invalid until
	// the first read after positioning, which makes prev-link checking
	// tolerant for that record only. nextLSN is the position the next
	// record is decoded from. Read-ahead lets these run past the
	// consumer's position, which is tracked by returned.
	decodeLSN base.LSN
	nextLSN   base.LSN

	// returned is the record currently lent to the consumer; it is the
	// oldest queued record and is released on the next call to Next.
	// readLSN and readEnd are its positions; they persist after release
	// so the consumer's position stays known.
	returned *record.DecodedRecord
	readLSN  base.LSN
	readEnd  base.LSN
}

// NewReader returns a Reader over src.
func NewReader(src PageSource, opts ReaderOptions) *Reader {
	if opts.Logger == nil {
		opts.Logger = base.NoopLogger{}
	}
	return &Reader{
		src:     src,
		segSize: src.SegmentSize(),
		sysID:   opts.SysID,
		logger:  opts.Logger,
		buf:     record.NewDecodeBuffer(opts.DecodeBufferSize),
		pageBuf: make([]byte, base.PageSize),
	}
}

// BeginRead positions the reader at lsn, which the caller asserts is an
// exact record start. All prior state, including queued decoded
// records, is dropped.
func (r *Reader) BeginRead(lsn base.LSN) error {
	if !lsn.IsValid() || lsn.Align() != lsn {
		return errors.Wrapf(record.ErrInvalidRecord, "unaligned read position %s", lsn)
	}
	r.decodeLSN = base.InvalidLSN
	r.nextLSN = lsn
	r.returned = nil
	r.readLSN = base.InvalidLSN
	r.readEnd = base.InvalidLSN
	r.invalidatePage()
	r.buf.Reset()
	return nil
}

// LSN returns the start position of the last record returned by Next,
// whether or not it has since been released.
func (r *Reader) LSN() base.LSN { return r.readLSN }

// EndLSN returns the position following the last record returned by
// Next, or the reader's start position before the first return.
func (r *Reader) EndLSN() base.LSN {
	if r.readEnd.IsValid() {
		return r.readEnd
	}
	return r.nextLSN
}

// DecodeBuffer returns the queue the reader decodes records into.
func (r *Reader) DecodeBuffer() *record.DecodeBuffer { return r.buf }

// QueuedRecord reports whether a record decoded ahead of the consumer's
// position is waiting in the queue.
func (r *Reader) QueuedRecord() bool {
	if r.returned != nil {
		return r.returned.Next() != nil
	}
	return !r.buf.Empty()
}

// ReadAhead decodes the record at the decoder's position and appends it
// to the queue without disturbing the consumer's position. It returns
// ErrTruncated when the record is not yet fully on disk.
func (r *Reader) ReadAhead() (*record.DecodedRecord, error) {
	raw, lsn, end, err := r.readRecord(r.nextLSN, !r.decodeLSN.IsValid())
	if err != nil {
		return nil, err
	}
	rec, err := record.Decode(raw, lsn, end, r.buf)
	if err != nil {
		return nil, err
	}
	r.decodeLSN = lsn
	r.nextLSN = end
	return rec, nil
}

// ReleasePrevious releases the record last returned by Next and returns
// the position replayed through, its end position. Before any record
// has been returned it reports the reader's start position.
func (r *Reader) ReleasePrevious() base.LSN {
	if r.returned == nil {
		return r.nextLSN
	}
	replayed := r.returned.EndLSN
	r.returned = nil
	r.buf.ReleaseHead()
	return replayed
}

// Next returns the next record in LSN order, releasing the previous
// one. It consumes a queued record when read-ahead has outrun the
// caller, and decodes one otherwise. It returns ErrTruncated when the
// record is not yet fully on disk.
func (r *Reader) Next() (*record.DecodedRecord, error) {
	r.ReleasePrevious()
	if r.buf.Empty() {
		if _, err := r.ReadAhead(); err != nil {
			return nil, err
		}
	}
	r.returned = r.buf.Head()
	r.readLSN = r.returned.LSN
	r.readEnd = r.returned.EndLSN
	return r.returned, nil
}

// FindNextRecord scans forward from lsn, which need not be a record
// boundary, to the first position holding a record that passes full
// validation, and positions the reader there. The scan starts at the
// first record position of lsn's page and advances in alignment steps
// past bytes that do not validate.
func (r *Reader) FindNextRecord(lsn base.LSN) (base.LSN, error) {
	if !lsn.IsValid() {
		return base.InvalidLSN, errors.Wrap(record.ErrInvalidRecord, "invalid search position")
	}
	cand, err := r.firstRecordOnPage(lsn.PageStart())
	if err != nil {
		return base.InvalidLSN, err
	}
	if cand < lsn {
		cand = lsn.Align()
		if cand < lsn {
			cand += base.RecordAlignment
		}
	}
	for {
		if cand.PageOffset() == 0 {
			cand, err = r.firstRecordOnPage(cand)
			if err != nil {
				return base.InvalidLSN, err
			}
			continue
		}
		_, _, _, err := r.readRecord(cand, true)
		if err == nil {
			break
		}
		if errors.Is(err, ErrTruncated) || errors.Is(err, ErrSegmentMissing) || errors.Is(err, ErrIO) {
			return base.InvalidLSN, err
		}
		cand += base.RecordAlignment
	}
	r.decodeLSN = base.InvalidLSN
	r.nextLSN = cand
	r.returned = nil
	r.readLSN = base.InvalidLSN
	r.readEnd = base.InvalidLSN
	r.buf.Reset()
	return cand, nil
}

// firstRecordOnPage returns the first possible record position on the
// page at pageStart: past the page header, and past the tail of any
// record continued from the previous page. A page flagged as first
// after an overwrite ends the readable range.
func (r *Reader) firstRecordOnPage(pageStart base.LSN) (base.LSN, error) {
	if err := r.readPage(pageStart, record.ShortHeaderSize); err != nil {
		return base.InvalidLSN, err
	}
	if r.pageHdr.Flags&record.PageFlagOverwriteCont != 0 {
		return base.InvalidLSN, errors.Wrapf(ErrTruncated,
			"page at %s starts after an overwritten continuation", pageStart)
	}
	first := pageStart + base.LSN(r.pageHdr.Size())
	if r.pageHdr.Flags&record.PageFlagContRecord != 0 {
		first += base.LSN(r.pageHdr.RemLen).Align()
	}
	if first >= pageStart+base.PageSize {
		// The continuation covers this whole page; follow it forward.
		// Later continuation pages restate the remaining length, so the
		// walk converges on the page the record ends on.
		return r.firstRecordOnPage(first.PageStart())
	}
	return first, nil
}

// readRecord assembles the raw record at recPtr, crossing pages as
// needed, and verifies its header and checksum. randAccess relaxes the
// prev-link check to "strictly before recPtr" for positions not derived
// from a previously returned record. It returns the record's bytes, its
// effective start position, and the position following it.
func (r *Reader) readRecord(recPtr base.LSN, randAccess bool) (raw []byte, lsn, end base.LSN, err error) {
	targetPage := recPtr.PageStart()
	targetOff := int(recPtr.PageOffset())

	want := targetOff + record.HeaderSize
	if want > base.PageSize {
		want = base.PageSize
	}
	if err := r.readPage(targetPage, want); err != nil {
		return nil, 0, 0, err
	}
	hdrSize := r.pageHdr.Size()
	if targetOff == 0 {
		// No record can start inside a page header.
		recPtr += base.LSN(hdrSize)
		targetOff = hdrSize
		if err := r.readPage(targetPage, targetOff+record.HeaderSize); err != nil {
			return nil, 0, 0, err
		}
	} else if targetOff < hdrSize {
		return nil, 0, 0, errors.Wrapf(record.ErrInvalidRecord,
			"read position %s inside page header", recPtr)
	}
	if r.pageHdr.Flags&record.PageFlagContRecord != 0 && targetOff == hdrSize {
		return nil, 0, 0, errors.Wrapf(record.ErrInvalidRecord,
			"position %s holds the continuation of an earlier record", recPtr)
	}

	// tot_len is always on this page; the rest of the header may not be.
	totLen := int(binary.LittleEndian.Uint32(r.pageBuf[targetOff:]))
	gotHeader := targetOff <= base.PageSize-record.HeaderSize
	if gotHeader {
		hdr, err := record.DecodeHeader(r.pageBuf[targetOff:])
		if err != nil {
			return nil, 0, 0, err
		}
		if err := r.validateHeader(&hdr, recPtr, randAccess); err != nil {
			return nil, 0, 0, err
		}
	} else if totLen < record.HeaderSize {
		return nil, 0, 0, errors.Wrapf(record.ErrInvalidRecord, "record length %d at %s", totLen, recPtr)
	}
	if totLen > record.MaxRecordLength {
		return nil, 0, 0, errors.Wrapf(record.ErrDecodeLimit, "record length %d at %s", totLen, recPtr)
	}

	if pageRest := base.PageSize - targetOff; totLen <= pageRest {
		// Record fits on the current page.
		if err := r.readPage(targetPage, targetOff+totLen); err != nil {
			return nil, 0, 0, err
		}
		raw = r.pageBuf[targetOff : targetOff+totLen]
		end = recPtr + base.LSN(totLen).Align()
	} else {
		raw, end, err = r.reassemble(recPtr, targetPage, targetOff, totLen, gotHeader, randAccess)
		if err != nil {
			return nil, 0, 0, err
		}
	}
	if err := record.VerifyCRC(raw); err != nil {
		return nil, 0, 0, errors.Wrapf(err, "at %s", recPtr)
	}

	// A segment-switch record logically extends to the end of its
	// segment; the next record starts on the following segment.
	if hdr, _ := record.DecodeHeader(raw); hdr.RmgrID == base.RmgrIDXLog && hdr.Info == record.InfoSwitch {
		end += base.LSN(r.segSize - 1)
		end -= base.LSN(uint64(end) % r.segSize)
	}
	return raw, recPtr, end, nil
}

// reassemble collects a record that continues past the end of its first
// page, validating the continuation metadata of every page it touches.
func (r *Reader) reassemble(
	recPtr base.LSN, targetPage base.LSN, targetOff, totLen int, gotHeader, randAccess bool,
) (raw []byte, end base.LSN, err error) {
	if err := r.readPage(targetPage, base.PageSize); err != nil {
		return nil, 0, err
	}
	if cap(r.recBuf) < totLen {
		r.recBuf = make([]byte, 0, totLen)
	}
	r.recBuf = append(r.recBuf[:0], r.pageBuf[targetOff:base.PageSize]...)

	for len(r.recBuf) < totLen {
		targetPage += base.PageSize
		if err := r.readPage(targetPage, record.ShortHeaderSize); err != nil {
			return nil, 0, err
		}
		if r.pageHdr.Flags&record.PageFlagOverwriteCont != 0 {
			return nil, 0, errors.Wrapf(ErrTruncated,
				"continuation of record at %s overwritten at %s", recPtr, targetPage)
		}
		if r.pageHdr.Flags&record.PageFlagContRecord == 0 {
			return nil, 0, errors.Wrapf(record.ErrInvalidPage,
				"missing continuation flag at %s for record at %s", targetPage, recPtr)
		}
		if rem := int(r.pageHdr.RemLen); rem == 0 || rem+len(r.recBuf) != totLen {
			return nil, 0, errors.Wrapf(record.ErrInvalidPage,
				"continuation length %d at %s, record at %s has %d of %d bytes",
				r.pageHdr.RemLen, targetPage, recPtr, len(r.recBuf), totLen)
		}
		hdrSize := r.pageHdr.Size()
		n := base.PageSize - hdrSize
		if rest := totLen - len(r.recBuf); n > rest {
			n = rest
		}
		if err := r.readPage(targetPage, hdrSize+n); err != nil {
			return nil, 0, err
		}
		r.recBuf = append(r.recBuf, r.pageBuf[hdrSize:hdrSize+n]...)

		if !gotHeader && len(r.recBuf) >= record.HeaderSize {
			hdr, err := record.DecodeHeader(r.recBuf)
			if err != nil {
				return nil, 0, err
			}
			if err := r.validateHeader(&hdr, recPtr, randAccess); err != nil {
				return nil, 0, err
			}
			gotHeader = true
		}
	}
	end = targetPage + base.LSN(r.pageHdr.Size()) + base.LSN(r.pageHdr.RemLen).Align()
	return r.recBuf, end, nil
}

// validateHeader applies the record-header checks that gate reassembly,
// before the checksum is available.
func (r *Reader) validateHeader(hdr *record.Header, recPtr base.LSN, randAccess bool) error {
	if int(hdr.TotalLen) < record.HeaderSize {
		return errors.Wrapf(record.ErrInvalidRecord, "record length %d at %s", hdr.TotalLen, recPtr)
	}
	if randAccess {
		// The prev-link cannot be matched exactly, but it must point
		// strictly backwards.
		if hdr.Prev >= recPtr {
			return errors.Wrapf(record.ErrInvalidRecord,
				"record at %s has prev-link %s pointing forward", recPtr, hdr.Prev)
		}
	} else if hdr.Prev != r.decodeLSN {
		// Guards against torn pages where a stale but plausible record
		// begins on a sector boundary.
		return errors.Wrapf(record.ErrInvalidRecord,
			"record at %s has prev-link %s, expected %s", recPtr, hdr.Prev, r.decodeLSN)
	}
	return nil
}

// readPage ensures the cache holds at least reqLen valid bytes of the
// page at pageStart, validating the page header on first contact.
func (r *Reader) readPage(pageStart base.LSN, reqLen int) error {
	if r.pageAddr == pageStart && r.pageLen >= reqLen {
		return nil
	}
	fresh := r.pageAddr != pageStart
	if fresh {
		r.invalidatePage()
	}
	if reqLen < record.ShortHeaderSize {
		reqLen = record.ShortHeaderSize
	}
	if err := r.src.ReadAt(r.pageBuf[:reqLen], pageStart); err != nil {
		r.invalidatePage()
		return err
	}
	hdr, err := record.DecodePageHeader(r.pageBuf[:reqLen])
	if err != nil && reqLen < record.LongHeaderSize {
		// The long-header tail extends past the request.
		reqLen = record.LongHeaderSize
		if err := r.src.ReadAt(r.pageBuf[:reqLen], pageStart); err != nil {
			r.invalidatePage()
			return err
		}
		hdr, err = record.DecodePageHeader(r.pageBuf[:reqLen])
	}
	if err != nil {
		r.invalidatePage()
		return err
	}
	if fresh {
		err := record.ValidatePageHeader(&hdr, record.PageExpectation{
			PageAddr: pageStart,
			Timeline: r.src.Timeline(),
			SegSize:  r.segSize,
			SysID:    r.sysID,
		})
		if err != nil {
			r.invalidatePage()
			return err
		}
		if r.sysID == 0 && hdr.IsLong() {
			r.sysID = hdr.SysID
		}
	}
	r.pageAddr, r.pageLen, r.pageHdr = pageStart, reqLen, hdr
	return nil
}

func (r *Reader) invalidatePage() {
	r.pageAddr = base.InvalidLSN
	r.pageLen = 0
}
