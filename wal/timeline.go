// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package wal

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/pgcore/walreader/internal/base"
	"github.com/pgcore/walreader/vfs"
)

// TimelineSwitch records one branch point in a timeline's ancestry: the
// history continues on Timeline up to, but not including, SwitchPoint.
type TimelineSwitch struct {
	Timeline    base.TimelineID
	SwitchPoint base.LSN
}

// TimelineHistory is a timeline's full ancestry, oldest first. The
// final timeline extends from the last switch point to infinity and is
// not listed.
type TimelineHistory struct {
	Timeline base.TimelineID
	Switches []TimelineSwitch
}

// TimelineForLSN returns the timeline that lsn was written on within
// this history.
func (h *TimelineHistory) TimelineForLSN(lsn base.LSN) base.TimelineID {
	for _, sw := range h.Switches {
		if lsn < sw.SwitchPoint {
			return sw.Timeline
		}
	}
	return h.Timeline
}

// ParseTimelineHistory parses the contents of a timeline history file:
// one line per ancestor holding the timeline id, the switch point in
// HH/LL form, and a free-form reason. Comment lines start with '#'.
func ParseTimelineHistory(tli base.TimelineID, data []byte) (*TimelineHistory, error) {
	h := &TimelineHistory{Timeline: tli}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, errors.Newf("walreader/wal: malformed history line %q", line)
		}
		id, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "history timeline id %q", fields[0])
		}
		point, err := base.ParseLSN(fields[1])
		if err != nil {
			return nil, errors.Wrapf(err, "history switch point %q", fields[1])
		}
		if n := len(h.Switches); n > 0 && point < h.Switches[n-1].SwitchPoint {
			return nil, errors.Newf("walreader/wal: history switch points out of order at %q", line)
		}
		h.Switches = append(h.Switches, TimelineSwitch{
			Timeline:    base.TimelineID(id),
			SwitchPoint: point,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return h, nil
}

// LoadTimelineHistory reads <TLI>.history from dir. Timeline 1 has no
// file and an empty ancestry.
func LoadTimelineHistory(fs vfs.FS, dir string, tli base.TimelineID) (*TimelineHistory, error) {
	if tli <= 1 {
		return &TimelineHistory{Timeline: tli}, nil
	}
	data, err := vfs.ReadFile(fs, fs.PathJoin(dir, base.TimelineHistoryFilename(tli)))
	if err != nil {
		if vfs.IsNotExist(err) {
			return nil, errors.Wrapf(ErrSegmentMissing, "%s", base.TimelineHistoryFilename(tli))
		}
		return nil, err
	}
	return ParseTimelineHistory(tli, data)
}
