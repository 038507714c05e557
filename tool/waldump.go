// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package tool

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pgcore/walreader/internal/base"
	"github.com/pgcore/walreader/record"
	"github.com/pgcore/walreader/rmgr"
	"github.com/pgcore/walreader/vfs"
	"github.com/pgcore/walreader/wal"
	"github.com/spf13/cobra"
)

// waldumpT implements the record dumper, including both configuration
// state and the commands themselves.
type waldumpT struct {
	Root    *cobra.Command
	Summary *cobra.Command

	fs       vfs.FS
	registry *rmgr.Registry

	startArg   string
	endArg     string
	path       string
	timeline   uint32
	rmgrName   string
	xid        uint32
	limit      int64
	bkpDetails bool
	follow     bool
	quiet      bool
	statsArg   string

	// followWait is the pause before retrying once the end of the
	// available WAL is reached in follow mode.
	followWait time.Duration

	status int
}

func newWaldump(fs vfs.FS, registry *rmgr.Registry) *waldumpT {
	w := &waldumpT{
		fs:         fs,
		registry:   registry,
		followWait: time.Second,
	}

	w.Root = &cobra.Command{
		Use:   "waldump [STARTSEG [ENDSEG]]",
		Short: "decode and display WAL",
		Long: `
Decode and display WAL records from segment files, optionally bounded
by the named segments or by explicit WAL locations, and optionally
filtered by resource manager or transaction id.
`,
		Args: cobra.MaximumNArgs(2),
		Run:  w.runDump,
	}
	w.Summary = &cobra.Command{
		Use:   "summary <file>",
		Short: "print the contents of a WAL summary file",
		Long: `
Print the relations, block numbers and limit blocks recorded in a WAL
summary file.
`,
		Args: cobra.ExactArgs(1),
		Run:  w.runSummary,
	}
	w.Root.AddCommand(w.Summary)

	f := w.Root.Flags()
	f.StringVarP(&w.startArg, "start", "s", "",
		"start reading at WAL location RECPTR")
	f.StringVarP(&w.endArg, "end", "e", "",
		"stop reading at WAL location RECPTR")
	f.StringVarP(&w.path, "path", "p", "",
		"directory in which to find WAL segment files")
	f.Uint32VarP(&w.timeline, "timeline", "t", 1,
		"timeline from which to read WAL records")
	f.StringVarP(&w.rmgrName, "rmgr", "r", "",
		"only show records generated by resource manager RMGR; --rmgr=list lists valid names")
	f.Uint32VarP(&w.xid, "xid", "x", 0,
		"only show records with transaction id XID")
	f.Int64VarP(&w.limit, "limit", "n", 0,
		"number of records to display")
	f.BoolVarP(&w.bkpDetails, "bkp-details", "b", false,
		"output detailed information about backup blocks")
	f.BoolVarP(&w.follow, "follow", "f", false,
		"keep retrying after reaching end of WAL")
	f.BoolVarP(&w.quiet, "quiet", "q", false,
		"do not print any output, except for errors")
	f.StringVarP(&w.statsArg, "stats", "z", "",
		"show statistics instead of records, per rmgr or per record")
	f.Lookup("stats").NoOptDefVal = "rmgr"
	return w
}

// dumpConfig is the fully resolved form of the command line: LSN
// bounds, segment geometry, and filters.
type dumpConfig struct {
	dir      string
	segSize  uint64
	timeline base.TimelineID
	start    base.LSN
	end      base.LSN

	filterRmgr    base.RmgrID
	filterRmgrSet bool
	filterXid     base.Xid
	filterXidSet  bool

	stats          bool
	statsPerRecord bool
}

func (w *waldumpT) runDump(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	w.status = 0

	if w.rmgrName == "list" {
		w.listRmgrs(stdout)
		return
	}

	cfg, err := w.resolveArgs(cmd, args)
	if err != nil {
		fmt.Fprintf(stderr, "waldump: %v\n", err)
		w.status = 1
		return
	}

	src := wal.NewSegmentReader(wal.SegmentReaderOptions{
		FS:          w.fs,
		Dir:         cfg.dir,
		SegmentSize: cfg.segSize,
		Timeline:    cfg.timeline,
	})
	defer src.Close()
	r := wal.NewReader(src, wal.ReaderOptions{})

	first, err := r.FindNextRecord(cfg.start)
	if err != nil {
		w.fatal(stderr, cfg, cfg.start,
			errors.Wrapf(err, "could not find a valid record after %s", cfg.start))
		return
	}
	if !w.quiet && first != cfg.start && uint64(cfg.start)%cfg.segSize != 0 {
		fmt.Fprintf(stdout, "first record is after %s, at %s, skipping over %d bytes\n",
			cfg.start, first, uint64(first-cfg.start))
	}

	var stats dumpStats
	var matched int64
	for {
		rec, err := r.Next()
		if err != nil {
			if errors.Is(err, wal.ErrTruncated) {
				if w.follow && (!cfg.end.IsValid() || r.EndLSN() < cfg.end) {
					time.Sleep(w.followWait)
					continue
				}
				break
			}
			w.fatal(stderr, cfg, r.EndLSN(), err)
			return
		}
		if cfg.end.IsValid() && rec.LSN >= cfg.end {
			break
		}
		if cfg.filterRmgrSet && rec.Header.RmgrID != cfg.filterRmgr {
			continue
		}
		if cfg.filterXidSet && rec.Header.Xid != cfg.filterXid {
			continue
		}
		if !w.quiet {
			if cfg.stats {
				stats.count(rec)
			} else {
				w.displayRecord(stdout, rec)
			}
		}
		matched++
		if w.limit > 0 && matched >= w.limit {
			break
		}
	}
	if cfg.stats && !w.quiet {
		w.displayStats(stdout, &stats, cfg.statsPerRecord)
	}
}

// resolveArgs turns flags and positional segment names into a
// dumpConfig. Named segment files establish the segment size and
// timeline and bound the dump; explicit --start/--end locations must
// agree with them.
func (w *waldumpT) resolveArgs(cmd *cobra.Command, args []string) (dumpConfig, error) {
	var cfg dumpConfig
	cfg.dir = w.path
	cfg.timeline = base.TimelineID(w.timeline)

	if w.startArg != "" {
		lsn, err := base.ParseLSN(w.startArg)
		if err != nil {
			return cfg, err
		}
		cfg.start = lsn
	}
	if w.endArg != "" {
		lsn, err := base.ParseLSN(w.endArg)
		if err != nil {
			return cfg, err
		}
		cfg.end = lsn
	}
	switch w.statsArg {
	case "":
	case "rmgr":
		cfg.stats = true
	case "record":
		cfg.stats, cfg.statsPerRecord = true, true
	default:
		return cfg, errors.Newf("unrecognized argument to --stats: %q", w.statsArg)
	}
	if w.rmgrName != "" {
		id, ok := w.registry.ByName(w.rmgrName)
		if !ok {
			return cfg, errors.Newf("resource manager %q does not exist", w.rmgrName)
		}
		cfg.filterRmgr, cfg.filterRmgrSet = id, true
	}
	if cmd.Flags().Changed("xid") {
		cfg.filterXid, cfg.filterXidSet = base.Xid(w.xid), true
	}

	if len(args) > 0 {
		dir, fname := w.fs.PathDir(args[0]), w.fs.PathBase(args[0])
		if cfg.dir == "" && dir != "." {
			cfg.dir = dir
		}
		segSize, err := w.identifySegmentSize(cfg.dir, fname)
		if err != nil {
			return cfg, err
		}
		cfg.segSize = segSize
		tli, seg, ok := base.ParseSegmentFilename(fname, segSize)
		if !ok {
			return cfg, errors.Newf("could not parse %q as a WAL segment file name", fname)
		}
		cfg.timeline = tli
		if !cfg.start.IsValid() {
			cfg.start = seg.Start(segSize)
		} else if base.SegmentNoFromLSN(cfg.start, segSize) != seg {
			return cfg, errors.Newf("start WAL location %s is not inside file %q", cfg.start, fname)
		}
		endSeg := seg
		if len(args) > 1 {
			endName := w.fs.PathBase(args[1])
			endTLI, s, ok := base.ParseSegmentFilename(endName, segSize)
			if !ok {
				return cfg, errors.Newf("could not parse %q as a WAL segment file name", endName)
			}
			if endTLI != tli {
				return cfg, errors.Newf("ENDSEG %q is on timeline %d, STARTSEG %q on timeline %d",
					endName, endTLI, fname, tli)
			}
			if s < seg {
				return cfg, errors.Newf("ENDSEG %q is before STARTSEG %q", endName, fname)
			}
			endSeg = s
		}
		if !cfg.end.IsValid() {
			cfg.end = endSeg.End(segSize)
		} else if cfg.end <= endSeg.Start(segSize) || cfg.end > endSeg.End(segSize) {
			return cfg, errors.Newf("end WAL location %s is not inside file %q",
				cfg.end, base.SegmentFilename(tli, endSeg, segSize))
		}
	} else {
		segSize, err := w.identifySegmentSize(cfg.dir, "")
		if err != nil {
			return cfg, err
		}
		cfg.segSize = segSize
	}

	if !cfg.start.IsValid() {
		return cfg, errors.New("no start WAL location given")
	}
	if cfg.end.IsValid() && cfg.end <= cfg.start {
		return cfg, errors.Newf("end WAL location %s is not after start WAL location %s",
			cfg.end, cfg.start)
	}
	return cfg, nil
}

// identifySegmentSize reads the segment size out of the long header of
// fname, or of the first segment-shaped file in dir when no file is
// named.
func (w *waldumpT) identifySegmentSize(dir, fname string) (uint64, error) {
	if fname == "" {
		names, err := w.fs.List(dir)
		if err != nil {
			return 0, errors.Newf("could not read directory %q: %v", dir, err)
		}
		sort.Strings(names)
		for _, name := range names {
			if base.IsSegmentFilename(name, base.DefaultSegmentSize) {
				fname = name
				break
			}
		}
		if fname == "" {
			return 0, errors.Newf("could not find any WAL file in %q", dir)
		}
	}
	f, err := w.fs.Open(w.fs.PathJoin(dir, fname))
	if err != nil {
		return 0, errors.Newf("could not open file %q: %v", fname, err)
	}
	defer f.Close()
	var buf [record.LongHeaderSize]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return 0, errors.Newf("could not read file %q: %v", fname, err)
	}
	hdr, err := record.DecodePageHeader(buf[:])
	if err != nil || hdr.Magic != record.PageMagic || !hdr.IsLong() {
		return 0, errors.Newf("file %q does not begin with a valid WAL long page header", fname)
	}
	segSize := uint64(hdr.SegSize)
	if segSize < base.PageSize || segSize&(segSize-1) != 0 {
		return 0, errors.Newf("invalid segment size %d in %q", hdr.SegSize, fname)
	}
	return segSize, nil
}

// fatal reports an unrecoverable dump error. Output already written
// stays; the process exit status becomes 2.
func (w *waldumpT) fatal(stderr io.Writer, cfg dumpConfig, lsn base.LSN, err error) {
	seg := base.SegmentNoFromLSN(lsn, cfg.segSize)
	fmt.Fprintf(stderr, "FATAL: %s: at %s in segment %s\n",
		err, lsn, base.SegmentFilename(cfg.timeline, seg, cfg.segSize))
	w.status = 2
}
