// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package wal

import (
	"os/exec"
	"strings"

	"github.com/cockroachdb/errors"
)

// CommandRestore builds a RestoreFunc that runs a shell command to
// fetch a segment from an archive, in the manner of a restore_command:
// %f is replaced by the segment file name, %p by the destination path,
// and %% by a literal percent sign. The command must create the file at
// the destination path and exit zero.
func CommandRestore(command string) RestoreFunc {
	return func(filename, path string) error {
		var b strings.Builder
		for i := 0; i < len(command); i++ {
			if command[i] != '%' || i+1 == len(command) {
				b.WriteByte(command[i])
				continue
			}
			i++
			switch command[i] {
			case 'f':
				b.WriteString(filename)
			case 'p':
				b.WriteString(path)
			case '%':
				b.WriteByte('%')
			default:
				return errors.Newf("walreader/wal: unknown restore command placeholder %%%c", command[i])
			}
		}
		cmd := exec.Command("/bin/sh", "-c", b.String())
		if out, err := cmd.CombinedOutput(); err != nil {
			return errors.Wrapf(err, "restore command %q: %s", b.String(), strings.TrimSpace(string(out)))
		}
		return nil
	}
}
