// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// waldump decodes and displays WAL segment files.
package main

import (
	"os"

	"github.com/pgcore/walreader/tool"
)

func main() {
	t := tool.New()
	if err := t.Commands[0].Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(t.ExitCode())
}
