// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package tool builds the command-line surface over the WAL reading
// machinery: the waldump record dumper and its summary-file viewer.
package tool

import (
	"github.com/pgcore/walreader/internal/base"
	"github.com/pgcore/walreader/rmgr"
	"github.com/pgcore/walreader/vfs"
	"github.com/spf13/cobra"
)

// T is the container for all of the introspection tools.
type T struct {
	Commands []*cobra.Command
	waldump  *waldumpT
	registry *rmgr.Registry
}

// New creates a new introspection tool.
func New() *T {
	t := &T{
		registry: rmgr.NewRegistry(),
	}
	t.waldump = newWaldump(vfs.Default, t.registry)
	t.Commands = []*cobra.Command{
		t.waldump.Root,
	}
	return t
}

// RegisterRmgr registers a custom resource-manager descriptor for use by
// the introspection tools.
func (t *T) RegisterRmgr(id base.RmgrID, d rmgr.Descriptor) error {
	return t.registry.Register(id, d)
}

// ExitCode returns the status the process should exit with after the
// commands have run: 0 on success, 1 on bad arguments, 2 on an I/O or
// decode failure.
func (t *T) ExitCode() int {
	return t.waldump.status
}
