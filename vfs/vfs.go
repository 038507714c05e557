// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package vfs provides the filesystem abstraction through which WAL
// segment and summary files are accessed. Production code uses Default,
// backed by the os package; tests substitute the memory-backed
// filesystem returned by NewMem.
package vfs

import (
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors/oserror"
)

// File is a readable, optionally writable sequence of bytes.
//
// Typically it will be an *os.File, but test code substitutes
// memory-backed implementations.
type File interface {
	io.Closer
	io.Reader
	io.ReaderAt
	io.Writer
	Stat() (os.FileInfo, error)
	Sync() error
}

// FS is a namespace for files.
type FS interface {
	// Create creates the named file for writing, truncating it if it
	// already exists.
	Create(name string) (File, error)

	// Open opens the named file for reading.
	Open(name string) (File, error)

	// Remove removes the named file.
	Remove(name string) error

	// Rename renames a file, overwriting any existing file at newname.
	Rename(oldname, newname string) error

	// MkdirAll creates a directory and all necessary parents.
	MkdirAll(dir string, perm os.FileMode) error

	// List returns a listing of the given directory. The names returned
	// are relative to dir.
	List(dir string) ([]string, error)

	// Stat returns an os.FileInfo describing the named file.
	Stat(name string) (os.FileInfo, error)

	// PathJoin joins any number of path elements into a single path.
	PathJoin(elem ...string) string

	// PathBase returns the last element of the path.
	PathBase(path string) string

	// PathDir returns all but the last element of the path.
	PathDir(path string) string
}

// Default is an FS backed by the underlying operating system's filesystem.
var Default FS = defaultFS{}

type defaultFS struct{}

func (defaultFS) Create(name string) (File, error) {
	return os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

func (defaultFS) Open(name string) (File, error) { return os.Open(name) }

func (defaultFS) Remove(name string) error { return os.Remove(name) }

func (defaultFS) Rename(oldname, newname string) error { return os.Rename(oldname, newname) }

func (defaultFS) MkdirAll(dir string, perm os.FileMode) error { return os.MkdirAll(dir, perm) }

func (defaultFS) List(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

func (defaultFS) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }

func (defaultFS) PathJoin(elem ...string) string { return filepath.Join(elem...) }

func (defaultFS) PathBase(path string) string { return filepath.Base(path) }

func (defaultFS) PathDir(path string) string { return filepath.Dir(path) }

// IsNotExist reports whether err indicates that a file did not exist.
// It understands both os errors and the memory filesystem's errors.
func IsNotExist(err error) bool {
	return oserror.IsNotExist(err)
}
