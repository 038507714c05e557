// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package vfs

import (
	"bytes"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors/oserror"
)

// NewMem returns a new memory-backed FS. The implementation keeps whole
// files in memory and is intended for tests; it performs no fsync-style
// durability bookkeeping.
func NewMem() *MemFS {
	return &MemFS{files: make(map[string]*memFile)}
}

// MemFS is a memory-backed FS implementation.
type MemFS struct {
	mu    sync.Mutex
	files map[string]*memFile
}

var _ FS = (*MemFS)(nil)

type memFile struct {
	name    string
	data    []byte
	modTime time.Time
}

func (fs *MemFS) clean(name string) string {
	return path.Clean(strings.ReplaceAll(name, "\\", "/"))
}

// Create implements FS.Create.
func (fs *MemFS) Create(name string) (File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f := &memFile{name: fs.clean(name), modTime: time.Now()}
	fs.files[f.name] = f
	return &memHandle{fs: fs, f: f}, nil
}

// Open implements FS.Open.
func (fs *MemFS) Open(name string) (File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[fs.clean(name)]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: name, Err: oserror.ErrNotExist}
	}
	return &memHandle{fs: fs, f: f, read: true}, nil
}

// Remove implements FS.Remove.
func (fs *MemFS) Remove(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	name = fs.clean(name)
	if _, ok := fs.files[name]; !ok {
		return &os.PathError{Op: "remove", Path: name, Err: oserror.ErrNotExist}
	}
	delete(fs.files, name)
	return nil
}

// Rename implements FS.Rename.
func (fs *MemFS) Rename(oldname, newname string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	oldname, newname = fs.clean(oldname), fs.clean(newname)
	f, ok := fs.files[oldname]
	if !ok {
		return &os.PathError{Op: "rename", Path: oldname, Err: oserror.ErrNotExist}
	}
	delete(fs.files, oldname)
	f.name = newname
	fs.files[newname] = f
	return nil
}

// MkdirAll implements FS.MkdirAll. Directories are implicit in MemFS.
func (fs *MemFS) MkdirAll(dir string, perm os.FileMode) error { return nil }

// List implements FS.List.
func (fs *MemFS) List(dir string) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	prefix := fs.clean(dir)
	if prefix != "/" {
		prefix += "/"
	}
	var names []string
	for name := range fs.files {
		if strings.HasPrefix(name, prefix) {
			rest := name[len(prefix):]
			if !strings.Contains(rest, "/") {
				names = append(names, rest)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// Stat implements FS.Stat.
func (fs *MemFS) Stat(name string) (os.FileInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[fs.clean(name)]
	if !ok {
		return nil, &os.PathError{Op: "stat", Path: name, Err: oserror.ErrNotExist}
	}
	return memFileInfo{f}, nil
}

// PathJoin implements FS.PathJoin.
func (fs *MemFS) PathJoin(elem ...string) string { return path.Join(elem...) }

// PathBase implements FS.PathBase.
func (fs *MemFS) PathBase(p string) string { return path.Base(p) }

// PathDir implements FS.PathDir.
func (fs *MemFS) PathDir(p string) string { return path.Dir(p) }

// WriteFile stores data as the contents of name, creating it if needed.
// Test helper.
func (fs *MemFS) WriteFile(name string, data []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	name = fs.clean(name)
	fs.files[name] = &memFile{name: name, data: append([]byte(nil), data...), modTime: time.Now()}
}

type memHandle struct {
	fs   *MemFS
	f    *memFile
	read bool
	off  int64
}

func (h *memHandle) Close() error { return nil }

func (h *memHandle) Read(p []byte) (int, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	if h.off >= int64(len(h.f.data)) {
		return 0, io.EOF
	}
	n := copy(p, h.f.data[h.off:])
	h.off += int64(n)
	return n, nil
}

func (h *memHandle) ReadAt(p []byte, off int64) (int, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	if off >= int64(len(h.f.data)) {
		return 0, io.EOF
	}
	n := copy(p, h.f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (h *memHandle) Write(p []byte) (int, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	h.f.data = append(h.f.data, p...)
	h.f.modTime = time.Now()
	return len(p), nil
}

func (h *memHandle) Stat() (os.FileInfo, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	return memFileInfo{h.f}, nil
}

func (h *memHandle) Sync() error { return nil }

type memFileInfo struct{ f *memFile }

func (i memFileInfo) Name() string       { return path.Base(i.f.name) }
func (i memFileInfo) Size() int64        { return int64(len(i.f.data)) }
func (i memFileInfo) Mode() os.FileMode  { return 0644 }
func (i memFileInfo) ModTime() time.Time { return i.f.modTime }
func (i memFileInfo) IsDir() bool        { return false }
func (i memFileInfo) Sys() interface{}   { return nil }

// ReadFile returns the full contents of name on fs.
func ReadFile(fs FS, name string) ([]byte, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
