// Copyright 2026 The Walreader Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package rmgr holds the resource-manager descriptor registry. A
// descriptor interprets the rmgr-specific opcode and payload of WAL
// records for display; the registry is a fixed array indexed by rmgr
// id, immutable once constructed.
package rmgr

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/pgcore/walreader/internal/base"
	"github.com/pgcore/walreader/record"
)

// ErrCustomRmgrUnknown marks a lookup of a custom rmgr id with no
// registered descriptor. It is informational: the lookup still yields a
// usable fallback descriptor.
var ErrCustomRmgrUnknown = errors.New("walreader/rmgr: unregistered custom resource manager")

// Descriptor interprets one resource manager's records.
type Descriptor struct {
	Name string
	// Describe renders a record's payload in one line, without the
	// opcode name.
	Describe func(rec *record.DecodedRecord) string
	// Identify names the opcode carried in a record's info byte.
	Identify func(info uint8) string
}

func defaultDescribe(rec *record.DecodedRecord) string {
	return fmt.Sprintf("main data %d bytes", len(rec.MainData))
}

func defaultIdentify(info uint8) string {
	return fmt.Sprintf("UNKNOWN (%X)", info&^record.InfoFlagMask)
}

// Registry maps rmgr ids to descriptors. The zero value is unusable;
// construct with NewRegistry.
type Registry struct {
	desc [int(base.RmgrIDMax) + 1]*Descriptor
}

// NewRegistry returns a registry with the builtin descriptors
// installed. Custom descriptors may be added with Register before the
// registry is handed to readers; afterwards it must be treated as
// read-only.
func NewRegistry() *Registry {
	r := &Registry{}
	for id, d := range builtins {
		d := d
		r.desc[id] = &d
	}
	return r
}

// Register installs a descriptor for a custom rmgr id. Builtin ids and
// double registration are rejected.
func (r *Registry) Register(id base.RmgrID, d Descriptor) error {
	if id < base.CustomRmgrMin {
		return errors.Newf("walreader/rmgr: id %d is reserved for builtin resource managers", id)
	}
	if r.desc[id] != nil {
		return errors.Newf("walreader/rmgr: id %d already registered as %q", id, r.desc[id].Name)
	}
	if d.Name == "" {
		return errors.Newf("walreader/rmgr: descriptor for id %d has no name", id)
	}
	if d.Describe == nil {
		d.Describe = defaultDescribe
	}
	if d.Identify == nil {
		d.Identify = defaultIdentify
	}
	r.desc[id] = &d
	return nil
}

// Lookup returns the descriptor for id. Ids with no registered
// descriptor yield a generic fallback; for custom ids the error is
// marked ErrCustomRmgrUnknown so callers can surface the gap, but the
// descriptor remains usable.
func (r *Registry) Lookup(id base.RmgrID) (*Descriptor, error) {
	if d := r.desc[id]; d != nil {
		return d, nil
	}
	fallback := &Descriptor{
		Name:     fmt.Sprintf("custom%03d", id),
		Describe: defaultDescribe,
		Identify: defaultIdentify,
	}
	if id >= base.CustomRmgrMin {
		return fallback, errors.Wrapf(ErrCustomRmgrUnknown, "id %d", id)
	}
	fallback.Name = fmt.Sprintf("unknown%03d", id)
	return fallback, nil
}

// Names returns the registered rmgr names indexed by id; unregistered
// slots are empty strings.
func (r *Registry) Names() []string {
	names := make([]string, len(r.desc))
	for id, d := range r.desc {
		if d != nil {
			names[id] = d.Name
		}
	}
	return names
}

// ByName finds a registered rmgr id by case-insensitive name.
func (r *Registry) ByName(name string) (base.RmgrID, bool) {
	for id, d := range r.desc {
		if d != nil && strings.EqualFold(d.Name, name) {
			return base.RmgrID(id), true
		}
	}
	return 0, false
}
