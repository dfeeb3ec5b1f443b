// Copyright 2024 The partimg Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package backend defines the capability set the engine calls for all
// byte-level file operations, and ships two concrete implementations: a
// POSIX file-descriptor backend and a read-only mmap backend.
//
// The engine never calls OS primitives directly; every offset it touches
// goes through a Backend so the same state machine can run against a plain
// file, a memory map, or (in tests) an in-memory fake.
package backend

import "io"

// Mode selects how Open treats the underlying path.
type Mode int

const (
	// ReadOnly opens an existing file for reading only.
	ReadOnly Mode = iota

	// ReadWrite opens an existing file for reading and writing.
	ReadWrite

	// WriteOnly opens an existing file for writing only.
	WriteOnly

	// ReadWriteCreate opens a file for reading and writing, creating it
	// (and any missing size) if it does not already exist.
	ReadWriteCreate
)

// Whence mirrors io.Seeker's three origins, kept as its own type so a
// Backend implementation is not required to import io for this alone.
type Whence int

const (
	// Absolute seeks relative to the start of the file.
	Absolute Whence = iota
	// Relative seeks relative to the current offset.
	Relative
	// End seeks relative to the end of the file.
	End
)

// Backend is the capability set the engine requires of a file. Unlike the
// C vtable this is modeled on, malloc/free are not part of the interface:
// Go slices are garbage collected, so buffer lifetime is ordinary `make`
// and scope, not an explicit acquire/release pair (see DESIGN.md).
type Backend interface {
	// Open opens path under mode. The returned Handle is used for every
	// subsequent call.
	Open(path string, mode Mode) (Handle, error)

	// Close releases a Handle. A Handle is closed at most once; closing it
	// again returns whatever error the underlying file reports.
	Close(h Handle) error

	// Seek repositions the Handle's cursor and returns the resulting
	// absolute offset.
	Seek(h Handle, offset int64, whence Whence) (int64, error)

	// Read fills buf completely or returns an error; short reads are not
	// success.
	Read(h Handle, buf []byte) error

	// Write writes buf completely or returns an error; short writes are
	// not success.
	Write(h Handle, buf []byte) error

	// FileSize returns the current size of the file behind Handle.
	FileSize(h Handle) (int64, error)
}

// Handle is an opaque reference to an open file, owned exclusively by
// whichever Backend produced it.
type Handle interface {
	io.Closer
}

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "ro"
	case ReadWrite:
		return "rw"
	case WriteOnly:
		return "wo"
	case ReadWriteCreate:
		return "rw+create"
	default:
		return "unknown"
	}
}
