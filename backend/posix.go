// Copyright 2024 The partimg Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package backend

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// posixHandle wraps an *os.File plus the cursor Seek maintains, so Read and
// Write can issue positioned pread/pwrite syscalls instead of relying on a
// shared kernel file offset.
type posixHandle struct {
	f   *os.File
	off int64
}

func (h *posixHandle) Close() error { return h.f.Close() }

// Sync flushes the file to stable storage. It is not part of the Backend
// interface (the spec's I/O contract has no sync op); callers that need it
// type-assert the Handle against an unexported `interface{ Sync() error }`,
// which the overlay package does for its Sync operation.
func (h *posixHandle) Sync() error { return h.f.Sync() }

// POSIX is the reference Backend implementation: plain *os.File I/O, using
// unix.Pread/unix.Pwrite for positioned access.
type POSIX struct{}

var _ Backend = POSIX{}

func toOSFlags(mode Mode) int {
	switch mode {
	case ReadOnly:
		return os.O_RDONLY
	case ReadWrite:
		return os.O_RDWR
	case WriteOnly:
		return os.O_WRONLY
	case ReadWriteCreate:
		return os.O_RDWR | os.O_CREATE
	default:
		return os.O_RDONLY
	}
}

// Open implements Backend.
func (POSIX) Open(path string, mode Mode) (Handle, error) {
	f, err := os.OpenFile(path, toOSFlags(mode), 0o644)
	if err != nil {
		return nil, fmt.Errorf("posix: open %s: %w", path, err)
	}
	return &posixHandle{f: f}, nil
}

// Close implements Backend.
func (POSIX) Close(h Handle) error {
	ph, ok := h.(*posixHandle)
	if !ok {
		return fmt.Errorf("posix: wrong handle type %T", h)
	}
	return ph.Close()
}

// Seek implements Backend.
func (POSIX) Seek(h Handle, offset int64, whence Whence) (int64, error) {
	ph, ok := h.(*posixHandle)
	if !ok {
		return 0, fmt.Errorf("posix: wrong handle type %T", h)
	}
	var abs int64
	var err error
	switch whence {
	case Absolute:
		abs = offset
	case Relative:
		abs = ph.off + offset
	case End:
		abs, err = ph.f.Seek(offset, os.SEEK_END)
		if err != nil {
			return 0, fmt.Errorf("posix: seek end: %w", err)
		}
	default:
		return 0, fmt.Errorf("posix: unknown whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("posix: negative offset %d", abs)
	}
	ph.off = abs
	return abs, nil
}

// Read implements Backend. It requires a full-length read, matching the
// engine's "short read is an error" contract.
func (POSIX) Read(h Handle, buf []byte) error {
	ph, ok := h.(*posixHandle)
	if !ok {
		return fmt.Errorf("posix: wrong handle type %T", h)
	}
	n, err := unix.Pread(int(ph.f.Fd()), buf, ph.off)
	if err != nil {
		return fmt.Errorf("posix: pread: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("posix: short read: got %d want %d", n, len(buf))
	}
	ph.off += int64(n)
	return nil
}

// Write implements Backend. It requires a full-length write.
func (POSIX) Write(h Handle, buf []byte) error {
	ph, ok := h.(*posixHandle)
	if !ok {
		return fmt.Errorf("posix: wrong handle type %T", h)
	}
	n, err := unix.Pwrite(int(ph.f.Fd()), buf, ph.off)
	if err != nil {
		return fmt.Errorf("posix: pwrite: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("posix: short write: got %d want %d", n, len(buf))
	}
	ph.off += int64(n)
	return nil
}

// FileSize implements Backend.
func (POSIX) FileSize(h Handle) (int64, error) {
	ph, ok := h.(*posixHandle)
	if !ok {
		return 0, fmt.Errorf("posix: wrong handle type %T", h)
	}
	fi, err := ph.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("posix: stat: %w", err)
	}
	return fi.Size(), nil
}
