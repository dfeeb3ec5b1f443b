// Copyright 2024 The partimg Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package backend

import (
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// mmapHandle pairs the open file with its memory map and a cursor for the
// Seek/Read sequence the engine drives.
type mmapHandle struct {
	f   *os.File
	m   mmap.MMap
	off int64
}

func (h *mmapHandle) Close() error {
	uerr := h.m.Unmap()
	cerr := h.f.Close()
	if uerr != nil {
		return uerr
	}
	return cerr
}

// MMap is a read-only Backend that memory-maps the file on Open. Probe and
// any read-only reader can use it to avoid a syscall per block; it rejects
// Write outright since the image is never mutated by this engine.
type MMap struct{}

var _ Backend = MMap{}

// Open implements Backend. Only ReadOnly is accepted.
func (MMap) Open(path string, mode Mode) (Handle, error) {
	if mode != ReadOnly {
		return nil, fmt.Errorf("mmap: backend is read-only, got mode %s", mode)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap: open %s: %w", path, err)
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap: map %s: %w", path, err)
	}
	return &mmapHandle{f: f, m: m}, nil
}

// Close implements Backend.
func (MMap) Close(h Handle) error {
	mh, ok := h.(*mmapHandle)
	if !ok {
		return fmt.Errorf("mmap: wrong handle type %T", h)
	}
	return mh.Close()
}

// Seek implements Backend.
func (MMap) Seek(h Handle, offset int64, whence Whence) (int64, error) {
	mh, ok := h.(*mmapHandle)
	if !ok {
		return 0, fmt.Errorf("mmap: wrong handle type %T", h)
	}
	var abs int64
	switch whence {
	case Absolute:
		abs = offset
	case Relative:
		abs = mh.off + offset
	case End:
		abs = int64(len(mh.m)) + offset
	default:
		return 0, fmt.Errorf("mmap: unknown whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("mmap: negative offset %d", abs)
	}
	mh.off = abs
	return abs, nil
}

// Read implements Backend.
func (MMap) Read(h Handle, buf []byte) error {
	mh, ok := h.(*mmapHandle)
	if !ok {
		return fmt.Errorf("mmap: wrong handle type %T", h)
	}
	end := mh.off + int64(len(buf))
	if mh.off < 0 || end > int64(len(mh.m)) {
		return fmt.Errorf("mmap: read [%d,%d) out of bounds (size %d)", mh.off, end, len(mh.m))
	}
	n := copy(buf, mh.m[mh.off:end])
	mh.off += int64(n)
	return nil
}

// Write implements Backend but always fails: the mmap backend is
// read-only by design, since the engine never mutates the base image.
func (MMap) Write(h Handle, buf []byte) error {
	return fmt.Errorf("mmap: backend is read-only")
}

// FileSize implements Backend.
func (MMap) FileSize(h Handle) (int64, error) {
	mh, ok := h.(*mmapHandle)
	if !ok {
		return 0, fmt.Errorf("mmap: wrong handle type %T", h)
	}
	return int64(len(mh.m)), nil
}
