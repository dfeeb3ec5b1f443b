// Copyright 2024 The partimg Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package partimg

import (
	"bytes"
	"encoding/binary"

	"github.com/partclone-go/partimg/backend"
)

// readStruct reads binary.Size(out) little-endian bytes from h (at its
// current position) into out, mirroring the teacher's structUnpack helper
// but sourced from a Backend instead of a memory-mapped byte slice.
func readStruct(be backend.Backend, h backend.Handle, out interface{}) error {
	size := binary.Size(out)
	buf := make([]byte, size)
	if err := be.Read(h, buf); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, out)
}

// ceilDiv8 returns ceil(n/8), the byte length of an n-bit bitmap.
func ceilDiv8(n uint64) uint64 {
	return (n + 7) / 8
}
