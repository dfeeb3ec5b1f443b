// Copyright 2024 The partimg Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package partimg

import (
	"bytes"
	"encoding/binary"

	"github.com/partclone-go/partimg/backend"
	"github.com/partclone-go/partimg/crc"
)

// verifyV2 implements spec.md section 4.4: a bit-packed LSB-first usage
// bitmap trailed by its own IEEE CRC-32, expanded into the same dense byte
// usage map V1 uses so every later operation is version-blind. Unlike V1's
// trailing magic, the bitmap CRC is mandatory even in tolerant mode,
// because it is load-bearing for every subsequent offset computation.
func verifyV2(ctx *Context) error {
	const op = "verify(v2)"

	if _, err := ctx.be.Seek(ctx.h, 0, backend.Absolute); err != nil {
		return newErr(op, KindIO, err)
	}
	var raw v2RawHeader
	if err := readStruct(ctx.be, ctx.h, &raw); err != nil {
		return newErr(op, KindIO, err)
	}
	if !bytes.Equal(raw.Magic[:], imageMagic[:]) {
		return newErr(op, KindInvalidFormat, ErrBadMagic)
	}

	hdr := Header{
		BlockSize:         raw.BlockSize,
		TotalBlocks:       raw.TotalBlock,
		DeviceSize:        raw.DeviceSize,
		ChecksumSize:      raw.ChecksumSize,
		BlocksPerChecksum: raw.BlocksPerChecksum,
	}
	hdrSize := int64(binary.Size(raw))
	bitmapSize := ceilDiv8(hdr.TotalBlocks)
	hdr.HeadSize = hdrSize + int64(bitmapSize) + 4

	if _, err := ctx.be.Seek(ctx.h, hdrSize, backend.Absolute); err != nil {
		return newErr(op, KindIO, err)
	}
	raw2 := make([]byte, bitmapSize+4)
	if len(raw2) > 0 {
		if err := ctx.be.Read(ctx.h, raw2); err != nil {
			return newErr(op, KindIO, err)
		}
	}
	bits := raw2[:bitmapSize]
	trailer := raw2[bitmapSize:]

	computed := crc.IEEE(bits)
	stored := binary.LittleEndian.Uint32(trailer)
	if computed != stored {
		return newErr(op, KindInvalidFormat, ErrBadCRC)
	}

	usageMap := make([]byte, hdr.TotalBlocks)
	var i uint64
	for i = 0; i < hdr.TotalBlocks; i++ {
		if (bits[i>>3]>>(i&7))&1 != 0 {
			usageMap[i] = 1
		}
	}

	ctx.hdr = hdr
	ctx.vs = versionState{usageMap: usageMap}
	precalculatePrefixSums(&ctx.vs, &ctx.hdr, ctx.prefixStride)

	return nil
}
