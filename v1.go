// Copyright 2024 The partimg Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package partimg

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/partclone-go/partimg/backend"
)

// verifyV1 implements spec.md section 4.3: fixed magic, a byte-wide usage
// map immediately following the header, and an 8-byte trailing magic.
//
// ChecksumSize is 0 and BlocksPerChecksum is 1 (divisor-safety only): V1
// stores no per-block checksum region (section 2's component table is
// explicit about this), so the offset formula's checksum term must vanish.
// This reads section 4.3 step 2's "set checksum_size = 4" as bookkeeping
// for the normalized header shape rather than as a term the offset formula
// should apply — section 8 scenario S1 pins the expected offsets as
// head_size + N*block_size with no checksum term, which only holds if
// ChecksumSize is 0 here.
func verifyV1(ctx *Context) error {
	const op = "verify(v1)"

	if _, err := ctx.be.Seek(ctx.h, 0, backend.Absolute); err != nil {
		return newErr(op, KindIO, err)
	}
	var raw v1RawHeader
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
		ChecksumSize:      0,
		BlocksPerChecksum: 1,
	}
	hdrSize := int64(binary.Size(raw))
	hdr.HeadSize = hdrSize + int64(hdr.TotalBlocks) + int64(len(v1Trailer))

	usageMap := make([]byte, hdr.TotalBlocks)
	if _, err := ctx.be.Seek(ctx.h, hdrSize, backend.Absolute); err != nil {
		return newErr(op, KindIO, err)
	}
	if hdr.TotalBlocks > 0 {
		if err := ctx.be.Read(ctx.h, usageMap); err != nil {
			return newErr(op, KindIO, err)
		}
	}

	trailer := make([]byte, len(v1Trailer))
	if err := ctx.be.Read(ctx.h, trailer); err != nil {
		return newErr(op, KindIO, err)
	}
	if string(trailer) != v1Trailer {
		if !ctx.flags.has(flagTolerant) {
			return newErr(op, KindInvalidFormat, fmt.Errorf("trailing magic mismatch: got %q", trailer))
		}
		ctx.logger.Warnf("partimg: V1 trailing magic mismatch tolerated (got %q)", trailer)
	}

	// Reference-implementation quirk (spec.md section 9 Open Question):
	// a usage-map byte equal to 1 means used; any other non-zero value is
	// "not used", not an error. Count anomalies for diagnostics without
	// rejecting the image.
	anomalous := 0
	for i, b := range usageMap {
		if b != 0 && b != 1 {
			anomalous++
			usageMap[i] = 0
		}
	}
	if anomalous > 0 {
		ctx.logger.Warnf("partimg: V1 usage map has %d anomalous byte(s) (neither 0 nor 1)", anomalous)
	}

	ctx.hdr = hdr
	ctx.vs = versionState{usageMap: usageMap, anomalousBytes: anomalous}
	precalculatePrefixSums(&ctx.vs, &ctx.hdr, ctx.prefixStride)

	return nil
}
