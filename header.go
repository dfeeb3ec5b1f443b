// Copyright 2024 The partimg Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package partimg

// Header is the normalized, version-independent view of an image's fixed
// metadata. Every field here is derived during Verify regardless of which
// on-disk version produced it.
type Header struct {
	// BlockSize is the size in bytes of one logical block.
	BlockSize uint32

	// TotalBlocks is the number of logical blocks the original device had,
	// used or not.
	TotalBlocks uint64

	// DeviceSize is TotalBlocks*BlockSize, recomputed at verify time and
	// written back over whatever advisory value the on-disk header carried
	// (see precalculatePrefixSums).
	DeviceSize uint64

	// ChecksumSize is the size in bytes of the per-block checksum region;
	// 0 for V1 (fixed, V1 stores no checksum region), configurable for V2.
	ChecksumSize uint32

	// BlocksPerChecksum is how many stored blocks share one checksum
	// region; 1 for V1 (fixed), configurable for V2.
	BlocksPerChecksum uint32

	// HeadSize is the byte offset at which the first stored data block
	// begins.
	HeadSize int64
}

// v1RawHeader is the on-disk layout of a V1 image's fixed header, read with
// binary.Read (little-endian) starting at offset 0. The magic and version
// stamp are plain byte arrays, not C strings, and are matched with
// bytes.Equal against the constants below.
type v1RawHeader struct {
	Magic      [16]byte
	Version    [4]byte
	BlockSize  uint32
	TotalBlock uint64
	DeviceSize uint64
}

// v2RawHeader is the on-disk layout of a V2 image's fixed header.
type v2RawHeader struct {
	Magic             [16]byte
	Version           [4]byte
	BlockSize         uint32
	TotalBlock        uint64
	DeviceSize        uint64
	ChecksumSize      uint32
	BlocksPerChecksum uint32
}

const v1Trailer = "BiTmAgIc"

// imageMagic is the fixed 16-byte marker shared by both on-disk versions;
// "partclone-image" is 15 bytes, null-padded to 16.
var imageMagic = [16]byte{
	'p', 'a', 'r', 't', 'c', 'l', 'o', 'n', 'e', '-', 'i', 'm', 'a', 'g', 'e', 0,
}

var (
	v1VersionStamp = [4]byte{'0', '0', '0', '1'}
	v2VersionStamp = [4]byte{'0', '0', '0', '2'}
)
