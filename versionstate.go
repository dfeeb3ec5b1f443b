// Copyright 2024 The partimg Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package partimg

// defaultPrefixStride is the default factor: one prefix-sum entry every
// 2^10 = 1024 blocks, per spec.md section 9's "engineering trade-off" note.
const defaultPrefixStride = 10

// versionState is the shape shared by both on-disk versions once verify has
// finished: a dense byte usage map and a sparse prefix-sum index over it.
// V1 populates usageMap byte-for-byte; V2 expands its bit-packed map into
// the same representation, so every operation past verify is version-blind.
type versionState struct {
	usageMap  []byte // usageMap[i] == 1 means block i is used
	prefixSum []uint64
	stride    uint // factor: one prefixSum entry every 1<<stride blocks

	walkingValid uint64 // count of used blocks strictly before currentBlock

	anomalousBytes int // count of usageMap bytes that are neither 0 nor 1 (V1 only)
}

// precalculatePrefixSums walks usageMap once, recording a running count of
// used blocks at every stride boundary. It also recomputes hdr.DeviceSize
// from TotalBlocks*BlockSize and overwrites the (advisory) on-disk value,
// per spec.md section 4.6.
func precalculatePrefixSums(vs *versionState, hdr *Header, stride uint) {
	vs.stride = stride
	total := hdr.TotalBlocks
	entries := (total >> stride) + 1
	vs.prefixSum = make([]uint64, entries)

	var count uint64
	var i uint64
	for i = 0; i < total; i++ {
		if i&((1<<stride)-1) == 0 {
			vs.prefixSum[i>>stride] = count
		}
		if vs.usageMap[i] == 1 {
			count++
		}
	}
	// Trailing partial-stride entry beyond the last full boundary, if any,
	// so a seek to total (EOF) can still resolve prefixSum[total>>stride].
	if total&((1<<stride)-1) == 0 && total>>stride < entries {
		vs.prefixSum[total>>stride] = count
	}

	hdr.DeviceSize = total * uint64(hdr.BlockSize)
}

// seekTo resynchronizes walkingValid for a new cursor position: it starts
// from the nearest preceding prefix-sum boundary and walks forward,
// counting used blocks strictly before block.
func (vs *versionState) seekTo(block uint64) {
	strideMask := uint64(1)<<vs.stride - 1
	boundary := block &^ strideMask
	count := vs.prefixSum[boundary>>vs.stride]
	for p := boundary; p < block; p++ {
		if vs.usageMap[p] == 1 {
			count++
		}
	}
	vs.walkingValid = count
}

// usedBefore returns the number of used blocks strictly before block,
// computed fresh (used by tests to check the offset-formula invariant
// independent of cursor state).
func (vs *versionState) usedBefore(block uint64) uint64 {
	strideMask := uint64(1)<<vs.stride - 1
	boundary := block &^ strideMask
	count := vs.prefixSum[boundary>>vs.stride]
	for p := boundary; p < block; p++ {
		if vs.usageMap[p] == 1 {
			count++
		}
	}
	return count
}

// physicalOffset implements the offset formula from spec.md sections 3.3
// and 8 (property 1): head_size + N*block_size + floor(N/blocksPerChecksum)*checksumSize,
// where N is the count of used blocks preceding `block`.
func physicalOffset(hdr *Header, usedBefore uint64) int64 {
	n := int64(usedBefore)
	off := hdr.HeadSize + n*int64(hdr.BlockSize)
	if hdr.BlocksPerChecksum > 0 {
		off += (n / int64(hdr.BlocksPerChecksum)) * int64(hdr.ChecksumSize)
	}
	return off
}
