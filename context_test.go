// Copyright 2024 The partimg Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package partimg

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/partclone-go/partimg/backend"
)

func fillBlock(blockSize int, b byte) []byte {
	return bytes.Repeat([]byte{b}, blockSize)
}

// TestS1ReadBackUsedAndUnusedBlocks matches spec.md section 8 scenario S1.
func TestS1ReadBackUsedAndUnusedBlocks(t *testing.T) {
	const blockSize = 4096
	usageMap := []byte{1, 0, 1, 1, 0, 0, 1, 0}
	data := map[int][]byte{
		0: fillBlock(blockSize, 0xA0),
		2: fillBlock(blockSize, 0xA2),
		3: fillBlock(blockSize, 0xA3),
		6: fillBlock(blockSize, 0xA6),
	}
	path := writeV1Image(t, t.TempDir(), blockSize, usageMap, data, false)

	ctx, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ctx.Close()
	if err := ctx.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	buf := make([]byte, blockSize*len(usageMap))
	n, err := ctx.ReadBlocks(buf, len(usageMap))
	if err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if n != len(usageMap) {
		t.Fatalf("ReadBlocks returned n=%d, want %d", n, len(usageMap))
	}

	for i := 0; i < len(usageMap); i++ {
		got := buf[i*blockSize : (i+1)*blockSize]
		if want, used := data[i]; used {
			if !bytes.Equal(got, want) {
				t.Errorf("block %d: got first byte %#x, want %#x", i, got[0], want[0])
			}
		} else {
			for _, b := range got {
				if b != 0 {
					t.Errorf("block %d: expected all-zero placeholder, found %#x", i, b)
					break
				}
			}
		}
	}
}

// TestS2WriteThroughOverlayShadowsBaseImage matches spec.md section 8
// scenario S2, including the reopen-reproduces-the-read tail.
func TestS2WriteThroughOverlayShadowsBaseImage(t *testing.T) {
	const blockSize = 4096
	usageMap := []byte{1, 0, 1, 1, 0, 0, 1, 0}
	data := map[int][]byte{
		0: fillBlock(blockSize, 0xA0),
		2: fillBlock(blockSize, 0xA2),
		3: fillBlock(blockSize, 0xA3),
		6: fillBlock(blockSize, 0xA6),
	}
	dir := t.TempDir()
	path := writeV1Image(t, dir, blockSize, usageMap, data, false)

	ctx, err := Open(path, &Options{Mode: ModeReadWriteCreate})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ctx.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	overridden := fillBlock(blockSize, 0xFF)
	if err := ctx.Seek(3); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if n, err := ctx.WriteBlocks(overridden, 1); err != nil || n != 1 {
		t.Fatalf("WriteBlocks: n=%d err=%v", n, err)
	}

	if _, err := os.Stat(path + ".cf"); err != nil {
		t.Fatalf("expected change file %s.cf to exist: %v", path, err)
	}

	if err := ctx.Seek(0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	buf := make([]byte, blockSize*len(usageMap))
	if _, err := ctx.ReadBlocks(buf, len(usageMap)); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(buf[3*blockSize:4*blockSize], overridden) {
		t.Fatalf("block 3 was not shadowed by the overlay write")
	}
	if !bytes.Equal(buf[2*blockSize:3*blockSize], data[2]) {
		t.Fatalf("block 2 changed even though it was never written")
	}
	if !bytes.Equal(buf[6*blockSize:7*blockSize], data[6]) {
		t.Fatalf("block 6 (used, sequenced after the overridden block 3) returned the wrong base image data")
	}

	if err := ctx.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := ctx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, &Options{Mode: ModeReadWrite, ChangeFilePath: path + ".cf"})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if err := reopened.Verify(); err != nil {
		t.Fatalf("reopen Verify: %v", err)
	}
	if err := reopened.Seek(3); err != nil {
		t.Fatalf("reopen Seek: %v", err)
	}
	got := make([]byte, blockSize)
	if _, err := reopened.ReadBlocks(got, 1); err != nil {
		t.Fatalf("reopen ReadBlocks: %v", err)
	}
	if !bytes.Equal(got, overridden) {
		t.Fatalf("reopened image did not reproduce the overlay write for block 3")
	}
}

// TestS3V2Bitmap matches spec.md section 8 scenario S3.
func TestS3V2Bitmap(t *testing.T) {
	const blockSize = 512
	// 17 blocks -> bitmap bytes 0x2D 0x4B 0x01 (bit i&7 of byte i>>3 is block i).
	usageMap := make([]byte, 17)
	set := []int{0, 2, 3, 5, 8, 9, 11, 14, 16}
	for _, i := range set {
		usageMap[i] = 1
	}
	data := map[int][]byte{}
	for _, i := range set {
		data[i] = fillBlock(blockSize, byte(0xB0+i))
	}
	path := writeV2Image(t, t.TempDir(), blockSize, 4, 4, usageMap, data, false)

	ctx, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ctx.Close()
	if err := ctx.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if got := ctx.BlockCount(); got != 17 {
		t.Fatalf("BlockCount = %d, want 17", got)
	}
	if err := ctx.Seek(10); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if got, want := ctx.BlockUsed(), usageMap[10]; int(got) != int(want) {
		t.Fatalf("BlockUsed(10) = %d, want %d", got, want)
	}
}

// TestS4V2CorruptBitmapCRC matches spec.md section 8 scenario S4.
func TestS4V2CorruptBitmapCRC(t *testing.T) {
	usageMap := []byte{1, 0, 1, 1}
	data := map[int][]byte{0: fillBlock(64, 1), 2: fillBlock(64, 2), 3: fillBlock(64, 3)}
	path := writeV2Image(t, t.TempDir(), 64, 4, 4, usageMap, data, true)

	ctx, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = ctx.Verify()
	if err == nil {
		t.Fatalf("Verify succeeded on a corrupted bitmap CRC")
	}
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindInvalidFormat {
		t.Fatalf("Verify error = %v, want KindInvalidFormat", err)
	}
	if err := ctx.Close(); err != nil {
		t.Fatalf("Close after failed verify: %v", err)
	}
}

// TestS5V1TolerantMode matches spec.md section 8 scenario S5.
func TestS5V1TolerantMode(t *testing.T) {
	const blockSize = 256
	usageMap := []byte{1, 0, 1}
	data := map[int][]byte{0: fillBlock(blockSize, 9), 2: fillBlock(blockSize, 7)}
	path := writeV1Image(t, t.TempDir(), blockSize, usageMap, data, true)

	ctx, err := Open(path, &Options{Tolerant: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ctx.Close()
	if err := ctx.Verify(); err != nil {
		t.Fatalf("Verify with tolerant mode and a clobbered trailer failed: %v", err)
	}

	buf := make([]byte, blockSize)
	if err := ctx.Seek(2); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if _, err := ctx.ReadBlocks(buf, 1); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(buf, data[2]) {
		t.Fatalf("tolerant-mode read returned wrong data for block 2")
	}
}

// TestS5IntolerantModeRejectsBadTrailer is the converse of S5: without
// tolerant mode the same image must fail verify.
func TestS5IntolerantModeRejectsBadTrailer(t *testing.T) {
	usageMap := []byte{1}
	data := map[int][]byte{0: fillBlock(128, 1)}
	path := writeV1Image(t, t.TempDir(), 128, usageMap, data, true)

	ctx, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ctx.Close()
	if err := ctx.Verify(); err == nil {
		t.Fatalf("Verify succeeded on a clobbered trailer without tolerant mode")
	}
}

// TestS6ProbeRejectsUnrecognizedFile matches spec.md section 8 scenario S6.
func TestS6ProbeRejectsUnrecognizedFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/not-an-image"
	if err := writeFile(path, bytes.Repeat([]byte{0}, 64)); err != nil {
		t.Fatalf("writeFile: %v", err)
	}
	if err := Probe(path, nil); err == nil {
		t.Fatalf("Probe succeeded on a file with no recognized magic")
	}
}

// TestMMapBackendReadsMatchPOSIX drives a read-only Verify/Seek/ReadBlocks
// sequence through backend.MMap instead of the default backend.POSIX, so
// the mmap implementation is actually exercised rather than left as an
// unused, if plausible, carryover.
func TestMMapBackendReadsMatchPOSIX(t *testing.T) {
	const blockSize = 512
	usageMap := []byte{1, 0, 1, 1, 0, 0, 1, 0}
	data := map[int][]byte{
		0: fillBlock(blockSize, 0xA0),
		2: fillBlock(blockSize, 0xA2),
		3: fillBlock(blockSize, 0xA3),
		6: fillBlock(blockSize, 0xA6),
	}
	path := writeV1Image(t, t.TempDir(), blockSize, usageMap, data, false)

	ctx, err := Open(path, &Options{Backend: backend.MMap{}})
	if err != nil {
		t.Fatalf("Open with MMap backend: %v", err)
	}
	defer ctx.Close()
	if err := ctx.Verify(); err != nil {
		t.Fatalf("Verify with MMap backend: %v", err)
	}

	buf := make([]byte, blockSize*len(usageMap))
	if _, err := ctx.ReadBlocks(buf, len(usageMap)); err != nil {
		t.Fatalf("ReadBlocks with MMap backend: %v", err)
	}
	for i, want := range data {
		if got := buf[i*blockSize : (i+1)*blockSize]; !bytes.Equal(got, want) {
			t.Fatalf("block %d via MMap backend: got first byte %#x, want %#x", i, got[0], want[0])
		}
	}

	if _, err := ctx.WriteBlocks(fillBlock(blockSize, 0xFF), 1); err == nil {
		t.Fatalf("WriteBlocks succeeded through a read-only MMap-backed context")
	}
}

// TestReadOnlyRejectsWrites is property 6.
func TestReadOnlyRejectsWrites(t *testing.T) {
	usageMap := []byte{1}
	data := map[int][]byte{0: fillBlock(64, 1)}
	path := writeV1Image(t, t.TempDir(), 64, usageMap, data, false)

	ctx, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ctx.Close()
	if err := ctx.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	_, err = ctx.WriteBlocks(fillBlock(64, 2), 1)
	if err == nil {
		t.Fatalf("WriteBlocks succeeded on a read-only context")
	}
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindInvalidArgument {
		t.Fatalf("WriteBlocks error = %v, want KindInvalidArgument", err)
	}
	if _, statErr := os.Stat(path + ".cf"); statErr == nil {
		t.Fatalf("a change file was created despite the write being rejected")
	}
}

// TestIdempotentCloseOnHalfConstructedContext is property 5.
func TestIdempotentCloseOnHalfConstructedContext(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/bad-magic.img"
	if err := writeFile(path, bytes.Repeat([]byte{0xEE}, 128)); err != nil {
		t.Fatalf("writeFile: %v", err)
	}

	ctx, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ctx.Verify(); err == nil {
		t.Fatalf("Verify succeeded on a garbage file")
	}
	if err := ctx.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := ctx.Close(); err != nil {
		t.Fatalf("second Close on an already-closed context: %v", err)
	}
	if err := (*Context)(nil).Close(); err != nil {
		t.Fatalf("Close on a nil Context: %v", err)
	}
}

// TestOffsetFormula is property 1, checked directly against the prefix-sum
// machinery rather than through a full read.
func TestOffsetFormula(t *testing.T) {
	usageMap := []byte{1, 1, 0, 1, 0, 1, 1, 0, 1, 0, 1}
	hdr := Header{BlockSize: 32, TotalBlocks: uint64(len(usageMap)), HeadSize: 100, ChecksumSize: 2, BlocksPerChecksum: 3}
	vs := versionState{usageMap: usageMap}
	precalculatePrefixSums(&vs, &hdr, 2)

	var n uint64
	for b := 0; b < len(usageMap); b++ {
		got := vs.usedBefore(uint64(b))
		if got != n {
			t.Fatalf("usedBefore(%d) = %d, want %d", b, got, n)
		}
		if usageMap[b] == 1 {
			wantOff := hdr.HeadSize + int64(n)*int64(hdr.BlockSize) + (int64(n)/int64(hdr.BlocksPerChecksum))*int64(hdr.ChecksumSize)
			if got := physicalOffset(&hdr, n); got != wantOff {
				t.Fatalf("physicalOffset(N=%d) = %d, want %d", n, got, wantOff)
			}
			n++
		}
	}
}

// TestPrefixSumBoundaries is property 2.
func TestPrefixSumBoundaries(t *testing.T) {
	usageMap := make([]byte, 40)
	for i := range usageMap {
		if i%3 == 0 {
			usageMap[i] = 1
		}
	}
	hdr := Header{BlockSize: 16, TotalBlocks: uint64(len(usageMap))}
	vs := versionState{usageMap: usageMap}
	const stride = 3 // boundary every 8 blocks
	precalculatePrefixSums(&vs, &hdr, stride)

	for k := 0; k*(1<<stride) <= len(usageMap); k++ {
		boundary := k * (1 << stride)
		var want uint64
		for i := 0; i < boundary; i++ {
			if usageMap[i] == 1 {
				want++
			}
		}
		if got := vs.prefixSum[k]; got != want {
			t.Fatalf("prefixSum[%d] (boundary %d) = %d, want %d", k, boundary, got, want)
		}
	}
}

func TestHeaderNormalizationV1(t *testing.T) {
	usageMap := []byte{1, 0}
	data := map[int][]byte{0: fillBlock(32, 1)}
	v1Path := writeV1Image(t, t.TempDir(), 32, usageMap, data, false)

	ctx, err := Open(v1Path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ctx.Close()
	if err := ctx.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	want := Header{BlockSize: 32, TotalBlocks: 2, DeviceSize: 64, ChecksumSize: 0, BlocksPerChecksum: 1, HeadSize: ctx.hdr.HeadSize}
	if diff := cmp.Diff(want, ctx.hdr); diff != "" {
		t.Fatalf("normalized header mismatch (-want +got):\n%s", diff)
	}
}
