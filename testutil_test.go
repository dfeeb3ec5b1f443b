// Copyright 2024 The partimg Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package partimg

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/partclone-go/partimg/crc"
)

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

// writeV1Image assembles a minimal, valid V1 image: header, byte usage map,
// trailing magic, and the data for every used block in ascending order.
// blockData maps a logical block index to its stored bytes; every index
// with usageMap[i] == 1 must have an entry of length blockSize.
func writeV1Image(t *testing.T, dir string, blockSize uint32, usageMap []byte, blockData map[int][]byte, corruptTrailer bool) string {
	t.Helper()
	path := filepath.Join(dir, "v1.img")

	var buf bytes.Buffer
	buf.Write(imageMagic[:])
	buf.Write(v1VersionStamp[:])
	binary.Write(&buf, binary.LittleEndian, blockSize)
	binary.Write(&buf, binary.LittleEndian, uint64(len(usageMap)))
	binary.Write(&buf, binary.LittleEndian, uint64(0)) // advisory device_size, overwritten at verify
	buf.Write(usageMap)
	if corruptTrailer {
		buf.WriteString("BiTmAgIx")
	} else {
		buf.WriteString(v1Trailer)
	}

	for i := 0; i < len(usageMap); i++ {
		if usageMap[i] != 1 {
			continue
		}
		data, ok := blockData[i]
		if !ok || uint32(len(data)) != blockSize {
			t.Fatalf("writeV1Image: missing or mis-sized data for used block %d", i)
		}
		buf.Write(data)
	}

	if err := writeFile(path, buf.Bytes()); err != nil {
		t.Fatalf("writeV1Image: %v", err)
	}
	return path
}

// writeV2Image assembles a minimal, valid V2 image.
func writeV2Image(t *testing.T, dir string, blockSize, checksumSize, blocksPerChecksum uint32, usageMap []byte, blockData map[int][]byte, corruptCRC bool) string {
	t.Helper()
	path := filepath.Join(dir, "v2.img")
	total := uint64(len(usageMap))
	bitmapSize := ceilDiv8(total)

	bits := make([]byte, bitmapSize)
	for i, v := range usageMap {
		if v == 1 {
			bits[i>>3] |= 1 << (uint(i) & 7)
		}
	}

	var buf bytes.Buffer
	buf.Write(imageMagic[:])
	buf.Write(v2VersionStamp[:])
	binary.Write(&buf, binary.LittleEndian, blockSize)
	binary.Write(&buf, binary.LittleEndian, total)
	binary.Write(&buf, binary.LittleEndian, uint64(0))
	binary.Write(&buf, binary.LittleEndian, checksumSize)
	binary.Write(&buf, binary.LittleEndian, blocksPerChecksum)
	buf.Write(bits)

	sum := crc.IEEE(bits)
	if corruptCRC {
		sum ^= 0x1
	}
	binary.Write(&buf, binary.LittleEndian, sum)

	// Lay out stored blocks (in used-block order) with a checksumSize-byte
	// filler inserted after every blocksPerChecksum stored blocks, matching
	// the physicalOffset formula the engine reads back with.
	var n int64
	for i := 0; i < len(usageMap); i++ {
		if usageMap[i] != 1 {
			continue
		}
		data, ok := blockData[i]
		if !ok || uint32(len(data)) != blockSize {
			t.Fatalf("writeV2Image: missing or mis-sized data for used block %d", i)
		}
		buf.Write(data)
		n++
		if blocksPerChecksum > 0 && n%int64(blocksPerChecksum) == 0 {
			buf.Write(bytes.Repeat([]byte{0xCC}, int(checksumSize)))
		}
	}

	if err := writeFile(path, buf.Bytes()); err != nil {
		t.Fatalf("writeV2Image: %v", err)
	}
	return path
}
