// Copyright 2024 The partimg Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package partimg

// versionOps is the per-format vtable: verify differs between V1 and V2,
// everything else operates purely on the shared versionState/Header shape
// verify produces, so both versions use the same implementation for them
// (spec.md section 4.2).
type versionOps struct {
	verify func(ctx *Context) error
}

// versionEntry pairs a 4-byte on-disk version stamp with its vtable.
type versionEntry struct {
	stamp [4]byte
	ops   versionOps
}

// versionTable is the immutable, process-wide dispatch table. Two contexts
// never share mutable state; this table is the one thing they do share,
// and it never changes after init.
var versionTable = []versionEntry{
	{stamp: v1VersionStamp, ops: versionOps{verify: verifyV1}},
	{stamp: v2VersionStamp, ops: versionOps{verify: verifyV2}},
}

func lookupVersion(stamp [4]byte) (versionOps, bool) {
	for _, e := range versionTable {
		if e.stamp == stamp {
			return e.ops, true
		}
	}
	return versionOps{}, false
}
