// Copyright 2024 The partimg Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package partimg

import (
	"fmt"
	"os"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/partclone-go/partimg/backend"
	"github.com/partclone-go/partimg/overlay"
)

// OpenMode selects how Open treats writes on the returned Context.
type OpenMode int

const (
	// ModeReadOnly rejects every WriteBlocks call.
	ModeReadOnly OpenMode = iota

	// ModeReadWrite allows writes. The change file is opened if already
	// present at ChangeFilePath and otherwise created lazily on the first
	// WriteBlocks call, matching spec.md section 4.1's write-blocks
	// contract (the base image is never opened for writing either way).
	ModeReadWrite

	// ModeReadWriteCreate is an alias of ModeReadWrite kept for parity
	// with spec.md's three-way open_mode enumeration; both lazily create
	// the change file, since the base image itself is always opened
	// read-only regardless of mode.
	ModeReadWriteCreate
)

// flagBits is the lifecycle bitmask from spec.md section 3.2.
type flagBits uint16

const (
	flagOpen flagBits = 1 << iota
	flagHeadValid
	flagVerified
	flagVersionInit
	flagHaveCF
	flagCFOpen
	flagCFVerified
	flagTolerant
)

func (f flagBits) has(b flagBits) bool { return f&b == b }

// Options configures Open. A zero Options uses backend.POSIX, a filtered
// stderr logger, and the default prefix-sum stride.
type Options struct {
	// Backend is the I/O capability set Open and Verify use. Defaults to
	// backend.POSIX{}.
	Backend backend.Backend

	// Logger receives tolerant-mode downgrades and the V1 anomalous-byte
	// diagnostic. Defaults to a Helper over log.NewStdLogger(os.Stderr)
	// filtered to Warn and above.
	Logger *log.Helper

	// Mode selects read-only, read-write, or read-write-create semantics
	// for WriteBlocks. Defaults to ModeReadOnly.
	Mode OpenMode

	// ChangeFilePath overrides the default "<path>.cf" sidecar location.
	ChangeFilePath string

	// PrefixStride overrides the default prefix-sum stride (2^10 blocks).
	PrefixStride uint

	// Tolerant enables tolerant-mode verification up front, equivalent to
	// calling TolerantMode before Verify.
	Tolerant bool
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.Backend == nil {
		out.Backend = backend.POSIX{}
	}
	if out.Logger == nil {
		base := log.NewFilter(log.NewStdLogger(os.Stderr), log.FilterLevel(log.LevelWarn))
		out.Logger = log.NewHelper(base)
	}
	if out.PrefixStride == 0 {
		out.PrefixStride = defaultPrefixStride
	}
	return out
}

// Context is the process-local handle for an opened image. It exclusively
// owns the backend file handle, any change-file handle, and every buffer
// it allocates; Close is the sole release path.
type Context struct {
	be   backend.Backend
	h    backend.Handle
	path string

	changeFilePath string
	cf             *overlay.File

	invalidBlock []byte

	hdr Header
	vs  versionState
	ops versionOps

	currentBlock uint64
	openMode     OpenMode
	flags        flagBits
	prefixStride uint

	logger *log.Helper
}

// Probe opens path read-only, attempts Verify, and closes it again. It
// returns nil iff the file is a recognized partition image, and never
// mutates anything.
func Probe(path string, be backend.Backend) error {
	if be == nil {
		be = backend.POSIX{}
	}
	ctx, err := Open(path, &Options{Backend: be})
	if err != nil {
		return err
	}
	defer ctx.Close()
	return ctx.Verify()
}

// Open allocates a Context, opens the base file read-only (regardless of
// mode: writes only ever land in the change file), and records mode. It
// does not read the header; call Verify for that.
func Open(path string, opts *Options) (ctx *Context, err error) {
	o := opts.withDefaults()

	mode := ModeReadOnly
	if opts != nil {
		mode = modeFromOptions(opts)
	}

	c := &Context{
		be:             o.Backend,
		path:           path,
		changeFilePath: o.ChangeFilePath,
		openMode:       mode,
		prefixStride:   o.PrefixStride,
		logger:         o.Logger,
	}
	if o.Tolerant {
		c.flags |= flagTolerant
	}

	defer func() {
		if err != nil {
			c.Close()
			ctx = nil
		}
	}()

	h, oerr := c.be.Open(path, backend.ReadOnly)
	if oerr != nil {
		return nil, newErr("open", KindIO, oerr)
	}
	c.h = h
	c.flags |= flagOpen

	return c, nil
}

func modeFromOptions(o *Options) OpenMode {
	return o.Mode
}

// TolerantMode sets the tolerant flag. Call it after Open and before
// Verify; it has no effect on writes.
func (ctx *Context) TolerantMode() error {
	if ctx == nil {
		return newErr("tolerant-mode", KindInvalidArgument, ErrNilContext)
	}
	ctx.flags |= flagTolerant
	return nil
}

// Verify reads the fixed header, dispatches to the matching version's
// verify, and on success resets the cursor to 0 and allocates the
// zero-filled invalid-block buffer.
func (ctx *Context) Verify() error {
	if ctx == nil {
		return newErr("verify", KindInvalidArgument, ErrNilContext)
	}
	if !ctx.flags.has(flagOpen) {
		return newErr("verify", KindInvalidArgument, ErrNotOpen)
	}

	stamp, err := ctx.readVersionStamp()
	if err != nil {
		return newErr("verify", KindIO, err)
	}

	ops, ok := lookupVersion(stamp)
	if !ok {
		return newErr("verify", KindNotFound, ErrUnknownVersion)
	}
	ctx.ops = ops

	if err := ops.verify(ctx); err != nil {
		var e *Error
		if as(err, &e) {
			return err
		}
		return newErr("verify", KindInvalidFormat, err)
	}

	ctx.flags |= flagHeadValid | flagVerified | flagVersionInit
	ctx.currentBlock = 0
	ctx.vs.walkingValid = 0
	ctx.invalidBlock = make([]byte, ctx.hdr.BlockSize)

	if ctx.changeFilePath != "" || ctx.openMode != ModeReadOnly {
		if ctx.changeFilePath == "" {
			ctx.changeFilePath = ctx.path + ".cf"
		}
		if info, statErr := os.Stat(ctx.changeFilePath); statErr == nil && !info.IsDir() {
			if aerr := ctx.attachChangeFile(false); aerr != nil {
				return newErr("verify", KindIO, aerr)
			}
		}
	}

	return nil
}

// as is a tiny local errors.As wrapper kept in this file to avoid importing
// "errors" solely for this one call site used by Verify.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (ctx *Context) readVersionStamp() ([4]byte, error) {
	var stamp [4]byte
	if _, err := ctx.be.Seek(ctx.h, int64(len(imageMagic)), backend.Absolute); err != nil {
		return stamp, err
	}
	buf := make([]byte, 4)
	if err := ctx.be.Read(ctx.h, buf); err != nil {
		return stamp, err
	}
	copy(stamp[:], buf)
	return stamp, nil
}

// readReady is the predicate spec.md section 3.2 defines for every read
// operation: opened, verified, header normalized, version state allocated.
func (ctx *Context) readReady() bool {
	return ctx.flags.has(flagOpen | flagHeadValid | flagVerified | flagVersionInit)
}

// writeReady additionally requires a non-read-only mode and an open,
// verified change file.
func (ctx *Context) writeReady() bool {
	return ctx.readReady() &&
		ctx.openMode != ModeReadOnly &&
		ctx.flags.has(flagHaveCF|flagCFOpen|flagCFVerified)
}

// BlockSize returns the image's block size, or -1 if not yet verified.
func (ctx *Context) BlockSize() int64 {
	if ctx == nil || !ctx.flags.has(flagVerified) {
		return -1
	}
	return int64(ctx.hdr.BlockSize)
}

// BlockCount returns the image's total block count, or -1 if not yet
// verified.
func (ctx *Context) BlockCount() int64 {
	if ctx == nil || !ctx.flags.has(flagVerified) {
		return -1
	}
	return int64(ctx.hdr.TotalBlocks)
}

// DeviceSize returns TotalBlocks*BlockSize as recomputed at verify time, or
// -1 if not yet verified.
func (ctx *Context) DeviceSize() int64 {
	if ctx == nil || !ctx.flags.has(flagVerified) {
		return -1
	}
	return int64(ctx.hdr.DeviceSize)
}

// Anomalies returns the count of V1 usage-map bytes that were neither 0
// nor 1, per spec.md section 9's open question. Always 0 for V2 images.
func (ctx *Context) Anomalies() int {
	if ctx == nil {
		return 0
	}
	return ctx.vs.anomalousBytes
}

// Seek moves the logical cursor to block, which may be total_blocks (EOF);
// any read/write starting there fails.
func (ctx *Context) Seek(block uint64) error {
	if ctx == nil {
		return newErr("seek", KindInvalidArgument, ErrNilContext)
	}
	if !ctx.readReady() {
		return newErr("seek", KindInvalidArgument, ErrNotVerified)
	}
	if block > ctx.hdr.TotalBlocks {
		return newErr("seek", KindInvalidArgument, ErrBlockRange)
	}
	if block < ctx.hdr.TotalBlocks {
		ctx.vs.seekTo(block)
	} else {
		ctx.vs.walkingValid = ctx.vs.usedBefore(block)
	}
	ctx.currentBlock = block
	if ctx.cf != nil {
		if block < ctx.hdr.TotalBlocks {
			if err := ctx.cf.Seek(block); err != nil {
				return newErr("seek", KindIO, err)
			}
		}
	}
	return nil
}

// Tell returns the current logical cursor, or ^uint64(0) if the context is
// not read-ready.
func (ctx *Context) Tell() uint64 {
	if ctx == nil || !ctx.readReady() {
		return ^uint64(0)
	}
	return ctx.currentBlock
}

// ReadBlocks reads n blocks starting at the current cursor into buf, which
// must be at least n*BlockSize bytes. It writes to buf in block order and
// stops at the first error, returning how many blocks were fully read; the
// cursor only advances past blocks that succeeded.
func (ctx *Context) ReadBlocks(buf []byte, n int) (int, error) {
	if ctx == nil {
		return 0, newErr("read-blocks", KindInvalidArgument, ErrNilContext)
	}
	if !ctx.readReady() {
		return 0, newErr("read-blocks", KindInvalidArgument, ErrNotVerified)
	}
	bs := int(ctx.hdr.BlockSize)
	if len(buf) < n*bs {
		return 0, newErr("read-blocks", KindInvalidArgument, fmt.Errorf("buffer too small: have %d, need %d", len(buf), n*bs))
	}

	for i := 0; i < n; i++ {
		if ctx.currentBlock >= ctx.hdr.TotalBlocks {
			return i, newErr("read-blocks", KindInvalidArgument, ErrBlockRange)
		}
		if err := ctx.readOneBlock(buf[i*bs : (i+1)*bs]); err != nil {
			return i, err
		}
		ctx.currentBlock++
	}
	return n, nil
}

func (ctx *Context) readOneBlock(out []byte) error {
	if ctx.cf != nil {
		if err := ctx.cf.Seek(ctx.currentBlock); err != nil {
			return newErr("read-blocks", KindIO, err)
		}
		err := ctx.cf.ReadBlock(out)
		if err == nil {
			// The overlay shadowed the base image, but walkingValid tracks
			// the base image's used-block count independent of what the
			// caller ends up seeing, so it must still advance here or every
			// later used-block read in this batch resolves one block short.
			if ctx.vs.usageMap[ctx.currentBlock] == 1 {
				ctx.vs.walkingValid++
			}
			return nil
		}
		if err != overlay.ErrNoOverride {
			return newErr("read-blocks", KindIO, err)
		}
	}

	if ctx.vs.usageMap[ctx.currentBlock] == 1 {
		off := physicalOffset(&ctx.hdr, ctx.vs.walkingValid)
		if _, err := ctx.be.Seek(ctx.h, off, backend.Absolute); err != nil {
			return newErr("read-blocks", KindIO, err)
		}
		if err := ctx.be.Read(ctx.h, out); err != nil {
			return newErr("read-blocks", KindIO, err)
		}
		ctx.vs.walkingValid++
		return nil
	}

	copy(out, ctx.invalidBlock)
	return nil
}

// BlockUsed reports whether the current block is used: 1 if the overlay
// overrides it or the base image's usage map marks it used, 0 otherwise,
// -1 on error.
func (ctx *Context) BlockUsed() int {
	if ctx == nil || !ctx.readReady() {
		return -1
	}
	if ctx.currentBlock >= ctx.hdr.TotalBlocks {
		return -1
	}
	if ctx.cf != nil {
		if err := ctx.cf.Seek(ctx.currentBlock); err == nil && ctx.cf.BlockUsed() {
			return 1
		}
	}
	if ctx.vs.usageMap[ctx.currentBlock] == 1 {
		return 1
	}
	return 0
}

// WriteBlocks writes n blocks from buf, starting at the current cursor,
// into the change-file overlay, creating it lazily on the first write if
// none is attached yet (in both ModeReadWrite and ModeReadWriteCreate). It
// requires a write-capable, non-read-only context.
func (ctx *Context) WriteBlocks(buf []byte, n int) (int, error) {
	if ctx == nil {
		return 0, newErr("write-blocks", KindInvalidArgument, ErrNilContext)
	}
	if !ctx.readReady() {
		return 0, newErr("write-blocks", KindInvalidArgument, ErrNotVerified)
	}
	if ctx.openMode == ModeReadOnly {
		return 0, newErr("write-blocks", KindInvalidArgument, ErrReadOnly)
	}
	bs := int(ctx.hdr.BlockSize)
	if len(buf) < n*bs {
		return 0, newErr("write-blocks", KindInvalidArgument, fmt.Errorf("buffer too small: have %d, need %d", len(buf), n*bs))
	}

	if ctx.cf == nil {
		if ctx.changeFilePath == "" {
			ctx.changeFilePath = ctx.path + ".cf"
		}
		if err := ctx.attachChangeFile(true); err != nil {
			return 0, newErr("write-blocks", KindIO, err)
		}
		ctx.logger.Infof("partimg: created change file %s", ctx.changeFilePath)
	}
	if !ctx.writeReady() {
		return 0, newErr("write-blocks", KindInvalidArgument, ErrNotWriteReady)
	}

	for i := 0; i < n; i++ {
		if ctx.currentBlock >= ctx.hdr.TotalBlocks {
			return i, newErr("write-blocks", KindInvalidArgument, ErrBlockRange)
		}
		if err := ctx.cf.Seek(ctx.currentBlock); err != nil {
			return i, newErr("write-blocks", KindIO, err)
		}
		if err := ctx.cf.WriteBlock(buf[i*bs : (i+1)*bs]); err != nil {
			return i, newErr("write-blocks", KindIO, err)
		}
		ctx.currentBlock++
	}
	return n, nil
}

// attachChangeFile opens (or creates) the change file at ctx.changeFilePath
// and verifies it, setting the HaveCF/CFOpen/CFVerified flags on success.
func (ctx *Context) attachChangeFile(create bool) error {
	var cf *overlay.File
	var err error
	if create {
		cf, err = overlay.Create(ctx.changeFilePath, ctx.be, ctx.hdr.BlockSize, ctx.hdr.TotalBlocks)
	} else {
		cf, err = overlay.Init(ctx.changeFilePath, ctx.be, ctx.hdr.BlockSize, ctx.hdr.TotalBlocks)
	}
	if err != nil {
		return err
	}
	ctx.flags |= flagHaveCF | flagCFOpen

	if !create {
		if err := cf.Verify(); err != nil {
			cf.Finish()
			return err
		}
	}
	ctx.flags |= flagCFVerified
	ctx.cf = cf
	return nil
}

// Sync flushes the change-file overlay, if one is attached. It requires a
// write-ready context.
func (ctx *Context) Sync() error {
	if ctx == nil {
		return newErr("sync", KindInvalidArgument, ErrNilContext)
	}
	if !ctx.writeReady() {
		return newErr("sync", KindInvalidArgument, ErrNotWriteReady)
	}
	if err := ctx.cf.Sync(); err != nil {
		return newErr("sync", KindIO, err)
	}
	return nil
}

// Close flushes the overlay if open, closes the base file, and releases
// every buffer the context owns. It is idempotent, including on a
// half-constructed context that only passed through partial init.
func (ctx *Context) Close() error {
	if ctx == nil {
		return nil
	}
	var firstErr error

	if ctx.cf != nil {
		if err := ctx.cf.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := ctx.cf.Finish(); err != nil && firstErr == nil {
			firstErr = err
		}
		ctx.cf = nil
	}

	if ctx.flags.has(flagOpen) && ctx.h != nil {
		if err := ctx.be.Close(ctx.h); err != nil && firstErr == nil {
			firstErr = err
		}
		ctx.h = nil
	}

	ctx.flags = 0
	ctx.invalidBlock = nil
	ctx.vs = versionState{}

	if firstErr != nil {
		return newErr("close", KindIO, firstErr)
	}
	return nil
}
