// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package s3qlite

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/asch/s3qlite/internal/s3qlite/commit"
	"github.com/asch/s3qlite/internal/s3qlite/lock"
	"github.com/asch/s3qlite/internal/s3qlite/objstore"
)

// OpenFlag has the values of the SQLite open flags.
type OpenFlag uint32

const (
	OpenReadOnly      OpenFlag = 0x00000001
	OpenReadWrite     OpenFlag = 0x00000002
	OpenCreate        OpenFlag = 0x00000004
	OpenDeleteOnClose OpenFlag = 0x00000008
	OpenExclusive     OpenFlag = 0x00000010
	OpenMainDB        OpenFlag = 0x00000100
	OpenTempDB        OpenFlag = 0x00000200
	OpenTransientDB   OpenFlag = 0x00000400
	OpenMainJournal   OpenFlag = 0x00000800
	OpenTempJournal   OpenFlag = 0x00001000
	OpenSubjournal    OpenFlag = 0x00002000
	OpenSuperJournal  OpenFlag = 0x00004000
	OpenWAL           OpenFlag = 0x00080000
)

func (f OpenFlag) temporary() bool {
	return f&(OpenTempDB|OpenTransientDB|OpenTempJournal|OpenSubjournal) != 0
}

func (f OpenFlag) role() string {
	switch {
	case f&OpenMainDB != 0:
		return "main"
	case f&OpenMainJournal != 0:
		return "journal"
	case f&OpenWAL != 0:
		return "wal"
	case f&OpenSuperJournal != 0:
		return "super-journal"
	case f&OpenSubjournal != 0:
		return "subjournal"
	case f&OpenTempDB != 0, f&OpenTempJournal != 0, f&OpenTransientDB != 0:
		return "temp"
	}

	return "other"
}

type AccessFlag uint32

const (
	AccessExists    AccessFlag = 0
	AccessReadWrite AccessFlag = 1
	AccessRead      AccessFlag = 2
)

type SyncFlag uint32

const (
	SyncNormal   SyncFlag = 0x00002
	SyncFull     SyncFlag = 0x00003
	SyncDataOnly SyncFlag = 0x00010
)

type DeviceCharacteristic uint32

const (
	IOCapPowersafeOverwrite DeviceCharacteristic = 0x00001000
	IOCapBatchAtomic        DeviceCharacteristic = 0x00004000
)

// LockLevel has the values of the SQLite lock levels.
type LockLevel = lock.Level

const (
	LockNone      = lock.None
	LockShared    = lock.Shared
	LockReserved  = lock.Reserved
	LockPending   = lock.Pending
	LockExclusive = lock.Exclusive
)

// Per-name state shared by all handles of an open file.
type file struct {
	t    *tier
	name string
	base string
	main bool

	refs          int
	deleteOnClose bool

	mu sync.Mutex

	// Logical size.
	size int64

	// Stored pages may exist below this offset.
	remote int64

	committed commit.Meta
	version   string

	// Size before the running atomic batch.
	batch   int64
	inBatch bool
}

func (r *file) Name() string {
	return r.base
}

func (r *file) Size() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.size
}

func (r *file) SetSize(size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.size = size
}

func (r *file) Committed() (commit.Meta, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.committed, r.version
}

func (r *file) SetCommitted(m commit.Meta, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.committed, r.version = m, version
	r.remote = m.Size
}

// Reports whether the file has content or was ever committed.
func (r *file) exists() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.version != "" || r.size > 0
}

func (r *file) batching() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.inBatch
}

// Drops the uncommitted changes. Pages up to the size before may have been
// stored by a partial flush, so they stay covered by remote.
func (r *file) discard() {
	n := r.t.cache.Discard(r.base)

	r.mu.Lock()
	r.remote = max(r.remote, r.size)
	r.size = r.committed.Size
	r.inBatch = false
	r.mu.Unlock()

	log.Warn().Str("file", r.name).Int("pages", n).Msg("Uncommitted pages discarded")
}

// Forgets everything, the file is being deleted.
func (r *file) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.size, r.remote = 0, 0
	r.committed, r.version = commit.Meta{}, ""
	r.inBatch = false
}

// File is one open handle. A handle is used by one connection at a time.
type File struct {
	v      *VFS
	rec    *file
	id     int64
	flags  OpenFlag
	closed bool
}

func (f *File) Name() string {
	return f.rec.name
}

func (f *File) fail(op string, code Code, err error) error {
	return wrap(code, op, f.rec.name, err)
}

// Close releases locks and shared memory of the handle. Closing the last
// handle of a file flushes its remaining dirty pages.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	f.shmRelease(false)

	if err := f.rec.t.locks.Forget(f.v.ctx, f.rec.base, f.id); err != nil {
		log.Warn().Err(err).Str("file", f.rec.name).Msg("Lock not released on close")
	}

	return f.fail("close", IOErrClose, f.v.release(f.rec))
}

// ReadAt reads len(p) bytes at off. Past the end of the file only the
// available prefix is read and io.EOF is returned; the rest of p is left
// untouched.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, f.fail("read", IOErrRead, errClosed)
	}

	rec := f.rec
	size := rec.Size()
	if off >= size {
		return 0, io.EOF
	}

	n := int64(len(p))
	if off+n > size {
		n = size - off
	}

	if n > 0 {
		if err := f.read(p[:n], off); err != nil {
			return 0, f.fail("read", IOErrRead, err)
		}
	}

	if int(n) < len(p) {
		return int(n), io.EOF
	}

	return int(n), nil
}

// Reads p at off, which lies completely inside the file.
func (f *File) read(p []byte, off int64) error {
	rec := f.rec
	cache := rec.t.cache
	ps := int64(cache.PageSize())

	first, last := off/ps, (off+int64(len(p))-1)/ps
	if first != last {
		pgnos := make([]int64, 0, last-first+1)
		for pgno := first; pgno <= last; pgno++ {
			pgnos = append(pgnos, pgno)
		}

		cache.Pin(rec.base)
		defer cache.Unpin(rec.base)

		if err := cache.Fetch(f.v.ctx, rec.base, pgnos); err != nil {
			return err
		}
	}

	for pos := 0; pos < len(p); {
		at := off + int64(pos)
		pgno, pgOff := at/ps, int(at%ps)
		want := len(p) - pos
		if room := int(ps) - pgOff; want > room {
			want = room
		}

		got, err := cache.ReadAt(f.v.ctx, rec.base, pgno, pgOff, p[pos:pos+want])
		if err != nil {
			return err
		}
		if got < want {
			return fmt.Errorf("%w: page %d has %d bytes at %d, want %d", errCorrupt, pgno, got, pgOff, want)
		}

		pos += got
	}

	return nil
}

// WriteAt writes p at off into the cache. No network request is made.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, f.fail("write", IOErrWrite, errClosed)
	}
	if f.flags&OpenReadOnly != 0 {
		return 0, f.fail("write", IOErrWrite, errReadOnly)
	}

	rec := f.rec
	cache := rec.t.cache
	ps := int64(cache.PageSize())

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if off > rec.size {
		rec.extend(off)
	}

	for pos := 0; pos < len(p); {
		at := off + int64(pos)
		pgno, pgOff := at/ps, int(at%ps)
		n := len(p) - pos
		if room := int(ps) - pgOff; n > room {
			n = room
		}

		fresh := pgno*ps >= rec.size
		cache.WriteAt(rec.base, pgno, pgOff, p[pos:pos+n], fresh)
		pos += n
	}

	if end := off + int64(len(p)); end > rec.size {
		rec.size = end
	}

	return len(p), nil
}

// Grows the file to size with zeros. Every page inside the new size gets
// written, so no page within the size is ever missing. Must be called with
// the mutex held.
func (r *file) extend(size int64) {
	cache := r.t.cache
	ps := int64(cache.PageSize())

	if tail := r.size % ps; tail != 0 {
		n := ps - tail
		if r.size+n > size {
			n = size - r.size
		}
		cache.WriteAt(r.base, r.size/ps, int(tail), make([]byte, n), false)
		r.size += n
	}

	for r.size < size {
		n := ps
		if r.size+n > size {
			n = size - r.size
		}
		cache.WriteAt(r.base, r.size/ps, 0, make([]byte, n), true)
		r.size += n
	}
}

// Truncate changes the size of the file. Stored pages past the new size are
// deleted by the next sync.
func (f *File) Truncate(size int64) error {
	if f.closed {
		return f.fail("truncate", IOErrTruncate, errClosed)
	}
	if size < 0 {
		return f.fail("truncate", IOErrTruncate, errors.New("negative size"))
	}

	rec := f.rec
	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch {
	case size < rec.size:
		remote := rec.remote
		if rec.size > remote {
			remote = rec.size
		}
		rec.t.cache.Truncate(rec.base, size, remote)
		rec.size = size
	case size > rec.size:
		rec.extend(size)
	}

	return nil
}

// Sync commits the file. The journal and WAL of a main database are
// committed first. A data-only sync skips the meta object if the size did
// not change and nothing was written.
func (f *File) Sync(flags SyncFlag) error {
	if f.closed {
		return f.fail("sync", IOErrFsync, errClosed)
	}

	full := flags&SyncDataOnly == 0
	deps := f.v.dependencies(f.rec)

	return f.fail("sync", IOErrFsync, f.rec.t.commit.Sync(f.v.ctx, f.rec, full, deps...))
}

func (f *File) Size() (int64, error) {
	if f.closed {
		return 0, f.fail("size", IOErrFstat, errClosed)
	}

	return f.rec.Size(), nil
}

// Lock raises the lock level of the handle, waiting a bounded time for
// conflicting handles.
func (f *File) Lock(level LockLevel) error {
	rec := f.rec
	before := rec.t.locks.Level(rec.base, f.id)

	err := rec.t.locks.Lock(f.v.ctx, rec.base, f.id, level)
	if err != nil {
		return f.fail("lock", IOErrLock, err)
	}

	if f.v.leases != nil && !rec.t.temp && before == LockNone {
		if err := f.refresh(); err != nil {
			_ = rec.t.locks.Unlock(f.v.ctx, rec.base, f.id, LockNone)
			return f.fail("lock", IOErrRdlock, err)
		}
	}

	return nil
}

// Picks up a version committed by another process. Only needed when the
// processes share the backend.
func (f *File) refresh() error {
	rec := f.rec
	version, err := rec.t.pages.HeadMeta(f.v.ctx, rec.base, true)
	if err != nil && !errors.Is(err, objstore.ErrNotFound) {
		return err
	}

	_, current := rec.Committed()
	if version == current {
		return nil
	}

	var m commit.Meta
	if version != "" {
		if m, version, err = rec.t.pages.GetMeta(f.v.ctx, rec.base); err != nil {
			return err
		}
	}

	log.Debug().Str("file", rec.name).Str("version", version).Msg("File changed by another process")

	rec.t.cache.Invalidate(rec.base)
	rec.t.cache.SetStamp(rec.base, version)

	rec.mu.Lock()
	rec.size, rec.remote = m.Size, m.Size
	rec.committed, rec.version = m, version
	rec.mu.Unlock()

	return nil
}

// Unlock lowers the lock level. Leaving RESERVED or above commits the dirty
// pages, so they are never kept without the lock protecting them. If the
// commit fails they are discarded and the file falls back to its committed
// size before the lock goes.
func (f *File) Unlock(level LockLevel) error {
	rec := f.rec
	cur := rec.t.locks.Level(rec.base, f.id)

	var syncErr error
	if cur >= LockReserved && level < LockReserved && !f.closed {
		syncErr = rec.t.commit.Sync(f.v.ctx, rec, false, f.v.dependencies(rec)...)
		if syncErr != nil {
			rec.discard()
		}
	}

	if err := rec.t.locks.Unlock(f.v.ctx, rec.base, f.id, level); err != nil {
		return f.fail("unlock", IOErrUnlock, err)
	}

	return f.fail("unlock", IOErrUnlock, syncErr)
}

// CheckReservedLock reports whether any handle, in any process, holds
// RESERVED or above.
func (f *File) CheckReservedLock() (bool, error) {
	reserved, err := f.rec.t.locks.CheckReserved(f.v.ctx, f.rec.base)

	return reserved, f.fail("checkreservedlock", IOErrCheckReserved, err)
}

// LockState returns the lock level of the handle.
func (f *File) LockState() LockLevel {
	return f.rec.t.locks.Level(f.rec.base, f.id)
}

func (f *File) SectorSize() int {
	return f.v.opts.SectorSize
}

func (f *File) DeviceCharacteristics() DeviceCharacteristic {
	d := IOCapPowersafeOverwrite
	if f.batchAtomic() {
		d |= IOCapBatchAtomic
	}

	return d
}

func (f *File) batchAtomic() bool {
	return f.v.opts.AtomicBatch && f.rec.main && !f.rec.t.temp
}

// SizeHint is accepted and ignored. Objects cannot be preallocated.
func (f *File) SizeHint(size int64) error {
	return nil
}

// BeginAtomicWrite starts a batch whose writes become durable all at once
// by CommitAtomicWrite.
func (f *File) BeginAtomicWrite() error {
	if !f.batchAtomic() {
		return &Error{Code: IOErrBeginAtomic, Op: "begin_atomic", Name: f.rec.name}
	}

	rec := f.rec
	rec.mu.Lock()
	rec.batch, rec.inBatch = rec.size, true
	rec.mu.Unlock()

	return nil
}

func (f *File) CommitAtomicWrite() error {
	rec := f.rec
	if err := rec.t.commit.CommitBatch(f.v.ctx, rec); err != nil {
		return f.fail("commit_atomic", IOErrCommitAtomic, err)
	}

	rec.mu.Lock()
	rec.inBatch = false
	rec.mu.Unlock()

	return nil
}

func (f *File) RollbackAtomicWrite() error {
	rec := f.rec
	rec.mu.Lock()
	size, inBatch := rec.batch, rec.inBatch
	rec.inBatch = false
	rec.mu.Unlock()

	if !inBatch {
		return &Error{Code: IOErrRollbackAtomic, Op: "rollback_atomic", Name: rec.name}
	}

	rec.t.commit.RollbackBatch(rec, size)

	return nil
}

// Pragma answers the pragmas specific to this VFS. Unknown pragmas are
// reported as NotFound so the engine handles them itself.
func (f *File) Pragma(name, value string) (string, error) {
	rec := f.rec

	switch strings.ToLower(name) {
	case "vfs_backend":
		out := fmt.Sprintf("%s locks=%s", rec.t.proxy, f.v.opts.LockMode)
		if f.v.leases != nil {
			out += " owner=" + f.v.leases.Owner()
		}
		return out, nil
	case "vfs_cache":
		s := f.v.Stats()
		return fmt.Sprintf("pages=%d dirty=%d hits=%d misses=%d disk_hits=%d evictions=%d",
			s.Pages, s.Dirty, s.Hits, s.Misses, s.DiskHits, s.Evictions), nil
	case "vfs_preload":
		ps := int64(rec.t.cache.PageSize())
		n := (rec.Size() + ps - 1) / ps
		if value != "" {
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil || v < 0 {
				return "", &Error{Code: IOErr, Op: "pragma", Name: rec.name, Err: fmt.Errorf("bad page count %q", value)}
			}
			if v < n {
				n = v
			}
		}
		if err := rec.t.cache.Preload(f.v.ctx, rec.base, n); err != nil {
			return "", f.fail("pragma", IOErrRead, err)
		}
		return strconv.FormatInt(n, 10), nil
	}

	return "", &Error{Code: NotFound, Op: "pragma", Name: rec.name}
}

// FileControl is the generic entry to the file controls implemented by the
// handle. Arguments and results are passed as text.
func (f *File) FileControl(op string, arg string) (string, error) {
	switch op {
	case "lockstate":
		return strconv.Itoa(int(f.LockState())), nil
	case "vfsname":
		return "s3qlite", nil
	case "size_hint":
		size, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return "", &Error{Code: IOErr, Op: "file_control", Name: f.rec.name, Err: err}
		}
		return "", f.SizeHint(size)
	case "begin_atomic_write":
		return "", f.BeginAtomicWrite()
	case "commit_atomic_write":
		return "", f.CommitAtomicWrite()
	case "rollback_atomic_write":
		return "", f.RollbackAtomicWrite()
	case "sync":
		return "", f.Sync(SyncNormal)
	}

	if name, ok := strings.CutPrefix(op, "pragma:"); ok {
		return f.Pragma(name, arg)
	}

	return "", &Error{Code: NotFound, Op: "file_control", Name: f.rec.name}
}
