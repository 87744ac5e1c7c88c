// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package sqlite registers the object store VFS with the SQLite engine and
// opens databases on top of it through database/sql.
//
// The engine runs as WebAssembly inside the process, so every file access of
// a connection ends up in the s3qlite package. The WAL index of a main
// database is the engine's own file backed shared memory, kept in the local
// directory the VFS assigns to the database.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/ncruces/go-sqlite3/vfs"
	"github.com/rs/zerolog/log"

	"github.com/asch/s3qlite/internal/s3qlite"
)

// DriverName is the database/sql driver used by Open.
const DriverName = "sqlite3"

// Register makes v available to the engine under name.
func Register(name string, v *s3qlite.VFS) {
	vfs.Register(name, &adapter{v: v})
	log.Debug().Str("vfs", name).Str("backend", v.String()).Msg("VFS registered")
}

func Unregister(name string) {
	vfs.Unregister(name)
}

// DSN returns the data source name of the database at path opened through
// the VFS registered as name. Path may carry its own query parameters.
// Pragmas are applied to every connection.
func DSN(name, path string, pragmas ...string) string {
	path, query, _ := strings.Cut(path, "?")

	q, err := url.ParseQuery(query)
	if err != nil {
		q = url.Values{}
	}
	q.Set("vfs", name)
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}

	return fmt.Sprintf("file:%s?%s", path, q.Encode())
}

// Open opens the database at path through the VFS registered as name.
func Open(name, path string, pragmas ...string) (*sql.DB, error) {
	return sql.Open(DriverName, DSN(name, path, pragmas...))
}

// Translates errors of the VFS to the result codes the engine expects.
func code(err error) error {
	if err == nil {
		return nil
	}

	c := s3qlite.CodeOf(err)
	if c.Primary() == s3qlite.IOErr || c.Primary() == s3qlite.Corrupt {
		log.Debug().Err(err).Send()
	}

	if c != c.Primary() {
		return sqlite3.ExtendedErrorCode(c)
	}

	return sqlite3.ErrorCode(c)
}

type adapter struct {
	v *s3qlite.VFS
}

func (a *adapter) Open(name string, flags vfs.OpenFlag) (vfs.File, vfs.OpenFlag, error) {
	f, out, err := a.v.Open(name, s3qlite.OpenFlag(flags))
	if err != nil {
		return nil, flags, code(err)
	}

	h := &file{f: f}
	if path := f.WALIndex(); path != "" {
		h.shm = vfs.NewSharedMemory(path, flags)
	}

	return h, vfs.OpenFlag(out), nil
}

func (a *adapter) Delete(name string, syncDir bool) error {
	return code(a.v.Delete(name, syncDir))
}

func (a *adapter) Access(name string, flags vfs.AccessFlag) (bool, error) {
	ok, err := a.v.Access(name, s3qlite.AccessFlag(flags))

	return ok, code(err)
}

func (a *adapter) FullPathname(name string) (string, error) {
	full, err := a.v.FullPathname(name)

	return full, code(err)
}

type file struct {
	f   *s3qlite.File
	shm vfs.SharedMemory
}

var (
	_ vfs.FileSharedMemory     = (*file)(nil)
	_ vfs.FileLockState        = (*file)(nil)
	_ vfs.FileSizeHint         = (*file)(nil)
	_ vfs.FilePragma           = (*file)(nil)
	_ vfs.FileBatchAtomicWrite = (*file)(nil)
)

func (f *file) Close() error {
	if f.shm != nil {
		f.shm.Close()
	}

	return code(f.f.Close())
}

// SharedMemory is nil for everything but main databases.
func (f *file) SharedMemory() vfs.SharedMemory {
	return f.shm
}

// ReadAt keeps io.EOF, which the engine turns into a short read.
func (f *file) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.f.ReadAt(p, off)
	if errors.Is(err, io.EOF) {
		return n, io.EOF
	}

	return n, code(err)
}

func (f *file) WriteAt(p []byte, off int64) (int, error) {
	n, err := f.f.WriteAt(p, off)

	return n, code(err)
}

func (f *file) Truncate(size int64) error {
	return code(f.f.Truncate(size))
}

func (f *file) Sync(flags vfs.SyncFlag) error {
	return code(f.f.Sync(s3qlite.SyncFlag(flags)))
}

func (f *file) Size() (int64, error) {
	size, err := f.f.Size()

	return size, code(err)
}

func (f *file) Lock(level vfs.LockLevel) error {
	return code(f.f.Lock(s3qlite.LockLevel(level)))
}

func (f *file) Unlock(level vfs.LockLevel) error {
	return code(f.f.Unlock(s3qlite.LockLevel(level)))
}

func (f *file) CheckReservedLock() (bool, error) {
	ok, err := f.f.CheckReservedLock()

	return ok, code(err)
}

func (f *file) SectorSize() int {
	return f.f.SectorSize()
}

func (f *file) DeviceCharacteristics() vfs.DeviceCharacteristic {
	return vfs.DeviceCharacteristic(f.f.DeviceCharacteristics())
}

func (f *file) LockState() vfs.LockLevel {
	return vfs.LockLevel(f.f.LockState())
}

func (f *file) SizeHint(size int64) error {
	return code(f.f.SizeHint(size))
}

func (f *file) Pragma(name, value string) (string, error) {
	out, err := f.f.Pragma(name, value)

	return out, code(err)
}

func (f *file) BeginAtomicWrite() error {
	return code(f.f.BeginAtomicWrite())
}

func (f *file) CommitAtomicWrite() error {
	return code(f.f.CommitAtomicWrite())
}

func (f *file) RollbackAtomicWrite() error {
	return code(f.f.RollbackAtomicWrite())
}
