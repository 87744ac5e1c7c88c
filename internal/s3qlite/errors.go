// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package s3qlite

import (
	"errors"
	"fmt"

	"github.com/asch/s3qlite/internal/s3qlite/key"
	"github.com/asch/s3qlite/internal/s3qlite/lock"
	"github.com/asch/s3qlite/internal/s3qlite/objstore"
)

// Code is a result code with the numeric value SQLite uses for it.
type Code int

const (
	OK       Code = 0
	Busy     Code = 5
	IOErr    Code = 10
	Corrupt  Code = 11
	NotFound Code = 12
	CantOpen Code = 14
)

// Extended I/O error codes.
const (
	IOErrRead           = IOErr | 1<<8
	IOErrWrite          = IOErr | 3<<8
	IOErrFsync          = IOErr | 4<<8
	IOErrTruncate       = IOErr | 6<<8
	IOErrFstat          = IOErr | 7<<8
	IOErrUnlock         = IOErr | 8<<8
	IOErrRdlock         = IOErr | 9<<8
	IOErrDelete         = IOErr | 10<<8
	IOErrAccess         = IOErr | 13<<8
	IOErrCheckReserved  = IOErr | 14<<8
	IOErrLock           = IOErr | 15<<8
	IOErrClose          = IOErr | 16<<8
	IOErrShmOpen        = IOErr | 18<<8
	IOErrShmLock        = IOErr | 20<<8
	IOErrShmMap         = IOErr | 21<<8
	IOErrBeginAtomic    = IOErr | 29<<8
	IOErrCommitAtomic   = IOErr | 30<<8
	IOErrRollbackAtomic = IOErr | 31<<8
)

const extendedMask Code = 0xff

// Primary returns the primary result code of an extended one.
func (c Code) Primary() Code {
	return c & extendedMask
}

func (c Code) String() string {
	switch c.Primary() {
	case OK:
		return "ok"
	case Busy:
		return "busy"
	case IOErr:
		return "disk I/O error"
	case Corrupt:
		return "database disk image is malformed"
	case NotFound:
		return "not found"
	case CantOpen:
		return "unable to open database file"
	}

	return fmt.Sprintf("code %d", int(c))
}

var (
	errCorrupt  = errors.New("page shorter than the committed size")
	errChecksum = errors.New("page checksum mismatch")
	errReadOnly = errors.New("file opened read-only")
	errClosed   = errors.New("file already closed")
)

// Error is returned by every operation of the VFS and its files.
type Error struct {
	Code Code
	Op   string
	Name string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Name, e.Code)
	}

	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Name, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the result code carried by err. Errors from outside of the
// VFS are plain I/O errors.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return IOErr
}

// Wraps err into an Error. Code is the I/O error reported for the operation
// unless err itself says something more specific.
func wrap(code Code, op, name string, err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return err
	}

	switch {
	case errors.Is(err, lock.ErrBusy):
		code = Busy
	case errors.Is(err, lock.ErrInvalid):
		code = IOErrLock
	case errors.Is(err, errCorrupt), errors.Is(err, errChecksum):
		code = Corrupt
	case errors.Is(err, objstore.ErrInvalidKey):
		code = CantOpen
	}

	return &Error{Code: code, Op: op, Name: name, Err: err}
}

// Base key of name, mapping failures to CANTOPEN.
func baseOf(prefix, name, op string) (string, error) {
	b, err := key.Base(prefix, name)
	if err != nil {
		return "", &Error{Code: CantOpen, Op: op, Name: name, Err: err}
	}

	return b, nil
}
