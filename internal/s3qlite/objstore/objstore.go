// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objstore defines the object store interface used as the storage
// backend and a proxy which schedules, throttles and retries the requests.
package objstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// Absent as the expected version makes a write conditional on the
	// object not existing yet.
	Absent = "*"

	// Any as the expected version makes a write unconditional.
	Any = ""
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrConflict   = errors.New("object version conflict")
	ErrInvalidKey = errors.New("invalid object key")
	ErrClosed     = errors.New("object store closed")
)

// Attrs describes one stored object.
type Attrs struct {
	Key  string
	Size int64

	// Opaque version of the object compared by conditional requests.
	Version string

	// Hex encoded MD5 of the whole object content. It is used to decide
	// whether an ambiguous conditional write was applied.
	MD5 string
}

// Interface for the backend storage. Anything implementing this interface
// can be used as a storage backend.
type Store interface {
	// Returns length bytes of the object identified by key starting at
	// offset. Negative length means up to the end of the object. Ranges
	// past the end of the object are returned shortened.
	GetRange(ctx context.Context, key string, offset, length int64) ([]byte, Attrs, error)

	// Stores data under key. Expected is Any, Absent or a version returned
	// earlier. Mismatch is reported as ErrConflict.
	Put(ctx context.Context, key string, data []byte, expected string) (Attrs, error)

	// Deletes the object. Deleting a missing object without expectation
	// is not an error.
	Delete(ctx context.Context, key string, expected string) error

	Head(ctx context.Context, key string) (Attrs, error)

	// Returns all objects whose key starts with prefix, in key order.
	List(ctx context.Context, prefix string) ([]Attrs, error)

	// Short human readable description of the backend location.
	String() string
}

// TransientError marks an error which is expected to disappear when the
// request is repeated, e.g. timeouts, throttling or 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err into TransientError. Nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &TransientError{Err: err}
}

// IsTransient reports whether err or any error it wraps is transient.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t) || errors.Is(err, context.DeadlineExceeded)
}

// Sum returns the hex encoded MD5 of data in the format of Attrs.MD5.
func Sum(data []byte) string {
	s := md5.Sum(data)
	return hex.EncodeToString(s[:])
}
