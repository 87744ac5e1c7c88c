// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package key hands out handle identifiers and maps file names to object
// keys.
//
// Every file is stored under its base key, which is the cleaned file name
// without the leading slash, optionally behind a prefix:
//
//	<base>/meta                committed size and generation
//	<base>/pages/<lo>/<hi>     page content, page number split into halves
//	<base>/redo                pending atomic batch
//	<base>/lock                lease record
package key

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/asch/s3qlite/internal/s3qlite/objstore"
)

const (
	// Format string for the page part of the key. We split the page number
	// into halves and use the lower half of bits first. This is to prevent
	// s3 rate limiting which is applied to objects with the same prefix.
	pageFmt = "%08x/%08x"

	// Longest key accepted by all supported backends.
	maxKeyLen = 1024
)

var (
	handle int64
	mutex  sync.Mutex
)

// Returns a new unique handle identifier. Identifiers are never reused
// within the process.
func Next() int64 {
	mutex.Lock()
	defer mutex.Unlock()

	handle++

	return handle
}

// Returns the last assigned handle identifier.
func Current() int64 {
	mutex.Lock()
	defer mutex.Unlock()

	return handle
}

// Base returns the base key of the file with an absolute, cleaned name.
func Base(prefix, name string) (string, error) {
	if name == "" || name[0] != '/' || path.Clean(name) != name || name == "/" {
		return "", fmt.Errorf("%w: %q", objstore.ErrInvalidKey, name)
	}

	if strings.ContainsAny(name, "\x00\r\n") {
		return "", fmt.Errorf("%w: %q", objstore.ErrInvalidKey, name)
	}

	base := strings.TrimSuffix(prefix, "/")
	if base != "" {
		base += "/"
	}
	base += name[1:]

	if len(base)+len("/pages/")+17 > maxKeyLen {
		return "", fmt.Errorf("%w: %q too long", objstore.ErrInvalidKey, name)
	}

	return base, nil
}

func Meta(base string) string {
	return base + "/meta"
}

func Redo(base string) string {
	return base + "/redo"
}

func Lock(base string) string {
	return base + "/lock"
}

// Pages returns the common prefix of all page objects of the file.
func Pages(base string) string {
	return base + "/pages/"
}

// Page returns the key of page pgno of the file.
func Page(base string, pgno int64) string {
	return Pages(base) + encode(pgno)
}

// DecodePage is the inverse of Page. It reports false for keys which are not
// page keys of the file.
func DecodePage(base, k string) (int64, bool) {
	rest := strings.TrimPrefix(k, Pages(base))
	if rest == k || len(rest) != 17 {
		return 0, false
	}

	return decode(rest)
}

func encode(pgno int64) string {
	left := (pgno >> 32) & 0xffffffff
	right := pgno & 0xffffffff

	return fmt.Sprintf(pageFmt, right, left)
}

// The inverse to encode()
func decode(s string) (int64, bool) {
	var prefix, k int64
	if n, err := fmt.Sscanf(s, pageFmt, &prefix, &k); n != 2 || err != nil {
		return 0, false
	}

	return (k << 32) + prefix, true
}
