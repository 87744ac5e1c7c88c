// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package s3qlite

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/asch/s3qlite/internal/s3qlite/commit"
	"github.com/asch/s3qlite/internal/s3qlite/key"
	"github.com/asch/s3qlite/internal/s3qlite/objstore"
)

// Length of the checksum appended to every page object.
const sumSize = 32

// pageStore maps pages, meta and redo records of files to objects. It is the
// backing of the page cache and the meta store of the commit coordinator.
type pageStore struct {
	proxy  *objstore.Proxy
	verify bool
}

// Page objects carry the content followed by its BLAKE3 sum.
func frame(data []byte) []byte {
	sum := blake3.Sum256(data)
	out := make([]byte, 0, len(data)+sumSize)
	out = append(out, data...)

	return append(out, sum[:]...)
}

func (s *pageStore) unframe(k string, obj []byte) ([]byte, error) {
	if len(obj) < sumSize {
		return nil, fmt.Errorf("%w: %s has %d bytes", errChecksum, k, len(obj))
	}

	data := obj[:len(obj)-sumSize]
	if s.verify {
		sum := blake3.Sum256(data)
		if !bytes.Equal(sum[:], obj[len(data):]) {
			return nil, fmt.Errorf("%w: %s", errChecksum, k)
		}
	}

	return data, nil
}

func (s *pageStore) ReadPage(ctx context.Context, base string, pgno int64, prio bool) ([]byte, error) {
	k := key.Page(base, pgno)

	obj, _, err := s.proxy.Get(ctx, k, prio)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return s.unframe(k, obj)
}

func (s *pageStore) WritePage(ctx context.Context, base string, pgno int64, data []byte) error {
	_, err := s.proxy.PutWhole(ctx, key.Page(base, pgno), frame(data), objstore.Any)

	return err
}

func (s *pageStore) DeletePage(ctx context.Context, base string, pgno int64) error {
	err := s.proxy.Delete(ctx, key.Page(base, pgno), objstore.Any, true)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil
	}

	return err
}

// GetMeta returns the committed meta of the file and its version.
func (s *pageStore) GetMeta(ctx context.Context, base string) (commit.Meta, string, error) {
	var m commit.Meta

	data, attrs, err := s.proxy.Get(ctx, key.Meta(base), true)
	if err != nil {
		return m, "", err
	}

	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return m, "", fmt.Errorf("%w: meta of %s: %v", errCorrupt, base, err)
	}

	return m, attrs.Version, nil
}

// HeadMeta returns the version of the meta object.
func (s *pageStore) HeadMeta(ctx context.Context, base string, prio bool) (string, error) {
	attrs, err := s.proxy.Head(ctx, key.Meta(base), prio)

	return attrs.Version, err
}

func (s *pageStore) PutMeta(ctx context.Context, base string, m commit.Meta, expected string) (string, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return "", err
	}

	attrs, err := s.proxy.Put(ctx, key.Meta(base), buf.Bytes(), expected, true)

	return attrs.Version, err
}

func (s *pageStore) DeleteMeta(ctx context.Context, base string) error {
	err := s.proxy.Delete(ctx, key.Meta(base), objstore.Any, true)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil
	}

	return err
}

func (s *pageStore) PutRedo(ctx context.Context, base string, r *commit.Redo) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return err
	}

	_, err := s.proxy.PutWhole(ctx, key.Redo(base), buf.Bytes(), objstore.Any)

	return err
}

func (s *pageStore) GetRedo(ctx context.Context, base string) (*commit.Redo, error) {
	data, _, err := s.proxy.Get(ctx, key.Redo(base), true)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r := new(commit.Redo)
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(r); err != nil {
		return nil, fmt.Errorf("%w: redo of %s: %v", errCorrupt, base, err)
	}

	return r, nil
}

func (s *pageStore) DeleteRedo(ctx context.Context, base string) error {
	err := s.proxy.Delete(ctx, key.Redo(base), objstore.Any, true)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil
	}

	return err
}

// Pages lists the numbers of all stored pages of the file.
func (s *pageStore) Pages(ctx context.Context, base string, prio bool) ([]int64, error) {
	objects, err := s.proxy.List(ctx, key.Pages(base), prio)
	if err != nil {
		return nil, err
	}

	pgnos := make([]int64, 0, len(objects))
	for _, o := range objects {
		if pgno, ok := key.DecodePage(base, o.Key); ok {
			pgnos = append(pgnos, pgno)
		}
	}

	return pgnos, nil
}

// Delete removes every object of the file. The meta object goes first, so an
// interrupted delete leaves no file behind, only garbage for the sweeper.
func (s *pageStore) Delete(ctx context.Context, base string) (int, error) {
	if err := s.DeleteMeta(ctx, base); err != nil {
		return 0, err
	}

	pgnos, err := s.Pages(ctx, base, true)
	if err != nil {
		return 0, err
	}

	for _, pgno := range pgnos {
		if err := s.DeletePage(ctx, base, pgno); err != nil {
			return 0, err
		}
	}

	return len(pgnos), s.DeleteRedo(ctx, base)
}
