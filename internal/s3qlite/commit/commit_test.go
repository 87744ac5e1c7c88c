// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package commit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/s3qlite/internal/s3qlite/objstore"
	"github.com/asch/s3qlite/internal/s3qlite/pagecache"
)

var errDown = errors.New("backend down")

// Store of pages, meta and redo objects recording the order of mutations.
type store struct {
	mu       sync.Mutex
	events   []string
	pages    map[string][]byte
	metas    map[string]Meta
	versions map[string]string
	redos    map[string]*Redo
	seq      int
	failPage bool
}

func newStore() *store {
	return &store{
		pages:    make(map[string][]byte),
		metas:    make(map[string]Meta),
		versions: make(map[string]string),
		redos:    make(map[string]*Redo),
	}
}

func (s *store) log(format string, args ...interface{}) {
	s.events = append(s.events, fmt.Sprintf(format, args...))
}

func (s *store) ReadPage(ctx context.Context, file string, pgno int64, prio bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pages[fmt.Sprintf("%s/%d", file, pgno)], nil
}

func (s *store) WritePage(ctx context.Context, file string, pgno int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failPage {
		return errDown
	}

	s.pages[fmt.Sprintf("%s/%d", file, pgno)] = append([]byte(nil), data...)
	s.log("page %s", file)

	return nil
}

func (s *store) DeletePage(ctx context.Context, file string, pgno int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pages, fmt.Sprintf("%s/%d", file, pgno))
	s.log("delete %s %d", file, pgno)

	return nil
}

func (s *store) PutMeta(ctx context.Context, file string, m Meta, expected string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.versions[file]
	if (expected == objstore.Absent && ok) || (expected != objstore.Absent && cur != expected) {
		return "", objstore.ErrConflict
	}

	s.seq++
	v := strconv.Itoa(s.seq)
	s.versions[file] = v
	s.metas[file] = m
	s.log("meta %s %d", file, m.Size)

	return v, nil
}

func (s *store) PutRedo(ctx context.Context, file string, r *Redo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.redos[file] = r
	s.log("redo %s", file)

	return nil
}

func (s *store) GetRedo(ctx context.Context, file string) (*Redo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.redos[file], nil
}

func (s *store) DeleteRedo(ctx context.Context, file string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.redos, file)
	s.log("unredo %s", file)

	return nil
}

func (s *store) take() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.events
	s.events = nil

	return e
}

type file struct {
	name      string
	size      int64
	committed Meta
	version   string
}

func (f *file) Name() string       { return f.name }
func (f *file) Size() int64        { return f.size }
func (f *file) SetSize(size int64) { f.size = size }

func (f *file) Committed() (Meta, string) {
	return f.committed, f.version
}

func (f *file) SetCommitted(m Meta, version string) {
	f.committed, f.version = m, version
}

func setup() (*store, *pagecache.Cache, *Coordinator) {
	s := newStore()
	cache := pagecache.New(s, pagecache.Options{PageSize: 8})

	return s, cache, New(cache, s, nil)
}

func TestFullSyncCommitsMeta(t *testing.T) {
	ctx := context.Background()
	s, cache, c := setup()
	db := &file{name: "db", size: 16}

	cache.Put("db", 0, bytes.Repeat([]byte{1}, 8))
	cache.Put("db", 1, bytes.Repeat([]byte{2}, 8))

	require.NoError(t, c.Sync(ctx, db, true))
	assert.Equal(t, []string{"page db", "page db", "meta db 16"}, s.take())
	assert.EqualValues(t, 16, db.committed.Size)
	assert.EqualValues(t, 1, db.committed.Generation)
	assert.NotEmpty(t, db.committed.Commit)
	assert.Equal(t, "1", db.version)
	assert.Equal(t, "1", cache.Stamp("db"))

	// Nothing changed, a data-only sync is free.
	require.NoError(t, c.Sync(ctx, db, false))
	assert.Empty(t, s.take())

	// A full sync always commits.
	require.NoError(t, c.Sync(ctx, db, true))
	assert.Equal(t, []string{"meta db 16"}, s.take())
	assert.EqualValues(t, 2, db.committed.Generation)
}

func TestDataOnlySync(t *testing.T) {
	ctx := context.Background()
	s, cache, c := setup()
	db := &file{name: "db", size: 8}
	require.NoError(t, c.Sync(ctx, db, true))
	s.take()

	cache.Put("db", 0, []byte("abcdefgh"))
	require.NoError(t, c.Sync(ctx, db, false))
	assert.Equal(t, []string{"page db", "meta db 8"}, s.take())

	db.size = 4
	cache.Truncate("db", 4, 8)
	require.NoError(t, c.Sync(ctx, db, false))
	assert.Equal(t, []string{"page db", "meta db 4"}, s.take())
}

func TestDependenciesFirst(t *testing.T) {
	ctx := context.Background()
	s, cache, c := setup()
	db := &file{name: "db", size: 8}
	journal := &file{name: "db-journal", size: 8}

	cache.Put("db-journal", 0, []byte("preimage"))
	cache.Put("db", 0, []byte("newimage"))

	require.NoError(t, c.Sync(ctx, db, true, journal))
	assert.Equal(t, []string{
		"page db-journal",
		"meta db-journal 8",
		"page db",
		"meta db 8",
	}, s.take())
}

func TestConflict(t *testing.T) {
	ctx := context.Background()
	s, cache, c := setup()
	db := &file{name: "db", size: 8}
	require.NoError(t, c.Sync(ctx, db, true))

	// Another writer committed behind our back.
	_, err := s.PutMeta(ctx, "db", Meta{Size: 8, Generation: 7}, db.version)
	require.NoError(t, err)

	cache.Put("db", 0, []byte("abcdefgh"))
	err = c.Sync(ctx, db, true)
	assert.ErrorIs(t, err, objstore.ErrConflict)
	assert.EqualValues(t, 1, db.committed.Generation)
}

func TestFlushFailureDoesNotCommit(t *testing.T) {
	ctx := context.Background()
	s, cache, c := setup()
	db := &file{name: "db", size: 8}

	cache.Put("db", 0, []byte("abcdefgh"))
	s.failPage = true

	assert.ErrorIs(t, c.Sync(ctx, db, true), errDown)
	assert.Empty(t, s.take())
	assert.Empty(t, db.version)
	assert.Equal(t, 1, cache.Dirty("db"))
}

func TestFence(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	cache := pagecache.New(s, pagecache.Options{PageSize: 8})
	errFenced := errors.New("fenced")
	c := New(cache, s, func(file string) error { return errFenced })

	db := &file{name: "db", size: 8}
	cache.Put("db", 0, []byte("abcdefgh"))

	assert.ErrorIs(t, c.Sync(ctx, db, true), errFenced)
	assert.Empty(t, s.take())
}

func TestCommitBatch(t *testing.T) {
	ctx := context.Background()
	s, cache, c := setup()
	db := &file{name: "db", size: 16}

	cache.Put("db", 0, []byte("aaaaaaaa"))
	cache.Put("db", 1, []byte("bbbbbbbb"))

	require.NoError(t, c.CommitBatch(ctx, db))
	assert.Equal(t, []string{"redo db", "page db", "page db", "meta db 16", "unredo db"}, s.take())
	assert.Zero(t, cache.Dirty("db"))

	r, err := s.GetRedo(ctx, "db")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestRollbackBatch(t *testing.T) {
	ctx := context.Background()
	s, cache, c := setup()
	db := &file{name: "db", size: 8}
	cache.Put("db", 0, []byte("original"))
	require.NoError(t, c.Sync(ctx, db, true))
	s.take()

	cache.Put("db", 0, []byte("changed!"))
	cache.Put("db", 1, []byte("appended"))
	db.size = 16

	assert.Equal(t, 2, c.RollbackBatch(db, 8))
	assert.EqualValues(t, 8, db.size)

	got, err := cache.Get(ctx, "db", 0)
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))
	assert.Empty(t, s.take())
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	s, cache, c := setup()
	db := &file{name: "db", size: 16}
	cache.Put("db", 0, []byte("old00000"))
	cache.Put("db", 1, []byte("old11111"))
	require.NoError(t, c.Sync(ctx, db, true))

	// A batch shrinking the file to one page crashed before its commit.
	require.NoError(t, s.PutRedo(ctx, "db", &Redo{
		Base:  db.version,
		Meta:  Meta{Size: 8, Generation: 2},
		Pages: map[int64][]byte{0: []byte("new00000")},
	}))
	s.take()

	_, cache, c = setup2(s)
	applied, err := c.Recover(ctx, db)
	require.NoError(t, err)
	assert.True(t, applied)

	assert.EqualValues(t, 8, db.size)
	assert.EqualValues(t, 8, s.metas["db"].Size)
	assert.Equal(t, "new00000", string(s.pages["db/0"]))
	_, ok := s.pages["db/1"]
	assert.False(t, ok)
	assert.Nil(t, s.redos["db"])
	assert.Zero(t, cache.Dirty("db"))
}

func TestRecoverStaleRedo(t *testing.T) {
	ctx := context.Background()
	s, _, c := setup()
	db := &file{name: "db", size: 8}
	require.NoError(t, c.Sync(ctx, db, true))

	require.NoError(t, s.PutRedo(ctx, "db", &Redo{Base: "old", Meta: Meta{Size: 64}}))

	applied, err := c.Recover(ctx, db)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.EqualValues(t, 8, db.size)
	assert.Nil(t, s.redos["db"])
}

// Simulates a restarted process over the same store.
func setup2(s *store) (*store, *pagecache.Cache, *Coordinator) {
	cache := pagecache.New(s, pagecache.Options{PageSize: 8})

	return s, cache, New(cache, s, nil)
}
