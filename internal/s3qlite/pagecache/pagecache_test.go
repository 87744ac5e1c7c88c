// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package pagecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

var errBackend = errors.New("backend down")

type fakeBacking struct {
	mu      sync.Mutex
	pages   map[string][]byte
	reads   int
	writes  int
	deletes int
	fail    bool
}

func newFake() *fakeBacking {
	return &fakeBacking{pages: make(map[string][]byte)}
}

func pk(file string, pgno int64) string {
	return fmt.Sprintf("%s/%d", file, pgno)
}

func (f *fakeBacking) ReadPage(ctx context.Context, file string, pgno int64, prio bool) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reads++
	if f.fail {
		return nil, errBackend
	}

	return append([]byte(nil), f.pages[pk(file, pgno)]...), nil
}

func (f *fakeBacking) WritePage(ctx context.Context, file string, pgno int64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail {
		return errBackend
	}

	f.writes++
	f.pages[pk(file, pgno)] = append([]byte(nil), data...)

	return nil
}

func (f *fakeBacking) DeletePage(ctx context.Context, file string, pgno int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail {
		return errBackend
	}

	f.deletes++
	delete(f.pages, pk(file, pgno))

	return nil
}

func (f *fakeBacking) set(file string, pgno int64, data []byte) {
	f.mu.Lock()
	f.pages[pk(file, pgno)] = data
	f.mu.Unlock()
}

func (f *fakeBacking) get(file string, pgno int64) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.pages[pk(file, pgno)]
	return d, ok
}

func (f *fakeBacking) counters() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.reads, f.writes, f.deletes
}

func page(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestReadYourWritesWithoutBackend(t *testing.T) {
	ctx := context.Background()
	f := newFake()
	c := New(f, Options{PageSize: 16, Capacity: 8})

	c.Put("db", 3, page('a', 16))
	c.WriteAt("db", 4, 0, []byte("fresh"), true)

	got, err := c.Get(ctx, "db", 3)
	require.NoError(t, err)
	assert.Equal(t, page('a', 16), got)

	got, err = c.Get(ctx, "db", 4)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(got))

	reads, writes, _ := f.counters()
	assert.Zero(t, reads)
	assert.Zero(t, writes)
	assert.Equal(t, 2, c.Dirty("db"))
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	c := New(newFake(), Options{PageSize: 16})

	c.Put("db", 0, page('a', 16))
	got, err := c.Get(ctx, "db", 0)
	require.NoError(t, err)
	got[0] = 'z'

	again, err := c.Get(ctx, "db", 0)
	require.NoError(t, err)
	assert.Equal(t, byte('a'), again[0])
}

func TestMissFetchesOnceAndCaches(t *testing.T) {
	ctx := context.Background()
	f := newFake()
	f.set("db", 0, page('x', 16))
	c := New(f, Options{PageSize: 16})

	for i := 0; i < 3; i++ {
		got, err := c.Get(ctx, "db", 0)
		require.NoError(t, err)
		assert.Equal(t, page('x', 16), got)
	}

	reads, _, _ := f.counters()
	assert.Equal(t, 1, reads)

	s := c.Stats()
	assert.EqualValues(t, 2, s.Hits)
	assert.EqualValues(t, 1, s.Misses)
}

func TestOverlayMergedWithStoredContent(t *testing.T) {
	ctx := context.Background()
	f := newFake()
	f.set("db", 2, []byte("0123456789abcdef"))
	c := New(f, Options{PageSize: 16})

	c.WriteAt("db", 2, 4, []byte("XY"), false)
	c.WriteAt("db", 2, 10, []byte("Z"), false)

	reads, _, _ := f.counters()
	assert.Zero(t, reads, "partial write must not fetch")

	got, err := c.Get(ctx, "db", 2)
	require.NoError(t, err)
	assert.Equal(t, "0123XY6789Zbcdef", string(got))

	n, err := c.Flush(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, _ := f.get("db", 2)
	assert.Equal(t, "0123XY6789Zbcdef", string(stored))
}

func TestFlushResolvesOverlay(t *testing.T) {
	ctx := context.Background()
	f := newFake()
	f.set("db", 0, []byte("aaaaaaaaaaaaaaaa"))
	c := New(f, Options{PageSize: 16})

	c.WriteAt("db", 0, 15, []byte("b"), false)

	_, err := c.Flush(ctx, "db")
	require.NoError(t, err)

	stored, _ := f.get("db", 0)
	assert.Equal(t, "aaaaaaaaaaaaaaab", string(stored))
	assert.Zero(t, c.Dirty("db"))
}

func TestFlushFailureKeepsPagesDirty(t *testing.T) {
	ctx := context.Background()
	f := newFake()
	c := New(f, Options{PageSize: 16})

	for i := int64(0); i < 5; i++ {
		c.Put("db", i, page(byte('a'+i), 16))
	}

	f.fail = true
	_, err := c.Flush(ctx, "db")
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, 5, c.Dirty("db"))

	f.fail = false
	n, err := c.Flush(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Zero(t, c.Dirty("db"))

	for i := int64(0); i < 5; i++ {
		stored, ok := f.get("db", i)
		assert.True(t, ok)
		assert.Equal(t, page(byte('a'+i), 16), stored)
	}
}

func TestDirtyPagesSurviveEvictionPressure(t *testing.T) {
	ctx := context.Background()
	f := newFake()
	for i := int64(100); i < 400; i++ {
		f.set("db", i, page('r', 16))
	}
	c := New(f, Options{PageSize: 16, Capacity: 10})

	rng := rand.New(rand.NewSource(1))
	dirty := 0
	for step := 0; step < 2000; step++ {
		if rng.Intn(4) == 0 && dirty < 40 {
			c.Put("db", int64(dirty), page('w', 16))
			dirty++
		} else {
			_, err := c.Get(ctx, "db", 100+rng.Int63n(300))
			require.NoError(t, err)
		}

		require.Equal(t, dirty, c.Dirty("db"), "dirty count changed without flush")
	}

	for i := 0; i < dirty; i++ {
		got, err := c.Get(ctx, "db", int64(i))
		require.NoError(t, err)
		assert.Equal(t, page('w', 16), got)
	}

	_, writes, _ := f.counters()
	assert.Zero(t, writes)
	assert.Greater(t, c.Stats().Evictions, uint64(0))
}

func TestLRUOrder(t *testing.T) {
	ctx := context.Background()
	f := newFake()
	for i := int64(0); i < 4; i++ {
		f.set("db", i, page(byte('0'+i), 16))
	}
	c := New(f, Options{PageSize: 16, Capacity: 3})

	for i := int64(0); i < 3; i++ {
		_, err := c.Get(ctx, "db", i)
		require.NoError(t, err)
	}

	// Touch page 0 so page 1 is the least recently used.
	_, err := c.Get(ctx, "db", 0)
	require.NoError(t, err)

	_, err = c.Get(ctx, "db", 3)
	require.NoError(t, err)

	reads, _, _ := f.counters()
	for _, pgno := range []int64{0, 2, 3} {
		_, err := c.Get(ctx, "db", pgno)
		require.NoError(t, err)
	}
	after, _, _ := f.counters()
	assert.Equal(t, reads, after, "pages 0, 2 and 3 must be cached")

	_, err = c.Get(ctx, "db", 1)
	require.NoError(t, err)
	after, _, _ = f.counters()
	assert.Equal(t, reads+1, after, "page 1 must have been evicted")
}

func TestPinnedFileIsNotEvicted(t *testing.T) {
	ctx := context.Background()
	f := newFake()
	for i := int64(0); i < 8; i++ {
		f.set("a", i, page('a', 16))
		f.set("b", i, page('b', 16))
	}
	c := New(f, Options{PageSize: 16, Capacity: 4})

	c.Pin("a")
	for i := int64(0); i < 4; i++ {
		_, err := c.Get(ctx, "a", i)
		require.NoError(t, err)
	}
	for i := int64(0); i < 8; i++ {
		_, err := c.Get(ctx, "b", i)
		require.NoError(t, err)
	}

	before, _, _ := f.counters()
	for i := int64(0); i < 4; i++ {
		_, err := c.Get(ctx, "a", i)
		require.NoError(t, err)
	}
	after, _, _ := f.counters()
	assert.Equal(t, before, after)

	c.Unpin("a")
	assert.LessOrEqual(t, c.Stats().Pages, 4)
}

func TestTruncate(t *testing.T) {
	ctx := context.Background()
	f := newFake()
	for i := int64(0); i < 4; i++ {
		f.set("db", i, page(byte('0'+i), 16))
	}
	c := New(f, Options{PageSize: 16})

	c.Put("db", 5, page('n', 16))
	c.Truncate("db", 20, 64)

	assert.Equal(t, 1, c.Dirty("db"), "only the cut page stays dirty")

	got, err := c.Get(ctx, "db", 1)
	require.NoError(t, err)
	assert.Equal(t, page('1', 4), got)

	n, err := c.Flush(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stored, _ := f.get("db", 1)
	assert.Equal(t, page('1', 4), stored)
	for _, pgno := range []int64{2, 3} {
		_, ok := f.get("db", pgno)
		assert.False(t, ok)
	}
	assert.False(t, c.Pending("db"))
}

func TestWriteCancelsScheduledDelete(t *testing.T) {
	ctx := context.Background()
	f := newFake()
	f.set("db", 0, page('0', 16))
	f.set("db", 1, page('1', 16))
	c := New(f, Options{PageSize: 16})

	c.Truncate("db", 0, 32)
	c.WriteAt("db", 1, 0, []byte("again"), true)

	_, err := c.Flush(ctx, "db")
	require.NoError(t, err)

	_, ok := f.get("db", 0)
	assert.False(t, ok)
	stored, ok := f.get("db", 1)
	assert.True(t, ok)
	assert.Equal(t, "again", string(stored))
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	f := newFake()
	f.set("db", 0, page('s', 16))
	c := New(f, Options{PageSize: 16})

	c.Put("db", 0, page('d', 16))
	c.Put("db", 1, page('d', 16))
	c.Truncate("db", 16, 32)

	// Page 1 was already dropped by the truncation.
	assert.Equal(t, 1, c.Discard("db"))
	assert.False(t, c.Pending("db"))

	got, err := c.Get(ctx, "db", 0)
	require.NoError(t, err)
	assert.Equal(t, page('s', 16), got)
}

func TestInvalidateKeepsDirty(t *testing.T) {
	ctx := context.Background()
	f := newFake()
	f.set("db", 0, page('1', 16))
	c := New(f, Options{PageSize: 16})

	_, err := c.Get(ctx, "db", 0)
	require.NoError(t, err)
	c.Put("db", 1, page('d', 16))

	f.set("db", 0, page('2', 16))
	c.Invalidate("db")

	got, err := c.Get(ctx, "db", 0)
	require.NoError(t, err)
	assert.Equal(t, page('2', 16), got)
	assert.Equal(t, 1, c.Dirty("db"))
}

func TestFetchParallel(t *testing.T) {
	ctx := context.Background()
	f := newFake()
	for i := int64(0); i < 32; i++ {
		f.set("db", i, page(byte(i), 16))
	}
	c := New(f, Options{PageSize: 16, Parallel: 8})

	pgnos := make([]int64, 32)
	for i := range pgnos {
		pgnos[i] = int64(i)
	}
	require.NoError(t, c.Fetch(ctx, "db", pgnos))
	require.NoError(t, c.Fetch(ctx, "db", pgnos))

	reads, _, _ := f.counters()
	assert.Equal(t, 32, reads)

	buf := make([]byte, 8)
	n, err := c.ReadAt(ctx, "db", 7, 12, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, page(7, 4), buf[:n])
}

func TestFetchError(t *testing.T) {
	f := newFake()
	f.fail = true
	c := New(f, Options{PageSize: 16})

	err := c.Fetch(context.Background(), "db", []int64{0, 1, 2})
	assert.ErrorIs(t, err, errBackend)
	assert.Zero(t, c.Stats().Pages)
}

func TestDiskLevel(t *testing.T) {
	ctx := context.Background()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	disk := NewDisk(db)
	defer disk.Close()

	f := newFake()
	for i := int64(0); i < 4; i++ {
		f.set("db", i, page(byte('0'+i), 16))
	}
	c := New(f, Options{PageSize: 16, Capacity: 1, Disk: disk})
	c.SetStamp("db", "v1")

	for i := int64(0); i < 4; i++ {
		_, err := c.Get(ctx, "db", i)
		require.NoError(t, err)
	}

	reads, _, _ := f.counters()
	got, err := c.Get(ctx, "db", 0)
	require.NoError(t, err)
	assert.Equal(t, page('0', 16), got)

	after, _, _ := f.counters()
	assert.Equal(t, reads, after, "page 0 must come from disk")
	assert.EqualValues(t, 1, c.Stats().DiskHits)

	// A new version makes the disk copies useless.
	c.SetStamp("db", "v2")
	_, err = c.Get(ctx, "db", 1)
	require.NoError(t, err)
	after, _, _ = f.counters()
	assert.Equal(t, reads+1, after)

	c.Drop("db")
	_, ok := disk.Get("db", 2, "v1")
	assert.False(t, ok)
}
