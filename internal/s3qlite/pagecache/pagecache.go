// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package pagecache keeps fixed-size pages of open files in memory. All
// handles of a process share one cache, so a reader observes the writes of
// other connections before they reach the backend.
//
// Writes only mark pages dirty. Dirty pages and pages of pinned files are
// never evicted; they leave the cache only through Flush, Discard, Truncate
// or Drop. A partial write to a page which was never fetched is kept as a
// list of operations and merged with the backend content when the page is
// needed.
package pagecache

import (
	"container/list"
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/asch/s3qlite/internal/metrics"
)

var errUnresolved = errors.New("page modified while being resolved")

// Backing is the storage the cache fetches pages from and flushes them to.
type Backing interface {
	// ReadPage returns the stored content of the page. A page which does
	// not exist is returned as nil without error.
	ReadPage(ctx context.Context, file string, pgno int64, prio bool) ([]byte, error)

	WritePage(ctx context.Context, file string, pgno int64, data []byte) error
	DeletePage(ctx context.Context, file string, pgno int64) error
}

type Options struct {
	PageSize int

	// Soft capacity in pages. It is exceeded when everything is dirty or
	// pinned.
	Capacity int

	// Number of concurrent backend requests of one Fetch or Flush.
	Parallel int

	// Optional second level for evicted clean pages.
	Disk *Disk
}

type Stats struct {
	Pages     int
	Dirty     int
	Hits      uint64
	Misses    uint64
	DiskHits  uint64
	Evictions uint64
}

// Operation recorded for a page whose base content is not known yet.
type op struct {
	off   int
	data  []byte
	trunc bool
}

type entry struct {
	file string
	pgno int64

	data  []byte
	valid bool
	ops   []op

	dirty bool

	// Sequence number of the last modification. Flush uses it to notice
	// pages modified while being written.
	gen uint64

	// Position in the LRU list, only for clean valid entries.
	elem *list.Element
}

type fileState struct {
	pins    int
	pages   map[int64]*entry
	dirty   map[int64]*entry
	deletes map[int64]struct{}

	// Changes whenever content fetched before may be stale.
	epoch uint64

	// Version tag of the committed file content, used to validate pages
	// of the disk level.
	stamp string
}

type Cache struct {
	backing  Backing
	pageSize int
	capacity int
	parallel int
	disk     *Disk

	mu    sync.Mutex
	files map[string]*fileState
	lru   *list.List
	size  int
	seq   uint64

	group singleflight.Group

	hits      uint64
	misses    uint64
	diskHits  uint64
	evictions uint64
}

func New(backing Backing, o Options) *Cache {
	if o.PageSize <= 0 {
		o.PageSize = 4096
	}
	if o.Capacity <= 0 {
		o.Capacity = 16384
	}
	if o.Parallel <= 0 {
		o.Parallel = 4
	}

	return &Cache{
		backing:  backing,
		pageSize: o.PageSize,
		capacity: o.Capacity,
		parallel: o.Parallel,
		disk:     o.Disk,
		files:    make(map[string]*fileState),
		lru:      list.New(),
	}
}

func (c *Cache) PageSize() int {
	return c.pageSize
}

// Get returns a copy of the page content, fetching it on miss.
func (c *Cache) Get(ctx context.Context, file string, pgno int64) ([]byte, error) {
	return c.get(ctx, file, pgno, true)
}

func (c *Cache) get(ctx context.Context, file string, pgno int64, prio bool) ([]byte, error) {
	c.mu.Lock()
	fs := c.file(file)
	if e := fs.pages[pgno]; e != nil && e.valid {
		c.touch(e)
		out := clone(e.data)
		c.mu.Unlock()

		atomic.AddUint64(&c.hits, 1)
		metrics.CacheHits.Inc()

		return out, nil
	}
	epoch := fs.epoch
	c.mu.Unlock()

	atomic.AddUint64(&c.misses, 1)
	metrics.CacheMisses.Inc()

	base, err := c.fetch(ctx, file, pgno, prio)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fs = c.file(file)
	e := fs.pages[pgno]

	switch {
	case e != nil && e.valid:
		c.touch(e)
		return clone(e.data), nil
	case e != nil:
		e.data = merge(base, e.ops)
		e.ops = nil
		e.valid = true
		return clone(e.data), nil
	case fs.epoch != epoch:
		// Invalidated while fetching, the content must not be cached.
		return clone(base), nil
	}

	e = &entry{file: file, pgno: pgno, data: clone(base), valid: true}
	fs.pages[pgno] = e
	c.size++
	e.elem = c.lru.PushFront(e)
	c.evict()

	return clone(e.data), nil
}

// Fetches the base content of the page from the disk level or the backing.
// Concurrent misses of the same page share one request.
func (c *Cache) fetch(ctx context.Context, file string, pgno int64, prio bool) ([]byte, error) {
	v, err, _ := c.group.Do(file+"\x00"+strconv.FormatInt(pgno, 10), func() (interface{}, error) {
		if c.disk != nil {
			if stamp := c.Stamp(file); stamp != "" {
				if data, ok := c.disk.Get(file, pgno, stamp); ok {
					atomic.AddUint64(&c.diskHits, 1)
					metrics.CacheDiskHits.Inc()
					return data, nil
				}
			}
		}

		return c.backing.ReadPage(ctx, file, pgno, prio)
	})

	if err != nil {
		return nil, err
	}

	data, _ := v.([]byte)

	return data, nil
}

// Fetch makes sure all listed pages are cached, fetching the missing ones in
// parallel.
func (c *Cache) Fetch(ctx context.Context, file string, pgnos []int64) error {
	return c.fetchAll(ctx, file, pgnos, true)
}

// Preload fetches the first n pages of the file with low priority.
func (c *Cache) Preload(ctx context.Context, file string, n int64) error {
	pgnos := make([]int64, 0, n)
	for i := int64(0); i < n; i++ {
		pgnos = append(pgnos, i)
	}

	return c.fetchAll(ctx, file, pgnos, false)
}

func (c *Cache) fetchAll(ctx context.Context, file string, pgnos []int64, prio bool) error {
	c.mu.Lock()
	fs := c.file(file)
	missing := make([]int64, 0, len(pgnos))
	for _, pgno := range pgnos {
		if e := fs.pages[pgno]; e == nil || !e.valid {
			missing = append(missing, pgno)
		}
	}
	c.mu.Unlock()

	if len(missing) == 0 {
		return nil
	}

	if len(missing) == 1 {
		_, err := c.get(ctx, file, missing[0], prio)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallel)

	for _, pgno := range missing {
		pgno := pgno
		g.Go(func() error {
			_, err := c.get(gctx, file, pgno, prio)
			return err
		})
	}

	return g.Wait()
}

// ReadAt copies page content starting at off into p and returns the number
// of bytes copied. It stops at the end of the page content.
func (c *Cache) ReadAt(ctx context.Context, file string, pgno int64, off int, p []byte) (int, error) {
	data, err := c.Get(ctx, file, pgno)
	if err != nil {
		return 0, err
	}

	if off >= len(data) {
		return 0, nil
	}

	return copy(p, data[off:]), nil
}

// Put replaces the page content and marks it dirty.
func (c *Cache) Put(file string, pgno int64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fs := c.file(file)
	e := c.entry(fs, file, pgno)
	e.data = clone(data)
	e.ops = nil
	e.valid = true
	c.markDirty(fs, e)
	c.evict()
}

// WriteAt writes p at offset off of the page and marks it dirty. Fresh means
// the page has no stored content worth fetching, so the missing bytes are
// zeros. Otherwise a page which is not cached gets the write recorded and
// merged later, no fetch is done.
func (c *Cache) WriteAt(file string, pgno int64, off int, p []byte, fresh bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fs := c.file(file)
	e, existed := fs.pages[pgno]
	o := op{off: off, data: clone(p)}

	switch {
	case existed && e.valid:
		e.data = apply(e.data, o)
	case existed:
		e.ops = append(e.ops, o)
	default:
		e = c.entry(fs, file, pgno)
		if fresh {
			e.data = apply(nil, o)
			e.valid = true
		} else {
			e.ops = []op{o}
		}
	}

	c.markDirty(fs, e)
	c.evict()
}

// Truncate drops everything past size. Pages below remote are stored in the
// backing and get deleted by the next Flush. A page cut in the middle is
// shortened and marked dirty. Dropping dirty pages counts as discarding
// them.
func (c *Cache) Truncate(file string, size, remote int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fs := c.file(file)
	ps := int64(c.pageSize)
	first := (size + ps - 1) / ps

	for pgno, e := range fs.pages {
		if pgno >= first {
			c.remove(fs, e)
		}
	}

	for pgno := first; pgno*ps < remote; pgno++ {
		fs.deletes[pgno] = struct{}{}
	}

	if cut := int(size % ps); cut != 0 {
		pgno := size / ps
		e, existed := fs.pages[pgno]
		o := op{off: cut, trunc: true}

		switch {
		case existed && e.valid:
			if len(e.data) > cut {
				e.data = apply(e.data, o)
				c.markDirty(fs, e)
			}
		case existed:
			e.ops = append(e.ops, o)
			c.markDirty(fs, e)
		case pgno*ps < remote:
			e = c.entry(fs, file, pgno)
			e.ops = []op{o}
			c.markDirty(fs, e)
		}
	}

	c.bump(fs)
}

// Flush writes all dirty pages of the file and then applies the pending
// deletes. Any failure fails the whole flush and leaves the pages dirty.
// Returns the number of backend objects written or deleted.
func (c *Cache) Flush(ctx context.Context, file string) (int, error) {
	if err := c.resolve(ctx, file); err != nil {
		return 0, err
	}

	type job struct {
		pgno int64
		gen  uint64
		data []byte
	}

	c.mu.Lock()
	fs := c.file(file)
	jobs := make([]job, 0, len(fs.dirty))
	for pgno, e := range fs.dirty {
		if !e.valid {
			c.mu.Unlock()
			return 0, errUnresolved
		}
		jobs = append(jobs, job{pgno: pgno, gen: e.gen, data: clone(e.data)})
	}

	deletes := make([]int64, 0, len(fs.deletes))
	for pgno := range fs.deletes {
		deletes = append(deletes, pgno)
	}
	c.mu.Unlock()

	if len(jobs) == 0 && len(deletes) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallel)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			return c.backing.WritePage(gctx, file, j.pgno, j.data)
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(c.parallel)
	for _, pgno := range deletes {
		pgno := pgno
		g.Go(func() error {
			return c.backing.DeletePage(gctx, file, pgno)
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fs = c.file(file)
	for _, j := range jobs {
		e := fs.pages[j.pgno]
		if e == nil || !e.dirty || e.gen != j.gen {
			continue
		}

		e.dirty = false
		delete(fs.dirty, j.pgno)
		e.elem = c.lru.PushFront(e)
	}

	for _, pgno := range deletes {
		delete(fs.deletes, pgno)
	}

	c.bump(fs)
	c.evict()

	return len(jobs) + len(deletes), nil
}

// Merges recorded operations of dirty pages with their fetched content.
func (c *Cache) resolve(ctx context.Context, file string) error {
	c.mu.Lock()
	fs := c.file(file)
	var pending []int64
	for pgno, e := range fs.dirty {
		if !e.valid {
			pending = append(pending, pgno)
		}
	}
	c.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	return c.fetchAll(ctx, file, pending, true)
}

// DirtyPages returns a copy of every dirty page of the file together with
// the pages waiting for deletion. Recorded operations are merged first.
func (c *Cache) DirtyPages(ctx context.Context, file string) (map[int64][]byte, []int64, error) {
	if err := c.resolve(ctx, file); err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fs := c.file(file)
	pages := make(map[int64][]byte, len(fs.dirty))
	for pgno, e := range fs.dirty {
		if !e.valid {
			return nil, nil, errUnresolved
		}
		pages[pgno] = clone(e.data)
	}

	deletes := make([]int64, 0, len(fs.deletes))
	for pgno := range fs.deletes {
		deletes = append(deletes, pgno)
	}

	return pages, deletes, nil
}

// Discard forgets all dirty pages and pending deletes of the file. Returns
// the number of discarded pages.
func (c *Cache) Discard(file string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	fs := c.file(file)
	n := len(fs.dirty)
	for _, e := range fs.dirty {
		c.remove(fs, e)
	}

	fs.deletes = make(map[int64]struct{})
	c.bump(fs)

	return n
}

// Invalidate drops the clean pages of the file, e.g. because another
// process committed a new version.
func (c *Cache) Invalidate(file string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fs := c.file(file)
	for _, e := range fs.pages {
		if !e.dirty {
			c.remove(fs, e)
		}
	}

	c.bump(fs)
}

// Drop forgets everything about the file including dirty pages and the disk
// level.
func (c *Cache) Drop(file string) {
	c.mu.Lock()
	fs := c.file(file)
	for _, e := range fs.pages {
		c.remove(fs, e)
	}
	c.bump(fs)
	fs.deletes = make(map[int64]struct{})
	fs.stamp = ""
	if fs.pins == 0 {
		delete(c.files, file)
	}
	c.mu.Unlock()

	if c.disk != nil {
		c.disk.Drop(file)
	}
}

// Pin excludes clean pages of the file from eviction until Unpin.
func (c *Cache) Pin(file string) {
	c.mu.Lock()
	c.file(file).pins++
	c.mu.Unlock()
}

func (c *Cache) Unpin(file string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fs := c.file(file)
	if fs.pins > 0 {
		fs.pins--
	}

	if fs.pins == 0 {
		c.evict()
	}
}

// Dirty returns the number of dirty pages of the file.
func (c *Cache) Dirty(file string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.file(file).dirty)
}

// Pending reports whether the file has anything to flush.
func (c *Cache) Pending(file string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	fs := c.file(file)

	return len(fs.dirty) > 0 || len(fs.deletes) > 0
}

// SetStamp records the version of the committed file content.
func (c *Cache) SetStamp(file, stamp string) {
	c.mu.Lock()
	c.file(file).stamp = stamp
	c.mu.Unlock()
}

func (c *Cache) Stamp(file string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.file(file).stamp
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	s := Stats{Pages: c.size}
	for _, fs := range c.files {
		s.Dirty += len(fs.dirty)
	}
	c.mu.Unlock()

	s.Hits = atomic.LoadUint64(&c.hits)
	s.Misses = atomic.LoadUint64(&c.misses)
	s.DiskHits = atomic.LoadUint64(&c.diskHits)
	s.Evictions = atomic.LoadUint64(&c.evictions)

	return s
}

// Returns state of the file, creating it on first use. Must be called with
// the mutex held.
func (c *Cache) file(file string) *fileState {
	fs, ok := c.files[file]
	if !ok {
		fs = &fileState{
			pages:   make(map[int64]*entry),
			dirty:   make(map[int64]*entry),
			deletes: make(map[int64]struct{}),
		}
		c.bump(fs)
		c.files[file] = fs
	}

	return fs
}

// Returns the entry of the page, creating an empty one.
func (c *Cache) entry(fs *fileState, file string, pgno int64) *entry {
	e, ok := fs.pages[pgno]
	if !ok {
		e = &entry{file: file, pgno: pgno}
		fs.pages[pgno] = e
		c.size++
	}

	return e
}

// Gives the file an epoch never used before.
func (c *Cache) bump(fs *fileState) {
	c.seq++
	fs.epoch = c.seq
}

func (c *Cache) markDirty(fs *fileState, e *entry) {
	if !e.dirty {
		e.dirty = true
		fs.dirty[e.pgno] = e
		if e.elem != nil {
			c.lru.Remove(e.elem)
			e.elem = nil
		}
	}

	c.seq++
	e.gen = c.seq
	delete(fs.deletes, e.pgno)
}

func (c *Cache) touch(e *entry) {
	if e.elem != nil {
		c.lru.MoveToFront(e.elem)
	}
}

func (c *Cache) remove(fs *fileState, e *entry) {
	if e.dirty {
		delete(fs.dirty, e.pgno)
	}
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}

	delete(fs.pages, e.pgno)
	c.size--
}

// Evicts least recently used clean pages of unpinned files until the cache
// fits its capacity. Victims go to the disk level if there is one.
func (c *Cache) evict() {
	for el := c.lru.Back(); el != nil && c.size > c.capacity; {
		e := el.Value.(*entry)
		prev := el.Prev()

		fs := c.files[e.file]
		if fs.pins == 0 {
			c.remove(fs, e)
			atomic.AddUint64(&c.evictions, 1)
			metrics.CacheEvictions.Inc()

			if c.disk != nil && fs.stamp != "" {
				c.disk.Put(e.file, e.pgno, fs.stamp, e.data)
			}
		}

		el = prev
	}
}

// Applies one operation to data and returns the result. Data is modified in
// place when possible.
func apply(data []byte, o op) []byte {
	if o.trunc {
		if len(data) > o.off {
			data = data[:o.off]
		}
		return data
	}

	end := o.off + len(o.data)
	if len(data) < end {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[o.off:], o.data)

	return data
}

// Returns base with all operations applied. Base is not modified.
func merge(base []byte, ops []op) []byte {
	data := clone(base)
	for _, o := range ops {
		data = apply(data, o)
	}

	return data
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}
