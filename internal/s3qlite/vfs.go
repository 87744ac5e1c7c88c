// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package s3qlite

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/asch/s3qlite/internal/config"
	"github.com/asch/s3qlite/internal/retry"
	"github.com/asch/s3qlite/internal/s3qlite/commit"
	"github.com/asch/s3qlite/internal/s3qlite/key"
	"github.com/asch/s3qlite/internal/s3qlite/lock"
	"github.com/asch/s3qlite/internal/s3qlite/objstore"
	"github.com/asch/s3qlite/internal/s3qlite/objstore/gcs"
	"github.com/asch/s3qlite/internal/s3qlite/objstore/memory"
	"github.com/asch/s3qlite/internal/s3qlite/objstore/s3"
	"github.com/asch/s3qlite/internal/s3qlite/pagecache"
)

const (
	LockModeLocal = "local"
	LockModeLease = "lease"
)

// Julian day of the unix epoch.
const unixEpochJulianDay = 2440587.5

// Milliseconds between the julian day epoch and the unix epoch.
const unixEpochJulianMs = 210866760000000

// Options of the VFS. Zero values select defaults.
type Options struct {
	Prefix     string
	PageSize   int
	SectorSize int

	Store objstore.Options

	CachePages int
	CacheDir   string
	Parallel   int
	Preload    int64
	Verify     bool

	LockMode    string
	LockTimeout time.Duration
	LeaseTTL    time.Duration
	LeasePoll   time.Duration

	AtomicBatch bool

	// Local directory of the WAL index files shared with the engine. Empty
	// means a private temporary directory removed by Close.
	ShmDir string

	// Interval of the background sweep of open databases. Zero disables
	// it.
	SweepWait time.Duration
}

// Storage tier. Durable files live in the object store, temporary files in
// process memory.
type tier struct {
	proxy  *objstore.Proxy
	pages  *pageStore
	cache  *pagecache.Cache
	commit *commit.Coordinator
	locks  *lock.Registry
	files  map[string]*file
	temp   bool
}

// VFS is the storage layer handed to the database engine. The page caches,
// lock registries, file table and shared memory table are created once here
// and shared by every handle.
type VFS struct {
	opts Options

	durable *tier
	temp    *tier
	leases  *lock.Leases
	shm     *shmTable
	disk    *pagecache.Disk
	store   objstore.Store

	shmDir  string
	shmTemp bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Guards the file tables of both tiers.
	mu sync.Mutex
}

// NewWithDefaults returns a VFS configured by config.Cfg with the backend
// selected there.
func NewWithDefaults() (*VFS, error) {
	var store objstore.Store
	var err error

	switch config.Cfg.Backend {
	case "s3":
		store, err = s3.New(s3.Options{
			Remote:    config.Cfg.S3.Remote,
			Region:    config.Cfg.S3.Region,
			Bucket:    config.Cfg.S3.Bucket,
			AccessKey: config.Cfg.S3.AccessKey,
			SecretKey: config.Cfg.S3.SecretKey,
		})
	case "gcs":
		store, err = gcs.New(context.Background(), gcs.Options{
			Bucket:          config.Cfg.GCS.Bucket,
			Endpoint:        config.Cfg.GCS.Endpoint,
			CredentialsFile: config.Cfg.GCS.CredentialsFile,
		})
	default:
		store = memory.New("memory")
	}

	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if config.Cfg.Store.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.Cfg.Store.Rate), config.Cfg.Store.Burst)
	}

	return New(store, Options{
		Prefix:     config.Cfg.Prefix,
		PageSize:   config.Cfg.PageSize,
		SectorSize: config.Cfg.SectorSize,
		Store: objstore.Options{
			Uploaders:   config.Cfg.Store.Uploaders,
			Downloaders: config.Cfg.Store.Downloaders,
			Retry: retry.Policy{
				Attempts: config.Cfg.Retry.Attempts,
				Base:     config.Duration(config.Cfg.Retry.BaseMs),
				Max:      config.Duration(config.Cfg.Retry.MaxMs),
			},
			Limiter: limiter,
			Timeout: config.Duration(config.Cfg.Store.TimeoutMs),
		},
		CachePages:  config.Cfg.Cache.Pages,
		CacheDir:    config.Cfg.Cache.Dir,
		Parallel:    config.Cfg.Cache.PreloadConcurrency,
		Preload:     int64(config.Cfg.Cache.Preload),
		Verify:      config.Cfg.Cache.Verify,
		LockMode:    config.Cfg.Lock.Mode,
		LockTimeout: config.Duration(config.Cfg.Lock.TimeoutMs),
		LeaseTTL:    config.Duration(config.Cfg.Lock.LeaseTTLMs),
		LeasePoll:   config.Duration(config.Cfg.Lock.PollMs),
		AtomicBatch: config.Cfg.Write.AtomicBatch,
		ShmDir:      config.Cfg.Cache.ShmDir,
		SweepWait:   time.Duration(config.Cfg.Sweep.Wait) * time.Second,
	})
}

// New returns a VFS storing durable files in store.
func New(store objstore.Store, o Options) (*VFS, error) {
	if o.PageSize <= 0 {
		o.PageSize = 4096
	}
	if o.SectorSize <= 0 {
		o.SectorSize = 4096
	}
	if o.LockMode == "" {
		o.LockMode = LockModeLocal
	}
	if o.LockMode != LockModeLocal && o.LockMode != LockModeLease {
		return nil, errors.New("unknown lock mode " + o.LockMode)
	}

	v := &VFS{
		opts:  o,
		store: store,
		shm:   newShmTable(),
	}
	v.ctx, v.cancel = context.WithCancel(context.Background())

	if o.ShmDir == "" {
		dir, err := os.MkdirTemp("", "s3qlite-shm-")
		if err != nil {
			return nil, err
		}
		v.shmDir, v.shmTemp = dir, true
	} else {
		if err := os.MkdirAll(o.ShmDir, 0o755); err != nil {
			return nil, err
		}
		v.shmDir = o.ShmDir
	}

	if o.CacheDir != "" {
		disk, err := pagecache.OpenDisk(o.CacheDir)
		if err != nil {
			return nil, err
		}
		v.disk = disk
	}

	proxy := objstore.NewProxy(store, o.Store)

	var coord lock.Coordinator
	var fence commit.Fence
	if o.LockMode == LockModeLease {
		v.leases = lock.NewLeases(proxy, lock.LeaseOptions{
			TTL:     o.LeaseTTL,
			Poll:    o.LeasePoll,
			Timeout: o.LockTimeout,
		})
		coord = v.leases
		fence = v.leases.Check

		v.wg.Add(1)
		go func() {
			defer v.wg.Done()
			v.leases.Run(v.ctx)
		}()
	}

	v.durable = v.newTier(proxy, v.disk, coord, fence)
	v.temp = v.newTier(objstore.NewProxy(memory.New("temp"), objstore.Options{}), nil, nil, nil)
	v.temp.temp = true

	if o.SweepWait > 0 {
		v.wg.Add(1)
		go func() {
			defer v.wg.Done()
			v.sweeper(o.SweepWait)
		}()
	}

	log.Info().Str("backend", store.String()).Str("locks", o.LockMode).Int("page", o.PageSize).Msg("VFS ready")

	return v, nil
}

func (v *VFS) newTier(proxy *objstore.Proxy, disk *pagecache.Disk, coord lock.Coordinator, fence commit.Fence) *tier {
	pages := &pageStore{proxy: proxy, verify: v.opts.Verify}
	parallel := v.opts.Parallel
	if parallel <= 0 {
		parallel = proxy.Downloaders()
	}

	cache := pagecache.New(pages, pagecache.Options{
		PageSize: v.opts.PageSize,
		Capacity: v.opts.CachePages,
		Parallel: parallel,
		Disk:     disk,
	})

	return &tier{
		proxy:  proxy,
		pages:  pages,
		cache:  cache,
		commit: commit.New(cache, pages, fence),
		locks:  lock.NewRegistry(v.opts.LockTimeout, coord),
		files:  make(map[string]*file),
	}
}

// Close flushes every open file and stops the VFS. Handles must not be used
// afterwards.
func (v *VFS) Close() error {
	var first error

	type pending struct {
		rec  *file
		deps []commit.State
	}

	v.mu.Lock()
	files := make([]pending, 0, len(v.durable.files))
	for _, rec := range v.durable.files {
		files = append(files, pending{rec, v.dependenciesLocked(rec)})
	}
	v.mu.Unlock()

	for _, p := range files {
		if err := v.durable.commit.Sync(v.ctx, p.rec, false, p.deps...); err != nil && first == nil {
			first = err
		}
	}

	if v.leases != nil {
		v.leases.Release(v.ctx)
	}

	v.cancel()
	v.wg.Wait()

	v.durable.proxy.Close()
	v.temp.proxy.Close()

	if v.disk != nil {
		if err := v.disk.Close(); err != nil && first == nil {
			first = err
		}
	}

	if v.shmTemp {
		if err := os.RemoveAll(v.shmDir); err != nil && first == nil {
			first = err
		}
	}

	if c, ok := v.store.(io.Closer); ok {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}

	return first
}

func (v *VFS) String() string {
	return v.durable.proxy.String()
}

// Open opens the file name. An empty name or a temporary role opens a file in
// memory which is deleted on close. Nothing is written to the backend until
// the first sync.
func (v *VFS) Open(name string, flags OpenFlag) (*File, OpenFlag, error) {
	t := v.durable
	deleteOnClose := flags&OpenDeleteOnClose != 0

	if name == "" || flags.temporary() {
		t = v.temp
		deleteOnClose = true
		if name == "" {
			name = "/" + uuid.NewString()
		}
	}

	base, err := baseOf(v.opts.Prefix, name, "open")
	if err != nil {
		return nil, 0, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	rec, ok := t.files[base]
	if ok && flags&OpenCreate != 0 && flags&OpenExclusive != 0 {
		return nil, 0, &Error{Code: CantOpen, Op: "open", Name: name, Err: errors.New("file exists")}
	}

	if !ok {
		rec, err = v.load(t, name, base, flags)
		if err != nil {
			return nil, 0, err
		}
		t.files[base] = rec
	}

	rec.refs++
	if deleteOnClose {
		rec.deleteOnClose = true
	}

	f := &File{
		v:     v,
		rec:   rec,
		id:    key.Next(),
		flags: flags,
	}

	log.Debug().Str("file", name).Int64("handle", f.id).Str("role", flags.role()).Msg("Opened")

	return f, flags, nil
}

// Creates the record of a file not open in the process. Must be called with
// the mutex held.
func (v *VFS) load(t *tier, name, base string, flags OpenFlag) (*file, error) {
	rec := &file{
		t:    t,
		name: name,
		base: base,
		main: flags&OpenMainDB != 0,
	}

	if t.temp {
		return rec, nil
	}

	m, version, err := t.pages.GetMeta(v.ctx, base)
	switch {
	case errors.Is(err, objstore.ErrNotFound):
		if flags&OpenCreate == 0 {
			return nil, &Error{Code: CantOpen, Op: "open", Name: name, Err: err}
		}
	case err != nil:
		return nil, wrap(IOErr, "open", name, err)
	case flags&OpenCreate != 0 && flags&OpenExclusive != 0:
		return nil, &Error{Code: CantOpen, Op: "open", Name: name, Err: errors.New("file exists")}
	default:
		rec.size, rec.remote = m.Size, m.Size
		rec.committed, rec.version = m, version
	}

	t.cache.SetStamp(base, version)

	if rec.main {
		if _, err := t.commit.Recover(v.ctx, rec); err != nil {
			return nil, wrap(IOErr, "open", name, err)
		}
		v.preload(rec)
	}

	return rec, nil
}

// Warms the cache with the leading pages of the file in the background.
func (v *VFS) preload(rec *file) {
	n := v.opts.Preload
	if pages := (rec.Size() + int64(v.opts.PageSize) - 1) / int64(v.opts.PageSize); pages < n {
		n = pages
	}

	if n <= 0 {
		return
	}

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()

		if err := rec.t.cache.Preload(v.ctx, rec.base, n); err != nil {
			log.Debug().Err(err).Str("file", rec.name).Msg("Preload failed")
		}
	}()
}

// Drops the handle's reference to rec. The last reference commits what is
// left in the cache, or deletes the file if it was opened so. The commit runs
// without the mutex and the record stays in the table until it is done, so a
// concurrent open finds it.
func (v *VFS) release(rec *file) error {
	v.mu.Lock()

	rec.refs--
	if rec.refs > 0 {
		v.mu.Unlock()
		return nil
	}

	t := rec.t
	if rec.deleteOnClose {
		defer v.mu.Unlock()
		delete(t.files, rec.base)
		return v.remove(t, rec.base)
	}

	deps := v.dependenciesLocked(rec)
	v.mu.Unlock()

	err := t.commit.Sync(v.ctx, rec, false, deps...)

	v.mu.Lock()
	defer v.mu.Unlock()

	if rec.refs > 0 || t.files[rec.base] != rec {
		return err
	}
	delete(t.files, rec.base)

	if err != nil {
		log.Error().Err(err).Str("file", rec.name).Msg("Unsynced data lost on close")
		t.cache.Discard(rec.base)
	}
	t.cache.Invalidate(rec.base)

	return err
}

// Removes all state and objects of the file. Must be called with the mutex
// held.
func (v *VFS) remove(t *tier, base string) error {
	t.cache.Drop(base)

	n, err := t.pages.Delete(v.ctx, base)
	if err != nil {
		return err
	}

	log.Debug().Str("file", base).Int("pages", n).Msg("Deleted")

	return nil
}

// Returns the open record of the file, nil if there is none. Must be called
// with the mutex held.
func (t *tier) lookup(base string) *file {
	return t.files[base]
}

// Returns the open journal and WAL of the main database. They are synced
// before the database itself.
func (v *VFS) dependencies(rec *file) []commit.State {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.dependenciesLocked(rec)
}

// Must be called with the mutex held.
func (v *VFS) dependenciesLocked(rec *file) []commit.State {
	if !rec.main || rec.t.temp {
		return nil
	}

	var deps []commit.State
	for _, suffix := range []string{"-journal", "-wal"} {
		if d := rec.t.lookup(rec.base + suffix); d != nil {
			deps = append(deps, d)
		}
	}

	return deps
}

// Delete removes the file. Removing a missing file is not an error.
func (v *VFS) Delete(name string, syncDir bool) error {
	base, err := baseOf(v.opts.Prefix, name, "delete")
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, t := range []*tier{v.temp, v.durable} {
		if rec := t.lookup(base); rec != nil {
			rec.reset()
			if t.temp {
				return wrap(IOErrDelete, "delete", name, v.remove(t, base))
			}
		}
	}

	return wrap(IOErrDelete, "delete", name, v.remove(v.durable, base))
}

// Access reports whether the file exists. Every existing file is readable
// and writable.
func (v *VFS) Access(name string, flags AccessFlag) (bool, error) {
	base, err := baseOf(v.opts.Prefix, name, "access")
	if err != nil {
		return false, nil
	}

	v.mu.Lock()
	for _, t := range []*tier{v.temp, v.durable} {
		if rec := t.lookup(base); rec != nil && rec.exists() {
			v.mu.Unlock()
			return true, nil
		}
	}
	v.mu.Unlock()

	_, err = v.durable.pages.HeadMeta(v.ctx, base, true)
	if errors.Is(err, objstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, wrap(IOErrAccess, "access", name, err)
	}

	return true, nil
}

// FullPathname returns the canonical absolute form of name.
func (v *VFS) FullPathname(name string) (string, error) {
	if strings.ContainsAny(name, "\x00\r\n") {
		return "", &Error{Code: CantOpen, Op: "fullpathname", Name: name, Err: objstore.ErrInvalidKey}
	}

	return path.Clean("/" + name), nil
}

// Randomness fills p with random bytes and returns their number.
func (v *VFS) Randomness(p []byte) int {
	n, err := rand.Read(p)
	if err != nil {
		log.Warn().Err(err).Msg("Random source failed")
	}

	return n
}

// Sleep suspends the caller for d and returns the time actually slept.
func (v *VFS) Sleep(d time.Duration) time.Duration {
	start := time.Now()
	time.Sleep(d)

	return time.Since(start)
}

// CurrentTime returns the current time as a julian day number.
func (v *VFS) CurrentTime() float64 {
	return float64(time.Now().UnixMilli())/86400000 + unixEpochJulianDay
}

// CurrentTimeInt64 returns milliseconds since the julian day epoch.
func (v *VFS) CurrentTimeInt64() int64 {
	return time.Now().UnixMilli() + unixEpochJulianMs
}

// Stats returns the statistics of the durable page cache.
func (v *VFS) Stats() pagecache.Stats {
	return v.durable.cache.Stats()
}
