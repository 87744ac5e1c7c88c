// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package commit turns the dirty pages of a file into a durable version of
// it.
//
// A sync first flushes the files the synced one depends on, then its own
// dirty pages and scheduled deletes, and finally writes the meta object of
// the file with a conditional put. The meta write is the commit point for the
// size of the file. Pages are overwritten in place, so a crash in the middle
// of a flush leaves a torn file which the engine repairs from its journal,
// durable before the database by the dependency order. Atomic batches do not
// need the journal, their redo object is replayed by Recover.
//
// A conflicting meta write is not retried: somebody else committed the file
// and the caller gets the error.
package commit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/asch/s3qlite/internal/metrics"
	"github.com/asch/s3qlite/internal/s3qlite/objstore"
	"github.com/asch/s3qlite/internal/s3qlite/pagecache"
)

// Meta is the committed state of a file. Commit is unique for every commit,
// so two writers racing from the same version never store equal metas and a
// conditional put cannot mistake the other's object for its own.
type Meta struct {
	Size       int64
	Generation uint64
	Commit     string
}

// Redo holds a whole atomic batch so it can be finished after a crash. It is
// valid only on top of the meta version in Base. Pages past Meta.Size are
// deleted on replay.
type Redo struct {
	Base  string
	Meta  Meta
	Pages map[int64][]byte
}

// State is the view of an open file needed for committing it.
type State interface {
	// Name identifies the file in the page cache and the meta store.
	Name() string

	Size() int64
	SetSize(size int64)

	// Committed returns the last committed meta and its object version.
	// An empty version means the file was never committed.
	Committed() (Meta, string)
	SetCommitted(m Meta, version string)
}

type MetaStore interface {
	// PutMeta writes the meta object if its current version is expected and
	// returns the new version.
	PutMeta(ctx context.Context, file string, m Meta, expected string) (string, error)

	PutRedo(ctx context.Context, file string, r *Redo) error

	// GetRedo returns nil if there is no redo object.
	GetRedo(ctx context.Context, file string) (*Redo, error)

	DeleteRedo(ctx context.Context, file string) error
}

// Fence reports an error if the process must not commit the file anymore.
type Fence func(file string) error

type Coordinator struct {
	cache *pagecache.Cache
	meta  MetaStore
	fence Fence

	mu    sync.Mutex
	files map[string]*sync.Mutex
}

// New returns a coordinator flushing through cache. Fence may be nil.
func New(cache *pagecache.Cache, meta MetaStore, fence Fence) *Coordinator {
	return &Coordinator{
		cache: cache,
		meta:  meta,
		fence: fence,
		files: make(map[string]*sync.Mutex),
	}
}

// Sync makes every write to st and to deps issued before the call durable.
// Deps are synced first, in order. A data-only sync (full == false) skips the
// meta write when nothing changed.
func (c *Coordinator) Sync(ctx context.Context, st State, full bool, deps ...State) error {
	for _, d := range deps {
		if err := c.syncLocked(ctx, d, false); err != nil {
			return fmt.Errorf("sync of %s before %s: %w", d.Name(), st.Name(), err)
		}
	}

	return c.syncLocked(ctx, st, full)
}

func (c *Coordinator) syncLocked(ctx context.Context, st State, full bool) error {
	mu := c.lock(st.Name())
	mu.Lock()
	defer mu.Unlock()

	return c.sync(ctx, st, full)
}

// Must be called with the file mutex held.
func (c *Coordinator) sync(ctx context.Context, st State, full bool) error {
	name := st.Name()
	committed, version := st.Committed()
	size := st.Size()

	if !full && size == committed.Size && !c.cache.Pending(name) {
		return nil
	}

	if err := c.check(name); err != nil {
		return err
	}

	n, err := c.cache.Flush(ctx, name)
	if err != nil {
		return fmt.Errorf("flush of %s: %w", name, err)
	}

	if !full && n == 0 && size == committed.Size {
		return nil
	}

	if err := c.check(name); err != nil {
		return err
	}

	m := Meta{Size: size, Generation: committed.Generation + 1, Commit: uuid.NewString()}
	expected := version
	if expected == "" {
		expected = objstore.Absent
	}

	newVersion, err := c.meta.PutMeta(ctx, name, m, expected)
	if err != nil {
		if errors.Is(err, objstore.ErrConflict) {
			log.Error().Str("file", name).Str("expected", version).Msg("File committed by somebody else")
		}
		return fmt.Errorf("commit of %s: %w", name, err)
	}

	st.SetCommitted(m, newVersion)
	c.cache.SetStamp(name, newVersion)

	kind := "data"
	if full {
		kind = "full"
	}
	metrics.Syncs.WithLabelValues(kind).Inc()

	log.Trace().Str("file", name).Int64("size", size).Uint64("generation", m.Generation).Int("objects", n).Msg("Committed")

	return nil
}

// CommitBatch commits all pending changes of st as one unit. The batch is
// stored as a redo object first, so a crash in the middle is finished by
// Recover instead of leaving a torn file.
func (c *Coordinator) CommitBatch(ctx context.Context, st State) error {
	name := st.Name()
	mu := c.lock(name)
	mu.Lock()
	defer mu.Unlock()

	pages, deletes, err := c.cache.DirtyPages(ctx, name)
	if err != nil {
		return fmt.Errorf("batch of %s: %w", name, err)
	}

	committed, version := st.Committed()
	if len(pages) == 0 && len(deletes) == 0 && st.Size() == committed.Size {
		return nil
	}

	if err := c.check(name); err != nil {
		return err
	}

	redo := &Redo{
		Base:  version,
		Meta:  Meta{Size: st.Size(), Generation: committed.Generation + 1},
		Pages: pages,
	}
	if err := c.meta.PutRedo(ctx, name, redo); err != nil {
		return fmt.Errorf("redo of %s: %w", name, err)
	}

	if err := c.sync(ctx, st, true); err != nil {
		return err
	}

	metrics.Syncs.WithLabelValues("batch").Inc()

	// A redo left behind is ignored later because its base is gone.
	if err := c.meta.DeleteRedo(ctx, name); err != nil {
		log.Warn().Err(err).Str("file", name).Msg("Stale redo object left behind")
	}

	return nil
}

// RollbackBatch forgets the pending changes of st and restores size.
func (c *Coordinator) RollbackBatch(st State, size int64) int {
	name := st.Name()
	mu := c.lock(name)
	mu.Lock()
	defer mu.Unlock()

	n := c.cache.Discard(name)
	st.SetSize(size)

	log.Debug().Str("file", name).Int("pages", n).Msg("Batch rolled back")

	return n
}

// Recover finishes an atomic batch interrupted by a crash. It returns true if
// a batch was applied.
func (c *Coordinator) Recover(ctx context.Context, st State) (bool, error) {
	name := st.Name()
	mu := c.lock(name)
	mu.Lock()
	defer mu.Unlock()

	redo, err := c.meta.GetRedo(ctx, name)
	if err != nil || redo == nil {
		return false, err
	}

	committed, version := st.Committed()
	if redo.Base != version {
		log.Debug().Str("file", name).Msg("Removing stale redo object")
		return false, c.meta.DeleteRedo(ctx, name)
	}

	log.Info().Str("file", name).Int("pages", len(redo.Pages)).Msg("Replaying interrupted batch")

	c.cache.Truncate(name, redo.Meta.Size, committed.Size)
	for pgno, data := range redo.Pages {
		c.cache.Put(name, pgno, data)
	}
	st.SetSize(redo.Meta.Size)

	if err := c.sync(ctx, st, true); err != nil {
		return false, err
	}

	return true, c.meta.DeleteRedo(ctx, name)
}

func (c *Coordinator) check(name string) error {
	if c.fence == nil {
		return nil
	}

	if err := c.fence(name); err != nil {
		return fmt.Errorf("commit of %s fenced: %w", name, err)
	}

	return nil
}

func (c *Coordinator) lock(name string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	mu, ok := c.files[name]
	if !ok {
		mu = &sync.Mutex{}
		c.files[name] = mu
	}

	return mu
}

// Hold runs fn while no sync of the file can run. The stored objects of the
// file do not change during fn unless fn changes them.
func (c *Coordinator) Hold(name string, fn func() error) error {
	mu := c.lock(name)
	mu.Lock()
	defer mu.Unlock()

	return fn()
}
