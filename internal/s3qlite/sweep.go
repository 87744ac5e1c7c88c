// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package s3qlite

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asch/s3qlite/internal/s3qlite/key"
	"github.com/asch/s3qlite/internal/s3qlite/objstore"
)

// Suffix of the meta object key.
const metaSuffix = "/meta"

// Sweep deletes page objects of the file which lie past its size. They are
// left behind by commits interrupted between the meta write and the page
// deletes. A redo record older than the committed meta goes too. Returns the
// number of deleted objects.
func (v *VFS) Sweep(ctx context.Context, name string) (int, error) {
	base, err := baseOf(v.opts.Prefix, name, "sweep")
	if err != nil {
		return 0, err
	}

	return v.sweep(ctx, base)
}

func (v *VFS) sweep(ctx context.Context, base string) (int, error) {
	t := v.durable

	if v.leases != nil && strings.HasSuffix(base, "-wal") {
		log.Trace().Str("file", base).Msg("WAL not swept with leases")
		return 0, nil
	}

	// Writers of the file need at least RESERVED on its database.
	db := strings.TrimSuffix(strings.TrimSuffix(base, "-journal"), "-wal")
	owner := key.Next()
	defer t.locks.Forget(ctx, db, owner)

	for _, level := range []LockLevel{LockShared, LockReserved} {
		if err := t.locks.Lock(ctx, db, owner, level); err != nil {
			return 0, wrap(IOErr, "sweep", base, err)
		}
	}

	v.mu.Lock()
	rec := t.lookup(base)
	v.mu.Unlock()

	// Open recovers files under the VFS mutex, so it is never taken inside
	// Hold.
	deleted := 0
	err := t.commit.Hold(base, func() error {
		m, version, err := t.pages.GetMeta(ctx, base)
		if errors.Is(err, objstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		size := m.Size
		if rec != nil {
			rec.mu.Lock()
			size = max(size, rec.size, rec.remote)
			rec.mu.Unlock()
		}

		pgnos, err := t.pages.Pages(ctx, base, false)
		if err != nil {
			return err
		}

		ps := int64(v.opts.PageSize)
		limit := (size + ps - 1) / ps

		for _, pgno := range pgnos {
			if pgno < limit {
				continue
			}

			err := t.proxy.Delete(ctx, key.Page(base, pgno), objstore.Any, false)
			if err != nil && !errors.Is(err, objstore.ErrNotFound) {
				return err
			}
			deleted++
		}

		redo, err := t.pages.GetRedo(ctx, base)
		if err != nil || redo == nil || redo.Base == version {
			return err
		}
		if rec != nil && rec.batching() {
			return nil
		}

		if err := t.pages.DeleteRedo(ctx, base); err != nil {
			return err
		}
		deleted++

		return nil
	})
	if err != nil {
		return deleted, wrap(IOErr, "sweep", base, err)
	}

	if deleted > 0 {
		log.Debug().Str("file", base).Int("objects", deleted).Msg("Swept")
	}

	return deleted, nil
}

// SweepAll sweeps every file stored under the prefix.
func (v *VFS) SweepAll(ctx context.Context) (int, error) {
	prefix := strings.TrimSuffix(v.opts.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}

	objects, err := v.durable.proxy.List(ctx, prefix, false)
	if err != nil {
		return 0, wrap(IOErr, "sweep", prefix, err)
	}

	total := 0
	for _, o := range objects {
		if !strings.HasSuffix(o.Key, metaSuffix) {
			continue
		}

		n, err := v.sweep(ctx, strings.TrimSuffix(o.Key, metaSuffix))
		total += n
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// Background sweep of the open files.
func (v *VFS) sweeper(wait time.Duration) {
	ticker := time.NewTicker(wait)
	defer ticker.Stop()

	for {
		select {
		case <-v.ctx.Done():
			return
		case <-ticker.C:
		}

		v.mu.Lock()
		bases := make([]string, 0, len(v.durable.files))
		for base := range v.durable.files {
			bases = append(bases, base)
		}
		v.mu.Unlock()

		log.Trace().Int("files", len(bases)).Msg("Sweep started.")
		for _, base := range bases {
			if _, err := v.sweep(v.ctx, base); err != nil {
				log.Info().Err(err).Send()
			}
		}
		log.Trace().Msg("Sweep finished.")
	}
}
