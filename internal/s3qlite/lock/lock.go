// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package lock emulates the five level advisory file locks of SQLite without
// any help from the operating system.
//
// The Registry arbitrates between handles of one process. When several
// processes share a backend, a Coordinator mirrors the strongest level held
// inside the process into a lease stored next to the file.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asch/s3qlite/internal/metrics"
)

type Level int

const (
	None Level = iota
	Shared
	Reserved
	Pending
	Exclusive
)

func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case Shared:
		return "shared"
	case Reserved:
		return "reserved"
	case Pending:
		return "pending"
	case Exclusive:
		return "exclusive"
	}

	return "invalid"
}

var (
	ErrBusy    = errors.New("lock is busy")
	ErrInvalid = errors.New("invalid lock transition")
)

// Coordinator extends the registry across processes.
type Coordinator interface {
	// Reconcile brings the lease of the file to the level returned by
	// target. Target is evaluated by the coordinator and may be called more
	// than once.
	Reconcile(ctx context.Context, file string, target func() Level) error

	// Reserved reports whether another process holds RESERVED or above.
	Reserved(ctx context.Context, file string) (bool, error)
}

type state struct {
	holders map[int64]Level
	waiters int

	// Closed and replaced on every change of holders.
	changed chan struct{}
}

// Registry is the process wide lock table. Handles are identified by their
// owner id.
type Registry struct {
	mu      sync.Mutex
	files   map[string]*state
	timeout time.Duration
	coord   Coordinator
}

// NewRegistry returns a registry waiting at most timeout for a conflicting
// lock to go away. Coord may be nil.
func NewRegistry(timeout time.Duration, coord Coordinator) *Registry {
	return &Registry{
		files:   make(map[string]*state),
		timeout: timeout,
		coord:   coord,
	}
}

// Lock raises the level of owner to level. Requests for the current or a
// lower level are no-ops. EXCLUSIVE is reached through PENDING; if it cannot
// be granted in time the owner is left at PENDING and ErrBusy is returned.
func (r *Registry) Lock(ctx context.Context, file string, owner int64, level Level) error {
	prev, err := r.lock(ctx, file, owner, level)
	if r.coord == nil || prev >= level {
		return err
	}

	// A failed local upgrade may have left the owner at PENDING, which other
	// processes need to see as well.
	if err != nil {
		if r.Level(file, owner) > prev {
			r.reconcile(ctx, file)
		}
		return err
	}

	err = r.coord.Reconcile(ctx, file, func() Level { return r.Aggregate(file) })
	if err == nil {
		return nil
	}

	fallback := prev
	if level == Exclusive {
		fallback = Pending
	}
	r.set(file, owner, fallback)
	r.reconcile(ctx, file)

	return err
}

func (r *Registry) lock(ctx context.Context, file string, owner int64, level Level) (Level, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.state(file)
	cur := st.holders[owner]
	prev := cur

	if level <= cur {
		return prev, nil
	}

	switch {
	case level == Shared && cur != None,
		level == Reserved && cur != Shared,
		level == Pending,
		level == Exclusive && cur == None,
		level > Exclusive:
		r.cleanup(file, st)
		return prev, ErrInvalid
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	for {
		st = r.state(file)

		if level == Exclusive && cur < Pending && !st.conflicts(owner, Pending) {
			cur = Pending
			st.set(owner, Pending)
		}

		if !st.conflicts(owner, level) {
			st.set(owner, level)
			return prev, nil
		}

		changed := st.changed
		st.waiters++
		r.mu.Unlock()

		var err error
		select {
		case <-changed:
		case <-timer.C:
			err = ErrBusy
		case <-ctx.Done():
			err = ctx.Err()
		}

		r.mu.Lock()
		st.waiters--

		if err != nil {
			metrics.LockBusy.WithLabelValues(level.String()).Inc()
			log.Debug().Str("file", file).Int64("owner", owner).Str("level", level.String()).Msg("Lock busy")
			r.cleanup(file, st)

			return prev, err
		}
	}
}

// Unlock lowers the level of owner to SHARED or NONE.
func (r *Registry) Unlock(ctx context.Context, file string, owner int64, level Level) error {
	if level != None && level != Shared {
		return ErrInvalid
	}

	r.mu.Lock()
	st := r.state(file)
	cur := st.holders[owner]
	if cur <= level {
		r.cleanup(file, st)
		r.mu.Unlock()
		return nil
	}

	st.set(owner, level)
	r.cleanup(file, st)
	r.mu.Unlock()

	if r.coord != nil {
		return r.coord.Reconcile(ctx, file, func() Level { return r.Aggregate(file) })
	}

	return nil
}

// Forget drops every lock of owner, e.g. when its handle is closed.
func (r *Registry) Forget(ctx context.Context, file string, owner int64) error {
	return r.Unlock(ctx, file, owner, None)
}

// CheckReserved reports whether any handle holds RESERVED or above.
func (r *Registry) CheckReserved(ctx context.Context, file string) (bool, error) {
	if r.Aggregate(file) >= Reserved {
		return true, nil
	}

	if r.coord == nil {
		return false, nil
	}

	return r.coord.Reserved(ctx, file)
}

// Level returns the level held by owner.
func (r *Registry) Level(file string, owner int64) Level {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.files[file]
	if !ok {
		return None
	}

	return st.holders[owner]
}

// Aggregate returns the strongest level held by any handle of the file.
func (r *Registry) Aggregate(file string) Level {
	r.mu.Lock()
	defer r.mu.Unlock()

	top := None
	if st, ok := r.files[file]; ok {
		for _, l := range st.holders {
			if l > top {
				top = l
			}
		}
	}

	return top
}

// Sets the level without any checks. Used to undo a local grant the
// coordinator refused.
func (r *Registry) set(file string, owner int64, level Level) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.state(file)
	st.set(owner, level)
	r.cleanup(file, st)
}

func (r *Registry) reconcile(ctx context.Context, file string) {
	err := r.coord.Reconcile(ctx, file, func() Level { return r.Aggregate(file) })
	if err != nil {
		log.Debug().Err(err).Str("file", file).Msg("Lease not reconciled")
	}
}

// Must be called with the mutex held.
func (r *Registry) state(file string) *state {
	st, ok := r.files[file]
	if !ok {
		st = &state{
			holders: make(map[int64]Level),
			changed: make(chan struct{}),
		}
		r.files[file] = st
	}

	return st
}

// Removes unused state. Must be called with the mutex held.
func (r *Registry) cleanup(file string, st *state) {
	if len(st.holders) == 0 && st.waiters == 0 && r.files[file] == st {
		delete(r.files, file)
	}
}

func (s *state) set(owner int64, level Level) {
	if level == None {
		delete(s.holders, owner)
	} else {
		s.holders[owner] = level
	}

	close(s.changed)
	s.changed = make(chan struct{})
}

// Reports whether another holder prevents owner from acquiring level. A new
// SHARED lock is refused while somebody waits for EXCLUSIVE, although the
// SHARED locks held already remain compatible with PENDING.
func (s *state) conflicts(owner int64, level Level) bool {
	for h, l := range s.holders {
		if h == owner {
			continue
		}

		if !Compatible(level, l) || (level == Shared && l == Pending) {
			return true
		}
	}

	return false
}

// Compatible reports whether one holder may be at level a while another is
// at level b.
func Compatible(a, b Level) bool {
	if a == None || b == None {
		return true
	}

	if a < b {
		a, b = b, a
	}

	switch a {
	case Shared:
		return true
	case Reserved, Pending:
		return b == Shared
	}

	return false
}
