// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package lock

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/asch/s3qlite/internal/s3qlite/key"
	"github.com/asch/s3qlite/internal/s3qlite/objstore"
)

var ErrLeaseLost = errors.New("lease lost")

// Objects is the part of the object store proxy used for lease records.
type Objects interface {
	Get(ctx context.Context, key string, prio bool) ([]byte, objstore.Attrs, error)
	Put(ctx context.Context, key string, data []byte, expected string, prio bool) (objstore.Attrs, error)
	Delete(ctx context.Context, key string, expected string, prio bool) error
}

// Record is the lease object of one file. It lists the processes holding the
// file together with their level.
type Record struct {
	Holders map[string]Holder
}

// Holder is one process in the lease record. Beat grows with every renewal.
// The holder is dead once Beat did not change for TTL, measured by the
// observer. No wall clocks are compared between machines.
type Holder struct {
	Level Level
	Beat  uint64
	TTL   time.Duration
}

type LeaseOptions struct {
	// Owner identifies this process. Empty means a random uuid.
	Owner string

	TTL time.Duration

	// Delay between two attempts of a contended acquisition.
	Poll time.Duration

	// Maximal duration of an acquisition before ErrBusy.
	Timeout time.Duration
}

type lease struct {
	mu    sync.Mutex
	level Level
	beat  uint64
	lost  bool
}

type observation struct {
	beat uint64
	at   time.Time
}

// Leases coordinates locks of several processes through lease records
// stored in the backend. Every change of a record is a conditional write, so
// the backend orders competing processes.
type Leases struct {
	objects Objects
	owner   string
	ttl     time.Duration
	poll    time.Duration
	timeout time.Duration

	mu     sync.Mutex
	leases map[string]*lease
	seen   map[string]map[string]observation
}

func NewLeases(objects Objects, o LeaseOptions) *Leases {
	if o.Owner == "" {
		o.Owner = uuid.NewString()
	}
	if o.TTL <= 0 {
		o.TTL = 15 * time.Second
	}
	if o.Poll <= 0 {
		o.Poll = 25 * time.Millisecond
	}

	return &Leases{
		objects: objects,
		owner:   o.Owner,
		ttl:     o.TTL,
		poll:    o.Poll,
		timeout: o.Timeout,
		leases:  make(map[string]*lease),
		seen:    make(map[string]map[string]observation),
	}
}

func (l *Leases) Owner() string {
	return l.owner
}

// Reconcile implements Coordinator. Upgrades wait for conflicting processes
// at most the configured timeout, downgrades only retry lost races.
func (l *Leases) Reconcile(ctx context.Context, file string, target func() Level) error {
	ls := l.acquire(file)
	defer l.release(file, ls)

	deadline := time.Now().Add(l.timeout)

	for {
		want := target()
		if want == ls.level && !ls.lost {
			break
		}

		rec, version, err := l.read(ctx, file)
		if err != nil {
			return err
		}

		mine, ok := rec.Holders[l.owner]
		if ls.level > None && (!ok || mine.Level != ls.level || mine.Beat != ls.beat) {
			ls.lost = true
		}

		if ls.lost && want > None {
			log.Error().Str("file", file).Msg("Lease lost")
			return ErrLeaseLost
		}

		if want > ls.level && l.conflicts(file, rec, want) {
			if !time.Now().Before(deadline) {
				return ErrBusy
			}
			if err := sleep(ctx, l.poll); err != nil {
				return err
			}
			continue
		}

		l.prune(file, rec)
		beat := ls.beat + 1
		if want == None {
			delete(rec.Holders, l.owner)
		} else {
			rec.Holders[l.owner] = Holder{Level: want, Beat: beat, TTL: l.ttl}
		}

		err = l.write(ctx, file, rec, version)
		if errors.Is(err, objstore.ErrConflict) || errors.Is(err, objstore.ErrNotFound) {
			if want > ls.level && !time.Now().Before(deadline) {
				return ErrBusy
			}
			continue
		}
		if err != nil {
			return err
		}

		ls.level, ls.beat, ls.lost = want, beat, false
	}

	return nil
}

// Reserved implements Coordinator.
func (l *Leases) Reserved(ctx context.Context, file string) (bool, error) {
	rec, _, err := l.read(ctx, file)
	if err != nil {
		return false, err
	}

	for owner, h := range rec.Holders {
		if owner != l.owner && h.Level >= Reserved && !l.expired(file, owner, h) {
			return true, nil
		}
	}

	return false, nil
}

// Check returns ErrLeaseLost if the lease of the file was taken over by
// another process. Writes must not be committed afterwards.
func (l *Leases) Check(file string) error {
	l.mu.Lock()
	ls, ok := l.leases[file]
	l.mu.Unlock()

	if !ok {
		return nil
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.lost {
		return ErrLeaseLost
	}

	return nil
}

// Run renews all held leases every third of the TTL until ctx is done.
func (l *Leases) Run(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Renew(ctx)
		}
	}
}

// Renew bumps the beat of every held lease once.
func (l *Leases) Renew(ctx context.Context) {
	l.mu.Lock()
	files := make(map[string]*lease, len(l.leases))
	for file, ls := range l.leases {
		files[file] = ls
	}
	l.mu.Unlock()

	for file, ls := range files {
		if err := l.renew(ctx, file, ls); err != nil {
			log.Warn().Err(err).Str("file", file).Msg("Lease renewal failed")
		}
	}
}

func (l *Leases) renew(ctx context.Context, file string, ls *lease) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.level > None && !ls.lost {
		rec, version, err := l.read(ctx, file)
		if err != nil {
			return err
		}

		mine, ok := rec.Holders[l.owner]
		if !ok || mine.Level != ls.level || mine.Beat != ls.beat {
			ls.lost = true
			log.Error().Str("file", file).Msg("Lease taken over by another process")
			return ErrLeaseLost
		}

		mine.Beat++
		rec.Holders[l.owner] = mine
		l.prune(file, rec)

		err = l.write(ctx, file, rec, version)
		if errors.Is(err, objstore.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}

		ls.beat = mine.Beat
		return nil
	}

	return nil
}

// Release gives up every lease of the process.
func (l *Leases) Release(ctx context.Context) {
	l.mu.Lock()
	files := make([]string, 0, len(l.leases))
	for file := range l.leases {
		files = append(files, file)
	}
	l.mu.Unlock()

	for _, file := range files {
		if err := l.Reconcile(ctx, file, func() Level { return None }); err != nil {
			log.Warn().Err(err).Str("file", file).Msg("Lease not released")
		}
	}
}

// Returns the locked lease state of the file. A state dropped from the table
// while we waited for it is not used.
func (l *Leases) acquire(file string) *lease {
	for {
		l.mu.Lock()
		ls, ok := l.leases[file]
		if !ok {
			ls = &lease{}
			l.leases[file] = ls
		}
		l.mu.Unlock()

		ls.mu.Lock()

		l.mu.Lock()
		current := l.leases[file] == ls
		l.mu.Unlock()

		if current {
			return ls
		}
		ls.mu.Unlock()
	}
}

// Unlocks the lease state and forgets it if nothing is held.
func (l *Leases) release(file string, ls *lease) {
	if ls.level == None {
		l.mu.Lock()
		if l.leases[file] == ls {
			delete(l.leases, file)
		}
		l.mu.Unlock()
	}

	ls.mu.Unlock()
}

// Reports whether a live holder other than us prevents acquiring level.
func (l *Leases) conflicts(file string, rec *Record, level Level) bool {
	st := state{holders: make(map[int64]Level)}
	var id int64
	for owner, h := range rec.Holders {
		if owner == l.owner || l.expired(file, owner, h) {
			continue
		}
		id++
		st.holders[id] = h.Level
	}

	return st.conflicts(0, level)
}

// Removes dead holders from the record.
func (l *Leases) prune(file string, rec *Record) {
	for owner, h := range rec.Holders {
		if owner != l.owner && l.expired(file, owner, h) {
			log.Info().Str("file", file).Str("owner", owner).Msg("Reclaiming expired lease")
			delete(rec.Holders, owner)
		}
	}
}

// Reports whether the holder did not renew for longer than its TTL since we
// first saw its current beat.
func (l *Leases) expired(file, owner string, h Holder) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen, ok := l.seen[file]
	if !ok {
		seen = make(map[string]observation)
		l.seen[file] = seen
	}

	o, ok := seen[owner]
	if !ok || o.beat != h.Beat {
		seen[owner] = observation{beat: h.Beat, at: time.Now()}
		return false
	}

	return time.Since(o.at) > h.TTL
}

func (l *Leases) read(ctx context.Context, file string) (*Record, string, error) {
	rec := &Record{Holders: make(map[string]Holder)}

	data, attrs, err := l.objects.Get(ctx, key.Lock(file), true)
	if errors.Is(err, objstore.ErrNotFound) {
		return rec, objstore.Absent, nil
	}
	if err != nil {
		return nil, "", err
	}

	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(rec); err != nil {
		return nil, "", err
	}
	if rec.Holders == nil {
		rec.Holders = make(map[string]Holder)
	}

	return rec, attrs.Version, nil
}

func (l *Leases) write(ctx context.Context, file string, rec *Record, version string) error {
	k := key.Lock(file)

	if len(rec.Holders) == 0 {
		if version == objstore.Absent {
			return nil
		}
		return l.objects.Delete(ctx, k, version, true)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return err
	}

	_, err := l.objects.Put(ctx, k, buf.Bytes(), version, true)

	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
