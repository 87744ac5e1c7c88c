// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package s3qlite

import (
	"fmt"
	"net/url"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/asch/s3qlite/internal/s3qlite/lock"
)

// Number of lock slots of the shared memory.
const shmSlots = 8

type ShmFlag uint32

const (
	ShmUnlock    ShmFlag = 1
	ShmLock      ShmFlag = 2
	ShmShared    ShmFlag = 4
	ShmExclusive ShmFlag = 8
)

// Shared memory of a database in WAL mode. It lives in process memory and is
// shared by the handles of one process. In lease mode the first mapping takes
// an exclusive lease, so other processes cannot use the same WAL index.
type shmFile struct {
	regions [][]byte
	shared  [shmSlots]int
	excl    [shmSlots]int64
	holders map[int64]*shmHolder
	leased  string
}

// Slots held by one handle, as bitmasks.
type shmHolder struct {
	shared uint8
	excl   uint8
}

type shmTable struct {
	mu    sync.Mutex
	files map[string]*shmFile
}

func newShmTable() *shmTable {
	return &shmTable{files: make(map[string]*shmFile)}
}

func (f *File) shmKey() string {
	if f.rec.t.temp {
		return "temp:" + f.rec.base
	}

	return f.rec.base
}

// WALIndex returns the local file in which the engine keeps the shared
// memory of a main database, "" if the handle gets none. With leases the
// handle joins the shared memory of its process, which holds the exclusive
// lease of the WAL index; while another process holds it there is none.
func (f *File) WALIndex() string {
	if !f.rec.main || f.rec.t.temp || f.v.shmDir == "" {
		return ""
	}

	if f.v.leases != nil {
		if _, err := f.ShmMap(0, 1, false); err != nil {
			log.Debug().Err(err).Str("file", f.rec.name).Msg("WAL index held by another process")
			return ""
		}
	}

	return filepath.Join(f.v.shmDir, url.PathEscape(f.rec.base)+"-shm")
}

// ShmMap returns region of the shared memory. With extend unset a region not
// allocated yet is returned as nil.
func (f *File) ShmMap(region, size int, extend bool) ([]byte, error) {
	if region < 0 || size <= 0 {
		return nil, &Error{Code: IOErrShmMap, Op: "shm_map", Name: f.rec.name, Err: fmt.Errorf("region %d of %d bytes", region, size)}
	}

	t := f.v.shm
	t.mu.Lock()
	defer t.mu.Unlock()

	k := f.shmKey()
	s, ok := t.files[k]
	if !ok {
		s = &shmFile{holders: make(map[int64]*shmHolder)}

		if f.v.leases != nil && !f.rec.t.temp {
			name := f.rec.base + "-shm"
			err := f.v.leases.Reconcile(f.v.ctx, name, func() lock.Level { return lock.Exclusive })
			if err != nil {
				return nil, wrap(IOErrShmOpen, "shm_map", f.rec.name, err)
			}
			s.leased = name
		}

		t.files[k] = s
	}

	if _, ok := s.holders[f.id]; !ok {
		s.holders[f.id] = &shmHolder{}
	}

	if region < len(s.regions) {
		return s.regions[region], nil
	}
	if !extend {
		return nil, nil
	}

	for len(s.regions) <= region {
		s.regions = append(s.regions, make([]byte, size))
	}

	return s.regions[region], nil
}

// ShmLock takes or releases n slots starting at offset. Either all slots
// change or none; a conflict is reported as busy right away.
func (f *File) ShmLock(offset, n int, flags ShmFlag) error {
	if offset < 0 || n < 1 || offset+n > shmSlots {
		return &Error{Code: IOErrShmLock, Op: "shm_lock", Name: f.rec.name, Err: fmt.Errorf("slots %d+%d", offset, n)}
	}

	t := f.v.shm
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.files[f.shmKey()]
	if !ok {
		return &Error{Code: IOErrShmLock, Op: "shm_lock", Name: f.rec.name, Err: fmt.Errorf("not mapped")}
	}

	h, ok := s.holders[f.id]
	if !ok {
		h = &shmHolder{}
		s.holders[f.id] = h
	}

	var mask uint8
	for i := offset; i < offset+n; i++ {
		mask |= 1 << i
	}

	switch {
	case flags&ShmUnlock != 0 && flags&ShmShared != 0:
		for i := offset; i < offset+n; i++ {
			if h.shared&(1<<i) != 0 {
				s.shared[i]--
			}
		}
		h.shared &^= mask

	case flags&ShmUnlock != 0 && flags&ShmExclusive != 0:
		for i := offset; i < offset+n; i++ {
			if h.excl&(1<<i) != 0 {
				s.excl[i] = 0
			}
		}
		h.excl &^= mask

	case flags&ShmLock != 0 && flags&ShmShared != 0:
		for i := offset; i < offset+n; i++ {
			if s.excl[i] != 0 && s.excl[i] != f.id {
				return &Error{Code: Busy, Op: "shm_lock", Name: f.rec.name}
			}
		}
		for i := offset; i < offset+n; i++ {
			if h.shared&(1<<i) == 0 {
				s.shared[i]++
			}
		}
		h.shared |= mask

	case flags&ShmLock != 0 && flags&ShmExclusive != 0:
		for i := offset; i < offset+n; i++ {
			own := 0
			if h.shared&(1<<i) != 0 {
				own = 1
			}
			if (s.excl[i] != 0 && s.excl[i] != f.id) || s.shared[i]-own > 0 {
				return &Error{Code: Busy, Op: "shm_lock", Name: f.rec.name}
			}
		}
		for i := offset; i < offset+n; i++ {
			s.excl[i] = f.id
		}
		h.excl |= mask

	default:
		return &Error{Code: IOErrShmLock, Op: "shm_lock", Name: f.rec.name, Err: fmt.Errorf("flags %#x", uint32(flags))}
	}

	return nil
}

// ShmBarrier orders the accesses to the shared memory of all handles.
func (f *File) ShmBarrier() {
	f.v.shm.mu.Lock()
	f.v.shm.mu.Unlock()
}

// ShmUnmap releases the shared memory of the handle. The memory is freed when
// the last handle unmaps it.
func (f *File) ShmUnmap(drop bool) error {
	f.shmRelease(drop)

	return nil
}

func (f *File) shmRelease(drop bool) {
	t := f.v.shm
	t.mu.Lock()
	defer t.mu.Unlock()

	k := f.shmKey()
	s, ok := t.files[k]
	if !ok {
		return
	}

	if h, ok := s.holders[f.id]; ok {
		for i := 0; i < shmSlots; i++ {
			if h.shared&(1<<i) != 0 {
				s.shared[i]--
			}
			if h.excl&(1<<i) != 0 {
				s.excl[i] = 0
			}
		}
		delete(s.holders, f.id)
	}

	if len(s.holders) > 0 {
		return
	}

	delete(t.files, k)

	if s.leased != "" {
		err := f.v.leases.Reconcile(f.v.ctx, s.leased, func() lock.Level { return lock.None })
		if err != nil {
			log.Warn().Err(err).Str("file", s.leased).Msg("Shared memory lease not released")
		}
	}

	log.Debug().Str("file", f.rec.name).Bool("delete", drop).Msg("Shared memory unmapped")
}
