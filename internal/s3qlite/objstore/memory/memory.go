// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package memory contains trivial implementation of the object store which
// keeps everything in process memory and does nothing else but correctly. It
// backs temporary files and it is the storage used by tests. Faults can be
// injected to exercise the retry and error paths.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/asch/s3qlite/internal/s3qlite/objstore"
)

// Op names passed to the fault hook.
const (
	OpGet    = "get"
	OpPut    = "put"
	OpDelete = "delete"
	OpHead   = "head"
	OpList   = "list"
)

// Fault is the outcome of a Hook. Err is returned to the caller instead of
// performing the operation. If Applied is set, the operation is performed
// first and Err is returned afterwards, which simulates a lost response.
type Fault struct {
	Err     error
	Applied bool
}

// Hook is called before every operation. Nil result means no fault.
type Hook func(op, key string) *Fault

type object struct {
	data    []byte
	version string
	md5     string
}

// Memory is an in-process object store.
type Memory struct {
	name string

	mu      sync.Mutex
	objects map[string]object
	seq     uint64
	hook    Hook
	log     []string
}

func New(name string) *Memory {
	return &Memory{
		name:    name,
		objects: make(map[string]object),
	}
}

func (m *Memory) String() string {
	return "memory://" + m.name
}

// Inject installs the fault hook. Nil removes it.
func (m *Memory) Inject(h Hook) {
	m.mu.Lock()
	m.hook = h
	m.mu.Unlock()
}

// Log returns the sequence of mutating operations performed so far in the
// form "op key".
func (m *Memory) Log() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.log...)
}

// ResetLog forgets the recorded operations.
func (m *Memory) ResetLog() {
	m.mu.Lock()
	m.log = nil
	m.mu.Unlock()
}

// Keys returns all stored keys in order.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

// Runs the fault hook. Must be called with the mutex held. Returns whether
// the operation should be performed and the error to report.
func (m *Memory) fault(op, key string) (bool, error) {
	if m.hook == nil {
		return true, nil
	}

	f := m.hook(op, key)
	if f == nil || f.Err == nil {
		return true, nil
	}

	return f.Applied, f.Err
}

func (m *Memory) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, objstore.Attrs, error) {
	if err := ctx.Err(); err != nil {
		return nil, objstore.Attrs{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.fault(OpGet, key); err != nil {
		return nil, objstore.Attrs{}, err
	}

	o, ok := m.objects[key]
	if !ok {
		return nil, objstore.Attrs{}, objstore.ErrNotFound
	}

	size := int64(len(o.data))
	if offset > size {
		offset = size
	}

	end := size
	if length >= 0 && offset+length < size {
		end = offset + length
	}

	buf := make([]byte, end-offset)
	copy(buf, o.data[offset:end])

	return buf, m.attrs(key, o), nil
}

func (m *Memory) Put(ctx context.Context, key string, data []byte, expected string) (objstore.Attrs, error) {
	if err := ctx.Err(); err != nil {
		return objstore.Attrs{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	apply, ferr := m.fault(OpPut, key)
	if !apply {
		return objstore.Attrs{}, ferr
	}

	o, exists := m.objects[key]
	switch {
	case expected == objstore.Any:
	case expected == objstore.Absent && exists:
		return objstore.Attrs{}, objstore.ErrConflict
	case expected == objstore.Absent:
	case !exists || o.version != expected:
		return objstore.Attrs{}, objstore.ErrConflict
	}

	m.seq++
	o = object{
		data:    append([]byte(nil), data...),
		version: fmt.Sprintf("%d", m.seq),
		md5:     objstore.Sum(data),
	}
	m.objects[key] = o
	m.log = append(m.log, OpPut+" "+key)

	if ferr != nil {
		return objstore.Attrs{}, ferr
	}

	return m.attrs(key, o), nil
}

func (m *Memory) Delete(ctx context.Context, key string, expected string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	apply, ferr := m.fault(OpDelete, key)
	if !apply {
		return ferr
	}

	o, exists := m.objects[key]
	if !exists {
		if expected != objstore.Any && expected != objstore.Absent {
			return objstore.ErrNotFound
		}
		return ferr
	}

	if expected != objstore.Any && o.version != expected {
		return objstore.ErrConflict
	}

	delete(m.objects, key)
	m.log = append(m.log, OpDelete+" "+key)

	return ferr
}

func (m *Memory) Head(ctx context.Context, key string) (objstore.Attrs, error) {
	if err := ctx.Err(); err != nil {
		return objstore.Attrs{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.fault(OpHead, key); err != nil {
		return objstore.Attrs{}, err
	}

	o, ok := m.objects[key]
	if !ok {
		return objstore.Attrs{}, objstore.ErrNotFound
	}

	return m.attrs(key, o), nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]objstore.Attrs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.fault(OpList, prefix); err != nil {
		return nil, err
	}

	var list []objstore.Attrs
	for k, o := range m.objects {
		if strings.HasPrefix(k, prefix) {
			list = append(list, m.attrs(k, o))
		}
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Key < list[j].Key
	})

	return list, nil
}

func (m *Memory) attrs(key string, o object) objstore.Attrs {
	return objstore.Attrs{
		Key:     key,
		Size:    int64(len(o.data)),
		Version: o.version,
		MD5:     o.md5,
	}
}
