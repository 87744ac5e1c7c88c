// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/s3qlite/internal/retry"
	"github.com/asch/s3qlite/internal/s3qlite"
	"github.com/asch/s3qlite/internal/s3qlite/key"
	"github.com/asch/s3qlite/internal/s3qlite/objstore"
	"github.com/asch/s3qlite/internal/s3qlite/objstore/memory"
)

func register(t *testing.T, m *memory.Memory) string {
	v, err := s3qlite.New(m, s3qlite.Options{
		PageSize:    4096,
		LockTimeout: 10 * time.Millisecond,
		Store:       objstore.Options{Uploaders: 4, Downloaders: 4, Retry: retry.Policy{Attempts: 1}},
	})
	require.NoError(t, err)

	name := fmt.Sprintf("s3qlite-test-%d", key.Next())
	Register(name, v)
	t.Cleanup(func() {
		Unregister(name)
		v.Close()
	})

	return name
}

func openDB(t *testing.T, name, path string, pragmas ...string) *sql.DB {
	db, err := Open(name, path, pragmas...)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func count(t *testing.T, db *sql.DB) int {
	var n int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM kv`).Scan(&n))

	return n
}

func TestDSN(t *testing.T) {
	dsn := DSN("x", "/a.db", "busy_timeout(1000)", "journal_mode(delete)")
	assert.Equal(t, "file:/a.db?_pragma=busy_timeout%281000%29&_pragma=journal_mode%28delete%29&vfs=x", dsn)

	dsn = DSN("x", "/a.db?_txlock=immediate")
	assert.Equal(t, "file:/a.db?_txlock=immediate&vfs=x", dsn)
}

func TestCreateInsertReopen(t *testing.T) {
	m := memory.New("t")
	name := register(t, m)

	db := openDB(t, name, "/test.db")
	_, err := db.Exec(`CREATE TABLE kv (k INTEGER PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		_, err := db.Exec(`INSERT INTO kv (k, v) VALUES (?, ?)`, i, fmt.Sprint("value ", i))
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	assert.Contains(t, m.Keys(), key.Meta("test.db"))
	assert.NotContains(t, m.Keys(), key.Meta("test.db-journal"))

	// A fresh VFS sees only what reached the store.
	other := register(t, m)
	db = openDB(t, other, "/test.db")
	assert.Equal(t, 100, count(t, db))

	var v string
	require.NoError(t, db.QueryRow(`SELECT v FROM kv WHERE k = 42`).Scan(&v))
	assert.Equal(t, "value 42", v)

	var check string
	require.NoError(t, db.QueryRow(`PRAGMA integrity_check`).Scan(&check))
	assert.Equal(t, "ok", check)
}

func TestRollback(t *testing.T) {
	name := register(t, memory.New("t"))
	db := openDB(t, name, "/test.db")

	_, err := db.Exec(`CREATE TABLE kv (k INTEGER PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)

	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = tx.Exec(`INSERT INTO kv (k, v) VALUES (1, 'x')`)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	assert.Equal(t, 0, count(t, db))
}

func TestConcurrentConnections(t *testing.T) {
	name := register(t, memory.New("t"))
	db := openDB(t, name, "/test.db?_txlock=immediate", "busy_timeout(10000)")
	db.SetMaxOpenConns(4)

	_, err := db.Exec(`CREATE TABLE kv (k INTEGER PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if _, err := db.Exec(`INSERT INTO kv (k, v) VALUES (?, 'v')`, w*1000+i); err != nil {
					errs <- err
					return
				}
				var n int
				if err := db.QueryRow(`SELECT count(*) FROM kv`).Scan(&n); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 100, count(t, db))
}

func TestConcurrentWALConnections(t *testing.T) {
	ctx := context.Background()
	m := memory.New("t")
	name := register(t, m)

	db := openDB(t, name, "/wal.db?_txlock=immediate", "busy_timeout(10000)", "journal_mode(wal)")
	db.SetMaxOpenConns(4)

	_, err := db.Exec(`CREATE TABLE kv (k INTEGER PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)

	// Four connections open at the same time, all of them in WAL mode.
	conns := make([]*sql.Conn, 4)
	for i := range conns {
		conns[i], err = db.Conn(ctx)
		require.NoError(t, err)

		var mode string
		require.NoError(t, conns[i].QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode))
		assert.Equal(t, "wal", mode)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(conns))
	for w, conn := range conns {
		wg.Add(1)
		go func(w int, conn *sql.Conn) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := conn.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES (?, 'v')`, w*100+i); err != nil {
					errs <- err
					return
				}
				var n int
				if err := conn.QueryRowContext(ctx, `SELECT count(*) FROM kv`).Scan(&n); err != nil {
					errs <- err
					return
				}
			}
		}(w, conn)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	for _, conn := range conns {
		require.NoError(t, conn.Close())
	}
	assert.Equal(t, 40, count(t, db))
	require.NoError(t, db.Close())

	other := register(t, m)
	db = openDB(t, other, "/wal.db")
	assert.Equal(t, 40, count(t, db))

	var check string
	require.NoError(t, db.QueryRow(`PRAGMA integrity_check`).Scan(&check))
	assert.Equal(t, "ok", check)
}

func TestVFSPragmas(t *testing.T) {
	name := register(t, memory.New("t"))
	db := openDB(t, name, "/test.db")
	db.SetMaxOpenConns(1)

	_, err := db.Exec(`CREATE TABLE kv (k INTEGER PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)

	var backend string
	require.NoError(t, db.QueryRow(`PRAGMA vfs_backend`).Scan(&backend))
	assert.Contains(t, backend, "memory://t")

	var cache string
	require.NoError(t, db.QueryRow(`PRAGMA vfs_cache`).Scan(&cache))
	assert.Contains(t, cache, "pages=")
}
