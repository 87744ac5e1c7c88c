// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configure(t *testing.T) error {
	Cfg = Config{}
	return Configure(filepath.Join(t.TempDir(), "missing.toml"))
}

func TestDefaults(t *testing.T) {
	require.NoError(t, configure(t))

	assert.Equal(t, "s3qlite", Cfg.Name)
	assert.Equal(t, "s3", Cfg.Backend)
	assert.Equal(t, 4096, Cfg.PageSize)
	assert.Equal(t, "local", Cfg.Lock.Mode)
	assert.Equal(t, 16384, Cfg.Cache.Pages)
	assert.True(t, Cfg.Cache.Verify)
	assert.Equal(t, 10*time.Second, Duration(Cfg.Store.TimeoutMs))
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("S3QLITE_BACKEND", "MEMORY")
	t.Setenv("S3QLITE_LOCK_MODE", "Lease")
	t.Setenv("S3QLITE_PAGESIZE", "8192")
	t.Setenv("S3QLITE_CACHE_DIR", "/var/cache/s3qlite")

	require.NoError(t, configure(t))

	assert.Equal(t, "memory", Cfg.Backend)
	assert.Equal(t, "lease", Cfg.Lock.Mode)
	assert.Equal(t, 8192, Cfg.PageSize)
	assert.Equal(t, "/var/cache/s3qlite", Cfg.Cache.Dir)
}

func TestInvalidPageSizeFallsBack(t *testing.T) {
	t.Setenv("S3QLITE_PAGESIZE", "1000")

	require.NoError(t, configure(t))
	assert.Equal(t, 4096, Cfg.PageSize)
}

func TestValidation(t *testing.T) {
	t.Setenv("S3QLITE_BACKEND", "ftp")
	assert.ErrorContains(t, configure(t), "unknown backend")

	t.Setenv("S3QLITE_BACKEND", "memory")
	t.Setenv("S3QLITE_LOCK_MODE", "flock")
	assert.ErrorContains(t, configure(t), "unknown lock mode")
}

func TestUsage(t *testing.T) {
	usage, err := Usage()
	require.NoError(t, err)
	assert.Contains(t, usage, "S3QLITE_BACKEND")
	assert.Contains(t, usage, "S3QLITE_LOCK_LEASETTL")
}
