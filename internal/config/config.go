// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	DefaultConfig = "/etc/s3qlite/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Name       string `toml:"name" env:"S3QLITE_NAME" env-default:"s3qlite" env-description:"Name under which the VFS is registered with the database engine."`
	Backend    string `toml:"backend" env:"S3QLITE_BACKEND" env-default:"s3" env-description:"Object store backend. One of s3, gcs or memory."`
	Prefix     string `toml:"prefix" env:"S3QLITE_PREFIX" env-default:"" env-description:"Key prefix prepended to every object."`
	PageSize   int    `toml:"page_size" env:"S3QLITE_PAGESIZE" env-default:"4096" env-description:"Size of one page object in bytes."`
	SectorSize int    `toml:"sector_size" env:"S3QLITE_SECTORSIZE" env-default:"4096" env-description:"Sector size reported to the database engine."`

	S3 struct {
		Bucket    string `toml:"bucket" env:"S3QLITE_S3_BUCKET" env-description:"S3 Bucket name." env-default:"s3qlite"`
		Remote    string `toml:"remote" env:"S3QLITE_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"S3QLITE_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"S3QLITE_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"S3QLITE_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
	} `toml:"s3"`

	GCS struct {
		Bucket          string `toml:"bucket" env:"S3QLITE_GCS_BUCKET" env-description:"GCS Bucket name." env-default:"s3qlite"`
		Endpoint        string `toml:"endpoint" env:"S3QLITE_GCS_ENDPOINT" env-description:"GCS endpoint. Empty string for the public endpoint." env-default:""`
		CredentialsFile string `toml:"credentials_file" env:"S3QLITE_GCS_CREDENTIALS" env-description:"Service account credentials file. Empty string for application default credentials." env-default:""`
	} `toml:"gcs"`

	Store struct {
		Uploaders   int     `toml:"uploaders" env:"S3QLITE_STORE_UPLOADERS" env-description:"Number of uploader goroutines." env-default:"16"`
		Downloaders int     `toml:"downloaders" env:"S3QLITE_STORE_DOWNLOADERS" env-description:"Number of downloader goroutines." env-default:"16"`
		Rate        float64 `toml:"rate" env:"S3QLITE_STORE_RATE" env-description:"Maximum backend requests per second. Zero means unlimited." env-default:"0"`
		Burst       int     `toml:"burst" env:"S3QLITE_STORE_BURST" env-description:"Request burst allowed above the rate." env-default:"64"`
		TimeoutMs   int64   `toml:"timeout" env:"S3QLITE_STORE_TIMEOUT" env-description:"Timeout of a single backend request. In ms." env-default:"10000"`
	} `toml:"store"`

	Retry struct {
		Attempts int   `toml:"attempts" env:"S3QLITE_RETRY_ATTEMPTS" env-description:"Maximum number of attempts of one backend request." env-default:"5"`
		BaseMs   int64 `toml:"base" env:"S3QLITE_RETRY_BASE" env-description:"First backoff delay. In ms." env-default:"50"`
		MaxMs    int64 `toml:"max" env:"S3QLITE_RETRY_MAX" env-description:"Backoff delay ceiling. In ms." env-default:"2000"`
	} `toml:"retry"`

	Cache struct {
		Pages              int    `toml:"pages" env:"S3QLITE_CACHE_PAGES" env-description:"Page cache capacity in pages." env-default:"16384"`
		Dir                string `toml:"dir" env:"S3QLITE_CACHE_DIR" env-description:"Directory for the on-disk page cache. Empty string disables it." env-default:""`
		Preload            int    `toml:"preload" env:"S3QLITE_CACHE_PRELOAD" env-description:"Number of leading pages of a main database fetched on open." env-default:"0"`
		PreloadConcurrency int    `toml:"preload_concurrency" env:"S3QLITE_CACHE_PRELOAD_CONCURRENCY" env-description:"Parallel page requests of one read, flush or preload." env-default:"4"`
		Verify             bool   `toml:"verify" env:"S3QLITE_CACHE_VERIFY" env-description:"Verify page checksums on every fetch." env-default:"true"`
		ShmDir             string `toml:"shm_dir" env:"S3QLITE_CACHE_SHMDIR" env-description:"Local directory of the WAL index files. Empty string means a private temporary directory." env-default:""`
	} `toml:"cache"`

	Lock struct {
		Mode       string `toml:"mode" env:"S3QLITE_LOCK_MODE" env-description:"Lock coordination. local for a single process, lease for processes sharing the bucket." env-default:"local"`
		TimeoutMs  int64  `toml:"timeout" env:"S3QLITE_LOCK_TIMEOUT" env-description:"Wait for a conflicting lock before reporting busy. In ms." env-default:"100"`
		LeaseTTLMs int64  `toml:"lease_ttl" env:"S3QLITE_LOCK_LEASETTL" env-description:"Lease lifetime without renewal. In ms." env-default:"15000"`
		PollMs     int64  `toml:"poll" env:"S3QLITE_LOCK_POLL" env-description:"Lease record polling interval while waiting. In ms." env-default:"25"`
	} `toml:"lock"`

	Write struct {
		AtomicBatch bool `toml:"atomic_batch" env:"S3QLITE_WRITE_ATOMICBATCH" env-description:"Advertise batch atomic writes so the engine can skip the rollback journal." env-default:"false"`
	} `toml:"write"`

	Sweep struct {
		Wait int64 `toml:"wait" env:"S3QLITE_SWEEP_WAIT" env-description:"Seconds between background sweeps of open databases. Zero disables the background sweep." env-default:"0"`
	} `toml:"sweep"`

	Log struct {
		Level  int  `toml:"level" env:"S3QLITE_LOG_LEVEL" env-description:"Log level." env-default:"1"`
		Pretty bool `toml:"pretty" env:"S3QLITE_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"S3QLITE_PROFILER" env-description:"Enable golang web profiler and metrics endpoint." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"S3QLITE_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads the configuration file at path and the environment. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure(path string) error {
	Cfg.ConfigPath = path
	return parse()
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and validation and fills the Cfg
// structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.Backend = strings.ToLower(Cfg.Backend)
	Cfg.Lock.Mode = strings.ToLower(Cfg.Lock.Mode)

	switch Cfg.Backend {
	case "s3", "gcs", "memory":
	default:
		return fmt.Errorf("unknown backend %q", Cfg.Backend)
	}

	switch Cfg.Lock.Mode {
	case "local", "lease":
	default:
		return fmt.Errorf("unknown lock mode %q", Cfg.Lock.Mode)
	}

	if Cfg.PageSize < 512 || Cfg.PageSize&(Cfg.PageSize-1) != 0 {
		Cfg.PageSize = 4096
	}

	if Cfg.SectorSize < 512 {
		Cfg.SectorSize = 4096
	}

	return nil
}

// Usage returns the description of every environment variable understood by
// the program.
func Usage() (string, error) {
	header := "Environment variables:"
	return cleanenv.GetDescription(&Cfg, &header)
}

// Duration converts a millisecond configuration value to time.Duration.
func Duration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
