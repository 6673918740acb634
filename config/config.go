package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendSQLite  = "sqlite"
	BackendBadger  = "badger"
	BackendLevelDB = "leveldb"
	BackendNutsDB  = "nutsdb"

	OrderDBFirst = "db-first"
	OrderFSFirst = "fs-first"
)

type Config struct {
	// StorageRoot directory holding final and staging artifacts
	StorageRoot string `yaml:"storage_root"`
	//PendingPrefix reserved prefix of staging artifacts
	PendingPrefix string `yaml:"pending_prefix"`
	//MetaBackend metadata backend, one of sqlite, badger, leveldb, nutsdb
	MetaBackend string `yaml:"meta_backend"`
	//MetaPath sqlite file or kv directory of the metadata store
	MetaPath string `yaml:"meta_path"`
	//PoolSize sqlite connection pool size
	PoolSize int `yaml:"pool_size"`
	//DBInitRetries number of attempts to open the metadata store
	DBInitRetries int `yaml:"db_init_retries"`
	//DBInitRetryDelay delay between open attempts
	DBInitRetryDelay time.Duration `yaml:"db_init_retry_delay"`
	//CommitOrder db-first or fs-first
	CommitOrder string `yaml:"commit_order"`
	//NameLocks serialize commits of the same logical name
	NameLocks bool `yaml:"name_locks"`
	//LockStripes number of lock stripes used by NameLocks
	LockStripes uint64 `yaml:"lock_stripes"`
	//CacheSize number of metadata records kept in memory, 0 disables the cache
	CacheSize int `yaml:"cache_size"`
	//CacheTTL time a cached metadata record is trusted
	CacheTTL time.Duration `yaml:"cache_ttl"`
	//SyncWrites fsync staged files and the storage root
	SyncWrites bool `yaml:"sync_writes"`
	//SyncInterval interval of storage/metadata reconcile, 0 disables it
	SyncInterval time.Duration `yaml:"sync_interval"`
	//SyncGrace files younger than this are never removed by reconcile
	SyncGrace time.Duration `yaml:"sync_grace"`
	//MinFreeBytes minimal free space on the storage root filesystem
	MinFreeBytes uint64 `yaml:"min_free_bytes"`
	//MetricsAddress listen address of the metrics endpoint, empty disables it
	MetricsAddress string `yaml:"metrics_address"`
	//DebugMode run in debug mode
	DebugMode bool `yaml:"debug"`
	//ShutdownTimeout timeout for shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns configuration used when no file is given
func Default() *Config {
	return &Config{
		StorageRoot:      "/var/lib/monostore/files",
		PendingPrefix:    "pending_",
		MetaBackend:      BackendSQLite,
		MetaPath:         "/var/lib/monostore/meta.db",
		PoolSize:         4,
		DBInitRetries:    5,
		DBInitRetryDelay: 2 * time.Second,
		CommitOrder:      OrderDBFirst,
		LockStripes:      256,
		CacheSize:        10000,
		CacheTTL:         5 * time.Minute,
		SyncInterval:     time.Hour,
		SyncGrace:        5 * time.Minute,
		ShutdownTimeout:  60 * time.Second,
	}
}

// Load reads yaml file over defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values which can't be defaulted
func (c *Config) Validate() error {
	if c.StorageRoot == "" {
		return fmt.Errorf("storage_root is not set")
	}
	if c.PendingPrefix == "" {
		return fmt.Errorf("pending_prefix can't be empty")
	}
	switch c.MetaBackend {
	case BackendSQLite, BackendBadger, BackendLevelDB, BackendNutsDB:
	default:
		return fmt.Errorf("unknown meta_backend %q", c.MetaBackend)
	}
	if c.MetaPath == "" {
		return fmt.Errorf("meta_path is not set")
	}
	switch c.CommitOrder {
	case OrderDBFirst, OrderFSFirst:
	default:
		return fmt.Errorf("unknown commit_order %q", c.CommitOrder)
	}
	if c.NameLocks && c.LockStripes == 0 {
		return fmt.Errorf("lock_stripes must be positive when name_locks is set")
	}
	if c.CacheSize < 0 || c.CacheTTL < 0 {
		return fmt.Errorf("cache_size and cache_ttl can't be negative")
	}
	if c.SyncGrace < 0 {
		return fmt.Errorf("sync_grace can't be negative")
	}
	return nil
}
