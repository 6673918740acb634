package metadb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rarydzu/monostore/config"
	"github.com/rarydzu/monostore/kvstore"
	"go.uber.org/zap"
)

type Options struct {
	Backend    string
	Path       string
	PoolSize   int
	Retries    int
	RetryDelay time.Duration
}

// Open opens the metadata repository of opts.Backend. Failed attempts are
// retried opts.Retries times, opts.RetryDelay apart.
func Open(ctx context.Context, opts Options, log *zap.SugaredLogger) (Repository, error) {
	attempts := opts.Retries
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		var repo Repository
		repo, err = open(ctx, opts, log)
		if err == nil {
			return repo, nil
		}
		log.Warnf("metadata store %s (%s) open attempt %d/%d failed: %v", opts.Path, opts.Backend, i, attempts, err)
		if i == attempts {
			break
		}
		select {
		case <-time.After(opts.RetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("metadata store %s: %w", opts.Path, err)
}

func open(ctx context.Context, opts Options, log *zap.SugaredLogger) (Repository, error) {
	var backend kvstore.Backend
	var err error
	switch opts.Backend {
	case config.BackendSQLite, "":
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o750); err != nil {
			return nil, err
		}
		return NewSQLite(ctx, opts.Path, opts.PoolSize, log)
	case config.BackendBadger:
		backend, err = kvstore.OpenBadger(opts.Path, log)
	case config.BackendLevelDB:
		backend, err = kvstore.OpenLevelDB(opts.Path)
	case config.BackendNutsDB:
		backend, err = kvstore.OpenNutsDB(opts.Path)
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	log.Infof("%s metadata store opened: %s", opts.Backend, opts.Path)
	return NewKV(kvstore.New(backend)), nil
}
