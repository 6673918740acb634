package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rarydzu/monostore/config"
	"github.com/rarydzu/monostore/metadb"
	"github.com/rarydzu/monostore/processor"
	"github.com/rarydzu/monostore/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T, backend string) *config.Config {
	cfg := config.Default()
	dir := t.TempDir()
	cfg.StorageRoot = filepath.Join(dir, "files")
	cfg.MetaBackend = backend
	cfg.MetaPath = filepath.Join(dir, "meta")
	cfg.DBInitRetries = 1
	cfg.SyncInterval = 0
	cfg.SyncGrace = 0
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func TestNewRecoversAndServes(t *testing.T) {
	for _, backend := range []string{config.BackendSQLite, config.BackendBadger} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t, backend)
			require.NoError(t, os.MkdirAll(cfg.StorageRoot, 0o750))
			leftover := filepath.Join(cfg.StorageRoot, "pending_crashed")
			require.NoError(t, os.WriteFile(leftover, []byte("x"), 0o600))

			w, err := New(context.Background(), cfg, zap.NewNop().Sugar())
			require.NoError(t, err)
			defer w.Close()
			_, err = os.Stat(leftover)
			assert.True(t, os.IsNotExist(err))

			meta, err := w.Files().CreateFile(context.Background(), []byte("hello"), service.CreateRequest{
				Path: "/a/", Filename: "hello", Extension: "txt",
			})
			require.NoError(t, err)
			data, err := w.Files().GetFileByID(context.Background(), meta.UUID)
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), data)
		})
	}
}

func TestNewCopiesConfig(t *testing.T) {
	cfg := testConfig(t, config.BackendBadger)
	w, err := New(context.Background(), cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer w.Close()
	cfg.StorageRoot = "/elsewhere"
	assert.NotEqual(t, cfg.StorageRoot, w.cfg.StorageRoot)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "mysql")
	_, err := New(context.Background(), cfg, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestLowDiskSpace(t *testing.T) {
	cfg := testConfig(t, config.BackendBadger)
	cfg.MinFreeBytes = 1 << 62
	_, err := New(context.Background(), cfg, zap.NewNop().Sugar())
	assert.ErrorIs(t, err, ErrLowDiskSpace)
}

func TestShutdownClosesMetadata(t *testing.T) {
	cfg := testConfig(t, config.BackendSQLite)
	cfg.SyncInterval = time.Hour
	cfg.MetricsAddress = "127.0.0.1:0"
	w, err := New(context.Background(), cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	w.Processor = processor.New(cfg.ShutdownTimeout, zap.NewNop().Sugar())
	require.NoError(t, w.register())
	require.NotNil(t, w.metrics)

	orphan := filepath.Join(cfg.StorageRoot, "orphan")
	require.NoError(t, os.WriteFile(orphan, []byte("x"), 0o600))
	require.NoError(t, w.sync(context.Background()))
	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))

	w.Processor.Shutdown()
	_, err = w.Files().ListFiles(context.Background(), metadb.Page{})
	assert.Error(t, err)
}
