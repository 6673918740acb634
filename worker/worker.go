package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jinzhu/copier"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rarydzu/monostore/config"
	"github.com/rarydzu/monostore/hash"
	"github.com/rarydzu/monostore/metadb"
	"github.com/rarydzu/monostore/monocache"
	"github.com/rarydzu/monostore/processor"
	"github.com/rarydzu/monostore/service"
	"github.com/rarydzu/monostore/storage"
	"github.com/rarydzu/monostore/uow"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ErrLowDiskSpace = errors.New("not enough free space on storage filesystem")

type Worker struct {
	active    bool
	Processor *processor.Processor
	log       *zap.SugaredLogger
	cfg       *config.Config
	registry  *prometheus.Registry
	st        *storage.Storage
	repo      metadb.Repository
	files     *service.FileHolder
	cache     *monocache.CacheTable
	metrics   *http.Server
}

// New copies cfg and builds storage, metadata repository and file service.
// Leftover staging artifacts are removed before New returns.
func New(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*Worker, error) {
	w := &Worker{
		log:      log,
		cfg:      &config.Config{},
		registry: prometheus.NewRegistry(),
	}
	if err := copier.Copy(w.cfg, cfg); err != nil {
		return nil, err
	}
	if err := w.cfg.Validate(); err != nil {
		return nil, err
	}
	order, err := uow.ParseCommitOrder(w.cfg.CommitOrder)
	if err != nil {
		return nil, err
	}
	var locker *hash.Hash
	if w.cfg.NameLocks {
		locker = hash.New(w.cfg.LockStripes)
	}
	w.st, err = storage.New(storage.Config{
		Root:          w.cfg.StorageRoot,
		PendingPrefix: w.cfg.PendingPrefix,
		Locker:        locker,
		SyncWrites:    w.cfg.SyncWrites,
		Metrics:       storage.NewMetrics(w.registry),
	}, log)
	if err != nil {
		return nil, err
	}
	if err := w.CheckDisk(); err != nil {
		return nil, err
	}
	if _, err := w.st.Recover(ctx); err != nil {
		return nil, err
	}
	w.repo, err = metadb.Open(ctx, metadb.Options{
		Backend:    w.cfg.MetaBackend,
		Path:       w.cfg.MetaPath,
		PoolSize:   w.cfg.PoolSize,
		Retries:    w.cfg.DBInitRetries,
		RetryDelay: w.cfg.DBInitRetryDelay,
	}, log)
	if err != nil {
		return nil, err
	}
	units, err := uow.New(uow.Config{
		Order:   order,
		Storage: w.st,
		Metrics: uow.NewMetrics(w.registry),
	}, w.repo.Begin, log)
	if err != nil {
		w.repo.Close()
		return nil, err
	}
	if w.cfg.CacheSize > 0 {
		w.cache = monocache.NewCacheTable(w.cfg.CacheSize, w.cfg.CacheTTL, time.Second, nil)
	}
	w.files, err = service.New(service.Config{
		Units:     units,
		Reader:    w.repo,
		Storage:   w.st,
		SyncGrace: w.cfg.SyncGrace,
		Cache:     w.cache,
	}, log)
	if err != nil {
		w.stopCache()
		w.repo.Close()
		return nil, err
	}
	log.Infof("storage %s ready, metadata %s (%s), commit order %s, name locks %t",
		w.st.Root(), w.cfg.MetaPath, w.cfg.MetaBackend, order, w.cfg.NameLocks)
	return w, nil
}

func (w *Worker) Files() *service.FileHolder { return w.files }

func (w *Worker) Registry() *prometheus.Registry { return w.registry }

// CheckDisk fails when the storage filesystem has less than MinFreeBytes free
func (w *Worker) CheckDisk() error {
	if w.cfg.MinFreeBytes == 0 {
		return nil
	}
	usage, err := disk.Usage(w.st.Root())
	if err != nil {
		return fmt.Errorf("%w: %w", storage.ErrStorageUnavailable, err)
	}
	if usage.Free < w.cfg.MinFreeBytes {
		return fmt.Errorf("%w: %d bytes free on %s, %d required", ErrLowDiskSpace, usage.Free, w.st.Root(), w.cfg.MinFreeBytes)
	}
	return nil
}

// Start runs the processor: reconcile job, metrics endpoint and signal handling
func (w *Worker) Start() error {
	if w.active {
		return fmt.Errorf("Worker already active")
	}
	w.active = true
	w.Processor = processor.New(w.cfg.ShutdownTimeout, w.log)
	if err := w.register(); err != nil {
		return err
	}
	if w.metrics != nil {
		go func() {
			if err := w.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				w.log.Errorf("metrics server: %v", err)
			}
		}()
	}
	return w.Processor.Run()
}

func (w *Worker) register() error {
	if w.cfg.SyncInterval > 0 {
		if err := w.Processor.Every("sync", w.cfg.SyncInterval, w.sync); err != nil {
			return err
		}
	}
	if err := w.Processor.Register(processor.Reload, "sync", func() error {
		return w.sync(context.Background())
	}); err != nil {
		return err
	}
	if err := w.Processor.Register(processor.Reload, "disk", w.CheckDisk); err != nil {
		return err
	}
	if w.cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(w.registry, promhttp.HandlerOpts{}))
		w.metrics = &http.Server{Addr: w.cfg.MetricsAddress, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		if err := w.Processor.Register(processor.Shutdown, "metrics", w.stopMetrics); err != nil {
			return err
		}
	}
	if err := w.Processor.Register(processor.Shutdown, "cache", w.stopCache); err != nil {
		return err
	}
	return w.Processor.Register(processor.Shutdown, "metadata", w.repo.Close)
}

func (w *Worker) stopCache() error {
	if w.cache != nil {
		w.cache.Stop()
	}
	return nil
}

func (w *Worker) sync(ctx context.Context) error {
	removed, err := w.files.SyncStorageWithDB(ctx)
	if err != nil {
		return err
	}
	w.log.Debugf("sync removed %d files", len(removed))
	return nil
}

func (w *Worker) stopMetrics() error {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownTimeout/2)
	defer cancel()
	return w.metrics.Shutdown(ctx)
}

// Close releases resources of a worker which was never started
func (w *Worker) Close() error {
	err := w.stopCache()
	if w.metrics != nil {
		err = multierr.Append(err, w.stopMetrics())
	}
	return multierr.Append(err, w.repo.Close())
}

func (w *Worker) Wait() {
	w.Processor.Wait()
}
