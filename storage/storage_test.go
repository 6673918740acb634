package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rarydzu/monostore/hash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStorage(t *testing.T, cfg Config) *Storage {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	st, err := New(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	_, err = st.Recover(context.Background())
	require.NoError(t, err)
	return st
}

func newTestSession(t *testing.T, st *Storage) *Session {
	t.Helper()
	s, err := st.NewSession()
	require.NoError(t, err)
	return s
}

func fileExists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	require.True(t, os.IsNotExist(err), "stat %s: %v", path, err)
	return false
}

func TestCommitThenGet(t *testing.T) {
	st := newTestStorage(t, Config{})
	s := newTestSession(t, st)
	content := []byte("hello world")
	require.NoError(t, s.Add("a1", content))
	require.NoError(t, s.Commit(context.Background()))

	res := st.Get("a1")
	require.Equal(t, Found, res.Status)
	assert.Equal(t, content, res.Content)
	assert.False(t, fileExists(t, filepath.Join(st.Root(), "pending_a1")))
	assert.Equal(t, 0, s.Len())
}

func TestAddCopiesContent(t *testing.T) {
	st := newTestStorage(t, Config{})
	s := newTestSession(t, st)
	content := []byte("abc")
	require.NoError(t, s.Add("n", content))
	content[0] = 'x'
	require.NoError(t, s.Commit(context.Background()))
	got, err := st.Get("n").Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}

func TestRollbackLeavesNothing(t *testing.T) {
	st := newTestStorage(t, Config{})
	prior := newTestSession(t, st)
	require.NoError(t, prior.Add("kept", []byte("v1")))
	require.NoError(t, prior.Commit(context.Background()))

	s := newTestSession(t, st)
	require.NoError(t, s.Add("kept", []byte("v2")))
	require.NoError(t, s.Add("fresh", []byte("new")))
	require.NoError(t, s.Flush(context.Background()))
	require.True(t, fileExists(t, filepath.Join(st.Root(), "pending_fresh")))
	require.NoError(t, s.Rollback())

	assert.False(t, fileExists(t, filepath.Join(st.Root(), "pending_fresh")))
	assert.False(t, fileExists(t, filepath.Join(st.Root(), "pending_kept")))
	assert.False(t, fileExists(t, filepath.Join(st.Root(), "fresh")))
	assert.Equal(t, NotFound, st.Get("fresh").Status)
	got, err := st.Get("kept").Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
	assert.Equal(t, 0, s.Len())
}

func TestRollbackWithoutFlush(t *testing.T) {
	st := newTestStorage(t, Config{})
	s := newTestSession(t, st)
	require.NoError(t, s.Add("never-staged", []byte("x")))
	assert.NoError(t, s.Rollback())
}

func TestFlushIdempotent(t *testing.T) {
	st := newTestStorage(t, Config{})
	s := newTestSession(t, st)
	require.NoError(t, s.Add("f", []byte("same bytes")))
	staging := filepath.Join(st.Root(), "pending_f")

	require.NoError(t, s.Flush(context.Background()))
	first, err := os.ReadFile(staging)
	require.NoError(t, err)
	require.NoError(t, s.Flush(context.Background()))
	second, err := os.ReadFile(staging)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, s.Len())
}

func TestRecoverRemovesOrphans(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "final1"), []byte("keep"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pending_final1"), []byte("crash"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pending_other"), []byte("crash"), 0o600))

	st, err := New(Config{Root: root}, zap.NewNop().Sugar())
	require.NoError(t, err)
	_, err = st.NewSession()
	assert.ErrorIs(t, err, ErrNotReady)

	removed, err := st.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.True(t, st.Ready())
	assert.False(t, fileExists(t, filepath.Join(root, "pending_final1")))
	assert.False(t, fileExists(t, filepath.Join(root, "pending_other")))
	got, err := st.Get("final1").Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), got)
}

func TestRecoverRemovesPrefixedDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "pending_dir"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pending_dir", "inner"), []byte("x"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(root, "plain_dir"), 0o750))

	st, err := New(Config{Root: root}, zap.NewNop().Sugar())
	require.NoError(t, err)
	removed, err := st.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, fileExists(t, filepath.Join(root, "pending_dir")))
	assert.True(t, fileExists(t, filepath.Join(root, "plain_dir")))
}

func TestRecoverUnavailable(t *testing.T) {
	fs := NewFaultFS(nil)
	st, err := New(Config{Root: t.TempDir(), FS: fs}, zap.NewNop().Sugar())
	require.NoError(t, err)

	fs.Fail(OpReadDir, "", syscall.EACCES)
	_, err = st.Recover(context.Background())
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.False(t, st.Ready())
	fs.Clear(OpReadDir, "")

	require.NoError(t, os.WriteFile(filepath.Join(st.Root(), "pending_x"), nil, 0o600))
	fs.Fail(OpRemove, "pending_x", syscall.EBUSY)
	_, err = st.Recover(context.Background())
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.False(t, st.Ready())
	fs.Clear(OpRemove, "pending_x")

	removed, err := st.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestOverwrite(t *testing.T) {
	st := newTestStorage(t, Config{})
	s1 := newTestSession(t, st)
	require.NoError(t, s1.Add("n", []byte("c1")))
	require.NoError(t, s1.Commit(context.Background()))

	s2 := newTestSession(t, st)
	require.NoError(t, s2.Add("n", []byte("c2")))
	require.NoError(t, s2.Commit(context.Background()))

	got, err := st.Get("n").Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("c2"), got)
	assert.False(t, fileExists(t, filepath.Join(st.Root(), "pending_n")))
}

func TestAddOverwritesBuffer(t *testing.T) {
	st := newTestStorage(t, Config{})
	s := newTestSession(t, st)
	require.NoError(t, s.Add("b", []byte("1")))
	require.NoError(t, s.Add("a", []byte("1")))
	require.NoError(t, s.Add("b", []byte("2")))
	assert.Equal(t, []string{"b", "a"}, s.Names())
	require.NoError(t, s.Commit(context.Background()))
	got, err := st.Get("b").Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)
}

func TestPartialCommit(t *testing.T) {
	fs := NewFaultFS(nil)
	st := newTestStorage(t, Config{FS: fs})
	s := newTestSession(t, st)
	require.NoError(t, s.Add("first", []byte("one")))
	require.NoError(t, s.Add("second", []byte("two")))
	fs.Fail(OpRename, "pending_second", os.ErrPermission)

	err := s.Commit(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWriteFailure)
	assert.ErrorIs(t, err, os.ErrPermission)
	var werr *WriteError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, "second", werr.Name)
	assert.Equal(t, "commit", werr.Op)

	got, gerr := st.Get("first").Value()
	require.NoError(t, gerr)
	assert.Equal(t, []byte("one"), got)
	assert.Equal(t, NotFound, st.Get("second").Status)
	assert.Equal(t, 0, s.Len())

	// the staged leftover is cleaned by the next recovery
	assert.True(t, fileExists(t, filepath.Join(st.Root(), "pending_second")))
	fs.Clear(OpRename, "pending_second")
	removed, err := st.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestFlushFailureKeepsBuffer(t *testing.T) {
	fs := NewFaultFS(nil)
	st := newTestStorage(t, Config{FS: fs})
	s := newTestSession(t, st)
	require.NoError(t, s.Add("x", []byte("data")))
	fs.Fail(OpWrite, "pending_x", syscall.ENOSPC)

	err := s.Flush(context.Background())
	assert.ErrorIs(t, err, ErrWriteFailure)
	assert.ErrorIs(t, err, syscall.ENOSPC)
	assert.Equal(t, 1, s.Len())

	fs.Clear(OpWrite, "pending_x")
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, s.Commit(context.Background()))
	assert.Equal(t, Found, st.Get("x").Status)
}

func TestRollbackBestEffort(t *testing.T) {
	fs := NewFaultFS(nil)
	st := newTestStorage(t, Config{FS: fs})
	s := newTestSession(t, st)
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, s.Add(n, []byte(n)))
	}
	require.NoError(t, s.Flush(context.Background()))
	fs.Fail(OpRemove, "pending_a", syscall.EIO)
	fs.Fail(OpRemove, "pending_b", syscall.EIO)

	err := s.Rollback()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWriteFailure)
	assert.Contains(t, err.Error(), "rollback a")
	assert.Contains(t, err.Error(), "rollback b")
	assert.False(t, fileExists(t, filepath.Join(st.Root(), "pending_c")))
	assert.Equal(t, 0, s.Len())
}

func TestCommitCancelled(t *testing.T) {
	st := newTestStorage(t, Config{})
	s := newTestSession(t, st)
	require.NoError(t, s.Add("x", []byte("data")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Commit(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, NotFound, st.Get("x").Status)
}

func TestInvalidNames(t *testing.T) {
	st := newTestStorage(t, Config{})
	s := newTestSession(t, st)
	for _, name := range []string{"", ".", "..", "a/b", "../x", "a\\b", "pending_x", "nul\x00"} {
		assert.ErrorIs(t, s.Add(name, nil), ErrInvalidName, name)
		res := st.Get(name)
		assert.Equal(t, NotFound, res.Status, name)
		assert.ErrorIs(t, res.Err, ErrInvalidName, name)
	}
	assert.Equal(t, 0, s.Len())
}

func TestGetOutcomes(t *testing.T) {
	fs := NewFaultFS(nil)
	st := newTestStorage(t, Config{FS: fs})
	s := newTestSession(t, st)
	require.NoError(t, s.Add("n", []byte("x")))
	require.NoError(t, s.Commit(context.Background()))

	res := st.Get("missing")
	assert.Equal(t, NotFound, res.Status)
	_, err := res.Value()
	assert.ErrorIs(t, err, ErrNotFound)

	fs.Fail(OpRead, "n", syscall.EIO)
	res = st.Get("n")
	assert.Equal(t, WriteFailure, res.Status)
	assert.ErrorIs(t, res.Err, ErrWriteFailure)
	fs.Clear(OpRead, "n")

	require.NoError(t, os.RemoveAll(st.Root()))
	res = st.Get("n")
	assert.Equal(t, StorageUnavailable, res.Status)
	assert.ErrorIs(t, res.Err, ErrStorageUnavailable)
	assert.Equal(t, "storage unavailable", res.Status.String())
}

func TestListDeleteExists(t *testing.T) {
	st := newTestStorage(t, Config{})
	s := newTestSession(t, st)
	require.NoError(t, s.Add("a", []byte("1")))
	require.NoError(t, s.Add("b", []byte("2")))
	require.NoError(t, s.Commit(context.Background()))
	s = newTestSession(t, st)
	require.NoError(t, s.Add("c", []byte("3")))
	require.NoError(t, s.Flush(context.Background()))

	files, err := st.ListFiles()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, files)
	all, err := st.ListAllFiles()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "pending_c"}, all)

	ok, err := st.Exists("a")
	require.NoError(t, err)
	assert.True(t, ok)
	deleted, err := st.Delete("a")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = st.Delete("a")
	require.NoError(t, err)
	assert.False(t, deleted)
	ok, err = st.Exists("a")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.Rollback())
}

func TestDeleteNotIn(t *testing.T) {
	st := newTestStorage(t, Config{})
	s := newTestSession(t, st)
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, s.Add(n, []byte(n)))
	}
	require.NoError(t, s.Commit(context.Background()))

	removed, err := st.DeleteNotIn(map[string]struct{}{"b": {}}, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, removed)

	removed, err = st.DeleteNotIn(map[string]struct{}{"b": {}}, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, removed)
	files, err := st.ListFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, files)
}

func TestSyncWrites(t *testing.T) {
	st := newTestStorage(t, Config{SyncWrites: true, PendingPrefix: ".tmp-"})
	s := newTestSession(t, st)
	require.NoError(t, s.Add("synced", []byte("durable")))
	require.NoError(t, s.Commit(context.Background()))
	assert.Equal(t, Found, st.Get("synced").Status)
	assert.False(t, fileExists(t, filepath.Join(st.Root(), ".tmp-synced")))
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{}, zap.NewNop().Sugar())
	assert.Error(t, err)
	_, err = New(Config{Root: t.TempDir(), PendingPrefix: "a/b"}, zap.NewNop().Sugar())
	assert.Error(t, err)

	fs := NewFaultFS(nil)
	fs.Fail(OpMkdir, "", syscall.EROFS)
	_, err = New(Config{Root: filepath.Join(t.TempDir(), "sub"), FS: fs}, zap.NewNop().Sugar())
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestNameLocksHideReplaceWindow(t *testing.T) {
	st := newTestStorage(t, Config{Locker: hash.New(16)})
	s := newTestSession(t, st)
	require.NoError(t, s.Add("hot", []byte("v0")))
	require.NoError(t, s.Commit(context.Background()))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			w, err := st.NewSession()
			if err != nil {
				t.Error(err)
				return
			}
			if err := w.Add("hot", []byte("v")); err != nil {
				t.Error(err)
				return
			}
			if err := w.Commit(context.Background()); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	for i := 0; i < 200; i++ {
		if res := st.Get("hot"); res.Status != Found {
			t.Errorf("read %d: %s (%v)", i, res.Status, res.Err)
			break
		}
	}
	close(stop)
	wg.Wait()
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	fs := NewFaultFS(nil)
	st := newTestStorage(t, Config{FS: fs, Metrics: m})

	s := newTestSession(t, st)
	require.NoError(t, s.Add("a", []byte("12345")))
	require.NoError(t, s.Commit(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commits.WithLabelValues("ok")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.stagedBytes))

	s = newTestSession(t, st)
	require.NoError(t, s.Add("b", []byte("x")))
	fs.Fail(OpRename, "pending_b", syscall.EIO)
	assert.Error(t, s.Commit(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commits.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.writeFailures.WithLabelValues("commit")))

	fs.Clear(OpRename, "pending_b")
	removed, err := st.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recovered))
}
