package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
)

// Session buffers the file writes of one unit of work. It is single use and
// not safe for concurrent callers.
type Session struct {
	st      *Storage
	pending map[string][]byte
	order   []string
}

// Add buffers content under name, replacing earlier content of the same name
func (s *Session) Add(name string, content []byte) error {
	if err := s.st.checkName(name); err != nil {
		return err
	}
	if _, ok := s.pending[name]; !ok {
		s.order = append(s.order, name)
	}
	buf := make([]byte, len(content))
	copy(buf, content)
	s.pending[name] = buf
	return nil
}

// Len returns number of buffered entries
func (s *Session) Len() int { return len(s.order) }

// Names returns buffered names in commit order
func (s *Session) Names() []string {
	names := make([]string, len(s.order))
	copy(names, s.order)
	return names
}

// Flush writes every buffered entry to its staging artifact. The buffer is kept.
func (s *Session) Flush(ctx context.Context) error {
	for _, name := range s.order {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.st.writeStaged(name, s.pending[name]); err != nil {
			s.st.metrics.writeFailure("flush")
			return &WriteError{Op: "flush", Name: name, Err: err}
		}
	}
	return nil
}

// Commit restages every buffered entry and renames it over its final artifact,
// in the order entries were first added. Each rename is atomic, the commit as a
// whole is not: on failure the entries before the failed one stay committed.
// The buffer is cleared in every case.
func (s *Session) Commit(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		s.reset()
		s.st.metrics.commit(start, err)
	}()
	for i, name := range s.order {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("commit interrupted after %d of %d entries: %w", i, len(s.order), err)
		}
		if err := s.commitOne(name); err != nil {
			s.st.metrics.writeFailure("commit")
			if i > 0 {
				s.st.log.Warnf("commit of %s failed, %d entries already committed: %v", name, i, err)
			}
			return &WriteError{Op: "commit", Name: name, Err: err}
		}
		s.st.log.Debugf("committed %s", name)
	}
	if s.st.syncWrites && len(s.order) > 0 {
		if err := s.st.syncRoot(); err != nil {
			s.st.metrics.writeFailure("sync")
			return &WriteError{Op: "sync", Err: err}
		}
	}
	return nil
}

func (s *Session) commitOne(name string) error {
	if s.st.locker != nil {
		defer s.st.locker.LockName(name)()
	}
	if err := s.st.writeStaged(name, s.pending[name]); err != nil {
		return err
	}
	return s.st.promote(name)
}

// Rollback removes the staging artifacts of buffered entries. Final artifacts
// are never touched. Every entry is attempted; failures are returned together.
// The buffer is cleared in every case.
func (s *Session) Rollback() error {
	defer s.reset()
	var errs error
	for _, name := range s.order {
		if err := s.st.fs.Remove(s.st.stagingPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.st.metrics.writeFailure("rollback")
			s.st.log.Warnf("rollback of %s failed: %v", name, err)
			errs = multierr.Append(errs, &WriteError{Op: "rollback", Name: name, Err: err})
		}
	}
	s.st.metrics.rollback(errs)
	return errs
}

func (s *Session) reset() {
	s.pending = map[string][]byte{}
	s.order = nil
}
