// Package uow sequences a database transaction and a file storage session as
// one unit of work. The two resources are committed one after the other, there
// is no two phase commit: a failure between the two commits is reported as
// ErrConsistencyGap.
package uow

import (
	"context"
	"errors"
	"fmt"

	"github.com/rarydzu/monostore/storage"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrConsistencyGap first resource committed, second one failed
	ErrConsistencyGap = errors.New("unit of work partially committed")
	ErrNotOpen        = errors.New("unit of work is not open")
)

// Tx is the database side of a unit of work
type Tx interface {
	Commit() error
	Rollback() error
}

type CommitOrder int

const (
	// DBFirst commits the database, then the files. A file failure leaves metadata without content.
	DBFirst CommitOrder = iota
	// FSFirst commits the files, then the database. A database failure leaves orphaned files.
	FSFirst
)

func (o CommitOrder) String() string {
	if o == FSFirst {
		return "fs-first"
	}
	return "db-first"
}

func ParseCommitOrder(s string) (CommitOrder, error) {
	switch s {
	case "", "db-first":
		return DBFirst, nil
	case "fs-first":
		return FSFirst, nil
	}
	return DBFirst, fmt.Errorf("unknown commit order %q", s)
}

type State int

const (
	Open State = iota
	Committing
	Committed
	Aborting
	Aborted
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case Aborting:
		return "aborting"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Config struct {
	Order   CommitOrder
	Storage *storage.Storage
	//Metrics optional, nil records nothing
	Metrics *Metrics
}

// Coordinator opens units of work over transactions of type T
type Coordinator[T Tx] struct {
	cfg   Config
	begin func(ctx context.Context) (T, error)
	log   *zap.SugaredLogger
}

// New creates a coordinator. begin opens the database transaction of each unit.
func New[T Tx](cfg Config, begin func(ctx context.Context) (T, error), log *zap.SugaredLogger) (*Coordinator[T], error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("unit of work without storage")
	}
	if begin == nil {
		return nil, fmt.Errorf("unit of work without transaction factory")
	}
	if cfg.Order == FSFirst {
		log.Warnf("unit of work commit order is %s: database failures after file commit leave orphaned files until reconcile", cfg.Order)
	}
	return &Coordinator[T]{cfg: cfg, begin: begin, log: log}, nil
}

func (c *Coordinator[T]) Order() CommitOrder { return c.cfg.Order }

// Begin opens a file session and a database transaction
func (c *Coordinator[T]) Begin(ctx context.Context) (*Unit[T], error) {
	files, err := c.cfg.Storage.NewSession()
	if err != nil {
		return nil, err
	}
	tx, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Unit[T]{
		tx:    tx,
		files: files,
		order: c.cfg.Order,
		m:     c.cfg.Metrics,
		log:   c.log,
	}, nil
}

// Run executes fn inside a unit of work. The unit is committed when fn returns
// nil and aborted when fn returns an error or panics; the error of fn is returned.
func (c *Coordinator[T]) Run(ctx context.Context, fn func(u *Unit[T]) error) (err error) {
	u, err := c.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			u.Abort(fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()
	if err := fn(u); err != nil {
		return u.Abort(err)
	}
	return u.Commit(ctx)
}

// Unit is one unit of work, it must be used by one goroutine
type Unit[T Tx] struct {
	tx    T
	files *storage.Session
	order CommitOrder
	state State
	m     *Metrics
	log   *zap.SugaredLogger
}

func (u *Unit[T]) DB() T { return u.tx }

func (u *Unit[T]) Files() *storage.Session { return u.files }

func (u *Unit[T]) State() State { return u.state }

// Commit commits both resources in the configured order. A context done
// before the first commit aborts the unit. Once the first resource is
// committed the second one is finished regardless of ctx.
func (u *Unit[T]) Commit(ctx context.Context) error {
	if u.state != Open {
		return fmt.Errorf("%w: %s", ErrNotOpen, u.state)
	}
	if err := ctx.Err(); err != nil {
		return u.Abort(err)
	}
	u.state = Committing
	var err error
	if u.order == FSFirst {
		err = u.commitFSFirst(ctx)
	} else {
		err = u.commitDBFirst(ctx)
	}
	u.m.done(u.state, err)
	return err
}

func (u *Unit[T]) commitDBFirst(ctx context.Context) error {
	if err := u.tx.Commit(); err != nil {
		u.state = Aborting
		if rerr := u.files.Rollback(); rerr != nil {
			u.log.Warnf("file rollback after database commit failure: %v", rerr)
			err = multierr.Append(err, rerr)
		}
		u.rollbackTx()
		u.state = Aborted
		return err
	}
	names := u.files.Names()
	if err := u.files.Commit(context.WithoutCancel(ctx)); err != nil {
		u.state = Committed
		u.log.Errorf("database committed but files %v were not: %v", names, err)
		return fmt.Errorf("%w: %w", ErrConsistencyGap, err)
	}
	u.state = Committed
	return nil
}

func (u *Unit[T]) commitFSFirst(ctx context.Context) error {
	names := u.files.Names()
	if err := u.files.Commit(ctx); err != nil {
		u.state = Aborting
		if rerr := u.tx.Rollback(); rerr != nil {
			err = multierr.Append(err, rerr)
		}
		u.state = Aborted
		u.log.Warnf("file commit of %v failed, database rolled back, committed entries are orphans: %v", names, err)
		return err
	}
	if err := u.tx.Commit(); err != nil {
		u.state = Aborted
		u.rollbackTx()
		u.log.Errorf("files %v committed but database was not, they are orphans until reconcile: %v", names, err)
		return fmt.Errorf("%w: %w", ErrConsistencyGap, err)
	}
	u.state = Committed
	return nil
}

// rollbackTx releases the transaction after a failed commit
func (u *Unit[T]) rollbackTx() {
	if err := u.tx.Rollback(); err != nil {
		u.log.Warnf("database rollback after failed commit: %v", err)
	}
}

// Abort rolls back both resources and returns cause together with rollback failures
func (u *Unit[T]) Abort(cause error) error {
	if u.state != Open {
		return multierr.Append(cause, fmt.Errorf("%w: %s", ErrNotOpen, u.state))
	}
	u.state = Aborting
	err := cause
	if rerr := u.tx.Rollback(); rerr != nil {
		u.log.Warnf("database rollback failed: %v", rerr)
		err = multierr.Append(err, rerr)
	}
	if rerr := u.files.Rollback(); rerr != nil {
		u.log.Warnf("file rollback failed: %v", rerr)
		err = multierr.Append(err, rerr)
	}
	u.state = Aborted
	u.m.done(u.state, cause)
	return err
}
