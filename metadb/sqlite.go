package metadb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ztrue/tracerr"
	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS file_meta (
	uuid TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	file_extension TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	path TEXT NOT NULL,
	comment TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT,
	CONSTRAINT uq_file_full_path UNIQUE (path, filename, file_extension)
);
CREATE INDEX IF NOT EXISTS ix_file_meta_path ON file_meta (path);
`

const columns = `uuid, filename, file_extension, size, path, comment, created_at, updated_at`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// SQLite keeps metadata in one table of a sqlite database
type SQLite struct {
	pool *sqlitex.Pool
	path string
	log  *zap.SugaredLogger
}

// NewSQLite opens a connection pool on path and creates the schema
func NewSQLite(ctx context.Context, path string, poolSize int, log *zap.SugaredLogger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is not set")
	}
	if poolSize <= 0 {
		poolSize = 4
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	s := &SQLite{pool: pool, path: path, log: log}
	// first Take runs PrepareConn, so schema errors surface here
	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, tracerr.Wrap(err)
	}
	pool.Put(conn)
	log.Infof("sqlite metadata store opened: %s (pool %d)", path, poolSize)
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// Begin starts a write transaction, it takes the database write lock at once
func (s *SQLite) Begin(ctx context.Context) (Tx, error) {
	return s.begin(ctx, "BEGIN IMMEDIATE", false)
}

// BeginRead starts a deferred transaction which reads a snapshot without the write lock
func (s *SQLite) BeginRead(ctx context.Context) (Tx, error) {
	return s.begin(ctx, "BEGIN DEFERRED", true)
}

func (s *SQLite) begin(ctx context.Context, stmt string, readOnly bool) (Tx, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if err := sqlitex.ExecuteTransient(conn, stmt, nil); err != nil {
		s.pool.Put(conn)
		return nil, tracerr.Wrap(err)
	}
	return &sqliteTx{db: s, conn: conn, readOnly: readOnly}, nil
}

func (s *SQLite) Close() error {
	if err := s.pool.Close(); err != nil {
		return tracerr.Wrap(err)
	}
	s.log.Infof("sqlite metadata store closed: %s", s.path)
	return nil
}

type sqliteTx struct {
	db       *SQLite
	conn     *sqlite.Conn
	readOnly bool
}

func (t *sqliteTx) Commit() error {
	if t.conn == nil {
		return ErrTxDone
	}
	if err := sqlitex.ExecuteTransient(t.conn, "COMMIT", nil); err != nil {
		sqlitex.ExecuteTransient(t.conn, "ROLLBACK", nil)
		t.release()
		return tracerr.Wrap(err)
	}
	t.release()
	return nil
}

func (t *sqliteTx) Rollback() error {
	if t.conn == nil {
		return nil
	}
	defer t.release()
	if err := sqlitex.ExecuteTransient(t.conn, "ROLLBACK", nil); err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

func (t *sqliteTx) writable() error {
	if t.conn == nil {
		return ErrTxDone
	}
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *sqliteTx) release() {
	t.db.pool.Put(t.conn)
	t.conn = nil
}

func (t *sqliteTx) Save(meta *FileMeta) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.GetByID(meta.UUID); err == nil {
		return ErrFileExists
	} else if !errors.Is(err, ErrNoSuchFile) {
		return err
	}
	if err := t.checkPathFree(meta, ""); err != nil {
		return err
	}
	err := sqlitex.Execute(t.conn,
		`INSERT INTO file_meta (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				meta.UUID, meta.Filename, meta.Extension, meta.Size, meta.Path,
				nullString(meta.Comment), formatTime(meta.CreatedAt), nullTime(meta.UpdatedAt),
			},
		})
	return tracerr.Wrap(err)
}

func (t *sqliteTx) Update(meta *FileMeta, upd Update, now time.Time) (*FileMeta, error) {
	if err := t.writable(); err != nil {
		return nil, err
	}
	current, err := t.GetByID(meta.UUID)
	if err != nil {
		return nil, err
	}
	next := upd.Apply(current, now)
	if !samePath(current, next) {
		if err := t.checkPathFree(next, current.UUID); err != nil {
			return nil, err
		}
	}
	err = sqlitex.Execute(t.conn,
		`UPDATE file_meta SET filename = ?, file_extension = ?, size = ?, path = ?, comment = ?, updated_at = ?
		WHERE uuid = ?`,
		&sqlitex.ExecOptions{
			Args: []any{
				next.Filename, next.Extension, next.Size, next.Path,
				nullString(next.Comment), nullTime(next.UpdatedAt), next.UUID,
			},
		})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return next, nil
}

func (t *sqliteTx) Delete(id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	err := sqlitex.Execute(t.conn, `DELETE FROM file_meta WHERE uuid = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
	})
	if err != nil {
		return tracerr.Wrap(err)
	}
	if t.conn.Changes() == 0 {
		return ErrNoSuchFile
	}
	return nil
}

func (t *sqliteTx) DeleteMany(ids []string) (bool, error) {
	deleted := false
	for _, id := range ids {
		err := t.Delete(id)
		if errors.Is(err, ErrNoSuchFile) {
			continue
		}
		if err != nil {
			return deleted, err
		}
		deleted = true
	}
	return deleted, nil
}

func (t *sqliteTx) GetByID(id string) (*FileMeta, error) {
	return t.one(`SELECT `+columns+` FROM file_meta WHERE uuid = ?`, id)
}

func (t *sqliteTx) GetByFullPath(path, filename, extension string) (*FileMeta, error) {
	return t.one(`SELECT `+columns+` FROM file_meta WHERE path = ? AND filename = ? AND file_extension = ?`,
		path, filename, extension)
}

func (t *sqliteTx) GetByPath(path string, page Page) ([]*FileMeta, error) {
	return t.many(`SELECT `+columns+` FROM file_meta WHERE path = ? ORDER BY uuid LIMIT ? OFFSET ?`,
		page, path)
}

func (t *sqliteTx) GetByWordInPath(word string, page Page) ([]*FileMeta, error) {
	return t.many(`SELECT `+columns+` FROM file_meta WHERE instr(path, ?) > 0 ORDER BY uuid LIMIT ? OFFSET ?`,
		page, word)
}

func (t *sqliteTx) GetByPathPrefix(prefix string, page Page) ([]*FileMeta, error) {
	return t.many(`SELECT `+columns+` FROM file_meta WHERE substr(path, 1, length(?)) = ? ORDER BY uuid LIMIT ? OFFSET ?`,
		page, prefix, prefix)
}

func (t *sqliteTx) List(page Page) ([]*FileMeta, error) {
	return t.many(`SELECT `+columns+` FROM file_meta ORDER BY uuid LIMIT ? OFFSET ?`, page)
}

func (t *sqliteTx) checkPathFree(meta *FileMeta, owner string) error {
	other, err := t.GetByFullPath(meta.Path, meta.Filename, meta.Extension)
	if errors.Is(err, ErrNoSuchFile) {
		return nil
	}
	if err != nil {
		return err
	}
	if other.UUID != owner {
		return ErrFileExists
	}
	return nil
}

func (t *sqliteTx) one(query string, args ...any) (*FileMeta, error) {
	if t.conn == nil {
		return nil, ErrTxDone
	}
	var meta *FileMeta
	var scanErr error
	err := sqlitex.Execute(t.conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			meta, scanErr = scanMeta(stmt)
			return scanErr
		},
	})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if meta == nil {
		return nil, ErrNoSuchFile
	}
	return meta, nil
}

// many runs query whose last two parameters are limit and offset
func (t *sqliteTx) many(query string, page Page, args ...any) ([]*FileMeta, error) {
	if t.conn == nil {
		return nil, ErrTxDone
	}
	limit := int64(-1)
	if page.Limit > 0 {
		limit = int64(page.Limit)
	}
	metas := []*FileMeta{}
	err := sqlitex.Execute(t.conn, query, &sqlitex.ExecOptions{
		Args: append(args, limit, int64(page.Offset)),
		ResultFunc: func(stmt *sqlite.Stmt) error {
			meta, err := scanMeta(stmt)
			if err != nil {
				return err
			}
			metas = append(metas, meta)
			return nil
		},
	})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return metas, nil
}

func scanMeta(stmt *sqlite.Stmt) (*FileMeta, error) {
	meta := &FileMeta{
		UUID:      stmt.ColumnText(0),
		Filename:  stmt.ColumnText(1),
		Extension: stmt.ColumnText(2),
		Size:      stmt.ColumnInt64(3),
		Path:      stmt.ColumnText(4),
	}
	if !stmt.ColumnIsNull(5) {
		comment := stmt.ColumnText(5)
		meta.Comment = &comment
	}
	created, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(6))
	if err != nil {
		return nil, fmt.Errorf("created_at of %s: %w", meta.UUID, err)
	}
	meta.CreatedAt = created
	if !stmt.ColumnIsNull(7) {
		updated, err := time.Parse(time.RFC3339Nano, stmt.ColumnText(7))
		if err != nil {
			return nil, fmt.Errorf("updated_at of %s: %w", meta.UUID, err)
		}
		meta.UpdatedAt = &updated
	}
	return meta, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
