// Package metadb stores descriptive metadata of stored files
package metadb

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

var (
	ErrNoSuchFile = errors.New("no such file metadata")
	ErrFileExists = errors.New("file with the same path, filename and extension already exists")
	ErrTxDone     = errors.New("metadata transaction already finished")
	ErrReadOnly   = errors.New("read-only metadata transaction")
)

type FileMeta struct {
	// UUID logical name of the content in file storage
	UUID      string     `json:"uuid"`
	Filename  string     `json:"filename"`
	Extension string     `json:"file_extension"`
	Size      int64      `json:"size"`
	Path      string     `json:"path"`
	Comment   *string    `json:"comment,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// FullPath returns path, filename and extension joined
func (m *FileMeta) FullPath() string {
	name := m.Filename
	if m.Extension != "" {
		name += "." + m.Extension
	}
	if m.Path == "" || m.Path[len(m.Path)-1] == '/' {
		return m.Path + name
	}
	return m.Path + "/" + name
}

func (m *FileMeta) Marshall() ([]byte, error) {
	return json.Marshal(m)
}

func (m *FileMeta) Unmarshall(data []byte) error {
	return json.Unmarshal(data, m)
}

// Update holds fields to change, nil fields are left untouched
type Update struct {
	Filename  *string `json:"filename,omitempty"`
	Extension *string `json:"file_extension,omitempty"`
	Path      *string `json:"path,omitempty"`
	Size      *int64  `json:"size,omitempty"`
	Comment   *string `json:"comment,omitempty"`
}

func (u Update) Empty() bool {
	return u.Filename == nil && u.Extension == nil && u.Path == nil && u.Size == nil && u.Comment == nil
}

// Apply returns copy of m with u applied and UpdatedAt set to now
func (u Update) Apply(m *FileMeta, now time.Time) *FileMeta {
	n := *m
	if u.Filename != nil {
		n.Filename = *u.Filename
	}
	if u.Extension != nil {
		n.Extension = *u.Extension
	}
	if u.Path != nil {
		n.Path = *u.Path
	}
	if u.Size != nil {
		n.Size = *u.Size
	}
	if u.Comment != nil {
		c := *u.Comment
		n.Comment = &c
	}
	updated := now.UTC()
	n.UpdatedAt = &updated
	return &n
}

func samePath(a, b *FileMeta) bool {
	return a.Path == b.Path && a.Filename == b.Filename && a.Extension == b.Extension
}

// Page limits listings, Limit 0 means no limit
type Page struct {
	Limit  int
	Offset int
}

func (p Page) apply(metas []*FileMeta) []*FileMeta {
	sort.Slice(metas, func(i, j int) bool { return metas[i].UUID < metas[j].UUID })
	if p.Offset > 0 {
		if p.Offset >= len(metas) {
			return []*FileMeta{}
		}
		metas = metas[p.Offset:]
	}
	if p.Limit > 0 && p.Limit < len(metas) {
		metas = metas[:p.Limit]
	}
	return metas
}

// Tx is a metadata transaction. Reads see its own writes.
type Tx interface {
	Commit() error
	Rollback() error
	Save(meta *FileMeta) error
	// Update writes upd over the record of meta and returns the new record
	Update(meta *FileMeta, upd Update, now time.Time) (*FileMeta, error)
	Delete(id string) error
	// DeleteMany deletes records of ids, true when anything was deleted
	DeleteMany(ids []string) (bool, error)
	GetByID(id string) (*FileMeta, error)
	GetByFullPath(path, filename, extension string) (*FileMeta, error)
	GetByPath(path string, page Page) ([]*FileMeta, error)
	GetByWordInPath(word string, page Page) ([]*FileMeta, error)
	GetByPathPrefix(prefix string, page Page) ([]*FileMeta, error)
	List(page Page) ([]*FileMeta, error)
}

type Repository interface {
	Begin(ctx context.Context) (Tx, error)
	// BeginRead opens a transaction which does not block writers, writes fail with ErrReadOnly
	BeginRead(ctx context.Context) (Tx, error)
	Close() error
}
