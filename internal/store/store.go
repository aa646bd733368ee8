// Package store persists memos, video recordings and app state in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrInvalidRecord marks records or update fields that fail validation.
	ErrInvalidRecord = errors.New("invalid record")
)

// StorageError reports a rejected persistence operation.
type StorageError struct {
	Op         string
	Collection string
	Err        error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op, collection string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Collection: collection, Err: err}
}

const schema = `
CREATE TABLE IF NOT EXISTS memos (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	body TEXT NOT NULL,
	search TEXT NOT NULL DEFAULT '',
	blob BLOB
);
CREATE INDEX IF NOT EXISTS memos_timestamp ON memos(timestamp);

CREATE TABLE IF NOT EXISTS videos (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	body TEXT NOT NULL,
	search TEXT NOT NULL DEFAULT '',
	blob BLOB
);
CREATE INDEX IF NOT EXISTS videos_timestamp ON videos(timestamp);

CREATE TABLE IF NOT EXISTS app_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store is opened lazily: the database file and schema are created by the
// first operation, and every later operation reuses that connection.
type Store struct {
	path   string
	logger *zap.SugaredLogger
	valid  *validator.Validate

	initMu sync.Mutex
	db     *sql.DB

	state StateBackend
	memos *Collection[Memo, *Memo]
	video *Collection[VideoRecording, *VideoRecording]
}

type Option func(*Store)

// WithStateBackend replaces the SQLite app_state table.
func WithStateBackend(b StateBackend) Option {
	return func(s *Store) { s.state = b }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) { s.logger = l }
}

// Open returns a store for the database at path. Nothing is touched on disk
// until the first operation.
func Open(path string, opts ...Option) *Store {
	s := &Store{
		path:   path,
		logger: zap.NewNop().Sugar(),
		valid:  validator.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.state == nil {
		s.state = &sqliteState{store: s}
	}
	s.memos = newCollection[Memo](s, "memos")
	s.video = newCollection[VideoRecording](s, "videos")
	return s
}

func (s *Store) Memos() *Collection[Memo, *Memo]                      { return s.memos }
func (s *Store) Videos() *Collection[VideoRecording, *VideoRecording] { return s.video }

// conn opens the database and applies the schema on first use. A failed
// attempt is retried by the next operation.
func (s *Store) conn(ctx context.Context) (*sql.DB, error) {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db != nil {
		return s.db, nil
	}

	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", s.path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s.logger.Debugf("Store opened at %s", s.path)
	s.db = db
	return db, nil
}

// Initialized reports whether the schema has been applied.
func (s *Store) Initialized() bool {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	return s.db != nil
}

func (s *Store) Close() error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
