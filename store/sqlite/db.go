// Package sqlite stores model instances as JSON documents in SQLite and
// exposes each collection as a bridge model.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    collection TEXT NOT NULL,
    id         TEXT NOT NULL,
    data       TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS documents_created ON documents (collection, created_at);
`

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

// DB is a SQLite document database
type DB struct {
	sqlDB  *sql.DB
	logger *slog.Logger

	mu          sync.Mutex
	collections map[string]*Collection
}

// Option configures the DB
type Option func(*DB)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(db *DB) {
		db.logger = logger
	}
}

// Open opens and migrates the database at path
func Open(path string, opts ...Option) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := MemoryPath
	if path != MemoryPath {
		dsn = filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == MemoryPath {
		// every connection would otherwise get its own empty database
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db := &DB{
		sqlDB:       sqlDB,
		logger:      slog.Default(),
		collections: make(map[string]*Collection),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// Collection returns the named collection, creating the handle on first use
func (db *DB) Collection(name string) *Collection {
	db.mu.Lock()
	defer db.mu.Unlock()

	if c, ok := db.collections[name]; ok {
		return c
	}
	c := newCollection(db, name)
	db.collections[name] = c
	return c
}

// Ping checks the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	if db == nil || db.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return db.sqlDB.PingContext(ctx)
}

// Close releases the underlying connection
func (db *DB) Close() error {
	if db == nil || db.sqlDB == nil {
		return nil
	}
	return db.sqlDB.Close()
}
