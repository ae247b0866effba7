// Package storage is the durable message store: messages, station
// positions, signal samples, and pre-aggregated signal buckets, backed by
// SQLite with type-differentiated retention.
package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// DB wraps the two sqlite handles the engine needs: a single-connection
// write handle (sqlite allows exactly one writer) and a pooled second
// handle, opened with the same DSN, used only for concurrent read queries. database/sql's own pool serializes access
// per-connection, so capping the write handle at one connection is enough
// to realize "single writer, readers don't block on it" without a
// hand-rolled worker goroutine.
type DB struct {
	write *sqlx.DB
	read  *sqlx.DB
	log   zerolog.Logger
	path  string

	retention RetentionWindows
	buckets   *bucketAccumulator
}

// Open connects to the sqlite database at path, enables WAL mode, and runs
// all pending migrations. path may be ":memory:" for ephemeral/test use, in
// which case the read and write handles share the same in-process database
// (sqlite's shared-cache mode keeps a single ":memory:" database reachable
// from both).
func Open(ctx context.Context, path string, log zerolog.Logger) (*DB, error) {
	log = log.With().Str("component", "storage").Logger()

	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_foreign_keys=on&_busy_timeout=5000"
	} else {
		dsn = fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	}

	write, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening write handle: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("opening read handle: %w", err)
	}
	if path != ":memory:" {
		read.SetMaxOpenConns(4)
	} else {
		read.SetMaxOpenConns(1)
	}

	if err := write.PingContext(ctx); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	if _, err := write.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		log.Warn().Err(err).Msg("could not enable WAL mode (ignored for :memory:)")
	}

	db := &DB{write: write, read: read, log: log, path: path, retention: DefaultRetention()}

	if err := db.migrate(ctx); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	bucket, err := newBucketAccumulator(ctx, db)
	if err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("rebuilding signal buckets: %w", err)
	}
	db.buckets = bucket

	return db, nil
}

// SetMaxSizeMB caps the database size via sqlite's max_page_count pragma,
// used as the MAX_STORAGE_SIZE_MB guard for the in-memory backend. Once the
// cap is hit, writes fail (and are absorbed as best-effort drops by Append)
// while reads keep serving.
func (db *DB) SetMaxSizeMB(ctx context.Context, mb int) error {
	if mb <= 0 {
		return nil
	}

	var pageSize int64
	if err := db.write.GetContext(ctx, &pageSize, `PRAGMA page_size`); err != nil {
		return fmt.Errorf("reading page size: %w", err)
	}
	if pageSize <= 0 {
		pageSize = 4096
	}
	maxPages := int64(mb) * 1024 * 1024 / pageSize
	if _, err := db.write.ExecContext(ctx, fmt.Sprintf(`PRAGMA max_page_count = %d`, maxPages)); err != nil {
		return fmt.Errorf("applying max_page_count: %w", err)
	}
	db.log.Info().Int("max_mb", mb).Int64("max_pages", maxPages).Msg("storage size cap applied")
	return nil
}

// HealthCheck verifies the database is reachable.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.read.PingContext(ctx)
}

// Close closes both handles.
func (db *DB) Close() error {
	werr := db.write.Close()
	rerr := db.read.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
