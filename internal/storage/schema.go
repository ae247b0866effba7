package storage

import (
	"context"
	"fmt"
)

// migration is a single idempotent schema step. This mirrors the
// name/sql/check migration-list shape; every current step is a
// CREATE ... IF NOT EXISTS statement, and migrate applies each sql
// unconditionally without consulting check.
type migration struct {
	name  string
	sql   string
	check string // query that errors (or returns no rows treated as "absent") iff sql has NOT been applied yet
}

const schemaVersion = 6

var migrations = []migration{
	{
		name: "schema_version table",
		sql:  `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
	},
	{
		name: "messages table",
		sql: `CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			msg_id TEXT,
			src TEXT NOT NULL,
			dst TEXT NOT NULL,
			msg TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL CHECK (type IN ('msg','pos','ack')),
			timestamp INTEGER NOT NULL,
			rssi REAL,
			snr REAL,
			src_type TEXT,
			raw BLOB,
			echo_id TEXT,
			acked INTEGER NOT NULL DEFAULT 0,
			send_success INTEGER
		)`,
	},
	{name: "messages(timestamp) index", sql: `CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp)`},
	{name: "messages(src) index", sql: `CREATE INDEX IF NOT EXISTS idx_messages_src ON messages(src)`},
	{name: "messages(dst) index", sql: `CREATE INDEX IF NOT EXISTS idx_messages_dst ON messages(dst)`},
	{name: "messages(type) index", sql: `CREATE INDEX IF NOT EXISTS idx_messages_type ON messages(type)`},
	{name: "messages(type,timestamp desc) index", sql: `CREATE INDEX IF NOT EXISTS idx_messages_type_ts ON messages(type, timestamp DESC)`},
	{name: "messages(type,dst,timestamp desc) index", sql: `CREATE INDEX IF NOT EXISTS idx_messages_type_dst_ts ON messages(type, dst, timestamp DESC)`},
	{
		name: "station_positions table",
		sql: `CREATE TABLE IF NOT EXISTS station_positions (
			callsign TEXT PRIMARY KEY,
			lat REAL,
			lon REAL,
			alt REAL,
			rssi REAL,
			snr REAL,
			hw TEXT,
			sym_table TEXT,
			sym_code TEXT,
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL
		)`,
	},
	{name: "station_positions(last_seen) index", sql: `CREATE INDEX IF NOT EXISTS idx_station_positions_last_seen ON station_positions(last_seen)`},
	{
		name: "signal_log table",
		sql: `CREATE TABLE IF NOT EXISTS signal_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			callsign TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			rssi REAL,
			snr REAL
		)`,
	},
	{name: "signal_log(callsign,timestamp desc) index", sql: `CREATE INDEX IF NOT EXISTS idx_signal_log_cs_ts ON signal_log(callsign, timestamp DESC)`},
	{
		name: "signal_buckets table",
		sql: `CREATE TABLE IF NOT EXISTS signal_buckets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			callsign TEXT NOT NULL,
			granularity TEXT NOT NULL CHECK (granularity IN ('5m','1h')),
			bucket_start INTEGER NOT NULL,
			count INTEGER NOT NULL,
			sum_rssi REAL NOT NULL,
			sum_snr REAL NOT NULL,
			min_rssi REAL,
			max_rssi REAL
		)`,
	},
	{name: "signal_buckets(callsign,granularity,bucket_start) index", sql: `CREATE INDEX IF NOT EXISTS idx_signal_buckets_cs_gran_start ON signal_buckets(callsign, granularity, bucket_start)`},
}

// migrate applies every migration in order; each step is idempotent
// (CREATE ... IF NOT EXISTS), so re-running on an already-migrated database
// is a no-op. Reports and stops at the first failure.
func (db *DB) migrate(ctx context.Context) error {
	tx, err := db.write.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range migrations {
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %q: %w", m.name, err)
		}
	}

	var count int
	if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM schema_version`); err != nil {
		return fmt.Errorf("checking schema_version: %w", err)
	}
	if count == 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("recording schema_version: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version = ?`, schemaVersion); err != nil {
			return fmt.Errorf("updating schema_version: %w", err)
		}
	}

	return tx.Commit()
}
