package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// StationPosition is the one-row-per-callsign position/signal record.
// Position fields (lat/lon/alt/hw/sym) and signal fields (rssi/snr) update
// independently: a position beacon never overwrites signal fields and vice
// versa.
type StationPosition struct {
	Callsign  string   `db:"callsign"`
	Lat       *float64 `db:"lat"`
	Lon       *float64 `db:"lon"`
	Alt       *float64 `db:"alt"`
	RSSI      *float64 `db:"rssi"`
	SNR       *float64 `db:"snr"`
	HW        *string  `db:"hw"`
	SymTable  *string  `db:"sym_table"`
	SymCode   *string  `db:"sym_code"`
	FirstSeen int64    `db:"first_seen"`
	LastSeen  int64    `db:"last_seen"`
}

// UpsertStationPosition records a position beacon. Only position columns
// are written; existing signal columns (rssi/snr) are preserved.
func (db *DB) UpsertStationPosition(ctx context.Context, cs string, lat, lon, alt *float64, hw string, symTable, symCode string, ts int64) error {
	_, err := db.write.ExecContext(ctx, `
		INSERT INTO station_positions (callsign, lat, lon, alt, hw, sym_table, sym_code, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(callsign) DO UPDATE SET
			lat = excluded.lat,
			lon = excluded.lon,
			alt = excluded.alt,
			hw = excluded.hw,
			sym_table = excluded.sym_table,
			sym_code = excluded.sym_code,
			last_seen = excluded.last_seen
	`, cs, lat, lon, alt, nullIfEmpty(hw), nullIfEmpty(symTable), nullIfEmpty(symCode), ts, ts)
	if err != nil {
		return fmt.Errorf("upserting station position for %s: %w", cs, err)
	}
	return nil
}

// UpsertStationSignal records an MHeard beacon's signal fields. Only
// rssi/snr/last_seen are written; existing position columns are preserved.
func (db *DB) UpsertStationSignal(ctx context.Context, cs string, rssi, snr float64, ts int64) error {
	_, err := db.write.ExecContext(ctx, `
		INSERT INTO station_positions (callsign, rssi, snr, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(callsign) DO UPDATE SET
			rssi = excluded.rssi,
			snr = excluded.snr,
			last_seen = excluded.last_seen
	`, cs, rssi, snr, ts, ts)
	if err != nil {
		return fmt.Errorf("upserting station signal for %s: %w", cs, err)
	}

	if db.buckets != nil {
		db.buckets.addSample(cs, rssi, snr, ts)
	}

	return db.AppendSignalSample(ctx, cs, rssi, snr, ts)
}

// AppendSignalSample records a raw RSSI/SNR observation to signal_log.
// Append-only; pruned by age.
func (db *DB) AppendSignalSample(ctx context.Context, cs string, rssi, snr float64, ts int64) error {
	_, err := db.write.ExecContext(ctx, `
		INSERT INTO signal_log (callsign, timestamp, rssi, snr) VALUES (?, ?, ?, ?)
	`, cs, ts, rssi, snr)
	if err != nil {
		return fmt.Errorf("appending signal sample for %s: %w", cs, err)
	}
	return nil
}

// StationByCallsign looks up the current position record. When no row
// exists in station_positions, it falls back to the most recent legacy
// messages row of type='pos' for that callsign (within the retention
// window), per the documented open-question decision to keep dual
// read-compatibility rather than dual-write.
func (db *DB) StationByCallsign(ctx context.Context, cs string) (*StationPosition, error) {
	var sp StationPosition
	err := db.read.GetContext(ctx, &sp, `SELECT * FROM station_positions WHERE callsign = ?`, cs)
	if err == nil {
		return &sp, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("querying station %s: %w", cs, err)
	}

	var m Message
	err = db.read.GetContext(ctx, &m, `
		SELECT id, msg_id, src, dst, msg, type, timestamp, rssi, snr, src_type, raw, echo_id, acked, send_success
		FROM messages WHERE src = ? AND type = 'pos' ORDER BY timestamp DESC LIMIT 1
	`, cs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("legacy position fallback for %s: %w", cs, err)
	}

	return &StationPosition{
		Callsign:  cs,
		RSSI:      m.RSSI,
		SNR:       m.SNR,
		FirstSeen: m.Timestamp,
		LastSeen:  m.Timestamp,
	}, nil
}

// StationQuery narrows QueryStations.
type StationQuery struct {
	// OrderBy is a ready ORDER BY clause. Callers build it from a fixed
	// column allowlist (api.SortParam.SQLOrderBy); it is interpolated, not
	// bound, so it must never carry user input directly.
	OrderBy      string
	Limit        int
	Offset       int
	Since        int64 // last_seen lower bound (ms), inclusive; 0 = unbounded
	WithPosition bool  // only stations with a known lat/lon
}

// QueryStations lists station records with offset pagination and a
// caller-chosen sort, backing the web UI's station listing (the richer
// sibling of RecentStations' fixed most-recent ordering).
func (db *DB) QueryStations(ctx context.Context, q StationQuery) ([]StationPosition, error) {
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.OrderBy == "" {
		q.OrderBy = "last_seen DESC"
	}

	query := `SELECT * FROM station_positions WHERE 1=1`
	args := []any{}
	if q.Since > 0 {
		query += ` AND last_seen >= ?`
		args = append(args, q.Since)
	}
	if q.WithPosition {
		query += ` AND lat IS NOT NULL AND lon IS NOT NULL`
	}
	query += ` ORDER BY ` + q.OrderBy + ` LIMIT ? OFFSET ?`
	args = append(args, q.Limit, q.Offset)

	var out []StationPosition
	if err := db.read.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("querying stations: %w", err)
	}
	return out, nil
}

// RecentStations returns up to limit station records ordered by most
// recently heard, backing the !mheard/!mh command.
func (db *DB) RecentStations(ctx context.Context, limit int) ([]StationPosition, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	var out []StationPosition
	err := db.read.SelectContext(ctx, &out, `
		SELECT * FROM station_positions ORDER BY last_seen DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent stations: %w", err)
	}
	return out, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
