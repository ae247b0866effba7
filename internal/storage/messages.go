package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// MessageType is the closed set a Message's Type must belong to.
type MessageType string

const (
	TypeMsg MessageType = "msg"
	TypePos MessageType = "pos"
	TypeAck MessageType = "ack"
)

// Message is a single frame observed on (or produced for) the mesh.
// Immutable once inserted; destroyed only by retention.
type Message struct {
	ID          int64       `db:"id"`
	MsgID       *string     `db:"msg_id"`
	Src         string      `db:"src"`
	Dst         string      `db:"dst"`
	Msg         string      `db:"msg"`
	Type        MessageType `db:"type"`
	Timestamp   int64       `db:"timestamp"`
	RSSI        *float64    `db:"rssi"`
	SNR         *float64    `db:"snr"`
	SrcType     *string     `db:"src_type"`
	Raw         []byte      `db:"raw"`
	EchoID      *string     `db:"echo_id"`
	Acked       bool        `db:"acked"`
	SendSuccess *bool       `db:"send_success"`
}

// Append inserts a message. A missing MsgID (the transport gave us none)
// is filled with a generated UUID so dedup/ack-matching always has a
// stable key. Timestamps are adjusted forward by one millisecond if
// needed to preserve strict-monotonic insert ordering, per the data
// model invariant; constraint violations (bad type, etc.) are logged and
// dropped rather than returned, since mesh ingestion is best-effort.
func (db *DB) Append(ctx context.Context, m Message) error {
	if m.MsgID == nil {
		generated := uuid.NewString()
		m.MsgID = &generated
	}

	var lastTS int64
	err := db.write.GetContext(ctx, &lastTS, `SELECT COALESCE(MAX(timestamp), 0) FROM messages`)
	if err != nil {
		return fmt.Errorf("reading last timestamp: %w", err)
	}
	if m.Timestamp <= lastTS {
		m.Timestamp = lastTS + 1
	}

	_, err = db.write.NamedExecContext(ctx, `
		INSERT INTO messages (msg_id, src, dst, msg, type, timestamp, rssi, snr, src_type, raw, echo_id, acked, send_success)
		VALUES (:msg_id, :src, :dst, :msg, :type, :timestamp, :rssi, :snr, :src_type, :raw, :echo_id, :acked, :send_success)
	`, m)
	if err != nil {
		db.log.Warn().Err(err).Str("src", m.Src).Str("dst", m.Dst).Msg("dropping message: constraint violation")
		return nil
	}
	return nil
}

// MessageFilter narrows a Query call.
type MessageFilter struct {
	Type  *MessageType
	Src   string
	Dst   string
	Since int64 // timestamp lower bound, inclusive; 0 = unbounded
}

// Query returns messages matching filter, newest first, paginated by a
// timestamp cursor (the timestamp of the last row of the previous page; 0
// for the first page) and limit.
func (db *DB) Query(ctx context.Context, filter MessageFilter, cursor int64, limit int) ([]Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	q := `SELECT id, msg_id, src, dst, msg, type, timestamp, rssi, snr, src_type, raw, echo_id, acked, send_success FROM messages WHERE 1=1`
	args := []any{}

	if filter.Type != nil {
		q += ` AND type = ?`
		args = append(args, *filter.Type)
	}
	if filter.Src != "" {
		q += ` AND src = ?`
		args = append(args, filter.Src)
	}
	if filter.Dst != "" {
		q += ` AND dst = ?`
		args = append(args, filter.Dst)
	}
	if filter.Since > 0 {
		q += ` AND timestamp >= ?`
		args = append(args, filter.Since)
	}
	if cursor > 0 {
		q += ` AND timestamp < ?`
		args = append(args, cursor)
	}
	q += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	var out []Message
	if err := db.read.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	return out, nil
}

// InitialPayload returns the most recent limitPerType records per message
// type, newest first, for SSE client bootstrap. Uses the (type, timestamp
// desc) index.
func (db *DB) InitialPayload(ctx context.Context, limitPerType map[MessageType]int) (map[MessageType][]Message, error) {
	out := make(map[MessageType][]Message, len(limitPerType))
	for t, n := range limitPerType {
		if n <= 0 {
			continue
		}
		var rows []Message
		err := db.read.SelectContext(ctx, &rows, `
			SELECT id, msg_id, src, dst, msg, type, timestamp, rssi, snr, src_type, raw, echo_id, acked, send_success
			FROM messages WHERE type = ? ORDER BY timestamp DESC LIMIT ?
		`, t, n)
		if err != nil {
			return nil, fmt.Errorf("initial payload for type %s: %w", t, err)
		}
		out[t] = rows
	}
	return out, nil
}

// MessageByID fetches a single message by its row id, or nil when no such
// row exists, backing the message-detail endpoint.
func (db *DB) MessageByID(ctx context.Context, id int64) (*Message, error) {
	var m Message
	err := db.read.GetContext(ctx, &m, `
		SELECT id, msg_id, src, dst, msg, type, timestamp, rssi, snr, src_type, raw, echo_id, acked, send_success
		FROM messages WHERE id = ?
	`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying message %d: %w", id, err)
	}
	return &m, nil
}

// SearchMessages returns up to limit messages mentioning callsign as
// sender, recipient, or substring of the message body, newest first,
// backing the !search command.
func (db *DB) SearchMessages(ctx context.Context, callsign string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	var out []Message
	err := db.read.SelectContext(ctx, &out, `
		SELECT id, msg_id, src, dst, msg, type, timestamp, rssi, snr, src_type, raw, echo_id, acked, send_success
		FROM messages WHERE src = ? OR dst = ? OR msg LIKE '%' || ? || '%'
		ORDER BY timestamp DESC LIMIT ?
	`, callsign, callsign, callsign, limit)
	if err != nil {
		return nil, fmt.Errorf("searching messages for %s: %w", callsign, err)
	}
	return out, nil
}

// MessageStats summarizes message volume over a window, backing !stats.
type MessageStats struct {
	Total  int
	ByType map[string]int
	Since  int64
}

// Stats computes per-type message counts since the given timestamp.
func (db *DB) Stats(ctx context.Context, since int64) (MessageStats, error) {
	rows, err := db.read.QueryxContext(ctx, `
		SELECT type, COUNT(*) AS n FROM messages WHERE timestamp >= ? GROUP BY type
	`, since)
	if err != nil {
		return MessageStats{}, fmt.Errorf("computing message stats: %w", err)
	}
	defer rows.Close()

	stats := MessageStats{ByType: make(map[string]int), Since: since}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return MessageStats{}, fmt.Errorf("scanning message stats: %w", err)
		}
		stats.ByType[t] = n
		stats.Total += n
	}
	return stats, rows.Err()
}

// MarkAcked flags a message identified by echo_id as acknowledged.
func (db *DB) MarkAcked(ctx context.Context, echoID string, success bool) error {
	_, err := db.write.ExecContext(ctx, `
		UPDATE messages SET acked = 1, send_success = ? WHERE echo_id = ?
	`, success, echoID)
	return err
}
