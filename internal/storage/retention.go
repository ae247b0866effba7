package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RetentionWindows holds the per-table keep durations. The message windows
// come from the PRUNE_HOURS* config options; the signal and bucket windows
// are fixed by the schema's retention table.
type RetentionWindows struct {
	Msg             time.Duration
	Pos             time.Duration
	Ack             time.Duration
	SignalLog       time.Duration
	Bucket5m        time.Duration
	Bucket1h        time.Duration
	StationPosition time.Duration
}

// DefaultRetention is the type-differentiated retention table's defaults.
func DefaultRetention() RetentionWindows {
	return RetentionWindows{
		Msg:             30 * 24 * time.Hour,
		Pos:             8 * 24 * time.Hour,
		Ack:             8 * 24 * time.Hour,
		SignalLog:       8 * 24 * time.Hour,
		Bucket5m:        8 * 24 * time.Hour,
		Bucket1h:        365 * 24 * time.Hour,
		StationPosition: 30 * 24 * time.Hour,
	}
}

// SetRetention overrides the retention windows PruneNow applies. Zero-valued
// fields keep their defaults.
func (db *DB) SetRetention(w RetentionWindows) {
	def := DefaultRetention()
	if w.Msg <= 0 {
		w.Msg = def.Msg
	}
	if w.Pos <= 0 {
		w.Pos = def.Pos
	}
	if w.Ack <= 0 {
		w.Ack = def.Ack
	}
	if w.SignalLog <= 0 {
		w.SignalLog = def.SignalLog
	}
	if w.Bucket5m <= 0 {
		w.Bucket5m = def.Bucket5m
	}
	if w.Bucket1h <= 0 {
		w.Bucket1h = def.Bucket1h
	}
	if w.StationPosition <= 0 {
		w.StationPosition = def.StationPosition
	}
	db.retention = w
}

// RetentionJob runs PruneNow and RollupBuckets once at startup and then
// nightly at 04:00 local time, using a timer-loop / sync.Once-guarded stop
// channel shape consistent with other periodic background maintenance in
// this codebase. Scheduling to a fixed local wall-clock time (rather than a
// fixed interval) is plain time arithmetic with no library involved — a
// full cron dependency would be disproportionate for one daily trigger.
type RetentionJob struct {
	db       *DB
	log      zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewRetentionJob constructs the job. Call Start to begin the background loop.
func NewRetentionJob(db *DB, log zerolog.Logger) *RetentionJob {
	return &RetentionJob{
		db:   db,
		log:  log.With().Str("component", "retention").Logger(),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start runs the job once immediately, then schedules subsequent runs for
// the next 04:00 local time and every 24h after that.
func (j *RetentionJob) Start(ctx context.Context) {
	go j.loop(ctx)
}

// Stop halts the background loop. Safe to call multiple times.
func (j *RetentionJob) Stop() {
	j.stopOnce.Do(func() { close(j.stop) })
	<-j.done
}

func (j *RetentionJob) loop(ctx context.Context) {
	defer close(j.done)

	j.runOnce(ctx)

	for {
		wait := time.Until(next4AM(time.Now()))
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			j.runOnce(ctx)
		case <-j.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (j *RetentionJob) runOnce(ctx context.Context) {
	if err := j.db.PruneNow(ctx); err != nil {
		j.log.Error().Err(err).Msg("retention prune failed")
		return
	}
	if err := j.db.RollupBuckets(ctx); err != nil {
		j.log.Error().Err(err).Msg("bucket rollup failed")
		return
	}
	if _, err := j.db.write.ExecContext(ctx, `ANALYZE`); err != nil {
		j.log.Warn().Err(err).Msg("ANALYZE failed after retention run")
	}
	j.log.Info().Msg("retention and rollup complete")
}

// next4AM returns the next occurrence of 04:00 in from's local timezone,
// strictly after from.
func next4AM(from time.Time) time.Time {
	next := time.Date(from.Year(), from.Month(), from.Day(), 4, 0, 0, 0, from.Location())
	if !next.After(from) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// PruneNow deletes expired rows from every retention-governed table. Safe to
// call at startup to clear any backlog accumulated while the service was
// down, and nightly thereafter.
func (db *DB) PruneNow(ctx context.Context) error {
	now := time.Now()
	w := db.retention

	stmts := []struct {
		query string
		args  []any
	}{
		{`DELETE FROM messages WHERE type = 'msg' AND timestamp < ?`, []any{now.Add(-w.Msg).UnixMilli()}},
		{`DELETE FROM messages WHERE type = 'pos' AND timestamp < ?`, []any{now.Add(-w.Pos).UnixMilli()}},
		{`DELETE FROM messages WHERE type = 'ack' AND timestamp < ?`, []any{now.Add(-w.Ack).UnixMilli()}},
		{`DELETE FROM signal_log WHERE timestamp < ?`, []any{now.Add(-w.SignalLog).UnixMilli()}},
		{`DELETE FROM signal_buckets WHERE granularity = '5m' AND bucket_start < ?`, []any{now.Add(-w.Bucket5m).UnixMilli()}},
		{`DELETE FROM signal_buckets WHERE granularity = '1h' AND bucket_start < ?`, []any{now.Add(-w.Bucket1h).UnixMilli()}},
		{`DELETE FROM station_positions WHERE last_seen < ?`, []any{now.Add(-w.StationPosition).UnixMilli()}},
	}

	tx, err := db.write.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.query, s.args...); err != nil {
			return err
		}
	}

	return tx.Commit()
}
