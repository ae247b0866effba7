package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const bucketGranularity = 5 * time.Minute

// openBucket is an in-progress 5-minute signal aggregate for one callsign.
type openBucket struct {
	start   int64 // unix ms, floor to bucketGranularity
	count   int
	sumRSSI float64
	sumSNR  float64
	minRSSI float64
	maxRSSI float64
}

// bucketAccumulator holds one open 5-minute bucket per callsign, flushed to
// signal_buckets on wall-clock rollover. Uses the same mutex-guarded
// accumulate-then-flush discipline as other batching in this package, but
// keyed and rolled over by calendar boundary instead of a fixed
// count/duration-since-first-item, so it's hand-written rather than a
// direct reuse of a generic batcher.
type bucketAccumulator struct {
	mu  sync.Mutex
	db  *DB
	log func(format string, args ...any)

	open map[string]*openBucket
}

func newBucketAccumulator(ctx context.Context, db *DB) (*bucketAccumulator, error) {
	b := &bucketAccumulator{db: db, open: make(map[string]*openBucket)}

	windowStart := bucketFloor(time.Now().UnixMilli())

	type row struct {
		Callsign string  `db:"callsign"`
		RSSI     float64 `db:"rssi"`
		SNR      float64 `db:"snr"`
	}
	var rows []row
	err := db.read.SelectContext(ctx, &rows, `
		SELECT callsign, rssi, snr FROM signal_log WHERE timestamp >= ?
	`, windowStart)
	if err != nil {
		return nil, fmt.Errorf("rebuilding open buckets: %w", err)
	}

	for _, r := range rows {
		b.addSampleLocked(r.Callsign, r.RSSI, r.SNR, windowStart)
	}

	return b, nil
}

func bucketFloor(ts int64) int64 {
	g := bucketGranularity.Milliseconds()
	return ts - (ts % g)
}

// addSample updates the open bucket for cs, rolling over (flushing the
// previous bucket to signal_buckets and starting a fresh one) if ts crosses
// the 5-minute wall-clock boundary for that callsign.
func (b *bucketAccumulator) addSample(cs string, rssi, snr float64, ts int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addSampleLocked(cs, rssi, snr, ts)
}

func (b *bucketAccumulator) addSampleLocked(cs string, rssi, snr float64, ts int64) {
	bucketStart := bucketFloor(ts)

	ob, ok := b.open[cs]
	if ok && ob.start != bucketStart {
		b.flushLocked(cs, ob)
		ok = false
	}
	if !ok {
		ob = &openBucket{start: bucketStart, minRSSI: rssi, maxRSSI: rssi}
		b.open[cs] = ob
	}

	ob.count++
	ob.sumRSSI += rssi
	ob.sumSNR += snr
	if rssi < ob.minRSSI {
		ob.minRSSI = rssi
	}
	if rssi > ob.maxRSSI {
		ob.maxRSSI = rssi
	}
}

func (b *bucketAccumulator) flushLocked(cs string, ob *openBucket) {
	ctx := context.Background()
	_, err := b.db.write.ExecContext(ctx, `
		INSERT INTO signal_buckets (callsign, granularity, bucket_start, count, sum_rssi, sum_snr, min_rssi, max_rssi)
		VALUES (?, '5m', ?, ?, ?, ?, ?, ?)
	`, cs, ob.start, ob.count, ob.sumRSSI, ob.sumSNR, ob.minRSSI, ob.maxRSSI)
	if err != nil {
		b.db.log.Warn().Err(err).Str("callsign", cs).Msg("failed to flush signal bucket")
	}
}

// FlushAllBuckets closes and persists every open bucket. Used at shutdown
// so the most recent partial 5-minute window is not lost.
func (db *DB) FlushAllBuckets(ctx context.Context) {
	if db.buckets == nil {
		return
	}
	db.buckets.mu.Lock()
	defer db.buckets.mu.Unlock()
	for cs, ob := range db.buckets.open {
		db.buckets.flushLocked(cs, ob)
		delete(db.buckets.open, cs)
	}
}

// RollupBuckets aggregates 5-minute buckets older than the roll-up horizon
// (>= 24h) into 1-hour buckets, then deletes the source rows. Part of the
// nightly job.
func (db *DB) RollupBuckets(ctx context.Context) error {
	horizon := time.Now().Add(-24 * time.Hour).UnixMilli()
	hourMs := time.Hour.Milliseconds()

	tx, err := db.write.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	type agg struct {
		Callsign    string  `db:"callsign"`
		HourStart   int64   `db:"hour_start"`
		Count       int     `db:"count"`
		SumRSSI     float64 `db:"sum_rssi"`
		SumSNR      float64 `db:"sum_snr"`
		MinRSSI     float64 `db:"min_rssi"`
		MaxRSSI     float64 `db:"max_rssi"`
	}
	var aggs []agg
	err = tx.SelectContext(ctx, &aggs, `
		SELECT callsign,
			(bucket_start - (bucket_start % ?)) AS hour_start,
			SUM(count) AS count,
			SUM(sum_rssi) AS sum_rssi,
			SUM(sum_snr) AS sum_snr,
			MIN(min_rssi) AS min_rssi,
			MAX(max_rssi) AS max_rssi
		FROM signal_buckets
		WHERE granularity = '5m' AND bucket_start < ?
		GROUP BY callsign, hour_start
	`, hourMs, horizon)
	if err != nil {
		return fmt.Errorf("aggregating 5-minute buckets: %w", err)
	}

	for _, a := range aggs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO signal_buckets (callsign, granularity, bucket_start, count, sum_rssi, sum_snr, min_rssi, max_rssi)
			VALUES (?, '1h', ?, ?, ?, ?, ?, ?)
		`, a.Callsign, a.HourStart, a.Count, a.SumRSSI, a.SumSNR, a.MinRSSI, a.MaxRSSI)
		if err != nil {
			return fmt.Errorf("inserting hourly bucket for %s: %w", a.Callsign, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM signal_buckets WHERE granularity = '5m' AND bucket_start < ?`, horizon); err != nil {
		return fmt.Errorf("deleting rolled-up 5-minute buckets: %w", err)
	}

	return tx.Commit()
}
