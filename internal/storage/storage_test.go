package storage

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), ":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("Open(:memory:) = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAppendAndQuery(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	tests := []struct {
		name string
		msg  Message
	}{
		{"msg_type", Message{Src: "DK5EN-1", Dst: "*", Msg: "hello", Type: TypeMsg, Timestamp: 1000}},
		{"pos_type", Message{Src: "DK5EN-1", Dst: "*", Msg: "", Type: TypePos, Timestamp: 2000}},
		{"ack_type", Message{Src: "DK5EN-2", Dst: "DK5EN-1", Msg: "", Type: TypeAck, Timestamp: 3000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := db.Append(ctx, tt.msg); err != nil {
				t.Fatalf("Append() = %v", err)
			}
		})
	}

	rows, err := db.Query(ctx, MessageFilter{}, 0, 10)
	if err != nil {
		t.Fatalf("Query() = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Query() returned %d rows, want 3", len(rows))
	}
}

func TestAppendMonotonicTimestamp(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.Append(ctx, Message{Src: "A", Dst: "*", Type: TypeMsg, Timestamp: 5000}); err != nil {
		t.Fatalf("Append() first = %v", err)
	}
	if err := db.Append(ctx, Message{Src: "B", Dst: "*", Type: TypeMsg, Timestamp: 5000}); err != nil {
		t.Fatalf("Append() second = %v", err)
	}

	rows, err := db.Query(ctx, MessageFilter{}, 0, 10)
	if err != nil {
		t.Fatalf("Query() = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Timestamp == rows[1].Timestamp {
		t.Errorf("timestamps not made strictly monotonic: %d == %d", rows[0].Timestamp, rows[1].Timestamp)
	}
}

func TestAppendRejectsBadType(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	// a constraint violation (bad type) is logged and dropped, not returned.
	if err := db.Append(ctx, Message{Src: "A", Dst: "*", Type: "bogus", Timestamp: 1}); err != nil {
		t.Fatalf("Append() with bad type returned error, want nil (dropped silently): %v", err)
	}

	rows, err := db.Query(ctx, MessageFilter{}, 0, 10)
	if err != nil {
		t.Fatalf("Query() = %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("got %d rows, want 0 (bad row should be dropped)", len(rows))
	}
}

func TestInitialPayload(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := db.Append(ctx, Message{Src: "A", Dst: "*", Type: TypeMsg, Timestamp: int64(1000 + i)}); err != nil {
			t.Fatalf("Append() = %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := db.Append(ctx, Message{Src: "A", Dst: "*", Type: TypePos, Timestamp: int64(2000 + i)}); err != nil {
			t.Fatalf("Append() = %v", err)
		}
	}

	payload, err := db.InitialPayload(ctx, map[MessageType]int{TypeMsg: 2, TypePos: 200})
	if err != nil {
		t.Fatalf("InitialPayload() = %v", err)
	}
	if len(payload[TypeMsg]) != 2 {
		t.Errorf("msg payload len = %d, want 2", len(payload[TypeMsg]))
	}
	if len(payload[TypePos]) != 3 {
		t.Errorf("pos payload len = %d, want 3", len(payload[TypePos]))
	}
	if payload[TypeMsg][0].Timestamp < payload[TypeMsg][1].Timestamp {
		t.Errorf("payload not ordered newest-first")
	}
}

func TestUpsertStationPositionPreservesSignalFields(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertStationSignal(ctx, "DK5EN-1", -80, 5.5, 1000); err != nil {
		t.Fatalf("UpsertStationSignal() = %v", err)
	}

	lat, lon := 48.1, 11.6
	if err := db.UpsertStationPosition(ctx, "DK5EN-1", &lat, &lon, nil, "TTGO", "/", ">", 2000); err != nil {
		t.Fatalf("UpsertStationPosition() = %v", err)
	}

	sp, err := db.StationByCallsign(ctx, "DK5EN-1")
	if err != nil {
		t.Fatalf("StationByCallsign() = %v", err)
	}
	if sp == nil {
		t.Fatal("StationByCallsign() returned nil")
	}
	if sp.RSSI == nil || *sp.RSSI != -80 {
		t.Errorf("RSSI not preserved across position upsert: %v", sp.RSSI)
	}
	if sp.Lat == nil || *sp.Lat != 48.1 {
		t.Errorf("Lat = %v, want 48.1", sp.Lat)
	}
}

func TestUpsertStationSignalPreservesPositionFields(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	lat, lon := 48.1, 11.6
	if err := db.UpsertStationPosition(ctx, "DK5EN-1", &lat, &lon, nil, "TTGO", "/", ">", 1000); err != nil {
		t.Fatalf("UpsertStationPosition() = %v", err)
	}
	if err := db.UpsertStationSignal(ctx, "DK5EN-1", -70, 3.0, 2000); err != nil {
		t.Fatalf("UpsertStationSignal() = %v", err)
	}

	sp, err := db.StationByCallsign(ctx, "DK5EN-1")
	if err != nil {
		t.Fatalf("StationByCallsign() = %v", err)
	}
	if sp.Lat == nil || *sp.Lat != 48.1 {
		t.Errorf("Lat not preserved across signal upsert: %v", sp.Lat)
	}
	if sp.RSSI == nil || *sp.RSSI != -70 {
		t.Errorf("RSSI = %v, want -70", sp.RSSI)
	}
}

func TestLegacyPositionFallback(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	// No station_positions row exists; legacy messages row of type='pos' should be used.
	if err := db.Append(ctx, Message{Src: "LEGACY-1", Dst: "*", Type: TypePos, Timestamp: 1000}); err != nil {
		t.Fatalf("Append() = %v", err)
	}

	sp, err := db.StationByCallsign(ctx, "LEGACY-1")
	if err != nil {
		t.Fatalf("StationByCallsign() = %v", err)
	}
	if sp == nil {
		t.Fatal("expected legacy fallback station, got nil")
	}
	if sp.Callsign != "LEGACY-1" {
		t.Errorf("Callsign = %q, want LEGACY-1", sp.Callsign)
	}
}

func TestStationByCallsignUnknown(t *testing.T) {
	db := testDB(t)
	sp, err := db.StationByCallsign(context.Background(), "NOBODY")
	if err != nil {
		t.Fatalf("StationByCallsign() = %v", err)
	}
	if sp != nil {
		t.Errorf("StationByCallsign() = %+v, want nil", sp)
	}
}

func TestBucketAccumulatorRollover(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	base := bucketFloor(time.Now().UnixMilli())

	// two samples in the same 5-minute window
	if err := db.UpsertStationSignal(ctx, "DK5EN-1", -80, 4, base+1000); err != nil {
		t.Fatalf("UpsertStationSignal() = %v", err)
	}
	if err := db.UpsertStationSignal(ctx, "DK5EN-1", -60, 6, base+2000); err != nil {
		t.Fatalf("UpsertStationSignal() = %v", err)
	}
	// a sample in the next window forces a flush of the first bucket
	if err := db.UpsertStationSignal(ctx, "DK5EN-1", -50, 8, base+bucketGranularity.Milliseconds()+1000); err != nil {
		t.Fatalf("UpsertStationSignal() = %v", err)
	}

	var count int
	if err := db.read.GetContext(ctx, &count, `SELECT COUNT(*) FROM signal_buckets WHERE granularity = '5m'`); err != nil {
		t.Fatalf("counting buckets: %v", err)
	}
	if count != 1 {
		t.Fatalf("flushed bucket count = %d, want 1", count)
	}

	var b struct {
		Count   int     `db:"count"`
		SumRSSI float64 `db:"sum_rssi"`
		MinRSSI float64 `db:"min_rssi"`
		MaxRSSI float64 `db:"max_rssi"`
	}
	if err := db.read.GetContext(ctx, &b, `SELECT count, sum_rssi, min_rssi, max_rssi FROM signal_buckets WHERE granularity='5m' LIMIT 1`); err != nil {
		t.Fatalf("reading flushed bucket: %v", err)
	}
	if b.Count != 2 {
		t.Errorf("bucket count = %d, want 2", b.Count)
	}
	if b.MinRSSI != -80 || b.MaxRSSI != -60 {
		t.Errorf("bucket min/max = %v/%v, want -80/-60", b.MinRSSI, b.MaxRSSI)
	}
}

func TestRollupBucketsAggregatesAndDeletes(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	_, err := db.write.ExecContext(ctx, `
		INSERT INTO signal_buckets (callsign, granularity, bucket_start, count, sum_rssi, sum_snr, min_rssi, max_rssi)
		VALUES (?, '5m', ?, 3, -240, 15, -90, -70)
	`, "DK5EN-1", old)
	if err != nil {
		t.Fatalf("seeding 5m bucket: %v", err)
	}

	if err := db.RollupBuckets(ctx); err != nil {
		t.Fatalf("RollupBuckets() = %v", err)
	}

	var fiveMin int
	if err := db.read.GetContext(ctx, &fiveMin, `SELECT COUNT(*) FROM signal_buckets WHERE granularity='5m'`); err != nil {
		t.Fatalf("counting 5m buckets: %v", err)
	}
	if fiveMin != 0 {
		t.Errorf("5-minute buckets after rollup = %d, want 0", fiveMin)
	}

	var oneHour int
	if err := db.read.GetContext(ctx, &oneHour, `SELECT COUNT(*) FROM signal_buckets WHERE granularity='1h'`); err != nil {
		t.Fatalf("counting 1h buckets: %v", err)
	}
	if oneHour != 1 {
		t.Errorf("1-hour buckets after rollup = %d, want 1", oneHour)
	}
}

func TestPruneNowRemovesExpiredRows(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	veryOld := time.Now().Add(-60 * 24 * time.Hour).UnixMilli()
	recent := time.Now().UnixMilli()

	if err := db.Append(ctx, Message{Src: "A", Dst: "*", Type: TypeMsg, Timestamp: veryOld}); err != nil {
		t.Fatalf("Append() = %v", err)
	}
	if err := db.Append(ctx, Message{Src: "A", Dst: "*", Type: TypeMsg, Timestamp: recent}); err != nil {
		t.Fatalf("Append() = %v", err)
	}

	if err := db.PruneNow(ctx); err != nil {
		t.Fatalf("PruneNow() = %v", err)
	}

	rows, err := db.Query(ctx, MessageFilter{}, 0, 10)
	if err != nil {
		t.Fatalf("Query() = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows after prune, want 1", len(rows))
	}
}

func TestSetRetentionAppliesConfiguredWindows(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	db.SetRetention(RetentionWindows{Msg: time.Hour})

	twoHoursOld := time.Now().Add(-2 * time.Hour).UnixMilli()
	if err := db.Append(ctx, Message{Src: "A", Dst: "*", Type: TypeMsg, Timestamp: twoHoursOld}); err != nil {
		t.Fatalf("Append() = %v", err)
	}

	if err := db.PruneNow(ctx); err != nil {
		t.Fatalf("PruneNow() = %v", err)
	}

	rows, err := db.Query(ctx, MessageFilter{}, 0, 10)
	if err != nil {
		t.Fatalf("Query() = %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("got %d rows, want 0 (1h msg window should prune a 2h-old row)", len(rows))
	}
}

func TestNext4AM(t *testing.T) {
	tests := []struct {
		name string
		from time.Time
		want time.Time
	}{
		{
			"before_4am_same_day",
			time.Date(2026, 7, 29, 1, 0, 0, 0, time.UTC),
			time.Date(2026, 7, 29, 4, 0, 0, 0, time.UTC),
		},
		{
			"after_4am_next_day",
			time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC),
			time.Date(2026, 7, 30, 4, 0, 0, 0, time.UTC),
		},
		{
			"exactly_4am_rolls_to_next_day",
			time.Date(2026, 7, 29, 4, 0, 0, 0, time.UTC),
			time.Date(2026, 7, 30, 4, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := next4AM(tt.from)
			if !got.Equal(tt.want) {
				t.Errorf("next4AM(%v) = %v, want %v", tt.from, got, tt.want)
			}
		})
	}
}
