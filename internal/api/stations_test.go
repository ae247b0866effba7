package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dk5en/mcapp/internal/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), ":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("storage.Open(:memory:) = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedStations(t *testing.T, db *storage.DB) {
	t.Helper()
	ctx := context.Background()

	lat, lon := 48.1, 11.6
	if err := db.UpsertStationPosition(ctx, "DK5EN-1", &lat, &lon, nil, "TTGO", "/", ">", 1000); err != nil {
		t.Fatalf("UpsertStationPosition() = %v", err)
	}
	if err := db.UpsertStationSignal(ctx, "DL4GLE-10", -93, 3, 2000); err != nil {
		t.Fatalf("UpsertStationSignal() = %v", err)
	}
	if err := db.UpsertStationSignal(ctx, "OE5XYZ-12", -80, 6, 3000); err != nil {
		t.Fatalf("UpsertStationSignal() = %v", err)
	}
}

type stationListResponse struct {
	Stations []storage.StationPosition `json:"stations"`
	Limit    int                       `json:"limit"`
	Offset   int                       `json:"offset"`
}

func getStations(t *testing.T, h *StationsHandler, query string) stationListResponse {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/stations"+query, nil)
	h.List(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var resp stationListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp
}

func TestStationsListDefaultsToMostRecentlyHeard(t *testing.T) {
	db := openTestDB(t)
	seedStations(t, db)
	h := NewStationsHandler(db)

	resp := getStations(t, h, "")
	if len(resp.Stations) != 3 {
		t.Fatalf("got %d stations, want 3", len(resp.Stations))
	}
	if resp.Stations[0].Callsign != "OE5XYZ-12" {
		t.Errorf("first station = %q, want most recently heard OE5XYZ-12", resp.Stations[0].Callsign)
	}
}

func TestStationsListSortAndPagination(t *testing.T) {
	db := openTestDB(t)
	seedStations(t, db)
	h := NewStationsHandler(db)

	resp := getStations(t, h, "?sort=callsign&limit=2&offset=1")
	if len(resp.Stations) != 2 {
		t.Fatalf("got %d stations, want 2 (limit)", len(resp.Stations))
	}
	// ascending callsign order is DK5EN-1, DL4GLE-10, OE5XYZ-12; offset 1 skips the first
	if resp.Stations[0].Callsign != "DL4GLE-10" || resp.Stations[1].Callsign != "OE5XYZ-12" {
		t.Errorf("page = [%s %s], want [DL4GLE-10 OE5XYZ-12]", resp.Stations[0].Callsign, resp.Stations[1].Callsign)
	}
}

func TestStationsListWithPositionFilter(t *testing.T) {
	db := openTestDB(t)
	seedStations(t, db)
	h := NewStationsHandler(db)

	resp := getStations(t, h, "?with_position=true")
	if len(resp.Stations) != 1 {
		t.Fatalf("got %d stations, want 1 (only DK5EN-1 has a position)", len(resp.Stations))
	}
	if resp.Stations[0].Callsign != "DK5EN-1" {
		t.Errorf("station = %q, want DK5EN-1", resp.Stations[0].Callsign)
	}
}

func TestStationsListSinceFilter(t *testing.T) {
	db := openTestDB(t)
	seedStations(t, db)
	h := NewStationsHandler(db)

	// all three seed rows have last_seen <= 3000 ms after the epoch, so any
	// modern RFC 3339 bound excludes them all
	resp := getStations(t, h, "?since=2024-01-01T00:00:00Z")
	if len(resp.Stations) != 0 {
		t.Errorf("got %d stations, want 0 (all heard before the since bound)", len(resp.Stations))
	}
}

func TestMessageDetail(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.Append(ctx, storage.Message{Src: "DK5EN-1", Dst: "20", Msg: "hi", Type: storage.TypeMsg, Timestamp: 1000}); err != nil {
		t.Fatalf("Append() = %v", err)
	}

	r := chi.NewRouter()
	NewMessagesHandler(db).Routes(r)

	t.Run("found", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("GET", "/api/messages/1", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var m storage.Message
		if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
		if m.Src != "DK5EN-1" || m.Msg != "hi" {
			t.Errorf("message = %+v, want src=DK5EN-1 msg=hi", m)
		}
	})

	t.Run("not_found", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("GET", "/api/messages/999", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("non_numeric_id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("GET", "/api/messages/abc", nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}
