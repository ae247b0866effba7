package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dk5en/mcapp/internal/storage"
)

// stationSortColumns is the allowlist mapping API sort fields onto
// station_positions columns.
var stationSortColumns = map[string]string{
	"callsign":   "callsign",
	"first_seen": "first_seen",
	"last_seen":  "last_seen",
}

// StationsHandler answers GET /api/stations: the heard-station list the web
// UI renders as a table or map overlay, offset-paginated and sortable.
type StationsHandler struct {
	db *storage.DB
}

func NewStationsHandler(db *storage.DB) *StationsHandler {
	return &StationsHandler{db: db}
}

func (h *StationsHandler) Routes(r chi.Router) {
	r.Get("/api/stations", h.List)
}

// List serves GET /api/stations?limit=&offset=&sort=&since=&with_position=.
// sort accepts callsign, first_seen, last_seen with an optional leading "-"
// for descending (default -last_seen); since is an RFC 3339 lower bound on
// last_seen; with_position=true keeps only stations with a known lat/lon.
func (h *StationsHandler) List(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r)
	sort := ParseSort(r, "-last_seen", stationSortColumns)

	q := storage.StationQuery{
		OrderBy: sort.SQLOrderBy(stationSortColumns),
		Limit:   p.Limit,
		Offset:  p.Offset,
	}
	if since, ok := QueryTime(r, "since"); ok {
		q.Since = since.UnixMilli()
	}
	if withPos, ok := QueryBool(r, "with_position"); ok {
		q.WithPosition = withPos
	}

	stations, err := h.db.QueryStations(r.Context(), q)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "querying stations")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"stations": stations,
		"limit":    p.Limit,
		"offset":   p.Offset,
	})
}
