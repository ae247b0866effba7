package api

import (
	"context"
	"net/http"
	"time"

	"github.com/dk5en/mcapp/internal/storage"
)

// HealthResponse is the body returned from GET /health.
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	Station       string            `json:"station,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

// HealthHandler answers GET /health: liveness plus a storage connectivity
// check. Unauthenticated, mirroring the BLE remote service's own /health.
type HealthHandler struct {
	db        *storage.DB
	version   string
	station   string
	startTime time.Time
}

func NewHealthHandler(db *storage.DB, version, station string, startTime time.Time) *HealthHandler {
	return &HealthHandler{db: db, version: version, station: station, startTime: startTime}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.HealthCheck(ctx); err != nil {
		checks["storage"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["storage"] = "ok"
	}

	WriteJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.version,
		Station:       h.station,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	})
}
