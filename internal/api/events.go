package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/dk5en/mcapp/internal/router"
	"github.com/dk5en/mcapp/internal/storage"
)

// EventsHandler streams router events to SSE subscribers at GET /events,
// bootstrapping each new client with the most recent records per message
// type before live streaming begins.
type EventsHandler struct {
	rtr      *router.Router
	db       *storage.DB
	snapshot map[storage.MessageType]int
}

func NewEventsHandler(rtr *router.Router, db *storage.DB, snapshot map[storage.MessageType]int) *EventsHandler {
	if len(snapshot) == 0 {
		snapshot = map[storage.MessageType]int{
			storage.TypeMsg: 500,
			storage.TypePos: 200,
			storage.TypeAck: 100,
		}
	}
	return &EventsHandler{rtr: rtr, db: db, snapshot: snapshot}
}

// Routes registers the SSE endpoint on r.
func (h *EventsHandler) Routes(r chi.Router) {
	r.Get("/events", h.StreamEvents)
}

// StreamEvents subscribes to every router event type for the lifetime of
// the request and relays each one as an SSE frame, keyed by evt.Type. Keeps
// a 30s keepalive ticker so idle proxies don't time the connection out,
// mirroring internal/bleservice's Notifications handler.
func (h *EventsHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// bootstrap snapshot: the most recent N records per type, newest first
	if h.db != nil {
		if payload, err := h.db.InitialPayload(r.Context(), h.snapshot); err == nil {
			writeSSE(w, "initial", payload)
			flusher.Flush()
		} else {
			hlog.FromRequest(r).Warn().Err(err).Msg("initial payload query failed; streaming without bootstrap")
		}
	}

	ch := make(chan router.Event, 64)
	eventTypes := []router.Type{
		router.TypeMeshMessage,
		router.TypeBleNotification,
		router.TypeBleStatus,
		router.TypeSSEMessage,
		router.TypeBleOutbound,
		router.TypeUDPOutbound,
	}
	unsub := make([]func(), 0, len(eventTypes))
	for _, t := range eventTypes {
		unsub = append(unsub, h.rtr.Subscribe(t, func(evt router.Event) {
			select {
			case ch <- evt:
			default:
				// slow consumer: drop rather than block the publisher
			}
		}))
	}
	defer func() {
		for _, u := range unsub {
			u()
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	log := hlog.FromRequest(r)
	log.Info().Msg("events SSE client connected")

	for {
		select {
		case <-r.Context().Done():
			log.Info().Msg("events SSE client disconnected")
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, string(evt.Type), evt)
			flusher.Flush()
		case <-ping.C:
			fmt.Fprint(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
