package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dk5en/mcapp/internal/storage"
)

// MessagesHandler answers GET /api/messages: cursor-paginated message
// history, filterable by type and destination.
type MessagesHandler struct {
	db *storage.DB
}

func NewMessagesHandler(db *storage.DB) *MessagesHandler {
	return &MessagesHandler{db: db}
}

func (h *MessagesHandler) Routes(r chi.Router) {
	r.Get("/api/messages", h.List)
	r.Get("/api/messages/{id}", h.Get)
}

// List serves GET /api/messages?cursor=&limit=&type=&dst=. cursor is the
// timestamp of the last row of the previous page (0 for the first page);
// results are newest-first.
func (h *MessagesHandler) List(w http.ResponseWriter, r *http.Request) {
	cursor, _ := QueryInt64(r, "cursor")
	limit, ok := QueryInt(r, "limit")
	if !ok {
		limit = 100
	}

	var filter storage.MessageFilter
	if t, ok := QueryString(r, "type"); ok {
		mt := storage.MessageType(t)
		switch mt {
		case storage.TypeMsg, storage.TypePos, storage.TypeAck:
			filter.Type = &mt
		default:
			WriteErrorDetail(w, http.StatusBadRequest, "invalid type filter", "type must be one of msg, pos, ack")
			return
		}
	}
	if dst, ok := QueryString(r, "dst"); ok {
		filter.Dst = dst
	}
	if src, ok := QueryString(r, "src"); ok {
		filter.Src = src
	}

	msgs, err := h.db.Query(r.Context(), filter, cursor, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "querying message history")
		return
	}

	nextCursor := int64(0)
	if len(msgs) > 0 {
		nextCursor = msgs[len(msgs)-1].Timestamp
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"messages":    msgs,
		"next_cursor": nextCursor,
	})
}

// Get serves GET /api/messages/{id}: one stored message by row id.
func (h *MessagesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "id must be an integer")
		return
	}

	m, err := h.db.MessageByID(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "querying message")
		return
	}
	if m == nil {
		WriteError(w, http.StatusNotFound, "no such message")
		return
	}
	WriteJSON(w, http.StatusOK, m)
}
