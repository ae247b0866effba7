package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/dk5en/mcapp/internal/mcerr"
	"github.com/dk5en/mcapp/internal/router"
)

// SendHandler answers POST /api/send: submit an outbound mesh message.
type SendHandler struct {
	rtr      *router.Router
	protocol string // "ble" or "udp", whichever protocol handles outbound sends
}

func NewSendHandler(rtr *router.Router, protocol string) *SendHandler {
	return &SendHandler{rtr: rtr, protocol: protocol}
}

func (h *SendHandler) Routes(r chi.Router) {
	r.Post("/api/send", h.Send)
}

type sendRequest struct {
	Dst string `json:"dst"`
	Msg string `json:"msg"`
}

// Send publishes a mesh message for outbound delivery through the
// configured protocol, retrying per router.SendWithRetry's schedule.
func (h *SendHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Dst == "" || req.Msg == "" {
		WriteError(w, http.StatusBadRequest, "dst and msg are required")
		return
	}

	evtType := router.TypeUDPOutbound
	if h.protocol == "ble" {
		evtType = router.TypeBleOutbound
	}
	evt := router.NewMeshEvent(evtType, "api", router.MeshMessage{
		Dst: req.Dst,
		Msg: req.Msg,
		Kind: "msg",
	})

	if err := h.rtr.SendWithRetry(h.protocol, evt); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("dst", req.Dst).Msg("outbound send failed")
		if kind, ok := mcerr.KindOf(err); ok && kind == mcerr.ConfigInvalid {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		WriteError(w, http.StatusBadGateway, "send failed after retries")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}
