package bleservice

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/dk5en/mcapp/internal/mcerr"
	"github.com/dk5en/mcapp/internal/metrics"
	protocol "github.com/dk5en/mcapp/internal/protocol/ble"
	bletransport "github.com/dk5en/mcapp/internal/transport/ble"
)

// Handler exposes a bletransport.Client over HTTP/SSE.
type Handler struct {
	client *bletransport.Client
	hub    *hub
	msgID  atomic.Uint32 // rolling source of 0xA0/mesh-frame msg IDs
}

func NewHandler(client *bletransport.Client) *Handler {
	h := &Handler{client: client, hub: newHub(256)}
	client.SetNotificationHandler(func(n protocol.Notification) {
		metrics.BleNotifications.WithLabelValues(string(n.Format), metrics.FCSLabel(string(n.Format), n.FCSOk)).Inc()
		h.hub.publish(toNotificationEvent(n))
	})
	client.SetStatusHandler(func(s bletransport.Status) {
		h.hub.publishStatus(s)
	})
	return h
}

// Routes registers every /api/ble/* endpoint plus /health on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/api/ble/status", h.Status)
	r.Get("/api/ble/devices", h.Devices)
	r.Post("/api/ble/connect", h.Connect)
	r.Post("/api/ble/disconnect", h.Disconnect)
	r.Post("/api/ble/pair", h.Pair)
	r.Post("/api/ble/unpair", h.Unpair)
	r.Post("/api/ble/send", h.Send)
	r.Post("/api/ble/settime", h.SetTime)
	r.Post("/api/ble/config/callsign", h.ConfigCallsign)
	r.Post("/api/ble/config/wifi", h.ConfigWifi)
	r.Post("/api/ble/config/position", h.ConfigPosition)
	r.Post("/api/ble/config/aprs", h.ConfigAPRS)
	r.Post("/api/ble/config/save", h.ConfigSave)
	r.Get("/api/ble/notifications", h.Notifications)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.client.Snapshot())
}

func (h *Handler) Devices(w http.ResponseWriter, r *http.Request) {
	timeout := 5 * time.Second
	if v := r.URL.Query().Get("timeout"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			WriteError(w, http.StatusBadRequest, "timeout must be a positive integer (seconds)")
			return
		}
		timeout = time.Duration(secs) * time.Second
	}
	prefix := r.URL.Query().Get("prefix")

	found, err := h.client.Scan(r.Context(), timeout, prefix)
	if err != nil {
		writeErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"devices": found})
}

type connectRequest struct {
	DeviceAddress string `json:"device_address"`
	DeviceName    string `json:"device_name"`
}

func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	addr := req.DeviceAddress
	if addr == "" {
		if req.DeviceName == "" {
			WriteError(w, http.StatusBadRequest, "one of device_address or device_name is required")
			return
		}
		resolved, err := h.client.ResolveName(r.Context(), req.DeviceName, 5*time.Second)
		if err != nil {
			if kind, ok := mcerr.KindOf(err); ok && kind == mcerr.ProtocolViolation {
				WriteError(w, http.StatusNotFound, err.Error())
				return
			}
			writeErr(w, err)
			return
		}
		addr = resolved
	}

	if err := h.client.Connect(r.Context(), addr); err != nil {
		writeErr(w, err)
		return
	}
	hlog.FromRequest(r).Info().Str("device", addr).Msg("ble connect requested")
	WriteJSON(w, http.StatusOK, h.client.Snapshot())
}

func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.client.Disconnect(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, h.client.Snapshot())
}

type addrRequest struct {
	DeviceAddress string `json:"device_address"`
}

func (h *Handler) Pair(w http.ResponseWriter, r *http.Request) {
	var req addrRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceAddress == "" {
		WriteError(w, http.StatusBadRequest, "device_address is required")
		return
	}
	if err := h.client.Pair(r.Context(), req.DeviceAddress); err != nil {
		writeErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "paired"})
}

func (h *Handler) Unpair(w http.ResponseWriter, r *http.Request) {
	var req addrRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceAddress == "" {
		WriteError(w, http.StatusBadRequest, "device_address is required")
		return
	}
	if err := h.client.Unpair(r.Context(), req.DeviceAddress); err != nil {
		writeErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "unpaired"})
}

type sendRequest struct {
	Command    string `json:"command"`
	Message    string `json:"message"`
	Group      string `json:"group"`
	DataBase64 string `json:"data_base64"`
	DataHex    string `json:"data_hex"`
}

func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	switch {
	case req.Command != "":
		if err := h.client.SendTextCommand(req.Command); err != nil {
			writeErr(w, err)
			return
		}
	case req.Message != "" && req.Group != "":
		if err := h.client.SendTextCommand(fmt.Sprintf("--msg %s %s", req.Group, req.Message)); err != nil {
			writeErr(w, err)
			return
		}
	case req.DataBase64 != "":
		data, err := base64.StdEncoding.DecodeString(req.DataBase64)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "data_base64 is not valid base64")
			return
		}
		if err := h.sendRawMesh(data); err != nil {
			writeErr(w, err)
			return
		}
	case req.DataHex != "":
		data, err := hex.DecodeString(req.DataHex)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "data_hex is not valid hex")
			return
		}
		if err := h.sendRawMesh(data); err != nil {
			writeErr(w, err)
			return
		}
	default:
		WriteError(w, http.StatusBadRequest, "one of command, {message,group}, data_base64, data_hex is required")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (h *Handler) sendRawMesh(payload []byte) error {
	id := byte(h.msgID.Add(1))
	return h.client.SendMeshFrame(':', 0x01, id, 0, payload)
}

func (h *Handler) SetTime(w http.ResponseWriter, r *http.Request) {
	frame, err := protocol.SetTime(uint32(time.Now().Unix()))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.client.SendRaw(frame); err != nil {
		writeErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

// The /api/ble/config/* endpoints take query parameters rather than JSON
// bodies: each one maps a handful of scalar fields straight onto a single
// binary control frame.

func (h *Handler) ConfigCallsign(w http.ResponseWriter, r *http.Request) {
	callsign := r.URL.Query().Get("callsign")
	if callsign == "" {
		WriteError(w, http.StatusBadRequest, "callsign query parameter is required")
		return
	}
	frame, err := protocol.SetCallsign(callsign)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.client.SendRaw(frame); err != nil {
		writeErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ConfigWifi(w http.ResponseWriter, r *http.Request) {
	ssid := r.URL.Query().Get("ssid")
	if ssid == "" {
		WriteError(w, http.StatusBadRequest, "ssid query parameter is required")
		return
	}
	frame, err := protocol.SetWifi(ssid, r.URL.Query().Get("password"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.client.SendRaw(frame); err != nil {
		writeErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ConfigPosition(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lon, lonErr := strconv.ParseFloat(q.Get("lon"), 64)
	if latErr != nil || lonErr != nil {
		WriteError(w, http.StatusBadRequest, "lat and lon query parameters are required and must be numeric")
		return
	}
	save := protocol.Volatile
	if q.Get("persist") == "true" || q.Get("persist") == "1" {
		save = protocol.Persist
	}

	latFrame, err := protocol.SetLatitude(float32(lat), save)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	lonFrame, err := protocol.SetLongitude(float32(lon), save)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.client.SendRaw(latFrame); err != nil {
		writeErr(w, err)
		return
	}
	if err := h.client.SendRaw(lonFrame); err != nil {
		writeErr(w, err)
		return
	}
	if altStr := q.Get("alt"); altStr != "" {
		alt, err := strconv.ParseInt(altStr, 10, 32)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "alt must be an integer (meters)")
			return
		}
		altFrame, err := protocol.SetAltitude(int32(alt), save)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := h.client.SendRaw(altFrame); err != nil {
			writeErr(w, err)
			return
		}
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ConfigAPRS(w http.ResponseWriter, r *http.Request) {
	primary := r.URL.Query().Get("primary")
	secondary := r.URL.Query().Get("secondary")
	if len(primary) != 1 || len(secondary) != 1 {
		WriteError(w, http.StatusBadRequest, "primary and secondary must each be a single APRS symbol character")
		return
	}
	frame, err := protocol.SetAPRSSymbol(primary[0], secondary[0])
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.client.SendRaw(frame); err != nil {
		writeErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ConfigSave(w http.ResponseWriter, r *http.Request) {
	if err := h.client.SendRaw(protocol.SaveAndReboot()); err != nil {
		writeErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// Notifications streams status + notification + ping events over SSE,
// using an http.Flusher with a keepalive ticker and an initial snapshot on
// connect.
func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
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

	writeEvent(w, "status", h.client.Snapshot())
	flusher.Flush()

	ch, cancel := h.hub.subscribe()
	defer cancel()

	// replay recently-buffered notifications so a reconnecting consumer
	// doesn't lose the frames that arrived during its gap
	for _, n := range h.hub.recent(16) {
		writeEvent(w, "notification", n)
	}
	flusher.Flush()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	log := hlog.FromRequest(r)
	log.Info().Msg("ble notification SSE client connected")

	for {
		select {
		case <-r.Context().Done():
			log.Info().Msg("ble notification SSE client disconnected")
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, e.name, e.data)
			flusher.Flush()
		case <-ping.C:
			fmt.Fprint(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// writeErr maps an mcerr.Kind to its HTTP status code.
func writeErr(w http.ResponseWriter, err error) {
	kind, ok := mcerr.KindOf(err)
	if !ok {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch kind {
	case mcerr.RemoteServiceConflict:
		WriteError(w, http.StatusConflict, err.Error())
	case mcerr.ProtocolViolation, mcerr.ConfigInvalid:
		WriteError(w, http.StatusBadRequest, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
