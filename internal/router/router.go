package router

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Handler receives one dispatched Event.
type Handler func(Event)

// ProtocolHandler sends an outbound Event through a named transport (e.g.
// "udp", "ble"). Registered once per transport via RegisterProtocol.
type ProtocolHandler func(Event) error

type subscriberEntry struct {
	id      uint64
	handler Handler
}

// retrySchedule is the delay before each attempt of SendWithRetry: an
// initial attempt, then up to 3 retries after 0.5s, 1.0s, 2.0s (4 attempts
// in all).
var retrySchedule = []time.Duration{0, 500 * time.Millisecond, 1 * time.Second, 2 * time.Second}

// registerQueries mirrors the fixed list of device-register query commands
// issued after a BLE connection completes.
var registerQueries = []string{"--io", "--tel"}

// Router is a deliberately small pub/sub registry: subscribe, publish,
// register_protocol, plus the retry and register-query orchestration
// helpers. Built on a subscriber map guarded by an RWMutex with per-type
// fan-out; Publish calls every subscriber synchronously on the publishing
// goroutine, so a slow subscriber delays the publisher and no event is
// dropped. Carries a typed Event variant rather than a free-form payload.
type Router struct {
	mu          sync.RWMutex
	subscribers map[Type][]subscriberEntry
	nextID      uint64

	protoMu   sync.RWMutex
	protocols map[string]ProtocolHandler

	log zerolog.Logger

	gps atomic.Pointer[GPSFix]
}

// GPSFix is the last-known station location, updated by the GPS cache hook
// from decoded BLE position notifications and read by the (external)
// weather collaborator.
type GPSFix struct {
	Lat       float64
	Lon       float64
	Timestamp int64
}

// New constructs a Router with the GPS cache hook already subscribed to
// ble_notification.
func New(log zerolog.Logger) *Router {
	r := &Router{
		subscribers: make(map[Type][]subscriberEntry),
		protocols:   make(map[string]ProtocolHandler),
		log:         log.With().Str("component", "router").Logger(),
	}
	r.Subscribe(TypeBleNotification, r.gpsCacheHook)
	return r
}

// Subscribe registers handler for events of the given type and returns an
// unsubscribe function. Delivery order for a given type matches the order
// subscribers were added (FIFO delivery order).
func (r *Router) Subscribe(t Type, handler Handler) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subscribers[t] = append(r.subscribers[t], subscriberEntry{id: id, handler: handler})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		entries := r.subscribers[t]
		for i, e := range entries {
			if e.id == id {
				r.subscribers[t] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Publish dispatches evt to every subscriber of evt.Type, in subscription
// order. Each subscriber call is panic-isolated: one failing handler never
// starves the others or the publisher.
func (r *Router) Publish(evt Event) {
	r.mu.RLock()
	entries := append([]subscriberEntry(nil), r.subscribers[evt.Type]...)
	r.mu.RUnlock()

	for _, e := range entries {
		r.dispatchOne(e, evt)
	}
}

func (r *Router) dispatchOne(e subscriberEntry, evt Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Interface("panic", rec).
				Str("event_type", string(evt.Type)).
				Msg("router subscriber panicked; isolated from other subscribers")
		}
	}()
	e.handler(evt)
}

// RegisterProtocol binds name (e.g. "udp", "ble") to the transport's send
// function, for use by SendWithRetry and the outbound ble_message/udp_message
// publish path.
func (r *Router) RegisterProtocol(name string, handler ProtocolHandler) {
	r.protoMu.Lock()
	defer r.protoMu.Unlock()
	r.protocols[name] = handler
}

// SendWithRetry wraps a protocol's send with an initial attempt plus up to
// 3 retries, delayed 0.5s, 1.0s and 2.0s. The final failure is logged
// as an error; earlier failures are logged as warnings.
func (r *Router) SendWithRetry(protocol string, evt Event) error {
	r.protoMu.RLock()
	handler, ok := r.protocols[protocol]
	r.protoMu.RUnlock()
	if !ok {
		return fmt.Errorf("router: no protocol registered for %q", protocol)
	}

	var lastErr error
	for attempt, delay := range retrySchedule {
		if delay > 0 {
			time.Sleep(delay)
		}
		if lastErr = handler(evt); lastErr == nil {
			return nil
		}
		if attempt < len(retrySchedule)-1 {
			r.log.Warn().Err(lastErr).Str("protocol", protocol).Int("attempt", attempt+1).Msg("send attempt failed, retrying")
		}
	}
	r.log.Error().Err(lastErr).Str("protocol", protocol).Msg("send failed after all retries")
	return lastErr
}

// QueryBLERegisters runs the register-query orchestration
// issued once after a BLE connection completes. If waitForHello, it
// sleeps 1s before proceeding (mirroring the hello-settle delay the BLE
// transport itself observes on a fresh connection); if syncTime, it sends a
// settime command first. It then issues the fixed register-query command
// list, one SendWithRetry call per command.
//
// On reconnect to an already-synchronized device, callers pass
// waitForHello=false and syncTime=false, skipping both steps.
func (r *Router) QueryBLERegisters(waitForHello, syncTime bool) error {
	if waitForHello {
		time.Sleep(1 * time.Second)
	}
	if syncTime {
		evt := NewMeshEvent(TypeBleOutbound, "router", MeshMessage{Msg: "--settime"})
		if err := r.SendWithRetry("ble", evt); err != nil {
			return fmt.Errorf("settime during register-query orchestration: %w", err)
		}
	}

	for _, cmd := range registerQueries {
		evt := NewMeshEvent(TypeBleOutbound, "router", MeshMessage{Msg: cmd})
		if err := r.SendWithRetry("ble", evt); err != nil {
			r.log.Warn().Err(err).Str("command", cmd).Msg("register query failed")
		}
	}
	return nil
}

// gpsCacheHook extracts lat/lon from decoded 'G'-type JSON notifications and
// updates the shared location read by GPSFix.
func (r *Router) gpsCacheHook(evt Event) {
	if evt.Ble == nil || evt.Ble.Format != "json" || len(evt.Ble.JSON) == 0 {
		return
	}

	var payload struct {
		Type string  `json:"type"`
		Lat  float64 `json:"lat"`
		Lon  float64 `json:"lon"`
	}
	if err := json.Unmarshal(evt.Ble.JSON, &payload); err != nil {
		return
	}
	if payload.Type != "G" {
		return
	}

	r.gps.Store(&GPSFix{Lat: payload.Lat, Lon: payload.Lon, Timestamp: evt.Timestamp})
}

// GPSFix returns the most recently observed position, or nil if none has
// been seen yet.
func (r *Router) GPSFix() *GPSFix {
	return r.gps.Load()
}
