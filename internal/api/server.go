package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dk5en/mcapp/internal/router"
	"github.com/dk5en/mcapp/internal/storage"
)

// Server is the main daemon's HTTP entry point: a chi router exposing the
// SSE event stream, outbound send, message history, and health endpoints.
// Built on the same middleware stack as internal/bleservice's server
// (RequestID, CORS, rate limiting, recovery, structured logging), bearer
// auth in place of the BLE remote service's X-API-Key scheme.
type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// ServerOptions configures NewServer.
type ServerOptions struct {
	Addr string

	DB     *storage.DB
	Router *router.Router
	Log    zerolog.Logger

	Version     string
	StationName string
	StartTime   time.Time

	// InitialPayload is the per-type record count sent as the bootstrap
	// snapshot when an SSE client connects to /events; nil uses the
	// defaults (msg=500, pos=200, ack=100).
	InitialPayload map[storage.MessageType]int

	// SendProtocol is the router protocol name ("udp" or "ble") that
	// POST /api/send publishes outbound messages through.
	SendProtocol string

	// AuthToken, if set, requires a matching bearer token on /api/send,
	// /api/messages and /api/stations. /events and /health stay open: SSE clients and health
	// probes commonly can't set custom headers.
	AuthToken string

	// CORSOrigins is a comma-separated origin allowlist; empty allows all.
	CORSOrigins string

	ReadTimeout time.Duration
	IdleTimeout time.Duration

	MetricsEnabled bool
}

// NewServer builds the chi router and wraps it in an *http.Server.
func NewServer(opts ServerOptions) *Server {
	var corsOrigins []string
	for _, o := range strings.Split(opts.CORSOrigins, ",") {
		if s := strings.TrimSpace(o); s != "" {
			corsOrigins = append(corsOrigins, s)
		}
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(CORSWithOrigins(corsOrigins))
	r.Use(RateLimiter(20, 40))
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))

	if opts.MetricsEnabled {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
	}

	health := NewHealthHandler(opts.DB, opts.Version, opts.StationName, opts.StartTime)
	r.Get("/health", health.ServeHTTP)

	NewEventsHandler(opts.Router, opts.DB, opts.InitialPayload).Routes(r)

	r.Group(func(gr chi.Router) {
		gr.Use(BearerAuth(opts.AuthToken))
		NewMessagesHandler(opts.DB).Routes(gr)
		NewStationsHandler(opts.DB).Routes(gr)
		NewSendHandler(opts.Router, opts.SendProtocol).Routes(gr)
	})

	readTimeout := opts.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 5 * time.Second
	}
	idleTimeout := opts.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 120 * time.Second
	}

	return &Server{
		http: &http.Server{
			Addr:        opts.Addr,
			Handler:     r,
			ReadTimeout: readTimeout,
			IdleTimeout: idleTimeout,
			// WriteTimeout left at 0: /events is a long-lived SSE stream.
		},
		log: opts.Log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("api server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("api server shutting down")
	return s.http.Shutdown(ctx)
}
