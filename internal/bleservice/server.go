package bleservice

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dk5en/mcapp/internal/api"
	bletransport "github.com/dk5en/mcapp/internal/transport/ble"
)

// Server is the mcapp-bled HTTP entry point: a chi router built on the same
// middleware stack as the main daemon's internal/api server (RequestID,
// CORS, rate limiting, recovery, structured logging), narrowed to a single
// X-API-Key auth scheme instead of bearer tokens.
type Server struct {
	http *http.Server
	log  zerolog.Logger
}

type ServerOptions struct {
	Addr        string
	APIKey      string
	Client      *bletransport.Client
	Log         zerolog.Logger
	ReadTimeout time.Duration
}

func NewServer(opts ServerOptions) *Server {
	if opts.APIKey == "" || opts.APIKey == apiKeyDisabled {
		opts.Log.Warn().Msg("BLE_SERVICE_API_KEY not set: running the BLE remote service unauthenticated")
	}

	r := chi.NewRouter()
	r.Use(api.RequestID)
	r.Use(api.CORSWithOrigins(nil))
	r.Use(api.RateLimiter(10, 20))
	r.Use(api.Recoverer)
	r.Use(api.Logger(opts.Log))
	r.Use(APIKeyAuth(opts.APIKey))

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	h := NewHandler(opts.Client)
	h.Routes(r)

	readTimeout := opts.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 5 * time.Second
	}

	return &Server{
		http: &http.Server{
			Addr:        opts.Addr,
			Handler:     r,
			ReadTimeout: readTimeout,
			// WriteTimeout left at 0: the SSE notification stream is long-lived.
		},
		log: opts.Log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("ble remote service starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("ble remote service shutting down")
	return s.http.Shutdown(ctx)
}
