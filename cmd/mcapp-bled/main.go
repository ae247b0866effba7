// Command mcapp-bled is the BLE remote service: it runs on the host with
// direct access to the Bluetooth radio and exposes the MeshCom BLE
// connection over HTTP/SSE, so the main mcapp daemon can run on a separate
// host entirely (split deployment).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dk5en/mcapp/internal/bleservice"
	bletransport "github.com/dk5en/mcapp/internal/transport/ble"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var (
		addr        string
		autoConnect string
		showVersion bool
	)
	flag.StringVar(&addr, "listen", "", "HTTP listen address (overrides BLE_SERVICE_ADDR)")
	flag.StringVar(&autoConnect, "connect", "", "device address or name to auto-connect to at startup")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("mcapp-bled %s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()
	log.Info().Str("version", version).Msg("mcapp-bled starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr == "" {
		addr = envOr("BLE_SERVICE_ADDR", ":2982")
	}
	apiKey := os.Getenv("BLE_SERVICE_API_KEY")

	client := bletransport.New(log)

	srv := bleservice.NewServer(bleservice.ServerOptions{
		Addr:   addr,
		APIKey: apiKey,
		Client: client,
		Log:    log,
	})

	if autoConnect == "" {
		autoConnect = os.Getenv("BLE_DEVICE_ADDRESS")
	}
	if autoConnect != "" {
		go func() {
			connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := client.Connect(connectCtx, autoConnect); err != nil {
				log.Warn().Err(err).Str("device", autoConnect).Msg("auto-connect at startup failed")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	_ = client.Disconnect(shutdownCtx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
