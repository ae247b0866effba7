// Command mcapp is the main daemon: it bridges a MeshCom radio (UDP and/or
// BLE) to SQLite storage and a chat-command surface, and serves the HTTP/SSE
// gateway other tools and the web UI read from.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dk5en/mcapp/internal/api"
	"github.com/dk5en/mcapp/internal/bleclient"
	"github.com/dk5en/mcapp/internal/command"
	"github.com/dk5en/mcapp/internal/config"
	"github.com/dk5en/mcapp/internal/mcerr"
	"github.com/dk5en/mcapp/internal/metrics"
	protocol "github.com/dk5en/mcapp/internal/protocol/ble"
	"github.com/dk5en/mcapp/internal/router"
	"github.com/dk5en/mcapp/internal/storage"
	bletransport "github.com/dk5en/mcapp/internal/transport/ble"
	"github.com/dk5en/mcapp/internal/transport/udp"
	"github.com/dk5en/mcapp/internal/validate"
	"github.com/dk5en/mcapp/internal/weather"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 schema/DB
// unrecoverable, 3 BLE service unreachable and required.
const (
	exitConfig         = 1
	exitStorage        = 2
	exitBleUnreachable = 3
)

func main() {
	var (
		configFile  string
		envFile     string
		sseHost     string
		ssePort     int
		logLevel    string
		udpTarget   string
		dbPath      string
		showVersion bool
	)
	flag.StringVar(&configFile, "config", "", "path to JSON config file (overrides /etc/mcapp/config.json)")
	flag.StringVar(&envFile, "env", "", "path to .env file")
	flag.StringVar(&sseHost, "sse-host", "", "HTTP/SSE listen host (overrides MCAPP_SSE_HOST)")
	flag.IntVar(&ssePort, "sse-port", 0, "HTTP/SSE listen port (overrides MCAPP_SSE_PORT)")
	flag.StringVar(&logLevel, "log-level", "", "log level (overrides MCAPP_LOG_LEVEL)")
	flag.StringVar(&udpTarget, "udp-target", "", "radio UDP target host (overrides MCAPP_UDP_TARGET)")
	flag.StringVar(&dbPath, "db", "", "sqlite database path (overrides MCAPP_DATABASE_PATH)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("mcapp %s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(config.Overrides{
		ConfigFile:   configFile,
		EnvFile:      envFile,
		SSEHost:      sseHost,
		SSEPort:      ssePort,
		LogLevel:     logLevel,
		UDPTarget:    udpTarget,
		DatabasePath: dbPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		os.Exit(exitConfig)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	log.Info().Str("version", version).Str("call_sign", cfg.CallSign).Msg("mcapp starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPath = cfg.DatabasePath
	if cfg.StorageBackend == "memory" {
		dbPath = ":memory:"
	}
	db, err := storage.Open(ctx, dbPath, log)
	if err != nil {
		log.Error().Err(err).Msg("opening storage")
		os.Exit(exitStorage)
	}
	defer db.Close()

	db.SetRetention(storage.RetentionWindows{
		Msg: time.Duration(cfg.PruneHours) * time.Hour,
		Pos: time.Duration(cfg.PruneHoursPos) * time.Hour,
		Ack: time.Duration(cfg.PruneHoursAck) * time.Hour,
	})
	if cfg.StorageBackend == "memory" && cfg.MaxStorageSizeMB > 0 {
		if err := db.SetMaxSizeMB(ctx, cfg.MaxStorageSizeMB); err != nil {
			log.Warn().Err(err).Msg("storage size cap not applied")
		}
	}

	rtr := router.New(log)
	validator := validate.New(cfg.DedupWindowSize, cfg.SuppressionWindow, cfg.OutboundPacing)

	sendProtocol := "udp"
	if cfg.UDPTarget == "" {
		sendProtocol = "ble"
	}

	udpTransport, err := udp.Listen(udp.Options{
		ListenPort: cfg.UDPPortList,
		TargetAddr: udpTargetAddr(cfg),
		Log:        log,
	})
	if err != nil {
		log.Error().Err(err).Msg("starting udp transport")
		os.Exit(exitConfig)
	}
	defer udpTransport.Close()

	udpTransport.SetMessageHandler(func(f udp.Frame, from *net.UDPAddr) {
		handleUDPFrame(ctx, db, rtr, validator, f, log)
	})

	if cfg.UDPTarget != "" {
		rtr.RegisterProtocol("udp", func(evt router.Event) error {
			return sendUDP(udpTransport, validator, cfg.CallSign, evt)
		})
	}

	// storage + command-trigger consumer for BLE traffic, alongside the
	// router's built-in GPS cache hook
	rtr.Subscribe(router.TypeBleNotification, func(evt router.Event) {
		handleBLENotification(ctx, db, rtr, validator, evt, log)
	})

	var bleRemote *bleclient.Client

	switch cfg.BLEMode {
	case "remote":
		bleRemote = bleclient.New(bleclient.Options{
			BaseURL: cfg.BLERemoteURL,
			APIKey:  cfg.BLEAPIKey,
			Log:     log,
		})

		// BLE is the only transport when no UDP target is set; a remote
		// service we can't even reach at startup is then fatal.
		if cfg.UDPTarget == "" {
			probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			_, probeErr := bleRemote.Status(probeCtx)
			cancel()
			if probeErr != nil {
				log.Error().Err(probeErr).Str("url", cfg.BLERemoteURL).Msg("ble remote service unreachable and no other transport configured")
				os.Exit(exitBleUnreachable)
			}
		}

		bleRemote.SetNotificationHandler(func(n bleclient.NotificationEvent) {
			rtr.Publish(router.NewBleNotificationEvent("ble", remoteNotificationPayload(n)))
		})
		bleRemote.SetStatusHandler(func(s bletransport.Status) {
			rtr.Publish(router.NewBleStatusEvent("ble", router.BleStatusPayload{
				State:         string(s.State),
				DeviceAddress: s.DeviceAddress,
				LastActivity:  s.LastActivity,
				Synced:        s.Synced,
			}))
		})

		rtr.RegisterProtocol("ble", func(evt router.Event) error {
			if evt.Mesh == nil {
				return mcerr.New(mcerr.ProtocolViolation, "ble.send", fmt.Errorf("event carries no mesh message"))
			}
			// a message with no destination is a bare device command
			// ("--settime", "--io", ...), not a chat send
			if evt.Mesh.Dst == "" {
				return bleRemote.SendTextCommand(ctx, evt.Mesh.Msg)
			}
			validator.ReserveSendSlot()
			validator.MarkOutboundPending(validate.Frame{
				Src: cfg.CallSign, Dst: evt.Mesh.Dst, Msg: evt.Mesh.Msg, Timestamp: time.Now().UnixMilli(),
			})
			if err := bleRemote.SendMessage(ctx, evt.Mesh.Dst, evt.Mesh.Msg); err != nil {
				metrics.OutboundSends.WithLabelValues("ble", "error").Inc()
				return err
			}
			metrics.OutboundSends.WithLabelValues("ble", "ok").Inc()
			return nil
		})

		if cfg.BLEDeviceAddress != "" || cfg.BLEDeviceName != "" {
			go func() {
				connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				defer cancel()
				if err := bleRemote.Connect(connectCtx, cfg.BLEDeviceAddress, cfg.BLEDeviceName); err != nil {
					log.Warn().Err(err).Msg("ble remote auto-connect at startup failed")
					return
				}
				// the remote service already ran hello/settime on its side
				// of the connection, so only the register queries remain
				if err := rtr.QueryBLERegisters(false, false); err != nil {
					log.Warn().Err(err).Msg("register queries after remote connect failed")
				}
			}()
		}

		go streamBLENotifications(ctx, bleRemote, log)

	default:
		log.Info().Str("ble_mode", cfg.BLEMode).Msg("ble transport disabled")
	}

	kickBans := command.NewKickBanList()
	cmdHandler := command.New(command.Options{
		CallSign:           cfg.CallSign,
		MonitoredGroups:    cfg.MonitoredGroups,
		AdminCallsigns:     cfg.AdminCallsigns,
		CommandRateLimit:   cfg.CommandRateLimit,
		CommandRateWindow:  cfg.CommandRateWindow,
		CommandDedupWindow: cfg.CommandDedupWindow,
		BanChecker:         kickBans.IsBanned,
		Router:             rtr,
		Log:                log,
	})
	cmdHandler.Register(command.NewWeatherCommand(weather.NopProvider{}, gpsFixWithFallback(rtr, cfg)))
	cmdHandler.Register(command.NewMHeardCommand(db, 10))
	cmdHandler.Register(command.NewStatsCommand(db, 24*time.Hour))
	cmdHandler.Register(command.NewSearchCommand(db, 5))
	cmdHandler.Register(command.NewPosCommand(db))
	cmdHandler.Register(command.NewDiceCommand())
	cmdHandler.Register(command.NewTimeCommand(time.Local))
	cmdHandler.Register(command.NewTopicCommand(make(map[string]string)))
	cmdHandler.Register(command.NewKickBanCommand(kickBans))
	rtr.Subscribe(router.TypeMeshMessage, cmdHandler.HandleMeshEvent)

	retention := storage.NewRetentionJob(db, log)
	retention.Start(ctx)
	defer retention.Stop()

	var srv *api.Server
	if cfg.SSEEnabled {
		srv = api.NewServer(api.ServerOptions{
			Addr:        fmt.Sprintf("%s:%d", cfg.SSEHost, cfg.SSEPort),
			DB:          db,
			Router:      rtr,
			Log:         log,
			Version:     version,
			StationName: cfg.StatName,
			StartTime:   time.Now(),
			InitialPayload: map[storage.MessageType]int{
				storage.TypeMsg: cfg.InitialPayloadMsg,
				storage.TypePos: cfg.InitialPayloadPos,
				storage.TypeAck: cfg.InitialPayloadAck,
			},
			SendProtocol:   sendProtocol,
			CORSOrigins:    cfg.CORSOrigins,
			ReadTimeout:    cfg.HTTPReadTimeout,
			IdleTimeout:    cfg.HTTPIdleTimeout,
			MetricsEnabled: cfg.MetricsEnabled,
		})

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case <-ctx.Done():
			log.Info().Msg("shutdown signal received")
		case err := <-errCh:
			if err != nil {
				log.Error().Err(err).Msg("api server error")
			}
		}
	} else {
		<-ctx.Done()
		log.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("api server shutdown error")
		}
	}
	if bleRemote != nil {
		_ = bleRemote.Disconnect(shutdownCtx)
	}
	db.FlushAllBuckets(shutdownCtx)
}

// udpTargetAddr composes the radio's host:port from UDP_TARGET and
// UDP_PORT_send; a target that already carries a port wins.
func udpTargetAddr(cfg *config.Config) string {
	if cfg.UDPTarget == "" {
		return ""
	}
	if strings.Contains(cfg.UDPTarget, ":") {
		return cfg.UDPTarget
	}
	return net.JoinHostPort(cfg.UDPTarget, strconv.Itoa(cfg.UDPPortSend))
}

// gpsFixWithFallback prefers the live GPS cache and falls back to the
// configured LAT/LONG station coordinates.
func gpsFixWithFallback(rtr *router.Router, cfg *config.Config) func() *router.GPSFix {
	return func() *router.GPSFix {
		if fix := rtr.GPSFix(); fix != nil {
			return fix
		}
		if cfg.Lat != 0 || cfg.Long != 0 {
			return &router.GPSFix{Lat: cfg.Lat, Lon: cfg.Long}
		}
		return nil
	}
}

// handleUDPFrame normalizes, deduplicates, stores, and republishes one
// inbound UDP frame. A frame recognized as the radio's echo of our own
// recent send is still stored and fanned out, but flagged so it is never
// re-queued outbound or treated as a command trigger.
func handleUDPFrame(ctx context.Context, db *storage.DB, rtr *router.Router, validator *validate.Validator, f udp.Frame, log zerolog.Logger) {
	ts := f.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	result := validator.Normalize(validate.Frame{Src: f.Src, Dst: f.Dst, Msg: f.Msg, Timestamp: ts})
	if result.Duplicate {
		metrics.MessagesDeduplicated.WithLabelValues("udp").Inc()
		return
	}
	if result.Quarantine {
		metrics.MessagesQuarantined.WithLabelValues("udp").Inc()
	}
	echoed := validator.IsLocallyEchoed(result.Frame)
	if echoed {
		metrics.MessagesEchoSuppressed.WithLabelValues("udp").Inc()
	}

	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	msg := storage.Message{
		Src:       result.Frame.Src,
		Dst:       result.Frame.Dst,
		Msg:       result.Frame.Msg,
		Type:      storage.MessageType(f.Type),
		Timestamp: result.Frame.Timestamp,
		RSSI:      f.RSSI,
		SNR:       f.SNR,
	}
	if err := db.Append(opCtx, msg); err != nil {
		log.Warn().Err(err).Msg("storing inbound message failed")
	} else {
		metrics.MessagesStored.WithLabelValues("udp", string(msg.Type)).Inc()
	}
	if f.RSSI != nil && f.SNR != nil {
		if err := db.UpsertStationSignal(opCtx, f.Src, *f.RSSI, *f.SNR, result.Frame.Timestamp); err != nil {
			log.Warn().Err(err).Msg("updating station signal failed")
		}
	}

	rtr.Publish(router.NewMeshEvent(router.TypeMeshMessage, "udp", router.MeshMessage{
		Src:       msg.Src,
		Dst:       msg.Dst,
		Msg:       msg.Msg,
		Kind:      string(msg.Type),
		Timestamp: msg.Timestamp,
		RSSI:      msg.RSSI,
		SNR:       msg.SNR,
		Echoed:    echoed,
	}))
}

// sendUDP paces, records, and sends one outbound mesh event over UDP.
func sendUDP(t *udp.Transport, validator *validate.Validator, callSign string, evt router.Event) error {
	if evt.Mesh == nil {
		return mcerr.New(mcerr.ProtocolViolation, "udp.send", fmt.Errorf("event carries no mesh message"))
	}

	validator.ReserveSendSlot()

	f := udp.Frame{
		Src:       callSign,
		Dst:       evt.Mesh.Dst,
		Msg:       evt.Mesh.Msg,
		Type:      udp.MessageType(evt.Mesh.Kind),
		Timestamp: time.Now().UnixMilli(),
	}
	if f.Type == "" {
		f.Type = udp.TypeMsg
	}

	validator.MarkOutboundPending(validate.Frame{Src: f.Src, Dst: f.Dst, Msg: f.Msg, Timestamp: f.Timestamp})
	if err := t.Send(f); err != nil {
		metrics.OutboundSends.WithLabelValues("udp", "error").Inc()
		return err
	}
	metrics.OutboundSends.WithLabelValues("udp", "ok").Inc()
	return nil
}

// bleDeviceNotification is the JSON shape of the device's 'D'-prefixed
// notifications this daemon acts on: chat messages, position beacons, and
// MHeard entries. Unknown types pass through to SSE untouched.
type bleDeviceNotification struct {
	Type      string   `json:"type"`
	MsgID     string   `json:"msg_id"`
	Src       string   `json:"src"`
	Dst       string   `json:"dst"`
	Msg       string   `json:"msg"`
	Call      string   `json:"call"`
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
	Alt       *float64 `json:"alt"`
	RSSI      *float64 `json:"rssi"`
	SNR       *float64 `json:"snr"`
	HW        string   `json:"hw"`
	SymTable  string   `json:"aprs_symbol_group"`
	SymCode   string   `json:"aprs_symbol"`
	Timestamp int64    `json:"timestamp"`
}

func (n bleDeviceNotification) callsign() string {
	if n.Call != "" {
		return n.Call
	}
	return n.Src
}

// handleBLENotification persists what BLE traffic carries (chat messages,
// position beacons, MHeard signal reports) and republishes chat as a
// mesh_message so the command handler and SSE clients see a single stream
// regardless of transport.
func handleBLENotification(ctx context.Context, db *storage.DB, rtr *router.Router, validator *validate.Validator, evt router.Event, log zerolog.Logger) {
	if evt.Ble == nil {
		return
	}
	metrics.BleNotifications.WithLabelValues(evt.Ble.Format, metrics.FCSLabel(evt.Ble.Format, evt.Ble.FCSOk)).Inc()
	if evt.Ble.Format != "json" || len(evt.Ble.JSON) == 0 {
		return
	}

	var n bleDeviceNotification
	if err := json.Unmarshal(evt.Ble.JSON, &n); err != nil {
		return
	}
	ts := n.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	switch strings.ToLower(n.Type) {
	case "pos":
		cs := n.callsign()
		if cs == "" || n.Lat == nil || n.Lon == nil {
			return
		}
		if err := db.UpsertStationPosition(opCtx, cs, n.Lat, n.Lon, n.Alt, n.HW, n.SymTable, n.SymCode, ts); err != nil {
			log.Warn().Err(err).Str("callsign", cs).Msg("storing ble position beacon failed")
		}
		if err := db.Append(opCtx, storage.Message{
			Src: cs, Dst: "*", Type: storage.TypePos, Timestamp: ts, RSSI: n.RSSI, SNR: n.SNR,
		}); err != nil {
			log.Warn().Err(err).Msg("storing ble position message failed")
		}

	case "mh", "mheard":
		cs := n.callsign()
		if cs == "" || n.RSSI == nil || n.SNR == nil {
			return
		}
		if err := db.UpsertStationSignal(opCtx, cs, *n.RSSI, *n.SNR, ts); err != nil {
			log.Warn().Err(err).Str("callsign", cs).Msg("storing ble mheard beacon failed")
		}

	case "msg":
		if n.Src == "" {
			return
		}
		result := validator.Normalize(validate.Frame{MsgID: n.MsgID, Src: n.Src, Dst: n.Dst, Msg: n.Msg, Timestamp: ts})
		if result.Duplicate {
			metrics.MessagesDeduplicated.WithLabelValues("ble").Inc()
			return
		}
		if result.Quarantine {
			metrics.MessagesQuarantined.WithLabelValues("ble").Inc()
		}
		echoed := validator.IsLocallyEchoed(result.Frame)
		if echoed {
			metrics.MessagesEchoSuppressed.WithLabelValues("ble").Inc()
		}

		if err := db.Append(opCtx, storage.Message{
			Src: result.Frame.Src, Dst: result.Frame.Dst, Msg: result.Frame.Msg,
			Type: storage.TypeMsg, Timestamp: result.Frame.Timestamp, RSSI: n.RSSI, SNR: n.SNR,
		}); err != nil {
			log.Warn().Err(err).Msg("storing ble chat message failed")
		} else {
			metrics.MessagesStored.WithLabelValues("ble", "msg").Inc()
		}

		rtr.Publish(router.NewMeshEvent(router.TypeMeshMessage, "ble", router.MeshMessage{
			MsgID:     n.MsgID,
			Src:       result.Frame.Src,
			Dst:       result.Frame.Dst,
			Msg:       result.Frame.Msg,
			Kind:      "msg",
			Timestamp: result.Frame.Timestamp,
			RSSI:      n.RSSI,
			SNR:       n.SNR,
			Echoed:    echoed,
		}))
	}
}

// remoteNotificationPayload rebuilds the full decoded notification from the
// remote service's wire event by re-running the frame parser over the raw
// bytes, so remote mode carries the same payload shape as direct mode.
func remoteNotificationPayload(n bleclient.NotificationEvent) router.BleNotificationPayload {
	raw, err := base64.StdEncoding.DecodeString(n.RawBase64)
	if err != nil || len(raw) == 0 {
		return router.BleNotificationPayload{Format: n.Format, JSON: []byte(n.Parsed)}
	}
	pn := protocol.ParseNotification(raw)
	return router.BleNotificationPayload{
		Format:      string(pn.Format),
		Raw:         pn.Raw,
		JSON:        pn.JSON,
		Prefix:      pn.Prefix,
		PayloadType: pn.PayloadType,
		MsgID:       pn.MsgID,
		HopCount:    pn.HopCount,
		Payload:     pn.Payload,
		FCSOk:       pn.FCSOk,
	}
}

// streamBLENotifications keeps the remote BLE service's SSE stream
// connected, reconnecting on error until ctx is cancelled.
func streamBLENotifications(ctx context.Context, client *bleclient.Client, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := client.StreamNotifications(ctx); err != nil {
			log.Warn().Err(err).Msg("ble notification stream ended, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}
