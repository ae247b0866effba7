package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for mcapp.
// Precedence, lowest to highest: struct defaults < JSON config file <
// MCAPP_-prefixed environment variables < CLI flag overrides.
type Config struct {
	UDPTarget   string `json:"UDP_TARGET" env:"MCAPP_UDP_TARGET"`
	UDPPortSend int    `json:"UDP_PORT_send" env:"MCAPP_UDP_PORT_SEND" envDefault:"1799"`
	UDPPortList int    `json:"UDP_PORT_list" env:"MCAPP_UDP_PORT_LIST" envDefault:"1799"`

	SSEEnabled bool   `json:"SSE_ENABLED" env:"MCAPP_SSE_ENABLED" envDefault:"true"`
	SSEHost    string `json:"SSE_HOST" env:"MCAPP_SSE_HOST" envDefault:"0.0.0.0"`
	SSEPort    int    `json:"SSE_PORT" env:"MCAPP_SSE_PORT" envDefault:"2981"`

	CallSign string  `json:"CALL_SIGN" env:"MCAPP_CALL_SIGN"`
	Lat      float64 `json:"LAT" env:"MCAPP_LAT"`
	Long     float64 `json:"LONG" env:"MCAPP_LONG"`
	StatName string  `json:"STAT_NAME" env:"MCAPP_STAT_NAME"`

	// Monitored group IDs, in addition to CallSign, that trigger command handling.
	MonitoredGroups []string `json:"MONITORED_GROUPS" env:"MCAPP_MONITORED_GROUPS" envSeparator:","`
	AdminCallsigns  []string `json:"ADMIN_CALLSIGNS" env:"MCAPP_ADMIN_CALLSIGNS" envSeparator:","`

	PruneHours    int `json:"PRUNE_HOURS" env:"MCAPP_PRUNE_HOURS" envDefault:"720"`
	PruneHoursPos int `json:"PRUNE_HOURS_POS" env:"MCAPP_PRUNE_HOURS_POS" envDefault:"192"`
	PruneHoursAck int `json:"PRUNE_HOURS_ACK" env:"MCAPP_PRUNE_HOURS_ACK" envDefault:"192"`

	MaxStorageSizeMB int `json:"MAX_STORAGE_SIZE_MB" env:"MCAPP_MAX_STORAGE_SIZE_MB" envDefault:"256"`

	// BLEMode selects the BLE transport: "remote" talks to a BLE remote
	// service over HTTP; "disabled" turns BLE off entirely.
	BLEMode          string `json:"BLE_MODE" env:"MCAPP_BLE_MODE" envDefault:"disabled"`
	BLERemoteURL     string `json:"BLE_REMOTE_URL" env:"MCAPP_BLE_REMOTE_URL"`
	BLEAPIKey        string `json:"BLE_API_KEY" env:"MCAPP_BLE_API_KEY"`
	BLEDeviceName    string `json:"BLE_DEVICE_NAME" env:"MCAPP_BLE_DEVICE_NAME"`
	BLEDeviceAddress string `json:"BLE_DEVICE_ADDRESS" env:"MCAPP_BLE_DEVICE_ADDRESS"`

	// StorageBackend selects "sqlite" (default) or "memory" for the storage engine.
	StorageBackend string `json:"backend" env:"MCAPP_STORAGE_BACKEND" envDefault:"sqlite"`
	DatabasePath   string `json:"DATABASE_PATH" env:"MCAPP_DATABASE_PATH" envDefault:"/var/lib/mcapp/messages.db"`

	// Outbound pacing and suppression.
	OutboundPacing    time.Duration `json:"OUTBOUND_PACING" env:"MCAPP_OUTBOUND_PACING" envDefault:"12s"`
	SuppressionWindow time.Duration `json:"SUPPRESSION_WINDOW" env:"MCAPP_SUPPRESSION_WINDOW" envDefault:"30s"`
	DedupWindowSize   int           `json:"DEDUP_WINDOW_SIZE" env:"MCAPP_DEDUP_WINDOW_SIZE" envDefault:"2000"`

	// Initial SSE bootstrap payload sizes, per record type.
	InitialPayloadMsg int `json:"INITIAL_PAYLOAD_MSG" env:"MCAPP_INITIAL_PAYLOAD_MSG" envDefault:"500"`
	InitialPayloadPos int `json:"INITIAL_PAYLOAD_POS" env:"MCAPP_INITIAL_PAYLOAD_POS" envDefault:"200"`
	InitialPayloadAck int `json:"INITIAL_PAYLOAD_ACK" env:"MCAPP_INITIAL_PAYLOAD_ACK" envDefault:"100"`

	// Command handler throttling.
	CommandRateLimit   int           `json:"COMMAND_RATE_LIMIT" env:"MCAPP_COMMAND_RATE_LIMIT" envDefault:"3"`
	CommandRateWindow  time.Duration `json:"COMMAND_RATE_WINDOW" env:"MCAPP_COMMAND_RATE_WINDOW" envDefault:"60s"`
	CommandDedupWindow time.Duration `json:"COMMAND_DEDUP_WINDOW" env:"MCAPP_COMMAND_DEDUP_WINDOW" envDefault:"10s"`

	HTTPReadTimeout time.Duration `json:"HTTP_READ_TIMEOUT" env:"MCAPP_HTTP_READ_TIMEOUT" envDefault:"5s"`
	HTTPIdleTimeout time.Duration `json:"HTTP_IDLE_TIMEOUT" env:"MCAPP_HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	CORSOrigins string `json:"CORS_ORIGINS" env:"MCAPP_CORS_ORIGINS"`
	LogLevel    string `json:"LOG_LEVEL" env:"MCAPP_LOG_LEVEL" envDefault:"info"`

	MetricsEnabled bool `json:"METRICS_ENABLED" env:"MCAPP_METRICS_ENABLED" envDefault:"true"`
}

// Validate checks cross-field invariants that struct tags alone can't express.
func (c *Config) Validate() error {
	if c.CallSign == "" {
		return fmt.Errorf("CALL_SIGN must be set")
	}
	if c.UDPTarget == "" && c.BLEMode != "remote" {
		return fmt.Errorf("at least one transport must be configured: set UDP_TARGET or BLE_MODE=remote")
	}
	if c.BLEMode != "remote" && c.BLEMode != "disabled" {
		return fmt.Errorf("BLE_MODE must be %q or %q, got %q", "remote", "disabled", c.BLEMode)
	}
	if c.BLEMode == "remote" && c.BLERemoteURL == "" {
		return fmt.Errorf("BLE_MODE=remote requires BLE_REMOTE_URL")
	}
	if c.StorageBackend != "sqlite" && c.StorageBackend != "memory" {
		return fmt.Errorf("backend must be %q or %q, got %q", "sqlite", "memory", c.StorageBackend)
	}
	return nil
}

// Overrides holds CLI flag values that take priority over everything else.
type Overrides struct {
	ConfigFile   string
	EnvFile      string
	SSEHost      string
	SSEPort      int
	LogLevel     string
	UDPTarget    string
	DatabasePath string
}

// Load reads configuration from the JSON config file, then MCAPP_-prefixed
// environment variables (optionally seeded from a .env file for local
// development), then applies CLI overrides.
// Priority: CLI flags > MCAPP_* env vars > JSON config file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	cfg := &Config{}

	// Defaults layer: envDefault tags applied against an empty environment,
	// so real env vars don't leak into this pass. A plain env.Parse after
	// the JSON layer would re-apply envDefault over file-provided values
	// whenever the env var is unset, inverting the precedence.
	if err := env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}}); err != nil {
		return nil, fmt.Errorf("applying config defaults: %w", err)
	}

	// JSON config file layer.
	configPath := overrides.ConfigFile
	if configPath == "" {
		configPath = "/etc/mcapp/config.json"
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	} else if overrides.ConfigFile != "" {
		// An explicitly-requested config file that doesn't exist is fatal;
		// a missing default path is not.
		return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
	}

	// .env file, silent if missing, loaded before env parsing so MCAPP_*
	// vars it defines are visible to the env layer below.
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	// Environment layer: only explicitly-set MCAPP_* vars. Pointing the
	// default-value tag at a name no field uses keeps envDefault inert here.
	if err := env.ParseWithOptions(cfg, env.Options{DefaultValueTagName: "envNoDefault"}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if overrides.SSEHost != "" {
		cfg.SSEHost = overrides.SSEHost
	}
	if overrides.SSEPort != 0 {
		cfg.SSEPort = overrides.SSEPort
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.UDPTarget != "" {
		cfg.UDPTarget = overrides.UDPTarget
	}
	if overrides.DatabasePath != "" {
		cfg.DatabasePath = overrides.DatabasePath
	}

	return cfg, nil
}
