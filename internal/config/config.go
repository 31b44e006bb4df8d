// Package config loads and validates agent config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport kinds.
const (
	TransportBLE       = "ble"
	TransportSimulated = "simulated"
)

// Config holds agent configuration loaded from the environment.
type Config struct {
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// GRPCAddr is the address the gRPC health server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DebugHTTPAddr is the debug HTTP surface address; empty disables it.
	DebugHTTPAddr string `mapstructure:"DEBUG_HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN; empty keeps recordings in memory.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// Transport selects the radio: "ble" or "simulated".
	Transport string `mapstructure:"TRANSPORT"`
	// SimulatedPeers seeds the simulated transport ("dev:identity:rssi,...").
	SimulatedPeers   string `mapstructure:"SIMULATED_PEERS"`
	ServiceUUID      string `mapstructure:"SERVICE_UUID"`
	IdentityCharUUID string `mapstructure:"IDENTITY_CHAR_UUID"`
	DeviceName       string `mapstructure:"DEVICE_NAME"`

	// AgentToken is the backend access token; its sub claim is our identity.
	AgentToken string `mapstructure:"AGENT_TOKEN"`
	// JWTPublicKey is the PEM-encoded public key or path to file. When empty the token is parsed unverified.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	JWTIssuer    string `mapstructure:"JWT_ISSUER"`
	JWTAudience  string `mapstructure:"JWT_AUDIENCE"`
	// APIBaseURL is the backend used for profiles and the remote blocklist.
	APIBaseURL string `mapstructure:"API_BASE_URL"`

	EnterThreshold float64 `mapstructure:"ENTER_THRESHOLD"`
	ExitThreshold  float64 `mapstructure:"EXIT_THRESHOLD"`
	FilterAlpha    float64 `mapstructure:"FILTER_ALPHA"`

	// Durations are Go duration strings; see the accessor methods for defaults.
	DebounceRaw         string `mapstructure:"DEBOUNCE"`
	ScanCycleRaw        string `mapstructure:"SCAN_CYCLE"`
	ScanPauseRaw        string `mapstructure:"SCAN_PAUSE"`
	ConnectTimeoutRaw   string `mapstructure:"CONNECT_TIMEOUT"`
	DiscoveryTimeoutRaw string `mapstructure:"DISCOVERY_TIMEOUT"`
	ExchangeCooldownRaw string `mapstructure:"EXCHANGE_COOLDOWN"`
	WatchdogIntervalRaw string `mapstructure:"WATCHDOG_INTERVAL"`
	StaleAfterRaw       string `mapstructure:"STALE_AFTER"`
	ChainTimeoutRaw     string `mapstructure:"CHAIN_TIMEOUT"`
	// ExchangeWaitsRaw is a comma-separated list of per-attempt exchange waits.
	ExchangeWaitsRaw    string `mapstructure:"EXCHANGE_WAITS"`
	ProfileAttempts     int    `mapstructure:"PROFILE_ATTEMPTS"`
	ProfileBackoffRaw   string `mapstructure:"PROFILE_BACKOFF"`
	ResetDelayRaw       string `mapstructure:"RESET_DELAY"`
	MaxRecordingRaw     string `mapstructure:"MAX_RECORDING"`
	BlocklistRefreshRaw string `mapstructure:"BLOCKLIST_REFRESH"`

	// StartForeground is the initial app state.
	StartForeground bool   `mapstructure:"START_FOREGROUND"`
	RecordingsDir   string `mapstructure:"RECORDINGS_DIR"`
	// CaptureCommand is the capture program and its arguments, space separated; the output path is appended.
	CaptureCommand string `mapstructure:"CAPTURE_COMMAND"`
	// LocationLat and LocationLon give a static fix; both zero means no fix.
	LocationLat         float64 `mapstructure:"LOCATION_LAT"`
	LocationLon         float64 `mapstructure:"LOCATION_LON"`
	BlocklistFile       string  `mapstructure:"BLOCKLIST_FILE"`
	RecordingPolicyFile string  `mapstructure:"RECORDING_POLICY_FILE"`

	// OTLPEndpoint enables OTel export when set (e.g. localhost:4317).
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// KafkaBrokers is a comma-separated list of brokers; when set, diagnostics are published to Kafka.
	KafkaBrokers          string `mapstructure:"KAFKA_BROKERS"`
	DiagnosticsKafkaTopic string `mapstructure:"DIAGNOSTICS_KAFKA_TOPIC"`

	// Worker-only: Loki URL for the diagnostics worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the diagnostics worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored. Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "")
	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("DEBUG_HTTP_ADDR", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("TRANSPORT", TransportBLE)
	v.SetDefault("SIMULATED_PEERS", "")
	v.SetDefault("SERVICE_UUID", "")
	v.SetDefault("IDENTITY_CHAR_UUID", "")
	v.SetDefault("DEVICE_NAME", "LinkLess")
	v.SetDefault("AGENT_TOKEN", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "")
	v.SetDefault("JWT_AUDIENCE", "")
	v.SetDefault("API_BASE_URL", "")
	v.SetDefault("ENTER_THRESHOLD", -45.0)
	v.SetDefault("EXIT_THRESHOLD", -55.0)
	v.SetDefault("FILTER_ALPHA", 0.3)
	v.SetDefault("DEBOUNCE", "10s")
	v.SetDefault("SCAN_CYCLE", "30s")
	v.SetDefault("SCAN_PAUSE", "5s")
	v.SetDefault("CONNECT_TIMEOUT", "5s")
	v.SetDefault("DISCOVERY_TIMEOUT", "5s")
	v.SetDefault("EXCHANGE_COOLDOWN", "30s")
	v.SetDefault("WATCHDOG_INTERVAL", "5s")
	v.SetDefault("STALE_AFTER", "10s")
	v.SetDefault("CHAIN_TIMEOUT", "15s")
	v.SetDefault("EXCHANGE_WAITS", "3s,4s,5s")
	v.SetDefault("PROFILE_ATTEMPTS", 2)
	v.SetDefault("PROFILE_BACKOFF", "1s")
	v.SetDefault("RESET_DELAY", "3s")
	v.SetDefault("MAX_RECORDING", "3m")
	v.SetDefault("BLOCKLIST_REFRESH", "5m")
	v.SetDefault("START_FOREGROUND", true)
	v.SetDefault("RECORDINGS_DIR", "recordings")
	v.SetDefault("CAPTURE_COMMAND", "")
	v.SetDefault("LOCATION_LAT", 0.0)
	v.SetDefault("LOCATION_LON", 0.0)
	v.SetDefault("BLOCKLIST_FILE", "")
	v.SetDefault("RECORDING_POLICY_FILE", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", true)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("DIAGNOSTICS_KAFKA_TOPIC", "linkless-diagnostics")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "linkless-diagnostics-worker")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.GRPCAddr == "" {
		return nil, errors.New("config: GRPC_ADDR must be set")
	}
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if cfg.Transport != TransportBLE && cfg.Transport != TransportSimulated {
		return nil, fmt.Errorf("config: TRANSPORT must be %q or %q", TransportBLE, TransportSimulated)
	}
	if cfg.EnterThreshold <= cfg.ExitThreshold {
		return nil, errors.New("config: ENTER_THRESHOLD must be greater than EXIT_THRESHOLD")
	}
	if cfg.FilterAlpha <= 0 || cfg.FilterAlpha > 1 {
		return nil, errors.New("config: FILTER_ALPHA must be in (0, 1]")
	}
	if cfg.ProfileAttempts <= 0 {
		cfg.ProfileAttempts = 2
	}
	if _, err := parseDurations(cfg.ExchangeWaitsRaw); err != nil {
		return nil, fmt.Errorf("config: EXCHANGE_WAITS: %w", err)
	}

	return &cfg, nil
}

func duration(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func parseDurations(raw string) ([]time.Duration, error) {
	var out []time.Duration
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := time.ParseDuration(p)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("wait %q must be positive", p)
		}
		out = append(out, d)
	}
	return out, nil
}

// Debounce parses DebounceRaw. Returns 10s if unset or invalid.
func (c *Config) Debounce() time.Duration { return duration(c.DebounceRaw, 10*time.Second) }

// ScanCycle parses ScanCycleRaw. Returns 30s if unset or invalid.
func (c *Config) ScanCycle() time.Duration { return duration(c.ScanCycleRaw, 30*time.Second) }

// ScanPause parses ScanPauseRaw. Returns 5s if unset or invalid.
func (c *Config) ScanPause() time.Duration { return duration(c.ScanPauseRaw, 5*time.Second) }

func (c *Config) ConnectTimeout() time.Duration { return duration(c.ConnectTimeoutRaw, 5*time.Second) }

func (c *Config) DiscoveryTimeout() time.Duration {
	return duration(c.DiscoveryTimeoutRaw, 5*time.Second)
}

func (c *Config) ExchangeCooldown() time.Duration {
	return duration(c.ExchangeCooldownRaw, 30*time.Second)
}

func (c *Config) WatchdogInterval() time.Duration {
	return duration(c.WatchdogIntervalRaw, 5*time.Second)
}

func (c *Config) StaleAfter() time.Duration { return duration(c.StaleAfterRaw, 10*time.Second) }

func (c *Config) ChainTimeout() time.Duration { return duration(c.ChainTimeoutRaw, 15*time.Second) }

// ExchangeWaits returns the per-attempt identity waits. Returns 3s, 4s, 5s if unset.
func (c *Config) ExchangeWaits() []time.Duration {
	waits, err := parseDurations(c.ExchangeWaitsRaw)
	if err != nil || len(waits) == 0 {
		return []time.Duration{3 * time.Second, 4 * time.Second, 5 * time.Second}
	}
	return waits
}

func (c *Config) ProfileBackoff() time.Duration { return duration(c.ProfileBackoffRaw, time.Second) }

func (c *Config) ResetDelay() time.Duration { return duration(c.ResetDelayRaw, 3*time.Second) }

// MaxRecording parses MaxRecordingRaw. Returns 3m if unset or invalid.
func (c *Config) MaxRecording() time.Duration { return duration(c.MaxRecordingRaw, 3*time.Minute) }

func (c *Config) BlocklistRefresh() time.Duration {
	return duration(c.BlocklistRefreshRaw, 5*time.Minute)
}

// CaptureArgs splits CaptureCommand on whitespace. Returns nil if unset.
func (c *Config) CaptureArgs() []string {
	args := strings.Fields(c.CaptureCommand)
	if len(args) == 0 {
		return nil
	}
	return args
}

// HasLocation reports whether a static location fix is configured.
func (c *Config) HasLocation() bool {
	return c.LocationLat != 0 || c.LocationLon != 0
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if diagnostics export is enabled and to create the producer.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
