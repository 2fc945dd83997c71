package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// PrimaryDriver selects the SQL backend of the durable document store
type PrimaryDriver string

const (
	PrimarySQLite PrimaryDriver = "sqlite3"
	PrimaryMySQL  PrimaryDriver = "mysql"
)

// PrimaryConfiguration controls the durable document store
type PrimaryConfiguration struct {
	Driver          PrimaryDriver `toml:"driver"`
	DSN             string        `toml:"dsn"` // Empty = {data_dir}/primary.db for sqlite3
	PollIntervalMS  int           `toml:"poll_interval_ms"`
	ChangeBatchSize int           `toml:"change_batch_size"`
	MaxOpenConns    int           `toml:"max_open_conns"`
}

// MirrorConfiguration controls the low-latency tree store
type MirrorConfiguration struct {
	Dir                      string `toml:"dir"`        // Empty = {data_dir}/mirror
	CacheSize                int    `toml:"cache_size"` // Decoded nodes kept in memory
	CompressionThreshold     int    `toml:"compression_threshold"`
	CompressionLevel         int    `toml:"compression_level"` // 1-4
	ConnectionTimeoutSeconds int    `toml:"connection_timeout_seconds"`
	ReapIntervalSeconds      int    `toml:"reap_interval_seconds"`
}

// SyncConfiguration controls the bridge and the reverse listener
type SyncConfiguration struct {
	Collections []string `toml:"collections"`
	// CollectionGlob selects which synced collections accept external mirror writes
	CollectionGlob string `toml:"collection_glob"`
	MaxAttempts    int    `toml:"max_attempts"`
	RetryInitialMS int    `toml:"retry_initial_ms"`
	RetryMaxMS     int    `toml:"retry_max_ms"`
	StoreTimeoutMS int    `toml:"store_timeout_ms"`
	EmitEvents     bool   `toml:"emit_events"`
}

// CounterConfiguration controls atomic counters and their durable flush
type CounterConfiguration struct {
	MaxAttempts          int   `toml:"max_attempts"`
	BackoffInitialMS     int   `toml:"backoff_initial_ms"`
	BackoffMaxMS         int   `toml:"backoff_max_ms"`
	LowStockThreshold    int64 `toml:"low_stock_threshold"`
	FlushIntervalSeconds int   `toml:"flush_interval_seconds"` // 0 disables the flusher
}

// PresenceConfiguration controls the durable presence projection
type PresenceConfiguration struct {
	DurableCollection string `toml:"durable_collection"`
}

// EventsConfiguration controls event fan-out
type EventsConfiguration struct {
	RecentCapacity int `toml:"recent_capacity"`
}

// SinkConfiguration describes one push-notification transport
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`   // "nats" or "kafka"
	Format          string   `toml:"format"` // "json"
	NatsURL         string   `toml:"nats_url"`
	Brokers         []string `toml:"brokers"`
	TopicPrefix     string   `toml:"topic_prefix"`
	FilterKinds     []string `toml:"filter_kinds"`    // Glob patterns on event kind
	FilterSubjects  []string `toml:"filter_subjects"` // Glob patterns on subject id
	BatchSize       int      `toml:"batch_size"`
	PollIntervalMS  int      `toml:"poll_interval_ms"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
	MaxRetries      int      `toml:"max_retries"`
}

// RateLimitConfiguration controls the per-identity sliding window
type RateLimitConfiguration struct {
	WindowSeconds int            `toml:"window_seconds"`
	Thresholds    map[string]int `toml:"thresholds"` // Role -> requests per window
}

// AdminConfiguration for the operational HTTP surface
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	AuthToken   string `toml:"auth_token"` // Empty = no auth
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics, served by the admin server at /metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Primary    PrimaryConfiguration    `toml:"primary"`
	Mirror     MirrorConfiguration     `toml:"mirror"`
	Sync       SyncConfiguration       `toml:"sync"`
	Counter    CounterConfiguration    `toml:"counter"`
	Presence   PresenceConfiguration   `toml:"presence"`
	Events     EventsConfiguration     `toml:"events"`
	Sinks      []SinkConfiguration     `toml:"sinks"`
	RateLimit  RateLimitConfiguration  `toml:"rate_limit"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default role thresholds per window
var DefaultThresholds = map[string]int{
	"guest":  100,
	"buyer":  1000,
	"seller": 2000,
	"admin":  10000,
}

// Default returns a fresh copy of the default configuration
func Default() *Configuration {
	thresholds := make(map[string]int, len(DefaultThresholds))
	for role, n := range DefaultThresholds {
		thresholds[role] = n
	}

	return &Configuration{
		NodeID:  0, // Auto-generate
		DataDir: "./syncbridge-data",

		Primary: PrimaryConfiguration{
			Driver:          PrimarySQLite,
			PollIntervalMS:  500,
			ChangeBatchSize: 256,
			MaxOpenConns:    8,
		},

		Mirror: MirrorConfiguration{
			CacheSize:                4096,
			CompressionThreshold:     4096,
			CompressionLevel:         1,
			ConnectionTimeoutSeconds: 60,
			ReapIntervalSeconds:      10,
		},

		Sync: SyncConfiguration{
			Collections:    []string{"orders", "products", "users"},
			CollectionGlob: "*",
			MaxAttempts:    5,
			RetryInitialMS: 50,
			RetryMaxMS:     2000,
			StoreTimeoutMS: 5000,
			EmitEvents:     true,
		},

		Counter: CounterConfiguration{
			MaxAttempts:          25,
			BackoffInitialMS:     1,
			BackoffMaxMS:         100,
			LowStockThreshold:    5,
			FlushIntervalSeconds: 30,
		},

		Presence: PresenceConfiguration{
			DurableCollection: "users",
		},

		Events: EventsConfiguration{
			RecentCapacity: 100,
		},

		RateLimit: RateLimitConfiguration{
			WindowSeconds: 3600,
			Thresholds:    thresholds,
		},

		Admin: AdminConfiguration{
			Enabled:     true,
			BindAddress: "127.0.0.1",
			Port:        8090,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// Config is the process-wide configuration
var Config = Default()

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("syncbridge")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Primary.Driver {
	case PrimarySQLite:
	case PrimaryMySQL:
		if Config.Primary.DSN == "" {
			return fmt.Errorf("mysql primary store requires a dsn")
		}
	default:
		return fmt.Errorf("invalid primary driver: %s", Config.Primary.Driver)
	}

	if Config.Primary.PollIntervalMS < 1 {
		return fmt.Errorf("primary poll interval must be >= 1ms")
	}
	if Config.Primary.ChangeBatchSize < 1 {
		return fmt.Errorf("primary change batch size must be >= 1")
	}

	if Config.Mirror.CompressionLevel < 1 || Config.Mirror.CompressionLevel > 4 {
		return fmt.Errorf("mirror compression level must be between 1 and 4")
	}
	if Config.Mirror.ConnectionTimeoutSeconds < 1 {
		return fmt.Errorf("mirror connection timeout must be >= 1 second")
	}
	if Config.Mirror.ReapIntervalSeconds < 1 {
		return fmt.Errorf("mirror reap interval must be >= 1 second")
	}

	seen := make(map[string]bool, len(Config.Sync.Collections))
	for _, c := range Config.Sync.Collections {
		if c == "" {
			return fmt.Errorf("sync collection names must not be empty")
		}
		if seen[c] {
			return fmt.Errorf("duplicate sync collection: %s", c)
		}
		seen[c] = true
	}
	if Config.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync max attempts must be >= 1")
	}
	if Config.Sync.StoreTimeoutMS < 1 {
		return fmt.Errorf("sync store timeout must be >= 1ms")
	}

	if Config.Counter.MaxAttempts < 1 {
		return fmt.Errorf("counter max attempts must be >= 1")
	}
	if Config.Counter.LowStockThreshold < 0 {
		return fmt.Errorf("counter low stock threshold must be >= 0")
	}
	if Config.Counter.FlushIntervalSeconds < 0 {
		return fmt.Errorf("counter flush interval must be >= 0")
	}

	if Config.Presence.DurableCollection == "" {
		return fmt.Errorf("presence durable collection is required")
	}

	if Config.Events.RecentCapacity < 1 {
		return fmt.Errorf("events recent capacity must be >= 1")
	}

	names := make(map[string]bool, len(Config.Sinks))
	for _, s := range Config.Sinks {
		if s.Name == "" {
			return fmt.Errorf("sink name is required")
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate sink name: %s", s.Name)
		}
		names[s.Name] = true
		if s.Type == "" {
			return fmt.Errorf("sink %q requires a type", s.Name)
		}
	}

	if Config.RateLimit.WindowSeconds < 1 {
		return fmt.Errorf("rate limit window must be >= 1 second")
	}
	if Config.RateLimit.Thresholds["guest"] < 1 {
		return fmt.Errorf("rate limit threshold for guest must be >= 1")
	}
	for role, n := range Config.RateLimit.Thresholds {
		if n < 1 {
			return fmt.Errorf("rate limit threshold for %s must be >= 1", role)
		}
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

// PrimaryDSN returns the configured DSN, defaulting to a SQLite file in the data dir
func PrimaryDSN() string {
	if Config.Primary.DSN != "" {
		return Config.Primary.DSN
	}
	return filepath.Join(Config.DataDir, "primary.db")
}

// MirrorDir returns the Pebble directory of the low-latency store
func MirrorDir() string {
	if Config.Mirror.Dir != "" {
		return Config.Mirror.Dir
	}
	return filepath.Join(Config.DataDir, "mirror")
}
