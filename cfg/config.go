package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StoreDriver selects the registration store backend
type StoreDriver string

const (
	StoreSQLite StoreDriver = "sqlite3" // Embedded SQLite database
	StoreMySQL  StoreDriver = "mysql"   // MySQL / MariaDB server
	StorePebble StoreDriver = "pebble"  // Embedded Pebble key-value store
	StoreMemory StoreDriver = "memory"  // Volatile, for tests and demos
)

// StoreConfiguration controls where registrations are persisted
type StoreConfiguration struct {
	Driver StoreDriver `toml:"driver"`
	DSN    string      `toml:"dsn"`  // mysql DSN, or sqlite file name relative to data_dir
	Path   string      `toml:"path"` // pebble directory relative to data_dir
}

// SessionConfiguration controls reuse of store sessions
type SessionConfiguration struct {
	MinKeepSeconds  int    `toml:"min_keep_seconds"`  // Base session reusable while younger than this
	MaxKeepSeconds  int    `toml:"max_keep_seconds"`  // Sessions still open after this are force-closed
	CleanIntervalS  int    `toml:"clean_interval_seconds"`
	PartitionPrefix string `toml:"partition_prefix"` // Per-project partitions are <prefix>_<project>_samples
}

// WatchConfiguration controls long-poll watches and their expiry
type WatchConfiguration struct {
	TimeoutSeconds    int `toml:"timeout_seconds"`     // Max time a watch call blocks
	ExpiryMinutes     int `toml:"expiry_minutes"`      // Unwatched registrations without callback expire after this
	GCIntervalSeconds int `toml:"gc_interval_seconds"` // Periodic sweep, 0 disables
}

// CallbackConfiguration controls outbound HTTP callbacks
type CallbackConfiguration struct {
	TimeoutMS            int     `toml:"timeout_ms"`             // HTTP client timeout per attempt
	MaxFailCount         int     `toml:"max_fail_count"`         // Failures before a registration may be evicted
	FailWindowHours      int     `toml:"fail_window_hours"`      // Failures must span at least this long
	RetryInitialSeconds  int     `toml:"retry_initial_seconds"`  // First redelivery delay after a failure
	RetryMaxSeconds      int     `toml:"retry_max_seconds"`      // Cap on the redelivery delay
	RetryMultiplier      float64 `toml:"retry_multiplier"`       // Backoff multiplier
	DisableRetrySchedule bool    `toml:"disable_retry_schedule"` // Only redeliver on new mutations
}

// FCMConfiguration for Firebase Cloud Messaging HTTP v1
type FCMConfiguration struct {
	ProjectID       string `toml:"project_id"`
	CredentialsFile string `toml:"credentials_file"` // Empty uses application default credentials
	Endpoint        string `toml:"endpoint"`         // Override for testing
}

// NATSGatewayConfiguration publishes pushes to NATS instead of a mobile gateway
type NATSGatewayConfiguration struct {
	URL     string `toml:"url"`
	Subject string `toml:"subject"`
}

// KafkaGatewayConfiguration publishes pushes to a Kafka topic
type KafkaGatewayConfiguration struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// PushConfiguration controls the mobile push dispatcher
type PushConfiguration struct {
	Enabled           bool                      `toml:"enabled"`
	Gateway           string                    `toml:"gateway"` // "fcm", "nats", "kafka" or "log"
	RetryDelaySeconds int                       `toml:"retry_delay_seconds"`
	FCM               FCMConfiguration          `toml:"fcm"`
	NATS              NATSGatewayConfiguration  `toml:"nats"`
	Kafka             KafkaGatewayConfiguration `toml:"kafka"`
}

// SourceConfiguration selects the upstream mutation and roster feed
type SourceConfiguration struct {
	Type          string   `toml:"type"` // "nats", "kafka" or "none"
	SubjectPrefix string   `toml:"subject_prefix"`
	NATSURL       string   `toml:"nats_url"`
	KafkaBrokers  []string `toml:"kafka_brokers"`
	KafkaGroupID  string   `toml:"kafka_group_id"`
}

// HTTPConfiguration for the client-facing API
type HTTPConfiguration struct {
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	TokenHeader string `toml:"token_header"`
	Compression bool   `toml:"compression"`
}

// DirectoryConfiguration points at the static user/project directory
type DirectoryConfiguration struct {
	Path          string `toml:"path"`
	UserCacheSize int    `toml:"user_cache_size"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Store      StoreConfiguration      `toml:"store"`
	Session    SessionConfiguration    `toml:"session"`
	Watch      WatchConfiguration      `toml:"watch"`
	Callback   CallbackConfiguration   `toml:"callback"`
	Push       PushConfiguration       `toml:"push"`
	Source     SourceConfiguration     `toml:"source"`
	HTTP       HTTPConfiguration       `toml:"http"`
	Directory  DirectoryConfiguration  `toml:"directory"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	HTTPPortFlag   = flag.Int("http-port", 0, "HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./notifyd-data",

	Store: StoreConfiguration{
		Driver: StoreSQLite,
		DSN:    "registrations.db",
		Path:   "registrations",
	},

	Session: SessionConfiguration{
		MinKeepSeconds:  300,
		MaxKeepSeconds:  600,
		CleanIntervalS:  60,
		PartitionPrefix: "senseeact",
	},

	Watch: WatchConfiguration{
		TimeoutSeconds:    60,
		ExpiryMinutes:     60,
		GCIntervalSeconds: 300,
	},

	Callback: CallbackConfiguration{
		TimeoutMS:           10000,
		MaxFailCount:        5,
		FailWindowHours:     24,
		RetryInitialSeconds: 60,
		RetryMaxSeconds:     3600,
		RetryMultiplier:     2.0,
	},

	Push: PushConfiguration{
		Enabled:           false,
		Gateway:           "log",
		RetryDelaySeconds: 10,
		NATS: NATSGatewayConfiguration{
			URL:     "nats://localhost:4222",
			Subject: "notifyd.push",
		},
		Kafka: KafkaGatewayConfiguration{
			Topic: "notifyd-push",
		},
	},

	Source: SourceConfiguration{
		Type:          "none",
		SubjectPrefix: "senseeact",
		NATSURL:       "nats://localhost:4222",
		KafkaGroupID:  "notifyd",
	},

	HTTP: HTTPConfiguration{
		BindAddress: "0.0.0.0",
		Port:        10000,
		TokenHeader: "X-Auth-Token",
		Compression: true,
	},

	Directory: DirectoryConfiguration{
		Path:          "directory.toml",
		UserCacheSize: 1024,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
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
	if *HTTPPortFlag != 0 {
		Config.HTTP.Port = *HTTPPortFlag
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
	id, err := machineid.ProtectedID("notifyd")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.HTTP.Port < 1 || Config.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", Config.HTTP.Port)
	}

	switch Config.Store.Driver {
	case StoreSQLite, StoreMySQL, StorePebble, StoreMemory:
	default:
		return fmt.Errorf("invalid store driver: %s", Config.Store.Driver)
	}
	if Config.Store.Driver == StoreMySQL && Config.Store.DSN == "" {
		return fmt.Errorf("mysql store requires a dsn")
	}

	if Config.Session.MinKeepSeconds < 1 {
		return fmt.Errorf("session min keep must be >= 1 second")
	}
	if Config.Session.MaxKeepSeconds < Config.Session.MinKeepSeconds {
		return fmt.Errorf("session max keep must be >= min keep")
	}
	if Config.Session.CleanIntervalS < 1 {
		return fmt.Errorf("session clean interval must be >= 1 second")
	}

	if Config.Watch.TimeoutSeconds < 1 {
		return fmt.Errorf("watch timeout must be >= 1 second")
	}
	if Config.Watch.ExpiryMinutes < 1 {
		return fmt.Errorf("watch expiry must be >= 1 minute")
	}
	if Config.Watch.GCIntervalSeconds < 0 {
		return fmt.Errorf("watch GC interval must be >= 0")
	}

	if Config.Callback.TimeoutMS < 1 {
		return fmt.Errorf("callback timeout must be >= 1ms")
	}
	if Config.Callback.MaxFailCount < 1 {
		return fmt.Errorf("callback max fail count must be >= 1")
	}
	if Config.Callback.FailWindowHours < 0 {
		return fmt.Errorf("callback fail window must be >= 0")
	}
	if Config.Callback.RetryInitialSeconds < 1 {
		return fmt.Errorf("callback retry initial delay must be >= 1 second")
	}
	if Config.Callback.RetryMaxSeconds < Config.Callback.RetryInitialSeconds {
		return fmt.Errorf("callback retry max delay must be >= initial delay")
	}
	if Config.Callback.RetryMultiplier < 1.0 {
		return fmt.Errorf("callback retry multiplier must be >= 1.0")
	}

	if Config.Push.Enabled {
		switch Config.Push.Gateway {
		case "fcm":
			if Config.Push.FCM.ProjectID == "" {
				return fmt.Errorf("fcm gateway requires project_id")
			}
		case "nats":
			if _, err := url.Parse(Config.Push.NATS.URL); err != nil {
				return fmt.Errorf("invalid push nats url: %w", err)
			}
		case "kafka":
			if len(Config.Push.Kafka.Brokers) == 0 || Config.Push.Kafka.Topic == "" {
				return fmt.Errorf("kafka gateway requires brokers and topic")
			}
		case "log":
		default:
			return fmt.Errorf("invalid push gateway: %s", Config.Push.Gateway)
		}
		if Config.Push.RetryDelaySeconds < 1 {
			return fmt.Errorf("push retry delay must be >= 1 second")
		}
	}

	switch Config.Source.Type {
	case "none", "nats":
	case "kafka":
		if len(Config.Source.KafkaBrokers) == 0 {
			return fmt.Errorf("kafka source requires at least one broker")
		}
	default:
		return fmt.Errorf("invalid source type: %s", Config.Source.Type)
	}

	return nil
}

// StorePath resolves a store file name against the data directory
func StorePath(name string) string {
	if path.IsAbs(name) {
		return name
	}
	return path.Join(Config.DataDir, name)
}

// Seconds converts a configured second count to a duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
