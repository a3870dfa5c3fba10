package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"threadsync/cmd/internal/bus"
)

// Config contains all runtime configuration.
//
// Values come from an optional YAML file named by THREADSYNC_CONFIG, then
// THREADSYNC_* environment variables override whatever the file set.
type Config struct {
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`

	DatabaseURL string `yaml:"database_url"`
	DBMaxConns  int32  `yaml:"db_max_conns"`
	DBMinConns  int32  `yaml:"db_min_conns"`
	DBSchema    string `yaml:"db_schema"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `yaml:"readiness_require_db"`

	CORSAllowedOrigins   []string `yaml:"cors_allowed_origins"`
	CORSAllowCredentials bool     `yaml:"cors_allow_credentials"`
	CORSMaxAgeSeconds    int      `yaml:"cors_max_age_seconds"`

	HubQueueSize int `yaml:"hub_queue_size"`

	WSDevInsecure       bool          `yaml:"ws_dev_insecure"`
	WSOriginRequired    bool          `yaml:"ws_origin_required"`
	WSAllowedOrigins    []string      `yaml:"ws_allowed_origins"`
	WSWriteTimeout      time.Duration `yaml:"ws_write_timeout"`
	WSReadIdleTimeout   time.Duration `yaml:"ws_read_idle_timeout"`
	WSSendQueueSize     int           `yaml:"ws_send_queue_size"`
	WSHeartbeatInterval time.Duration `yaml:"ws_heartbeat_interval"`
	WSHeartbeatTimeout  time.Duration `yaml:"ws_heartbeat_timeout"`
	WSRateEvents        int           `yaml:"ws_rate_events"`
	WSRateWindow        time.Duration `yaml:"ws_rate_window"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	gw := bus.DefaultGatewayConfig()
	return Config{
		HTTPAddr:  "0.0.0.0:8080",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,

		DBMaxConns: 10,
		DBSchema:   "threadsync",

		CORSMaxAgeSeconds: 600,

		WSOriginRequired: gw.OriginRequired,
		WSAllowedOrigins: gw.AllowedOrigins,
	}
}

// LoadConfig builds Config from defaults, the optional YAML file and the
// environment, in that order.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := EnvString("THREADSYNC_CONFIG", ""); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = EnvString("THREADSYNC_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("THREADSYNC_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("THREADSYNC_LOG_FORMAT", cfg.LogFormat)

	cfg.ReadHeaderTimeout = EnvDuration("THREADSYNC_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("THREADSYNC_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("THREADSYNC_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("THREADSYNC_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = EnvInt("THREADSYNC_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)

	cfg.DatabaseURL = EnvString("THREADSYNC_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = EnvInt32("THREADSYNC_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("THREADSYNC_DB_MIN_CONNS", cfg.DBMinConns)
	cfg.DBSchema = EnvString("THREADSYNC_DB_SCHEMA", cfg.DBSchema)

	cfg.ReadinessRequireDB = EnvBool("THREADSYNC_READINESS_REQUIRE_DB", cfg.ReadinessRequireDB)

	cfg.CORSAllowedOrigins = EnvCSV("THREADSYNC_CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
	cfg.CORSAllowCredentials = EnvBool("THREADSYNC_CORS_ALLOW_CREDENTIALS", cfg.CORSAllowCredentials)
	cfg.CORSMaxAgeSeconds = EnvInt("THREADSYNC_CORS_MAX_AGE_SECONDS", cfg.CORSMaxAgeSeconds)

	cfg.HubQueueSize = EnvInt("THREADSYNC_HUB_QUEUE_SIZE", cfg.HubQueueSize)

	cfg.WSDevInsecure = EnvBool("THREADSYNC_WS_DEV_INSECURE", cfg.WSDevInsecure)
	cfg.WSOriginRequired = EnvBool("THREADSYNC_WS_ORIGIN_REQUIRED", cfg.WSOriginRequired)
	cfg.WSAllowedOrigins = EnvCSV("THREADSYNC_WS_ALLOWED_ORIGINS", cfg.WSAllowedOrigins)
	cfg.WSWriteTimeout = EnvDuration("THREADSYNC_WS_WRITE_TIMEOUT", cfg.WSWriteTimeout)
	cfg.WSReadIdleTimeout = EnvDuration("THREADSYNC_WS_READ_IDLE_TIMEOUT", cfg.WSReadIdleTimeout)
	cfg.WSSendQueueSize = EnvInt("THREADSYNC_WS_SEND_QUEUE", cfg.WSSendQueueSize)
	cfg.WSHeartbeatInterval = EnvDuration("THREADSYNC_WS_HEARTBEAT_INTERVAL", cfg.WSHeartbeatInterval)
	cfg.WSHeartbeatTimeout = EnvDuration("THREADSYNC_WS_HEARTBEAT_TIMEOUT", cfg.WSHeartbeatTimeout)
	cfg.WSRateEvents = EnvInt("THREADSYNC_WS_RATE_EVENTS", cfg.WSRateEvents)
	cfg.WSRateWindow = EnvDuration("THREADSYNC_WS_RATE_WINDOW", cfg.WSRateWindow)
}

// GatewayConfig maps the WS knobs onto the bus gateway policy.
func (c Config) GatewayConfig() bus.GatewayConfig {
	return bus.GatewayConfig{
		DevInsecure:       c.WSDevInsecure,
		OriginRequired:    c.WSOriginRequired,
		AllowedOrigins:    c.WSAllowedOrigins,
		WriteTimeout:      c.WSWriteTimeout,
		ReadIdleTimeout:   c.WSReadIdleTimeout,
		SendQueueSize:     c.WSSendQueueSize,
		HeartbeatInterval: c.WSHeartbeatInterval,
		HeartbeatTimeout:  c.WSHeartbeatTimeout,
		RateEvents:        c.WSRateEvents,
		RateWindow:        c.WSRateWindow,
	}
}

// Validate rejects combinations the server cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("config: empty http_addr")
	}
	if c.DBMinConns > c.DBMaxConns && c.DBMaxConns > 0 {
		return fmt.Errorf("config: db_min_conns (%d) > db_max_conns (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.CORSAllowCredentials {
		for _, o := range c.CORSAllowedOrigins {
			if strings.TrimSpace(o) == "*" {
				return fmt.Errorf("config: cors wildcard origin cannot be combined with credentials")
			}
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "pretty", "text":
	default:
		return fmt.Errorf("config: unknown log_format %q", c.LogFormat)
	}
	return nil
}
