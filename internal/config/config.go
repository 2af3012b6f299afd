// Package config loads and validates the daemon's declarative YAML
// configuration, with CHILDGUARD_* environment overrides layered on top.
// There is no dynamic evaluation: every value is either in the file, an
// environment override, or a documented default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/childguard/daemon/internal/errs"
)

// Config is the full daemon configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Engine    EngineConfig    `yaml:"engine"`
	Enforce   EnforceConfig   `yaml:"enforce"`
	IPC       IPCConfig       `yaml:"ipc"`
	Admin     AdminConfig     `yaml:"admin"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Timezone  string          `yaml:"timezone"`
}

type StoreConfig struct {
	Path              string        `yaml:"path"`
	GraphPath         string        `yaml:"graph_path"`
	ArchivePath       string        `yaml:"archive_path"`
	RetentionDays     int           `yaml:"retention_days"`
	ArchiveCron       string        `yaml:"archive_cron"`
	BusyTimeout       time.Duration `yaml:"busy_timeout"`
	KDFMemoryKiB      uint32        `yaml:"kdf_memory_kib"`
	KDFIterations     uint32        `yaml:"kdf_iterations"`
	KDFParallelism    uint8         `yaml:"kdf_parallelism"`
}

type IngestConfig struct {
	ReorderWindow         time.Duration `yaml:"reorder_window"`
	RingBufferBytes       int           `yaml:"ring_buffer_bytes"`
	DedupCacheSize        int           `yaml:"dedup_cache_size"`
	QueueCapacity         int           `yaml:"queue_capacity"`
	HeartbeatGraceSeconds int           `yaml:"heartbeat_grace_seconds"`
}

type EngineConfig struct {
	TickInterval           time.Duration `yaml:"tick_interval"`
	DecisionCacheSize      int           `yaml:"decision_cache_size"`
	DecisionCacheTTL       time.Duration `yaml:"decision_cache_ttl"`
	WarningLeadSeconds     int           `yaml:"warning_lead_seconds"`
	IdleThresholdSeconds   int           `yaml:"idle_threshold_seconds"`
	WarningDebounceMinutes int           `yaml:"warning_debounce_minutes"`
	FailClosed             bool          `yaml:"fail_closed"`
	TailscaleExempt        bool          `yaml:"tailscale_exempt"`
	ClockJumpThreshold     time.Duration `yaml:"clock_jump_threshold"`
}

type EnforceConfig struct {
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
}

type IPCConfig struct {
	SocketPath     string        `yaml:"socket_path"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	MaxFrameBytes  int           `yaml:"max_frame_bytes"`
}

type AdminConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	JWTSecret    string        `yaml:"jwt_secret"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the built-in configuration used when no file is present
// and no overrides apply.
func Default() *Config {
	return &Config{
		Timezone: "UTC",
		Store: StoreConfig{
			Path:           "/var/lib/childguard/childguard.db",
			GraphPath:      "/var/lib/childguard/graph",
			ArchivePath:    "/var/lib/childguard/archive",
			RetentionDays:  90,
			ArchiveCron:    "0 3 1 * *",
			BusyTimeout:    5 * time.Second,
			KDFMemoryKiB:   64 * 1024,
			KDFIterations:  3,
			KDFParallelism: 2,
		},
		Ingest: IngestConfig{
			ReorderWindow:         100 * time.Millisecond,
			RingBufferBytes:       4 * 1024 * 1024,
			DedupCacheSize:        4096,
			QueueCapacity:         1024,
			HeartbeatGraceSeconds: 30,
		},
		Engine: EngineConfig{
			TickInterval:           10 * time.Second,
			DecisionCacheSize:      2048,
			DecisionCacheTTL:       2 * time.Second,
			WarningLeadSeconds:     300,
			IdleThresholdSeconds:   60,
			WarningDebounceMinutes: 10,
			FailClosed:             true,
			TailscaleExempt:        false,
			ClockJumpThreshold:     5 * time.Minute,
		},
		Enforce: EnforceConfig{
			RetryBaseDelay: 250 * time.Millisecond,
			RetryMaxDelay:  10 * time.Second,
			RateLimitRPS:   5,
		},
		IPC: IPCConfig{
			SocketPath:    "/run/childguard/childguard.sock",
			ReadTimeout:   5 * time.Second,
			MaxFrameBytes: 1 << 20,
		},
		Admin: AdminConfig{
			ListenAddr: "127.0.0.1:9491",
			TokenTTL:   12 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9492",
		},
	}
}

// Load reads path (if it exists) over the defaults, then applies
// CHILDGUARD_* environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, errs.Wrap(errs.CodeConfigInvalid, "reading config file "+path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errs.Wrap(errs.CodeConfigInvalid, "parsing config file "+path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers CHILDGUARD_* environment variables over the
// loaded configuration. Only the handful of operationally-common knobs are
// overridable this way; everything else belongs in the file.
func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("CHILDGUARD_STORE_PATH"); ok {
		cfg.Store.Path = v
	}
	if v, ok := os.LookupEnv("CHILDGUARD_LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := os.LookupEnv("CHILDGUARD_LOG_FORMAT"); ok {
		cfg.Logging.Format = v
	}
	if v, ok := os.LookupEnv("CHILDGUARD_IPC_SOCKET"); ok {
		cfg.IPC.SocketPath = v
	}
	if v, ok := os.LookupEnv("CHILDGUARD_ADMIN_LISTEN_ADDR"); ok {
		cfg.Admin.ListenAddr = v
	}
	if v, ok := os.LookupEnv("CHILDGUARD_JWT_SECRET"); ok {
		cfg.Admin.JWTSecret = v
	}
	if v, ok := os.LookupEnv("CHILDGUARD_TIMEZONE"); ok {
		cfg.Timezone = v
	}
	if v, ok := os.LookupEnv("CHILDGUARD_METRICS_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.Enabled = b
		}
	}
	if v, ok := os.LookupEnv("CHILDGUARD_FAIL_CLOSED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Engine.FailClosed = b
		}
	}
}

// Validate checks internal consistency beyond what YAML unmarshalling
// already guarantees.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return errs.New(errs.CodeConfigInvalid, "store.path must not be empty")
	}
	if c.Store.RetentionDays <= 0 {
		return errs.New(errs.CodeConfigInvalid, "store.retention_days must be positive")
	}
	if c.Store.KDFMemoryKiB < 8*1024 {
		return errs.New(errs.CodeConfigInvalid, "store.kdf_memory_kib must be at least 8192 (8 MiB)")
	}
	if c.Ingest.ReorderWindow < 0 {
		return errs.New(errs.CodeConfigInvalid, "ingest.reorder_window must not be negative")
	}
	if c.Engine.TickInterval <= 0 {
		return errs.New(errs.CodeConfigInvalid, "engine.tick_interval must be positive")
	}
	if c.Engine.DecisionCacheSize <= 0 {
		return errs.New(errs.CodeConfigInvalid, "engine.decision_cache_size must be positive")
	}
	if c.Engine.IdleThresholdSeconds <= 0 {
		return errs.New(errs.CodeConfigInvalid, "engine.idle_threshold_seconds must be positive")
	}
	if c.Engine.WarningDebounceMinutes <= 0 {
		return errs.New(errs.CodeConfigInvalid, "engine.warning_debounce_minutes must be positive")
	}
	if c.Ingest.HeartbeatGraceSeconds <= 0 {
		return errs.New(errs.CodeConfigInvalid, "ingest.heartbeat_grace_seconds must be positive")
	}
	if c.Enforce.RateLimitRPS <= 0 {
		return errs.New(errs.CodeConfigInvalid, "enforce.rate_limit_rps must be positive")
	}
	if c.IPC.SocketPath == "" {
		return errs.New(errs.CodeConfigInvalid, "ipc.socket_path must not be empty")
	}
	if c.Admin.ListenAddr == "" {
		return errs.New(errs.CodeConfigInvalid, "admin.listen_addr must not be empty")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return errs.New(errs.CodeConfigInvalid, fmt.Sprintf("logging.format must be console or json, got %q", c.Logging.Format))
	}
	return nil
}
