package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the APM agent.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Storage     StorageConfig     `yaml:"storage"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Watchers    WatchersConfig    `yaml:"watchers"`
	Analytics   AnalyticsConfig   `yaml:"analytics"`
	Alerts      AlertsConfig      `yaml:"alerts"`
}

// ServerConfig controls the admin and metrics listeners.
type ServerConfig struct {
	AdminAddress    string        `yaml:"adminAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StorageConfig selects and configures the recording sink.
type StorageConfig struct {
	Backend     string        `yaml:"backend"` // "memory" or "redis"
	RecentLimit int           `yaml:"recentLimit"`
	EntryTTL    time.Duration `yaml:"entryTTL"`
	Redis       RedisConfig   `yaml:"redis"`
}

// RedisConfig holds connection parameters for the Redis-backed sink.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"poolSize"`
	MinIdleConns int           `yaml:"minIdleConns"`
	MaxRetries   int           `yaml:"maxRetries"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
}

// BreakerConfig supplies per-circuit defaults.
type BreakerConfig struct {
	FailureThreshold   int           `yaml:"failureThreshold"`
	TimeoutThreshold   time.Duration `yaml:"timeoutThreshold"`
	ResetTimeout       time.Duration `yaml:"resetTimeout"`
	HalfOpenMaxCalls   int           `yaml:"halfOpenMaxCalls"`
	SuccessThreshold   int           `yaml:"successThreshold"`
	MonitoringInterval time.Duration `yaml:"monitoringInterval"`
	MinimumRequests    int           `yaml:"minimumRequests"`
	MonitoringWindow   time.Duration `yaml:"monitoringWindow"`
}

// CorrelationConfig tunes the trace-join engine.
type CorrelationConfig struct {
	CompletionDelay time.Duration `yaml:"completionDelay"`
	StaleTimeout    time.Duration `yaml:"staleTimeout"`
	SweepInterval   time.Duration `yaml:"sweepInterval"`
	HistorySize     int           `yaml:"historySize"`
	RulesPath       string        `yaml:"rulesPath"`
}

// WatchersConfig groups per-domain tracker settings.
type WatchersConfig struct {
	Cache      CacheWatcherConfig     `yaml:"cache"`
	Jobs       JobWatcherConfig       `yaml:"jobs"`
	Exceptions ExceptionWatcherConfig `yaml:"exceptions"`
	Requests   RequestWatcherConfig   `yaml:"requests"`
	Sanitize   SanitizeConfig         `yaml:"sanitize"`
}

// WatcherConfig carries the settings every tracker shares.
type WatcherConfig struct {
	Enabled    bool          `yaml:"enabled"`
	SampleRate float64       `yaml:"sampleRate"` // percentage, 0-100
	MaxHistory int           `yaml:"maxHistory"`
	Retention  time.Duration `yaml:"retention"`
}

// CacheWatcherConfig tunes the cache tracker.
type CacheWatcherConfig struct {
	WatcherConfig     `yaml:",inline"`
	ExcludeOperations []string      `yaml:"excludeOperations"`
	IncludePatterns   []string      `yaml:"includePatterns"`
	ExcludePatterns   []string      `yaml:"excludePatterns"`
	SlowThreshold     time.Duration `yaml:"slowThreshold"`
	MinHitRate        float64       `yaml:"minHitRate"`
	MaxMissRate       float64       `yaml:"maxMissRate"`
}

// JobWatcherConfig tunes the job tracker.
type JobWatcherConfig struct {
	WatcherConfig  `yaml:",inline"`
	ExcludeQueues  []string      `yaml:"excludeQueues"`
	ExcludeJobs    []string      `yaml:"excludeJobs"`
	SlowThreshold  time.Duration `yaml:"slowThreshold"`
	MaxFailureRate float64       `yaml:"maxFailureRate"`
	FailureWindow  time.Duration `yaml:"failureWindow"`
	TopN           int           `yaml:"topN"`
}

// ExceptionWatcherConfig tunes the exception tracker.
type ExceptionWatcherConfig struct {
	WatcherConfig `yaml:",inline"`
	ExcludeTypes  []string `yaml:"excludeTypes"`
	MaxErrorRate  float64  `yaml:"maxErrorRate"`
}

// RequestWatcherConfig tunes the request tracker.
type RequestWatcherConfig struct {
	WatcherConfig   `yaml:",inline"`
	ExcludePaths    []string      `yaml:"excludePaths"`
	SlowThreshold   time.Duration `yaml:"slowThreshold"`
	MaxErrorRate    float64       `yaml:"maxErrorRate"`
	MemoryCeilingMB int           `yaml:"memoryCeilingMB"`
}

// SanitizeConfig controls payload redaction and truncation.
type SanitizeConfig struct {
	SensitivePatterns []string `yaml:"sensitivePatterns"`
	MaxValueBytes     int      `yaml:"maxValueBytes"`
}

// AnalyticsConfig controls periodic rollups.
type AnalyticsConfig struct {
	Interval    time.Duration `yaml:"interval"`
	TrendWindow time.Duration `yaml:"trendWindow"`
	TrendBucket time.Duration `yaml:"trendBucket"`
}

// AlertsConfig bounds the alert store.
type AlertsConfig struct {
	MaxHistory int `yaml:"maxHistory"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("PULSE_APM_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	watcherDefaults := WatcherConfig{
		Enabled:    true,
		SampleRate: 100,
		MaxHistory: 1000,
		Retention:  time.Hour,
	}

	return Config{
		Server: ServerConfig{
			AdminAddress:    ":8844",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Storage: StorageConfig{
			Backend:     "memory",
			RecentLimit: 1000,
			EntryTTL:    time.Hour,
			Redis: RedisConfig{
				PoolSize:     100,
				MinIdleConns: 10,
				MaxRetries:   3,
				DialTimeout:  2 * time.Second,
			},
		},
		Breaker: BreakerConfig{
			FailureThreshold:   5,
			TimeoutThreshold:   5 * time.Second,
			ResetTimeout:       30 * time.Second,
			HalfOpenMaxCalls:   3,
			SuccessThreshold:   2,
			MonitoringInterval: 10 * time.Second,
			MinimumRequests:    10,
			MonitoringWindow:   time.Minute,
		},
		Correlation: CorrelationConfig{
			CompletionDelay: 5 * time.Second,
			StaleTimeout:    5 * time.Minute,
			SweepInterval:   time.Minute,
			HistorySize:     1000,
			RulesPath:       "configs/rules/default.yaml",
		},
		Watchers: WatchersConfig{
			Cache: CacheWatcherConfig{
				WatcherConfig: watcherDefaults,
				SlowThreshold: 50 * time.Millisecond,
				MinHitRate:    70,
				MaxMissRate:   50,
			},
			Jobs: JobWatcherConfig{
				WatcherConfig:  watcherDefaults,
				SlowThreshold:  30 * time.Second,
				MaxFailureRate: 20,
				FailureWindow:  time.Hour,
				TopN:           10,
			},
			Exceptions: ExceptionWatcherConfig{
				WatcherConfig: watcherDefaults,
				MaxErrorRate:  10,
			},
			Requests: RequestWatcherConfig{
				WatcherConfig:   watcherDefaults,
				SlowThreshold:   time.Second,
				MaxErrorRate:    10,
				MemoryCeilingMB: 512,
			},
			Sanitize: SanitizeConfig{
				SensitivePatterns: []string{"password", "token", "secret", "key", "auth"},
				MaxValueBytes:     64 * 1024,
			},
		},
		Analytics: AnalyticsConfig{
			Interval:    time.Minute,
			TrendWindow: 24 * time.Hour,
			TrendBucket: time.Hour,
		},
		Alerts: AlertsConfig{MaxHistory: 500},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PULSE_APM_ADMIN_ADDRESS"); v != "" {
		cfg.Server.AdminAddress = v
	}
	if v := os.Getenv("PULSE_APM_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("PULSE_APM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PULSE_APM_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("PULSE_APM_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("PULSE_APM_REDIS_ADDR"); v != "" {
		cfg.Storage.Redis.Addr = v
	}
	if v := os.Getenv("PULSE_APM_REDIS_PASSWORD"); v != "" {
		cfg.Storage.Redis.Password = v
	}
	if v := os.Getenv("PULSE_APM_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Storage.Redis.DB = db
		}
	}
	if v := os.Getenv("PULSE_APM_RULES_PATH"); v != "" {
		cfg.Correlation.RulesPath = v
	}
	if v := os.Getenv("PULSE_APM_COMPLETION_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Correlation.CompletionDelay = d
		}
	}
	if v := os.Getenv("PULSE_APM_STALE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Correlation.StaleTimeout = d
		}
	}
	if v := os.Getenv("PULSE_APM_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Correlation.SweepInterval = d
		}
	}
	if v := os.Getenv("PULSE_APM_ANALYTICS_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Analytics.Interval = d
		}
	}
}
