package config

import (
	"EventPulse/internal/anomaly"
	"EventPulse/internal/breaker"
	"EventPulse/internal/ingest"
	"EventPulse/internal/logging"
	"EventPulse/internal/sink"
	"EventPulse/internal/window"
	"EventPulse/pkg/kafka"
	"flag"
	"fmt"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
	"os"
	"time"
)

// Config represents the application configuration
type Config struct {
	Kafka       kafka.Config      `yaml:"kafka"`
	Redis       sink.RedisConfig  `yaml:"redis"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Anomaly     anomaly.Config    `yaml:"anomaly"`
	Breaker     breaker.Config    `yaml:"breaker"`
	Ingest      ingest.Config     `yaml:"ingest"`
	Lag         LagConfig         `yaml:"lag"`
	HTTP        HTTPConfig        `yaml:"http"`
	Log         logging.Config    `yaml:"log"`
}

type WindowConfig struct {
	Size    time.Duration `yaml:"size"`
	Advance time.Duration `yaml:"advance"`
}

type AggregationConfig struct {
	UserActivity WindowConfig `yaml:"user_activity"`
	EventType    WindowConfig `yaml:"event_type"`
	// Grace is how long after its end a window still accepts events
	Grace time.Duration `yaml:"grace"`
	// OriginMs aligns window starts; 0 is the unix epoch
	OriginMs      int64             `yaml:"origin_ms"`
	SweepInterval time.Duration     `yaml:"sweep_interval"`
	Stripes       int               `yaml:"stripes"`
	Ring          window.RingConfig `yaml:"ring"`
}

type LagConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type HTTPConfig struct {
	Address         string        `yaml:"address"`
	MetricsPath     string        `yaml:"metrics_path"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the reference configuration
func Default() *Config {
	return &Config{
		Kafka: kafka.Config{
			Brokers:        "localhost:9092",
			Topic:          "events",
			GroupID:        "pipeline-consumer",
			RequestTimeout: 5 * time.Second,
		},
		Redis: sink.RedisConfig{
			Addr:         "localhost:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
			PoolSize:     20,
			DrainTimeout: 5 * time.Second,
		},
		Aggregation: AggregationConfig{
			UserActivity:  WindowConfig{Size: 5 * time.Minute, Advance: time.Minute},
			EventType:     WindowConfig{Size: time.Minute},
			Grace:         30 * time.Second,
			SweepInterval: time.Second,
			Stripes:       16,
			Ring:          window.DefaultRingConfig(),
		},
		Anomaly: anomaly.DefaultConfig(),
		Breaker: breaker.DefaultConfig(),
		Ingest:  ingest.DefaultConfig(),
		Lag: LagConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
		},
		HTTP: HTTPConfig{
			Address:         ":8080",
			MetricsPath:     "/metrics",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: logging.Config{Level: "info"},
	}
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// ParseFlags loads the file named by -config and applies command-line overrides
func ParseFlags(args []string) (*Config, error) {
	fs := flag.NewFlagSet("eventpulse", flag.ContinueOnError)
	path := fs.String("config", "", "Path to the YAML config file")
	brokers := fs.String("brokers", "", "Kafka broker addresses (overrides kafka.brokers)")
	redisAddr := fs.String("redis", "", "Redis address (overrides redis.addr)")
	addr := fs.String("addr", "", "HTTP listen address (overrides http.address)")
	level := fs.String("log-level", "", "Log level (overrides log.level)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := Load(*path)
	if err != nil {
		return nil, err
	}

	if *brokers != "" {
		cfg.Kafka.Brokers = *brokers
	}
	if *redisAddr != "" {
		cfg.Redis.Addr = *redisAddr
	}
	if *addr != "" {
		cfg.HTTP.Address = *addr
	}
	if *level != "" {
		cfg.Log.Level = *level
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var err error
	check := func(ok bool, msg string, args ...interface{}) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf(msg, args...))
		}
	}

	check(c.Kafka.Brokers != "", "kafka.brokers is required")
	check(c.Kafka.Topic != "", "kafka.topic is required")
	check(c.Kafka.GroupID != "", "kafka.group_id is required")
	check(c.Redis.Addr != "", "redis.addr is required")

	for name, w := range map[string]WindowConfig{
		"user_activity": c.Aggregation.UserActivity,
		"event_type":    c.Aggregation.EventType,
	} {
		if gerr := window.CheckGeometry(w.Size, w.Advance); gerr != nil {
			err = multierr.Append(err, fmt.Errorf("aggregation.%s: %w", name, gerr))
		}
	}
	check(c.Aggregation.Grace >= 0, "aggregation.grace must not be negative")
	check(c.Aggregation.SweepInterval > 0, "aggregation.sweep_interval must be positive")
	check(c.Aggregation.Stripes >= 1, "aggregation.stripes must be at least 1")

	if gerr := window.CheckGeometry(c.Anomaly.Window, 0); gerr != nil {
		err = multierr.Append(err, fmt.Errorf("anomaly.window: %w", gerr))
	}
	check(c.Anomaly.Threshold > 0, "anomaly.threshold must be positive")
	check(c.Anomaly.HighValueListMax > 0, "anomaly.high_value_list_max must be positive")

	check(c.Breaker.FailureRateThreshold > 0 && c.Breaker.FailureRateThreshold <= 100,
		"breaker.failure_rate_threshold must be in (0, 100]")
	check(c.Breaker.WindowSize >= 1, "breaker.window_size must be at least 1")
	check(c.Breaker.Cooldown > 0, "breaker.cooldown must be positive")

	check(c.Ingest.PollTimeout > 0, "ingest.poll_timeout must be positive")
	check(c.Ingest.RetryBackoff >= 0, "ingest.retry_backoff must not be negative")
	check(c.Ingest.DedupeSize > 0, "ingest.dedupe_size must be positive")
	check(!c.Lag.Enabled || c.Lag.Interval > 0, "lag.interval must be positive")

	check(c.HTTP.Address != "", "http.address is required")
	check(c.HTTP.MetricsPath != "", "http.metrics_path is required")

	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
