package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig   `mapstructure:"server"`
	Liveness      LivenessConfig `mapstructure:"liveness"`
	Queue         QueueConfig    `mapstructure:"queue"`
	Fetch         FetchConfig    `mapstructure:"fetch"`
	Logging       LoggingConfig  `mapstructure:"logging"`
	Serve         ServeConfig    `mapstructure:"serve"`
	SchemaFile    string         `mapstructure:"schema_file"`
	FocusInterval time.Duration  `mapstructure:"focus_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.ws_url", "ws://localhost:8080/ws")
	v.SetDefault("server.snapshot_url", "http://localhost:8080/snapshot")
	v.SetDefault("server.binary", false)
	v.SetDefault("liveness.interval", "30s")
	v.SetDefault("liveness.margin", "1s")
	v.SetDefault("liveness.handshake_timeout", "10s")
	v.SetDefault("queue.max_pending", 1024)
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.retry_count", 3)
	v.SetDefault("fetch.retry_delay", "1s")
	v.SetDefault("fetch.rate_per_second", 2)
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")
	v.SetDefault("serve.port", "8080")
	v.SetDefault("serve.ping_interval", "30s")
	v.SetDefault("serve.pong_wait", "10s")
	v.SetDefault("serve.seed_file", "")
	v.SetDefault("schema_file", "")
	v.SetDefault("focus_interval", "0s")
}

// Load reads configuration from configPath (or ./configs/mirrorsync.yaml,
// ./mirrorsync.yaml when empty), overlaid with MIRRORSYNC_* environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variable support
	v.SetEnvPrefix("MIRRORSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("mirrorsync")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	errs.requireURL("server.ws_url", c.Server.WSURL, "ws", "wss")
	errs.requireURL("server.snapshot_url", c.Server.SnapshotURL, "http", "https")

	if c.Liveness.Interval <= 0 {
		errs.add("liveness.interval", "must be positive")
	}
	if c.Liveness.Margin < 0 {
		errs.add("liveness.margin", "must not be negative")
	}
	if c.Queue.MaxPending < 1 {
		errs.add("queue.max_pending", "must be >= 1")
	}
	if c.Fetch.RetryCount < 0 {
		errs.add("fetch.retry_count", "must not be negative")
	}
	if c.Fetch.RatePerSecond < 1 {
		errs.add("fetch.rate_per_second", "must be >= 1")
	}
	if c.FocusInterval < 0 {
		errs.add("focus_interval", "must not be negative")
	}
	if c.Serve.PingInterval < 0 {
		errs.add("serve.ping_interval", "must not be negative")
	}
	errs.requireLevel("logging.level", c.Logging.Level)

	if errs.HasErrors() {
		return errs
	}
	return nil
}
