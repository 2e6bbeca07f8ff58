package config

import "time"

// ServerConfig locates the replication server the client mirrors.
type ServerConfig struct {
	WSURL       string `mapstructure:"ws_url"`
	SnapshotURL string `mapstructure:"snapshot_url"`
	Binary      bool   `mapstructure:"binary"`
}

// LivenessConfig sets the keep-alive timer: interval plus margin.
type LivenessConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	Margin           time.Duration `mapstructure:"margin"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

type QueueConfig struct {
	MaxPending int `mapstructure:"max_pending"`
}

type FetchConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryCount    int           `mapstructure:"retry_count"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	RatePerSecond int           `mapstructure:"rate_per_second"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

// ServeConfig drives the development replication server.
type ServeConfig struct {
	Port         string        `mapstructure:"port"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	SeedFile     string        `mapstructure:"seed_file"`
}

// Addr is the listen address for the development server.
func (s ServeConfig) Addr() string {
	return ":" + s.Port
}

