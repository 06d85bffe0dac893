package config

import "time"

// Config is the root configuration for a stream client instance.
type Config struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Stream    StreamConfig    `yaml:"stream"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Commands  CommandsConfig  `yaml:"commands"`
	Journal   JournalConfig   `yaml:"journal"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// InstanceConfig identifies this client.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// StreamConfig holds event feed connection settings.
type StreamConfig struct {
	URL              string        `yaml:"url"`
	Token            string        `yaml:"token"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	QueueCapacity    int           `yaml:"queue_capacity"` // Initial inbound queue size
}

// ReconnectConfig holds backoff settings.
type ReconnectConfig struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     *float64      `yaml:"jitter"` // Randomization factor; 0 disables jitter
}

// JitterFactor returns the configured jitter, or the default when unset.
func (r ReconnectConfig) JitterFactor() float64 {
	if r.Jitter == nil {
		return DefaultReconnectJitter
	}
	return *r.Jitter
}

// CommandsConfig bounds pending trade command tracking.
type CommandsConfig struct {
	MaxPending int           `yaml:"max_pending"`
	PendingTTL time.Duration `yaml:"pending_ttl"`
}

// JournalConfig holds the optional trade journal settings.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
