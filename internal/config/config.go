// Package config provides the mandategate configuration schema.
//
// Configuration is file-based (YAML) with environment variable overrides.
// Startup validation fails closed: an invalid configuration never boots a
// half-working service.
package config

import "github.com/spf13/viper"

// Config is the top-level mandategate configuration.
type Config struct {
	// Server configures the HTTP listener and the admin surface.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Database configures the persistent store.
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// Redis configures the optional distributed state backend. When
	// disabled, runtime state lives in process memory.
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`

	// Audit tunes the async audit pipeline.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// SeedFile is an optional YAML file of agents, policies, and rules to
	// load on boot. Seeding is idempotent; existing entries are kept.
	SeedFile string `yaml:"seed_file" mapstructure:"seed_file"`
}

// ServerConfig configures the HTTP server.
// TLS is out of scope; terminate it at a reverse proxy.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:3000").
	// Defaults to "127.0.0.1:3000" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error". Defaults to "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// Environment tags the deployment. Agents registered for one
	// environment never share policies with another deployment.
	Environment string `yaml:"environment" mapstructure:"environment" validate:"required,oneof=development staging production"`

	// BootstrapSecret protects the admin surface (agent registration,
	// policy and rule CRUD). Requests must carry it as a bearer token.
	// Minimum 32 characters; there is no default.
	BootstrapSecret string `yaml:"bootstrap_secret" mapstructure:"bootstrap_secret" validate:"required,min=32"`
}

// DatabaseConfig configures the persistent store.
type DatabaseConfig struct {
	// URL locates the SQLite database. Valid forms:
	// "sqlite:///absolute/path.db", an absolute or relative file path,
	// or ":memory:" for tests.
	URL string `yaml:"url" mapstructure:"url" validate:"required,database_url"`
}

// RedisConfig configures the optional Redis state backend.
type RedisConfig struct {
	// Enabled switches runtime state from process memory to Redis.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Addr is the Redis server address (e.g., "localhost:6379").
	// Required when Enabled.
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`

	// Password authenticates to Redis. Optional.
	Password string `yaml:"password" mapstructure:"password"`

	// DB selects the Redis logical database. Defaults to 0.
	DB int `yaml:"db" mapstructure:"db" validate:"min=0"`
}

// AuditConfig tunes the async audit pipeline.
type AuditConfig struct {
	// ChannelSize is the buffer size for the audit channel.
	// Defaults to 1000 if not specified or 0.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of records to batch before writing.
	// Defaults to 100 if not specified or 0.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often to flush pending records (e.g., "1s").
	// Defaults to "1s" if not specified.
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty"`

	// SendTimeout is how long Append blocks when the channel is full
	// before dropping (e.g., "100ms", "0"). Defaults to "100ms".
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty"`

	// WarningThreshold is the channel-depth percentage (0-100) at which
	// to log warnings. 0 disables. Defaults to 80.
	WarningThreshold int `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"omitempty,min=0,max=100"`

	// MirrorDir, when set, enables a JSON Lines mirror of the audit trail
	// in this directory, with daily rotation and retention cleanup.
	MirrorDir string `yaml:"mirror_dir" mapstructure:"mirror_dir"`

	// MirrorRetentionDays is how many days of mirror files to keep.
	// Defaults to 7.
	MirrorRetentionDays int `yaml:"mirror_retention_days" mapstructure:"mirror_retention_days" validate:"omitempty,min=1"`

	// MirrorMaxFileSizeMB caps a single mirror file before rotation.
	// Defaults to 100.
	MirrorMaxFileSizeMB int `yaml:"mirror_max_file_size_mb" mapstructure:"mirror_max_file_size_mb" validate:"omitempty,min=1"`
}

// SetDefaults applies default values to optional fields.
func (c *Config) SetDefaults() {
	// Bind to localhost only; network exposure must be explicit.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:3000"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.Environment == "" && !viper.IsSet("server.environment") {
		c.Server.Environment = "development"
	}

	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "100ms"
	}
	if c.Audit.WarningThreshold == 0 {
		c.Audit.WarningThreshold = 80
	}
}
