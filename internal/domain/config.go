package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Environment string         `mapstructure:"environment"`
	Server      ServerConfig   `mapstructure:"server"`
	Database    DatabaseConfig `mapstructure:"database"`
	Archive     ArchiveConfig  `mapstructure:"archive"`
	Catalog     CatalogConfig  `mapstructure:"catalog"`
	Pipeline    PipelineConfig `mapstructure:"pipeline"`
	History     HistoryConfig  `mapstructure:"history"`
	Alerting    AlertingConfig `mapstructure:"alerting"`
	Logging     LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	TLSEnabled   bool          `mapstructure:"tls_enabled"`
	CertFile     string        `mapstructure:"cert_file"`
	KeyFile      string        `mapstructure:"key_file"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ArchiveConfig selects and configures the alert archive backend
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Backend string `mapstructure:"backend"` // "sqlite" or "postgres"
	Path    string `mapstructure:"path"`    // sqlite file path
}

// CatalogConfig points at the test catalog source
type CatalogConfig struct {
	// File is an optional JSON catalog; empty means built-in definitions
	File string `mapstructure:"file"`
}

// PipelineConfig sizes the result-processing pool
type PipelineConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// HistoryConfig bounds the in-memory result history
type HistoryConfig struct {
	MaxSeries int `mapstructure:"max_series"`
	MaxLength int `mapstructure:"max_length"`
}

// AlertingConfig tunes the alert engine
type AlertingConfig struct {
	ChannelTimeout      time.Duration `mapstructure:"channel_timeout"`
	MaxHistory          int           `mapstructure:"max_history"`
	AbsoluteBreachLevel string        `mapstructure:"absolute_breach_level"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
