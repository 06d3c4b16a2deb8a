package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/labqc/labqc-server/internal/domain"
)

// Manager loads and validates application configuration using Viper
type Manager struct {
	config *domain.Config
}

// NewManager creates a new configuration manager
func NewManager() (*Manager, error) {
	m := &Manager{}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	// Set configuration file name and paths
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/labqc-server/")

	// Set environment variable prefix and enable automatic env binding
	viper.SetEnvPrefix("LABQC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	m.setDefaults()

	// Read configuration file (optional - will use defaults and env vars if not found)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

// setDefaults sets default configuration values
func (m *Manager) setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.tls_enabled", false)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "labqc")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	// Archive defaults
	viper.SetDefault("archive.enabled", true)
	viper.SetDefault("archive.backend", "sqlite")
	viper.SetDefault("archive.path", "data/alerts.db")

	// Catalog defaults: empty file means built-in definitions
	viper.SetDefault("catalog.file", "")

	// Pipeline defaults
	viper.SetDefault("pipeline.workers", 8)
	viper.SetDefault("pipeline.queue_size", 256)

	// History defaults
	viper.SetDefault("history.max_series", 4096)
	viper.SetDefault("history.max_length", 128)

	// Alerting defaults
	viper.SetDefault("alerting.channel_timeout", "10s")
	viper.SetDefault("alerting.max_history", 1000)
	viper.SetDefault("alerting.absolute_breach_level", "critical")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Archive.Enabled {
		switch config.Archive.Backend {
		case "sqlite":
			if config.Archive.Path == "" {
				return fmt.Errorf("archive path is required for the sqlite backend")
			}
		case "postgres":
			if config.Database.Host == "" {
				return fmt.Errorf("database host is required for the postgres backend")
			}
			if config.Database.Database == "" {
				return fmt.Errorf("database name is required for the postgres backend")
			}
			if config.Database.Username == "" {
				return fmt.Errorf("database username is required for the postgres backend")
			}
		default:
			return fmt.Errorf("invalid archive backend: %s", config.Archive.Backend)
		}
	}

	if config.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline workers must be positive: %d", config.Pipeline.Workers)
	}

	level := domain.AlertLevel(config.Alerting.AbsoluteBreachLevel)
	if !level.Valid() {
		return fmt.Errorf("invalid absolute breach level: %s", config.Alerting.AbsoluteBreachLevel)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetDatabaseConnectionString returns a formatted database connection string
func (m *Manager) GetDatabaseConnectionString() string {
	db := m.config.Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(viper.GetString("environment")) == "production"
}

// IsDevelopment returns true if running in development mode
func (m *Manager) IsDevelopment() bool {
	env := strings.ToLower(viper.GetString("environment"))
	return env == "development" || env == "dev" || env == ""
}
