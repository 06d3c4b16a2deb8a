package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager()
	require.NoError(t, err)
	return m
}

func TestNewManager_Defaults(t *testing.T) {
	m := newTestManager(t)
	cfg := m.GetConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.True(t, cfg.Archive.Enabled)
	assert.Equal(t, "sqlite", cfg.Archive.Backend)
	assert.Equal(t, "data/alerts.db", cfg.Archive.Path)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, 256, cfg.Pipeline.QueueSize)
	assert.Equal(t, 4096, cfg.History.MaxSeries)
	assert.Equal(t, "critical", cfg.Alerting.AbsoluteBreachLevel)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestManager_ValidateDefaults(t *testing.T) {
	m := newTestManager(t)
	assert.NoError(t, m.Validate())
}

func TestManager_ValidateFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m *Manager)
		wantErr string
	}{
		{
			name:    "bad port",
			mutate:  func(m *Manager) { m.config.Server.Port = -1 },
			wantErr: "invalid server port",
		},
		{
			name:    "sqlite without path",
			mutate:  func(m *Manager) { m.config.Archive.Path = "" },
			wantErr: "archive path is required",
		},
		{
			name: "postgres without host",
			mutate: func(m *Manager) {
				m.config.Archive.Backend = "postgres"
				m.config.Database.Host = ""
			},
			wantErr: "database host is required",
		},
		{
			name:    "unknown backend",
			mutate:  func(m *Manager) { m.config.Archive.Backend = "cassandra" },
			wantErr: "invalid archive backend",
		},
		{
			name:    "non-positive workers",
			mutate:  func(m *Manager) { m.config.Pipeline.Workers = 0 },
			wantErr: "pipeline workers must be positive",
		},
		{
			name:    "bad breach level",
			mutate:  func(m *Manager) { m.config.Alerting.AbsoluteBreachLevel = "severe" },
			wantErr: "invalid absolute breach level",
		},
		{
			name:    "bad log level",
			mutate:  func(m *Manager) { m.config.Logging.Level = "verbose" },
			wantErr: "invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t)
			tt.mutate(m)
			err := m.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestManager_EnvironmentOverride(t *testing.T) {
	t.Setenv("LABQC_SERVER_PORT", "9090")
	t.Setenv("LABQC_ARCHIVE_BACKEND", "postgres")

	m := newTestManager(t)
	cfg := m.GetConfig()
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Archive.Backend)
}

func TestManager_DatabaseConnectionString(t *testing.T) {
	m := newTestManager(t)
	m.config.Database.Host = "db.internal"
	m.config.Database.Password = "secret"

	dsn := m.GetDatabaseConnectionString()
	assert.Contains(t, dsn, "host=db.internal")
	assert.Contains(t, dsn, "password=secret")
	assert.Contains(t, dsn, "dbname=labqc")
	assert.Contains(t, dsn, "sslmode=disable")
}
