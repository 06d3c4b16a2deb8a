// Package archive persists terminated alerts for audit and retrospective
// quality review. Two backends implement the same Store interface: an
// embedded SQLite database for single-node deployments and PostgreSQL for
// shared installations.
package archive

import (
	"context"
	"fmt"

	"github.com/labqc/labqc-server/internal/domain"
)

// Store defines the interface for alert archive operations. It extends the
// engine-facing domain.AlertArchive with reporting helpers.
type Store interface {
	domain.AlertArchive

	// Count returns the total number of archived alerts.
	Count(ctx context.Context) (int64, error)
}

// Backend names a supported archive implementation.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// Open builds a store for the configured backend. DSN is a file path for
// SQLite and a connection URL for PostgreSQL.
func Open(backend Backend, dsn string) (Store, error) {
	switch backend {
	case BackendSQLite:
		return NewSQLiteStore(dsn)
	case BackendPostgres:
		return NewPostgresStoreFromURL(dsn)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", backend)
	}
}
