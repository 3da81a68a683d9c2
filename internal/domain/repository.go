// Package domain defines the core interfaces and types for sarflow.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for case and audit persistence.
type Repository interface {
	// Case operations. SaveCase inserts or replaces the whole record.
	SaveCase(ctx context.Context, c *Case) error
	GetCase(ctx context.Context, caseID string) (*Case, error)
	ListCases(ctx context.Context, filter CaseFilter) ([]CaseSummary, error)

	// Audit operations. AppendAudit assigns the next per-case Seq;
	// ListAudit returns events in that order.
	AppendAudit(ctx context.Context, event *AuditEvent) error
	ListAudit(ctx context.Context, caseID string) ([]AuditEvent, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
