// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/sarflow/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// DefaultListLimit caps ListCases when the filter sets no limit.
const DefaultListLimit = 100

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveCase inserts the case or replaces the stored record.
func (r *SQLRepository) SaveCase(ctx context.Context, c *domain.Case) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: case id is required", ErrInvalidInput)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, c.Status)
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode case: %w", err)
	}

	query := `
		INSERT INTO cases (
			id, status, version, risk_score, risk_level, created_at, updated_at, data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			version = excluded.version,
			risk_score = excluded.risk_score,
			risk_level = excluded.risk_level,
			updated_at = excluded.updated_at,
			data = excluded.data
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		c.ID, string(c.Status), c.Version,
		c.RiskScore(), string(c.RiskLevel()),
		c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
		string(data),
	)
	return err
}

// GetCase retrieves a case by ID.
func (r *SQLRepository) GetCase(ctx context.Context, caseID string) (*domain.Case, error) {
	if caseID == "" {
		return nil, fmt.Errorf("%w: case id is required", ErrInvalidInput)
	}

	query := `SELECT data FROM cases WHERE id = ?`

	var data string
	err := r.db.QueryRowContext(ctx, r.rebind(query), caseID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var c domain.Case
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("failed to decode case %s: %w", caseID, err)
	}
	return &c, nil
}

// ListCases returns case summaries, newest first.
func (r *SQLRepository) ListCases(ctx context.Context, filter domain.CaseFilter) ([]domain.CaseSummary, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT id, status, version, created_at, risk_score, risk_level
		FROM cases
	`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := []domain.CaseSummary{}
	for rows.Next() {
		var s domain.CaseSummary
		var status, level string
		if err := rows.Scan(&s.ID, &status, &s.Version, &s.CreatedAt, &s.RiskScore, &level); err != nil {
			return nil, err
		}
		s.Status = domain.CaseStatus(status)
		s.RiskLevel = domain.RiskLevel(level)
		summaries = append(summaries, s)
	}

	return summaries, rows.Err()
}

// AppendAudit stores an event as the next entry of its case. It assigns Seq
// and raises Timestamp to the previous entry's when the clock went backwards,
// so a case timeline never decreases.
func (r *SQLRepository) AppendAudit(ctx context.Context, event *domain.AuditEvent) error {
	if event == nil || event.CaseID == "" {
		return fmt.Errorf("%w: case id is required", ErrInvalidInput)
	}
	if event.EventType == "" {
		return fmt.Errorf("%w: event type is required", ErrInvalidInput)
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var lastSeq int64
	var lastTS time.Time
	err = tx.QueryRowContext(ctx, r.rebind(`
		SELECT seq, timestamp FROM audit_events
		WHERE case_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`), event.CaseID).Scan(&lastSeq, &lastTS)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	ts := event.Timestamp.UTC().Truncate(time.Microsecond)
	if ts.Before(lastTS) {
		ts = lastTS.UTC()
	}

	_, err = tx.ExecContext(ctx, r.rebind(`
		INSERT INTO audit_events (case_id, seq, event_type, timestamp, payload)
		VALUES (?, ?, ?, ?, ?)
	`), event.CaseID, lastSeq+1, event.EventType, ts, string(data))
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	event.Seq = lastSeq + 1
	event.Timestamp = ts
	return nil
}

// ListAudit returns the timeline of a case in insertion order.
func (r *SQLRepository) ListAudit(ctx context.Context, caseID string) ([]domain.AuditEvent, error) {
	if caseID == "" {
		return nil, fmt.Errorf("%w: case id is required", ErrInvalidInput)
	}

	query := `
		SELECT case_id, seq, event_type, timestamp, payload
		FROM audit_events
		WHERE case_id = ?
		ORDER BY seq ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []domain.AuditEvent{}
	for rows.Next() {
		var ev domain.AuditEvent
		var payload string
		if err := rows.Scan(&ev.CaseID, &ev.Seq, &ev.EventType, &ev.Timestamp, &payload); err != nil {
			return nil, err
		}
		ev.Timestamp = ev.Timestamp.UTC()
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode audit payload %s/%d: %w", ev.CaseID, ev.Seq, err)
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
