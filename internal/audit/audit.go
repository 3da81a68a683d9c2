// Package audit records the append-only history of every case.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/sarflow/internal/domain"
	"github.com/opensource-finance/sarflow/internal/lock"
	"github.com/opensource-finance/sarflow/internal/pii"
)

// Store persists audit events. Implementations assign Seq and keep
// timestamps non-decreasing within a case.
type Store interface {
	AppendAudit(ctx context.Context, event *domain.AuditEvent) error
	ListAudit(ctx context.Context, caseID string) ([]domain.AuditEvent, error)
}

// Logger masks, stores and fans out audit events. Writes for the same case
// are serialized; different cases proceed independently.
type Logger struct {
	store Store
	bus   domain.EventBus
	locks *lock.KeyedMutex
	now   func() time.Time
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock sets the clock used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		l.now = now
	}
}

// WithBus publishes every stored event to domain.TopicAuditEvent.
func WithBus(bus domain.EventBus) Option {
	return func(l *Logger) {
		l.bus = bus
	}
}

// NewLogger creates an audit logger over a store.
func NewLogger(store Store, opts ...Option) *Logger {
	l := &Logger{
		store: store,
		locks: lock.NewKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log appends an event for a case. The payload is PII-masked before it is
// stored or published. Publishing is best-effort; a failed store is an error.
func (l *Logger) Log(ctx context.Context, caseID, eventType string, payload map[string]any) (*domain.AuditEvent, error) {
	if caseID == "" {
		return nil, fmt.Errorf("audit: case id is required")
	}

	masked := pii.MaskMap(payload)
	if masked == nil {
		masked = map[string]any{}
	}

	unlock := l.locks.Lock(caseID)
	defer unlock()

	event := &domain.AuditEvent{
		CaseID:    caseID,
		EventType: eventType,
		Timestamp: l.now(),
		Payload:   masked,
	}
	if err := l.store.AppendAudit(ctx, event); err != nil {
		return nil, fmt.Errorf("audit: failed to append %s for case %s: %w", eventType, caseID, err)
	}

	l.publish(ctx, event)
	return event, nil
}

// Timeline returns every event of a case in order.
func (l *Logger) Timeline(ctx context.Context, caseID string) ([]domain.AuditEvent, error) {
	return l.store.ListAudit(ctx, caseID)
}

func (l *Logger) publish(ctx context.Context, event *domain.AuditEvent) {
	if l.bus == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		slog.Warn("failed to encode audit event", "case_id", event.CaseID, "error", err)
		return
	}
	if err := l.bus.Publish(ctx, domain.TopicAuditEvent, data); err != nil {
		slog.Warn("failed to publish audit event",
			"case_id", event.CaseID,
			"event_type", event.EventType,
			"error", err,
		)
	}
}
