package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, topic string, payload []byte) ([]byte, error)

	// Respond answers a message received through Request.
	Respond(ctx context.Context, msg *Message, payload []byte) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	ReplyTo   string            `json:"replyTo,omitempty"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Standard topic names.
const (
	TopicAlertIngested     = "sarflow.alert.ingested"
	TopicCaseDrafted       = "sarflow.case.drafted"
	TopicCaseFailed        = "sarflow.case.failed"
	TopicAuditEvent        = "sarflow.audit.event"
	TopicNarrativeGenerate = "sarflow.narrative.generate"
)

// AlertMessage is the payload published on TopicAlertIngested.
type AlertMessage struct {
	RequestID string `json:"request_id"`
	Alert     *Alert `json:"alert"`
}

// CaseEvent is the payload published on TopicCaseDrafted and TopicCaseFailed.
type CaseEvent struct {
	RequestID string     `json:"request_id"`
	CaseID    string     `json:"case_id,omitempty"`
	Status    CaseStatus `json:"status,omitempty"`
	RiskScore float64    `json:"risk_score"`
	RiskLevel RiskLevel  `json:"risk_level,omitempty"`
	Error     string     `json:"error,omitempty"`
}
