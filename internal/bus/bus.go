// Package bus provides event bus implementations for sarflow.
package bus

import (
	"fmt"

	"github.com/opensource-finance/sarflow/internal/domain"
)

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// ErrNoReplyTo is returned by Respond for a message that was not sent with Request.
var ErrNoReplyTo = fmt.Errorf("message has no reply topic")
