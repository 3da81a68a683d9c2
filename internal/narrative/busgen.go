package narrative

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/sarflow/internal/domain"
)

// GenerationRequest is the bus payload for a remote generation.
type GenerationRequest struct {
	Prompt string `json:"prompt"`
}

// GenerationReply is the bus answer to a GenerationRequest.
type GenerationReply struct {
	Generation *domain.Generation `json:"generation,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// BusGenerator delegates generation to a responder on the event bus.
type BusGenerator struct {
	bus   domain.EventBus
	topic string
}

// NewBusGenerator creates a generator that requests on domain.TopicNarrativeGenerate.
func NewBusGenerator(bus domain.EventBus) *BusGenerator {
	return &BusGenerator{bus: bus, topic: domain.TopicNarrativeGenerate}
}

// Name implements domain.TextGenerator.
func (b *BusGenerator) Name() string {
	return "bus"
}

// Generate implements domain.TextGenerator.
func (b *BusGenerator) Generate(ctx context.Context, prompt string) (*domain.Generation, error) {
	payload, err := json.Marshal(GenerationRequest{Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("failed to encode generation request: %w", err)
	}

	data, err := b.bus.Request(ctx, b.topic, payload)
	if err != nil {
		return nil, fmt.Errorf("generation request failed: %w", err)
	}

	var reply GenerationReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("failed to decode generation reply: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("remote generator: %s", reply.Error)
	}
	if reply.Generation == nil {
		return nil, fmt.Errorf("remote generator returned no generation")
	}
	return reply.Generation, nil
}
