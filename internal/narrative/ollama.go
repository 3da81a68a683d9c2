package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/opensource-finance/sarflow/internal/domain"
)

const maxResponseBytes = 4 << 20

// OllamaGenerator calls an Ollama-compatible /api/generate endpoint.
type OllamaGenerator struct {
	client      *http.Client
	url         string
	model       string
	temperature float64
	maxTokens   int
}

// NewOllamaGenerator creates a generator from config. Deadlines come from the
// caller's context, so the client itself has no timeout.
func NewOllamaGenerator(cfg domain.GeneratorConfig) *OllamaGenerator {
	return &OllamaGenerator{
		client:      &http.Client{},
		url:         cfg.URL,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
	Format  string        `json:"format"`
}

type ollamaResponse struct {
	Model    string          `json:"model"`
	Response json.RawMessage `json:"response"`
}

// Name implements domain.TextGenerator.
func (o *OllamaGenerator) Name() string {
	return "ollama"
}

// Generate implements domain.TextGenerator.
func (o *OllamaGenerator) Generate(ctx context.Context, prompt string) (*domain.Generation, error) {
	body, err := json.Marshal(ollamaRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: false,
		Options: ollamaOptions{
			Temperature: o.temperature,
			NumPredict:  o.maxTokens,
		},
		Format: "json",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("generation endpoint returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var out ollamaResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	model := out.Model
	if model == "" {
		model = o.model
	}
	return decodeResponseField(out.Response, model)
}

// decodeResponseField accepts a response that is either a JSON string or an
// already structured object.
func decodeResponseField(raw json.RawMessage, model string) (*domain.Generation, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return &domain.Generation{Model: model}, nil
	}

	switch raw[0] {
	case '{':
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("failed to decode response object: %w", err)
		}
		return &domain.Generation{Object: obj, Model: model}, nil
	case '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("failed to decode response text: %w", err)
		}
		return &domain.Generation{Text: text, Model: model}, nil
	default:
		return &domain.Generation{Text: string(raw), Model: model}, nil
	}
}
