package domain

import "context"

// Generation is the raw output of a text generator. Object is set when the
// provider already returned structured JSON, otherwise Text holds the reply.
type Generation struct {
	Text   string         `json:"text,omitempty"`
	Object map[string]any `json:"object,omitempty"`
	Model  string         `json:"model"`
}

// TextGenerator produces narrative text from a prompt.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (*Generation, error)
	Name() string
}

// Retriever returns reference snippets ranked by similarity to a query.
// An empty query yields an empty result.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]Snippet, error)
}
