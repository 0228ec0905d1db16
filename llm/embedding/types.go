// Package embedding provides the gateway's embedding provider interface and
// registry, backing the OpenAI-compatible `/v1/embeddings` edge endpoint.
// Adapted from a provider-agnostic llm/embedding package, trimmed to the
// fields the edge surface actually needs.
package embedding

import (
	"context"
	"time"
)

// Request is one embedding call.
type Request struct {
	Input      []string  `json:"input"`
	Model      string    `json:"model,omitempty"`
	Dimensions int       `json:"dimensions,omitempty"`
	InputType  InputType `json:"input_type,omitempty"`
}

// InputType optimizes the embedding for how it will be used.
type InputType string

const (
	InputTypeQuery    InputType = "query"
	InputTypeDocument InputType = "document"
)

// Response is one embedding call's result.
type Response struct {
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Embeddings []Data    `json:"embeddings"`
	Usage      Usage     `json:"usage"`
	CreatedAt  time.Time `json:"created_at"`
}

// Data is one input's embedding vector.
type Data struct {
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
	Object    string    `json:"object"`
}

// Usage is the token accounting for one embedding call.
type Usage struct {
	PromptTokens int     `json:"prompt_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	Cost         float64 `json:"cost,omitempty"`
}

// Provider is the unified embedding adapter interface.
type Provider interface {
	Embed(ctx context.Context, req *Request) (*Response, error)
	Name() string
	Dimensions() int
	MaxBatchSize() int
}
