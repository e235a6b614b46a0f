// Package provider translates between the gateway's canonical call shape
// and each upstream provider's native wire format. Adapters are pure
// transformers; all network I/O belongs to the dispatcher.
package provider

import (
	"errors"
	"fmt"
)

// Capability identifies what kind of call a canonical request represents.
type Capability string

const (
	CapabilityChat      Capability = "chat-completion"
	CapabilityEmbedding Capability = "embedding"
)

// Call status values carried on every canonical response.
const (
	StatusOK             = "ok"
	StatusProviderError  = "provider_error"
	StatusTransportError = "transport_error"
)

var (
	// ErrUnsupportedProvider is returned by the registry for unknown or
	// disabled provider names.
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrUnsupportedCapability is returned when an adapter cannot express
	// the requested capability (e.g. embeddings on Anthropic).
	ErrUnsupportedCapability = errors.New("capability not supported by provider")
)

// NormalizationError indicates the upstream returned a payload the adapter
// could not map into the canonical shape. It is never retried.
type NormalizationError struct {
	Provider string
	Reason   string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("unexpected %s response: %s", e.Provider, e.Reason)
}

// Message is a single chat turn in the canonical shape.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the provider-agnostic call shape. It is immutable once
// constructed and consumed by exactly one dispatch.
type Request struct {
	Capability  Capability     `json:"capability"`
	Model       string         `json:"model"`
	Messages    []Message      `json:"messages,omitempty"`
	Input       []string       `json:"input,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// TokenUsage is the normalized token accounting for one call.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Response is the canonical response shape, identical regardless of
// provider.
type Response struct {
	Status             string      `json:"status"`
	Content            string      `json:"content,omitempty"`
	Embeddings         [][]float64 `json:"embeddings,omitempty"`
	Model              string      `json:"model,omitempty"`
	FinishReason       string      `json:"finish_reason,omitempty"`
	TokenUsage         TokenUsage  `json:"token_usage"`
	LatencyMS          int64       `json:"latency_ms"`
	ProviderStatusCode int         `json:"raw_provider_status_code,omitempty"`
	ErrorClass         string      `json:"error_class,omitempty"`
	ErrorMessage       string      `json:"error_message,omitempty"`
	Attempts           int         `json:"attempts,omitempty"`
}
