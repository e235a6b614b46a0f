package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"

	// Anthropic requires max_tokens; applied when the caller omits it.
	anthropicDefaultMaxTokens = 1024
)

// Anthropic is the adapter for the Anthropic Messages API.
type Anthropic struct{}

// NewAnthropic creates the Anthropic adapter.
func NewAnthropic() *Anthropic {
	return &Anthropic{}
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Prefixes() []string { return []string{"sk-ant-"} }

func (a *Anthropic) BuildRequest(req *Request, secret, baseURL string) (*http.Request, error) {
	if req.Capability != CapabilityChat {
		return nil, fmt.Errorf("%w: %s on anthropic", ErrUnsupportedCapability, req.Capability)
	}
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}

	// The Messages API takes the system prompt as a top-level field.
	var system string
	messages := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		messages = append(messages, m)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	body := map[string]any{
		"model":      req.Model,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if system != "" {
		body["system"] = system
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	for k, v := range req.Extra {
		body[k] = v
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", secret)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return httpReq, nil
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Anthropic) ParseResponse(statusCode int, body []byte) (*Response, error) {
	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &NormalizationError{Provider: "anthropic", Reason: err.Error()}
	}
	if len(parsed.Content) == 0 {
		return nil, &NormalizationError{Provider: "anthropic", Reason: "empty content blocks"}
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &Response{
		Status:             StatusOK,
		Content:            text,
		Model:              parsed.Model,
		FinishReason:       parsed.StopReason,
		ProviderStatusCode: statusCode,
		TokenUsage: TokenUsage{
			Prompt:     parsed.Usage.InputTokens,
			Completion: parsed.Usage.OutputTokens,
			Total:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}, nil
}
