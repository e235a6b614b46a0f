package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
)

const openAIDefaultBaseURL = "https://api.openai.com/v1"

// OpenAI is the adapter for the OpenAI API. It also serves as the wire
// dialect for the OpenAI-compatible providers in compat.go.
type OpenAI struct {
	name     string
	baseURL  string
	prefixes []string
}

// NewOpenAI creates the OpenAI adapter.
func NewOpenAI() *OpenAI {
	return &OpenAI{
		name:    "openai",
		baseURL: openAIDefaultBaseURL,
		// "sk-" is deliberately the least specific prefix; the registry
		// orders longer prefixes (sk-ant-, sk-or-) ahead of it.
		prefixes: []string{"sk-"},
	}
}

func (a *OpenAI) Name() string { return a.name }

func (a *OpenAI) Prefixes() []string { return a.prefixes }

func (a *OpenAI) BuildRequest(req *Request, secret, baseURL string) (*http.Request, error) {
	if baseURL == "" {
		baseURL = a.baseURL
	}

	var path string
	body := map[string]any{"model": req.Model}

	switch req.Capability {
	case CapabilityChat:
		path = "/chat/completions"
		body["messages"] = req.Messages
		if req.MaxTokens > 0 {
			body["max_tokens"] = req.MaxTokens
		}
		if req.Temperature != nil {
			body["temperature"] = *req.Temperature
		}
	case CapabilityEmbedding:
		path = "/embeddings"
		body["input"] = req.Input
	default:
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedCapability, req.Capability, a.name)
	}

	for k, v := range req.Extra {
		body[k] = v
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+secret)
	return httpReq, nil
}

// openAIChatResponse is the subset of the chat completion response the
// gateway normalizes.
type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (a *OpenAI) ParseResponse(statusCode int, body []byte) (*Response, error) {
	var parsed openAIChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &NormalizationError{Provider: a.name, Reason: err.Error()}
	}

	resp := &Response{
		Status:             StatusOK,
		Model:              parsed.Model,
		ProviderStatusCode: statusCode,
		TokenUsage: TokenUsage{
			Prompt:     parsed.Usage.PromptTokens,
			Completion: parsed.Usage.CompletionTokens,
			Total:      parsed.Usage.TotalTokens,
		},
	}

	switch {
	case len(parsed.Choices) > 0:
		resp.Content = parsed.Choices[0].Message.Content
		resp.FinishReason = parsed.Choices[0].FinishReason
	case len(parsed.Data) > 0:
		resp.Embeddings = make([][]float64, 0, len(parsed.Data))
		for _, d := range parsed.Data {
			resp.Embeddings = append(resp.Embeddings, d.Embedding)
		}
	default:
		return nil, &NormalizationError{Provider: a.name, Reason: "no choices or data in response"}
	}

	return resp, nil
}
