package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
)

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini is the adapter for the Google Gemini API.
type Gemini struct{}

// NewGemini creates the Gemini adapter.
func NewGemini() *Gemini {
	return &Gemini{}
}

func (a *Gemini) Name() string { return "gemini" }

func (a *Gemini) Prefixes() []string { return []string{"AIza"} }

func (a *Gemini) BuildRequest(req *Request, secret, baseURL string) (*http.Request, error) {
	if baseURL == "" {
		baseURL = geminiDefaultBaseURL
	}

	var url string
	var body map[string]any

	switch req.Capability {
	case CapabilityChat:
		url = fmt.Sprintf("%s/models/%s:generateContent", baseURL, req.Model)

		contents := make([]map[string]any, 0, len(req.Messages))
		var system string
		for _, m := range req.Messages {
			if m.Role == "system" {
				system = m.Content
				continue
			}
			role := m.Role
			// Gemini uses "model" for assistant turns.
			if role == "assistant" {
				role = "model"
			}
			contents = append(contents, map[string]any{
				"role":  role,
				"parts": []map[string]string{{"text": m.Content}},
			})
		}

		body = map[string]any{"contents": contents}
		if system != "" {
			body["systemInstruction"] = map[string]any{
				"parts": []map[string]string{{"text": system}},
			}
		}

		genConfig := map[string]any{}
		if req.MaxTokens > 0 {
			genConfig["maxOutputTokens"] = req.MaxTokens
		}
		if req.Temperature != nil {
			genConfig["temperature"] = *req.Temperature
		}
		if len(genConfig) > 0 {
			body["generationConfig"] = genConfig
		}

	case CapabilityEmbedding:
		url = fmt.Sprintf("%s/models/%s:embedContent", baseURL, req.Model)
		parts := make([]map[string]string, 0, len(req.Input))
		for _, in := range req.Input {
			parts = append(parts, map[string]string{"text": in})
		}
		body = map[string]any{"content": map[string]any{"parts": parts}}

	default:
		return nil, fmt.Errorf("%w: %s on gemini", ErrUnsupportedCapability, req.Capability)
	}

	for k, v := range req.Extra {
		body[k] = v
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", secret)
	return httpReq, nil
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Embedding struct {
		Values []float64 `json:"values"`
	} `json:"embedding"`
	ModelVersion  string `json:"modelVersion"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (a *Gemini) ParseResponse(statusCode int, body []byte) (*Response, error) {
	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &NormalizationError{Provider: "gemini", Reason: err.Error()}
	}

	resp := &Response{
		Status:             StatusOK,
		Model:              parsed.ModelVersion,
		ProviderStatusCode: statusCode,
		TokenUsage: TokenUsage{
			Prompt:     parsed.UsageMetadata.PromptTokenCount,
			Completion: parsed.UsageMetadata.CandidatesTokenCount,
			Total:      parsed.UsageMetadata.TotalTokenCount,
		},
	}

	switch {
	case len(parsed.Candidates) > 0:
		var text string
		for _, part := range parsed.Candidates[0].Content.Parts {
			text += part.Text
		}
		resp.Content = text
		resp.FinishReason = parsed.Candidates[0].FinishReason
	case len(parsed.Embedding.Values) > 0:
		resp.Embeddings = [][]float64{parsed.Embedding.Values}
	default:
		return nil, &NormalizationError{Provider: "gemini", Reason: "no candidates or embedding in response"}
	}

	return resp, nil
}
