package provider

import "net/http"

// CompatConfig describes an OpenAI-compatible provider: same wire dialect,
// different endpoint and key prefix.
type CompatConfig struct {
	Name     string
	BaseURL  string
	Prefixes []string
}

// compatProviders lists the OpenAI-compatible providers shipped with the
// gateway. Prefix specificity is handled by the registry's ordering.
var compatProviders = []CompatConfig{
	{Name: "groq", BaseURL: "https://api.groq.com/openai/v1", Prefixes: []string{"gsk_"}},
	{Name: "openrouter", BaseURL: "https://openrouter.ai/api/v1", Prefixes: []string{"sk-or-"}},
	{Name: "mistral", BaseURL: "https://api.mistral.ai/v1", Prefixes: []string{"mistral_"}},
	{Name: "deepseek", BaseURL: "https://api.deepseek.com/v1", Prefixes: []string{"ds_"}},
	{Name: "perplexity", BaseURL: "https://api.perplexity.ai", Prefixes: []string{"pplx-"}},
	{Name: "together", BaseURL: "https://api.together.xyz/v1", Prefixes: []string{"together_"}},
	{Name: "grok", BaseURL: "https://api.x.ai/v1", Prefixes: []string{"xai-"}},
	{Name: "fireworks", BaseURL: "https://api.fireworks.ai/inference/v1", Prefixes: []string{"fw-"}},
	{Name: "huggingface", BaseURL: "https://router.huggingface.co/v1", Prefixes: []string{"hf_"}},
	{Name: "cohere", BaseURL: "https://api.cohere.ai/compatibility/v1", Prefixes: []string{"co_"}},
	{Name: "replicate", BaseURL: "https://api.replicate.com/v1", Prefixes: []string{"r8_"}},
}

// Compat is an adapter for an OpenAI-compatible provider. It delegates the
// wire format to the OpenAI adapter and swaps name, endpoint and prefixes.
type Compat struct {
	cfg     CompatConfig
	dialect *OpenAI
}

// NewCompat creates an adapter from a compat provider description.
func NewCompat(cfg CompatConfig) *Compat {
	return &Compat{cfg: cfg, dialect: NewOpenAI()}
}

func (a *Compat) Name() string { return a.cfg.Name }

func (a *Compat) Prefixes() []string { return a.cfg.Prefixes }

func (a *Compat) BuildRequest(req *Request, secret, baseURL string) (*http.Request, error) {
	if baseURL == "" {
		baseURL = a.cfg.BaseURL
	}
	return a.dialect.BuildRequest(req, secret, baseURL)
}

func (a *Compat) ParseResponse(statusCode int, body []byte) (*Response, error) {
	resp, err := a.dialect.ParseResponse(statusCode, body)
	if err != nil {
		if ne, ok := err.(*NormalizationError); ok {
			ne.Provider = a.cfg.Name
		}
		return nil, err
	}
	return resp, nil
}
