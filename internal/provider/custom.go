package provider

import (
	"fmt"
	"net/http"
)

// Custom is the adapter for user-supplied OpenAI-compatible endpoints. The
// base URL comes from the vault entry; there is no default and no key
// prefix to detect.
type Custom struct {
	dialect *OpenAI
}

// NewCustom creates the custom-endpoint adapter.
func NewCustom() *Custom {
	return &Custom{dialect: NewOpenAI()}
}

func (a *Custom) Name() string { return "custom" }

func (a *Custom) Prefixes() []string { return nil }

func (a *Custom) BuildRequest(req *Request, secret, baseURL string) (*http.Request, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("custom provider requires a base URL on the vault entry")
	}
	return a.dialect.BuildRequest(req, secret, baseURL)
}

func (a *Custom) ParseResponse(statusCode int, body []byte) (*Response, error) {
	resp, err := a.dialect.ParseResponse(statusCode, body)
	if err != nil {
		if ne, ok := err.(*NormalizationError); ok {
			ne.Provider = "custom"
		}
		return nil, err
	}
	return resp, nil
}
