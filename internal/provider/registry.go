package provider

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Adapter translates canonical requests into a provider's native HTTP
// request and the native response back into the canonical shape. Adapters
// are stateless and perform no I/O themselves so retry/backoff stays
// centralized in the dispatcher.
type Adapter interface {
	// Name returns the provider identifier (e.g. "openai").
	Name() string

	// Prefixes returns the literal secret-key prefixes associated with the
	// provider, used for detection at key-add time.
	Prefixes() []string

	// BuildRequest constructs the provider-native HTTP request. The secret
	// is injected only into the outbound request and never retained.
	// baseURL overrides the provider's default endpoint when non-empty.
	BuildRequest(req *Request, secret, baseURL string) (*http.Request, error)

	// ParseResponse maps a provider-native success response body into the
	// canonical shape. It is only called for 2xx responses; failures to map
	// yield a *NormalizationError.
	ParseResponse(statusCode int, body []byte) (*Response, error)
}

// Registry resolves provider names to adapters and infers providers from
// secret key prefixes.
type Registry struct {
	adapters map[string]Adapter
	enabled  map[string]bool
	prefixes []prefixEntry
}

type prefixEntry struct {
	prefix   string
	provider string
}

// NewRegistry builds a registry over the given adapters. If enabled is
// non-empty, resolution is restricted to the listed names.
func NewRegistry(adapters []Adapter, enabled []string) *Registry {
	r := &Registry{
		adapters: make(map[string]Adapter, len(adapters)),
		enabled:  make(map[string]bool, len(enabled)),
	}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
		for _, p := range a.Prefixes() {
			r.prefixes = append(r.prefixes, prefixEntry{prefix: p, provider: a.Name()})
		}
	}
	// Longest prefix first so "sk-ant-" wins over "sk-".
	sort.SliceStable(r.prefixes, func(i, j int) bool {
		return len(r.prefixes[i].prefix) > len(r.prefixes[j].prefix)
	})
	for _, name := range enabled {
		r.enabled[strings.ToLower(name)] = true
	}
	return r
}

// NewDefaultRegistry builds a registry with every built-in adapter.
func NewDefaultRegistry(enabled []string) *Registry {
	adapters := []Adapter{
		NewOpenAI(),
		NewAnthropic(),
		NewGemini(),
		NewCustom(),
	}
	for _, c := range compatProviders {
		adapters = append(adapters, NewCompat(c))
	}
	return NewRegistry(adapters, enabled)
}

// Resolve returns the adapter for the given provider name.
func (r *Registry) Resolve(name string) (Adapter, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s (supported: %s)", ErrUnsupportedProvider, name, strings.Join(r.Names(), ", "))
	}
	if len(r.enabled) > 0 && !r.enabled[name] {
		return nil, fmt.Errorf("%w: %s is disabled", ErrUnsupportedProvider, name)
	}
	return a, nil
}

// Detect infers the provider from a secret's literal prefix. It is a
// convenience for key-add only and never overrides an explicitly supplied
// provider value.
func (r *Registry) Detect(secret string) (string, bool) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", false
	}
	for _, e := range r.prefixes {
		if strings.HasPrefix(secret, e.prefix) {
			return e.provider, true
		}
	}
	return "", false
}

// Names returns the sorted list of registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
