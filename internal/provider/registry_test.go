package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	r := NewDefaultRegistry(nil)

	tests := []struct {
		name     string
		secret   string
		expected string
		ok       bool
	}{
		{name: "openai", secret: "sk-proj-abc123", expected: "openai", ok: true},
		{name: "anthropic wins over openai prefix", secret: "sk-ant-api03-xyz", expected: "anthropic", ok: true},
		{name: "openrouter wins over openai prefix", secret: "sk-or-v1-xyz", expected: "openrouter", ok: true},
		{name: "gemini", secret: "AIzaSyExample", expected: "gemini", ok: true},
		{name: "groq", secret: "gsk_abc", expected: "groq", ok: true},
		{name: "perplexity", secret: "pplx-abc", expected: "perplexity", ok: true},
		{name: "grok", secret: "xai-abc", expected: "grok", ok: true},
		{name: "huggingface", secret: "hf_abc", expected: "huggingface", ok: true},
		{name: "cohere", secret: "co_abc", expected: "cohere", ok: true},
		{name: "replicate", secret: "r8_abc", expected: "replicate", ok: true},
		{name: "unknown prefix", secret: "totally-opaque-token"},
		{name: "empty secret", secret: ""},
		{name: "whitespace only", secret: "   "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.Detect(tt.secret)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestResolve(t *testing.T) {
	r := NewDefaultRegistry(nil)

	for _, name := range []string{"openai", "anthropic", "gemini", "custom", "groq", "openrouter", "mistral", "deepseek", "perplexity", "together", "grok", "fireworks", "huggingface", "cohere", "replicate"} {
		a, err := r.Resolve(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, a.Name())
	}

	a, err := r.Resolve("  OpenAI ")
	require.NoError(t, err, "resolution is case and whitespace insensitive")
	assert.Equal(t, "openai", a.Name())

	_, err = r.Resolve("no-such-provider")
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}

func TestResolveRespectsEnabledSet(t *testing.T) {
	r := NewDefaultRegistry([]string{"openai", "anthropic"})

	_, err := r.Resolve("openai")
	assert.NoError(t, err)

	_, err = r.Resolve("gemini")
	assert.ErrorIs(t, err, ErrUnsupportedProvider)

	// Detection still sees every adapter; only resolution is restricted.
	name, ok := r.Detect("AIzaSyExample")
	assert.True(t, ok)
	assert.Equal(t, "gemini", name)
}

func TestNamesSorted(t *testing.T) {
	names := NewDefaultRegistry(nil).Names()
	require.NotEmpty(t, names)
	for i := 1; i < len(names); i++ {
		assert.Less(t, names[i-1], names[i])
	}
}
