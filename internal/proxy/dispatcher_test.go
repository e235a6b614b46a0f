package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/unikey-gateway/internal/config"
	"github.com/kenneth/unikey-gateway/internal/crypto"
	"github.com/kenneth/unikey-gateway/internal/metrics"
	"github.com/kenneth/unikey-gateway/internal/provider"
	"github.com/kenneth/unikey-gateway/internal/usage"
	"github.com/kenneth/unikey-gateway/internal/vault"
)

const chatSuccessBody = `{
	"model": "test-model",
	"choices": [{"message": {"content": "ok"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4}
}`

var testKDF = crypto.KDFParams{Time: 1, MemoryKiB: 16, Threads: 1}

type testEnv struct {
	dispatcher *Dispatcher
	store      vault.Store
	records    usage.Store
}

func newTestEnv(t *testing.T, policy config.DispatchConfig) *testEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := vault.NewMemoryStore(crypto.NewEngine(), testKDF)
	usageStore := usage.NewMemoryStore(1000)
	ledger := usage.NewLedger(usageStore, nil, logger)
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())

	return &testEnv{
		dispatcher: NewDispatcher(store, provider.NewDefaultRegistry(nil), ledger, policy, logger, m, nil),
		store:      store,
		records:    usageStore,
	}
}

func fastPolicy() config.DispatchConfig {
	return config.DispatchConfig{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
		CallTimeout: 2 * time.Second,
	}
}

func (e *testEnv) createKey(t *testing.T, providerName, slug, secret, baseURL string) {
	t.Helper()
	_, err := e.store.Create(context.Background(), vault.CreateParams{
		OwnerID:  "alice",
		Slug:     slug,
		Provider: providerName,
		Secret:   secret,
		BaseURL:  baseURL,
	}, "passphrase")
	require.NoError(t, err)
}

// onlyRecord asserts that exactly one usage record was written and returns it.
func (e *testEnv) onlyRecord(t *testing.T) usage.Record {
	t.Helper()
	records, err := e.records.Records(context.Background(), "alice", time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 1, "every dispatch writes exactly one record")
	return records[0]
}

func chatReq() *provider.Request {
	return &provider.Request{
		Capability: provider.CapabilityChat,
		Model:      "test-model",
		Messages:   []provider.Message{{Role: "user", Content: "hello"}},
	}
}

func TestDispatchSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-plain", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(chatSuccessBody))
	}))
	defer upstream.Close()

	env := newTestEnv(t, fastPolicy())
	env.createKey(t, "custom", "my-key", "sk-plain", upstream.URL)

	resp, err := env.dispatcher.Dispatch(context.Background(), "alice", "custom", "my-key", "passphrase", chatReq())
	require.NoError(t, err)
	assert.Equal(t, provider.StatusOK, resp.Status)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, 4, resp.TokenUsage.Total)

	rec := env.onlyRecord(t)
	assert.Empty(t, rec.ErrorClass)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, http.StatusOK, rec.StatusCode)
	assert.Equal(t, 4, rec.TokenUsage.Total)
}

func TestDispatchRetriesThrottlingThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(chatSuccessBody))
	}))
	defer upstream.Close()

	env := newTestEnv(t, fastPolicy())
	env.createKey(t, "custom", "my-key", "sk-plain", upstream.URL)

	resp, err := env.dispatcher.Dispatch(context.Background(), "alice", "custom", "my-key", "passphrase", chatReq())
	require.NoError(t, err)
	assert.Equal(t, provider.StatusOK, resp.Status)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, int32(3), calls.Load())

	rec := env.onlyRecord(t)
	assert.Empty(t, rec.ErrorClass, "a retried call that eventually succeeds is recorded as success")
	assert.Equal(t, 3, rec.Attempts)
}

func TestDispatchDoesNotRetryAuthFailure(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"code": "invalid_api_key"}}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t, fastPolicy())
	env.createKey(t, "custom", "my-key", "sk-plain", upstream.URL)

	resp, err := env.dispatcher.Dispatch(context.Background(), "alice", "custom", "my-key", "passphrase", chatReq())
	require.Error(t, err)

	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, http.StatusUnauthorized, provErr.StatusCode)
	assert.Equal(t, "invalid_api_key", provErr.Code)
	assert.Equal(t, int32(1), calls.Load(), "4xx other than 429 must not be retried")

	assert.Equal(t, provider.StatusProviderError, resp.Status)
	assert.Equal(t, usage.ErrorClassProviderError, resp.ErrorClass)

	rec := env.onlyRecord(t)
	assert.Equal(t, usage.ErrorClassProviderError, rec.ErrorClass)
	assert.Equal(t, http.StatusUnauthorized, rec.StatusCode)
}

func TestDispatchRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	policy := fastPolicy()
	policy.MaxRetries = 2
	env := newTestEnv(t, policy)
	env.createKey(t, "custom", "my-key", "sk-plain", upstream.URL)

	resp, err := env.dispatcher.Dispatch(context.Background(), "alice", "custom", "my-key", "passphrase", chatReq())
	require.Error(t, err)

	var exhausted *RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, int32(3), calls.Load())

	assert.Equal(t, usage.ErrorClassRetriesExhausted, resp.ErrorClass)
	rec := env.onlyRecord(t)
	assert.Equal(t, usage.ErrorClassRetriesExhausted, rec.ErrorClass)
	assert.Equal(t, 3, rec.Attempts)
}

func TestDispatchCancelledMidCall(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	env := newTestEnv(t, fastPolicy())
	env.createKey(t, "custom", "my-key", "sk-plain", upstream.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	resp, err := env.dispatcher.Dispatch(ctx, "alice", "custom", "my-key", "passphrase", chatReq())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled) || errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, usage.ErrorClassCancelled, resp.ErrorClass)

	// The record is written even though the caller went away.
	rec := env.onlyRecord(t)
	assert.Equal(t, usage.ErrorClassCancelled, rec.ErrorClass)
}

func TestDispatchUnknownSlug(t *testing.T) {
	env := newTestEnv(t, fastPolicy())

	resp, err := env.dispatcher.Dispatch(context.Background(), "alice", "openai", "missing", "passphrase", chatReq())
	assert.ErrorIs(t, err, vault.ErrNotFound)
	assert.Equal(t, usage.ErrorClassNotFound, resp.ErrorClass)

	rec := env.onlyRecord(t)
	assert.Equal(t, usage.ErrorClassNotFound, rec.ErrorClass)
	assert.Zero(t, rec.Attempts, "no upstream call is made for an unresolved key")
}

func TestDispatchWrongPassphrase(t *testing.T) {
	env := newTestEnv(t, fastPolicy())
	env.createKey(t, "openai", "my-key", "sk-plain", "")

	resp, err := env.dispatcher.Dispatch(context.Background(), "alice", "openai", "my-key", "wrong", chatReq())
	assert.ErrorIs(t, err, crypto.ErrIntegrity)
	assert.Equal(t, usage.ErrorClassIntegrity, resp.ErrorClass)
	assert.Equal(t, usage.ErrorClassIntegrity, env.onlyRecord(t).ErrorClass)
}

func TestDispatchProviderMismatch(t *testing.T) {
	env := newTestEnv(t, fastPolicy())
	env.createKey(t, "openai", "my-key", "sk-plain", "")

	// The key exists, but under a different provider; that is absence from
	// the caller's point of view.
	_, err := env.dispatcher.Dispatch(context.Background(), "alice", "anthropic", "my-key", "passphrase", chatReq())
	assert.ErrorIs(t, err, vault.ErrNotFound)
	assert.Equal(t, usage.ErrorClassNotFound, env.onlyRecord(t).ErrorClass)
}

func TestDispatchNormalizationFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("this is not json"))
	}))
	defer upstream.Close()

	env := newTestEnv(t, fastPolicy())
	env.createKey(t, "custom", "my-key", "sk-plain", upstream.URL)

	resp, err := env.dispatcher.Dispatch(context.Background(), "alice", "custom", "my-key", "passphrase", chatReq())
	require.Error(t, err)

	var norm *provider.NormalizationError
	assert.ErrorAs(t, err, &norm)
	assert.Equal(t, usage.ErrorClassNormalization, resp.ErrorClass)
	assert.Equal(t, usage.ErrorClassNormalization, env.onlyRecord(t).ErrorClass)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "nil", err: nil, expected: ""},
		{name: "not found", err: vault.ErrNotFound, expected: usage.ErrorClassNotFound},
		{name: "expired", err: vault.ErrExpired, expected: usage.ErrorClassExpired},
		{name: "revoked", err: vault.ErrRevoked, expected: usage.ErrorClassRevoked},
		{name: "integrity", err: crypto.ErrIntegrity, expected: usage.ErrorClassIntegrity},
		{name: "unsupported provider", err: provider.ErrUnsupportedProvider, expected: usage.ErrorClassUnsupportedProvider},
		{name: "unsupported capability", err: provider.ErrUnsupportedCapability, expected: usage.ErrorClassUnsupportedProvider},
		{name: "provider error", err: &ProviderError{Provider: "openai", StatusCode: 401}, expected: usage.ErrorClassProviderError},
		{name: "retries exhausted", err: &RetriesExhaustedError{Attempts: 4}, expected: usage.ErrorClassRetriesExhausted},
		{name: "normalization", err: &provider.NormalizationError{Provider: "openai", Reason: "bad json"}, expected: usage.ErrorClassNormalization},
		{name: "cancelled", err: ErrCancelled, expected: usage.ErrorClassCancelled},
		{name: "deadline", err: context.DeadlineExceeded, expected: usage.ErrorClassCancelled},
		{name: "unknown", err: errors.New("connection reset"), expected: usage.ErrorClassTransportError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestBackoffRespectsCap(t *testing.T) {
	env := newTestEnv(t, config.DispatchConfig{
		MaxRetries:  1,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
		CallTimeout: time.Second,
	})

	start := time.Now()
	err := env.dispatcher.backoff(context.Background(), env.dispatcher.currentPolicy(), 10)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestBackoffHonorsCancellation(t *testing.T) {
	env := newTestEnv(t, config.DispatchConfig{
		MaxRetries:  1,
		BackoffBase: 10 * time.Second,
		BackoffCap:  10 * time.Second,
		CallTimeout: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := env.dispatcher.backoff(ctx, env.dispatcher.currentPolicy(), 1)
	assert.ErrorIs(t, err, ErrCancelled)
}
