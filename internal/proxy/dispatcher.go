// Package proxy contains the dispatcher: the state machine that resolves a
// unified key, decrypts the secret for the duration of one call, executes
// the provider call with retry/backoff, and records usage telemetry for
// every terminal outcome.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/unikey-gateway/internal/config"
	"github.com/kenneth/unikey-gateway/internal/crypto"
	"github.com/kenneth/unikey-gateway/internal/debug"
	"github.com/kenneth/unikey-gateway/internal/metrics"
	"github.com/kenneth/unikey-gateway/internal/provider"
	"github.com/kenneth/unikey-gateway/internal/usage"
	"github.com/kenneth/unikey-gateway/internal/vault"
)

// maxErrorBodyBytes bounds how much of an upstream error body is read for
// error-code extraction.
const maxErrorBodyBytes = 8 * 1024

// Dispatcher executes unified proxy calls. It is safe for concurrent use;
// each call is independent and the only shared mutable state is the
// reloadable policy.
type Dispatcher struct {
	store    vault.Store
	registry *provider.Registry
	ledger   *usage.Ledger
	client   *http.Client
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	mu     sync.RWMutex
	policy config.DispatchConfig
}

// NewDispatcher creates a dispatcher. client may be nil, in which case a
// default HTTP client is used; the per-call timeout comes from the policy,
// not the client.
func NewDispatcher(store vault.Store, registry *provider.Registry, ledger *usage.Ledger, policy config.DispatchConfig, logger *logrus.Logger, m *metrics.Metrics, client *http.Client) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Dispatcher{
		store:    store,
		registry: registry,
		ledger:   ledger,
		client:   client,
		logger:   logger,
		metrics:  m,
		tracer:   otel.Tracer("unikey-gateway/proxy"),
		policy:   policy,
	}
}

// SetPolicy swaps the retry/backoff/timeout policy. Used by config reload;
// in-flight calls keep the policy they started with.
func (d *Dispatcher) SetPolicy(policy config.DispatchConfig) {
	d.mu.Lock()
	d.policy = policy
	d.mu.Unlock()
}

func (d *Dispatcher) currentPolicy() config.DispatchConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.policy
}

// SetRegistry swaps the adapter registry. Used by config reload when the
// enabled-provider set changes.
func (d *Dispatcher) SetRegistry(r *provider.Registry) {
	d.mu.Lock()
	d.registry = r
	d.mu.Unlock()
}

func (d *Dispatcher) currentRegistry() *provider.Registry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.registry
}

// Dispatch runs one unified call: resolve, decrypt, build, send with
// retries, parse, record. The returned response is always non-nil and
// carries the canonical status and error class; err mirrors the failure
// for programmatic handling. Exactly one usage record is written per call.
func (d *Dispatcher) Dispatch(ctx context.Context, owner, providerName, slug string, passphrase string, req *provider.Request) (*provider.Response, error) {
	policy := d.currentPolicy()
	registry := d.currentRegistry()
	start := time.Now()

	ctx, span := d.tracer.Start(ctx, "proxy.dispatch", trace.WithAttributes(
		attribute.String("proxy.provider", providerName),
		attribute.String("proxy.slug", vault.NormalizeSlug(slug)),
		attribute.String("proxy.capability", string(req.Capability)),
	))
	defer span.End()

	rec := &usage.Record{
		ID:        usage.NewRecordID(),
		OwnerID:   owner,
		Slug:      vault.NormalizeSlug(slug),
		Provider:  providerName,
		Model:     req.Model,
		Timestamp: start.UTC(),
		Attempts:  0,
	}

	resp, err := d.run(ctx, policy, registry, owner, providerName, slug, passphrase, req, rec)

	rec.LatencyMS = time.Since(start).Milliseconds()
	if resp != nil {
		rec.StatusCode = resp.ProviderStatusCode
		rec.TokenUsage = resp.TokenUsage
		resp.LatencyMS = rec.LatencyMS
		resp.Attempts = rec.Attempts
	}
	rec.ErrorClass = Classify(err)

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		rec.StatusCode = provErr.StatusCode
	}

	// Recording is unconditional and must survive caller cancellation.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if recErr := d.ledger.Record(recordCtx, rec); recErr != nil {
		d.logger.WithError(recErr).Error("Failed to record usage")
	}

	d.metrics.RecordDispatch(providerName, rec.ErrorClass, time.Since(start))

	if err != nil {
		span.AddEvent("failed", trace.WithAttributes(attribute.String("error_class", rec.ErrorClass)))
		if resp == nil {
			resp = &provider.Response{
				ProviderStatusCode: rec.StatusCode,
				Attempts:           rec.Attempts,
				LatencyMS:          rec.LatencyMS,
			}
		}
		resp.Status = statusOf(rec.ErrorClass)
		resp.ErrorClass = rec.ErrorClass
		resp.ErrorMessage = err.Error()
		return resp, err
	}

	return resp, nil
}

// run walks the per-call state machine up to the parsing stage. The
// caller (Dispatch) owns recording and response shaping.
func (d *Dispatcher) run(ctx context.Context, policy config.DispatchConfig, registry *provider.Registry, owner, providerName, slug, passphrase string, req *provider.Request, rec *usage.Record) (*provider.Response, error) {
	span := trace.SpanFromContext(ctx)

	// RESOLVING + DECRYPTING. The store decrypts as part of retrieval so
	// ciphertext and nonce are read together.
	span.AddEvent("resolving")
	entry, secret, err := d.store.GetForUse(ctx, owner, slug, passphrase)
	if err != nil {
		return nil, err
	}
	// Lookup is keyed by (owner, provider, slug); a mismatched provider is
	// indistinguishable from absence to the caller.
	if entry.Provider != providerName {
		crypto.Zero(secret)
		return nil, vault.ErrNotFound
	}

	adapter, err := registry.Resolve(entry.Provider)
	if err != nil {
		crypto.Zero(secret)
		return nil, err
	}

	// BUILDING. The secret is injected into the outbound request and
	// wiped immediately after; it never appears in logs or records.
	span.AddEvent("building")
	httpReq, err := adapter.BuildRequest(req, string(secret), entry.BaseURL)
	crypto.Zero(secret)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, policy.CallTimeout)
	defer cancel()

	// SENDING / RETRYING.
	span.AddEvent("sending")
	status, body, err := d.send(callCtx, policy, httpReq, rec, entry.Provider)
	if err != nil {
		return nil, err
	}

	// PARSING.
	span.AddEvent("parsing")
	resp, err := adapter.ParseResponse(status, body)
	if err != nil {
		return nil, err
	}

	d.logger.WithFields(logrus.Fields{
		"owner":    owner,
		"slug":     rec.Slug,
		"provider": entry.Provider,
		"attempts": rec.Attempts,
		"status":   status,
	}).Debug("Dispatch complete")

	return resp, nil
}

// send executes the HTTP call with bounded retries. 429 and 5xx are
// retryable; other 4xx fail immediately. Transport errors are retryable
// unless the context is done.
func (d *Dispatcher) send(ctx context.Context, policy config.DispatchConfig, req *http.Request, rec *usage.Record, providerName string) (int, []byte, error) {
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := d.backoff(ctx, policy, attempt); err != nil {
				return 0, nil, err
			}
			d.metrics.RecordRetry(providerName)
		}

		attemptReq, err := cloneRequest(ctx, req)
		if err != nil {
			return 0, nil, err
		}

		rec.Attempts++
		resp, err := d.client.Do(attemptReq)
		if debug.Enabled() {
			fields := logrus.Fields{"provider": providerName, "attempt": rec.Attempts}
			if resp != nil {
				fields["status"] = resp.StatusCode
			}
			if err != nil {
				fields["error"] = err.Error()
			}
			d.logger.WithFields(fields).Debug("Upstream attempt")
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, nil, fmt.Errorf("%w: %v", ErrCancelled, ctxErr)
			}
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("upstream returned status %d", resp.StatusCode)
			continue

		case resp.StatusCode >= 400:
			return resp.StatusCode, nil, &ProviderError{
				Provider:   providerName,
				StatusCode: resp.StatusCode,
				Code:       extractErrorCode(body),
			}

		default:
			if readErr != nil {
				lastErr = fmt.Errorf("failed to read response body: %w", readErr)
				continue
			}
			return resp.StatusCode, body, nil
		}
	}

	return 0, nil, &RetriesExhaustedError{Attempts: rec.Attempts, LastErr: lastErr}
}

// backoff sleeps for the exponential delay with full jitter, or returns
// ErrCancelled if the context ends first.
func (d *Dispatcher) backoff(ctx context.Context, policy config.DispatchConfig, attempt int) error {
	delay := policy.BackoffBase << uint(attempt-1)
	if delay > policy.BackoffCap {
		delay = policy.BackoffCap
	}
	if policy.Jitter && delay > 0 {
		delay = time.Duration(rand.Int63n(int64(delay))) + 1
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// cloneRequest produces a fresh request for a retry attempt. Bodies built
// from bytes readers are replayable via GetBody.
func cloneRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	clone := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to replay request body: %w", err)
		}
		clone.Body = body
	}
	return clone, nil
}

// extractErrorCode pulls a short machine-readable code out of an upstream
// error body when one is present. Best effort; both OpenAI-style
// {"error":{"code":...}} and flat {"code":...} shapes are recognized.
func extractErrorCode(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}

	var nested struct {
		Error struct {
			Code string `json:"code"`
			Type string `json:"type"`
		} `json:"error"`
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body, &nested); err != nil {
		return ""
	}
	if nested.Error.Code != "" {
		return nested.Error.Code
	}
	if nested.Error.Type != "" {
		return nested.Error.Type
	}
	return nested.Code
}
