package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/kenneth/unikey-gateway/internal/crypto"
	"github.com/kenneth/unikey-gateway/internal/provider"
	"github.com/kenneth/unikey-gateway/internal/usage"
	"github.com/kenneth/unikey-gateway/internal/vault"
)

// ErrCancelled is returned when the caller disconnected or the request
// deadline elapsed before the dispatch finished.
var ErrCancelled = errors.New("call cancelled")

// ProviderError is a non-retryable upstream rejection (4xx other than 429).
// It carries the upstream status and error code, never the secret or the
// raw request.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s rejected the call: status %d (%s)", e.Provider, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("%s rejected the call: status %d", e.Provider, e.StatusCode)
}

// RetriesExhaustedError is returned after the retry ceiling is hit on
// retryable failures (transport errors, 429, 5xx).
type RetriesExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.LastErr }

// Classify maps any dispatch error onto its stable error-class string.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, vault.ErrNotFound):
		return usage.ErrorClassNotFound
	case errors.Is(err, vault.ErrDuplicateSlug):
		return usage.ErrorClassDuplicateSlug
	case errors.Is(err, vault.ErrExpired):
		return usage.ErrorClassExpired
	case errors.Is(err, vault.ErrRevoked):
		return usage.ErrorClassRevoked
	case errors.Is(err, crypto.ErrIntegrity):
		return usage.ErrorClassIntegrity
	case errors.Is(err, provider.ErrUnsupportedProvider),
		errors.Is(err, provider.ErrUnsupportedCapability):
		return usage.ErrorClassUnsupportedProvider
	case errors.Is(err, ErrCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return usage.ErrorClassCancelled
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return usage.ErrorClassProviderError
	}
	var exhausted *RetriesExhaustedError
	if errors.As(err, &exhausted) {
		return usage.ErrorClassRetriesExhausted
	}
	var norm *provider.NormalizationError
	if errors.As(err, &norm) {
		return usage.ErrorClassNormalization
	}
	return usage.ErrorClassTransportError
}

// statusOf maps an error class onto the canonical response status field.
func statusOf(class string) string {
	switch class {
	case "":
		return provider.StatusOK
	case usage.ErrorClassProviderError:
		return provider.StatusProviderError
	default:
		return provider.StatusTransportError
	}
}
