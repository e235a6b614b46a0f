// Package usage is the append-only ledger of per-call telemetry. Records
// are never mutated; reporting is a pure read-time fold over what was
// written, so it always reflects exactly the recorded calls.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ryanuber/go-glob"

	"github.com/kenneth/unikey-gateway/internal/provider"
)

// Stable error-class strings recorded with failed calls. These are the
// only failure identifiers surfaced to callers; raw errors never leave the
// gateway.
const (
	ErrorClassNotFound            = "not_found"
	ErrorClassDuplicateSlug       = "duplicate_slug"
	ErrorClassExpired             = "expired"
	ErrorClassRevoked             = "revoked"
	ErrorClassIntegrity           = "integrity"
	ErrorClassUnsupportedProvider = "unsupported_provider"
	ErrorClassProviderError       = "provider_error"
	ErrorClassTransportError      = "transport_error"
	ErrorClassRetriesExhausted    = "retries_exhausted"
	ErrorClassNormalization       = "normalization"
	ErrorClassCancelled           = "cancelled"
)

// Record is one ledger entry: the telemetry of a single logical dispatch,
// success or failure. Attempts counts HTTP sends including retries.
type Record struct {
	ID         string              `json:"id"`
	OwnerID    string              `json:"owner_id"`
	Slug       string              `json:"slug"`
	Provider   string              `json:"provider"`
	Model      string              `json:"model,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
	LatencyMS  int64               `json:"latency_ms"`
	StatusCode int                 `json:"status_code,omitempty"`
	ErrorClass string              `json:"error_class,omitempty"`
	Attempts   int                 `json:"attempts"`
	TokenUsage provider.TokenUsage `json:"token_usage"`
}

// NewRecordID returns a fresh ledger record identifier.
func NewRecordID() string {
	return uuid.NewString()
}

// Bucket is one aggregated reporting window.
type Bucket struct {
	BucketStart  time.Time `json:"bucket_start"`
	CallCount    int       `json:"call_count"`
	TotalTokens  int       `json:"total_tokens"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	ErrorCount   int       `json:"error_count"`
}

// Store is the ledger persistence interface. Append must be atomic per
// record; Records returns the owner's records within [from, to) ordered by
// timestamp.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	Records(ctx context.Context, owner string, from, to time.Time) ([]Record, error)
}

// aggregate folds records into fixed-size buckets. slugPattern supports
// globs; empty or "*" matches every slug.
func aggregate(records []Record, slugPattern string, from time.Time, bucket time.Duration) []Bucket {
	if bucket <= 0 {
		bucket = time.Hour
	}

	matchAll := slugPattern == "" || slugPattern == "*"

	type acc struct {
		count   int
		tokens  int
		latency int64
		errors  int
	}
	byIndex := make(map[int64]*acc)

	for _, rec := range records {
		if !matchAll && !glob.Glob(slugPattern, rec.Slug) {
			continue
		}
		idx := int64(rec.Timestamp.Sub(from) / bucket)
		if idx < 0 {
			continue
		}
		a := byIndex[idx]
		if a == nil {
			a = &acc{}
			byIndex[idx] = a
		}
		a.count++
		a.tokens += rec.TokenUsage.Total
		a.latency += rec.LatencyMS
		if rec.ErrorClass != "" {
			a.errors++
		}
	}

	if len(byIndex) == 0 {
		return nil
	}

	var maxIdx int64
	for idx := range byIndex {
		if idx > maxIdx {
			maxIdx = idx
		}
	}

	buckets := make([]Bucket, 0, maxIdx+1)
	for idx := int64(0); idx <= maxIdx; idx++ {
		b := Bucket{BucketStart: from.Add(time.Duration(idx) * bucket)}
		if a, ok := byIndex[idx]; ok {
			b.CallCount = a.count
			b.TotalTokens = a.tokens
			b.ErrorCount = a.errors
			b.AvgLatencyMS = float64(a.latency) / float64(a.count)
		}
		buckets = append(buckets, b)
	}
	return buckets
}
