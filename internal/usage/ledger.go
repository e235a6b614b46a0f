package usage

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Ledger is the append-only usage ledger: a backing store for queries plus
// an optional export writer (stdout/file/http/s3, possibly batched).
// Export failures are logged and never fail the call being recorded.
type Ledger struct {
	store  Store
	writer EventWriter
	logger *logrus.Logger
}

// NewLedger creates a ledger over the given store. writer may be nil.
func NewLedger(store Store, writer EventWriter, logger *logrus.Logger) *Ledger {
	return &Ledger{store: store, writer: writer, logger: logger}
}

// Record appends one usage record. Called unconditionally for every
// terminal dispatch outcome, success or failure.
func (l *Ledger) Record(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = NewRecordID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	if err := l.store.Append(ctx, rec); err != nil {
		return err
	}

	if l.writer != nil {
		if err := l.writer.WriteEvent(rec); err != nil && l.logger != nil {
			l.logger.WithError(err).Warn("Failed to export usage record")
		}
	}
	return nil
}

// Aggregate folds the owner's records in [from, to) into fixed-size
// buckets, optionally filtered by a slug glob.
func (l *Ledger) Aggregate(ctx context.Context, owner, slugPattern string, from, to time.Time, bucket time.Duration) ([]Bucket, error) {
	records, err := l.store.Records(ctx, owner, from, to)
	if err != nil {
		return nil, err
	}
	return aggregate(records, slugPattern, from, bucket), nil
}

// Recent returns the owner's raw records in [from, to), newest last.
func (l *Ledger) Recent(ctx context.Context, owner string, from, to time.Time) ([]Record, error) {
	return l.store.Records(ctx, owner, from, to)
}

// Close flushes and closes the export writer, if any.
func (l *Ledger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
