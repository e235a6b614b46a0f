package usage

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/unikey-gateway/internal/provider"
)

func rec(slug string, ts time.Time, tokens, latencyMS int, errorClass string) Record {
	return Record{
		ID:         NewRecordID(),
		OwnerID:    "alice",
		Slug:       slug,
		Provider:   "openai",
		Timestamp:  ts,
		LatencyMS:  int64(latencyMS),
		ErrorClass: errorClass,
		Attempts:   1,
		TokenUsage: provider.TokenUsage{Total: tokens},
	}
}

func TestAggregateBucketsAndAverages(t *testing.T) {
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	records := []Record{
		rec("gpt-main", from.Add(5*time.Minute), 100, 200, ""),
		rec("gpt-main", from.Add(10*time.Minute), 50, 400, ""),
		rec("gpt-main", from.Add(70*time.Minute), 30, 100, ErrorClassProviderError),
	}

	buckets := aggregate(records, "", from, time.Hour)
	require.Len(t, buckets, 2)

	assert.Equal(t, from, buckets[0].BucketStart)
	assert.Equal(t, 2, buckets[0].CallCount)
	assert.Equal(t, 150, buckets[0].TotalTokens)
	assert.InDelta(t, 300.0, buckets[0].AvgLatencyMS, 0.001)
	assert.Zero(t, buckets[0].ErrorCount)

	assert.Equal(t, from.Add(time.Hour), buckets[1].BucketStart)
	assert.Equal(t, 1, buckets[1].CallCount)
	assert.Equal(t, 1, buckets[1].ErrorCount)
}

func TestAggregateFillsEmptyBuckets(t *testing.T) {
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	records := []Record{
		rec("k", from.Add(time.Minute), 10, 50, ""),
		rec("k", from.Add(3*time.Hour), 10, 50, ""),
	}

	buckets := aggregate(records, "", from, time.Hour)
	require.Len(t, buckets, 4, "gaps between active windows appear as zero buckets")
	assert.Zero(t, buckets[1].CallCount)
	assert.Zero(t, buckets[2].CallCount)
}

func TestAggregateSlugGlob(t *testing.T) {
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	records := []Record{
		rec("gpt-main", from.Add(time.Minute), 10, 50, ""),
		rec("gpt-backup", from.Add(2*time.Minute), 20, 50, ""),
		rec("claude-main", from.Add(3*time.Minute), 30, 50, ""),
	}

	buckets := aggregate(records, "gpt-*", from, time.Hour)
	require.Len(t, buckets, 1)
	assert.Equal(t, 2, buckets[0].CallCount)
	assert.Equal(t, 30, buckets[0].TotalTokens)

	assert.Nil(t, aggregate(records, "nomatch-*", from, time.Hour))
	assert.Equal(t, 3, aggregate(records, "*", from, time.Hour)[0].CallCount)
}

func TestAggregateEmpty(t *testing.T) {
	assert.Nil(t, aggregate(nil, "", time.Now(), time.Hour))
}

func testStores(t *testing.T, run func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		run(t, NewMemoryStore(100))
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		run(t, NewRedisStore(client, 100))
	})
}

func TestStoreAppendAndRange(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

		for i := 0; i < 3; i++ {
			r := rec("k", base.Add(time.Duration(i)*time.Minute), 10, 50, "")
			require.NoError(t, s.Append(ctx, &r))
		}
		other := rec("k", base, 10, 50, "")
		other.OwnerID = "bob"
		require.NoError(t, s.Append(ctx, &other))

		records, err := s.Records(ctx, "alice", base, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, records, 3, "records are scoped per owner")
		for i := 1; i < len(records); i++ {
			assert.False(t, records[i].Timestamp.Before(records[i-1].Timestamp))
		}

		// Range is half-open: [from, to).
		records, err = s.Records(ctx, "alice", base, base.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})
}

func TestStoreBoundsRecordCount(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore(5)
		for i := 0; i < 10; i++ {
			r := rec("k", base.Add(time.Duration(i)*time.Second), 1, 1, "")
			require.NoError(t, s.Append(ctx, &r))
		}
		records, err := s.Records(ctx, "alice", base, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, records, 5)
		assert.Equal(t, base.Add(5*time.Second), records[0].Timestamp, "oldest records are dropped first")
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })

		s := NewRedisStore(client, 5)
		for i := 0; i < 10; i++ {
			r := rec("k", base.Add(time.Duration(i)*time.Second), 1, 1, "")
			require.NoError(t, s.Append(ctx, &r))
		}
		records, err := s.Records(ctx, "alice", base, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Len(t, records, 5)
	})
}

type captureWriter struct {
	events []*Record
	err    error
}

func (w *captureWriter) WriteEvent(rec *Record) error {
	if w.err != nil {
		return w.err
	}
	w.events = append(w.events, rec)
	return nil
}

func TestLedgerRecordFillsDefaultsAndExports(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	writer := &captureWriter{}
	ledger := NewLedger(NewMemoryStore(10), writer, logger)

	r := &Record{OwnerID: "alice", Slug: "k", Provider: "openai"}
	require.NoError(t, ledger.Record(context.Background(), r))
	assert.NotEmpty(t, r.ID)
	assert.False(t, r.Timestamp.IsZero())
	require.Len(t, writer.events, 1)
}

func TestLedgerExportFailureDoesNotFailRecording(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store := NewMemoryStore(10)
	ledger := NewLedger(store, &captureWriter{err: assert.AnError}, logger)

	r := &Record{OwnerID: "alice", Slug: "k", Provider: "openai"}
	require.NoError(t, ledger.Record(context.Background(), r))

	records, err := store.Records(context.Background(), "alice", time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestLedgerAggregateFiltersBySlug(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store := NewMemoryStore(10)
	ledger := NewLedger(store, nil, logger)

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for _, slug := range []string{"gpt-main", "claude-main"} {
		r := rec(slug, base.Add(time.Minute), 10, 50, "")
		require.NoError(t, ledger.Record(context.Background(), &r))
	}

	buckets, err := ledger.Aggregate(context.Background(), "alice", "gpt-*", base, base.Add(time.Hour), time.Hour)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, 1, buckets[0].CallCount)
}

// syncCaptureWriter is safe for the batch sink's concurrent flushes.
type syncCaptureWriter struct {
	mu     sync.Mutex
	events []*Record
}

func (w *syncCaptureWriter) WriteEvent(rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, rec)
	return nil
}

func (w *syncCaptureWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

// slowWriter delays every write so an in-flight flush is observable.
type slowWriter struct {
	mu     sync.Mutex
	events int
	delay  time.Duration
}

func (w *slowWriter) WriteEvent(rec *Record) error {
	time.Sleep(w.delay)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events++
	return nil
}

func (w *slowWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events
}

func TestBatchSinkCloseWaitsForInFlightFlush(t *testing.T) {
	writer := &slowWriter{delay: 50 * time.Millisecond}
	sink := NewBatchSink(writer, 2, time.Hour, 0, 0)

	r1 := rec("k", time.Now(), 1, 1, "")
	r2 := rec("k", time.Now(), 1, 1, "")
	require.NoError(t, sink.WriteEvent(&r1))
	require.NoError(t, sink.WriteEvent(&r2))

	// The second write triggered an asynchronous flush; Close must block
	// until it lands, not just until the flush loop exits.
	require.NoError(t, sink.Close())
	assert.Equal(t, 2, writer.count())
}

func TestBatchSinkFlushesOnSizeAndClose(t *testing.T) {
	writer := &syncCaptureWriter{}
	sink := NewBatchSink(writer, 2, time.Hour, 0, 0)

	r1 := rec("k", time.Now(), 1, 1, "")
	r2 := rec("k", time.Now(), 1, 1, "")
	r3 := rec("k", time.Now(), 1, 1, "")

	require.NoError(t, sink.WriteEvent(&r1))
	require.NoError(t, sink.WriteEvent(&r2))

	// Size-triggered flush is asynchronous.
	assert.Eventually(t, func() bool { return writer.count() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, sink.WriteEvent(&r3))
	require.NoError(t, sink.Close())
	assert.Equal(t, 3, writer.count(), "close flushes the remaining buffer")
}
