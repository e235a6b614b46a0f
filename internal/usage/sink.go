package usage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/kenneth/unikey-gateway/internal/config"
)

// EventWriter is an interface for exporting usage records.
type EventWriter interface {
	WriteEvent(rec *Record) error
}

// BatchWriter is implemented by sinks that support batch writing.
type BatchWriter interface {
	WriteBatch(records []*Record) error
}

// NewWriterFromConfig builds the export writer described by the sink
// configuration. Returns nil when no sink is configured.
func NewWriterFromConfig(cfg config.SinkConfig) (EventWriter, error) {
	var writer EventWriter

	switch cfg.Type {
	case "":
		return nil, nil
	case "stdout":
		writer = &StdoutSink{}
	case "file":
		writer = NewFileSink(cfg.FilePath)
	case "http":
		writer = NewHTTPSink(cfg.Endpoint, cfg.Headers)
	case "s3":
		s3Sink, err := NewS3Sink(cfg.S3)
		if err != nil {
			return nil, err
		}
		writer = s3Sink
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Type)
	}

	if cfg.BatchSize > 0 || cfg.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.BatchSize, cfg.FlushInterval, cfg.RetryCount, cfg.RetryBackoff)
	}
	return writer, nil
}

// BatchSink wraps an EventWriter and provides batching capability.
type BatchSink struct {
	wrapped       EventWriter
	buffer        []*Record
	bufferSize    int
	flushInterval time.Duration
	mu            sync.Mutex
	closeChan     chan struct{}
	wg            sync.WaitGroup
	retryCount    int
	retryBackoff  time.Duration
}

// NewBatchSink creates a new batched sink.
func NewBatchSink(wrapped EventWriter, size int, interval time.Duration, retryCount int, retryBackoff time.Duration) *BatchSink {
	if size <= 0 {
		size = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	s := &BatchSink{
		wrapped:       wrapped,
		buffer:        make([]*Record, 0, size),
		bufferSize:    size,
		flushInterval: interval,
		closeChan:     make(chan struct{}),
		retryCount:    retryCount,
		retryBackoff:  retryBackoff,
	}

	s.wg.Add(1)
	go s.run()

	return s
}

// WriteEvent adds a record to the batch.
func (s *BatchSink) WriteEvent(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, rec)
	if len(s.buffer) >= s.bufferSize {
		records := s.drainBufferLocked()
		// Write asynchronously to avoid blocking the recording call. The
		// WaitGroup keeps Close from returning while the flush is in flight.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.writeWithRetry(records)
		}()
	}
	return nil
}

// Close stops the flush loop and flushes remaining records.
func (s *BatchSink) Close() error {
	close(s.closeChan)
	s.wg.Wait()
	return nil
}

func (s *BatchSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			records := s.drainBufferLocked()
			s.mu.Unlock()

			if len(records) > 0 {
				s.writeWithRetry(records)
			}
		case <-s.closeChan:
			s.mu.Lock()
			records := s.drainBufferLocked()
			s.mu.Unlock()

			if len(records) > 0 {
				s.writeWithRetry(records)
			}
			return
		}
	}
}

// drainBufferLocked returns the current buffer contents and clears it.
// Caller must hold the lock.
func (s *BatchSink) drainBufferLocked() []*Record {
	if len(s.buffer) == 0 {
		return nil
	}

	records := make([]*Record, len(s.buffer))
	copy(records, s.buffer)
	s.buffer = s.buffer[:0]
	return records
}

func (s *BatchSink) writeWithRetry(records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	var err error
	for i := 0; i <= s.retryCount; i++ {
		if bw, ok := s.wrapped.(BatchWriter); ok {
			err = bw.WriteBatch(records)
		} else {
			for _, rec := range records {
				if e := s.wrapped.WriteEvent(rec); e != nil {
					err = e
				}
			}
		}

		if err == nil {
			return nil
		}

		if i < s.retryCount {
			time.Sleep(s.retryBackoff * time.Duration(1<<uint(i)))
		}
	}

	fmt.Fprintf(os.Stderr, "Failed to flush usage records after %d retries: %v\n", s.retryCount, err)
	return err
}

// HTTPSink sends records to an HTTP endpoint as a JSON array.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	headers  map[string]string
}

// NewHTTPSink creates a new HTTP sink.
func NewHTTPSink(endpoint string, headers map[string]string) *HTTPSink {
	return &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		headers:  headers,
	}
}

// WriteEvent writes a single record.
func (s *HTTPSink) WriteEvent(rec *Record) error {
	return s.WriteBatch([]*Record{rec})
}

// WriteBatch writes a batch of records.
func (s *HTTPSink) WriteBatch(records []*Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, s.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("http sink returned status: %s", resp.Status)
	}
	return nil
}

// FileSink appends records to a file as JSON lines.
type FileSink struct {
	path string
	mu   sync.Mutex
}

// NewFileSink creates a new file sink.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// WriteEvent writes a single record.
func (s *FileSink) WriteEvent(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		return err
	}
	if _, err := f.WriteString("\n"); err != nil {
		return err
	}
	return nil
}

// StdoutSink writes records to stdout.
type StdoutSink struct{}

// WriteEvent writes a single record.
func (s *StdoutSink) WriteEvent(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
