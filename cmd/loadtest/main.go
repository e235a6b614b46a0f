// Load generator for the unikey gateway. Creates a vault key against a
// running gateway, then drives concurrent proxy calls and reports latency
// percentiles. Point it at a gateway whose key targets a mock provider
// (custom provider + base_url) to avoid real upstream spend.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

type result struct {
	latency time.Duration
	status  int
	err     error
}

func main() {
	var (
		gatewayURL = flag.String("gateway-url", "http://localhost:8080", "Gateway URL")
		owner      = flag.String("owner", "loadtest", "Owner ID header value")
		passphrase = flag.String("passphrase", "loadtest-passphrase", "Vault passphrase header value")
		providerN  = flag.String("provider", "custom", "Provider name for the test key")
		slug       = flag.String("slug", "loadtest-key", "Slug for the test key")
		secret     = flag.String("secret", "sk-loadtest-000000", "Secret stored in the test key")
		baseURL    = flag.String("base-url", "", "Base URL for the custom provider (mock upstream)")
		model      = flag.String("model", "gpt-4o-mini", "Model name sent in requests")
		duration   = flag.Duration("duration", 30*time.Second, "Test duration")
		workers    = flag.Int("workers", 5, "Number of worker goroutines")
		qps        = flag.Int("qps", 25, "Queries per second per worker")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	client := &http.Client{Timeout: 60 * time.Second}

	if err := createKey(client, *gatewayURL, *owner, *passphrase, *providerN, *slug, *secret, *baseURL); err != nil {
		logger.WithError(err).Fatal("Failed to create test key")
	}
	logger.WithFields(logrus.Fields{"slug": *slug, "provider": *providerN}).Info("Test key ready")

	payload, _ := json.Marshal(map[string]any{
		"capability": "chat-completion",
		"model":      *model,
		"messages":   []map[string]string{{"role": "user", "content": "ping"}},
	})
	url := fmt.Sprintf("%s/v1/proxy/%s/%s", *gatewayURL, *providerN, *slug)

	stop := make(chan struct{})
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigChan:
			close(stop)
		case <-time.After(*duration):
			close(stop)
		}
	}()

	var (
		mu      sync.Mutex
		results []result
		sent    int64
	)

	var wg sync.WaitGroup
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			interval := time.Second / time.Duration(*qps)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					atomic.AddInt64(&sent, 1)
					r := doCall(client, url, *owner, *passphrase, payload)
					mu.Lock()
					results = append(results, r)
					mu.Unlock()
					if r.err != nil {
						logger.WithError(r.err).Debug("Call failed")
					}
				}
			}
		}()
	}

	wg.Wait()
	report(logger, results, atomic.LoadInt64(&sent))
}

func createKey(client *http.Client, gatewayURL, owner, passphrase, provider, slug, secret, baseURL string) error {
	body, _ := json.Marshal(map[string]string{
		"slug":     slug,
		"provider": provider,
		"secret":   secret,
		"base_url": baseURL,
	})
	req, err := http.NewRequest(http.MethodPost, gatewayURL+"/v1/keys", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Owner-ID", owner)
	req.Header.Set("X-Vault-Passphrase", passphrase)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 409 means the key survived a previous run; reuse it.
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("key creation returned status %d", resp.StatusCode)
	}
	return nil
}

func doCall(client *http.Client, url, owner, passphrase string, payload []byte) result {
	start := time.Now()

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return result{err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Owner-ID", owner)
	req.Header.Set("X-Vault-Passphrase", passphrase)

	resp, err := client.Do(req)
	if err != nil {
		return result{latency: time.Since(start), err: err}
	}
	resp.Body.Close()

	return result{latency: time.Since(start), status: resp.StatusCode}
}

func report(logger *logrus.Logger, results []result, sent int64) {
	if len(results) == 0 {
		logger.Warn("No results collected")
		return
	}

	var ok, failed int
	latencies := make([]time.Duration, 0, len(results))
	for _, r := range results {
		if r.err == nil && r.status < 400 {
			ok++
		} else {
			failed++
		}
		latencies = append(latencies, r.latency)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	pct := func(p float64) time.Duration {
		idx := int(p * float64(len(latencies)-1))
		return latencies[idx]
	}

	logger.WithFields(logrus.Fields{
		"sent":   sent,
		"ok":     ok,
		"failed": failed,
		"p50":    pct(0.50).String(),
		"p95":    pct(0.95).String(),
		"p99":    pct(0.99).String(),
		"max":    latencies[len(latencies)-1].String(),
	}).Info("Load test complete")
}
