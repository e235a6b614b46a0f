package config

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchReloadsOnChange(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatch:\n  max_retries: 1\n"), 0644))

	var mu sync.Mutex
	var got *Config
	stop, err := Watch(path, logger, func(cfg *Config) {
		mu.Lock()
		got = cfg
		mu.Unlock()
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("dispatch:\n  max_retries: 7\n"), 0644))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil && got.Dispatch.MaxRetries == 7
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatchIgnoresInvalidConfig(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatch:\n  max_retries: 1\n"), 0644))

	var mu sync.Mutex
	reloads := 0
	stop, err := Watch(path, logger, func(cfg *Config) {
		mu.Lock()
		reloads++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer stop()

	// A change that fails validation must not reach the callback.
	require.NoError(t, os.WriteFile(path, []byte("dispatch:\n  max_retries: -5\n"), 0644))
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, reloads)
}
