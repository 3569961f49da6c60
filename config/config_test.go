package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracefold/tracefold/provider"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "localhost:8790", cfg.ListenAddr)
	assert.NotEmpty(t, cfg.DBPath)
	assert.Empty(t, cfg.Provider.Name, "empty provider name selects echo")
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
listen_addr: "0.0.0.0:9900"
db_path: "/tmp/tf.db"
server_name: "gw-1"
max_payload_len: 1000
redacted_headers:
  - X-Internal-Token
provider:
  name: openai
  model: gpt-4o-mini
  base_url: https://example.com/v1
  api_key: "{{env:OPENAI_KEY}}"
  timeout_seconds: 30
jobs:
  workers: 8
  queue_size: 256
logging:
  level: warn
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9900", cfg.ListenAddr)
	assert.Equal(t, "/tmp/tf.db", cfg.DBPath)
	assert.Equal(t, "gw-1", cfg.ServerName)
	assert.Equal(t, 1000, cfg.MaxPayloadLen)
	assert.Equal(t, []string{"X-Internal-Token"}, cfg.RedactedHeaders)
	assert.Equal(t, "openai", cfg.Provider.Name)
	assert.Equal(t, "gpt-4o-mini", cfg.Provider.Model)
	assert.Equal(t, 30, cfg.Provider.TimeoutSeconds)
	assert.Equal(t, 8, cfg.Jobs.Workers)
	assert.Equal(t, 256, cfg.Jobs.QueueSize)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "listen_addr: [broken")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	path := writeConfig(t, "provider:\n  name: bedrock\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestLoadRejectsNegativePool(t *testing.T) {
	path := writeConfig(t, "jobs:\n  workers: -1\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestWatcherReloadsProvider(t *testing.T) {
	path := writeConfig(t, "provider:\n  name: echo\n  model: echo-1\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	applied := make(chan provider.Config, 1)
	w, err := NewWatcher(path, cfg.Provider, func(p provider.Config) { applied <- p })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	require.NoError(t, os.WriteFile(path, []byte("provider:\n  name: echo\n  model: echo-2\n"), 0o600))

	select {
	case got := <-applied:
		assert.Equal(t, "echo-2", got.Model)
	case <-time.After(5 * time.Second):
		t.Fatal("provider change never applied")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherIgnoresUnrelatedChange(t *testing.T) {
	path := writeConfig(t, "server_name: a\nprovider:\n  name: echo\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	applied := make(chan provider.Config, 1)
	w, err := NewWatcher(path, cfg.Provider, func(p provider.Config) { applied <- p })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, os.WriteFile(path, []byte("server_name: b\nprovider:\n  name: echo\n"), 0o600))

	select {
	case <-applied:
		t.Fatal("apply fired for an unchanged provider section")
	case <-time.After(debounceDelay + 300*time.Millisecond):
	}
}

func TestWatcherConcurrentReloadAppliesOnce(t *testing.T) {
	path := writeConfig(t, "provider:\n  name: echo\n  model: echo-1\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	applied := make(chan provider.Config, 4)
	w, err := NewWatcher(path, cfg.Provider, func(p provider.Config) { applied <- p })
	require.NoError(t, err)
	defer w.watcher.Close()

	require.NoError(t, os.WriteFile(path, []byte("provider:\n  name: echo\n  model: echo-2\n"), 0o600))

	// Debounce timers from overlapping change bursts can fire together; the
	// change must still be applied exactly once.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.reload()
		}()
	}
	wg.Wait()

	require.Len(t, applied, 1)
	got := <-applied
	assert.Equal(t, "echo-2", got.Model)
}

func TestWatcherRequiresExistingFile(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), provider.Config{}, func(provider.Config) {})
	assert.Error(t, err)
}
