// Package telemetry sends anonymous usage events to PostHog.
//
// Disabled entirely when TRACEFOLD_TELEMETRY_OPTOUT=true or when no
// TRACEFOLD_POSTHOG_KEY is present, so source builds stay silent by default.
// Only event names and coarse counters are ever sent; no prompts, payloads,
// or correlation ids leave the machine.
package telemetry

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/posthog/posthog-go"

	"github.com/tracefold/tracefold/logging"
	"github.com/tracefold/tracefold/version"
)

const (
	idFileName    = "telemetry_id.txt"
	batchSize     = 5
	batchInterval = 5 * time.Second
)

var (
	mu            sync.Mutex
	once          sync.Once
	anonymousID   string
	client        posthog.Client
	optOut        bool
	isInitialized bool
)

// Init loads or generates the anonymous machine id and initializes the
// PostHog client. Safe to call more than once.
func Init() {
	once.Do(func() {
		if os.Getenv("TRACEFOLD_TELEMETRY_OPTOUT") == "true" {
			optOut = true
			isInitialized = true
			return
		}

		apiKey := os.Getenv("TRACEFOLD_POSTHOG_KEY")
		if apiKey == "" {
			isInitialized = true
			return
		}
		endpoint := os.Getenv("TRACEFOLD_POSTHOG_ENDPOINT")
		if endpoint == "" {
			endpoint = posthog.DefaultEndpoint
		}

		id, err := loadOrGenerateAnonymousID()
		if err != nil {
			logging.Debug().Err(err).Msg("telemetry disabled: no anonymous id")
			isInitialized = true
			return
		}
		anonymousID = id

		c, err := posthog.NewWithConfig(apiKey, posthog.Config{
			Endpoint:  endpoint,
			BatchSize: batchSize,
			Interval:  batchInterval,
		})
		if err != nil {
			logging.Debug().Err(err).Msg("telemetry disabled: client init failed")
			isInitialized = true
			return
		}
		client = c
		isInitialized = true
	})
}

func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tracefold"), nil
}

func loadOrGenerateAnonymousID() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	idPath := filepath.Join(dir, idFileName)

	if data, err := os.ReadFile(idPath); err == nil {
		return string(data), nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	newID := uuid.NewString()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	if err := os.WriteFile(idPath, []byte(newID), 0o600); err != nil {
		return "", err
	}
	return newID, nil
}

// TrackEvent enqueues one usage event. A no-op when telemetry is off.
func TrackEvent(eventName string, properties map[string]any) {
	mu.Lock()
	defer mu.Unlock()

	if !isInitialized {
		Init()
	}
	if optOut || client == nil || anonymousID == "" {
		return
	}

	if properties == nil {
		properties = map[string]any{}
	}
	properties["version"] = version.Version
	properties["os_type"] = runtime.GOOS
	properties["arch_type"] = runtime.GOARCH

	if err := client.Enqueue(posthog.Capture{
		DistinctId: anonymousID,
		Event:      eventName,
		Properties: properties,
	}); err != nil {
		logging.Debug().Err(err).Str("event", eventName).Msg("telemetry enqueue failed")
	}
}

// Shutdown flushes queued events. Call before process exit.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	if client != nil && !optOut {
		if err := client.Close(); err != nil {
			logging.Debug().Err(err).Msg("telemetry close failed")
		}
	}
}

// IsEnabled reports whether events would actually be sent.
func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	if !isInitialized {
		Init()
	}
	return !optOut && client != nil && anonymousID != ""
}
