// Package config loads the gateway's YAML configuration and watches it for
// provider changes at runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tracefold/tracefold/logging"
	"github.com/tracefold/tracefold/provider"
)

// DefaultPath is where the gateway looks for its config when no --config
// flag is given.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tracefold.yaml"
	}
	return filepath.Join(home, ".tracefold", "config.yaml")
}

// JobsConfig tunes the background worker pool.
type JobsConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// Config is the full gateway configuration file.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	ServerName string `yaml:"server_name"`

	// MaxPayloadLen caps stored payload columns in bytes. Zero means the
	// store default.
	MaxPayloadLen int `yaml:"max_payload_len"`

	// RedactedHeaders extends the built-in header redaction set.
	RedactedHeaders []string `yaml:"redacted_headers"`

	Provider provider.Config `yaml:"provider"`
	Jobs     JobsConfig      `yaml:"jobs"`
	Logging  logging.Config  `yaml:"logging"`
}

func defaults() Config {
	return Config{
		ListenAddr: "localhost:8790",
		DBPath:     filepath.Join(defaultDataDir(), "tracefold.db"),
		ServerName: "tracefold",
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".tracefold")
}

// Load reads and parses the config file at path. A missing file is not an
// error: the defaults apply and the echo provider is active.
func Load(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: db_path must not be empty")
	}
	switch c.Provider.Name {
	case "", "echo", "openai":
	default:
		return fmt.Errorf("config: unknown provider %q", c.Provider.Name)
	}
	if c.Jobs.Workers < 0 || c.Jobs.QueueSize < 0 {
		return fmt.Errorf("config: jobs.workers and jobs.queue_size must not be negative")
	}
	return nil
}
