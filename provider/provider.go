// Package provider is the boundary to LLM chat-completion backends.
//
// The gateway treats every backend uniformly through the Provider interface;
// request/response translation specifics live in each implementation. One
// provider is active per deployment, selected by configuration.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/tracefold/tracefold/placeholder"
	"github.com/tracefold/tracefold/types"
)

// ChatMessage is one turn of a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a provider-agnostic chat completion request.
type ChatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

// ChatResult is a provider-agnostic chat completion result. It carries its
// token accounting explicitly, so the action trail can pattern-match on it
// instead of probing result shapes. Usage is nil when the backend reported
// no accounting at all; a non-nil all-zero value is a genuine zero report.
type ChatResult struct {
	Provider     string            `json:"provider"`
	Model        string            `json:"model"`
	Content      string            `json:"content"`
	FinishReason string            `json:"finish_reason,omitempty"`
	Usage        *types.TokenUsage `json:"token_details,omitempty"`
}

// TokenUsage implements action.UsageReporter.
func (r *ChatResult) TokenUsage() (types.TokenUsage, bool) {
	if r == nil || r.Usage == nil {
		return types.TokenUsage{}, false
	}
	return *r.Usage, true
}

// Provider is a chat-completion backend.
type Provider interface {
	Name() string
	Model() string
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResult, error)
}

// Config selects and parameterizes the active provider.
type Config struct {
	// Name picks the implementation: "openai" or "echo".
	Name  string `yaml:"name"`
	Model string `yaml:"model"`
	// BaseURL points at an OpenAI-compatible API root.
	BaseURL string `yaml:"base_url"`
	// APIKey may contain {{env:...}}, {{keyring:service:account}}, or
	// {{file:...}} placeholders; it is resolved at construction time.
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// New builds the provider named by cfg, resolving any secret placeholders
// in the API key.
func New(cfg Config) (Provider, error) {
	switch cfg.Name {
	case "echo", "":
		return NewEcho(cfg.Model), nil
	case "openai":
		key, err := placeholder.ResolveString(cfg.APIKey)
		if err != nil {
			return nil, fmt.Errorf("provider: resolve api key: %w", err)
		}
		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		return NewOpenAI(cfg.BaseURL, key, cfg.Model, timeout), nil
	default:
		return nil, fmt.Errorf("provider: unknown provider %q", cfg.Name)
	}
}
