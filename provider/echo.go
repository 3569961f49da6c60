package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/tracefold/tracefold/types"
)

// Echo is a deterministic local provider for development and tests: it
// replies with the last user message and token counts derived from word
// counts. No network, no secrets.
type Echo struct {
	model string
}

// NewEcho builds an echo provider reporting the given model name.
func NewEcho(model string) *Echo {
	if model == "" {
		model = "echo-1"
	}
	return &Echo{model: model}
}

func (e *Echo) Name() string  { return "echo" }
func (e *Echo) Model() string { return e.model }

// ChatCompletion echoes the final user message.
func (e *Echo) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("echo: empty message list")
	}

	var last string
	promptWords := 0
	for _, m := range req.Messages {
		promptWords += len(strings.Fields(m.Content))
		if m.Role == "user" {
			last = m.Content
		}
	}
	if last == "" {
		last = req.Messages[len(req.Messages)-1].Content
	}

	content := "echo: " + last
	completionWords := len(strings.Fields(content))

	return &ChatResult{
		Provider:     e.Name(),
		Model:        e.model,
		Content:      content,
		FinishReason: "stop",
		Usage: &types.TokenUsage{
			PromptTokens:     promptWords,
			CompletionTokens: completionWords,
			TotalTokens:      promptWords + completionWords,
		},
	}, nil
}
