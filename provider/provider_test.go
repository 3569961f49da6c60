package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracefold/tracefold/types"
)

func TestEchoDeterministic(t *testing.T) {
	e := NewEcho("")
	req := ChatRequest{Messages: []ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello world"},
	}}

	first, err := e.ChatCompletion(context.Background(), req)
	require.NoError(t, err)
	second, err := e.ChatCompletion(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "echo: hello world", first.Content)
	assert.Equal(t, "echo", first.Provider)
	assert.Equal(t, "echo-1", first.Model)
	assert.Equal(t, "stop", first.FinishReason)
	assert.Positive(t, first.Usage.PromptTokens)
	assert.Positive(t, first.Usage.CompletionTokens)
	assert.Equal(t, first.Usage.PromptTokens+first.Usage.CompletionTokens, first.Usage.TotalTokens)
}

func TestEchoEmptyMessages(t *testing.T) {
	_, err := NewEcho("").ChatCompletion(context.Background(), ChatRequest{})
	assert.Error(t, err)
}

func TestEchoHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEcho("").ChatCompletion(ctx, ChatRequest{Messages: []ChatMessage{{Role: "user", Content: "x"}}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChatResultTokenUsage(t *testing.T) {
	r := &ChatResult{Usage: &types.TokenUsage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}}
	usage, ok := r.TokenUsage()
	require.True(t, ok)
	assert.Equal(t, 3, usage.TotalTokens)

	zero := &ChatResult{Usage: &types.TokenUsage{}}
	usage, ok = zero.TokenUsage()
	require.True(t, ok, "an all-zero report is still a report")
	assert.Equal(t, types.TokenUsage{}, usage)

	unreported := &ChatResult{}
	_, ok = unreported.TokenUsage()
	assert.False(t, ok, "nil usage means the backend reported nothing")

	var nilResult *ChatResult
	_, ok = nilResult.TokenUsage()
	assert.False(t, ok)
}

func TestOpenAIChatCompletion(t *testing.T) {
	var gotAuth string
	var gotBody openAIRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices":[{"message":{"content":"hi there"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16}
		}`))
	}))
	defer server.Close()

	o := NewOpenAI(server.URL+"/v1", "sk-test", "gpt-4o-mini", 5*time.Second)
	result, err := o.ChatCompletion(context.Background(), ChatRequest{
		Messages:  []ChatMessage{{Role: "user", Content: "hello"}},
		MaxTokens: 64,
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotBody.Model)
	assert.Equal(t, 64, gotBody.MaxTokens)

	assert.Equal(t, "openai", result.Provider)
	assert.Equal(t, "hi there", result.Content)
	assert.Equal(t, "stop", result.FinishReason)
	require.NotNil(t, result.Usage)
	assert.Equal(t, types.TokenUsage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16}, *result.Usage)
}

func TestOpenAIAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad api key","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	o := NewOpenAI(server.URL, "sk-bad", "gpt-4o-mini", 5*time.Second)
	_, err := o.ChatCompletion(context.Background(), ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hello"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad api key")
}

func TestOpenAIEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	o := NewOpenAI(server.URL, "sk", "m", 5*time.Second)
	_, err := o.ChatCompletion(context.Background(), ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hello"}},
	})
	assert.Error(t, err)
}

func TestNewFactory(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, "echo", p.Name(), "empty name defaults to echo")

	p, err = New(Config{Name: "echo", Model: "echo-9"})
	require.NoError(t, err)
	assert.Equal(t, "echo-9", p.Model())

	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")
	p, err = New(Config{Name: "openai", Model: "gpt-4o", APIKey: "{{env:TEST_OPENAI_KEY}}"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, "sk-from-env", p.(*OpenAI).apiKey)

	_, err = New(Config{Name: "openai", APIKey: "{{env:TEST_OPENAI_KEY_UNSET}}"})
	assert.Error(t, err, "unresolvable key placeholder fails construction")

	_, err = New(Config{Name: "anthropic"})
	assert.Error(t, err)
}
