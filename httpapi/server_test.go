package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracefold/tracefold/eventstore"
	"github.com/tracefold/tracefold/jobs"
	"github.com/tracefold/tracefold/provider"
	"github.com/tracefold/tracefold/types"
)

type testEnv struct {
	server *Server
	store  *eventstore.Store
	runner *jobs.Runner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := eventstore.Open(":memory:", eventstore.Options{ServerName: "test", APIVersion: "v1"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	echo := provider.NewEcho("")
	store.SetLLMInfo(echo.Name(), echo.Model())

	runner := jobs.New(store, jobs.Options{Workers: 2})
	t.Cleanup(func() { runner.Shutdown(context.Background()) })

	srv := New(store, runner, echo, Options{Version: "test"})
	return &testEnv{server: srv, store: store, runner: runner}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	for name, values := range header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

const chatBody = `{"messages":[{"role":"user","content":"hello there"}]}`

func TestChatEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/v1/chat", chatBody, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	requestID := rec.Header().Get("X-Request-ID")
	require.NotEmpty(t, requestID)
	_, err := uuid.Parse(requestID)
	require.NoError(t, err, "minted id is a UUID")

	var result provider.ChatResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "echo", result.Provider)
	assert.Equal(t, "echo: hello there", result.Content)
	require.NotNil(t, result.Usage)
	assert.Positive(t, result.Usage.TotalTokens)

	detail, err := env.store.GetRequestDetail(requestID)
	require.NoError(t, err)
	require.NotNil(t, detail, "the boundary recorded the request")

	req := detail.Request
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/api/v1/chat", req.URL)
	require.NotNil(t, req.StatusCode)
	assert.Equal(t, http.StatusOK, *req.StatusCode)
	assert.False(t, req.IsError)
	require.NotNil(t, req.Body)
	assert.Contains(t, *req.Body, "hello there")
	require.NotNil(t, req.ResponseBody)
	assert.Contains(t, *req.ResponseBody, "echo: hello there")

	require.Len(t, detail.Actions, 1, "the provider call is one llm_call action")
	act := detail.Actions[0]
	assert.Equal(t, "llm_call", act.ActionType)
	assert.Equal(t, "chat_completion", act.ActionName)
	assert.False(t, act.IsError)
	require.NotNil(t, act.LLMProvider)
	assert.Equal(t, "echo", *act.LLMProvider)
	require.NotNil(t, act.LLMTotalTokens)
	assert.Positive(t, *act.LLMTotalTokens)
}

func TestChatBadBody(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/v1/chat", "{not json", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	requestID := rec.Header().Get("X-Request-ID")
	detail, err := env.store.GetRequestDetail(requestID)
	require.NoError(t, err)
	require.NotNil(t, detail)
	assert.True(t, detail.Request.IsError, "4xx marks the trail row as an error")
}

func TestChatEmptyMessages(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "POST", "/api/v1/chat", `{"messages":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestIDAdoption(t *testing.T) {
	env := newTestEnv(t)

	supplied := uuid.NewString()
	header := http.Header{"X-Request-Id": []string{supplied}}
	rec := env.do(t, "POST", "/api/v1/chat", chatBody, header)
	assert.Equal(t, supplied, rec.Header().Get("X-Request-ID"), "well-formed unused id is adopted")

	// The same id again is already bound; a fresh one is minted.
	rec = env.do(t, "POST", "/api/v1/chat", chatBody, header)
	reused := rec.Header().Get("X-Request-ID")
	assert.NotEqual(t, supplied, reused)
	_, err := uuid.Parse(reused)
	assert.NoError(t, err)
}

func TestRequestIDMalformedRejected(t *testing.T) {
	env := newTestEnv(t)

	header := http.Header{"X-Request-Id": []string{"not-a-uuid"}}
	rec := env.do(t, "POST", "/api/v1/chat", chatBody, header)
	minted := rec.Header().Get("X-Request-ID")
	assert.NotEqual(t, "not-a-uuid", minted)
	_, err := uuid.Parse(minted)
	assert.NoError(t, err)
}

func TestSensitiveHeadersRedacted(t *testing.T) {
	env := newTestEnv(t)

	header := http.Header{
		"Authorization": []string{"Bearer super-secret"},
		"X-Api-Key":     []string{"sk-12345"},
		"Accept":        []string{"application/json"},
	}
	rec := env.do(t, "POST", "/api/v1/chat", chatBody, header)
	requestID := rec.Header().Get("X-Request-ID")

	detail, err := env.store.GetRequestDetail(requestID)
	require.NoError(t, err)
	require.NotNil(t, detail.Request.Headers)

	stored := *detail.Request.Headers
	assert.NotContains(t, stored, "super-secret")
	assert.NotContains(t, stored, "sk-12345")
	assert.Contains(t, stored, redactedValue)
	assert.Contains(t, stored, "application/json", "benign headers kept verbatim")
}

func TestBoundaryFinalizesOnPanic(t *testing.T) {
	env := newTestEnv(t)

	handler := env.server.boundary(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	}))

	req := httptest.NewRequest("GET", "/explode", nil)
	rec := httptest.NewRecorder()
	require.Panics(t, func() { handler.ServeHTTP(rec, req) }, "the panic still propagates")

	requestID := rec.Header().Get("X-Request-ID")
	require.NotEmpty(t, requestID)

	detail, err := env.store.GetRequestDetail(requestID)
	require.NoError(t, err)
	require.NotNil(t, detail)
	assert.True(t, detail.Request.IsError)
	require.NotNil(t, detail.Request.StatusCode)
	assert.Equal(t, http.StatusInternalServerError, *detail.Request.StatusCode)
	require.NotNil(t, detail.Request.ErrorMessage)
	assert.Contains(t, *detail.Request.ErrorMessage, "handler exploded")
}

func TestLargeBodyReachesHandlerIntact(t *testing.T) {
	env := newTestEnv(t)

	// A payload just past the capture cap: the trail keeps a bounded copy,
	// the handler must still see every byte.
	payload := bytes.Repeat([]byte("a"), maxCapturedBody+100)

	var handlerSaw int
	handler := env.server.boundary(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		handlerSaw = len(data)
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest("POST", "/api/v1/chat", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, len(payload), handlerSaw, "the boundary must not eat the tail of the body")

	requestID := rec.Header().Get("X-Request-ID")
	detail, err := env.store.GetRequestDetail(requestID)
	require.NoError(t, err)
	require.NotNil(t, detail.Request.Body)
	assert.Less(t, len(*detail.Request.Body), len(payload), "the trail copy stays bounded")
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/v1/jobs/chat", chatBody, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	submitRequestID := rec.Header().Get("X-Request-ID")

	var submitted jobSubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.NotEmpty(t, submitted.JobID)
	assert.Equal(t, "queued", submitted.Status)

	var job types.JobEvent
	deadline := time.After(5 * time.Second)
	for {
		rec = env.do(t, "GET", "/api/v1/jobs/"+submitted.JobID, "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
		if job.Status.Terminal() {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never finished (status %s)", job.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	require.Equal(t, types.JobSucceeded, job.Status)
	require.NotNil(t, job.RequestID)
	assert.Equal(t, submitRequestID, *job.RequestID, "job links back to the submitting request")
	require.NotNil(t, job.ResultPayload)
	assert.Contains(t, *job.ResultPayload, "echo: hello there")
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.FinishedAt)

	actions, err := env.store.ActionsForJob(submitted.JobID)
	require.NoError(t, err)
	require.Len(t, actions, 1, "background provider call lands under the job")
	assert.Equal(t, "chat_completion", actions[0].ActionName)
}

func TestJobStatusNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/api/v1/jobs/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRequestsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		rec := env.do(t, "POST", "/api/v1/chat", chatBody, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := env.do(t, "POST", "/api/v1/chat", "{broken", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "GET", "/api/v1/requests?limit=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page eventstore.RequestPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	// The list request itself is also in the trail by now.
	assert.GreaterOrEqual(t, page.TotalCount, 4)

	rec = env.do(t, "GET", "/api/v1/requests?is_error=true", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.TotalCount)
	for _, r := range page.Requests {
		assert.True(t, r.IsError)
	}

	rec = env.do(t, "GET", "/api/v1/requests?is_error=banana", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestDetailEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/v1/chat", chatBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	requestID := rec.Header().Get("X-Request-ID")

	rec = env.do(t, "GET", "/api/v1/requests/"+requestID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var detail eventstore.RequestDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, requestID, detail.Request.RequestID)
	assert.Len(t, detail.Actions, 1)

	rec = env.do(t, "GET", "/api/v1/requests/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListActionsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/v1/chat", chatBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	firstRequestID := rec.Header().Get("X-Request-ID")

	rec = env.do(t, "POST", "/api/v1/chat", chatBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "GET", "/api/v1/actions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var page eventstore.ActionPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 2, page.TotalCount, "each chat is one recorded action")

	rec = env.do(t, "GET", "/api/v1/actions?action_type=llm_call", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 2, page.TotalCount)

	rec = env.do(t, "GET", "/api/v1/actions?request_id="+firstRequestID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Equal(t, 1, page.TotalCount)
	require.NotNil(t, page.Actions[0].RequestID)
	assert.Equal(t, firstRequestID, *page.Actions[0].RequestID)

	rec = env.do(t, "GET", "/api/v1/actions?is_error=banana", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/v1/chat", chatBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, "POST", "/api/v1/chat", "{broken", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "GET", "/api/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats eventstore.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 24, stats.TimeRangeHours)
	// The stats request itself is in the trail by the time it is counted.
	assert.GreaterOrEqual(t, stats.TotalRequests, 3)
	assert.Equal(t, 1, stats.ErrorRequests)
	assert.Positive(t, stats.ErrorRate)
	assert.Equal(t, 2, stats.Methods["POST"])

	rec = env.do(t, "GET", "/api/v1/stats?hours=48", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 48, stats.TimeRangeHours)

	rec = env.do(t, "GET", "/api/v1/stats?hours=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, "GET", "/api/v1/stats?hours=9000", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthNotRecorded(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Request-ID"), "health is exempt from the boundary")

	var health healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "echo", health.Provider)

	page, err := env.store.ListRequests(eventstore.RequestFilters{}, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, page.TotalCount)
}

func TestSetProviderSwap(t *testing.T) {
	env := newTestEnv(t)

	env.server.SetProvider(provider.NewEcho("echo-2"))
	rec := env.do(t, "GET", "/api/v1/health", "", nil)

	var health healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "echo-2", health.Model)
}

func TestQueryParamsRecorded(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/api/v1/requests?limit=5&search=zzz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	requestID := rec.Header().Get("X-Request-ID")

	detail, err := env.store.GetRequestDetail(requestID)
	require.NoError(t, err)
	require.NotNil(t, detail.Request.QueryParams)
	assert.True(t, strings.Contains(*detail.Request.QueryParams, "limit") &&
		strings.Contains(*detail.Request.QueryParams, "search"))
}
