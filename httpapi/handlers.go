package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/tracefold/tracefold/action"
	"github.com/tracefold/tracefold/eventstore"
	"github.com/tracefold/tracefold/jobs"
	"github.com/tracefold/tracefold/provider"
	"github.com/tracefold/tracefold/telemetry"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// handleChat proxies one synchronous chat completion, recording it as an
// llm_call action under the current request.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req provider.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	p := s.provider()
	result, err := s.chatCompletion(r.Context(), p, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			writeError(w, http.StatusGatewayTimeout, "provider call timed out")
			return
		}
		writeError(w, http.StatusBadGateway, "provider call failed: "+err.Error())
		return
	}

	telemetry.TrackEvent("chat_proxied", map[string]any{"provider": p.Name()})
	writeJSON(w, http.StatusOK, result)
}

// chatCompletion is the single instrumented path to the provider, shared by
// the synchronous handler and background jobs.
func (s *Server) chatCompletion(ctx context.Context, p provider.Provider, req provider.ChatRequest) (*provider.ChatResult, error) {
	return action.Do(ctx, s.store, action.Spec{
		Type: action.TypeLLMCall,
		Name: "chat_completion",
		Params: map[string]any{
			"provider":      p.Name(),
			"model":         p.Model(),
			"message_count": len(req.Messages),
			"max_tokens":    req.MaxTokens,
		},
	}, func(ctx context.Context) (*provider.ChatResult, error) {
		return p.ChatCompletion(ctx, req)
	})
}

type jobSubmitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// handleChatJob accepts a chat completion for background execution and
// returns immediately with the job id.
func (s *Server) handleChatJob(w http.ResponseWriter, r *http.Request) {
	var req provider.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	p := s.provider()
	jobID, err := s.runner.Submit(r.Context(), req, func(ctx context.Context) (any, error) {
		return s.chatCompletion(ctx, p, req)
	})
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrQueueFull):
			writeError(w, http.StatusServiceUnavailable, "job queue full, retry later")
		case errors.Is(err, jobs.ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		default:
			writeError(w, http.StatusInternalServerError, "failed to submit job: "+err.Error())
		}
		return
	}

	telemetry.TrackEvent("job_submitted", map[string]any{"provider": p.Name()})
	writeJSON(w, http.StatusAccepted, jobSubmitResponse{JobID: jobID, Status: "queued"})
}

// handleJobStatus returns the job trail row; terminal jobs include their
// result or error.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	job, err := s.store.GetJob(jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job: "+err.Error())
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleListRequests pages through the request trail, newest first.
// Supported query params: page, limit, is_error, method, search.
func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	filters := eventstore.RequestFilters{
		Method: q.Get("method"),
		Search: q.Get("search"),
	}
	if raw := q.Get("is_error"); raw != "" {
		isErr, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "is_error must be a boolean")
			return
		}
		filters.IsError = &isErr
	}

	result, err := s.store.ListRequests(filters, page, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list requests: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleListActions pages through the action trail across all requests and
// jobs, newest first. Supported query params: page, limit, request_id,
// action_type, is_error.
func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	filters := eventstore.ActionFilters{
		RequestID:  q.Get("request_id"),
		ActionType: q.Get("action_type"),
	}
	if raw := q.Get("is_error"); raw != "" {
		isErr, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "is_error must be a boolean")
			return
		}
		filters.IsError = &isErr
	}

	result, err := s.store.ListActions(filters, page, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list actions: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleStats summarizes trail activity over a trailing window. Query param
// hours accepts 1 to 720 and defaults to 24.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 720 {
			writeError(w, http.StatusBadRequest, "hours must be an integer between 1 and 720")
			return
		}
		hours = n
	}

	stats, err := s.store.Stats(hours)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute stats: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleRequestDetail returns one request together with its actions and jobs.
func (s *Server) handleRequestDetail(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]

	detail, err := s.store.GetRequestDetail(requestID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load request: "+err.Error())
		return
	}
	if detail == nil {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type healthResponse struct {
	Status   string `json:"status"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Version  string `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	p := s.provider()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Provider: p.Name(),
		Model:    p.Model(),
		Version:  s.version,
	})
}
