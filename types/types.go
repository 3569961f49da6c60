package types

import "time"

// JobStatus is the lifecycle state of a background job.
// Transitions are monotonic: queued -> running -> {succeeded, failed, cancelled}.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known job statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobRunning, JobSucceeded, JobFailed, JobCancelled:
		return true
	}
	return false
}

// TokenUsage holds token accounting reported by an LLM provider for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// RequestEvent is one row of the request trail: a single inbound HTTP request.
// Request-side fields are written when handling starts; response-side fields
// and timings are written exactly once when handling ends.
type RequestEvent struct {
	Key         int64   `json:"-"`
	RequestID   string  `json:"request_id"`
	Method      string  `json:"method"`
	URL         string  `json:"url"`
	QueryParams *string `json:"query_params,omitempty"`
	Headers     *string `json:"headers,omitempty"`
	Body        *string `json:"body,omitempty"`

	ServerName *string `json:"server_name,omitempty"`
	APIVersion *string `json:"api_version,omitempty"`

	StatusCode   *int    `json:"status_code,omitempty"`
	ResponseBody *string `json:"response_body,omitempty"`

	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	DurationMs *float64   `json:"duration_ms,omitempty"`

	IsError        bool    `json:"is_error"`
	ErrorMessage   *string `json:"error_message,omitempty"`
	ErrorTraceback *string `json:"error_traceback,omitempty"`
}

// JobEvent is one row of the job trail: a single unit of background work.
// RequestID is nil for jobs triggered outside any request.
type JobEvent struct {
	Key       int64     `json:"-"`
	JobID     string    `json:"job_id"`
	RequestID *string   `json:"request_id,omitempty"`
	Status    JobStatus `json:"status"`

	InputPayload  *string `json:"input_payload,omitempty"`
	ResultPayload *string `json:"result_payload,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMs *float64   `json:"duration_ms,omitempty"`

	ErrorMessage   *string `json:"error_message,omitempty"`
	ErrorTraceback *string `json:"error_traceback,omitempty"`
}

// ActionEvent is one row of the action trail: a single instrumented function
// invocation. At least one of RequestKey/JobID is set; an action with neither
// is never persisted.
type ActionEvent struct {
	Key        int64   `json:"-"`
	RequestKey *int64  `json:"-"`
	RequestID  *string `json:"request_id,omitempty"`
	JobID      *string `json:"job_id,omitempty"`

	ActionType string `json:"action_type"`
	ActionName string `json:"action_name"`

	ModuleName   *string `json:"module_name,omitempty"`
	FunctionName *string `json:"function_name,omitempty"`
	LineNumber   *int    `json:"line_number,omitempty"`

	InputParams   *string `json:"input_params,omitempty"`
	OutputResults *string `json:"output_results,omitempty"`

	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	DurationMs *float64   `json:"duration_ms,omitempty"`

	IsError        bool    `json:"is_error"`
	ErrorMessage   *string `json:"error_message,omitempty"`
	ErrorTraceback *string `json:"error_traceback,omitempty"`

	LLMProvider         *string `json:"llm_provider,omitempty"`
	LLMModel            *string `json:"llm_model,omitempty"`
	LLMPromptTokens     *int    `json:"llm_prompt_tokens,omitempty"`
	LLMCompletionTokens *int    `json:"llm_completion_tokens,omitempty"`
	LLMTotalTokens      *int    `json:"llm_total_tokens,omitempty"`
}
