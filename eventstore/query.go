package eventstore

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tracefold/tracefold/types"
)

// RequestFilters narrow a request trail query. All set filters are ANDed.
type RequestFilters struct {
	// IsError, when non-nil, selects only failed (true) or clean (false)
	// requests.
	IsError *bool
	// Method matches the HTTP method exactly.
	Method string
	// Search does a LIKE match across correlation id, URL, and bodies.
	Search string
}

// RequestPage is one page of the request trail, newest first.
type RequestPage struct {
	Requests   []types.RequestEvent `json:"requests"`
	TotalCount int                  `json:"total_count"`
	Page       int                  `json:"page"`
	Limit      int                  `json:"limit"`
}

// RequestDetail is a request row joined with everything it owns.
type RequestDetail struct {
	Request types.RequestEvent  `json:"request"`
	Actions []types.ActionEvent `json:"actions"`
	Jobs    []types.JobEvent    `json:"jobs"`
}

const requestColumns = `id, request_id, method, url, query_params, headers, body,
	server_name, api_version, status_code, response_body,
	start_time, end_time, duration_ms, error_message, error_traceback, is_error`

// ListRequests returns a filtered, paginated slice of the request trail.
func (s *Store) ListRequests(filters RequestFilters, page, limit int) (*RequestPage, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	offset := (page - 1) * limit

	whereClauses := []string{"1 = 1"}
	var args []any

	if filters.IsError != nil {
		whereClauses = append(whereClauses, "is_error = ?")
		args = append(args, boolToInt(*filters.IsError))
	}
	if filters.Method != "" {
		whereClauses = append(whereClauses, "method = ?")
		args = append(args, filters.Method)
	}
	if filters.Search != "" {
		pattern := "%" + filters.Search + "%"
		whereClauses = append(whereClauses, "(request_id LIKE ? OR url LIKE ? OR body LIKE ? OR response_body LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}

	whereStr := strings.Join(whereClauses, " AND ")

	queryArgs := append(append([]any{}, args...), limit, offset)
	rows, err := s.db.Query(
		fmt.Sprintf("SELECT %s FROM request WHERE %s ORDER BY start_time DESC LIMIT ? OFFSET ?;", requestColumns, whereStr),
		queryArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("eventstore: query requests: %w", err)
	}
	defer rows.Close()

	requests := []types.RequestEvent{}
	for rows.Next() {
		ev, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("eventstore: scan request row: %w", err)
		}
		requests = append(requests, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventstore: iterate request rows: %w", err)
	}

	var totalCount int
	err = s.db.QueryRow(
		fmt.Sprintf("SELECT COUNT(*) FROM request WHERE %s;", whereStr), args...,
	).Scan(&totalCount)
	if err != nil {
		return nil, fmt.Errorf("eventstore: count requests: %w", err)
	}

	return &RequestPage{Requests: requests, TotalCount: totalCount, Page: page, Limit: limit}, nil
}

// ActionFilters narrow an action trail query. All set filters are ANDed.
type ActionFilters struct {
	// RequestID selects only actions owned by that request. An unknown id
	// matches nothing.
	RequestID string
	// ActionType matches the action type exactly (llm_call, db_query, ...).
	ActionType string
	// IsError, when non-nil, selects only failed (true) or clean (false)
	// actions.
	IsError *bool
}

// ActionPage is one page of the action trail, newest first.
type ActionPage struct {
	Actions    []types.ActionEvent `json:"actions"`
	TotalCount int                 `json:"total_count"`
	Page       int                 `json:"page"`
	Limit      int                 `json:"limit"`
}

// ListActions returns a filtered, paginated slice of the action trail across
// all requests and jobs.
func (s *Store) ListActions(filters ActionFilters, page, limit int) (*ActionPage, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	offset := (page - 1) * limit

	whereClauses := []string{"1 = 1"}
	var args []any

	if filters.RequestID != "" {
		whereClauses = append(whereClauses, "r.request_id = ?")
		args = append(args, filters.RequestID)
	}
	if filters.ActionType != "" {
		whereClauses = append(whereClauses, "a.action_type = ?")
		args = append(args, filters.ActionType)
	}
	if filters.IsError != nil {
		whereClauses = append(whereClauses, "a.is_error = ?")
		args = append(args, boolToInt(*filters.IsError))
	}

	whereStr := strings.Join(whereClauses, " AND ")
	fromStr := "FROM action a LEFT JOIN request r ON a.request_key = r.id"

	queryArgs := append(append([]any{}, args...), limit, offset)
	rows, err := s.db.Query(
		fmt.Sprintf("SELECT %s %s WHERE %s ORDER BY a.start_time DESC LIMIT ? OFFSET ?;",
			actionColumns, fromStr, whereStr),
		queryArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("eventstore: query actions: %w", err)
	}
	defer rows.Close()

	actions, err := collectActions(rows)
	if err != nil {
		return nil, err
	}

	var totalCount int
	err = s.db.QueryRow(
		fmt.Sprintf("SELECT COUNT(*) %s WHERE %s;", fromStr, whereStr), args...,
	).Scan(&totalCount)
	if err != nil {
		return nil, fmt.Errorf("eventstore: count actions: %w", err)
	}

	return &ActionPage{Actions: actions, TotalCount: totalCount, Page: page, Limit: limit}, nil
}

// EndpointLatency is the per-URL average duration used in stats.
type EndpointLatency struct {
	URL               string  `json:"url"`
	AverageDurationMs float64 `json:"avg_duration_ms"`
}

// Stats summarizes request trail activity inside a trailing time window.
type Stats struct {
	TimeRangeHours    int               `json:"time_range_hours"`
	TotalRequests     int               `json:"total_requests"`
	ErrorRequests     int               `json:"error_requests"`
	ErrorRate         float64           `json:"error_rate"`
	AverageDurationMs float64           `json:"average_duration_ms"`
	Methods           map[string]int    `json:"methods"`
	StatusCodes       map[string]int    `json:"status_codes"`
	SlowestEndpoints  []EndpointLatency `json:"slowest_endpoints"`
}

// Stats computes totals, error rate, latency averages, and per-method and
// per-status breakdowns for requests started in the last hoursAgo hours.
func (s *Store) Stats(hoursAgo int) (*Stats, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}
	if hoursAgo < 1 {
		hoursAgo = 24
	}

	// start_time strings carry varying fractional-second precision, so
	// compare through datetime() instead of lexicographically.
	const window = "datetime(start_time) >= datetime(?)"
	threshold := formatTime(time.Now().UTC().Add(-time.Duration(hoursAgo) * time.Hour))

	out := &Stats{
		TimeRangeHours:   hoursAgo,
		Methods:          map[string]int{},
		StatusCodes:      map[string]int{},
		SlowestEndpoints: []EndpointLatency{},
	}

	err := s.db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(is_error), 0) FROM request WHERE "+window+";", threshold,
	).Scan(&out.TotalRequests, &out.ErrorRequests)
	if err != nil {
		return nil, fmt.Errorf("eventstore: count requests for stats: %w", err)
	}
	if out.TotalRequests > 0 {
		out.ErrorRate = round2(float64(out.ErrorRequests) / float64(out.TotalRequests) * 100)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRow(
		"SELECT AVG(duration_ms) FROM request WHERE "+window+";", threshold,
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("eventstore: average duration for stats: %w", err)
	}
	if avg.Valid {
		out.AverageDurationMs = round2(avg.Float64)
	}

	rows, err := s.db.Query(
		"SELECT method, COUNT(*) FROM request WHERE "+window+" GROUP BY method;", threshold)
	if err != nil {
		return nil, fmt.Errorf("eventstore: method breakdown for stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var method string
		var count int
		if err := rows.Scan(&method, &count); err != nil {
			return nil, fmt.Errorf("eventstore: scan method breakdown: %w", err)
		}
		out.Methods[method] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventstore: iterate method breakdown: %w", err)
	}

	codeRows, err := s.db.Query(
		"SELECT status_code, COUNT(*) FROM request WHERE "+window+
			" AND status_code IS NOT NULL GROUP BY status_code;", threshold)
	if err != nil {
		return nil, fmt.Errorf("eventstore: status breakdown for stats: %w", err)
	}
	defer codeRows.Close()
	for codeRows.Next() {
		var code, count int
		if err := codeRows.Scan(&code, &count); err != nil {
			return nil, fmt.Errorf("eventstore: scan status breakdown: %w", err)
		}
		out.StatusCodes[fmt.Sprint(code)] = count
	}
	if err := codeRows.Err(); err != nil {
		return nil, fmt.Errorf("eventstore: iterate status breakdown: %w", err)
	}

	slowRows, err := s.db.Query(
		"SELECT url, AVG(duration_ms) AS avg_ms FROM request WHERE "+window+
			" AND duration_ms IS NOT NULL GROUP BY url ORDER BY avg_ms DESC LIMIT 10;", threshold)
	if err != nil {
		return nil, fmt.Errorf("eventstore: slowest endpoints for stats: %w", err)
	}
	defer slowRows.Close()
	for slowRows.Next() {
		var ep EndpointLatency
		if err := slowRows.Scan(&ep.URL, &ep.AverageDurationMs); err != nil {
			return nil, fmt.Errorf("eventstore: scan slowest endpoints: %w", err)
		}
		ep.AverageDurationMs = round2(ep.AverageDurationMs)
		out.SlowestEndpoints = append(out.SlowestEndpoints, ep)
	}
	if err := slowRows.Err(); err != nil {
		return nil, fmt.Errorf("eventstore: iterate slowest endpoints: %w", err)
	}

	return out, nil
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// GetRequestDetail loads a request by correlation id together with its
// actions and jobs. Returns (nil, nil) when no such request exists.
func (s *Store) GetRequestDetail(requestID string) (*RequestDetail, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}

	row := s.db.QueryRow(
		fmt.Sprintf("SELECT %s FROM request WHERE request_id = ?;", requestColumns), requestID)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventstore: load request %s: %w", requestID, err)
	}

	actions, err := s.actionsForRequest(req.Key, requestID)
	if err != nil {
		return nil, err
	}
	jobs, err := s.jobsForRequest(requestID)
	if err != nil {
		return nil, err
	}

	return &RequestDetail{Request: *req, Actions: actions, Jobs: jobs}, nil
}

// ActionsForJob lists the actions owned by a job, oldest first.
func (s *Store) ActionsForJob(jobID string) ([]types.ActionEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT %s FROM action a LEFT JOIN request r ON a.request_key = r.id
		WHERE a.job_id = ? ORDER BY a.start_time ASC;`, actionColumns), jobID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: query actions for job %s: %w", jobID, err)
	}
	defer rows.Close()
	return collectActions(rows)
}

func (s *Store) actionsForRequest(requestKey int64, requestID string) ([]types.ActionEvent, error) {
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT %s FROM action a LEFT JOIN request r ON a.request_key = r.id
		WHERE a.request_key = ? ORDER BY a.start_time ASC;`, actionColumns), requestKey)
	if err != nil {
		return nil, fmt.Errorf("eventstore: query actions for request %s: %w", requestID, err)
	}
	defer rows.Close()
	return collectActions(rows)
}

func (s *Store) jobsForRequest(requestID string) ([]types.JobEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, request_id, status, input_payload, result_payload,
		       created_at, started_at, finished_at, duration_ms, error_message, error_traceback
		FROM job WHERE request_id = ? ORDER BY created_at ASC;`, requestID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: query jobs for request %s: %w", requestID, err)
	}
	defer rows.Close()

	jobs := []types.JobEvent{}
	for rows.Next() {
		ev, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("eventstore: scan job row: %w", err)
		}
		jobs = append(jobs, *ev)
	}
	return jobs, rows.Err()
}

const actionColumns = `a.id, a.request_key, r.request_id, a.job_id, a.action_type, a.action_name,
	a.module_name, a.function_name, a.line_number, a.input_params, a.output_results,
	a.start_time, a.end_time, a.duration_ms, a.error_message, a.error_traceback, a.is_error,
	a.llm_provider, a.llm_model, a.llm_prompt_tokens, a.llm_completion_tokens, a.llm_total_tokens`

func collectActions(rows *sql.Rows) ([]types.ActionEvent, error) {
	actions := []types.ActionEvent{}
	for rows.Next() {
		ev, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("eventstore: scan action row: %w", err)
		}
		actions = append(actions, *ev)
	}
	return actions, rows.Err()
}

func scanRequest(row rowScanner) (*types.RequestEvent, error) {
	var ev types.RequestEvent
	var queryParams, headers, body, serverName, apiVersion, responseBody sql.NullString
	var statusCode sql.NullInt64
	var startStr string
	var endStr sql.NullString
	var duration sql.NullFloat64
	var errMsg, errTrace sql.NullString
	var isError int

	err := row.Scan(
		&ev.Key, &ev.RequestID, &ev.Method, &ev.URL, &queryParams, &headers, &body,
		&serverName, &apiVersion, &statusCode, &responseBody,
		&startStr, &endStr, &duration, &errMsg, &errTrace, &isError,
	)
	if err != nil {
		return nil, err
	}

	if queryParams.Valid {
		ev.QueryParams = &queryParams.String
	}
	if headers.Valid {
		ev.Headers = &headers.String
	}
	if body.Valid {
		ev.Body = &body.String
	}
	if serverName.Valid {
		ev.ServerName = &serverName.String
	}
	if apiVersion.Valid {
		ev.APIVersion = &apiVersion.String
	}
	if statusCode.Valid {
		code := int(statusCode.Int64)
		ev.StatusCode = &code
	}
	if responseBody.Valid {
		ev.ResponseBody = &responseBody.String
	}
	if t, perr := parseTime(startStr); perr == nil {
		ev.StartTime = t
	}
	if endStr.Valid {
		if t, perr := parseTime(endStr.String); perr == nil {
			ev.EndTime = &t
		}
	}
	if duration.Valid {
		ev.DurationMs = &duration.Float64
	}
	if errMsg.Valid {
		ev.ErrorMessage = &errMsg.String
	}
	if errTrace.Valid {
		ev.ErrorTraceback = &errTrace.String
	}
	ev.IsError = isError != 0
	return &ev, nil
}

func scanAction(row rowScanner) (*types.ActionEvent, error) {
	var ev types.ActionEvent
	var requestKey sql.NullInt64
	var requestID, jobID sql.NullString
	var actionType sql.NullString
	var module, function sql.NullString
	var line sql.NullInt64
	var inputParams, outputResults sql.NullString
	var startStr string
	var endStr sql.NullString
	var duration sql.NullFloat64
	var errMsg, errTrace sql.NullString
	var isError int
	var llmProvider, llmModel sql.NullString
	var promptTokens, completionTokens, totalTokens sql.NullInt64

	err := row.Scan(
		&ev.Key, &requestKey, &requestID, &jobID, &actionType, &ev.ActionName,
		&module, &function, &line, &inputParams, &outputResults,
		&startStr, &endStr, &duration, &errMsg, &errTrace, &isError,
		&llmProvider, &llmModel, &promptTokens, &completionTokens, &totalTokens,
	)
	if err != nil {
		return nil, err
	}

	if requestKey.Valid {
		ev.RequestKey = &requestKey.Int64
	}
	if requestID.Valid {
		ev.RequestID = &requestID.String
	}
	if jobID.Valid {
		ev.JobID = &jobID.String
	}
	if actionType.Valid {
		ev.ActionType = actionType.String
	}
	if module.Valid {
		ev.ModuleName = &module.String
	}
	if function.Valid {
		ev.FunctionName = &function.String
	}
	if line.Valid {
		n := int(line.Int64)
		ev.LineNumber = &n
	}
	if inputParams.Valid {
		ev.InputParams = &inputParams.String
	}
	if outputResults.Valid {
		ev.OutputResults = &outputResults.String
	}
	if t, perr := parseTime(startStr); perr == nil {
		ev.StartTime = t
	}
	if endStr.Valid {
		if t, perr := parseTime(endStr.String); perr == nil {
			ev.EndTime = &t
		}
	}
	if duration.Valid {
		ev.DurationMs = &duration.Float64
	}
	if errMsg.Valid {
		ev.ErrorMessage = &errMsg.String
	}
	if errTrace.Valid {
		ev.ErrorTraceback = &errTrace.String
	}
	ev.IsError = isError != 0
	if llmProvider.Valid {
		ev.LLMProvider = &llmProvider.String
	}
	if llmModel.Valid {
		ev.LLMModel = &llmModel.String
	}
	if promptTokens.Valid {
		n := int(promptTokens.Int64)
		ev.LLMPromptTokens = &n
	}
	if completionTokens.Valid {
		n := int(completionTokens.Int64)
		ev.LLMCompletionTokens = &n
	}
	if totalTokens.Valid {
		n := int(totalTokens.Int64)
		ev.LLMTotalTokens = &n
	}
	return &ev, nil
}
