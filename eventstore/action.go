package eventstore

import (
	"database/sql"
	"errors"
	"time"

	"github.com/tracefold/tracefold/types"
)

// ActionStart carries everything known about an instrumented call at entry.
// RequestID and JobID may each be empty; an action resolving to neither is
// skipped without being persisted (a designed no-op, not a failure).
type ActionStart struct {
	RequestID string
	JobID     string

	ActionType string
	ActionName string

	ModuleName   string
	FunctionName string
	LineNumber   int

	// Params is the sanitizable snapshot of input parameters; nil means the
	// caller opted out of parameter logging.
	Params any
}

// ActionOutcome carries everything known about an instrumented call at exit.
type ActionOutcome struct {
	// Result is persisted only when HasResult is set; a nil result with
	// HasResult=true is stored as absent.
	Result    any
	HasResult bool

	// Usage, when present, fills the llm_* columns together with the
	// store's configured provider/model.
	Usage *types.TokenUsage

	ErrorMessage   string
	ErrorTraceback string
}

// CreateAction inserts an action row at function entry and returns its row
// key. The owning request and/or job must resolve to existing rows; when
// neither resolves the action is silently skipped (ok=false, nothing
// logged above debug). Persistence failures also yield ok=false.
func (s *Store) CreateAction(start ActionStart) (key int64, ok bool) {
	if s == nil || s.db == nil {
		return 0, false
	}

	var requestKey *int64
	if k, found := s.requestKeyFor(start.RequestID); found {
		requestKey = &k
	}

	var jobID *string
	if start.JobID != "" && s.jobExists(start.JobID) {
		jobID = &start.JobID
	}

	if requestKey == nil && jobID == nil {
		s.log.Debug().
			Str("action", start.ActionName).
			Msg("no resolvable request or job; skipping action row")
		return 0, false
	}

	var module, function *string
	if start.ModuleName != "" {
		module = &start.ModuleName
	}
	if start.FunctionName != "" {
		function = &start.FunctionName
	}
	var line *int
	if start.LineNumber > 0 {
		line = &start.LineNumber
	}

	res, err := s.db.Exec(`
		INSERT INTO action (request_key, job_id, action_type, action_name, module_name, function_name, line_number, input_params, start_time, is_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0);`,
		requestKey,
		jobID,
		start.ActionType,
		start.ActionName,
		module,
		function,
		line,
		s.sanitizePtr(start.Params),
		formatTime(time.Now()),
	)
	if err != nil {
		s.log.Error().Err(err).Str("action", start.ActionName).Msg("failed to create action row")
		return 0, false
	}
	key, err = res.LastInsertId()
	if err != nil {
		s.log.Error().Err(err).Str("action", start.ActionName).Msg("failed to read action row key")
		return 0, false
	}

	s.log.Debug().Int64("key", key).Str("action", start.ActionName).Msg("created action row")
	return key, true
}

// FinalizeAction closes the action row at function exit, recording output or
// error plus timing. Token usage, when reported, is cross-referenced with
// the configured provider/model. Returns false when the row is missing or
// the write fails.
func (s *Store) FinalizeAction(key int64, out ActionOutcome) bool {
	if s == nil || s.db == nil {
		return false
	}

	var startStr string
	err := s.db.QueryRow(`SELECT start_time FROM action WHERE id = ?;`, key).Scan(&startStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.log.Warn().Int64("key", key).Msg("action row not found for finalize")
		} else {
			s.log.Error().Err(err).Int64("key", key).Msg("failed to load action row for finalize")
		}
		return false
	}

	end := time.Now()
	var duration *float64
	if start, perr := parseTime(startStr); perr == nil {
		d := durationMs(start, end)
		duration = &d
	}

	var output *string
	if out.HasResult {
		output = s.sanitizePtr(out.Result)
	}
	var errMsg, errTrace *string
	if out.ErrorMessage != "" {
		errMsg = &out.ErrorMessage
	}
	if out.ErrorTraceback != "" {
		errTrace = &out.ErrorTraceback
	}

	var llmProvider, llmModel *string
	var promptTokens, completionTokens, totalTokens *int
	if out.Usage != nil {
		provider, model := s.llmInfo()
		if provider != "" {
			llmProvider = &provider
		}
		if model != "" {
			llmModel = &model
		}
		promptTokens = &out.Usage.PromptTokens
		completionTokens = &out.Usage.CompletionTokens
		totalTokens = &out.Usage.TotalTokens
	}

	res, err := s.db.Exec(`
		UPDATE action
		SET end_time = ?,
		    duration_ms = ?,
		    output_results = COALESCE(?, output_results),
		    error_message = COALESCE(?, error_message),
		    error_traceback = COALESCE(?, error_traceback),
		    is_error = ?,
		    llm_provider = COALESCE(?, llm_provider),
		    llm_model = COALESCE(?, llm_model),
		    llm_prompt_tokens = COALESCE(?, llm_prompt_tokens),
		    llm_completion_tokens = COALESCE(?, llm_completion_tokens),
		    llm_total_tokens = COALESCE(?, llm_total_tokens)
		WHERE id = ?;`,
		formatTime(end),
		duration,
		output,
		errMsg,
		errTrace,
		boolToInt(out.ErrorMessage != ""),
		llmProvider,
		llmModel,
		promptTokens,
		completionTokens,
		totalTokens,
		key,
	)
	if err != nil {
		s.log.Error().Err(err).Int64("key", key).Msg("failed to finalize action row")
		return false
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.log.Warn().Int64("key", key).Msg("action row vanished during finalize")
		return false
	}

	s.log.Debug().Int64("key", key).Msg("finalized action row")
	return true
}
