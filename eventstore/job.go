package eventstore

import (
	"database/sql"
	"errors"
	"time"

	"github.com/tracefold/tracefold/types"
)

// JobUpdate describes a partial mutation of a job row. Zero-valued fields
// leave their columns unchanged.
type JobUpdate struct {
	// Status, when non-empty, must move the job strictly forward along
	// queued -> running -> terminal. Backward or out-of-terminal
	// transitions are refused.
	Status types.JobStatus

	Result    any
	HasResult bool

	ErrorMessage   string
	ErrorTraceback string

	// MarkStarted stamps started_at; MarkFinished stamps finished_at and
	// computes duration from started_at (or created_at if the job never
	// reached running).
	MarkStarted  bool
	MarkFinished bool
}

// statusRank orders job statuses for monotonicity checks. Terminal states
// share a rank: once terminal, no further status change is allowed.
func statusRank(s types.JobStatus) int {
	switch s {
	case types.JobQueued:
		return 0
	case types.JobRunning:
		return 1
	default:
		return 2
	}
}

// CreateJob inserts a job row in queued state, optionally linked to the
// originating request. Fails closed like every write on this store.
func (s *Store) CreateJob(jobID, requestID string, inputPayload any) (key int64, ok bool) {
	if s == nil || s.db == nil {
		return 0, false
	}

	var reqID *string
	if requestID != "" {
		reqID = &requestID
	}

	res, err := s.db.Exec(`
		INSERT INTO job (job_id, request_id, status, input_payload, created_at)
		VALUES (?, ?, ?, ?, ?);`,
		jobID,
		reqID,
		string(types.JobQueued),
		s.sanitizePtr(inputPayload),
		formatTime(time.Now()),
	)
	if err != nil {
		s.log.Error().Err(err).Str("job_id", jobID).Msg("failed to create job row")
		return 0, false
	}
	key, err = res.LastInsertId()
	if err != nil {
		s.log.Error().Err(err).Str("job_id", jobID).Msg("failed to read job row key")
		return 0, false
	}

	s.log.Debug().Str("job_id", jobID).Int64("key", key).Msg("created job row")
	return key, true
}

// UpdateJob applies a partial mutation to the job row. Status transitions
// are enforced monotonic; an attempt to leave a terminal state (or move
// backward) is refused with a warning. Returns false when the row is
// missing, the transition is invalid, or the write fails.
func (s *Store) UpdateJob(jobID string, upd JobUpdate) bool {
	if s == nil || s.db == nil {
		return false
	}

	var currentStr string
	var createdStr string
	var startedStr sql.NullString
	err := s.db.QueryRow(`SELECT status, created_at, started_at FROM job WHERE job_id = ?;`, jobID).
		Scan(&currentStr, &createdStr, &startedStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.log.Warn().Str("job_id", jobID).Msg("job row not found for update")
		} else {
			s.log.Error().Err(err).Str("job_id", jobID).Msg("failed to load job row for update")
		}
		return false
	}

	current := types.JobStatus(currentStr)
	if upd.Status != "" {
		if !upd.Status.Valid() {
			s.log.Warn().Str("job_id", jobID).Str("status", string(upd.Status)).Msg("unknown job status refused")
			return false
		}
		if statusRank(upd.Status) <= statusRank(current) {
			s.log.Warn().
				Str("job_id", jobID).
				Str("from", string(current)).
				Str("to", string(upd.Status)).
				Msg("non-monotonic job status transition refused")
			return false
		}
	}

	now := time.Now()

	var status *string
	if upd.Status != "" {
		v := string(upd.Status)
		status = &v
	}
	var startedAt *string
	if upd.MarkStarted {
		v := formatTime(now)
		startedAt = &v
	}
	var finishedAt *string
	var duration *float64
	if upd.MarkFinished {
		v := formatTime(now)
		finishedAt = &v

		from := createdStr
		if startedStr.Valid {
			from = startedStr.String
		}
		if start, perr := parseTime(from); perr == nil {
			d := durationMs(start, now)
			duration = &d
		}
	}
	var result *string
	if upd.HasResult {
		result = s.sanitizePtr(upd.Result)
	}
	var errMsg, errTrace *string
	if upd.ErrorMessage != "" {
		errMsg = &upd.ErrorMessage
	}
	if upd.ErrorTraceback != "" {
		errTrace = &upd.ErrorTraceback
	}

	res, err := s.db.Exec(`
		UPDATE job
		SET status = COALESCE(?, status),
		    started_at = COALESCE(?, started_at),
		    finished_at = COALESCE(?, finished_at),
		    duration_ms = COALESCE(?, duration_ms),
		    result_payload = COALESCE(?, result_payload),
		    error_message = COALESCE(?, error_message),
		    error_traceback = COALESCE(?, error_traceback)
		WHERE job_id = ?;`,
		status,
		startedAt,
		finishedAt,
		duration,
		result,
		errMsg,
		errTrace,
		jobID,
	)
	if err != nil {
		s.log.Error().Err(err).Str("job_id", jobID).Msg("failed to update job row")
		return false
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.log.Warn().Str("job_id", jobID).Msg("job row vanished during update")
		return false
	}

	s.log.Debug().Str("job_id", jobID).Msg("updated job row")
	return true
}

// GetJob loads a single job row by job id. Returns (nil, nil) when no such
// job exists.
func (s *Store) GetJob(jobID string) (*types.JobEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}

	row := s.db.QueryRow(`
		SELECT id, job_id, request_id, status, input_payload, result_payload,
		       created_at, started_at, finished_at, duration_ms, error_message, error_traceback
		FROM job WHERE job_id = ?;`, jobID)

	ev, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*types.JobEvent, error) {
	var ev types.JobEvent
	var requestID, inputPayload, resultPayload sql.NullString
	var createdStr string
	var startedStr, finishedStr sql.NullString
	var duration sql.NullFloat64
	var errMsg, errTrace sql.NullString
	var statusStr string

	err := row.Scan(
		&ev.Key, &ev.JobID, &requestID, &statusStr, &inputPayload, &resultPayload,
		&createdStr, &startedStr, &finishedStr, &duration, &errMsg, &errTrace,
	)
	if err != nil {
		return nil, err
	}

	ev.Status = types.JobStatus(statusStr)
	if requestID.Valid {
		ev.RequestID = &requestID.String
	}
	if inputPayload.Valid {
		ev.InputPayload = &inputPayload.String
	}
	if resultPayload.Valid {
		ev.ResultPayload = &resultPayload.String
	}
	if t, perr := parseTime(createdStr); perr == nil {
		ev.CreatedAt = t
	}
	if startedStr.Valid {
		if t, perr := parseTime(startedStr.String); perr == nil {
			ev.StartedAt = &t
		}
	}
	if finishedStr.Valid {
		if t, perr := parseTime(finishedStr.String); perr == nil {
			ev.FinishedAt = &t
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
	return &ev, nil
}

func (s *Store) jobExists(jobID string) bool {
	var key int64
	err := s.db.QueryRow(`SELECT id FROM job WHERE job_id = ?;`, jobID).Scan(&key)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.Error().Err(err).Str("job_id", jobID).Msg("job lookup failed")
		}
		return false
	}
	return true
}
