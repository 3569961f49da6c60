package eventstore

import (
	"database/sql"
	"errors"
	"time"
)

// RequestStart carries the request-side fields captured when handling begins.
// QueryParams and Headers may be any JSON-encodable shape; the store
// sanitizes them.
type RequestStart struct {
	RequestID   string
	Method      string
	URL         string
	QueryParams any
	Headers     any
	Body        string
}

// RequestOutcome carries the response-side fields captured when handling
// ends, normally or otherwise.
type RequestOutcome struct {
	StatusCode     *int
	ResponseBody   *string
	ErrorMessage   string
	ErrorTraceback string
}

// CreateRequest inserts a request row in open state (no end time or status)
// and returns its row key. Fails closed: on any persistence error it logs
// and returns ok=false, never an error.
func (s *Store) CreateRequest(start RequestStart) (key int64, ok bool) {
	if s == nil || s.db == nil {
		return 0, false
	}

	var serverName, apiVersion *string
	if s.serverName != "" {
		serverName = &s.serverName
	}
	if s.apiVersion != "" {
		apiVersion = &s.apiVersion
	}

	body := s.sanitizePtr(start.Body)

	res, err := s.db.Exec(`
		INSERT INTO request (request_id, method, url, query_params, headers, body, server_name, api_version, start_time, is_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0);`,
		start.RequestID,
		start.Method,
		start.URL,
		s.sanitizePtr(start.QueryParams),
		s.sanitizePtr(start.Headers),
		body,
		serverName,
		apiVersion,
		formatTime(time.Now()),
	)
	if err != nil {
		s.log.Error().Err(err).Str("request_id", start.RequestID).Msg("failed to create request row")
		return 0, false
	}
	key, err = res.LastInsertId()
	if err != nil {
		s.log.Error().Err(err).Str("request_id", start.RequestID).Msg("failed to read request row key")
		return 0, false
	}

	s.requestKeys.Add(start.RequestID, key)
	s.log.Debug().Str("request_id", start.RequestID).Int64("key", key).Msg("created request row")
	return key, true
}

// FinalizeRequest closes the request row identified by its correlation id,
// recording status, response body, timing, and any error. Returns false
// (never an error) when the row is missing or the write fails.
func (s *Store) FinalizeRequest(requestID string, out RequestOutcome) bool {
	if s == nil || s.db == nil {
		return false
	}

	var startStr string
	err := s.db.QueryRow(`SELECT start_time FROM request WHERE request_id = ?;`, requestID).Scan(&startStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.log.Warn().Str("request_id", requestID).Msg("request row not found for finalize")
		} else {
			s.log.Error().Err(err).Str("request_id", requestID).Msg("failed to load request row for finalize")
		}
		return false
	}

	end := time.Now()
	var duration *float64
	if start, perr := parseTime(startStr); perr == nil {
		d := durationMs(start, end)
		duration = &d
	}

	isError := out.ErrorMessage != ""
	if out.StatusCode != nil && *out.StatusCode >= 400 {
		isError = true
	}

	var respBody *string
	if out.ResponseBody != nil {
		respBody = s.sanitizePtr(*out.ResponseBody)
	}
	var errMsg, errTrace *string
	if out.ErrorMessage != "" {
		errMsg = &out.ErrorMessage
	}
	if out.ErrorTraceback != "" {
		errTrace = &out.ErrorTraceback
	}

	res, err := s.db.Exec(`
		UPDATE request
		SET end_time = ?,
		    duration_ms = ?,
		    status_code = COALESCE(?, status_code),
		    response_body = COALESCE(?, response_body),
		    error_message = COALESCE(?, error_message),
		    error_traceback = COALESCE(?, error_traceback),
		    is_error = ?
		WHERE request_id = ?;`,
		formatTime(end),
		duration,
		out.StatusCode,
		respBody,
		errMsg,
		errTrace,
		boolToInt(isError),
		requestID,
	)
	if err != nil {
		s.log.Error().Err(err).Str("request_id", requestID).Msg("failed to finalize request row")
		return false
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.log.Warn().Str("request_id", requestID).Msg("request row vanished during finalize")
		return false
	}

	s.log.Debug().Str("request_id", requestID).Msg("finalized request row")
	return true
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
