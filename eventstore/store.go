// Package eventstore is the single choke point for persisting the request,
// job, and action trails to local SQLite storage.
//
// Write operations (Create*/Finalize*/Update*) are strictly best-effort: any
// persistence failure is logged and reported as an absent key or a false
// return, never as an error or panic. Business logic that records events
// through this package must be able to treat every call as "nothing may have
// happened" and carry on. Read operations return errors normally; their
// callers are HTTP handlers that can surface a 500.
//
// Every operation is its own short-lived transaction. Nothing here ever
// holds a transaction open across a caller's business call.
package eventstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	// Pure Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/tracefold/tracefold/logging"
)

// ErrNotInitialized is returned by read operations on a closed or nil store.
var ErrNotInitialized = errors.New("eventstore: store not initialized")

const (
	defaultMaxPayloadLen = 500_000
	requestKeyCacheSize  = 1024
	currentSchemaVersion = 1
)

// Options tune a Store beyond its database path.
type Options struct {
	// MaxPayloadLen caps every sanitized payload column, in bytes.
	// Defaults to 500 KB.
	MaxPayloadLen int
	// ServerName and APIVersion are stamped onto every request row.
	ServerName string
	APIVersion string
}

// Store owns the SQLite handle and all trail persistence.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	maxPayloadLen int
	serverName    string
	apiVersion    string

	// requestKeys maps correlation id -> request row key so the action hot
	// path does not hit the request index on every instrumented call.
	requestKeys *lru.Cache[string, int64]

	mu          sync.RWMutex
	llmProvider string
	llmModel    string
}

// Open opens (creating if necessary) the SQLite database at path and ensures
// the schema is current. Use ":memory:" for an ephemeral store.
func Open(path string, opts Options) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("eventstore: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open database at %s: %w", path, err)
	}
	// SQLite allows one writer; a single pooled connection also keeps
	// ":memory:" databases from fragmenting across connections.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventstore: ping database at %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventstore: enable foreign keys: %w", err)
	}

	cache, err := lru.New[string, int64](requestKeyCacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("eventstore: create request key cache: %w", err)
	}

	if opts.MaxPayloadLen <= 0 {
		opts.MaxPayloadLen = defaultMaxPayloadLen
	}

	s := &Store{
		db:            db,
		log:           logging.With("eventstore"),
		maxPayloadLen: opts.MaxPayloadLen,
		serverName:    opts.ServerName,
		apiVersion:    opts.APIVersion,
		requestKeys:   cache,
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetLLMInfo records the active provider/model pair used to annotate token
// usage on action rows. Called at startup and on config hot-reload. One
// active provider per deployment is assumed; concurrent multi-provider
// deployments would mislabel usage rows.
func (s *Store) SetLLMInfo(provider, model string) {
	s.mu.Lock()
	s.llmProvider = provider
	s.llmModel = model
	s.mu.Unlock()
}

func (s *Store) llmInfo() (provider, model string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.llmProvider, s.llmModel
}

func (s *Store) createSchema() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL PRIMARY KEY);`); err != nil {
		return fmt.Errorf("eventstore: create schema_version table: %w", err)
	}

	var dbVersion int
	err := s.db.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1;`).Scan(&dbVersion)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("eventstore: query schema version: %w", err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?);`, currentSchemaVersion); err != nil {
			return fmt.Errorf("eventstore: insert initial schema version: %w", err)
		}
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS request (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL UNIQUE,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			query_params TEXT,
			headers TEXT,
			body TEXT,
			server_name TEXT,
			api_version TEXT,
			status_code INTEGER,
			response_body TEXT,
			start_time TEXT NOT NULL,
			end_time TEXT,
			duration_ms REAL,
			error_message TEXT,
			error_traceback TEXT,
			is_error INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS job (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL UNIQUE,
			request_id TEXT,
			status TEXT NOT NULL,
			input_payload TEXT,
			result_payload TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			duration_ms REAL,
			error_message TEXT,
			error_traceback TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS action (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_key INTEGER REFERENCES request(id) ON DELETE CASCADE,
			job_id TEXT,
			action_type TEXT,
			action_name TEXT NOT NULL,
			module_name TEXT,
			function_name TEXT,
			line_number INTEGER,
			input_params TEXT,
			output_results TEXT,
			start_time TEXT NOT NULL,
			end_time TEXT,
			duration_ms REAL,
			error_message TEXT,
			error_traceback TEXT,
			is_error INTEGER NOT NULL DEFAULT 0,
			llm_provider TEXT,
			llm_model TEXT,
			llm_prompt_tokens INTEGER,
			llm_completion_tokens INTEGER,
			llm_total_tokens INTEGER
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("eventstore: create schema: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_request_request_id ON request (request_id);`,
		`CREATE INDEX IF NOT EXISTS idx_request_start_time ON request (start_time DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_request_is_error ON request (is_error);`,
		`CREATE INDEX IF NOT EXISTS idx_job_job_id ON job (job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_job_status ON job (status);`,
		`CREATE INDEX IF NOT EXISTS idx_action_request_key ON action (request_key);`,
		`CREATE INDEX IF NOT EXISTS idx_action_job_id ON action (job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_action_start_time ON action (start_time);`,
		`CREATE INDEX IF NOT EXISTS idx_action_composite ON action (request_key, job_id, action_type, is_error);`,
	}
	for _, indexSQL := range indexes {
		if _, err := s.db.Exec(indexSQL); err != nil {
			// Non-fatal, the tables still work without the index.
			s.log.Warn().Err(err).Str("sql", indexSQL).Msg("failed to create index")
		}
	}

	return nil
}

// requestKeyFor resolves a correlation id to its request row key, consulting
// the LRU cache before the database. ok is false when no such row exists.
func (s *Store) requestKeyFor(requestID string) (key int64, ok bool) {
	if requestID == "" {
		return 0, false
	}
	if key, ok := s.requestKeys.Get(requestID); ok {
		return key, true
	}
	err := s.db.QueryRow(`SELECT id FROM request WHERE request_id = ?;`, requestID).Scan(&key)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.Error().Err(err).Str("request_id", requestID).Msg("request key lookup failed")
		}
		return 0, false
	}
	s.requestKeys.Add(requestID, key)
	return key, true
}

// RequestIDInUse reports whether a correlation id already names a request
// row. Used by the request boundary to validate client-supplied ids.
func (s *Store) RequestIDInUse(requestID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrNotInitialized
	}
	if _, ok := s.requestKeys.Get(requestID); ok {
		return true, nil
	}
	var key int64
	err := s.db.QueryRow(`SELECT id FROM request WHERE request_id = ?;`, requestID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("eventstore: request id lookup: %w", err)
	}
	return true, nil
}

// ClearAll deletes every recorded trail row. The schema stays in place.
func (s *Store) ClearAll() error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	for _, table := range []string{"action", "job", "request"} {
		if _, err := s.db.Exec(`DELETE FROM ` + table + `;`); err != nil {
			return fmt.Errorf("eventstore: clear %s table: %w", table, err)
		}
	}
	s.requestKeys.Purge()
	s.log.Info().Msg("cleared all recorded trails")
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func durationMs(from, to time.Time) float64 {
	return float64(to.Sub(from)) / float64(time.Millisecond)
}
