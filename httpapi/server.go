// Package httpapi exposes the gateway's HTTP surface: the chat proxy
// endpoints plus read access to the recorded request/job/action trails.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/tracefold/tracefold/eventstore"
	"github.com/tracefold/tracefold/jobs"
	"github.com/tracefold/tracefold/logging"
	"github.com/tracefold/tracefold/provider"
)

// Options configure the HTTP server beyond its collaborators.
type Options struct {
	Addr    string
	Version string

	// RedactedHeaders extends the default redaction set (Authorization,
	// X-Api-Key, Cookie, Set-Cookie, Proxy-Authorization).
	RedactedHeaders []string

	// SkipPaths are exempt from trail recording. The health endpoint is
	// always exempt.
	SkipPaths []string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server wires the router, the boundary middleware, and the handlers. The
// active provider is swappable at runtime for config hot-reload.
type Server struct {
	store  *eventstore.Store
	runner *jobs.Runner
	log    zerolog.Logger

	version   string
	redacted  map[string]bool
	skipPaths map[string]bool

	mu     sync.RWMutex
	active provider.Provider

	httpServer      *http.Server
	shutdownTimeout time.Duration
}

// New assembles a server around its collaborators. The provider may be
// replaced later with SetProvider.
func New(store *eventstore.Store, runner *jobs.Runner, p provider.Provider, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = "localhost:8790"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 120 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}

	redacted := make(map[string]bool, len(defaultRedactedHeaders)+len(opts.RedactedHeaders))
	for _, name := range defaultRedactedHeaders {
		redacted[strings.ToLower(name)] = true
	}
	for _, name := range opts.RedactedHeaders {
		redacted[strings.ToLower(name)] = true
	}

	skip := map[string]bool{"/api/v1/health": true}
	for _, path := range opts.SkipPaths {
		skip[path] = true
	}

	s := &Server{
		store:           store,
		runner:          runner,
		log:             logging.With("httpapi"),
		version:         opts.Version,
		redacted:        redacted,
		skipPaths:       skip,
		active:          p,
		shutdownTimeout: opts.ShutdownTimeout,
	}
	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.Router(),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

// Router builds the full route table, boundary middleware included. Exposed
// separately so tests can drive the handlers through httptest.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/chat", s.handleChat).Methods("POST")
	api.HandleFunc("/jobs/chat", s.handleChatJob).Methods("POST")
	api.HandleFunc("/jobs/{id}", s.handleJobStatus).Methods("GET")
	api.HandleFunc("/requests", s.handleListRequests).Methods("GET")
	api.HandleFunc("/requests/{id}", s.handleRequestDetail).Methods("GET")
	api.HandleFunc("/actions", s.handleListActions).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	return s.boundary(router)
}

// SetProvider swaps the active provider. In-flight requests finish on the
// provider they started with.
func (s *Server) SetProvider(p provider.Provider) {
	if p == nil {
		return
	}
	s.mu.Lock()
	old := s.active
	s.active = p
	s.mu.Unlock()

	s.log.Info().
		Str("from", old.Name()).
		Str("to", p.Name()).
		Str("model", p.Model()).
		Msg("active provider swapped")
}

func (s *Server) provider() provider.Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Run serves until ctx is cancelled, then shuts down gracefully: the
// listener closes, in-flight requests get the shutdown timeout to finish,
// and the job runner drains.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("httpapi: serve: %w", err)
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var firstErr error
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("httpapi: shutdown: %w", err)
	}
	if s.runner != nil {
		if err := s.runner.Shutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
