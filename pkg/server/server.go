// Package server exposes the artifact store over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/depot/pkg/api"
	"github.com/Mindburn-Labs/depot/pkg/artifacts"
	"github.com/Mindburn-Labs/depot/pkg/auth"
	"github.com/Mindburn-Labs/depot/pkg/observability"
	"github.com/Mindburn-Labs/depot/pkg/projects"
)

// EventLister reads the upload event journal.
type EventLister interface {
	List(ctx context.Context, project string, limit int) ([]artifacts.Event, error)
}

// Options wires a Server. Store and Tree are required.
type Options struct {
	Store *artifacts.Store
	Tree  *projects.Tree
	// Journal is nil when the event journal is disabled.
	Journal EventLister

	Credentials auth.Credentials
	Tokens      *auth.TokenIssuer

	RateLimiter      *api.GlobalRateLimiter
	ClientConstraint string
	CORSOrigins      []string

	Telemetry *observability.Provider
	SLO       *observability.SLOTracker
	Logger    *slog.Logger
}

// Server serves the depot HTTP API.
type Server struct {
	store     *artifacts.Store
	tree      *projects.Tree
	journal   EventLister
	creds     auth.Credentials
	tokens    *auth.TokenIssuer
	limiter   *api.GlobalRateLimiter
	gate      string
	origins   []string
	telemetry *observability.Provider
	slo       *observability.SLOTracker
	logger    *slog.Logger
}

// New creates a Server.
func New(opts Options) *Server {
	s := &Server{
		store:     opts.Store,
		tree:      opts.Tree,
		journal:   opts.Journal,
		creds:     opts.Credentials,
		tokens:    opts.Tokens,
		limiter:   opts.RateLimiter,
		gate:      opts.ClientConstraint,
		origins:   opts.CORSOrigins,
		telemetry: opts.Telemetry,
		slo:       opts.SLO,
		logger:    opts.Logger,
	}
	if s.telemetry == nil {
		s.telemetry = observability.Disabled()
	}
	if s.slo == nil {
		s.slo = observability.DefaultSLOTracker()
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "server")
	}
	return s
}

// Handler returns the full middleware chain around the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "GET /health", "", s.handleHealth)
	s.handle(mux, "POST /api/login", "", s.handleLogin)
	s.handle(mux, "GET /api/projects", "", s.handleListProjects)
	s.handle(mux, "POST /api/projects", "", s.handleCreateProject)
	s.handle(mux, "POST /api/upload", observability.OpUpload, s.handleUpload)
	s.handle(mux, "GET /api/history", "", s.handleHistory)
	s.handle(mux, "GET /api/events", "", s.handleEvents)
	s.handle(mux, "GET /api/slo", "", s.handleSLO)
	s.handle(mux, "GET /version", observability.OpLatest, s.handleVersion)
	s.handle(mux, "GET /download/{rest...}", observability.OpDownload, s.handleDownload)

	var h http.Handler = mux
	h = auth.NewMiddleware(s.creds, s.tokens)(h)
	h = api.ClientVersionGate(s.gate)(h)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = auth.CORSMiddleware(s.origins)(h)
	h = auth.RequestIDMiddleware(h)
	return h
}

// statusRecorder captures the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// handle registers h under pattern with tracing, an access log line and, if
// sloOp is set, an SLO observation.
func (s *Server) handle(mux *http.ServeMux, pattern, sloOp string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, finish := s.telemetry.TrackOperation(r.Context(), "http "+pattern,
			observability.HTTPAttrs(r.Method, pattern)...)

		rec := &statusRecorder{ResponseWriter: w}
		h(rec, r.WithContext(ctx))

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		var err error
		if status >= http.StatusInternalServerError {
			err = fmt.Errorf("http %d", status)
		}
		finish(err)

		elapsed := time.Since(start)
		if sloOp != "" {
			s.slo.Observe(sloOp, elapsed, status < http.StatusInternalServerError)
		}
		auth.Logger(ctx, s.logger).InfoContext(ctx, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

// statusFor maps store and tree errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, artifacts.ErrBadFilename),
		errors.Is(err, artifacts.ErrInvalidVersionSpec),
		errors.Is(err, projects.ErrInvalidProjectName):
		return http.StatusBadRequest
	case errors.Is(err, artifacts.ErrVersionNotNewer),
		errors.Is(err, artifacts.ErrIndeterminateVersion):
		return http.StatusConflict
	case errors.Is(err, artifacts.ErrProjectNotFound),
		errors.Is(err, artifacts.ErrArtifactNotFound):
		return http.StatusNotFound
	case errors.Is(err, artifacts.ErrLedgerFormat):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeStoreError renders err as a problem response. Internal failures are
// logged and not exposed.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		auth.Logger(r.Context(), s.logger).ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		api.WriteInternal(w, err)
		return
	}
	api.WriteErrorR(w, r, status, http.StatusText(status), err.Error())
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
