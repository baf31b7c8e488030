package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/depot/pkg/api"
	"github.com/Mindburn-Labs/depot/pkg/artifacts"
	"github.com/Mindburn-Labs/depot/pkg/auth"
	"github.com/Mindburn-Labs/depot/pkg/ledger"
	"github.com/Mindburn-Labs/depot/pkg/projects"
	"github.com/Mindburn-Labs/depot/pkg/versioning"
)

const (
	maxJSONBody   = 1 << 20
	maxFieldBytes = 4 << 10
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Journal string `json:"journal"`
}

// LoginRequest is the body of POST /api/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries an issued bearer token.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ProjectInfo names one project directory.
type ProjectInfo struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Created bool   `json:"created,omitempty"`
}

// CreateProjectRequest is the body of POST /api/projects.
type CreateProjectRequest struct {
	Name string `json:"name"`
}

// HistoryResponse lists a project's ledger.
type HistoryResponse struct {
	Project  string         `json:"project"`
	Artifact string         `json:"artifact"`
	Entries  []ledger.Entry `json:"entries"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Version: versioning.Build, Journal: "disabled"}
	if s.journal != nil {
		resp.Journal = "ok"
		if p, ok := s.journal.(pinger); ok {
			if err := p.Ping(r.Context()); err != nil {
				auth.Logger(r.Context(), s.logger).WarnContext(r.Context(), "journal ping failed", "error", err)
				resp.Status = "degraded"
				resp.Journal = "unavailable"
			}
		}
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.creds.Enabled() || s.tokens == nil {
		api.WriteNotFound(w, "Token login is not configured")
		return
	}
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if err := s.creds.Verify(req.Username, req.Password); err != nil {
		auth.Logger(r.Context(), s.logger).InfoContext(r.Context(), "login rejected", "user", req.Username)
		api.WriteUnauthorized(w, "Invalid username or password")
		return
	}
	token, expires, err := s.tokens.Issue(req.Username)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, LoginResponse{Token: token, ExpiresAt: expires})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	root := s.store.Root()
	paths, err := s.tree.ListProjects(r.Context(), root)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	paths, err = projects.Filter(paths, root, r.URL.Query().Get("match"))
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	out := make([]ProjectInfo, 0, len(paths))
	for _, p := range paths {
		out = append(out, ProjectInfo{Name: projects.RelName(root, p), Path: p})
	}
	api.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	root := s.store.Root()
	dir, created, err := s.tree.CreateProject(r.Context(), root, req.Name)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	api.WriteJSON(w, status, ProjectInfo{Name: projects.RelName(root, dir), Path: dir, Created: created})
}

// handleUpload streams a multipart upload. The "project" field must precede
// the "file" part so the payload never has to be buffered.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		api.WriteBadRequest(w, "Expected a multipart/form-data body")
		return
	}

	var project string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			api.WriteBadRequest(w, "Missing file part")
			return
		}
		if err != nil {
			api.WriteBadRequest(w, fmt.Sprintf("Malformed multipart body: %v", err))
			return
		}

		switch part.FormName() {
		case "project":
			b, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			_ = part.Close()
			if err != nil {
				api.WriteBadRequest(w, "Unreadable project field")
				return
			}
			project = strings.TrimSpace(string(b))
		case "file":
			if project == "" {
				_ = part.Close()
				api.WriteBadRequest(w, "The project field must precede the file part")
				return
			}
			s.acceptPart(w, r, project, part.FileName(), part)
			_ = part.Close()
			return
		default:
			_ = part.Close()
		}
	}
}

func (s *Server) acceptPart(w http.ResponseWriter, r *http.Request, project, filename string, body io.Reader) {
	if filename == "" {
		api.WriteBadRequest(w, "The file part has no filename")
		return
	}
	dir, err := s.store.ProjectDir(project)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	out, err := s.store.AcceptUpload(r.Context(), dir, filename, body)
	switch {
	case err == nil:
		api.WriteJSON(w, http.StatusCreated, out)
	case errors.Is(err, artifacts.ErrLedgerAppend):
		auth.Logger(r.Context(), s.logger).ErrorContext(r.Context(), "artifact stored but not listed",
			"project", out.Project, "filename", out.Filename, "error", err)
		api.WriteErrorR(w, r, http.StatusInternalServerError, "Ledger Append Failed",
			fmt.Sprintf("%s was stored but is not listed in the ledger", projects.RelName(s.store.Root(), out.ArtifactPath)))
	default:
		s.writeStoreError(w, r, err)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	project := q.Get("project")
	if project == "" {
		api.WriteBadRequest(w, "Missing project parameter")
		return
	}
	base := s.baseFrom(r)
	entries, err := s.store.History(r.Context(), project, base)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	api.WriteJSON(w, http.StatusOK, HistoryResponse{Project: project, Artifact: base, Entries: entries})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		api.WriteNotFound(w, "The event journal is disabled")
		return
	}
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			api.WriteBadRequest(w, fmt.Sprintf("Invalid limit %q", raw))
			return
		}
		limit = n
	}
	events, err := s.journal.List(r.Context(), q.Get("project"), limit)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, events)
}

func (s *Server) handleSLO(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, s.slo.Statuses())
}

// handleVersion reports the latest ledger version, or null when the project
// has no ledger yet.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project_name")
	if project == "" {
		api.WriteBadRequest(w, "Missing project_name parameter")
		return
	}
	v, ok, err := s.store.LatestVersionFor(r.Context(), project, s.baseFrom(r))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if !ok {
		api.WriteJSON(w, http.StatusOK, nil)
		return
	}
	api.WriteJSON(w, http.StatusOK, v)
}

// handleDownload serves /download/{project...}/{version}. The last path
// segment is the version spec; everything before it is the project.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	rest := r.PathValue("rest")
	i := strings.LastIndex(rest, "/")
	if i <= 0 || i == len(rest)-1 {
		api.WriteNotFound(w, "Expected /download/{project}/{version}")
		return
	}
	project, spec := rest[:i], rest[i+1:]
	base := s.baseFrom(r)

	path, err := s.store.ResolveDownloadFor(r.Context(), project, base, spec)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	f, err := s.store.Open(r.Context(), path)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	defer func() { _ = f.Close() }()

	name := filepath.Base(path)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, time.Time{}, f)
}

func (s *Server) baseFrom(r *http.Request) string {
	if b := r.URL.Query().Get("artifact"); b != "" {
		return b
	}
	return s.store.Base()
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
