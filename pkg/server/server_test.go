package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/depot/pkg/api"
	"github.com/Mindburn-Labs/depot/pkg/artifacts"
	"github.com/Mindburn-Labs/depot/pkg/auth"
	"github.com/Mindburn-Labs/depot/pkg/ledger"
	"github.com/Mindburn-Labs/depot/pkg/observability"
	"github.com/Mindburn-Labs/depot/pkg/projects"
	"github.com/Mindburn-Labs/depot/pkg/storage"
)

const root = "/srv/depot"

type fakeJournal struct {
	events  []artifacts.Event
	project string
	limit   int
	err     error
}

func (f *fakeJournal) List(_ context.Context, project string, limit int) ([]artifacts.Event, error) {
	f.project, f.limit = project, limit
	return f.events, f.err
}

func newTestServer(t *testing.T, mutate func(*Options)) (*Server, *storage.MemoryBackend) {
	t.Helper()
	mem := storage.NewMemoryBackend()
	require.NoError(t, mem.MkdirAll(context.Background(), root+"/fw"))

	st, err := artifacts.New(mem, root)
	require.NoError(t, err)

	opts := Options{
		Store: st,
		Tree:  projects.NewTree(mem),
		SLO:   observability.DefaultSLOTracker(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts), mem
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func multipartBody(t *testing.T, project, filename, payload string, projectFirst bool) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	writeProject := func() {
		if project != "" {
			require.NoError(t, mw.WriteField("project", project))
		}
	}
	if projectFirst {
		writeProject()
	}
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = io.WriteString(fw, payload)
	require.NoError(t, err)
	if !projectFirst {
		writeProject()
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func uploadReq(t *testing.T, h http.Handler, project, filename, payload string) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, project, filename, payload, true)
	return do(t, h, http.MethodPost, "/api/upload", body, map[string]string{"Content-Type": ct})
}

func problem(t *testing.T, rec *httptest.ResponseRecorder) api.ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p api.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/health", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "disabled", resp.Journal)
	assert.NotEmpty(t, resp.Version)
}

func TestUpload_AcceptThenReject(t *testing.T) {
	s, mem := newTestServer(t, nil)
	h := s.Handler()

	rec := uploadReq(t, h, "fw", "update_v1.bin", "one")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out artifacts.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, out.Accepted)
	assert.True(t, out.Bootstrap)
	assert.Equal(t, int64(1), out.Version)
	assert.Equal(t, "one", string(mem.Bytes(root+"/fw/update_v1.bin")))

	rec = uploadReq(t, h, "fw", "update_v3.bin", "three")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = uploadReq(t, h, "fw", "update_v2.bin", "two")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, problem(t, rec).Detail, "not newer")
	assert.Nil(t, mem.Bytes(root+"/fw/update_v2.bin"))
	assert.Equal(t, "v1\nv3\n", string(mem.Bytes(root+"/fw/update.txt")))
}

func TestUpload_Errors(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*storage.MemoryBackend)
		project  string
		filename string
		want     int
	}{
		{"bad filename", nil, "fw", "update.bin", http.StatusBadRequest},
		{"unknown project", nil, "nope", "update_v1.bin", http.StatusNotFound},
		{"escaping project", nil, "../etc", "update_v1.bin", http.StatusNotFound},
		{"indeterminate", func(m *storage.MemoryBackend) {
			m.Put(root+"/fw/readme.md", []byte("x"))
		}, "fw", "update_v1.bin", http.StatusConflict},
		{"malformed ledger", func(m *storage.MemoryBackend) {
			m.Put(root+"/fw/update.txt", []byte("v1\ngarbage\n"))
		}, "fw", "update_v2.bin", http.StatusUnprocessableEntity},
		{"payload failure", func(m *storage.MemoryBackend) {
			m.Fail(storage.OpWrite, root+"/fw/update_v1.bin", errors.New("disk full"))
		}, "fw", "update_v1.bin", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mem := newTestServer(t, nil)
			if tt.setup != nil {
				tt.setup(mem)
			}
			rec := uploadReq(t, s.Handler(), tt.project, tt.filename, "payload")
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			p := problem(t, rec)
			assert.Equal(t, tt.want, p.Status)
			if tt.want == http.StatusInternalServerError {
				assert.NotContains(t, p.Detail, "disk full")
			}
		})
	}
}

func TestUpload_LedgerAppendFailureNamesUnlistedArtifact(t *testing.T) {
	s, mem := newTestServer(t, nil)
	mem.Fail(storage.OpAppend, root+"/fw/update.txt", errors.New("read-only file system"))

	rec := uploadReq(t, s.Handler(), "fw", "update_v1.bin", "payload")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, problem(t, rec).Detail, "fw/update_v1.bin")
	assert.Equal(t, "payload", string(mem.Bytes(root+"/fw/update_v1.bin")))
}

func TestUpload_MultipartShape(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/upload", strings.NewReader("{}"), map[string]string{"Content-Type": "application/json"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, ct := multipartBody(t, "fw", "update_v1.bin", "x", false)
	rec = do(t, h, http.MethodPost, "/api/upload", body, map[string]string{"Content-Type": ct})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, problem(t, rec).Detail, "precede")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("project", "fw"))
	require.NoError(t, mw.Close())
	rec = do(t, h, http.MethodPost, "/api/upload", &buf, map[string]string{"Content-Type": mw.FormDataContentType()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, problem(t, rec).Detail, "Missing file")
}

func TestVersion(t *testing.T) {
	s, mem := newTestServer(t, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/version?project_name=fw", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))

	mem.Put(root+"/fw/update.txt", []byte("v1\nv4\n"))
	rec = do(t, h, http.MethodGet, "/version?project_name=fw", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "4", strings.TrimSpace(rec.Body.String()))

	mem.Put(root+"/fw/firmware.txt", []byte("v9\n"))
	rec = do(t, h, http.MethodGet, "/version?project_name=fw&artifact=firmware", nil, nil)
	assert.Equal(t, "9", strings.TrimSpace(rec.Body.String()))

	rec = do(t, h, http.MethodGet, "/version", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/version?project_name=fw&artifact=a.b", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownload(t *testing.T) {
	s, mem := newTestServer(t, nil)
	h := s.Handler()
	mem.Put(root+"/fw/update.txt", []byte("v1\n"))
	mem.Put(root+"/fw/update_v1.bin", []byte("firmware-bytes"))

	rec := do(t, h, http.MethodGet, "/download/fw/v1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "firmware-bytes", rec.Body.String())
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename=update_v1.bin`, rec.Header().Get("Content-Disposition"))

	rec = do(t, h, http.MethodGet, "/download/fw/v1", nil, map[string]string{"Range": "bytes=0-7"})
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "firmware", rec.Body.String())

	cases := map[string]int{
		"/download/fw/1":                    http.StatusBadRequest,
		"/download/fw/vx":                   http.StatusBadRequest,
		"/download/fw/v2":                   http.StatusNotFound,
		"/download/other/v1":                http.StatusNotFound,
		"/download/fw":                      http.StatusNotFound,
		"/download/fw/v1?artifact=firmware": http.StatusNotFound,
	}
	for target, want := range cases {
		rec := do(t, h, http.MethodGet, target, nil, nil)
		assert.Equal(t, want, rec.Code, target)
	}
}

func TestDownload_NestedProject(t *testing.T) {
	s, mem := newTestServer(t, nil)
	mem.Put(root+"/team/app/update.txt", []byte("v2\n"))
	mem.Put(root+"/team/app/update_v2.bin", []byte("nested"))

	rec := do(t, s.Handler(), http.MethodGet, "/download/team/app/v2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nested", rec.Body.String())
}

func TestProjects(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/projects", strings.NewReader(`{"name":"team/app"}`), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var info ProjectInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "team/app", info.Name)
	assert.True(t, info.Created)

	rec = do(t, h, http.MethodPost, "/api/projects", strings.NewReader(`{"name":"team/app"}`), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/projects", strings.NewReader(`{"name":"../escape"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/projects", strings.NewReader(`not json`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/projects", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []ProjectInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	names := make([]string, 0, len(list))
	for _, p := range list {
		names = append(names, p.Name)
	}
	assert.ElementsMatch(t, []string{"fw", "team", "team/app"}, names)

	rec = do(t, h, http.MethodGet, "/api/projects?match=team/*", nil, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "team/app", list[0].Name)

	rec = do(t, h, http.MethodGet, "/api/projects?match=[", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistory(t *testing.T) {
	s, mem := newTestServer(t, nil)
	h := s.Handler()
	mem.Put(root+"/fw/update.txt", []byte("v1\nv2\n"))

	rec := do(t, h, http.MethodGet, "/api/history?project=fw", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "update", resp.Artifact)
	assert.Equal(t, []ledger.Entry{
		{Line: 1, Raw: "v1", Version: 1, Valid: true},
		{Line: 2, Raw: "v2", Version: 2, Valid: true},
	}, resp.Entries)

	rec = do(t, h, http.MethodGet, "/api/history?project=fw&artifact=other", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/history", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvents(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/api/events", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	journal := &fakeJournal{events: []artifacts.Event{{ID: "e1", Project: "fw", Decision: artifacts.DecisionAccepted}}}
	s, _ = newTestServer(t, func(o *Options) { o.Journal = journal })
	h := s.Handler()

	rec = do(t, h, http.MethodGet, "/api/events?project=fw&limit=5", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []artifacts.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, "fw", journal.project)
	assert.Equal(t, 5, journal.limit)

	rec = do(t, h, http.MethodGet, "/api/events?limit=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	journal.err = errors.New("connection reset")
	rec = do(t, h, http.MethodGet, "/api/events", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSLO_ObservesTrackedRoutes(t *testing.T) {
	slo := observability.DefaultSLOTracker()
	s, mem := newTestServer(t, func(o *Options) { o.SLO = slo })
	h := s.Handler()
	mem.Put(root+"/fw/update.txt", []byte("v1\n"))

	do(t, h, http.MethodGet, "/version?project_name=fw", nil, nil)
	do(t, h, http.MethodGet, "/download/fw/v9", nil, nil)
	uploadReq(t, h, "fw", "update_v2.bin", "x")

	for _, op := range []string{observability.OpLatest, observability.OpDownload, observability.OpUpload} {
		st, err := slo.Status(op)
		require.NoError(t, err, op)
		assert.Equal(t, 1, st.ObservationCount, op)
		assert.Equal(t, 1.0, st.CurrentSuccess, op)
	}

	rec := do(t, h, http.MethodGet, "/api/slo", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var statuses []observability.SLOStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	assert.Len(t, statuses, 3)
}

func TestAuth(t *testing.T) {
	tokens, err := auth.NewTokenIssuer(strings.Repeat("k", 32), time.Hour)
	require.NoError(t, err)
	s, mem := newTestServer(t, func(o *Options) {
		o.Credentials = auth.Credentials{Username: "admin", Password: "secret"}
		o.Tokens = tokens
	})
	h := s.Handler()
	mem.Put(root+"/fw/update.txt", []byte("v1\n"))
	mem.Put(root+"/fw/update_v1.bin", []byte("x"))

	rec := do(t, h, http.MethodGet, "/api/projects", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Public routes.
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/version?project_name=fw", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/download/fw/v1", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", nil, nil).Code)

	rec = do(t, h, http.MethodPost, "/api/login", strings.NewReader(`{"username":"admin","password":"wrong"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/login", strings.NewReader(`{"username":"admin","password":"secret"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var login LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	require.NotEmpty(t, login.Token)
	assert.True(t, login.ExpiresAt.After(time.Now()))

	rec = do(t, h, http.MethodGet, "/api/projects", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.SetBasicAuth("admin", "secret")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestLogin_NotConfigured(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s.Handler(), http.MethodPost, "/api/login", strings.NewReader(`{}`), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClientVersionGate(t *testing.T) {
	s, _ := newTestServer(t, func(o *Options) { o.ClientConstraint = ">= 1.0.0" })
	h := s.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", nil,
		map[string]string{api.ClientVersionHeader: "1.2.0"}).Code)
	assert.Equal(t, http.StatusUpgradeRequired, do(t, h, http.MethodGet, "/health", nil,
		map[string]string{api.ClientVersionHeader: "0.9.0"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/health", nil,
		map[string]string{api.ClientVersionHeader: "not-a-version"}).Code)
}

func TestRateLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, _ := newTestServer(t, func(o *Options) { o.RateLimiter = api.NewGlobalRateLimiter(ctx, 0.001, 1) })
	h := s.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", nil, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodGet, "/health", nil, nil).Code)
}

func TestMethodRouting(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s.Handler(), http.MethodDelete, "/api/upload", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{artifacts.ErrBadFilename, http.StatusBadRequest},
		{artifacts.ErrInvalidVersionSpec, http.StatusBadRequest},
		{artifacts.ErrVersionNotNewer, http.StatusConflict},
		{artifacts.ErrIndeterminateVersion, http.StatusConflict},
		{artifacts.ErrProjectNotFound, http.StatusNotFound},
		{artifacts.ErrArtifactNotFound, http.StatusNotFound},
		{artifacts.ErrLedgerFormat, http.StatusUnprocessableEntity},
		{artifacts.ErrPayloadWrite, http.StatusInternalServerError},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestListenAndServe_ShutsDownOnCancel(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
