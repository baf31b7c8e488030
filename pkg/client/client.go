// Package client talks to a depot server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	fastshot "github.com/opus-domini/fast-shot"

	"github.com/Mindburn-Labs/depot/pkg/api"
	"github.com/Mindburn-Labs/depot/pkg/artifacts"
	"github.com/Mindburn-Labs/depot/pkg/ledger"
	"github.com/Mindburn-Labs/depot/pkg/server"
	"github.com/Mindburn-Labs/depot/pkg/versioning"
)

// DefaultTimeout bounds JSON calls. Uploads and downloads are bounded only by
// their context.
const DefaultTimeout = 30 * time.Second

// Error is a non-2xx response from the server.
type Error struct {
	Status int
	Title  string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("depot: %d %s", e.Status, e.Title)
	}
	return fmt.Sprintf("depot: %d %s: %s", e.Status, e.Title, e.Detail)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// Config configures a Client.
type Config struct {
	BaseURL  string
	Token    string
	Username string
	Password string
	Timeout  time.Duration
	// HTTPClient carries streaming uploads and downloads.
	HTTPClient *http.Client
}

// Client is a depot API client.
type Client struct {
	base    string
	cfg     Config
	rest    fastshot.ClientHttpMethods
	streams *http.Client
}

// New creates a Client for cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	c := &Client{base: base, cfg: cfg, streams: cfg.HTTPClient}
	c.rest = c.buildJSON()
	return c, nil
}

func (c *Client) buildJSON() fastshot.ClientHttpMethods {
	b := fastshot.NewClient(c.base)
	switch {
	case c.cfg.Token != "":
		b.Auth().BearerToken(c.cfg.Token)
	case c.cfg.Username != "":
		b.Auth().BasicAuth(c.cfg.Username, c.cfg.Password)
	}
	return b.Config().SetTimeout(c.cfg.Timeout).
		Header().Add("Accept", "application/json").
		Header().Add(api.ClientVersionHeader, versioning.Build).
		Build()
}

// Login exchanges the configured username and password for a bearer token.
// Subsequent calls on c use the token.
func (c *Client) Login(ctx context.Context) (server.LoginResponse, error) {
	resp, err := c.rest.POST("/api/login").
		Context().Set(ctx).
		Header().Add("Content-Type", "application/json").
		Body().AsJSON(server.LoginRequest{Username: c.cfg.Username, Password: c.cfg.Password}).
		Send()
	if err != nil {
		return server.LoginResponse{}, fmt.Errorf("login: %w", err)
	}
	defer resp.Body().Close()

	var out server.LoginResponse
	if err := parseHTTPResponse(*resp, &out); err != nil {
		return server.LoginResponse{}, err
	}
	c.cfg.Token = out.Token
	c.rest = c.buildJSON()
	return out, nil
}

// Health fetches the server health report.
func (c *Client) Health(ctx context.Context) (server.HealthResponse, error) {
	resp, err := c.rest.GET("/health").Context().Set(ctx).Send()
	if err != nil {
		return server.HealthResponse{}, fmt.Errorf("health: %w", err)
	}
	defer resp.Body().Close()

	var out server.HealthResponse
	err = parseHTTPResponse(*resp, &out)
	return out, err
}

// ListProjects lists projects whose name matches the glob pattern match.
func (c *Client) ListProjects(ctx context.Context, match string) ([]server.ProjectInfo, error) {
	req := c.rest.GET("/api/projects").Context().Set(ctx)
	if match != "" {
		req = req.Query().AddParam("match", match)
	}
	resp, err := req.Send()
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer resp.Body().Close()

	var out []server.ProjectInfo
	err = parseHTTPResponse(*resp, &out)
	return out, err
}

// CreateProject creates a project. Created is false if it already existed.
func (c *Client) CreateProject(ctx context.Context, name string) (server.ProjectInfo, error) {
	resp, err := c.rest.POST("/api/projects").
		Context().Set(ctx).
		Header().Add("Content-Type", "application/json").
		Body().AsJSON(server.CreateProjectRequest{Name: name}).
		Send()
	if err != nil {
		return server.ProjectInfo{}, fmt.Errorf("create project: %w", err)
	}
	defer resp.Body().Close()

	var out server.ProjectInfo
	err = parseHTTPResponse(*resp, &out)
	return out, err
}

// LatestVersion returns the latest version of base in project. ok is false
// when the project has no ledger. An empty base uses the server default.
func (c *Client) LatestVersion(ctx context.Context, project, base string) (v int64, ok bool, err error) {
	req := c.rest.GET("/version").Context().Set(ctx).Query().AddParam("project_name", project)
	if base != "" {
		req = req.Query().AddParam("artifact", base)
	}
	resp, err := req.Send()
	if err != nil {
		return 0, false, fmt.Errorf("latest version: %w", err)
	}
	defer resp.Body().Close()

	var out *int64
	if err := parseHTTPResponse(*resp, &out); err != nil {
		return 0, false, err
	}
	if out == nil {
		return 0, false, nil
	}
	return *out, true, nil
}

// History returns the ledger entries of base in project.
func (c *Client) History(ctx context.Context, project, base string) ([]ledger.Entry, error) {
	req := c.rest.GET("/api/history").Context().Set(ctx).Query().AddParam("project", project)
	if base != "" {
		req = req.Query().AddParam("artifact", base)
	}
	resp, err := req.Send()
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer resp.Body().Close()

	var out server.HistoryResponse
	if err := parseHTTPResponse(*resp, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Upload streams r to project as filename.
func (c *Client) Upload(ctx context.Context, project, filename string, r io.Reader) (artifacts.Outcome, error) {
	pr, pw := io.Pipe()
	defer func() { _ = pr.Close() }()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeUpload(mw, project, filename, r)
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/upload", pr)
	if err != nil {
		return artifacts.Outcome{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.decorate(req)

	resp, err := c.streams.Do(req)
	if err != nil {
		return artifacts.Outcome{}, fmt.Errorf("upload %s: %w", filename, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return artifacts.Outcome{}, decodeError(resp.StatusCode, resp.Body)
	}
	var out artifacts.Outcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return artifacts.Outcome{}, fmt.Errorf("failed to parse response: %w", err)
	}
	return out, nil
}

// writeUpload writes the project field before the file part; the server
// relies on that order to stream the payload.
func writeUpload(mw *multipart.Writer, project, filename string, r io.Reader) error {
	if err := mw.WriteField("project", project); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, r)
	return err
}

// Download streams version spec of base in project to w and returns the
// number of bytes written. An empty base uses the server default.
func (c *Client) Download(ctx context.Context, project, spec, base string, w io.Writer) (int64, error) {
	u := c.base + "/download/" + escapeProject(project) + "/" + url.PathEscape(spec)
	if base != "" {
		u += "?artifact=" + url.QueryEscape(base)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	c.decorate(req)

	resp, err := c.streams.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s/%s: %w", project, spec, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return 0, decodeError(resp.StatusCode, resp.Body)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download %s/%s after %d bytes: %w", project, spec, n, err)
	}
	return n, nil
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set(api.ClientVersionHeader, versioning.Build)
	switch {
	case c.cfg.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	case c.cfg.Username != "":
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
}

func escapeProject(project string) string {
	segs := strings.Split(strings.Trim(project, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

func parseHTTPResponse[T any](resp fastshot.Response, result *T) error {
	if resp.Status().IsError() {
		msg, err := resp.Body().AsString()
		if err != nil {
			return fmt.Errorf("failed to read error response: %w", err)
		}
		return decodeError(resp.Status().Code(), strings.NewReader(msg))
	}

	if err := resp.Body().AsJSON(result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func decodeError(status int, body io.Reader) error {
	e := &Error{Status: status, Title: http.StatusText(status)}
	raw, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return e
	}
	var p api.ProblemDetail
	if json.Unmarshal(raw, &p) == nil && p.Title != "" {
		e.Title = p.Title
		e.Detail = p.Detail
		return e
	}
	e.Detail = strings.TrimSpace(string(raw))
	return e
}
