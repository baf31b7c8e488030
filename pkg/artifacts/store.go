// Package artifacts accepts versioned uploads into project directories and
// resolves downloads against each project's version ledger.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/depot/pkg/ledger"
	"github.com/Mindburn-Labs/depot/pkg/observability"
	"github.com/Mindburn-Labs/depot/pkg/projects"
	"github.com/Mindburn-Labs/depot/pkg/storage"
	"github.com/Mindburn-Labs/depot/pkg/versioning"
)

// Outcome describes an upload decision. It is returned for rejections as
// well as acceptances so callers can report the reason.
type Outcome struct {
	Accepted     bool   `json:"accepted"`
	Bootstrap    bool   `json:"bootstrap,omitempty"`
	Project      string `json:"project"`
	Filename     string `json:"filename"`
	Version      int64  `json:"version"`
	Previous     *int64 `json:"previous,omitempty"`
	ArtifactPath string `json:"-"`
	LedgerPath   string `json:"-"`
	Bytes        int64  `json:"bytes"`
	Reason       string `json:"reason,omitempty"`
}

// Store applies the upload decision rule and resolves downloads.
type Store struct {
	backend   storage.Backend
	ledger    *ledger.VersionLedger
	root      string
	base      string
	chunkSize int
	locker    Locker
	recorder  EventRecorder
	telemetry *observability.Provider
	logger    *slog.Logger
	clock     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithBase sets the artifact base name used by ResolveDownload and LatestVersion.
func WithBase(base string) Option {
	return func(s *Store) { s.base = base }
}

// WithChunkSize sets the payload copy chunk size.
func WithChunkSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithLocker serialises uploads per project.
func WithLocker(l Locker) Option {
	return func(s *Store) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithEventRecorder journals every upload attempt.
func WithEventRecorder(r EventRecorder) Option {
	return func(s *Store) { s.recorder = r }
}

// WithTelemetry traces and measures store operations.
func WithTelemetry(p *observability.Provider) Option {
	return func(s *Store) {
		if p != nil {
			s.telemetry = p
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the event clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New creates a Store for projects under root. A relative root is resolved
// against the working directory.
func New(backend storage.Backend, root string, opts ...Option) (*Store, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage root: %w", err)
	}
	s := &Store{
		backend:   backend,
		ledger:    ledger.New(backend),
		root:      root,
		base:      versioning.DefaultBase,
		chunkSize: storage.DefaultChunkSize,
		locker:    NopLocker{},
		telemetry: observability.Disabled(),
		logger:    slog.Default().With("component", "artifacts"),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := versioning.CheckBase(s.base); err != nil {
		return nil, fmt.Errorf("artifact base: %w", err)
	}
	return s, nil
}

// Root returns the storage root.
func (s *Store) Root() string { return s.root }

// Base returns the default artifact base name.
func (s *Store) Base() string { return s.base }

// ProjectDir resolves a project name to its directory under the root.
func (s *Store) ProjectDir(name string) (string, error) {
	dir, err := projects.Path(s.root, name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProjectNotFound, err)
	}
	return dir, nil
}

// AcceptUpload decides whether filename may be stored in projectDir and, if
// so, streams r to projectDir/filename and appends the version to the ledger.
//
// With a ledger present the upload is accepted only if its version is
// strictly greater than the ledger's latest. Without one it is accepted only
// if projectDir is empty. The ledger is appended only after the payload has
// been written completely; a payload failure leaves the ledger untouched.
func (s *Store) AcceptUpload(ctx context.Context, projectDir, filename string, r io.Reader) (out Outcome, err error) {
	project := projects.RelName(s.root, projectDir)
	ctx, finish := s.telemetry.TrackOperation(ctx, "artifacts.accept_upload", observability.UploadAttrs(project, filename)...)
	defer func() { finish(err) }()

	out = Outcome{Project: project, Filename: filename}
	defer func() { s.record(ctx, out, err) }()

	name, err := versioning.ParseFilename(filename)
	if err != nil {
		out.Reason = err.Error()
		return out, err
	}
	out.Version = name.Version

	kind, err := s.backend.Stat(ctx, projectDir)
	if err != nil {
		return s.fail(out, fmt.Errorf("stat project: %w", err))
	}
	if kind != storage.KindDir {
		return s.fail(out, fmt.Errorf("%w: %s", ErrProjectNotFound, project))
	}

	// Keyed by project name so processes mounting the root at different
	// paths still contend.
	unlock, err := s.locker.Lock(ctx, project)
	if err != nil {
		return s.fail(out, fmt.Errorf("lock project %s: %w", project, err))
	}
	defer unlock()

	out.LedgerPath = filepath.Join(projectDir, name.LedgerName())
	out.ArtifactPath = filepath.Join(projectDir, name.Name)

	if err := s.decide(ctx, projectDir, name, &out); err != nil {
		return s.fail(out, err)
	}

	n, err := s.backend.WriteStream(ctx, out.ArtifactPath, r, s.chunkSize)
	out.Bytes = n
	if err != nil {
		s.logger.WarnContext(ctx, "payload write failed",
			"project", project, "filename", filename, "bytes", n, "error", err)
		return s.fail(out, fmt.Errorf("%w: %w", ErrPayloadWrite, err))
	}

	if err := s.ledger.Append(ctx, out.LedgerPath, name.Version); err != nil {
		// The artifact is on disk but the ledger does not list it, so the
		// next upload is compared against the previous latest.
		s.logger.WarnContext(ctx, "ledger append failed after payload write",
			"project", project, "filename", filename, "ledger", out.LedgerPath, "error", err)
		return s.fail(out, fmt.Errorf("%w: %w", ErrLedgerAppend, err))
	}

	out.Accepted = true
	s.logger.InfoContext(ctx, "upload accepted",
		"project", project, "filename", filename, "version", name.Version,
		"bootstrap", out.Bootstrap, "bytes", n)
	return out, nil
}

func (s *Store) decide(ctx context.Context, projectDir string, name versioning.Filename, out *Outcome) error {
	kind, err := s.backend.Stat(ctx, out.LedgerPath)
	if err != nil {
		return fmt.Errorf("stat ledger: %w", err)
	}

	if kind == storage.KindFile {
		latest, err := s.ledger.Latest(ctx, out.LedgerPath)
		if err != nil {
			return err
		}
		out.Previous = &latest
		if name.Version <= latest {
			return fmt.Errorf("%w: %s is not newer than %s",
				ErrVersionNotNewer, name.Token, versioning.FormatToken(latest))
		}
		return nil
	}

	entries, err := s.backend.List(ctx, projectDir)
	if err != nil {
		return fmt.Errorf("list project: %w", err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("%w: %s has no %s but is not empty",
			ErrIndeterminateVersion, out.Project, name.LedgerName())
	}
	out.Bootstrap = true
	return nil
}

func (s *Store) fail(out Outcome, err error) (Outcome, error) {
	out.Reason = err.Error()
	return out, err
}

func (s *Store) record(ctx context.Context, out Outcome, err error) {
	decision := decisionFor(err)
	trace.SpanFromContext(ctx).SetAttributes(
		observability.AttrVersion.Int64(out.Version),
		observability.AttrDecision.String(string(decision)),
	)
	s.telemetry.RecordUpload(ctx, out.Project, string(decision), out.Bytes)
	if s.recorder == nil {
		return
	}
	ev := Event{
		ID:       uuid.NewString(),
		Time:     s.clock().UTC(),
		Project:  out.Project,
		Filename: out.Filename,
		Version:  out.Version,
		Decision: decision,
		Reason:   out.Reason,
		Bytes:    out.Bytes,
	}
	if rerr := s.recorder.Record(ctx, ev); rerr != nil {
		s.logger.WarnContext(ctx, "failed to record upload event",
			"project", out.Project, "filename", out.Filename, "error", rerr)
	}
}

func decisionFor(err error) Decision {
	switch {
	case err == nil:
		return DecisionAccepted
	case errors.Is(err, ErrBadFilename),
		errors.Is(err, ErrVersionNotNewer),
		errors.Is(err, ErrIndeterminateVersion),
		errors.Is(err, ErrProjectNotFound),
		errors.Is(err, ErrLedgerFormat):
		return DecisionRejected
	default:
		return DecisionFailed
	}
}

// ResolveDownload returns the path of the default-base artifact for version
// spec (e.g. "v3") in project.
func (s *Store) ResolveDownload(ctx context.Context, project, spec string) (string, error) {
	return s.ResolveDownloadFor(ctx, project, s.base, spec)
}

// ResolveDownloadFor is ResolveDownload for an explicit base name. The project
// must have a ledger for base; the artifact must exist as a regular file.
func (s *Store) ResolveDownloadFor(ctx context.Context, project, base, spec string) (path string, err error) {
	ctx, finish := s.telemetry.TrackOperation(ctx, "artifacts.resolve_download", observability.DownloadAttrs(project, base, spec)...)
	defer func() { finish(err) }()

	n, err := versioning.ParseVersionSpec(spec)
	if err != nil {
		return "", err
	}
	if err := versioning.CheckBase(base); err != nil {
		return "", err
	}
	dir, err := s.ProjectDir(project)
	if err != nil {
		return "", err
	}

	kind, err := s.backend.Stat(ctx, filepath.Join(dir, versioning.LedgerName(base)))
	if err != nil {
		return "", fmt.Errorf("stat ledger: %w", err)
	}
	if kind != storage.KindFile {
		return "", fmt.Errorf("%w: %s has no %s", ErrProjectNotFound, project, versioning.LedgerName(base))
	}

	path = filepath.Join(dir, versioning.ArtifactName(base, n))
	kind, err = s.backend.Stat(ctx, path)
	if err != nil {
		return "", fmt.Errorf("stat artifact: %w", err)
	}
	if kind != storage.KindFile {
		return "", fmt.Errorf("%w: %s/%s", ErrArtifactNotFound, project, versioning.ArtifactName(base, n))
	}
	return path, nil
}

// LatestVersion reports the latest default-base version of project. ok is
// false when the project has no ledger.
func (s *Store) LatestVersion(ctx context.Context, project string) (int64, bool, error) {
	return s.LatestVersionFor(ctx, project, s.base)
}

// LatestVersionFor is LatestVersion for an explicit base name.
func (s *Store) LatestVersionFor(ctx context.Context, project, base string) (v int64, ok bool, err error) {
	ctx, finish := s.telemetry.TrackOperation(ctx, "artifacts.latest_version",
		observability.AttrProject.String(project), observability.AttrBase.String(base))
	defer func() { finish(err) }()

	if err := versioning.CheckBase(base); err != nil {
		return 0, false, err
	}
	dir, err := s.ProjectDir(project)
	if err != nil {
		return 0, false, err
	}
	ledgerPath := filepath.Join(dir, versioning.LedgerName(base))
	kind, err := s.backend.Stat(ctx, ledgerPath)
	if err != nil {
		return 0, false, fmt.Errorf("stat ledger: %w", err)
	}
	if kind != storage.KindFile {
		return 0, false, nil
	}
	v, err = s.ledger.Latest(ctx, ledgerPath)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// History returns the ledger entries for base in project.
func (s *Store) History(ctx context.Context, project, base string) ([]ledger.Entry, error) {
	if err := versioning.CheckBase(base); err != nil {
		return nil, err
	}
	dir, err := s.ProjectDir(project)
	if err != nil {
		return nil, err
	}
	entries, err := s.ledger.History(ctx, filepath.Join(dir, versioning.LedgerName(base)))
	if errors.Is(err, storage.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s has no %s", ErrProjectNotFound, project, versioning.LedgerName(base))
	}
	return entries, err
}

// Open opens a resolved artifact for reading.
func (s *Store) Open(ctx context.Context, path string) (io.ReadSeekCloser, error) {
	f, err := s.backend.Open(ctx, path)
	if errors.Is(err, storage.ErrNotExist) {
		return nil, fmt.Errorf("%w: %v", ErrArtifactNotFound, err)
	}
	return f, err
}
