// Package projects enumerates and creates project directories under the
// storage root.
package projects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/depot/pkg/storage"
)

var (
	// ErrRootUnreadable is returned when the storage root itself cannot be listed.
	ErrRootUnreadable = errors.New("storage root unreadable")
	// ErrInvalidProjectName is returned for names that are empty or escape the root.
	ErrInvalidProjectName = errors.New("invalid project name")
)

// Tree is the set of project directories below a root.
type Tree struct {
	backend storage.Backend
	logger  *slog.Logger
}

// NewTree creates a Tree over backend.
func NewTree(backend storage.Backend) *Tree {
	return &Tree{
		backend: backend,
		logger:  slog.Default().With("component", "projects"),
	}
}

// ListProjects returns the absolute path of every directory beneath root
// exactly once. Each level's subdirectories are listed before any of them is
// descended into. Subdirectories that cannot be read are skipped.
func (t *Tree) ListProjects(ctx context.Context, root string) ([]string, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRootUnreadable, root, err)
	}
	entries, err := t.backend.List(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRootUnreadable, root, err)
	}
	return t.scan(ctx, root, entries), nil
}

func (t *Tree) scan(ctx context.Context, dir string, entries []storage.Entry) []string {
	var level []string
	for _, e := range entries {
		if e.IsDir {
			level = append(level, filepath.Join(dir, e.Name))
		}
	}

	out := append([]string(nil), level...)
	for _, sub := range level {
		if ctx.Err() != nil {
			return out
		}
		children, err := t.backend.List(ctx, sub)
		if err != nil {
			t.logger.DebugContext(ctx, "skipping unreadable directory", "path", sub, "error", err)
			continue
		}
		out = append(out, t.scan(ctx, sub, children)...)
	}
	return out
}

// CreateProject creates root/name (and parents). created is false when the
// directory already existed.
func (t *Tree) CreateProject(ctx context.Context, root, name string) (string, bool, error) {
	clean, err := CleanName(name)
	if err != nil {
		return "", false, err
	}
	dir := filepath.Join(root, filepath.FromSlash(clean))

	kind, err := t.backend.Stat(ctx, dir)
	if err != nil {
		return "", false, fmt.Errorf("stat project %q: %w", clean, err)
	}
	switch kind {
	case storage.KindDir:
		return dir, false, nil
	case storage.KindMissing:
	default:
		return "", false, fmt.Errorf("%w: %q exists and is not a directory", ErrInvalidProjectName, clean)
	}

	if err := t.backend.MkdirAll(ctx, dir); err != nil {
		return "", false, fmt.Errorf("create project %q: %w", clean, err)
	}
	t.logger.InfoContext(ctx, "project created", "project", clean, "path", dir)
	return dir, true, nil
}

// Path resolves a project name to its directory under root.
func Path(root, name string) (string, error) {
	clean, err := CleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

// CleanName normalises a project name to NFC and slash form. Nested names
// ("team/app") are allowed; absolute names and ".." segments are not.
func CleanName(name string) (string, error) {
	name = norm.NFC.String(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, `\`, "/")
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidProjectName)
	}
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidProjectName, name)
	}
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q contains NUL", ErrInvalidProjectName, name)
	}

	var parts []string
	for _, seg := range strings.Split(name, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: %q escapes the root", ErrInvalidProjectName, name)
		}
		parts = append(parts, seg)
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidProjectName, name)
	}
	return strings.Join(parts, "/"), nil
}

// Filter keeps the projects whose root-relative name matches pattern. An
// empty pattern keeps everything.
func Filter(paths []string, root, pattern string) ([]string, error) {
	if pattern == "" {
		return paths, nil
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid project pattern %q: %w", pattern, err)
	}
	var out []string
	for _, p := range paths {
		if g.Match(RelName(root, p)) {
			out = append(out, p)
		}
	}
	return out, nil
}

// RelName returns the slash-separated name of a project path relative to root.
func RelName(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}
