package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
)

// FSBackend implements Backend on the local filesystem.
type FSBackend struct{}

// NewFSBackend returns the OS-backed implementation.
func NewFSBackend() *FSBackend {
	return &FSBackend{}
}

func (b *FSBackend) Stat(ctx context.Context, path string) (Kind, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return KindMissing, nil
		}
		//nolint:wrapcheck // caller provides context
		return KindMissing, err
	}
	switch {
	case info.Mode().IsRegular():
		return KindFile, nil
	case info.IsDir():
		return KindDir, nil
	default:
		return KindOther, nil
	}
}

func (b *FSBackend) List(ctx context.Context, dir string) ([]Entry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, dir)
		}
		//nolint:wrapcheck // caller provides context
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		// Symlinks are not followed, so a link loop cannot recurse forever.
		out = append(out, Entry{Name: e.Name(), IsDir: e.IsDir()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *FSBackend) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is built by the core from validated names
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		//nolint:wrapcheck // caller provides context
		return nil, err
	}
	return data, nil
}

func (b *FSBackend) AppendLine(ctx context.Context, path, line string) error {
	//nolint:gosec // G302: ledgers are shared, world-readable text
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if _, err := f.WriteString(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	return nil
}

func (b *FSBackend) WriteStream(ctx context.Context, path string, r io.Reader, chunkSize int) (int64, error) {
	f, err := os.Create(path) //nolint:gosec // path is built by the core from validated names
	if err != nil {
		return 0, fmt.Errorf("create artifact: %w", err)
	}
	n, err := copyChunks(ctx, f, r, chunkSize)
	if err != nil {
		_ = f.Close()
		return n, fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("close artifact: %w", err)
	}
	return n, nil
}

func (b *FSBackend) MkdirAll(ctx context.Context, dir string) error {
	//nolint:gosec // G301: 0755 is intentional for shared project directories
	return os.MkdirAll(dir, 0755)
}

func (b *FSBackend) Open(ctx context.Context, path string) (io.ReadSeekCloser, error) {
	f, err := os.Open(path) //nolint:gosec // path is built by the core from validated names
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		//nolint:wrapcheck // caller provides context
		return nil, err
	}
	return f, nil
}
