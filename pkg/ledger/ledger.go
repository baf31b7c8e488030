// Package ledger reads and appends a project's version ledger.
//
// A ledger is a text file with one "v<N>" line per accepted upload, in
// acceptance order. The last non-empty line is the latest version; earlier
// lines are never sorted or compared. Lines are only ever appended.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/depot/pkg/storage"
	"github.com/Mindburn-Labs/depot/pkg/versioning"
)

// ErrFormat is returned when a ledger is absent, empty, or its last line is malformed.
var ErrFormat = errors.New("ledger format error")

// Entry is one line of a ledger.
type Entry struct {
	Line    int    `json:"line"`
	Raw     string `json:"raw"`
	Version int64  `json:"version"`
	Valid   bool   `json:"valid"`
}

// VersionLedger reads and appends ledgers through a storage backend.
type VersionLedger struct {
	backend storage.Backend
}

// New creates a VersionLedger over backend.
func New(backend storage.Backend) *VersionLedger {
	return &VersionLedger{backend: backend}
}

// Latest returns the version on the last non-empty line of the ledger at path.
// Callers are expected to check existence first; a missing file is reported
// as ErrFormat like any other unreadable ledger.
func (l *VersionLedger) Latest(ctx context.Context, path string) (int64, error) {
	data, err := l.backend.ReadFile(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("%w: read %s: %v", ErrFormat, path, err)
	}

	last := lastLine(string(data))
	if last == "" {
		return 0, fmt.Errorf("%w: %s is empty", ErrFormat, path)
	}
	n, err := versioning.ParseToken(last)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: last line %q: %v", ErrFormat, path, last, err)
	}
	return n, nil
}

// Append records version v at the end of the ledger, creating it if absent.
// An interrupted write can leave a torn last line; it is not repaired here.
func (l *VersionLedger) Append(ctx context.Context, path string, v int64) error {
	if v < 0 {
		return fmt.Errorf("negative version %d", v)
	}
	if err := l.backend.AppendLine(ctx, path, versioning.LedgerLine(v)); err != nil {
		return fmt.Errorf("append %s to %s: %w", versioning.FormatToken(v), path, err)
	}
	return nil
}

// History returns every non-empty line of the ledger in file order. Lines
// that do not parse are returned with Valid=false rather than failing.
func (l *VersionLedger) History(ctx context.Context, path string) ([]Entry, error) {
	data, err := l.backend.ReadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var out []Entry
	for i, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSuffix(raw, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		e := Entry{Line: i + 1, Raw: line}
		if n, err := versioning.ParseToken(strings.TrimSpace(line)); err == nil {
			e.Version = n
			e.Valid = true
		}
		out = append(out, e)
	}
	return out, nil
}

func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
