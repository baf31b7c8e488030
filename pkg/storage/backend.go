// Package storage is the port between the artifact core and the filesystem.
// Projects are directories, ledgers and artifacts are flat files; every
// filesystem touch made by the core goes through Backend so it can run
// against MemoryBackend in tests.
package storage

import (
	"context"
	"errors"
	"io"
)

// Kind classifies what lives at a path.
type Kind int

const (
	KindMissing Kind = iota
	KindFile
	KindDir
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindMissing:
		return "missing"
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	default:
		return "other"
	}
}

// DefaultChunkSize bounds each read/write while streaming a payload.
const DefaultChunkSize = 32 * 1024

// ErrNotExist is returned by List, ReadFile and Open for missing paths.
var ErrNotExist = errors.New("path does not exist")

// Entry is one child of a directory.
type Entry struct {
	Name  string
	IsDir bool
}

// Backend defines the filesystem operations the core relies on.
type Backend interface {
	// Stat reports the kind of path. A missing path is KindMissing with a nil error.
	Stat(ctx context.Context, path string) (Kind, error)
	// List returns the children of dir in name order.
	List(ctx context.Context, dir string) ([]Entry, error)
	// ReadFile returns the full contents of a (small) file such as a ledger.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// AppendLine appends line to path, creating the file if absent.
	AppendLine(ctx context.Context, path, line string) error
	// WriteStream copies r into path in chunks of at most chunkSize bytes and
	// returns the number of bytes written. The file is created or truncated.
	WriteStream(ctx context.Context, path string, r io.Reader, chunkSize int) (int64, error)
	// MkdirAll creates dir and any missing parents.
	MkdirAll(ctx context.Context, dir string) error
	// Open opens a file for reading.
	Open(ctx context.Context, path string) (io.ReadSeekCloser, error)
}

// copyChunks streams r into w one bounded chunk at a time, checking ctx
// between chunks.
func copyChunks(ctx context.Context, w io.Writer, r io.Reader, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	buf := make([]byte, chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			if m != n {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
