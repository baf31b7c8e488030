package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Op names a Backend operation for fault injection.
type Op string

const (
	OpList   Op = "list"
	OpRead   Op = "read"
	OpAppend Op = "append"
	OpWrite  Op = "write"
	OpMkdir  Op = "mkdir"
)

type memNode struct {
	dir  bool
	data []byte
}

// MemoryBackend is an in-memory Backend used by tests. Paths are cleaned and
// compared in slash form; the root "/" always exists.
type MemoryBackend struct {
	mu     sync.RWMutex
	nodes  map[string]*memNode
	faults map[string]error
}

// NewMemoryBackend creates an empty tree containing only "/".
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		nodes:  map[string]*memNode{"/": {dir: true}},
		faults: make(map[string]error),
	}
}

// Fail makes op on p return err. For OpWrite the first chunk still lands
// before the error, leaving a partial file behind.
func (m *MemoryBackend) Fail(op Op, p string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[string(op)+":"+clean(p)] = err
}

// Put writes a file directly, creating parents. Test setup helper.
func (m *MemoryBackend) Put(p string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	m.mkdirAllLocked(path.Dir(p))
	m.nodes[p] = &memNode{data: append([]byte(nil), data...)}
}

// Bytes returns a copy of the file at p, or nil if absent.
func (m *MemoryBackend) Bytes(p string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[clean(p)]
	if !ok || n.dir {
		return nil
	}
	return append([]byte(nil), n.data...)
}

func (m *MemoryBackend) fault(op Op, p string) error {
	return m.faults[string(op)+":"+p]
}

func (m *MemoryBackend) Stat(ctx context.Context, p string) (Kind, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[clean(p)]
	switch {
	case !ok:
		return KindMissing, nil
	case n.dir:
		return KindDir, nil
	default:
		return KindFile, nil
	}
}

func (m *MemoryBackend) List(ctx context.Context, dir string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dir = clean(dir)
	if err := m.fault(OpList, dir); err != nil {
		return nil, err
	}
	n, ok := m.nodes[dir]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, dir)
	}
	if !n.dir {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}

	prefix := dir + "/"
	if dir == "/" {
		prefix = "/"
	}
	var out []Entry
	for p, child := range m.nodes {
		if p == dir || !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		out = append(out, Entry{Name: rest, IsDir: child.dir})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryBackend) ReadFile(ctx context.Context, p string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p = clean(p)
	if err := m.fault(OpRead, p); err != nil {
		return nil, err
	}
	n, ok := m.nodes[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, p)
	}
	if n.dir {
		return nil, fmt.Errorf("is a directory: %s", p)
	}
	return append([]byte(nil), n.data...), nil
}

func (m *MemoryBackend) AppendLine(ctx context.Context, p, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	if err := m.fault(OpAppend, p); err != nil {
		return err
	}
	if err := m.requireParentLocked(p); err != nil {
		return err
	}
	n, ok := m.nodes[p]
	if !ok {
		n = &memNode{}
		m.nodes[p] = n
	}
	if n.dir {
		return fmt.Errorf("is a directory: %s", p)
	}
	n.data = append(n.data, line...)
	return nil
}

func (m *MemoryBackend) WriteStream(ctx context.Context, p string, r io.Reader, chunkSize int) (int64, error) {
	p = clean(p)

	m.mu.Lock()
	if err := m.requireParentLocked(p); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	if n, ok := m.nodes[p]; ok && n.dir {
		m.mu.Unlock()
		return 0, fmt.Errorf("is a directory: %s", p)
	}
	node := &memNode{}
	m.nodes[p] = node
	fault := m.fault(OpWrite, p)
	m.mu.Unlock()

	w := &memWriter{m: m, node: node, fail: fault}
	n, err := copyChunks(ctx, w, r, chunkSize)
	if err == nil && fault != nil {
		err = fault
	}
	if err != nil {
		return n, fmt.Errorf("write artifact: %w", err)
	}
	return n, nil
}

func (m *MemoryBackend) MkdirAll(ctx context.Context, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir = clean(dir)
	if err := m.fault(OpMkdir, dir); err != nil {
		return err
	}
	for p := dir; p != "/"; p = path.Dir(p) {
		if n, ok := m.nodes[p]; ok && !n.dir {
			return fmt.Errorf("not a directory: %s", p)
		}
	}
	m.mkdirAllLocked(dir)
	return nil
}

func (m *MemoryBackend) Open(ctx context.Context, p string) (io.ReadSeekCloser, error) {
	data, err := m.ReadFile(ctx, p)
	if err != nil {
		return nil, err
	}
	return nopCloser{bytes.NewReader(data)}, nil
}

func (m *MemoryBackend) mkdirAllLocked(dir string) {
	for p := dir; ; p = path.Dir(p) {
		if _, ok := m.nodes[p]; !ok {
			m.nodes[p] = &memNode{dir: true}
		}
		if p == "/" {
			return
		}
	}
}

func (m *MemoryBackend) requireParentLocked(p string) error {
	parent, ok := m.nodes[path.Dir(p)]
	if !ok || !parent.dir {
		return fmt.Errorf("%w: %s", ErrNotExist, path.Dir(p))
	}
	return nil
}

type memWriter struct {
	m    *MemoryBackend
	node *memNode
	fail error
}

// Write stores b and then reports the injected fault, if any, so the first
// chunk is left behind as a partial file.
func (w *memWriter) Write(b []byte) (int, error) {
	w.m.mu.Lock()
	w.node.data = append(w.node.data, b...)
	w.m.mu.Unlock()
	if w.fail != nil {
		return len(b), w.fail
	}
	return len(b), nil
}

type nopCloser struct {
	*bytes.Reader
}

func (nopCloser) Close() error { return nil }

func clean(p string) string {
	p = filepath.ToSlash(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}
