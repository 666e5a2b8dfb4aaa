// ABOUTME: In-memory POSIX-style filesystem backing the simulated agent.
// ABOUTME: Supports files, directories, listings and permission-denied paths.

package agentsim

import (
	"errors"
	"io/fs"
	"path"
	"slices"
	"strings"
	"sync"
	"time"
)

// ErrPermission is returned for paths under a denied prefix.
var ErrPermission = fs.ErrPermission

// MemFS is a tiny filesystem keyed by cleaned absolute paths.
type MemFS struct {
	mu       sync.RWMutex
	files    map[string][]byte
	dirs     map[string]bool
	modified map[string]time.Time
	denied   []string
}

// NewMemFS creates a filesystem containing only the root directory.
func NewMemFS() *MemFS {
	return &MemFS{
		files:    make(map[string][]byte),
		dirs:     map[string]bool{"/": true},
		modified: make(map[string]time.Time),
	}
}

// Deny makes every path under prefix fail with ErrPermission.
func (m *MemFS) Deny(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied = append(m.denied, path.Clean(prefix))
}

func (m *MemFS) check(p string) (string, error) {
	p = path.Clean("/" + p)
	for _, d := range m.denied {
		if p == d || strings.HasPrefix(p, d+"/") {
			return "", ErrPermission
		}
	}
	return p, nil
}

// WriteFile stores data at p, creating parent directories.
func (m *MemFS) WriteFile(p string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.check(p)
	if err != nil {
		return err
	}
	if m.dirs[p] {
		return fs.ErrExist
	}
	m.mkdirAllLocked(path.Dir(p))
	m.files[p] = slices.Clone(data)
	m.modified[p] = time.Now()
	return nil
}

// ReadFile returns a copy of the file at p.
func (m *MemFS) ReadFile(p string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, err := m.check(p)
	if err != nil {
		return nil, err
	}
	data, ok := m.files[p]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return slices.Clone(data), nil
}

// Mkdir creates p and its parents.
func (m *MemFS) Mkdir(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.check(p)
	if err != nil {
		return err
	}
	if _, ok := m.files[p]; ok {
		return fs.ErrExist
	}
	m.mkdirAllLocked(p)
	return nil
}

func (m *MemFS) mkdirAllLocked(p string) {
	for {
		if m.dirs[p] {
			return
		}
		m.dirs[p] = true
		m.modified[p] = time.Now()
		if p == "/" {
			return
		}
		p = path.Dir(p)
	}
}

// Remove deletes a file or a directory tree.
func (m *MemFS) Remove(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.check(p)
	if err != nil {
		return err
	}
	if _, ok := m.files[p]; ok {
		delete(m.files, p)
		delete(m.modified, p)
		return nil
	}
	if !m.dirs[p] || p == "/" {
		return fs.ErrNotExist
	}
	prefix := p + "/"
	for f := range m.files {
		if strings.HasPrefix(f, prefix) {
			delete(m.files, f)
			delete(m.modified, f)
		}
	}
	for d := range m.dirs {
		if d == p || strings.HasPrefix(d, prefix) {
			delete(m.dirs, d)
			delete(m.modified, d)
		}
	}
	return nil
}

// Entry describes one child of a listed directory.
type Entry struct {
	Name     string
	IsDir    bool
	Size     int64
	Modified time.Time
}

// List returns the direct children of dir sorted by name.
func (m *MemFS) List(dir string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dir, err := m.check(dir)
	if err != nil {
		return nil, err
	}
	if !m.dirs[dir] {
		if _, ok := m.files[dir]; ok {
			return nil, errors.New("not a directory")
		}
		return nil, fs.ErrNotExist
	}

	var out []Entry
	for f, data := range m.files {
		if path.Dir(f) == dir {
			out = append(out, Entry{Name: path.Base(f), Size: int64(len(data)), Modified: m.modified[f]})
		}
	}
	for d := range m.dirs {
		if d != dir && path.Dir(d) == dir {
			out = append(out, Entry{Name: path.Base(d), IsDir: true, Modified: m.modified[d]})
		}
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// IsDir reports whether p is an existing directory.
func (m *MemFS) IsDir(p string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dirs[path.Clean("/"+p)]
}
