package driver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"dfb-go/internal/engine"
)

// MemoryDriver is an in-memory implementation of the transfer driver. It
// holds a fake source tree and a fake destination namespace, making it
// useful for tests and dry experiments. Safe for concurrent use.
type MemoryDriver struct {
	mu       sync.RWMutex
	srcFiles map[string]memFile // apath -> file
	srcDirs  map[string]bool
	dest     map[string]memFile // rpath -> object

	// WithHashes makes listings and uploads carry sha256 hashes.
	WithHashes bool

	// ServerCopy enables CopyDest.
	ServerCopy bool
}

type memFile struct {
	data    []byte
	modTime int64
}

// NewMemoryDriver creates an empty in-memory driver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		srcFiles: make(map[string]memFile),
		srcDirs:  make(map[string]bool),
		dest:     make(map[string]memFile),
	}
}

// AddSourceFile places a file in the fake source tree.
func (m *MemoryDriver) AddSourceFile(apath string, data []byte, modTime int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.srcFiles[apath] = memFile{data: append([]byte(nil), data...), modTime: modTime}
}

// AddSourceDir registers a directory (needed only for empty directories;
// parents of files are implied).
func (m *MemoryDriver) AddSourceDir(apath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.srcDirs[apath] = true
}

// RemoveSource drops a file or directory from the fake source tree.
func (m *MemoryDriver) RemoveSource(apath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.srcFiles, apath)
	delete(m.srcDirs, apath)
}

// ClearSource empties the fake source tree.
func (m *MemoryDriver) ClearSource() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.srcFiles = make(map[string]memFile)
	m.srcDirs = make(map[string]bool)
}

// DestObject returns a destination object's payload and whether it exists.
func (m *MemoryDriver) DestObject(rpath string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.dest[rpath]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), f.data...), true
}

// DestNames returns the sorted destination namespace.
func (m *MemoryDriver) DestNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.dest))
	for n := range m.dest {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func (m *MemoryDriver) ListSource(ctx context.Context, subdir string, fn func(engine.SourceEntry) error) error {
	m.mu.RLock()
	entries := make([]engine.SourceEntry, 0, len(m.srcFiles)+len(m.srcDirs))
	for apath, f := range m.srcFiles {
		if !underSubdir(apath, subdir) {
			continue
		}
		e := engine.SourceEntry{APath: apath, Size: int64(len(f.data)), ModTime: f.modTime}
		if m.WithHashes {
			e.Hash = hashOf(f.data)
		}
		entries = append(entries, e)
	}
	for apath := range m.srcDirs {
		if !underSubdir(apath, subdir) {
			continue
		}
		entries = append(entries, engine.SourceEntry{APath: apath, IsDir: true})
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].APath < entries[j].APath })
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func underSubdir(apath, subdir string) bool {
	subdir = strings.TrimSuffix(subdir, "/")
	if subdir == "" {
		return true
	}
	return strings.HasPrefix(apath, subdir+"/")
}

func (m *MemoryDriver) ListDest(ctx context.Context, fn func(engine.DestEntry) error) error {
	m.mu.RLock()
	entries := make([]engine.DestEntry, 0, len(m.dest))
	for rpath, f := range m.dest {
		e := engine.DestEntry{RPath: rpath, Size: int64(len(f.data)), ModTime: f.modTime}
		if m.WithHashes {
			e.Hash = hashOf(f.data)
		}
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].RPath < entries[j].RPath })
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryDriver) Upload(ctx context.Context, apath, rpath string) (*engine.UploadInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.srcFiles[apath]
	if !ok {
		return nil, fmt.Errorf("source file not found: %s", apath)
	}
	m.dest[rpath] = memFile{data: append([]byte(nil), f.data...), modTime: f.modTime}

	info := &engine.UploadInfo{ModTime: f.modTime}
	if m.WithHashes {
		info.Hash = hashOf(f.data)
	}
	return info, nil
}

func (m *MemoryDriver) CopyDest(ctx context.Context, srcRPath, dstRPath string) error {
	if !m.ServerCopy {
		return fmt.Errorf("server-side copy not supported")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.dest[srcRPath]
	if !ok {
		return fmt.Errorf("destination object not found: %s", srcRPath)
	}
	m.dest[dstRPath] = memFile{data: append([]byte(nil), f.data...), modTime: f.modTime}
	return nil
}

func (m *MemoryDriver) PutSmall(ctx context.Context, rpath string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dest[rpath] = memFile{data: append([]byte(nil), data...)}
	return nil
}

func (m *MemoryDriver) GetSmall(ctx context.Context, rpath string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.dest[rpath]
	if !ok {
		return nil, fmt.Errorf("destination object not found: %s", rpath)
	}
	return append([]byte(nil), f.data...), nil
}

func (m *MemoryDriver) Delete(ctx context.Context, rpath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dest, rpath)
	return nil
}

func (m *MemoryDriver) SupportsServerCopy() bool { return m.ServerCopy }

func (m *MemoryDriver) CacheDir() (string, error) {
	return "", fmt.Errorf("memory driver has no cache directory")
}

// Compile-time check that MemoryDriver implements the transfer interface.
var _ engine.Transfer = (*MemoryDriver)(nil)
