package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Lease is the mutual-exclusion marker that keeps two runs from writing the
// same destination. It is a lock file next to the index, created
// exclusively and held for the duration of a run.
type Lease struct {
	path string
}

// AcquireLease takes the run lease, failing if another run holds it.
func AcquireLease(path string) (*Lease, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lease directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			holder, _ := os.ReadFile(path)
			return nil, fmt.Errorf("another run holds the lease at %s (pid %s); "+
				"remove the file if that run is dead", path, string(holder))
		}
		return nil, fmt.Errorf("acquiring lease: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing lease: %w", err)
	}
	return &Lease{path: path}, nil
}

// Release drops the lease.
func (l *Lease) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releasing lease: %w", err)
	}
	return nil
}
