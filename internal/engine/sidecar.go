package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Destination namespace reserved for the tool's own bookkeeping. Objects
// under it never enter the artifact catalog.
const (
	ToolPrefix    = ".dfb/"
	SidecarPrefix = ".dfb/snapshots/"
	LogPrefix     = ".dfb/logs/"
)

// SidecarKind tags what produced a sidecar.
const (
	SidecarBackup = "backup"
	SidecarPrune  = "prune"
)

// sidecarRemotePath builds the stable destination path for a run sidecar:
// .dfb/snapshots/<YYYY>/<YYYY-MM-DD>/<HHMMSS>.<kind>.jsonl.gz
func sidecarRemotePath(ts time.Time, kind string) string {
	ts = ts.UTC()
	return SidecarPrefix + ts.Format("2006") + "/" + ts.Format("2006-01-02") + "/" +
		ts.Format("150405") + "." + kind + ".jsonl.gz"
}

// SidecarWriter accumulates the action records of one run in a local draft
// file and pushes the compressed result to the destination on success. The
// draft is written uncompressed so an interrupted run leaves a readable
// file behind.
type SidecarWriter struct {
	kind      string
	runTime   time.Time
	draftPath string
	f         *os.File
	dump      *DumpWriter
	records   int
}

// NewSidecarWriter opens a draft sidecar under scratchDir.
func NewSidecarWriter(scratchDir, kind string, runTime time.Time) (*SidecarWriter, error) {
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}

	draft := filepath.Join(scratchDir,
		fmt.Sprintf("%s.%s.jsonl.draft", runTime.UTC().Format("20060102150405"), kind))
	f, err := os.Create(draft)
	if err != nil {
		return nil, fmt.Errorf("creating sidecar draft: %w", err)
	}

	return &SidecarWriter{
		kind:      kind,
		runTime:   runTime,
		draftPath: draft,
		f:         f,
		dump:      NewDumpWriter(f),
	}, nil
}

// Write appends one record to the draft.
func (w *SidecarWriter) Write(rec *Record) error {
	if err := w.dump.Write(rec); err != nil {
		return err
	}
	w.records++
	return nil
}

// RemotePath returns where Push will place the sidecar.
func (w *SidecarWriter) RemotePath() string {
	return sidecarRemotePath(w.runTime, w.kind)
}

// Push finalizes the draft: renames it to its final local name, compresses
// it, and uploads it. An empty sidecar is discarded. The local copy is
// removed after a successful upload.
func (w *SidecarWriter) Push(ctx context.Context, driver Transfer) error {
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("closing sidecar draft: %w", err)
	}

	if w.records == 0 {
		os.Remove(w.draftPath)
		return nil
	}

	// Atomic rename on the local filesystem marks the draft complete.
	final := strings.TrimSuffix(w.draftPath, ".draft")
	if err := os.Rename(w.draftPath, final); err != nil {
		return fmt.Errorf("finalizing sidecar draft: %w", err)
	}

	raw, err := os.ReadFile(final)
	if err != nil {
		return fmt.Errorf("reading sidecar: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return fmt.Errorf("compressing sidecar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compressing sidecar: %w", err)
	}

	if err := driver.PutSmall(ctx, w.RemotePath(), buf.Bytes()); err != nil {
		return fmt.Errorf("uploading sidecar: %w", err)
	}
	os.Remove(final)
	return nil
}

// Discard abandons the draft.
func (w *SidecarWriter) Discard() {
	w.f.Close()
	os.Remove(w.draftPath)
}

// ReadSidecar decodes a sidecar payload by name: ".jsonl" is read as-is,
// ".jsonl.gz" is decompressed. ".xz" sidecars from other producers are
// recognized but unsupported.
func ReadSidecar(name string, payload []byte, fn func(*Record) error) error {
	var r io.Reader = bytes.NewReader(payload)
	switch {
	case strings.HasSuffix(name, ".gz"):
		zr, err := gzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("decompressing sidecar %s: %w", name, err)
		}
		defer zr.Close()
		r = zr
	case strings.HasSuffix(name, ".xz"):
		return fmt.Errorf("sidecar %s: xz compression not supported", name)
	}
	return ReadRecords(r, fn)
}

// SortSidecarNames orders sidecar object names chronologically. The path
// scheme sorts lexically within a day; full paths carry year and date
// directories, so a plain sort is chronological.
func SortSidecarNames(names []string) {
	sort.Strings(names)
}
