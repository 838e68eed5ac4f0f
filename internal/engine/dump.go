package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"dfb-go/internal/model"
	"dfb-go/internal/naming"
)

// Record kinds in the line-delimited action format.
const (
	RecordUpload  = "UPLOAD"
	RecordMoveRef = "MOVE_BY_REFERENCE"
	RecordMoveCpy = "MOVE_BY_COPY"
	RecordDelete  = "DELETE"
	RecordPrune   = "PRUNE"
	RecordComment = "COMMENT"
)

// Record is one line of the action-dump format: a single JSON object. The
// same format is written to run sidecars and consumed by dbimport, so every
// field is optional at the wire level; Kind classifies on read.
type Record struct {
	V      int    `json:"_V,omitempty"`
	Action string `json:"_action,omitempty"` // "prune" or "comment"

	APath     string `json:"apath,omitempty"`
	RPath     string `json:"rpath,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Size      *int64 `json:"size,omitempty"` // pointer: -1 is meaningful
	ModTime   int64  `json:"mtime,omitempty"`
	Hash      string `json:"checksum,omitempty"`

	IsRef       *bool  `json:"isref,omitempty"`
	RefRPath    string `json:"ref_rpath,omitempty"`    // referent of a reference row
	SourceRPath string `json:"source_rpath,omitempty"` // origin of a server-side copy
	Original    string `json:"original,omitempty"`     // apparent path a move came from
}

// Kind classifies the record.
func (r *Record) Kind() string {
	switch {
	case r.Action == "comment":
		return RecordComment
	case r.Action == "prune":
		return RecordPrune
	case r.IsRef != nil && *r.IsRef:
		return RecordMoveRef
	case r.SourceRPath != "":
		return RecordMoveCpy
	case r.Size != nil && *r.Size < 0:
		return RecordDelete
	default:
		return RecordUpload
	}
}

// RecordFromArtifact renders a cataloged artifact as a dump record.
func RecordFromArtifact(a *model.Artifact) *Record {
	size := a.Size
	rec := &Record{
		APath:     a.ApparentPath,
		RPath:     a.RealPath,
		Timestamp: a.Timestamp,
		Size:      &size,
		ModTime:   a.ModTime,
		Hash:      a.Hash,
	}
	if a.Kind == model.KindReference {
		isref := true
		rec.IsRef = &isref
		rec.RefRPath = a.ReferentRealPath
	}
	return rec
}

// PruneRecord renders the removal of a real path.
func PruneRecord(rpath string, size int64) *Record {
	return &Record{V: 1, Action: "prune", RPath: rpath, Size: &size}
}

// Artifact converts a non-prune, non-comment record back into an artifact.
func (r *Record) Artifact() (*model.Artifact, error) {
	if r.RPath == "" {
		return nil, fmt.Errorf("record has no rpath")
	}

	a := &model.Artifact{
		ApparentPath: r.APath,
		RealPath:     r.RPath,
		Timestamp:    r.Timestamp,
		Kind:         model.KindRegular,
		ModTime:      r.ModTime,
		Hash:         r.Hash,
	}
	if r.Size != nil {
		a.Size = *r.Size
	}
	switch r.Kind() {
	case RecordMoveRef:
		a.Kind = model.KindReference
		a.ReferentRealPath = r.RefRPath
	case RecordDelete:
		a.Kind = model.KindDeleteMarker
		a.Size = model.DeletedSize
	case RecordPrune, RecordComment:
		return nil, fmt.Errorf("record kind %s is not an artifact", r.Kind())
	default:
		if path.Base(a.ApparentPath) == naming.EmptyDirMarker {
			a.Kind = model.KindEmptyDirMarker
		}
	}
	return a, nil
}

// DumpWriter emits records one JSON object per line.
type DumpWriter struct {
	w   io.Writer
	enc *json.Encoder
}

// NewDumpWriter wraps w for record output.
func NewDumpWriter(w io.Writer) *DumpWriter {
	return &DumpWriter{w: w, enc: json.NewEncoder(w)}
}

// Write emits one record line.
func (d *DumpWriter) Write(rec *Record) error {
	if err := d.enc.Encode(rec); err != nil {
		return fmt.Errorf("writing dump record: %w", err)
	}
	return nil
}

// ReadRecords parses a line-delimited record stream, skipping comments.
// Blank lines are ignored.
func ReadRecords(r io.Reader, fn func(*Record) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("parsing record line %d: %w", line, err)
		}
		if rec.Kind() == RecordComment {
			continue
		}
		if err := fn(&rec); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading records: %w", err)
	}
	return nil
}
