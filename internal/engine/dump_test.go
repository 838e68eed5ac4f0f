package engine_test

import (
	"bytes"
	"strings"
	"testing"

	"dfb-go/internal/engine"
	"dfb-go/internal/model"
)

// recordBuffer collects dump output for assertions.
type recordBuffer struct {
	bytes.Buffer
}

func (b *recordBuffer) records(t *testing.T) []*engine.Record {
	t.Helper()
	var out []*engine.Record
	err := engine.ReadRecords(bytes.NewReader(b.Bytes()), func(r *engine.Record) error {
		out = append(out, r)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadRecords() error = %v", err)
	}
	return out
}

func TestRecordClassification(t *testing.T) {
	tests := []struct {
		name string
		line string
		kind string
	}{
		{"upload", `{"apath":"f.txt","rpath":"f.19700101000001.txt","timestamp":1,"size":3}`, engine.RecordUpload},
		{"reference", `{"apath":"b.bin","rpath":"b.19700101000002R.bin","timestamp":2,"size":5,"isref":true,"ref_rpath":"a.19700101000001.bin","original":"a.bin"}`, engine.RecordMoveRef},
		{"copy", `{"apath":"b.bin","rpath":"b.19700101000002.bin","timestamp":2,"size":5,"isref":false,"source_rpath":"a.19700101000001.bin","original":"a.bin"}`, engine.RecordMoveCpy},
		{"delete", `{"apath":"f.txt","rpath":"f.19700101000003D.txt","timestamp":3,"size":-1}`, engine.RecordDelete},
		{"prune", `{"_V":1,"_action":"prune","rpath":"f.19700101000001.txt"}`, engine.RecordPrune},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []*engine.Record
			err := engine.ReadRecords(strings.NewReader(tt.line+"\n"), func(r *engine.Record) error {
				got = append(got, r)
				return nil
			})
			if err != nil {
				t.Fatalf("ReadRecords() error = %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("got %d records, want 1", len(got))
			}
			if got[0].Kind() != tt.kind {
				t.Errorf("Kind() = %s, want %s", got[0].Kind(), tt.kind)
			}
		})
	}
}

func TestRecordCommentsSkipped(t *testing.T) {
	input := `{"_V":1,"_action":"comment","note":"anything goes"}
{"apath":"f.txt","rpath":"f.19700101000001.txt","timestamp":1,"size":3}
`
	var got []*engine.Record
	err := engine.ReadRecords(strings.NewReader(input), func(r *engine.Record) error {
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadRecords() error = %v", err)
	}
	if len(got) != 1 || got[0].Kind() != engine.RecordUpload {
		t.Errorf("records = %+v, want the upload only", got)
	}
}

func TestRecordArtifactRoundTrip(t *testing.T) {
	arts := []*model.Artifact{
		{
			ApparentPath: "foo.txt",
			RealPath:     "foo.19700101000001.txt",
			Timestamp:    1,
			Kind:         model.KindRegular,
			Size:         12,
			ModTime:      999,
			Hash:         "sha256:abcd",
		},
		{
			ApparentPath:     "b.bin",
			RealPath:         "b.19700101000002R.bin",
			Timestamp:        2,
			Kind:             model.KindReference,
			Size:             12,
			ReferentRealPath: "a.19700101000001.bin",
		},
		{
			ApparentPath: "gone.txt",
			RealPath:     "gone.19700101000003D.txt",
			Timestamp:    3,
			Kind:         model.KindDeleteMarker,
			Size:         model.DeletedSize,
		},
	}

	for _, a := range arts {
		rec := engine.RecordFromArtifact(a)
		back, err := rec.Artifact()
		if err != nil {
			t.Fatalf("Artifact() error = %v", err)
		}
		if back.ApparentPath != a.ApparentPath || back.RealPath != a.RealPath ||
			back.Timestamp != a.Timestamp || back.Kind != a.Kind ||
			back.Size != a.Size || back.ReferentRealPath != a.ReferentRealPath {
			t.Errorf("round trip mismatch:\n got %+v\nwant %+v", back, a)
		}
	}
}

func TestPruneRecordNotAnArtifact(t *testing.T) {
	rec := engine.PruneRecord("f.19700101000001.txt", 3)
	if _, err := rec.Artifact(); err == nil {
		t.Error("Artifact() on a prune record expected error")
	}
}
