package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"dfb-go/internal/engine"
	"dfb-go/internal/model"
)

// setupHistoryScenario replays create/modify/delete plus a rename so the
// destination holds every artifact kind.
func setupHistoryScenario(t *testing.T) *testEngine {
	t.Helper()
	e := newTestEngine(t)

	e.drv.AddSourceFile("foo.txt", []byte("a"), 1000)
	e.drv.AddSourceFile("keep.bin", []byte("keep me around"), 1000)
	e.backup(t)

	e.clock.Set(time.Unix(2, 0).UTC())
	e.drv.AddSourceFile("foo.txt", []byte("ab"), 2000)
	e.drv.RemoveSource("keep.bin")
	e.drv.AddSourceFile("moved.bin", []byte("keep me around"), 1000)
	e.backup(t)

	e.clock.Set(time.Unix(3, 0).UTC())
	e.drv.RemoveSource("foo.txt")
	e.backup(t)
	return e
}

func TestRefreshReconstructsIndex(t *testing.T) {
	e := setupHistoryScenario(t)
	before, err := e.store.All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}

	r := engine.NewRefresh(e.store, e.drv, engine.NewNopLogger(), e.clock, e.opts)
	if err := r.Run(context.Background(), false); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	after, err := e.store.All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("refresh produced %d rows, want %d", len(after), len(before))
	}
	for i := range after {
		if after[i].RealPath != before[i].RealPath ||
			after[i].ApparentPath != before[i].ApparentPath ||
			after[i].Timestamp != before[i].Timestamp ||
			after[i].Kind != before[i].Kind ||
			after[i].Size != before[i].Size {
			t.Errorf("row %d mismatch:\n got %+v\nwant %+v", i, after[i], before[i])
		}
	}

	// A reference row knows its referent again.
	ref, err := e.store.ByRPath("moved.19700101000002R.bin")
	if err != nil {
		t.Fatalf("ByRPath() error = %v", err)
	}
	if ref == nil || ref.ReferentRealPath != "keep.19700101000001.bin" {
		t.Errorf("reference row = %+v, want referent keep.19700101000001.bin", ref)
	}

	// Re-running backup against the same source yields zero actions.
	e.clock.Set(time.Unix(100, 0).UTC())
	plan := e.plan(t)
	if !plan.Empty() {
		t.Errorf("post-refresh re-plan not empty: uploads=%v moves=%v deletes=%v",
			plan.Uploads, plan.Moves, plan.Deletes)
	}
}

func TestRefreshWithSidecars(t *testing.T) {
	e := setupHistoryScenario(t)

	// Replay the runs with sidecars this time: rebuild the destination's
	// sidecar tree by re-deriving records from the index.
	all, err := e.store.All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	sc, err := engine.NewSidecarWriter(t.TempDir(), engine.SidecarBackup, e.clock.Now())
	if err != nil {
		t.Fatalf("NewSidecarWriter() error = %v", err)
	}
	for _, a := range all {
		if err := sc.Write(engine.RecordFromArtifact(a)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := sc.Push(context.Background(), e.drv); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	r := engine.NewRefresh(e.store, e.drv, engine.NewNopLogger(), e.clock, e.opts)
	if err := r.Run(context.Background(), true); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// The sidecar restored source-side metadata the listing lacks.
	row, err := e.store.ByRPath("foo.19700101000002.txt")
	if err != nil {
		t.Fatalf("ByRPath() error = %v", err)
	}
	if row == nil || row.DstInfo {
		t.Errorf("row = %+v, want source-enriched", row)
	}
	if row != nil && row.ModTime != 2000 {
		t.Errorf("mtime = %d, want 2000 from sidecar", row.ModTime)
	}
}

func TestRefreshPassesThroughUserPlacedFiles(t *testing.T) {
	e := newTestEngine(t)
	e.drv.AddSourceFile("foo.txt", []byte("a"), 1000)
	e.backup(t)

	// A human dropped a file straight into the destination.
	if err := e.drv.PutSmall(context.Background(), "notes/handmade.txt", []byte("hello")); err != nil {
		t.Fatalf("PutSmall() error = %v", err)
	}

	r := engine.NewRefresh(e.store, e.drv, engine.NewNopLogger(), e.clock, e.opts)
	if err := r.Run(context.Background(), false); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	row, err := e.store.ByRPath("notes/handmade.txt")
	if err != nil {
		t.Fatalf("ByRPath() error = %v", err)
	}
	if row == nil {
		t.Fatal("user-placed file missing from index")
	}
	if row.ApparentPath != "notes/handmade.txt" || row.Kind != model.KindRegular {
		t.Errorf("user-placed row = %+v", row)
	}
}

func TestRefreshDisabled(t *testing.T) {
	e := newTestEngine(t)
	opts := e.opts
	opts.DisableRefresh = true
	r := engine.NewRefresh(e.store, e.drv, engine.NewNopLogger(), e.clock, opts)

	if err := r.Run(context.Background(), false); !errors.Is(err, engine.ErrRefreshDisabled) {
		t.Errorf("Run() error = %v, want ErrRefreshDisabled", err)
	}
}

func TestImportAddsRowsWithoutObjects(t *testing.T) {
	e := newTestEngine(t)
	r := engine.NewRefresh(e.store, e.drv, engine.NewNopLogger(), e.clock, e.opts)

	lines := `{"apath":"cold.txt","rpath":"cold.19700101000001.txt","timestamp":1,"size":7,"mtime":500}
{"apath":"cold.txt","rpath":"cold.19700101000002.txt","timestamp":2,"size":9}
`
	err := r.Import([]engine.ImportFile{{Name: "a.jsonl", R: strings.NewReader(lines)}}, false)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	versions, err := e.store.Versions("cold.txt")
	if err != nil {
		t.Fatalf("Versions() error = %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("versions = %d, want 2", len(versions))
	}
	if versions[0].ModTime != 500 {
		t.Errorf("imported mtime = %d, want 500", versions[0].ModTime)
	}
}

func TestImportAppliesPrunesLast(t *testing.T) {
	e := newTestEngine(t)
	r := engine.NewRefresh(e.store, e.drv, engine.NewNopLogger(), e.clock, e.opts)

	// The prune record appears in an earlier file than the insertion it
	// removes; prunes still win because they are applied after all
	// insertions.
	first := `{"_V":1,"_action":"prune","rpath":"cold.19700101000001.txt"}
`
	second := `{"apath":"cold.txt","rpath":"cold.19700101000001.txt","timestamp":1,"size":7}
{"apath":"cold.txt","rpath":"cold.19700101000002.txt","timestamp":2,"size":9}
`
	err := r.Import([]engine.ImportFile{
		{Name: "0.jsonl", R: strings.NewReader(first)},
		{Name: "1.jsonl", R: strings.NewReader(second)},
	}, false)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	versions, err := e.store.Versions("cold.txt")
	if err != nil {
		t.Fatalf("Versions() error = %v", err)
	}
	if len(versions) != 1 || versions[0].RealPath != "cold.19700101000002.txt" {
		t.Errorf("versions = %+v, want only the unpruned row", versions)
	}
}

func TestImportDisabled(t *testing.T) {
	e := newTestEngine(t)
	opts := e.opts
	opts.DisableRefresh = true
	r := engine.NewRefresh(e.store, e.drv, engine.NewNopLogger(), e.clock, opts)

	err := r.Import([]engine.ImportFile{{Name: "x", R: strings.NewReader("")}}, false)
	if !errors.Is(err, engine.ErrRefreshDisabled) {
		t.Errorf("Import() error = %v, want ErrRefreshDisabled", err)
	}
}
