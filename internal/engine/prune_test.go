package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"dfb-go/internal/engine"
)

// candidateSet reduces candidates to a lookup map.
func candidateSet(cands []engine.Candidate) map[string]bool {
	out := map[string]bool{}
	for _, c := range cands {
		out[c.RPath] = true
	}
	return out
}

// setupRenameScenario replays the rename-by-reference scenario: a.bin at T1,
// renamed to b.bin at T2 via reference plus delete marker.
func setupRenameScenario(t *testing.T) *testEngine {
	t.Helper()
	e := newTestEngine(t)
	content := []byte("some sizable content H")
	e.drv.AddSourceFile("a.bin", content, 1000)
	e.backup(t)
	e.clock.Set(time.Unix(2, 0).UTC())
	e.drv.ClearSource()
	e.drv.AddSourceFile("b.bin", content, 1000)
	e.backup(t)
	return e
}

func TestPruneReferenceProtection(t *testing.T) {
	e := setupRenameScenario(t)

	p := engine.NewPrune(e.store, e.drv, engine.NewNopLogger(), e.opts)
	cands, err := p.PlanByDate(10, 0, "")
	if err != nil {
		t.Fatalf("PlanByDate() error = %v", err)
	}

	// b's reference is retained, so a's data and the delete marker hiding
	// it must both survive.
	set := candidateSet(cands)
	if set["a.19700101000001.bin"] {
		t.Errorf("referenced data row was offered for pruning: %v", cands)
	}
	if set["a.19700101000002D.bin"] {
		t.Errorf("delete marker hiding a referenced row was offered for pruning: %v", cands)
	}
}

func TestPruneExplicitReferenceUnblocks(t *testing.T) {
	e := setupRenameScenario(t)
	p := engine.NewPrune(e.store, e.drv, engine.NewNopLogger(), e.opts)

	// Explicitly pruning the reference drags nothing else; once it is
	// gone, the data row is unreferenced and date pruning may take it.
	cands, err := p.PlanByRPaths([]string{"b.19700101000002R.bin"}, false)
	if err != nil {
		t.Fatalf("PlanByRPaths() error = %v", err)
	}
	if _, err := p.Execute(context.Background(), cands); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, ok := e.drv.DestObject("b.19700101000002R.bin"); ok {
		t.Fatalf("reference artifact still at destination")
	}

	cands, err = p.PlanByDate(10, 0, "")
	if err != nil {
		t.Fatalf("PlanByDate() error = %v", err)
	}
	set := candidateSet(cands)
	if !set["a.19700101000001.bin"] {
		t.Errorf("unreferenced data row not offered for pruning: %v", cands)
	}
}

func TestPruneRPathsErrIfReferenced(t *testing.T) {
	e := setupRenameScenario(t)
	p := engine.NewPrune(e.store, e.drv, engine.NewNopLogger(), e.opts)

	_, err := p.PlanByRPaths([]string{"a.19700101000001.bin"}, true)
	if !errors.Is(err, engine.ErrIntegrityViolation) {
		t.Errorf("PlanByRPaths() error = %v, want ErrIntegrityViolation", err)
	}

	// Without the guard, the referring artifact is pulled in as well.
	cands, err := p.PlanByRPaths([]string{"a.19700101000001.bin"}, false)
	if err != nil {
		t.Fatalf("PlanByRPaths() error = %v", err)
	}
	set := candidateSet(cands)
	if !set["a.19700101000001.bin"] || !set["b.19700101000002R.bin"] {
		t.Errorf("candidates = %v, want data row plus reference", cands)
	}
}

// setupVersionHistory backs up three versions of one file, then deletes it.
// Timestamps: v1@1, v2@2, v3@3, delete@4.
func setupVersionHistory(t *testing.T) *testEngine {
	t.Helper()
	e := newTestEngine(t)
	for i, content := range []string{"v1", "v2!", "v3!!"} {
		e.clock.Set(time.Unix(int64(i+1), 0).UTC())
		e.drv.AddSourceFile("f.txt", []byte(content), int64(1000*(i+1)))
		e.backup(t)
	}
	e.clock.Set(time.Unix(4, 0).UTC())
	e.drv.ClearSource()
	e.backup(t)
	return e
}

func TestPruneAnchorRetention(t *testing.T) {
	e := setupVersionHistory(t)
	p := engine.NewPrune(e.store, e.drv, engine.NewNopLogger(), e.opts)

	// Cutoff between v2 and v3: v2 is the anchor and survives; only v1
	// goes.
	cands, err := p.PlanByDate(2, 0, "")
	if err != nil {
		t.Fatalf("PlanByDate() error = %v", err)
	}
	set := candidateSet(cands)
	if !set["f.19700101000001.txt"] {
		t.Errorf("v1 not offered: %v", cands)
	}
	if set["f.19700101000002.txt"] || set["f.19700101000003.txt"] || set["f.19700101000004D.txt"] {
		t.Errorf("anchor or newer rows offered: %v", cands)
	}
}

func TestPruneKeepVersions(t *testing.T) {
	e := setupVersionHistory(t)
	p := engine.NewPrune(e.store, e.drv, engine.NewNopLogger(), e.opts)

	// keep=1 retains one version older than the anchor: nothing to prune
	// with cutoff at v2.
	cands, err := p.PlanByDate(2, 1, "")
	if err != nil {
		t.Fatalf("PlanByDate() error = %v", err)
	}
	if len(cands) != 0 {
		t.Errorf("candidates with keep=1: %v, want none", cands)
	}
}

func TestPruneWholeDeletedHistory(t *testing.T) {
	e := setupVersionHistory(t)
	p := engine.NewPrune(e.store, e.drv, engine.NewNopLogger(), e.opts)

	// Cutoff after the delete marker: the path is gone at the cutoff, so
	// the entire history including the marker may vanish.
	cands, err := p.PlanByDate(10, 0, "")
	if err != nil {
		t.Fatalf("PlanByDate() error = %v", err)
	}
	set := candidateSet(cands)
	for _, rpath := range []string{
		"f.19700101000001.txt",
		"f.19700101000002.txt",
		"f.19700101000003.txt",
		"f.19700101000004D.txt",
	} {
		if !set[rpath] {
			t.Errorf("%s not offered: %v", rpath, cands)
		}
	}
}

func TestPruneExecuteUpdatesIndexAndDestination(t *testing.T) {
	e := setupVersionHistory(t)
	p := engine.NewPrune(e.store, e.drv, engine.NewNopLogger(), e.opts)

	cands, err := p.PlanByDate(2, 0, "")
	if err != nil {
		t.Fatalf("PlanByDate() error = %v", err)
	}
	report, err := p.Execute(context.Background(), cands)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if report.Prunes != len(cands) {
		t.Errorf("prunes = %d, want %d", report.Prunes, len(cands))
	}

	if _, ok := e.drv.DestObject("f.19700101000001.txt"); ok {
		t.Errorf("pruned object still at destination")
	}
	row, err := e.store.ByRPath("f.19700101000001.txt")
	if err != nil {
		t.Fatalf("ByRPath() error = %v", err)
	}
	if row != nil {
		t.Errorf("pruned row still in index: %+v", row)
	}

	// Restorability of retained timestamps is unaffected.
	res := engine.NewResolver(e.store, engine.NewNopLogger())
	state, err := res.StateAt(2, "", engine.StateOptions{})
	if err != nil {
		t.Fatalf("StateAt() error = %v", err)
	}
	if len(state) != 1 || state[0].RealPath != "f.19700101000002.txt" {
		t.Errorf("state at anchor = %+v", state)
	}
}

func TestPruneAlreadyAbsentObjectStillDropsRow(t *testing.T) {
	e := setupVersionHistory(t)
	p := engine.NewPrune(e.store, e.drv, engine.NewNopLogger(), e.opts)

	// Someone removed the object by hand; prune is idempotent.
	if err := e.drv.Delete(context.Background(), "f.19700101000001.txt"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	cands, err := p.PlanByDate(2, 0, "")
	if err != nil {
		t.Fatalf("PlanByDate() error = %v", err)
	}
	if _, err := p.Execute(context.Background(), cands); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	row, err := e.store.ByRPath("f.19700101000001.txt")
	if err != nil {
		t.Fatalf("ByRPath() error = %v", err)
	}
	if row != nil {
		t.Errorf("row for absent object still in index")
	}
}

func TestPruneDisabled(t *testing.T) {
	e := setupVersionHistory(t)
	opts := e.opts
	opts.DisablePrune = true
	p := engine.NewPrune(e.store, e.drv, engine.NewNopLogger(), opts)

	_, err := p.Execute(context.Background(), []engine.Candidate{{RPath: "f.19700101000001.txt"}})
	if !errors.Is(err, engine.ErrPruneDisabled) {
		t.Errorf("Execute() error = %v, want ErrPruneDisabled", err)
	}
	// No side effects.
	if _, ok := e.drv.DestObject("f.19700101000001.txt"); !ok {
		t.Errorf("object removed despite disabled prune")
	}
}

func TestPruneSubdirScope(t *testing.T) {
	e := newTestEngine(t)
	e.drv.AddSourceFile("keep/a.txt", []byte("a1"), 1000)
	e.drv.AddSourceFile("sub/b.txt", []byte("b1"), 1000)
	e.backup(t)

	e.clock.Set(time.Unix(2, 0).UTC())
	e.drv.AddSourceFile("keep/a.txt", []byte("a2!"), 2000)
	e.drv.AddSourceFile("sub/b.txt", []byte("b2!"), 2000)
	e.backup(t)

	p := engine.NewPrune(e.store, e.drv, engine.NewNopLogger(), e.opts)
	cands, err := p.PlanByDate(10, 0, "sub")
	if err != nil {
		t.Fatalf("PlanByDate() error = %v", err)
	}
	set := candidateSet(cands)
	if !set["sub/b.19700101000001.txt"] {
		t.Errorf("old version inside subdir not offered: %v", cands)
	}
	if set["keep/a.19700101000001.txt"] {
		t.Errorf("row outside subdir offered: %v", cands)
	}
}
