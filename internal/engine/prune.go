package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"dfb-go/internal/index"
	"dfb-go/internal/model"
)

// Candidate is one real path scheduled for removal.
type Candidate struct {
	RPath string
	Size  int64
}

// Prune plans and executes artifact removal while preserving restorability
// across every retained timestamp.
type Prune struct {
	store  *index.Store
	driver Transfer
	log    Logger
	opts   Options

	// Sidecar receives prune records after each index commit.
	Sidecar *SidecarWriter

	// Dump, when set, receives the candidates instead of executing them.
	Dump *DumpWriter
}

// NewPrune wires a prune over the given collaborators.
func NewPrune(store *index.Store, driver Transfer, log Logger, opts Options) *Prune {
	return &Prune{store: store, driver: driver, log: log, opts: opts}
}

// PlanByDate computes the safe-to-remove real paths for a cutoff. keep
// retains that many versions older than the anchor (negative keep removes
// newer ones). subdir restricts deletion to one subtree; protection still
// considers references into it from outside.
//
// Pruning is more subtle than it first appears because of references and
// delete markers: a referenced row must survive as long as any retained
// reference chain reaches it, and a delete marker must survive while the
// version it hides survives.
func (p *Prune) PlanByDate(cutoff int64, keep int, subdir string) ([]Candidate, error) {
	groups, err := p.store.GroupByApath(subdir)
	if err != nil {
		return nil, err
	}

	// Partition each group at its anchor: everything from the anchor on is
	// retained, everything older is a deletion candidate.
	retained := make(map[string]*model.Artifact)
	delGroups := make([][]*model.Artifact, 0, len(groups))
	for _, g := range groups {
		icut := anchorIndex(g.Versions, cutoff, keep)
		for _, row := range g.Versions[icut:] {
			retained[row.RealPath] = row
		}
		delGroups = append(delGroups, g.Versions[:icut])
	}

	// References into the subtree from outside count as retained referrers.
	outside, err := p.store.RefsInto(subdir)
	if err != nil {
		return nil, err
	}
	for _, row := range outside {
		retained[row.RealPath] = row
	}

	// Protect every row a retained reference chain passes through,
	// promoting protected candidates into the retained set until stable
	// (a promoted reference drags its own referents along).
	protected := make(map[string]bool)
	frontier := make([]*model.Artifact, 0, len(retained))
	for _, row := range retained {
		frontier = append(frontier, row)
	}
	for len(frontier) > 0 {
		var next []*model.Artifact
		for _, row := range frontier {
			if row.Kind != model.KindReference {
				continue
			}
			for hop, rp := 0, row.ReferentRealPath; hop < index.ChainBound && rp != ""; hop++ {
				if protected[rp] {
					break
				}
				protected[rp] = true
				ref, err := p.store.ByRPath(rp)
				if err != nil {
					return nil, err
				}
				if ref == nil {
					p.log.Warn("reference dangles during prune analysis", "rpath", rp)
					break
				}
				next = append(next, ref)
				rp = ref.ReferentRealPath
			}
		}
		frontier = next
	}

	// Second pass per group: drop unprotected rows, then decide which
	// delete markers still hide something worth hiding.
	seen := make(map[string]bool)
	var out []Candidate
	add := func(row *model.Artifact) {
		if seen[row.RealPath] {
			return
		}
		seen[row.RealPath] = true
		out = append(out, Candidate{RPath: row.RealPath, Size: row.Size})
	}

	for _, group := range delGroups {
		var keepGroup []*model.Artifact
		for _, row := range group {
			if protected[row.RealPath] || row.Kind == model.KindDeleteMarker {
				keepGroup = append(keepGroup, row)
				continue
			}
			add(row)
		}
		if len(keepGroup) == 0 {
			continue
		}

		// A delete marker whose predecessor was pruned hides nothing;
		// only the last kept row may still need its marker.
		var still []*model.Artifact
		for _, row := range keepGroup[:len(keepGroup)-1] {
			if row.Kind == model.KindDeleteMarker {
				add(row)
				continue
			}
			still = append(still, row)
		}
		still = append(still, keepGroup[len(keepGroup)-1])

		// A lone delete marker left in the candidate range hides only
		// retained rows, which the anchor already accounts for.
		if len(still) == 1 && still[0].Kind == model.KindDeleteMarker {
			add(still[0])
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RPath < out[j].RPath })
	return out, nil
}

// anchorIndex returns the index of the first retained version: the anchor
// (most recent at or before cutoff) shifted by keep, clamped so at least
// one version survives unless the group ends in a delete marker past the
// window.
func anchorIndex(versions []*model.Artifact, cutoff int64, keep int) int {
	iwhen := sort.Search(len(versions), func(i int) bool {
		return versions[i].Timestamp > cutoff
	})
	iwhen -= keep

	last := versions[len(versions)-1]
	if iwhen >= len(versions) && last.Kind == model.KindDeleteMarker {
		// Everything up to and including the trailing delete marker is in
		// the window; the path is gone and may vanish entirely.
		return len(versions)
	}

	icut := iwhen - 1
	if icut < 0 {
		icut = 0
	}
	if icut > len(versions)-1 {
		icut = len(versions) - 1
	}
	return icut
}

// PlanByRPaths expands an explicit real-path list into candidates. When a
// named row is referenced, the referring rows are added too unless
// errIfReferenced is set, in which case the plan fails.
func (p *Prune) PlanByRPaths(rpaths []string, errIfReferenced bool) ([]Candidate, error) {
	seen := map[string]bool{}
	var out []Candidate

	var visit func(rpath string, depth int) error
	visit = func(rpath string, depth int) error {
		if seen[rpath] || depth > index.ChainBound {
			return nil
		}
		row, err := p.store.ByRPath(rpath)
		if err != nil {
			return err
		}
		if row == nil {
			p.log.Warn("no index entry for real path", "rpath", rpath)
			return nil
		}

		referrers, err := p.store.ReferrersOf(rpath)
		if err != nil {
			return err
		}
		if len(referrers) > 0 && errIfReferenced {
			return fmt.Errorf("%w: removing %s would break %d reference(s)",
				ErrIntegrityViolation, rpath, len(referrers))
		}
		seen[rpath] = true
		out = append(out, Candidate{RPath: rpath, Size: row.Size})
		for _, ref := range referrers {
			if err := visit(ref.RealPath, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	for _, rpath := range rpaths {
		if err := visit(rpath, 0); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Execute removes the candidates: annotate all rows in one transaction,
// delete at the destination on a worker pool, and drop each row on
// per-success commit. An object already absent at the destination still
// drops its row.
func (p *Prune) Execute(ctx context.Context, candidates []Candidate) (*RunReport, error) {
	report := &RunReport{}

	if p.opts.DisablePrune {
		return nil, ErrPruneDisabled
	}
	if len(candidates) == 0 {
		p.log.Info("nothing to prune")
		return report, nil
	}

	if p.Dump != nil {
		for _, c := range candidates {
			if err := p.Dump.Write(PruneRecord(c.RPath, c.Size)); err != nil {
				return nil, err
			}
		}
		return report, nil
	}

	rpaths := make([]string, len(candidates))
	for i, c := range candidates {
		rpaths[i] = c.RPath
	}
	if err := p.store.MarkPendingPrune(rpaths); err != nil {
		return nil, err
	}

	workers := p.opts.workers()
	jobs := make(chan Candidate, workers)
	done := make(chan Candidate, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				if ctx.Err() != nil {
					report.addFailure("", c.RPath, ctx.Err())
					continue
				}
				p.log.Info("pruning", "rpath", c.RPath)
				if err := p.driver.Delete(ctx, c.RPath); err != nil {
					p.log.Error("prune failed", "rpath", c.RPath, "err", err)
					report.addFailure("", c.RPath, err)
					continue
				}
				done <- c
			}
		}()
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for c := range done {
			if err := p.store.DeleteByRPath(c.RPath); err != nil {
				p.log.Error("index removal failed; refresh required", "rpath", c.RPath, "err", err)
				report.markInconsistent()
				continue
			}
			report.mu.Lock()
			report.Prunes++
			report.mu.Unlock()
			if p.Sidecar != nil {
				if err := p.Sidecar.Write(PruneRecord(c.RPath, c.Size)); err != nil {
					p.log.Warn("sidecar write failed", "err", err)
				}
			}
		}
	}()

	for _, c := range candidates {
		jobs <- c
	}
	close(jobs)
	wg.Wait()
	close(done)
	<-writerDone

	return report, nil
}
