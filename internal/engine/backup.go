package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"

	"dfb-go/internal/index"
	"dfb-go/internal/model"
	"dfb-go/internal/naming"
)

// Options carries the run-relevant configuration for the engine.
type Options struct {
	Compare    Attrib // source-to-source comparison
	DstCompare Attrib // comparison against destination-derived metadata
	Renames    Attrib // rename tracking attribute; AttribDisabled turns it off
	DstRenames Attrib

	ServerSideCopyMoves bool  // implement moves as server-side copies when possible
	EmptyDirMarkers     bool  // synthesize markers for empty directories
	MinRenameSize       int64 // files at or below this size are not rename-tracked
	ReferenceMinSize    int64 // moves above this size may use server-side copy
	MtimeTolerance      float64

	Subdir      string // optional filter; "" backs up everything
	Concurrency int    // workers per action phase

	HostID   string
	ConfigID string

	DisablePrune   bool
	DisableRefresh bool
}

func (o *Options) workers() int {
	if o.Concurrency <= 0 {
		return 4
	}
	return o.Concurrency
}

// Move pairs a prior version with the source entry it moved to.
type Move struct {
	Original *model.Artifact // current version at the old apparent path
	Referent *model.Artifact // terminal regular row holding the data
	Source   SourceEntry     // entry at the new apparent path
	ByCopy   bool
}

// Plan is the computed action set for one run. Within a phase order is
// arbitrary; across phases uploads and copies precede references, which
// precede deletes.
type Plan struct {
	RunTS   int64
	Uploads []SourceEntry
	Moves   []Move
	Deletes []*model.Artifact
	NoOps   int

	// enrich holds matched rows whose metadata should be refreshed with
	// source information, without advancing their timestamps.
	enrich []*model.Artifact
}

// Empty reports whether the plan performs no destination actions.
func (p *Plan) Empty() bool {
	return len(p.Uploads) == 0 && len(p.Moves) == 0 && len(p.Deletes) == 0
}

// Backup plans and executes one backup run.
type Backup struct {
	store  *index.Store
	driver Transfer
	res    *Resolver
	log    Logger
	clock  Clock
	opts   Options

	// Sidecar receives the run's action records after each index commit.
	// Nil disables sidecar writing (tests, dump mode).
	Sidecar *SidecarWriter

	// Dump, when set, receives the planned actions instead of executing
	// them. No destination or index mutation happens in dump mode.
	Dump *DumpWriter
}

// NewBackup wires a backup over the given collaborators.
func NewBackup(store *index.Store, driver Transfer, log Logger, clock Clock, opts Options) *Backup {
	return &Backup{
		store:  store,
		driver: driver,
		res:    NewResolver(store, log),
		log:    log,
		clock:  clock,
		opts:   opts,
	}
}

// listSource drains the source listing and synthesizes empty-directory
// marker entries for directories that contain no files after filtering.
func (b *Backup) listSource(ctx context.Context) ([]SourceEntry, error) {
	var files []SourceEntry
	dirs := map[string]bool{}
	parents := map[string]bool{}

	err := b.driver.ListSource(ctx, b.opts.Subdir, func(e SourceEntry) error {
		if e.IsDir {
			dirs[e.APath] = true
			// A directory may hold only subdirectories; remember its own
			// parent so nested empties are found.
			parents[path.Dir(e.APath)] = true
			return nil
		}
		files = append(files, e)
		parents[path.Dir(e.APath)] = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	if b.opts.EmptyDirMarkers {
		for dir := range dirs {
			if parents[dir] {
				continue
			}
			files = append(files, SourceEntry{
				APath: path.Join(dir, naming.EmptyDirMarker),
				Size:  0,
			})
		}
	}
	return files, nil
}

// PlanRun diffs the source listing against the current logical state and
// computes the run's action set.
func (b *Backup) PlanRun(ctx context.Context) (*Plan, error) {
	runTS := b.clock.Now().UTC().Unix()
	plan := &Plan{RunTS: runTS}

	sources, err := b.listSource(ctx)
	if err != nil {
		return nil, err
	}
	// The source listing is a set on apparent paths; a duplicate entry
	// would break the one-row-per-(apath,timestamp) invariant.
	srcByPath := make(map[string]SourceEntry, len(sources))
	for _, s := range sources {
		if _, dup := srcByPath[s.APath]; dup {
			b.log.Warn("duplicate source entry ignored", "apath", s.APath)
			continue
		}
		srcByPath[s.APath] = s
	}

	state, err := b.store.StateAt(runTS, b.opts.Subdir, false)
	if err != nil {
		return nil, err
	}
	dstByPath := make(map[string]*model.Artifact, len(state))
	for _, a := range state {
		dstByPath[a.ApparentPath] = a
	}

	cmp := &comparer{
		attrib:    b.opts.Compare,
		dstAttrib: b.opts.DstCompare,
		dt:        b.opts.MtimeTolerance,
		log:       b.log,
	}

	var newPaths []string
	for apath, s := range srcByPath {
		d, ok := dstByPath[apath]
		if !ok {
			newPaths = append(newPaths, apath)
			continue
		}
		if d.Timestamp == runTS {
			// Re-run within the same second would collide on the primary
			// key; collapse to a no-op with a warning.
			b.log.Warn("version already exists at run timestamp, skipping", "apath", apath)
			plan.NoOps++
			continue
		}
		// A live marker satisfies its directory regardless of attributes.
		matched := path.Base(apath) == naming.EmptyDirMarker || cmp.match(s, d)
		if !matched {
			plan.Uploads = append(plan.Uploads, s)
			continue
		}
		if d.DstInfo {
			upd := *d
			upd.ModTime = s.ModTime
			upd.Hash = s.Hash
			upd.DstInfo = false
			plan.enrich = append(plan.enrich, &upd)
		}
	}

	var deleted []*model.Artifact
	for apath, d := range dstByPath {
		if _, ok := srcByPath[apath]; !ok {
			if d.Timestamp == runTS {
				plan.NoOps++
				continue
			}
			deleted = append(deleted, d)
		}
	}
	sort.Slice(deleted, func(i, j int) bool {
		return deleted[i].ApparentPath < deleted[j].ApparentPath
	})
	plan.Deletes = deleted

	newPaths = b.trackMoves(plan, newPaths, deleted, srcByPath)

	sort.Strings(newPaths)
	for _, apath := range newPaths {
		plan.Uploads = append(plan.Uploads, srcByPath[apath])
	}
	sort.Slice(plan.Uploads, func(i, j int) bool {
		return plan.Uploads[i].APath < plan.Uploads[j].APath
	})
	return plan, nil
}

// trackMoves pairs disappeared destination paths with new source paths of
// identical content. Candidates must agree on size and on the rename
// attribute; an ambiguous match disables the move. Returns the new paths
// that remain uploads.
func (b *Backup) trackMoves(plan *Plan, newPaths []string, deleted []*model.Artifact, src map[string]SourceEntry) []string {
	if b.opts.Renames == AttribDisabled || len(newPaths) == 0 || len(deleted) == 0 {
		return newPaths
	}

	cmp := &comparer{
		attrib:    b.opts.Renames,
		dstAttrib: b.opts.DstRenames,
		dt:        b.opts.MtimeTolerance,
		log:       b.log,
	}

	delBySize := map[int64][]*model.Artifact{}
	for _, d := range deleted {
		delBySize[d.Size] = append(delBySize[d.Size], d)
	}

	// Lexicographic order makes the tie-break deterministic: the first new
	// path claims a contested referent, later ones fall back to upload.
	sort.Strings(newPaths)
	claimed := map[string]bool{}

	var remaining []string
	for _, apath := range newPaths {
		s := src[apath]
		if path.Base(apath) == naming.EmptyDirMarker {
			remaining = append(remaining, apath)
			continue
		}
		if b.opts.MinRenameSize > 0 && s.Size <= b.opts.MinRenameSize {
			remaining = append(remaining, apath)
			continue
		}

		var matches []*model.Artifact
		for _, d := range delBySize[s.Size] {
			if claimed[d.RealPath] {
				continue
			}
			if cmp.match(s, d) {
				matches = append(matches, d)
			}
		}
		if len(matches) != 1 {
			if len(matches) > 1 {
				b.log.Info("ambiguous rename candidates, uploading instead", "apath", apath)
			}
			remaining = append(remaining, apath)
			continue
		}

		original := matches[0]
		referent, err := b.res.Deref(original)
		if err != nil {
			b.log.Warn("move candidate has broken reference, uploading instead",
				"apath", apath, "err", err)
			remaining = append(remaining, apath)
			continue
		}

		claimed[original.RealPath] = true
		plan.Moves = append(plan.Moves, Move{
			Original: original,
			Referent: referent,
			Source:   s,
			ByCopy: b.opts.ServerSideCopyMoves &&
				b.driver.SupportsServerCopy() &&
				s.Size > b.opts.ReferenceMinSize,
		})
	}
	return remaining
}

// action is one unit of destination work plus its follow-up index row.
type action struct {
	apath string
	rpath string
	exec  func(ctx context.Context) (*model.Artifact, *Record, error)
}

// Run plans and executes a full backup run. Per-action failures are
// collected in the report; only listing-level failures return an error.
func (b *Backup) Run(ctx context.Context) (*RunReport, error) {
	plan, err := b.PlanRun(ctx)
	if err != nil {
		return nil, err
	}
	return b.Execute(ctx, plan)
}

// Execute carries out a computed plan: uploads and server-side copies
// first, then references, then delete markers. Each phase completes
// (success or failure per action) before the next begins.
func (b *Backup) Execute(ctx context.Context, plan *Plan) (*RunReport, error) {
	report := &RunReport{NoOps: plan.NoOps}

	b.log.Info("run planned",
		"timestamp", plan.RunTS,
		"uploads", len(plan.Uploads),
		"moves", len(plan.Moves),
		"deletes", len(plan.Deletes))

	if b.Dump != nil {
		return report, b.dumpPlan(plan)
	}

	// Matched rows whose metadata improved: refresh in place, no new rows.
	for _, a := range plan.enrich {
		if err := b.store.UpdateSourceInfo(a); err != nil {
			b.log.Warn("failed to refresh source info", "rpath", a.RealPath, "err", err)
		}
	}

	var uploads, refs, deletes []action
	for _, s := range plan.Uploads {
		uploads = append(uploads, b.uploadAction(s, plan.RunTS))
	}
	for _, m := range plan.Moves {
		if m.ByCopy {
			uploads = append(uploads, b.copyAction(m, plan.RunTS))
		} else {
			refs = append(refs, b.referenceAction(m, plan.RunTS))
		}
	}
	for _, d := range plan.Deletes {
		deletes = append(deletes, b.deleteAction(d, plan.RunTS))
	}

	// References must observe their referents at the destination, and
	// delete markers come last; hence the phase barriers.
	b.runPhase(ctx, report, uploads)
	b.runPhase(ctx, report, refs)
	b.runPhase(ctx, report, deletes)

	return report, nil
}

// runPhase executes one phase's actions on a bounded worker pool. Completed
// actions feed a single index-writer goroutine; workers never touch the
// store directly.
func (b *Backup) runPhase(ctx context.Context, report *RunReport, actions []action) {
	if len(actions) == 0 {
		return
	}

	workers := b.opts.workers()
	jobs := make(chan action, workers)

	type result struct {
		artifact *model.Artifact
		record   *Record
	}
	results := make(chan result, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for act := range jobs {
				if ctx.Err() != nil {
					report.addFailure(act.apath, act.rpath, ctx.Err())
					continue
				}
				art, rec, err := act.exec(ctx)
				if err != nil {
					b.log.Error("action failed", "apath", act.apath, "rpath", act.rpath, "err", err)
					report.addFailure(act.apath, act.rpath, err)
					continue
				}
				results <- result{artifact: art, record: rec}
			}
		}()
	}

	// Single writer: commit each completed action, then record it in the
	// sidecar. A commit failure after a successful destination write is an
	// inconsistency for refresh to reconcile, not a run failure.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for res := range results {
			if err := b.store.Insert(res.artifact); err != nil {
				if errors.Is(err, index.ErrDuplicateVersion) {
					b.log.Warn("duplicate version, recording no-op", "rpath", res.artifact.RealPath)
					report.mu.Lock()
					report.NoOps++
					report.mu.Unlock()
					continue
				}
				b.log.Error("index commit failed after destination write; refresh required",
					"rpath", res.artifact.RealPath, "err", err)
				report.markInconsistent()
				continue
			}
			b.countCommitted(report, res.artifact, res.record)
			if b.Sidecar != nil && res.record != nil {
				if err := b.Sidecar.Write(res.record); err != nil {
					b.log.Warn("sidecar write failed", "err", err)
				}
			}
		}
	}()

	for _, act := range actions {
		jobs <- act
	}
	close(jobs)
	wg.Wait()
	close(results)
	<-writerDone
}

func (b *Backup) countCommitted(report *RunReport, a *model.Artifact, rec *Record) {
	report.mu.Lock()
	defer report.mu.Unlock()
	switch {
	case a.Kind == model.KindReference:
		report.Refs++
	case a.Kind == model.KindDeleteMarker:
		report.Deletes++
	case rec != nil && rec.SourceRPath != "":
		report.Copies++
	default:
		report.Uploads++
	}
}

func (b *Backup) uploadAction(s SourceEntry, runTS int64) action {
	rpath := naming.ToReal(s.APath, runTS, naming.FlagNone)
	return action{
		apath: s.APath,
		rpath: rpath,
		exec: func(ctx context.Context) (*model.Artifact, *Record, error) {
			art := &model.Artifact{
				ApparentPath: s.APath,
				RealPath:     rpath,
				Timestamp:    runTS,
				Kind:         model.KindRegular,
				Size:         s.Size,
				ModTime:      s.ModTime,
				Hash:         s.Hash,
			}

			if path.Base(s.APath) == naming.EmptyDirMarker {
				b.log.Info("uploading empty directory marker", "rpath", rpath)
				if err := b.driver.PutSmall(ctx, rpath, nil); err != nil {
					return nil, nil, err
				}
				art.Kind = model.KindEmptyDirMarker
				return art, RecordFromArtifact(art), nil
			}

			b.log.Info("uploading", "apath", s.APath, "rpath", rpath)
			info, err := b.driver.Upload(ctx, s.APath, rpath)
			if err != nil {
				return nil, nil, err
			}
			if art.ModTime == 0 && info != nil {
				art.ModTime = info.ModTime
			}
			if art.Hash == "" && info != nil {
				art.Hash = info.Hash
			}
			return art, RecordFromArtifact(art), nil
		},
	}
}

func (b *Backup) copyAction(m Move, runTS int64) action {
	rpath := naming.ToReal(m.Source.APath, runTS, naming.FlagNone)
	return action{
		apath: m.Source.APath,
		rpath: rpath,
		exec: func(ctx context.Context) (*model.Artifact, *Record, error) {
			b.log.Info("moving via server-side copy",
				"from", m.Original.ApparentPath, "to", m.Source.APath)
			if err := b.driver.CopyDest(ctx, m.Referent.RealPath, rpath); err != nil {
				return nil, nil, err
			}
			art := &model.Artifact{
				ApparentPath: m.Source.APath,
				RealPath:     rpath,
				Timestamp:    runTS,
				Kind:         model.KindRegular,
				Size:         m.Source.Size,
				ModTime:      m.Source.ModTime,
				Hash:         firstNonEmpty(m.Source.Hash, m.Referent.Hash),
			}
			rec := RecordFromArtifact(art)
			isref := false
			rec.IsRef = &isref
			rec.SourceRPath = m.Referent.RealPath
			rec.Original = m.Original.ApparentPath
			return art, rec, nil
		},
	}
}

func (b *Backup) referenceAction(m Move, runTS int64) action {
	rpath := naming.ToReal(m.Source.APath, runTS, naming.FlagReference)
	return action{
		apath: m.Source.APath,
		rpath: rpath,
		exec: func(ctx context.Context) (*model.Artifact, *Record, error) {
			payload, err := naming.MarshalRef(rpath, m.Referent.RealPath)
			if err != nil {
				return nil, nil, err
			}
			b.log.Info("moving via reference",
				"from", m.Original.ApparentPath, "to", m.Source.APath, "rpath", rpath)
			if err := b.driver.PutSmall(ctx, rpath, payload); err != nil {
				return nil, nil, err
			}
			art := &model.Artifact{
				ApparentPath:     m.Source.APath,
				RealPath:         rpath,
				Timestamp:        runTS,
				Kind:             model.KindReference,
				Size:             m.Source.Size,
				ModTime:          m.Source.ModTime,
				Hash:             firstNonEmpty(m.Source.Hash, m.Referent.Hash),
				ReferentRealPath: m.Referent.RealPath,
			}
			rec := RecordFromArtifact(art)
			rec.Original = m.Original.ApparentPath
			return art, rec, nil
		},
	}
}

func (b *Backup) deleteAction(d *model.Artifact, runTS int64) action {
	rpath := naming.ToReal(d.ApparentPath, runTS, naming.FlagDelete)
	return action{
		apath: d.ApparentPath,
		rpath: rpath,
		exec: func(ctx context.Context) (*model.Artifact, *Record, error) {
			b.log.Info("recording delete", "apath", d.ApparentPath, "rpath", rpath)
			if err := b.driver.PutSmall(ctx, rpath, []byte("DEL")); err != nil {
				return nil, nil, err
			}
			art := &model.Artifact{
				ApparentPath: d.ApparentPath,
				RealPath:     rpath,
				Timestamp:    runTS,
				Kind:         model.KindDeleteMarker,
				Size:         model.DeletedSize,
			}
			return art, RecordFromArtifact(art), nil
		},
	}
}

// dumpPlan emits the plan as action records without touching the
// destination or the index.
func (b *Backup) dumpPlan(plan *Plan) error {
	for _, s := range plan.Uploads {
		size := s.Size
		rec := &Record{
			APath:     s.APath,
			RPath:     naming.ToReal(s.APath, plan.RunTS, naming.FlagNone),
			Timestamp: plan.RunTS,
			Size:      &size,
			ModTime:   s.ModTime,
			Hash:      s.Hash,
		}
		if err := b.Dump.Write(rec); err != nil {
			return err
		}
	}
	for _, m := range plan.Moves {
		size := m.Source.Size
		isref := !m.ByCopy
		rec := &Record{
			APath:     m.Source.APath,
			Timestamp: plan.RunTS,
			Size:      &size,
			ModTime:   m.Source.ModTime,
			IsRef:     &isref,
			Original:  m.Original.ApparentPath,
		}
		if m.ByCopy {
			rec.RPath = naming.ToReal(m.Source.APath, plan.RunTS, naming.FlagNone)
			rec.SourceRPath = m.Referent.RealPath
		} else {
			rec.RPath = naming.ToReal(m.Source.APath, plan.RunTS, naming.FlagReference)
			rec.RefRPath = m.Referent.RealPath
		}
		if err := b.Dump.Write(rec); err != nil {
			return err
		}
	}
	for _, d := range plan.Deletes {
		size := model.DeletedSize
		rec := &Record{
			APath:     d.ApparentPath,
			RPath:     naming.ToReal(d.ApparentPath, plan.RunTS, naming.FlagDelete),
			Timestamp: plan.RunTS,
			Size:      &size,
		}
		if err := b.Dump.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
