package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"dfb-go/internal/index"
	"dfb-go/internal/model"
	"dfb-go/internal/naming"
)

// Refresh authoritatively rebuilds the index from the destination listing,
// optionally enriched by run sidecars. Sidecars never introduce rows the
// listing does not have; they only fill in metadata the destination cannot
// report.
type Refresh struct {
	store  *index.Store
	driver Transfer
	log    Logger
	clock  Clock
	opts   Options
}

// NewRefresh wires a refresh over the given collaborators.
func NewRefresh(store *index.Store, driver Transfer, log Logger, clock Clock, opts Options) *Refresh {
	return &Refresh{store: store, driver: driver, log: log, clock: clock, opts: opts}
}

// Run resets the index and rebuilds it from the destination.
func (r *Refresh) Run(ctx context.Context, useSidecars bool) error {
	if r.opts.DisableRefresh {
		return ErrRefreshDisabled
	}

	if err := r.store.Reset(); err != nil {
		return err
	}

	var rows []*model.Artifact
	var sidecars []string
	err := r.driver.ListDest(ctx, func(e DestEntry) error {
		if strings.HasPrefix(e.RPath, ToolPrefix) {
			if strings.HasPrefix(e.RPath, SidecarPrefix) {
				sidecars = append(sidecars, e.RPath)
			}
			return nil
		}
		rows = append(rows, r.classify(e))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDestinationUnavailable, err)
	}

	refs := 0
	for _, a := range rows {
		if a.Kind == model.KindReference {
			refs++
		}
	}
	r.log.Info("destination listed", "files", len(rows), "references", refs)

	if err := r.store.ReplaceMany(rows); err != nil {
		return err
	}

	if useSidecars && len(sidecars) > 0 {
		if err := r.applySidecars(ctx, sidecars); err != nil {
			// Sidecars are advisory; a failure degrades, not aborts.
			r.log.Warn("could not apply sidecars", "err", err)
		}
	}

	if err := r.resolveReferences(ctx); err != nil {
		return err
	}
	return nil
}

// classify derives an artifact from one destination object. Names without a
// recognizable stamp are user-placed files and pass through verbatim, dated
// by the driver's modtime when available.
func (r *Refresh) classify(e DestEntry) *model.Artifact {
	apath, ts, flag, err := naming.FromRealStrict(e.RPath)
	if err != nil {
		ts := e.ModTime
		if ts == 0 {
			ts = r.clock.Now().UTC().Unix()
		}
		r.log.Warn("no timestamp in destination name, passing through", "rpath", e.RPath)
		return &model.Artifact{
			ApparentPath: e.RPath,
			RealPath:     e.RPath,
			Timestamp:    ts,
			Kind:         model.KindRegular,
			Size:         e.Size,
			ModTime:      e.ModTime,
			Hash:         e.Hash,
			DstInfo:      true,
		}
	}

	a := &model.Artifact{
		ApparentPath: apath,
		RealPath:     e.RPath,
		Timestamp:    ts,
		Size:         e.Size,
		ModTime:      e.ModTime,
		Hash:         e.Hash,
		DstInfo:      true,
	}
	switch {
	case flag == naming.FlagDelete:
		a.Kind = model.KindDeleteMarker
		a.Size = model.DeletedSize
	case flag == naming.FlagReference:
		a.Kind = model.KindReference
	case path.Base(apath) == naming.EmptyDirMarker:
		a.Kind = model.KindEmptyDirMarker
	default:
		a.Kind = model.KindRegular
	}
	return a
}

// resolveReferences fetches the payload of every reference row that does
// not yet know its referent and caches the resolved chain data.
func (r *Refresh) resolveReferences(ctx context.Context) error {
	all, err := r.store.All()
	if err != nil {
		return err
	}

	res := NewResolver(r.store, r.log)
	for _, a := range all {
		if a.Kind != model.KindReference {
			continue
		}
		if a.ReferentRealPath == "" {
			payload, err := r.driver.GetSmall(ctx, a.RealPath)
			if err != nil {
				r.log.Error("cannot fetch reference payload", "rpath", a.RealPath, "err", err)
				continue
			}
			referent, err := naming.ParseRef(a.RealPath, payload)
			if err != nil {
				r.log.Error("cannot parse reference payload", "rpath", a.RealPath, "err", err)
				continue
			}
			a.ReferentRealPath = referent
		}

		target, err := r.store.ByRPath(a.ReferentRealPath)
		if err != nil {
			return err
		}
		if target == nil {
			// Missing referent: surfaced, treated as deleted at query time.
			r.log.Warn("reference points at missing object",
				"rpath", a.RealPath, "referent", a.ReferentRealPath)
		} else {
			a.Size = target.Size
			if a.Hash == "" {
				a.Hash = target.Hash
			}
			if a.ModTime == 0 {
				a.ModTime = target.ModTime
			}
		}
		if err := r.store.Replace(a); err != nil {
			return err
		}

		if target != nil {
			if _, err := res.Deref(a); err != nil && errors.Is(err, ErrIntegrityViolation) {
				r.log.Warn("reference chain unsound", "rpath", a.RealPath, "err", err)
			}
		}
	}
	return nil
}

// applySidecars downloads run sidecars and enriches listed rows with the
// metadata recorded at capture time. Rows absent from the listing are never
// created here.
func (r *Refresh) applySidecars(ctx context.Context, names []string) error {
	SortSidecarNames(names)

	for _, name := range names {
		payload, err := r.driver.GetSmall(ctx, name)
		if err != nil {
			r.log.Warn("cannot fetch sidecar", "name", name, "err", err)
			continue
		}

		applied := 0
		err = ReadSidecar(name, payload, func(rec *Record) error {
			if rec.Kind() == RecordPrune {
				return nil
			}
			if rec.Size != nil && *rec.Size < 0 {
				// Delete markers carry nothing worth enriching.
				return nil
			}

			existing, err := r.store.ByRPath(rec.RPath)
			if err != nil {
				return err
			}
			if existing == nil {
				return nil
			}
			// Sanity check before trusting the sidecar line.
			if rec.Size != nil && *rec.Size != existing.Size && existing.Kind == model.KindRegular {
				r.log.Warn("sidecar entry does not match listing, ignoring", "rpath", rec.RPath)
				return nil
			}

			if existing.Kind == model.KindReference && rec.RefRPath != "" {
				existing.ReferentRealPath = rec.RefRPath
			}
			if rec.ModTime != 0 {
				existing.ModTime = rec.ModTime
			}
			if rec.Hash != "" {
				existing.Hash = rec.Hash
			}
			existing.DstInfo = false
			applied++
			return r.store.Replace(existing)
		})
		if err != nil {
			r.log.Warn("sidecar unreadable", "name", name, "err", err)
			continue
		}
		r.log.Info("applied sidecar", "name", name, "entries", applied)
	}
	return nil
}

// ImportFile is one named record stream handed to Import.
type ImportFile struct {
	Name string
	R    io.Reader
}

// Import loads record streams directly into the index. Unlike refresh,
// imported rows need no corresponding destination object; cold-storage
// workflows augment the catalog manually. Files are applied in the order
// given and prune records are applied after all insertions, so an older
// insertion can be removed by a later prune.
func (r *Refresh) Import(files []ImportFile, reset bool) error {
	if r.opts.DisableRefresh {
		return ErrRefreshDisabled
	}

	if reset {
		if err := r.store.Reset(); err != nil {
			return err
		}
	}

	var prunes []string
	for _, f := range files {
		var batch []*model.Artifact
		err := ReadRecords(f.R, func(rec *Record) error {
			if rec.Kind() == RecordPrune {
				prunes = append(prunes, rec.RPath)
				return nil
			}
			a, err := rec.Artifact()
			if err != nil {
				return err
			}
			batch = append(batch, a)
			return nil
		})
		if err != nil {
			return fmt.Errorf("importing %s: %w", f.Name, err)
		}
		if err := r.store.ReplaceMany(batch); err != nil {
			return fmt.Errorf("importing %s: %w", f.Name, err)
		}
		r.log.Info("imported", "name", f.Name, "entries", len(batch))
	}

	for _, rpath := range prunes {
		if err := r.store.DeleteByRPath(rpath); err != nil {
			return err
		}
	}
	if len(prunes) > 0 {
		r.log.Info("applied prune records", "count", len(prunes))
	}
	return nil
}
