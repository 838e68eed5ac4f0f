package engine

import (
	"fmt"

	"dfb-go/internal/index"
	"dfb-go/internal/model"
)

// Resolver answers point-in-time queries over the index: state at an
// instant, version histories, trees, and run timestamps. All comparisons
// are integer UTC seconds; re-queries over an unchanging index are stable.
type Resolver struct {
	store *index.Store
	log   Logger
}

// NewResolver creates a resolver over the given index.
func NewResolver(store *index.Store, log Logger) *Resolver {
	return &Resolver{store: store, log: log}
}

// Resolved is an artifact with its reference chain followed. For regular
// rows Target aliases the artifact itself.
type Resolved struct {
	*model.Artifact
	// Target is the terminal regular row of the reference chain, nil when
	// the chain is broken.
	Target *model.Artifact
	// Broken is set when a chain exceeds the bound, cycles, or terminates
	// at a delete marker or a missing row.
	Broken bool
}

// StateOptions tunes StateAt.
type StateOptions struct {
	IncludeDeleted bool // also return delete-marker rows
	Deref          bool // resolve reference chains to referent metadata
}

// StateAt returns the logical state at ts under subpath: for every apparent
// path, the most recent version at or before ts. Broken references are
// reported as not existing and flagged unless IncludeDeleted is set.
func (r *Resolver) StateAt(ts int64, subpath string, opts StateOptions) ([]*Resolved, error) {
	rows, err := r.store.StateAt(ts, subpath, opts.IncludeDeleted)
	if err != nil {
		return nil, err
	}

	out := make([]*Resolved, 0, len(rows))
	for _, a := range rows {
		res := &Resolved{Artifact: a, Target: a}
		if a.Kind == model.KindReference && opts.Deref {
			target, err := r.Deref(a)
			if err != nil {
				r.log.Warn("broken reference", "rpath", a.RealPath, "err", err)
				res.Target = nil
				res.Broken = true
				if !opts.IncludeDeleted {
					// A broken chain means the path does not exist at ts.
					continue
				}
			} else {
				res.Target = target
			}
		}
		out = append(out, res)
	}
	return out, nil
}

// Lookup returns the state of a single apparent path at ts, or nil when the
// path does not exist then.
func (r *Resolver) Lookup(apath string, ts int64) (*Resolved, error) {
	versions, err := r.store.Versions(apath)
	if err != nil {
		return nil, err
	}

	var best *model.Artifact
	for _, v := range versions {
		if v.Timestamp <= ts {
			best = v
		}
	}
	if best == nil || best.Kind == model.KindDeleteMarker {
		return nil, nil
	}

	res := &Resolved{Artifact: best, Target: best}
	if best.Kind == model.KindReference {
		target, err := r.Deref(best)
		if err != nil {
			return &Resolved{Artifact: best, Broken: true}, nil
		}
		res.Target = target
	}
	return res, nil
}

// Deref follows a reference chain to its terminal regular row. Chains are
// bounded; a chain that cycles, dangles, or ends at a delete marker is an
// integrity violation.
func (r *Resolver) Deref(a *model.Artifact) (*model.Artifact, error) {
	cur := a
	seen := map[string]bool{a.RealPath: true}

	for hop := 0; hop < index.ChainBound; hop++ {
		if cur.Kind != model.KindReference {
			break
		}
		next, err := r.store.ByRPath(cur.ReferentRealPath)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, fmt.Errorf("%w: %s dangles at %s",
				ErrIntegrityViolation, a.RealPath, cur.ReferentRealPath)
		}
		if seen[next.RealPath] {
			return nil, fmt.Errorf("%w: cycle through %s", ErrIntegrityViolation, next.RealPath)
		}
		seen[next.RealPath] = true
		cur = next
	}

	switch cur.Kind {
	case model.KindRegular, model.KindEmptyDirMarker:
		return cur, nil
	case model.KindDeleteMarker:
		return nil, fmt.Errorf("%w: %s terminates at delete marker %s",
			ErrIntegrityViolation, a.RealPath, cur.RealPath)
	default:
		return nil, fmt.Errorf("%w: chain from %s exceeds %d hops",
			ErrIntegrityViolation, a.RealPath, index.ChainBound)
	}
}

// VersionInfo is one entry of a version history.
type VersionInfo struct {
	*model.Artifact
	RefCount int
}

// Versions returns the full version history of an apparent path, oldest
// first, optionally with the number of references terminating at each row.
func (r *Resolver) Versions(apath string, withRefCounts bool) ([]*VersionInfo, error) {
	rows, err := r.store.Versions(apath)
	if err != nil {
		return nil, err
	}

	out := make([]*VersionInfo, 0, len(rows))
	for _, a := range rows {
		vi := &VersionInfo{Artifact: a}
		if withRefCounts {
			n, err := r.store.RefCount(a.RealPath)
			if err != nil {
				return nil, err
			}
			vi.RefCount = n
		}
		out = append(out, vi)
	}
	return out, nil
}

// Timestamps returns distinct run timestamps under subpath within
// [after, before] (zero bounds are open), ascending.
func (r *Resolver) Timestamps(subpath string, after, before int64) ([]int64, error) {
	return r.store.Timestamps(subpath, after, before)
}

// Tree returns the directory/file listing at ts under subpath.
func (r *Resolver) Tree(ts int64, subpath string, recursive bool) ([]string, []*model.Artifact, error) {
	return r.store.Tree(ts, subpath, recursive)
}

// Stats summarizes the index as of ts.
func (r *Resolver) Stats(ts int64) (*index.Stats, error) {
	return r.store.Summarize(ts)
}
