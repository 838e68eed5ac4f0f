package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"dfb-go/internal/model"
)

// Group is all versions of one apparent path, ordered by timestamp.
type Group struct {
	ApparentPath string
	Versions     []*model.Artifact
}

// subpathPattern normalizes a subdir filter into a LIKE pattern, or ""
// when no filtering applies.
func subpathPattern(subpath string) string {
	subpath = strings.TrimSuffix(strings.TrimPrefix(subpath, "./"), "/")
	if subpath == "" {
		return ""
	}
	return subpath + "/%"
}

// StateAt returns, for each apparent path under subpath with any version at
// or before ts, the version with the greatest such timestamp. Delete markers
// are skipped unless includeDeleted is set. Reference rows are returned as
// cataloged; dereferencing is the resolver's concern.
func (s *Store) StateAt(ts int64, subpath string, includeDeleted bool) ([]*model.Artifact, error) {
	ctx := context.Background()

	q := `SELECT ` + artifactCols + ` FROM (
		SELECT * FROM artifacts WHERE timestamp <= ?`
	args := []any{ts}
	if pat := subpathPattern(subpath); pat != "" {
		q += " AND apath LIKE ?"
		args = append(args, pat)
	}
	q += `
		GROUP BY apath HAVING MAX(timestamp)
	)`
	if !includeDeleted {
		q += fmt.Sprintf(" WHERE kind != %d", int(model.KindDeleteMarker))
	}
	q += " ORDER BY LOWER(apath)"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying state: %w", err)
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

// Versions returns every cataloged version of an apparent path, oldest
// first.
func (s *Store) Versions(apath string) ([]*model.Artifact, error) {
	rows, err := s.db.QueryContext(context.Background(),
		"SELECT "+artifactCols+" FROM artifacts WHERE apath = ? ORDER BY timestamp", apath)
	if err != nil {
		return nil, fmt.Errorf("querying versions of %s: %w", apath, err)
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

// Timestamps returns the distinct run timestamps under subpath within
// [after, before], ascending. Zero bounds are open.
func (s *Store) Timestamps(subpath string, after, before int64) ([]int64, error) {
	q := "SELECT DISTINCT timestamp FROM artifacts"
	var conds []string
	var args []any
	if pat := subpathPattern(subpath); pat != "" {
		conds = append(conds, "apath LIKE ?")
		args = append(args, pat)
	}
	if after > 0 {
		conds = append(conds, "timestamp >= ?")
		args = append(args, after)
	}
	if before > 0 {
		conds = append(conds, "timestamp <= ?")
		args = append(args, before)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY timestamp"

	rows, err := s.db.QueryContext(context.Background(), q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying timestamps: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scanning timestamp: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// ByRPath returns the row cataloged under the real path, or nil.
func (s *Store) ByRPath(rpath string) (*model.Artifact, error) {
	row := s.db.QueryRowContext(context.Background(),
		"SELECT "+artifactCols+" FROM artifacts WHERE rpath = ?", rpath)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", rpath, err)
	}
	return a, nil
}

// ReferrersOf returns the reference rows pointing directly at rpath.
func (s *Store) ReferrersOf(rpath string) ([]*model.Artifact, error) {
	rows, err := s.db.QueryContext(context.Background(),
		"SELECT "+artifactCols+" FROM artifacts WHERE ref_rpath = ?", rpath)
	if err != nil {
		return nil, fmt.Errorf("querying referrers of %s: %w", rpath, err)
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

// RefsInto returns reference rows living outside subpath whose direct
// referent lies inside it. Prune uses these to protect rows that a pruned
// subtree would otherwise orphan.
func (s *Store) RefsInto(subpath string) ([]*model.Artifact, error) {
	pat := subpathPattern(subpath)
	if pat == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(context.Background(),
		"SELECT "+artifactCols+" FROM artifacts WHERE ref_rpath LIKE ? AND apath NOT LIKE ?",
		pat, pat)
	if err != nil {
		return nil, fmt.Errorf("querying references into %s: %w", subpath, err)
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

// RefCount returns the number of reference rows whose chain terminates at
// rpath, walking transitively up to the chain bound.
func (s *Store) RefCount(rpath string) (int, error) {
	count := 0
	frontier := []string{rpath}
	for hop := 0; hop < ChainBound && len(frontier) > 0; hop++ {
		var next []string
		for _, rp := range frontier {
			refs, err := s.ReferrersOf(rp)
			if err != nil {
				return 0, err
			}
			count += len(refs)
			for _, r := range refs {
				next = append(next, r.RealPath)
			}
		}
		frontier = next
	}
	return count, nil
}

// ChainBound is the maximum number of reference hops followed before a chain
// is declared broken.
const ChainBound = 64

// Tree returns the directories and files visible at ts under subpath. When
// recursive is false, only the immediate children of subpath are listed and
// directories are synthesized from the next path element of deeper entries.
func (s *Store) Tree(ts int64, subpath string, recursive bool) (dirs []string, files []*model.Artifact, err error) {
	all, err := s.StateAt(ts, subpath, false)
	if err != nil {
		return nil, nil, err
	}

	prefix := strings.TrimSuffix(strings.TrimPrefix(subpath, "./"), "/")
	if prefix != "" {
		prefix += "/"
	}

	dirSet := map[string]bool{}
	for _, a := range all {
		rel := strings.TrimPrefix(a.ApparentPath, prefix)
		if recursive {
			files = append(files, a)
			// Synthesize every ancestor directory below subpath.
			for d := path.Dir(rel); d != "." && d != "/"; d = path.Dir(d) {
				dirSet[prefix+d+"/"] = true
			}
			continue
		}
		if i := strings.IndexByte(rel, '/'); i >= 0 {
			dirSet[prefix+rel[:i+1]] = true
		} else {
			files = append(files, a)
		}
	}

	for d := range dirSet {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs, files, nil
}

// GroupByApath returns every version under prefix grouped by apparent path.
// Groups come back ordered by apparent path; versions within a group are
// ordered by timestamp.
func (s *Store) GroupByApath(prefix string) ([]Group, error) {
	q := "SELECT " + artifactCols + " FROM artifacts"
	var args []any
	if pat := subpathPattern(prefix); pat != "" {
		q += " WHERE apath LIKE ?"
		args = append(args, pat)
	}
	q += " ORDER BY LOWER(apath), timestamp"

	rows, err := s.db.QueryContext(context.Background(), q, args...)
	if err != nil {
		return nil, fmt.Errorf("grouping by apparent path: %w", err)
	}
	defer rows.Close()

	arts, err := scanArtifacts(rows)
	if err != nil {
		return nil, err
	}

	var groups []Group
	for _, a := range arts {
		if n := len(groups); n > 0 && groups[n-1].ApparentPath == a.ApparentPath {
			groups[n-1].Versions = append(groups[n-1].Versions, a)
			continue
		}
		groups = append(groups, Group{ApparentPath: a.ApparentPath, Versions: []*model.Artifact{a}})
	}
	return groups, nil
}

// All returns every cataloged row, ordered by apparent path then timestamp.
// Used by exports and sidecar rebuilds.
func (s *Store) All() ([]*model.Artifact, error) {
	rows, err := s.db.QueryContext(context.Background(),
		"SELECT "+artifactCols+" FROM artifacts ORDER BY LOWER(apath), timestamp")
	if err != nil {
		return nil, fmt.Errorf("listing index: %w", err)
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

// Stats summarizes the index: live file count and bytes at ts, plus totals
// across all versions. Reference and marker rows do not add bytes to the
// totals (their data lives elsewhere or is negligible).
type Stats struct {
	CurrentCount int
	CurrentBytes int64
	TotalCount   int
	TotalBytes   int64
}

// Summarize computes Stats as of ts.
func (s *Store) Summarize(ts int64) (*Stats, error) {
	st := &Stats{}

	current, err := s.StateAt(ts, "", false)
	if err != nil {
		return nil, err
	}
	for _, a := range current {
		st.CurrentCount++
		if a.Kind == model.KindRegular && a.Size > 0 {
			st.CurrentBytes += a.Size
		}
	}

	row := s.db.QueryRowContext(context.Background(), fmt.Sprintf(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN kind = %d AND size > 0 THEN size ELSE 0 END), 0)
		 FROM artifacts`, int(model.KindRegular)))
	if err := row.Scan(&st.TotalCount, &st.TotalBytes); err != nil {
		return nil, fmt.Errorf("summarizing index: %w", err)
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*model.Artifact, error) {
	var a model.Artifact
	var kind, dstinfo, pending int
	var mtime sql.NullInt64
	var hash, refRPath sql.NullString

	err := row.Scan(&a.ApparentPath, &a.RealPath, &a.Timestamp, &kind, &a.Size,
		&mtime, &hash, &refRPath, &dstinfo, &pending)
	if err != nil {
		return nil, err
	}
	a.Kind = model.Kind(kind)
	a.ModTime = mtime.Int64
	a.Hash = hash.String
	a.ReferentRealPath = refRPath.String
	a.DstInfo = dstinfo != 0
	a.PendingPrune = pending != 0
	return &a, nil
}

func scanArtifacts(rows *sql.Rows) ([]*model.Artifact, error) {
	var out []*model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
