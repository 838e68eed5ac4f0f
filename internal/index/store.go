// Package index implements the local catalog of every artifact observed at
// the destination. One SQLite database per config_id, cached locally; the
// authoritative state is always the destination itself (see refresh).
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"dfb-go/internal/index/migrations"
	"dfb-go/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ErrRealPathConflict reports an insert whose real path is already cataloged
// with a different kind or referent.
var ErrRealPathConflict = errors.New("real path already cataloged with different kind or referent")

// ErrDuplicateVersion reports a second insert for the same
// (apparent path, timestamp) pair.
var ErrDuplicateVersion = errors.New("version already cataloged for apparent path and timestamp")

// Store is the SQLite-backed artifact catalog. Mutations are serialized
// through a single writer lock held only for the commit of one action;
// readers go straight to the database.
type Store struct {
	db   *sql.DB
	path string

	wmu sync.Mutex // single-writer discipline
}

// NewStore opens (creating and migrating if needed) the index database at
// path. path can be ":memory:" for tests.
func NewStore(path string) (*Store, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating index schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// NewStoreFromDB wraps an existing connection. The caller is responsible for
// the schema and for closing the connection.
func NewStoreFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// OpenConnection opens and configures a SQLite connection with the PRAGMAs
// the index relies on. Exported for tools and tests.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}

	// An in-memory database exists per connection; the pool must not open
	// a second one.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configuring index database: %w", err)
		}
	}
	return db, nil
}

// Path returns the database file path ("" when wrapping a raw connection).
func (s *Store) Path() string { return s.path }

// Check verifies the schema is at the latest migration.
func (s *Store) Check() error {
	return migrations.Check(s.db)
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const artifactCols = "apath, rpath, timestamp, kind, size, mtime, hash, ref_rpath, dstinfo, pending_prune"

// Insert catalogs a new artifact. It enforces the write invariants: the real
// path must not already be cataloged with a different kind or referent, and
// at most one row may exist per (apath, timestamp).
func (s *Store) Insert(a *model.Artifact) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var kind int
	var refRPath sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT kind, ref_rpath FROM artifacts WHERE rpath = ?", a.RealPath).
		Scan(&kind, &refRPath)
	switch {
	case err == nil:
		if model.Kind(kind) != a.Kind || refRPath.String != a.ReferentRealPath {
			return fmt.Errorf("%w: %s", ErrRealPathConflict, a.RealPath)
		}
		return fmt.Errorf("%w: %s", ErrDuplicateVersion, a.RealPath)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("checking for existing real path: %w", err)
	}

	var n int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM artifacts WHERE apath = ? AND timestamp = ?",
		a.ApparentPath, a.Timestamp).Scan(&n); err != nil {
		return fmt.Errorf("checking for existing version: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateVersion, a.RealPath)
	}

	if err := execInsert(ctx, tx, "INSERT", a); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing insert: %w", err)
	}
	return nil
}

// Replace catalogs an artifact, overwriting any row with the same primary
// key. Used by refresh and import, where the listing is authoritative.
func (s *Store) Replace(a *model.Artifact) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return execInsert(context.Background(), s.db, "INSERT OR REPLACE", a)
}

// ReplaceMany catalogs a batch of artifacts in one transaction.
func (s *Store) ReplaceMany(arts []*model.Artifact) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, a := range arts {
		if err := execInsert(ctx, tx, "INSERT OR REPLACE", a); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execInsert(ctx context.Context, db execer, verb string, a *model.Artifact) error {
	_, err := db.ExecContext(ctx,
		verb+" INTO artifacts ("+artifactCols+") VALUES (?,?,?,?,?,?,?,?,?,?)",
		a.ApparentPath, a.RealPath, a.Timestamp, int(a.Kind), a.Size,
		nullInt(a.ModTime), nullStr(a.Hash), nullStr(a.ReferentRealPath),
		boolInt(a.DstInfo), boolInt(a.PendingPrune))
	if err != nil {
		return fmt.Errorf("cataloging %s: %w", a.RealPath, err)
	}
	return nil
}

// UpdateSourceInfo refreshes the enrichment fields of the row identified by
// real path without advancing its timestamp: mtime, hash, and the dstinfo
// flag. Used when a source listing supersedes destination-derived metadata.
func (s *Store) UpdateSourceInfo(a *model.Artifact) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	_, err := s.db.ExecContext(context.Background(),
		"UPDATE artifacts SET mtime = ?, hash = ?, dstinfo = ? WHERE rpath = ?",
		nullInt(a.ModTime), nullStr(a.Hash), boolInt(a.DstInfo), a.RealPath)
	if err != nil {
		return fmt.Errorf("updating source info for %s: %w", a.RealPath, err)
	}
	return nil
}

// MarkPendingPrune annotates the given real paths in a single transaction so
// that the rows of an interrupted prune stay marked in the index. A refresh
// rebuilds all rows without the mark.
func (s *Store) MarkPendingPrune(rpaths []string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "UPDATE artifacts SET pending_prune = 1 WHERE rpath = ?")
	if err != nil {
		return fmt.Errorf("preparing prune annotation: %w", err)
	}
	defer stmt.Close()

	for _, rpath := range rpaths {
		if _, err := stmt.ExecContext(ctx, rpath); err != nil {
			return fmt.Errorf("annotating %s: %w", rpath, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing prune annotations: %w", err)
	}
	return nil
}

// DeleteByRPath removes every row cataloged under the real path.
func (s *Store) DeleteByRPath(rpath string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	_, err := s.db.ExecContext(context.Background(),
		"DELETE FROM artifacts WHERE rpath = ?", rpath)
	if err != nil {
		return fmt.Errorf("removing %s from index: %w", rpath, err)
	}
	return nil
}

// Reset drops every artifact row, keeping the schema and run history.
func (s *Store) Reset() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	_, err := s.db.ExecContext(context.Background(), "DELETE FROM artifacts")
	if err != nil {
		return fmt.Errorf("resetting index: %w", err)
	}
	return nil
}

// InsertRun records a completed run's aggregates.
func (s *Store) InsertRun(r *model.RunRecord) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO runs (timestamp, host_id, config_id, uploads, refs, copies, deletes, prunes, errors, elapsed_s)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		r.Timestamp, r.HostID, r.ConfigID, r.Uploads, r.Refs, r.Copies,
		r.Deletes, r.Prunes, r.Errors, r.ElapsedS)
	if err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]*model.RunRecord, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT timestamp, host_id, config_id, uploads, refs, copies, deletes, prunes, errors, elapsed_s
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []*model.RunRecord
	for rows.Next() {
		var r model.RunRecord
		if err := rows.Scan(&r.Timestamp, &r.HostID, &r.ConfigID, &r.Uploads,
			&r.Refs, &r.Copies, &r.Deletes, &r.Prunes, &r.Errors, &r.ElapsedS); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
