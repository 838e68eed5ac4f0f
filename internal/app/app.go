// Package app wires configuration, driver, index, and engine into the
// operations the CLI exposes. Every invocation is a fresh instance; all
// mutable state lives in the index database and the lease file.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"dfb-go/internal/config"
	"dfb-go/internal/driver"
	"dfb-go/internal/engine"
	"dfb-go/internal/index"
	"dfb-go/internal/model"
	"dfb-go/internal/tstamp"
)

// App is the application layer between the CLI and the engine.
type App struct {
	cfg    *config.Config
	opts   engine.Options
	store  *index.Store
	driver engine.Transfer
	res    *engine.Resolver
	log    engine.Logger
	clock  engine.Clock

	lease      *engine.Lease
	logFile    *os.File
	runID      string
	nsDir      string
	scratchDir string
}

// NewApp creates a fully wired App from the given config. operation
// identifies the CLI command being run (e.g. "backup", "prune"). The caller
// must call Close when done.
func NewApp(cfg *config.Config, operation string) (*App, error) {
	if cfg.ConfigID == "" {
		return nil, fmt.Errorf("config has no config_id; run 'dfb config init' first")
	}

	opts, err := cfg.EngineOptions()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	drv, err := driver.NewFromConfig(context.Background(), cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("creating driver: %w", err)
	}

	cacheDir, err := drv.CacheDir()
	if err != nil {
		defaults, derr := GetDefaults()
		if derr != nil {
			return nil, derr
		}
		cacheDir = defaults["cache_dir"]
	}
	nsDir := filepath.Join(cacheDir, toolNS)

	store, err := index.NewStore(filepath.Join(nsDir, cfg.ConfigID+".db"))
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}

	lease, err := engine.AcquireLease(filepath.Join(nsDir, cfg.ConfigID+".lock"))
	if err != nil {
		store.Close()
		return nil, err
	}

	runID := time.Now().UTC().Format("20060102T150405Z")
	logDir := cfg.LogDir
	if logDir == "" {
		logDir = filepath.Join(nsDir, "log")
	}
	logger, logFile, err := newLogger(logDir, runID)
	if err != nil {
		lease.Release()
		store.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	log := &slogAdapter{l: logger.With("op", operation)}
	return &App{
		cfg:        cfg,
		opts:       opts,
		store:      store,
		driver:     drv,
		res:        engine.NewResolver(store, log),
		log:        log,
		clock:      engine.RealClock{},
		lease:      lease,
		logFile:    logFile,
		runID:      runID,
		nsDir:      nsDir,
		scratchDir: filepath.Join(nsDir, cfg.ConfigID+".scratch"),
	}, nil
}

// Close releases the run lease and closes the index and log file.
func (a *App) Close() error {
	var first error
	if err := a.lease.Release(); err != nil && first == nil {
		first = err
	}
	if err := a.store.Close(); err != nil && first == nil {
		first = err
	}
	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ParseTime parses a user time expression against the real clock.
func (a *App) ParseTime(expr string) (int64, error) {
	return tstamp.ParseEpoch(expr, a.clock.Now())
}

// Backup runs one backup. When dumpPath is non-empty the planned actions
// are written there instead of executed ("-" for stdout). Returns the run
// report and the derived exit status.
func (a *App) Backup(ctx context.Context, dumpPath string) (*engine.RunReport, int, error) {
	if err := runHook(a.cfg.PreRun, "", 0); err != nil {
		return nil, engine.ExitActionFailed, fmt.Errorf("pre-run hook: %w", err)
	}

	started := a.clock.Now()
	b := engine.NewBackup(a.store, a.driver, a.log, a.clock, a.opts)

	if dumpPath != "" {
		w, closeFn, err := openDumpOutput(dumpPath)
		if err != nil {
			return nil, engine.ExitActionFailed, err
		}
		b.Dump = engine.NewDumpWriter(w)
		report, err := b.Run(ctx)
		closeFn()
		if err != nil {
			return nil, engine.ExitDriverOutage, err
		}
		return report, report.ExitStatus(), nil
	}

	sidecar, err := engine.NewSidecarWriter(a.scratchDir, engine.SidecarBackup, started.UTC())
	if err != nil {
		return nil, engine.ExitActionFailed, err
	}
	b.Sidecar = sidecar

	report, err := b.Run(ctx)
	if err != nil {
		sidecar.Discard()
		return nil, engine.ExitDriverOutage, err
	}

	if err := sidecar.Push(ctx, a.driver); err != nil {
		a.log.Warn("sidecar push failed", "err", err)
	}

	a.recordRun(started, report)
	if err := runHook(a.cfg.PostRun, report.Summary(), report.ErrCount()); err != nil {
		a.log.Warn("post-run hook failed", "err", err)
	}
	a.uploadLog(ctx)
	return report, report.ExitStatus(), nil
}

// Prune removes artifacts older than the cutoff expression while keeping
// every retained timestamp restorable.
func (a *App) Prune(ctx context.Context, when string, keep int, subdir, dumpPath string) (*engine.RunReport, int, error) {
	cutoff, err := a.ParseTime(when)
	if err != nil {
		return nil, engine.ExitActionFailed, err
	}

	p := engine.NewPrune(a.store, a.driver, a.log, a.opts)
	candidates, err := p.PlanByDate(cutoff, keep, subdir)
	if err != nil {
		return nil, engine.ExitActionFailed, err
	}
	return a.executePrune(ctx, p, candidates, dumpPath)
}

// PruneRPaths removes explicitly named real paths (and, unless
// errIfReferenced, the references that would break).
func (a *App) PruneRPaths(ctx context.Context, rpaths []string, errIfReferenced bool, dumpPath string) (*engine.RunReport, int, error) {
	p := engine.NewPrune(a.store, a.driver, a.log, a.opts)
	candidates, err := p.PlanByRPaths(rpaths, errIfReferenced)
	if err != nil {
		return nil, engine.ExitActionFailed, err
	}
	return a.executePrune(ctx, p, candidates, dumpPath)
}

func (a *App) executePrune(ctx context.Context, p *engine.Prune, candidates []engine.Candidate, dumpPath string) (*engine.RunReport, int, error) {
	if dumpPath != "" {
		w, closeFn, err := openDumpOutput(dumpPath)
		if err != nil {
			return nil, engine.ExitActionFailed, err
		}
		p.Dump = engine.NewDumpWriter(w)
		report, err := p.Execute(ctx, candidates)
		closeFn()
		if err != nil {
			return nil, engine.ExitActionFailed, err
		}
		return report, report.ExitStatus(), nil
	}

	started := a.clock.Now()
	sidecar, err := engine.NewSidecarWriter(a.scratchDir, engine.SidecarPrune, started.UTC())
	if err != nil {
		return nil, engine.ExitActionFailed, err
	}
	p.Sidecar = sidecar

	report, err := p.Execute(ctx, candidates)
	if err != nil {
		sidecar.Discard()
		return nil, engine.ExitActionFailed, err
	}
	if err := sidecar.Push(ctx, a.driver); err != nil {
		a.log.Warn("sidecar push failed", "err", err)
	}
	a.recordRun(started, report)
	return report, report.ExitStatus(), nil
}

// Refresh rebuilds the index from the authoritative destination listing.
func (a *App) Refresh(ctx context.Context, useSidecars bool) error {
	r := engine.NewRefresh(a.store, a.driver, a.log, a.clock, a.opts)
	return r.Run(ctx, useSidecars)
}

// Import loads action-record files into the index without requiring
// destination objects. Files ending in .gz are decompressed.
func (a *App) Import(paths []string, reset bool) error {
	var files []engine.ImportFile
	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("opening import file: %w", err)
		}
		closers = append(closers, f)

		var r io.Reader = f
		if strings.HasSuffix(p, ".gz") {
			zr, err := gzip.NewReader(f)
			if err != nil {
				return fmt.Errorf("decompressing %s: %w", p, err)
			}
			closers = append(closers, zr)
			r = zr
		}
		files = append(files, engine.ImportFile{Name: filepath.Base(p), R: r})
	}

	ref := engine.NewRefresh(a.store, a.driver, a.log, a.clock, a.opts)
	return ref.Import(files, reset)
}

// Resolver exposes the point-in-time query surface.
func (a *App) Resolver() *engine.Resolver { return a.res }

// Runs lists recent run records.
func (a *App) Runs(limit int) ([]*model.RunRecord, error) {
	return a.store.ListRuns(limit)
}

func (a *App) recordRun(started time.Time, report *engine.RunReport) {
	rec := &model.RunRecord{
		Timestamp: started.UTC().Unix(),
		HostID:    a.cfg.HostID,
		ConfigID:  a.cfg.ConfigID,
		Uploads:   report.Uploads,
		Refs:      report.Refs,
		Copies:    report.Copies,
		Deletes:   report.Deletes,
		Prunes:    report.Prunes,
		Errors:    report.ErrCount(),
		ElapsedS:  a.clock.Now().Sub(started).Seconds(),
	}
	if err := a.store.InsertRun(rec); err != nil {
		a.log.Warn("could not record run", "err", err)
	}
}

// uploadLog pushes a copy of the log file next to the artifacts so the
// destination is self-describing. The log file is appended to across runs,
// so the copy also holds the lines of earlier runs.
func (a *App) uploadLog(ctx context.Context) {
	if a.logFile == nil {
		return
	}
	data, err := os.ReadFile(a.logFile.Name())
	if err != nil {
		a.log.Warn("cannot read log for upload", "err", err)
		return
	}
	name := engine.LogPrefix + a.runID + ".log"
	if err := a.driver.PutSmall(ctx, name, data); err != nil {
		a.log.Warn("log upload failed", "err", err)
	}
}

// openDumpOutput opens the dump target: "-" is stdout, a .gz suffix
// compresses.
func openDumpOutput(path string) (io.Writer, func() error, error) {
	if path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("creating dump file: %w", err)
	}
	if strings.HasSuffix(path, ".gz") {
		zw := gzip.NewWriter(f)
		return zw, func() error {
			if err := zw.Close(); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		}, nil
	}
	return f, f.Close, nil
}
