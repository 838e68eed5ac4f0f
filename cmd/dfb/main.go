package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"dfb-go/internal/app"
	"dfb-go/internal/config"
	"dfb-go/internal/engine"
	"dfb-go/internal/naming"
	"dfb-go/internal/tstamp"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer
// a.Close(). operation identifies the CLI command being run.
func newApp(operation string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewApp(cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing: %w", err)
	}
	return a, nil
}

// runContext returns a context cancelled on SIGINT/SIGTERM so in-flight
// driver calls can finish and queued actions are discarded.
func runContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// confirm prompts on an interactive terminal; non-terminals auto-confirm.
func confirm(prompt string) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return true
	}
	fmt.Fprintf(os.Stderr, "%s [Y]/n: ", prompt)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	return !strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "n")
}

// parseWhen resolves a time expression flag, defaulting to now.
func parseWhen(a *app.App, expr string) (int64, error) {
	if expr == "" {
		expr = "now"
	}
	return a.ParseTime(expr)
}

var rootCmd = &cobra.Command{
	Use:   "dfb",
	Short: "Dated file backups: append-only, human-decodable destination names",
}

// config commands

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		configID := uuid.New().String()
		cfg := config.NewConfig(hostID, configID, "")

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID:   %s\n", hostID)
		fmt.Printf("Config ID: %s\n", configID)
		fmt.Println("Edit the [driver] section before the first backup.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Config ID: %s\n", cfg.ConfigID)
		fmt.Printf("Host ID:   %s\n", cfg.HostID)
		fmt.Printf("Driver:    %s\n", cfg.Driver.Type)
		fmt.Printf("Compare:   %s\n", cfg.Compare)
		fmt.Printf("Renames:   %s\n", cfg.Renames)
		return nil
	},
}

// backup command

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up the source to the destination",
	RunE: func(cmd *cobra.Command, args []string) error {
		dump, _ := cmd.Flags().GetString("dump")
		interactive, _ := cmd.Flags().GetBool("interactive")

		a, err := newApp("backup")
		if err != nil {
			return err
		}
		defer a.Close()

		if interactive && !confirm("Proceed with backup?") {
			return nil
		}

		ctx, cancel := runContext()
		defer cancel()

		report, status, err := a.Backup(ctx, dump)
		if err != nil {
			return err
		}
		fmt.Println(report.Summary())
		for _, f := range report.Failures() {
			fmt.Fprintf(os.Stderr, "failed: %s (%v)\n", f.APath, f.Err)
		}
		if status != engine.ExitOK {
			os.Exit(status)
		}
		return nil
	},
}

// prune commands

var pruneCmd = &cobra.Command{
	Use:   "prune WHEN",
	Short: "Remove artifacts no longer needed to restore retained times",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keep, _ := cmd.Flags().GetInt("keep")
		subdir, _ := cmd.Flags().GetString("subdir")
		dump, _ := cmd.Flags().GetString("dump")
		interactive, _ := cmd.Flags().GetBool("interactive")

		a, err := newApp("prune")
		if err != nil {
			return err
		}
		defer a.Close()

		if interactive && !confirm(fmt.Sprintf("Prune artifacts before %q?", args[0])) {
			return nil
		}

		ctx, cancel := runContext()
		defer cancel()

		report, status, err := a.Prune(ctx, args[0], keep, subdir, dump)
		if err != nil {
			return err
		}
		fmt.Println(report.Summary())
		if status != engine.ExitOK {
			os.Exit(status)
		}
		return nil
	},
}

// refresh command

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Rebuild the local index from the destination listing",
	RunE: func(cmd *cobra.Command, args []string) error {
		noSidecars, _ := cmd.Flags().GetBool("no-snapshots")

		a, err := newApp("refresh")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := runContext()
		defer cancel()

		if err := a.Refresh(ctx, !noSidecars); err != nil {
			return err
		}
		fmt.Println("Index rebuilt from destination.")
		return nil
	},
}

// listing commands

var lsCmd = &cobra.Command{
	Use:   "ls [PATH]",
	Short: "List the logical state at a point in time",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		at, _ := cmd.Flags().GetString("at")
		recursive, _ := cmd.Flags().GetBool("recursive")

		a, err := newApp("ls")
		if err != nil {
			return err
		}
		defer a.Close()

		ts, err := parseWhen(a, at)
		if err != nil {
			return err
		}

		subpath := ""
		if len(args) > 0 {
			subpath = args[0]
		}

		dirs, files, err := a.Resolver().Tree(ts, subpath, recursive)
		if err != nil {
			return err
		}
		for _, d := range dirs {
			fmt.Println(d)
		}
		for _, f := range files {
			fmt.Printf("%s  %8s  %s\n",
				time.Unix(f.Timestamp, 0).UTC().Format("2006-01-02T15:04:05Z"),
				humanize.IBytes(uint64(max64(f.Size, 0))),
				f.ApparentPath)
		}
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Emit the full state at a point in time as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		at, _ := cmd.Flags().GetString("at")
		deleted, _ := cmd.Flags().GetBool("deleted")

		a, err := newApp("snapshot")
		if err != nil {
			return err
		}
		defer a.Close()

		ts, err := parseWhen(a, at)
		if err != nil {
			return err
		}

		state, err := a.Resolver().StateAt(ts, "", engine.StateOptions{
			IncludeDeleted: deleted,
			Deref:          true,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		for _, r := range state {
			if err := enc.Encode(engine.RecordFromArtifact(r.Artifact)); err != nil {
				return err
			}
		}
		return nil
	},
}

var versionsCmd = &cobra.Command{
	Use:   "versions APATH",
	Short: "View the version history of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		refCounts, _ := cmd.Flags().GetBool("ref-count")

		a, err := newApp("versions")
		if err != nil {
			return err
		}
		defer a.Close()

		versions, err := a.Resolver().Versions(args[0], refCounts)
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			fmt.Println("No versions.")
			return nil
		}

		for _, v := range versions {
			size := humanize.IBytes(uint64(max64(v.Size, 0)))
			if v.Deleted() {
				size = "DEL"
			}
			line := fmt.Sprintf("%s  %-9s  %8s  %s",
				time.Unix(v.Timestamp, 0).UTC().Format("2006-01-02T15:04:05Z"),
				v.Kind, size, v.RealPath)
			if refCounts {
				line += fmt.Sprintf("  refs:%d", v.RefCount)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var timestampsCmd = &cobra.Command{
	Use:   "timestamps [PATH]",
	Short: "List distinct run timestamps",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		afterExpr, _ := cmd.Flags().GetString("after")
		beforeExpr, _ := cmd.Flags().GetString("before")

		a, err := newApp("timestamps")
		if err != nil {
			return err
		}
		defer a.Close()

		subpath := ""
		if len(args) > 0 {
			subpath = args[0]
		}

		var after, before int64
		if afterExpr != "" {
			if after, err = a.ParseTime(afterExpr); err != nil {
				return err
			}
		}
		if beforeExpr != "" {
			if before, err = a.ParseTime(beforeExpr); err != nil {
				return err
			}
		}

		stamps, err := a.Resolver().Timestamps(subpath, after, before)
		if err != nil {
			return err
		}
		for _, ts := range stamps {
			t := time.Unix(ts, 0).UTC()
			fmt.Printf("%s  (%s)\n", t.Format("2006-01-02T15:04:05Z"), t.Local().Format("2006-01-02 15:04:05 -0700"))
		}
		return nil
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show index totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		at, _ := cmd.Flags().GetString("at")

		a, err := newApp("summary")
		if err != nil {
			return err
		}
		defer a.Close()

		ts, err := parseWhen(a, at)
		if err != nil {
			return err
		}

		st, err := a.Resolver().Stats(ts)
		if err != nil {
			return err
		}
		fmt.Printf("Current: %d file(s), %s\n", st.CurrentCount, humanize.IBytes(uint64(st.CurrentBytes)))
		fmt.Printf("Total:   %d artifact(s), %s\n", st.TotalCount, humanize.IBytes(uint64(st.TotalBytes)))
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("history")
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.Runs(limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}
		for _, r := range runs {
			fmt.Printf("%s  up:%d ref:%d cp:%d del:%d prune:%d err:%d  %.1fs\n",
				time.Unix(r.Timestamp, 0).UTC().Format("2006-01-02T15:04:05Z"),
				r.Uploads, r.Refs, r.Copies, r.Deletes, r.Prunes, r.Errors, r.ElapsedS)
		}
		return nil
	},
}

// advanced commands

var advCmd = &cobra.Command{
	Use:   "adv",
	Short: "Advanced workflows",
}

var dbimportCmd = &cobra.Command{
	Use:   "dbimport FILE...",
	Short: "Load action-record files into the index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reset, _ := cmd.Flags().GetBool("reset")

		a, err := newApp("dbimport")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Import(args, reset); err != nil {
			return err
		}
		fmt.Printf("Imported %d file(s)\n", len(args))
		return nil
	},
}

var prunePathCmd = &cobra.Command{
	Use:   "prunepath RPATH...",
	Short: "Prune explicitly named destination paths",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		errIfRef, _ := cmd.Flags().GetBool("error-if-referenced")
		dump, _ := cmd.Flags().GetString("dump")

		a, err := newApp("prunepath")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := runContext()
		defer cancel()

		report, status, err := a.PruneRPaths(ctx, args, errIfRef, dump)
		if err != nil {
			return err
		}
		fmt.Println(report.Summary())
		if status != engine.ExitOK {
			os.Exit(status)
		}
		return nil
	},
}

// name-codec helpers

var utilsCmd = &cobra.Command{
	Use:   "utils",
	Short: "Name codec helpers",
}

var apath2rpathCmd = &cobra.Command{
	Use:   "apath2rpath APATH",
	Short: "Show the destination name for an apparent path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		at, _ := cmd.Flags().GetString("at")
		flagStr, _ := cmd.Flags().GetString("flag")

		expr := at
		if expr == "" {
			expr = "now"
		}
		ts, err := tstamp.ParseEpoch(expr, time.Now())
		if err != nil {
			return err
		}
		fmt.Println(naming.ToReal(args[0], ts, naming.Flag(flagStr)))
		return nil
	},
}

var rpath2apathCmd = &cobra.Command{
	Use:   "rpath2apath RPATH",
	Short: "Decode a destination name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		apath, ts, flag, err := naming.FromRealStrict(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("apath: %s\ntimestamp: %d (%s)\nflag: %q\n",
			apath, ts, time.Unix(ts, 0).UTC().Format("2006-01-02T15:04:05Z"), string(flag))
		return nil
	},
}

func max64(v, floor int64) int64 {
	if v < floor {
		return floor
	}
	return v
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	rootCmd.AddCommand(configCmd)

	backupCmd.Flags().String("dump", "", "Write planned actions to FILE instead of executing (- for stdout)")
	backupCmd.Flags().BoolP("interactive", "i", false, "Confirm before acting")
	rootCmd.AddCommand(backupCmd)

	pruneCmd.Flags().IntP("keep", "N", 0, "Keep N additional versions older than the cutoff")
	pruneCmd.Flags().String("subdir", "", "Only prune under this subdirectory")
	pruneCmd.Flags().String("dump", "", "Write prune records to FILE instead of executing (- for stdout)")
	pruneCmd.Flags().BoolP("interactive", "i", false, "Confirm before acting")
	rootCmd.AddCommand(pruneCmd)

	refreshCmd.Flags().Bool("no-snapshots", false, "Skip sidecar enrichment")
	rootCmd.AddCommand(refreshCmd)

	lsCmd.Flags().String("at", "", "Point in time (default now)")
	lsCmd.Flags().BoolP("recursive", "r", false, "Recurse into subdirectories")
	rootCmd.AddCommand(lsCmd)

	snapshotCmd.Flags().String("at", "", "Point in time (default now)")
	snapshotCmd.Flags().Bool("deleted", false, "Include delete markers")
	rootCmd.AddCommand(snapshotCmd)

	versionsCmd.Flags().Bool("ref-count", false, "Count references to each version")
	rootCmd.AddCommand(versionsCmd)

	timestampsCmd.Flags().String("after", "", "Only timestamps at or after this time")
	timestampsCmd.Flags().String("before", "", "Only timestamps at or before this time")
	rootCmd.AddCommand(timestampsCmd)

	summaryCmd.Flags().String("at", "", "Point in time (default now)")
	rootCmd.AddCommand(summaryCmd)

	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")
	rootCmd.AddCommand(historyCmd)

	dbimportCmd.Flags().Bool("reset", false, "Reset the index before importing")
	advCmd.AddCommand(dbimportCmd)
	prunePathCmd.Flags().Bool("error-if-referenced", false, "Fail instead of deleting referring artifacts")
	prunePathCmd.Flags().String("dump", "", "Write prune records to FILE instead of executing")
	advCmd.AddCommand(prunePathCmd)
	rootCmd.AddCommand(advCmd)

	apath2rpathCmd.Flags().String("at", "", "Timestamp expression (default now)")
	apath2rpathCmd.Flags().String("flag", "", "Optional flag: R or D")
	utilsCmd.AddCommand(apath2rpathCmd)
	utilsCmd.AddCommand(rpath2apathCmd)
	rootCmd.AddCommand(utilsCmd)
}
