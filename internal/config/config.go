// Package config reads and writes the tool configuration file.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"dfb-go/internal/engine"
)

// Config is the main configuration. A config file describes one
// source/destination pairing; its ConfigID keys the local index.
type Config struct {
	ConfigID string `toml:"config_id"`
	HostID   string `toml:"host_id"`
	LogDir   string `toml:"log_dir"`

	// Comparison attributes: src-to-src, and src-to-dst for rows whose
	// metadata came from a destination listing. Values: "mtime", "size",
	// "hash". DstCompare empty means "same as compare".
	Compare    string `toml:"compare"`
	DstCompare string `toml:"dst_compare"`

	// Rename tracking attributes; "false" disables tracking.
	Renames    string `toml:"renames"`
	DstRenames string `toml:"dst_renames"`

	ServerSideCopyMoves bool    `toml:"server_side_copy_moves"`
	EmptyDirMarkers     bool    `toml:"empty_dir_markers"`
	MinRenameSize       int64   `toml:"min_rename_size"`
	ReferenceMinSize    int64   `toml:"reference_min_size"`
	MtimeTolerance      float64 `toml:"mtime_tolerance"`
	Concurrency         int     `toml:"concurrency"`
	Subdir              string  `toml:"subdir"`

	DisablePrune   bool `toml:"disable_prune"`
	DisableRefresh bool `toml:"disable_refresh"`

	// Shell hooks run before and after a backup run.
	PreRun  string `toml:"pre_run"`
	PostRun string `toml:"post_run"`

	Driver DriverConfig `toml:"driver"`
}

// DriverConfig selects and configures the transfer driver. This uses a
// tagged union pattern - the Type field determines which other fields are
// relevant.
type DriverConfig struct {
	Type string `toml:"type"` // "local", "s3", or "memory"

	SourceRoot string   `toml:"source_root"`
	Filters    []string `toml:"filters,omitempty"`

	// Local-specific (only used when Type == "local")
	DestRoot string `toml:"dest_root,omitempty"`

	// S3-specific (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"`
}

// NewConfig creates a Config with sensible defaults for a new setup.
func NewConfig(hostID, configID, logDir string) *Config {
	return &Config{
		ConfigID:       configID,
		HostID:         hostID,
		LogDir:         logDir,
		Compare:        "mtime",
		Renames:        "mtime",
		MtimeTolerance: 1.0,
		Driver:         DriverConfig{Type: "local"},
	}
}

// EngineOptions translates the configuration into engine options.
func (c *Config) EngineOptions() (engine.Options, error) {
	var opts engine.Options
	var err error

	if opts.Compare, err = engine.ParseAttrib(c.Compare); err != nil {
		return opts, fmt.Errorf("compare: %w", err)
	}
	dstCompare := c.DstCompare
	if dstCompare == "" {
		dstCompare = c.Compare
	}
	if opts.DstCompare, err = engine.ParseAttrib(dstCompare); err != nil {
		return opts, fmt.Errorf("dst_compare: %w", err)
	}
	if opts.Renames, err = engine.ParseAttrib(c.Renames); err != nil {
		return opts, fmt.Errorf("renames: %w", err)
	}
	dstRenames := c.DstRenames
	if dstRenames == "" {
		dstRenames = c.Renames
	}
	if opts.DstRenames, err = engine.ParseAttrib(dstRenames); err != nil {
		return opts, fmt.Errorf("dst_renames: %w", err)
	}

	opts.ServerSideCopyMoves = c.ServerSideCopyMoves
	opts.EmptyDirMarkers = c.EmptyDirMarkers
	opts.MinRenameSize = c.MinRenameSize
	opts.ReferenceMinSize = c.ReferenceMinSize
	opts.MtimeTolerance = c.MtimeTolerance
	if opts.MtimeTolerance == 0 {
		opts.MtimeTolerance = 1.0
	}
	opts.Concurrency = c.Concurrency
	opts.Subdir = c.Subdir
	opts.HostID = c.HostID
	opts.ConfigID = c.ConfigID
	opts.DisablePrune = c.DisablePrune
	opts.DisableRefresh = c.DisableRefresh
	return opts, nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
