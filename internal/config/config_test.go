package config

import (
	"strings"
	"testing"

	"dfb-go/internal/engine"
)

func TestReadConfig(t *testing.T) {
	input := `
config_id = "cfg-1"
host_id = "host-1"
compare = "hash"
renames = "mtime"
server_side_copy_moves = true
empty_dir_markers = true
reference_min_size = 1048576
concurrency = 8

[driver]
type = "s3"
source_root = "/data"
s3_bucket = "backups"
s3_prefix = "machine-a"
s3_region = "us-east-1"
filters = ["*.tmp", "cache/*"]
`
	m := &Manager{}
	cfg, err := m.Read(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if cfg.ConfigID != "cfg-1" || cfg.HostID != "host-1" {
		t.Errorf("ids = %q/%q", cfg.ConfigID, cfg.HostID)
	}
	if cfg.Driver.Type != "s3" || cfg.Driver.S3Bucket != "backups" {
		t.Errorf("driver = %+v", cfg.Driver)
	}
	if len(cfg.Driver.Filters) != 2 {
		t.Errorf("filters = %v", cfg.Driver.Filters)
	}

	opts, err := cfg.EngineOptions()
	if err != nil {
		t.Fatalf("EngineOptions() error = %v", err)
	}
	if opts.Compare != engine.AttribHash {
		t.Errorf("compare = %v, want hash", opts.Compare)
	}
	if opts.DstCompare != engine.AttribHash {
		t.Errorf("dst_compare should default to compare, got %v", opts.DstCompare)
	}
	if opts.Renames != engine.AttribMtime {
		t.Errorf("renames = %v, want mtime", opts.Renames)
	}
	if !opts.ServerSideCopyMoves || !opts.EmptyDirMarkers {
		t.Errorf("feature flags not carried: %+v", opts)
	}
	if opts.MtimeTolerance != 1.0 {
		t.Errorf("mtime tolerance default = %v, want 1.0", opts.MtimeTolerance)
	}
}

func TestRenamesDisabled(t *testing.T) {
	input := `
config_id = "cfg-1"
renames = "false"

[driver]
type = "memory"
`
	m := &Manager{}
	cfg, err := m.Read(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	opts, err := cfg.EngineOptions()
	if err != nil {
		t.Fatalf("EngineOptions() error = %v", err)
	}
	if opts.Renames != engine.AttribDisabled {
		t.Errorf("renames = %v, want disabled", opts.Renames)
	}
}

func TestBadAttribRejected(t *testing.T) {
	input := `
config_id = "cfg-1"
compare = "checksum-ish"

[driver]
type = "memory"
`
	m := &Manager{}
	cfg, err := m.Read(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if _, err := cfg.EngineOptions(); err == nil {
		t.Error("EngineOptions() accepted a bad compare attribute")
	}
}

func TestWriteRoundTrip(t *testing.T) {
	cfg := NewConfig("host-1", "cfg-1", "/var/log/dfb")
	cfg.Driver = DriverConfig{Type: "local", SourceRoot: "/src", DestRoot: "/dst"}

	var sb strings.Builder
	m := &Manager{}
	if err := m.Write(&sb, cfg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	back, err := m.Read(strings.NewReader(sb.String()))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if back.ConfigID != cfg.ConfigID || back.Driver.DestRoot != "/dst" {
		t.Errorf("round trip mismatch: %+v", back)
	}
}
