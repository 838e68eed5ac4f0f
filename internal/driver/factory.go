package driver

import (
	"context"
	"fmt"
	"os"

	"dfb-go/internal/config"
	"dfb-go/internal/engine"
)

// NewFromConfig creates a Transfer implementation based on the driver
// config type.
func NewFromConfig(ctx context.Context, cfg config.DriverConfig) (engine.Transfer, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryDriver(), nil
	case "local":
		if cfg.SourceRoot == "" || cfg.DestRoot == "" {
			return nil, fmt.Errorf("local driver requires source_root and dest_root")
		}
		return NewLocalDriver(cfg.SourceRoot, cfg.DestRoot, cfg.Filters)
	case "s3":
		if cfg.SourceRoot == "" {
			return nil, fmt.Errorf("s3 driver requires source_root")
		}
		return NewS3Driver(ctx, S3Options{
			SourceRoot: cfg.SourceRoot,
			Bucket:     cfg.S3Bucket,
			Prefix:     cfg.S3Prefix,
			Region:     cfg.S3Region,
			Endpoint:   cfg.S3Endpoint,
			AccessKey:  os.Getenv("DFB_S3_ACCESS_KEY"),
			SecretKey:  os.Getenv("DFB_S3_SECRET_KEY"),
			Filters:    cfg.Filters,
		})
	default:
		return nil, fmt.Errorf("unknown driver type: %s", cfg.Type)
	}
}
