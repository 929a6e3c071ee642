package blob

import (
	"context"
	"fmt"

	"agritrace/internal/infra/blob/fs"
	memorystore "agritrace/internal/infra/blob/memory"
	infraS3 "agritrace/internal/infra/blob/s3"
)

// S3Config is the S3 driver configuration.
type S3Config = infraS3.Config

// Config selects a driver. An empty Driver disables the store.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// Open returns the configured store, or nil when Driver is empty.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case DriverFilesystem:
		return fs.New(cfg.FSRoot)
	case DriverS3:
		return infraS3.New(ctx, cfg.S3)
	case DriverMemory:
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

// NewMemory returns an in-memory store.
func NewMemory() Store { return memorystore.New() }

// NewMockS3ForTests exposes the fake-bucket S3 store for cross-package tests.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests(0) }
