package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"chanfs/internal/chat"
	"chanfs/internal/config"
)

// lightweightSetter is implemented by every backend in this package.
type lightweightSetter interface {
	SetLightweight(bool)
}

// NewBackendFromConfig creates a chat.Backend implementation based on the backend config type.
// accountID names the sqlite channel database.
func NewBackendFromConfig(ctx context.Context, cfg config.BackendConfig, accountID string) (chat.Backend, error) {
	var (
		b   chat.Backend
		err error
	)

	switch cfg.Type {
	case "memory":
		b = NewMemoryBackend(cfg.Name)
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("sqlite backend requires data_dir to be set")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		name := accountID
		if name == "" {
			name = "channel"
		}
		b, err = NewSQLiteBackend(cfg.Name, filepath.Join(cfg.DataDir, name+".db"), cfg.Compress)
	case "s3":
		b, err = NewS3BackendFromOptions(ctx, cfg.Name, S3Options{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	b.(lightweightSetter).SetLightweight(cfg.Lightweight)
	return b, nil
}
