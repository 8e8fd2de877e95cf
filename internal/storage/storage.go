package storage

import (
	"context"
	"fmt"

	"expense-ingest/pkg/config"

	"go.uber.org/zap"
)

// ArtifactStore keeps raw media (audio, receipt images) outside the database.
// Put is idempotent for a given key; keys are content addressed.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// New builds the artifact store selected by cfg.Driver.
func New(ctx context.Context, cfg *config.StorageConfig, logger *zap.Logger) (ArtifactStore, error) {
	switch cfg.Driver {
	case "local":
		return NewLocalStore(cfg.LocalDir, logger)
	case "s3":
		return NewS3Store(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
