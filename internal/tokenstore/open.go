package tokenstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alexjbarnes/shop-connector/internal/config"
	"github.com/alexjbarnes/shop-connector/internal/models"
)

// Store is the common surface of every backend.
type Store interface {
	Get(ctx context.Context, installID string) (*models.Credentials, error)
	Upsert(ctx context.Context, installID string, creds models.Credentials) error
	Delete(ctx context.Context, installID string) (bool, error)
	HasTokens(ctx context.Context, installID string) (bool, error)
	Count(ctx context.Context) (int, error)
	DecryptFailures() int64
	Close() error
}

var (
	_ Store = (*BoltStore)(nil)
	_ Store = (*SQLStore)(nil)
)

// Open builds the backend named by cfg.StoreDriver.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error) {
	key := cfg.EncryptionKey()

	switch cfg.StoreDriver {
	case config.StoreBolt:
		return OpenBolt(cfg.StorePath, key, logger)
	case config.StoreSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.StorePath), dataDirPerm); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}

		return OpenSQL(ctx, DialectSQLite, cfg.StorePath, key, logger)
	case config.StorePostgres:
		return OpenSQL(ctx, DialectPostgres, cfg.DatabaseURL, key, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
