package checkpoint

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/telhawk-systems/vectra-connector/internal/config"
)

// Open builds the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.CheckpointConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Dir, logger)
	case "redis":
		client, err := DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, cfg.KeyPrefix, logger), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %s (supported: file, redis)", cfg.Backend)
	}
}
