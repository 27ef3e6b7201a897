package dlq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/telhawk-systems/vectra-connector/common/messaging/nats"
	"github.com/telhawk-systems/vectra-connector/internal/config"
	"github.com/telhawk-systems/vectra-connector/internal/models"
)

// Writer is the backend-independent dead letter sink.
type Writer interface {
	Write(ctx context.Context, dest models.Destination, batch models.EventBatch, reason error) error
	Stats(ctx context.Context) (Stats, error)
}

// Open returns the configured backend, or nil when the DLQ is disabled.
// The returned close func is never nil.
func Open(ctx context.Context, cfg config.DLQConfig, logger *slog.Logger) (Writer, func() error, error) {
	noop := func() error { return nil }
	if !cfg.Enabled {
		return nil, noop, nil
	}

	switch cfg.Backend {
	case "", BackendFile:
		q, err := NewQueue(cfg.BasePath, logger)
		if err != nil {
			return nil, noop, err
		}
		return q, noop, nil

	case BackendJetStream:
		natsCfg := nats.DefaultConfig()
		if cfg.NatsURL != "" {
			natsCfg.URL = cfg.NatsURL
		}
		js, err := nats.NewJetStreamClient(natsCfg, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("connect dlq jetstream: %w", err)
		}
		if _, err := js.CreateOrUpdateStream(ctx, nats.DLQStream); err != nil {
			js.Close()
			return nil, noop, fmt.Errorf("create dlq stream: %w", err)
		}
		q, err := NewJetStreamQueue(js, logger)
		if err != nil {
			js.Close()
			return nil, noop, err
		}
		return q, q.Close, nil

	default:
		return nil, noop, fmt.Errorf("unknown dlq backend %q", cfg.Backend)
	}
}
