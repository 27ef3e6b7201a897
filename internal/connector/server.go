package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/vectra-connector/common/middleware"
	"github.com/telhawk-systems/vectra-connector/internal/dlq"
	"github.com/telhawk-systems/vectra-connector/internal/models"
)

const shutdownTimeout = 5 * time.Second

// statusSource is what the health endpoint reports on.
type statusSource interface {
	Status() models.ReachabilityStatus
	DeadLetterStats(ctx context.Context) (*dlq.Stats, error)
}

// StatusServer serves /metrics and /healthz.
type StatusServer struct {
	srv    *http.Server
	logger *slog.Logger
}

type healthResponse struct {
	Status       string                    `json:"status"`
	Destinations models.ReachabilityStatus `json:"destinations"`
	DLQ          *dlq.Stats                `json:"dlq,omitempty"`
}

func NewStatusServer(port int, src statusSource, logger *slog.Logger) *StatusServer {
	return &StatusServer{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           NewRouter(src, logger),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// NewRouter constructs the status routes.
func NewRouter(src statusSource, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Destinations: src.Status()}
		if stats, err := src.DeadLetterStats(r.Context()); err == nil {
			resp.DLQ = stats
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	mux.Handle("/metrics", promhttp.Handler())

	return middleware.RequestID(middleware.AccessLog(logger, mux))
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *StatusServer) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

// DeadLetterStats reports the dead letter queue, or nil when it is disabled.
func (c *Connector) DeadLetterStats(ctx context.Context) (*dlq.Stats, error) {
	if c.dlq == nil {
		return nil, nil
	}
	stats, err := c.dlq.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
