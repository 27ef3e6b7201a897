// Package backpressure postpones collection while the local disk is filling up.
package backpressure

import (
	"context"
	"log/slog"
	"math"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/telhawk-systems/vectra-connector/common/logging"
)

const (
	DefaultPath      = "/"
	DefaultThreshold = 70
)

// Gate samples filesystem usage at path and refuses work at or above Threshold percent.
type Gate struct {
	path      string
	threshold int
	logger    *slog.Logger

	usage func(ctx context.Context, path string) (*disk.UsageStat, error)
}

func New(path string, threshold int, logger *slog.Logger) *Gate {
	if path == "" {
		path = DefaultPath
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		path:      path,
		threshold: threshold,
		logger:    logger.With(slog.String("component", "backpressure")),
		usage:     disk.UsageWithContext,
	}
}

// Threshold returns the configured limit in percent.
func (g *Gate) Threshold() int {
	return g.threshold
}

// UsagePercent returns the rounded used percentage. ok is false when the
// filesystem could not be sampled.
func (g *Gate) UsagePercent(ctx context.Context) (percent int, ok bool) {
	stat, err := g.usage(ctx, g.path)
	if err != nil || stat == nil {
		if err != nil {
			g.logger.ErrorContext(ctx, "failed to check disk space", slog.String("path", g.path), logging.Error(err))
		}
		return 0, false
	}
	return int(math.RoundToEven(stat.UsedPercent)), true
}

// Allow reports whether a collection cycle may proceed, and the usage seen.
// A sampling failure never allows.
func (g *Gate) Allow(ctx context.Context) (allowed bool, percent int) {
	percent, ok := g.UsagePercent(ctx)
	if !ok {
		return false, 0
	}
	if percent >= g.threshold {
		g.logger.InfoContext(ctx, "disk usage above threshold, skipping collection",
			logging.DiskUsage(percent),
			slog.Int("threshold", g.threshold))
		return false, percent
	}
	return true, percent
}
