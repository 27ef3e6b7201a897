// Package probe checks which syslog destinations accept connections at
// startup and persists the result for the dispatcher.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/telhawk-systems/vectra-connector/common/logging"
	"github.com/telhawk-systems/vectra-connector/internal/metrics"
	"github.com/telhawk-systems/vectra-connector/internal/models"
	"github.com/telhawk-systems/vectra-connector/internal/syslog"
)

const (
	DefaultStatusFile = "./server_status.json"
	DefaultTimeout    = 60 * time.Second
)

// ErrUnreachable is returned by Check when the only configured destination
// cannot be reached, leaving nothing to deliver to.
var ErrUnreachable = errors.New("syslog server is unreachable")

type dialFunc func(ctx context.Context, dest models.Destination, certDir string, timeout time.Duration) (net.Conn, error)

type Prober struct {
	certDir string
	timeout time.Duration
	logger  *slog.Logger
	dial    dialFunc
}

func New(certDir string, timeout time.Duration, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{
		certDir: certDir,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "probe")),
		dial:    syslog.Dial,
	}
}

// Probe dials every destination once, concurrently. TLS destinations must
// complete a handshake against their trust certificate to count as reachable.
func (p *Prober) Probe(ctx context.Context, dests []models.Destination) models.ReachabilityStatus {
	status := make(models.ReachabilityStatus, len(dests))
	var mu sync.Mutex

	var wg sync.WaitGroup
	for _, dest := range dests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok := p.probeOne(ctx, dest)
			mu.Lock()
			status[dest.Name] = ok
			mu.Unlock()
		}()
	}
	wg.Wait()
	return status
}

func (p *Prober) probeOne(ctx context.Context, dest models.Destination) bool {
	log := p.logger.With(logging.Destination(dest.Name), logging.Protocol(string(dest.Protocol)), slog.String("address", dest.Address()))

	conn, err := p.dial(ctx, dest, p.certDir, p.timeout)
	if err != nil {
		log.WarnContext(ctx, "syslog server is not reachable", logging.Error(err))
		metrics.DestinationReachable.WithLabelValues(dest.Name, string(dest.Protocol)).Set(0)
		return false
	}
	_ = conn.Close()

	log.InfoContext(ctx, "syslog server is reachable")
	metrics.DestinationReachable.WithLabelValues(dest.Name, string(dest.Protocol)).Set(1)
	return true
}

// Check fails when exactly one destination is configured and it is
// unreachable. With several destinations the unreachable ones are skipped.
func Check(status models.ReachabilityStatus, dests []models.Destination) error {
	if len(dests) == 1 && !status.Reachable(dests[0].Name) {
		return fmt.Errorf("%w: %s (%s)", ErrUnreachable, dests[0].Name, dests[0].Address())
	}
	return nil
}

// Save writes status to path atomically.
func Save(path string, status models.ReachabilityStatus) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal server status: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".server_status-*")
	if err != nil {
		return fmt.Errorf("create status file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close status file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename status file: %w", err)
	}
	return nil
}

// Load reads a status written by Save.
func Load(path string) (models.ReachabilityStatus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read server status: %w", err)
	}
	var status models.ReachabilityStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("parse server status %s: %w", path, err)
	}
	if status == nil {
		status = models.ReachabilityStatus{}
	}
	return status, nil
}
