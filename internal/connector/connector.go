// Package connector wires configuration into a running collector:
// checkpoint store, auth, vendor client, disk gate, syslog delivery,
// dead letter queue and the cron scheduler.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/telhawk-systems/vectra-connector/common/logging"
	"github.com/telhawk-systems/vectra-connector/internal/authclient"
	"github.com/telhawk-systems/vectra-connector/internal/backpressure"
	"github.com/telhawk-systems/vectra-connector/internal/checkpoint"
	"github.com/telhawk-systems/vectra-connector/internal/collector"
	"github.com/telhawk-systems/vectra-connector/internal/config"
	"github.com/telhawk-systems/vectra-connector/internal/dlq"
	"github.com/telhawk-systems/vectra-connector/internal/models"
	"github.com/telhawk-systems/vectra-connector/internal/probe"
	"github.com/telhawk-systems/vectra-connector/internal/scheduler"
	"github.com/telhawk-systems/vectra-connector/internal/syslog"
	"github.com/telhawk-systems/vectra-connector/internal/vectra"
)

type Connector struct {
	cfg       *config.Config
	logger    *slog.Logger
	status    models.ReachabilityStatus
	store     checkpoint.Store
	dlq       dlq.Writer
	fanout    *syslog.Fanout
	collector *collector.Collector

	closers []func() error
}

// New validates cfg, probes the destinations and builds the pipeline.
// It fails when the only configured destination is unreachable.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Connector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &Connector{cfg: cfg, logger: logger.With(slog.String("component", "connector"))}
	dests := cfg.Destinations()

	prober := probe.New(cfg.TLS.CertDir, cfg.Probe.Timeout, logger)
	c.status = prober.Probe(ctx, dests)
	if err := probe.Save(cfg.Probe.StatusFile, c.status); err != nil {
		c.logger.Warn("failed to save server status", slog.String("path", cfg.Probe.StatusFile), logging.Error(err))
	}
	if err := probe.Check(c.status, dests); err != nil {
		return nil, err
	}

	store, err := checkpoint.Open(ctx, cfg.Checkpoint, logger)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	c.store = store
	c.closers = append(c.closers, store.Close)

	writer, closeDLQ, err := dlq.Open(ctx, cfg.DLQ, logger)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("open dead letter queue: %w", err)
	}
	c.dlq = writer
	c.closers = append(c.closers, closeDLQ)

	auth := authclient.New(authclient.Config{
		BaseURL:      cfg.Vectra.BaseURL,
		ClientID:     cfg.Vectra.ClientID,
		ClientSecret: cfg.Vectra.ClientSecret,
		Timeout:      cfg.Vectra.RequestTimeout,
	}, logger)
	client := vectra.New(cfg.Vectra.BaseURL, auth, cfg.Vectra.RequestTimeout, logger)
	gate := backpressure.New(cfg.Backpressure.Path, cfg.Backpressure.Threshold, logger)

	dispatcher := syslog.NewDispatcher(c.status, syslog.Options{
		CertDir: cfg.TLS.CertDir,
		Tag:     cfg.Delivery.Tag,
		Timeout: cfg.Delivery.Timeout,
	}, logger)

	var deadLetters syslog.DeadLetterWriter
	if writer != nil {
		deadLetters = writer
	}
	sender := syslog.NewSender(dispatcher, cfg.DispatchRetries(), deadLetters, logger)

	c.fanout = syslog.NewFanout(sender, syslog.FanoutOptions{
		QueueDepth: cfg.Delivery.QueueDepth,
		Overflow:   deadLetters,
		Logger:     logger,
	})
	c.closers = append(c.closers, c.fanout.Close)

	c.collector = collector.New(client, store, gate, c.fanout, dests, collector.Options{
		Guarantee: cfg.Delivery.Guarantee,
		PageSize:  cfg.Vectra.PageSize,
	}, logger)

	c.logger.Info("connector initialized",
		slog.Int("destinations", len(dests)),
		slog.Int("reachable", c.reachable()),
		slog.String("checkpoint_backend", cfg.Checkpoint.Backend),
		slog.String("delivery_guarantee", cfg.Delivery.Guarantee),
		slog.Bool("dlq_enabled", writer != nil))
	return c, nil
}

func (c *Connector) reachable() int {
	n := 0
	for _, ok := range c.status {
		if ok {
			n++
		}
	}
	return n
}

// Status returns the startup probe result.
func (c *Connector) Status() models.ReachabilityStatus {
	return c.status
}

// Collector exposes the collector for single-cycle runs.
func (c *Connector) Collector() *collector.Collector {
	return c.collector
}

// Jobs maps the configured cron expressions onto the collector entry points.
func (c *Connector) Jobs() []scheduler.Job {
	exprs := map[string]string{
		collector.JobAudit:         c.cfg.Scheduler.Audit,
		collector.JobEntityScoring: c.cfg.Scheduler.EntityScoring,
		collector.JobDetections:    c.cfg.Scheduler.Detections,
	}
	var jobs []scheduler.Job
	for _, name := range collector.Jobs() {
		jobs = append(jobs, scheduler.Job{
			Name: name,
			Expr: exprs[name],
			Run: func(ctx context.Context) error {
				_, err := c.collector.RunJob(ctx, name)
				return err
			},
		})
	}
	return jobs
}

// RunOnce runs one cycle of job and waits for its queued deliveries.
func (c *Connector) RunOnce(ctx context.Context, job string) ([]collector.Result, error) {
	results, err := c.collector.RunJob(ctx, job)
	if flushErr := c.fanout.Flush(ctx); flushErr != nil {
		err = errors.Join(err, flushErr)
	}
	return results, err
}

// Run schedules the jobs and serves metrics until ctx ends or a job fails
// fatally. A non-nil error means the process must exit non-zero.
func (c *Connector) Run(ctx context.Context) error {
	sched, err := scheduler.New(c.Jobs(), c.logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var srvErr chan error
	if c.cfg.Metrics.Enabled {
		srv := NewStatusServer(c.cfg.Metrics.Port, c, c.logger)
		srvErr = make(chan error, 1)
		go func() {
			srvErr <- srv.ListenAndServe(ctx)
		}()
	}

	deliveryErr := make(chan error, 1)
	go func() {
		select {
		case err := <-c.fanout.Fatal():
			c.logger.Error("delivery failed fatally, stopping scheduler", logging.Error(err))
			deliveryErr <- err
			sched.Stop()
		case <-ctx.Done():
		}
	}()

	err = sched.Start(ctx)
	cancel()
	if srvErr != nil {
		if serveErr := <-srvErr; serveErr != nil {
			c.logger.Error("status server error", logging.Error(serveErr))
		}
	}
	if err == nil {
		select {
		case err = <-deliveryErr:
		default:
		}
	}
	return err
}

// Close stops delivery and releases the checkpoint store and the dead letter queue.
func (c *Connector) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// Checkpoints opens the configured store for inspection without probing
// destinations. The caller closes it.
func Checkpoints(ctx context.Context, cfg *config.Config, logger *slog.Logger) (checkpoint.Store, error) {
	return checkpoint.Open(ctx, cfg.Checkpoint, logger)
}
