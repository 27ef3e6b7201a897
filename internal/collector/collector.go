// Package collector walks a Vectra event stream page by page, advancing the
// stream checkpoint and fanning every page out to the syslog destinations.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/telhawk-systems/vectra-connector/common/logging"
	"github.com/telhawk-systems/vectra-connector/internal/checkpoint"
	"github.com/telhawk-systems/vectra-connector/internal/config"
	"github.com/telhawk-systems/vectra-connector/internal/metrics"
	"github.com/telhawk-systems/vectra-connector/internal/models"
	"github.com/telhawk-systems/vectra-connector/internal/vectra"
)

const (
	// Lookback bounds a cold start: without a checkpoint only the last day is fetched.
	Lookback = 24 * time.Hour

	TimestampLayout = "2006-01-02T15:04:05Z"
)

// Job names as used by the scheduler configuration.
const (
	JobAudit         = "audit"
	JobEntityScoring = "entity_scoring"
	JobDetections    = "detections"
)

// State is the collector state for one stream within a cycle.
type State int

const (
	StateColdStart State = iota
	StatePaging
	StateDrained
)

func (s State) String() string {
	switch s {
	case StateColdStart:
		return "cold_start"
	case StatePaging:
		return "paging"
	case StateDrained:
		return "drained"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Fetcher returns one page of a stream.
type Fetcher interface {
	FetchPage(ctx context.Context, stream models.Stream, q vectra.Query) (*models.Page, error)
}

// Gate decides whether a page may be fetched.
type Gate interface {
	Allow(ctx context.Context) (allowed bool, percent int)
}

// Dispatcher hands a batch to every destination. DeliverAll waits for the
// deliveries; Enqueue only queues them.
type Dispatcher interface {
	DeliverAll(ctx context.Context, batch models.EventBatch, dests []models.Destination) error
	Enqueue(ctx context.Context, batch models.EventBatch, dests []models.Destination) error
}

// Result describes one stream cycle.
type Result struct {
	Stream    string
	State     State
	Pages     int
	Events    int
	Aborted   bool
	DiskUsage int
	Cursor    *int64
}

type Options struct {
	// Guarantee is config.AtMostOnce (checkpoint before dispatch) or
	// config.AtLeastOnce (checkpoint after every destination succeeded).
	Guarantee string
	PageSize  int
}

type Collector struct {
	fetcher      Fetcher
	store        checkpoint.Store
	gate         Gate
	dispatcher   Dispatcher
	destinations []models.Destination
	guarantee    string
	pageSize     int
	logger       *slog.Logger

	now func() time.Time
}

func New(f Fetcher, store checkpoint.Store, gate Gate, d Dispatcher, dests []models.Destination, opts Options, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Guarantee == "" {
		opts.Guarantee = config.AtMostOnce
	}
	if opts.PageSize <= 0 {
		opts.PageSize = vectra.DefaultPageSize
	}
	return &Collector{
		fetcher:      f,
		store:        store,
		gate:         gate,
		dispatcher:   d,
		destinations: dests,
		guarantee:    opts.Guarantee,
		pageSize:     opts.PageSize,
		logger:       logger.With(slog.String("component", "collector")),
		now:          time.Now,
	}
}

// Run drives one cycle of stream until the API has nothing more, the disk
// gate closes or an error occurs. Gate closures are not errors.
func (c *Collector) Run(ctx context.Context, stream models.Stream) (Result, error) {
	start := time.Now()
	res := Result{Stream: stream.ID, State: StateColdStart}
	log := c.logger.With(logging.Stream(stream.ID))

	res, err := c.run(ctx, stream, res, log)

	outcome := "drained"
	switch {
	case err != nil:
		outcome = "error"
	case res.Aborted:
		outcome = "aborted"
	}
	metrics.CyclesTotal.WithLabelValues(stream.ID, outcome).Inc()
	metrics.CycleDuration.WithLabelValues(stream.ID).Observe(time.Since(start).Seconds())

	log.InfoContext(ctx, "collection cycle finished",
		slog.String("outcome", outcome),
		slog.String("state", res.State.String()),
		slog.Int("pages", res.Pages),
		logging.Events(res.Events),
		logging.Duration(time.Since(start).Milliseconds()))
	return res, err
}

func (c *Collector) run(ctx context.Context, stream models.Stream, res Result, log *slog.Logger) (Result, error) {
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		allowed, percent := c.gate.Allow(ctx)
		res.DiskUsage = percent
		metrics.DiskUsagePercent.Set(float64(percent))
		if !allowed {
			log.InfoContext(ctx, "stop pulling events", logging.DiskUsage(percent))
			res.Aborted = true
			return res, nil
		}

		cursor, ok, err := c.store.Read(ctx, stream.ID)
		if err != nil {
			return res, fmt.Errorf("read checkpoint %s: %w", stream.ID, err)
		}

		q := vectra.Query{Limit: c.pageSize}
		if ok {
			res.State = StatePaging
			q.From = &cursor
		} else {
			res.State = StateColdStart
			q.TimestampGTE = c.now().UTC().Add(-Lookback).Format(TimestampLayout)
			log.InfoContext(ctx, "no checkpoint, starting collection from the last 24 hours", slog.String("event_timestamp_gte", q.TimestampGTE))
		}

		page, err := c.fetcher.FetchPage(ctx, stream, q)
		if err != nil {
			return res, err
		}
		res.Pages++
		metrics.PagesFetched.WithLabelValues(stream.ID).Inc()

		if len(page.Events) == 0 {
			log.InfoContext(ctx, "no new events")
			res.State = StateDrained
			return res, nil
		}
		res.Events += len(page.Events)
		metrics.EventsCollected.WithLabelValues(stream.ID).Add(float64(len(page.Events)))

		batch := models.EventBatch{Stream: stream.ID, Events: page.Events}
		if err := c.deliver(ctx, stream, batch, page.NextCheckpoint); err != nil {
			return res, err
		}
		if page.NextCheckpoint != nil {
			res.Cursor = page.NextCheckpoint
		}

		if page.RemainingCount == 0 {
			res.State = StateDrained
			return res, nil
		}
		if page.NextCheckpoint == nil {
			log.WarnContext(ctx, "more events remain but no next checkpoint was returned, ending cycle",
				slog.Int64("remaining_count", page.RemainingCount))
			res.State = StateDrained
			return res, nil
		}
		log.DebugContext(ctx, "more events remain", slog.Int64("remaining_count", page.RemainingCount))
	}
}

// deliver orders the checkpoint write and the fan-out per the delivery
// guarantee. At-least-once blocks paging on the slowest destination;
// at-most-once queues the batch and moves on.
func (c *Collector) deliver(ctx context.Context, stream models.Stream, batch models.EventBatch, next *int64) error {
	if c.guarantee == config.AtLeastOnce {
		if err := c.dispatcher.DeliverAll(ctx, batch, c.destinations); err != nil {
			return err
		}
		return c.save(ctx, stream, next)
	}

	if err := c.save(ctx, stream, next); err != nil {
		return err
	}
	return c.dispatcher.Enqueue(ctx, batch, c.destinations)
}

func (c *Collector) save(ctx context.Context, stream models.Stream, next *int64) error {
	if next == nil {
		return nil
	}
	if err := c.store.Write(ctx, stream.ID, *next); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", stream.ID, err)
	}
	metrics.Checkpoint.WithLabelValues(stream.ID).Set(float64(*next))
	return nil
}

// RunAudit collects the audit stream.
func (c *Collector) RunAudit(ctx context.Context) (Result, error) {
	return c.Run(ctx, models.Audit)
}

// RunEntityScoring collects account scoring then host scoring. A closed gate
// or an error on the account stream skips the host stream.
func (c *Collector) RunEntityScoring(ctx context.Context) ([]Result, error) {
	var results []Result
	for _, stream := range []models.Stream{models.EntityAccount, models.EntityHost} {
		res, err := c.Run(ctx, stream)
		results = append(results, res)
		if err != nil || res.Aborted {
			return results, err
		}
	}
	return results, nil
}

// RunDetections collects the detections stream.
func (c *Collector) RunDetections(ctx context.Context) (Result, error) {
	return c.Run(ctx, models.Detection)
}

// RunJob runs the entry point registered under a scheduler job name.
func (c *Collector) RunJob(ctx context.Context, job string) ([]Result, error) {
	switch job {
	case JobAudit:
		res, err := c.RunAudit(ctx)
		return []Result{res}, err
	case JobEntityScoring:
		return c.RunEntityScoring(ctx)
	case JobDetections:
		res, err := c.RunDetections(ctx)
		return []Result{res}, err
	default:
		return nil, fmt.Errorf("unknown job %q", job)
	}
}

// Jobs lists the scheduler job names.
func Jobs() []string {
	return []string{JobAudit, JobEntityScoring, JobDetections}
}
