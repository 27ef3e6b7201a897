package syslog

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/telhawk-systems/vectra-connector/common/logging"
	"github.com/telhawk-systems/vectra-connector/internal/metrics"
	"github.com/telhawk-systems/vectra-connector/internal/models"
)

// DefaultQueueDepth bounds the batches waiting for one destination.
const DefaultQueueDepth = 64

var (
	// ErrQueueFull is the dead letter reason for batches a busy destination could not take.
	ErrQueueFull = errors.New("destination queue is full")

	ErrFanoutClosed = errors.New("fanout is closed")
)

// BatchSender delivers a batch to one destination with retries.
type BatchSender interface {
	Send(ctx context.Context, batch models.EventBatch, dest models.Destination) error
}

type FanoutOptions struct {
	// QueueDepth bounds each destination queue. Defaults to DefaultQueueDepth.
	QueueDepth int
	// Overflow receives batches dropped from a full queue. May be nil.
	Overflow DeadLetterWriter
	Logger   *slog.Logger
}

type queued struct {
	runID string
	batch models.EventBatch
	// flushed is closed by the worker instead of sending when set.
	flushed chan struct{}
}

// Fanout sends batches to many destinations. DeliverAll waits for every
// destination; Enqueue hands the batch to one worker per destination so a
// slow or failing destination never holds up the others or the caller.
type Fanout struct {
	sender   BatchSender
	depth    int
	overflow DeadLetterWriter
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	fatal  chan error

	mu      sync.Mutex
	queues  map[string]chan queued
	errs    []error
	closed  bool
	workers sync.WaitGroup
}

func NewFanout(sender BatchSender, opts FanoutOptions) *Fanout {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Fanout{
		sender:   sender,
		depth:    opts.QueueDepth,
		overflow: opts.Overflow,
		logger:   opts.Logger.With(slog.String("component", "fanout")),
		ctx:      ctx,
		cancel:   cancel,
		fatal:    make(chan error, 1),
		queues:   make(map[string]chan queued),
	}
}

// DeliverAll sends batch to every destination concurrently and waits for all
// of them. A failing destination does not cancel the others; their errors are
// joined.
func (f *Fanout) DeliverAll(ctx context.Context, batch models.EventBatch, dests []models.Destination) error {
	errs := make([]error, len(dests))

	var wg sync.WaitGroup
	for i, dest := range dests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.sender.Send(ctx, batch, dest)
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Enqueue queues batch for every destination and returns without waiting for
// delivery. A destination whose queue is full gets the batch dead-lettered
// with ErrQueueFull instead. Delivery failures are reported by Flush and Fatal.
func (f *Fanout) Enqueue(ctx context.Context, batch models.EventBatch, dests []models.Destination) error {
	item := queued{runID: logging.GetRunID(ctx), batch: batch}

	var full []models.Destination
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrFanoutClosed
	}
	for _, dest := range dests {
		q := f.queue(dest)
		select {
		case q <- item:
			metrics.QueueDepth.WithLabelValues(dest.Name).Set(float64(len(q)))
		default:
			full = append(full, dest)
		}
	}
	f.mu.Unlock()

	for _, dest := range full {
		f.overflowed(ctx, dest, batch)
	}
	return nil
}

// queue returns the queue for dest, starting its worker on first use.
// Callers hold f.mu.
func (f *Fanout) queue(dest models.Destination) chan queued {
	q, ok := f.queues[dest.Name]
	if !ok {
		q = make(chan queued, f.depth)
		f.queues[dest.Name] = q
		f.workers.Add(1)
		go f.work(dest, q)
	}
	return q
}

func (f *Fanout) work(dest models.Destination, q chan queued) {
	defer f.workers.Done()
	for {
		select {
		case <-f.ctx.Done():
			return
		case item := <-q:
			metrics.QueueDepth.WithLabelValues(dest.Name).Set(float64(len(q)))
			if item.flushed != nil {
				close(item.flushed)
				continue
			}
			ctx := logging.WithRunID(f.ctx, item.runID)
			if err := f.sender.Send(ctx, item.batch, dest); err != nil && f.ctx.Err() == nil {
				f.report(err)
			}
		}
	}
}

func (f *Fanout) report(err error) {
	f.mu.Lock()
	f.errs = append(f.errs, err)
	f.mu.Unlock()

	select {
	case f.fatal <- err:
	default:
	}
}

func (f *Fanout) overflowed(ctx context.Context, dest models.Destination, batch models.EventBatch) {
	metrics.QueueOverflows.WithLabelValues(dest.Name).Inc()
	log := f.logger.With(logging.Destination(dest.Name), logging.Stream(batch.Stream), logging.Events(batch.Len()))

	if f.overflow == nil {
		log.ErrorContext(ctx, "destination queue is full, dropping batch")
		return
	}
	if err := f.overflow.Write(ctx, dest, batch, ErrQueueFull); err != nil {
		log.ErrorContext(ctx, "destination queue is full and dead letter write failed", logging.Error(err))
		return
	}
	metrics.DLQWrites.WithLabelValues(dest.Name).Inc()
	log.WarnContext(ctx, "destination queue is full, batch written to dead letter queue")
}

// Fatal delivers the first delivery failure that outlived its retry budget.
func (f *Fanout) Fatal() <-chan error {
	return f.fatal
}

// Flush waits until every batch queued before the call has been handled and
// returns the delivery failures reported since the previous Flush.
func (f *Fanout) Flush(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrFanoutClosed
	}
	queues := make([]chan queued, 0, len(f.queues))
	for _, q := range f.queues {
		queues = append(queues, q)
	}
	f.mu.Unlock()

	markers := make([]chan struct{}, 0, len(queues))
	for _, q := range queues {
		done := make(chan struct{})
		select {
		case q <- queued{flushed: done}:
		case <-ctx.Done():
			return ctx.Err()
		case <-f.ctx.Done():
			return ErrFanoutClosed
		}
		markers = append(markers, done)
	}
	for _, done := range markers {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		case <-f.ctx.Done():
			return ErrFanoutClosed
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	err := errors.Join(f.errs...)
	f.errs = nil
	return err
}

// Close stops the workers, abandoning queued batches and in-flight retries.
func (f *Fanout) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	f.cancel()
	f.workers.Wait()
	return nil
}
