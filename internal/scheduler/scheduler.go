// Package scheduler runs collection jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"

	"github.com/telhawk-systems/vectra-connector/common/logging"
	"github.com/telhawk-systems/vectra-connector/internal/retry"
)

// Job is one scheduled entry point.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context) error
}

type entry struct {
	job     Job
	expr    *cronexpr.Expression
	next    time.Time
	running atomic.Bool
}

// Scheduler fires each job at its cron times. A job never overlaps itself:
// a firing while the previous run is still going is skipped. A
// *retry.FatalError from any job stops the scheduler.
type Scheduler struct {
	entries []*entry
	logger  *slog.Logger

	now   func() time.Time
	after func(d time.Duration) <-chan time.Time

	fatal    chan error
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// New parses every job expression.
func New(jobs []Job, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		logger:  logger.With(slog.String("component", "scheduler")),
		now:     time.Now,
		after:   time.After,
		fatal:   make(chan error, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, job := range jobs {
		if job.Run == nil {
			return nil, fmt.Errorf("job %s: no run function", job.Name)
		}
		expr, err := cronexpr.Parse(job.Expr)
		if err != nil {
			return nil, fmt.Errorf("job %s: invalid cron expression %q: %w", job.Name, job.Expr, err)
		}
		s.entries = append(s.entries, &entry{job: job, expr: expr})
	}
	return s, nil
}

// Start runs the scheduler loop until Stop is called, ctx ends or a job
// fails fatally. In-flight jobs are cancelled and waited for before it
// returns. The returned error is nil unless a job was fatal.
func (s *Scheduler) Start(ctx context.Context) error {
	defer close(s.stopped)

	jobCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	now := s.now()
	for _, e := range s.entries {
		e.next = e.expr.Next(now)
		s.logger.Info("job scheduled",
			slog.String("job", e.job.Name),
			slog.String("cron", e.job.Expr),
			slog.Time("next_run", e.next))
	}

	for {
		var wake <-chan time.Time
		if next := s.earliest(); !next.IsZero() {
			wake = s.after(next.Sub(s.now()))
		}

		select {
		case <-wake:
			fired := s.now()
			for _, e := range s.entries {
				if e.next.IsZero() || e.next.After(fired) {
					continue
				}
				s.launch(jobCtx, e, &wg)
				e.next = e.expr.Next(fired)
			}
		case err := <-s.fatal:
			s.logger.Error("fatal job error, stopping scheduler", logging.Error(err))
			return err
		case <-s.stop:
			s.logger.Info("scheduler stopped")
			return nil
		case <-ctx.Done():
			s.logger.Info("scheduler context cancelled")
			return nil
		}
	}
}

// Stop signals the scheduler to stop and waits for Start to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.stopped
}

func (s *Scheduler) earliest() time.Time {
	var next time.Time
	for _, e := range s.entries {
		if e.next.IsZero() {
			continue
		}
		if next.IsZero() || e.next.Before(next) {
			next = e.next
		}
	}
	return next
}

func (s *Scheduler) launch(ctx context.Context, e *entry, wg *sync.WaitGroup) {
	if !e.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous run still in progress, skipping", slog.String("job", e.job.Name))
		return
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	runCtx := logging.WithRunID(ctx, id.String())

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer e.running.Store(false)

		start := time.Now()
		err := e.job.Run(runCtx)
		log := s.logger.With(slog.String("job", e.job.Name), logging.Duration(time.Since(start).Milliseconds()))

		switch {
		case err == nil:
			log.InfoContext(runCtx, "job finished")
		case retry.IsFatal(err):
			select {
			case s.fatal <- err:
			default:
			}
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			log.InfoContext(runCtx, "job cancelled")
		default:
			log.ErrorContext(runCtx, "job failed", logging.Error(err))
		}
	}()
}
