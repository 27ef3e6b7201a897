package syslog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/telhawk-systems/vectra-connector/common/logging"
	"github.com/telhawk-systems/vectra-connector/internal/metrics"
	"github.com/telhawk-systems/vectra-connector/internal/models"
	"github.com/telhawk-systems/vectra-connector/internal/retry"
)

// Deliverer sends a batch to one destination.
type Deliverer interface {
	Deliver(ctx context.Context, batch models.EventBatch, dest models.Destination) (Report, error)
}

// DeadLetterWriter records batches that could not be delivered.
type DeadLetterWriter interface {
	Write(ctx context.Context, dest models.Destination, batch models.EventBatch, reason error) error
}

// Sender retries whole-batch deliveries. Retries is the normalized
// retry_count: negative retries until ctx ends, otherwise Retries+1 attempts
// are made before the batch is dead-lettered and a *retry.FatalError returned.
type Sender struct {
	deliverer Deliverer
	retries   int
	dlq       DeadLetterWriter
	logger    *slog.Logger

	sleep      retry.SleepFunc
	newBackOff func() backoff.BackOff
}

func NewSender(d Deliverer, retries int, dlq DeadLetterWriter, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		deliverer: d,
		retries:   retries,
		dlq:       dlq,
		logger:    logger.With(slog.String("component", "syslog")),
		sleep:     retry.Sleep,
		newBackOff: func() backoff.BackOff {
			return retry.NewExponential(time.Second, DefaultTimeout)
		},
	}
}

func (s *Sender) policy(dest models.Destination) retry.Policy {
	attempts := 0
	if s.retries >= 0 {
		attempts = s.retries + 1
	}
	return retry.Policy{
		Op:          "deliver to " + dest.Name,
		MaxAttempts: attempts,
		BackOff:     s.newBackOff(),
		Sleep:       s.sleep,
		OnRetry: func(err error, attempt int, wait time.Duration) {
			if s.retries < 0 {
				s.logger.Warn("retry count is less than 0, retrying continuously",
					logging.Destination(dest.Name), logging.Attempt(attempt), slog.Duration("wait", wait), logging.Error(err))
				return
			}
			s.logger.Warn("delivery failed, retrying",
				logging.Destination(dest.Name), logging.Attempt(attempt), slog.Duration("wait", wait), logging.Error(err))
		},
	}
}

// Send delivers batch to dest, retrying the entire batch on failure.
func (s *Sender) Send(ctx context.Context, batch models.EventBatch, dest models.Destination) error {
	err := s.policy(dest).Do(ctx, func(ctx context.Context, attempt int) retry.Outcome {
		_, err := s.deliverer.Deliver(ctx, batch, dest)
		switch {
		case err == nil:
			return retry.OK()
		case errors.Is(err, ErrTrustCertificate):
			metrics.DeliveryErrors.WithLabelValues(dest.Name).Inc()
			return retry.Fatal(err)
		default:
			metrics.DeliveryErrors.WithLabelValues(dest.Name).Inc()
			s.logger.ErrorContext(ctx, "connection error", logging.Destination(dest.Name), logging.Attempt(attempt), logging.Error(err))
			return retry.Retriable(err)
		}
	})
	if err == nil || ctx.Err() != nil {
		return err
	}

	if s.dlq != nil {
		if dlqErr := s.dlq.Write(ctx, dest, batch, err); dlqErr != nil {
			s.logger.ErrorContext(ctx, "failed to write batch to dead letter queue", logging.Destination(dest.Name), logging.Error(dlqErr))
		} else {
			metrics.DLQWrites.WithLabelValues(dest.Name).Inc()
		}
	}
	if !retry.IsFatal(err) {
		err = &retry.FatalError{Op: "deliver to " + dest.Name, Err: err}
	}
	return fmt.Errorf("syslog %s: %w", dest.Name, err)
}
