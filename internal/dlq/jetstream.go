package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/vectra-connector/common/logging"
	"github.com/telhawk-systems/vectra-connector/common/messaging"
	"github.com/telhawk-systems/vectra-connector/internal/models"
)

// JetStreamQueue publishes failed batches to connector.dlq.<destination> so
// several connector instances can share one dead letter stream.
type JetStreamQueue struct {
	pub     messaging.Publisher
	logger  *slog.Logger
	now     func() time.Time
	written atomic.Uint64
}

// NewJetStreamQueue wraps a publisher whose stream already captures
// messaging.SubjectDLQAll.
func NewJetStreamQueue(pub messaging.Publisher, logger *slog.Logger) (*JetStreamQueue, error) {
	if pub == nil {
		return nil, fmt.Errorf("jetstream publisher is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JetStreamQueue{
		pub:    pub,
		logger: logger.With(slog.String("component", "dlq")),
		now:    time.Now,
	}, nil
}

// Write publishes a batch dest could not accept.
func (q *JetStreamQueue) Write(ctx context.Context, dest models.Destination, batch models.EventBatch, reason error) error {
	if q == nil {
		return nil
	}

	fb, err := newFailedBatch(dest, batch, reason, q.now())
	if err != nil {
		return err
	}
	data, err := json.Marshal(fb)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	msg := &messaging.Message{
		Subject: messaging.DLQSubject(dest.Name),
		Data:    data,
		Metadata: map[string]string{
			messaging.HeaderDestination: dest.Name,
			messaging.HeaderStream:      batch.Stream,
			messaging.HeaderReason:      fb.Error,
		},
		Timestamp: fb.Timestamp,
	}
	if err := q.pub.Publish(ctx, msg); err != nil {
		return err
	}

	q.written.Add(1)
	q.logger.WarnContext(ctx, "published failed batch to dead letter stream",
		slog.String("subject", msg.Subject),
		logging.Destination(dest.Name),
		logging.Stream(batch.Stream),
		logging.Events(batch.Len()))
	return nil
}

// Stats reports what this process has published.
func (q *JetStreamQueue) Stats(context.Context) (Stats, error) {
	if q == nil {
		return Stats{Backend: BackendJetStream}, nil
	}
	return Stats{Enabled: true, Backend: BackendJetStream, Written: q.written.Load()}, nil
}

// Close releases the publisher.
func (q *JetStreamQueue) Close() error {
	if q == nil {
		return nil
	}
	return q.pub.Close()
}
