package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/vectra-connector/common/messaging"
)

// JetStreamClient extends Client with JetStream persistence.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

var _ messaging.Publisher = (*JetStreamClient)(nil)

// StreamConfig defines a JetStream stream configuration.
type StreamConfig struct {
	Name     string
	Subjects []string

	// MaxAge is the maximum age of messages in the stream.
	MaxAge time.Duration

	// MaxBytes is the maximum total size of the stream.
	MaxBytes int64

	// MaxMsgs is the maximum number of messages in the stream.
	MaxMsgs int64

	Retention jetstream.RetentionPolicy
	Storage   jetstream.StorageType
}

// DLQStream holds batches a destination could not accept. Messages are kept
// until an operator replays or purges them, bounded by age and size.
var DLQStream = StreamConfig{
	Name:      "CONNECTOR_DLQ",
	Subjects:  []string{messaging.SubjectDLQAll},
	MaxAge:    7 * 24 * time.Hour,
	MaxBytes:  1024 * 1024 * 1024, // 1GB
	MaxMsgs:   1000000,
	Retention: jetstream.LimitsPolicy,
	Storage:   jetstream.FileStorage,
}

// NewJetStreamClient creates a JetStream-enabled client.
func NewJetStreamClient(cfg Config, logger *slog.Logger) (*JetStreamClient, error) {
	client, err := NewClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamClient{Client: client, js: js}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, cfg.jetstream())
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

func (cfg StreamConfig) jetstream() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		MaxAge:    cfg.MaxAge,
		MaxBytes:  cfg.MaxBytes,
		MaxMsgs:   cfg.MaxMsgs,
		Retention: cfg.Retention,
		Storage:   cfg.Storage,
	}
}

// Publish publishes msg and waits for the JetStream acknowledgment.
func (c *JetStreamClient) Publish(ctx context.Context, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	natsMsg := &nats.Msg{
		Subject: msg.Subject,
		Data:    msg.Data,
	}
	if len(msg.Metadata) > 0 {
		natsMsg.Header = make(nats.Header)
		for k, v := range msg.Metadata {
			natsMsg.Header.Set(k, v)
		}
	}

	if _, err := c.js.PublishMsg(ctx, natsMsg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}
