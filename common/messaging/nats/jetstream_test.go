package nats

import (
	"log/slog"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"

	"github.com/telhawk-systems/vectra-connector/common/messaging"
)

func TestDLQStream_CapturesDestinationSubjects(t *testing.T) {
	cfg := DLQStream.jetstream()

	assert.Equal(t, "CONNECTOR_DLQ", cfg.Name)
	assert.Equal(t, []string{"connector.dlq.>"}, cfg.Subjects)
	assert.Equal(t, jetstream.LimitsPolicy, cfg.Retention)
	assert.Equal(t, jetstream.FileStorage, cfg.Storage)
	assert.Positive(t, cfg.MaxAge)
	assert.Contains(t, messaging.DLQSubject("siem-1"), "connector.dlq.")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.URL)
	assert.Equal(t, "vectra-connector", cfg.Name)
	assert.Equal(t, -1, cfg.MaxReconnects)
	assert.NotEmpty(t, cfg.Options(slog.Default()))
}
