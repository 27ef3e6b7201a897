// Package messaging defines the broker abstraction the connector publishes
// dead-lettered batches through, without tying callers to a broker client.
package messaging

import (
	"context"
	"time"
)

// Message is a payload bound for, or read back from, a broker subject.
type Message struct {
	Subject string
	Data    []byte

	// Metadata is carried as message headers.
	Metadata map[string]string

	Timestamp time.Time
}

// Publisher publishes messages to subjects and waits for the broker to
// confirm persistence.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
	Close() error
}

// Header names set on dead-letter messages.
const (
	HeaderDestination = "Connector-Destination"
	HeaderStream      = "Connector-Stream"
	HeaderReason      = "Connector-Reason"
)
