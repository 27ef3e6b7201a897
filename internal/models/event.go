package models

import (
	"encoding/json"
	"time"
)

// EventBatch is one page of events bound for delivery. It is never persisted.
type EventBatch struct {
	Stream string            `json:"stream"`
	Events []json.RawMessage `json:"events"`
}

// Len returns the number of events in the batch.
func (b EventBatch) Len() int {
	return len(b.Events)
}

// Page is the vendor response for one events request.
type Page struct {
	Events         []json.RawMessage `json:"events"`
	NextCheckpoint *int64            `json:"next_checkpoint"`
	RemainingCount int64             `json:"remaining_count"`
}

// Credential is the live access/refresh token pair. Owned by the auth manager.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ObtainedAt   time.Time
	ExpiresAt    time.Time // zero when the server did not say
}

// Expired reports whether the credential expires within skew of now.
func (c Credential) Expired(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}
