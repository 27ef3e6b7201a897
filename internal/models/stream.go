package models

import "fmt"

// Stream identifiers. Each one owns exactly one checkpoint.
const (
	StreamAudit         = "audit"
	StreamEntityAccount = "entity_account"
	StreamEntityHost    = "entity_host"
	StreamDetection     = "detection"
)

// Stream describes one paginated vendor event feed.
type Stream struct {
	ID       string            // checkpoint key, e.g. "entity_host"
	Endpoint string            // path segment under /api/v3.3/events/
	Params   map[string]string // fixed query parameters, e.g. type=host
}

var (
	Audit         = Stream{ID: StreamAudit, Endpoint: "audits"}
	EntityAccount = Stream{ID: StreamEntityAccount, Endpoint: "entity_scoring", Params: map[string]string{"type": "account"}}
	EntityHost    = Stream{ID: StreamEntityHost, Endpoint: "entity_scoring", Params: map[string]string{"type": "host"}}
	Detection     = Stream{ID: StreamDetection, Endpoint: "detections"}
)

// AllStreams lists every stream in collection order.
func AllStreams() []Stream {
	return []Stream{Audit, EntityAccount, EntityHost, Detection}
}

// StreamByID looks up a stream by its checkpoint key.
func StreamByID(id string) (Stream, error) {
	for _, s := range AllStreams() {
		if s.ID == id {
			return s, nil
		}
	}
	return Stream{}, fmt.Errorf("unknown stream %q", id)
}
