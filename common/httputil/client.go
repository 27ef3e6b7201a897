package httputil

import (
	"net/http"
	"time"

	"github.com/telhawk-systems/vectra-connector/common/logging"
)

// UserAgent identifies the connector to upstream APIs.
const UserAgent = "vectra-syslog-connector/1.0"

// NewClient returns an http.Client that stamps every request with the
// connector User-Agent and, when present in the request context, the
// collection run ID as X-Request-ID.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &headerTransport{base: http.DefaultTransport},
	}
}

type headerTransport struct {
	base http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	if r.Header.Get("User-Agent") == "" {
		r.Header.Set("User-Agent", UserAgent)
	}
	if id := logging.GetRunID(req.Context()); id != "" && r.Header.Get("X-Request-ID") == "" {
		r.Header.Set("X-Request-ID", id)
	}
	return t.base.RoundTrip(r)
}
