package vectra

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/vectra-connector/common/logging"
	"github.com/telhawk-systems/vectra-connector/internal/models"
	"github.com/telhawk-systems/vectra-connector/internal/retry"
)

type fakeAuth struct {
	mu       sync.Mutex
	token    string
	renewals []string
	renewErr error
}

func (f *fakeAuth) Token(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeAuth) Renew(_ context.Context, stale string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewals = append(f.renewals, stale)
	if f.renewErr != nil {
		return "", f.renewErr
	}
	f.token = fmt.Sprintf("token-%d", len(f.renewals)+1)
	return f.token, nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *fakeAuth, *httptest.Server, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	auth := &fakeAuth{token: "token-1"}
	var waits []time.Duration
	c := New(srv.URL+"/", auth, 5*time.Second, logging.Discard().Logger)
	c.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	c.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Second) }
	return c, auth, srv, &waits
}

func ptr(v int64) *int64 { return &v }

func TestQuery_Values(t *testing.T) {
	cold := Query{TimestampGTE: "2026-03-03T10:00:00Z"}.Values(models.Audit)
	assert.Equal(t, "1000", cold.Get("limit"))
	assert.Equal(t, "2026-03-03T10:00:00Z", cold.Get("event_timestamp_gte"))
	assert.False(t, cold.Has("from"))
	assert.False(t, cold.Has("type"))

	paging := Query{From: ptr(500), Limit: 50}.Values(models.EntityHost)
	assert.Equal(t, "500", paging.Get("from"))
	assert.Equal(t, "50", paging.Get("limit"))
	assert.Equal(t, "host", paging.Get("type"))
	assert.False(t, paging.Has("event_timestamp_gte"))

	zero := Query{From: ptr(0)}.Values(models.EntityAccount)
	assert.Equal(t, "0", zero.Get("from"))
	assert.Equal(t, "account", zero.Get("type"))
}

func TestFetchPage_Success(t *testing.T) {
	c, _, _, waits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3.3/events/detections", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "77", r.URL.Query().Get("from"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"events":[{"id":1},{"id":2}],"next_checkpoint":79,"remaining_count":0}`)
	})

	page, err := c.FetchPage(context.Background(), models.Detection, Query{From: ptr(77)})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.JSONEq(t, `{"id":2}`, string(page.Events[1]))
	require.NotNil(t, page.NextCheckpoint)
	assert.Equal(t, int64(79), *page.NextCheckpoint)
	assert.Equal(t, int64(0), page.RemainingCount)
	assert.Empty(t, *waits)
}

func TestFetchPage_UnauthorizedRenewsAndRetries(t *testing.T) {
	var calls atomic.Int32
	c, auth, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer token-2", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"events":[],"next_checkpoint":null,"remaining_count":0}`)
	})

	page, err := c.FetchPage(context.Background(), models.Audit, Query{})
	require.NoError(t, err)
	assert.Empty(t, page.Events)
	assert.Nil(t, page.NextCheckpoint)
	assert.Equal(t, []string{"token-1"}, auth.renewals)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchPage_UnauthorizedExhausts(t *testing.T) {
	var calls atomic.Int32
	c, auth, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.FetchPage(context.Background(), models.Audit, Query{})
	require.Error(t, err)

	var fe *retry.FatalError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 3, fe.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, auth.renewals, 2)
}

func TestFetchPage_RenewFailureIsFatal(t *testing.T) {
	c, auth, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	auth.renewErr = retry.Fatalf("acquire token", "client ID or client secret is incorrect")

	_, err := c.FetchPage(context.Background(), models.Audit, Query{})
	require.Error(t, err)
	assert.True(t, retry.IsFatal(err))
	assert.Len(t, auth.renewals, 1)
}

func TestFetchPage_TooManyRequests(t *testing.T) {
	var calls atomic.Int32
	c, _, _, waits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.FetchPage(context.Background(), models.Audit, Query{})
	require.Error(t, err)
	assert.True(t, retry.IsFatal(err))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, *waits)
}

func TestFetchPage_ServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, _, _, waits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.FetchPage(context.Background(), models.EntityAccount, Query{})
	require.Error(t, err)

	var fe *retry.FatalError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 5, fe.Attempts)
	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, []time.Duration{ServerErrorWait, ServerErrorWait, ServerErrorWait, ServerErrorWait}, *waits)
}

func TestFetchPage_NetworkErrors(t *testing.T) {
	c, _, srv, waits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	_, err := c.FetchPage(context.Background(), models.Audit, Query{})
	require.Error(t, err)
	assert.True(t, retry.IsFatal(err))
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second, time.Second}, *waits)
}

func TestFetchPage_MixedFailuresThenSuccess(t *testing.T) {
	var calls atomic.Int32
	c, _, _, waits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusBadGateway)
		case 2:
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			fmt.Fprint(w, `{"events":[{"id":9}],"next_checkpoint":10,"remaining_count":4}`)
		}
	})

	page, err := c.FetchPage(context.Background(), models.Detection, Query{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), page.RemainingCount)
	assert.Equal(t, []time.Duration{ServerErrorWait, 2 * time.Second}, *waits)
}

func TestFetchPage_ContextCanceled(t *testing.T) {
	c, _, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := c.FetchPage(ctx, models.Audit, Query{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, retry.IsFatal(err))
}
