// Package vectra fetches event pages from the Vectra detect SaaS API.
package vectra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/telhawk-systems/vectra-connector/common/httputil"
	"github.com/telhawk-systems/vectra-connector/common/logging"
	"github.com/telhawk-systems/vectra-connector/internal/metrics"
	"github.com/telhawk-systems/vectra-connector/internal/models"
	"github.com/telhawk-systems/vectra-connector/internal/retry"
)

const (
	eventsPath = "/api/v3.3/events/"

	DefaultPageSize = 1000
	defaultTimeout  = 30 * time.Second

	// ServerErrorWait is the fixed pause after a 5xx or unexpected status.
	ServerErrorWait = 10 * time.Second
)

// Per-class attempt budgets for one page.
const (
	maxUnauthorized = 3
	maxThrottled    = 3
	maxServerErrors = 5
	maxNetwork      = 5
	maxNetworkWait  = 30 * time.Second
)

// TokenSource supplies bearer tokens and replaces rejected ones.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Renew(ctx context.Context, stale string) (string, error)
}

// Query selects one page. From is the checkpoint cursor; when nil the
// TimestampGTE filter bounds a cold start.
type Query struct {
	From         *int64
	TimestampGTE string
	Limit        int
}

// Values renders the query parameters for stream s.
func (q Query) Values(s models.Stream) url.Values {
	v := url.Values{}
	for k, val := range s.Params {
		v.Set(k, val)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	v.Set("limit", strconv.Itoa(limit))
	if q.From != nil {
		v.Set("from", strconv.FormatInt(*q.From, 10))
	}
	if q.TimestampGTE != "" {
		v.Set("event_timestamp_gte", q.TimestampGTE)
	}
	return v
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       TokenSource
	logger     *slog.Logger

	sleep      retry.SleepFunc
	now        func() time.Time
	newBackOff func() backoff.BackOff
}

func New(baseURL string, auth TokenSource, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httputil.NewClient(timeout),
		auth:       auth,
		logger:     logger.With(slog.String("component", "vectra")),
		sleep:      retry.Sleep,
		now:        time.Now,
		newBackOff: func() backoff.BackOff {
			return retry.NewExponential(time.Second, maxNetworkWait)
		},
	}
}

// attemptBudget tracks failures per error class for one page.
type attemptBudget struct {
	unauthorized int
	throttled    int
	server       int
	network      int
}

// FetchPage requests one page of stream. A 401 renews the token and repeats
// the request, a 429 waits for Retry-After, a 5xx waits ServerErrorWait and
// network errors back off exponentially. Running out of any class budget
// yields a *retry.FatalError.
func (c *Client) FetchPage(ctx context.Context, stream models.Stream, q Query) (*models.Page, error) {
	endpoint := c.baseURL + eventsPath + stream.Endpoint + "?" + q.Values(stream).Encode()
	op := "fetch " + stream.ID
	log := c.logger.With(logging.Stream(stream.ID))

	var (
		page   *models.Page
		budget attemptBudget
	)
	policy := retry.Policy{
		Op:         op,
		MaxElapsed: maxNetworkWait,
		BackOff:    c.newBackOff(),
		Sleep:      c.sleep,
		OnRetry: func(err error, attempt int, wait time.Duration) {
			log.Warn("events request failed, retrying", logging.Attempt(attempt), slog.Duration("wait", wait), logging.Error(err))
		},
	}

	err := policy.Do(ctx, func(ctx context.Context, attempt int) retry.Outcome {
		token, err := c.auth.Token(ctx)
		if err != nil {
			return passThrough(err)
		}

		log.InfoContext(ctx, "started events collection", logging.Attempt(attempt))
		p, status, out := c.get(ctx, endpoint, token, stream)
		metrics.APIRequests.WithLabelValues(stream.Endpoint, statusClass(status)).Inc()

		switch {
		case out.Kind == retry.KindOK:
			page = p
			return out
		case ctx.Err() != nil:
			return retry.Retriable(ctx.Err())
		case status == http.StatusUnauthorized:
			budget.unauthorized++
			if budget.unauthorized >= maxUnauthorized {
				return exhausted(op, budget.unauthorized, out.Err)
			}
			metrics.TokenRenewals.Inc()
			if _, err := c.auth.Renew(ctx, token); err != nil {
				return passThrough(err)
			}
			return retry.RetryAfter(out.Err, 0)
		case status == http.StatusTooManyRequests:
			budget.throttled++
			if budget.throttled >= maxThrottled {
				return exhausted(op, budget.throttled, out.Err)
			}
		case status != 0:
			budget.server++
			if budget.server >= maxServerErrors {
				return exhausted(op, budget.server, out.Err)
			}
		default:
			budget.network++
			if budget.network >= maxNetwork {
				return exhausted(op, budget.network, out.Err)
			}
		}
		return out
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func exhausted(op string, attempts int, err error) retry.Outcome {
	return retry.Fatal(&retry.FatalError{Op: op, Attempts: attempts, Err: err})
}

// passThrough propagates auth failures: cancellation stays cancellation,
// anything else already spent its own budget.
func passThrough(err error) retry.Outcome {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Retriable(err)
	}
	return retry.Fatal(err)
}

func statusClass(status int) string {
	if status == 0 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}

// get performs one request. status is 0 when no response was received or
// the body could not be decoded.
func (c *Client) get(ctx context.Context, endpoint, token string, stream models.Stream) (*models.Page, int, retry.Outcome) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, retry.Fatal(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, retry.Retriable(fmt.Errorf("send request: %w", err))
	}
	defer httputil.DrainAndClose(resp.Body)

	op := "fetch " + stream.Endpoint
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, resp.StatusCode, retry.Retriable(httputil.NewStatusError(op, resp))
	case resp.StatusCode == http.StatusTooManyRequests:
		statusErr := httputil.NewStatusError(op, resp)
		if wait, ok := httputil.ParseRetryAfter(resp.Header.Get("Retry-After"), c.now()); ok {
			c.logger.InfoContext(ctx, "too many requests", logging.Stream(stream.ID), slog.Duration("retry_after", wait))
			return nil, resp.StatusCode, retry.RetryAfter(statusErr, wait)
		}
		return nil, resp.StatusCode, retry.Retriable(statusErr)
	case !httputil.IsSuccess(resp.StatusCode):
		c.logger.ErrorContext(ctx, "vectra API server is down", logging.Stream(stream.ID), logging.Status(resp.StatusCode))
		return nil, resp.StatusCode, retry.RetryAfter(httputil.NewStatusError(op, resp), ServerErrorWait)
	}

	var page models.Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, 0, retry.Retriable(fmt.Errorf("decode response: %w", err))
	}
	return &page, resp.StatusCode, retry.OK()
}
