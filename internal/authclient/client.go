// Package authclient owns the Vectra OAuth2 credential pair shared by every
// collector.
package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/telhawk-systems/vectra-connector/common/httputil"
	"github.com/telhawk-systems/vectra-connector/common/logging"
	"github.com/telhawk-systems/vectra-connector/internal/models"
	"github.com/telhawk-systems/vectra-connector/internal/retry"
)

const (
	tokenPath = "/oauth2/token"

	defaultTimeout = 30 * time.Second
	maxAttempts    = 3
	maxElapsed     = 30 * time.Second

	// ServerErrorWait is the fixed pause after a 5xx or unexpected status.
	ServerErrorWait = 10 * time.Second

	// expirySkew renews a token this long before it actually expires.
	expirySkew = 30 * time.Second

	// renewTimeout bounds a shared renewal that outlives the caller that started it.
	renewTimeout = 5 * time.Minute
)

// ErrInvalidCredentials means the client ID or secret was rejected.
var ErrInvalidCredentials = errors.New("client ID or client secret is incorrect")

var errRefreshRejected = errors.New("refresh token rejected")

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// Manager acquires and renews the single live credential. It is safe for
// concurrent use; renewals are coalesced so only one token request is in
// flight at a time.
type Manager struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	logger       *slog.Logger

	mu    sync.RWMutex
	cred  *models.Credential
	group singleflight.Group

	sleep      retry.SleepFunc
	now        func() time.Time
	newBackOff func() backoff.BackOff
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

func New(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Manager{
		tokenURL:     strings.TrimRight(cfg.BaseURL, "/") + tokenPath,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   httputil.NewClient(timeout),
		logger:       logger.With(slog.String("component", "auth")),
		sleep:        retry.Sleep,
		now:          time.Now,
		newBackOff: func() backoff.BackOff {
			return retry.NewExponential(time.Second, maxElapsed)
		},
	}
}

func (m *Manager) policy(op string) retry.Policy {
	return retry.Policy{
		Op:          op,
		MaxAttempts: maxAttempts,
		MaxElapsed:  maxElapsed,
		BackOff:     m.newBackOff(),
		Sleep:       m.sleep,
		OnRetry: func(err error, attempt int, wait time.Duration) {
			m.logger.Warn("token request failed, retrying",
				slog.String("op", op),
				logging.Attempt(attempt),
				slog.Duration("wait", wait),
				logging.Error(err))
		},
	}
}

// Acquire performs the client-credentials exchange and replaces the live
// credential. A 401 is fatal immediately.
func (m *Manager) Acquire(ctx context.Context) (models.Credential, error) {
	form := url.Values{"grant_type": {"client_credentials"}}

	var cred models.Credential
	err := m.policy("acquire token").Do(ctx, func(ctx context.Context, attempt int) retry.Outcome {
		m.logger.InfoContext(ctx, "generating access token", logging.Attempt(attempt))
		tr, status, out := m.exchange(ctx, form, true)
		if status == http.StatusUnauthorized {
			return retry.Fatal(ErrInvalidCredentials)
		}
		if out.Kind != retry.KindOK {
			return out
		}
		cred = m.store(tr, "")
		return retry.OK()
	})
	if err != nil {
		return models.Credential{}, err
	}

	m.logger.InfoContext(ctx, "access token generated")
	return cred, nil
}

// Refresh exchanges the stored refresh token for a new access token. A 401
// means the refresh token itself expired: a full Acquire runs and the
// attempt counts as retriable.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	var token string
	err := m.policy("refresh token").Do(ctx, func(ctx context.Context, attempt int) retry.Outcome {
		refresh := m.refreshToken()
		if refresh == "" {
			cred, err := m.Acquire(ctx)
			if err != nil {
				return nested(err)
			}
			token = cred.AccessToken
			return retry.OK()
		}

		m.logger.InfoContext(ctx, "generating access token using refresh token", logging.Attempt(attempt))
		form := url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {refresh},
		}
		tr, status, out := m.exchange(ctx, form, false)
		if status == http.StatusUnauthorized {
			if _, err := m.Acquire(ctx); err != nil {
				return nested(err)
			}
			return retry.Retriable(errRefreshRejected)
		}
		if out.Kind != retry.KindOK {
			return out
		}
		token = m.store(tr, refresh).AccessToken
		return retry.OK()
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// nested passes through the result of an inner policy run. Cancellation stays
// cancellation; anything else already spent its own budget.
func nested(err error) retry.Outcome {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Retriable(err)
	}
	return retry.Fatal(err)
}

// Token returns the live access token, acquiring one on first use and
// renewing it shortly before a known expiry.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.RLock()
	cred := m.cred
	m.mu.RUnlock()

	if cred == nil {
		return m.Renew(ctx, "")
	}
	if cred.Expired(m.now(), expirySkew) {
		return m.Renew(ctx, cred.AccessToken)
	}
	return cred.AccessToken, nil
}

// Renew replaces a token the API rejected. If another caller already renewed
// it, the live token is returned without a network call. Concurrent callers
// share one renewal, which runs detached from any single caller so one
// cancelled caller does not fail the others.
func (m *Manager) Renew(ctx context.Context, stale string) (string, error) {
	ch := m.group.DoChan("renew", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), renewTimeout)
		defer cancel()

		m.mu.RLock()
		cur := m.cred
		m.mu.RUnlock()

		if cur != nil && cur.AccessToken != stale && !cur.Expired(m.now(), expirySkew) {
			return cur.AccessToken, nil
		}
		if cur == nil {
			cred, err := m.Acquire(ctx)
			return cred.AccessToken, err
		}
		return m.Refresh(ctx)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Credential returns a copy of the live credential, if any.
func (m *Manager) Credential() (models.Credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cred == nil {
		return models.Credential{}, false
	}
	return *m.cred, true
}

func (m *Manager) refreshToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cred == nil {
		return ""
	}
	return m.cred.RefreshToken
}

// store swaps in a new credential. Refresh responses may omit the refresh
// token, in which case keep is carried over.
func (m *Manager) store(tr *tokenResponse, keep string) models.Credential {
	now := m.now()
	cred := models.Credential{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ObtainedAt:   now,
		ExpiresAt:    expiresAt(tr, now),
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = keep
	}

	m.mu.Lock()
	m.cred = &cred
	m.mu.Unlock()
	return cred
}

// expiresAt prefers expires_in and falls back to the exp claim when the
// access token is a JWT.
func expiresAt(tr *tokenResponse, now time.Time) time.Time {
	if tr.ExpiresIn > 0 {
		return now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tr.AccessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// exchange posts one token request and classifies the response. The status
// is returned so callers can apply their own 401 handling.
func (m *Manager) exchange(ctx context.Context, form url.Values, basic bool) (*tokenResponse, int, retry.Outcome) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, retry.Fatal(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if basic {
		req.SetBasicAuth(m.clientID, m.clientSecret)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, 0, retry.Retriable(fmt.Errorf("send request: %w", err))
	}
	defer httputil.DrainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, resp.StatusCode, retry.Fatal(httputil.NewStatusError("token request", resp))
	case resp.StatusCode == http.StatusTooManyRequests:
		statusErr := httputil.NewStatusError("token request", resp)
		if wait, ok := httputil.ParseRetryAfter(resp.Header.Get("Retry-After"), m.now()); ok {
			m.logger.InfoContext(ctx, "too many requests", slog.Duration("retry_after", wait))
			return nil, resp.StatusCode, retry.RetryAfter(statusErr, wait)
		}
		return nil, resp.StatusCode, retry.Retriable(statusErr)
	case !httputil.IsSuccess(resp.StatusCode):
		m.logger.ErrorContext(ctx, "vectra API server is down", logging.Status(resp.StatusCode))
		return nil, resp.StatusCode, retry.RetryAfter(httputil.NewStatusError("token request", resp), ServerErrorWait)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, resp.StatusCode, retry.Retriable(fmt.Errorf("decode response: %w", err))
	}
	if tr.AccessToken == "" {
		return nil, resp.StatusCode, retry.Retriable(errors.New("token response missing access_token"))
	}
	return &tr, resp.StatusCode, retry.OK()
}
