package connector

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/vectra-connector/common/logging"
	"github.com/telhawk-systems/vectra-connector/internal/collector"
	"github.com/telhawk-systems/vectra-connector/internal/config"
	"github.com/telhawk-systems/vectra-connector/internal/dlq"
	"github.com/telhawk-systems/vectra-connector/internal/models"
	"github.com/telhawk-systems/vectra-connector/internal/probe"
	"github.com/telhawk-systems/vectra-connector/internal/retry"
)

// syslogReceiver collects newline-framed TCP syslog lines.
func syslogReceiver(t *testing.T) (port int, lines <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	out := make(chan string, 100)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				sc := bufio.NewScanner(conn)
				for sc.Scan() {
					out <- sc.Text()
				}
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, out
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func vectraServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			fmt.Fprint(w, `{"access_token":"at","refresh_token":"rt","expires_in":3600}`)
		case "/api/v3.3/events/audits":
			if r.URL.Query().Get("from") != "" {
				fmt.Fprint(w, `{"events":[],"next_checkpoint":500,"remaining_count":0}`)
				return
			}
			fmt.Fprint(w, `{"events":[{"id":1,"user":"alice"},{"id":2,"user":"bob"}],"next_checkpoint":500,"remaining_count":0}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, baseURL string, ports ...int) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()

	var servers strings.Builder
	for i, port := range ports {
		fmt.Fprintf(&servers, "  - name: siem-%d\n    protocol: tcp\n    host: 127.0.0.1\n    port: %d\n", i+1, port)
	}

	yaml := fmt.Sprintf(`vectra:
  base_url: %s
  client_id: id
  client_secret: secret
  request_timeout: 5s
server:
%scheckpoint:
  dir: %s
probe:
  status_file: %s
  timeout: 2s
tls:
  cert_dir: %s
backpressure:
  path: %s
  threshold: 100
delivery:
  timeout: 2s
retry_count: 0
dlq:
  enabled: true
  backend: file
  base_path: %s
`, baseURL, servers.String(), dir, filepath.Join(dir, "server_status.json"), dir, dir, filepath.Join(dir, "dlq"))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg, dir
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg, _ := writeConfig(t, "")
	_, err := New(context.Background(), cfg, logging.Discard().Logger)
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestNew_SingleUnreachableDestination(t *testing.T) {
	cfg, dir := writeConfig(t, "http://vectra.invalid", closedPort(t))

	_, err := New(context.Background(), cfg, logging.Discard().Logger)
	assert.ErrorIs(t, err, probe.ErrUnreachable)

	status, err := probe.Load(filepath.Join(dir, "server_status.json"))
	require.NoError(t, err)
	assert.Equal(t, models.ReachabilityStatus{"siem-1": false}, status)
}

func TestRunOnce_AuditEndToEnd(t *testing.T) {
	port, lines := syslogReceiver(t)
	cfg, dir := writeConfig(t, vectraServer(t).URL, port, closedPort(t))

	c, err := New(context.Background(), cfg, logging.Discard().Logger)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, models.ReachabilityStatus{"siem-1": true, "siem-2": false}, c.Status())

	results, err := c.RunOnce(context.Background(), collector.JobAudit)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Events)

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case line := <-lines:
			got = append(got, line)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of 2 syslog lines", len(got))
		}
	}
	assert.Contains(t, got[0], " VECTRA-SYSLOG-CONNECTOR: ")
	assert.True(t, strings.HasSuffix(got[0], `{"id":1,"user":"alice"}`), got[0])
	assert.True(t, strings.HasSuffix(got[1], `{"id":2,"user":"bob"}`), got[1])

	data, err := os.ReadFile(filepath.Join(dir, "audit_checkpoint.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"audit_next_checkpoint": 500}`, string(data))

	// Second cycle resumes from the checkpoint and finds nothing new.
	results, err = c.RunOnce(context.Background(), collector.JobAudit)
	require.NoError(t, err)
	assert.Zero(t, results[0].Events)

	stats, err := c.DeadLetterStats(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Zero(t, stats.Pending)
}

func TestRunOnce_DestinationLostAfterStartup(t *testing.T) {
	port, lines := syslogReceiver(t)
	lost, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg, _ := writeConfig(t, vectraServer(t).URL, port, lost.Addr().(*net.TCPAddr).Port)

	c, err := New(context.Background(), cfg, logging.Discard().Logger)
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, models.ReachabilityStatus{"siem-1": true, "siem-2": true}, c.Status())
	require.NoError(t, lost.Close())

	_, err = c.RunOnce(context.Background(), collector.JobAudit)
	require.Error(t, err)
	assert.True(t, retry.IsFatal(err))

	for i := 0; i < 2; i++ {
		select {
		case <-lines:
		case <-time.After(5 * time.Second):
			t.Fatalf("healthy destination received %d of 2 lines", i)
		}
	}

	stats, err := c.DeadLetterStats(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.Pending)
}

func TestJobs(t *testing.T) {
	port, _ := syslogReceiver(t)
	cfg, _ := writeConfig(t, "http://vectra.invalid", port)

	c, err := New(context.Background(), cfg, logging.Discard().Logger)
	require.NoError(t, err)
	defer c.Close()

	jobs := c.Jobs()
	require.Len(t, jobs, 3)
	exprs := map[string]string{}
	for _, j := range jobs {
		exprs[j.Name] = j.Expr
		assert.NotNil(t, j.Run)
	}
	assert.Equal(t, map[string]string{
		"audit":          "*/5 * * * *",
		"entity_scoring": "*/15 * * * *",
		"detections":     "*/5 * * * *",
	}, exprs)
}

func TestRun_StopsWithContext(t *testing.T) {
	port, _ := syslogReceiver(t)
	cfg, _ := writeConfig(t, "http://vectra.invalid", port)

	c, err := New(context.Background(), cfg, logging.Discard().Logger)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, c.Run(ctx))
}

type fakeStatus struct {
	status models.ReachabilityStatus
	stats  *dlq.Stats
}

func (f fakeStatus) Status() models.ReachabilityStatus { return f.status }

func (f fakeStatus) DeadLetterStats(context.Context) (*dlq.Stats, error) { return f.stats, nil }

func TestRouter(t *testing.T) {
	src := fakeStatus{
		status: models.ReachabilityStatus{"siem-1": true},
		stats:  &dlq.Stats{Enabled: true, Backend: "file", Pending: 2},
	}
	srv := httptest.NewServer(NewRouter(src, logging.Discard().Logger))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.True(t, body.Destinations["siem-1"])
	require.NotNil(t, body.DLQ)
	assert.Equal(t, 2, body.DLQ.Pending)

	metrics, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}
