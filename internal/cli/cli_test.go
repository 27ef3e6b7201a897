package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/vectra-connector/common/logging"
	"github.com/telhawk-systems/vectra-connector/internal/checkpoint"
	"github.com/telhawk-systems/vectra-connector/internal/dlq"
	"github.com/telhawk-systems/vectra-connector/internal/models"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, dir string, port int, extra string) string {
	t.Helper()
	cfg := fmt.Sprintf(`vectra:
  base_url: https://brain.example.com
  client_id: id
  client_secret: super-secret
server:
  - name: siem-1
    protocol: tcp
    host: 127.0.0.1
    port: %d
checkpoint:
  dir: %s
probe:
  status_file: %s
  timeout: 2s
logging:
  level: error
%s`, port, dir, filepath.Join(dir, "server_status.json"), extra)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func TestCommandsRegistered(t *testing.T) {
	root := NewRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "once", "probe", "checkpoint", "config", "dlq"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, 514, "")

	out, err := execute(t, "--config", path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid (1 servers)")

	bad := writeConfig(t, t.TempDir(), 70000, "")
	_, err = execute(t, "--config", bad, "config", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port 70000 must be in range 1 to 65535")
}

func TestConfigShow_OmitsSecret(t *testing.T) {
	path := writeConfig(t, t.TempDir(), 514, "")

	out, err := execute(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "base_url: https://brain.example.com")
	assert.Contains(t, out, "guarantee: at-most-once")
	assert.NotContains(t, out, "super-secret")
}

func TestCheckpointShowAndReset(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, 514, "")

	store, err := checkpoint.NewFileStore(dir, logging.Discard().Logger)
	require.NoError(t, err)
	require.NoError(t, store.Write(context.Background(), "audit", 500))

	out, err := execute(t, "--config", path, "checkpoint", "show", "-o", "json")
	require.NoError(t, err)

	var views []checkpointView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 4)
	assert.Equal(t, "audit", views[0].Stream)
	require.NotNil(t, views[0].Cursor)
	assert.Equal(t, int64(500), *views[0].Cursor)
	assert.Nil(t, views[1].Cursor)

	out, err = execute(t, "--config", path, "checkpoint", "reset", "--stream", "audit")
	require.NoError(t, err)
	assert.Contains(t, out, "checkpoint for audit reset")

	_, ok, err := store.Read(context.Background(), "audit")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = execute(t, "--config", path, "checkpoint", "reset", "--stream", "hosts")
	assert.Error(t, err)
}

func TestCheckpointShow_Table(t *testing.T) {
	path := writeConfig(t, t.TempDir(), 514, "")

	out, err := execute(t, "--config", path, "checkpoint", "show", "--stream", "entity_host")
	require.NoError(t, err)
	assert.Contains(t, out, "STREAM")
	assert.Contains(t, out, "entity_host")
	assert.Contains(t, out, "none")
	assert.NotContains(t, out, "entity_account")
}

func TestOnce_UnknownStream(t *testing.T) {
	_, err := execute(t, "once", "--stream", "hosts")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stream")

	_, err = execute(t, "once")
	assert.Error(t, err, "--stream is required")
}

func TestProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	dir := t.TempDir()
	path := writeConfig(t, dir, ln.Addr().(*net.TCPAddr).Port, "")

	out, err := execute(t, "--config", path, "probe")
	require.NoError(t, err)
	assert.Contains(t, out, "siem-1")
	assert.Contains(t, out, "true")

	data, err := os.ReadFile(filepath.Join(dir, "server_status.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"siem-1": true}`, string(data))
}

func TestProbe_OnlyDestinationDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	path := writeConfig(t, t.TempDir(), port, "")
	_, err = execute(t, "--config", path, "probe", "-o", "json")
	assert.Error(t, err)
}

func TestDLQ(t *testing.T) {
	dir := t.TempDir()

	disabled := writeConfig(t, dir, 514, "")
	_, err := execute(t, "--config", disabled, "dlq", "list")
	assert.True(t, errors.Is(err, dlq.ErrDisabled))

	queueDir := filepath.Join(dir, "dlq")
	path := writeConfig(t, dir, 514, fmt.Sprintf("dlq:\n  enabled: true\n  base_path: %s\n", queueDir))

	q, err := dlq.NewQueue(queueDir, logging.Discard().Logger)
	require.NoError(t, err)
	batch := models.EventBatch{Stream: "audit", Events: []json.RawMessage{json.RawMessage(`{"id":1}`)}}
	require.NoError(t, q.Write(context.Background(), models.Destination{Name: "siem-1"}, batch, errors.New("refused")))

	out, err := execute(t, "--config", path, "dlq", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "siem-1")
	assert.Contains(t, out, "refused")

	out, err = execute(t, "--config", path, "dlq", "purge")
	require.NoError(t, err)
	assert.Contains(t, out, "purged 1 entries")
}

func TestTableRender(t *testing.T) {
	var buf bytes.Buffer
	tbl := newTable("NAME", "PORT")
	tbl.add("siem-primary", "514")
	tbl.render(&buf)

	assert.Equal(t, "NAME          PORT\n------------  ----\nsiem-primary  514\n", buf.String())
}

func TestPrinter_UnknownFormat(t *testing.T) {
	p := &printer{w: &bytes.Buffer{}, format: "xml"}
	done, err := p.structured(map[string]int{"a": 1})
	assert.True(t, done)
	assert.Error(t, err)
}
