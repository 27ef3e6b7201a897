package probe

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/vectra-connector/common/logging"
	"github.com/telhawk-systems/vectra-connector/internal/models"
)

func listenTCP(t *testing.T) models.Destination {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	return destFor(t, "up", models.ProtocolTCP, ln.Addr().String())
}

func closedPort(t *testing.T) models.Destination {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return destFor(t, "down", models.ProtocolTCP, addr)
}

func destFor(t *testing.T, name string, proto models.Protocol, addr string) models.Destination {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return models.Destination{Name: name, Protocol: proto, Host: host, Port: p}
}

func TestProbe(t *testing.T) {
	up := listenTCP(t)
	down := closedPort(t)
	udp := models.Destination{Name: "udp", Protocol: models.ProtocolUDP, Host: "127.0.0.1", Port: 5514}
	tlsNoCert := up
	tlsNoCert.Name = "tls-no-cert"
	tlsNoCert.Protocol = models.ProtocolTLS

	p := New(t.TempDir(), 2*time.Second, logging.Discard().Logger)
	status := p.Probe(context.Background(), []models.Destination{up, down, udp, tlsNoCert})

	assert.Equal(t, models.ReachabilityStatus{
		"up":          true,
		"down":        false,
		"udp":         true,
		"tls-no-cert": false,
	}, status)
}

func TestProbe_UsesDialer(t *testing.T) {
	p := New("certs", 0, nil)
	assert.Equal(t, DefaultTimeout, p.timeout)

	var gotDir string
	var gotTimeout time.Duration
	p.dial = func(_ context.Context, dest models.Destination, certDir string, timeout time.Duration) (net.Conn, error) {
		gotDir, gotTimeout = certDir, timeout
		return nil, errors.New("refused")
	}

	status := p.Probe(context.Background(), []models.Destination{{Name: "a", Protocol: models.ProtocolTLS, Host: "h", Port: 1}})
	assert.False(t, status.Reachable("a"))
	assert.Equal(t, "certs", gotDir)
	assert.Equal(t, DefaultTimeout, gotTimeout)
}

func TestCheck(t *testing.T) {
	a := models.Destination{Name: "a", Host: "10.0.0.1", Port: 514}
	b := models.Destination{Name: "b", Host: "10.0.0.2", Port: 514}

	err := Check(models.ReachabilityStatus{"a": false}, []models.Destination{a})
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Contains(t, err.Error(), "10.0.0.1:514")

	assert.NoError(t, Check(models.ReachabilityStatus{"a": true}, []models.Destination{a}))
	assert.NoError(t, Check(models.ReachabilityStatus{"a": false, "b": false}, []models.Destination{a, b}))
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "server_status.json")
	status := models.ReachabilityStatus{"siem-1": true, "siem-2": false}

	require.NoError(t, Save(path, status))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, status, loaded)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("[1,2"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)

	null := filepath.Join(dir, "null.json")
	require.NoError(t, os.WriteFile(null, []byte("null"), 0o644))
	status, err := Load(null)
	require.NoError(t, err)
	assert.NotNil(t, status)
}
