// Package syslog forwards event batches to syslog receivers over UDP, TCP or
// TLS. Each event becomes one line:
//
//	2026-01-02T15:04:05Z VECTRA-SYSLOG-CONNECTOR: {"id":1,...}
package syslog

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/telhawk-systems/vectra-connector/common/logging"
	"github.com/telhawk-systems/vectra-connector/internal/metrics"
	"github.com/telhawk-systems/vectra-connector/internal/models"
)

const (
	DefaultTag     = "VECTRA-SYSLOG-CONNECTOR"
	DefaultTimeout = 60 * time.Second

	timestampLayout = "2006-01-02T15:04:05Z"
)

// ErrTrustCertificate means the CA file for a TLS destination is missing or invalid.
var ErrTrustCertificate = errors.New("invalid trust certificate")

// errMalformedEvent marks an event that cannot be rendered as a line.
var errMalformedEvent = errors.New("malformed event")

type Options struct {
	// CertDir holds one {destination name}.pem CA bundle per TLS destination.
	CertDir string
	Tag     string
	// Timeout bounds the dial and every event write.
	Timeout time.Duration
}

// Report summarizes one Deliver call.
type Report struct {
	Sent      int
	Malformed int
	Skipped   bool
}

// Dispatcher writes batches to single destinations. Destinations that failed
// the startup probe are never contacted.
type Dispatcher struct {
	status  models.ReachabilityStatus
	certDir string
	tag     string
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewDispatcher(status models.ReachabilityStatus, opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Tag == "" {
		opts.Tag = DefaultTag
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CertDir == "" {
		opts.CertDir = "./cert"
	}
	return &Dispatcher{
		status:  status,
		certDir: opts.CertDir,
		tag:     opts.Tag,
		timeout: opts.Timeout,
		logger:  logger.With(slog.String("component", "syslog")),
		now:     time.Now,
	}
}

// CertPath returns the trust certificate location for a TLS destination.
func CertPath(certDir, name string) string {
	return filepath.Join(certDir, name+".pem")
}

// TLSConfig builds the client TLS config trusting only the destination's CA file.
func TLSConfig(certDir string, dest models.Destination) (*tls.Config, error) {
	path := CertPath(certDir, dest.Name)
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrustCertificate, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: no certificates found in %s", ErrTrustCertificate, path)
	}
	return &tls.Config{
		RootCAs:    pool,
		ServerName: dest.Host,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// Dial opens a connection to dest using its protocol.
func Dial(ctx context.Context, dest models.Destination, certDir string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	if dest.Protocol != models.ProtocolTLS {
		return dialer.DialContext(ctx, dest.Protocol.Network(), dest.Address())
	}

	cfg, err := TLSConfig(certDir, dest)
	if err != nil {
		return nil, err
	}
	tlsDialer := &tls.Dialer{NetDialer: dialer, Config: cfg}
	return tlsDialer.DialContext(ctx, "tcp", dest.Address())
}

// Deliver sends every event in batch to dest over one connection (TCP, TLS)
// or one socket (UDP, a datagram per event). Malformed events are skipped.
// Any dial or write failure is returned and the remaining events are not sent.
func (d *Dispatcher) Deliver(ctx context.Context, batch models.EventBatch, dest models.Destination) (Report, error) {
	var report Report
	log := d.logger.With(logging.Destination(dest.Name), logging.Stream(batch.Stream))

	if !d.status.Reachable(dest.Name) {
		log.DebugContext(ctx, "destination unreachable at startup, dropping batch", logging.Events(batch.Len()))
		metrics.DeliveriesSkipped.WithLabelValues(dest.Name).Inc()
		report.Skipped = true
		return report, nil
	}
	if batch.Len() == 0 {
		return report, nil
	}

	log.InfoContext(ctx, "pushing events", logging.Protocol(string(dest.Protocol)), logging.Events(batch.Len()))

	conn, err := Dial(ctx, dest, d.certDir, d.timeout)
	if err != nil {
		return report, fmt.Errorf("connect %s %s: %w", dest.Protocol, dest.Address(), err)
	}
	defer conn.Close()

	header := d.now().UTC().Format(timestampLayout) + " " + d.tag + ": "
	var line bytes.Buffer
	for i, event := range batch.Events {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		line.Reset()
		line.WriteString(header)
		if err := appendEvent(&line, event); err != nil {
			log.WarnContext(ctx, "skipping event", slog.Int("index", i), logging.Error(err))
			metrics.EventsMalformed.WithLabelValues(dest.Name).Inc()
			report.Malformed++
			continue
		}
		line.WriteByte('\n')

		if err := conn.SetWriteDeadline(time.Now().Add(d.timeout)); err != nil {
			return report, fmt.Errorf("set write deadline: %w", err)
		}
		if _, err := conn.Write(line.Bytes()); err != nil {
			return report, fmt.Errorf("write to %s: %w", dest.Address(), err)
		}
		report.Sent++
	}

	metrics.EventsDelivered.WithLabelValues(dest.Name).Add(float64(report.Sent))
	log.InfoContext(ctx, "events pushed", logging.Events(report.Sent), slog.Int("malformed", report.Malformed))
	return report, nil
}

// appendEvent writes a JSON string event raw and anything else as compact JSON.
func appendEvent(buf *bytes.Buffer, event json.RawMessage) error {
	trimmed := bytes.TrimSpace(event)
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: empty", errMalformedEvent)
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("%w: %v", errMalformedEvent, err)
		}
		buf.WriteString(s)
		return nil
	}
	if err := json.Compact(buf, trimmed); err != nil {
		return fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	return nil
}
