package logging

import "log/slog"

// Common field names for consistent logging across the connector.
const (
	FieldService     = "service"
	FieldRunID       = "run_id"
	FieldStream      = "stream"
	FieldDestination = "destination"
	FieldProtocol    = "protocol"
	FieldCursor      = "cursor"
	FieldAttempt     = "attempt"
	FieldStatus      = "status"
	FieldDuration    = "duration_ms"
	FieldError       = "error"
	FieldEvents      = "events"
	FieldDiskUsage   = "disk_usage_percent"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// RunID returns a slog attribute for a collection run ID.
func RunID(id string) slog.Attr {
	return slog.String(FieldRunID, id)
}

// Stream returns a slog attribute for the event stream ID.
func Stream(id string) slog.Attr {
	return slog.String(FieldStream, id)
}

// Destination returns a slog attribute for a syslog destination name.
func Destination(name string) slog.Attr {
	return slog.String(FieldDestination, name)
}

// Protocol returns a slog attribute for a transport protocol.
func Protocol(p string) slog.Attr {
	return slog.String(FieldProtocol, p)
}

// Cursor returns a slog attribute for a checkpoint cursor.
func Cursor(c int64) slog.Attr {
	return slog.Int64(FieldCursor, c)
}

// Attempt returns a slog attribute for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}

// Events returns a slog attribute for an event count.
func Events(n int) slog.Attr {
	return slog.Int(FieldEvents, n)
}

// DiskUsage returns a slog attribute for a disk usage percentage.
func DiskUsage(percent int) slog.Attr {
	return slog.Int(FieldDiskUsage, percent)
}
