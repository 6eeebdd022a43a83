package secgw

import (
	"context"
	"log/slog"
	"time"
)

// AccessLogger writes structured access log entries for each request.
// It uses slog.LogAttrs for low-allocation logging on the hot path.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry contains all fields for a single access log record.
type AccessLogEntry struct {
	Timestamp time.Time

	// RequestID correlates the entry with other log lines for the request.
	RequestID string

	Method string
	Path   string

	// Route is "forward", "health", "info", "metrics" or "other".
	Route string

	// StatusCode is the status sent to the caller.
	StatusCode int

	Duration     time.Duration
	BytesWritten int64

	// ClientAddr is the caller's remote address.
	ClientAddr string

	// ClientCN is the resolved identity, "anonymous" without a certificate.
	ClientCN string

	// Authenticated is true when a verified client certificate was presented.
	Authenticated bool

	UserAgent string
}

// NewAccessLogger creates a new AccessLogger that writes to the given slog.Logger.
// For best performance, pass a logger configured with slog.NewJSONHandler.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes an access log entry.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 12)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("request_id", e.RequestID),
		slog.String("method", e.Method),
		slog.String("path", e.Path),
		slog.String("route", e.Route),
		slog.Int("status", e.StatusCode),
		slog.Int64("bytes", e.BytesWritten),
		slog.Duration("duration", e.Duration),
		slog.String("client", e.ClientAddr),
		slog.String("client_cn", e.ClientCN),
		slog.Bool("authenticated", e.Authenticated),
	)

	if e.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", e.UserAgent))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}
