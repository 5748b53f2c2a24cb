// Package logging configures slog for the service and carries request and
// connection fields through contexts.
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"marketplace-live/internal/observability/metrics"
)

// Config selects the level, encoding and destination of the process logger.
type Config struct {
	Level string
	// Format is "json" (default) or "text".
	Format string
	Writer io.Writer
}

// Init builds a logger from cfg and installs it as slog's default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger from cfg. Output goes to stdout unless cfg.Writer is
// set.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	options := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "text") {
		return slog.New(slog.NewTextHandler(writer, options))
	}
	return slog.New(slog.NewJSONHandler(writer, options))
}

// ParseLevel maps a configured level name onto slog. Unknown names log at
// info.
func ParseLevel(name string) slog.Level {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		name = "warn"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// WithComponent tags logger with the subsystem it belongs to.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

// WithConnection tags logger with a websocket connection and its user.
func WithConnection(logger *slog.Logger, connectionID, userID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("connection_id", connectionID, "user_id", userID)
}

// WithRoom tags logger with the room an operation targets.
func WithRoom(logger *slog.Logger, room string) *slog.Logger {
	if logger == nil || room == "" {
		return logger
	}
	return logger.With("room", room)
}

// Fields are the correlation ids carried by a request or connection context.
type Fields struct {
	RequestID    string
	ConnectionID string
	UserID       string
}

func (f Fields) attrs() []any {
	var attrs []any
	if f.RequestID != "" {
		attrs = append(attrs, "request_id", f.RequestID)
	}
	if f.ConnectionID != "" {
		attrs = append(attrs, "connection_id", f.ConnectionID)
	}
	if f.UserID != "" {
		attrs = append(attrs, "user_id", f.UserID)
	}
	return attrs
}

type fieldsKey struct{}

type loggerKey struct{}

// FieldsFromContext returns the fields stored on ctx, or zero Fields.
func FieldsFromContext(ctx context.Context) Fields {
	if ctx == nil {
		return Fields{}
	}
	fields, _ := ctx.Value(fieldsKey{}).(Fields)
	return fields
}

func withFields(ctx context.Context, update func(*Fields)) context.Context {
	fields := FieldsFromContext(ctx)
	update(&fields)
	return context.WithValue(ctx, fieldsKey{}, fields)
}

// ContextWithRequestID stores a non-blank request id on ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return withFields(ctx, func(f *Fields) { f.RequestID = id })
}

// RequestIDFromContext returns the request id stored on ctx.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id := FieldsFromContext(ctx).RequestID
	return id, id != ""
}

// ContextWithConnection stores the websocket connection id and its
// authenticated user on ctx.
func ContextWithConnection(ctx context.Context, connectionID, userID string) context.Context {
	return withFields(ctx, func(f *Fields) {
		f.ConnectionID = strings.TrimSpace(connectionID)
		f.UserID = strings.TrimSpace(userID)
	})
}

// ContextWithLogger stores logger on ctx.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFromContext returns the logger stored on ctx, or nil.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	logger, _ := ctx.Value(loggerKey{}).(*slog.Logger)
	return logger
}

// WithContext tags logger with every field stored on ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	if attrs := FieldsFromContext(ctx).attrs(); len(attrs) > 0 {
		return logger.With(attrs...)
	}
	return logger
}

// RequestLoggerConfig configures RequestLogger.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
}

// RequestLogger logs one line per request once the handler returns. Upgraded
// websocket requests are logged when the connection closes, with the time
// the connection was open.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := metrics.NewStatusRecorder(w)
			start := time.Now()
			next.ServeHTTP(recorder, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, "remote_addr", r.RemoteAddr)
			}
			message := "request completed"
			if recorder.Hijacked() {
				message = "websocket closed"
			}
			WithContext(r.Context(), base).Info(message, attrs...)
		})
	}
}
