package logger

import (
	"log/slog"
	"time"
)

// Helpers return an empty Attr for zero inputs so call sites can pass them
// unconditionally, e.g. log.Info("closed", logger.Error(err)).

// Error creates an attribute for a single error under the key "error".
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Component names the subsystem emitting a record.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Client identifies a chat client.
func Client(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("client", id)
}

// Remote is the peer address of a connection.
func Remote(addr string) slog.Attr {
	if addr == "" {
		return slog.Attr{}
	}
	return slog.String("remote", addr)
}

// Conn labels a transport connection.
func Conn(label string) slog.Attr {
	if label == "" {
		return slog.Attr{}
	}
	return slog.String("conn", label)
}

// Count creates a generic counter attribute.
func Count(key string, n int) slog.Attr {
	return slog.Int(key, n)
}

// Elapsed records the time since start.
func Elapsed(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start))
}
