package chat

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Tyrowin/relaychat/internal/logger"
)

// EventSink receives lifecycle and delivery events from a Server. Methods are
// called synchronously from producer goroutines and from the broadcaster, so
// implementations must be safe for concurrent use and should return quickly.
type EventSink interface {
	ClientAdmitted(id ClientID, size int)
	AdmissionRejected(capacity int)
	ClientRemoved(id ClientID, size int)
	Dispatched(msg Message, recipients, failed int)
	SendFailed(err *SendError)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) ClientAdmitted(ClientID, int) {}
func (NopSink) AdmissionRejected(int)        {}
func (NopSink) ClientRemoved(ClientID, int)  {}
func (NopSink) Dispatched(Message, int, int) {}
func (NopSink) SendFailed(*SendError)        {}

// LogSink reports events through a structured logger.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink returns a sink writing to log. A nil logger falls back to
// slog.Default.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log.With(logger.Component("chat"))}
}

func (s *LogSink) ClientAdmitted(id ClientID, size int) {
	s.log.Info("client admitted", logger.Client(id.String()), logger.Count("clients", size))
}

func (s *LogSink) AdmissionRejected(capacity int) {
	s.log.Warn("client rejected, registry full", logger.Count("capacity", capacity))
}

func (s *LogSink) ClientRemoved(id ClientID, size int) {
	s.log.Info("client removed", logger.Client(id.String()), logger.Count("clients", size))
}

func (s *LogSink) Dispatched(msg Message, recipients, failed int) {
	level := slog.LevelInfo
	if failed > 0 {
		level = slog.LevelWarn
	}
	s.log.LogAttrs(context.Background(), level, "broadcast dispatched",
		slog.String("message_id", msg.ID.String()),
		logger.Client(msg.Sender.String()),
		logger.Count("recipients", recipients),
		logger.Count("failed", failed),
	)
}

func (s *LogSink) SendFailed(err *SendError) {
	level := slog.LevelWarn
	if errors.Is(err, errPanicked) {
		level = slog.LevelError
	}
	s.log.LogAttrs(context.Background(), level, "send to client failed",
		logger.Client(err.Target.String()),
		slog.String("message_id", err.MessageID),
		logger.Error(err.Err),
	)
}
