package server

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/Tyrowin/relaychat/internal/chat"
	"github.com/Tyrowin/relaychat/internal/logger"
)

// session holds the per-connection state shared by both transports' readers.
type session struct {
	srv     *chat.Server
	id      chat.ClientID
	limiter *rateLimiter
	log     *slog.Logger
}

func newSession(srv *chat.Server, id chat.ClientID, cfg Config, log *slog.Logger) *session {
	return &session{
		srv:     srv,
		id:      id,
		limiter: newRateLimiter(cfg.RateLimit),
		log:     log.With(logger.Client(id.String())),
	}
}

// rename sets the display name. Blank names are ignored.
func (s *session) rename(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	if err := s.srv.SetName(s.id, name); err != nil {
		s.log.Debug("rename failed", logger.Error(err))
		return
	}
	s.log.Info("client renamed", slog.String("name", name))
}

// say enqueues text as a chat line. It reports false once the server is no
// longer accepting messages, which tells the reader to stop.
func (s *session) say(text string) bool {
	if strings.TrimSpace(text) == "" {
		return true
	}
	if !s.limiter.allow() {
		s.log.Warn("rate limit exceeded, discarding message")
		return true
	}
	if err := s.srv.Enqueue(formatLine(s.srv, s.id, text), s.id); err != nil {
		if errors.Is(err, chat.ErrQueueClosed) {
			return false
		}
		s.log.Error("enqueue failed", logger.Error(err))
	}
	return true
}

// line handles one line of the text protocol.
func (s *session) line(text string) bool {
	if name, ok := strings.CutPrefix(text, namePrefix); ok {
		s.rename(name)
		return true
	}
	return s.say(text)
}
