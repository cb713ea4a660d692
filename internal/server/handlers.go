package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/relaychat/internal/chat"
	"github.com/Tyrowin/relaychat/internal/logger"
)

// Handlers serves the HTTP side of the chat: WebSocket upgrades, health and
// stats.
type Handlers struct {
	chat     *chat.Server
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandlers returns handlers admitting WebSocket clients into srv.
func NewHandlers(cfg Config, srv *chat.Server, log *slog.Logger) *Handlers {
	log = log.With(logger.Component("websocket"))
	origins := newOriginPolicy(cfg.AllowedOrigins, log)
	return &Handlers{
		chat: srv,
		cfg:  cfg,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
	}
}

// WebSocket upgrades the request and admits the connection. A full server
// answers with a policy-violation close frame.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logger.Error(err), logger.Remote(r.RemoteAddr))
		return
	}

	log := h.log.With(logger.Remote(r.RemoteAddr))
	client := NewClient(conn, h.chat, h.cfg, log)

	id, err := h.chat.Admit(client)
	if err != nil {
		reason := "server unavailable"
		if errors.Is(err, chat.ErrCapacityExceeded) {
			reason = "server full"
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
			time.Now().Add(writeWait))
		_ = conn.Close()
		log.Warn("connection refused", logger.Error(err))
		return
	}

	client.id = id
	client.log = log.With(logger.Client(id.String()))
	client.log.Info("client connected")

	go client.writePump()
	if n := h.cfg.HistoryReplay; n > 0 {
		if _, err := h.chat.Replay(id, n); err != nil {
			client.log.Warn("history replay failed", logger.Error(err))
		}
	}
	go client.readPump()
}

// Health reports whether the chat server is accepting clients.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if state := h.chat.State(); state != chat.StateRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "relaychat server is %s", state)
		return
	}
	_, _ = fmt.Fprint(w, "relaychat server is running")
}

type statsResponse struct {
	chat.Stats
	Members []memberView `json:"members"`
}

type memberView struct {
	ID     string    `json:"id"`
	Name   string    `json:"name,omitempty"`
	Joined time.Time `json:"joined"`
}

// Stats reports server counters and the current members as JSON.
func (h *Handlers) Stats(w http.ResponseWriter, _ *http.Request) {
	members := h.chat.Members()
	resp := statsResponse{
		Stats:   h.chat.Stats(),
		Members: make([]memberView, 0, len(members)),
	}
	for _, m := range members {
		resp.Members = append(resp.Members, memberView{ID: m.ID.String(), Name: m.Name, Joined: m.Joined})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Warn("writing stats response", logger.Error(err))
	}
}

// TestPage serves a small browser client for manual testing.
func (h *Handlers) TestPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		h.log.Warn("writing test page", logger.Error(err))
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>relaychat</title>
    <style>
        body { font-family: sans-serif; margin: 20px; }
        #log { border: 1px solid #ccc; height: 300px; padding: 8px; overflow-y: scroll; margin: 10px 0; }
        .own { color: #0645ad; }
        .note { color: #777; font-style: italic; }
    </style>
</head>
<body>
    <h1>relaychat</h1>
    <div>
        <input id="name" placeholder="display name">
        <button onclick="rename()">Set name</button>
    </div>
    <div id="log"></div>
    <input id="text" placeholder="message" size="50">
    <button onclick="say()">Send</button>
    <script>
        const log = document.getElementById('log');
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');

        function show(text, cls) {
            const line = document.createElement('div');
            line.textContent = text;
            if (cls) line.className = cls;
            log.appendChild(line);
            log.scrollTop = log.scrollHeight;
        }

        ws.onopen = () => show('connected', 'note');
        ws.onclose = (e) => show('disconnected' + (e.reason ? ': ' + e.reason : ''), 'note');
        ws.onmessage = (e) => show(JSON.parse(e.data).content);

        function rename() {
            const name = document.getElementById('name').value.trim();
            if (name) ws.send(JSON.stringify({name}));
        }

        function say() {
            const input = document.getElementById('text');
            const content = input.value.trim();
            if (!content) return;
            ws.send(JSON.stringify({content}));
            show(content, 'own');
            input.value = '';
        }

        document.getElementById('text').addEventListener('keypress', (e) => {
            if (e.key === 'Enter') say();
        });
    </script>
</body>
</html>`
