package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/chat"
)

type httpHarness struct {
	chat *chat.Server
	ts   *httptest.Server
	ws   string
}

func startHTTP(t *testing.T, cfg Config) *httpHarness {
	t.Helper()
	srv := chat.New(chat.WithCapacity(cfg.MaxClients), chat.WithHistorySize(cfg.HistorySize))
	require.NoError(t, srv.Start())

	ts := httptest.NewServer(SetupRoutes(NewHandlers(cfg, srv, discardLogger())))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return &httpHarness{chat: srv, ts: ts, ws: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"}
}

func wsConfig() Config {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"http://localhost:8080"}
	return cfg
}

func (h *httpHarness) connect(t *testing.T) *websocket.Conn {
	t.Helper()
	before := h.chat.Stats().Clients
	conn, resp, err := websocket.DefaultDialer.Dial(h.ws, http.Header{"Origin": {"http://localhost:8080"}})
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return h.chat.Stats().Clients == before+1 },
		2*time.Second, 5*time.Millisecond, "websocket client was not admitted")
	return conn
}

func readContent(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg.Content
}

func TestHandlers_WebSocketBroadcast(t *testing.T) {
	h := startHTTP(t, wsConfig())
	a := h.connect(t)
	b := h.connect(t)

	require.NoError(t, a.WriteJSON(Message{Content: "hi"}))
	assert.Equal(t, "client-0.0: hi", readContent(t, b))

	require.NoError(t, b.WriteJSON(Message{Name: "bob"}))
	require.NoError(t, b.WriteJSON(Message{Content: "hey"}))
	assert.Equal(t, "bob: hey", readContent(t, a))
}

func TestHandlers_WebSocketInvalidFrameIsSkipped(t *testing.T) {
	h := startHTTP(t, wsConfig())
	a := h.connect(t)
	b := h.connect(t)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, a.WriteJSON(Message{Content: "still here"}))
	assert.Equal(t, "client-0.0: still here", readContent(t, b))
}

func TestHandlers_WebSocketRejectedWhenFull(t *testing.T) {
	cfg := wsConfig()
	cfg.MaxClients = 1
	h := startHTTP(t, cfg)
	h.connect(t)

	conn, resp, err := websocket.DefaultDialer.Dial(h.ws, http.Header{"Origin": {"http://localhost:8080"}})
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err, "the upgrade succeeds before admission")
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	assert.Equal(t, 1, h.chat.Stats().Clients)
}

func TestHandlers_WebSocketDisallowedOrigin(t *testing.T) {
	h := startHTTP(t, wsConfig())

	_, resp, err := websocket.DefaultDialer.Dial(h.ws, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, h.chat.Stats().Clients)
}

func TestHandlers_WebSocketMethodNotAllowed(t *testing.T) {
	h := startHTTP(t, wsConfig())
	resp, err := http.Post(h.ts.URL+"/ws", "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandlers_WebSocketClosedOnShutdown(t *testing.T) {
	h := startHTTP(t, wsConfig())
	a := h.connect(t)
	b := h.connect(t)

	require.NoError(t, a.WriteJSON(Message{Content: "bye"}))
	require.Eventually(t, func() bool { return h.chat.Stats().History == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.chat.Shutdown(context.Background()))

	assert.Equal(t, "client-0.0: bye", readContent(t, b), "queued frames are flushed before close")
	_, _, err := b.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestHandlers_Health(t *testing.T) {
	h := startHTTP(t, wsConfig())

	resp, err := http.Get(h.ts.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))

	require.NoError(t, h.chat.Shutdown(context.Background()))
	resp, err = http.Get(h.ts.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandlers_Stats(t *testing.T) {
	h := startHTTP(t, wsConfig())
	a := h.connect(t)
	require.NoError(t, a.WriteJSON(Message{Name: "ann"}))
	require.Eventually(t, func() bool {
		m := h.chat.Members()
		return len(m) == 1 && m[0].Name == "ann"
	}, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get(h.ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body struct {
		State    string `json:"state"`
		Clients  int    `json:"clients"`
		Capacity int    `json:"capacity"`
		Members  []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"members"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "running", body.State)
	assert.Equal(t, 1, body.Clients)
	assert.Equal(t, 10, body.Capacity)
	require.Len(t, body.Members, 1)
	assert.Equal(t, "0.0", body.Members[0].ID)
	assert.Equal(t, "ann", body.Members[0].Name)
}

func TestHandlers_TestPage(t *testing.T) {
	h := startHTTP(t, wsConfig())
	resp, err := http.Get(h.ts.URL + "/test")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
}

func TestClient_SendFailsInsteadOfBlocking(t *testing.T) {
	c := NewClient(nil, nil, wsConfig(), discardLogger())
	for i := 0; i < sendBuffer; i++ {
		require.NoError(t, c.Send([]byte("x")))
	}
	assert.ErrorIs(t, c.Send([]byte("overflow")), errSendBufferFull)
	assert.ErrorIs(t, c.Send([]byte("late")), net.ErrClosed)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	frame := <-c.send
	assert.JSONEq(t, `{"content":"x"}`, string(frame))
}

func TestClient_OverflowRemovesClient(t *testing.T) {
	srv := chat.New(chat.WithCapacity(2))
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	admitted := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		c := NewClient(conn, srv, wsConfig(), discardLogger())
		id, err := srv.Admit(c)
		if !assert.NoError(t, err) {
			return
		}
		c.id = id
		close(admitted)
		// No write pump, so every broadcast stays in the send buffer.
		go c.readPump()
	}))
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()
	<-admitted
	require.Len(t, srv.Members(), 1)

	for i := 0; i <= sendBuffer; i++ {
		require.NoError(t, srv.Enqueue([]byte("x"), chat.NoClient))
	}
	require.Eventually(t, func() bool { return len(srv.Members()) == 0 },
		2*time.Second, 5*time.Millisecond)

	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
}
