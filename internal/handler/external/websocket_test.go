package external

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zhouzirui/z-lab/internal/service/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeInbound struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeInbound) HandleExternal(_ context.Context, text string) (session.Result, error) {
	if strings.TrimSpace(text) == "" {
		return session.Result{}, &session.ValidationError{Input: text, Reason: "empty external message"}
	}
	f.mu.Lock()
	f.messages = append(f.messages, text)
	f.mu.Unlock()
	return session.Result{}, nil
}

func (f *fakeInbound) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func startHub(t *testing.T) (*Hub, *fakeInbound, *websocket.Conn) {
	t.Helper()
	inbound := &fakeInbound{}
	hub := NewHub(inbound, nil)

	r := chi.NewRouter()
	hub.RegisterRoutes(r)
	srv := httptest.NewServer(r)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/external"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		srv.Close()
	})

	require.Eventually(t, func() bool { return hub.Connected() == 1 }, time.Second, 5*time.Millisecond)
	return hub, inbound, conn
}

func TestInboundMessageReachesSession(t *testing.T) {
	_, inbound, conn := startHub(t)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "text": "ping"}))

	require.Eventually(t, func() bool { return len(inbound.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ping"}, inbound.received())
}

func TestInvalidInboundGetsError(t *testing.T) {
	_, inbound, conn := startHub(t)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "audio", "text": "x"}))
	var msg outgoingMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Text, "unsupported")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "text": "  "}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "empty external message", msg.Text)

	assert.Empty(t, inbound.received())
}

func TestDeliverPushesOperatorMessage(t *testing.T) {
	hub, _, conn := startHub(t)
	at := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	n, err := hub.Deliver(context.Background(), "Q", "ship it", at)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg outgoingMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, outgoingMessage{Type: "message", From: "Q", Text: "ship it", Timestamp: at.UnixMilli()}, msg)
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, _, conn := startHub(t)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Connected() == 0 }, time.Second, 5*time.Millisecond)

	n, err := hub.Deliver(context.Background(), "Q", "anyone?", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCloseDisconnectsClients(t *testing.T) {
	hub, _, conn := startHub(t)

	hub.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	require.Eventually(t, func() bool { return hub.Connected() == 0 }, time.Second, 5*time.Millisecond)
}
