package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-live/internal/dto"
)

type fakeRelay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()

	relay := &fakeRelay{conns: make(chan *websocket.Conn, 8)}
	relay.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := relay.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		relay.conns <- conn
	}))
	t.Cleanup(relay.server.Close)
	return relay
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *fakeRelay) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-r.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not receive a connection")
		return nil
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) dto.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var envelope dto.Envelope
	require.NoError(t, conn.ReadJSON(&envelope))
	return envelope
}

func newTestManager(t *testing.T, url string) *ConnectionManager {
	t.Helper()
	manager, err := NewConnectionManager(Options{
		URL:          url,
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(manager.Close)
	return manager
}

func TestConnectJoinsRememberedScopesAndDispatches(t *testing.T) {
	relay := newFakeRelay(t)
	manager := newTestManager(t, relay.url())

	require.NoError(t, manager.JoinScope("event-1"))

	received := make(chan dto.Envelope, 4)
	manager.On(dto.EventDiscussionAdded, func(envelope dto.Envelope) {
		received <- envelope
	})

	require.NoError(t, manager.Connect(context.Background(), Credentials{UserID: "u1", Token: "secret"}))
	conn := relay.accept(t)

	join := readEnvelope(t, conn)
	require.Equal(t, dto.EventJoinScope, join.Type)
	require.Equal(t, "event-1", join.Scope)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"discussion-added"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"discussion-added","scope":"event-1","sent_at":"2024-05-01T10:00:00Z","data":{"id":"d1","title":"Hello"}}`)))

	select {
	case envelope := <-received:
		require.Equal(t, "event-1", envelope.Scope)
		require.JSONEq(t, `{"id":"d1","title":"Hello"}`, string(envelope.Data))
	case <-time.After(3 * time.Second):
		t.Fatal("valid frame was not dispatched")
	}

	select {
	case envelope := <-received:
		t.Fatalf("unexpected extra dispatch: %+v", envelope)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitRequiresConnection(t *testing.T) {
	relay := newFakeRelay(t)
	manager := newTestManager(t, relay.url())

	err := manager.Emit(dto.EventTyping, "event-1", dto.TypingPayload{DiscussionID: "d1"})
	require.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, manager.Connect(context.Background(), Credentials{Token: "secret"}))
	conn := relay.accept(t)
	require.NoError(t, manager.WaitConnected(context.Background()))

	require.NoError(t, manager.Emit(dto.EventTyping, "event-1", dto.TypingPayload{DiscussionID: "d1"}))
	envelope := readEnvelope(t, conn)
	require.Equal(t, dto.EventTyping, envelope.Type)

	var payload dto.TypingPayload
	require.NoError(t, envelope.Decode(&payload))
	require.Equal(t, "d1", payload.DiscussionID)

	require.ErrorIs(t, manager.Connect(context.Background(), Credentials{Token: "secret"}), ErrAlreadyConnected)
}

func TestConnectRejectsBadCredentials(t *testing.T) {
	relay := newFakeRelay(t)
	manager := newTestManager(t, relay.url())

	err := manager.Connect(context.Background(), Credentials{Token: "wrong"})
	require.ErrorIs(t, err, ErrUnauthorized)
	require.False(t, manager.Connected())
}

func TestReconnectRejoinsScopesAndSignals(t *testing.T) {
	relay := newFakeRelay(t)
	manager := newTestManager(t, relay.url())

	var mu sync.Mutex
	var connects []bool
	disconnected := make(chan error, 2)
	reconnected := make(chan struct{}, 1)
	manager.OnConnected(func(reconnect bool) {
		mu.Lock()
		connects = append(connects, reconnect)
		mu.Unlock()
		if reconnect {
			reconnected <- struct{}{}
		}
	})
	manager.OnDisconnected(func(err error) {
		disconnected <- err
	})

	require.NoError(t, manager.Connect(context.Background(), Credentials{Token: "secret"}))
	first := relay.accept(t)
	require.NoError(t, manager.WaitConnected(context.Background()))
	require.NoError(t, manager.JoinScope("event-9"))
	require.Equal(t, "event-9", readEnvelope(t, first).Scope)

	require.NoError(t, first.Close())

	select {
	case err := <-disconnected:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("disconnect was not signalled")
	}

	second := relay.accept(t)
	rejoin := readEnvelope(t, second)
	require.Equal(t, dto.EventJoinScope, rejoin.Type)
	require.Equal(t, "event-9", rejoin.Scope)

	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect was not signalled")
	}

	mu.Lock()
	require.Equal(t, []bool{false, true}, connects)
	mu.Unlock()
}

func TestHandlerPanicDoesNotStopReadLoop(t *testing.T) {
	relay := newFakeRelay(t)
	manager := newTestManager(t, relay.url())

	delivered := make(chan string, 2)
	manager.On(dto.EventUsersOnline, func(dto.Envelope) {
		panic("boom")
	})
	unsubscribe := manager.On(AnyEvent, func(envelope dto.Envelope) {
		delivered <- envelope.Type
	})

	require.NoError(t, manager.Connect(context.Background(), Credentials{Token: "secret"}))
	conn := relay.accept(t)

	frame := `{"type":"users-online","scope":"event-1","sent_at":"2024-05-01T10:00:00Z","data":{"users":["u1"]}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	select {
	case kind := <-delivered:
		require.Equal(t, dto.EventUsersOnline, kind)
	case <-time.After(3 * time.Second):
		t.Fatal("wildcard handler not invoked")
	}

	unsubscribe()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	select {
	case <-delivered:
		t.Fatal("unsubscribed handler still invoked")
	case <-time.After(100 * time.Millisecond):
	}
	require.True(t, manager.Connected())
}

func TestBackoffDoublesUntilCap(t *testing.T) {
	manager := &ConnectionManager{opts: Options{ReconnectMin: 500 * time.Millisecond, ReconnectMax: 3 * time.Second}}

	require.Equal(t, 500*time.Millisecond, manager.backoff(0))
	require.Equal(t, time.Second, manager.backoff(1))
	require.Equal(t, 2*time.Second, manager.backoff(2))
	require.Equal(t, 3*time.Second, manager.backoff(3))
	require.Equal(t, 3*time.Second, manager.backoff(30))
}

func TestCloseIsIdempotent(t *testing.T) {
	relay := newFakeRelay(t)
	manager := newTestManager(t, relay.url())

	require.NoError(t, manager.Connect(context.Background(), Credentials{Token: "secret"}))
	relay.accept(t)

	manager.Close()
	manager.Close()
	require.False(t, manager.Connected())
	require.True(t, errors.Is(manager.Emit(dto.EventTyping, "s", nil), ErrNotConnected))
}
