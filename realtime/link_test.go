package realtime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmesh/database"
	"github.com/chatmesh/wire"
)

func basePort(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func startLink(t *testing.T, userID int64) *Link {
	l := NewLink(&Config{
		UserID:       userID,
		Username:     fmt.Sprintf("user%d", userID),
		ListenIP:     "127.0.0.1",
		BasePort:     basePort(t),
		PortAttempts: 50,
	})
	require.NoError(t, l.Start())
	t.Cleanup(l.Stop)
	return l
}

func connect(t *testing.T, from, to *Link) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, from.ConnectTo(ctx, to.config.UserID, "127.0.0.1", to.Port()))
	require.Eventually(t, func() bool { return to.Connected(from.config.UserID) }, 2*time.Second, 10*time.Millisecond)
}

func TestSendBothWays(t *testing.T) {
	a := startLink(t, 1)
	b := startLink(t, 2)

	gotB := make(chan *Event, 1)
	b.Observe(&Listeners{OnMessage: func(ev *Event) { gotB <- ev }})
	gotA := make(chan *Event, 1)
	a.Observe(&Listeners{OnStatusChange: func(ev *Event) { gotA <- ev }})

	connect(t, a, b)

	require.True(t, a.Send(2, NewMessageEvent(&database.Message{ID: 9, Content: "hi", SenderID: 1, IsDirect: true})))
	select {
	case ev := <-gotB:
		assert.Equal(t, TypeMessage, ev.Type)
		assert.Equal(t, int64(1), ev.From)
		require.NotNil(t, ev.Message)
		assert.Equal(t, "hi", ev.Message.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	// the inbound session is usable for replies
	require.True(t, b.Send(1, NewStatusEvent(2, database.StatusOnline)))
	select {
	case ev := <-gotA:
		assert.Equal(t, int64(2), ev.UserID)
		assert.Equal(t, database.StatusOnline, ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("status not delivered")
	}
}

func TestConnectToIsIdempotent(t *testing.T) {
	a := startLink(t, 1)
	b := startLink(t, 2)
	connect(t, a, b)

	require.NoError(t, a.ConnectTo(context.Background(), 2, "127.0.0.1", b.Port()))
	assert.Len(t, a.ConnectedUsers(), 1)
	assert.Len(t, b.ConnectedUsers(), 1)
}

func TestConnectToWrongUser(t *testing.T) {
	a := startLink(t, 1)
	b := startLink(t, 2)
	err := a.ConnectTo(context.Background(), 3, "127.0.0.1", b.Port())
	assert.ErrorIs(t, err, ErrWrongPeer)
	assert.False(t, a.Connected(3))
}

func TestSendUnknownUser(t *testing.T) {
	a := startLink(t, 1)
	assert.False(t, a.Send(42, NewStatusEvent(1, database.StatusOnline)))
}

func TestBroadcastExcludes(t *testing.T) {
	a := startLink(t, 1)
	b := startLink(t, 2)
	c := startLink(t, 3)
	connect(t, a, b)
	connect(t, a, c)

	got := make(chan int64, 2)
	b.Observe(&Listeners{OnStatusChange: func(ev *Event) { got <- 2 }})
	c.Observe(&Listeners{OnStatusChange: func(ev *Event) { got <- 3 }})

	assert.Equal(t, 1, a.Broadcast(NewStatusEvent(1, database.StatusOnline), 3))
	select {
	case id := <-got:
		assert.Equal(t, int64(2), id)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not delivered")
	}
	select {
	case id := <-got:
		t.Fatalf("excluded user %d received the broadcast", id)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDisconnectRemovesSession(t *testing.T) {
	a := startLink(t, 1)
	b := startLink(t, 2)
	connect(t, a, b)

	b.Stop()
	require.Eventually(t, func() bool { return !a.Connected(2) }, 3*time.Second, 10*time.Millisecond)
	assert.False(t, a.Send(2, NewStatusEvent(1, database.StatusOffline)))
}

func TestNewerSessionReplacesOlder(t *testing.T) {
	a := startLink(t, 1)
	b := startLink(t, 2)
	connect(t, a, b)

	// a second inbound session for user 1 on b
	url := fmt.Sprintf("ws://127.0.0.1:%d%s", b.Port(), Path)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(&wire.Auth{UserID: 1}))
	ack := &wire.AuthAck{}
	require.NoError(t, conn.ReadJSON(ack))
	require.NoError(t, ack.Check())

	// the first session is closed by b
	require.Eventually(t, func() bool { return !a.Connected(2) }, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, b.ConnectedUsers(), 1)

	require.True(t, b.Send(1, NewStatusEvent(2, database.StatusOnline)))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	ev := &Event{}
	require.NoError(t, conn.ReadJSON(ev))
	assert.Equal(t, TypeStatusChange, ev.Type)
}

func TestUnauthenticatedInboundDropped(t *testing.T) {
	b := startLink(t, 2)
	url := fmt.Sprintf("ws://127.0.0.1:%d%s", b.Port(), Path)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"user_id":0}`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Empty(t, b.ConnectedUsers())
}

func TestStopIsIdempotent(t *testing.T) {
	a := startLink(t, 1)
	a.Stop()
	a.Stop()
	assert.ErrorIs(t, a.ConnectTo(context.Background(), 2, "127.0.0.1", 1), ErrNotRunning)
}

// wsPair returns the server side of a fresh websocket connection.
func wsPair(t *testing.T) *websocket.Conn {
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		c, err := up.Upgrade(w, r, nil)
		if err == nil {
			conns <- c
		}
	}))
	t.Cleanup(srv.Close)
	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	select {
	case c := <-conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no server connection")
		return nil
	}
}

func TestRegisteredSessionIsConnected(t *testing.T) {
	l := startLink(t, 1)
	var stale int32
	stop := make(chan struct{})
	watching := make(chan struct{})
	go func() {
		defer close(watching)
		for {
			select {
			case <-stop:
				return
			default:
			}
			l.mu.RLock()
			p, ok := l.peers[7]
			if ok && !p.Connected() {
				atomic.StoreInt32(&stale, 1)
			}
			l.mu.RUnlock()
		}
	}()

	for i := 0; i < 20; i++ {
		l.register(7, wsPair(t))
		require.True(t, l.Connected(7))
	}
	close(stop)
	<-watching
	assert.Equal(t, int32(0), atomic.LoadInt32(&stale))
}
