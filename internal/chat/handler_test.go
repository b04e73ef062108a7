package chat

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"roomchat/internal/auth"
	myMiddleware "roomchat/internal/middleware"
	"roomchat/internal/room"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsFixture struct {
	server *httptest.Server
	hub    *Hub
	dir    *room.Directory
	tokens map[string]string
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()

	cfg := auth.TokenConfig{Secret: "ws-secret", Issuer: "ws-issuer", TTL: time.Hour, EnforceExpiry: true}
	authority := auth.NewAuthority(auth.NewMemoryStore(), cfg)
	tokens := map[string]string{}
	for _, u := range []string{"alice", "bob"} {
		_, err := authority.Register(t.Context(), u, u+"-pw", []string{"user"})
		require.NoError(t, err)
		tok, err := authority.Authenticate(t.Context(), u, u+"-pw")
		require.NoError(t, err)
		tokens[u] = tok
	}

	dir := room.NewDirectory()
	_, err := dir.Create("lobby")
	require.NoError(t, err)
	hub := NewHub(dir, 16, nil)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(myMiddleware.NewAuthMiddleware(auth.NewVerifier(cfg)).Handle)
		r.Get("/chat", NewHandler(hub).ServeWs)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &wsFixture{server: srv, hub: hub, dir: dir, tokens: tokens}
}

func (f *wsFixture) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.tokens[user])
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *wsFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/chat"
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(waitFor))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func waitMembers(t *testing.T, dir *room.Directory, name string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		m, _ := dir.Members(name)
		return len(m) == n
	}, waitFor, 10*time.Millisecond)
}

func TestServeWsRejectsMissingAndBadTokens(t *testing.T) {
	f := newWSFixture(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.tokens["alice"]+"x")
	_, resp, err = websocket.DefaultDialer.Dial(f.wsURL(), header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, 0, f.hub.Connections())
}

func TestServeWsBroadcastsBetweenConnections(t *testing.T) {
	f := newWSFixture(t)
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	require.NoError(t, alice.WriteJSON(Event{Type: EventJoin, Room: "lobby"}))
	waitMembers(t, f.dir, "lobby", 1)
	require.NoError(t, bob.WriteJSON(Event{Type: EventJoin, Room: "lobby"}))
	waitMembers(t, f.dir, "lobby", 2)

	joined := readEvent(t, alice)
	assert.Equal(t, EventJoin, joined.Type)
	assert.Equal(t, "bob", joined.From)

	require.NoError(t, alice.WriteJSON(Event{Type: EventText, Room: "lobby", Message: "hi", From: "bob"}))

	ev := readEvent(t, bob)
	assert.Equal(t, EventText, ev.Type)
	assert.Equal(t, "lobby", ev.Room)
	assert.Equal(t, "alice", ev.From)
	assert.Equal(t, "hi", ev.Message)
}

func TestServeWsReportsBadEvents(t *testing.T) {
	f := newWSFixture(t)
	alice := f.dial(t, "alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, EventError, readEvent(t, alice).Type)

	require.NoError(t, alice.WriteJSON(Event{Type: EventJoin, Room: "nowhere"}))
	ev := readEvent(t, alice)
	assert.Equal(t, EventError, ev.Type)
	assert.Contains(t, ev.Message, "room not found")

	// The stream survives both.
	require.NoError(t, alice.WriteJSON(Event{Type: EventJoin, Room: "lobby"}))
	waitMembers(t, f.dir, "lobby", 1)
}

func TestServeWsDisconnectDetaches(t *testing.T) {
	f := newWSFixture(t)
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	require.NoError(t, alice.WriteJSON(Event{Type: EventJoin, Room: "lobby"}))
	require.NoError(t, bob.WriteJSON(Event{Type: EventJoin, Room: "lobby"}))
	waitMembers(t, f.dir, "lobby", 2)

	alice.Close()

	waitMembers(t, f.dir, "lobby", 1)
	require.Eventually(t, func() bool { return f.hub.Connections() == 1 }, waitFor, 10*time.Millisecond)

	ev := readEvent(t, bob)
	if ev.Type == EventJoin {
		ev = readEvent(t, bob)
	}
	assert.Equal(t, EventLeave, ev.Type)
	assert.Equal(t, "alice", ev.From)
}

func TestShutdownTerminatesLiveStreams(t *testing.T) {
	f := newWSFixture(t)
	alice := f.dial(t, "alice")
	require.NoError(t, alice.WriteJSON(Event{Type: EventJoin, Room: "lobby"}))
	waitMembers(t, f.dir, "lobby", 1)

	f.hub.Shutdown()

	alice.SetReadDeadline(time.Now().Add(waitFor))
	for {
		if _, _, err := alice.ReadMessage(); err != nil {
			break
		}
	}
	waitMembers(t, f.dir, "lobby", 0)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.tokens["bob"])
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(), header)
	require.NoError(t, err, "upgrade succeeds, the hub then refuses the stream")
	conn.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
	conn.Close()
}
