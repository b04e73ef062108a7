package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"roomchat/internal/chat"
	myMiddleware "roomchat/internal/middleware"
	"roomchat/internal/room"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// ChatClient talks to the chat server. Every call, unary or streaming,
// carries the token currently held in Credentials.
type ChatClient struct {
	baseURL string
	creds   *myMiddleware.Credentials
	http    *http.Client
	dialer  *websocket.Dialer
}

func NewChatClient(baseURL string, creds *myMiddleware.Credentials) *ChatClient {
	return &ChatClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		http: &http.Client{
			Transport: &myMiddleware.BearerTransport{Credentials: creds},
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (c *ChatClient) CreateRoom(ctx context.Context, name string) (room.Room, error) {
	var rm room.Room
	err := doJSON(ctx, c.http, http.MethodPost, c.baseURL+"/rooms", room.CreateRequest{Name: name}, &rm)
	return rm, err
}

// ListRooms reads the server-streamed room list, calling fn as each room
// arrives. A non-nil error from fn stops the stream.
func (c *ChatClient) ListRooms(ctx context.Context, fn func(room.Room) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rooms", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rm room.Room
		if err := json.Unmarshal(sc.Bytes(), &rm); err != nil {
			return err
		}
		if err := fn(rm); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Connect opens the Chat stream.
func (c *ChatClient) Connect(ctx context.Context) (*Stream, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL(), c.creds.Header())
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			return nil, statusError(resp)
		}
		return nil, err
	}

	s := &Stream{
		conn:   conn,
		events: make(chan chat.Event, 64),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// CloseIdleConnections releases the room-service channel's pooled conns.
func (c *ChatClient) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

func (c *ChatClient) wsURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/chat"
}

// Stream is the client end of the Chat call.
type Stream struct {
	conn   *websocket.Conn
	events chan chat.Event

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func (s *Stream) Send(ev chat.Event) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

// Events is closed when the server ends the stream or the connection fails.
func (s *Stream) Events() <-chan chat.Event { return s.events }

// Err is the reason the stream ended; nil for an orderly close. Valid once
// Events is closed.
func (s *Stream) Err() error { return s.err }

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Stream) readLoop() {
	defer close(s.events)
	for {
		var ev chat.Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			if !isExpectedDisconnect(s.done, err) {
				s.err = err
			}
			return
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func isExpectedDisconnect(done <-chan struct{}, err error) bool {
	select {
	case <-done:
		return true
	default:
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}
