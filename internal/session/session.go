package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"roomchat/internal/chat"
	"roomchat/internal/room"
)

var (
	// ErrInvalidRequest covers input the current state does not permit. It
	// is reported locally and never sent to a server.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrQuit is returned by Execute once the session has shut down.
	ErrQuit = errors.New("quit")
)

const help = "[chat message] | /join [room] | /leave | /create [room] | /list | /quit"

type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (string, error)
}

type RoomService interface {
	CreateRoom(ctx context.Context, name string) (room.Room, error)
	ListRooms(ctx context.Context, fn func(room.Room) error) error
}

type Stream interface {
	Send(ev chat.Event) error
	Events() <-chan chat.Event
	Err() error
	Close() error
}

type Config struct {
	Auth  Authenticator
	Rooms RoomService
	// Connect opens the Chat stream once a token is set.
	Connect func(ctx context.Context) (Stream, error)
	// SetToken hands the token to the client-side interceptor.
	SetToken func(token string)
	// ReadPassword is used when /login is given no password.
	ReadPassword func() (string, error)
	// Release frees the auth and room-service channels on quit.
	Release func()
	Out     io.Writer
}

type Session struct {
	cfg Config

	outMu sync.Mutex

	mu       sync.Mutex
	state    State
	stream   Stream
	quitting bool

	lostOnce sync.Once
	lost     chan struct{}
}

func New(cfg Config) *Session {
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	if cfg.SetToken == nil {
		cfg.SetToken = func(string) {}
	}
	return &Session{
		cfg:   cfg,
		state: Unauthenticated{},
		lost:  make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Lost is closed when the server ends the Chat stream. The caller should
// exit; this client does not reconnect.
func (s *Session) Lost() <-chan struct{} { return s.lost }

func (s *Session) Prompt() string {
	if name := Username(s.State()); name != "" {
		return name + "-> "
	}
	return "/login [username] | /quit\n-> "
}

// Execute runs one line of user input. Every failure is printed for the
// user and also returned; the state is left as it was before the failed
// step. ErrQuit means the session is over.
func (s *Session) Execute(ctx context.Context, line string) error {
	err := s.execute(ctx, strings.TrimSpace(line))
	if err != nil && !errors.Is(err, ErrQuit) {
		s.printf("error - %v\n", err)
	}
	return err
}

func (s *Session) execute(ctx context.Context, line string) error {
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return s.sendText(line)
	}

	fields := strings.Fields(line)
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "/quit", "/exit":
		s.Close()
		return ErrQuit
	case "/?", "/help":
		s.printf("%s\n", help)
		return nil
	case "/login":
		return s.login(ctx, args)
	}

	if _, ok := s.State().(Unauthenticated); ok {
		if isKnown(cmd) {
			return fmt.Errorf("%w: please /login first", ErrInvalidRequest)
		}
		return fmt.Errorf("%w: unknown command %q", ErrInvalidRequest, cmd)
	}

	switch cmd {
	case "/join":
		if len(args) != 1 {
			return fmt.Errorf("%w: usage /join [room]", ErrInvalidRequest)
		}
		return s.join(args[0])
	case "/leave":
		return s.leave()
	case "/create":
		if len(args) != 1 {
			return fmt.Errorf("%w: usage /create [room]", ErrInvalidRequest)
		}
		return s.create(ctx, args[0])
	case "/list":
		return s.list(ctx)
	default:
		return fmt.Errorf("%w: unknown command %q (try /?)", ErrInvalidRequest, cmd)
	}
}

func isKnown(cmd string) bool {
	switch cmd {
	case "/join", "/leave", "/create", "/list":
		return true
	}
	return false
}

func (s *Session) login(ctx context.Context, args []string) error {
	if _, ok := s.State().(Unauthenticated); !ok {
		return fmt.Errorf("%w: already logged in as %s", ErrInvalidRequest, Username(s.State()))
	}
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("%w: usage /login [username] [password]", ErrInvalidRequest)
	}

	username := args[0]
	var password string
	if len(args) == 2 {
		password = args[1]
	} else {
		if s.cfg.ReadPassword == nil {
			return fmt.Errorf("%w: usage /login [username] [password]", ErrInvalidRequest)
		}
		p, err := s.cfg.ReadPassword()
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		password = p
	}

	token, err := s.cfg.Auth.Authenticate(ctx, username, password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	s.cfg.SetToken(token)
	stream, err := s.cfg.Connect(ctx)
	if err != nil {
		s.cfg.SetToken("")
		return fmt.Errorf("connect chat stream: %w", err)
	}

	s.mu.Lock()
	s.state = Authenticated{Username: username, Token: token}
	s.stream = stream
	s.mu.Unlock()

	go s.receive(stream)
	s.printf("logged in as %s\n", username)
	return nil
}

// join is leave-then-join when already in a room, never a double membership.
func (s *Session) join(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.state.(InRoom); ok {
		if cur.Room == name {
			return nil
		}
		log.Printf("already in room [%s], leaving...", cur.Room)
		if err := s.stream.Send(chat.Event{Type: chat.EventLeave, Room: cur.Room}); err != nil {
			return fmt.Errorf("leave %s: %w", cur.Room, err)
		}
		s.state = cur.authenticated()
	}

	a := s.state.(Authenticated)
	if err := s.stream.Send(chat.Event{Type: chat.EventJoin, Room: name}); err != nil {
		return fmt.Errorf("join %s: %w", name, err)
	}
	s.state = InRoom{Username: a.Username, Token: a.Token, Room: name}
	return nil
}

func (s *Session) leave() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.state.(InRoom)
	if !ok {
		return fmt.Errorf("%w: not in a room", ErrInvalidRequest)
	}
	if err := s.stream.Send(chat.Event{Type: chat.EventLeave, Room: cur.Room}); err != nil {
		return fmt.Errorf("leave %s: %w", cur.Room, err)
	}
	s.state = cur.authenticated()
	return nil
}

func (s *Session) sendText(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.state.(InRoom)
	if !ok {
		return fmt.Errorf("%w: not in a room", ErrInvalidRequest)
	}
	if err := s.stream.Send(chat.Event{Type: chat.EventText, Room: cur.Room, Message: msg}); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (s *Session) create(ctx context.Context, name string) error {
	rm, err := s.cfg.Rooms.CreateRoom(ctx, name)
	if err != nil {
		return fmt.Errorf("create room %s: %w", name, err)
	}
	s.printf("created room: %s\n", rm.Name)
	return nil
}

func (s *Session) list(ctx context.Context) error {
	n := 0
	err := s.cfg.Rooms.ListRooms(ctx, func(rm room.Room) error {
		n++
		s.printf("Room: %s (%d online)\n", rm.Name, rm.Members)
		return nil
	})
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	if n == 0 {
		s.printf("no rooms yet, /create one\n")
	}
	return nil
}

// Close ends the session: the Chat stream first, then the unary channels.
// Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.quitting {
		s.mu.Unlock()
		return
	}
	s.quitting = true
	stream := s.stream
	s.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	if s.cfg.Release != nil {
		s.cfg.Release()
	}
}

func (s *Session) receive(stream Stream) {
	for ev := range stream.Events() {
		s.render(ev)
	}

	s.mu.Lock()
	quitting := s.quitting
	s.mu.Unlock()
	if quitting {
		return
	}

	if err := stream.Err(); err != nil {
		log.Printf("chat stream error: %v", err)
	}
	s.printf("\nserver closed connection, shutting down...\n")
	s.lostOnce.Do(func() { close(s.lost) })
}

func (s *Session) render(ev chat.Event) {
	s.mu.Lock()
	me := Username(s.state)
	// An ERROR about the room we think we are in means the server does not
	// have us there; fall back so the next input is judged correctly.
	if cur, ok := s.state.(InRoom); ok && ev.Type == chat.EventError && ev.Room == cur.Room {
		s.state = cur.authenticated()
	}
	s.mu.Unlock()

	ts := ev.Timestamp.Local().Format("15:04:05")
	switch ev.Type {
	case chat.EventText:
		if strings.EqualFold(ev.From, me) {
			return
		}
		s.printf("\n%s %s:%s-> %s\n", ts, ev.Room, ev.From, ev.Message)
	case chat.EventJoin:
		s.printf("\n%s * %s joined %s\n", ts, ev.From, ev.Room)
	case chat.EventLeave:
		s.printf("\n%s * %s left %s\n", ts, ev.From, ev.Room)
	case chat.EventError:
		s.printf("\n! %s\n", ev.Message)
	}
}

func (s *Session) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.cfg.Out, format, args...)
}
