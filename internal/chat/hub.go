package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"roomchat/internal/auth"
	"roomchat/internal/room"

	"github.com/google/uuid"
)

var (
	ErrHubClosed = errors.New("hub is shut down")
	ErrNotInRoom = errors.New("not in room")
	ErrDetached  = errors.New("subscriber detached")
)

const sinkTimeout = 500 * time.Millisecond

// EventSink receives a copy of every event the hub fans out.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber is the hub-owned delivery endpoint of one streaming connection.
type Subscriber struct {
	ID       string
	Username string

	send   chan Event
	done   chan struct{}
	closer func()

	detachOnce sync.Once
	dropped    atomic.Int64

	// mu serializes membership changes of this connection.
	mu       sync.Mutex
	room     string
	detached bool
}

// Events is the outbound queue the write side drains.
func (s *Subscriber) Events() <-chan Event { return s.send }

// Done is closed once the subscriber has been detached.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Dropped counts events discarded because the outbound queue was full.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// deliver never blocks: a full queue drops the new event.
func (s *Subscriber) deliver(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- ev:
		return true
	default:
		n := s.dropped.Add(1)
		log.Printf("dropped %s event for %s (%s): send queue full, %d dropped so far", ev.Type, s.Username, s.ID, n)
		return false
	}
}

type registry struct {
	mu   sync.RWMutex
	subs map[string]*Subscriber
}

func (r *registry) add(s *Subscriber) {
	r.mu.Lock()
	r.subs[s.ID] = s
	r.mu.Unlock()
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

func (r *registry) snapshot() []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := make([]*Subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	return subs
}

// Hub owns one live subscriber registry per room and fans events out to
// them. Each registry has its own lock; the hub lock only guards the room
// index and the set of attached subscribers.
type Hub struct {
	dir        *room.Directory
	sink       EventSink
	sendBuffer int
	now        func() time.Time

	mu     sync.RWMutex
	rooms  map[string]*registry
	subs   map[string]*Subscriber
	closed bool
}

// NewHub builds a hub over dir. sink may be nil.
func NewHub(dir *room.Directory, sendBuffer int, sink EventSink) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &Hub{
		dir:        dir,
		sink:       sink,
		sendBuffer: sendBuffer,
		now:        time.Now,
		rooms:      make(map[string]*registry),
		subs:       make(map[string]*Subscriber),
	}
}

// Attach registers a new connection for id. closer, if set, is called on
// Shutdown to terminate the underlying connection.
func (h *Hub) Attach(id auth.Identity, closer func()) (*Subscriber, error) {
	s := &Subscriber{
		ID:       uuid.NewString(),
		Username: id.Username,
		send:     make(chan Event, h.sendBuffer),
		done:     make(chan struct{}),
		closer:   closer,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.subs[s.ID] = s
	log.Printf("%s attached (%s). Total connections: %d", s.Username, s.ID, len(h.subs))
	return s, nil
}

// Handle processes one inbound event from s. Failures are also reported to
// s as an ERROR event; nothing is retried.
func (h *Hub) Handle(s *Subscriber, ev Event) error {
	var err error
	switch ev.Type {
	case EventJoin:
		err = h.join(s, ev.Room)
	case EventLeave:
		err = h.leave(s, ev.Room)
	case EventText:
		err = h.text(s, ev.Room, ev.Message)
	default:
		err = fmt.Errorf("unknown event type %q", ev.Type)
	}

	if err != nil && !errors.Is(err, ErrDetached) {
		s.deliver(Event{Room: ev.Room, Type: EventError, Message: err.Error(), Timestamp: h.now()})
	}
	return err
}

// Detach removes s from its room and from the hub. Only the first call has
// any effect; it reports whether this call was that one.
func (h *Hub) Detach(s *Subscriber) bool {
	detached := false
	s.detachOnce.Do(func() {
		detached = true

		s.mu.Lock()
		h.leaveLocked(s)
		s.detached = true
		s.mu.Unlock()

		h.mu.Lock()
		delete(h.subs, s.ID)
		remaining := len(h.subs)
		h.mu.Unlock()

		close(s.done)
		log.Printf("%s detached (%s). Total connections: %d", s.Username, s.ID, remaining)
	})
	return detached
}

// Shutdown stops accepting connections, then terminates and detaches every
// live one. There is no drain.
func (h *Hub) Shutdown() int {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if s.closer != nil {
			s.closer()
		}
		h.Detach(s)
	}
	log.Printf("hub shut down, closed %d connections", len(subs))
	return len(subs)
}

// Connections is the number of attached subscribers.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Members lists the usernames currently registered for delivery in name.
func (h *Hub) Members(name string) []string {
	reg := h.lookup(name)
	if reg == nil {
		return nil
	}
	var names []string
	for _, s := range reg.snapshot() {
		names = append(names, s.Username)
	}
	return names
}

func (h *Hub) join(s *Subscriber, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.detached {
		return ErrDetached
	}
	if s.room == name {
		return nil
	}
	if !h.dir.Exists(name) {
		return fmt.Errorf("join %q: %w", name, room.ErrNotFound)
	}

	// One room per connection: joining elsewhere leaves the current room.
	h.leaveLocked(s)

	if err := h.dir.AddMember(name, s.ID, s.Username); err != nil {
		return fmt.Errorf("join %q: %w", name, err)
	}
	h.registry(name).add(s)
	s.room = name

	h.fanout(name, s.Username, Event{Room: name, Type: EventJoin, From: s.Username, Timestamp: h.now()})
	return nil
}

func (h *Hub) leave(s *Subscriber, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.detached {
		return ErrDetached
	}
	if name != "" && name != s.room {
		return nil
	}
	h.leaveLocked(s)
	return nil
}

// leaveLocked requires s.mu.
func (h *Hub) leaveLocked(s *Subscriber) {
	name := s.room
	if name == "" {
		return
	}
	if reg := h.lookup(name); reg != nil {
		reg.remove(s.ID)
	}
	h.dir.RemoveMember(name, s.ID)
	s.room = ""

	h.fanout(name, s.Username, Event{Room: name, Type: EventLeave, From: s.Username, Timestamp: h.now()})
}

func (h *Hub) text(s *Subscriber, name, message string) error {
	current := s.Room()
	if current == "" || (name != "" && name != current) {
		return fmt.Errorf("send to %q: %w", name, ErrNotInRoom)
	}
	if message == "" {
		return errors.New("empty message")
	}

	h.fanout(current, s.Username, Event{Room: current, Type: EventText, Message: message, From: s.Username, Timestamp: h.now()})
	return nil
}

// fanout delivers ev to every subscriber of name whose username is not
// from. It runs on the sender's goroutine, so each receiver sees a single
// sender's events in the order the hub received them.
func (h *Hub) fanout(name, from string, ev Event) {
	reg := h.lookup(name)
	if reg == nil {
		return
	}

	for _, sub := range reg.snapshot() {
		if sub.Username == from {
			continue
		}
		sub.deliver(ev)
	}

	if h.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		if err := h.sink.Publish(ctx, ev); err != nil {
			log.Printf("event sink publish failed for room %q: %v", name, err)
		}
	}
}

func (h *Hub) lookup(name string) *registry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[name]
}

func (h *Hub) registry(name string) *registry {
	if reg := h.lookup(name); reg != nil {
		return reg
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	reg, ok := h.rooms[name]
	if !ok {
		reg = &registry{subs: make(map[string]*Subscriber)}
		h.rooms[name] = reg
	}
	return reg
}
