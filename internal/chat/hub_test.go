package chat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"roomchat/internal/auth"
	"roomchat/internal/room"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func newTestHub(t *testing.T, sendBuffer int, rooms ...string) (*Hub, *room.Directory) {
	t.Helper()
	dir := room.NewDirectory()
	for _, r := range rooms {
		_, err := dir.Create(r)
		require.NoError(t, err)
	}
	return NewHub(dir, sendBuffer, nil), dir
}

func attach(t *testing.T, h *Hub, username string) *Subscriber {
	t.Helper()
	s, err := h.Attach(auth.Identity{Username: username}, nil)
	require.NoError(t, err)
	return s
}

func join(t *testing.T, h *Hub, s *Subscriber, name string) {
	t.Helper()
	require.NoError(t, h.Handle(s, Event{Type: EventJoin, Room: name}))
}

func recv(t *testing.T, s *Subscriber) Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(waitFor):
		t.Fatalf("%s: no event within %s", s.Username, waitFor)
		return Event{}
	}
}

func expectNone(t *testing.T, s *Subscriber) {
	t.Helper()
	select {
	case ev := <-s.Events():
		t.Fatalf("%s: unexpected event %+v", s.Username, ev)
	case <-time.After(50 * time.Millisecond):
	}
}

// drain discards everything queued for s right now.
func drain(s *Subscriber) {
	for {
		select {
		case <-s.Events():
		default:
			return
		}
	}
}

func TestTextIsNotEchoedToSender(t *testing.T) {
	h, _ := newTestHub(t, 16, "lobby")
	alice := attach(t, h, "alice")
	bob := attach(t, h, "bob")
	carol := attach(t, h, "carol")
	for _, s := range []*Subscriber{alice, bob, carol} {
		join(t, h, s, "lobby")
	}
	for _, s := range []*Subscriber{alice, bob, carol} {
		drain(s)
	}

	require.NoError(t, h.Handle(alice, Event{Type: EventText, Room: "lobby", Message: "hi"}))

	for _, s := range []*Subscriber{bob, carol} {
		ev := recv(t, s)
		assert.Equal(t, EventText, ev.Type)
		assert.Equal(t, "lobby", ev.Room)
		assert.Equal(t, "alice", ev.From)
		assert.Equal(t, "hi", ev.Message)
		assert.False(t, ev.Timestamp.IsZero())
	}
	expectNone(t, alice)
}

func TestSenderExclusionIsByIdentity(t *testing.T) {
	h, _ := newTestHub(t, 16, "lobby")
	phone := attach(t, h, "alice")
	laptop := attach(t, h, "alice")
	bob := attach(t, h, "bob")
	for _, s := range []*Subscriber{phone, laptop, bob} {
		join(t, h, s, "lobby")
	}
	for _, s := range []*Subscriber{phone, laptop, bob} {
		drain(s)
	}

	require.NoError(t, h.Handle(phone, Event{Type: EventText, Room: "lobby", Message: "hi"}))

	assert.Equal(t, "hi", recv(t, bob).Message)
	expectNone(t, phone)
	expectNone(t, laptop)
}

func TestFromIsDerivedFromIdentity(t *testing.T) {
	h, _ := newTestHub(t, 16, "lobby")
	alice := attach(t, h, "alice")
	bob := attach(t, h, "bob")
	join(t, h, alice, "lobby")
	join(t, h, bob, "lobby")
	drain(alice)

	spoofed := Event{Type: EventText, Room: "lobby", Message: "trust me", From: "admin", Timestamp: time.Unix(0, 0)}
	require.NoError(t, h.Handle(bob, spoofed))

	ev := recv(t, alice)
	assert.Equal(t, "bob", ev.From)
	assert.True(t, ev.Timestamp.After(time.Unix(0, 0)))
}

func TestJoinUnknownRoomReportsError(t *testing.T) {
	h, dir := newTestHub(t, 16, "lobby")
	alice := attach(t, h, "alice")

	err := h.Handle(alice, Event{Type: EventJoin, Room: "nowhere"})
	assert.ErrorIs(t, err, room.ErrNotFound)

	ev := recv(t, alice)
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, "nowhere", ev.Room)
	assert.Empty(t, alice.Room())
	assert.False(t, dir.Exists("nowhere"), "join never creates rooms")
}

func TestJoinUnknownRoomKeepsCurrentMembership(t *testing.T) {
	h, dir := newTestHub(t, 16, "lobby")
	alice := attach(t, h, "alice")
	join(t, h, alice, "lobby")

	assert.Error(t, h.Handle(alice, Event{Type: EventJoin, Room: "nowhere"}))

	assert.Equal(t, "lobby", alice.Room())
	members, _ := dir.Members("lobby")
	assert.Equal(t, []string{"alice"}, members)
}

func TestTextOutsideRoomReportsError(t *testing.T) {
	h, _ := newTestHub(t, 16, "lobby", "dev")
	alice := attach(t, h, "alice")

	err := h.Handle(alice, Event{Type: EventText, Room: "lobby", Message: "hi"})
	assert.ErrorIs(t, err, ErrNotInRoom)
	assert.Equal(t, EventError, recv(t, alice).Type)

	join(t, h, alice, "lobby")
	err = h.Handle(alice, Event{Type: EventText, Room: "dev", Message: "hi"})
	assert.ErrorIs(t, err, ErrNotInRoom)

	assert.Error(t, h.Handle(alice, Event{Type: EventText, Room: "lobby"}))
	assert.Error(t, h.Handle(alice, Event{Type: "SHOUT", Room: "lobby"}))
}

func TestJoinSecondRoomLeavesFirst(t *testing.T) {
	h, dir := newTestHub(t, 16, "a", "b")
	alice := attach(t, h, "alice")
	bob := attach(t, h, "bob")
	join(t, h, bob, "a")

	join(t, h, alice, "a")
	join(t, h, alice, "b")

	assert.Equal(t, "b", alice.Room())
	membersA, _ := dir.Members("a")
	membersB, _ := dir.Members("b")
	assert.Equal(t, []string{"bob"}, membersA)
	assert.Equal(t, []string{"alice"}, membersB)
	assert.ElementsMatch(t, []string{"bob"}, h.Members("a"))
	assert.ElementsMatch(t, []string{"alice"}, h.Members("b"))

	joined := recv(t, bob)
	assert.Equal(t, EventJoin, joined.Type)
	left := recv(t, bob)
	assert.Equal(t, EventLeave, left.Type)
	assert.Equal(t, "alice", left.From)

	// Rejoining the current room is a no-op.
	join(t, h, alice, "b")
	membersB, _ = dir.Members("b")
	assert.Equal(t, []string{"alice"}, membersB)
}

func TestLeaveThenDisconnectRemovesOnce(t *testing.T) {
	h, dir := newTestHub(t, 16, "lobby")
	alice := attach(t, h, "alice")
	bob := attach(t, h, "bob")
	join(t, h, alice, "lobby")
	join(t, h, bob, "lobby")
	drain(bob)

	require.NoError(t, h.Handle(alice, Event{Type: EventLeave, Room: "lobby"}))
	assert.True(t, h.Detach(alice))
	assert.False(t, h.Detach(alice))
	assert.False(t, dir.RemoveMember("lobby", alice.ID), "third removal is a no-op")

	members, _ := dir.Members("lobby")
	assert.Equal(t, []string{"bob"}, members)
	assert.Equal(t, EventLeave, recv(t, bob).Type)
	expectNone(t, bob)
}

func TestDisconnectThenLeaveIsNoop(t *testing.T) {
	h, dir := newTestHub(t, 16, "lobby")
	alice := attach(t, h, "alice")
	join(t, h, alice, "lobby")

	assert.True(t, h.Detach(alice))
	assert.ErrorIs(t, h.Handle(alice, Event{Type: EventLeave, Room: "lobby"}), ErrDetached)
	assert.ErrorIs(t, h.Handle(alice, Event{Type: EventJoin, Room: "lobby"}), ErrDetached)

	members, _ := dir.Members("lobby")
	assert.Empty(t, members)
	assert.Empty(t, h.Members("lobby"))
	assert.Equal(t, 0, h.Connections())

	select {
	case <-alice.Done():
	default:
		t.Fatal("Done must be closed after detach")
	}
}

func TestLeaveOtherRoomIsNoop(t *testing.T) {
	h, _ := newTestHub(t, 16, "a", "b")
	alice := attach(t, h, "alice")
	join(t, h, alice, "a")

	require.NoError(t, h.Handle(alice, Event{Type: EventLeave, Room: "b"}))
	assert.Equal(t, "a", alice.Room())

	require.NoError(t, h.Handle(alice, Event{Type: EventLeave}))
	assert.Empty(t, alice.Room())
}

func TestSlowConsumerDoesNotStallOthers(t *testing.T) {
	const (
		buffer   = 8
		others   = 5
		messages = 40
	)
	h, _ := newTestHub(t, buffer, "lobby")

	sender := attach(t, h, "sender")
	stalled := attach(t, h, "stalled")
	join(t, h, sender, "lobby")
	join(t, h, stalled, "lobby")

	receivers := make([]*Subscriber, others)
	for i := range receivers {
		receivers[i] = attach(t, h, fmt.Sprintf("user-%d", i))
		join(t, h, receivers[i], "lobby")
	}
	for _, r := range receivers {
		drain(r)
	}

	for i := 0; i < messages; i++ {
		start := time.Now()
		require.NoError(t, h.Handle(sender, Event{Type: EventText, Room: "lobby", Message: fmt.Sprint(i)}))
		assert.Less(t, time.Since(start), 100*time.Millisecond, "fan-out blocked on a slow consumer")

		for _, r := range receivers {
			assert.Equal(t, fmt.Sprint(i), recv(t, r).Message)
		}
	}

	assert.Positive(t, stalled.Dropped())
	assert.Len(t, stalled.Events(), buffer)
	for _, r := range receivers {
		assert.Zero(t, r.Dropped())
	}
}

func TestPerSenderOrderIsPreserved(t *testing.T) {
	h, _ := newTestHub(t, 256, "lobby")
	alice := attach(t, h, "alice")
	bob := attach(t, h, "bob")
	carol := attach(t, h, "carol")
	for _, s := range []*Subscriber{alice, bob, carol} {
		join(t, h, s, "lobby")
	}
	drain(carol)

	var wg sync.WaitGroup
	for _, s := range []*Subscriber{alice, bob} {
		wg.Add(1)
		go func(s *Subscriber) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h.Handle(s, Event{Type: EventText, Room: "lobby", Message: fmt.Sprint(i)})
			}
		}(s)
	}
	wg.Wait()

	next := map[string]int{}
	for i := 0; i < 200; i++ {
		ev := recv(t, carol)
		require.Equal(t, fmt.Sprint(next[ev.From]), ev.Message, "out of order from %s", ev.From)
		next[ev.From]++
	}
	assert.Equal(t, map[string]int{"alice": 100, "bob": 100}, next)
}

func TestShutdownClosesAndDetachesEveryone(t *testing.T) {
	h, dir := newTestHub(t, 16, "lobby")

	var closed atomic.Int32
	var subs []*Subscriber
	for i := 0; i < 3; i++ {
		s, err := h.Attach(auth.Identity{Username: fmt.Sprintf("u%d", i)}, func() { closed.Add(1) })
		require.NoError(t, err)
		join(t, h, s, "lobby")
		subs = append(subs, s)
	}

	assert.Equal(t, 3, h.Shutdown())
	assert.Equal(t, int32(3), closed.Load())

	for _, s := range subs {
		assert.False(t, h.Detach(s), "already detached by shutdown")
	}
	members, _ := dir.Members("lobby")
	assert.Empty(t, members)
	assert.Equal(t, 0, h.Connections())

	_, err := h.Attach(auth.Identity{Username: "late"}, nil)
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestConcurrentChurnLeavesNoDanglingMembers(t *testing.T) {
	rooms := []string{"a", "b", "c"}
	h, dir := newTestHub(t, 4, rooms...)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := h.Attach(auth.Identity{Username: fmt.Sprintf("u%d", i)}, nil)
			if !assert.NoError(t, err) {
				return
			}
			for j := 0; j < 20; j++ {
				r := rooms[(i+j)%len(rooms)]
				switch j % 3 {
				case 0:
					h.Handle(s, Event{Type: EventJoin, Room: r})
				case 1:
					h.Handle(s, Event{Type: EventText, Room: s.Room(), Message: "x"})
				case 2:
					if j%2 == 0 {
						h.Handle(s, Event{Type: EventLeave})
					}
				}
				drain(s)
			}
			h.Detach(s)
		}(i)
	}
	wg.Wait()

	for _, r := range rooms {
		members, err := dir.Members(r)
		require.NoError(t, err)
		assert.Empty(t, members, "room %s", r)
		assert.Empty(t, h.Members(r), "room %s", r)
	}
	assert.Equal(t, 0, h.Connections())
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(_ context.Context, ev Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func TestSinkSeesFannedOutEvents(t *testing.T) {
	dir := room.NewDirectory()
	_, _ = dir.Create("lobby")
	sink := &recordingSink{}
	h := NewHub(dir, 16, sink)

	alice := attach(t, h, "alice")
	join(t, h, alice, "lobby")
	require.NoError(t, h.Handle(alice, Event{Type: EventText, Room: "lobby", Message: "hi"}))
	h.Detach(alice)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var types []EventType
	for _, ev := range sink.events {
		types = append(types, ev.Type)
		assert.Equal(t, "alice", ev.From)
	}
	assert.Equal(t, []EventType{EventJoin, EventText, EventLeave}, types)
}
