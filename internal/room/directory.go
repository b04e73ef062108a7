// Package room is the authoritative directory of chat rooms and of which
// connections are currently members of each.
package room

import (
	"errors"
	"strings"
	"sync"
	"time"
	"unicode"
)

var (
	ErrNotFound      = errors.New("room not found")
	ErrAlreadyExists = errors.New("room already exists")
	ErrInvalidName   = errors.New("invalid room name")
)

const maxNameLen = 64

type Room struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Members   int       `json:"members"`
}

type member struct {
	id       string
	username string
}

type entry struct {
	name      string
	createdAt time.Time

	mu      sync.RWMutex
	members []member
}

func (e *entry) snapshot() Room {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Room{Name: e.name, CreatedAt: e.createdAt, Members: len(e.members)}
}

// Directory is safe for concurrent use. The name index has one lock;
// membership of each room has its own, so joins in different rooms do not
// contend.
type Directory struct {
	mu    sync.RWMutex
	rooms map[string]*entry
	order []*entry
}

func NewDirectory() *Directory {
	return &Directory{rooms: make(map[string]*entry)}
}

func ValidName(name string) bool {
	if name == "" || len(name) > maxNameLen {
		return false
	}
	return strings.IndexFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || !unicode.IsPrint(r)
	}) < 0
}

func (d *Directory) Create(name string) (Room, error) {
	if !ValidName(name) {
		return Room{}, ErrInvalidName
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.rooms[name]; ok {
		return Room{}, ErrAlreadyExists
	}
	e := &entry{name: name, createdAt: time.Now()}
	d.rooms[name] = e
	d.order = append(d.order, e)
	return Room{Name: e.name, CreatedAt: e.createdAt}, nil
}

// List returns a snapshot in creation order.
func (d *Directory) List() []Room {
	d.mu.RLock()
	entries := append([]*entry(nil), d.order...)
	d.mu.RUnlock()

	rooms := make([]Room, 0, len(entries))
	for _, e := range entries {
		rooms = append(rooms, e.snapshot())
	}
	return rooms
}

func (d *Directory) Get(name string) (Room, error) {
	e, ok := d.lookup(name)
	if !ok {
		return Room{}, ErrNotFound
	}
	return e.snapshot(), nil
}

func (d *Directory) Exists(name string) bool {
	_, ok := d.lookup(name)
	return ok
}

// AddMember records that connection id (owned by username) is in the room.
// Adding the same id twice is a no-op.
func (d *Directory) AddMember(name, id, username string) error {
	e, ok := d.lookup(name)
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range e.members {
		if m.id == id {
			return nil
		}
	}
	e.members = append(e.members, member{id: id, username: username})
	return nil
}

// RemoveMember is idempotent: removing an absent member, or a member of an
// absent room, reports false and is not an error.
func (d *Directory) RemoveMember(name, id string) bool {
	e, ok := d.lookup(name)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, m := range e.members {
		if m.id == id {
			e.members = append(e.members[:i], e.members[i+1:]...)
			return true
		}
	}
	return false
}

// Members returns the usernames in the room in join order. A user connected
// twice appears twice.
func (d *Directory) Members(name string) ([]string, error) {
	e, ok := d.lookup(name)
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.members))
	for _, m := range e.members {
		names = append(names, m.username)
	}
	return names, nil
}

func (d *Directory) lookup(name string) (*entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.rooms[name]
	return e, ok
}
