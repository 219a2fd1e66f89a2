// Package event fans migration status out to observers. Events are
// UI-facing signals with last-state-wins semantics, not a durable log.
package event

import (
	"sync"
	"time"
)

// Type identifies the kind of event.
type Type int

const (
	ConnectionState Type = iota + 1
	PeerFound
	PeerLost
	PeerChanged
	HostnameLearned
	FreeSpaceLearned
	MigrationSize
	FileSent
	FileReceived
	FileFailed
	DirectoryReceived
	SymlinkReceived
	SessionState
	MigrationCompleted
)

var typeNames = [...]string{
	ConnectionState:    "ConnectionState",
	PeerFound:          "PeerFound",
	PeerLost:           "PeerLost",
	PeerChanged:        "PeerChanged",
	HostnameLearned:    "HostnameLearned",
	FreeSpaceLearned:   "FreeSpaceLearned",
	MigrationSize:      "MigrationSize",
	FileSent:           "FileSent",
	FileReceived:       "FileReceived",
	FileFailed:         "FileFailed",
	DirectoryReceived:  "DirectoryReceived",
	SymlinkReceived:    "SymlinkReceived",
	SessionState:       "SessionState",
	MigrationCompleted: "MigrationCompleted",
}

func (t Type) String() string {
	if int(t) < len(typeNames) && typeNames[t] != "" {
		return typeNames[t]
	}
	return "Unknown"
}

// Event is a single status signal.
type Event struct {
	Type      Type
	Timestamp time.Time
	Name      string // peer/host name or file path, depending on Type
	State     string // connection or session state name
	Size      int64  // bytes, where meaningful
	Err       error
}

// Listener receives published events. Listeners must return quickly and
// must never block back into the publisher.
type Listener func(Event)

// Bus is an explicit listener registry. The zero value is not usable;
// construct with NewBus.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
	latest    map[Type]Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{latest: make(map[Type]Event)}
}

// Subscribe registers a listener and replays the latest event of each
// type so late subscribers observe current state.
func (b *Bus) Subscribe(l Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	replay := make([]Event, 0, len(b.latest))
	for _, e := range b.latest {
		replay = append(replay, e)
	}
	b.mu.Unlock()

	for _, e := range replay {
		l(e)
	}
}

// Publish records e as the latest of its type and delivers it to every
// listener synchronously, in registration order.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.latest[e.Type] = e
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	for _, l := range listeners {
		l(e)
	}
}

// Latest returns the most recent event of type t, if any.
func (b *Bus) Latest(t Type) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.latest[t]
	return e, ok
}
