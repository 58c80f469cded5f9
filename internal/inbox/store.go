// Package inbox records inbound broker events and dispatches them to wallet
// commands exactly once per event id.
package inbox

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Status is the processing state of an inbox row.
type Status string

const (
	StatusReceived  Status = "RECEIVED"
	StatusProcessed Status = "PROCESSED"
	StatusFailed    Status = "FAILED"
)

// Done reports whether the event needs no further dispatch.
func (s Status) Done() bool {
	return s == StatusProcessed || s == StatusFailed
}

// ErrEventNotFound is returned when marking an event that was never recorded.
var ErrEventNotFound = errors.New("inbox event not found")

// Event is one inbound message as stored.
type Event struct {
	ID          string
	Topic       string
	Payload     []byte
	Status      Status
	Error       string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// Store persists inbox rows.
type Store interface {
	// Record inserts ev as RECEIVED unless its id exists, and returns the
	// stored status either way.
	Record(ctx context.Context, ev Event) (Status, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string, at time.Time) error
}

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]*Event
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*Event)}
}

func (m *MemoryStore) Record(_ context.Context, ev Event) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.events[ev.ID]; ok {
		return existing.Status, nil
	}
	ev.Status = StatusReceived
	ev.Payload = append([]byte(nil), ev.Payload...)
	m.events[ev.ID] = &ev
	return StatusReceived, nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, id string, at time.Time) error {
	return m.mark(id, StatusProcessed, "", at)
}

func (m *MemoryStore) MarkFailed(_ context.Context, id, reason string, at time.Time) error {
	return m.mark(id, StatusFailed, reason, at)
}

func (m *MemoryStore) mark(id string, status Status, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	ev.Status = status
	ev.Error = reason
	ev.ProcessedAt = &at
	return nil
}

// Get returns a copy of the stored event.
func (m *MemoryStore) Get(id string) (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return Event{}, false
	}
	return *ev, true
}
