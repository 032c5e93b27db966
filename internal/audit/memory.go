package audit

import (
	"context"
	"iter"
	"sync"
)

// MemoryStore keeps events in process. The revocation index is updated in
// the same critical section as the append, so a REVOKED event is visible to
// HasRevocation as soon as Append returns.
type MemoryStore struct {
	mu      sync.RWMutex
	all     []Event
	streams map[string][]int
	revoked map[string]struct{}
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: map[string][]int{},
		revoked: map[string]struct{}{},
	}
}

func (m *MemoryStore) Driver() string { return "memory" }

func (m *MemoryStore) Append(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(e); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.appendLocked(e.clone())
	return nil
}

func (m *MemoryStore) appendLocked(e Event) {
	m.all = append(m.all, e)
	m.streams[e.SubjectID] = append(m.streams[e.SubjectID], len(m.all)-1)
	if e.Type == EventRevoked {
		m.revoked[e.SubjectID] = struct{}{}
	}
}

func (m *MemoryStore) HasRevocation(ctx context.Context, subjectID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.revoked[subjectID]
	return ok, nil
}

// History yields a snapshot of the stream taken when iteration starts.
func (m *MemoryStore) History(ctx context.Context, subjectID string) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(Event{}, err)
			return
		}
		m.mu.RLock()
		if m.closed {
			m.mu.RUnlock()
			yield(Event{}, ErrClosed)
			return
		}
		idx := m.streams[subjectID]
		snap := make([]Event, len(idx))
		for i, j := range idx {
			snap[i] = m.all[j].clone()
		}
		m.mu.RUnlock()

		for _, e := range snap {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Len returns the total number of events held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.all)
}

// Events returns every event in global append order. Used to snapshot a
// replicated store.
func (m *MemoryStore) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.all))
	for i, e := range m.all {
		out[i] = e.clone()
	}
	return out
}

// Reset replaces the whole content with events, in order.
func (m *MemoryStore) Reset(events []Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.all = nil
	m.streams = map[string][]int{}
	m.revoked = map[string]struct{}{}
	for _, e := range events {
		m.appendLocked(e.clone())
	}
}
