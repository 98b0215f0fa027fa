package store

import (
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for testing. Data is lost when the
// process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	loops  map[string][]Record
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		loops: make(map[string][]Record),
	}
}

// Append implements Store.
func (m *MemoryStore) Append(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	for _, existing := range m.loops[rec.LoopID] {
		if existing.Sequence == rec.Sequence {
			return ErrDuplicateSequence
		}
	}

	// Copy data to avoid retaining the caller's slice.
	data := make([]byte, len(rec.Data))
	copy(data, rec.Data)
	rec.Data = data

	m.loops[rec.LoopID] = append(m.loops[rec.LoopID], rec)
	return nil
}

// List implements Store.
func (m *MemoryStore) List(loopID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	records := make([]Record, len(m.loops[loopID]))
	copy(records, m.loops[loopID])
	sort.Slice(records, func(i, j int) bool { return records[i].Sequence < records[j].Sequence })
	return records, nil
}

// Loops implements Store.
func (m *MemoryStore) Loops() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	ids := make([]string, 0, len(m.loops))
	for id := range m.loops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteLoop implements Store.
func (m *MemoryStore) DeleteLoop(loopID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	delete(m.loops, loopID)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
