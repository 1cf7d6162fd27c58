package highlight

import (
	"context"
	"sync"
)

type dayKey struct {
	user string
	date string
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[dayKey]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[dayKey]Record)}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, userID, date string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[dayKey{userID, date}]
	return rec, ok, nil
}

// SetIfAbsent implements Store.
func (m *MemoryStore) SetIfAbsent(_ context.Context, rec Record) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := dayKey{rec.UserID, rec.Date}
	if existing, ok := m.records[k]; ok {
		return existing, false, nil
	}
	m.records[k] = rec
	return rec, true, nil
}

// Purge deletes records dated before date (YYYY-MM-DD) and returns how many
// were removed.
func (m *MemoryStore) Purge(before string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.records {
		if k.date < before {
			delete(m.records, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
