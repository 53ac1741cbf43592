// Package storage holds finalized files in process memory. Nothing here
// survives a restart.
package storage

import (
	"errors"
	"sync"
	"time"

	"github.com/dharsanguruparan/RoomDrop/internal/model"
)

var (
	// ErrNotFound is returned when no record exists for a file id.
	ErrNotFound = errors.New("file not found")
)

// MemoryStore is the process-wide table of finalized files keyed by file id.
// Insertion order is remembered so room listings are stable.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]*model.FileRecord
	order []string
	bytes int64
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files: make(map[string]*model.FileRecord),
	}
}

// Put stores a record under its file id. A record with the same id is
// silently replaced and keeps its original position in the insertion order;
// replaced reports whether that happened.
func (m *MemoryStore) Put(record *model.FileRecord) (replaced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if prev, ok := m.files[record.FileID]; ok {
		m.bytes -= prev.Size
		replaced = true
	} else {
		m.order = append(m.order, record.FileID)
	}
	m.files[record.FileID] = record
	m.bytes += record.Size
	return replaced
}

// Get returns a record copy.
func (m *MemoryStore) Get(id string) (*model.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *rec
	return &copy, nil
}

// ListByRoom returns copies of every record in roomID, in insertion order.
func (m *MemoryStore) ListByRoom(roomID string) []*model.FileRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.FileRecord
	for _, id := range m.order {
		rec := m.files[id]
		if rec.RoomID != roomID {
			continue
		}
		copy := *rec
		out = append(out, &copy)
	}
	return out
}

// Len returns the number of stored files.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.files)
}

// Bytes returns the total payload size held by the store.
func (m *MemoryStore) Bytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytes
}
