package store

import (
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Memory is an in-process Table.
// Reads go straight to a lock-free map and never wait for writers; a mutex
// serializes writers so the capacity check and the insert happen together.
type Memory struct {
	name     string
	capacity int

	mu      sync.Mutex
	entries *xsync.MapOf[uint32, uint32]
}

// NewMemory creates an empty table holding at most capacity keys.
func NewMemory(name string, capacity int) *Memory {
	return &Memory{
		name:     name,
		capacity: capacity,
		entries:  xsync.NewMapOf[uint32, uint32](),
	}
}

// Get returns the value for key.
func (m *Memory) Get(key uint32) (uint32, bool) {
	return m.entries.Load(key)
}

// Set inserts or overwrites key.
func (m *Memory) Set(key, value uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries.Load(key); !ok && m.entries.Size() >= m.capacity {
		return fmt.Errorf("%s: %w (capacity %d)", m.name, ErrCapacityExceeded, m.capacity)
	}
	m.entries.Store(key, value)
	return nil
}

// Name returns the table name.
func (m *Memory) Name() string { return m.name }

// Capacity returns the maximum number of keys.
func (m *Memory) Capacity() int { return m.capacity }

// Len returns the number of keys currently stored.
func (m *Memory) Len() int { return m.entries.Size() }
