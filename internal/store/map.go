package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

// kernelMap is the subset of *ebpf.Map used by Map.
type kernelMap interface {
	Lookup(key, valueOut interface{}) error
	Update(key, value interface{}, flags ebpf.MapUpdateFlags) error
	MaxEntries() uint32
}

// Map is a Table backed by an eBPF hash map with uint32 keys and values.
// Element updates are atomic in the kernel, so a program reading the map
// concurrently sees either the old or the new value of a key.
type Map struct {
	name string
	m    kernelMap

	mu sync.Mutex
	// inserted counts keys created through this handle. The control plane is
	// the only writer, so it equals the number of entries.
	inserted int
}

// NewMap wraps m as a Table called name.
func NewMap(name string, m *ebpf.Map) *Map {
	return newMap(name, m)
}

func newMap(name string, m kernelMap) *Map {
	return &Map{name: name, m: m}
}

// Get looks key up in the kernel map. Lookup errors other than a missing key
// are reported as absent.
func (t *Map) Get(key uint32) (uint32, bool) {
	var v uint32
	if err := t.m.Lookup(key, &v); err != nil {
		return 0, false
	}
	return v, true
}

// Set inserts or overwrites key.
func (t *Map) Set(key, value uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var existing uint32
	err := t.m.Lookup(key, &existing)
	isNew := errors.Is(err, ebpf.ErrKeyNotExist)
	if err != nil && !isNew {
		return fmt.Errorf("%s: lookup %d: %w", t.name, key, err)
	}
	if isNew && t.inserted >= t.Capacity() {
		return fmt.Errorf("%s: %w (capacity %d)", t.name, ErrCapacityExceeded, t.Capacity())
	}

	if err := t.m.Update(key, value, ebpf.UpdateAny); err != nil {
		if errors.Is(err, unix.E2BIG) {
			return fmt.Errorf("%s: %w (capacity %d)", t.name, ErrCapacityExceeded, t.Capacity())
		}
		return fmt.Errorf("%s: update %d: %w", t.name, key, err)
	}
	if isNew {
		t.inserted++
	}
	return nil
}

// Name returns the map name.
func (t *Map) Name() string { return t.name }

// Capacity returns the map's max_entries.
func (t *Map) Capacity() int { return int(t.m.MaxEntries()) }

// Len returns the number of keys inserted through this handle.
func (t *Map) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inserted
}
