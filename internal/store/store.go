// Package store implements the bounded configuration tables shared between
// the control plane and the packet classifier.
package store

import (
	"errors"
	"fmt"
)

// Table names. They double as eBPF map names, so they must stay below the
// kernel's 16 byte object name limit.
const (
	TableParams      = "params"
	TableBypassMarks = "bypass_marks"
	TableBypassPids  = "bypass_pids"
)

// ParamTunnelIndex is the key under which the tunnel ifindex is stored in the
// params table.
const ParamTunnelIndex uint32 = 0

// DefaultBypassCapacity is the default number of entries of each bypass table.
const DefaultBypassCapacity = 128

// ErrCapacityExceeded is returned by Set when inserting a new key into a full
// table. Existing entries are never evicted.
var ErrCapacityExceeded = errors.New("table capacity exceeded")

// Reader is the read side of a table. It is the only part of a table the
// classifier sees: point lookups, no iteration.
// Implementations must not block on concurrent writers.
type Reader interface {
	// Get returns the value stored for key and whether it was present.
	Get(key uint32) (uint32, bool)
}

// Writer is the write side of a table, used by the control plane.
type Writer interface {
	// Set inserts or overwrites key. It returns ErrCapacityExceeded (via
	// errors.Is) when key is new and the table is full.
	Set(key, value uint32) error
}

// Table is a bounded uint32 -> uint32 key/value table.
type Table interface {
	Reader
	Writer
	Name() string
	Capacity() int
	// Len returns the number of entries. It is for reporting only and is
	// never called on the per-packet path.
	Len() int
}

// Set groups the three tables consulted by the classifier.
type Set struct {
	Params      Table
	BypassMarks Table
	BypassPids  Table
}

// NewMemorySet creates an empty in-process table set.
func NewMemorySet(bypassCapacity int) *Set {
	return &Set{
		Params:      NewMemory(TableParams, 1),
		BypassMarks: NewMemory(TableBypassMarks, bypassCapacity),
		BypassPids:  NewMemory(TableBypassPids, bypassCapacity),
	}
}

// TunnelTarget returns the configured tunnel ifindex, if any.
func (s *Set) TunnelTarget() (uint32, bool) {
	return s.Params.Get(ParamTunnelIndex)
}

// SetTunnelTarget writes the tunnel ifindex. The last write wins.
func (s *Set) SetTunnelTarget(ifindex uint32) error {
	if err := s.Params.Set(ParamTunnelIndex, ifindex); err != nil {
		return fmt.Errorf("store: set tunnel target: %w", err)
	}
	return nil
}

// AddAll inserts every key of keys into t with a presence value of 1.
// It stops at the first failure; entries inserted before it stay in place.
func AddAll(t Table, keys []uint32) error {
	for _, k := range keys {
		if err := t.Set(k, 1); err != nil {
			return fmt.Errorf("store: insert %d into %s: %w", k, t.Name(), err)
		}
	}
	return nil
}
