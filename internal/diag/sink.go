package diag

import (
	"go.uber.org/atomic"
)

// Sink receives diagnostic records. Emit is called on the packet path and
// must neither block nor allocate.
type Sink interface {
	Emit(Record)
}

// Discard drops every record.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Record) {}

// Ring is a bounded Sink. When the buffer is full new records are dropped
// and counted, the same policy the kernel ring buffer applies.
type Ring struct {
	ch      chan Record
	emitted atomic.Uint64
	dropped atomic.Uint64
}

// NewRing creates a ring holding up to size records.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{ch: make(chan Record, size)}
}

// Emit queues r or drops it when the ring is full.
func (r *Ring) Emit(rec Record) {
	select {
	case r.ch <- rec:
		r.emitted.Inc()
	default:
		r.dropped.Inc()
	}
}

// Records returns the consumer side of the ring.
func (r *Ring) Records() <-chan Record { return r.ch }

// Emitted returns the number of queued records.
func (r *Ring) Emitted() uint64 { return r.emitted.Load() }

// Dropped returns the number of records lost to a full ring.
func (r *Ring) Dropped() uint64 { return r.dropped.Load() }
