package bpf

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"

	"firestige.xyz/tunsidecar/internal/diag"
	"firestige.xyz/tunsidecar/internal/log"
	"firestige.xyz/tunsidecar/internal/metrics"
)

// ReadEvents copies records from the events ring buffer into sink until ctx
// is done. Malformed samples are logged and skipped.
func ReadEvents(ctx context.Context, events *ebpf.Map, sink diag.Sink) error {
	rd, err := ringbuf.NewReader(events)
	if err != nil {
		return fmt.Errorf("opening events ring buffer: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { rd.Close() })
	defer stop()
	defer rd.Close()

	var sample ringbuf.Record
	for {
		if err := rd.ReadInto(&sample); err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading events: %w", err)
		}
		rec, err := diag.Decode(sample.RawSample)
		if err != nil {
			log.GetLogger().WithError(err).Warn("skipping malformed diagnostic record")
			continue
		}
		sink.Emit(rec)
	}
}

// RingDrops sums the per-CPU count of records the kernel could not write to
// the events ring buffer.
func RingDrops(drops *ebpf.Map) (uint64, error) {
	var perCPU []uint64
	if err := drops.Lookup(uint32(0), &perCPU); err != nil {
		return 0, fmt.Errorf("reading ring drops: %w", err)
	}
	var total uint64
	for _, n := range perCPU {
		total += n
	}
	return total, nil
}

// WatchRingDrops adds new kernel ring buffer drops to the dropped-records
// metric every interval until ctx is done.
func WatchRingDrops(ctx context.Context, drops *ebpf.Map, interval time.Duration) {
	logger := log.GetLogger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var reported uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := RingDrops(drops)
			if err != nil {
				logger.WithError(err).Debug("failed to poll ring drops")
				continue
			}
			if n > reported {
				metrics.DiagnosticsDroppedTotal.WithLabelValues(metrics.StageKernel).Add(float64(n - reported))
				logger.WithField("dropped", n-reported).Warn("events ring buffer overflowed")
				reported = n
			}
		}
	}
}
