package diag

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/tunsidecar/internal/log"
	"firestige.xyz/tunsidecar/internal/metrics"
)

// Publisher forwards records to a system outside the process.
type Publisher interface {
	Publish(ctx context.Context, rec Record) error
	Close() error
}

// Drainer consumes records: it counts them, publishes them and logs them.
// With a log interval set, a flow is logged at most once per interval; every
// record is still counted and published.
type Drainer struct {
	logger    log.Logger
	interval  time.Duration
	seen      *cache.Cache
	publisher Publisher
}

// DrainOption configures a Drainer.
type DrainOption func(*Drainer)

// WithLogInterval suppresses repeated log lines for the same flow within d.
func WithLogInterval(d time.Duration) DrainOption {
	return func(dr *Drainer) { dr.interval = d }
}

// WithPublisher forwards every record to p.
func WithPublisher(p Publisher) DrainOption {
	return func(dr *Drainer) { dr.publisher = p }
}

// NewDrainer creates a drainer logging to logger.
func NewDrainer(logger log.Logger, opts ...DrainOption) *Drainer {
	d := &Drainer{logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	if d.interval > 0 {
		d.seen = cache.New(d.interval, 2*d.interval)
	}
	return d
}

// Run handles records from ring until ctx is done. Drops reported by the
// ring are folded into the dropped-records metric as they are noticed.
func (d *Drainer) Run(ctx context.Context, ring *Ring) {
	var reported uint64
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-ring.Records():
			d.Handle(ctx, rec)
			if n := ring.Dropped(); n > reported {
				metrics.DiagnosticsDroppedTotal.WithLabelValues(metrics.StageQueue).Add(float64(n - reported))
				d.logger.WithField("dropped", n-reported).Warn("diagnostic queue overflowed")
				reported = n
			}
		}
	}
}

// Handle processes a single record.
func (d *Drainer) Handle(ctx context.Context, rec Record) {
	metrics.DiagnosticsTotal.WithLabelValues(rec.Kind.String()).Inc()

	if d.publisher != nil {
		if err := d.publisher.Publish(ctx, rec); err != nil {
			metrics.DiagnosticsPublishErrorsTotal.Inc()
			d.logger.WithError(err).Warn("failed to publish diagnostic record")
		}
	}

	if d.seen != nil {
		if err := d.seen.Add(flowKey(rec), struct{}{}, cache.DefaultExpiration); err != nil {
			metrics.DiagnosticsSuppressedTotal.Inc()
			return
		}
	}
	Log(d.logger, rec)
}

func flowKey(rec Record) string {
	return fmt.Sprintf("%d/%d/%s/%s", rec.Kind, rec.Proto, rec.Src, rec.Dst)
}

// Log writes one record.
func Log(logger log.Logger, rec Record) {
	l := logger.WithFields(map[string]interface{}{
		"proto": rec.ProtoName(),
		"src":   rec.Src.String(),
		"dst":   rec.Dst.String(),
	})
	switch rec.Kind {
	case KindRedirect:
		l.WithField("target", rec.Target).Info("redirecting matched packet")
	case KindMissingTarget:
		l.Warn("tunnel target not configured, passing matched packet")
	default:
		l.WithField("kind", rec.Kind.String()).Warn("unknown diagnostic record")
	}
}
