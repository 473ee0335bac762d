package classifier

import (
	"net/netip"

	"firestige.xyz/tunsidecar/internal/config"
	"firestige.xyz/tunsidecar/internal/diag"
	"firestige.xyz/tunsidecar/internal/store"
)

// Metadata is the out-of-band state of a packet.
type Metadata struct {
	Mark uint32
	// PID is the sending process id, 0 when unknown.
	PID uint32
}

// Classifier is safe for concurrent use; it only reads its tables.
type Classifier struct {
	marks    store.Reader
	pids     store.Reader
	params   store.Reader
	sentinel [4]byte
	sink     diag.Sink
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithSentinel sets the destination address that triggers a redirect.
// Non-IPv4 addresses are ignored.
func WithSentinel(addr netip.Addr) Option {
	return func(c *Classifier) {
		if addr = addr.Unmap(); addr.Is4() {
			c.sentinel = addr.As4()
		}
	}
}

// WithSink sets where match diagnostics go. The default discards them.
func WithSink(s diag.Sink) Option {
	return func(c *Classifier) { c.sink = s }
}

// New creates a classifier reading from tables.
func New(tables *store.Set, opts ...Option) *Classifier {
	c := &Classifier{
		marks:    tables.BypassMarks,
		pids:     tables.BypassPids,
		params:   tables.Params,
		sentinel: config.DefaultSentinel.As4(),
		sink:     diag.Discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sentinel returns the configured redirect destination.
func (c *Classifier) Sentinel() netip.Addr {
	return netip.AddrFrom4(c.sentinel)
}

// Classify decides the fate of one Ethernet frame. It does not allocate
// and does not loop over packet data.
func (c *Classifier) Classify(pkt []byte, md Metadata) Action {
	if _, ok := c.marks.Get(md.Mark); ok {
		return PassAction
	}
	if md.PID != 0 {
		if _, ok := c.pids.Get(md.PID); ok {
			return PassAction
		}
	}

	var v view
	if !v.parse(pkt) {
		return PassAction
	}
	if v.dst != c.sentinel {
		return PassAction
	}

	rec := diag.Record{
		Kind:  diag.KindRedirect,
		Proto: v.proto,
		Src:   netip.AddrPortFrom(netip.AddrFrom4(v.src), v.sport),
		Dst:   netip.AddrPortFrom(netip.AddrFrom4(v.dst), v.dport),
	}
	target, ok := c.params.Get(store.ParamTunnelIndex)
	if !ok {
		rec.Kind = diag.KindMissingTarget
		c.sink.Emit(rec)
		return PassAction
	}
	rec.Target = target
	c.sink.Emit(rec)
	return RedirectTo(target)
}
