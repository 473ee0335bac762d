// Package controlplane configures the classifier at startup: it resolves the
// tunnel, fills the tables and attaches the program to every interface.
package controlplane

import (
	"context"
	"errors"
	"fmt"

	"firestige.xyz/tunsidecar/internal/hook"
	"firestige.xyz/tunsidecar/internal/log"
	"firestige.xyz/tunsidecar/internal/metrics"
	"firestige.xyz/tunsidecar/internal/store"
)

// ErrNoInterfaces is returned by Start when there is nothing to attach to.
var ErrNoInterfaces = errors.New("controlplane: no interfaces to attach to")

// Resolver maps an interface name to its ifindex.
type Resolver interface {
	Resolve(name string) (uint32, error)
}

// Hook installs the program at the egress hook of an interface.
type Hook interface {
	// Ensure prepares iface. It succeeds if iface is already prepared.
	Ensure(iface string) error
	Attach(iface string, prog hook.Program) (hook.Attachment, error)
}

// StaticResolver resolves names from a fixed table.
type StaticResolver map[string]uint32

// Resolve implements Resolver.
func (r StaticResolver) Resolve(name string) (uint32, error) {
	idx, ok := r[name]
	if !ok {
		return 0, fmt.Errorf("interface %q not found", name)
	}
	return idx, nil
}

// Params are the startup parameters of the loader.
type Params struct {
	Interfaces  []string
	TunnelName  string
	BypassMarks []uint32
	BypassPids  []uint32
}

// Loader runs the startup sequence. It is not safe for concurrent use.
type Loader struct {
	params   Params
	tables   *store.Set
	resolver Resolver
	hook     Hook
	prog     hook.Program

	attachments []hook.Attachment
}

// New creates a loader. hook and prog may be nil when only Populate is used.
func New(params Params, tables *store.Set, resolver Resolver, h Hook, prog hook.Program) *Loader {
	return &Loader{
		params:   params,
		tables:   tables,
		resolver: resolver,
		hook:     h,
		prog:     prog,
	}
}

// Populate resolves the tunnel and writes the tables. The first failure is
// returned; tables written before it keep their entries.
func (l *Loader) Populate() error {
	logger := log.GetLogger()

	// 1. Resolve the tunnel.
	ifindex, err := l.resolver.Resolve(l.params.TunnelName)
	if err != nil {
		return fmt.Errorf("resolving tunnel interface: %w", err)
	}

	// 2. Tunnel target.
	if err := l.tables.SetTunnelTarget(ifindex); err != nil {
		return err
	}
	metrics.TunnelIfindex.Set(float64(ifindex))
	logger.WithField("tunnel", l.params.TunnelName).WithField("ifindex", ifindex).Info("tunnel target configured")

	// 3. Bypass marks.
	if err := store.AddAll(l.tables.BypassMarks, l.params.BypassMarks); err != nil {
		return err
	}

	// 4. Bypass pids.
	if err := store.AddAll(l.tables.BypassPids, l.params.BypassPids); err != nil {
		return err
	}

	for _, t := range []store.Table{l.tables.Params, l.tables.BypassMarks, l.tables.BypassPids} {
		metrics.TableEntries.WithLabelValues(t.Name()).Set(float64(t.Len()))
	}
	logger.WithFields(map[string]interface{}{
		"marks": len(l.params.BypassMarks),
		"pids":  len(l.params.BypassPids),
	}).Info("bypass tables populated")
	return nil
}

// Start populates the tables and attaches the program to every interface in
// order. It stops at the first failure; interfaces attached before it stay
// attached.
func (l *Loader) Start(ctx context.Context) error {
	if len(l.params.Interfaces) == 0 {
		return ErrNoInterfaces
	}
	if err := l.Populate(); err != nil {
		return err
	}

	logger := log.GetLogger()
	for _, iface := range l.params.Interfaces {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.hook.Ensure(iface); err != nil {
			return fmt.Errorf("preparing %s: %w", iface, err)
		}
		att, err := l.hook.Attach(iface, l.prog)
		if err != nil {
			return fmt.Errorf("attaching to %s: %w", iface, err)
		}
		l.attachments = append(l.attachments, att)
		metrics.AttachedInterfaces.Set(float64(len(l.attachments)))
		logger.WithField("attachment", att.String()).Info("classifier attached")
	}
	return nil
}

// Wait blocks until ctx is done. Nothing is detached: the filters and the
// tables they reference outlive the process. Remove them with
// "tc qdisc del dev <iface> clsact".
func (l *Loader) Wait(ctx context.Context) {
	<-ctx.Done()
	log.GetLogger().WithField("interfaces", len(l.attachments)).
		Info("shutting down, egress filters stay attached")
}

// Attachments returns the filters installed by Start.
func (l *Loader) Attachments() []hook.Attachment {
	return l.attachments
}
