// Package hook installs the classifier at the traffic control egress hook
// of network interfaces over rtnetlink.
package hook

import (
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"firestige.xyz/tunsidecar/internal/log"
)

// ErrNoProgram is returned by Attach when there is no loaded program.
var ErrNoProgram = errors.New("hook: no program to attach")

// FilterPriority and FilterHandle identify the egress filter. Re-attaching
// replaces the filter with the same identity instead of stacking another.
const (
	FilterPriority = 1
	FilterHandle   = 1
)

// Program is a loaded classifier.
type Program interface {
	FD() int
}

// Attachment describes an installed egress filter.
type Attachment struct {
	Interface string
	Ifindex   int
	Parent    uint32
	Handle    uint32
	Priority  uint16
}

func (a Attachment) String() string {
	return fmt.Sprintf("%s(%d) egress %s prio %d",
		a.Interface, a.Ifindex, netlink.HandleStr(a.Handle), a.Priority)
}

// handle is the part of *netlink.Handle used here.
type handle interface {
	LinkByName(name string) (netlink.Link, error)
	QdiscAdd(qdisc netlink.Qdisc) error
	FilterReplace(filter netlink.Filter) error
	Close()
}

// TC manages clsact qdiscs and egress filters.
type TC struct {
	h    handle
	name string
}

// New opens a netlink handle in the current network namespace. name is the
// filter name shown by tc.
func New(name string) (*TC, error) {
	h, err := netlink.NewHandle(unix.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("hook: open netlink: %w", err)
	}
	return newTC(h, name), nil
}

func newTC(h handle, name string) *TC {
	return &TC{h: h, name: name}
}

// Close releases the netlink socket. Installed filters stay.
func (t *TC) Close() {
	t.h.Close()
}

// Resolve returns the ifindex of the named interface.
func (t *TC) Resolve(name string) (uint32, error) {
	link, err := t.h.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("hook: resolve %q: %w", name, err)
	}
	return uint32(link.Attrs().Index), nil
}

// Ensure makes sure iface has a clsact qdisc. An existing one is kept.
func (t *TC) Ensure(iface string) error {
	link, err := t.h.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("hook: ensure clsact on %q: %w", iface, err)
	}
	qdisc := &netlink.GenericQdisc{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: link.Attrs().Index,
			Handle:    netlink.MakeHandle(0xffff, 0),
			Parent:    netlink.HANDLE_CLSACT,
		},
		QdiscType: "clsact",
	}
	if err := t.h.QdiscAdd(qdisc); err != nil {
		if errors.Is(err, unix.EEXIST) {
			log.GetLogger().WithField("iface", iface).Debug("clsact qdisc already present")
			return nil
		}
		return fmt.Errorf("hook: add clsact qdisc on %q: %w", iface, err)
	}
	log.GetLogger().WithField("iface", iface).Info("added clsact qdisc")
	return nil
}

// Attach installs prog as the direct-action egress filter of iface,
// replacing a previous attachment.
func (t *TC) Attach(iface string, prog Program) (Attachment, error) {
	if prog == nil || prog.FD() < 0 {
		return Attachment{}, ErrNoProgram
	}
	link, err := t.h.LinkByName(iface)
	if err != nil {
		return Attachment{}, fmt.Errorf("hook: attach to %q: %w", iface, err)
	}
	filter := &netlink.BpfFilter{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: link.Attrs().Index,
			Parent:    netlink.HANDLE_MIN_EGRESS,
			Handle:    netlink.MakeHandle(0, FilterHandle),
			Protocol:  unix.ETH_P_ALL,
			Priority:  FilterPriority,
		},
		Fd:           prog.FD(),
		Name:         t.name,
		DirectAction: true,
	}
	if err := t.h.FilterReplace(filter); err != nil {
		return Attachment{}, fmt.Errorf("hook: attach egress filter to %q: %w", iface, err)
	}
	return Attachment{
		Interface: iface,
		Ifindex:   link.Attrs().Index,
		Parent:    filter.Parent,
		Handle:    filter.Handle,
		Priority:  filter.Priority,
	}, nil
}
