package bpf

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"

	"firestige.xyz/tunsidecar/internal/config"
	"firestige.xyz/tunsidecar/internal/log"
	"firestige.xyz/tunsidecar/internal/store"
)

// DefaultRingBytes is the size of the events ring buffer when none is given.
const DefaultRingBytes = 1 << 16

// Options configures Load.
type Options struct {
	ProgramOptions
	// BypassCapacity is max_entries of both bypass maps.
	BypassCapacity uint32
	// RingBytes is the events ring buffer size, a power of two multiple of
	// the page size.
	RingBytes uint32
}

func (o *Options) applyDefaults() {
	if !o.Sentinel.IsValid() {
		o.Sentinel = config.DefaultSentinel
	}
	if o.BypassCapacity == 0 {
		o.BypassCapacity = store.DefaultBypassCapacity
	}
	if o.RingBytes == 0 {
		o.RingBytes = DefaultRingBytes
	}
}

// Spec returns the collection for opts without loading it.
func Spec(opts Options) *ebpf.CollectionSpec {
	opts.applyDefaults()
	table := func(name string, capacity uint32) *ebpf.MapSpec {
		return &ebpf.MapSpec{
			Name:       name,
			Type:       ebpf.Hash,
			KeySize:    4,
			ValueSize:  4,
			MaxEntries: capacity,
		}
	}
	return &ebpf.CollectionSpec{
		Maps: map[string]*ebpf.MapSpec{
			MapParams:      table(MapParams, 1),
			MapBypassMarks: table(MapBypassMarks, opts.BypassCapacity),
			MapBypassPids:  table(MapBypassPids, opts.BypassCapacity),
			MapEvents: {
				Name:       MapEvents,
				Type:       ebpf.RingBuf,
				MaxEntries: opts.RingBytes,
			},
			MapRingDrops: {
				Name:       MapRingDrops,
				Type:       ebpf.PerCPUArray,
				KeySize:    4,
				ValueSize:  8,
				MaxEntries: 1,
			},
		},
		Programs: map[string]*ebpf.ProgramSpec{
			ProgramName: {
				Name:         ProgramName,
				Type:         ebpf.SchedCLS,
				License:      "GPL",
				Instructions: Instructions(opts.ProgramOptions),
			},
		},
	}
}

// Objects are the loaded program and its maps.
type Objects struct {
	Program     *ebpf.Program `ebpf:"tun_sidecar"`
	Params      *ebpf.Map     `ebpf:"params"`
	BypassMarks *ebpf.Map     `ebpf:"bypass_marks"`
	BypassPids  *ebpf.Map     `ebpf:"bypass_pids"`
	Events      *ebpf.Map     `ebpf:"events"`
	RingDrops   *ebpf.Map     `ebpf:"ring_drops"`

	// PidCheck reports whether the loaded program consults bypass_pids.
	PidCheck bool
}

// Load removes the memlock limit and loads the program and maps into the
// kernel.
//
// Kernels that do not offer bpf_get_current_pid_tgid to tc programs reject
// the pid check. In that case Load warns and falls back to a program
// without it.
func Load(opts Options) (*Objects, error) {
	logger := log.GetLogger()
	opts.applyDefaults()

	if err := rlimit.RemoveMemlock(); err != nil {
		logger.WithError(err).Warn("failed to remove memlock rlimit, loading may fail on older kernels")
	}

	objs, err := load(opts)
	if err == nil || !opts.BypassPids {
		return objs, err
	}
	var ve *ebpf.VerifierError
	if !errors.As(err, &ve) {
		return nil, err
	}
	logger.WithError(err).Warn("kernel rejected the bypass pid check, loading without it")
	opts.BypassPids = false
	return load(opts)
}

func load(opts Options) (*Objects, error) {
	objs := &Objects{PidCheck: opts.BypassPids}
	if err := Spec(opts).LoadAndAssign(objs, nil); err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			log.GetLogger().Debugf("verifier log: %+v", ve)
		}
		return nil, fmt.Errorf("loading classifier: %w", err)
	}
	return objs, nil
}

// Store returns the table set backed by the loaded maps.
func (o *Objects) Store() *store.Set {
	return &store.Set{
		Params:      store.NewMap(MapParams, o.Params),
		BypassMarks: store.NewMap(MapBypassMarks, o.BypassMarks),
		BypassPids:  store.NewMap(MapBypassPids, o.BypassPids),
	}
}

// FD returns the program file descriptor used when attaching.
func (o *Objects) FD() int {
	return o.Program.FD()
}

// Close releases the process' references. Attached filters keep the program
// and its maps alive in the kernel.
func (o *Objects) Close() error {
	var errs []error
	for _, c := range []interface{ Close() error }{o.Program, o.Params, o.BypassMarks, o.BypassPids, o.Events, o.RingDrops} {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
