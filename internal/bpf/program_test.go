package bpf

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tunsidecar/internal/store"
)

func builtinCalls(insns asm.Instructions) map[asm.BuiltinFunc]int {
	calls := make(map[asm.BuiltinFunc]int)
	for _, ins := range insns {
		if ins.IsBuiltinCall() {
			calls[asm.BuiltinFunc(ins.Constant)]++
		}
	}
	return calls
}

func TestInstructionsReferencesResolve(t *testing.T) {
	for _, opts := range []ProgramOptions{
		{Sentinel: netip.MustParseAddr("1.1.1.1")},
		{Sentinel: netip.MustParseAddr("1.1.1.1"), BypassPids: true, Diagnostics: true},
	} {
		insns := Instructions(opts)

		symbols := make(map[string]bool)
		for _, ins := range insns {
			if sym := ins.Symbol(); sym != "" {
				assert.False(t, symbols[sym], "duplicate symbol %s", sym)
				symbols[sym] = true
			}
		}

		maps := make(map[string]bool)
		for _, ins := range insns {
			ref := ins.Reference()
			if ref == "" {
				continue
			}
			if ins.IsLoadFromMap() {
				maps[ref] = true
				continue
			}
			assert.True(t, symbols[ref], "jump to unknown label %s", ref)
		}
		assert.True(t, maps[MapBypassMarks])
		assert.True(t, maps[MapParams])
		assert.Equal(t, opts.BypassPids, maps[MapBypassPids])
		assert.Equal(t, opts.Diagnostics, maps[MapEvents])
		assert.Equal(t, opts.Diagnostics, maps[MapRingDrops])

		last := insns[len(insns)-1]
		assert.Equal(t, asm.Exit, last.OpCode.JumpOp(), "program must end with exit")
	}
}

func TestInstructionsOptionalChecks(t *testing.T) {
	plain := builtinCalls(Instructions(ProgramOptions{Sentinel: netip.MustParseAddr("1.1.1.1")}))
	assert.Zero(t, plain[asm.FnGetCurrentPidTgid])
	assert.Zero(t, plain[asm.FnRingbufOutput])
	assert.Equal(t, 2, plain[asm.FnMapLookupElem])
	assert.Equal(t, 1, plain[asm.FnRedirect])

	full := builtinCalls(Instructions(ProgramOptions{
		Sentinel:    netip.MustParseAddr("1.1.1.1"),
		BypassPids:  true,
		Diagnostics: true,
	}))
	assert.Equal(t, 1, full[asm.FnGetCurrentPidTgid])
	// marks, pids, params, plus a ring_drops lookup after each output.
	assert.Equal(t, 5, full[asm.FnMapLookupElem])
	// One record on the redirect path, one on the missing target path.
	assert.Equal(t, 2, full[asm.FnRingbufOutput])
}

func TestInstructionsEmbedSentinel(t *testing.T) {
	addr := netip.MustParseAddr("192.0.2.200")
	raw := addr.As4()
	want := int64(binary.NativeEndian.Uint32(raw[:]))

	found := false
	for _, ins := range Instructions(ProgramOptions{Sentinel: addr}) {
		if ins.OpCode.IsDWordLoad() && !ins.IsLoadFromMap() && ins.Constant == want {
			found = true
		}
	}
	assert.True(t, found, "sentinel immediate not found")
}

func TestSpecMaps(t *testing.T) {
	spec := Spec(Options{BypassCapacity: 64})

	require.Contains(t, spec.Programs, ProgramName)
	assert.Equal(t, ebpf.SchedCLS, spec.Programs[ProgramName].Type)

	params := spec.Maps[MapParams]
	require.NotNil(t, params)
	assert.Equal(t, ebpf.Hash, params.Type)
	assert.Equal(t, uint32(1), params.MaxEntries)

	for _, name := range []string{MapBypassMarks, MapBypassPids} {
		m := spec.Maps[name]
		require.NotNil(t, m, name)
		assert.Equal(t, uint32(4), m.KeySize)
		assert.Equal(t, uint32(4), m.ValueSize)
		assert.Equal(t, uint32(64), m.MaxEntries)
	}

	events := spec.Maps[MapEvents]
	require.NotNil(t, events)
	assert.Equal(t, ebpf.RingBuf, events.Type)
	assert.Equal(t, uint32(DefaultRingBytes), events.MaxEntries)

	drops := spec.Maps[MapRingDrops]
	require.NotNil(t, drops)
	assert.Equal(t, ebpf.PerCPUArray, drops.Type)
	assert.Equal(t, uint32(8), drops.ValueSize)
	assert.Equal(t, uint32(1), drops.MaxEntries)
}

func TestSpecDefaults(t *testing.T) {
	spec := Spec(Options{})
	assert.Equal(t, uint32(store.DefaultBypassCapacity), spec.Maps[MapBypassMarks].MaxEntries)
}
