package controlplane

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tunsidecar/internal/hook"
	"firestige.xyz/tunsidecar/internal/store"
)

type fakeHook struct {
	calls    []string
	prepared map[string]bool
	failOn   string
	err      error
}

func newFakeHook() *fakeHook {
	return &fakeHook{prepared: make(map[string]bool)}
}

func (h *fakeHook) Ensure(iface string) error {
	h.calls = append(h.calls, "ensure "+iface)
	if iface == h.failOn {
		return h.err
	}
	h.prepared[iface] = true
	return nil
}

func (h *fakeHook) Attach(iface string, prog hook.Program) (hook.Attachment, error) {
	h.calls = append(h.calls, "attach "+iface)
	if !h.prepared[iface] {
		return hook.Attachment{}, errors.New("attach before ensure")
	}
	return hook.Attachment{Interface: iface}, nil
}

type fakeProgram struct{}

func (fakeProgram) FD() int { return 3 }

func testParams() Params {
	return Params{
		Interfaces:  []string{"eth0", "eth1"},
		TunnelName:  "tun0",
		BypassMarks: []uint32{42, 0xff},
		BypassPids:  []uint32{1234},
	}
}

func TestStartPopulatesAndAttaches(t *testing.T) {
	tables := store.NewMemorySet(store.DefaultBypassCapacity)
	h := newFakeHook()
	l := New(testParams(), tables, StaticResolver{"tun0": 9}, h, fakeProgram{})

	require.NoError(t, l.Start(context.Background()))

	target, ok := tables.TunnelTarget()
	require.True(t, ok)
	assert.Equal(t, uint32(9), target)
	for _, m := range []uint32{42, 0xff} {
		_, ok := tables.BypassMarks.Get(m)
		assert.True(t, ok, "mark %d", m)
	}
	_, ok = tables.BypassPids.Get(1234)
	assert.True(t, ok)

	assert.Equal(t, []string{"ensure eth0", "attach eth0", "ensure eth1", "attach eth1"}, h.calls)
	require.Len(t, l.Attachments(), 2)
}

func TestStartResolveFailureWritesNothing(t *testing.T) {
	tables := store.NewMemorySet(store.DefaultBypassCapacity)
	h := newFakeHook()
	l := New(testParams(), tables, StaticResolver{}, h, fakeProgram{})

	err := l.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tun0")

	_, ok := tables.TunnelTarget()
	assert.False(t, ok)
	assert.Zero(t, tables.BypassMarks.Len())
	assert.Empty(t, h.calls)
}

func TestStartCapacityFailureStopsBeforeAttach(t *testing.T) {
	tables := store.NewMemorySet(1)
	h := newFakeHook()
	l := New(testParams(), tables, StaticResolver{"tun0": 9}, h, fakeProgram{})

	err := l.Start(context.Background())
	assert.ErrorIs(t, err, store.ErrCapacityExceeded)
	assert.Empty(t, h.calls)

	// The target was written before the failing insert.
	_, ok := tables.TunnelTarget()
	assert.True(t, ok)
}

func TestStartStopsAtFirstHookFailure(t *testing.T) {
	tables := store.NewMemorySet(store.DefaultBypassCapacity)
	h := newFakeHook()
	h.failOn = "eth0"
	h.err = errors.New("operation not permitted")
	params := testParams()
	params.Interfaces = []string{"eth0", "eth1"}
	l := New(params, tables, StaticResolver{"tun0": 9}, h, fakeProgram{})

	err := l.Start(context.Background())
	assert.ErrorIs(t, err, h.err)
	assert.Equal(t, []string{"ensure eth0"}, h.calls)
	assert.Empty(t, l.Attachments())
}

func TestStartWithoutInterfaces(t *testing.T) {
	params := testParams()
	params.Interfaces = nil
	l := New(params, store.NewMemorySet(8), StaticResolver{"tun0": 9}, newFakeHook(), fakeProgram{})

	assert.ErrorIs(t, l.Start(context.Background()), ErrNoInterfaces)
}

func TestRerunOverwritesTarget(t *testing.T) {
	tables := store.NewMemorySet(store.DefaultBypassCapacity)
	params := testParams()

	require.NoError(t, New(params, tables, StaticResolver{"tun0": 9}, newFakeHook(), fakeProgram{}).Start(context.Background()))
	require.NoError(t, New(params, tables, StaticResolver{"tun0": 12}, newFakeHook(), fakeProgram{}).Start(context.Background()))

	target, _ := tables.TunnelTarget()
	assert.Equal(t, uint32(12), target)
	assert.Equal(t, 2, tables.BypassMarks.Len())
}

func TestPopulateWithoutHook(t *testing.T) {
	tables := store.NewMemorySet(store.DefaultBypassCapacity)
	l := New(Params{TunnelName: "tun0", BypassMarks: []uint32{1}}, tables, StaticResolver{"tun0": 4}, nil, nil)

	require.NoError(t, l.Populate())
	target, ok := tables.TunnelTarget()
	assert.True(t, ok)
	assert.Equal(t, uint32(4), target)
}

func TestWaitBlocksUntilCancel(t *testing.T) {
	h := newFakeHook()
	l := New(testParams(), store.NewMemorySet(8), StaticResolver{"tun0": 9}, h, fakeProgram{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Start(ctx))

	done := make(chan struct{})
	go func() {
		l.Wait(ctx)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before cancel")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after cancel")
	}
	// Nothing is detached on the way out.
	assert.Len(t, l.Attachments(), 2)
}
