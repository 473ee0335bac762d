package daemon

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cilium/ebpf"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tunsidecar/internal/bpf"
	"firestige.xyz/tunsidecar/internal/config"
	"firestige.xyz/tunsidecar/internal/diag"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("",
		config.WithInterfaces([]string{"eth0"}),
		config.WithTunnel("tun0"),
		config.WithBypassPids([]uint32{100}),
	)
	require.NoError(t, err)
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = "127.0.0.1:0"
	return cfg
}

func TestDaemon_LoadFailureCleansUp(t *testing.T) {
	errLoad := errors.New("operation not permitted")
	var got bpf.Options
	loadProgram = func(opts bpf.Options) (*bpf.Objects, error) {
		got = opts
		return nil, errLoad
	}
	t.Cleanup(func() { loadProgram = bpf.Load })

	pidFile := filepath.Join(t.TempDir(), "tun-sidecar.pid")
	d := New(testConfig(t), pidFile)

	err := d.Start(context.Background())
	require.ErrorIs(t, err, errLoad)

	// Options are derived from the configuration.
	assert.Equal(t, netip.MustParseAddr("1.1.1.1"), got.Sentinel)
	assert.True(t, got.BypassPids)
	assert.True(t, got.Diagnostics)
	assert.Equal(t, uint32(128), got.BypassCapacity)

	// The PID file and metrics server were up before the failure.
	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))
	require.NotNil(t, d.metricsServer)

	d.Stop()
	d.Stop()
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
}

func TestDaemon_RunReturnsStartError(t *testing.T) {
	loadProgram = func(bpf.Options) (*bpf.Objects, error) {
		return nil, errors.New("no bpf")
	}
	t.Cleanup(func() { loadProgram = bpf.Load })

	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	d := New(cfg, "")

	assert.ErrorContains(t, d.Run(context.Background()), "no bpf")
	assert.Nil(t, d.metricsServer)
}

func TestDaemon_StopWithoutStart(t *testing.T) {
	d := New(testConfig(t), "")
	assert.NotPanics(t, d.Stop)
}

func TestDaemon_PIDFileError(t *testing.T) {
	d := New(testConfig(t), filepath.Join(t.TempDir(), "missing", "dir", "pid"))
	err := d.Start(context.Background())
	assert.ErrorContains(t, err, "PID file")
	d.Stop()
}

func TestDaemon_PublisherFailureAbortsStart(t *testing.T) {
	loadProgram = func(bpf.Options) (*bpf.Objects, error) {
		return &bpf.Objects{}, nil
	}
	var got config.KafkaConfig
	newPublisher = func(cfg config.KafkaConfig) (diag.Publisher, error) {
		got = cfg
		return nil, errors.New("invalid compression type: zstd")
	}
	t.Cleanup(func() {
		loadProgram = bpf.Load
		newPublisher = func(cfg config.KafkaConfig) (diag.Publisher, error) {
			return diag.NewKafkaPublisher(cfg)
		}
	})

	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	cfg.Diagnostics.Kafka.Enabled = true
	cfg.Diagnostics.Kafka.Brokers = []string{"kafka:9092"}
	d := New(cfg, "")

	err := d.Start(context.Background())
	assert.ErrorContains(t, err, "failed to start diagnostics")
	assert.Equal(t, []string{"kafka:9092"}, got.Brokers)
	assert.Nil(t, d.publisher)
	assert.Nil(t, d.tc, "no rtnetlink handle is opened after a diagnostics failure")
	d.Stop()
}

// slowPublisher takes a while per record and notes any Publish that is
// still running when Close is called.
type slowPublisher struct {
	mu        sync.Mutex
	inFlight  bool
	closed    bool
	published int
	raced     bool
}

func (p *slowPublisher) Publish(context.Context, diag.Record) error {
	p.mu.Lock()
	p.inFlight = true
	p.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight = false
	if p.closed {
		p.raced = true
	}
	p.published++
	return nil
}

func (p *slowPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight {
		p.raced = true
	}
	p.closed = true
	return nil
}

func (p *slowPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published
}

func TestDaemon_StopWaitsForDiagnostics(t *testing.T) {
	pub := &slowPublisher{}
	newPublisher = func(config.KafkaConfig) (diag.Publisher, error) { return pub, nil }
	readEvents = func(ctx context.Context, _ *ebpf.Map, sink diag.Sink) error {
		for ctx.Err() == nil {
			sink.Emit(diag.Record{Kind: diag.KindRedirect})
			time.Sleep(time.Millisecond)
		}
		return nil
	}
	watchRingDrops = func(ctx context.Context, _ *ebpf.Map, _ time.Duration) { <-ctx.Done() }
	t.Cleanup(func() {
		newPublisher = func(cfg config.KafkaConfig) (diag.Publisher, error) {
			return diag.NewKafkaPublisher(cfg)
		}
		readEvents = bpf.ReadEvents
		watchRingDrops = bpf.WatchRingDrops
	})

	cfg := testConfig(t)
	cfg.Diagnostics.Kafka.Enabled = true
	cfg.Diagnostics.Kafka.Brokers = []string{"kafka:9092"}
	d := New(cfg, "")
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.objs = &bpf.Objects{}

	require.NoError(t, d.startDiagnostics())
	require.Eventually(t, func() bool { return pub.count() > 0 }, time.Second, 5*time.Millisecond)

	d.Stop()
	assert.True(t, pub.closed)
	assert.False(t, pub.raced, "publisher closed while a record was being published")
}
