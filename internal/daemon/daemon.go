// Package daemon runs the tun-sidecar process: it loads the classifier,
// hands it to the control plane and stays up until told to stop.
package daemon

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"firestige.xyz/tunsidecar/internal/bpf"
	"firestige.xyz/tunsidecar/internal/config"
	"firestige.xyz/tunsidecar/internal/controlplane"
	"firestige.xyz/tunsidecar/internal/diag"
	"firestige.xyz/tunsidecar/internal/hook"
	logpkg "firestige.xyz/tunsidecar/internal/log"
	"firestige.xyz/tunsidecar/internal/metrics"
)

const ringDropsInterval = 10 * time.Second

// Replaced in tests.
var (
	loadProgram  = bpf.Load
	openHook     = func() (*hook.TC, error) { return hook.New(bpf.ProgramName) }
	newPublisher = func(cfg config.KafkaConfig) (diag.Publisher, error) {
		return diag.NewKafkaPublisher(cfg)
	}
	readEvents     = bpf.ReadEvents
	watchRingDrops = bpf.WatchRingDrops
)

// Daemon manages the process lifecycle.
type Daemon struct {
	config  *config.Config
	pidFile string

	objs          *bpf.Objects
	tc            *hook.TC
	loader        *controlplane.Loader
	ring          *diag.Ring
	publisher     diag.Publisher  // nil if kafka disabled
	metricsServer *metrics.Server // nil if metrics disabled

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup // diagnostics goroutines
	stopOnce sync.Once
}

// New creates a daemon for a validated configuration. pidFile may be empty.
func New(cfg *config.Config, pidFile string) *Daemon {
	return &Daemon{
		config:  cfg,
		pidFile: pidFile,
	}
}

// Start brings up every component and attaches the classifier. Background
// goroutines live until ctx is done or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	// 1. Initialize logging system
	if err := logpkg.Init(d.config.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := logpkg.GetLogger()
	logger.WithField("interfaces", d.config.Interfaces).
		WithField("tunnel", d.config.Tunnel.Name).
		WithField("sentinel", d.config.Redirect.Sentinel.String()).
		Info("starting tun-sidecar")

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Load the classifier
	var ringBytes uint32
	if d.config.Diagnostics.Enabled {
		ringBytes = uint32(d.config.Diagnostics.RingBytes)
	}
	objs, err := loadProgram(bpf.Options{
		ProgramOptions: bpf.ProgramOptions{
			Sentinel:    d.config.Redirect.Sentinel,
			BypassPids:  len(d.config.Bypass.Pids) > 0,
			Diagnostics: d.config.Diagnostics.Enabled,
		},
		BypassCapacity: uint32(d.config.Bypass.Capacity),
		RingBytes:      ringBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to load classifier: %w", err)
	}
	d.objs = objs
	if len(d.config.Bypass.Pids) > 0 && !objs.PidCheck {
		logger.Warn("bypass pids are stored but not enforced by this kernel")
	}

	// 5. Stream diagnostics
	if d.config.Diagnostics.Enabled {
		if err := d.startDiagnostics(); err != nil {
			return fmt.Errorf("failed to start diagnostics: %w", err)
		}
	}

	// 6. Open rtnetlink
	tc, err := openHook()
	if err != nil {
		return err
	}
	d.tc = tc

	// 7. Populate tables and attach
	d.loader = controlplane.New(controlplane.Params{
		Interfaces:  d.config.Interfaces,
		TunnelName:  d.config.Tunnel.Name,
		BypassMarks: d.config.Bypass.Marks,
		BypassPids:  d.config.Bypass.Pids,
	}, objs.Store(), tc, tc, objs)
	if err := d.loader.Start(d.ctx); err != nil {
		return err
	}

	logger.Info("tun-sidecar started, waiting for termination signal")
	return nil
}

// Stop releases process resources. Attached filters are left in place.
// It is safe to call more than once and after a failed Start.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		logger := logpkg.GetLogger()

		// 1. Stop background goroutines
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()

		// 2. Stop metrics server
		if d.metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.metricsServer.Stop(shutdownCtx); err != nil {
				logger.WithError(err).Error("error stopping metrics server")
			}
		}

		// 3. Flush published diagnostics
		if d.publisher != nil {
			if err := d.publisher.Close(); err != nil {
				logger.WithError(err).Warn("error closing diagnostics publisher")
			}
		}

		// 4. Drop our references to the program and maps
		if d.objs != nil {
			if err := d.objs.Close(); err != nil {
				logger.WithError(err).Warn("error closing classifier objects")
			}
		}
		if d.tc != nil {
			d.tc.Close()
		}

		// 5. Remove PID file
		if err := d.removePIDFile(); err != nil {
			logger.WithError(err).Error("error removing PID file")
		}

		logger.Info("tun-sidecar stopped")

		// 6. Flush logs
		logpkg.Flush()
	})
}

// Run starts the daemon and blocks until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.Stop()
	if err := d.Start(ctx); err != nil {
		return err
	}
	d.loader.Wait(ctx)
	return nil
}

func (d *Daemon) startDiagnostics() error {
	cfg := d.config.Diagnostics
	logger := logpkg.GetLogger()

	opts := []diag.DrainOption{diag.WithLogInterval(cfg.LogInterval)}
	if cfg.Kafka.Enabled {
		p, err := newPublisher(cfg.Kafka)
		if err != nil {
			return err
		}
		d.publisher = p
		opts = append(opts, diag.WithPublisher(p))
	}

	d.ring = diag.NewRing(cfg.QueueLength)
	drainer := diag.NewDrainer(logger, opts...)
	d.wg.Add(3)
	go func() {
		defer d.wg.Done()
		if err := readEvents(d.ctx, d.objs.Events, d.ring); err != nil {
			logger.WithError(err).Error("diagnostic reader stopped")
		}
	}()
	go func() {
		defer d.wg.Done()
		drainer.Run(d.ctx, d.ring)
	}()
	go func() {
		defer d.wg.Done()
		watchRingDrops(d.ctx, d.objs.RingDrops, ringDropsInterval)
	}()
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		logpkg.GetLogger().Debug("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	return d.metricsServer.Start()
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}

	logpkg.GetLogger().WithField("path", d.pidFile).WithField("pid", pid).Debug("PID file written")
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
