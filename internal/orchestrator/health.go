package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultHealthInterval is the probe period used when none is configured.
const DefaultHealthInterval = 10 * time.Second

// Prober is the part of the Orchestrator the HealthMonitor drives.
// ProbeGated holds a slot of slots only while the check command runs.
type Prober interface {
	ConnectedHosts() []string
	ProbeGated(ctx context.Context, alias string, slots *semaphore.Weighted) error
}

// Suppressor pauses periodic probing, for example while the system sleeps.
type Suppressor interface {
	IsSuppressed() bool
}

// HealthConfig configures a HealthMonitor.
type HealthConfig struct {
	Interval time.Duration
	// Concurrency bounds check commands running across all hosts. A probe
	// waiting for its host to finish another operation does not count.
	Concurrency int
	Clock       clock.Clock
	Suppressor  Suppressor
	Logger      *slog.Logger
}

// HealthMonitor probes every Connected host on a fixed interval. Probes run
// independently per host; a host whose previous probe has not finished is
// skipped rather than queued.
type HealthMonitor struct {
	target Prober
	cfg    HealthConfig
	log    *slog.Logger

	probes errgroup.Group
	slots  *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]bool
	started  bool

	trigger  chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewHealthMonitor creates a monitor for target. Call Start to begin.
func NewHealthMonitor(target Prober, cfg HealthConfig) *HealthMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHealthInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &HealthMonitor{
		target:   target,
		cfg:      cfg,
		log:      cfg.Logger,
		inflight: make(map[string]bool),
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		slots:    semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
	return m
}

// Start runs the probe loop until ctx is done or Stop is called.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	go m.loop(ctx)
}

// Stop ends the loop and waits for in-flight probes. Probes are never
// cancelled; they finish or hit their own timeout.
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})

	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.done
	}
	m.probes.Wait()
}

// Trigger requests an immediate pass. Triggers coalesce while one is
// pending.
func (m *HealthMonitor) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

func (m *HealthMonitor) loop(ctx context.Context) {
	defer close(m.done)

	probeCtx := context.WithoutCancel(ctx)
	timer := m.cfg.Clock.NewTimer(m.cfg.Interval)
	defer timer.Stop()

	m.log.Debug("Health monitor started", "interval", m.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-timer.Chan():
			m.dispatch(probeCtx)
			timer.Reset(m.cfg.Interval)
		case <-m.trigger:
			m.dispatch(probeCtx)
		}
	}
}

// dispatch starts one probe per Connected host without waiting for them.
// At most one probe per host exists, so the goroutine count is bounded by
// the host count and the slots bound the ssh processes.
func (m *HealthMonitor) dispatch(ctx context.Context) {
	if m.cfg.Suppressor != nil && m.cfg.Suppressor.IsSuppressed() {
		m.log.Debug("Health checks suppressed")
		return
	}

	for _, alias := range m.target.ConnectedHosts() {
		if !m.claim(alias) {
			m.log.Debug("Probe still in flight, skipping", "host", alias)
			continue
		}
		m.probes.Go(func() error {
			defer m.release(alias)
			m.probe(ctx, alias)
			return nil
		})
	}
}

// CheckNow probes every Connected host and waits for all results. It
// ignores suppression.
func (m *HealthMonitor) CheckNow(ctx context.Context) {
	var g errgroup.Group
	for _, alias := range m.target.ConnectedHosts() {
		if !m.claim(alias) {
			continue
		}
		g.Go(func() error {
			defer m.release(alias)
			m.probe(ctx, alias)
			return nil
		})
	}
	g.Wait()
}

func (m *HealthMonitor) probe(ctx context.Context, alias string) {
	err := m.target.ProbeGated(ctx, alias, m.slots)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotConnected):
	default:
		m.log.Warn("Health check failed", "host", alias, "error", err)
	}
}

func (m *HealthMonitor) claim(alias string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight[alias] {
		return false
	}
	m.inflight[alias] = true
	return true
}

func (m *HealthMonitor) release(alias string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, alias)
}
