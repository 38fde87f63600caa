// Package power tracks system sleep and wake so health probes can pause
// while the network is going away.
package power

import (
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
)

// DefaultWakeGrace is how long probes stay suppressed after wake.
const DefaultWakeGrace = 10 * time.Second

// SleepMonitor detects system sleep/wake events and suppresses probes
// during sleep and for a grace period after wake to prevent flapping.
type SleepMonitor struct {
	mu        sync.RWMutex
	sleeping  bool
	wakeTime  time.Time
	graceTime time.Duration
	clock     clock.Clock
	logger    *slog.Logger
	onSleep   func()
	onWake    func()
}

// Config configures a SleepMonitor. Zero values take defaults.
type Config struct {
	WakeGrace time.Duration
	Clock     clock.Clock
	Logger    *slog.Logger
	// OnSleep and OnWake run on the monitor goroutine after the state changes.
	OnSleep func()
	OnWake  func()
}

// NewSleepMonitor creates a monitor. Call Start to begin listening.
func NewSleepMonitor(cfg Config) *SleepMonitor {
	if cfg.WakeGrace <= 0 {
		cfg.WakeGrace = DefaultWakeGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SleepMonitor{
		graceTime: cfg.WakeGrace,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		onSleep:   cfg.OnSleep,
		onWake:    cfg.OnWake,
	}
}

// IsSuppressed reports whether probes should be skipped: the system is
// sleeping or woke less than the grace period ago.
func (m *SleepMonitor) IsSuppressed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.sleeping {
		return true
	}
	return !m.wakeTime.IsZero() && m.clock.Now().Sub(m.wakeTime) < m.graceTime
}

// IsSleeping returns true if the system is currently marked as sleeping.
func (m *SleepMonitor) IsSleeping() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sleeping
}

func (m *SleepMonitor) markSleep() {
	m.mu.Lock()
	if m.sleeping {
		m.mu.Unlock()
		return
	}
	m.sleeping = true
	m.mu.Unlock()

	m.logger.Info("System entering sleep")

	if m.onSleep != nil {
		m.onSleep()
	}
}

func (m *SleepMonitor) markWake() {
	m.mu.Lock()
	if !m.sleeping {
		m.mu.Unlock()
		return
	}
	m.sleeping = false
	m.wakeTime = m.clock.Now()
	m.mu.Unlock()

	m.logger.Info("System waking up", "grace", m.graceTime)

	if m.onWake != nil {
		m.onWake()
	}
}

// handlePrepareForSleep applies a logind PrepareForSleep signal body.
func (m *SleepMonitor) handlePrepareForSleep(body []any) {
	if len(body) < 1 {
		return
	}
	entering, ok := body[0].(bool)
	if !ok {
		return
	}
	if entering {
		m.markSleep()
	} else {
		m.markWake()
	}
}
