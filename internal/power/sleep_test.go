package power

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
)

func newTestMonitor(onSleep, onWake func()) (*SleepMonitor, *testclock.Clock) {
	clk := testclock.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m := NewSleepMonitor(Config{
		WakeGrace: 10 * time.Second,
		Clock:     clk,
		OnSleep:   onSleep,
		OnWake:    onWake,
	})
	return m, clk
}

func TestSleepMonitorDefaults(t *testing.T) {
	m := NewSleepMonitor(Config{})
	if m.graceTime != DefaultWakeGrace {
		t.Errorf("expected default grace %v, got %v", DefaultWakeGrace, m.graceTime)
	}
	if m.logger == nil || m.clock == nil {
		t.Error("expected logger and clock defaults")
	}
	if m.IsSuppressed() || m.IsSleeping() {
		t.Error("a new monitor must not suppress probes")
	}
}

func TestSleepMonitorSleepAndWake(t *testing.T) {
	var sleeps, wakes int
	m, clk := newTestMonitor(func() { sleeps++ }, func() { wakes++ })

	m.handlePrepareForSleep([]any{true})
	if !m.IsSleeping() || !m.IsSuppressed() {
		t.Fatal("expected suppression while sleeping")
	}

	// Duplicate signals do not fire callbacks twice.
	m.handlePrepareForSleep([]any{true})
	if sleeps != 1 {
		t.Errorf("expected 1 sleep callback, got %d", sleeps)
	}

	m.handlePrepareForSleep([]any{false})
	if m.IsSleeping() {
		t.Error("expected awake after wake signal")
	}
	if !m.IsSuppressed() {
		t.Error("expected suppression during grace period")
	}
	if wakes != 1 {
		t.Errorf("expected 1 wake callback, got %d", wakes)
	}

	clk.Advance(9 * time.Second)
	if !m.IsSuppressed() {
		t.Error("expected suppression before grace period ends")
	}
	clk.Advance(time.Second)
	if m.IsSuppressed() {
		t.Error("expected probes to resume after grace period")
	}
}

func TestSleepMonitorWakeWhenNotSleeping(t *testing.T) {
	var wakes int
	m, _ := newTestMonitor(nil, func() { wakes++ })

	m.handlePrepareForSleep([]any{false})
	if wakes != 0 {
		t.Error("wake without sleep must be ignored")
	}
	if m.IsSuppressed() {
		t.Error("wake without sleep must not start a grace period")
	}
}

func TestSleepMonitorIgnoresMalformedSignals(t *testing.T) {
	m, _ := newTestMonitor(nil, nil)

	m.handlePrepareForSleep(nil)
	m.handlePrepareForSleep([]any{"yes"})
	if m.IsSleeping() {
		t.Error("malformed signals must be ignored")
	}

	// Nil callbacks are fine.
	m.handlePrepareForSleep([]any{true})
	m.handlePrepareForSleep([]any{false})
}
