//go:build !linux

package power

import "context"

// Start is a no-op where logind is not available; probes are never suppressed.
func (m *SleepMonitor) Start(ctx context.Context) {
	m.logger.Debug("Sleep monitor not supported on this platform")
}
