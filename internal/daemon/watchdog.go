package daemon

import (
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/dcactivity/internal/domain"
)

// Supervised is the worker surface the watchdog monitors.
type Supervised interface {
	Status() domain.SupervisorStatus
	SetKillSwitch(on bool)
	SetCooldownUntil(sec uint64)
	RequestStop() <-chan struct{}
}

// WatchdogConfig holds watchdog configuration.
type WatchdogConfig struct {
	HeartbeatTimeout time.Duration // Heartbeat age that counts as stale (default 20s)
	StaleDisable     time.Duration // Detection pause after a trip (default 1h)
}

// DefaultWatchdogConfig returns default watchdog configuration.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		HeartbeatTimeout: 20 * time.Second,
		StaleDisable:     3600 * time.Second,
	}
}

var _ Supervised = (*Supervisor)(nil)

// Watchdog disables detection when the worker dies or stops heartbeating.
// It never restarts the worker itself.
type Watchdog struct {
	config WatchdogConfig
	worker Supervised
	logger *zap.Logger
}

// NewWatchdog creates a watchdog for worker.
func NewWatchdog(config WatchdogConfig, worker Supervised, logger *zap.Logger) *Watchdog {
	return &Watchdog{
		config: config,
		worker: worker,
		logger: logger,
	}
}

// Check inspects the worker at nowSec and trips if it is dead or stale.
// It returns true when it tripped.
func (w *Watchdog) Check(nowSec uint64) bool {
	st := w.worker.Status()
	if !st.Started {
		return false
	}

	timeout := uint64(w.config.HeartbeatTimeout / time.Second)
	stale := nowSec > st.LastHeartbeatSec && nowSec-st.LastHeartbeatSec > timeout
	if st.Alive && !stale {
		return false
	}

	w.logger.Warn("detector: stale worker detected, disabling detection",
		zap.Bool("alive", st.Alive),
		zap.Uint64("last_heartbeat_sec", st.LastHeartbeatSec),
		zap.Uint64("now_sec", nowSec))

	w.worker.SetKillSwitch(true)
	w.worker.SetCooldownUntil(nowSec + uint64(w.config.StaleDisable/time.Second))
	w.worker.RequestStop()

	w.logger.Warn("detector: disabled after stale worker",
		zap.Duration("for", w.config.StaleDisable))
	return true
}
