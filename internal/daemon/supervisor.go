package daemon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/dcactivity/internal/clock"
	"github.com/eliteGoblin/focusd/dcactivity/internal/domain"
	"github.com/eliteGoblin/focusd/dcactivity/internal/telemetry"
)

// ErrStopTimeout is returned by Stop when the worker did not acknowledge in time.
var ErrStopTimeout = errors.New("detection worker did not acknowledge stop")

// Detector is the detection engine driven by the worker.
type Detector interface {
	Update(ctx context.Context, allowProgram, allowBattery, allowDock bool) telemetry.Outcome
	RecordSessionResult(code domain.ResultCode)
}

// SupervisorConfig holds detection worker configuration.
type SupervisorConfig struct {
	Interval      time.Duration // Pause between iterations (default 3s)
	FailStreakMax uint32        // Consecutive failures that trip a cooldown (default 8)
	Cooldown      time.Duration // How long detection pauses after a tripped streak (default 120s)
}

// DefaultSupervisorConfig returns default worker configuration.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Interval:      3 * time.Second,
		FailStreakMax: 8,
		Cooldown:      120 * time.Second,
	}
}

// Supervisor runs the background detection worker.
//
// Each iteration records a heartbeat, honours the kill switch and any
// cooldown, makes sure a query session is open, runs one detection cycle
// and classifies the outcome. Session-open failures and query failures
// share one streak; reaching FailStreakMax closes the session and pauses
// detection for Cooldown.
type Supervisor struct {
	config   SupervisorConfig
	clock    clock.Clock
	epoch    time.Time
	detector Detector
	opener   domain.SessionOpener
	logger   *zap.Logger

	// session is owned by the worker goroutine.
	session domain.QuerySession

	mu                sync.Mutex
	cancel            context.CancelFunc
	done              chan struct{}
	started           bool
	running           bool
	alive             bool
	sessionOpen       bool
	killSwitch        bool
	allowBattery      bool
	allowDock         bool
	lastHeartbeatSec  uint64
	failStreak        uint32
	cooldownUntilSec  uint64
	attempts          uint64
	successes         uint64
	failures          uint64
	lastResult        domain.ResultCode
	lastLoggedProgram uint64
}

// NewSupervisor creates a detection worker. Timestamps are seconds since epoch on c.
func NewSupervisor(
	config SupervisorConfig,
	c clock.Clock,
	epoch time.Time,
	detector Detector,
	opener domain.SessionOpener,
	logger *zap.Logger,
) *Supervisor {
	return &Supervisor{
		config:   config,
		clock:    c,
		epoch:    epoch,
		detector: detector,
		opener:   opener,
		logger:   logger,
	}
}

// Start launches the worker goroutine. It does nothing and returns false
// when the worker is already started or the kill switch is set.
// A stopped worker may be started again; streak and cooldown carry over.
func (s *Supervisor) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.killSwitch {
		return false
	}
	if s.done != nil {
		select {
		case <-s.done:
		default:
			// The previous worker has not exited yet.
			return false
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.started = true
	s.running = true
	s.alive = true
	s.lastHeartbeatSec = s.nowSec()

	go s.run(ctx, done)

	s.logger.Info("detector: worker started")
	return true
}

// RequestStop asks the worker to exit without waiting for it. The returned
// channel is closed once the worker has released its session and exited.
// It returns nil when the worker is not started.
func (s *Supervisor) RequestStop() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.cancel()
	s.started = false
	s.running = false
	s.logger.Info("detector: worker stop requested")
	return s.done
}

// Stop requests a stop and waits up to timeout for the worker to acknowledge.
func (s *Supervisor) Stop(timeout time.Duration) error {
	done := s.RequestStop()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-s.clock.After(timeout):
		return fmt.Errorf("%w within %s", ErrStopTimeout, timeout)
	}
}

// SetKillSwitch enables or disables detection. While set the worker
// closes its session and idles.
func (s *Supervisor) SetKillSwitch(on bool) {
	s.mu.Lock()
	s.killSwitch = on
	s.mu.Unlock()
}

// KillSwitch reports whether the kill switch is set.
func (s *Supervisor) KillSwitch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killSwitch
}

// SetCooldownUntil suppresses detection until the given second.
func (s *Supervisor) SetCooldownUntil(sec uint64) {
	s.mu.Lock()
	s.cooldownUntilSec = sec
	s.mu.Unlock()
}

// SetPowerQueries controls whether worker cycles also query battery and dock state.
func (s *Supervisor) SetPowerQueries(battery, dock bool) {
	s.mu.Lock()
	s.allowBattery = battery
	s.allowDock = dock
	s.mu.Unlock()
}

// Status returns a snapshot of the worker state.
func (s *Supervisor) Status() domain.SupervisorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return domain.SupervisorStatus{
		Started:          s.started,
		Running:          s.running,
		Alive:            s.alive,
		SessionOpen:      s.sessionOpen,
		KillSwitch:       s.killSwitch,
		LastHeartbeatSec: s.lastHeartbeatSec,
		FailStreak:       s.failStreak,
		CooldownUntilSec: s.cooldownUntilSec,
		Attempts:         s.attempts,
		Successes:        s.successes,
		Failures:         s.failures,
		LastResult:       s.lastResult,
	}
}

func (s *Supervisor) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	defer s.exit()
	defer s.recoverPanic()

	s.logger.Info("detector: thread started")

	for {
		if ctx.Err() != nil {
			return
		}
		s.iterate(ctx)

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.config.Interval):
		}
	}
}

// recoverPanic ends the worker on a collaborator panic instead of the process.
// The worker then reports dead and the watchdog disables detection.
func (s *Supervisor) recoverPanic() {
	r := recover()
	if r == nil {
		return
	}
	s.mu.Lock()
	s.lastResult = domain.CodeUnknown
	s.mu.Unlock()
	s.logger.Error("detector: worker panicked",
		zap.Any("panic", r),
		zap.Stack("stack"))
}

func (s *Supervisor) exit() {
	s.closeSession()
	s.mu.Lock()
	s.alive = false
	s.mu.Unlock()
	s.logger.Info("detector: thread stopped")
}

// iterate runs one worker iteration.
func (s *Supervisor) iterate(ctx context.Context) {
	now := s.nowSec()

	s.mu.Lock()
	s.lastHeartbeatSec = now
	kill := s.killSwitch
	cooldownUntil := s.cooldownUntilSec
	allowBattery, allowDock := s.allowBattery, s.allowDock
	s.mu.Unlock()

	if kill {
		if s.session != nil {
			s.closeSession()
			s.logger.Info("detector: session closed because kill switch is active")
		}
		return
	}

	if cooldownUntil > now {
		return
	}
	if cooldownUntil != 0 {
		s.mu.Lock()
		s.cooldownUntilSec = 0
		s.failStreak = 0
		s.mu.Unlock()
		s.logger.Info("detector: cooldown elapsed, resuming")
	}

	if s.session == nil {
		session, err := s.opener.OpenSession(ctx)
		code := domain.CodeOf(err)
		s.detector.RecordSessionResult(code)
		if err != nil {
			streak := s.recordFailure(now, code, false)
			s.logger.Warn("detector: session open failed",
				zap.String("result", code.String()),
				zap.Uint32("streak", streak),
				zap.Error(err))
			return
		}

		s.session = session
		s.mu.Lock()
		s.sessionOpen = true
		s.failStreak = 0
		s.mu.Unlock()
		s.logger.Info("detector: session open")
	}

	out := s.detector.Update(ctx, true, allowBattery, allowDock)
	if !out.Attempted {
		return
	}

	if out.SessionErr == nil {
		s.recordSuccess(out)
		return
	}

	code := domain.CodeOf(out.SessionErr)
	streak := s.recordFailure(now, code, true)
	if streak == 1 || streak%3 == 0 {
		s.logger.Warn("detector: query failed",
			zap.String("result", code.String()),
			zap.Uint32("streak", streak),
			zap.Error(out.SessionErr))
	}
}

func (s *Supervisor) recordSuccess(out telemetry.Outcome) {
	s.mu.Lock()
	recovered := s.failStreak
	s.failStreak = 0
	s.attempts++
	s.successes++
	s.lastResult = domain.CodeSuccess
	changed := out.ActiveProgramID != s.lastLoggedProgram
	s.lastLoggedProgram = out.ActiveProgramID
	s.mu.Unlock()

	if recovered > 0 {
		s.logger.Info("detector: recovered", zap.Uint32("fail_streak", recovered))
	}
	if changed {
		s.logger.Info("detector: active changed",
			zap.String("program_id", domain.FormatProgramID(out.ActiveProgramID)))
	}
}

// recordFailure bumps the streak and enters cooldown at the threshold.
// queried is false for session-open failures. It returns the new streak.
func (s *Supervisor) recordFailure(now uint64, code domain.ResultCode, queried bool) uint32 {
	s.mu.Lock()
	s.failures++
	s.lastResult = code
	if queried {
		s.attempts++
	}
	if s.failStreak < math.MaxUint32 {
		s.failStreak++
	}
	streak := s.failStreak
	tripped := streak >= s.config.FailStreakMax
	if tripped {
		s.cooldownUntilSec = now + uint64(s.config.Cooldown/time.Second)
	}
	s.mu.Unlock()

	if tripped {
		s.logger.Warn("detector: auto-cooldown",
			zap.Duration("cooldown", s.config.Cooldown),
			zap.Uint32("streak", streak))
		if s.session != nil {
			s.closeSession()
			s.logger.Info("detector: session closed for cooldown")
		}
	}
	return streak
}

func (s *Supervisor) closeSession() {
	if s.session == nil {
		return
	}
	if err := s.session.Close(); err != nil {
		s.logger.Warn("detector: session close failed", zap.Error(err))
	}
	s.session = nil
	s.mu.Lock()
	s.sessionOpen = false
	s.mu.Unlock()
}

func (s *Supervisor) nowSec() uint64 {
	return clock.Seconds(s.clock, s.epoch)
}
