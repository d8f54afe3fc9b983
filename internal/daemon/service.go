// Package daemon implements the telemetry service main loop, the background
// detection worker and the watchdog that guards it.
package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/dcactivity/internal/clock"
	"github.com/eliteGoblin/focusd/dcactivity/internal/domain"
	"github.com/eliteGoblin/focusd/dcactivity/internal/telemetry"
)

// Subsystem names reported in the status file and debug output.
const (
	SubsystemStatus   = "status"
	SubsystemFirmware = "firmware"
	SubsystemPower    = "power"
	SubsystemMode     = "mode"
	SubsystemHTTP     = "http"
	SubsystemQuery    = "query"
)

var subsystemOrder = []string{
	SubsystemStatus,
	SubsystemFirmware,
	SubsystemPower,
	SubsystemMode,
	SubsystemHTTP,
	SubsystemQuery,
}

// Listener is the HTTP surface started by the main loop.
type Listener interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// Config holds main loop configuration.
type Config struct {
	LoopInterval      time.Duration // Main loop tick (default 2s)
	InitRetryTicks    uint64        // Ticks between init retries (default 3)
	HeartbeatTicks    uint64        // Ticks between heartbeats (default 15)
	MainLoopDetection bool          // Main loop runs identity queries itself
	WorkerEnabled     bool          // Run the background detection worker
	WorkerStartDelay  time.Duration // Minimum uptime before the worker starts (default 45s)
	StopTimeout       time.Duration // Bound on worker and HTTP shutdown (default 5s)
	Supervisor        SupervisorConfig
	Watchdog          WatchdogConfig
}

// DefaultConfig returns default service configuration.
func DefaultConfig() Config {
	return Config{
		LoopInterval:      2 * time.Second,
		InitRetryTicks:    3,
		HeartbeatTicks:    15,
		MainLoopDetection: true,
		WorkerEnabled:     false,
		WorkerStartDelay:  45 * time.Second,
		StopTimeout:       5 * time.Second,
		Supervisor:        DefaultSupervisorConfig(),
		Watchdog:          DefaultWatchdogConfig(),
	}
}

// Probes are the platform subsystems the main loop brings up lazily.
// A nil probe never becomes ready.
type Probes struct {
	Firmware domain.FirmwareReader
	Power    domain.Prober
	Mode     domain.Prober
	Query    domain.Prober
}

// Deps are the collaborators of a Service.
type Deps struct {
	Clock    clock.Clock
	Epoch    time.Time
	Snapshot *telemetry.Snapshot
	Opener   domain.SessionOpener
	Status   domain.StatusStore
	History  domain.TitleHistory
	Flag     domain.FlagProbe
	Probes   Probes
	HTTP     Listener
}

// DebugInfo is the service state exposed on the debug endpoint.
type DebugInfo struct {
	SessionID   string                  `json:"session_id"`
	UptimeSec   uint64                  `json:"uptime_sec"`
	Stage       string                  `json:"stage"`
	LastResult  domain.ResultCode       `json:"last_result"`
	Ticks       uint64                  `json:"ticks"`
	Heartbeats  uint64                  `json:"heartbeats"`
	UncleanPrev bool                    `json:"unclean_prev"`
	Subsystems  []domain.Subsystem      `json:"subsystems"`
	Supervisor  domain.SupervisorStatus `json:"supervisor"`
}

// Service is the telemetry daemon main loop.
//
// Every tick it refreshes the snapshot. Every InitRetryTicks it retries
// subsystems that are not ready, polls the disable flag, starts the worker
// once the start delay has passed and runs the watchdog. Every
// HeartbeatTicks it logs a summary and rewrites the status file.
type Service struct {
	config     Config
	deps       Deps
	sessionID  string
	supervisor *Supervisor
	watchdog   *Watchdog
	logger     *zap.Logger

	mu                sync.Mutex
	ticks             uint64
	stage             string
	lastResult        domain.ResultCode
	heartbeats        uint64
	uncleanPrev       bool
	ready             map[string]bool
	lastLoggedProgram uint64
	workerWaitLogged  bool
	queryReadyLogged  bool
}

// NewService wires the main loop, worker and watchdog.
func NewService(config Config, deps Deps, sessionID string, logger *zap.Logger) *Service {
	sup := NewSupervisor(config.Supervisor, deps.Clock, deps.Epoch, deps.Snapshot, deps.Opener, logger.Named("worker"))
	return &Service{
		config:     config,
		deps:       deps,
		sessionID:  sessionID,
		supervisor: sup,
		watchdog:   NewWatchdog(config.Watchdog, sup, logger.Named("watchdog")),
		logger:     logger,
		stage:      "boot",
		ready:      make(map[string]bool),
	}
}

// Supervisor returns the background worker.
func (s *Service) Supervisor() *Supervisor {
	return s.supervisor
}

// Run drives the main loop until ctx is canceled, then shuts down.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("service started",
		zap.String("session_id", s.sessionID),
		zap.Duration("interval", s.config.LoopInterval))

	for {
		s.Tick(ctx)

		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-s.deps.Clock.After(s.config.LoopInterval):
		}
	}
}

// Tick runs one main loop iteration.
func (s *Service) Tick(ctx context.Context) {
	s.mu.Lock()
	tick := s.ticks
	s.mu.Unlock()

	if tick%s.config.InitRetryTicks == 0 {
		s.initSubsystems(ctx)
		s.refreshKillSwitch()
		s.initQueryServices(ctx)
		s.maybeStartWorker(ctx)
		s.checkWorker()
	}

	if tick == 0 {
		s.logger.Info("telemetry: mode", zap.String("mode", s.mode()))
	}

	s.setStage("telemetry.update")
	allowProgram := s.detectionAllowed()
	allowBattery := s.isReady(SubsystemPower)
	allowDock := s.isReady(SubsystemMode)
	s.supervisor.SetPowerQueries(allowBattery, allowDock)
	s.deps.Snapshot.Update(ctx, allowProgram, allowBattery, allowDock)
	s.logActiveTitle()

	if tick%s.config.HeartbeatTicks == 0 {
		s.heartbeat()
	}

	s.mu.Lock()
	s.ticks++
	s.mu.Unlock()
}

// Debug returns the current service state.
func (s *Service) Debug() DebugInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return DebugInfo{
		SessionID:   s.sessionID,
		UptimeSec:   s.deps.Snapshot.UptimeSec(),
		Stage:       s.stage,
		LastResult:  s.lastResult,
		Ticks:       s.ticks,
		Heartbeats:  s.heartbeats,
		UncleanPrev: s.uncleanPrev,
		Subsystems:  s.subsystemsLocked(),
		Supervisor:  s.supervisor.Status(),
	}
}

func (s *Service) mode() string {
	switch {
	case s.config.WorkerEnabled:
		return "worker-detection"
	case s.config.MainLoopDetection:
		return "mainloop-detection"
	default:
		return "safe-mode"
	}
}

// detectionAllowed reports whether the main loop may run identity queries.
func (s *Service) detectionAllowed() bool {
	return s.config.MainLoopDetection &&
		s.isReady(SubsystemHTTP) &&
		s.isReady(SubsystemQuery) &&
		!s.supervisor.KillSwitch()
}

func (s *Service) initSubsystems(ctx context.Context) {
	if !s.isReady(SubsystemStatus) && s.deps.Status != nil {
		s.setStage("status.init")
		prev, err := s.deps.Status.Read()
		if err != nil {
			s.recordResult(err)
			s.logger.Warn("init: status read failed", zap.Error(err))
		} else {
			if prev != nil && prev.State == domain.StateRunning {
				s.mu.Lock()
				s.uncleanPrev = true
				s.mu.Unlock()
				s.logger.Warn("previous session did not shut down cleanly (possible crash/hang)",
					zap.String("previous_session_id", prev.SessionID))
			}
			s.setReady(SubsystemStatus)
			s.writeStatus(domain.StateRunning)
		}
	}

	if !s.isReady(SubsystemFirmware) && s.deps.Probes.Firmware != nil {
		s.setStage("firmware.init")
		fw, err := s.deps.Probes.Firmware.FirmwareVersion(ctx)
		s.recordResult(err)
		if err == nil {
			s.deps.Snapshot.SetFirmware(fw)
			s.setReady(SubsystemFirmware)
			s.logger.Info("init: firmware", zap.String("firmware", fw))
		}
	}

	s.probe(ctx, SubsystemPower, "power.init", s.deps.Probes.Power)
	s.probe(ctx, SubsystemMode, "mode.init", s.deps.Probes.Mode)

	if !s.isReady(SubsystemHTTP) && s.deps.HTTP != nil {
		s.setStage("http.start")
		err := s.deps.HTTP.Start()
		s.recordResult(err)
		if err != nil {
			s.logger.Warn("http: start failed", zap.Error(err))
		} else {
			s.setReady(SubsystemHTTP)
			s.logger.Info("http: start ok")
		}
	}
}

// initQueryServices brings up identity queries for main loop detection.
func (s *Service) initQueryServices(ctx context.Context) {
	if !s.config.MainLoopDetection || !s.isReady(SubsystemHTTP) || s.supervisor.KillSwitch() {
		return
	}
	if s.probe(ctx, SubsystemQuery, "query.init", s.deps.Probes.Query) {
		s.mu.Lock()
		logged := s.queryReadyLogged
		s.queryReadyLogged = true
		s.mu.Unlock()
		if !logged {
			s.logger.Info("detect: services ready")
		}
	}
}

// probe retries one prober and reports whether the subsystem is ready.
func (s *Service) probe(ctx context.Context, name, stage string, p domain.Prober) bool {
	if s.isReady(name) {
		return true
	}
	if p == nil {
		return false
	}

	s.setStage(stage)
	err := p.Probe(ctx)
	s.recordResult(err)
	if err != nil {
		s.logger.Debug("init: subsystem not ready", zap.String("subsystem", name), zap.Error(err))
		return false
	}
	s.setReady(name)
	s.logger.Info("init: subsystem ready", zap.String("subsystem", name))
	return true
}

func (s *Service) refreshKillSwitch() {
	if s.deps.Flag == nil || !s.isReady(SubsystemStatus) {
		return
	}

	present := s.deps.Flag.Present()
	if present == s.supervisor.KillSwitch() {
		return
	}
	s.supervisor.SetKillSwitch(present)
	if present {
		s.logger.Info("detector: kill-switch enabled")
	} else {
		s.logger.Info("detector: kill-switch disabled")
	}
}

func (s *Service) maybeStartWorker(ctx context.Context) {
	if !s.config.WorkerEnabled || !s.isReady(SubsystemHTTP) {
		return
	}
	st := s.supervisor.Status()
	uptime := s.deps.Snapshot.UptimeSec()
	// A worker stopped by the watchdog stays down until its cooldown ends.
	if st.Started || st.KillSwitch || st.CooldownUntilSec > uptime {
		return
	}

	delay := uint64(s.config.WorkerStartDelay / time.Second)
	if uptime >= delay {
		s.supervisor.Start(ctx)
		return
	}

	s.mu.Lock()
	logged := s.workerWaitLogged
	s.workerWaitLogged = true
	s.mu.Unlock()
	if !logged {
		s.logger.Info("detector: delayed start active",
			zap.Uint64("uptime_sec", uptime),
			zap.Duration("start_delay", s.config.WorkerStartDelay))
	}
}

func (s *Service) checkWorker() {
	if !s.config.WorkerEnabled {
		return
	}
	s.watchdog.Check(s.deps.Snapshot.UptimeSec())
}

// logActiveTitle logs and records the active program when it changes to a
// non-zero id.
func (s *Service) logActiveTitle() {
	id, _ := s.deps.Snapshot.ActiveProgram()

	s.mu.Lock()
	if id == 0 || id == s.lastLoggedProgram {
		s.mu.Unlock()
		return
	}
	s.lastLoggedProgram = id
	s.mu.Unlock()

	s.logger.Info("title: active program changed", zap.String("program_id", domain.FormatProgramID(id)))

	if s.deps.History == nil {
		return
	}
	if err := s.deps.History.Record(id, s.deps.Clock.Now()); err != nil {
		s.logger.Warn("title history record failed", zap.Error(err))
	}
}

func (s *Service) heartbeat() {
	s.mu.Lock()
	s.heartbeats++
	s.mu.Unlock()
	s.setStage("heartbeat")

	info := s.Debug()
	fields := []zap.Field{
		zap.Uint64("n", info.Heartbeats),
		zap.Uint64("uptime_sec", info.UptimeSec),
		zap.String("last_result", info.LastResult.String()),
		zap.Bool("worker_started", info.Supervisor.Started),
		zap.Bool("worker_alive", info.Supervisor.Alive),
		zap.Uint64("worker_heartbeat_sec", info.Supervisor.LastHeartbeatSec),
		zap.Bool("worker_session", info.Supervisor.SessionOpen),
		zap.Uint32("worker_streak", info.Supervisor.FailStreak),
		zap.Bool("kill_switch", info.Supervisor.KillSwitch),
		zap.Uint64("cooldown_until_sec", info.Supervisor.CooldownUntilSec),
		zap.Bool("unclean_prev", info.UncleanPrev),
	}
	for _, sub := range info.Subsystems {
		fields = append(fields, zap.Bool(sub.Name, sub.Ready))
	}
	s.logger.Info("heartbeat", fields...)

	s.writeStatus(domain.StateRunning)
}

func (s *Service) writeStatus(state string) {
	if s.deps.Status == nil || !s.isReady(SubsystemStatus) {
		return
	}

	info := s.Debug()
	rec := domain.StatusRecord{
		State:      state,
		SessionID:  info.SessionID,
		UptimeSec:  info.UptimeSec,
		Stage:      info.Stage,
		LastResult: info.LastResult,
		Heartbeats: info.Heartbeats,
		Subsystems: info.Subsystems,
		Supervisor: info.Supervisor,
	}
	if err := s.deps.Status.Write(rec); err != nil {
		s.logger.Warn("status write failed", zap.String("path", s.deps.Status.Path()), zap.Error(err))
	}
}

func (s *Service) shutdown() {
	s.setStage("exit")
	s.logger.Info("shutdown: begin")
	s.writeStatus(domain.StateStopped)

	if err := s.supervisor.Stop(s.config.StopTimeout); err != nil {
		s.logger.Warn("shutdown: worker stop", zap.Error(err))
	}

	if s.deps.HTTP != nil && s.isReady(SubsystemHTTP) {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.StopTimeout)
		defer cancel()
		if err := s.deps.HTTP.Shutdown(ctx); err != nil {
			s.logger.Warn("shutdown: http", zap.Error(err))
		}
	}
	s.logger.Info("shutdown: done")
}

func (s *Service) setStage(stage string) {
	s.mu.Lock()
	s.stage = stage
	s.mu.Unlock()
	s.logger.Debug("stage", zap.String("stage", stage))
}

func (s *Service) recordResult(err error) {
	s.mu.Lock()
	s.lastResult = domain.CodeOf(err)
	s.mu.Unlock()
}

func (s *Service) isReady(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready[name]
}

func (s *Service) setReady(name string) {
	s.mu.Lock()
	s.ready[name] = true
	s.mu.Unlock()
}

func (s *Service) subsystemsLocked() []domain.Subsystem {
	subs := make([]domain.Subsystem, 0, len(subsystemOrder))
	for _, name := range subsystemOrder {
		subs = append(subs, domain.Subsystem{Name: name, Ready: s.ready[name]})
	}
	return subs
}
