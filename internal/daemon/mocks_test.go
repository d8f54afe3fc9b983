package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/dcactivity/internal/clock"
	"github.com/eliteGoblin/focusd/dcactivity/internal/domain"
	"github.com/eliteGoblin/focusd/dcactivity/internal/telemetry"
)

var (
	testEpoch      = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	errUnreachable = domain.NewResultError("query", domain.CodeUnavailable, errors.New("unreachable"))
)

// mockDetector is a scripted detection engine for testing
type mockDetector struct {
	mu           sync.Mutex
	outcome      telemetry.Outcome
	calls        int
	sessionCodes []domain.ResultCode
	entered      chan struct{}
	block        chan struct{}
	panicValue   any
}

func newMockDetector() *mockDetector {
	return &mockDetector{outcome: telemetry.Outcome{Attempted: true, Found: true}}
}

func (m *mockDetector) Update(ctx context.Context, allowProgram, allowBattery, allowDock bool) telemetry.Outcome {
	m.mu.Lock()
	m.calls++
	out := m.outcome
	entered, block, panicValue := m.entered, m.block, m.panicValue
	m.mu.Unlock()

	if panicValue != nil {
		panic(panicValue)
	}

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	return out
}

func (m *mockDetector) RecordSessionResult(code domain.ResultCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionCodes = append(m.sessionCodes, code)
}

func (m *mockDetector) setOutcome(out telemetry.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcome = out
}

func (m *mockDetector) fail() {
	m.setOutcome(telemetry.Outcome{Attempted: true, SessionErr: errUnreachable})
}

func (m *mockDetector) succeed(programID uint64) {
	m.setOutcome(telemetry.Outcome{Attempted: true, Found: programID != 0, ActiveProgramID: programID})
}

func (m *mockDetector) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockOpener hands out sessions and counts opens and closes
type mockOpener struct {
	mu     sync.Mutex
	err    error
	opens  int
	closes int
}

type mockSession struct {
	opener *mockOpener
}

func (s *mockSession) Close() error {
	s.opener.mu.Lock()
	defer s.opener.mu.Unlock()
	s.opener.closes++
	return nil
}

func (m *mockOpener) OpenSession(ctx context.Context) (domain.QuerySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.opens++
	return &mockSession{opener: m}, nil
}

func (m *mockOpener) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockOpener) counts() (opens, closes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens, m.closes
}

func newTestSupervisor(det *mockDetector, opener *mockOpener) (*Supervisor, *clock.FakeClock) {
	c := clock.Fake(testEpoch)
	return NewSupervisor(DefaultSupervisorConfig(), c, testEpoch, det, opener, zap.NewNop()), c
}

// mockWorker is a Supervised with settable status for watchdog tests
type mockWorker struct {
	status        domain.SupervisorStatus
	cooldownUntil uint64
	stopRequests  int
}

func (m *mockWorker) Status() domain.SupervisorStatus { return m.status }
func (m *mockWorker) SetKillSwitch(on bool)           { m.status.KillSwitch = on }
func (m *mockWorker) SetCooldownUntil(sec uint64)     { m.cooldownUntil = sec }
func (m *mockWorker) RequestStop() <-chan struct{} {
	m.stopRequests++
	m.status.Started = false
	return nil
}

// mockProber fails until ready is set
type mockProber struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (m *mockProber) Probe(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}

func (m *mockProber) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

type mockFirmware struct {
	version string
	err     error
}

func (m *mockFirmware) FirmwareVersion(ctx context.Context) (string, error) {
	return m.version, m.err
}

// mockFlag is a settable kill-switch flag
type mockFlag struct {
	mu      sync.Mutex
	present bool
}

func (m *mockFlag) Present() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.present
}

func (m *mockFlag) set(present bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.present = present
}

// mockStatusStore keeps records in memory
type mockStatusStore struct {
	mu       sync.Mutex
	previous *domain.StatusRecord
	writes   []domain.StatusRecord
	readErr  error
}

func (m *mockStatusStore) Read() (*domain.StatusRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previous, m.readErr
}

func (m *mockStatusStore) Write(rec domain.StatusRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, rec)
	return nil
}

func (m *mockStatusStore) Path() string { return "/tmp/status.txt" }

func (m *mockStatusStore) last() domain.StatusRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[len(m.writes)-1]
}

// mockHistory records program ids
type mockHistory struct {
	mu       sync.Mutex
	recorded []uint64
}

func (m *mockHistory) Record(programID uint64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, programID)
	return nil
}

func (m *mockHistory) List() ([]domain.TitleRecord, error) { return nil, nil }
func (m *mockHistory) Close() error                        { return nil }

// mockListener counts starts and shutdowns
type mockListener struct {
	mu        sync.Mutex
	startErr  error
	starts    int
	shutdowns int
}

func (m *mockListener) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	return m.startErr
}

func (m *mockListener) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdowns++
	return nil
}

// mockPlatform answers the snapshot's platform queries
type mockPlatform struct {
	mu        sync.Mutex
	pid       uint64
	programID uint64
	percent   uint32
	calls     int
}

func (m *mockPlatform) ForegroundProcessID(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.pid, nil
}

func (m *mockPlatform) ProgramID(ctx context.Context, pid uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pid == m.pid {
		return m.programID, nil
	}
	return 0, nil
}

func (m *mockPlatform) ListProcesses(ctx context.Context, max int) ([]uint64, error) {
	return nil, nil
}

func (m *mockPlatform) ChargePercent(ctx context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.percent, nil
}

func (m *mockPlatform) ChargerType(ctx context.Context) (domain.ChargerType, error) {
	return domain.ChargerEnoughPower, nil
}

func (m *mockPlatform) OperationMode(ctx context.Context) (domain.OperationMode, error) {
	return domain.ModeHandheld, domain.Unsupported("operation mode")
}

func (m *mockPlatform) setForeground(pid, programID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pid = pid
	m.programID = programID
}

func (m *mockPlatform) queryCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
