package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/dcactivity/internal/clock"
	"github.com/eliteGoblin/focusd/dcactivity/internal/domain"
	"github.com/eliteGoblin/focusd/dcactivity/internal/policy"
)

var (
	testEpoch  = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	errIPC     = domain.NewResultError("ipc", 0x0000CAFE, nil)
	errUncoded = errors.New("boom")
)

// mockPlatform implements every query collaborator for testing
type mockPlatform struct {
	mu sync.Mutex

	foregroundPID uint64
	foregroundErr error
	programs      map[uint64]uint64
	resolveErr    map[uint64]error
	pids          []uint64
	listErr       error

	percent    uint32
	percentErr error
	charger    domain.ChargerType
	chargerErr error
	mode       domain.OperationMode
	modeErr    error

	foregroundCalls int
	listCalls       int
	listMax         int
}

func newMockPlatform() *mockPlatform {
	return &mockPlatform{
		programs:   make(map[uint64]uint64),
		resolveErr: make(map[uint64]error),
	}
}

func (m *mockPlatform) ForegroundProcessID(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.foregroundCalls++
	return m.foregroundPID, m.foregroundErr
}

func (m *mockPlatform) ProgramID(ctx context.Context, pid uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.resolveErr[pid]; err != nil {
		return 0, err
	}
	return m.programs[pid], nil
}

func (m *mockPlatform) ListProcesses(ctx context.Context, max int) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	m.listMax = max
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]uint64(nil), m.pids...), nil
}

func (m *mockPlatform) ChargePercent(ctx context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.percent, m.percentErr
}

func (m *mockPlatform) ChargerType(ctx context.Context) (domain.ChargerType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.charger, m.chargerErr
}

func (m *mockPlatform) OperationMode(ctx context.Context) (domain.OperationMode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode, m.modeErr
}

// setForeground makes the shell lookup return pid resolving to programID.
func (m *mockPlatform) setForeground(pid, programID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.foregroundPID = pid
	m.foregroundErr = nil
	m.programs[pid] = programID
}

// setHome makes both lookup paths find nothing, without errors.
func (m *mockPlatform) setHome() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.foregroundPID = 0
	m.foregroundErr = nil
	m.pids = nil
	m.listErr = nil
}

func (m *mockPlatform) queries() Queries {
	return Queries{Foreground: m, Resolver: m, Lister: m, Power: m, Mode: m}
}

func newTestSnapshot(m *mockPlatform) (*Snapshot, *clock.FakeClock) {
	c := clock.Fake(testEpoch)
	return New(c, testEpoch, m.queries(), policy.NewRegistry()), c
}
