// Package telemetry owns the shared device snapshot: the detection engine
// that refreshes it and the serializer that publishes it.
//
// One mutex guards short per-step critical sections. Platform queries are
// always made with the lock released.
package telemetry

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/eliteGoblin/focusd/dcactivity/internal/clock"
	"github.com/eliteGoblin/focusd/dcactivity/internal/domain"
	"github.com/eliteGoblin/focusd/dcactivity/internal/policy"
)

const (
	// ProgramQueryInterval throttles identity resolution.
	ProgramQueryInterval uint64 = 3

	// ConfirmationsRequired is how many consecutive identical observations
	// promote a candidate to the active program.
	ConfirmationsRequired = 2

	maxFirmwareLen = 31
	maxGameLen     = 255
)

// Queries are the platform collaborators the engine calls each cycle.
// A nil collaborator behaves as an unsupported call.
type Queries struct {
	Foreground domain.ForegroundLocator
	Resolver   domain.ProgramResolver
	Lister     domain.ProcessLister
	Power      domain.PowerMonitor
	Mode       domain.OperationModeReader
}

// Snapshot is the single shared telemetry record.
type Snapshot struct {
	clock   clock.Clock
	epoch   time.Time
	queries Queries
	filter  *policy.Registry

	mu                sync.Mutex
	state             domain.Telemetry
	nextQuerySec      uint64
	pendingProgramID  uint64
	pendingMatchCount uint8
}

// New creates a snapshot with no foreground application and unknown firmware.
// Timestamps are whole seconds since epoch on c.
func New(c clock.Clock, epoch time.Time, q Queries, filter *policy.Registry) *Snapshot {
	if filter == nil {
		filter = policy.NewRegistry()
	}
	s := &Snapshot{
		clock:   c,
		epoch:   epoch,
		queries: q,
		filter:  filter,
	}
	now := s.nowSec()
	s.state = domain.Telemetry{
		Firmware:   domain.UnknownFirmware,
		StartedSec: now,
		ActiveGame: domain.HomeLabel,
	}
	s.nextQuerySec = now
	return s
}

// SetFirmware records the firmware version string. Empty means unknown.
func (s *Snapshot) SetFirmware(firmware string) {
	if firmware == "" {
		firmware = domain.UnknownFirmware
	}
	firmware = truncate(firmware, maxFirmwareLen)

	s.mu.Lock()
	s.state.Firmware = firmware
	s.mu.Unlock()
}

// RecordSessionResult stores the result of the last query-session open attempt.
func (s *Snapshot) RecordSessionResult(code domain.ResultCode) {
	s.mu.Lock()
	s.state.LastNSResult = code
	s.mu.Unlock()
}

// View returns a copy of the current snapshot.
func (s *Snapshot) View() domain.Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ActiveProgram returns the committed program id and its label.
func (s *Snapshot) ActiveProgram() (uint64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ActiveProgramID, s.state.ActiveGame
}

// UptimeSec returns seconds since the snapshot epoch.
func (s *Snapshot) UptimeSec() uint64 {
	return s.nowSec()
}

func (s *Snapshot) nowSec() uint64 {
	return clock.Seconds(s.clock, s.epoch)
}

// truncate cuts str to at most max bytes without splitting a UTF-8 sequence.
func truncate(str string, max int) string {
	if len(str) <= max {
		return str
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(str[cut]) {
		cut--
	}
	return str[:cut]
}

func (q Queries) foregroundProcessID(ctx context.Context) (uint64, error) {
	if q.Foreground == nil {
		return 0, domain.Unsupported("foreground lookup")
	}
	return q.Foreground.ForegroundProcessID(ctx)
}

func (q Queries) programID(ctx context.Context, pid uint64) (uint64, error) {
	if q.Resolver == nil {
		return 0, domain.Unsupported("program resolve")
	}
	return q.Resolver.ProgramID(ctx, pid)
}

func (q Queries) listProcesses(ctx context.Context, max int) ([]uint64, error) {
	if q.Lister == nil {
		return nil, domain.Unsupported("process list")
	}
	return q.Lister.ListProcesses(ctx, max)
}

func (q Queries) chargePercent(ctx context.Context) (uint32, error) {
	if q.Power == nil {
		return 0, domain.Unsupported("battery charge")
	}
	return q.Power.ChargePercent(ctx)
}

func (q Queries) chargerType(ctx context.Context) (domain.ChargerType, error) {
	if q.Power == nil {
		return domain.ChargerUnconnected, domain.Unsupported("charger type")
	}
	return q.Power.ChargerType(ctx)
}

func (q Queries) operationMode(ctx context.Context) (domain.OperationMode, error) {
	if q.Mode == nil {
		return domain.ModeHandheld, domain.Unsupported("operation mode")
	}
	return q.Mode.OperationMode(ctx)
}
