package telemetry

import (
	"context"
	"math"

	"github.com/eliteGoblin/focusd/dcactivity/internal/domain"
)

// Outcome describes what a single Update call did.
type Outcome struct {
	// Attempted is true when identity resolution ran (not throttled or disallowed).
	Attempted bool

	// Found is true when resolution produced a candidate program id.
	Found     bool
	Candidate uint64
	Source    domain.DetectionSource

	// ActiveProgramID is the committed program after this call; Changed
	// reports whether this call changed it.
	ActiveProgramID uint64
	Changed         bool

	// SessionErr is non-nil when the identity query subsystem itself was
	// unreachable: both the shell lookup and the process scan returned errors.
	// An empty foreground is not a session error.
	SessionErr error
}

type powerReading struct {
	chargeCode   domain.ResultCode
	chargerCode  domain.ResultCode
	percent      uint32
	percentValid bool
	charger      domain.ChargerType
	chargerValid bool
}

type dockReading struct {
	code   domain.ResultCode
	docked bool
	valid  bool
	source domain.DockSource
}

// Update runs one telemetry cycle.
//
// Battery and dock state are queried when allowed and always committed.
// Identity resolution runs only when allowProgram is set and the throttle
// window has elapsed; the throttle is checked and advanced in the same
// critical section, so concurrent callers cannot both win one window.
// Only one caller at a time should pass allowProgram=true: overlapping
// resolutions are applied last-write-wins.
func (s *Snapshot) Update(ctx context.Context, allowProgram, allowBattery, allowDock bool) Outcome {
	now := s.nowSec()

	var power powerReading
	if allowBattery {
		power = s.readPower(ctx)
	}
	var dock dockReading
	if allowDock {
		dock = s.readDock(ctx, power)
	}

	s.mu.Lock()
	s.state.SampleCount++
	s.state.LastUpdateSec = now
	if allowBattery {
		s.state.LastPSMChargeResult = power.chargeCode
		s.state.LastPSMChargerResult = power.chargerCode
		// A failed read drops validity even if an earlier read succeeded.
		s.state.BatteryPercentValid = power.percentValid
		s.state.IsChargingValid = power.chargerValid
		if power.percentValid {
			s.state.BatteryPercent = power.percent
		}
		if power.chargerValid {
			s.state.IsCharging = power.charger != domain.ChargerUnconnected
		}
	}
	if allowDock {
		s.state.LastDockResult = dock.code
		s.state.IsDockedValid = dock.valid
		s.state.DockDetectionSource = dock.source
		if dock.valid {
			s.state.IsDocked = dock.docked
		}
	}
	if allowProgram {
		s.state.DetectionMode = true
	}
	shouldQuery := allowProgram && now >= s.nextQuerySec
	if shouldQuery {
		s.nextQuerySec = now + ProgramQueryInterval
	}
	active := s.state.ActiveProgramID
	s.mu.Unlock()

	if !shouldQuery {
		return Outcome{ActiveProgramID: active}
	}

	res := s.resolve(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.DetectionAttemptCount++
	s.state.DetectionLastQuerySec = now
	s.state.LastPMResult = res.pmCode
	s.state.LastPMInfoResult = res.pminfoCode
	s.state.LastSvcResult = res.svcCode
	s.state.LastProcessID = res.processID
	s.state.DetectionSource = res.source
	if res.found {
		s.state.DetectionSuccessCount++
		s.state.DetectionFailStreak = 0
		s.state.DetectionLastSuccessSec = now
	} else {
		s.state.DetectionFailCount++
		if s.state.DetectionFailStreak < math.MaxUint32 {
			s.state.DetectionFailStreak++
		}
	}

	out := Outcome{
		Attempted:  true,
		Found:      res.found,
		Candidate:  res.programID,
		Source:     res.source,
		SessionErr: res.sessionErr,
	}
	s.confirm(res)
	out.ActiveProgramID = s.state.ActiveProgramID
	out.Changed = out.ActiveProgramID != active
	return out
}

// confirm applies the debounce. Caller holds s.mu.
// Picking up a new program needs consecutive confirmations; losing the
// foreground program is reported at once.
func (s *Snapshot) confirm(res resolution) {
	if !res.found {
		s.pendingProgramID = 0
		s.pendingMatchCount = 0
		s.state.ActiveProgramID = 0
		s.state.ActiveGame = domain.HomeLabel
		return
	}

	if s.pendingProgramID == res.programID {
		if s.pendingMatchCount < math.MaxUint8 {
			s.pendingMatchCount++
		}
	} else {
		s.pendingProgramID = res.programID
		s.pendingMatchCount = 1
	}

	if s.pendingMatchCount >= ConfirmationsRequired {
		s.state.ActiveProgramID = res.programID
		s.state.ActiveGame = truncate(domain.FormatProgramID(res.programID), maxGameLen)
	}
}

func (s *Snapshot) readPower(ctx context.Context) powerReading {
	var r powerReading

	pct, err := s.queries.chargePercent(ctx)
	r.chargeCode = domain.CodeOf(err)
	if err == nil {
		r.percent = pct
		r.percentValid = true
	}

	charger, err := s.queries.chargerType(ctx)
	r.chargerCode = domain.CodeOf(err)
	if err == nil {
		r.charger = charger
		r.chargerValid = true
	}
	return r
}

func (s *Snapshot) readDock(ctx context.Context, power powerReading) dockReading {
	var r dockReading

	mode, err := s.queries.operationMode(ctx)
	r.code = domain.CodeOf(err)
	if err == nil {
		r.docked = mode == domain.ModeConsole
		r.valid = true
		r.source = domain.DockSourceModeQuery
		return r
	}

	// Mode query is unavailable in some contexts; a charger that supplies
	// enough power is the dock's.
	if power.chargerValid {
		r.docked = power.charger == domain.ChargerEnoughPower
		r.valid = true
		r.source = domain.DockSourceChargerHeuristic
	}
	return r
}
