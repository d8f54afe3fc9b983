// Package domain contains core telemetry entities and collaborator interfaces.
// This is the innermost layer - no external dependencies.
package domain

import (
	"fmt"
	"time"
)

// HomeLabel is the active_game value reported when no application is in the foreground.
const HomeLabel = "HOME"

// ServiceName is the constant "service" field of the telemetry document.
const ServiceName = "SwitchDCActivity"

// UnknownFirmware is reported until the firmware version has been read.
const UnknownFirmware = "unknown"

// DetectionSource records which path produced the current identity.
type DetectionSource uint32

const (
	SourceNone        DetectionSource = 0
	SourceShellQuery  DetectionSource = 1
	SourceProcessScan DetectionSource = 2
)

func (s DetectionSource) String() string {
	switch s {
	case SourceShellQuery:
		return "shell-query"
	case SourceProcessScan:
		return "process-scan"
	default:
		return "none"
	}
}

// DockSource records which method produced the docked value.
type DockSource uint32

const (
	DockSourceNone             DockSource = 0
	DockSourceModeQuery        DockSource = 1
	DockSourceChargerHeuristic DockSource = 2
)

// ChargerType is what the power controller reports about the attached charger.
type ChargerType int

const (
	ChargerUnconnected ChargerType = iota
	ChargerEnoughPower
	ChargerLowPower
	ChargerNotSupported
)

// OperationMode is the console's current presentation mode.
type OperationMode int

const (
	ModeHandheld OperationMode = iota
	ModeConsole
)

// FormatProgramID renders a program id the way the telemetry document does.
func FormatProgramID(id uint64) string {
	return fmt.Sprintf("0x%016X", id)
}

// Telemetry is a point-in-time copy of the shared snapshot.
// It carries no lock and is safe to read after it has been returned.
type Telemetry struct {
	Firmware   string
	StartedSec uint64

	LastUpdateSec uint64
	SampleCount   uint64

	ActiveProgramID uint64
	ActiveGame      string

	LastPMResult     ResultCode
	LastPMInfoResult ResultCode
	LastNSResult     ResultCode
	LastSvcResult    ResultCode
	LastProcessID    uint64

	DetectionSource         DetectionSource
	DetectionMode           bool
	DetectionAttemptCount   uint64
	DetectionSuccessCount   uint64
	DetectionFailCount      uint64
	DetectionFailStreak     uint32
	DetectionLastQuerySec   uint64
	DetectionLastSuccessSec uint64

	BatteryPercent      uint32
	BatteryPercentValid bool
	IsCharging          bool
	IsChargingValid     bool
	IsDocked            bool
	IsDockedValid       bool
	DockDetectionSource DockSource

	LastPSMChargeResult  ResultCode
	LastPSMChargerResult ResultCode
	LastDockResult       ResultCode
}

// SupervisorStatus is the observable state of the background detection worker.
type SupervisorStatus struct {
	Started          bool       `json:"started"`
	Running          bool       `json:"running"`
	Alive            bool       `json:"alive"`
	SessionOpen      bool       `json:"session_open"`
	KillSwitch       bool       `json:"kill_switch"`
	LastHeartbeatSec uint64     `json:"last_heartbeat_sec"`
	FailStreak       uint32     `json:"fail_streak"`
	CooldownUntilSec uint64     `json:"cooldown_until_sec"`
	Attempts         uint64     `json:"attempts"`
	Successes        uint64     `json:"successes"`
	Failures         uint64     `json:"failures"`
	LastResult       ResultCode `json:"last_result"`
}

// Service lifecycle states written to the status file.
const (
	StateRunning = "RUNNING"
	StateStopped = "STOPPED"
)

// StatusRecord is the persisted service status, rewritten on every heartbeat.
type StatusRecord struct {
	State      string
	SessionID  string
	UptimeSec  uint64
	Stage      string
	LastResult ResultCode
	Heartbeats uint64
	Subsystems []Subsystem
	Supervisor SupervisorStatus
}

// Subsystem is one externally initialized dependency and whether it is ready.
type Subsystem struct {
	Name  string `json:"name"`
	Ready bool   `json:"ready"`
}

// TitleRecord is one application that has been observed in the foreground.
type TitleRecord struct {
	ProgramID uint64    `json:"-"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	TimesSeen int       `json:"times_seen"`
}
