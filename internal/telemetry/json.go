package telemetry

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/eliteGoblin/focusd/dcactivity/internal/domain"
)

// BuildJSON renders the snapshot as the telemetry document.
// The lock is held only while copying; formatting happens afterwards.
func (s *Snapshot) BuildJSON() []byte {
	return RenderJSON(s.View())
}

// RenderJSON formats a snapshot copy. Field order and formats are fixed:
// result codes as 0x%08X, ids as 0x%016X, and invalid optional readings as null.
func RenderJSON(t domain.Telemetry) []byte {
	var b strings.Builder
	b.Grow(1024)

	b.WriteString(`{"service":"`)
	b.WriteString(domain.ServiceName)
	b.WriteString(`","firmware":"`)
	b.WriteString(escape(t.Firmware))
	fmt.Fprintf(&b, `","active_program_id":"0x%016X"`, t.ActiveProgramID)
	b.WriteString(`,"active_game":"`)
	b.WriteString(escape(t.ActiveGame))
	b.WriteString(`"`)
	writeUint(&b, "started_sec", t.StartedSec)
	writeUint(&b, "last_update_sec", t.LastUpdateSec)
	writeUint(&b, "sample_count", t.SampleCount)
	writeCode(&b, "last_pm_result", t.LastPMResult)
	writeCode(&b, "last_pminfo_result", t.LastPMInfoResult)
	writeCode(&b, "last_ns_result", t.LastNSResult)
	writeCode(&b, "last_svc_result", t.LastSvcResult)
	fmt.Fprintf(&b, `,"last_process_id":"0x%016X"`, t.LastProcessID)
	writeUint(&b, "detection_source", uint64(t.DetectionSource))
	b.WriteString(`,"detection_mode":`)
	b.WriteString(strconv.FormatBool(t.DetectionMode))
	writeUint(&b, "detection_attempt_count", t.DetectionAttemptCount)
	writeUint(&b, "detection_success_count", t.DetectionSuccessCount)
	writeUint(&b, "detection_fail_count", t.DetectionFailCount)
	writeUint(&b, "detection_fail_streak", uint64(t.DetectionFailStreak))
	writeUint(&b, "detection_last_query_sec", t.DetectionLastQuerySec)
	writeUint(&b, "detection_last_success_sec", t.DetectionLastSuccessSec)

	b.WriteString(`,"battery_percent":`)
	if t.BatteryPercentValid {
		b.WriteString(strconv.FormatUint(uint64(t.BatteryPercent), 10))
	} else {
		b.WriteString("null")
	}
	writeOptionalBool(&b, "is_charging", t.IsCharging, t.IsChargingValid)
	writeOptionalBool(&b, "is_docked", t.IsDocked, t.IsDockedValid)
	writeUint(&b, "dock_detection_source", uint64(t.DockDetectionSource))
	writeCode(&b, "last_psm_charge_result", t.LastPSMChargeResult)
	writeCode(&b, "last_psm_charger_result", t.LastPSMChargerResult)
	writeCode(&b, "last_dock_result", t.LastDockResult)
	b.WriteString("}")

	return []byte(b.String())
}

func writeUint(b *strings.Builder, key string, v uint64) {
	b.WriteString(`,"`)
	b.WriteString(key)
	b.WriteString(`":`)
	b.WriteString(strconv.FormatUint(v, 10))
}

func writeCode(b *strings.Builder, key string, c domain.ResultCode) {
	b.WriteString(`,"`)
	b.WriteString(key)
	b.WriteString(`":"`)
	b.WriteString(c.String())
	b.WriteString(`"`)
}

func writeOptionalBool(b *strings.Builder, key string, v, valid bool) {
	b.WriteString(`,"`)
	b.WriteString(key)
	b.WriteString(`":`)
	if !valid {
		b.WriteString("null")
		return
	}
	b.WriteString(strconv.FormatBool(v))
}

// escape backslash-escapes '\' and '"' and replaces control bytes with a space.
func escape(str string) string {
	var b strings.Builder
	b.Grow(len(str))
	for i := 0; i < len(str); i++ {
		c := str[i]
		switch {
		case c == '\\' || c == '"':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < 0x20:
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
