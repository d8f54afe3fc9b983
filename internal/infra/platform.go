package infra

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/eliteGoblin/focusd/dcactivity/internal/domain"
)

// HostFirmware reports the host OS as the firmware string.
type HostFirmware struct{}

// FirmwareVersion returns "<platform> <version>", falling back to the kernel version.
func (HostFirmware) FirmwareVersion(ctx context.Context) (string, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return "", domain.NewResultError("firmware version", domain.CodeUnavailable, err)
	}

	version := strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
	if version == "" {
		version = strings.TrimSpace(info.OS + " " + info.KernelVersion)
	}
	if version == "" {
		return "", domain.NewResultError("firmware version", domain.CodeNotFound, fmt.Errorf("host reported no version"))
	}
	return version, nil
}

// HostMode is the operation mode reader for hosts without a dock sensor.
// It is always ready and always reports unsupported, so dock state comes
// from the charger heuristic.
type HostMode struct{}

// OperationMode reports unsupported.
func (HostMode) OperationMode(ctx context.Context) (domain.OperationMode, error) {
	return domain.ModeHandheld, domain.Unsupported("operation mode")
}

// Probe always succeeds.
func (HostMode) Probe(ctx context.Context) error {
	return nil
}

// BootTime returns the host boot instant, used as the telemetry epoch.
// It is derived from now so it keeps now's monotonic clock reading, and
// later wall clock steps do not shift elapsed seconds. It falls back to
// now when the host does not report a boot time.
func BootTime(ctx context.Context, now time.Time) time.Time {
	secs, err := host.BootTimeWithContext(ctx)
	if err != nil || secs == 0 {
		return now
	}
	uptime := now.Sub(time.Unix(int64(secs), 0))
	if uptime < 0 {
		return now
	}
	return now.Add(-uptime)
}

// FlagFile is a kill-switch flag backed by file presence.
type FlagFile struct {
	path string
}

// NewFlagFile creates a flag probe for path.
func NewFlagFile(path string) *FlagFile {
	return &FlagFile{path: path}
}

// Present reports whether the flag file exists.
func (f *FlagFile) Present() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// Path returns the flag file path.
func (f *FlagFile) Path() string {
	return f.path
}

var (
	_ domain.FirmwareReader      = HostFirmware{}
	_ domain.OperationModeReader = HostMode{}
	_ domain.Prober              = HostMode{}
	_ domain.FlagProbe           = (*FlagFile)(nil)
)
