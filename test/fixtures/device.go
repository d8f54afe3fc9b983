// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/process"
)

// TestProgramID is the id the fake device assigns to the test process.
// It sits in the system module range, so a fallback scan never reports it
// and only the foreground file can make it active.
const TestProgramID uint64 = 0x010000000000BEEF

// FakeDevice lays out a data directory, a sysfs-style power supply class and
// a foreground pid file under one root.
type FakeDevice struct {
	Root string
}

// NewFakeDevice creates a new fake device generator.
func NewFakeDevice(root string) *FakeDevice {
	return &FakeDevice{Root: root}
}

// Create creates the device layout with a battery at pct and no charger.
func (d *FakeDevice) Create(pct int) error {
	for _, dir := range []string{d.DataDir(), d.PowerDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if err := d.writeSupply("BAT0", map[string]string{
		"type":     "Battery",
		"capacity": fmt.Sprint(pct),
	}); err != nil {
		return err
	}
	return d.SetCharger(false)
}

// DataDir holds the status file, history and disable flag.
func (d *FakeDevice) DataDir() string {
	return filepath.Join(d.Root, "data")
}

// PowerDir is the fake power supply class directory.
func (d *FakeDevice) PowerDir() string {
	return filepath.Join(d.Root, "power_supply")
}

// ForegroundPath is the foreground pid file.
func (d *FakeDevice) ForegroundPath() string {
	return filepath.Join(d.Root, "foreground")
}

// FlagPath is the detection disable flag.
func (d *FakeDevice) FlagPath() string {
	return filepath.Join(d.DataDir(), "detection.off")
}

// SetBattery changes the battery capacity.
func (d *FakeDevice) SetBattery(pct int) error {
	return d.writeSupply("BAT0", map[string]string{"capacity": fmt.Sprint(pct)})
}

// SetCharger plugs or unplugs a mains charger.
func (d *FakeDevice) SetCharger(online bool) error {
	state := "0"
	if online {
		state = "1"
	}
	return d.writeSupply("AC", map[string]string{"type": "Mains", "online": state})
}

// SetForeground writes pid as the foreground process.
func (d *FakeDevice) SetForeground(pid int) error {
	return os.WriteFile(d.ForegroundPath(), []byte(fmt.Sprintf("%d\n", pid)), 0644)
}

// ClearForeground empties the foreground file.
func (d *FakeDevice) ClearForeground() error {
	return os.WriteFile(d.ForegroundPath(), nil, 0644)
}

// SetDisableFlag creates or removes the detection disable flag.
func (d *FakeDevice) SetDisableFlag(on bool) error {
	if on {
		return os.WriteFile(d.FlagPath(), nil, 0644)
	}
	err := os.Remove(d.FlagPath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Catalog maps the test process name to TestProgramID.
func (d *FakeDevice) Catalog() (map[string]uint64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	name, err := p.Name()
	if err != nil {
		return nil, err
	}
	return map[string]uint64{name: TestProgramID}, nil
}

func (d *FakeDevice) writeSupply(name string, attrs map[string]string) error {
	dir := filepath.Join(d.PowerDir(), name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for k, v := range attrs {
		if err := os.WriteFile(filepath.Join(dir, k), []byte(v+"\n"), 0644); err != nil {
			return err
		}
	}
	return nil
}
