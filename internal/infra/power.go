package infra

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/eliteGoblin/focusd/dcactivity/internal/domain"
)

// PowerSupply implements domain.PowerMonitor over the sysfs power supply class.
type PowerSupply struct {
	dir string
}

// NewPowerSupply creates a monitor reading supplies under dir
// (normally /sys/class/power_supply).
func NewPowerSupply(dir string) *PowerSupply {
	return &PowerSupply{dir: dir}
}

type supply struct {
	kind   string
	online bool
	path   string
}

// ChargePercent returns the capacity of the first battery.
func (p *PowerSupply) ChargePercent(ctx context.Context) (uint32, error) {
	supplies, err := p.supplies()
	if err != nil {
		return 0, err
	}

	for _, s := range supplies {
		if s.kind != "battery" {
			continue
		}
		raw, err := readTrimmed(filepath.Join(s.path, "capacity"))
		if err != nil {
			return 0, domain.NewResultError("battery charge", domain.CodeUnavailable, err)
		}
		pct, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return 0, domain.NewResultError("battery charge", domain.CodeUnknown, err)
		}
		if pct > 100 {
			pct = 100
		}
		return uint32(pct), nil
	}
	return 0, domain.NewResultError("battery charge", domain.CodeNotFound, fmt.Errorf("no battery under %s", p.dir))
}

// ChargerType classifies the online external supply. Mains supplies enough
// power, USB supplies little, and no online supply means unconnected.
func (p *PowerSupply) ChargerType(ctx context.Context) (domain.ChargerType, error) {
	supplies, err := p.supplies()
	if err != nil {
		return domain.ChargerUnconnected, err
	}

	charger := domain.ChargerUnconnected
	for _, s := range supplies {
		if !s.online {
			continue
		}
		switch {
		case s.kind == "mains":
			return domain.ChargerEnoughPower, nil
		case strings.HasPrefix(s.kind, "usb"):
			charger = domain.ChargerLowPower
		}
	}
	return charger, nil
}

// Probe reports whether the power supply class is readable.
func (p *PowerSupply) Probe(ctx context.Context) error {
	if _, err := os.Stat(p.dir); err != nil {
		return domain.NewResultError("power supply", domain.CodeUnavailable, err)
	}
	return nil
}

func (p *PowerSupply) supplies() ([]supply, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, domain.NewResultError("power supply", domain.CodeUnavailable, err)
	}

	var out []supply
	for _, e := range entries {
		path := filepath.Join(p.dir, e.Name())
		kind, err := readTrimmed(filepath.Join(path, "type"))
		if err != nil {
			continue
		}
		online, _ := readTrimmed(filepath.Join(path, "online"))
		out = append(out, supply{
			kind:   strings.ToLower(kind),
			online: online == "1",
			path:   path,
		})
	}
	return out, nil
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Ensure PowerSupply implements domain.PowerMonitor.
var (
	_ domain.PowerMonitor = (*PowerSupply)(nil)
	_ domain.Prober       = (*PowerSupply)(nil)
)
