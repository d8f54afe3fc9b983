// Package config loads dcactivity configuration.
//
// Defaults cover every field; an optional YAML file overrides them and
// command-line flags override the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/dcactivity/internal/daemon"
	"github.com/eliteGoblin/focusd/dcactivity/internal/infra"
	"github.com/eliteGoblin/focusd/dcactivity/internal/policy"
)

// DefaultPort is the telemetry HTTP port.
const DefaultPort = 6029

// Config is the top-level daemon configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Paths    PathsConfig    `yaml:"paths"`
	Loop     LoopConfig     `yaml:"loop"`
	Worker   WorkerConfig   `yaml:"worker"`
	Platform PlatformConfig `yaml:"platform"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Host is the listen address. Empty listens on all interfaces.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// PathsConfig configures on-disk locations. Relative file names resolve
// against DataDir.
type PathsConfig struct {
	DataDir     string `yaml:"data_dir"`
	StatusFile  string `yaml:"status_file"`
	DisableFlag string `yaml:"disable_flag"`
	LogFile     string `yaml:"log_file"`
	HistoryDB   string `yaml:"history_db"`
	KeyFile     string `yaml:"key_file"`
}

// LoopConfig configures the main loop.
type LoopConfig struct {
	Interval time.Duration `yaml:"interval"`

	// InitRetryTicks is how many ticks pass between init retries of
	// subsystems that are not ready yet.
	InitRetryTicks int `yaml:"init_retry_ticks"`

	// HeartbeatTicks is how many ticks pass between heartbeat log lines
	// and status file refreshes.
	HeartbeatTicks int `yaml:"heartbeat_ticks"`

	// Detection lets the main loop run identity queries itself. It must be
	// off when the worker is enabled.
	Detection bool `yaml:"detection"`
}

// WorkerConfig configures the background detection worker.
type WorkerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	StartDelay       time.Duration `yaml:"start_delay"`
	Interval         time.Duration `yaml:"interval"`
	FailStreakMax    uint32        `yaml:"fail_streak_max"`
	Cooldown         time.Duration `yaml:"cooldown"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	StaleDisable     time.Duration `yaml:"stale_disable"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`
}

// PlatformConfig configures the host platform adapters.
type PlatformConfig struct {
	// Programs maps executable basenames to program ids, case-insensitively.
	// A key also matches the kernel process name, which Linux cuts to
	// 15 bytes, so long names should be given as the executable basename.
	Programs map[string]uint64 `yaml:"programs"`

	// OwnProgramID is excluded from scan results in addition to the
	// built-in denylist. Zero adds nothing.
	OwnProgramID uint64 `yaml:"own_program_id"`

	// ForegroundFile, when set, holds the foreground pid as text.
	ForegroundFile string `yaml:"foreground_file"`

	// PowerSupplyDir is the sysfs power supply class directory.
	PowerSupplyDir string `yaml:"power_supply_dir"`
}

// Default returns the default configuration. The data directory follows
// the execution mode: system-wide as root, per-user otherwise.
func Default() *Config {
	dataDir := infra.DetectExecMode().DataDir

	return &Config{
		Server: ServerConfig{
			Port: DefaultPort,
		},
		Paths: PathsConfig{
			DataDir:     dataDir,
			StatusFile:  "status.txt",
			DisableFlag: "detection.off",
			LogFile:     "dcactivity.log",
			HistoryDB:   "titles.db",
			KeyFile:     ".titles.key",
		},
		Loop: LoopConfig{
			Interval:       2 * time.Second,
			InitRetryTicks: 3,
			HeartbeatTicks: 15,
			Detection:      true,
		},
		Worker: WorkerConfig{
			Enabled:          false,
			StartDelay:       45 * time.Second,
			Interval:         3 * time.Second,
			FailStreakMax:    8,
			Cooldown:         120 * time.Second,
			HeartbeatTimeout: 20 * time.Second,
			StaleDisable:     3600 * time.Second,
			StopTimeout:      5 * time.Second,
		},
		Platform: PlatformConfig{
			Programs:       map[string]uint64{},
			PowerSupplyDir: "/sys/class/power_supply",
		},
	}
}

// LoadFile loads configuration from path on top of the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.Platform.Programs == nil {
		cfg.Platform.Programs = map[string]uint64{}
	}
	return cfg, nil
}

// Resolve returns p joined to the data directory unless it is absolute or empty.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Paths.DataDir, p)
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// FilterRegistry builds the scan filter, adding the configured own id.
func (c *Config) FilterRegistry() *policy.Registry {
	if c.Platform.OwnProgramID == 0 {
		return policy.NewRegistry()
	}
	return policy.NewRegistryWithOwnID(c.Platform.OwnProgramID)
}

// ServiceConfig maps the file layout onto the main loop configuration.
func (c *Config) ServiceConfig() daemon.Config {
	return daemon.Config{
		LoopInterval:      c.Loop.Interval,
		InitRetryTicks:    uint64(c.Loop.InitRetryTicks),
		HeartbeatTicks:    uint64(c.Loop.HeartbeatTicks),
		MainLoopDetection: c.Loop.Detection,
		WorkerEnabled:     c.Worker.Enabled,
		WorkerStartDelay:  c.Worker.StartDelay,
		StopTimeout:       c.Worker.StopTimeout,
		Supervisor: daemon.SupervisorConfig{
			Interval:      c.Worker.Interval,
			FailStreakMax: c.Worker.FailStreakMax,
			Cooldown:      c.Worker.Cooldown,
		},
		Watchdog: daemon.WatchdogConfig{
			HeartbeatTimeout: c.Worker.HeartbeatTimeout,
			StaleDisable:     c.Worker.StaleDisable,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Paths.DataDir == "" {
		errs = append(errs, errors.New("paths.data_dir is required"))
	}
	if c.Paths.StatusFile == "" {
		errs = append(errs, errors.New("paths.status_file is required"))
	}

	// Cooldown and watchdog windows are kept in whole seconds.
	durations := []struct {
		name string
		d    time.Duration
		min  time.Duration
	}{
		{"loop.interval", c.Loop.Interval, 0},
		{"worker.interval", c.Worker.Interval, 0},
		{"worker.cooldown", c.Worker.Cooldown, time.Second},
		{"worker.heartbeat_timeout", c.Worker.HeartbeatTimeout, time.Second},
		{"worker.stale_disable", c.Worker.StaleDisable, time.Second},
		{"worker.stop_timeout", c.Worker.StopTimeout, 0},
	}
	for _, p := range durations {
		switch {
		case p.d <= 0:
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.name, p.d))
		case p.d < p.min:
			errs = append(errs, fmt.Errorf("%s must be at least %s, got %s", p.name, p.min, p.d))
		}
	}
	if c.Worker.StartDelay < 0 {
		errs = append(errs, fmt.Errorf("worker.start_delay must not be negative, got %s", c.Worker.StartDelay))
	}
	if c.Loop.InitRetryTicks <= 0 {
		errs = append(errs, fmt.Errorf("loop.init_retry_ticks must be positive, got %d", c.Loop.InitRetryTicks))
	}
	if c.Loop.HeartbeatTicks <= 0 {
		errs = append(errs, fmt.Errorf("loop.heartbeat_ticks must be positive, got %d", c.Loop.HeartbeatTicks))
	}
	if c.Worker.Enabled && c.Loop.Detection {
		errs = append(errs, errors.New("worker.enabled and loop.detection are mutually exclusive: only one caller may run identity queries"))
	}
	if c.Worker.FailStreakMax == 0 {
		errs = append(errs, errors.New("worker.fail_streak_max must be positive"))
	}
	for name, id := range c.Platform.Programs {
		if id == 0 {
			errs = append(errs, fmt.Errorf("platform.programs[%s]: program id must be non-zero", name))
		}
	}

	return errors.Join(errs...)
}
