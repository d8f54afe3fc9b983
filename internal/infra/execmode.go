package infra

import (
	"os"
	"os/user"
	"path/filepath"
)

// ExecMode represents the execution mode of the application.
type ExecMode string

const (
	// ExecModeUser runs as a regular user with per-user data.
	ExecModeUser ExecMode = "user"
	// ExecModeSystem runs as root with system-wide data.
	ExecModeSystem ExecMode = "system"
)

// SystemDataDir holds daemon state when running as root.
const SystemDataDir = "/var/lib/dcactivity"

// ExecModeConfig holds paths and settings based on execution mode.
type ExecModeConfig struct {
	Mode    ExecMode
	DataDir string // Status file, title history, key and disable flag
	IsRoot  bool
}

// DetectExecMode determines the execution mode based on effective UID.
func DetectExecMode() *ExecModeConfig {
	if os.Geteuid() == 0 {
		return &ExecModeConfig{
			Mode:    ExecModeSystem,
			DataDir: SystemDataDir,
			IsRoot:  true,
		}
	}
	return GetUserModeConfig()
}

// GetUserModeConfig returns user mode config regardless of current euid.
// Under sudo the invoking user's home is used.
func GetUserModeConfig() *ExecModeConfig {
	return &ExecModeConfig{
		Mode:    ExecModeUser,
		DataDir: filepath.Join(GetRealUserHome(), ".local", "share", "dcactivity"),
		IsRoot:  os.Geteuid() == 0,
	}
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root)"
	case ExecModeUser:
		return "user (non-root)"
	default:
		return "unknown"
	}
}

// GetRealUserHome returns the real user's home directory, even when running under sudo.
// Under sudo, os.UserHomeDir() returns root's home, so SUDO_USER is consulted.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}
