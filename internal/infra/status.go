package infra

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/eliteGoblin/focusd/dcactivity/internal/domain"
)

// ErrAlreadyRunning is returned by Lock when another daemon holds the status lock.
var ErrAlreadyRunning = errors.New("another dcactivity daemon is running")

// NewSessionID returns a fresh identifier for one daemon run.
func NewSessionID() string {
	return uuid.NewString()
}

// FileStatusStore implements domain.StatusStore as a key=value text file.
// Writes are atomic (write + rename). A sibling .lock file held with flock
// keeps a second daemon from sharing the file.
type FileStatusStore struct {
	path     string
	lockFile *os.File
}

// NewFileStatusStore creates a store at path.
func NewFileStatusStore(path string) *FileStatusStore {
	return &FileStatusStore{path: path}
}

// Path returns the status file path.
func (s *FileStatusStore) Path() string {
	return s.path
}

// Lock takes the exclusive daemon lock without blocking.
func (s *FileStatusStore) Lock() error {
	if s.lockFile != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}

	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lockFile.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrAlreadyRunning
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	s.lockFile = lockFile
	return nil
}

// Unlock releases the daemon lock.
func (s *FileStatusStore) Unlock() error {
	if s.lockFile == nil {
		return nil
	}
	_ = unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
	err := s.lockFile.Close()
	s.lockFile = nil
	return err
}

// Read parses the status file. It returns nil, nil when no file exists.
func (s *FileStatusStore) Read() (*domain.StatusRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return parseStatus(data), nil
}

// Write replaces the status file atomically.
func (s *FileStatusStore) Write(rec domain.StatusRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}

	// Write to temp file first (unique per process to avoid race)
	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, os.Getpid())
	if err := os.WriteFile(tmpPath, formatStatus(rec), 0600); err != nil {
		return err
	}

	// Atomic rename
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath) // Clean up on failure
		return err
	}
	return nil
}

func formatStatus(rec domain.StatusRecord) []byte {
	var b bytes.Buffer
	kv := func(key, value string) {
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(value)
		b.WriteByte('\n')
	}
	u := func(v uint64) string { return strconv.FormatUint(v, 10) }

	kv("state", rec.State)
	kv("session_id", rec.SessionID)
	kv("uptime_sec", u(rec.UptimeSec))
	kv("stage", rec.Stage)
	kv("last_result", rec.LastResult.String())
	kv("heartbeats", u(rec.Heartbeats))
	for _, sub := range rec.Subsystems {
		kv("subsystem."+sub.Name, flag(sub.Ready))
	}

	sup := rec.Supervisor
	kv("detector_started", flag(sup.Started))
	kv("detector_running", flag(sup.Running))
	kv("detector_alive", flag(sup.Alive))
	kv("detector_session", flag(sup.SessionOpen))
	kv("kill_switch", flag(sup.KillSwitch))
	kv("detector_last_hb", u(sup.LastHeartbeatSec))
	kv("detector_attempts", u(sup.Attempts))
	kv("detector_ok", u(sup.Successes))
	kv("detector_fail", u(sup.Failures))
	kv("detector_streak", u(uint64(sup.FailStreak)))
	kv("detector_cooldown_until", u(sup.CooldownUntilSec))
	kv("detector_last_result", sup.LastResult.String())
	return b.Bytes()
}

// parseStatus reads key=value lines. Unknown keys and malformed lines are skipped.
func parseStatus(data []byte) *domain.StatusRecord {
	rec := &domain.StatusRecord{}
	sup := &rec.Supervisor

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if name, isSub := strings.CutPrefix(key, "subsystem."); isSub {
			rec.Subsystems = append(rec.Subsystems, domain.Subsystem{Name: name, Ready: value == "1"})
			continue
		}

		switch key {
		case "state":
			rec.State = value
		case "session_id":
			rec.SessionID = value
		case "uptime_sec":
			rec.UptimeSec = parseU64(value)
		case "stage":
			rec.Stage = value
		case "last_result":
			rec.LastResult = parseCode(value)
		case "heartbeats":
			rec.Heartbeats = parseU64(value)
		case "detector_started":
			sup.Started = value == "1"
		case "detector_running":
			sup.Running = value == "1"
		case "detector_alive":
			sup.Alive = value == "1"
		case "detector_session":
			sup.SessionOpen = value == "1"
		case "kill_switch":
			sup.KillSwitch = value == "1"
		case "detector_last_hb":
			sup.LastHeartbeatSec = parseU64(value)
		case "detector_attempts":
			sup.Attempts = parseU64(value)
		case "detector_ok":
			sup.Successes = parseU64(value)
		case "detector_fail":
			sup.Failures = parseU64(value)
		case "detector_streak":
			sup.FailStreak = uint32(parseU64(value))
		case "detector_cooldown_until":
			sup.CooldownUntilSec = parseU64(value)
		case "detector_last_result":
			sup.LastResult = parseCode(value)
		}
	}
	return rec
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseU64(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

func parseCode(s string) domain.ResultCode {
	v, _ := strconv.ParseUint(s, 0, 32)
	return domain.ResultCode(v)
}

// Ensure FileStatusStore implements domain.StatusStore.
var _ domain.StatusStore = (*FileStatusStore)(nil)
