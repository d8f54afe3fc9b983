package domain

import (
	"context"
	"time"
)

// ForegroundLocator asks the shell for the process id of the foreground application.
// A zero pid with a nil error means nothing is in the foreground.
type ForegroundLocator interface {
	ForegroundProcessID(ctx context.Context) (uint64, error)
}

// ProgramResolver resolves an ephemeral process id to its program id.
type ProgramResolver interface {
	ProgramID(ctx context.Context, pid uint64) (uint64, error)
}

// ProcessLister enumerates live process ids.
type ProcessLister interface {
	// ListProcesses returns at most max process ids worth resolving.
	ListProcesses(ctx context.Context, max int) ([]uint64, error)
}

// PowerMonitor reports battery and charger state.
type PowerMonitor interface {
	ChargePercent(ctx context.Context) (uint32, error)
	ChargerType(ctx context.Context) (ChargerType, error)
}

// OperationModeReader reports whether the console is docked.
type OperationModeReader interface {
	OperationMode(ctx context.Context) (OperationMode, error)
}

// QuerySession is an open handle to the identity-query subsystem.
type QuerySession interface {
	Close() error
}

// SessionOpener opens identity-query sessions for the background worker.
type SessionOpener interface {
	OpenSession(ctx context.Context) (QuerySession, error)
}

// FirmwareReader reports the platform firmware version string.
type FirmwareReader interface {
	FirmwareVersion(ctx context.Context) (string, error)
}

// Prober reports whether a platform subsystem can be used yet.
// The main loop retries Probe until it succeeds.
type Prober interface {
	Probe(ctx context.Context) error
}

// FlagProbe reports whether an external disable flag is present.
// Implementation: file presence check on the data partition.
type FlagProbe interface {
	Present() bool
}

// StatusStore persists the service status between heartbeats.
// Implementation: key=value text file written atomically.
type StatusStore interface {
	// Read returns the last written record, or nil if none exists.
	Read() (*StatusRecord, error)

	// Write replaces the stored record.
	Write(rec StatusRecord) error

	// Path returns the backing file path.
	Path() string
}

// TitleHistory remembers every application that became the active program.
// Implementation: SQLCipher encrypted SQLite database.
type TitleHistory interface {
	// Record notes that programID became active at the given time.
	Record(programID uint64, at time.Time) error

	// List returns all known titles, most recently seen first.
	List() ([]TitleRecord, error)

	// Close releases resources (e.g., database connection).
	Close() error
}
