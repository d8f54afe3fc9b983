// Package policy decides which scanned programs may be reported as the
// foreground application when the shell lookup is unavailable.
// Each rule excludes a class of program ids; whatever survives every rule
// is a candidate.
package policy

// ScanLimit is the maximum number of processes enumerated per fallback scan.
const ScanLimit = 64

// Well-known program ids.
const (
	// LauncherProgramID is the system home menu.
	LauncherProgramID uint64 = 0x0100000000001000

	// ServiceProgramID is this service's own sysmodule id.
	ServiceProgramID uint64 = 0x00FF0000A1B2C3D4
)

const (
	applicationMask   uint64 = 0xFFFF000000000000
	applicationPrefix uint64 = 0x0100000000000000
	systemModuleMask  uint64 = 0xFFFFFFFFFFFF0000
)

// Rule excludes program ids from candidacy.
type Rule interface {
	// ID returns unique identifier (e.g., "application-range").
	ID() string

	// Excludes reports whether programID must not be reported.
	Excludes(programID uint64) bool
}

// ApplicationRangeRule excludes anything outside the 0x0100... application id space.
type ApplicationRangeRule struct{}

func (ApplicationRangeRule) ID() string { return "application-range" }

func (ApplicationRangeRule) Excludes(programID uint64) bool {
	return programID&applicationMask != applicationPrefix
}

// SystemModuleRule excludes 0x010000000000xxxx, the range reserved for system modules.
type SystemModuleRule struct{}

func (SystemModuleRule) ID() string { return "system-module-range" }

func (SystemModuleRule) Excludes(programID uint64) bool {
	return programID&systemModuleMask == applicationPrefix
}

// DenylistRule excludes explicitly named program ids.
type DenylistRule struct {
	ids map[uint64]struct{}
}

// NewDenylistRule creates a rule excluding exactly ids.
func NewDenylistRule(ids ...uint64) *DenylistRule {
	r := &DenylistRule{ids: make(map[uint64]struct{}, len(ids))}
	for _, id := range ids {
		r.ids[id] = struct{}{}
	}
	return r
}

func (r *DenylistRule) ID() string { return "denylist" }

func (r *DenylistRule) Excludes(programID uint64) bool {
	_, ok := r.ids[programID]
	return ok
}
