package policy

// Registry holds the candidate filtering rules applied to scanned processes.
type Registry struct {
	rules []Rule
}

// NewRegistry creates a registry with the default rules: application range,
// system module range, and the launcher plus this service's own id.
func NewRegistry() *Registry {
	return NewRegistryWithRules(
		ApplicationRangeRule{},
		SystemModuleRule{},
		NewDenylistRule(LauncherProgramID, ServiceProgramID),
	)
}

// NewRegistryWithOwnID is NewRegistry with a different id for this service.
func NewRegistryWithOwnID(ownID uint64) *Registry {
	return NewRegistryWithRules(
		ApplicationRangeRule{},
		SystemModuleRule{},
		NewDenylistRule(LauncherProgramID, ownID),
	)
}

// NewRegistryWithRules creates a registry with custom rules (for testing).
func NewRegistryWithRules(rules ...Rule) *Registry {
	r := &Registry{}
	for _, rule := range rules {
		r.Register(rule)
	}
	return r
}

// Register appends a rule.
func (r *Registry) Register(rule Rule) {
	r.rules = append(r.rules, rule)
}

// Allows reports whether programID survives every rule. Zero is never allowed.
func (r *Registry) Allows(programID uint64) bool {
	if programID == 0 {
		return false
	}
	for _, rule := range r.rules {
		if rule.Excludes(programID) {
			return false
		}
	}
	return true
}

// List returns the IDs of all registered rules.
func (r *Registry) List() []string {
	ids := make([]string, 0, len(r.rules))
	for _, rule := range r.rules {
		ids = append(ids, rule.ID())
	}
	return ids
}
