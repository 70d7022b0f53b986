package workflow

import "fmt"

// IsValidState reports whether name is a defined state.
func (c *Config) IsValidState(name string) bool {
	_, ok := c.States[name]
	return ok
}

// IsValidPhase reports whether phase is acceptable under unknown_phase policy.
func (c *Config) IsValidPhase(phase string) bool {
	if phase == "" {
		return true
	}
	if _, ok := c.Phases[phase]; ok {
		return true
	}
	return c.Settings.UnknownPhase != UnknownReject
}

// IsValidTransition reports whether from -> to is an allowed exit.
func (c *Config) IsValidTransition(from, to string) bool {
	def, ok := c.States[from]
	if !ok {
		return false
	}
	for _, exit := range def.Exits {
		if exit == to {
			return true
		}
	}
	return false
}

// IsTimedState reports whether time spent in name accrues to time_actual_ms.
func (c *Config) IsTimedState(name string) bool {
	return c.States[name].Timed
}

// IsBlockingState reports whether a predecessor in this state counts as
// "not done" for dependency readiness.
func (c *Config) IsBlockingState(name string) bool {
	for _, bs := range c.Settings.BlockingStates {
		if bs == name {
			return true
		}
	}
	return false
}

// IsTerminalState reports whether name has no outgoing exits.
func (c *Config) IsTerminalState(name string) bool {
	def, ok := c.States[name]
	return ok && len(def.Exits) == 0
}

// IsTerminalSuccessState reports whether name is the configured
// terminal-success state used by dependency readiness (spec §4.D).
func (c *Config) IsTerminalSuccessState(name string) bool {
	return name == c.TerminalSuccessState
}

// BlockKindFor returns how depType gates progress: "start", "completion",
// or "none" for an unrecognized type (purely informational, spec §4.A).
func (c *Config) BlockKindFor(depType string) string {
	def, ok := c.DependencyTypes[depType]
	if !ok {
		return "none"
	}
	return def.Blocks
}

// GetStatusExitGates returns the gate definitions for leaving status.
func (c *Config) GetStatusExitGates(status string) []GateDefinition {
	return c.Gates[fmt.Sprintf("status:%s", status)]
}

// GetPhaseExitGates returns the gate definitions for leaving phase.
func (c *Config) GetPhaseExitGates(phase string) []GateDefinition {
	if phase == "" {
		return nil
	}
	return c.Gates[fmt.Sprintf("phase:%s", phase)]
}

// MatchRole returns the role with the most tags whose tag set is a subset of
// workerTags, or "" if none match. Among equally specific roles the name that
// sorts first wins, for determinism.
func (c *Config) MatchRole(workerTags []string) string {
	tagSet := make(map[string]bool, len(workerTags))
	for _, t := range workerTags {
		tagSet[t] = true
	}

	best := ""
	bestSpecificity := -1
	for name, role := range c.Roles {
		if len(role.Tags) == 0 {
			continue
		}
		matches := true
		for _, rt := range role.Tags {
			if !tagSet[rt] {
				matches = false
				break
			}
		}
		if matches && (len(role.Tags) > bestSpecificity || (len(role.Tags) == bestSpecificity && name < best)) {
			best = name
			bestSpecificity = len(role.Tags)
		}
	}
	return best
}

// RoleMaxClaims returns the max_claims override for a role, or ok=false if
// the role doesn't override it.
func (c *Config) RoleMaxClaims(roleName string) (int, bool) {
	role, ok := c.Roles[roleName]
	if !ok || role.MaxClaims == nil {
		return 0, false
	}
	return *role.MaxClaims, true
}
