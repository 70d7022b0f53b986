package workflow

import (
	"fmt"
	"sort"
)

// SetDefaults fills in zero-valued fields the way pkg/config's *Config types
// do throughout the teacher codebase: explicit, narrow, non-surprising.
func (c *Config) SetDefaults() {
	if c.Settings.InitialState == "" {
		c.Settings.InitialState = "pending"
	}
	if c.Settings.DisconnectState == "" {
		c.Settings.DisconnectState = c.Settings.InitialState
	}
	if c.Settings.UnknownPhase == "" {
		c.Settings.UnknownPhase = UnknownAllow
	}
	if c.TerminalSuccessState == "" {
		c.TerminalSuccessState = "completed"
	}
	if c.States == nil {
		c.States = map[string]StateDef{}
	}
	if c.Phases == nil {
		c.Phases = map[string]PhaseDef{}
	}
	if c.Roles == nil {
		c.Roles = map[string]RoleDefinition{}
	}
	if c.Gates == nil {
		c.Gates = map[string][]GateDefinition{}
	}
	if c.DependencyTypes == nil {
		c.DependencyTypes = map[string]DependencyTypeDef{}
	}
	if c.WorkingState == "" {
		c.WorkingState = c.firstTimedExit(c.Settings.InitialState)
	}
}

// firstTimedExit returns the first timed state reachable directly from
// initial, used only to pick a sane WorkingState default.
func (c *Config) firstTimedExit(initial string) string {
	st, ok := c.States[initial]
	if !ok {
		return ""
	}
	exits := append([]string(nil), st.Exits...)
	sort.Strings(exits)
	for _, e := range exits {
		if def, ok := c.States[e]; ok && def.Timed {
			return e
		}
	}
	return ""
}

// Validate enforces every invariant spec §4.B lists for the effective
// configuration.
func (c *Config) Validate() error {
	if len(c.States) == 0 {
		return fmt.Errorf("workflow: at least one state must be defined")
	}

	if _, ok := c.States[c.Settings.InitialState]; !ok {
		return fmt.Errorf("workflow: initial_state %q is not a defined state", c.Settings.InitialState)
	}

	disconnect, ok := c.States[c.Settings.DisconnectState]
	if !ok {
		return fmt.Errorf("workflow: disconnect_state %q is not a defined state", c.Settings.DisconnectState)
	}
	if disconnect.Timed {
		return fmt.Errorf("workflow: disconnect_state %q must be untimed", c.Settings.DisconnectState)
	}

	for _, bs := range c.Settings.BlockingStates {
		if _, ok := c.States[bs]; !ok {
			return fmt.Errorf("workflow: blocking_states entry %q is not a defined state", bs)
		}
	}

	hasTerminal := false
	for name, def := range c.States {
		for _, exit := range def.Exits {
			if _, ok := c.States[exit]; !ok {
				return fmt.Errorf("workflow: state %q exits to undefined state %q", name, exit)
			}
		}
		if len(def.Exits) == 0 {
			hasTerminal = true
		}
	}
	if !hasTerminal {
		return fmt.Errorf("workflow: at least one terminal state (empty exits) must exist")
	}

	switch c.Settings.UnknownPhase {
	case UnknownAllow, UnknownWarn, UnknownReject, "":
	default:
		return fmt.Errorf("workflow: invalid unknown_phase %q", c.Settings.UnknownPhase)
	}

	for key := range c.Gates {
		if !isGateKeyWellFormed(key) {
			return fmt.Errorf("workflow: gate key %q must be \"status:<name>\" or \"phase:<name>\"", key)
		}
	}

	for name, role := range c.Roles {
		if role.MaxClaims != nil && *role.MaxClaims < 0 {
			return fmt.Errorf("workflow: role %q has negative max_claims", name)
		}
	}

	return nil
}

func isGateKeyWellFormed(key string) bool {
	for _, prefix := range []string{"status:", "phase:"} {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
