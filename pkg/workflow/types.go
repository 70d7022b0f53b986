// Package workflow implements the tier-merged workflow configuration:
// states, phases, roles, gates, and the read-only queries the state
// machine and dependency engine validate transitions and readiness
// against (spec §4.B).
package workflow

// UnknownKeyBehavior controls how an unrecognized phase value is handled.
type UnknownKeyBehavior string

const (
	UnknownAllow  UnknownKeyBehavior = "allow"
	UnknownWarn   UnknownKeyBehavior = "warn"
	UnknownReject UnknownKeyBehavior = "reject"
)

// TransitionPrompts are optional enter/exit prompts for a state or phase.
type TransitionPrompts struct {
	Enter string `yaml:"enter,omitempty"`
	Exit  string `yaml:"exit,omitempty"`
}

// StateDef defines one state in the workflow.
type StateDef struct {
	Exits   []string          `yaml:"exits"`
	Timed   bool              `yaml:"timed"`
	Prompts TransitionPrompts `yaml:"prompts,omitempty"`
}

// PhaseDef defines one phase in the workflow. Phases are an open set; any
// string not in this map is handled per Settings.UnknownPhase.
type PhaseDef struct {
	Prompts TransitionPrompts `yaml:"prompts,omitempty"`
}

// GateEnforcement is the severity of an unsatisfied gate.
type GateEnforcement string

const (
	EnforcementReject GateEnforcement = "reject"
	EnforcementWarn   GateEnforcement = "warn"
	EnforcementAllow  GateEnforcement = "allow"
)

// GateDefinition is one exit gate: a required attachment type, with an
// enforcement level and human description.
type GateDefinition struct {
	GateType    string          `yaml:"gate_type"`
	Enforcement GateEnforcement `yaml:"enforcement"`
	Description string          `yaml:"description"`
}

// DependencyTypeDef defines one dep_type: how it renders and which
// transition it gates (spec §4.A: "dep_type values are configuration-defined").
type DependencyTypeDef struct {
	Display string `yaml:"display"`
	Blocks  string `yaml:"blocks"` // "start" | "completion" | "none"
}

// RoleDefinition maps a named role to the tags that identify it and the
// capabilities it carries.
type RoleDefinition struct {
	Description       string   `yaml:"description,omitempty"`
	Tags               []string `yaml:"tags"`
	MaxClaims          *int     `yaml:"max_claims,omitempty"`
	CanAssign          *bool    `yaml:"can_assign,omitempty"`
	CanCreateSubtasks  *bool    `yaml:"can_create_subtasks,omitempty"`
}

// Settings holds the workflow-wide scalar settings.
type Settings struct {
	InitialState    string             `yaml:"initial_state"`
	DisconnectState string             `yaml:"disconnect_state"`
	BlockingStates  []string           `yaml:"blocking_states"`
	UnknownPhase    UnknownKeyBehavior `yaml:"unknown_phase"`
}

// Config is the effective, validated workflow configuration: the result of
// deep-merging defaults -> project -> user -> environment tiers.
type Config struct {
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`

	Settings Settings `yaml:"workflow_settings"`

	States map[string]StateDef `yaml:"states"`
	Phases map[string]PhaseDef `yaml:"phases"`
	Roles  map[string]RoleDefinition `yaml:"roles"`

	// Gates is keyed by "status:<name>" or "phase:<name>".
	Gates map[string][]GateDefinition `yaml:"gates"`

	// DependencyTypes maps a dep_type name to its display/blocks definition.
	DependencyTypes map[string]DependencyTypeDef `yaml:"dependency_types"`

	// TerminalSuccessState is the state readiness treats as "done" for
	// dependency satisfaction. Defaults to "completed" (spec §4.D).
	TerminalSuccessState string `yaml:"terminal_success_state,omitempty"`

	// WorkingState is the state the claim engine transitions a task into
	// on claim. Defaults to the first timed, non-initial state reachable
	// from InitialState, but is normally set explicitly.
	WorkingState string `yaml:"working_state,omitempty"`
}

// Registry caches multiple named workflow topologies (spec §4.B). Get selects
// one by name; nothing maps a worker's tags to a workflow.
type Registry struct {
	Default   *Config
	ByName    map[string]*Config
}

// Get returns the named workflow, or the default if name is empty or unknown.
func (r *Registry) Get(name string) *Config {
	if name == "" {
		return r.Default
	}
	if cfg, ok := r.ByName[name]; ok {
		return cfg
	}
	return r.Default
}
