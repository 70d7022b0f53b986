package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := Load(LoaderOptions{})
	require.NoError(t, err)

	assert.Equal(t, "pending", cfg.Settings.InitialState)
	assert.Equal(t, "pending", cfg.Settings.DisconnectState)
	assert.True(t, cfg.IsValidState("working"))
	assert.True(t, cfg.IsValidTransition("pending", "working"))
	assert.False(t, cfg.IsValidTransition("completed", "pending"))
	assert.True(t, cfg.IsTerminalState("completed"))
	assert.False(t, cfg.IsTerminalState("pending"))
	assert.Equal(t, "working", cfg.WorkingState)
}

func TestLoadProjectTierOverridesDefaults(t *testing.T) {
	projectDir := t.TempDir()
	writeFile(t, filepath.Join(projectDir, "workflows.yaml"), `
states:
  pending:
    exits: [working, cancelled]
    timed: false
  working:
    exits: [review, failed]
    timed: true
  review:
    exits: [completed, working]
    timed: false
  completed:
    exits: []
    timed: false
  failed:
    exits: [pending]
    timed: false
  cancelled:
    exits: []
    timed: false
`)

	cfg, err := Load(LoaderOptions{ProjectDir: projectDir})
	require.NoError(t, err)

	assert.True(t, cfg.IsValidState("review"))
	assert.True(t, cfg.IsValidTransition("working", "review"))
	assert.False(t, cfg.IsValidTransition("working", "completed"))
}

func TestLoadUserTierWinsOverProject(t *testing.T) {
	projectDir := t.TempDir()
	userDir := t.TempDir()

	writeFile(t, filepath.Join(projectDir, "config.yaml"), `
workflow_settings:
  initial_state: pending
  disconnect_state: pending
`)
	writeFile(t, filepath.Join(userDir, "config.yaml"), `
workflow_settings:
  initial_state: pending
  disconnect_state: cancelled
`)

	cfg, err := Load(LoaderOptions{ProjectDir: projectDir, UserDir: userDir})
	require.NoError(t, err)
	assert.Equal(t, "cancelled", cfg.Settings.DisconnectState, "user tier must win over project tier for the same key")
}

func TestLoadEnvOverridesWinOverAllFileTiers(t *testing.T) {
	projectDir := t.TempDir()
	writeFile(t, filepath.Join(projectDir, "config.yaml"), `
workflow_settings:
  initial_state: pending
  disconnect_state: pending
`)

	cfg, err := Load(LoaderOptions{
		ProjectDir: projectDir,
		EnvOverrides: map[string]any{
			"workflow_settings": map[string]any{
				"disconnect_state": "pending",
				"unknown_phase":    "reject",
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, UnknownReject, cfg.Settings.UnknownPhase)
}

func TestLoadMissingTierFilesAreNotErrors(t *testing.T) {
	emptyDir := t.TempDir()
	cfg, err := Load(LoaderOptions{ProjectDir: emptyDir, UserDir: filepath.Join(emptyDir, "nonexistent")})
	require.NoError(t, err)
	assert.Equal(t, "pending", cfg.Settings.InitialState)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	projectDir := t.TempDir()
	writeFile(t, filepath.Join(projectDir, "config.yaml"), "not: [valid: yaml")

	_, err := Load(LoaderOptions{ProjectDir: projectDir})
	assert.Error(t, err)
}

func TestValidateRequiresAtLeastOneTerminalState(t *testing.T) {
	cfg := &Config{
		Settings: Settings{InitialState: "a", DisconnectState: "a"},
		States: map[string]StateDef{
			"a": {Exits: []string{"b"}},
			"b": {Exits: []string{"a"}},
		},
	}
	cfg.SetDefaults()
	err := cfg.Validate()
	assert.ErrorContains(t, err, "terminal state")
}

func TestValidateRejectsTimedDisconnectState(t *testing.T) {
	cfg := &Config{
		Settings: Settings{InitialState: "a", DisconnectState: "a"},
		States: map[string]StateDef{
			"a": {Exits: []string{"b"}, Timed: true},
			"b": {Exits: []string{}},
		},
	}
	cfg.SetDefaults()
	err := cfg.Validate()
	assert.ErrorContains(t, err, "must be untimed")
}

func TestValidateRejectsMalformedGateKey(t *testing.T) {
	cfg := &Config{
		Settings: Settings{InitialState: "a", DisconnectState: "a"},
		States: map[string]StateDef{
			"a": {Exits: []string{}},
		},
		Gates: map[string][]GateDefinition{
			"bogus:a": {{GateType: "review", Enforcement: EnforcementReject}},
		},
	}
	cfg.SetDefaults()
	err := cfg.Validate()
	assert.ErrorContains(t, err, "status:")
}

func TestMatchRolePicksMostSpecific(t *testing.T) {
	cfg := &Config{
		Roles: map[string]RoleDefinition{
			"generalist": {Tags: []string{"worker"}},
			"specialist": {Tags: []string{"worker", "go"}},
		},
	}
	assert.Equal(t, "specialist", cfg.MatchRole([]string{"worker", "go", "senior"}))
	assert.Equal(t, "generalist", cfg.MatchRole([]string{"worker"}))
	assert.Equal(t, "", cfg.MatchRole([]string{"unrelated"}))
}

func TestIsValidPhaseRespectsUnknownPhasePolicy(t *testing.T) {
	allow := &Config{Settings: Settings{UnknownPhase: UnknownAllow}}
	assert.True(t, allow.IsValidPhase("anything"))

	reject := &Config{Settings: Settings{UnknownPhase: UnknownReject}, Phases: map[string]PhaseDef{"impl": {}}}
	assert.True(t, reject.IsValidPhase("impl"))
	assert.False(t, reject.IsValidPhase("anything"))
	assert.True(t, reject.IsValidPhase(""))
}

func TestExpandEnvVarsInDataHandlesDefaultsAndCoercion(t *testing.T) {
	t.Setenv("WF_TEST_PORT", "5432")
	os.Unsetenv("WF_TEST_MISSING")

	tree := map[string]any{
		"port":    "$WF_TEST_PORT",
		"missing": "${WF_TEST_MISSING:-8080}",
		"nested":  map[string]any{"flag": "${WF_TEST_FLAG:-true}"},
	}

	expanded := expandEnvVarsInData(tree).(map[string]any)
	assert.Equal(t, 5432, expanded["port"])
	assert.Equal(t, 8080, expanded["missing"])
	assert.Equal(t, true, expanded["nested"].(map[string]any)["flag"])
}

func TestDeepMergeReplacesSlicesButRecursesMaps(t *testing.T) {
	dst := map[string]any{
		"settings": map[string]any{"a": 1, "b": 2},
		"list":     []any{"x", "y"},
	}
	src := map[string]any{
		"settings": map[string]any{"b": 3},
		"list":     []any{"z"},
	}

	merged := deepMerge(dst, src)
	assert.Equal(t, 1, merged["settings"].(map[string]any)["a"])
	assert.Equal(t, 3, merged["settings"].(map[string]any)["b"])
	assert.Equal(t, []any{"z"}, merged["list"])
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
