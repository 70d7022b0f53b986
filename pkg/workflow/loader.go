package workflow

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var embeddedDefaultsYAML []byte

// tierFiles are the file names merged within each tier directory, in the
// order spec §6 lists them (config.yaml carries settings, workflows.yaml
// carries states/phases/roles/gates, prompts.yaml overlays transition
// prompts). A tier directory missing one or all of these is not an error.
var tierFiles = []string{"config.yaml", "workflows.yaml", "prompts.yaml"}

// LoaderOptions points at the project and user config directories (spec §6:
// PROJECT_DIR defaults to "./task-graph/", legacy "./.task-graph/"; USER_DIR
// defaults to "${HOME}/.task-graph/").
type LoaderOptions struct {
	ProjectDir string
	UserDir    string

	// EnvOverrides is a dotted-key map built from recognized environment
	// variables (spec §6's "handful of fields"); empty unless the caller
	// has workflow-specific overrides to apply as the top tier.
	EnvOverrides map[string]any
}

// Load merges defaults -> project dir -> user dir -> env overrides and
// returns a validated Config.
func Load(opts LoaderOptions) (*Config, error) {
	merged, err := mergedTiers(opts)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := decode(merged, cfg); err != nil {
		return nil, fmt.Errorf("workflow: failed to decode merged config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("workflow: %w", err)
	}
	return cfg, nil
}

func mergedTiers(opts LoaderOptions) (map[string]any, error) {
	var defaultsMap map[string]any
	if err := yaml.Unmarshal(embeddedDefaultsYAML, &defaultsMap); err != nil {
		return nil, fmt.Errorf("workflow: failed to parse embedded defaults: %w", err)
	}
	merged := expandEnvVarsInData(defaultsMap).(map[string]any)

	if opts.ProjectDir != "" {
		projectMap, err := loadTierDir(opts.ProjectDir)
		if err != nil {
			return nil, err
		}
		merged = deepMerge(merged, projectMap)
	}

	if opts.UserDir != "" {
		userMap, err := loadTierDir(opts.UserDir)
		if err != nil {
			return nil, err
		}
		merged = deepMerge(merged, userMap)
	}

	if len(opts.EnvOverrides) > 0 {
		merged = deepMerge(merged, opts.EnvOverrides)
	}

	return merged, nil
}

// loadTierDir reads and deep-merges every known config file in dir. A
// missing directory or file is silently skipped; a malformed file is an error.
func loadTierDir(dir string) (map[string]any, error) {
	result := map[string]any{}

	for _, name := range tierFiles {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("workflow: failed to read %s: %w", path, err)
		}

		var fileMap map[string]any
		if err := yaml.Unmarshal(data, &fileMap); err != nil {
			return nil, fmt.Errorf("workflow: failed to parse %s: %w", path, err)
		}

		result = deepMerge(result, expandEnvVarsInData(fileMap).(map[string]any))
	}

	return result, nil
}

// decode maps a merged tree into a Config with mapstructure. Its only decode
// hook is StringToSliceHookFunc(","), so a comma-separated string decodes
// into a string slice; no duration hook is composed.
func decode(input map[string]any, output *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(input)
}
