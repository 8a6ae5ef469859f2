package groups

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlStep mirrors Step's shape for YAML decoding.
type yamlStep struct {
	Name                string                 `yaml:"name"`
	PipelineRegistryKey string                 `yaml:"pipeline_registry_key"`
	DependsOn           []string               `yaml:"depends_on"`
	Params              map[string]interface{} `yaml:"params"`
}

// yamlPolicy mirrors Policy's shape for YAML decoding.
type yamlPolicy struct {
	Execution      string `yaml:"execution"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	OnFailure      string `yaml:"on_failure"`
}

// yamlGroup is the on-disk representation of a PipelineGroup definition.
type yamlGroup struct {
	Name     string                 `yaml:"name"`
	Domain   string                 `yaml:"domain"`
	Version  string                 `yaml:"version"`
	Defaults map[string]interface{} `yaml:"defaults"`
	Steps    []yamlStep             `yaml:"steps"`
	Policy   yamlPolicy             `yaml:"policy"`
}

// LoadGroupFile reads a single PipelineGroup definition from a YAML file.
func LoadGroupFile(path string) (PipelineGroup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PipelineGroup{}, fmt.Errorf("groups: read %s: %w", path, err)
	}
	return ParseGroup(data)
}

// ParseGroup decodes one PipelineGroup definition from YAML bytes.
func ParseGroup(data []byte) (PipelineGroup, error) {
	var yg yamlGroup
	if err := yaml.Unmarshal(data, &yg); err != nil {
		return PipelineGroup{}, fmt.Errorf("groups: parse definition: %w", err)
	}

	steps := make([]Step, len(yg.Steps))
	for i, s := range yg.Steps {
		steps[i] = Step{
			Name:                s.Name,
			PipelineRegistryKey: s.PipelineRegistryKey,
			DependsOn:           s.DependsOn,
			Params:              s.Params,
		}
	}

	mode := ExecutionMode(yg.Policy.Execution)
	if mode == "" {
		mode = Sequential
	}
	onFailure := OnFailure(yg.Policy.OnFailure)
	if onFailure == "" {
		onFailure = OnFailureStop
	}

	return PipelineGroup{
		Name:     yg.Name,
		Domain:   yg.Domain,
		Version:  yg.Version,
		Defaults: yg.Defaults,
		Steps:    steps,
		Policy: Policy{
			Execution:      mode,
			MaxConcurrency: yg.Policy.MaxConcurrency,
			OnFailure:      onFailure,
		},
	}, nil
}
