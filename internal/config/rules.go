package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/taskfleet/warden/internal/supervisor"
)

type rulesFile struct {
	Rules []supervisor.Rule `yaml:"rules"`
}

// LoadRules reads and compiles custom diagnosis rules from a YAML file.
// An empty path yields no rules.
func LoadRules(path string) ([]supervisor.CompiledRule, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var rf rulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	return supervisor.CompileRules(rf.Rules)
}
