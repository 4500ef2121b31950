package supervisor

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Rule maps a boolean condition over assessment signals to a situation.
// Conditions use expr syntax against the signal environment, e.g.
// "planning_phrase_count > 5 && idle_ms > 60000".
type Rule struct {
	Name      string `yaml:"name" json:"name"`
	Condition string `yaml:"condition" json:"condition"`
	Situation string `yaml:"situation" json:"situation"`
}

// CompiledRule is a rule with its condition compiled once.
type CompiledRule struct {
	Name      string
	Situation Situation
	program   *vm.Program
}

var knownSituations = map[Situation]bool{
	SituationTokenOverflow:   true,
	SituationPlanStuck:       true,
	SituationStuck:           true,
	SituationHighErrorRate:   true,
	SituationTransientErrors: true,
	SituationCrashLoop:       true,
}

// CompileRules compiles each rule's condition and validates its situation.
// The first bad rule aborts compilation so misconfigurations fail loudly at
// startup instead of silently at tick time.
func CompileRules(rules []Rule) ([]CompiledRule, error) {
	compiled := make([]CompiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Condition == "" {
			return nil, fmt.Errorf("rule %q has an empty condition", r.Name)
		}
		sit := Situation(r.Situation)
		if !knownSituations[sit] {
			return nil, fmt.Errorf("rule %q names unknown situation %q", r.Name, r.Situation)
		}
		program, err := expr.Compile(r.Condition, expr.Env(map[string]any{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule %q: %w", r.Name, err)
		}
		compiled = append(compiled, CompiledRule{
			Name:      r.Name,
			Situation: sit,
			program:   program,
		})
	}
	return compiled, nil
}

// evaluateRules runs the compiled rules against the signal environment and
// returns the first matching rule's situation. A rule whose evaluation
// errors is skipped; rules are advisory, never fatal.
func evaluateRules(rules []CompiledRule, env map[string]any) (Situation, string, bool) {
	for _, r := range rules {
		output, err := expr.Run(r.program, env)
		if err != nil {
			continue
		}
		if matched, ok := output.(bool); ok && matched {
			return r.Situation, r.Name, true
		}
	}
	return SituationNone, "", false
}

// ruleEnv builds the expr environment for one assessment.
func ruleEnv(signals Signals, pattern string, errorCount int) map[string]any {
	env := map[string]any{
		"planning_phrase_count": signals.PlanningPhraseCount,
		"idle_ms":               signals.IdleMs,
		"pattern":               pattern,
		"error_count":           errorCount,
	}
	for k, v := range signals.Extra {
		env[k] = v
	}
	return env
}
