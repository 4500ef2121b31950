// Package supervisor implements the diagnostic state machine that keeps a
// fleet of agent sessions productive: it assesses each task's signals,
// diagnoses a situation, selects an intervention along an escalation ladder
// and applies it through injected callbacks, with cooldowns preventing the
// same remedy from being re-applied in a thrashing loop.
package supervisor

import (
	"context"
	"time"
)

// Situation is the supervisor's diagnosis of why a task's agent may be
// unproductive. Exactly one is emitted per assessment.
type Situation string

const (
	SituationNone            Situation = "none"
	SituationTokenOverflow   Situation = "token_overflow"
	SituationPlanStuck       Situation = "plan_stuck"
	SituationStuck           Situation = "stuck"
	SituationHighErrorRate   Situation = "high_error_rate"
	SituationTransientErrors Situation = "transient_errors"
	SituationCrashLoop       Situation = "crash_loop"
)

// Intervention is the corrective action chosen for a situation.
type Intervention string

const (
	InterventionNone           Intervention = "none"
	InterventionInjectPrompt   Intervention = "inject_prompt"
	InterventionContinueSignal Intervention = "continue_signal"
	InterventionForceNewThread Intervention = "force_new_thread"
)

// Signals carries the observations one assessment is based on. All fields
// are optional; missing or malformed values default safely.
type Signals struct {
	// Error is raw error text, an error value, or nil.
	Error any `json:"error,omitempty"`

	// PlanningPhraseCount is how many times the agent repeated planning
	// language without acting.
	PlanningPhraseCount int `json:"planning_phrase_count,omitempty"`

	// IdleMs is milliseconds since the last observable progress.
	IdleMs int64 `json:"idle_ms,omitempty"`

	// Extra holds additional counters exposed to custom rules.
	Extra map[string]any `json:"extra,omitempty"`
}

// Decision is the outcome of one assessment.
type Decision struct {
	Situation    Situation    `json:"situation"`
	Intervention Intervention `json:"intervention"`
	Prompt       string       `json:"prompt,omitempty"`
	Reason       string       `json:"reason,omitempty"`
}

// TaskMeta is the minimal task metadata the supervisor needs from its host.
type TaskMeta struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Callbacks connects the supervisor to the surrounding system. GetTask and
// the three intervention callbacks are required for a functional supervisor;
// the rest are optional and checked for nil before use.
type Callbacks struct {
	GetTask   func(taskID string) *TaskMeta
	ListTasks func() []string

	// CollectSignals gathers the current signals for a task. Used by the
	// background loop; manual Assess calls pass signals directly.
	CollectSignals func(taskID string) Signals

	ForceNewThread     func(ctx context.Context, taskID, reason string) error
	InjectPrompt       func(ctx context.Context, taskID, prompt string) error
	SendContinueSignal func(ctx context.Context, taskID string) error

	SendTelegram  func(taskID, text string)
	SetTaskStatus func(taskID, status string)
}

// taskState is the per-task supervision bookkeeping. Created on first
// assessment, discarded on task completion or Stop.
type taskState struct {
	lastSituation      Situation
	attempts           map[Situation]int
	lastInterventionAt time.Time
	inFlight           bool
}

func newTaskState() *taskState {
	return &taskState{
		lastSituation: SituationNone,
		attempts:      make(map[Situation]int),
	}
}
