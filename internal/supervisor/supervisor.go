package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/taskfleet/warden/internal/cooldown"
	"github.com/taskfleet/warden/internal/detector"
	"github.com/taskfleet/warden/internal/session"
	"github.com/taskfleet/warden/internal/store"
	"github.com/taskfleet/warden/internal/timers"
)

// Config tunes the supervisor's thresholds and timing. Zero values select
// the defaults.
type Config struct {
	// AssessInterval is the background tick period. Default 30s.
	AssessInterval time.Duration

	// Cooldown is the minimum gap between interventions for the same task.
	// Defaults to AssessInterval.
	Cooldown time.Duration

	// PlanningPhraseThreshold diagnoses plan_stuck when exceeded. Default 3.
	PlanningPhraseThreshold int

	// IdleThreshold diagnoses stuck when idle time exceeds it. Default 10m.
	IdleThreshold time.Duration

	// HighErrorThreshold errors within HighErrorWindow diagnose
	// high_error_rate. Defaults 10 and 5m.
	HighErrorThreshold int
	HighErrorWindow    time.Duration

	// TransientErrorThreshold errors within TransientErrorWindow diagnose
	// transient_errors. Defaults 3 and 30m.
	TransientErrorThreshold int
	TransientErrorWindow    time.Duration

	// MaxConcurrentAssess bounds tick fan-out. Default 4.
	MaxConcurrentAssess int
}

func (c *Config) applyDefaults() {
	if c.AssessInterval <= 0 {
		c.AssessInterval = 30 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = c.AssessInterval
	}
	if c.PlanningPhraseThreshold <= 0 {
		c.PlanningPhraseThreshold = 3
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 10 * time.Minute
	}
	if c.HighErrorThreshold <= 0 {
		c.HighErrorThreshold = 10
	}
	if c.HighErrorWindow <= 0 {
		c.HighErrorWindow = 5 * time.Minute
	}
	if c.TransientErrorThreshold <= 0 {
		c.TransientErrorThreshold = 3
	}
	if c.TransientErrorWindow <= 0 {
		c.TransientErrorWindow = 30 * time.Minute
	}
	if c.MaxConcurrentAssess <= 0 {
		c.MaxConcurrentAssess = 4
	}
}

const planStuckPrompt = "You appear to be re-planning without making progress. " +
	"Stop planning, pick the most promising next step, and execute it now. " +
	"If you are blocked, state exactly what is blocking you."

// Supervisor owns per-task supervision state and applies interventions
// through the configured callbacks.
type Supervisor struct {
	mu      sync.Mutex
	cfg     Config
	cb      Callbacks
	rules   []CompiledRule
	states  map[string]*taskState
	stopped bool
	now     func() time.Time

	det       *detector.Detector
	ledger    *cooldown.Ledger
	crashLoop *cooldown.CrashLoopDetector
	sessions  *session.Registry
	audit     *store.AuditLog

	interval *timers.Interval
}

// Option customizes a Supervisor at construction time.
type Option func(*Supervisor)

// WithAudit persists every applied decision to the audit log.
func WithAudit(a *store.AuditLog) Option {
	return func(s *Supervisor) { s.audit = a }
}

// WithSessions lets interventions steer live sessions instead of always
// going through the host callbacks.
func WithSessions(r *session.Registry) Option {
	return func(s *Supervisor) { s.sessions = r }
}

// WithRules installs custom diagnosis rules evaluated after error
// classification and before the built-in behavioral thresholds.
func WithRules(rules []CompiledRule) Option {
	return func(s *Supervisor) { s.rules = rules }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		s.now = now
		s.ledger = cooldown.NewLedgerWithClock(now)
		s.det.SetClock(now)
		s.crashLoop.SetClock(now)
	}
}

// New creates a Supervisor. The callbacks may be partially populated;
// missing intervention callbacks turn the corresponding interventions into
// logged no-ops.
func New(cfg Config, cb Callbacks, opts ...Option) *Supervisor {
	cfg.applyDefaults()

	s := &Supervisor{
		cfg:       cfg,
		cb:        cb,
		states:    make(map[string]*taskState),
		now:       time.Now,
		det:       detector.New(detector.Options{Window: cfg.TransientErrorWindow}),
		ledger:    cooldown.NewLedger(),
		crashLoop: cooldown.NewCrashLoopDetector(0, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Assess diagnoses the task from its signals and stored state and returns
// the decision. Actionable decisions advance the task's escalation ladder
// and start its cooldown; callers are expected to follow up with Intervene.
// Never panics on malformed signals.
func (s *Supervisor) Assess(taskID string, signals Signals) Decision {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Decision{Situation: SituationNone, Intervention: InterventionNone, Reason: "stopped"}
	}
	st, ok := s.states[taskID]
	if !ok {
		st = newTaskState()
		s.states[taskID] = st
	}
	now := s.now()
	rules := s.rules
	s.mu.Unlock()

	situation, prompt, reason := s.diagnose(taskID, signals, rules)

	s.mu.Lock()
	defer s.mu.Unlock()

	st.lastSituation = situation
	if situation == SituationNone {
		return Decision{Situation: SituationNone, Intervention: InterventionNone}
	}

	if !st.lastInterventionAt.IsZero() && now.Sub(st.lastInterventionAt) < s.cfg.Cooldown {
		return Decision{Situation: situation, Intervention: InterventionNone, Reason: "cooldown"}
	}

	d := s.selectIntervention(st, situation, prompt, reason)
	if d.Intervention != InterventionNone {
		st.attempts[situation]++
		st.lastInterventionAt = now
	}
	return d
}

// diagnose derives the situation from signals in fixed priority order:
// explicit error classification, custom rules, error frequency, then
// behavioral counters.
func (s *Supervisor) diagnose(taskID string, signals Signals, rules []CompiledRule) (Situation, string, string) {
	pattern := detector.PatternUnknown
	prompt := ""
	errorCount := 0

	if signals.Error != nil {
		c := s.det.Classify(signals.Error)
		pattern = c.Pattern
		if pattern != detector.PatternUnknown {
			rec := s.det.RecordError(taskID, c)
			prompt = rec.Prompt
			errorCount = s.det.RecentCount(taskID, s.cfg.TransientErrorWindow)
		}
		if pattern == detector.PatternTokenOverflow {
			reason := c.Raw
			if reason == "" {
				reason = string(SituationTokenOverflow)
			}
			return SituationTokenOverflow, prompt, reason
		}
	}

	if sit, name, ok := evaluateRules(rules, ruleEnv(signals, pattern, errorCount)); ok {
		return sit, "", "rule:" + name
	}

	if pattern != detector.PatternUnknown {
		if n := s.det.RecentCount(taskID, s.cfg.HighErrorWindow); n >= s.cfg.HighErrorThreshold {
			return SituationHighErrorRate, "", fmt.Sprintf("%d errors in %v", n, s.cfg.HighErrorWindow)
		}
		if errorCount >= s.cfg.TransientErrorThreshold {
			return SituationTransientErrors, "", fmt.Sprintf("%d errors in %v", errorCount, s.cfg.TransientErrorWindow)
		}
	}

	if signals.PlanningPhraseCount > s.cfg.PlanningPhraseThreshold {
		return SituationPlanStuck, "", fmt.Sprintf("planning phrases repeated %d times", signals.PlanningPhraseCount)
	}
	if signals.IdleMs > s.cfg.IdleThreshold.Milliseconds() {
		return SituationStuck, "", fmt.Sprintf("idle for %dms", signals.IdleMs)
	}
	return SituationNone, "", ""
}

// selectIntervention walks the escalation ladder for the situation. Called
// with s.mu held.
func (s *Supervisor) selectIntervention(st *taskState, situation Situation, prompt, reason string) Decision {
	d := Decision{Situation: situation, Reason: reason}

	switch situation {
	case SituationTokenOverflow:
		// A poisoned context cannot be repaired by lesser remedies.
		d.Intervention = InterventionForceNewThread
		d.Prompt = prompt
	case SituationPlanStuck:
		switch st.attempts[SituationPlanStuck] {
		case 0:
			d.Intervention = InterventionInjectPrompt
			d.Prompt = planStuckPrompt
		case 1:
			d.Intervention = InterventionContinueSignal
		default:
			d.Intervention = InterventionNone
			d.Reason = "escalated"
		}
	case SituationStuck:
		d.Intervention = InterventionContinueSignal
	case SituationHighErrorRate, SituationTransientErrors, SituationCrashLoop:
		// Alert classes: notify, do not auto-act.
		d.Intervention = InterventionNone
	default:
		d.Intervention = InterventionNone
	}
	return d
}

// Intervene applies a decision by dispatching to exactly one configured
// callback. Callback failures are logged and surfaced via the notification
// channel; they never propagate. The per-task in-flight guard rejects
// overlapping calls.
func (s *Supervisor) Intervene(ctx context.Context, taskID string, d Decision) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	st, ok := s.states[taskID]
	if !ok {
		st = newTaskState()
		s.states[taskID] = st
	}
	if st.inFlight {
		s.mu.Unlock()
		log.Debugf("supervisor: intervention already in flight for %s, skipping", taskID)
		return
	}
	st.inFlight = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		st.inFlight = false
		s.mu.Unlock()
	}()

	err := s.dispatch(ctx, taskID, d)
	if err != nil {
		log.Errorf("supervisor: %s for %s failed: %v", d.Intervention, taskID, err)
		s.notify(taskID, fmt.Sprintf("intervention %s failed: %v", d.Intervention, err))
	}
	s.recordAudit(ctx, taskID, d, err)
}

func (s *Supervisor) dispatch(ctx context.Context, taskID string, d Decision) error {
	switch d.Intervention {
	case InterventionForceNewThread:
		if s.sessions != nil {
			s.sessions.Unregister(taskID)
		}
		if s.cb.ForceNewThread == nil {
			log.Warnf("supervisor: no forceNewThread callback configured, dropping intervention for %s", taskID)
			return nil
		}
		log.Infof("supervisor: forcing new thread for %s (%s)", taskID, d.Reason)
		return s.cb.ForceNewThread(ctx, taskID, d.Reason)

	case InterventionInjectPrompt:
		// Prefer steering the live session; fall back to the host callback.
		if s.sessions != nil && s.sessions.Steer(taskID, d.Prompt) {
			log.Infof("supervisor: steered live session for %s", taskID)
			return nil
		}
		if s.cb.InjectPrompt == nil {
			log.Warnf("supervisor: no injectPrompt callback configured, dropping intervention for %s", taskID)
			return nil
		}
		log.Infof("supervisor: injecting prompt for %s", taskID)
		return s.cb.InjectPrompt(ctx, taskID, d.Prompt)

	case InterventionContinueSignal:
		if s.cb.SendContinueSignal == nil {
			log.Warnf("supervisor: no sendContinueSignal callback configured, dropping intervention for %s", taskID)
			return nil
		}
		log.Infof("supervisor: sending continue signal to %s", taskID)
		return s.cb.SendContinueSignal(ctx, taskID)

	default:
		s.handleInactive(taskID, d)
		return nil
	}
}

// handleInactive covers decisions that perform no intervention callback but
// still warrant operator visibility. Alerts are deduped via the cooldown
// ledger so a persisting condition does not spam the channel every tick.
func (s *Supervisor) handleInactive(taskID string, d Decision) {
	switch {
	case d.Reason == "escalated":
		key := cooldown.Key(taskID, "plan_stuck_escalated")
		if !s.ledger.OnCooldown(key) {
			s.ledger.Apply(key, s.cfg.TransientErrorWindow)
			s.notify(taskID, "automatic remedies exhausted for a stuck planning loop; needs a human")
			if s.cb.SetTaskStatus != nil {
				s.cb.SetTaskStatus(taskID, "needs_attention")
			}
		}
	case d.Situation == SituationHighErrorRate:
		key := cooldown.Key(taskID, cooldown.KindHighErrors)
		if !s.ledger.OnCooldown(key) {
			s.ledger.Apply(key, cooldown.HighErrorsWindow)
			s.notify(taskID, "sustained high error rate: "+d.Reason)
		}
	case d.Situation == SituationTransientErrors:
		key := cooldown.Key(taskID, cooldown.KindTransientErrors)
		if !s.ledger.OnCooldown(key) {
			s.ledger.Apply(key, cooldown.TransientErrorsWindow)
			s.notify(taskID, "repeated transient errors: "+d.Reason)
		}
	case d.Situation == SituationCrashLoop:
		key := cooldown.Key(taskID, "crash_loop")
		if !s.ledger.OnCooldown(key) {
			s.ledger.Apply(key, cooldown.TransientErrorsWindow)
			s.notify(taskID, "crash loop detected; automatic restarts paused")
			if s.cb.SetTaskStatus != nil {
				s.cb.SetTaskStatus(taskID, "crash_loop")
			}
		}
	}
}

// LoadCooldowns restores alert-dedup state from a snapshot file so a
// restart does not re-fire every suppressed alert. Missing file is fine.
func (s *Supervisor) LoadCooldowns(path string) error {
	return s.ledger.Load(path)
}

// SaveCooldowns persists alert-dedup state for the next process lifetime.
func (s *Supervisor) SaveCooldowns(path string) error {
	return s.ledger.Save(path)
}

// SetRules swaps the custom diagnosis rules. Used by hot reload.
func (s *Supervisor) SetRules(rules []CompiledRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
}

// RecordRestart notes a process-level restart for the task. When restarts
// cross the crash-loop threshold the returned decision carries the
// crash_loop situation so the caller can route to the slow, human-notified
// repair path instead of restarting again.
func (s *Supervisor) RecordRestart(taskID string) Decision {
	if s.crashLoop.RecordRestart(taskID) {
		return Decision{
			Situation:    SituationCrashLoop,
			Intervention: InterventionNone,
			Reason:       fmt.Sprintf("%d restarts in %v", s.crashLoop.Count(taskID), cooldown.DefaultCrashLoopWindow),
		}
	}
	return Decision{Situation: SituationNone, Intervention: InterventionNone}
}

// Start launches the background assessment loop. The loop assesses every
// task returned by ListTasks each tick, with bounded concurrency and
// per-task failure isolation. No-op when already started or stopped.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.interval != nil {
		return
	}
	s.interval = timers.SetInterval("supervisor-tick", func() {
		s.tick(ctx)
	}, float64(s.cfg.AssessInterval.Milliseconds()))
	log.Infof("supervisor: background loop started (interval %v)", s.cfg.AssessInterval)
}

func (s *Supervisor) tick(ctx context.Context) {
	if s.cb.ListTasks == nil {
		return
	}
	ids := s.cb.ListTasks()
	if len(ids) == 0 {
		return
	}

	sem := make(chan struct{}, s.cfg.MaxConcurrentAssess)
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(taskID string) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("supervisor: panic assessing %s: %v", taskID, r)
				}
			}()
			s.assessAndIntervene(ctx, taskID)
		}(id)
	}
	wg.Wait()
}

func (s *Supervisor) assessAndIntervene(ctx context.Context, taskID string) {
	if s.cb.GetTask != nil && s.cb.GetTask(taskID) == nil {
		s.TaskCompleted(taskID)
		return
	}

	var signals Signals
	if s.cb.CollectSignals != nil {
		signals = s.cb.CollectSignals(taskID)
	}

	d := s.Assess(taskID, signals)
	if d.Intervention == InterventionNone && d.Situation == SituationNone {
		return
	}
	if d.Reason == "cooldown" {
		return
	}
	s.Intervene(ctx, taskID, d)
}

// TaskCompleted discards all supervision state for the task. Called when a
// task finishes or is cancelled.
func (s *Supervisor) TaskCompleted(taskID string) {
	s.mu.Lock()
	delete(s.states, taskID)
	s.mu.Unlock()

	s.det.Forget(taskID)
	s.crashLoop.Reset(taskID)
	if s.sessions != nil {
		s.sessions.Unregister(taskID)
	}
}

// Stop cancels the background loop and clears all supervision state.
// Idempotent. After Stop, Assess returns a none decision with reason
// "stopped" and Intervene is a no-op; the supervisor never resumes ticking.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	iv := s.interval
	s.interval = nil
	s.states = make(map[string]*taskState)
	s.mu.Unlock()

	if iv != nil {
		iv.Stop()
	}
	log.Info("supervisor: stopped")
}

// Stats reports a diagnostics snapshot.
func (s *Supervisor) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySituation := make(map[string]int)
	inFlight := 0
	for _, st := range s.states {
		bySituation[string(st.lastSituation)]++
		if st.inFlight {
			inFlight++
		}
	}
	return map[string]any{
		"tasks_tracked":     len(s.states),
		"by_situation":      bySituation,
		"in_flight":         inFlight,
		"stopped":           s.stopped,
		"cooldown_entries":  s.ledger.Len(),
		"assess_interval":   s.cfg.AssessInterval.String(),
		"rules_loaded":      len(s.rules),
		"background_active": s.interval != nil,
	}
}

func (s *Supervisor) notify(taskID, text string) {
	if s.cb.SendTelegram == nil {
		return
	}
	s.cb.SendTelegram(taskID, text)
}

func (s *Supervisor) recordAudit(ctx context.Context, taskID string, d Decision, callbackErr error) {
	if s.audit == nil {
		return
	}
	rec := &store.DecisionRecord{
		TaskID:       taskID,
		Situation:    string(d.Situation),
		Intervention: string(d.Intervention),
		Prompt:       d.Prompt,
		Reason:       d.Reason,
		Applied:      callbackErr == nil && d.Intervention != InterventionNone,
		CreatedAt:    s.now(),
	}
	if callbackErr != nil {
		rec.Error = callbackErr.Error()
	}
	if err := s.audit.RecordDecision(ctx, rec); err != nil {
		log.Warnf("supervisor: audit write failed for %s: %v", taskID, err)
	}
}
