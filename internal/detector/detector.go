package detector

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Classification is the result of one Classify call.
type Classification struct {
	// Pattern is the matched pattern name, or "unknown".
	Pattern string `json:"pattern"`

	// Raw is the message text that was classified.
	Raw string `json:"raw"`

	// Timestamp records when the classification was made.
	Timestamp time.Time `json:"timestamp"`
}

// RecoveryAction is the recommendation computed by RecordError.
type RecoveryAction struct {
	// Action names the recommended remedy (e.g. "new_session").
	Action string `json:"action"`

	// Prompt is guidance text for the agent, when the action warrants one.
	Prompt string `json:"prompt,omitempty"`
}

// Options configures a Detector.
type Options struct {
	// Window is how long history entries are retained. Default 30m.
	Window time.Duration

	// MaxPerTask caps the number of retained entries per task. Default 50.
	MaxPerTask int
}

// Detector classifies error text and keeps a bounded per-task history of
// classifications so callers can reason about error frequency.
type Detector struct {
	mu       sync.Mutex
	patterns []*ErrorPattern
	history  map[string][]Classification
	window   time.Duration
	maxPer   int
	now      func() time.Time
}

// New creates a Detector with the default pattern table.
func New(opts Options) *Detector {
	return NewWithPatterns(DefaultPatterns, opts)
}

// NewWithPatterns creates a Detector with a custom pattern table. The table
// is copied and sorted by priority.
func NewWithPatterns(patterns []*ErrorPattern, opts Options) *Detector {
	if opts.Window <= 0 {
		opts.Window = 30 * time.Minute
	}
	if opts.MaxPerTask <= 0 {
		opts.MaxPerTask = 50
	}

	sorted := make([]*ErrorPattern, len(patterns))
	copy(sorted, patterns)
	sortPatternsByPriority(sorted)

	return &Detector{
		patterns: sorted,
		history:  make(map[string][]Classification),
		window:   opts.Window,
		maxPer:   opts.MaxPerTask,
		now:      time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (d *Detector) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// messageOf extracts a printable message from an arbitrary error-like value.
// Returns "" for nil and for values with no usable text.
func messageOf(v any) string {
	switch m := v.(type) {
	case nil:
		return ""
	case string:
		return m
	case error:
		return m.Error()
	case fmt.Stringer:
		return m.String()
	default:
		return ""
	}
}

// unwrapJSONMessage digs the human-readable message out of a JSON error
// blob. Providers wrap the interesting text under a handful of well-known
// keys; if none resolve, the original text is returned unchanged.
func unwrapJSONMessage(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") || !gjson.Valid(trimmed) {
		return text
	}
	for _, key := range []string{"error.message", "message", "error", "detail"} {
		if v := gjson.Get(trimmed, key); v.Exists() && v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return text
}

// Classify maps an error-like value (string, error, fmt.Stringer or nil) to
// a Classification. It never panics; unmatchable or empty input yields the
// "unknown" pattern.
func (d *Detector) Classify(v any) Classification {
	msg := unwrapJSONMessage(messageOf(v))

	c := Classification{
		Pattern:   PatternUnknown,
		Raw:       msg,
		Timestamp: d.clock(),
	}
	if msg == "" {
		return c
	}

	d.mu.Lock()
	patterns := d.patterns
	d.mu.Unlock()

	if p := matchPattern(patterns, msg); p != nil {
		c.Pattern = p.Name
	}
	return c
}

// IsContextOverflow reports whether v classifies as a context/token
// overflow. Derived from the same pattern table as Classify so every
// component answers the question identically.
func (d *Detector) IsContextOverflow(v any) bool {
	return d.Classify(v).Pattern == PatternTokenOverflow
}

// IsContextOverflowError is the package-level convenience form of
// Detector.IsContextOverflow using the default pattern table.
func IsContextOverflowError(v any) bool {
	msg := unwrapJSONMessage(messageOf(v))
	if msg == "" {
		return false
	}
	p := matchPattern(defaultSorted(), msg)
	return p != nil && p.Name == PatternTokenOverflow
}

var (
	defaultSortedOnce sync.Once
	defaultSortedTab  []*ErrorPattern
)

func defaultSorted() []*ErrorPattern {
	defaultSortedOnce.Do(func() {
		defaultSortedTab = make([]*ErrorPattern, len(DefaultPatterns))
		copy(defaultSortedTab, DefaultPatterns)
		sortPatternsByPriority(defaultSortedTab)
	})
	return defaultSortedTab
}

// RecordError appends a classification to the task's history and computes
// the recommended recovery. History is pruned by age and capped by count on
// every write so memory stays bounded.
func (d *Detector) RecordError(taskID string, c Classification) RecoveryAction {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	entries := d.history[taskID]
	cutoff := now.Add(-d.window)

	pruned := entries[:0]
	for _, e := range entries {
		if e.Timestamp.After(cutoff) {
			pruned = append(pruned, e)
		}
	}
	pruned = append(pruned, c)
	if len(pruned) > d.maxPer {
		pruned = pruned[len(pruned)-d.maxPer:]
	}
	d.history[taskID] = pruned

	for _, p := range d.patterns {
		if p.Name == c.Pattern {
			return RecoveryAction{Action: p.Action, Prompt: p.Prompt}
		}
	}
	return RecoveryAction{Action: ActionNotify}
}

// RecentCount returns how many classifications were recorded for the task
// within the given window, without mutating history.
func (d *Detector) RecentCount(taskID string, window time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-window)
	n := 0
	for _, e := range d.history[taskID] {
		if e.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// Forget drops all history for a task. Called when a task completes or is
// cancelled.
func (d *Detector) Forget(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.history, taskID)
}

// HistoryLen reports the number of retained entries for a task.
func (d *Detector) HistoryLen(taskID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.history[taskID])
}

func (d *Detector) clock() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now()
}
