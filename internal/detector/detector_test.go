package detector

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestClassify_TokenOverflow(t *testing.T) {
	d := New(Options{})

	tests := []struct {
		name string
		text string
	}{
		{"openai context length", "This model's maximum context length is 128000 tokens: context_length_exceeded"},
		{"anthropic prompt too long", "prompt_too_long"},
		{"turn limit", "turn_limit_reached"},
		{"token budget", "token_budget exceeded"},
		{"generic maximum tokens", "request rejected: maximum number of tokens reached"},
		{"payload too large", "413 payload too large"},
		{"spaced phrasing", "Context window exceeded, please start a new conversation"},
		{"input too long", "input is too long for this model"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Classify(tt.text)
			if got.Pattern != PatternTokenOverflow {
				t.Errorf("Classify(%q).Pattern = %q, want %q", tt.text, got.Pattern, PatternTokenOverflow)
			}
		})
	}
}

func TestClassify_NotTokenOverflow(t *testing.T) {
	d := New(Options{})

	tests := []struct {
		name string
		text string
		want string
	}{
		{"success text", "Task completed successfully", PatternUnknown},
		{"rate limit", "rate limit exceeded", PatternRateLimit},
		{"http 429", "HTTP 429 too many requests", PatternRateLimit},
		{"auth", "401 unauthorized", PatternAuthError},
		{"network", "connection refused", PatternNetworkError},
		{"crash", "panic: runtime error", PatternProcessCrash},
		{"empty", "", PatternUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Classify(tt.text)
			if got.Pattern != tt.want {
				t.Errorf("Classify(%q).Pattern = %q, want %q", tt.text, got.Pattern, tt.want)
			}
			if got.Pattern == PatternTokenOverflow {
				t.Errorf("Classify(%q) must never be token_overflow", tt.text)
			}
		})
	}
}

func TestClassify_ErrorLikeValues(t *testing.T) {
	d := New(Options{})

	if got := d.Classify(nil); got.Pattern != PatternUnknown {
		t.Errorf("Classify(nil).Pattern = %q, want unknown", got.Pattern)
	}
	if got := d.Classify(errors.New("context_length_exceeded")); got.Pattern != PatternTokenOverflow {
		t.Errorf("Classify(error).Pattern = %q, want token_overflow", got.Pattern)
	}
	if got := d.Classify(42); got.Pattern != PatternUnknown {
		t.Errorf("Classify(int).Pattern = %q, want unknown", got.Pattern)
	}
}

func TestClassify_JSONErrorBlob(t *testing.T) {
	d := New(Options{})

	blob := `{"error":{"type":"invalid_request_error","message":"prompt_too_long: 210000 tokens > 200000 maximum"}}`
	got := d.Classify(blob)
	if got.Pattern != PatternTokenOverflow {
		t.Errorf("Classify(json blob).Pattern = %q, want token_overflow", got.Pattern)
	}

	flat := `{"message":"rate limit exceeded"}`
	if got := d.Classify(flat); got.Pattern != PatternRateLimit {
		t.Errorf("Classify(flat json).Pattern = %q, want rate_limit", got.Pattern)
	}
}

func TestIsContextOverflowError(t *testing.T) {
	if IsContextOverflowError(nil) {
		t.Error("IsContextOverflowError(nil) must be false")
	}
	if !IsContextOverflowError(errors.New("context_length_exceeded")) {
		t.Error("IsContextOverflowError(context_length_exceeded) must be true")
	}
	if IsContextOverflowError("rate limit exceeded") {
		t.Error("IsContextOverflowError(rate limit) must be false")
	}
}

func TestRecordError_OverflowRecovery(t *testing.T) {
	d := New(Options{})

	c := d.Classify("context_length_exceeded")
	rec := d.RecordError("task-1", c)

	if rec.Action != ActionNewSession {
		t.Errorf("RecordError action = %q, want %q", rec.Action, ActionNewSession)
	}
	if rec.Prompt == "" {
		t.Fatal("overflow recovery must include a prompt")
	}
	for _, needle := range []string{"git log", "fresh session"} {
		if !strings.Contains(rec.Prompt, needle) {
			t.Errorf("recovery prompt should mention %q, got: %s", needle, rec.Prompt)
		}
	}
}

func TestRecordError_WindowPruneAndCap(t *testing.T) {
	d := New(Options{Window: 10 * time.Minute, MaxPerTask: 5})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	d.SetClock(func() time.Time { return current })

	// Ten entries inside the window: cap at 5.
	for i := 0; i < 10; i++ {
		c := d.Classify("connection refused")
		d.RecordError("task-1", c)
	}
	if got := d.HistoryLen("task-1"); got != 5 {
		t.Errorf("history length = %d, want cap of 5", got)
	}

	// Advance past the window: next write prunes everything old.
	current = base.Add(30 * time.Minute)
	d.RecordError("task-1", d.Classify("connection refused"))
	if got := d.HistoryLen("task-1"); got != 1 {
		t.Errorf("history length after prune = %d, want 1", got)
	}
}

func TestRecentCount(t *testing.T) {
	d := New(Options{Window: time.Hour})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	d.SetClock(func() time.Time { return current })

	for i := 0; i < 3; i++ {
		d.RecordError("task-1", d.Classify("connection refused"))
	}
	current = base.Add(20 * time.Minute)
	d.RecordError("task-1", d.Classify("connection refused"))

	if got := d.RecentCount("task-1", 10*time.Minute); got != 1 {
		t.Errorf("RecentCount(10m) = %d, want 1", got)
	}
	if got := d.RecentCount("task-1", time.Hour); got != 4 {
		t.Errorf("RecentCount(1h) = %d, want 4", got)
	}
	if got := d.RecentCount("other", time.Hour); got != 0 {
		t.Errorf("RecentCount(unknown task) = %d, want 0", got)
	}
}

func TestForget(t *testing.T) {
	d := New(Options{})
	d.RecordError("task-1", d.Classify("connection refused"))
	d.Forget("task-1")
	if got := d.HistoryLen("task-1"); got != 0 {
		t.Errorf("history after Forget = %d, want 0", got)
	}
	d.Forget("task-1") // idempotent
}
