// Package detector classifies raw agent error text into named failure
// patterns and tracks per-task error frequency. Classification is
// data-driven: an ordered table of regex predicates is evaluated
// first-match-wins, with context-overflow patterns checked first because
// they dominate recovery semantics.
package detector

import (
	"regexp"
)

// Pattern names produced by classification.
const (
	PatternTokenOverflow = "token_overflow"
	PatternRateLimit     = "rate_limit"
	PatternAuthError     = "auth_error"
	PatternNetworkError  = "network_error"
	PatternProcessCrash  = "process_crash"
	PatternUnknown       = "unknown"
)

// Recovery actions recommended by RecordError.
const (
	ActionNewSession = "new_session"
	ActionRetry      = "retry"
	ActionNotify     = "notify"
)

// overflowRecoveryPrompt is handed to an agent whose previous session blew
// past the context window. The transcript is unusable, so the prompt points
// the agent at durable state instead.
const overflowRecoveryPrompt = "Your previous session exceeded the model context window and was " +
	"abandoned. Run `git log` and inspect the working tree to see what has already been done, " +
	"then continue the task in this fresh session. Do not repeat completed work."

// ErrorPattern is one named failure category. Predicates are evaluated in
// order; a pattern matches when any of its regexes matches the input.
type ErrorPattern struct {
	// Name identifies the category (e.g. "token_overflow").
	Name string

	// Regexes are the ordered match predicates for this pattern.
	Regexes []*regexp.Regexp

	// Action is the default recovery action for this category.
	Action string

	// Prompt is an optional recovery prompt template handed to the agent.
	Prompt string

	// Priority determines matching order (higher = checked first).
	Priority int
}

// DefaultPatterns is the built-in pattern table, ordered by priority.
// Overflow phrasings from every major provider are grouped under a single
// token_overflow pattern so that all of them resolve to the same recovery.
var DefaultPatterns = []*ErrorPattern{
	{
		Name: PatternTokenOverflow,
		Regexes: []*regexp.Regexp{
			regexp.MustCompile(`(?i)context[_\s-]?(length|window|limit)[_\s-]?(exceeded|overflow|full)`),
			regexp.MustCompile(`(?i)prompt[_\s-]?(is[_\s-])?too[_\s-]?long`),
			regexp.MustCompile(`(?i)(payload|request\s+entity)[_\s-]?too[_\s-]?large`),
			regexp.MustCompile(`(?i)token[_\s-]?budget[_\s-]?(exceeded|exhausted)`),
			regexp.MustCompile(`(?i)turn[_\s-]?limit[_\s-]?(reached|exceeded)`),
			regexp.MustCompile(`(?i)maximum\s+number\s+of\s+tokens`),
			regexp.MustCompile(`(?i)max(imum)?[_\s-]?(input[_\s-]?)?tokens?[_\s-]?(exceeded|reached)`),
			regexp.MustCompile(`(?i)input\s+(is\s+)?too\s+long`),
			regexp.MustCompile(`(?i)conversation\s+(is\s+)?too\s+long`),
		},
		Action:   ActionNewSession,
		Prompt:   overflowRecoveryPrompt,
		Priority: 100,
	},
	{
		Name: PatternRateLimit,
		Regexes: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(429|rate[_\s-]?limit|too\s+many\s+requests)`),
			regexp.MustCompile(`(?i)(quota|usage)[_\s-]?(exceeded|exhausted)`),
			regexp.MustCompile(`(?i)throttl(ed|ing)`),
		},
		Action:   ActionRetry,
		Priority: 80,
	},
	{
		Name: PatternAuthError,
		Regexes: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(401|unauthorized|authentication\s+failed)`),
			regexp.MustCompile(`(?i)(invalid|expired|revoked)\s*(api[_\s]?key|token|credential)`),
			regexp.MustCompile(`(?i)(403|forbidden|access\s+denied)`),
		},
		Action:   ActionNotify,
		Priority: 70,
	},
	{
		Name: PatternNetworkError,
		Regexes: []*regexp.Regexp{
			regexp.MustCompile(`(?i)connection\s*(refused|reset|closed|timed?\s*out)`),
			regexp.MustCompile(`(?i)(network|request)\s*(error|unreachable|timeout)`),
			regexp.MustCompile(`(?i)(dns|name\s+resolution)\s*(error|failure|failed)`),
			regexp.MustCompile(`(?i)(tls|ssl)\s+handshake`),
		},
		Action:   ActionRetry,
		Priority: 60,
	},
	{
		Name: PatternProcessCrash,
		Regexes: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(panic:|segmentation\s+fault|sigsegv)`),
			regexp.MustCompile(`(?i)(sigkill|out\s+of\s+memory|oom[_\s-]?kill)`),
			regexp.MustCompile(`(?i)fatal\s+error`),
		},
		Action:   ActionNotify,
		Priority: 50,
	},
}

// sortPatternsByPriority sorts patterns in descending priority order using
// insertion sort; the table is small.
func sortPatternsByPriority(patterns []*ErrorPattern) {
	for i := 1; i < len(patterns); i++ {
		key := patterns[i]
		j := i - 1
		for j >= 0 && patterns[j].Priority < key.Priority {
			patterns[j+1] = patterns[j]
			j--
		}
		patterns[j+1] = key
	}
}

// matchPattern returns the highest-priority pattern matching text, or nil.
// Patterns must already be sorted by priority.
func matchPattern(patterns []*ErrorPattern, text string) *ErrorPattern {
	for _, p := range patterns {
		for _, re := range p.Regexes {
			if re.MatchString(text) {
				return p
			}
		}
	}
	return nil
}
