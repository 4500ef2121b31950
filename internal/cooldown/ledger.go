// Package cooldown suppresses duplicate alerts and interventions for the
// same (subject, kind) within a time window, and detects crash loops from
// restart timestamps. Entries are pruned lazily on lookup so the ledger
// needs no background sweeper.
package cooldown

import (
	"sync"
	"time"
)

// Canonical alert classes and their windows.
const (
	// KindTransientErrors marks a session that failed with sporadic errors.
	KindTransientErrors = "failed_session_transient_errors"

	// KindHighErrors marks a session failing at a sustained high rate.
	KindHighErrors = "failed_session_high_errors"

	// TransientErrorsWindow suppresses repeat transient-error alerts.
	TransientErrorsWindow = 30 * time.Minute

	// HighErrorsWindow suppresses repeat high-error-rate alerts.
	HighErrorsWindow = 15 * time.Minute
)

// Key builds a ledger key from a subject id and an alert/intervention kind.
// Distinct kinds for the same subject never suppress each other.
func Key(subjectID, kind string) string {
	return subjectID + "/" + kind
}

// Ledger records cooldown expiries per key.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewLedger creates an empty ledger using wall-clock time.
func NewLedger() *Ledger {
	return NewLedgerWithClock(time.Now)
}

// NewLedgerWithClock creates a ledger with an injected time source.
func NewLedgerWithClock(now func() time.Time) *Ledger {
	return &Ledger{
		entries: make(map[string]time.Time),
		now:     now,
	}
}

// Apply records key as on-cooldown until now+window.
func (l *Ledger) Apply(key string, window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key] = l.now().Add(window)
}

// OnCooldown reports whether key is still within its window. Expired
// entries are removed as a side effect.
func (l *Ledger) OnCooldown(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiry, ok := l.entries[key]
	if !ok {
		return false
	}
	if !l.now().Before(expiry) {
		delete(l.entries, key)
		return false
	}
	return true
}

// Remaining returns how long until the key's cooldown expires, or zero when
// the key is not on cooldown.
func (l *Ledger) Remaining(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiry, ok := l.entries[key]
	if !ok {
		return 0
	}
	rem := expiry.Sub(l.now())
	if rem < 0 {
		delete(l.entries, key)
		return 0
	}
	return rem
}

// Clear removes a key regardless of its expiry.
func (l *Ledger) Clear(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Len reports the number of entries, expired ones included, without pruning.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
