package cooldown

import (
	"os"
	"time"

	json "github.com/goccy/go-json"
)

type snapshot struct {
	SavedAt time.Time            `json:"saved_at"`
	Entries map[string]time.Time `json:"entries"`
}

// Save writes the ledger's live entries to path as JSON. Expired entries are
// dropped so a restored ledger never resurrects stale cooldowns.
func (l *Ledger) Save(path string) error {
	l.mu.Lock()
	now := l.now()
	entries := make(map[string]time.Time, len(l.entries))
	for k, expiry := range l.entries {
		if now.Before(expiry) {
			entries[k] = expiry
		}
	}
	l.mu.Unlock()

	data, err := json.MarshalIndent(snapshot{SavedAt: now, Entries: entries}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Load merges entries from a snapshot file into the ledger. Entries already
// expired at load time are skipped. A missing file is not an error.
func (l *Ledger) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for k, expiry := range snap.Entries {
		if now.Before(expiry) {
			l.entries[k] = expiry
		}
	}
	return nil
}
