package cooldown

import (
	"sync"
	"time"
)

// Crash-loop defaults: three restarts inside five minutes.
const (
	DefaultCrashLoopThreshold = 3
	DefaultCrashLoopWindow    = 5 * time.Minute
)

// CrashLoopDetector tracks restart timestamps per subject and flags subjects
// that restart too often within a rolling window.
type CrashLoopDetector struct {
	mu        sync.Mutex
	restarts  map[string][]time.Time
	threshold int
	window    time.Duration
	now       func() time.Time
}

// NewCrashLoopDetector creates a detector with the default threshold and
// window. Non-positive arguments select the defaults.
func NewCrashLoopDetector(threshold int, window time.Duration) *CrashLoopDetector {
	if threshold <= 0 {
		threshold = DefaultCrashLoopThreshold
	}
	if window <= 0 {
		window = DefaultCrashLoopWindow
	}
	return &CrashLoopDetector{
		restarts:  make(map[string][]time.Time),
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (c *CrashLoopDetector) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// RecordRestart notes a restart for the subject and reports whether the
// subject is now in a crash loop.
func (c *CrashLoopDetector) RecordRestart(subjectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	kept := c.pruneLocked(subjectID, now)
	kept = append(kept, now)
	c.restarts[subjectID] = kept
	return len(kept) >= c.threshold
}

// InLoop reports whether the subject currently qualifies as crash-looping,
// without recording a restart.
func (c *CrashLoopDetector) InLoop(subjectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.pruneLocked(subjectID, c.now())
	c.restarts[subjectID] = kept
	return len(kept) >= c.threshold
}

// Count returns the number of restarts within the window.
func (c *CrashLoopDetector) Count(subjectID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.pruneLocked(subjectID, c.now())
	c.restarts[subjectID] = kept
	return len(kept)
}

// Reset clears restart history for the subject.
func (c *CrashLoopDetector) Reset(subjectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.restarts, subjectID)
}

func (c *CrashLoopDetector) pruneLocked(subjectID string, now time.Time) []time.Time {
	cutoff := now.Add(-c.window)
	entries := c.restarts[subjectID]
	kept := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
