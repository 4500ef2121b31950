// Package timers provides panic-safe scheduling primitives with defensive
// delay clamping. Every periodic job in the supervisor runs through this
// package so that a malformed delay or a panicking callback can never take
// down the host process.
package timers

import (
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// MaxDelayMs is the largest accepted delay in milliseconds. It matches the
// signed 32-bit ceiling used by common timer APIs; anything above it clamps.
const MaxDelayMs = math.MaxInt32

// MinDelayMs is the smallest accepted delay in milliseconds.
const MinDelayMs = 1

// ClampDelay normalizes delayMs into [MinDelayMs, MaxDelayMs] and converts it
// to a time.Duration. NaN, infinities and sub-millisecond values floor to
// 1ms; oversized values clamp to MaxDelayMs. A warning naming reason is
// logged whenever the input had to be adjusted, since a wildly wrong delay
// usually means seconds were passed where milliseconds were expected.
func ClampDelay(reason string, delayMs float64) time.Duration {
	clamped := delayMs
	switch {
	case math.IsNaN(delayMs) || math.IsInf(delayMs, 0):
		clamped = MinDelayMs
	case delayMs < MinDelayMs:
		clamped = MinDelayMs
	case delayMs > MaxDelayMs:
		clamped = MaxDelayMs
	}

	if clamped != delayMs {
		log.Warnf("timers: clamped delay for %q: %v -> %v ms", reason, delayMs, clamped)
	}

	return time.Duration(clamped) * time.Millisecond
}

// runProtected invokes fn and converts a panic into an error log entry.
func runProtected(reason string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("timers: recovered panic in %q callback: %v", reason, r)
		}
	}()
	fn()
}

// Timeout is a handle to a one-shot timer created by SetTimeout.
type Timeout struct {
	timer *time.Timer
}

// SetTimeout schedules fn to run once after delayMs milliseconds. The delay
// is clamped via ClampDelay and fn runs panic-protected.
func SetTimeout(reason string, fn func(), delayMs float64) *Timeout {
	d := ClampDelay(reason, delayMs)
	return &Timeout{
		timer: time.AfterFunc(d, func() {
			runProtected(reason, fn)
		}),
	}
}

// Stop cancels the timeout if it has not fired yet. It reports whether the
// call prevented the callback from running.
func (t *Timeout) Stop() bool {
	return t.timer.Stop()
}

// Interval is a handle to a repeating timer created by SetInterval.
type Interval struct {
	stop chan struct{}
	once sync.Once
}

// SetInterval schedules fn to run every delayMs milliseconds until Stop is
// called. The delay is clamped via ClampDelay. A panic inside fn is logged
// and does not cancel subsequent ticks.
func SetInterval(reason string, fn func(), delayMs float64) *Interval {
	d := ClampDelay(reason, delayMs)
	iv := &Interval{stop: make(chan struct{})}

	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-iv.stop:
				return
			case <-ticker.C:
				runProtected(reason, fn)
			}
		}
	}()

	return iv
}

// Stop cancels the interval. Safe to call multiple times.
func (iv *Interval) Stop() {
	iv.once.Do(func() {
		close(iv.stop)
	})
}
