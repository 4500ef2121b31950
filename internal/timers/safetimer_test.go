package timers

import (
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampDelay_Values(t *testing.T) {
	tests := []struct {
		name    string
		delayMs float64
		want    time.Duration
	}{
		{"nan floors to 1ms", math.NaN(), time.Millisecond},
		{"positive inf floors to 1ms", math.Inf(1), time.Millisecond},
		{"negative inf floors to 1ms", math.Inf(-1), time.Millisecond},
		{"zero floors to 1ms", 0, time.Millisecond},
		{"negative floors to 1ms", -500, time.Millisecond},
		{"oversized clamps to max", 9_999_999_999, MaxDelayMs * time.Millisecond},
		{"valid passes through", 250, 250 * time.Millisecond},
		{"max boundary passes through", MaxDelayMs, MaxDelayMs * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClampDelay("test", tt.delayMs))
		})
	}
}

func TestClampDelay_WarnsWithReason(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	ClampDelay("token-refresh", math.NaN())
	ClampDelay("token-refresh", 9_999_999_999)
	ClampDelay("token-refresh", 0)

	entries := hook.AllEntries()
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, log.WarnLevel, e.Level)
		assert.True(t, strings.Contains(e.Message, "token-refresh"),
			"warning should name the reason, got: %s", e.Message)
	}
}

func TestClampDelay_NoWarningForValidDelay(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	ClampDelay("ok", 1500)

	assert.Empty(t, hook.AllEntries())
}

func TestSetTimeout_FiresOnce(t *testing.T) {
	var fired atomic.Int32
	SetTimeout("fire-once", func() { fired.Add(1) }, 10)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestSetTimeout_StopPreventsFire(t *testing.T) {
	var fired atomic.Int32
	to := SetTimeout("stop-me", func() { fired.Add(1) }, 50)
	require.True(t, to.Stop())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestSetInterval_RepeatsAndStops(t *testing.T) {
	var ticks atomic.Int32
	iv := SetInterval("repeater", func() { ticks.Add(1) }, 10)

	time.Sleep(100 * time.Millisecond)
	iv.Stop()
	iv.Stop() // idempotent

	// Let any in-flight callback finish before snapshotting.
	time.Sleep(20 * time.Millisecond)
	got := ticks.Load()
	assert.GreaterOrEqual(t, got, int32(3))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, got, ticks.Load(), "no ticks after Stop")
}

func TestSetInterval_SurvivesPanickingCallback(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	var ticks atomic.Int32
	iv := SetInterval("panicker", func() {
		ticks.Add(1)
		panic("boom")
	}, 10)
	defer iv.Stop()

	time.Sleep(80 * time.Millisecond)

	// The timer keeps ticking despite every callback panicking.
	assert.GreaterOrEqual(t, ticks.Load(), int32(2))

	found := false
	for _, e := range hook.AllEntries() {
		if e.Level == log.ErrorLevel && strings.Contains(e.Message, "panicker") {
			found = true
			break
		}
	}
	assert.True(t, found, "panic should be logged with the timer reason")
}

func TestSetTimeout_PanicDoesNotCrash(t *testing.T) {
	SetTimeout("one-shot-panic", func() { panic("boom") }, 5)
	time.Sleep(40 * time.Millisecond)
	// Reaching this line means the panic was contained.
}
