package cooldown

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_ApplyAndExpiry(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	l := NewLedgerWithClock(func() time.Time { return current })

	key := Key("task-1", KindTransientErrors)
	assert.False(t, l.OnCooldown(key))

	l.Apply(key, TransientErrorsWindow)
	assert.True(t, l.OnCooldown(key))
	assert.Equal(t, TransientErrorsWindow, l.Remaining(key))

	current = base.Add(29 * time.Minute)
	assert.True(t, l.OnCooldown(key))
	assert.Equal(t, time.Minute, l.Remaining(key))

	current = base.Add(30 * time.Minute)
	assert.False(t, l.OnCooldown(key))
	assert.Zero(t, l.Remaining(key))
}

func TestLedger_KeysAreIndependent(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLedgerWithClock(func() time.Time { return base })

	l.Apply(Key("task-1", KindHighErrors), HighErrorsWindow)

	assert.True(t, l.OnCooldown(Key("task-1", KindHighErrors)))
	assert.False(t, l.OnCooldown(Key("task-1", KindTransientErrors)))
	assert.False(t, l.OnCooldown(Key("task-2", KindHighErrors)))
}

func TestLedger_LazyPrune(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	l := NewLedgerWithClock(func() time.Time { return current })

	l.Apply("a", time.Minute)
	l.Apply("b", time.Hour)
	require.Equal(t, 2, l.Len())

	current = base.Add(10 * time.Minute)
	assert.False(t, l.OnCooldown("a"))
	assert.Equal(t, 1, l.Len())
	assert.True(t, l.OnCooldown("b"))
}

func TestLedger_Clear(t *testing.T) {
	l := NewLedger()
	l.Apply("a", time.Hour)
	l.Clear("a")
	assert.False(t, l.OnCooldown("a"))
	l.Clear("missing")
}

func TestLedger_SnapshotRoundTrip(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	l := NewLedgerWithClock(func() time.Time { return current })

	l.Apply(Key("task-1", KindHighErrors), HighErrorsWindow)
	l.Apply("already-expired", time.Second)
	current = base.Add(2 * time.Second)

	path := filepath.Join(t.TempDir(), "cooldowns.json")
	require.NoError(t, l.Save(path))

	restored := NewLedgerWithClock(func() time.Time { return current })
	require.NoError(t, restored.Load(path))

	assert.True(t, restored.OnCooldown(Key("task-1", KindHighErrors)))
	assert.False(t, restored.OnCooldown("already-expired"))
	assert.Equal(t, 1, restored.Len())
}

func TestLedger_LoadMissingFile(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Load(filepath.Join(t.TempDir(), "nope.json")))
	assert.Zero(t, l.Len())
}

func TestCrashLoopDetector(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	c := NewCrashLoopDetector(3, 5*time.Minute)
	c.SetClock(func() time.Time { return current })

	assert.False(t, c.RecordRestart("task-1"))
	current = base.Add(time.Minute)
	assert.False(t, c.RecordRestart("task-1"))
	current = base.Add(2 * time.Minute)
	assert.True(t, c.RecordRestart("task-1"))
	assert.True(t, c.InLoop("task-1"))
	assert.Equal(t, 3, c.Count("task-1"))

	// Old restarts age out of the window.
	current = base.Add(10 * time.Minute)
	assert.False(t, c.InLoop("task-1"))
	assert.Zero(t, c.Count("task-1"))
}

func TestCrashLoopDetector_Reset(t *testing.T) {
	c := NewCrashLoopDetector(0, 0)
	c.RecordRestart("task-1")
	c.RecordRestart("task-1")
	c.Reset("task-1")
	assert.Zero(t, c.Count("task-1"))
	assert.False(t, c.InLoop("task-1"))
}

func TestCrashLoopDetector_SubjectsIndependent(t *testing.T) {
	c := NewCrashLoopDetector(2, time.Hour)
	c.RecordRestart("task-1")
	assert.True(t, c.RecordRestart("task-1"))
	assert.False(t, c.InLoop("task-2"))
}
