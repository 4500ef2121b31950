// Copyright 2026 The warden Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/warden/internal/supervisor"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeTempFile(t, "config.yaml", `
host: "127.0.0.1"
port: 9000
debug: true
audit-db-path: "/tmp/audit.db"
supervisor:
  assess-interval: "15s"
  cooldown: "1m"
  planning-phrase-threshold: 5
  idle-threshold: "5m"
telegram:
  bot-token: "tok"
  chat-id: "42"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 9000, cfg.Port)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "/tmp/audit.db", cfg.AuditDBPath)
	assert.Equal(t, 15*time.Second, cfg.GetAssessInterval())
	assert.Equal(t, time.Minute, cfg.GetCooldown())
	assert.Equal(t, 5, cfg.Supervisor.PlanningPhraseThreshold)
	assert.Equal(t, 5*time.Minute, cfg.GetIdleThreshold())
	assert.Equal(t, "tok", cfg.Telegram.BotToken)
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_Malformed(t *testing.T) {
	path := writeTempFile(t, "config.yaml", "port: [not a number")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestSanitize_Defaults(t *testing.T) {
	cfg := &Config{}
	cfg.Sanitize()

	assert.Equal(t, 8317, cfg.Port)
	assert.Equal(t, "warden-audit.db", cfg.AuditDBPath)
	assert.Equal(t, "30s", cfg.Supervisor.AssessInterval)
	assert.Equal(t, "30s", cfg.Supervisor.Cooldown)
	assert.Equal(t, 3, cfg.Supervisor.PlanningPhraseThreshold)
	assert.Equal(t, "10m", cfg.Supervisor.IdleThreshold)
	assert.Equal(t, 10, cfg.Supervisor.HighErrorThreshold)
	assert.Equal(t, 3, cfg.Supervisor.TransientErrorThreshold)
	assert.Equal(t, 4, cfg.Supervisor.MaxConcurrentAssess)
}

func TestSanitize_InvalidValues(t *testing.T) {
	cfg := &Config{
		Port: 99999,
		Supervisor: SupervisorConfig{
			AssessInterval:      "bogus",
			IdleThreshold:       "1s",
			MaxConcurrentAssess: 500,
		},
	}
	cfg.Sanitize()

	assert.Equal(t, 8317, cfg.Port)
	assert.Equal(t, "30s", cfg.Supervisor.AssessInterval)
	assert.Equal(t, "10m", cfg.Supervisor.IdleThreshold)
	assert.Equal(t, 50, cfg.Supervisor.MaxConcurrentAssess)

	var nilCfg *Config
	nilCfg.Sanitize()
	assert.Equal(t, 30*time.Second, nilCfg.GetAssessInterval())
}

func TestLoadRules(t *testing.T) {
	path := writeTempFile(t, "rules.yaml", `
rules:
  - name: restart-storm
    condition: "restart_count > 2"
    situation: crash_loop
  - name: long-idle
    condition: "idle_ms > 600000"
    situation: stuck
`)

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "restart-storm", rules[0].Name)

	empty, err := LoadRules("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLoadRules_BadSituation(t *testing.T) {
	path := writeTempFile(t, "rules.yaml", `
rules:
  - name: bad
    condition: "true"
    situation: not_a_thing
`)
	_, err := LoadRules(path)
	assert.Error(t, err)
}

func TestRuleWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: first
    condition: "idle_ms > 1000"
    situation: stuck
`), 0o644))

	reloaded := make(chan int, 4)
	w, err := NewRuleWatcher(path, func(rules []supervisor.CompiledRule) {
		reloaded <- len(rules)
	})
	require.NoError(t, err)
	require.Len(t, w.Rules(), 1)

	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: first
    condition: "idle_ms > 1000"
    situation: stuck
  - name: second
    condition: "error_count > 5"
    situation: high_error_rate
`), 0o644))

	select {
	case n := <-reloaded:
		assert.Equal(t, 2, n)
		assert.Len(t, w.Rules(), 2)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for rule reload")
	}
}

func TestRuleWatcher_BadReloadKeepsOldRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: first
    condition: "idle_ms > 1000"
    situation: stuck
`), 0o644))

	w, err := NewRuleWatcher(path, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("rules: [not valid"), 0o644))

	// Give the watcher a moment to react; the broken file must not wipe
	// the previously loaded rules.
	time.Sleep(500 * time.Millisecond)
	assert.Len(t, w.Rules(), 1)

	w.Stop() // idempotent
}
