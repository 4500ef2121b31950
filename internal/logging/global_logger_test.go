// Copyright 2026 The warden Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package logging

import (
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFormatter_Basic(t *testing.T) {
	f := &LogFormatter{}
	entry := &log.Entry{
		Time:    time.Date(2026, 3, 1, 20, 14, 4, 0, time.UTC),
		Level:   log.InfoLevel,
		Message: "forcing new thread for task-7\n",
	}

	out, err := f.Format(entry)
	require.NoError(t, err)
	line := string(out)

	assert.Contains(t, line, "[2026-03-01 20:14:04]")
	assert.Contains(t, line, "[--------]")
	assert.Contains(t, line, "[info ]")
	assert.Contains(t, line, "forcing new thread for task-7")
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.False(t, strings.Contains(strings.TrimSuffix(line, "\n"), "\n"))
}

func TestLogFormatter_RequestIDAndFields(t *testing.T) {
	f := &LogFormatter{}
	entry := &log.Entry{
		Time:    time.Date(2026, 3, 1, 20, 14, 4, 0, time.UTC),
		Level:   log.WarnLevel,
		Message: "steering failed",
		Data: log.Fields{
			"request_id": "a1b2c3d4",
			"task":       "task-7",
		},
	}

	out, err := f.Format(entry)
	require.NoError(t, err)
	line := string(out)

	assert.Contains(t, line, "[a1b2c3d4]")
	assert.Contains(t, line, "[warn ]")
	assert.Contains(t, line, "task=task-7")
}

func TestConfigureLogOutput_FileMode(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, ConfigureLogOutput(true, dir))
	defer func() {
		require.NoError(t, ConfigureLogOutput(false, ""))
	}()

	log.Info("file mode probe")
}
