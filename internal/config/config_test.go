package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSubstitutesEnvironment(t *testing.T) {
	t.Setenv("CREWNEXUS_TEST_KEY", "sk-live")
	dir := t.TempDir()
	path := filepath.Join(dir, "crewnexus.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"port": ${CREWNEXUS_TEST_PORT:9090}},
		"engine": {"workers": 3, "task_timeout": "90s", "workflow_timeout": 600},
		"providers": [
			{"id": "cerebras", "type": "openai", "api_key": "${CREWNEXUS_TEST_KEY}"},
			{"id": "claude", "type": "anthropic", "api_key": "${CREWNEXUS_TEST_MISSING:none}"}
		]
	}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Engine.Workers)
	assert.Equal(t, 90*time.Second, cfg.Engine.TaskTimeout.Std())
	assert.Equal(t, 10*time.Minute, cfg.Engine.WorkflowTimeout.Std())
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "sk-live", cfg.Providers[0].APIKey)
	assert.Equal(t, "none", cfg.Providers[1].APIKey)
}

func TestApplyDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.Log.Level)
	assert.Equal(t, "console", cfg.Server.Log.Format)
	assert.Equal(t, "stdout", cfg.Server.Log.Output)
	assert.Equal(t, 10, cfg.Engine.Workers)
	assert.Equal(t, 0, cfg.Engine.QueueSize)
	assert.Equal(t, "reject", cfg.Engine.Admission)
	assert.Equal(t, time.Hour, cfg.Engine.Retention.Std())
	assert.Equal(t, time.Minute, cfg.Engine.ReapInterval.Std())
	assert.Equal(t, 5*time.Second, cfg.Engine.PublishTimeout.Std())
	assert.Equal(t, 50, cfg.Engine.HistoryLimit)
	assert.Equal(t, "migrations", cfg.Database.Postgres.MigrationsDir)
}

func TestValidateCollectsProblems(t *testing.T) {
	_, err := Parse([]byte(`{
		"server": {"port": 70000, "log": {"level": "loud"}},
		"engine": {"workers": -1, "admission": "lottery", "retention": "-1s"},
		"providers": [{"id": "a", "type": "openai"}, {"id": "a", "type": "gemini"}],
		"notify": {"slack": {"enabled": true}}
	}`))
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"server.port 70000",
		`server.log.level "loud"`,
		"engine.workers",
		`engine.admission "lottery"`,
		"engine.retention",
		`providers[1].id "a" duplicated`,
		`providers[1].type "gemini"`,
		"notify.slack",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte(`{"engine": {"task_timeout": "soon"}}`))
	assert.ErrorContains(t, err, `invalid duration "soon"`)

	_, err = Parse([]byte(`{"engine": {"task_timeout": true}}`))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.ErrorContains(t, err, "read config")
}
