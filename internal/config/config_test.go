package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "confine.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ExitLeak, cfg.AbnormalExit)
	assert.True(t, cfg.Report)
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `
log_level = "debug"
abnormal_exit = "destroy"
sweep_interval = "5s"
report = false
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ExitDestroy, cfg.AbnormalExit)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval.Duration)
	assert.False(t, cfg.Report)
	// Untouched keys keep their defaults.
	assert.True(t, cfg.CaptureStacks)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", `colour = "red"`, "unknown keys colour"},
		{"bad policy", `abnormal_exit = "explode"`, "abnormal_exit"},
		{"bad level", `log_level = "loud"`, "log_level"},
		{"bad duration", `sweep_interval = "soon"`, "config load failed"},
		{"negative duration", `sweep_interval = "-1s"`, "sweep_interval"},
		{"syntax", `log_level = `, "config load failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		EnvLogLevel:      "ERROR",
		EnvAbnormalExit:  "Destroy",
		EnvSweepInterval: "250ms",
		EnvReport:        "false",
		EnvCaptureStacks: "0",
	}))
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, ExitDestroy, cfg.AbnormalExit)
	assert.Equal(t, 250*time.Millisecond, cfg.SweepInterval.Duration)
	assert.False(t, cfg.Report)
	assert.False(t, cfg.CaptureStacks)
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnvEmptyKeepsValues(t *testing.T) {
	cfg := Default()
	require.NoError(t, ApplyEnv(&cfg, envMap(nil)))
	assert.Equal(t, Default(), cfg)
}

func TestApplyEnvMalformed(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		EnvSweepInterval: "often",
		EnvReport:        "maybe",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvSweepInterval)
	assert.Contains(t, err.Error(), EnvReport)
	assert.True(t, cfg.Report)
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte(" 1m30s ")))
	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))
}
