package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/promptforge/internal/alerts"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
orchestrator:
  concurrency: 2
  dispatch_interval_ms: 50
alerts:
  max_latency_ms: 2000
  max_error_rate: 0.05
  max_accuracy_drop: 0.15
  max_tokens_per_request: 8000
cache:
  path: /tmp/promptforge-cache.json
metrics:
  enabled: true
  port: 9191
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Orchestrator.Concurrency)
	assert.Equal(t, 50, cfg.Orchestrator.DispatchIntervalMs)
	assert.Equal(t, "/tmp/promptforge-cache.json", cfg.Cache.Path)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9191, cfg.Metrics.Port)

	th := cfg.thresholds()
	assert.Equal(t, 2*time.Second, th.MaxLatency)
	assert.Equal(t, 0.05, th.MaxErrorRate)
	assert.Equal(t, 0.15, th.MaxAccuracyDrop)
	assert.Equal(t, 8000.0, th.MaxTokensPerRequest)
}

func TestThresholdDefaults(t *testing.T) {
	path := writeConfig(t, "metrics:\n  enabled: false\n")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, alerts.DefaultThresholds(), cfg.thresholds(),
		"unset alert limits fall back to the engine defaults")
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = loadConfig(writeConfig(t, "orchestrator: [not a mapping"))
	assert.Error(t, err)
}

func TestBuildCLI(t *testing.T) {
	root := BuildCLI()
	assert.Equal(t, "promptforge", root.Use)

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "run")
	assert.Contains(t, names, "submit")
	assert.Contains(t, names, "status")

	flag := root.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "configs/default.yaml", flag.DefValue)
}
