package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() OptimizationConfig {
	return OptimizationConfig{
		Strategy:        StrategyDepthSearch,
		DatasetSize:     20,
		MaxIterations:   10,
		TimeoutMinutes:  5,
		ValidationSplit: 0.2,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*OptimizationConfig)
		wantErr bool
	}{
		{"valid", func(c *OptimizationConfig) {}, false},
		{"unknown strategy", func(c *OptimizationConfig) { c.Strategy = "hill_climb" }, true},
		{"dataset too small", func(c *OptimizationConfig) { c.DatasetSize = 9 }, true},
		{"dataset too large", func(c *OptimizationConfig) { c.DatasetSize = 10001 }, true},
		{"dataset lower bound", func(c *OptimizationConfig) { c.DatasetSize = 10 }, false},
		{"dataset upper bound", func(c *OptimizationConfig) { c.DatasetSize = 10000 }, false},
		{"zero iterations", func(c *OptimizationConfig) { c.MaxIterations = 0 }, true},
		{"too many iterations", func(c *OptimizationConfig) { c.MaxIterations = 101 }, true},
		{"timeout too short", func(c *OptimizationConfig) { c.TimeoutMinutes = 0 }, true},
		{"timeout too long", func(c *OptimizationConfig) { c.TimeoutMinutes = 61 }, true},
		{"split too small", func(c *OptimizationConfig) { c.ValidationSplit = 0.05 }, true},
		{"split too large", func(c *OptimizationConfig) { c.ValidationSplit = 0.6 }, true},
		{"split bounds", func(c *OptimizationConfig) { c.ValidationSplit = 0.5 }, false},
		{"negative improvement threshold", func(c *OptimizationConfig) { c.ImprovementThreshold = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err, "config should be rejected")
			} else {
				assert.NoError(t, err, "config should be accepted")
			}
		})
	}
}

func TestConfigApplyDefaults(t *testing.T) {
	cfg := OptimizationConfig{}
	cfg.ApplyDefaults()
	assert.Equal(t, 20, cfg.MaxIterations, "max_iterations should default to 20")

	cfg = OptimizationConfig{MaxIterations: 7}
	cfg.ApplyDefaults()
	assert.Equal(t, 7, cfg.MaxIterations, "explicit max_iterations should be preserved")
}

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestThresholdsValidate(t *testing.T) {
	valid := Thresholds{
		MaxLatency:          time.Second,
		MaxErrorRate:        0.1,
		MaxAccuracyDrop:     0.1,
		MaxTokensPerRequest: 1000,
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Thresholds)
	}{
		{"zero latency", func(th *Thresholds) { th.MaxLatency = 0 }},
		{"zero error rate", func(th *Thresholds) { th.MaxErrorRate = 0 }},
		{"error rate above one", func(th *Thresholds) { th.MaxErrorRate = 1.5 }},
		{"zero accuracy drop", func(th *Thresholds) { th.MaxAccuracyDrop = 0 }},
		{"accuracy drop above one", func(th *Thresholds) { th.MaxAccuracyDrop = 1.1 }},
		{"zero tokens", func(th *Thresholds) { th.MaxTokensPerRequest = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := valid
			tt.mutate(&th)
			assert.Error(t, th.Validate(), "thresholds should be rejected")
		})
	}
}
