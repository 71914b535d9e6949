package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/promptforge/internal/evaluator"
	"github.com/promptforge/promptforge/internal/predictor"
	"github.com/promptforge/promptforge/pkg/types"
)

// makeDataset builds n labeled entries that all expect the given risk
// score, with distinct document contents.
func makeDataset(n int, score float64) []types.DatasetEntry {
	out := make([]types.DatasetEntry, n)
	for i := range out {
		out[i] = types.DatasetEntry{
			Input: types.AnalysisInput{
				DocumentContent: fmt.Sprintf("contract clause %03d with indemnity terms", i),
				DocumentType:    "contract",
				Language:        "en",
				AnalysisDepth:   "standard",
			},
			Expected: types.AnalysisResult{RiskScore: score},
		}
	}
	return out
}

func testConfig() types.OptimizationConfig {
	return types.OptimizationConfig{
		Strategy:        types.StrategyDepthSearch,
		DatasetSize:     20,
		MaxIterations:   5,
		TimeoutMinutes:  1,
		ValidationSplit: 0.2,
	}
}

func newTestOrchestrator(module predictor.Module, recorder Recorder) *Orchestrator {
	registry := predictor.NewRegistry()
	registry.Register(module)
	ev := evaluator.New(nil)
	return New(Config{DispatchInterval: 5 * time.Millisecond}, registry, ev, recorder, nil)
}

// captureRecorder collects metric entries for inspection.
type captureRecorder struct {
	mu      sync.Mutex
	entries []types.MetricEntry
}

func (c *captureRecorder) Record(entry types.MetricEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
	return nil
}

func (c *captureRecorder) snapshot() []types.MetricEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.MetricEntry(nil), c.entries...)
}

func TestStartOptimizationValidation(t *testing.T) {
	o := newTestOrchestrator(predictor.NewConstantModule("legal_analysis", 50), nil)
	dataset := makeDataset(25, 50)

	badStrategy := testConfig()
	badStrategy.Strategy = "hill_climb"
	_, err := o.StartOptimization("legal_analysis", badStrategy, dataset)
	assert.ErrorIs(t, err, ErrConfigInvalid)

	_, err = o.StartOptimization("legal_analysis", testConfig(), makeDataset(15, 50))
	assert.ErrorIs(t, err, ErrDatasetTooSmall,
		"dataset shorter than dataset_size must be rejected")

	_, err = o.StartOptimization("unknown_module", testConfig(), dataset)
	assert.ErrorIs(t, err, ErrModuleNotFound)

	assert.Empty(t, o.ListJobs(), "rejected submissions must create no state")
}

func TestSubmissionIsNonBlocking(t *testing.T) {
	// Workers never started: the job must still be visible immediately.
	o := newTestOrchestrator(predictor.NewConstantModule("legal_analysis", 50), nil)

	id, err := o.StartOptimization("legal_analysis", testConfig(), makeDataset(25, 50))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := o.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)
	assert.Equal(t, 0.0, job.Progress)
	require.NotNil(t, job.StartedAt)
}

func TestConstantModuleRunsToCompletion(t *testing.T) {
	// The module always predicts 50 and every label is 50: baseline and
	// final accuracy are both 1.0, so the improvement must be exactly 0.
	rec := &captureRecorder{}
	o := newTestOrchestrator(predictor.NewConstantModule("legal_analysis", 50), rec)
	o.Start()
	defer o.Stop()

	id, err := o.StartOptimization("legal_analysis", testConfig(), makeDataset(25, 50))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := o.GetJob(id)
		return err == nil && job.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond, "job should reach a terminal state")

	job, err := o.GetJob(id)
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, job.Status, "error: %s", job.ErrorMessage)
	assert.Equal(t, 100.0, job.Progress)
	require.NotNil(t, job.CompletedAt)
	require.NotNil(t, job.Results)

	r := job.Results
	assert.Equal(t, 1.0, r.PerformanceBefore)
	assert.Equal(t, 1.0, r.PerformanceAfter)
	assert.Equal(t, 0.0, r.ImprovementPercentage)
	assert.GreaterOrEqual(t, r.IterationsCompleted, 1)
	assert.LessOrEqual(t, r.IterationsCompleted, 5)
	assert.Len(t, r.History, r.IterationsCompleted)
	assert.Equal(t, 1.0, r.ValidationMetrics["accuracy"])

	// Exactly one optimize metric, tagged with the strategy.
	var optimize []types.MetricEntry
	for _, e := range rec.snapshot() {
		if e.Operation == types.OpOptimize {
			optimize = append(optimize, e)
		}
	}
	require.Len(t, optimize, 1)
	assert.True(t, optimize[0].Success)
	assert.Equal(t, "depth_search", optimize[0].Metadata["strategy"])
	require.NotNil(t, optimize[0].Accuracy)
	assert.Equal(t, 1.0, *optimize[0].Accuracy)
}

func TestCancelPendingJob(t *testing.T) {
	o := newTestOrchestrator(predictor.NewConstantModule("legal_analysis", 50), nil)

	id, err := o.StartOptimization("legal_analysis", testConfig(), makeDataset(25, 50))
	require.NoError(t, err)

	require.NoError(t, o.CancelJob(id))
	job, err := o.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, job.Status)
	require.NotNil(t, job.CompletedAt)

	assert.ErrorIs(t, o.CancelJob(id), ErrCancellationFailed,
		"cancelling a terminal job must fail")
	assert.ErrorIs(t, o.CancelJob("nope"), ErrJobNotFound)
}

func TestCancelRunningJob(t *testing.T) {
	// A slow module keeps the pipeline busy long enough to cancel it
	// mid-flight. The outcome is sealed the moment Cancel returns.
	slow := &predictor.StaticModule{
		ModuleName:    "legal_analysis",
		ModuleVersion: "1.0.0",
		Sig:           "document -> risk_assessment",
		Score: func(types.AnalysisInput) types.AnalysisResult {
			time.Sleep(20 * time.Millisecond)
			return types.AnalysisResult{RiskScore: 50}
		},
	}
	o := newTestOrchestrator(slow, nil)
	o.Start()
	defer o.Stop()

	id, err := o.StartOptimization("legal_analysis", testConfig(), makeDataset(25, 50))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := o.GetJob(id)
		return err == nil && job.Status == types.StatusRunning
	}, 5*time.Second, 5*time.Millisecond, "job should start running")

	require.NoError(t, o.CancelJob(id))

	job, err := o.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, job.Status)

	// The worker must not overwrite the cancellation once it notices.
	time.Sleep(200 * time.Millisecond)
	job, err = o.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, job.Status)
	assert.Nil(t, job.Results)
}

func TestOptimizationMetricsView(t *testing.T) {
	o := newTestOrchestrator(predictor.NewConstantModule("legal_analysis", 50), nil)

	dataset := makeDataset(25, 50)
	_, err := o.StartOptimization("legal_analysis", testConfig(), dataset)
	require.NoError(t, err)
	_, err = o.StartOptimization("legal_analysis", testConfig(), dataset)
	require.NoError(t, err)

	stats := o.OptimizationMetrics()
	assert.Equal(t, 2, stats.TotalJobs)
	assert.Equal(t, 2, stats.ByStatus[types.StatusPending])
	assert.Equal(t, 2, stats.StrategyUsage[types.StrategyDepthSearch])
	assert.Equal(t, 0.0, stats.AverageImprovement)
}

func TestSplitDataset(t *testing.T) {
	dataset := makeDataset(100, 50)
	for _, split := range []float64{0.1, 0.2, 0.3, 0.4, 0.5} {
		train, validation := splitDataset(dataset, split)

		assert.Equal(t, len(dataset), len(train)+len(validation),
			"split %.1f: sizes must sum to the dataset size", split)
		assert.NotEmpty(t, train)
		assert.NotEmpty(t, validation)

		// Disjoint and covering: every document appears exactly once.
		seen := make(map[string]int)
		for _, e := range train {
			seen[e.Input.DocumentContent]++
		}
		for _, e := range validation {
			seen[e.Input.DocumentContent]++
		}
		require.Len(t, seen, len(dataset), "split %.1f: no entry may repeat", split)
		for doc, n := range seen {
			require.Equal(t, 1, n, "split %.1f: %q appeared %d times", split, doc, n)
		}
	}
}

func TestImprovement(t *testing.T) {
	tests := []struct {
		before, after, want float64
	}{
		{0.8, 0.9, 12.5},
		{1.0, 1.0, 0},
		{0.5, 0.25, -50},
		{0, 0.9, 0}, // zero baseline never divides
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, improvement(tt.before, tt.after), 1e-9,
			"improvement(%v, %v)", tt.before, tt.after)
	}
}

func TestSeedFor(t *testing.T) {
	assert.Equal(t, seedFor("job-1"), seedFor("job-1"), "seed must be stable per id")
	assert.NotEqual(t, seedFor("job-1"), seedFor("job-2"))
}

func TestSlowModuleStillUsable(t *testing.T) {
	// Sanity check that the static module honors context cancellation.
	m := predictor.NewConstantModule("m", 50)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Predict(ctx, types.AnalysisInput{})
	assert.Error(t, err)
}
