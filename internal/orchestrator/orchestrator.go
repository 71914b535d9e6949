// Package orchestrator owns the optimization job lifecycle: submission
// validation, the serial work queue, dataset splitting, baseline and
// final evaluation, and result persistence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promptforge/promptforge/internal/evaluator"
	"github.com/promptforge/promptforge/internal/metrics"
	"github.com/promptforge/promptforge/internal/predictor"
	"github.com/promptforge/promptforge/internal/strategy"
	"github.com/promptforge/promptforge/pkg/types"
)

var log = slog.Default()

// Progress milestones of the fixed pipeline stage order. The strategy
// loop reports into the band between progressBaseline and progressLoopEnd.
const (
	progressRunning  = 5
	progressSplit    = 10
	progressBaseline = 20
	progressLoopEnd  = 90
	progressFinal    = 95
)

// Config tunes the orchestrator.
type Config struct {
	// Concurrency is the number of pipeline workers. The optimization
	// path is deliberately serial: the default of 1 bounds resource
	// usage and keeps progress reporting unambiguous. Raising it is a
	// config change, not a redesign.
	Concurrency int
	// DispatchInterval is the queue polling cadence.
	DispatchInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 100 * time.Millisecond
	}
}

// Recorder receives the per-job optimize metric. May be nil.
type Recorder interface {
	Record(entry types.MetricEntry) error
}

// Orchestrator coordinates submissions, the pipeline workers and the
// job store.
type Orchestrator struct {
	config    Config
	store     *Store
	predictor predictor.Predictor
	evaluator *evaluator.Evaluator
	recorder  Recorder
	collector *metrics.Collector // optional

	cancelMu sync.Mutex
	cancels  map[types.JobID]context.CancelFunc

	stopCh  chan struct{}
	loopWg  sync.WaitGroup
	stateMu sync.Mutex
	started bool
	stopped bool
}

// New creates an orchestrator. recorder and collector may be nil.
func New(config Config, pred predictor.Predictor, ev *evaluator.Evaluator, recorder Recorder, collector *metrics.Collector) *Orchestrator {
	config.applyDefaults()
	return &Orchestrator{
		config:    config,
		store:     NewStore(),
		predictor: pred,
		evaluator: ev,
		recorder:  recorder,
		collector: collector,
		cancels:   make(map[types.JobID]context.CancelFunc),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the pipeline workers.
func (o *Orchestrator) Start() {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if o.started {
		return
	}
	o.started = true

	o.loopWg.Add(o.config.Concurrency)
	for i := 0; i < o.config.Concurrency; i++ {
		go o.dispatchLoop()
	}
	log.Info("orchestrator started", "workers", o.config.Concurrency)
}

// Stop signals the workers and waits for the current job, if any, to
// finish its pipeline.
func (o *Orchestrator) Stop() {
	o.stateMu.Lock()
	if !o.started || o.stopped {
		o.stateMu.Unlock()
		return
	}
	o.stopped = true
	o.stateMu.Unlock()

	close(o.stopCh)
	o.loopWg.Wait()
	log.Info("orchestrator stopped")
}

// StartOptimization validates the submission and enqueues a job.
// Validation failures are synchronous and create no state; on success
// the job id returns immediately while execution happens on the worker.
func (o *Orchestrator) StartOptimization(moduleName string, config types.OptimizationConfig, dataset []types.DatasetEntry) (types.JobID, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if len(dataset) < config.DatasetSize {
		return "", fmt.Errorf("%w: got %d entries, need %d", ErrDatasetTooSmall, len(dataset), config.DatasetSize)
	}
	if _, err := o.predictor.GetModule(moduleName); err != nil {
		return "", fmt.Errorf("%w: %q", ErrModuleNotFound, moduleName)
	}

	now := time.Now().UTC()
	job := &types.OptimizationJob{
		ID:         types.JobID(uuid.NewString()),
		ModuleName: moduleName,
		Config:     config,
		StartedAt:  &now,
		Message:    "queued",
	}
	if err := o.store.Add(job, dataset); err != nil {
		return "", err
	}

	if o.collector != nil {
		o.collector.RecordSubmitted()
		o.collector.UpdateQueueStats(o.store.QueueStats())
	}
	log.Info("optimization job submitted",
		"jobID", job.ID, "module", moduleName, "strategy", config.Strategy)
	return job.ID, nil
}

// GetJob returns a snapshot of the job.
func (o *Orchestrator) GetJob(id types.JobID) (types.OptimizationJob, error) {
	return o.store.Get(id)
}

// ListJobs returns snapshots of all jobs, newest first.
func (o *Orchestrator) ListJobs() []types.OptimizationJob {
	return o.store.List()
}

// ListJobsFiltered returns snapshots of the jobs matching the filter,
// newest first.
func (o *Orchestrator) ListJobsFiltered(f JobFilter) []types.OptimizationJob {
	return o.store.ListFiltered(f)
}

// CancelJob cancels a job that has not yet completed or failed. Pending
// jobs never start; a running job observes the cancellation at its next
// cooperative check, but its outcome is sealed immediately.
func (o *Orchestrator) CancelJob(id types.JobID) error {
	if err := o.store.Cancel(id); err != nil {
		return err
	}

	o.cancelMu.Lock()
	cancel := o.cancels[id]
	o.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}

	if o.collector != nil {
		o.collector.RecordJobOutcome(types.StatusCancelled)
		o.collector.UpdateQueueStats(o.store.QueueStats())
	}
	log.Info("optimization job cancelled", "jobID", id)
	return nil
}

// OptimizationMetrics returns the derived view over all jobs. Computed
// on demand, never cached.
func (o *Orchestrator) OptimizationMetrics() types.OptimizationStats {
	return o.store.Metrics()
}

// dispatchLoop polls the pending queue and runs one pipeline at a time.
func (o *Orchestrator) dispatchLoop() {
	defer o.loopWg.Done()
	ticker := time.NewTicker(o.config.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			id, ok := o.store.PopPending()
			if !ok {
				continue
			}
			o.processJob(id)
		}
	}
}

// processJob runs the fixed pipeline for one job. Any failure marks the
// job failed and returns; the worker loop always survives to pick up
// the next job.
func (o *Orchestrator) processJob(id types.JobID) {
	job, err := o.store.Get(id)
	if err != nil {
		log.Warn("dequeued unknown job", "jobID", id)
		return
	}
	dataset, _ := o.store.Dataset(id)

	if err := o.store.MarkRunning(id); err != nil {
		// Cancelled between pop and start; nothing to do.
		log.Debug("job no longer pending", "jobID", id, "error", err)
		return
	}
	o.store.SetProgress(id, progressRunning, "initializing optimization")
	if o.collector != nil {
		o.collector.UpdateQueueStats(o.store.QueueStats())
	}

	timeout := time.Duration(job.Config.TimeoutMinutes) * time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	o.cancelMu.Lock()
	o.cancels[id] = cancel
	o.cancelMu.Unlock()
	defer func() {
		o.cancelMu.Lock()
		delete(o.cancels, id)
		o.cancelMu.Unlock()
		cancel()
	}()

	started := time.Now()

	module, err := o.predictor.GetModule(job.ModuleName)
	if err != nil {
		o.finishFailed(id, job, started, fmt.Sprintf("module %q disappeared: %v", job.ModuleName, err))
		return
	}

	train, validation := splitDataset(dataset, job.Config.ValidationSplit)
	o.store.SetProgress(id, progressSplit,
		fmt.Sprintf("dataset split: %d train / %d validation", len(train), len(validation)))

	baseline, err := o.evaluator.Evaluate(ctx, module, validation)
	if err != nil {
		o.failOrAcceptCancel(id, job, started, fmt.Errorf("baseline evaluation: %w", err))
		return
	}
	o.store.SetProgress(id, progressBaseline,
		fmt.Sprintf("baseline accuracy %.3f", baseline.Accuracy))

	strat, err := strategy.New(job.Config.Strategy)
	if err != nil {
		o.finishFailed(id, job, started, err.Error())
		return
	}

	opts := strategy.Options{
		MaxIterations:        job.Config.MaxIterations,
		ImprovementThreshold: job.Config.ImprovementThreshold,
		Seed:                 seedFor(id),
	}
	cb := strategy.Callbacks{
		OnProgress: func(pct float64) {
			mapped := progressBaseline + pct/100*(progressLoopEnd-progressBaseline)
			o.store.SetProgress(id, mapped, "optimizing")
		},
		OnIteration: func(i int, rec types.IterationRecord) {
			o.store.SetProgress(id, 0, fmt.Sprintf("iteration %d: score %.3f", i, rec.Score))
		},
	}

	outcome, err := strat.Optimize(ctx, module, train, validation, opts, cb)
	if err != nil {
		o.failOrAcceptCancel(id, job, started, fmt.Errorf("%w: %v", ErrStrategyExecution, err))
		return
	}

	final, err := o.evaluator.Evaluate(ctx, module, validation)
	if err != nil {
		o.failOrAcceptCancel(id, job, started, fmt.Errorf("final evaluation: %w", err))
		return
	}
	o.store.SetProgress(id, progressFinal, "computing results")

	results := &types.OptimizationResults{
		PerformanceBefore:     baseline.Accuracy,
		PerformanceAfter:      final.Accuracy,
		ImprovementPercentage: improvement(baseline.Accuracy, final.Accuracy),
		CompilationTime:       outcome.CompilationTime,
		IterationsCompleted:   outcome.Iterations,
		BestPrompt:            outcome.BestPrompt,
		ValidationMetrics: map[string]float64{
			"accuracy":   final.Accuracy,
			"f1":         final.F1,
			"precision":  final.Precision,
			"recall":     final.Recall,
			"latency_ms": float64(final.Latency.Milliseconds()),
		},
		History: outcome.History,
	}

	if err := o.store.Complete(id, results); err != nil {
		// Cancelled during the last stage; the outcome stays sealed.
		log.Debug("job finished after leaving running state", "jobID", id, "error", err)
		return
	}

	o.recordOptimize(job, module, time.Since(started), true, "", final.Accuracy, outcome.Iterations, train)
	if o.collector != nil {
		o.collector.RecordJobOutcome(types.StatusCompleted)
		o.collector.UpdateQueueStats(o.store.QueueStats())
	}
	log.Info("optimization job completed",
		"jobID", id,
		"improvement", fmt.Sprintf("%.2f%%", results.ImprovementPercentage),
		"iterations", outcome.Iterations,
		"duration", time.Since(started))
}

// failOrAcceptCancel distinguishes a genuine pipeline failure from the
// job having been cancelled (or timed out) mid-stage.
func (o *Orchestrator) failOrAcceptCancel(id types.JobID, job types.OptimizationJob, started time.Time, cause error) {
	status, err := o.store.Status(id)
	if err == nil && status == types.StatusCancelled {
		log.Info("optimization job observed cancellation", "jobID", id)
		return
	}
	msg := cause.Error()
	if errors.Is(cause, context.DeadlineExceeded) {
		msg = fmt.Sprintf("optimization timed out after %dm", job.Config.TimeoutMinutes)
	}
	o.finishFailed(id, job, started, msg)
}

func (o *Orchestrator) finishFailed(id types.JobID, job types.OptimizationJob, started time.Time, message string) {
	if err := o.store.Fail(id, message); err != nil {
		log.Debug("could not mark job failed", "jobID", id, "error", err)
		return
	}
	o.recordOptimize(job, nil, time.Since(started), false, "optimization_error", 0, 0, nil)
	if o.collector != nil {
		o.collector.RecordJobOutcome(types.StatusFailed)
		o.collector.UpdateQueueStats(o.store.QueueStats())
	}
	log.Warn("optimization job failed", "jobID", id, "error", message)
}

// recordOptimize emits the per-job optimize metric, fire-and-forget.
func (o *Orchestrator) recordOptimize(job types.OptimizationJob, module predictor.Module, latency time.Duration, success bool, errorKind string, accuracy float64, iterations int, train []types.DatasetEntry) {
	if o.recorder == nil {
		return
	}
	version := ""
	if module != nil {
		version = module.Version()
	}
	entry := types.MetricEntry{
		ModuleName:    job.ModuleName,
		ModuleVersion: version,
		Operation:     types.OpOptimize,
		Latency:       latency,
		Success:       success,
		ErrorKind:     errorKind,
		Metadata:      map[string]string{"strategy": string(job.Config.Strategy)},
	}
	if success {
		entry.Accuracy = &accuracy
		tokens := optimizeTokenEstimate(train, iterations)
		entry.TokensUsed = &tokens
	}
	if err := o.recorder.Record(entry); err != nil {
		log.Warn("metric recording failed", "jobID", job.ID, "error", err)
	}
}

// optimizeTokenEstimate approximates the token cost of a run: the mean
// train document at four characters per token, once per iteration.
func optimizeTokenEstimate(train []types.DatasetEntry, iterations int) int {
	if len(train) == 0 || iterations == 0 {
		return 0
	}
	total := 0
	for i := range train {
		total += len(train[i].Input.DocumentContent)
	}
	return (total / len(train)) / 4 * iterations
}

// splitDataset shuffles a copy of the dataset and splits it: the first
// (1 - validationSplit) fraction trains, the remainder validates. The
// two sets are disjoint and cover the dataset; the order is not
// reproducible across runs.
func splitDataset(dataset []types.DatasetEntry, validationSplit float64) (train, validation []types.DatasetEntry) {
	shuffled := append([]types.DatasetEntry(nil), dataset...)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	cut := int(float64(len(shuffled)) * (1 - validationSplit))
	if cut < 1 {
		cut = 1
	}
	if cut >= len(shuffled) {
		cut = len(shuffled) - 1
	}
	return shuffled[:cut], shuffled[cut:]
}

// improvement computes the relative gain in percent. A zero baseline
// reports zero rather than dividing by it.
func improvement(before, after float64) float64 {
	if before == 0 {
		return 0
	}
	return (after - before) / before * 100
}

// seedFor derives a deterministic strategy seed from the job id.
func seedFor(id types.JobID) int64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return int64(h.Sum64())
}
