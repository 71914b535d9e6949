// Package alerts implements the performance alert engine: a fixed
// cadence over the recent metric window, four independent threshold
// checks, dedupe against unresolved alerts, and retention housekeeping.
package alerts

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promptforge/promptforge/internal/metrics"
	"github.com/promptforge/promptforge/pkg/types"
)

var log = slog.Default()

const (
	// checkInterval is the alert evaluation cadence.
	checkInterval = 30 * time.Second

	// windowSize is the trailing metric window each check inspects.
	windowSize = 5 * time.Minute

	// dedupeWindow suppresses a new alert when an unresolved alert of
	// the same type and module scope was raised this recently.
	dedupeWindow = 10 * time.Minute

	// maxAlerts caps the alert list; oldest alerts are dropped first.
	maxAlerts = 1000

	// resolvedRetention is how long resolved alerts stay before the
	// housekeeping pass purges them.
	resolvedRetention = 7 * 24 * time.Hour

	// fallbackBaseline is the accuracy baseline used until enough
	// history has accumulated for a rolling one.
	fallbackBaseline = 0.85

	// baselineMinSamples is the minimum number of accuracy-bearing
	// entries before the rolling baseline is trusted.
	baselineMinSamples = 20
)

// ErrAlertNotFound marks a resolve request for an id that never existed.
var ErrAlertNotFound = errors.New("alert not found")

// MetricsSource is the narrow read capability the engine consumes.
type MetricsSource interface {
	Window(d time.Duration) []types.MetricEntry
	AccuracyBefore(cutoff time.Time) (float64, int)
}

// DefaultThresholds returns the limits the engine starts with when the
// configuration does not override them.
func DefaultThresholds() types.Thresholds {
	return types.Thresholds{
		MaxLatency:          5 * time.Second,
		MaxErrorRate:        0.10,
		MaxAccuracyDrop:     0.10,
		MaxTokensPerRequest: 4000,
	}
}

// Engine evaluates thresholds against recent metrics and owns the
// alert list. Thresholds are process-wide and mutable; updates apply
// to the next check cycle immediately.
type Engine struct {
	mu         sync.RWMutex
	thresholds types.Thresholds
	alerts     []*types.PerformanceAlert
	resolvedAt map[string]time.Time

	source    MetricsSource
	collector *metrics.Collector // optional

	stopCh  chan struct{}
	loopWg  sync.WaitGroup
	stateMu sync.Mutex
	started bool
	stopped bool
}

// New creates an engine with the given thresholds. collector may be nil.
func New(source MetricsSource, thresholds types.Thresholds, collector *metrics.Collector) (*Engine, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}
	return &Engine{
		thresholds: thresholds,
		resolvedAt: make(map[string]time.Time),
		source:     source,
		collector:  collector,
		stopCh:     make(chan struct{}),
	}, nil
}

// Start launches the check loop.
func (e *Engine) Start() {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.started {
		return
	}
	e.started = true

	e.loopWg.Add(1)
	go e.checkLoop()
}

// Stop terminates the check loop and waits for it to exit.
func (e *Engine) Stop() {
	e.stateMu.Lock()
	if !e.started || e.stopped {
		e.stateMu.Unlock()
		return
	}
	e.stopped = true
	e.stateMu.Unlock()

	close(e.stopCh)
	e.loopWg.Wait()
}

// Thresholds returns the current limits.
func (e *Engine) Thresholds() types.Thresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thresholds
}

// UpdateThresholds replaces the limits. Applied immediately to
// subsequent checks; there is no versioning or rollback.
func (e *Engine) UpdateThresholds(t types.Thresholds) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid thresholds: %w", err)
	}
	e.mu.Lock()
	e.thresholds = t
	e.mu.Unlock()
	log.Info("alert thresholds updated",
		"maxLatency", t.MaxLatency,
		"maxErrorRate", t.MaxErrorRate,
		"maxAccuracyDrop", t.MaxAccuracyDrop,
		"maxTokensPerRequest", t.MaxTokensPerRequest)
	return nil
}

// ActiveAlerts returns copies of all unresolved alerts, newest first.
func (e *Engine) ActiveAlerts() []types.PerformanceAlert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []types.PerformanceAlert
	for i := len(e.alerts) - 1; i >= 0; i-- {
		if !e.alerts[i].Resolved {
			out = append(out, *e.alerts[i])
		}
	}
	return out
}

// AllAlerts returns copies of the most recent alerts, newest first,
// resolved or not. A non-positive limit returns everything.
func (e *Engine) AllAlerts(limit int) []types.PerformanceAlert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]types.PerformanceAlert, 0, len(e.alerts))
	for i := len(e.alerts) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, *e.alerts[i])
	}
	return out
}

// ResolveAlert flips the resolved flag. Idempotent: resolving an
// already-resolved alert succeeds without changing state. Only an id
// that never existed reports ErrAlertNotFound.
func (e *Engine) ResolveAlert(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, a := range e.alerts {
		if a.ID != id {
			continue
		}
		if !a.Resolved {
			a.Resolved = true
			e.resolvedAt[id] = time.Now().UTC()
			log.Info("alert resolved", "alertID", id, "type", a.Type)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
}

// checkLoop runs the threshold checks and housekeeping on a fixed
// cadence until stopped.
func (e *Engine) checkLoop() {
	defer e.loopWg.Done()
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.runChecks()
			e.housekeeping()
		}
	}
}

// runChecks evaluates the four threshold checks over the trailing
// window. Each check is independent and raises at most one alert per
// cycle; an empty window is a no-op.
func (e *Engine) runChecks() {
	entries := e.source.Window(windowSize)
	if len(entries) == 0 {
		return
	}
	t := e.Thresholds()

	if a := e.checkLatency(entries, t); a != nil {
		e.raise(a)
	}
	if a := e.checkErrorRate(entries, t); a != nil {
		e.raise(a)
	}
	if a := e.checkAccuracyDrop(entries, t); a != nil {
		e.raise(a)
	}
	if a := e.checkTokenUsage(entries, t); a != nil {
		e.raise(a)
	}
}

// checkLatency alerts when the window's mean latency exceeds the limit.
func (e *Engine) checkLatency(entries []types.MetricEntry, t types.Thresholds) *types.PerformanceAlert {
	var sum time.Duration
	for _, en := range entries {
		sum += en.Latency
	}
	mean := sum / time.Duration(len(entries))
	if mean <= t.MaxLatency {
		return nil
	}
	severity := types.SeverityMedium
	if mean > 2*t.MaxLatency {
		severity = types.SeverityHigh
	}
	return &types.PerformanceAlert{
		Type:      types.AlertLatencySpike,
		Severity:  severity,
		Message:   fmt.Sprintf("mean latency %s exceeds limit %s", mean.Round(time.Millisecond), t.MaxLatency),
		Threshold: t.MaxLatency.Seconds(),
		Observed:  mean.Seconds(),
	}
}

// checkErrorRate alerts when the window's failure fraction exceeds the
// limit.
func (e *Engine) checkErrorRate(entries []types.MetricEntry, t types.Thresholds) *types.PerformanceAlert {
	var failed int
	for _, en := range entries {
		if !en.Success {
			failed++
		}
	}
	rate := float64(failed) / float64(len(entries))
	if rate <= t.MaxErrorRate {
		return nil
	}
	severity := types.SeverityHigh
	if rate > 2*t.MaxErrorRate {
		severity = types.SeverityCritical
	}
	return &types.PerformanceAlert{
		Type:      types.AlertErrorRateHigh,
		Severity:  severity,
		Message:   fmt.Sprintf("error rate %.1f%% exceeds limit %.1f%%", rate*100, t.MaxErrorRate*100),
		Threshold: t.MaxErrorRate,
		Observed:  rate,
	}
}

// checkAccuracyDrop compares the window's mean accuracy against a
// rolling historical baseline. Until baselineMinSamples accuracy
// readings predate the window, a fixed fallback baseline applies.
func (e *Engine) checkAccuracyDrop(entries []types.MetricEntry, t types.Thresholds) *types.PerformanceAlert {
	var sum float64
	var n int
	for _, en := range entries {
		if en.Accuracy != nil {
			sum += *en.Accuracy
			n++
		}
	}
	if n == 0 {
		return nil
	}
	current := sum / float64(n)

	baseline, samples := e.source.AccuracyBefore(time.Now().Add(-windowSize))
	if samples < baselineMinSamples || baseline == 0 {
		baseline = fallbackBaseline
	}

	drop := (baseline - current) / baseline
	if drop <= t.MaxAccuracyDrop {
		return nil
	}
	severity := types.SeverityHigh
	if drop > 2*t.MaxAccuracyDrop {
		severity = types.SeverityCritical
	}
	return &types.PerformanceAlert{
		Type:      types.AlertAccuracyDrop,
		Severity:  severity,
		Message:   fmt.Sprintf("accuracy %.3f dropped %.1f%% below baseline %.3f", current, drop*100, baseline),
		Threshold: t.MaxAccuracyDrop,
		Observed:  drop,
	}
}

// checkTokenUsage alerts when the window's mean tokens per request
// exceed the limit, over the entries that report usage.
func (e *Engine) checkTokenUsage(entries []types.MetricEntry, t types.Thresholds) *types.PerformanceAlert {
	var sum, n int
	for _, en := range entries {
		if en.TokensUsed != nil {
			sum += *en.TokensUsed
			n++
		}
	}
	if n == 0 {
		return nil
	}
	mean := float64(sum) / float64(n)
	if mean <= t.MaxTokensPerRequest {
		return nil
	}
	severity := types.SeverityMedium
	if mean > 2*t.MaxTokensPerRequest {
		severity = types.SeverityHigh
	}
	return &types.PerformanceAlert{
		Type:      types.AlertTokenUsage,
		Severity:  severity,
		Message:   fmt.Sprintf("mean token usage %.0f exceeds limit %.0f", mean, t.MaxTokensPerRequest),
		Threshold: t.MaxTokensPerRequest,
		Observed:  mean,
	}
}

// raise stores a new alert unless an unresolved alert of the same type
// and module scope was created within the dedupe window. A sustained
// breach therefore produces one alert, not one per cycle.
func (e *Engine) raise(alert *types.PerformanceAlert) {
	now := time.Now().UTC()

	e.mu.Lock()
	for _, existing := range e.alerts {
		if existing.Type == alert.Type &&
			existing.ModuleName == alert.ModuleName &&
			!existing.Resolved &&
			now.Sub(existing.Timestamp) < dedupeWindow {
			e.mu.Unlock()
			return
		}
	}
	alert.ID = uuid.NewString()
	alert.Timestamp = now
	e.alerts = append(e.alerts, alert)
	if overflow := len(e.alerts) - maxAlerts; overflow > 0 {
		for _, dropped := range e.alerts[:overflow] {
			delete(e.resolvedAt, dropped.ID)
		}
		e.alerts = append(e.alerts[:0:0], e.alerts[overflow:]...)
	}
	e.mu.Unlock()

	if e.collector != nil {
		e.collector.RecordAlert(alert.Type, alert.Severity)
	}
	log.Warn("performance alert raised",
		"alertID", alert.ID,
		"type", alert.Type,
		"severity", alert.Severity,
		"observed", alert.Observed,
		"threshold", alert.Threshold)
}

// housekeeping purges resolved alerts past the retention window.
func (e *Engine) housekeeping() {
	cutoff := time.Now().UTC().Add(-resolvedRetention)

	e.mu.Lock()
	defer e.mu.Unlock()

	keep := e.alerts[:0]
	for _, a := range e.alerts {
		if a.Resolved {
			if ts, ok := e.resolvedAt[a.ID]; ok && ts.Before(cutoff) {
				delete(e.resolvedAt, a.ID)
				continue
			}
		}
		keep = append(keep, a)
	}
	if purged := len(e.alerts) - len(keep); purged > 0 {
		log.Debug("purged resolved alerts", "count", purged)
	}
	e.alerts = keep
}
