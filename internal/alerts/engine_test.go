package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/promptforge/pkg/types"
)

// fakeSource feeds the engine fixed metric windows and baselines.
type fakeSource struct {
	entries         []types.MetricEntry
	baseline        float64
	baselineSamples int
}

func (f *fakeSource) Window(d time.Duration) []types.MetricEntry {
	return f.entries
}

func (f *fakeSource) AccuracyBefore(cutoff time.Time) (float64, int) {
	return f.baseline, f.baselineSamples
}

func testThresholds() types.Thresholds {
	return types.Thresholds{
		MaxLatency:          100 * time.Millisecond,
		MaxErrorRate:        0.10,
		MaxAccuracyDrop:     0.10,
		MaxTokensPerRequest: 4000,
	}
}

func newTestEngine(t *testing.T, source MetricsSource) *Engine {
	t.Helper()
	e, err := New(source, testThresholds(), nil)
	require.NoError(t, err)
	return e
}

func entriesWithLatency(n int, latency time.Duration) []types.MetricEntry {
	out := make([]types.MetricEntry, n)
	for i := range out {
		out[i] = types.MetricEntry{
			ModuleName: "legal_analysis",
			Operation:  types.OpPredict,
			Latency:    latency,
			Success:    true,
			Timestamp:  time.Now(),
		}
	}
	return out
}

func TestNewRejectsInvalidThresholds(t *testing.T) {
	_, err := New(&fakeSource{}, types.Thresholds{}, nil)
	assert.Error(t, err)
}

func TestEmptyWindowIsNoop(t *testing.T) {
	e := newTestEngine(t, &fakeSource{})
	e.runChecks()
	assert.Empty(t, e.AllAlerts(0))
}

func TestLatencySpikeWithDedupe(t *testing.T) {
	// Mean latency 250ms is more than double the 100ms limit: exactly
	// one high-severity alert, and a second check creates no duplicate.
	src := &fakeSource{entries: entriesWithLatency(10, 250*time.Millisecond)}
	e := newTestEngine(t, src)

	e.runChecks()
	alerts := e.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, types.AlertLatencySpike, alerts[0].Type)
	assert.Equal(t, types.SeverityHigh, alerts[0].Severity)
	assert.InDelta(t, 0.25, alerts[0].Observed, 1e-9)
	assert.InDelta(t, 0.1, alerts[0].Threshold, 1e-9)
	assert.NotEmpty(t, alerts[0].ID)
	assert.False(t, alerts[0].Resolved)

	e.runChecks()
	assert.Len(t, e.ActiveAlerts(), 1, "sustained breach must not create duplicates")
}

func TestLatencySeverityEscalation(t *testing.T) {
	// 150ms is above the limit but below double: medium severity.
	src := &fakeSource{entries: entriesWithLatency(10, 150*time.Millisecond)}
	e := newTestEngine(t, src)

	e.runChecks()
	alerts := e.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, types.SeverityMedium, alerts[0].Severity)
}

func TestResolvedAlertDoesNotSuppress(t *testing.T) {
	src := &fakeSource{entries: entriesWithLatency(10, 250*time.Millisecond)}
	e := newTestEngine(t, src)

	e.runChecks()
	alerts := e.ActiveAlerts()
	require.Len(t, alerts, 1)
	require.NoError(t, e.ResolveAlert(alerts[0].ID))

	e.runChecks()
	assert.Len(t, e.ActiveAlerts(), 1,
		"a resolved alert must not suppress a new one for the same breach")
	assert.Len(t, e.AllAlerts(0), 2)
}

func TestErrorRateCheck(t *testing.T) {
	// Half the window failed against a 10% limit: critical.
	entries := entriesWithLatency(10, 10*time.Millisecond)
	for i := 0; i < 5; i++ {
		entries[i].Success = false
	}
	e := newTestEngine(t, &fakeSource{entries: entries})

	e.runChecks()
	alerts := e.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, types.AlertErrorRateHigh, alerts[0].Type)
	assert.Equal(t, types.SeverityCritical, alerts[0].Severity)
	assert.InDelta(t, 0.5, alerts[0].Observed, 1e-9)
}

func TestAccuracyDropAgainstFallbackBaseline(t *testing.T) {
	// Too little history: the fixed fallback baseline of 0.85 applies.
	// Current accuracy 0.5 is a 41% drop, more than double the 10% limit.
	entries := entriesWithLatency(4, 10*time.Millisecond)
	acc := 0.5
	for i := range entries {
		entries[i].Accuracy = &acc
	}
	e := newTestEngine(t, &fakeSource{entries: entries, baselineSamples: 3})

	e.runChecks()
	alerts := e.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, types.AlertAccuracyDrop, alerts[0].Type)
	assert.Equal(t, types.SeverityCritical, alerts[0].Severity)
	assert.InDelta(t, (0.85-0.5)/0.85, alerts[0].Observed, 1e-9)
}

func TestAccuracyDropAgainstRollingBaseline(t *testing.T) {
	// Enough history: the rolling baseline replaces the fallback. A
	// current accuracy of 0.88 against a 0.95 baseline is a 7.4% drop,
	// below the limit, so no alert fires.
	entries := entriesWithLatency(4, 10*time.Millisecond)
	acc := 0.88
	for i := range entries {
		entries[i].Accuracy = &acc
	}
	e := newTestEngine(t, &fakeSource{entries: entries, baseline: 0.95, baselineSamples: 100})

	e.runChecks()
	assert.Empty(t, e.ActiveAlerts())
}

func TestAccuracyCheckSkipsWithoutReadings(t *testing.T) {
	// No entry reports accuracy: the check is skipped entirely.
	e := newTestEngine(t, &fakeSource{entries: entriesWithLatency(5, 10*time.Millisecond)})
	e.runChecks()
	assert.Empty(t, e.ActiveAlerts())
}

func TestTokenUsageCheck(t *testing.T) {
	entries := entriesWithLatency(4, 10*time.Millisecond)
	tokens := 5000
	for i := range entries {
		entries[i].TokensUsed = &tokens
	}
	e := newTestEngine(t, &fakeSource{entries: entries})

	e.runChecks()
	alerts := e.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, types.AlertTokenUsage, alerts[0].Type)
	assert.Equal(t, types.SeverityMedium, alerts[0].Severity)

	// More than double the limit escalates to high.
	tokens = 9000
	e2 := newTestEngine(t, &fakeSource{entries: entries})
	e2.runChecks()
	alerts = e2.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, types.SeverityHigh, alerts[0].Severity)
}

func TestMultipleChecksFireIndependently(t *testing.T) {
	entries := entriesWithLatency(10, 250*time.Millisecond)
	for i := 0; i < 5; i++ {
		entries[i].Success = false
	}
	e := newTestEngine(t, &fakeSource{entries: entries})

	e.runChecks()
	alerts := e.ActiveAlerts()
	require.Len(t, alerts, 2)
	kinds := map[types.AlertType]bool{}
	for _, a := range alerts {
		kinds[a.Type] = true
	}
	assert.True(t, kinds[types.AlertLatencySpike])
	assert.True(t, kinds[types.AlertErrorRateHigh])
}

func TestResolveAlert(t *testing.T) {
	src := &fakeSource{entries: entriesWithLatency(10, 250*time.Millisecond)}
	e := newTestEngine(t, src)
	e.runChecks()

	alerts := e.ActiveAlerts()
	require.Len(t, alerts, 1)
	id := alerts[0].ID

	require.NoError(t, e.ResolveAlert(id))
	assert.Empty(t, e.ActiveAlerts())

	all := e.AllAlerts(0)
	require.Len(t, all, 1)
	assert.True(t, all[0].Resolved)

	// Idempotent: resolving again succeeds without changing state.
	require.NoError(t, e.ResolveAlert(id))

	assert.ErrorIs(t, e.ResolveAlert("never-existed"), ErrAlertNotFound)
}

func TestAllAlertsLimit(t *testing.T) {
	e := newTestEngine(t, &fakeSource{})

	for i := 0; i < 5; i++ {
		e.raise(&types.PerformanceAlert{
			Type:       types.AlertLatencySpike,
			Severity:   types.SeverityMedium,
			ModuleName: string(rune('a' + i)), // distinct scopes defeat dedupe
		})
	}

	assert.Len(t, e.AllAlerts(0), 5)
	limited := e.AllAlerts(3)
	require.Len(t, limited, 3)
	assert.Equal(t, "e", limited[0].ModuleName, "newest alert comes first")
}

func TestAlertListCap(t *testing.T) {
	e := newTestEngine(t, &fakeSource{})
	for i := 0; i < maxAlerts+20; i++ {
		e.raise(&types.PerformanceAlert{
			Type:       types.AlertTokenUsage,
			Severity:   types.SeverityLow,
			ModuleName: string(rune(i)), // unique scope per alert
		})
	}
	assert.Len(t, e.AllAlerts(0), maxAlerts, "alert list must stay capped")
}

func TestHousekeepingPurgesOldResolved(t *testing.T) {
	e := newTestEngine(t, &fakeSource{})
	e.raise(&types.PerformanceAlert{Type: types.AlertLatencySpike, Severity: types.SeverityMedium})

	alerts := e.AllAlerts(0)
	require.Len(t, alerts, 1)
	require.NoError(t, e.ResolveAlert(alerts[0].ID))

	// Recently resolved alerts survive housekeeping.
	e.housekeeping()
	assert.Len(t, e.AllAlerts(0), 1)

	// Backdate the resolution past the retention window.
	e.mu.Lock()
	e.resolvedAt[alerts[0].ID] = time.Now().UTC().Add(-8 * 24 * time.Hour)
	e.mu.Unlock()

	e.housekeeping()
	assert.Empty(t, e.AllAlerts(0), "resolved alerts past retention are purged")
}

func TestUpdateThresholds(t *testing.T) {
	e := newTestEngine(t, &fakeSource{})

	assert.Equal(t, testThresholds(), e.Thresholds())

	updated := testThresholds()
	updated.MaxLatency = time.Second
	require.NoError(t, e.UpdateThresholds(updated))
	assert.Equal(t, time.Second, e.Thresholds().MaxLatency)

	bad := testThresholds()
	bad.MaxErrorRate = 2.0
	assert.Error(t, e.UpdateThresholds(bad), "invalid thresholds must be rejected")
	assert.Equal(t, updated, e.Thresholds(), "rejected update must not apply")
}

func TestStartStopIdempotent(t *testing.T) {
	e := newTestEngine(t, &fakeSource{})
	e.Start()
	e.Start()
	e.Stop()
	e.Stop()
}
