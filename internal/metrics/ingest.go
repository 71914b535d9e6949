// Package metrics implements the performance metrics ingest and
// aggregator: one MetricEntry per predict/compile/optimize operation,
// rolling in-memory retention, on-demand summaries with trend series,
// and a best-effort mirror into the durable cache.
package metrics

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promptforge/promptforge/pkg/types"
)

var log = slog.Default()

const (
	// maxEntries caps the in-memory sequence; oldest entries are
	// evicted first once the cap is reached.
	maxEntries = 10000

	// retention is how long entries stay in memory before the
	// housekeeping pass evicts them.
	retention = 24 * time.Hour

	// housekeepingInterval is the eviction cadence.
	housekeepingInterval = 60 * time.Second

	// mirrorTTL is the expiry of durable-cache copies. The cache
	// follows its own TTL independently of in-memory retention.
	mirrorTTL = 24 * time.Hour
)

// DurableCache is the narrow mirror capability the ingest consumes.
// The in-memory sequence stays authoritative; mirroring is best effort.
type DurableCache interface {
	Set(key string, value any, ttl time.Duration) error
}

// TimeRange bounds a summary query. A nil range means all entries.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// TrendBucket is one time bucket of a trend series.
type TrendBucket struct {
	Key         string        `json:"key"`
	Count       int           `json:"count"`
	SuccessRate float64       `json:"success_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`
	AvgAccuracy float64       `json:"avg_accuracy"`
	TotalTokens int           `json:"total_tokens"`
}

// Summary is the aggregate view over a set of metric entries.
type Summary struct {
	TotalOperations int                     `json:"total_operations"`
	SuccessRate     float64                 `json:"success_rate"`
	AvgLatency      time.Duration           `json:"avg_latency"`
	AvgAccuracy     float64                 `json:"avg_accuracy"`
	AvgConfidence   float64                 `json:"avg_confidence"`
	TotalTokens     int                     `json:"total_tokens"`
	ByOperation     map[types.Operation]int `json:"by_operation"`
	ByModule        map[string]int          `json:"by_module"`
	ByErrorKind     map[string]int          `json:"by_error_kind"`
	Hourly          []TrendBucket           `json:"hourly"`
	Daily           []TrendBucket           `json:"daily"`
	Weekly          []TrendBucket           `json:"weekly"`
}

// Ingest owns the metric entry sequence. All mutation happens under its
// mutex; readers get copies.
type Ingest struct {
	mu      sync.RWMutex
	entries []types.MetricEntry

	cache     DurableCache // optional
	collector *Collector   // optional

	stopCh  chan struct{}
	loopWg  sync.WaitGroup
	started bool
	stopped bool
	stateMu sync.Mutex // guards started/stopped
}

// NewIngest creates an ingest. cache and collector may be nil.
func NewIngest(cache DurableCache, collector *Collector) *Ingest {
	return &Ingest{
		entries:   make([]types.MetricEntry, 0, 256),
		cache:     cache,
		collector: collector,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the housekeeping loop.
func (in *Ingest) Start() {
	in.stateMu.Lock()
	defer in.stateMu.Unlock()
	if in.started {
		return
	}
	in.started = true

	in.loopWg.Add(1)
	go in.housekeepingLoop()
}

// Stop terminates the housekeeping loop and waits for it to exit.
func (in *Ingest) Stop() {
	in.stateMu.Lock()
	if !in.started || in.stopped {
		in.stateMu.Unlock()
		return
	}
	in.stopped = true
	in.stateMu.Unlock()

	close(in.stopCh)
	in.loopWg.Wait()
}

// Record validates and appends one metric entry. A zero timestamp is
// stamped with the current time. Mirror failures are logged and
// swallowed; they never affect the operation being measured.
func (in *Ingest) Record(entry types.MetricEntry) error {
	switch entry.Operation {
	case types.OpPredict, types.OpCompile, types.OpOptimize:
	default:
		return fmt.Errorf("unknown operation %q", entry.Operation)
	}
	if entry.ModuleName == "" {
		return fmt.Errorf("module name is required")
	}
	if entry.Latency < 0 {
		return fmt.Errorf("negative latency %s", entry.Latency)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	in.mu.Lock()
	in.entries = append(in.entries, entry)
	if overflow := len(in.entries) - maxEntries; overflow > 0 {
		in.entries = append(in.entries[:0:0], in.entries[overflow:]...)
	}
	in.mu.Unlock()

	if in.collector != nil {
		in.collector.ObserveOperation(entry)
	}

	if in.cache != nil {
		key := fmt.Sprintf("metric:%d:%s", entry.Timestamp.UnixNano(), uuid.NewString()[:8])
		if err := in.cache.Set(key, entry, mirrorTTL); err != nil {
			log.Warn("metric mirror failed", "key", key, "error", err)
		}
	}
	return nil
}

// Len returns the number of in-memory entries.
func (in *Ingest) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.entries)
}

// Window returns copies of the entries recorded within the trailing
// duration d.
func (in *Ingest) Window(d time.Duration) []types.MetricEntry {
	cutoff := time.Now().Add(-d)
	in.mu.RLock()
	defer in.mu.RUnlock()

	var out []types.MetricEntry
	for _, e := range in.entries {
		if e.Timestamp.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// AccuracyBefore returns the mean accuracy and sample count of entries
// recorded strictly before the cutoff, considering only entries that
// report an accuracy. Used for the rolling alert baseline.
func (in *Ingest) AccuracyBefore(cutoff time.Time) (float64, int) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	var sum float64
	var n int
	for _, e := range in.entries {
		if e.Accuracy == nil || !e.Timestamp.Before(cutoff) {
			continue
		}
		sum += *e.Accuracy
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

// GetSummary computes the aggregate view over the entries in rng, or
// over all entries when rng is nil. An empty selection yields a zeroed
// summary; it never fails.
func (in *Ingest) GetSummary(rng *TimeRange) Summary {
	in.mu.RLock()
	selected := make([]types.MetricEntry, 0, len(in.entries))
	for _, e := range in.entries {
		if rng != nil {
			if !rng.From.IsZero() && e.Timestamp.Before(rng.From) {
				continue
			}
			if !rng.To.IsZero() && e.Timestamp.After(rng.To) {
				continue
			}
		}
		selected = append(selected, e)
	}
	in.mu.RUnlock()

	s := Summary{
		ByOperation: make(map[types.Operation]int),
		ByModule:    make(map[string]int),
		ByErrorKind: make(map[string]int),
	}
	if len(selected) == 0 {
		return s
	}

	var succeeded int
	var latencySum time.Duration
	var accSum, confSum float64
	var accN, confN int
	for _, e := range selected {
		s.ByOperation[e.Operation]++
		s.ByModule[e.ModuleName]++
		if e.Success {
			succeeded++
		} else if e.ErrorKind != "" {
			s.ByErrorKind[e.ErrorKind]++
		}
		latencySum += e.Latency
		if e.Accuracy != nil {
			accSum += *e.Accuracy
			accN++
		}
		if e.Confidence != nil {
			confSum += *e.Confidence
			confN++
		}
		if e.TokensUsed != nil {
			s.TotalTokens += *e.TokensUsed
		}
	}

	s.TotalOperations = len(selected)
	s.SuccessRate = float64(succeeded) / float64(len(selected))
	s.AvgLatency = latencySum / time.Duration(len(selected))
	if accN > 0 {
		s.AvgAccuracy = accSum / float64(accN)
	}
	if confN > 0 {
		s.AvgConfidence = confSum / float64(confN)
	}

	s.Hourly = buildTrend(selected, hourKey)
	s.Daily = buildTrend(selected, dayKey)
	s.Weekly = buildTrend(selected, weekKey)
	return s
}

// hourKey truncates an RFC3339 UTC timestamp to its hour.
func hourKey(ts time.Time) string { return ts.UTC().Format("2006-01-02T15") }

// dayKey truncates to the calendar day.
func dayKey(ts time.Time) string { return ts.UTC().Format("2006-01-02") }

// weekKey aligns to the preceding Sunday.
func weekKey(ts time.Time) string {
	ts = ts.UTC()
	return ts.AddDate(0, 0, -int(ts.Weekday())).Format("2006-01-02")
}

// buildTrend groups entries into time buckets and computes per-bucket
// statistics, sorted ascending by bucket key.
func buildTrend(entries []types.MetricEntry, key func(time.Time) string) []TrendBucket {
	type agg struct {
		count      int
		succeeded  int
		latencySum time.Duration
		accSum     float64
		accN       int
		tokens     int
	}
	groups := make(map[string]*agg)
	for _, e := range entries {
		k := key(e.Timestamp)
		a := groups[k]
		if a == nil {
			a = &agg{}
			groups[k] = a
		}
		a.count++
		if e.Success {
			a.succeeded++
		}
		a.latencySum += e.Latency
		if e.Accuracy != nil {
			a.accSum += *e.Accuracy
			a.accN++
		}
		if e.TokensUsed != nil {
			a.tokens += *e.TokensUsed
		}
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buckets := make([]TrendBucket, 0, len(keys))
	for _, k := range keys {
		a := groups[k]
		b := TrendBucket{
			Key:         k,
			Count:       a.count,
			SuccessRate: float64(a.succeeded) / float64(a.count),
			AvgLatency:  a.latencySum / time.Duration(a.count),
			TotalTokens: a.tokens,
		}
		if a.accN > 0 {
			b.AvgAccuracy = a.accSum / float64(a.accN)
		}
		buckets = append(buckets, b)
	}
	return buckets
}

// housekeepingLoop evicts entries older than the retention window. This
// is a memory bound, not a correctness requirement; durable-cache copies
// expire on their own TTL.
func (in *Ingest) housekeepingLoop() {
	defer in.loopWg.Done()
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-in.stopCh:
			return
		case <-ticker.C:
			in.evictExpired(time.Now().Add(-retention))
		}
	}
}

func (in *Ingest) evictExpired(cutoff time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()

	keep := in.entries[:0]
	for _, e := range in.entries {
		if e.Timestamp.After(cutoff) {
			keep = append(keep, e)
		}
	}
	if evicted := len(in.entries) - len(keep); evicted > 0 {
		log.Debug("evicted expired metric entries", "count", evicted)
	}
	in.entries = keep
}
