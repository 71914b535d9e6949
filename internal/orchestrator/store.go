package orchestrator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/promptforge/promptforge/pkg/types"
)

// record pairs a job with the dataset it was submitted with. The
// dataset never leaves the store through snapshots.
type record struct {
	job     *types.OptimizationJob
	dataset []types.DatasetEntry
}

// Store owns every optimization job. It is the single source of truth
// for job state: one jobs map plus a pending queue index, all mutation
// under one mutex. Readers only ever receive snapshots.
//
// Status transitions enforced here:
//
//	pending -> running           (MarkRunning, exactly once)
//	running -> completed|failed  (Complete / Fail)
//	pending|running -> cancelled (Cancel)
//
// No transition leaves a terminal state.
type Store struct {
	mu      sync.RWMutex
	jobs    map[types.JobID]*record
	pending []types.JobID // FIFO submission order
}

// NewStore creates an empty job store.
func NewStore() *Store {
	return &Store{jobs: make(map[types.JobID]*record)}
}

// Add registers a new job in pending state and enqueues it.
func (s *Store) Add(job *types.OptimizationJob, dataset []types.DatasetEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	job.Status = types.StatusPending
	s.jobs[job.ID] = &record{job: job, dataset: dataset}
	s.pending = append(s.pending, job.ID)
	return nil
}

// PopPending removes and returns the next pending job id, skipping ids
// cancelled while still queued. Returns false when the queue is empty.
func (s *Store) PopPending() (types.JobID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.pending) > 0 {
		id := s.pending[0]
		s.pending = s.pending[1:]
		if rec, ok := s.jobs[id]; ok && rec.job.Status == types.StatusPending {
			return id, true
		}
	}
	return "", false
}

// Dataset returns the dataset submitted with the job.
func (s *Store) Dataset(id types.JobID) ([]types.DatasetEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return rec.dataset, true
}

// MarkRunning transitions a pending job to running.
func (s *Store) MarkRunning(id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if rec.job.Status != types.StatusPending {
		return fmt.Errorf("job %s is %s, not pending", id, rec.job.Status)
	}
	rec.job.Status = types.StatusRunning
	return nil
}

// SetProgress updates progress and message of a running job. Silently
// ignored once the job left the running state; a cancellation racing a
// progress report must not resurrect the job.
func (s *Store) SetProgress(id types.JobID, progress float64, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok || rec.job.Status != types.StatusRunning {
		return
	}
	if progress > rec.job.Progress {
		rec.job.Progress = progress
	}
	rec.job.Message = message
}

// Complete transitions a running job to completed and writes its
// results in the same critical section. Results are never partially
// visible.
func (s *Store) Complete(id types.JobID, results *types.OptimizationResults) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if rec.job.Status != types.StatusRunning {
		return fmt.Errorf("job %s is %s, not running", id, rec.job.Status)
	}
	now := time.Now().UTC()
	rec.job.Status = types.StatusCompleted
	rec.job.Progress = 100
	rec.job.Message = fmt.Sprintf("completed with %.2f%% improvement", results.ImprovementPercentage)
	rec.job.CompletedAt = &now
	rec.job.Results = results
	return nil
}

// Fail transitions a running job to failed with the captured error
// message. No results are ever persisted for a failed job.
func (s *Store) Fail(id types.JobID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if rec.job.Status.Terminal() {
		return fmt.Errorf("job %s is already %s", id, rec.job.Status)
	}
	now := time.Now().UTC()
	rec.job.Status = types.StatusFailed
	rec.job.ErrorMessage = message
	rec.job.CompletedAt = &now
	return nil
}

// Cancel flips a non-terminal job to cancelled and stamps completed_at.
// A pending job will be skipped by PopPending; a running job keeps
// executing until its next cooperative check, but its outcome is
// already sealed here.
func (s *Store) Cancel(id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if rec.job.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrCancellationFailed, id, rec.job.Status)
	}
	now := time.Now().UTC()
	rec.job.Status = types.StatusCancelled
	rec.job.CompletedAt = &now
	rec.job.Message = "cancelled by caller"
	return nil
}

// Get returns a snapshot of the job.
func (s *Store) Get(id types.JobID) (types.OptimizationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.jobs[id]
	if !ok {
		return types.OptimizationJob{}, ErrJobNotFound
	}
	return snapshot(rec.job), nil
}

// Status returns the current status without copying the whole job.
func (s *Store) Status(id types.JobID) (types.JobStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.jobs[id]
	if !ok {
		return "", ErrJobNotFound
	}
	return rec.job.Status, nil
}

// List returns snapshots of all jobs, newest submission first.
func (s *Store) List() []types.OptimizationJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.OptimizationJob, 0, len(s.jobs))
	for _, rec := range s.jobs {
		out = append(out, snapshot(rec.job))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].StartedAt, out[j].StartedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	return out
}

// JobFilter narrows a job listing. Zero-valued fields do not filter;
// Offset and Limit paginate after filtering and ordering.
type JobFilter struct {
	Status     types.JobStatus
	ModuleName string
	Offset     int
	Limit      int
}

// ListFiltered returns snapshots of the jobs matching the filter,
// newest submission first.
func (s *Store) ListFiltered(f JobFilter) []types.OptimizationJob {
	all := s.List()

	matched := all[:0]
	for _, job := range all {
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		if f.ModuleName != "" && job.ModuleName != f.ModuleName {
			continue
		}
		matched = append(matched, job)
	}

	if f.Offset >= len(matched) {
		return nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched
}

// QueueStats returns the current pending and running counts.
func (s *Store) QueueStats() (pending, running int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.jobs {
		switch rec.job.Status {
		case types.StatusPending:
			pending++
		case types.StatusRunning:
			running++
		}
	}
	return pending, running
}

// Metrics computes the derived view over all jobs on demand.
func (s *Store) Metrics() types.OptimizationStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := types.OptimizationStats{
		ByStatus:      make(map[types.JobStatus]int),
		StrategyUsage: make(map[types.StrategyID]int),
	}
	var improvementSum float64
	var completed int
	for _, rec := range s.jobs {
		stats.TotalJobs++
		stats.ByStatus[rec.job.Status]++
		stats.StrategyUsage[rec.job.Config.Strategy]++
		if rec.job.Status == types.StatusCompleted && rec.job.Results != nil {
			improvementSum += rec.job.Results.ImprovementPercentage
			completed++
		}
	}
	if completed > 0 {
		stats.AverageImprovement = improvementSum / float64(completed)
	}
	return stats
}

// snapshot deep-copies a job so callers never share interior pointers
// with the store.
func snapshot(job *types.OptimizationJob) types.OptimizationJob {
	out := *job
	if job.StartedAt != nil {
		t := *job.StartedAt
		out.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		out.CompletedAt = &t
	}
	if job.Config.Metrics != nil {
		out.Config.Metrics = append([]string(nil), job.Config.Metrics...)
	}
	if job.Results != nil {
		res := *job.Results
		res.History = append([]types.IterationRecord(nil), job.Results.History...)
		if job.Results.ValidationMetrics != nil {
			res.ValidationMetrics = make(map[string]float64, len(job.Results.ValidationMetrics))
			for k, v := range job.Results.ValidationMetrics {
				res.ValidationMetrics[k] = v
			}
		}
		out.Results = &res
	}
	return out
}
