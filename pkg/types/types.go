// Package types defines the core domain model shared by the orchestrator,
// the metrics engine and the alert engine.
package types

import (
	"fmt"
	"time"
)

// JobID uniquely identifies an optimization job.
type JobID string

// JobStatus is the lifecycle state of an optimization job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"   // created, waiting in the queue
	StatusRunning   JobStatus = "running"   // picked up by the pipeline worker
	StatusCompleted JobStatus = "completed" // terminal: results written
	StatusFailed    JobStatus = "failed"    // terminal: error_message set
	StatusCancelled JobStatus = "cancelled" // terminal: cancelled by the caller
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StrategyID selects one of the four optimizer strategies.
type StrategyID string

const (
	StrategyDepthSearch     StrategyID = "depth_search"
	StrategyFewShot         StrategyID = "few_shot_bootstrap"
	StrategyCollaborative   StrategyID = "collaborative_refinement"
	StrategySignatureSearch StrategyID = "signature_search"
)

// Strategies lists all known strategy identifiers.
func Strategies() []StrategyID {
	return []StrategyID{
		StrategyDepthSearch,
		StrategyFewShot,
		StrategyCollaborative,
		StrategySignatureSearch,
	}
}

// Operation classifies a recorded metric event.
type Operation string

const (
	OpPredict  Operation = "predict"
	OpCompile  Operation = "compile"
	OpOptimize Operation = "optimize"
)

// OptimizationConfig is the immutable input of a job submission.
type OptimizationConfig struct {
	Strategy             StrategyID `json:"strategy"`
	DatasetSize          int        `json:"dataset_size"`
	MaxIterations        int        `json:"max_iterations"`
	ImprovementThreshold float64    `json:"improvement_threshold"`
	TimeoutMinutes       int        `json:"timeout_minutes"`
	ValidationSplit      float64    `json:"validation_split"`
	Metrics              []string   `json:"metrics,omitempty"`
}

// ApplyDefaults fills zero-valued optional fields.
func (c *OptimizationConfig) ApplyDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 20
	}
}

// Validate checks the config against the documented ranges. It does not
// mutate the config; call ApplyDefaults first.
func (c OptimizationConfig) Validate() error {
	known := false
	for _, s := range Strategies() {
		if c.Strategy == s {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown strategy %q", c.Strategy)
	}
	if c.DatasetSize < 10 || c.DatasetSize > 10000 {
		return fmt.Errorf("dataset_size %d outside [10,10000]", c.DatasetSize)
	}
	if c.MaxIterations < 1 || c.MaxIterations > 100 {
		return fmt.Errorf("max_iterations %d outside [1,100]", c.MaxIterations)
	}
	if c.TimeoutMinutes < 1 || c.TimeoutMinutes > 60 {
		return fmt.Errorf("timeout_minutes %d outside [1,60]", c.TimeoutMinutes)
	}
	if c.ValidationSplit < 0.1 || c.ValidationSplit > 0.5 {
		return fmt.Errorf("validation_split %.2f outside [0.1,0.5]", c.ValidationSplit)
	}
	if c.ImprovementThreshold < 0 {
		return fmt.Errorf("improvement_threshold %.2f must not be negative", c.ImprovementThreshold)
	}
	return nil
}

// AnalysisInput is the structured input of one prediction.
type AnalysisInput struct {
	DocumentContent string `json:"document_content"`
	DocumentType    string `json:"document_type"`
	Language        string `json:"language"`
	AnalysisDepth   string `json:"analysis_depth"`
}

// Finding is one issue identified in a document.
type Finding struct {
	Category   string  `json:"category"`
	Severity   string  `json:"severity"`
	Confidence float64 `json:"confidence"`
}

// AnalysisResult is the structured risk assessment a module produces.
type AnalysisResult struct {
	RiskScore   float64   `json:"risk_score"`
	KeyFindings []string  `json:"key_findings"`
	Findings    []Finding `json:"findings"`
}

// DatasetEntry is one labeled example: input plus expected output.
// Immutable once accepted into a job.
type DatasetEntry struct {
	Input    AnalysisInput  `json:"input"`
	Expected AnalysisResult `json:"expected"`
}

// EvalResult aggregates the evaluator's metrics over one dataset split.
type EvalResult struct {
	Accuracy  float64       `json:"accuracy"`
	Latency   time.Duration `json:"latency"`
	F1        float64       `json:"f1"`
	Precision float64       `json:"precision"`
	Recall    float64       `json:"recall"`
}

// IterationRecord is one strategy iteration as reported through the
// progress callbacks and stored on the final results.
type IterationRecord struct {
	Iteration int       `json:"iteration"`
	Score     float64   `json:"score"`
	Candidate string    `json:"candidate"`
	Timestamp time.Time `json:"timestamp"`
}

// OptimizationResults is written once, atomically, when a job completes.
type OptimizationResults struct {
	PerformanceBefore     float64            `json:"performance_before"`
	PerformanceAfter      float64            `json:"performance_after"`
	ImprovementPercentage float64            `json:"improvement_percentage"`
	CompilationTime       time.Duration      `json:"compilation_time"`
	IterationsCompleted   int                `json:"iterations_completed"`
	BestPrompt            string             `json:"best_prompt"`
	ValidationMetrics     map[string]float64 `json:"validation_metrics"`
	History               []IterationRecord  `json:"history"`
}

// OptimizationJob is the central entity owned by the orchestrator.
// External readers only ever observe snapshots (copies) of it.
type OptimizationJob struct {
	ID           JobID                `json:"id"`
	ModuleName   string               `json:"module_name"`
	Config       OptimizationConfig   `json:"config"`
	Status       JobStatus            `json:"status"`
	Progress     float64              `json:"progress"`
	Message      string               `json:"message,omitempty"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
	Results      *OptimizationResults `json:"results,omitempty"`
}

// MetricEntry is one immutable recorded fact about a single operation.
type MetricEntry struct {
	Timestamp     time.Time         `json:"timestamp"`
	ModuleName    string            `json:"module_name"`
	ModuleVersion string            `json:"module_version"`
	Operation     Operation         `json:"operation"`
	InputSize     int               `json:"input_size"`
	OutputSize    int               `json:"output_size"`
	Latency       time.Duration     `json:"latency"`
	Success       bool              `json:"success"`
	ErrorKind     string            `json:"error_kind,omitempty"`
	Accuracy      *float64          `json:"accuracy,omitempty"`
	Confidence    *float64          `json:"confidence,omitempty"`
	TokensUsed    *int              `json:"tokens_used,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// AlertType classifies a performance alert.
type AlertType string

const (
	AlertLatencySpike  AlertType = "latency_spike"
	AlertAccuracyDrop  AlertType = "accuracy_drop"
	AlertErrorRateHigh AlertType = "error_rate_high"
	AlertTokenUsage    AlertType = "token_usage_high"
)

// AlertSeverity orders alerts by urgency.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// PerformanceAlert is a raised threshold breach. Created by the alert
// engine; mutated only by resolution and retention housekeeping.
type PerformanceAlert struct {
	ID         string        `json:"id"`
	Type       AlertType     `json:"type"`
	Severity   AlertSeverity `json:"severity"`
	Message    string        `json:"message"`
	Threshold  float64       `json:"threshold"`
	Observed   float64       `json:"observed"`
	ModuleName string        `json:"module_name,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	Resolved   bool          `json:"resolved"`
}

// Thresholds is the process-wide alerting configuration. Updates apply
// immediately to subsequent checks; there is no versioning or rollback.
type Thresholds struct {
	MaxLatency          time.Duration `json:"max_latency"`
	MaxErrorRate        float64       `json:"max_error_rate"`
	MaxAccuracyDrop     float64       `json:"max_accuracy_drop"`
	MaxTokensPerRequest float64       `json:"max_tokens_per_request"`
}

// Validate rejects limits an alert check could never apply sensibly.
func (t Thresholds) Validate() error {
	if t.MaxLatency <= 0 {
		return fmt.Errorf("max_latency must be positive, got %s", t.MaxLatency)
	}
	if t.MaxErrorRate <= 0 || t.MaxErrorRate > 1 {
		return fmt.Errorf("max_error_rate %.3f outside (0,1]", t.MaxErrorRate)
	}
	if t.MaxAccuracyDrop <= 0 || t.MaxAccuracyDrop > 1 {
		return fmt.Errorf("max_accuracy_drop %.3f outside (0,1]", t.MaxAccuracyDrop)
	}
	if t.MaxTokensPerRequest <= 0 {
		return fmt.Errorf("max_tokens_per_request must be positive, got %.0f", t.MaxTokensPerRequest)
	}
	return nil
}

// OptimizationStats is the derived view over all jobs.
type OptimizationStats struct {
	TotalJobs          int                `json:"total_jobs"`
	ByStatus           map[JobStatus]int  `json:"by_status"`
	AverageImprovement float64            `json:"average_improvement"`
	StrategyUsage      map[StrategyID]int `json:"strategy_usage"`
}
