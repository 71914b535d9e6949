// Package evaluator runs a prediction module against a dataset split
// and produces aggregate accuracy and latency metrics. It is used both
// for the baseline measurement and as the post-optimization gate.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/promptforge/promptforge/internal/predictor"
	"github.com/promptforge/promptforge/pkg/types"
)

var log = slog.Default()

// riskTolerance is the fixed correctness band: a prediction counts as
// correct when its risk score lands within this many points of the
// expected score. Deliberately not configurable.
const riskTolerance = 10.0

// Recorder receives one metric entry per prediction. Satisfied by the
// metrics ingest; may be nil.
type Recorder interface {
	Record(entry types.MetricEntry) error
}

// Evaluator scores modules against labeled datasets.
type Evaluator struct {
	recorder Recorder
}

// New creates an evaluator. recorder may be nil.
func New(recorder Recorder) *Evaluator {
	return &Evaluator{recorder: recorder}
}

// Evaluate runs the module over every entry and aggregates the results.
//
// Scoring rules:
//   - a prediction is correct iff its risk score is within riskTolerance
//     points of the expected score;
//   - a failed prediction counts against accuracy as incorrect but is
//     excluded from the latency mean;
//   - f1/precision/recall are fixed linear functions of accuracy
//     (0.9x, 0.95x, 0.85x). The dataset labels a scalar risk score, so
//     a confusion matrix has no natural definition here; the multiples
//     are a documented approximation.
func (ev *Evaluator) Evaluate(ctx context.Context, module predictor.Module, dataset []types.DatasetEntry) (types.EvalResult, error) {
	if len(dataset) == 0 {
		return types.EvalResult{}, errors.New("empty dataset")
	}

	correct := 0
	var latencySum time.Duration
	measured := 0

	for i := range dataset {
		if err := ctx.Err(); err != nil {
			return types.EvalResult{}, fmt.Errorf("evaluation aborted: %w", err)
		}
		entry := &dataset[i]

		start := time.Now()
		result, err := module.Predict(ctx, entry.Input)
		elapsed := time.Since(start)

		if err != nil {
			// Per-entry failures count as incorrect, never propagate.
			log.Debug("prediction failed during evaluation",
				"module", module.Name(), "entry", i, "error", err)
			ev.recordFailed(module, entry.Input, elapsed)
			continue
		}

		measured++
		latencySum += elapsed
		ok := diff(result.RiskScore, entry.Expected.RiskScore) <= riskTolerance
		if ok {
			correct++
		}
		ev.recordScored(module, entry.Input, result, elapsed, ok)
	}

	res := types.EvalResult{
		Accuracy: float64(correct) / float64(len(dataset)),
	}
	if measured > 0 {
		res.Latency = latencySum / time.Duration(measured)
	}
	res.F1 = res.Accuracy * 0.9
	res.Precision = res.Accuracy * 0.95
	res.Recall = res.Accuracy * 0.85
	return res, nil
}

func diff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

// recordFailed emits a predict metric for a failed prediction.
func (ev *Evaluator) recordFailed(module predictor.Module, in types.AnalysisInput, latency time.Duration) {
	if ev.recorder == nil {
		return
	}
	entry := types.MetricEntry{
		ModuleName:    module.Name(),
		ModuleVersion: module.Version(),
		Operation:     types.OpPredict,
		InputSize:     len(in.DocumentContent),
		Latency:       latency,
		Success:       false,
		ErrorKind:     "prediction_error",
	}
	if err := ev.recorder.Record(entry); err != nil {
		log.Warn("metric recording failed", "error", err)
	}
}

// recordScored emits a predict metric for a scored prediction,
// including accuracy, confidence and a token estimate.
func (ev *Evaluator) recordScored(module predictor.Module, in types.AnalysisInput, out types.AnalysisResult, latency time.Duration, correct bool) {
	if ev.recorder == nil {
		return
	}
	accuracy := 0.0
	if correct {
		accuracy = 1.0
	}
	confidence := confidenceOf(out)
	tokens := estimateTokens(in, out)
	entry := types.MetricEntry{
		ModuleName:    module.Name(),
		ModuleVersion: module.Version(),
		Operation:     types.OpPredict,
		InputSize:     len(in.DocumentContent),
		OutputSize:    len(out.KeyFindings),
		Latency:       latency,
		Success:       true,
		Accuracy:      &accuracy,
		Confidence:    &confidence,
		TokensUsed:    &tokens,
	}
	if err := ev.recorder.Record(entry); err != nil {
		log.Warn("metric recording failed", "error", err)
	}
}

// confidenceOf averages the finding confidences, defaulting to 0.5 for
// results that report none.
func confidenceOf(out types.AnalysisResult) float64 {
	if len(out.Findings) == 0 {
		return 0.5
	}
	sum := 0.0
	for _, f := range out.Findings {
		sum += f.Confidence
	}
	return sum / float64(len(out.Findings))
}

// estimateTokens approximates usage at one token per four input
// characters plus a flat cost per produced finding.
func estimateTokens(in types.AnalysisInput, out types.AnalysisResult) int {
	return len(in.DocumentContent)/4 + len(out.Findings)*16
}
