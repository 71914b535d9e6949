// Package strategy implements the four interchangeable optimizer
// strategies behind a single contract: given a module, a train split
// and a validation split, iterate toward a better prompt configuration
// and report incremental metrics.
//
// The variants are pluggable placeholders for a real search procedure:
// each measures a starting score with genuine module predictions over a
// small train sample, then synthesizes its per-iteration gains from an
// RNG seeded by the caller. Runs are deterministic for a given seed and
// never sleep. The Strategy interface is the extension point for wiring
// in an actual prompt search.
package strategy

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/promptforge/promptforge/internal/predictor"
	"github.com/promptforge/promptforge/pkg/types"
)

// Callbacks receive incremental progress from a running optimization.
// Either field may be nil.
type Callbacks struct {
	// OnProgress reports completion of the strategy's own loop in
	// [0,100]; the orchestrator maps it into the job progress band.
	OnProgress func(pct float64)
	// OnIteration reports one finished iteration.
	OnIteration func(i int, rec types.IterationRecord)
}

// Options tunes a single optimization run.
type Options struct {
	MaxIterations        int
	ImprovementThreshold float64
	// Seed makes the synthesized search deterministic. The
	// orchestrator derives it from the job id.
	Seed int64
}

// Outcome is the result of one optimization run.
type Outcome struct {
	CompilationTime time.Duration
	Iterations      int
	BestPrompt      string
	History         []types.IterationRecord
}

// Strategy is the common optimizer contract.
type Strategy interface {
	ID() types.StrategyID
	Optimize(ctx context.Context, module predictor.Module, train, validation []types.DatasetEntry, opts Options, cb Callbacks) (Outcome, error)
}

// New returns the strategy implementation for the given identifier.
func New(id types.StrategyID) (Strategy, error) {
	switch id {
	case types.StrategyDepthSearch:
		return depthSearch{}, nil
	case types.StrategyFewShot:
		return fewShot{}, nil
	case types.StrategyCollaborative:
		return collaborative{}, nil
	case types.StrategySignatureSearch:
		return signatureSearch{}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", id)
	}
}

// profile captures what distinguishes one variant from another: the
// iteration cap derivation, the per-iteration gain, the early-stop
// quality bar, and the textual descriptor of candidates.
type profile struct {
	cap        func(trainLen, maxIter int) int
	gain       func(rng *rand.Rand, iter int) float64
	earlyStop  float64
	descriptor func(iter int, score float64) string
}

// sampleLimit bounds the train-sample size used for the starting score.
const sampleLimit = 10

// startTolerance mirrors the evaluator's fixed correctness band.
const startTolerance = 10.0

// runSearch is the bounded iteration loop shared by all variants. The
// context is checked every iteration, which is what makes cancellation
// and the job deadline cooperative.
func runSearch(ctx context.Context, module predictor.Module, train []types.DatasetEntry, opts Options, cb Callbacks, p profile) (Outcome, error) {
	start := time.Now()
	rng := rand.New(rand.NewSource(opts.Seed))

	iterCap := p.cap(len(train), opts.MaxIterations)
	if iterCap < 1 {
		iterCap = 1
	}

	score := startingScore(ctx, module, train)
	best := score
	bestPrompt := p.descriptor(0, score)

	var history []types.IterationRecord
	iterations := 0
	for i := 1; i <= iterCap; i++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, fmt.Errorf("optimization interrupted: %w", err)
		}

		score = math.Min(0.99, score+p.gain(rng, i))
		iterations = i

		rec := types.IterationRecord{
			Iteration: i,
			Score:     score,
			Candidate: p.descriptor(i, score),
			Timestamp: time.Now().UTC(),
		}
		history = append(history, rec)
		if score > best {
			best = score
			bestPrompt = rec.Candidate
		}

		if cb.OnIteration != nil {
			cb.OnIteration(i, rec)
		}
		if cb.OnProgress != nil {
			cb.OnProgress(float64(i) / float64(iterCap) * 100)
		}

		if score >= p.earlyStop {
			break
		}
	}

	return Outcome{
		CompilationTime: time.Since(start),
		Iterations:      iterations,
		BestPrompt:      bestPrompt,
		History:         history,
	}, nil
}

// startingScore measures accuracy over a small prefix of the train set
// with real predictions. Prediction failures score zero for the entry.
func startingScore(ctx context.Context, module predictor.Module, train []types.DatasetEntry) float64 {
	n := len(train)
	if n == 0 {
		return 0
	}
	if n > sampleLimit {
		n = sampleLimit
	}

	correct := 0
	for i := 0; i < n; i++ {
		result, err := module.Predict(ctx, train[i].Input)
		if err != nil {
			continue
		}
		if math.Abs(result.RiskScore-train[i].Expected.RiskScore) <= startTolerance {
			correct++
		}
	}
	return float64(correct) / float64(n)
}
