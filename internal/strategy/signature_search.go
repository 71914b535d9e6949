package strategy

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/promptforge/promptforge/internal/predictor"
	"github.com/promptforge/promptforge/pkg/types"
)

// signatureIterCap bounds signature permutation search regardless of
// the configured iteration budget.
const signatureIterCap = 12

// signatureSearch permutes input/output field orderings and phrasings
// of the module signature. The permutation space is small, so the loop
// is capped at min(max_iterations, 12).
type signatureSearch struct{}

func (signatureSearch) ID() types.StrategyID { return types.StrategySignatureSearch }

func (signatureSearch) Optimize(ctx context.Context, module predictor.Module, train, validation []types.DatasetEntry, opts Options, cb Callbacks) (Outcome, error) {
	return runSearch(ctx, module, train, opts, cb, profile{
		cap: func(trainLen, maxIter int) int {
			if maxIter < signatureIterCap {
				return maxIter
			}
			return signatureIterCap
		},
		gain: func(rng *rand.Rand, iter int) float64 {
			return rng.Float64() * 0.025
		},
		earlyStop: 0.92,
		descriptor: func(iter int, score float64) string {
			return fmt.Sprintf("signature permutation %d of %q (score %.3f)", iter, "document -> risk_assessment", score)
		},
	})
}
