package strategy

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/promptforge/promptforge/internal/predictor"
	"github.com/promptforge/promptforge/pkg/types"
)

// fewShotDemoCap bounds the number of bootstrapped demonstrations.
const fewShotDemoCap = 8

// fewShot bootstraps demonstration examples from the train split, one
// per iteration, capped at min(8, |train|). Front-loads its gains: the
// first demos carry most of the improvement.
type fewShot struct{}

func (fewShot) ID() types.StrategyID { return types.StrategyFewShot }

func (fewShot) Optimize(ctx context.Context, module predictor.Module, train, validation []types.DatasetEntry, opts Options, cb Callbacks) (Outcome, error) {
	return runSearch(ctx, module, train, opts, cb, profile{
		cap: func(trainLen, maxIter int) int {
			c := fewShotDemoCap
			if trainLen < c {
				c = trainLen
			}
			if maxIter < c {
				c = maxIter
			}
			return c
		},
		gain: func(rng *rand.Rand, iter int) float64 {
			return 0.02 + rng.Float64()*0.05/float64(iter)
		},
		earlyStop: 0.90,
		descriptor: func(iter int, score float64) string {
			return fmt.Sprintf("%d-shot demonstration set (score %.3f)", iter, score)
		},
	})
}
