package strategy

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/promptforge/promptforge/internal/predictor"
	"github.com/promptforge/promptforge/pkg/types"
)

// depthSearch explores instruction candidates over the full iteration
// budget, with gains that decay as the search deepens.
type depthSearch struct{}

func (depthSearch) ID() types.StrategyID { return types.StrategyDepthSearch }

func (depthSearch) Optimize(ctx context.Context, module predictor.Module, train, validation []types.DatasetEntry, opts Options, cb Callbacks) (Outcome, error) {
	return runSearch(ctx, module, train, opts, cb, profile{
		cap: func(trainLen, maxIter int) int { return maxIter },
		gain: func(rng *rand.Rand, iter int) float64 {
			return rng.Float64() * 0.04 / float64(iter)
		},
		earlyStop: 0.95,
		descriptor: func(iter int, score float64) string {
			return fmt.Sprintf("instruction candidate d%02d (score %.3f)", iter, score)
		},
	})
}
