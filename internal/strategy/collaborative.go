package strategy

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/promptforge/promptforge/internal/predictor"
	"github.com/promptforge/promptforge/pkg/types"
)

// collaborative alternates propose and critique rounds over the full
// iteration budget; only the propose rounds move the score.
type collaborative struct{}

func (collaborative) ID() types.StrategyID { return types.StrategyCollaborative }

func (collaborative) Optimize(ctx context.Context, module predictor.Module, train, validation []types.DatasetEntry, opts Options, cb Callbacks) (Outcome, error) {
	return runSearch(ctx, module, train, opts, cb, profile{
		cap: func(trainLen, maxIter int) int { return maxIter },
		gain: func(rng *rand.Rand, iter int) float64 {
			if iter%2 == 0 {
				// critique round: evaluate, no movement
				return 0
			}
			return rng.Float64() * 0.035
		},
		earlyStop: 0.93,
		descriptor: func(iter int, score float64) string {
			phase := "propose"
			if iter%2 == 0 {
				phase = "critique"
			}
			return fmt.Sprintf("refinement round %d/%s (score %.3f)", iter, phase, score)
		},
	})
}
