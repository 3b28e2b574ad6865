// Package rating implements the Elo rating update used to settle duels.
package rating

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/victornm/codeduel/internal/domain"
)

const (
	Initial = 1200
	KFactor = 32
)

// Expected is the probability that a player rated mine beats a player rated other.
func Expected(mine, other int) float64 {
	return 1 / (1 + math.Pow(10, float64(other-mine)/400))
}

func actual(o domain.Outcome) decimal.Decimal {
	switch o {
	case domain.OutcomeWin:
		return decimal.NewFromInt(1)
	case domain.OutcomeDraw:
		return decimal.NewFromFloat(0.5)
	default:
		return decimal.Zero
	}
}

// Update returns the new rating of a player after a match against other. The result is rounded half away from zero.
func Update(mine, other int, o domain.Outcome) int {
	delta := decimal.NewFromInt(KFactor).Mul(actual(o).Sub(decimal.NewFromFloat(Expected(mine, other))))

	return int(decimal.NewFromInt(int64(mine)).Add(delta).Round(0).IntPart())
}
