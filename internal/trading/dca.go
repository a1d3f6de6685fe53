// Package trading holds the per-asset decision engines and the control
// loop that drives them.
package trading

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Hard DCA ladder in buy-side P&L percent. Stages beyond the last entry
// repeat the final level indefinitely.
var dcaLadder = []decimal.Decimal{
	decimal.NewFromFloat(-2.5),
	decimal.NewFromFloat(-5),
	decimal.NewFromFloat(-10),
	decimal.NewFromFloat(-20),
	decimal.NewFromFloat(-30),
	decimal.NewFromFloat(-40),
	decimal.NewFromFloat(-50),
}

const (
	// MaxDCAPerWindow caps DCA buys inside the rolling 24 h window of one
	// trade.
	MaxDCAPerWindow = 2
	dcaWindowSecs   = 86_400
	// maxNeuralStage is the last stage the neural assist can fire.
	maxNeuralStage = 3
)

// StageThreshold returns the hard trigger level (percent) for stage.
func StageThreshold(stage int) decimal.Decimal {
	if stage < 0 {
		stage = 0
	}
	if stage >= len(dcaLadder) {
		stage = len(dcaLadder) - 1
	}
	return dcaLadder[stage]
}

// DCATrigger says whether stage should fire and which path fired it.
type DCATrigger struct {
	Fire   bool
	Hard   bool
	Neural bool
}

// EvaluateDCA checks the next stage against the hard ladder and the neural
// assist. buyPnLPct is (ask - avg_cost) / avg_cost in percent; the assist
// applies only to stages 0..3 and needs longLevel >= stage+4 with the
// position under water.
func EvaluateDCA(stage int, buyPnLPct decimal.Decimal, longLevel int) DCATrigger {
	var t DCATrigger
	t.Hard = buyPnLPct.LessThanOrEqual(StageThreshold(stage))
	if stage <= maxNeuralStage {
		t.Neural = longLevel >= stage+4 && buyPnLPct.IsNegative()
	}
	t.Fire = t.Hard || t.Neural
	return t
}

// CountDCAWindow counts DCA buy timestamps inside the rolling 24 h window
// and strictly after the trade boundary.
func CountDCAWindow(timestamps []int64, now, lastSellTs int64) int {
	count := 0
	for _, ts := range timestamps {
		if ts > lastSellTs && ts > now-dcaWindowSecs {
			count++
		}
	}
	return count
}

// DCAAmount is the quote-currency size of a DCA buy: twice the position's
// current market value.
func DCAAmount(quantity, ask decimal.Decimal) decimal.Decimal {
	return quantity.Mul(ask).Mul(decimal.NewFromInt(2))
}

// DCALine is the display line for the next stage: the hard ladder price
// avg_cost*(1+threshold%) or, for stages 0..3, the neural price level
// N(stage+4) when that is higher. As price falls the higher line is hit
// first. priceLevels is sorted descending, N1 first.
func DCALine(avgCost decimal.Decimal, stage int, priceLevels []float64) (decimal.Decimal, string) {
	price := avgCost.Mul(decimal.NewFromInt(1).Add(StageThreshold(stage).Div(hundred)))
	source := "HARD"
	if stage <= maxNeuralStage {
		n := stage + 4
		if len(priceLevels) >= n {
			neural := decimal.NewFromFloat(priceLevels[n-1])
			if neural.GreaterThan(price) {
				price = neural
				source = fmt.Sprintf("NEURAL N%d", n)
			}
		}
	}
	return price, source
}

// NextDCADisplay is the GUI label for the next trigger: the hard percent,
// plus the neural level while the assist still applies.
func NextDCADisplay(stage int) string {
	hard := StageThreshold(stage)
	if stage <= maxNeuralStage {
		return fmt.Sprintf("%s%% / N%d", hard.StringFixed(2), stage+4)
	}
	return hard.StringFixed(2) + "%"
}
