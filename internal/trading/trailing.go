package trading

import (
	"github.com/shopspring/decimal"
)

// Trailing profit-margin parameters, in percent.
var (
	pmStartNoDCA   = decimal.NewFromFloat(5.0)
	pmStartWithDCA = decimal.NewFromFloat(2.5)
	trailGapPct    = decimal.NewFromFloat(0.5)

	hundred = decimal.NewFromInt(100)
)

// PMStartPct is the profit margin at which the trail arms.
func PMStartPct(stages int) decimal.Decimal {
	if stages > 0 {
		return pmStartWithDCA
	}
	return pmStartNoDCA
}

// PMStartNoDCA and friends expose the display constants for the hub
// snapshot.
func PMStartNoDCA() decimal.Decimal   { return pmStartNoDCA }
func PMStartWithDCA() decimal.Decimal { return pmStartWithDCA }
func TrailGapPct() decimal.Decimal    { return trailGapPct }

// TPM is the per-asset trailing profit-margin state machine. While
// DISARMED the line re-pins to the base each tick so a DCA that lowers the
// cost basis lowers the line; once ARMED the line only ratchets upward.
type TPM struct {
	Armed    bool
	Line     decimal.Decimal
	Peak     decimal.Decimal
	WasAbove bool
}

// baseLine is avg_cost * (1 + pm_start).
func baseLine(avgCost decimal.Decimal, stages int) decimal.Decimal {
	return avgCost.Mul(decimal.NewFromInt(1).Add(PMStartPct(stages).Div(hundred)))
}

// Tick advances the machine one step against the current bid. It returns
// true when the sell condition fires: the bid crossed from above the line
// to below it.
func (t *TPM) Tick(bid, avgCost decimal.Decimal, stages int) bool {
	if !bid.IsPositive() || !avgCost.IsPositive() {
		return false
	}
	base := baseLine(avgCost, stages)

	if !t.Armed {
		t.Line = base
		above := bid.GreaterThanOrEqual(t.Line)
		if above {
			t.Armed = true
			t.Peak = bid
		}
		t.WasAbove = above
		return false
	}

	if bid.GreaterThan(t.Peak) {
		t.Peak = bid
	}
	newLine := t.Peak.Mul(decimal.NewFromInt(1).Sub(trailGapPct.Div(hundred)))
	if base.GreaterThan(newLine) {
		newLine = base
	}
	if newLine.GreaterThan(t.Line) {
		t.Line = newLine
	}

	above := bid.GreaterThanOrEqual(t.Line)
	triggered := t.WasAbove && !above
	t.WasAbove = above
	return triggered
}

// Reset clears the machine; used after any sell and after a successful DCA
// buy (the cost basis moved).
func (t *TPM) Reset() { *t = TPM{} }
