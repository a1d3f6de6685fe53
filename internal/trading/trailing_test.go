package trading

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTrailingWinnerExit(t *testing.T) {
	var tpm TPM
	avgCost := dec("50000")

	// Below the 5% arm line: stays disarmed.
	assert.False(t, tpm.Tick(dec("52000"), avgCost, 0))
	assert.False(t, tpm.Armed)
	assert.True(t, tpm.Line.Equal(dec("52500")))

	// First cross of the arm line.
	assert.False(t, tpm.Tick(dec("52750"), avgCost, 0))
	require.True(t, tpm.Armed)
	assert.True(t, tpm.Peak.Equal(dec("52750")))

	// Peak advances, line trails 0.5% below but never under base.
	assert.False(t, tpm.Tick(dec("53000"), avgCost, 0))
	assert.True(t, tpm.Peak.Equal(dec("53000")))
	assert.True(t, tpm.Line.Equal(dec("52735")), "line = %s", tpm.Line)

	// Drop through the line from above triggers the sell.
	assert.True(t, tpm.Tick(dec("52700"), avgCost, 0))
}

func TestTrailingLineMonotonicWhileArmed(t *testing.T) {
	var tpm TPM
	avgCost := dec("100")

	tpm.Tick(dec("106"), avgCost, 0) // arms at base 105
	prev := tpm.Line
	for _, bid := range []string{"107", "106.5", "108", "107.2", "110", "109.6"} {
		tpm.Tick(dec(bid), avgCost, 0)
		assert.True(t, tpm.Line.GreaterThanOrEqual(prev), "line regressed at bid %s", bid)
		prev = tpm.Line
	}
}

func TestTrailingDisarmedRePinsAfterDCA(t *testing.T) {
	var tpm TPM

	tpm.Tick(dec("100"), dec("100"), 0)
	assert.True(t, tpm.Line.Equal(dec("105")))

	// A DCA lowers the cost basis and flips the start margin to 2.5%.
	tpm.Tick(dec("90"), dec("90"), 1)
	assert.True(t, tpm.Line.Equal(dec("92.25")), "line = %s", tpm.Line)
}

func TestTrailingArmUsesLowerMarginWithDCA(t *testing.T) {
	var tpm TPM
	avgCost := dec("100")

	// 2.5% start with stages > 0: arms at 102.5.
	assert.False(t, tpm.Tick(dec("102.4"), avgCost, 1))
	assert.False(t, tpm.Armed)
	assert.False(t, tpm.Tick(dec("102.5"), avgCost, 1))
	assert.True(t, tpm.Armed)
}

func TestTrailingSellsOnlyOnCross(t *testing.T) {
	var tpm TPM
	avgCost := dec("100")

	// Arms then hovers exactly on the line: no cross, no sell.
	tpm.Tick(dec("105"), avgCost, 0)
	require.True(t, tpm.Armed)
	assert.False(t, tpm.Tick(dec("105"), avgCost, 0))
	assert.False(t, tpm.Tick(dec("105"), avgCost, 0))

	// Dips below, then back above: sell fires once on the cross only.
	assert.True(t, tpm.Tick(dec("104"), avgCost, 0))
	tpm.Reset()
	assert.False(t, tpm.Armed)
}

func TestTrailingIgnoresBadInputs(t *testing.T) {
	var tpm TPM
	assert.False(t, tpm.Tick(decimal.Zero, dec("100"), 0))
	assert.False(t, tpm.Tick(dec("100"), decimal.Zero, 0))
	assert.False(t, tpm.Armed)
}
