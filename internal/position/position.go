// Package position recomputes per-asset trade state from filled order
// history: average cost basis, DCA stage count and the current trade's
// buy timestamps.
package position

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/powertrader/internal/broker"
)

// State is the recomputed view of one held asset.
type State struct {
	AvgCost decimal.Decimal
	// Stages is the number of DCA fills in the current trade (the first
	// buy is the entry, not a DCA).
	Stages int
	// LastSellTs bounds the current trade; zero when the asset has never
	// been sold.
	LastSellTs int64
	// DCABuyTs are the epoch-second timestamps of the current trade's
	// buys after the entry, oldest first.
	DCABuyTs []int64
}

// Recompute derives the position state for a holding of quantity from the
// asset's order history. It is a pure function of its inputs.
func Recompute(orders []broker.Order, quantity decimal.Decimal) State {
	sorted := make([]broker.Order, len(orders))
	copy(sorted, orders)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	var state State
	for _, o := range sorted {
		if o.State == broker.StateFilled && o.Side == broker.Sell {
			state.LastSellTs = o.CreatedAt.Unix()
		}
	}

	var filledBuys []broker.Order
	var currentTrade []broker.Order
	for _, o := range sorted {
		if o.State != broker.StateFilled || o.Side != broker.Buy {
			continue
		}
		filledBuys = append(filledBuys, o)
		if state.LastSellTs == 0 || o.CreatedAt.Unix() > state.LastSellTs {
			currentTrade = append(currentTrade, o)
		}
	}

	if len(currentTrade) > 1 {
		state.Stages = len(currentTrade) - 1
		for _, o := range currentTrade[1:] {
			state.DCABuyTs = append(state.DCABuyTs, o.CreatedAt.Unix())
		}
	}

	state.AvgCost = costBasis(filledBuys, quantity)
	return state
}

// costBasis back-fills from the most recent buys until the held quantity
// is covered. A buy that overshoots contributes only the remainder at its
// price, so avg = total_cost / quantity holds exactly.
func costBasis(filledBuys []broker.Order, quantity decimal.Decimal) decimal.Decimal {
	if !quantity.IsPositive() {
		return decimal.Zero
	}

	remaining := quantity
	totalCost := decimal.Zero
	for i := len(filledBuys) - 1; i >= 0 && remaining.IsPositive(); i-- {
		for _, ex := range filledBuys[i].Executions {
			if !remaining.IsPositive() {
				break
			}
			take := ex.Quantity
			if take.GreaterThan(remaining) {
				take = remaining
			}
			totalCost = totalCost.Add(take.Mul(ex.EffectivePrice))
			remaining = remaining.Sub(take)
		}
	}

	covered := quantity.Sub(remaining)
	if !covered.IsPositive() {
		return decimal.Zero
	}
	return totalCost.Div(covered)
}
