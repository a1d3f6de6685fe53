package broker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubMarket serves fixed prices for the wrapper simulator.
type stubMarket struct {
	asks map[string]decimal.Decimal
	bids map[string]decimal.Decimal
}

func (m *stubMarket) Name() string                     { return "stub" }
func (m *stubMarket) QuoteCurrency() string            { return "USD" }
func (m *stubMarket) GetAccount() (*Account, error)    { return &Account{}, nil }
func (m *stubMarket) GetHoldings() ([]Holding, error)  { return nil, nil }
func (m *stubMarket) GetTradingPairs() ([]Pair, error) { return nil, nil }
func (m *stubMarket) GetOrders(string) ([]Order, error) {
	return nil, nil
}
func (m *stubMarket) GetPrice(symbols []string) (asks, bids map[string]decimal.Decimal, valid []string) {
	asks = make(map[string]decimal.Decimal)
	bids = make(map[string]decimal.Decimal)
	for _, s := range symbols {
		if a, ok := m.asks[s]; ok {
			asks[s] = a
			bids[s] = m.bids[s]
			valid = append(valid, s)
		}
	}
	return asks, bids, valid
}
func (m *stubMarket) PlaceBuy(string, OrderType, string, decimal.Decimal) (*OrderResult, error) {
	return nil, nil
}
func (m *stubMarket) PlaceSell(string, OrderType, string, decimal.Decimal) (*OrderResult, error) {
	return nil, nil
}

func newStubMarket(price string) *stubMarket {
	return &stubMarket{
		asks: map[string]decimal.Decimal{"BTC-USD": dec(price)},
		bids: map[string]decimal.Decimal{"BTC-USD": dec(price)},
	}
}

func TestPaperBuySellRoundTrip(t *testing.T) {
	market := newStubMarket("100")
	p := NewPaper(market, dec("1000"), "")

	// Two buys at different prices build a weighted-average cost.
	_, err := p.PlaceBuy("o1", Market, "BTC-USD", dec("100"))
	require.NoError(t, err)

	market.asks["BTC-USD"] = dec("50")
	market.bids["BTC-USD"] = dec("50")
	_, err = p.PlaceBuy("o2", Market, "BTC-USD", dec("200"))
	require.NoError(t, err)

	holdings, err := p.GetHoldings()
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	// 1 @ 100 plus 4 @ 50: avg = 300/5 = 60.
	assert.True(t, holdings[0].Quantity.Equal(dec("5")), "qty = %s", holdings[0].Quantity)
	avg := p.holdings["BTC"].AvgPrice
	assert.True(t, avg.Equal(dec("60")), "avg = %s", avg)

	// Full sell at the weighted average recovers the spend exactly.
	market.asks["BTC-USD"] = avg
	market.bids["BTC-USD"] = avg
	res, err := p.PlaceSell("o3", Market, "BTC-USD", dec("5"))
	require.NoError(t, err)
	assert.True(t, res.Quantity.Equal(dec("5")))

	account, err := p.GetAccount()
	require.NoError(t, err)
	assert.True(t, account.BuyingPower.Equal(dec("1000")), "balance = %s", account.BuyingPower)

	// Holding removed once quantity is back to dust.
	holdings, err = p.GetHoldings()
	require.NoError(t, err)
	assert.Empty(t, holdings)
}

func TestPaperRejectsOverdraft(t *testing.T) {
	p := NewPaper(newStubMarket("100"), dec("50"), "")

	_, err := p.PlaceBuy("o1", Market, "BTC-USD", dec("100"))
	assert.ErrorContains(t, err, "insufficient balance")

	_, err = p.PlaceSell("o1", Market, "BTC-USD", dec("1"))
	assert.ErrorContains(t, err, "insufficient BTC")
}

func TestPaperOrdersSurfaceAsFilled(t *testing.T) {
	p := NewPaper(newStubMarket("100"), dec("1000"), "")

	_, err := p.PlaceBuy("o1", Market, "BTC-USD", dec("100"))
	require.NoError(t, err)

	orders, err := p.GetOrders("BTC-USD")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, StateFilled, orders[0].State)
	assert.Equal(t, Buy, orders[0].Side)
	require.Len(t, orders[0].Executions, 1)
	assert.True(t, orders[0].Executions[0].Quantity.Equal(dec("1")))
}

func TestPaperStatePersistence(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "paper_state.json")
	market := newStubMarket("100")

	p := NewPaper(market, dec("1000"), statePath)
	_, err := p.PlaceBuy("o1", Market, "BTC-USD", dec("100"))
	require.NoError(t, err)

	// A fresh instance over the same file resumes where the first left off.
	resumed := NewPaper(market, dec("9999"), statePath)

	account, err := resumed.GetAccount()
	require.NoError(t, err)
	assert.True(t, account.BuyingPower.Equal(dec("900")))

	holdings, err := resumed.GetHoldings()
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, "BTC", holdings[0].Asset)

	perf, err := resumed.GetPerformance()
	require.NoError(t, err)
	assert.True(t, perf.InitialBalance.Equal(dec("1000")))
	assert.Equal(t, 1, perf.BuyTrades)
}

func TestPaperCorruptStateStartsFresh(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "paper_state.json")
	require.NoError(t, os.WriteFile(statePath, []byte("{not json}"), 0o644))
	market := newStubMarket("100")

	p := NewPaper(market, dec("1000"), statePath)

	account, err := p.GetAccount()
	require.NoError(t, err)
	assert.True(t, account.BuyingPower.Equal(dec("1000")))

	holdings, err := p.GetHoldings()
	require.NoError(t, err)
	assert.Empty(t, holdings)

	// The next fill replaces the bad file with a valid snapshot.
	_, err = p.PlaceBuy("o1", Market, "BTC-USD", dec("100"))
	require.NoError(t, err)
	resumed := NewPaper(market, dec("1"), statePath)
	account, err = resumed.GetAccount()
	require.NoError(t, err)
	assert.True(t, account.BuyingPower.Equal(dec("900")))
}

func TestPaperPerformanceLaw(t *testing.T) {
	market := newStubMarket("100")
	p := NewPaper(market, dec("1000"), "")

	_, err := p.PlaceBuy("o1", Market, "BTC-USD", dec("500"))
	require.NoError(t, err)

	// Price doubles: P&L equals (price - avg cost) * qty = (200-100)*5.
	market.asks["BTC-USD"] = dec("200")
	market.bids["BTC-USD"] = dec("200")

	perf, err := p.GetPerformance()
	require.NoError(t, err)
	assert.True(t, perf.ProfitLoss.Equal(dec("500")), "pnl = %s", perf.ProfitLoss)
	assert.True(t, perf.TotalValue.Equal(dec("1500")))
	assert.True(t, perf.ProfitPct.Equal(dec("50")))
}
