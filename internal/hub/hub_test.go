package hub

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHub(t *testing.T) *Hub {
	t.Helper()
	h, err := New(t.TempDir())
	require.NoError(t, err)
	return h
}

func TestWriteStatusRoundTrip(t *testing.T) {
	h := newHub(t)
	h.WriteStatus(Status{
		Timestamp: 1700000000,
		Account:   AccountStatus{TotalAccountValue: 10500.25, BuyingPower: 500},
		Positions: map[string]PositionStatus{
			"BTC": {Quantity: 0.5, AvgCostBasis: 50000, TrailActive: true},
		},
	})

	data, err := os.ReadFile(filepath.Join(h.Dir(), "trader_status.json"))
	require.NoError(t, err)

	var parsed Status
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, int64(1700000000), parsed.Timestamp)
	assert.Equal(t, 10500.25, parsed.Account.TotalAccountValue)
	assert.True(t, parsed.Positions["BTC"].TrailActive)

	// No temp file left behind.
	_, err = os.Stat(filepath.Join(h.Dir(), "trader_status.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestRecordTradeAccumulatesPnL(t *testing.T) {
	h := newHub(t)

	h.RecordTrade(TradeRecord{Ts: 1, Side: "buy", Tag: "ENTRY", Symbol: "BTC-USD", Qty: 1, Price: 100})
	h.RecordTrade(TradeRecord{Ts: 2, Side: "sell", Tag: "TRAIL_SELL", Symbol: "BTC-USD", Qty: 1, Price: 110, RealizedProfit: 10})
	h.RecordTrade(TradeRecord{Ts: 3, Side: "sell", Tag: "TRAIL_SELL", Symbol: "ETH-USD", Qty: 1, Price: 90, RealizedProfit: -5})

	ledger := h.ReadPnLLedger()
	assert.InDelta(t, 5.0, ledger.TotalRealizedProfitUSD, 1e-9)
	assert.Equal(t, int64(3), ledger.LastUpdatedTs)

	data, err := os.ReadFile(filepath.Join(h.Dir(), "trade_history.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 3)
	var rec TradeRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "ENTRY", rec.Tag)
}

func TestBuysDoNotTouchLedger(t *testing.T) {
	h := newHub(t)
	h.RecordTrade(TradeRecord{Ts: 1, Side: "buy", Symbol: "BTC-USD", Qty: 1, Price: 100})
	assert.Zero(t, h.ReadPnLLedger().TotalRealizedProfitUSD)
}

func TestAppendAccountValue(t *testing.T) {
	h := newHub(t)
	h.AppendAccountValue(100, 9999.5)
	h.AppendAccountValue(101, 10001)

	data, err := os.ReadFile(filepath.Join(h.Dir(), "account_value_history.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"total_account_value":9999.5`)
}

func TestWritePriceFile(t *testing.T) {
	h := newHub(t)
	h.WritePriceFile("btc", decimal.RequireFromString("50123.45"))

	data, err := os.ReadFile(filepath.Join(h.Dir(), "BTC_current_price.txt"))
	require.NoError(t, err)
	assert.Equal(t, "50123.45", string(data))
}

func TestSeedDCATimestamps(t *testing.T) {
	h := newHub(t)

	// Previous trade: its DCA must not count after the sell.
	h.RecordTrade(TradeRecord{Ts: 10, Side: "buy", Tag: "DCA", Symbol: "BTC-USD"})
	h.RecordTrade(TradeRecord{Ts: 20, Side: "sell", Tag: "TRAIL_SELL", Symbol: "BTC-USD"})
	// Current trade.
	h.RecordTrade(TradeRecord{Ts: 30, Side: "buy", Tag: "ENTRY", Symbol: "BTC-USD"})
	h.RecordTrade(TradeRecord{Ts: 40, Side: "buy", Tag: "DCA", Symbol: "BTC-USD"})
	h.RecordTrade(TradeRecord{Ts: 50, Side: "buy", Tag: "DCA", Symbol: "ETH-USD"})

	assert.Equal(t, []int64{40}, h.SeedDCATimestamps("BTC"))
	assert.Equal(t, []int64{50}, h.SeedDCATimestamps("ETH"))
	assert.Nil(t, h.SeedDCATimestamps("SOL"))
}
