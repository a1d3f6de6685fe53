package store

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "data", "trades.db"))
	require.NoError(t, err)
	return s
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSaveAndQueryTrades(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.SaveTrade(&Trade{
		Ts: 1, Symbol: "BTC-USD", Side: "buy", Tag: "ENTRY",
		Qty: dec("0.5"), Price: dec("50000"),
	}))
	require.NoError(t, s.SaveTrade(&Trade{
		Ts: 2, Symbol: "BTC-USD", Side: "sell", Tag: "TRAIL_SELL",
		Qty: dec("0.5"), Price: dec("52000"), RealizedProfit: dec("1000"),
	}))
	require.NoError(t, s.SaveTrade(&Trade{
		Ts: 3, Symbol: "ETH-USD", Side: "buy", Tag: "ENTRY",
		Qty: dec("1"), Price: dec("3000"),
	}))

	trades, err := s.RecentTrades("BTC-USD", 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	// Newest first.
	assert.Equal(t, int64(2), trades[0].Ts)
	assert.Equal(t, "TRAIL_SELL", trades[0].Tag)

	all, err := s.RecentTrades("", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestTotalRealizedProfit(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.SaveTrade(&Trade{Ts: 1, Symbol: "BTC-USD", Side: "buy", Qty: dec("1"), Price: dec("100")}))
	require.NoError(t, s.SaveTrade(&Trade{Ts: 2, Symbol: "BTC-USD", Side: "sell", Qty: dec("1"), Price: dec("110"), RealizedProfit: dec("10")}))
	require.NoError(t, s.SaveTrade(&Trade{Ts: 3, Symbol: "ETH-USD", Side: "sell", Qty: dec("1"), Price: dec("90"), RealizedProfit: dec("-4.5")}))

	total, err := s.TotalRealizedProfit()
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("5.5")), "total = %s", total)
}

func TestSnapshots(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SaveSnapshot(&AccountSnapshot{Ts: 100, TotalValue: dec("10000")}))

	var snaps []AccountSnapshot
	require.NoError(t, s.db.Find(&snaps).Error)
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].TotalValue.Equal(dec("10000")))
}
