package broker

import (
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSignDeterministic(t *testing.T) {
	b := NewBinance("key", "secret", false)

	params := url.Values{}
	params.Set("symbol", "BTCUSDT")
	params.Set("side", "BUY")
	params.Set("timestamp", "1700000000000")

	sig1 := b.Sign(params)
	sig2 := b.Sign(params)
	assert.Equal(t, sig1, sig2)
	assert.Len(t, sig1, 64) // hex sha256

	// Insertion order must not matter: signing canonicalizes by key.
	reordered := url.Values{}
	reordered.Set("timestamp", "1700000000000")
	reordered.Set("side", "BUY")
	reordered.Set("symbol", "BTCUSDT")
	assert.Equal(t, sig1, b.Sign(reordered))

	other := NewBinance("key", "different-secret", false)
	assert.NotEqual(t, sig1, other.Sign(params))
}

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"BTC":      "BTCUSDT",
		"btc-usdt": "BTCUSDT",
		"BTC_USDT": "BTCUSDT",
		"BTC/USDT": "BTCUSDT",
		"BTC-USD":  "BTCUSDT",
		"ETHUSD":   "ETHUSDT",
		"SOLUSDT":  "SOLUSDT",
		"doge":     "DOGEUSDT",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeSymbol(in, "USDT"), "input %q", in)
	}
}

func TestRoundOrder(t *testing.T) {
	filters := SymbolFilters{
		Symbol:      "BTCUSDT",
		StepSize:    dec("0.0001"),
		MinQty:      dec("0.0001"),
		TickSize:    dec("0.1"),
		MinPrice:    dec("0.1"),
		MinNotional: dec("10"),
	}

	qty, px, err := RoundOrder(filters, dec("0.00123"), dec("12345.67"), decimal.Zero)
	require.NoError(t, err)
	assert.True(t, qty.Equal(dec("0.0012")), "qty = %s", qty)
	assert.True(t, px.Equal(dec("12345.6")), "price = %s", px)

	// Quantity floors below the exchange minimum.
	_, _, err = RoundOrder(filters, dec("0.00005"), decimal.Zero, dec("12345.67"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below minimum")

	// Notional check uses the reference price for market orders.
	_, _, err = RoundOrder(filters, dec("0.0002"), decimal.Zero, dec("100"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notional")

	// Market order with sufficient notional passes with zero price.
	qty, px, err = RoundOrder(filters, dec("0.0012"), decimal.Zero, dec("12345.67"))
	require.NoError(t, err)
	assert.True(t, qty.Equal(dec("0.0012")))
	assert.True(t, px.IsZero())
}

func TestFormatQuantity(t *testing.T) {
	assert.Equal(t, "0.0012", FormatQuantity(dec("0.00120000")))
	assert.Equal(t, "12", FormatQuantity(dec("12.000")))
	assert.Equal(t, "12345.6", FormatQuantity(dec("12345.60")))
	assert.Equal(t, "0", FormatQuantity(decimal.Zero))
}

func TestBackoffDelayBounds(t *testing.T) {
	for attempt := 0; attempt <= 8; attempt++ {
		d := backoffDelay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 11*time.Second, "attempt %d", attempt)
	}
}

func TestClassifyResponse(t *testing.T) {
	assert.NoError(t, classifyResponse(200, []byte(`{}`), "/api/v3/time", ""))

	err := classifyResponse(429, []byte(`{"code":-1003,"msg":"Too many requests"}`), "/api/v3/order", "7")
	var rate *RateLimitError
	require.ErrorAs(t, err, &rate)
	assert.Equal(t, 7*time.Second, rate.RetryAfter)

	err = classifyResponse(400, []byte(`{"code":-1021,"msg":"Timestamp outside recvWindow"}`), "/api/v3/order", "")
	var ts *TimestampError
	require.ErrorAs(t, err, &ts)

	err = classifyResponse(400, []byte(`{"code":-2010,"msg":"insufficient balance"}`), "/api/v3/order", "")
	var api *APIError
	require.ErrorAs(t, err, &api)
	assert.Equal(t, -2010, api.Code)
	assert.Equal(t, "/api/v3/order", api.Endpoint)
}

func TestLastGoodCache(t *testing.T) {
	c := newLastGood()

	_, _, ok := c.lookup("BTC-USD")
	assert.False(t, ok)

	c.store("BTC-USD", dec("50000"), dec("49990"))
	ask, bid, ok := c.lookup("BTC-USD")
	require.True(t, ok)
	assert.True(t, ask.Equal(dec("50000")))
	assert.True(t, bid.Equal(dec("49990")))

	// A zero quote must not overwrite the last good one.
	c.store("BTC-USD", decimal.Zero, dec("49000"))
	ask, _, ok = c.lookup("BTC-USD")
	require.True(t, ok)
	assert.True(t, ask.Equal(dec("50000")))
}

func TestExtractCoinAndFormatSymbol(t *testing.T) {
	assert.Equal(t, "BTC-USD", FormatSymbol("btc", "usd"))
	assert.Equal(t, "BTC", ExtractCoin("BTC-USD"))
	assert.Equal(t, "ETH", ExtractCoin("eth_usdt"))
	assert.Equal(t, "SOL", ExtractCoin("SOL"))
}
