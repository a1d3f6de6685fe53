package broker

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRobinhood(t *testing.T) (*Robinhood, ed25519.PublicKey) {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	_, err := rand.Read(seed)
	require.NoError(t, err)

	rh, err := NewRobinhood("test-api-key", base64.StdEncoding.EncodeToString(seed))
	require.NoError(t, err)
	return rh, rh.privateKey.Public().(ed25519.PublicKey)
}

func TestSignRequestVerifiable(t *testing.T) {
	rh, pub := newTestRobinhood(t)

	headers := rh.SignRequest(http.MethodPost, "/api/v1/crypto/trading/orders/", `{"side":"buy"}`, 1700000000)
	assert.Equal(t, "test-api-key", headers["x-api-key"])
	assert.Equal(t, "1700000000", headers["x-timestamp"])

	sig, err := base64.StdEncoding.DecodeString(headers["x-signature"])
	require.NoError(t, err)

	message := "test-api-key" + "1700000000" + "/api/v1/crypto/trading/orders/" + http.MethodPost + `{"side":"buy"}`
	assert.True(t, ed25519.Verify(pub, []byte(message), sig))
}

func TestNewRobinhoodRejectsBadSeed(t *testing.T) {
	_, err := NewRobinhood("key", "not-base64!!!")
	assert.Error(t, err)

	_, err = NewRobinhood("key", base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestParsePrecisionRepair(t *testing.T) {
	places, ok := parsePrecisionRepair(`"0.00123456789" has too much precision; nearest 0.000001 is allowed`)
	require.True(t, ok)
	assert.Equal(t, int32(6), places)

	places, ok = parsePrecisionRepair(`value has too much precision; nearest 0.10`)
	require.True(t, ok)
	assert.Equal(t, int32(1), places)

	_, ok = parsePrecisionRepair("must be greater than or equal to 1")
	assert.False(t, ok)

	_, ok = parsePrecisionRepair("has too much precision; no hint")
	assert.False(t, ok)
}

func TestPlaceBuyPrecisionRepairLoop(t *testing.T) {
	rh, _ := newTestRobinhood(t)

	attempts := 0
	var submitted []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/crypto/marketdata/best_bid_ask/":
			fmt.Fprint(w, `{"results":[{"ask_inclusive_of_buy_spread":"100.0","bid_inclusive_of_sell_spread":"99.0"}]}`)
		case r.URL.Path == "/api/v1/crypto/trading/orders/" && r.Method == http.MethodPost:
			var body orderBody
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			submitted = append(submitted, body.MarketConfig["asset_quantity"])
			attempts++
			if attempts == 1 {
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, `{"errors":[{"detail":"\"0.00123457\" has too much precision; nearest 0.000001 is supported"}]}`)
				return
			}
			fmt.Fprint(w, `{"id":"order-123"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()
	rh.SetBaseURL(server.URL)

	// 0.123456789 quote at ask 100 gives qty 0.00123456789.
	res, err := rh.PlaceBuy("client-1", Market, "BTC-USD", dec("0.123456789"))
	require.NoError(t, err)
	assert.Equal(t, "order-123", res.ID)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, "0.00123400", submitted[1])
}

func TestPlaceBuyAbortsOnMinimumError(t *testing.T) {
	rh, _ := newTestRobinhood(t)

	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/crypto/marketdata/best_bid_ask/" {
			fmt.Fprint(w, `{"results":[{"ask_inclusive_of_buy_spread":"100.0","bid_inclusive_of_sell_spread":"99.0"}]}`)
			return
		}
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"errors":[{"detail":"order amount must be greater than or equal to 1"}]}`)
	}))
	defer server.Close()
	rh.SetBaseURL(server.URL)

	_, err := rh.PlaceBuy("client-1", Market, "BTC-USD", dec("0.10"))
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Contains(t, err.Error(), "must be greater than or equal to")
}

func TestGetPriceLastGoodFallback(t *testing.T) {
	rh, _ := newTestRobinhood(t)

	fail := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"results":[{"ask_inclusive_of_buy_spread":"50000","bid_inclusive_of_sell_spread":"49990"}]}`)
	}))
	defer server.Close()
	rh.SetBaseURL(server.URL)

	asks, bids, valid := rh.GetPrice([]string{"BTC-USD"})
	require.Equal(t, []string{"BTC-USD"}, valid)
	assert.True(t, asks["BTC-USD"].Equal(dec("50000")))

	fail = true
	asks, bids, valid = rh.GetPrice([]string{"BTC-USD"})
	require.Equal(t, []string{"BTC-USD"}, valid)
	assert.True(t, asks["BTC-USD"].Equal(dec("50000")))
	assert.True(t, bids["BTC-USD"].Equal(dec("49990")))
}
