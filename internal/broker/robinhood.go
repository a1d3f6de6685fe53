package broker

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Robinhood is the Ed25519-signed crypto trading driver. Every request is
// signed over api_key + timestamp + path + method + body and carries the
// signature in headers.
type Robinhood struct {
	apiKey     string
	privateKey ed25519.PrivateKey
	baseURL    string
	httpClient *http.Client

	cache *lastGood
}

const (
	robinhoodBaseURL      = "https://trading.robinhood.com"
	robinhoodMaxPrecision = 5 // precision-repair attempts on buy
)

// NewRobinhood builds the driver from an API key and a base64-encoded
// Ed25519 seed (the private-key file contents).
func NewRobinhood(apiKey, privateKeyBase64 string) (*Robinhood, error) {
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(privateKeyBase64))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("private key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	return &Robinhood{
		apiKey:     strings.TrimSpace(apiKey),
		privateKey: ed25519.NewKeyFromSeed(seed),
		baseURL:    robinhoodBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      newLastGood(),
	}, nil
}

func (r *Robinhood) Name() string          { return "robinhood" }
func (r *Robinhood) QuoteCurrency() string { return "USD" }

// SetBaseURL overrides the API endpoint. Used by tests.
func (r *Robinhood) SetBaseURL(u string) { r.baseURL = strings.TrimRight(u, "/") }

// SignRequest produces the auth headers for one request. The signed message
// is api_key || timestamp || path || method || body.
func (r *Robinhood) SignRequest(method, path, body string, timestamp int64) map[string]string {
	message := fmt.Sprintf("%s%d%s%s%s", r.apiKey, timestamp, path, method, body)
	sig := ed25519.Sign(r.privateKey, []byte(message))
	return map[string]string{
		"x-api-key":   r.apiKey,
		"x-signature": base64.StdEncoding.EncodeToString(sig),
		"x-timestamp": fmt.Sprintf("%d", timestamp),
	}
}

// apiErrors is the error envelope the exchange returns on 4xx.
type apiErrors struct {
	Errors []struct {
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (e *apiErrors) details() []string {
	out := make([]string, 0, len(e.Errors))
	for _, item := range e.Errors {
		out = append(out, item.Detail)
	}
	return out
}

// request performs one signed call. On HTTP errors the JSON error body (if
// any) is still decoded into out so callers can inspect error details.
func (r *Robinhood) request(method, path, body string, out any) error {
	timestamp := time.Now().UTC().Unix()
	headers := r.SignRequest(method, path, body, timestamp)

	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, r.baseURL+path, reader)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && resp.StatusCode < 400 {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("robinhood %s %s: status %d", method, path, resp.StatusCode)
	}
	return nil
}

func (r *Robinhood) GetAccount() (*Account, error) {
	var payload struct {
		BuyingPower         string `json:"buying_power"`
		BuyingPowerCurrency string `json:"buying_power_currency"`
	}
	if err := r.request(http.MethodGet, "/api/v1/crypto/trading/accounts/", "", &payload); err != nil {
		return nil, err
	}
	bp, err := decimal.NewFromString(payload.BuyingPower)
	if err != nil || bp.IsNegative() {
		bp = decimal.Zero
	}
	quote := payload.BuyingPowerCurrency
	if quote == "" {
		quote = "USD"
	}
	return &Account{BuyingPower: bp, QuoteCurrency: quote}, nil
}

func (r *Robinhood) GetHoldings() ([]Holding, error) {
	var payload struct {
		Results []struct {
			AssetCode                   string `json:"asset_code"`
			TotalQuantity               string `json:"total_quantity"`
			QuantityAvailableForTrading string `json:"quantity_available_for_trading"`
		} `json:"results"`
	}
	if err := r.request(http.MethodGet, "/api/v1/crypto/trading/holdings/", "", &payload); err != nil {
		return nil, err
	}

	holdings := make([]Holding, 0, len(payload.Results))
	for _, h := range payload.Results {
		qty, err := decimal.NewFromString(h.TotalQuantity)
		if err != nil || qty.Cmp(DustThreshold) <= 0 {
			continue
		}
		avail, err := decimal.NewFromString(h.QuantityAvailableForTrading)
		if err != nil || avail.IsNegative() {
			avail = qty
		}
		holdings = append(holdings, Holding{Asset: strings.ToUpper(h.AssetCode), Quantity: qty, Available: avail})
	}
	return holdings, nil
}

func (r *Robinhood) GetTradingPairs() ([]Pair, error) {
	var payload struct {
		Results []struct {
			Symbol string `json:"symbol"`
		} `json:"results"`
	}
	if err := r.request(http.MethodGet, "/api/v1/crypto/trading/trading_pairs/", "", &payload); err != nil {
		return nil, err
	}
	pairs := make([]Pair, 0, len(payload.Results))
	for _, p := range payload.Results {
		pairs = append(pairs, Pair{Symbol: p.Symbol})
	}
	return pairs, nil
}

func (r *Robinhood) GetOrders(symbol string) ([]Order, error) {
	var payload struct {
		Results []struct {
			ID         string `json:"id"`
			Side       string `json:"side"`
			State      string `json:"state"`
			CreatedAt  string `json:"created_at"`
			Executions []struct {
				Quantity       string `json:"quantity"`
				EffectivePrice string `json:"effective_price"`
			} `json:"executions"`
		} `json:"results"`
	}
	path := "/api/v1/crypto/trading/orders/?symbol=" + symbol
	if err := r.request(http.MethodGet, path, "", &payload); err != nil {
		return nil, err
	}

	orders := make([]Order, 0, len(payload.Results))
	for _, o := range payload.Results {
		createdAt, _ := time.Parse(time.RFC3339, o.CreatedAt)
		order := Order{
			ID:        o.ID,
			Side:      Side(strings.ToLower(o.Side)),
			State:     OrderState(strings.ToLower(o.State)),
			CreatedAt: createdAt,
		}
		for _, ex := range o.Executions {
			qty, qerr := decimal.NewFromString(ex.Quantity)
			px, perr := decimal.NewFromString(ex.EffectivePrice)
			if qerr != nil || perr != nil {
				continue
			}
			order.Executions = append(order.Executions, Execution{Quantity: qty, EffectivePrice: px})
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func (r *Robinhood) GetPrice(symbols []string) (asks, bids map[string]decimal.Decimal, valid []string) {
	asks = make(map[string]decimal.Decimal)
	bids = make(map[string]decimal.Decimal)

	for _, symbol := range symbols {
		if symbol == "USDC-USD" {
			continue
		}

		var payload struct {
			Results []struct {
				Ask string `json:"ask_inclusive_of_buy_spread"`
				Bid string `json:"bid_inclusive_of_sell_spread"`
			} `json:"results"`
		}
		path := "/api/v1/crypto/marketdata/best_bid_ask/?symbol=" + symbol
		err := r.request(http.MethodGet, path, "", &payload)

		if err == nil && len(payload.Results) > 0 {
			ask, aerr := decimal.NewFromString(payload.Results[0].Ask)
			bid, berr := decimal.NewFromString(payload.Results[0].Bid)
			if aerr == nil && berr == nil && ask.IsPositive() && bid.IsPositive() {
				asks[symbol] = ask
				bids[symbol] = bid
				valid = append(valid, symbol)
				r.cache.store(symbol, ask, bid)
				continue
			}
		}

		if ask, bid, ok := r.cache.lookup(symbol); ok {
			asks[symbol] = ask
			bids[symbol] = bid
			valid = append(valid, symbol)
		}
	}
	return asks, bids, valid
}

// orderBody is the POST payload for market orders.
type orderBody struct {
	ClientOrderID string            `json:"client_order_id"`
	Side          string            `json:"side"`
	Type          string            `json:"type"`
	Symbol        string            `json:"symbol"`
	MarketConfig  map[string]string `json:"market_order_config"`
}

type orderResponse struct {
	apiErrors
	ID string `json:"id"`
}

// PlaceBuy derives the base quantity from the latest ask, then runs the
// precision-repair loop: the exchange reports the nearest representable
// quantity in its error detail and we re-round to that many decimals.
func (r *Robinhood) PlaceBuy(clientOrderID string, orderType OrderType, symbol string, quoteAmount decimal.Decimal) (*OrderResult, error) {
	asks, _, _ := r.GetPrice([]string{symbol})
	price, ok := asks[symbol]
	if !ok || !price.IsPositive() {
		return nil, fmt.Errorf("no ask price for %s", symbol)
	}

	quantity := quoteAmount.Div(price)
	places := int32(8)

	for attempt := 0; attempt < robinhoodMaxPrecision; attempt++ {
		rounded := quantity.Truncate(places)
		body, err := json.Marshal(orderBody{
			ClientOrderID: clientOrderID,
			Side:          string(Buy),
			Type:          string(orderType),
			Symbol:        symbol,
			MarketConfig:  map[string]string{"asset_quantity": rounded.StringFixed(8)},
		})
		if err != nil {
			return nil, err
		}

		var resp orderResponse
		reqErr := r.request(http.MethodPost, "/api/v1/crypto/trading/orders/", string(body), &resp)
		if reqErr == nil && len(resp.Errors) == 0 && resp.ID != "" {
			return &OrderResult{ID: resp.ID, Quantity: rounded, Price: price}, nil
		}

		repaired := false
		for _, detail := range resp.details() {
			if p, ok := parsePrecisionRepair(detail); ok {
				places = p
				quantity = quantity.Truncate(places)
				repaired = true
				log.Debug().Str("symbol", symbol).Int32("decimals", p).Msg("Repairing order precision")
				break
			}
			if strings.Contains(detail, "must be greater than or equal to") {
				return nil, fmt.Errorf("buy rejected: %s", detail)
			}
		}
		if !repaired && reqErr != nil && len(resp.Errors) == 0 {
			return nil, reqErr
		}
		if !repaired && len(resp.Errors) > 0 {
			return nil, fmt.Errorf("buy rejected: %s", strings.Join(resp.details(), "; "))
		}
	}
	return nil, fmt.Errorf("buy for %s failed after %d precision attempts", symbol, robinhoodMaxPrecision)
}

func (r *Robinhood) PlaceSell(clientOrderID string, orderType OrderType, symbol string, baseQuantity decimal.Decimal) (*OrderResult, error) {
	body, err := json.Marshal(orderBody{
		ClientOrderID: clientOrderID,
		Side:          string(Sell),
		Type:          string(orderType),
		Symbol:        symbol,
		MarketConfig:  map[string]string{"asset_quantity": baseQuantity.StringFixed(8)},
	})
	if err != nil {
		return nil, err
	}

	var resp orderResponse
	reqErr := r.request(http.MethodPost, "/api/v1/crypto/trading/orders/", string(body), &resp)
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("sell rejected: %s", strings.Join(resp.details(), "; "))
	}
	if reqErr != nil {
		return nil, reqErr
	}

	_, bids, _ := r.GetPrice([]string{symbol})
	return &OrderResult{ID: resp.ID, Quantity: baseQuantity, Price: bids[symbol]}, nil
}

// parsePrecisionRepair extracts the decimal-place count from an error like
// `"0.00123456789" has too much precision; nearest 0.000001 ...`.
func parsePrecisionRepair(detail string) (int32, bool) {
	if !strings.Contains(detail, "has too much precision") {
		return 0, false
	}
	_, rest, found := strings.Cut(detail, "nearest ")
	if !found {
		return 0, false
	}
	nearest := strings.Fields(rest)
	if len(nearest) == 0 {
		return 0, false
	}
	_, frac, found := strings.Cut(nearest[0], ".")
	if !found {
		return 0, false
	}
	frac = strings.TrimRight(frac, "0")
	return int32(len(frac)), true
}
