package broker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	binanceBaseURL        = "https://api.binance.com"
	binanceTestnetBaseURL = "https://testnet.binance.vision"

	binanceRecvWindow   = 5000
	binanceMaxRetries   = 4
	binanceSyncInterval = 60 * time.Second
	binanceInfoTTL      = 15 * time.Minute
)

// APIError is a non-2xx response from the exchange, carrying the numeric
// error code from the body when present.
type APIError struct {
	Status   int
	Code     int
	Message  string
	Endpoint string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance %s: status %d code %d: %s", e.Endpoint, e.Status, e.Code, e.Message)
}

// RateLimitError wraps 418/429 responses. RetryAfter is zero when the
// server sent no Retry-After header.
type RateLimitError struct {
	APIError
	RetryAfter time.Duration
}

// TimestampError marks codes -1021/-1022, which the client answers with a
// forced clock resync before retrying.
type TimestampError struct {
	APIError
}

// Binance is the HMAC-SHA256 signed spot driver. One instance is safe for
// use from a single trading loop; the filter cache and time offset carry
// their own locks so the paper client can share them.
type Binance struct {
	apiKey     string
	secret     []byte
	baseURL    string
	httpClient *http.Client

	mu         sync.Mutex
	timeOffset int64 // serverTime - localTime, milliseconds
	lastSync   time.Time

	infoMu    sync.Mutex
	info      map[string]SymbolFilters
	infoFresh map[string]time.Time

	cache *lastGood
	quote string
}

// SymbolFilters are the rounding constraints for one trading symbol.
type SymbolFilters struct {
	Symbol      string
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	TickSize    decimal.Decimal
	MinPrice    decimal.Decimal
	MinNotional decimal.Decimal
}

// NewBinance builds the signed driver. testnet switches the endpoint to the
// public spot testnet.
func NewBinance(apiKey, secret string, testnet bool) *Binance {
	base := binanceBaseURL
	if testnet {
		base = binanceTestnetBaseURL
	}
	return &Binance{
		apiKey:     strings.TrimSpace(apiKey),
		secret:     []byte(strings.TrimSpace(secret)),
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		info:       make(map[string]SymbolFilters),
		infoFresh:  make(map[string]time.Time),
		cache:      newLastGood(),
		quote:      "USDT",
	}
}

func (b *Binance) Name() string          { return "binance" }
func (b *Binance) QuoteCurrency() string { return b.quote }

// SetBaseURL overrides the API endpoint. Used by tests.
func (b *Binance) SetBaseURL(u string) { b.baseURL = strings.TrimRight(u, "/") }

// SetQuoteCurrency switches the quote asset used for symbols and balances
// (USDT by default).
func (b *Binance) SetQuoteCurrency(quote string) {
	if q := strings.ToUpper(strings.TrimSpace(quote)); q != "" {
		b.quote = q
	}
}

// Sign returns the hex HMAC-SHA256 of the sorted, urlencoded parameters.
func (b *Binance) Sign(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(k))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(params.Get(k)))
	}

	mac := hmac.New(sha256.New, b.secret)
	mac.Write([]byte(sb.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// syncTime refreshes the server-time offset. force bypasses the sync
// interval; otherwise at most one sync per minute happens.
func (b *Binance) syncTime(force bool) {
	b.mu.Lock()
	if !force && time.Since(b.lastSync) < binanceSyncInterval {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	var payload struct {
		ServerTime int64 `json:"serverTime"`
	}
	resp, err := b.httpClient.Get(b.baseURL + "/api/v3/time")
	if err != nil {
		log.Warn().Err(err).Msg("Server time sync failed")
		return
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return
	}

	b.mu.Lock()
	b.timeOffset = payload.ServerTime - time.Now().UnixMilli()
	b.lastSync = time.Now()
	b.mu.Unlock()
}

func (b *Binance) serverNow() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().UnixMilli() + b.timeOffset
}

// backoffDelay is the retry wait for attempt n when the server gave no
// Retry-After: min(10s, 0.5*2^n) plus up to 10% jitter.
func backoffDelay(attempt int) time.Duration {
	base := math.Min(10, 0.5*math.Pow(2, float64(attempt)))
	return time.Duration((base + rand.Float64()*base*0.1) * float64(time.Second))
}

func classifyResponse(status int, body []byte, endpoint string, retryAfter string) error {
	if status < 400 {
		return nil
	}
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &payload)

	apiErr := APIError{Status: status, Code: payload.Code, Message: payload.Msg, Endpoint: endpoint}
	switch {
	case status == 418 || status == 429:
		var wait time.Duration
		if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
		return &RateLimitError{APIError: apiErr, RetryAfter: wait}
	case payload.Code == -1021 || payload.Code == -1022:
		return &TimestampError{APIError: apiErr}
	default:
		return &apiErr
	}
}

// request performs one call with retries. signed adds timestamp, recvWindow
// and the signature. Timestamp errors trigger a single forced resync per
// call; rate limits honour Retry-After or back off exponentially.
func (b *Binance) request(method, endpoint string, params url.Values, signed bool, out any) error {
	if params == nil {
		params = url.Values{}
	}

	resynced := false
	var lastErr error

	for attempt := 0; attempt <= binanceMaxRetries; attempt++ {
		call := url.Values{}
		for k, vs := range params {
			for _, v := range vs {
				call.Add(k, v)
			}
		}
		if signed {
			b.syncTime(false)
			call.Set("timestamp", strconv.FormatInt(b.serverNow(), 10))
			call.Set("recvWindow", strconv.Itoa(binanceRecvWindow))
			call.Set("signature", b.Sign(callWithoutSignature(call)))
		}

		req, err := http.NewRequest(method, b.baseURL+endpoint+"?"+call.Encode(), nil)
		if err != nil {
			return err
		}
		if b.apiKey != "" {
			req.Header.Set("X-MBX-APIKEY", b.apiKey)
		}

		resp, err := b.httpClient.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(backoffDelay(attempt))
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			time.Sleep(backoffDelay(attempt))
			continue
		}

		callErr := classifyResponse(resp.StatusCode, body, endpoint, resp.Header.Get("Retry-After"))
		if callErr == nil {
			if out == nil {
				return nil
			}
			return json.Unmarshal(body, out)
		}
		lastErr = callErr

		var rateErr *RateLimitError
		var tsErr *TimestampError
		switch {
		case errors.As(callErr, &tsErr):
			if resynced {
				return callErr
			}
			resynced = true
			log.Warn().Int("code", tsErr.Code).Msg("Clock drift reported, resyncing server time")
			b.syncTime(true)
		case errors.As(callErr, &rateErr):
			wait := rateErr.RetryAfter
			if wait == 0 {
				wait = backoffDelay(attempt)
			}
			log.Warn().Int("status", rateErr.Status).Dur("wait", wait).Msg("Rate limited")
			time.Sleep(wait)
		default:
			return callErr
		}
	}
	return lastErr
}

func callWithoutSignature(v url.Values) url.Values {
	out := url.Values{}
	for k, vs := range v {
		if k == "signature" {
			continue
		}
		for _, val := range vs {
			out.Add(k, val)
		}
	}
	return out
}

// NormalizeSymbol maps the loop's pair spellings onto exchange symbols:
// "BTC", "btc-usdt", "BTC_USDT", "BTC/USDT" all become "BTCUSDT". A bare
// USD quote maps to USDT.
func NormalizeSymbol(symbol, defaultQuote string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return s
	}
	if i := strings.IndexAny(s, "-_/"); i > 0 {
		base, quote := s[:i], s[i+1:]
		if quote == "USD" {
			quote = "USDT"
		}
		return base + quote
	}
	for _, q := range []string{"USDT", "BUSD", "USDC", "FDUSD"} {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s
		}
	}
	if strings.HasSuffix(s, "USD") && len(s) > 3 {
		return strings.TrimSuffix(s, "USD") + "USDT"
	}
	return s + strings.ToUpper(defaultQuote)
}

// FormatQuantity renders a decimal without trailing fractional zeros, the
// form the order endpoint expects.
func FormatQuantity(d decimal.Decimal) string {
	s := d.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	if s == "" || s == "-" {
		return "0"
	}
	return s
}

// GetSymbolFilters returns the rounding constraints for symbol, served from
// a 15-minute cache.
func (b *Binance) GetSymbolFilters(symbol string) (SymbolFilters, error) {
	b.infoMu.Lock()
	if f, ok := b.info[symbol]; ok && time.Since(b.infoFresh[symbol]) < binanceInfoTTL {
		b.infoMu.Unlock()
		return f, nil
	}
	b.infoMu.Unlock()

	var payload struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				TickSize    string `json:"tickSize"`
				MinPrice    string `json:"minPrice"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	params := url.Values{"symbol": {symbol}}
	if err := b.request(http.MethodGet, "/api/v3/exchangeInfo", params, false, &payload); err != nil {
		return SymbolFilters{}, err
	}
	if len(payload.Symbols) == 0 {
		return SymbolFilters{}, fmt.Errorf("no exchange info for %s", symbol)
	}

	filters := SymbolFilters{Symbol: symbol}
	for _, f := range payload.Symbols[0].Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			filters.StepSize, _ = decimal.NewFromString(f.StepSize)
			filters.MinQty, _ = decimal.NewFromString(f.MinQty)
		case "PRICE_FILTER":
			filters.TickSize, _ = decimal.NewFromString(f.TickSize)
			filters.MinPrice, _ = decimal.NewFromString(f.MinPrice)
		case "NOTIONAL", "MIN_NOTIONAL":
			filters.MinNotional, _ = decimal.NewFromString(f.MinNotional)
		}
	}

	b.infoMu.Lock()
	b.info[symbol] = filters
	b.infoFresh[symbol] = time.Now()
	b.infoMu.Unlock()
	return filters, nil
}

// RoundOrder applies the symbol filters to a quantity (and price for limit
// orders). Quantity floors to stepSize, price floors to tickSize; anything
// below the exchange minimums is rejected outright. refPrice is used for
// the notional check when price is zero (market orders).
func RoundOrder(f SymbolFilters, quantity, price, refPrice decimal.Decimal) (qty, px decimal.Decimal, err error) {
	qty = quantity
	if f.StepSize.IsPositive() {
		qty = quantity.Div(f.StepSize).Floor().Mul(f.StepSize)
	}
	if f.MinQty.IsPositive() && qty.LessThan(f.MinQty) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("quantity %s below minimum %s for %s", FormatQuantity(qty), FormatQuantity(f.MinQty), f.Symbol)
	}

	px = price
	if price.IsPositive() {
		if f.TickSize.IsPositive() {
			px = price.Div(f.TickSize).Floor().Mul(f.TickSize)
		}
		if f.MinPrice.IsPositive() && px.LessThan(f.MinPrice) {
			return decimal.Zero, decimal.Zero, fmt.Errorf("price %s below minimum %s for %s", FormatQuantity(px), FormatQuantity(f.MinPrice), f.Symbol)
		}
	}

	if f.MinNotional.IsPositive() {
		notionalPrice := px
		if !notionalPrice.IsPositive() {
			notionalPrice = refPrice
		}
		if notionalPrice.IsPositive() && qty.Mul(notionalPrice).LessThan(f.MinNotional) {
			return decimal.Zero, decimal.Zero, fmt.Errorf("notional %s below minimum %s for %s", FormatQuantity(qty.Mul(notionalPrice)), FormatQuantity(f.MinNotional), f.Symbol)
		}
	}
	return qty, px, nil
}

func (b *Binance) GetAccount() (*Account, error) {
	balances, err := b.getBalances()
	if err != nil {
		return nil, err
	}
	free := decimal.Zero
	if bal, ok := balances[b.quote]; ok {
		free = bal.free
	}
	return &Account{BuyingPower: free, QuoteCurrency: b.quote}, nil
}

type binanceBalance struct {
	free   decimal.Decimal
	locked decimal.Decimal
}

func (b *Binance) getBalances() (map[string]binanceBalance, error) {
	var payload struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := b.request(http.MethodGet, "/api/v3/account", nil, true, &payload); err != nil {
		return nil, err
	}

	out := make(map[string]binanceBalance, len(payload.Balances))
	for _, bal := range payload.Balances {
		free, ferr := decimal.NewFromString(bal.Free)
		locked, lerr := decimal.NewFromString(bal.Locked)
		if ferr != nil || lerr != nil {
			continue
		}
		if free.Add(locked).IsPositive() {
			out[strings.ToUpper(bal.Asset)] = binanceBalance{free: free, locked: locked}
		}
	}
	return out, nil
}

func (b *Binance) GetHoldings() ([]Holding, error) {
	balances, err := b.getBalances()
	if err != nil {
		return nil, err
	}
	holdings := make([]Holding, 0, len(balances))
	for asset, bal := range balances {
		if asset == b.quote {
			continue
		}
		total := bal.free.Add(bal.locked)
		if total.Cmp(DustThreshold) <= 0 {
			continue
		}
		holdings = append(holdings, Holding{Asset: asset, Quantity: total, Available: bal.free})
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Asset < holdings[j].Asset })
	return holdings, nil
}

func (b *Binance) GetTradingPairs() ([]Pair, error) {
	var payload struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			Status     string `json:"status"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
		} `json:"symbols"`
	}
	if err := b.request(http.MethodGet, "/api/v3/exchangeInfo", nil, false, &payload); err != nil {
		return nil, err
	}
	pairs := make([]Pair, 0, 64)
	for _, s := range payload.Symbols {
		if s.Status == "TRADING" && s.QuoteAsset == b.quote {
			pairs = append(pairs, Pair{Symbol: s.BaseAsset + "-" + s.QuoteAsset})
		}
	}
	return pairs, nil
}

func (b *Binance) GetOrders(symbol string) ([]Order, error) {
	var payload []struct {
		OrderID             int64  `json:"orderId"`
		Status              string `json:"status"`
		Side                string `json:"side"`
		ExecutedQty         string `json:"executedQty"`
		CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
		Time                int64  `json:"time"`
	}
	params := url.Values{"symbol": {NormalizeSymbol(symbol, b.quote)}}
	if err := b.request(http.MethodGet, "/api/v3/allOrders", params, true, &payload); err != nil {
		return nil, err
	}

	orders := make([]Order, 0, len(payload))
	for _, o := range payload {
		order := Order{
			ID:        strconv.FormatInt(o.OrderID, 10),
			Side:      Side(strings.ToLower(o.Side)),
			CreatedAt: time.UnixMilli(o.Time),
		}
		switch o.Status {
		case "FILLED", "PARTIALLY_FILLED":
			order.State = StateFilled
		case "NEW", "PARTIALLY_CANCELED":
			order.State = StateOpen
		default:
			order.State = StateCanceled
		}
		qty, qerr := decimal.NewFromString(o.ExecutedQty)
		quoteQty, cerr := decimal.NewFromString(o.CummulativeQuoteQty)
		if qerr == nil && cerr == nil && qty.IsPositive() {
			order.Executions = []Execution{{Quantity: qty, EffectivePrice: quoteQty.Div(qty)}}
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func (b *Binance) GetPrice(symbols []string) (asks, bids map[string]decimal.Decimal, valid []string) {
	asks = make(map[string]decimal.Decimal)
	bids = make(map[string]decimal.Decimal)

	for _, symbol := range symbols {
		exSym := NormalizeSymbol(symbol, b.quote)

		var payload struct {
			AskPrice string `json:"askPrice"`
			BidPrice string `json:"bidPrice"`
		}
		params := url.Values{"symbol": {exSym}}
		err := b.request(http.MethodGet, "/api/v3/ticker/bookTicker", params, false, &payload)
		if err == nil {
			ask, aerr := decimal.NewFromString(payload.AskPrice)
			bid, berr := decimal.NewFromString(payload.BidPrice)
			if aerr == nil && berr == nil && ask.IsPositive() && bid.IsPositive() {
				asks[symbol] = ask
				bids[symbol] = bid
				valid = append(valid, symbol)
				b.cache.store(symbol, ask, bid)
				continue
			}
		}
		if ask, bid, ok := b.cache.lookup(symbol); ok {
			asks[symbol] = ask
			bids[symbol] = bid
			valid = append(valid, symbol)
		}
	}
	return asks, bids, valid
}

// TickerPrice returns the last traded price for one exchange symbol. The
// rounder uses it for notional checks on market orders.
func (b *Binance) TickerPrice(exchangeSymbol string) (decimal.Decimal, error) {
	var payload struct {
		Price string `json:"price"`
	}
	params := url.Values{"symbol": {exchangeSymbol}}
	if err := b.request(http.MethodGet, "/api/v3/ticker/price", params, false, &payload); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(payload.Price)
}

// GetKlines serves OHLCV candles, most recent last.
func (b *Binance) GetKlines(symbol, interval string, limit int) ([]Candle, error) {
	var rows [][]any
	params := url.Values{
		"symbol":   {NormalizeSymbol(symbol, b.quote)},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	if err := b.request(http.MethodGet, "/api/v3/klines", params, false, &rows); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		ts, _ := row[0].(float64)
		c := Candle{Ts: int64(ts) / 1000}
		ok := true
		for i, dst := range []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume} {
			s, isStr := row[i+1].(string)
			if !isStr {
				ok = false
				break
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				ok = false
				break
			}
			*dst = v
		}
		if ok {
			candles = append(candles, c)
		}
	}
	return candles, nil
}

type binanceOrderResponse struct {
	OrderID             int64  `json:"orderId"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
}

func (r binanceOrderResponse) result(fallbackQty, fallbackPrice decimal.Decimal) *OrderResult {
	res := &OrderResult{
		ID:       strconv.FormatInt(r.OrderID, 10),
		Quantity: fallbackQty,
		Price:    fallbackPrice,
	}
	qty, qerr := decimal.NewFromString(r.ExecutedQty)
	quoteQty, cerr := decimal.NewFromString(r.CummulativeQuoteQty)
	if qerr == nil && cerr == nil && qty.IsPositive() {
		res.Quantity = qty
		res.Price = quoteQty.Div(qty)
	}
	return res
}

func (b *Binance) placeOrder(clientOrderID string, side Side, orderType OrderType, exSym string, qty, limitPrice decimal.Decimal) (*binanceOrderResponse, error) {
	params := url.Values{
		"symbol":           {exSym},
		"side":             {strings.ToUpper(string(side))},
		"type":             {strings.ToUpper(string(orderType))},
		"quantity":         {FormatQuantity(qty)},
		"newClientOrderId": {clientOrderID},
	}
	if orderType == Limit {
		params.Set("price", FormatQuantity(limitPrice))
		params.Set("timeInForce", "GTC")
	}

	var resp binanceOrderResponse
	if err := b.request(http.MethodPost, "/api/v3/order", params, true, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *Binance) PlaceBuy(clientOrderID string, orderType OrderType, symbol string, quoteAmount decimal.Decimal) (*OrderResult, error) {
	exSym := NormalizeSymbol(symbol, b.quote)
	asks, _, _ := b.GetPrice([]string{symbol})
	ask, ok := asks[symbol]
	if !ok || !ask.IsPositive() {
		return nil, fmt.Errorf("no ask price for %s", symbol)
	}

	filters, err := b.GetSymbolFilters(exSym)
	if err != nil {
		return nil, err
	}

	refPrice := ask
	if ticker, terr := b.TickerPrice(exSym); terr == nil && ticker.IsPositive() {
		refPrice = ticker
	}
	qty, px, err := RoundOrder(filters, quoteAmount.Div(ask), limitPriceFor(orderType, ask), refPrice)
	if err != nil {
		return nil, err
	}

	resp, err := b.placeOrder(clientOrderID, Buy, orderType, exSym, qty, px)
	if err != nil {
		return nil, err
	}
	log.Info().Str("symbol", exSym).Str("qty", FormatQuantity(qty)).Msg("Buy order placed")
	return resp.result(qty, ask), nil
}

func (b *Binance) PlaceSell(clientOrderID string, orderType OrderType, symbol string, baseQuantity decimal.Decimal) (*OrderResult, error) {
	exSym := NormalizeSymbol(symbol, b.quote)
	_, bids, _ := b.GetPrice([]string{symbol})
	bid := bids[symbol]

	filters, err := b.GetSymbolFilters(exSym)
	if err != nil {
		return nil, err
	}

	refPrice := bid
	if !refPrice.IsPositive() {
		if ticker, terr := b.TickerPrice(exSym); terr == nil {
			refPrice = ticker
		}
	}
	qty, px, err := RoundOrder(filters, baseQuantity, limitPriceFor(orderType, bid), refPrice)
	if err != nil {
		return nil, err
	}

	resp, err := b.placeOrder(clientOrderID, Sell, orderType, exSym, qty, px)
	if err != nil {
		return nil, err
	}
	log.Info().Str("symbol", exSym).Str("qty", FormatQuantity(qty)).Msg("Sell order placed")
	return resp.result(qty, bid), nil
}

func limitPriceFor(orderType OrderType, price decimal.Decimal) decimal.Decimal {
	if orderType == Limit {
		return price
	}
	return decimal.Zero
}
