package broker

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// BinancePaper simulates spot trading against live public market data. It
// reuses the unsigned endpoints of an underlying Binance client for prices,
// filters and klines while keeping balances, fills and order history local.
// Fills model slippage, taker/maker fees and optional partial execution,
// and the whole state survives restarts via a JSON file.
type BinancePaper struct {
	market *Binance

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	orders   []paperOrder

	statePath   string
	slippagePct decimal.Decimal // max adverse slippage, e.g. 0.001 = 0.1%
	takerFee    decimal.Decimal
	makerFee    decimal.Decimal
	partialMin  decimal.Decimal // 0 disables partial fills
	partialMax  decimal.Decimal

	initialQuote decimal.Decimal
	buys, sells  int
}

type paperOrder struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Type      OrderType       `json:"type"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	FeeAsset  string          `json:"fee_asset"`
	CreatedAt time.Time       `json:"created_at"`
}

type paperState struct {
	Balances     map[string]decimal.Decimal `json:"balances"`
	Orders       []paperOrder               `json:"orders"`
	InitialQuote decimal.Decimal            `json:"initial_quote"`
	Buys         int                        `json:"buys"`
	Sells        int                        `json:"sells"`
}

// BinancePaperOptions tunes the simulation.
type BinancePaperOptions struct {
	StatePath      string
	InitialBalance decimal.Decimal
	SlippagePct    decimal.Decimal
	TakerFee       decimal.Decimal
	MakerFee       decimal.Decimal
	PartialMin     decimal.Decimal
	PartialMax     decimal.Decimal
}

// NewBinancePaper builds the simulator over an unsigned market-data client.
// Prior state at opts.StatePath wins over opts.InitialBalance; an unreadable
// or corrupt state file starts a fresh session instead of failing.
func NewBinancePaper(market *Binance, opts BinancePaperOptions) *BinancePaper {
	p := &BinancePaper{
		market:       market,
		balances:     map[string]decimal.Decimal{market.QuoteCurrency(): opts.InitialBalance},
		statePath:    opts.StatePath,
		slippagePct:  opts.SlippagePct,
		takerFee:     opts.TakerFee,
		makerFee:     opts.MakerFee,
		partialMin:   opts.PartialMin,
		partialMax:   opts.PartialMax,
		initialQuote: opts.InitialBalance,
	}
	p.loadState()
	return p
}

func (p *BinancePaper) Name() string          { return "binance-paper" }
func (p *BinancePaper) QuoteCurrency() string { return p.market.QuoteCurrency() }

func (p *BinancePaper) loadState() {
	if p.statePath == "" {
		return
	}
	data, err := os.ReadFile(p.statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", p.statePath).Msg("Paper state unreadable, starting fresh")
		}
		return
	}
	var state paperState
	if err := json.Unmarshal(data, &state); err != nil {
		log.Warn().Err(err).Str("path", p.statePath).Msg("Paper state corrupt, starting fresh")
		return
	}
	p.balances = state.Balances
	p.orders = state.Orders
	p.initialQuote = state.InitialQuote
	p.buys = state.Buys
	p.sells = state.Sells
	if p.balances == nil {
		p.balances = map[string]decimal.Decimal{p.QuoteCurrency(): decimal.Zero}
	}
}

// saveState writes the full simulator state via temp file + rename so a
// crash mid-write never leaves a torn file. Caller holds p.mu.
func (p *BinancePaper) saveState() {
	if p.statePath == "" {
		return
	}
	state := paperState{
		Balances:     p.balances,
		Orders:       p.orders,
		InitialQuote: p.initialQuote,
		Buys:         p.buys,
		Sells:        p.sells,
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return
	}
	tmp := p.statePath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(p.statePath), 0o755); err != nil {
		log.Warn().Err(err).Msg("Paper state dir create failed")
		return
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Warn().Err(err).Msg("Paper state write failed")
		return
	}
	if err := os.Rename(tmp, p.statePath); err != nil {
		log.Warn().Err(err).Msg("Paper state rename failed")
	}
}

func (p *BinancePaper) GetAccount() (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &Account{
		BuyingPower:   p.balances[p.QuoteCurrency()],
		QuoteCurrency: p.QuoteCurrency(),
		Paper:         true,
	}, nil
}

func (p *BinancePaper) GetHoldings() ([]Holding, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	holdings := make([]Holding, 0, len(p.balances))
	for asset, qty := range p.balances {
		if asset == p.QuoteCurrency() || qty.Cmp(DustThreshold) <= 0 {
			continue
		}
		holdings = append(holdings, Holding{Asset: asset, Quantity: qty, Available: qty})
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Asset < holdings[j].Asset })
	return holdings, nil
}

func (p *BinancePaper) GetTradingPairs() ([]Pair, error) { return p.market.GetTradingPairs() }

func (p *BinancePaper) GetOrders(symbol string) ([]Order, error) {
	coin := ExtractCoin(symbol)
	p.mu.Lock()
	defer p.mu.Unlock()
	orders := make([]Order, 0, len(p.orders))
	for _, o := range p.orders {
		if ExtractCoin(o.Symbol) != coin {
			continue
		}
		orders = append(orders, Order{
			ID:         o.ID,
			Side:       o.Side,
			State:      StateFilled,
			CreatedAt:  o.CreatedAt,
			Executions: []Execution{{Quantity: o.Quantity, EffectivePrice: o.Price}},
		})
	}
	return orders, nil
}

func (p *BinancePaper) GetPrice(symbols []string) (asks, bids map[string]decimal.Decimal, valid []string) {
	return p.market.GetPrice(symbols)
}

// GetKlines proxies historical candles from the public endpoint.
func (p *BinancePaper) GetKlines(symbol, interval string, limit int) ([]Candle, error) {
	return p.market.GetKlines(symbol, interval, limit)
}

// fillPrice applies adverse slippage drawn uniformly from [0, slippagePct].
func (p *BinancePaper) fillPrice(side Side, quoted decimal.Decimal) decimal.Decimal {
	if !p.slippagePct.IsPositive() {
		return quoted
	}
	slip := p.slippagePct.Mul(decimal.NewFromFloat(rand.Float64()))
	if side == Buy {
		return quoted.Mul(decimal.NewFromInt(1).Add(slip))
	}
	return quoted.Mul(decimal.NewFromInt(1).Sub(slip))
}

// fillFraction is 1 unless partial fills are configured, in which case it
// draws uniformly from [partialMin, partialMax].
func (p *BinancePaper) fillFraction() decimal.Decimal {
	if !p.partialMin.IsPositive() || !p.partialMax.IsPositive() {
		return decimal.NewFromInt(1)
	}
	span := p.partialMax.Sub(p.partialMin)
	frac := p.partialMin.Add(span.Mul(decimal.NewFromFloat(rand.Float64())))
	if frac.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return frac
}

func (p *BinancePaper) feeRate(orderType OrderType) decimal.Decimal {
	if orderType == Limit {
		return p.makerFee
	}
	return p.takerFee
}

func (p *BinancePaper) PlaceBuy(clientOrderID string, orderType OrderType, symbol string, quoteAmount decimal.Decimal) (*OrderResult, error) {
	asks, _, _ := p.market.GetPrice([]string{symbol})
	ask, ok := asks[symbol]
	if !ok || !ask.IsPositive() {
		return nil, fmt.Errorf("no ask price for %s", symbol)
	}

	exSym := NormalizeSymbol(symbol, p.QuoteCurrency())
	filters, err := p.market.GetSymbolFilters(exSym)
	if err == nil {
		if _, _, rerr := RoundOrder(filters, quoteAmount.Div(ask), decimal.Zero, ask); rerr != nil {
			return nil, rerr
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	quote := p.QuoteCurrency()
	if quoteAmount.GreaterThan(p.balances[quote]) {
		return nil, fmt.Errorf("insufficient %s balance: need %s, have %s", quote, FormatQuantity(quoteAmount), FormatQuantity(p.balances[quote]))
	}

	price := p.fillPrice(Buy, ask)
	spend := quoteAmount.Mul(p.fillFraction())
	qty := spend.Div(price)

	// Taker/maker fee charged in the received asset: base on buys.
	fee := qty.Mul(p.feeRate(orderType))
	netQty := qty.Sub(fee)

	coin := ExtractCoin(symbol)
	p.balances[quote] = p.balances[quote].Sub(spend)
	p.balances[coin] = p.balances[coin].Add(netQty)
	p.buys++

	order := paperOrder{
		ID: clientOrderID, Symbol: symbol, Side: Buy, Type: orderType,
		Quantity: netQty, Price: price, Fee: fee, FeeAsset: coin,
		CreatedAt: time.Now().UTC(),
	}
	p.orders = append(p.orders, order)
	p.saveState()

	log.Info().Str("symbol", symbol).Str("qty", FormatQuantity(netQty)).Str("price", FormatQuantity(price)).Msg("Paper buy filled")
	return &OrderResult{ID: clientOrderID, Quantity: netQty, Price: price}, nil
}

func (p *BinancePaper) PlaceSell(clientOrderID string, orderType OrderType, symbol string, baseQuantity decimal.Decimal) (*OrderResult, error) {
	_, bids, _ := p.market.GetPrice([]string{symbol})
	bid, ok := bids[symbol]
	if !ok || !bid.IsPositive() {
		return nil, fmt.Errorf("no bid price for %s", symbol)
	}

	coin := ExtractCoin(symbol)
	p.mu.Lock()
	defer p.mu.Unlock()

	held := p.balances[coin]
	if baseQuantity.GreaterThan(held) {
		return nil, fmt.Errorf("insufficient %s balance: need %s, have %s", coin, FormatQuantity(baseQuantity), FormatQuantity(held))
	}

	price := p.fillPrice(Sell, bid)
	qty := baseQuantity.Mul(p.fillFraction())
	proceeds := qty.Mul(price)

	// Fee in the received asset: quote on sells.
	fee := proceeds.Mul(p.feeRate(orderType))
	netProceeds := proceeds.Sub(fee)

	quote := p.QuoteCurrency()
	remainder := held.Sub(qty)
	if remainder.Cmp(DustThreshold) <= 0 {
		delete(p.balances, coin)
	} else {
		p.balances[coin] = remainder
	}
	p.balances[quote] = p.balances[quote].Add(netProceeds)
	p.sells++

	order := paperOrder{
		ID: clientOrderID, Symbol: symbol, Side: Sell, Type: orderType,
		Quantity: qty, Price: price, Fee: fee, FeeAsset: quote,
		CreatedAt: time.Now().UTC(),
	}
	p.orders = append(p.orders, order)
	p.saveState()

	log.Info().Str("symbol", symbol).Str("qty", FormatQuantity(qty)).Str("price", FormatQuantity(price)).Msg("Paper sell filled")
	return &OrderResult{ID: clientOrderID, Quantity: qty, Price: price}, nil
}

// GetPerformance marks holdings to the current bid and reports P&L against
// the starting quote balance.
func (p *BinancePaper) GetPerformance() (*Performance, error) {
	p.mu.Lock()
	quote := p.QuoteCurrency()
	balance := p.balances[quote]
	coins := make([]string, 0, len(p.balances))
	for asset := range p.balances {
		if asset != quote {
			coins = append(coins, asset)
		}
	}
	quantities := make(map[string]decimal.Decimal, len(coins))
	for _, c := range coins {
		quantities[c] = p.balances[c]
	}
	initial := p.initialQuote
	buys, sells := p.buys, p.sells
	p.mu.Unlock()

	symbols := make([]string, 0, len(coins))
	for _, c := range coins {
		symbols = append(symbols, FormatSymbol(c, quote))
	}
	_, bids, _ := p.market.GetPrice(symbols)

	holdingsValue := decimal.Zero
	for _, c := range coins {
		if bid, ok := bids[FormatSymbol(c, quote)]; ok {
			holdingsValue = holdingsValue.Add(quantities[c].Mul(bid))
		}
	}

	total := balance.Add(holdingsValue)
	pnl := total.Sub(initial)
	pct := decimal.Zero
	if initial.IsPositive() {
		pct = pnl.Div(initial).Mul(decimal.NewFromInt(100))
	}
	return &Performance{
		InitialBalance: initial,
		CurrentBalance: balance,
		HoldingsValue:  holdingsValue,
		TotalValue:     total,
		ProfitLoss:     pnl,
		ProfitPct:      pct,
		TotalTrades:    buys + sells,
		BuyTrades:      buys,
		SellTrades:     sells,
	}, nil
}
