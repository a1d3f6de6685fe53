package broker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Paper wraps any live driver, using it only for market data while keeping
// a virtual account locally. Holdings carry a weighted-average cost so the
// simulator can report realized P&L without order-history replay.
type Paper struct {
	market Broker

	mu       sync.Mutex
	balance  decimal.Decimal
	holdings map[string]*paperHolding
	orders   []paperOrder

	statePath string
	initial   decimal.Decimal
	buys      int
	sells     int
}

type paperHolding struct {
	Quantity decimal.Decimal `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

type paperWrapperState struct {
	Balance  decimal.Decimal          `json:"balance"`
	Holdings map[string]*paperHolding `json:"holdings"`
	Orders   []paperOrder             `json:"orders"`
	Initial  decimal.Decimal          `json:"initial"`
	Buys     int                      `json:"buys"`
	Sells    int                      `json:"sells"`
}

// NewPaper builds the wrapper simulator. Prior state at statePath wins over
// initialBalance; an unreadable or corrupt state file starts a fresh
// session instead of failing.
func NewPaper(market Broker, initialBalance decimal.Decimal, statePath string) *Paper {
	p := &Paper{
		market:    market,
		balance:   initialBalance,
		holdings:  make(map[string]*paperHolding),
		statePath: statePath,
		initial:   initialBalance,
	}
	if statePath == "" {
		return p
	}
	data, err := os.ReadFile(statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", statePath).Msg("Paper state unreadable, starting fresh")
		}
		return p
	}
	var state paperWrapperState
	if err := json.Unmarshal(data, &state); err != nil {
		log.Warn().Err(err).Str("path", statePath).Msg("Paper state corrupt, starting fresh")
		return p
	}
	p.balance = state.Balance
	p.orders = state.Orders
	p.initial = state.Initial
	p.buys = state.Buys
	p.sells = state.Sells
	if state.Holdings != nil {
		p.holdings = state.Holdings
	}
	return p
}

func (p *Paper) Name() string          { return "paper" }
func (p *Paper) QuoteCurrency() string { return p.market.QuoteCurrency() }

// save persists state with temp file + rename. Caller holds p.mu.
func (p *Paper) save() {
	if p.statePath == "" {
		return
	}
	state := paperWrapperState{
		Balance:  p.balance,
		Holdings: p.holdings,
		Orders:   p.orders,
		Initial:  p.initial,
		Buys:     p.buys,
		Sells:    p.sells,
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(p.statePath), 0o755); err != nil {
		log.Warn().Err(err).Msg("Paper state dir create failed")
		return
	}
	tmp := p.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Warn().Err(err).Msg("Paper state write failed")
		return
	}
	if err := os.Rename(tmp, p.statePath); err != nil {
		log.Warn().Err(err).Msg("Paper state rename failed")
	}
}

func (p *Paper) GetAccount() (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &Account{BuyingPower: p.balance, QuoteCurrency: p.QuoteCurrency(), Paper: true}, nil
}

func (p *Paper) GetHoldings() ([]Holding, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	holdings := make([]Holding, 0, len(p.holdings))
	for asset, h := range p.holdings {
		if h.Quantity.Cmp(DustThreshold) <= 0 {
			continue
		}
		holdings = append(holdings, Holding{Asset: asset, Quantity: h.Quantity, Available: h.Quantity})
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Asset < holdings[j].Asset })
	return holdings, nil
}

func (p *Paper) GetTradingPairs() ([]Pair, error) { return p.market.GetTradingPairs() }

func (p *Paper) GetOrders(symbol string) ([]Order, error) {
	coin := ExtractCoin(symbol)
	p.mu.Lock()
	defer p.mu.Unlock()
	orders := make([]Order, 0)
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

func (p *Paper) GetPrice(symbols []string) (asks, bids map[string]decimal.Decimal, valid []string) {
	return p.market.GetPrice(symbols)
}

func (p *Paper) PlaceBuy(clientOrderID string, orderType OrderType, symbol string, quoteAmount decimal.Decimal) (*OrderResult, error) {
	asks, _, _ := p.market.GetPrice([]string{symbol})
	ask, ok := asks[symbol]
	if !ok || !ask.IsPositive() {
		return nil, fmt.Errorf("no ask price for %s", symbol)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if quoteAmount.GreaterThan(p.balance) {
		return nil, fmt.Errorf("insufficient balance: need %s, have %s", FormatQuantity(quoteAmount), FormatQuantity(p.balance))
	}

	qty := quoteAmount.Div(ask)
	coin := ExtractCoin(symbol)

	h, exists := p.holdings[coin]
	if !exists {
		p.holdings[coin] = &paperHolding{Quantity: qty, AvgPrice: ask}
	} else {
		// Weighted-average cost over the combined position.
		totalCost := h.Quantity.Mul(h.AvgPrice).Add(qty.Mul(ask))
		h.Quantity = h.Quantity.Add(qty)
		h.AvgPrice = totalCost.Div(h.Quantity)
	}
	p.balance = p.balance.Sub(quoteAmount)
	p.buys++

	p.orders = append(p.orders, paperOrder{
		ID: clientOrderID, Symbol: symbol, Side: Buy, Type: orderType,
		Quantity: qty, Price: ask, CreatedAt: time.Now().UTC(),
	})
	p.save()

	log.Info().Str("symbol", symbol).Str("qty", FormatQuantity(qty)).Str("price", FormatQuantity(ask)).Msg("Paper buy filled")
	return &OrderResult{ID: clientOrderID, Quantity: qty, Price: ask}, nil
}

func (p *Paper) PlaceSell(clientOrderID string, orderType OrderType, symbol string, baseQuantity decimal.Decimal) (*OrderResult, error) {
	_, bids, _ := p.market.GetPrice([]string{symbol})
	bid, ok := bids[symbol]
	if !ok || !bid.IsPositive() {
		return nil, fmt.Errorf("no bid price for %s", symbol)
	}

	coin := ExtractCoin(symbol)
	p.mu.Lock()
	defer p.mu.Unlock()

	h, exists := p.holdings[coin]
	if !exists || baseQuantity.GreaterThan(h.Quantity) {
		held := decimal.Zero
		if exists {
			held = h.Quantity
		}
		return nil, fmt.Errorf("insufficient %s: need %s, have %s", coin, FormatQuantity(baseQuantity), FormatQuantity(held))
	}

	h.Quantity = h.Quantity.Sub(baseQuantity)
	if h.Quantity.Cmp(DustThreshold) <= 0 {
		delete(p.holdings, coin)
	}
	p.balance = p.balance.Add(baseQuantity.Mul(bid))
	p.sells++

	p.orders = append(p.orders, paperOrder{
		ID: clientOrderID, Symbol: symbol, Side: Sell, Type: orderType,
		Quantity: baseQuantity, Price: bid, CreatedAt: time.Now().UTC(),
	})
	p.save()

	log.Info().Str("symbol", symbol).Str("qty", FormatQuantity(baseQuantity)).Str("price", FormatQuantity(bid)).Msg("Paper sell filled")
	return &OrderResult{ID: clientOrderID, Quantity: baseQuantity, Price: bid}, nil
}

// GetPerformance marks current holdings to the live bid.
func (p *Paper) GetPerformance() (*Performance, error) {
	p.mu.Lock()
	balance := p.balance
	initial := p.initial
	buys, sells := p.buys, p.sells
	coins := make([]string, 0, len(p.holdings))
	quantities := make(map[string]decimal.Decimal, len(p.holdings))
	for coin, h := range p.holdings {
		coins = append(coins, coin)
		quantities[coin] = h.Quantity
	}
	p.mu.Unlock()

	symbols := make([]string, 0, len(coins))
	for _, c := range coins {
		symbols = append(symbols, FormatSymbol(c, p.QuoteCurrency()))
	}
	_, bids, _ := p.market.GetPrice(symbols)

	holdingsValue := decimal.Zero
	for _, c := range coins {
		if bid, ok := bids[FormatSymbol(c, p.QuoteCurrency())]; ok {
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
