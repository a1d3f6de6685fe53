// Package broker defines the capability surface shared by every exchange
// driver (live, testnet, paper) and the data types the trading loop
// consumes. Callers hold the Broker interface, never a concrete driver.
package broker

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType supported by the drivers.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// OrderState as seen by the position tracker. Only filled orders
// contribute to cost basis.
type OrderState string

const (
	StateFilled   OrderState = "filled"
	StateOpen     OrderState = "open"
	StateCanceled OrderState = "canceled"
)

// Account is the driver's view of spendable quote currency.
type Account struct {
	BuyingPower   decimal.Decimal
	QuoteCurrency string
	Paper         bool
}

// Holding is a non-zero position in a base asset. Quantities at or below
// DustThreshold are never surfaced.
type Holding struct {
	Asset     string
	Quantity  decimal.Decimal
	Available decimal.Decimal
}

// DustThreshold is the quantity below which a holding is considered gone.
var DustThreshold = decimal.New(1, -8)

// Execution is a single fill inside an order.
type Execution struct {
	Quantity       decimal.Decimal
	EffectivePrice decimal.Decimal
}

// Order is a normalized order-history entry.
type Order struct {
	ID         string
	Side       Side
	State      OrderState
	CreatedAt  time.Time
	Executions []Execution
}

// FilledQuantity sums the execution quantities.
func (o Order) FilledQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, ex := range o.Executions {
		total = total.Add(ex.Quantity)
	}
	return total
}

// OrderResult summarizes a placed order: the filled (or requested) base
// quantity and the effective (or estimated) fill price.
type OrderResult struct {
	ID       string
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// Pair is a tradable symbol descriptor.
type Pair struct {
	Symbol string
}

// Candle is one OHLCV bar, most recent last in any series.
type Candle struct {
	Ts     int64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Broker is the uniform capability set every exchange driver exposes.
//
// Buys take a quote-currency amount (the base quantity is derived from the
// latest ask); sells take a base quantity directly. Transient failures are
// retried inside the driver; an error here means the call is unrecoverable
// for this tick and the loop should move on.
type Broker interface {
	Name() string
	QuoteCurrency() string

	GetAccount() (*Account, error)
	GetHoldings() ([]Holding, error)
	GetTradingPairs() ([]Pair, error)
	GetOrders(symbol string) ([]Order, error)

	// GetPrice returns asks, bids and the list of symbols with usable
	// prices this call. Drivers fall back to the last good bid/ask for a
	// symbol when the live lookup fails, so a transient miss never zeroes
	// a valuation.
	GetPrice(symbols []string) (asks, bids map[string]decimal.Decimal, valid []string)

	PlaceBuy(clientOrderID string, orderType OrderType, symbol string, quoteAmount decimal.Decimal) (*OrderResult, error)
	PlaceSell(clientOrderID string, orderType OrderType, symbol string, baseQuantity decimal.Decimal) (*OrderResult, error)
}

// KlineSource is implemented by drivers that can serve historical candles
// for the strategy evaluator. The Ed25519 driver does not; the evaluator
// falls back to the neural baseline there.
type KlineSource interface {
	GetKlines(symbol, interval string, limit int) ([]Candle, error)
}

// Performer is implemented by paper brokers that can report mark-to-market
// performance versus their initial balance.
type Performer interface {
	GetPerformance() (*Performance, error)
}

// Performance is a paper broker's mark-to-market summary.
type Performance struct {
	InitialBalance decimal.Decimal
	CurrentBalance decimal.Decimal
	HoldingsValue  decimal.Decimal
	TotalValue     decimal.Decimal
	ProfitLoss     decimal.Decimal
	ProfitPct      decimal.Decimal
	TotalTrades    int
	BuyTrades      int
	SellTrades     int
}

// FormatSymbol builds the trading-pair form used by the control loop,
// e.g. ("BTC", "USD") -> "BTC-USD".
func FormatSymbol(coin, quote string) string {
	return strings.ToUpper(strings.TrimSpace(coin)) + "-" + strings.ToUpper(strings.TrimSpace(quote))
}

// ExtractCoin returns the base asset of a trading pair, e.g.
// "BTC-USD" -> "BTC".
func ExtractCoin(symbol string) string {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.IndexAny(sym, "-_/"); i > 0 {
		return sym[:i]
	}
	return sym
}

// lastGood caches the most recent positive bid/ask per symbol so transient
// price misses reuse the previous quote instead of reporting zero.
type lastGood struct {
	quotes map[string]lastGoodQuote
}

type lastGoodQuote struct {
	ask decimal.Decimal
	bid decimal.Decimal
	ts  time.Time
}

func newLastGood() *lastGood {
	return &lastGood{quotes: make(map[string]lastGoodQuote)}
}

func (c *lastGood) store(symbol string, ask, bid decimal.Decimal) {
	if ask.IsPositive() && bid.IsPositive() {
		c.quotes[symbol] = lastGoodQuote{ask: ask, bid: bid, ts: time.Now()}
	}
}

func (c *lastGood) lookup(symbol string) (ask, bid decimal.Decimal, ok bool) {
	q, found := c.quotes[symbol]
	if !found || !q.ask.IsPositive() || !q.bid.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	return q.ask, q.bid, true
}
