// Package hub owns the files shared with the GUI: the live status
// snapshot, the trade and account-value histories, the realized P&L
// ledger and the per-coin price files. JSON documents are written with
// temp file + rename; the JSONL histories are append-only.
package hub

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Hub writes to one directory. All methods are best-effort: a failed write
// is logged and the next tick writes a fresh snapshot.
type Hub struct {
	dir string
}

func New(dir string) (*Hub, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create hub dir: %w", err)
	}
	return &Hub{dir: dir}, nil
}

func (h *Hub) Dir() string { return h.dir }

// AccountStatus is the account block of trader_status.json.
type AccountStatus struct {
	TotalAccountValue float64 `json:"total_account_value"`
	BuyingPower       float64 `json:"buying_power"`
	HoldingsSellValue float64 `json:"holdings_sell_value"`
	HoldingsBuyValue  float64 `json:"holdings_buy_value"`
	PercentInTrade    float64 `json:"percent_in_trade"`
	PMStartPctNoDCA   float64 `json:"pm_start_pct_no_dca"`
	PMStartPctWithDCA float64 `json:"pm_start_pct_with_dca"`
	TrailingGapPct    float64 `json:"trailing_gap_pct"`
}

// PositionStatus is one asset's block in trader_status.json. Tracked but
// unheld assets appear with zero quantity so the GUI can draw price lines.
type PositionStatus struct {
	Quantity          float64 `json:"quantity"`
	AvgCostBasis      float64 `json:"avg_cost_basis"`
	CurrentBuyPrice   float64 `json:"current_buy_price"`
	CurrentSellPrice  float64 `json:"current_sell_price"`
	GainLossPctBuy    float64 `json:"gain_loss_pct_buy"`
	GainLossPctSell   float64 `json:"gain_loss_pct_sell"`
	ValueUSD          float64 `json:"value_usd"`
	DCATriggeredStage int     `json:"dca_triggered_stages"`
	NextDCADisplay    string  `json:"next_dca_display"`
	DCALinePrice      float64 `json:"dca_line_price"`
	DCALineSource     string  `json:"dca_line_source"`
	DCALinePct        float64 `json:"dca_line_pct"`
	TrailActive       bool    `json:"trail_active"`
	TrailLine         float64 `json:"trail_line"`
	TrailPeak         float64 `json:"trail_peak"`
	DistToTrailPct    float64 `json:"dist_to_trail_pct"`
}

// Status is the full trader_status.json document.
type Status struct {
	Timestamp int64                     `json:"timestamp"`
	Account   AccountStatus             `json:"account"`
	Positions map[string]PositionStatus `json:"positions"`
}

// TradeRecord is one line of trade_history.jsonl.
type TradeRecord struct {
	Ts             int64   `json:"ts"`
	Side           string  `json:"side"`
	Tag            string  `json:"tag"`
	Symbol         string  `json:"symbol"`
	Qty            float64 `json:"qty"`
	Price          float64 `json:"price"`
	AvgCostBasis   float64 `json:"avg_cost_basis"`
	PnLPct         float64 `json:"pnl_pct"`
	RealizedProfit float64 `json:"realized_profit"`
	OrderID        string  `json:"order_id"`
}

// PnLLedger is pnl_ledger.json.
type PnLLedger struct {
	TotalRealizedProfitUSD float64 `json:"total_realized_profit_usd"`
	LastUpdatedTs          int64   `json:"last_updated_ts"`
}

type accountValueLine struct {
	Ts                int64   `json:"ts"`
	TotalAccountValue float64 `json:"total_account_value"`
}

// writeJSONAtomic writes a document via temp file + rename so readers
// never see a torn file.
func (h *Hub) writeJSONAtomic(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(h.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (h *Hub) appendLine(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(h.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// WriteStatus publishes the live snapshot.
func (h *Hub) WriteStatus(status Status) {
	if err := h.writeJSONAtomic("trader_status.json", status); err != nil {
		log.Warn().Err(err).Msg("Status write failed")
	}
}

// RecordTrade appends one ledger line and, for sells with known realized
// profit, folds it into the P&L ledger.
func (h *Hub) RecordTrade(rec TradeRecord) {
	if err := h.appendLine("trade_history.jsonl", rec); err != nil {
		log.Warn().Err(err).Msg("Trade history append failed")
	}
	if rec.Side == "sell" && rec.RealizedProfit != 0 {
		h.addRealizedProfit(rec.RealizedProfit, rec.Ts)
	}
}

// ReadPnLLedger loads the ledger, zero-valued when absent or corrupt.
func (h *Hub) ReadPnLLedger() PnLLedger {
	var ledger PnLLedger
	data, err := os.ReadFile(filepath.Join(h.dir, "pnl_ledger.json"))
	if err != nil {
		return ledger
	}
	_ = json.Unmarshal(data, &ledger)
	return ledger
}

func (h *Hub) addRealizedProfit(profit float64, ts int64) {
	ledger := h.ReadPnLLedger()
	ledger.TotalRealizedProfitUSD += profit
	ledger.LastUpdatedTs = ts
	if err := h.writeJSONAtomic("pnl_ledger.json", ledger); err != nil {
		log.Warn().Err(err).Msg("PnL ledger write failed")
	}
}

// AppendAccountValue records one account-value sample.
func (h *Hub) AppendAccountValue(ts int64, totalValue float64) {
	if err := h.appendLine("account_value_history.jsonl", accountValueLine{Ts: ts, TotalAccountValue: totalValue}); err != nil {
		log.Warn().Err(err).Msg("Account value append failed")
	}
}

// WritePriceFile publishes the latest ask for one coin as a bare float.
func (h *Hub) WritePriceFile(coin string, ask decimal.Decimal) {
	name := strings.ToUpper(coin) + "_current_price.txt"
	if err := os.WriteFile(filepath.Join(h.dir, name), []byte(ask.String()), 0o644); err != nil {
		log.Warn().Err(err).Msg("Price file write failed")
	}
}

// SeedDCATimestamps recovers the rolling-window DCA timestamps for one
// coin from the persisted trade history: DCA buys recorded after that
// coin's most recent sell. Used at startup so a restart cannot bypass the
// rate limit.
func (h *Hub) SeedDCATimestamps(coin string) []int64 {
	f, err := os.Open(filepath.Join(h.dir, "trade_history.jsonl"))
	if err != nil {
		return nil
	}
	defer f.Close()

	coin = strings.ToUpper(coin)
	var lastSell int64
	var dcaBuys []int64

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec TradeRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if !strings.EqualFold(symbolCoin(rec.Symbol), coin) {
			continue
		}
		switch {
		case rec.Side == "sell":
			lastSell = rec.Ts
		case rec.Side == "buy" && rec.Tag == "DCA":
			dcaBuys = append(dcaBuys, rec.Ts)
		}
	}

	var out []int64
	for _, ts := range dcaBuys {
		if ts > lastSell {
			out = append(out, ts)
		}
	}
	return out
}

func symbolCoin(symbol string) string {
	s := strings.ToUpper(symbol)
	if i := strings.IndexAny(s, "-_/"); i > 0 {
		return s[:i]
	}
	return s
}
