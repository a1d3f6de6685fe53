package trading

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/powertrader/internal/broker"
	"github.com/web3guy0/powertrader/internal/config"
	"github.com/web3guy0/powertrader/internal/hub"
	"github.com/web3guy0/powertrader/internal/indicators"
	"github.com/web3guy0/powertrader/internal/notify"
	"github.com/web3guy0/powertrader/internal/position"
	"github.com/web3guy0/powertrader/internal/settings"
	"github.com/web3guy0/powertrader/internal/signals"
	"github.com/web3guy0/powertrader/internal/store"
	"github.com/web3guy0/powertrader/internal/strategy"
)

// Trade tags recorded in the ledger.
const (
	TagEntry     = "ENTRY"
	TagDCA       = "DCA"
	TagTrailSell = "TRAIL_SELL"
	TagPineSell  = "PINE_SELL"
	TagPineStop  = "PINE_STOP"
)

// assetState is the loop's per-coin memory between ticks.
type assetState struct {
	pos       position.State
	tpm       TPM
	dcaTs     []int64
	seeded    bool
	recompute bool
}

// Trader runs the control loop: one sequential tick over all tracked
// assets, exits before DCA before new entries.
type Trader struct {
	broker   broker.Broker
	cfg      *config.Config
	loader   *settings.Loader
	pine     *signals.PineFollower
	hub      *hub.Hub
	store    *store.Store
	notifier *notify.Notifier

	assets      map[string]*assetState
	lastAccount *hub.AccountStatus

	now   func() time.Time
	sleep func(time.Duration)
}

func New(b broker.Broker, cfg *config.Config, loader *settings.Loader, h *hub.Hub, st *store.Store, n *notify.Notifier) *Trader {
	t := &Trader{
		broker:   b,
		cfg:      cfg,
		loader:   loader,
		hub:      h,
		store:    st,
		notifier: n,
		assets:   make(map[string]*assetState),
		now:      time.Now,
		sleep:    time.Sleep,
	}
	if cfg.PineEnabled && cfg.PineMode != "off" {
		t.pine = signals.NewPineFollower(cfg.PineSignalFile)
	}
	return t
}

// Run ticks until the context is cancelled.
func (t *Trader) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Trader stopped")
			return
		case <-ticker.C:
			t.Tick()
		}
	}
}

func (t *Trader) state(coin string) *assetState {
	s, ok := t.assets[coin]
	if !ok {
		s = &assetState{recompute: true}
		t.assets[coin] = s
	}
	if !s.seeded {
		s.dcaTs = append(s.dcaTs, t.hub.SeedDCATimestamps(coin)...)
		s.seeded = true
	}
	return s
}

// Tick runs one full evaluation pass.
func (t *Trader) Tick() {
	cfg := t.loader.Load()
	if t.pine != nil {
		t.pine.Refresh()
	}

	account, accErr := t.broker.GetAccount()
	holdings, holdErr := t.broker.GetHoldings()
	if accErr != nil || holdErr != nil {
		log.Warn().AnErr("account", accErr).AnErr("holdings", holdErr).Msg("Account fetch failed, skipping tick")
		t.publishStatus(nil, nil, nil, nil, cfg, false)
		return
	}

	held := make(map[string]broker.Holding, len(holdings))
	for _, h := range holdings {
		held[h.Asset] = h
	}

	coins := make([]string, 0, len(cfg.Coins)+len(held))
	seen := make(map[string]bool)
	for _, c := range cfg.Coins {
		coins = append(coins, c)
		seen[c] = true
	}
	for asset := range held {
		if !seen[asset] {
			coins = append(coins, asset)
		}
	}

	symbols := make([]string, 0, len(coins))
	for _, c := range coins {
		symbols = append(symbols, broker.FormatSymbol(c, t.broker.QuoteCurrency()))
	}
	asks, bids, _ := t.broker.GetPrice(symbols)

	complete := true
	for asset := range held {
		sym := broker.FormatSymbol(asset, t.broker.QuoteCurrency())
		if !asks[sym].IsPositive() || !bids[sym].IsPositive() {
			complete = false
			log.Warn().Str("asset", asset).Msg("No usable price for held asset this tick")
		}
	}

	traded := false

	// Held assets: exit paths first, then DCA.
	for _, coin := range coins {
		holding, isHeld := held[coin]
		if !isHeld {
			continue
		}
		sym := broker.FormatSymbol(coin, t.broker.QuoteCurrency())
		ask, bid := asks[sym], bids[sym]
		if !ask.IsPositive() || !bid.IsPositive() {
			continue
		}

		st := t.state(coin)
		if st.recompute {
			if orders, err := t.broker.GetOrders(sym); err == nil {
				st.pos = position.Recompute(orders, holding.Quantity)
				st.dcaTs = mergeTimestamps(st.dcaTs, st.pos.DCABuyTs)
				st.recompute = false
			} else {
				log.Warn().Err(err).Str("asset", coin).Msg("Order history fetch failed")
			}
		}
		if !st.pos.AvgCost.IsPositive() {
			continue
		}

		buyPnL := pnlPct(ask, st.pos.AvgCost)
		sellPnL := pnlPct(bid, st.pos.AvgCost)
		log.Debug().Str("asset", coin).
			Str("avg_cost", st.pos.AvgCost.String()).
			Str("buy_pnl_pct", buyPnL.StringFixed(3)).
			Str("sell_pnl_pct", sellPnL.StringFixed(3)).
			Int("stages", st.pos.Stages).
			Msg("Position")

		if tag, fired := t.pineExit(coin); fired {
			if t.sellAll(coin, sym, holding, bid, st, tag) {
				traded = true
			}
			continue
		}

		if st.tpm.Tick(bid, st.pos.AvgCost, st.pos.Stages) {
			if t.sellAll(coin, sym, holding, bid, st, TagTrailSell) {
				traded = true
			}
			continue
		}

		if t.tryDCA(coin, sym, holding, ask, buyPnL, st, cfg, account) {
			traded = true
		}
	}

	// New entries for tracked, unheld assets.
	for _, coin := range cfg.Coins {
		if _, isHeld := held[coin]; isHeld {
			continue
		}
		sym := broker.FormatSymbol(coin, t.broker.QuoteCurrency())
		if !asks[sym].IsPositive() {
			continue
		}
		if t.tryEntry(coin, sym, cfg, account, len(cfg.Coins)) {
			traded = true
		}
	}

	if traded {
		t.sleep(time.Second)
		if refreshed, err := t.broker.GetHoldings(); err == nil {
			held = make(map[string]broker.Holding, len(refreshed))
			for _, h := range refreshed {
				held[h.Asset] = h
			}
		}
		for coin, st := range t.assets {
			st.recompute = true
			if _, ok := held[coin]; !ok {
				delete(t.assets, coin)
			}
		}
		if a, err := t.broker.GetAccount(); err == nil {
			account = a
		}
	}

	t.publishStatus(account, held, asks, bids, cfg, complete)
}

// pineExit reports whether the override feed demands an exit for coin.
func (t *Trader) pineExit(coin string) (string, bool) {
	if t.pine == nil || !t.cfg.PineUseExit {
		return "", false
	}
	sig, ok := t.pine.Latest(coin, t.cfg.PineMaxAge)
	if !ok {
		return "", false
	}
	switch sig.Action {
	case signals.PineSell:
		return TagPineSell, true
	case signals.PineStop:
		return TagPineStop, true
	}
	return "", false
}

// pineEntryAllowed applies the override feed to an entry decision.
func (t *Trader) pineEntryAllowed(coin string, strategyAllow bool) bool {
	if t.pine == nil {
		return strategyAllow
	}
	sig, ok := t.pine.Latest(coin, t.cfg.PineMaxAge)
	pineBuy := ok && sig.Action == signals.PineBuy
	switch t.cfg.PineMode {
	case "replace":
		return pineBuy
	case "filter":
		return strategyAllow && pineBuy
	default:
		return strategyAllow
	}
}

func (t *Trader) tryDCA(coin, sym string, holding broker.Holding, ask, buyPnL decimal.Decimal, st *assetState, cfg *settings.Settings, account *broker.Account) bool {
	neural := signals.Neural{}
	if dir := cfg.SignalDir(coin); dir != "" {
		neural = signals.ReadNeural(dir)
	}

	trigger := EvaluateDCA(st.pos.Stages, buyPnL, neural.LongLevel)
	if !trigger.Fire {
		return false
	}

	now := t.now().Unix()
	if CountDCAWindow(st.dcaTs, now, st.pos.LastSellTs) >= MaxDCAPerWindow {
		log.Info().Str("asset", coin).Msg("DCA rate limit reached, skipping stage")
		return false
	}

	amount := DCAAmount(holding.Quantity, ask)
	if account == nil || amount.GreaterThan(account.BuyingPower) {
		log.Info().Str("asset", coin).Str("amount", amount.StringFixed(2)).Msg("Insufficient buying power for DCA")
		return false
	}

	res, err := t.broker.PlaceBuy(uuid.NewString(), broker.Market, sym, amount)
	if err != nil {
		log.Warn().Err(err).Str("asset", coin).Msg("DCA buy failed")
		return false
	}
	log.Info().Str("asset", coin).Int("stage", st.pos.Stages).
		Bool("hard", trigger.Hard).Bool("neural", trigger.Neural).
		Str("qty", res.Quantity.String()).Msg("Buy Response: DCA filled")

	st.pos.Stages++
	st.dcaTs = append(st.dcaTs, now)
	// Cost basis moves on the fill, the trail must re-pin to the new base.
	st.tpm.Reset()
	st.recompute = true

	t.record(hub.TradeRecord{
		Ts: now, Side: "buy", Tag: TagDCA, Symbol: sym,
		Qty: res.Quantity.InexactFloat64(), Price: res.Price.InexactFloat64(),
		AvgCostBasis: st.pos.AvgCost.InexactFloat64(),
		PnLPct:       buyPnL.InexactFloat64(),
		OrderID:      res.ID,
	})
	t.notifier.Buy(sym, TagDCA, res.Quantity, res.Price)
	return true
}

func (t *Trader) tryEntry(coin, sym string, cfg *settings.Settings, account *broker.Account, nCoins int) bool {
	dir := cfg.SignalDir(coin)
	if dir == "" && !cfg.Strategy.ReplaceNeural {
		return false
	}
	neural := signals.Neural{}
	if dir != "" {
		neural = signals.ReadNeural(dir)
	}

	series := t.candles(sym, cfg)
	dec := strategy.Evaluate(neural.LongLevel, neural.ShortLevel, series, cfg.Strategy)
	if !t.pineEntryAllowed(coin, dec.Allow) {
		return false
	}

	if account == nil {
		return false
	}
	totalValue := t.accountValue(account)
	allocation := entryAllocation(totalValue, nCoins)
	if allocation.GreaterThan(account.BuyingPower) {
		log.Info().Str("asset", coin).Msg("Insufficient buying power for entry")
		return false
	}

	res, err := t.broker.PlaceBuy(uuid.NewString(), broker.Market, sym, allocation)
	if err != nil {
		log.Warn().Err(err).Str("asset", coin).Msg("Entry buy failed")
		return false
	}
	log.Info().Str("asset", coin).Int("long", neural.LongLevel).
		Str("qty", res.Quantity.String()).Str("price", res.Price.String()).
		Msg("Buy Response: entry filled")

	st := t.state(coin)
	st.recompute = true

	t.record(hub.TradeRecord{
		Ts: t.now().Unix(), Side: "buy", Tag: TagEntry, Symbol: sym,
		Qty: res.Quantity.InexactFloat64(), Price: res.Price.InexactFloat64(),
		OrderID: res.ID,
	})
	t.notifier.Buy(sym, TagEntry, res.Quantity, res.Price)
	return true
}

// sellAll exits the whole holding at market.
func (t *Trader) sellAll(coin, sym string, holding broker.Holding, bid decimal.Decimal, st *assetState, tag string) bool {
	qty := holding.Available
	if !qty.IsPositive() {
		qty = holding.Quantity
	}
	res, err := t.broker.PlaceSell(uuid.NewString(), broker.Market, sym, qty)
	if err != nil {
		log.Warn().Err(err).Str("asset", coin).Str("tag", tag).Msg("Sell failed")
		return false
	}

	price := res.Price
	if !price.IsPositive() {
		price = bid
	}
	realized := decimal.Zero
	pnl := decimal.Zero
	if st.pos.AvgCost.IsPositive() && price.IsPositive() {
		realized = price.Sub(st.pos.AvgCost).Mul(res.Quantity)
		pnl = pnlPct(price, st.pos.AvgCost)
	}
	log.Info().Str("asset", coin).Str("tag", tag).
		Str("qty", res.Quantity.String()).Str("price", price.String()).
		Str("realized", realized.StringFixed(2)).Msg("Sell Response: position closed")

	now := t.now().Unix()
	t.record(hub.TradeRecord{
		Ts: now, Side: "sell", Tag: tag, Symbol: sym,
		Qty: res.Quantity.InexactFloat64(), Price: price.InexactFloat64(),
		AvgCostBasis:   st.pos.AvgCost.InexactFloat64(),
		PnLPct:         pnl.InexactFloat64(),
		RealizedProfit: realized.InexactFloat64(),
		OrderID:        res.ID,
	})
	t.notifier.Sell(sym, tag, res.Quantity, price, realized)

	st.tpm.Reset()
	st.pos = position.State{LastSellTs: now}
	st.dcaTs = nil
	st.recompute = true
	return true
}

// candles pulls the evaluator's series when the driver serves history.
func (t *Trader) candles(sym string, cfg *settings.Settings) indicators.Series {
	src, ok := t.broker.(broker.KlineSource)
	if !ok {
		return indicators.Series{}
	}
	klines, err := src.GetKlines(sym, cfg.KlineInterval(), cfg.CandlesLimit)
	if err != nil {
		log.Debug().Err(err).Str("symbol", sym).Msg("Kline fetch failed")
		return indicators.Series{}
	}
	s := indicators.Series{
		High:   make([]float64, len(klines)),
		Low:    make([]float64, len(klines)),
		Close:  make([]float64, len(klines)),
		Volume: make([]float64, len(klines)),
	}
	for i, k := range klines {
		s.High[i], s.Low[i], s.Close[i], s.Volume[i] = k.High, k.Low, k.Close, k.Volume
	}
	return s
}

func (t *Trader) record(rec hub.TradeRecord) {
	t.hub.RecordTrade(rec)
	if t.store != nil {
		row := &store.Trade{
			Ts: rec.Ts, Symbol: rec.Symbol, Side: rec.Side, Tag: rec.Tag,
			Qty:            decimal.NewFromFloat(rec.Qty),
			Price:          decimal.NewFromFloat(rec.Price),
			AvgCostBasis:   decimal.NewFromFloat(rec.AvgCostBasis),
			PnLPct:         decimal.NewFromFloat(rec.PnLPct),
			RealizedProfit: decimal.NewFromFloat(rec.RealizedProfit),
			OrderID:        rec.OrderID,
		}
		if err := t.store.SaveTrade(row); err != nil {
			log.Warn().Err(err).Msg("Trade store write failed")
		}
	}
}

func (t *Trader) accountValue(account *broker.Account) decimal.Decimal {
	if t.lastAccount != nil {
		return decimal.NewFromFloat(t.lastAccount.TotalAccountValue)
	}
	if account != nil {
		return account.BuyingPower
	}
	return decimal.Zero
}

// publishStatus writes the hub files. An incomplete tick (failed fetch or
// a held asset without prices) reuses the previous complete account block
// so the GUI never sees a transient valuation dip.
func (t *Trader) publishStatus(account *broker.Account, held map[string]broker.Holding, asks, bids map[string]decimal.Decimal, cfg *settings.Settings, complete bool) {
	now := t.now().Unix()

	var acct hub.AccountStatus
	if complete && account != nil {
		sellValue := decimal.Zero
		buyValue := decimal.Zero
		for asset, h := range held {
			sym := broker.FormatSymbol(asset, t.broker.QuoteCurrency())
			sellValue = sellValue.Add(h.Quantity.Mul(bids[sym]))
			buyValue = buyValue.Add(h.Quantity.Mul(asks[sym]))
		}
		total := account.BuyingPower.Add(sellValue)
		inTrade := 0.0
		if total.IsPositive() {
			inTrade = sellValue.Div(total).Mul(hundred).InexactFloat64()
		}
		acct = hub.AccountStatus{
			TotalAccountValue: total.InexactFloat64(),
			BuyingPower:       account.BuyingPower.InexactFloat64(),
			HoldingsSellValue: sellValue.InexactFloat64(),
			HoldingsBuyValue:  buyValue.InexactFloat64(),
			PercentInTrade:    inTrade,
			PMStartPctNoDCA:   PMStartNoDCA().InexactFloat64(),
			PMStartPctWithDCA: PMStartWithDCA().InexactFloat64(),
			TrailingGapPct:    TrailGapPct().InexactFloat64(),
		}
		t.lastAccount = &acct
		t.hub.AppendAccountValue(now, acct.TotalAccountValue)
		if t.store != nil {
			if err := t.store.SaveSnapshot(&store.AccountSnapshot{Ts: now, TotalValue: total}); err != nil {
				log.Debug().Err(err).Msg("Snapshot store write failed")
			}
		}
	} else if t.lastAccount != nil {
		acct = *t.lastAccount
	}

	positions := make(map[string]hub.PositionStatus)
	if cfg != nil {
		for _, coin := range cfg.Coins {
			sym := broker.FormatSymbol(coin, t.broker.QuoteCurrency())
			ask, bid := asks[sym], bids[sym]
			ps := hub.PositionStatus{
				CurrentBuyPrice:  ask.InexactFloat64(),
				CurrentSellPrice: bid.InexactFloat64(),
			}
			if ask.IsPositive() {
				t.hub.WritePriceFile(coin, ask)
			}
			if h, isHeld := held[coin]; isHeld {
				st := t.state(coin)
				ps.Quantity = h.Quantity.InexactFloat64()
				ps.AvgCostBasis = st.pos.AvgCost.InexactFloat64()
				ps.ValueUSD = h.Quantity.Mul(bid).InexactFloat64()
				if st.pos.AvgCost.IsPositive() {
					ps.GainLossPctBuy = pnlPct(ask, st.pos.AvgCost).InexactFloat64()
					ps.GainLossPctSell = pnlPct(bid, st.pos.AvgCost).InexactFloat64()
				}
				ps.DCATriggeredStage = st.pos.Stages
				if st.pos.AvgCost.IsPositive() {
					var levels []float64
					if dir := cfg.SignalDir(coin); dir != "" {
						levels = signals.ReadNeural(dir).PriceLevels
					}
					linePrice, lineSource := DCALine(st.pos.AvgCost, st.pos.Stages, levels)
					ps.DCALinePrice = linePrice.InexactFloat64()
					ps.DCALineSource = lineSource
					ps.DCALinePct = ps.GainLossPctBuy
				}
				ps.NextDCADisplay = NextDCADisplay(st.pos.Stages)
				ps.TrailActive = st.tpm.Armed
				ps.TrailLine = st.tpm.Line.InexactFloat64()
				ps.TrailPeak = st.tpm.Peak.InexactFloat64()
				if st.tpm.Line.IsPositive() && bid.IsPositive() {
					ps.DistToTrailPct = bid.Sub(st.tpm.Line).Div(st.tpm.Line).Mul(hundred).InexactFloat64()
				}
			}
			positions[coin] = ps
		}
	}

	t.hub.WriteStatus(hub.Status{Timestamp: now, Account: acct, Positions: positions})
}

// entryAllocation is the configured per-entry size. The tiny factor is the
// deployed allocation policy, kept as-is.
func entryAllocation(accountValue decimal.Decimal, nCoins int) decimal.Decimal {
	if nCoins < 1 {
		nCoins = 1
	}
	alloc := accountValue.Mul(decimal.NewFromFloat(0.00005)).Div(decimal.NewFromInt(int64(nCoins)))
	floor := decimal.NewFromFloat(0.5)
	if alloc.LessThan(floor) {
		return floor
	}
	return alloc
}

func pnlPct(price, avgCost decimal.Decimal) decimal.Decimal {
	return price.Sub(avgCost).Div(avgCost).Mul(hundred)
}

func mergeTimestamps(a, b []int64) []int64 {
	seen := make(map[int64]struct{}, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, list := range [][]int64{a, b} {
		for _, ts := range list {
			if _, dup := seen[ts]; dup {
				continue
			}
			seen[ts] = struct{}{}
			out = append(out, ts)
		}
	}
	return out
}
