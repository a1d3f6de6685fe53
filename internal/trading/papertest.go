package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/powertrader/internal/broker"
	"github.com/web3guy0/powertrader/internal/hub"
)

// Paper-test ledger tags.
const (
	TagPaperTestEntry = "PAPER_TEST_ENTRY"
	TagPaperTestDCA   = "PAPER_TEST_DCA"
	TagPaperTestExit  = "PAPER_TEST_EXIT"
)

// PaperTest forces one full trade lifecycle on a single asset against a
// paper broker: entry, a half-size DCA buy after dcaWait, then a full exit
// after holdWait. It exercises fills, cost-basis math and the ledger
// without waiting for real signals.
type PaperTest struct {
	broker   broker.Broker
	hub      *hub.Hub
	coin     string
	amount   decimal.Decimal
	dcaWait  time.Duration
	holdWait time.Duration
}

func NewPaperTest(b broker.Broker, h *hub.Hub, coin string, amount decimal.Decimal, dcaWait, holdWait time.Duration) *PaperTest {
	return &PaperTest{
		broker: b, hub: h, coin: coin, amount: amount,
		dcaWait: dcaWait, holdWait: holdWait,
	}
}

// Run executes the cycle once.
func (p *PaperTest) Run(ctx context.Context) error {
	sym := broker.FormatSymbol(p.coin, p.broker.QuoteCurrency())

	entry, err := p.broker.PlaceBuy(uuid.NewString(), broker.Market, sym, p.amount)
	if err != nil {
		return fmt.Errorf("paper-test entry: %w", err)
	}
	log.Info().Str("symbol", sym).Str("qty", entry.Quantity.String()).Msg("Paper test entry filled")
	p.recordBuy(TagPaperTestEntry, sym, entry)

	if err := p.wait(ctx, p.dcaWait); err != nil {
		return err
	}

	dca, err := p.broker.PlaceBuy(uuid.NewString(), broker.Market, sym, p.amount.Div(decimal.NewFromInt(2)))
	if err != nil {
		log.Warn().Err(err).Msg("Paper test DCA failed, continuing to exit")
	} else {
		log.Info().Str("symbol", sym).Str("qty", dca.Quantity.String()).Msg("Paper test DCA filled")
		p.recordBuy(TagPaperTestDCA, sym, dca)
	}

	if err := p.wait(ctx, p.holdWait); err != nil {
		return err
	}

	holdings, err := p.broker.GetHoldings()
	if err != nil {
		return fmt.Errorf("paper-test holdings: %w", err)
	}
	for _, h := range holdings {
		if h.Asset != p.coin {
			continue
		}
		res, err := p.broker.PlaceSell(uuid.NewString(), broker.Market, sym, h.Quantity)
		if err != nil {
			return fmt.Errorf("paper-test exit: %w", err)
		}
		log.Info().Str("symbol", sym).Str("qty", res.Quantity.String()).Str("price", res.Price.String()).Msg("Paper test exit filled")
		p.hub.RecordTrade(hub.TradeRecord{
			Ts: time.Now().Unix(), Side: "sell", Tag: TagPaperTestExit, Symbol: sym,
			Qty: res.Quantity.InexactFloat64(), Price: res.Price.InexactFloat64(),
			OrderID: res.ID,
		})
	}

	if perf, ok := p.broker.(broker.Performer); ok {
		if summary, err := perf.GetPerformance(); err == nil {
			log.Info().
				Str("total_value", summary.TotalValue.StringFixed(2)).
				Str("pnl", summary.ProfitLoss.StringFixed(2)).
				Int("trades", summary.TotalTrades).
				Msg("Paper test complete")
		}
	}
	return nil
}

func (p *PaperTest) recordBuy(tag, sym string, res *broker.OrderResult) {
	p.hub.RecordTrade(hub.TradeRecord{
		Ts: time.Now().Unix(), Side: "buy", Tag: tag, Symbol: sym,
		Qty: res.Quantity.InexactFloat64(), Price: res.Price.InexactFloat64(),
		OrderID: res.ID,
	})
}

func (p *PaperTest) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
