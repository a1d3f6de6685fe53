// PowerTrader - autonomous crypto trading control loop
//
// The loop reads per-asset entry signals from an external model, opens
// long positions, scales into losers on a DCA ladder, and exits winners
// via a trailing profit margin. Position and P&L state is persisted to
// the hub directory for the GUI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/powertrader/internal/broker"
	"github.com/web3guy0/powertrader/internal/config"
	"github.com/web3guy0/powertrader/internal/hub"
	"github.com/web3guy0/powertrader/internal/notify"
	"github.com/web3guy0/powertrader/internal/settings"
	"github.com/web3guy0/powertrader/internal/store"
	"github.com/web3guy0/powertrader/internal/trading"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	envPath := os.Getenv("POWERTRADER_ENV")
	if envPath == "" {
		envPath = ".env"
	}
	if err := godotenv.Load(envPath); err != nil {
		log.Warn().Str("path", envPath).Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("version", version).Str("exchange", cfg.ExchangeProvider).Msg("PowerTrader starting")

	b := buildBroker(cfg)

	h, err := hub.New(cfg.HubDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create hub directory")
	}

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		log.Warn().Err(err).Msg("Trade store unavailable, continuing without it")
		st = nil
	}

	notifier := notify.New(cfg.TelegramToken, cfg.TelegramChatID)
	loader := settings.NewLoader(cfg.GUISettingsPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.PaperTestMode {
		runPaperTest(ctx, cfg, b, h, loader)
		return
	}

	trader := trading.New(b, cfg, loader, h, st, notifier)
	trader.Run(ctx)
}

// buildBroker selects and wires the exchange driver. Missing credentials
// for a real driver are fatal with remediation guidance.
func buildBroker(cfg *config.Config) broker.Broker {
	switch cfg.ExchangeProvider {
	case "robinhood":
		if cfg.RobinhoodAPIKey == "" || cfg.RobinhoodPrivateKey == "" {
			log.Fatal().Msg("Robinhood credentials missing. Set ROBINHOOD_API_KEY and ROBINHOOD_PRIVATE_KEY " +
				"(or place the API key in r_key.txt and the base64 Ed25519 seed in r_secret.txt in the working directory). " +
				"Keys are created under the exchange's API settings page.")
		}
		rh, err := broker.NewRobinhood(cfg.RobinhoodAPIKey, cfg.RobinhoodPrivateKey)
		if err != nil {
			log.Fatal().Err(err).Msg("Robinhood driver init failed, check the private key encoding")
		}
		return rh

	case "binance":
		if cfg.BinancePaper {
			market := broker.NewBinance("", "", cfg.BinanceTestnet)
			market.SetQuoteCurrency(cfg.BinanceQuoteAsset)
			opts := broker.BinancePaperOptions{
				StatePath:      cfg.PaperStatePath,
				InitialBalance: cfg.BinancePaperBalance,
				SlippagePct:    cfg.PaperSlippagePct,
				TakerFee:       cfg.TakerFeeRate,
				MakerFee:       cfg.MakerFeeRate,
			}
			if cfg.PaperPartialFill {
				opts.PartialMin = cfg.PaperPartialFillMin
				opts.PartialMax = cfg.PaperPartialFillMax
			}
			return broker.NewBinancePaper(market, opts)
		}
		if cfg.BinanceAPIKey == "" || cfg.BinanceAPISecret == "" {
			log.Fatal().Msg("Binance credentials missing. Set BINANCE_API_KEY and BINANCE_API_SECRET " +
				"(or place them in b_key.txt and b_secret.txt in the working directory), " +
				"or set BINANCE_PAPER=true to trade against the public endpoints with a virtual balance.")
		}
		b := broker.NewBinance(cfg.BinanceAPIKey, cfg.BinanceAPISecret, cfg.BinanceTestnet)
		b.SetQuoteCurrency(cfg.BinanceQuoteAsset)
		return b

	case "paper":
		market := broker.NewBinance("", "", cfg.BinanceTestnet)
		return broker.NewPaper(market, cfg.PaperInitialBalance, cfg.PaperStatePath)
	}
	log.Fatal().Str("provider", cfg.ExchangeProvider).Msg("Unknown exchange provider")
	return nil
}

func runPaperTest(ctx context.Context, cfg *config.Config, b broker.Broker, h *hub.Hub, loader *settings.Loader) {
	s := loader.Load()
	coin := s.Coins[0]
	amount := decimal.NewFromInt(100)
	test := trading.NewPaperTest(b, h, coin, amount,
		secondsDuration(cfg.PaperTestDCASeconds),
		secondsDuration(cfg.PaperTestHoldSeconds))
	if err := test.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Paper test failed")
	}
}

func secondsDuration(secs int) time.Duration {
	return time.Duration(secs) * time.Second
}
