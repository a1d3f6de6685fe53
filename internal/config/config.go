// Package config builds the immutable runtime configuration from the
// process environment and credential files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the trader
type Config struct {
	// Exchange selection
	ExchangeProvider string // robinhood | binance | paper

	// Robinhood credentials
	RobinhoodAPIKey     string
	RobinhoodPrivateKey string // base64 Ed25519 seed

	// Binance
	BinanceAPIKey     string
	BinanceAPISecret  string
	BinanceTestnet    bool
	BinancePaper      bool
	BinanceQuoteAsset string

	// Binance paper simulation
	BinancePaperBalance  decimal.Decimal
	TakerFeeRate         decimal.Decimal
	MakerFeeRate         decimal.Decimal
	PaperSlippagePct     decimal.Decimal
	PaperPartialFill     bool
	PaperPartialFillMin  decimal.Decimal
	PaperPartialFillMax  decimal.Decimal
	PaperStatePath       string
	PaperInitialBalance  decimal.Decimal
	PaperTestMode        bool
	PaperTestDCASeconds  int
	PaperTestHoldSeconds int

	// Pine signal overrides
	PineEnabled    bool
	PineMode       string // filter | replace | off
	PineUseExit    bool
	PineMaxAge     time.Duration
	PineSignalFile string

	// Paths
	HubDir          string
	GUISettingsPath string

	// Loop
	TickInterval time.Duration

	// Mode
	Debug bool

	// Database
	DatabasePath string

	// Telegram (optional)
	TelegramToken  string
	TelegramChatID int64
}

// Load loads configuration from environment variables. Credential values
// fall back to the plain-text key files the GUI writes.
func Load() (*Config, error) {
	cfg := &Config{
		ExchangeProvider: strings.ToLower(getEnv("EXCHANGE_PROVIDER", "robinhood")),

		RobinhoodAPIKey:     credential("ROBINHOOD_API_KEY", "r_key.txt"),
		RobinhoodPrivateKey: credential("ROBINHOOD_PRIVATE_KEY", "r_secret.txt"),

		BinanceAPIKey:     credential("BINANCE_API_KEY", "b_key.txt"),
		BinanceAPISecret:  credential("BINANCE_API_SECRET", "b_secret.txt"),
		BinanceTestnet:    getEnvBool("BINANCE_TESTNET", false),
		BinancePaper:      getEnvBool("BINANCE_PAPER", false),
		BinanceQuoteAsset: strings.ToUpper(getEnv("BINANCE_QUOTE_ASSET", "USDT")),

		BinancePaperBalance:  getEnvDecimal("BINANCE_PAPER_BALANCE", decimal.NewFromInt(10000)),
		TakerFeeRate:         getEnvDecimal("BINANCE_TAKER_FEE_RATE", decimal.NewFromFloat(0.001)),
		MakerFeeRate:         getEnvDecimal("BINANCE_MAKER_FEE_RATE", decimal.NewFromFloat(0.001)),
		PaperSlippagePct:     getEnvDecimal("BINANCE_PAPER_SLIPPAGE_PCT", decimal.Zero),
		PaperPartialFill:     getEnvBool("BINANCE_PAPER_PARTIAL_FILL", false),
		PaperPartialFillMin:  getEnvDecimal("BINANCE_PAPER_PARTIAL_FILL_MIN", decimal.NewFromFloat(0.5)),
		PaperPartialFillMax:  getEnvDecimal("BINANCE_PAPER_PARTIAL_FILL_MAX", decimal.NewFromInt(1)),
		PaperStatePath:       getEnv("PAPER_STATE_PATH", "data/paper_state.json"),
		PaperInitialBalance:  getEnvDecimal("PAPER_INITIAL_BALANCE", decimal.NewFromInt(10000)),
		PaperTestMode:        getEnvBool("PAPER_TEST_MODE", false),
		PaperTestDCASeconds:  getEnvInt("PAPER_TEST_DCA_SECONDS", 15),
		PaperTestHoldSeconds: getEnvInt("PAPER_TEST_HOLD_SECONDS", 30),

		PineEnabled:    getEnvBool("PINE_SIGNAL_ENABLED", false),
		PineMode:       strings.ToLower(getEnv("PINE_SIGNAL_MODE", "filter")),
		PineUseExit:    getEnvBool("PINE_SIGNAL_USE_EXIT", false),
		PineMaxAge:     time.Duration(getEnvInt("PINE_SIGNAL_MAX_AGE_SECONDS", 900)) * time.Second,
		PineSignalFile: getEnv("PINE_SIGNAL_FILE", "pine_signals.jsonl"),

		HubDir:          getEnv("POWERTRADER_HUB_DIR", "hub_data"),
		GUISettingsPath: getEnv("POWERTRADER_GUI_SETTINGS", "gui_settings.json"),

		TickInterval: getEnvDuration("TICK_INTERVAL", 500*time.Millisecond),

		Debug: getEnvBool("DEBUG", false),

		DatabasePath: getEnv("DATABASE_PATH", "data/powertrader.db"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	switch cfg.ExchangeProvider {
	case "robinhood", "binance", "paper":
	default:
		return nil, fmt.Errorf("invalid EXCHANGE_PROVIDER %q (want robinhood, binance or paper)", cfg.ExchangeProvider)
	}
	switch cfg.PineMode {
	case "filter", "replace", "off":
	default:
		return nil, fmt.Errorf("invalid PINE_SIGNAL_MODE %q (want filter, replace or off)", cfg.PineMode)
	}

	return cfg, nil
}

// credential reads an env var, falling back to a plain-text file in the
// working directory.
func credential(envKey, file string) string {
	if v := os.Getenv(envKey); v != "" {
		return strings.TrimSpace(v)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		v := strings.ToLower(value)
		return v == "true" || v == "1" || v == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
