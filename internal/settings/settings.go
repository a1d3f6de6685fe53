// Package settings reads the GUI settings file the control loop shares
// with the desktop frontend. The file is re-parsed only when its mtime
// changes and the parsed snapshot is swapped in whole.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// IndicatorNames are the strategy conditions the evaluator understands.
var IndicatorNames = []string{
	"rsi", "macd", "stochastic", "momentum", "obv", "bollinger",
	"ema", "atr", "volume_profile", "adx", "pivots", "ichimoku",
}

// Strategy is the entry-gating configuration block.
type Strategy struct {
	Mode          string          `json:"mode"` // selector | super
	Indicators    map[string]bool `json:"indicators"`
	CheckAll      bool            `json:"check_all"`
	ReplaceNeural bool            `json:"replace_neural"`
	Threshold     float64         `json:"threshold"`
}

// Settings is one parsed snapshot of gui_settings.json.
type Settings struct {
	Coins            []string `json:"coins"`
	MainNeuralDir    string   `json:"main_neural_dir"`
	DefaultTimeframe string   `json:"default_timeframe"`
	CandlesLimit     int      `json:"candles_limit"`
	Strategy         Strategy `json:"strategy"`
}

// Loader caches the parsed settings keyed by file mtime.
type Loader struct {
	path    string
	mtime   time.Time
	current *Settings
}

func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load returns the current settings, re-reading the file only when its
// mtime changed. A missing or unparsable file keeps the previous snapshot
// (or defaults when there has never been one).
func (l *Loader) Load() *Settings {
	info, err := os.Stat(l.path)
	if err != nil {
		if l.current == nil {
			l.current = defaults()
		}
		return l.current
	}
	if l.current != nil && info.ModTime().Equal(l.mtime) {
		return l.current
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		if l.current == nil {
			l.current = defaults()
		}
		return l.current
	}

	parsed := defaults()
	if err := json.Unmarshal(data, parsed); err != nil {
		log.Warn().Err(err).Str("path", l.path).Msg("Settings file unparsable, keeping previous")
		if l.current == nil {
			l.current = defaults()
		}
		return l.current
	}

	normalize(parsed)
	l.current = parsed
	l.mtime = info.ModTime()
	log.Info().Strs("coins", parsed.Coins).Str("mode", parsed.Strategy.Mode).Msg("Settings reloaded")
	return l.current
}

func defaults() *Settings {
	return &Settings{
		Coins:            []string{"BTC"},
		DefaultTimeframe: "1hour",
		CandlesLimit:     100,
		Strategy: Strategy{
			Mode:       "selector",
			Indicators: map[string]bool{},
			Threshold:  0.6,
		},
	}
}

// normalize uppercases coins, clamps limits and applies the check_all
// override: all indicators enabled and mode forced to super.
func normalize(s *Settings) {
	coins := make([]string, 0, len(s.Coins))
	for _, c := range s.Coins {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != "" {
			coins = append(coins, c)
		}
	}
	if len(coins) == 0 {
		coins = []string{"BTC"}
	}
	s.Coins = coins

	if s.CandlesLimit <= 0 {
		s.CandlesLimit = 100
	}
	if s.DefaultTimeframe == "" {
		s.DefaultTimeframe = "1hour"
	}
	if s.Strategy.Indicators == nil {
		s.Strategy.Indicators = map[string]bool{}
	}
	if s.Strategy.Threshold <= 0 {
		s.Strategy.Threshold = 0.6
	}
	s.Strategy.Mode = strings.ToLower(s.Strategy.Mode)
	if s.Strategy.Mode != "super" {
		s.Strategy.Mode = "selector"
	}

	if s.Strategy.CheckAll {
		for _, name := range IndicatorNames {
			s.Strategy.Indicators[name] = true
		}
		s.Strategy.Mode = "super"
	}
}

// SignalDir resolves the per-asset neural signal folder. A coin's
// sub-folder wins when it exists; BTC falls back to the root dir; other
// coins without a folder return "" and are skipped.
func (s *Settings) SignalDir(coin string) string {
	if s.MainNeuralDir == "" {
		return ""
	}
	sub := filepath.Join(s.MainNeuralDir, strings.ToUpper(coin))
	if info, err := os.Stat(sub); err == nil && info.IsDir() {
		return sub
	}
	if strings.EqualFold(coin, "BTC") {
		return s.MainNeuralDir
	}
	return ""
}

// timeframes maps GUI timeframe names onto exchange kline intervals.
var timeframes = map[string]string{
	"1min": "1m", "5min": "5m", "15min": "15m", "30min": "30m",
	"1hour": "1h", "2hour": "2h", "4hour": "4h", "1day": "1d",
	"1m": "1m", "5m": "5m", "15m": "15m", "30m": "30m",
	"1h": "1h", "2h": "2h", "4h": "4h", "1d": "1d",
}

// KlineInterval maps the configured timeframe onto the exchange interval
// string, defaulting to 1h.
func (s *Settings) KlineInterval() string {
	if iv, ok := timeframes[strings.ToLower(strings.TrimSpace(s.DefaultTimeframe))]; ok {
		return iv
	}
	return "1h"
}
