// Package indicators wraps the ta-lib bindings with the handful of series
// the entry evaluator consumes, plus the custom levels (pivots, ichimoku,
// volume profile) ta-lib does not provide.
package indicators

import (
	"math"

	"github.com/markcheno/go-talib"
)

// Series is the OHLCV input, most recent bar last.
type Series struct {
	High   []float64
	Low    []float64
	Close  []float64
	Volume []float64
}

func (s Series) Len() int { return len(s.Close) }

// Last returns the final value of a ta-lib output series, or NaN when the
// series is empty.
func Last(vals []float64) float64 {
	if len(vals) == 0 {
		return math.NaN()
	}
	return vals[len(vals)-1]
}

func RSI(s Series, period int) []float64 { return talib.Rsi(s.Close, period) }

func EMA(s Series, period int) []float64 { return talib.Ema(s.Close, period) }

func SMA(vals []float64, period int) []float64 { return talib.Sma(vals, period) }

func OBV(s Series) []float64 { return talib.Obv(s.Close, s.Volume) }

func ATR(s Series, period int) []float64 { return talib.Atr(s.High, s.Low, s.Close, period) }

func ADX(s Series, period int) []float64 { return talib.Adx(s.High, s.Low, s.Close, period) }

func Momentum(s Series, period int) []float64 { return talib.Mom(s.Close, period) }

// MACD returns the MACD line, signal line and histogram with the standard
// 12/26/9 parameters.
func MACD(s Series) (macd, signal, hist []float64) {
	return talib.Macd(s.Close, 12, 26, 9)
}

// Bollinger returns the 20-period bands at 2 standard deviations.
func Bollinger(s Series) (upper, middle, lower []float64) {
	return talib.BBands(s.Close, 20, 2.0, 2.0, talib.SMA)
}

// Stochastic returns slow %K and %D with 14/3/3 parameters.
func Stochastic(s Series) (k, d []float64) {
	return talib.Stoch(s.High, s.Low, s.Close, 14, 3, talib.SMA, 3, talib.SMA)
}

// Pivots computes classic floor-trader pivot levels from the most recent
// bar only.
type PivotLevels struct {
	Pivot, R1, S1, R2, S2 float64
}

func Pivots(s Series) (PivotLevels, bool) {
	n := s.Len()
	if n == 0 || len(s.High) < n || len(s.Low) < n {
		return PivotLevels{}, false
	}
	h, l, c := s.High[n-1], s.Low[n-1], s.Close[n-1]
	p := (h + l + c) / 3
	return PivotLevels{
		Pivot: p,
		R1:    2*p - l,
		S1:    2*p - h,
		R2:    p + (h - l),
		S2:    p - (h - l),
	}, true
}

// Ichimoku computes the cloud lines from the most recent bar's lookback
// windows (no forward displacement).
type IchimokuLines struct {
	Tenkan, Kijun, SenkouA, SenkouB float64
}

func Ichimoku(s Series) (IchimokuLines, bool) {
	if s.Len() < 52 || len(s.High) < 52 || len(s.Low) < 52 {
		return IchimokuLines{}, false
	}
	tenkan := midpoint(s.High, s.Low, 9)
	kijun := midpoint(s.High, s.Low, 26)
	return IchimokuLines{
		Tenkan:  tenkan,
		Kijun:   kijun,
		SenkouA: (tenkan + kijun) / 2,
		SenkouB: midpoint(s.High, s.Low, 52),
	}, true
}

func midpoint(high, low []float64, period int) float64 {
	n := len(high)
	hi := math.Inf(-1)
	lo := math.Inf(1)
	for i := n - period; i < n; i++ {
		hi = math.Max(hi, high[i])
		lo = math.Min(lo, low[i])
	}
	return (hi + lo) / 2
}

// VolumeRatio is the current volume over its 20-period simple average.
func VolumeRatio(s Series) (float64, bool) {
	if len(s.Volume) < 20 {
		return 0, false
	}
	avg := Last(talib.Sma(s.Volume, 20))
	if avg <= 0 || math.IsNaN(avg) {
		return 0, false
	}
	return s.Volume[len(s.Volume)-1] / avg, true
}
