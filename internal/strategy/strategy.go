// Package strategy gates new entries by combining the neural levels with
// user-selected indicator conditions.
package strategy

import (
	"math"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/powertrader/internal/indicators"
	"github.com/web3guy0/powertrader/internal/settings"
)

const minCloses = 30

// Decision is one evaluation outcome.
type Decision struct {
	Allow     bool
	NeuralOK  bool
	Scores    map[string]float64
	MeanScore float64
	Fallback  bool // insufficient candles, neural baseline used
}

// condition evaluates one indicator against the candle series.
type condition func(s indicators.Series) (bool, float64)

var conditions = map[string]condition{
	"rsi": func(s indicators.Series) (bool, float64) {
		v := indicators.Last(indicators.RSI(s, 14))
		return boolScore(!math.IsNaN(v) && v < 30)
	},
	"macd": func(s indicators.Series) (bool, float64) {
		macd, signal, _ := indicators.MACD(s)
		n := len(macd)
		if n < 2 || len(signal) < 2 {
			return false, 0
		}
		return boolScore(macd[n-2] <= signal[n-2] && macd[n-1] > signal[n-1])
	},
	"stochastic": func(s indicators.Series) (bool, float64) {
		k, d := indicators.Stochastic(s)
		n := len(k)
		if n < 2 || len(d) < 2 {
			return false, 0
		}
		return boolScore(k[n-1] < 20 && k[n-2] <= d[n-2] && k[n-1] > d[n-1])
	},
	"momentum": func(s indicators.Series) (bool, float64) {
		v := indicators.Last(indicators.Momentum(s, 10))
		return boolScore(!math.IsNaN(v) && v > 0)
	},
	"obv": func(s indicators.Series) (bool, float64) {
		obv := indicators.OBV(s)
		n := len(obv)
		if n < 2 {
			return false, 0
		}
		return boolScore(obv[n-1] > obv[n-2])
	},
	"bollinger": func(s indicators.Series) (bool, float64) {
		_, _, lower := indicators.Bollinger(s)
		lo := indicators.Last(lower)
		if math.IsNaN(lo) || lo == 0 {
			return false, 0
		}
		return boolScore(s.Close[s.Len()-1] <= lo)
	},
	"ema": func(s indicators.Series) (bool, float64) {
		fast := indicators.Last(indicators.EMA(s, 8))
		slow := indicators.Last(indicators.EMA(s, 21))
		if math.IsNaN(fast) || math.IsNaN(slow) || slow == 0 {
			return false, 0
		}
		return boolScore(fast > slow || s.Close[s.Len()-1] > slow)
	},
	"atr": func(s indicators.Series) (bool, float64) {
		v := indicators.Last(indicators.ATR(s, 14))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false, 0
		}
		return true, 0.5
	},
	"volume_profile": func(s indicators.Series) (bool, float64) {
		ratio, ok := indicators.VolumeRatio(s)
		if !ok {
			return false, 0
		}
		return boolScore(ratio > 1)
	},
	"adx": func(s indicators.Series) (bool, float64) {
		v := indicators.Last(indicators.ADX(s, 14))
		return boolScore(!math.IsNaN(v) && v > 20)
	},
	"pivots": func(s indicators.Series) (bool, float64) {
		levels, ok := indicators.Pivots(s)
		if !ok || levels.S1 == 0 {
			return false, 0
		}
		price := s.Close[s.Len()-1]
		return boolScore(math.Abs(price-levels.S1)/math.Abs(levels.S1) <= 0.01)
	},
	"ichimoku": func(s indicators.Series) (bool, float64) {
		lines, ok := indicators.Ichimoku(s)
		if !ok {
			return false, 0
		}
		price := s.Close[s.Len()-1]
		cloudTop := math.Max(lines.SenkouA, lines.SenkouB)
		return boolScore(price > cloudTop && lines.Tenkan > lines.Kijun)
	},
}

func boolScore(ok bool) (bool, float64) {
	if ok {
		return true, 1
	}
	return false, 0
}

// Evaluate decides whether a new long entry is allowed.
func Evaluate(longLevel, shortLevel int, series indicators.Series, strat settings.Strategy) Decision {
	neuralOK := longLevel >= 3 && shortLevel == 0
	neuralScore := 0.0
	if shortLevel == 0 {
		neuralScore = float64(longLevel) / 7
	}

	dec := Decision{NeuralOK: neuralOK, Scores: map[string]float64{}}

	if series.Len() < minCloses {
		if strat.ReplaceNeural {
			log.Debug().Int("closes", series.Len()).Msg("Too few candles for indicator-only entry")
			return dec
		}
		dec.Fallback = true
		dec.Allow = neuralOK
		return dec
	}

	allTrue := true
	scores := make([]float64, 0, len(conditions)+1)
	for _, name := range settings.IndicatorNames {
		if !strat.Indicators[name] {
			continue
		}
		ok, score := conditions[name](series)
		dec.Scores[name] = score
		scores = append(scores, score)
		if !ok {
			allTrue = false
		}
	}

	switch strat.Mode {
	case "super":
		if !strat.ReplaceNeural {
			scores = append(scores, neuralScore)
		}
		if len(scores) == 0 {
			return dec
		}
		sum := 0.0
		for _, s := range scores {
			sum += s
		}
		dec.MeanScore = sum / float64(len(scores))
		dec.Allow = dec.MeanScore >= strat.Threshold
	default: // selector
		if strat.ReplaceNeural {
			dec.Allow = allTrue
		} else {
			dec.Allow = neuralOK && allTrue
		}
	}
	return dec
}
