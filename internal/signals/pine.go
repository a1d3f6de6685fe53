package signals

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// PineAction is one override verb from the external alert feed.
type PineAction string

const (
	PineBuy  PineAction = "buy"
	PineSell PineAction = "sell"
	PineHold PineAction = "hold"
	PineStop PineAction = "stop"
)

// PineSignal is the latest alert seen for one coin.
type PineSignal struct {
	Coin     string
	Action   PineAction
	Ts       int64 // epoch seconds
	Strength float64
}

// PineFollower tail-follows the alert JSONL file, keeping only the newest
// signal per coin. The file may be truncated or rotated between refreshes.
type PineFollower struct {
	path   string
	offset int64
	latest map[string]PineSignal
}

func NewPineFollower(path string) *PineFollower {
	return &PineFollower{path: path, latest: make(map[string]PineSignal)}
}

type pineLine struct {
	Symbol   string  `json:"symbol"`
	Action   string  `json:"action"`
	Ts       float64 `json:"ts"`
	Strength float64 `json:"strength"`
}

// Refresh reads any lines appended since the last call. A shrunken file
// restarts from the beginning.
func (f *PineFollower) Refresh() {
	info, err := os.Stat(f.path)
	if err != nil {
		return
	}
	if info.Size() < f.offset {
		f.offset = 0
	}
	if info.Size() == f.offset {
		return
	}

	file, err := os.Open(f.path)
	if err != nil {
		return
	}
	defer file.Close()
	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return
	}

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		f.offset += int64(len(scanner.Bytes()) + 1)
		if line == "" {
			continue
		}
		var parsed pineLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			log.Debug().Err(err).Msg("Skipping malformed pine line")
			continue
		}
		sig, ok := normalizePine(parsed)
		if !ok {
			continue
		}
		if existing, have := f.latest[sig.Coin]; !have || sig.Ts >= existing.Ts {
			f.latest[sig.Coin] = sig
		}
	}
}

// Latest returns the newest signal for coin, if it is not older than maxAge.
func (f *PineFollower) Latest(coin string, maxAge time.Duration) (PineSignal, bool) {
	sig, ok := f.latest[strings.ToUpper(coin)]
	if !ok {
		return PineSignal{}, false
	}
	if maxAge > 0 && time.Since(time.Unix(sig.Ts, 0)) > maxAge {
		return PineSignal{}, false
	}
	return sig, true
}

func normalizePine(raw pineLine) (PineSignal, bool) {
	coin := strings.ToUpper(strings.TrimSpace(raw.Symbol))
	if i := strings.IndexAny(coin, "-_/"); i > 0 {
		coin = coin[:i]
	} else {
		for _, q := range []string{"USDT", "USDC", "BUSD", "USD"} {
			if strings.HasSuffix(coin, q) && len(coin) > len(q) {
				coin = strings.TrimSuffix(coin, q)
				break
			}
		}
	}
	if coin == "" {
		return PineSignal{}, false
	}

	action := PineAction(strings.ToLower(strings.TrimSpace(raw.Action)))
	switch action {
	case PineBuy, PineSell, PineHold, PineStop:
	default:
		return PineSignal{}, false
	}

	ts := int64(raw.Ts)
	if ts > 1_000_000_000_000 { // milliseconds
		ts /= 1000
	}
	return PineSignal{Coin: coin, Action: action, Ts: ts, Strength: raw.Strength}, true
}
