// Package signals reads the external model outputs the entry logic
// consumes: per-asset long/short levels, ordered price levels, and the
// optional pine override feed.
package signals

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Neural is one asset's model snapshot.
type Neural struct {
	LongLevel   int
	ShortLevel  int
	PriceLevels []float64 // descending, index 0 = N1
}

// ReadNeural loads the signal files under dir. Missing or malformed files
// degrade to zero values; the caller treats that as "no signal".
func ReadNeural(dir string) Neural {
	return Neural{
		LongLevel:   readLevel(filepath.Join(dir, "long_dca_signal.txt")),
		ShortLevel:  readLevel(filepath.Join(dir, "short_dca_signal.txt")),
		PriceLevels: readPriceLevels(filepath.Join(dir, "low_bound_prices.html")),
	}
}

// readLevel parses a single integer level. The file may carry a float
// rendering ("4.0"); anything unparsable reads as 0.
func readLevel(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0
	}
	return int(f)
}

// readPriceLevels parses the price-level file, tolerating list brackets,
// comma/pipe/whitespace separators and duplicate values. Output is
// de-duplicated and sorted descending.
func readPriceLevels(path string) []float64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ',', '|', '[', ']', '(', ')', '\'', '"':
			return ' '
		}
		return r
	}, string(data))

	seen := make(map[string]struct{})
	var levels []float64
	for _, tok := range strings.Fields(cleaned) {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			continue
		}
		key := fmt.Sprintf("%.12f", v)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		levels = append(levels, v)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(levels)))
	return levels
}
