package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadDefaultsWhenMissing(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "nope.json"))
	s := l.Load()
	assert.Equal(t, []string{"BTC"}, s.Coins)
	assert.Equal(t, "selector", s.Strategy.Mode)
	assert.Equal(t, 100, s.CandlesLimit)
}

func TestCheckAllForcesSuperWithAllIndicators(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gui_settings.json")
	writeSettings(t, path, `{
		"coins": ["btc", "eth"],
		"strategy": {"mode": "selector", "check_all": true, "indicators": {"rsi": false}}
	}`)

	s := NewLoader(path).Load()
	assert.Equal(t, "super", s.Strategy.Mode)
	for _, name := range IndicatorNames {
		assert.True(t, s.Strategy.Indicators[name], "indicator %s not enabled", name)
	}
	assert.Equal(t, []string{"BTC", "ETH"}, s.Coins)
}

func TestHotReloadByMtime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gui_settings.json")
	writeSettings(t, path, `{"coins": ["BTC"]}`)

	l := NewLoader(path)
	first := l.Load()
	assert.Equal(t, []string{"BTC"}, first.Coins)

	// Same mtime: the cached snapshot is reused even if content changed.
	info, err := os.Stat(path)
	require.NoError(t, err)
	writeSettings(t, path, `{"coins": ["ETH"]}`)
	require.NoError(t, os.Chtimes(path, info.ModTime(), info.ModTime()))
	assert.Equal(t, []string{"BTC"}, l.Load().Coins)

	// New mtime triggers a re-read.
	newTime := info.ModTime().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, newTime, newTime))
	assert.Equal(t, []string{"ETH"}, l.Load().Coins)
}

func TestUnparsableFileKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gui_settings.json")
	writeSettings(t, path, `{"coins": ["SOL"]}`)

	l := NewLoader(path)
	assert.Equal(t, []string{"SOL"}, l.Load().Coins)

	writeSettings(t, path, `{not json`)
	future := time.Now().Add(5 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
	assert.Equal(t, []string{"SOL"}, l.Load().Coins)
}

func TestSignalDirResolution(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "ETH"), 0o755))

	s := &Settings{MainNeuralDir: root}
	// Sub-folder wins when present.
	assert.Equal(t, filepath.Join(root, "ETH"), s.SignalDir("ETH"))
	// BTC falls back to the root.
	assert.Equal(t, root, s.SignalDir("BTC"))
	// Other coins without a folder are skipped.
	assert.Equal(t, "", s.SignalDir("DOGE"))

	empty := &Settings{}
	assert.Equal(t, "", empty.SignalDir("BTC"))
}

func TestKlineIntervalMapping(t *testing.T) {
	cases := map[string]string{
		"1hour": "1h", "4hour": "4h", "15min": "15m", "1day": "1d",
		"1h": "1h", "bogus": "1h", "": "1h",
	}
	for in, want := range cases {
		s := &Settings{DefaultTimeframe: in}
		assert.Equal(t, want, s.KlineInterval(), "timeframe %q", in)
	}
}
