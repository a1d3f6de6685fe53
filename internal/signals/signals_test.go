package signals

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestReadNeuralLevels(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "long_dca_signal.txt", "4.0\n")
	writeFile(t, dir, "short_dca_signal.txt", " 2 ")

	n := ReadNeural(dir)
	assert.Equal(t, 4, n.LongLevel)
	assert.Equal(t, 2, n.ShortLevel)
}

func TestReadNeuralDegradesToZero(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "long_dca_signal.txt", "not-a-number")

	n := ReadNeural(dir)
	assert.Equal(t, 0, n.LongLevel)
	assert.Equal(t, 0, n.ShortLevel) // file missing
	assert.Nil(t, n.PriceLevels)
}

func TestPriceLevelsTolerantParsing(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "low_bound_prices.html",
		"[49000.5, 51000 | 50000]\n49000.5 48000,52000")

	n := ReadNeural(dir)
	// De-duplicated and sorted descending: index 0 is the highest line.
	assert.Equal(t, []float64{52000, 51000, 50000, 49000.5, 48000}, n.PriceLevels)
}

func TestPineFollowerLatestWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pine_signals.jsonl")
	now := time.Now().Unix()
	content := fmt.Sprintf(
		"{\"symbol\":\"BTCUSDT\",\"action\":\"buy\",\"ts\":%d}\n"+
			"{\"symbol\":\"BTC-USD\",\"action\":\"sell\",\"ts\":%d}\n"+
			"not json\n"+
			"{\"symbol\":\"eth\",\"action\":\"hold\",\"ts\":%d}\n",
		now-100, now-10, now-5)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	f := NewPineFollower(path)
	f.Refresh()

	sig, ok := f.Latest("BTC", time.Hour)
	require.True(t, ok)
	assert.Equal(t, PineSell, sig.Action)

	sig, ok = f.Latest("ETH", time.Hour)
	require.True(t, ok)
	assert.Equal(t, PineHold, sig.Action)

	_, ok = f.Latest("SOL", time.Hour)
	assert.False(t, ok)
}

func TestPineFollowerTailsAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pine_signals.jsonl")
	now := time.Now().Unix()
	require.NoError(t, os.WriteFile(path,
		[]byte(fmt.Sprintf("{\"symbol\":\"BTC\",\"action\":\"buy\",\"ts\":%d}\n", now-60)), 0o644))

	f := NewPineFollower(path)
	f.Refresh()
	sig, ok := f.Latest("BTC", time.Hour)
	require.True(t, ok)
	assert.Equal(t, PineBuy, sig.Action)

	appendFile, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	fmt.Fprintf(appendFile, "{\"symbol\":\"BTC\",\"action\":\"stop\",\"ts\":%d}\n", now)
	require.NoError(t, appendFile.Close())

	f.Refresh()
	sig, ok = f.Latest("BTC", time.Hour)
	require.True(t, ok)
	assert.Equal(t, PineStop, sig.Action)
}

func TestPineMillisecondTimestampsNormalized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pine_signals.jsonl")
	nowMs := time.Now().UnixMilli()
	require.NoError(t, os.WriteFile(path,
		[]byte(fmt.Sprintf("{\"symbol\":\"BTC\",\"action\":\"buy\",\"ts\":%d}\n", nowMs)), 0o644))

	f := NewPineFollower(path)
	f.Refresh()
	sig, ok := f.Latest("BTC", time.Minute)
	require.True(t, ok)
	assert.InDelta(t, time.Now().Unix(), sig.Ts, 5)
}

func TestPineStaleSignalsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pine_signals.jsonl")
	old := time.Now().Add(-time.Hour).Unix()
	require.NoError(t, os.WriteFile(path,
		[]byte(fmt.Sprintf("{\"symbol\":\"BTC\",\"action\":\"sell\",\"ts\":%d}\n", old)), 0o644))

	f := NewPineFollower(path)
	f.Refresh()
	_, ok := f.Latest("BTC", 15*time.Minute)
	assert.False(t, ok)
	// A generous max age still surfaces it.
	_, ok = f.Latest("BTC", 2*time.Hour)
	assert.True(t, ok)
}

func TestPineInvalidActionsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pine_signals.jsonl")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"symbol":"BTC","action":"yolo","ts":1700000000}`+"\n"), 0o644))

	f := NewPineFollower(path)
	f.Refresh()
	_, ok := f.Latest("BTC", 0)
	assert.False(t, ok)
}
