package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riptide-engine/riptide/internal/schema"
)

const momentumScript = `
function evaluate(snapshot, candles) {
	if (!candles || candles.length === 0) {
		return null;
	}
	var last = candles[candles.length - 1];
	return {
		direction: "LONG",
		entry: last.close,
		stop: last.low,
		take_profit: last.close + (last.close - last.low)
	};
}
`

func writeScript(t *testing.T, dir, name, source string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(source), 0o644))
}

func TestLoadScriptStrategiesFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "momentum.js", momentumScript)
	writeScript(t, dir, "notes.txt", "not a script")

	scripts, err := loadScriptStrategies(dir, schema.TimeframeM5)
	require.NoError(t, err)
	require.Len(t, scripts, 1, "non-js files are skipped")
	require.Equal(t, "momentum", scripts[0].ID())
	require.Equal(t, []schema.Timeframe{schema.TimeframeM5}, scripts[0].Timeframes())
}

func TestLoadScriptStrategiesEmptyDirDisabled(t *testing.T) {
	scripts, err := loadScriptStrategies("", schema.TimeframeM5)
	require.NoError(t, err)
	require.Empty(t, scripts)
}

func TestLoadScriptStrategiesRejectsBrokenScript(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "broken.js", "function evaluate( {")

	_, err := loadScriptStrategies(dir, schema.TimeframeM5)
	require.Error(t, err)
}

func TestLoadScriptStrategiesMissingDirFails(t *testing.T) {
	_, err := loadScriptStrategies(filepath.Join(t.TempDir(), "absent"), schema.TimeframeM5)
	require.Error(t, err)
}
