package logger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_LevelThreshold(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(Options{Output: &buf, Level: WARN, NoColor: true})
	require.NoError(t, err)

	l.Info("HOLD", "should be dropped")
	l.Warn("HOLD", "kept warning")
	l.Error("db", "kept error")

	out := buf.String()
	assert.NotContains(t, out, "should be dropped")
	assert.Contains(t, out, "kept warning")
	assert.Contains(t, out, "[DB        ]")
	assert.Contains(t, out, "logger_test.go")
}

func TestLogger_WritesJSONFile(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(Options{Dir: dir, Service: "test-svc", Output: &bytes.Buffer{}, NoColor: true})
	require.NoError(t, err)

	l.LogHold("CREATE", 42, "3 seats")
	l.Close()

	files, err := filepath.Glob(filepath.Join(dir, "test-svc-*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()

	var entries []LogEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e LogEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		entries = append(entries, e)
	}

	var found bool
	for _, e := range entries {
		if e.Category == "HOLD" {
			found = true
			assert.Equal(t, "INFO", e.Level)
			assert.Equal(t, "[CREATE] 42 - 3 seats", e.Message)
		}
	}
	assert.True(t, found, "hold entry missing from %v", entries)
}

func TestLogger_FatalUsesExitHook(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(Options{Output: &buf, NoColor: true})
	require.NoError(t, err)

	code := -1
	l.exit = func(c int) { code = c }
	l.Fatal("CONFIG", "missing dsn")

	assert.Equal(t, 1, code)
	assert.Contains(t, buf.String(), "missing dsn")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel(" warning "))
	assert.Equal(t, INFO, ParseLevel("nonsense"))
}
