package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	require.Equal(t, zerolog.DebugLevel, level)

	_, err = ParseLevel("verbose")
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, zerolog.InfoLevel).Logger()
	l.Debug().Msg("hidden")
	l.Info().Str("target", "/mnt").Msg("mount attached")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "info", entry["l"])
	require.Equal(t, "mount attached", entry["m"])
	require.Equal(t, "/mnt", entry["target"])
	require.Contains(t, entry["c"], "log_test.go:")
	require.Contains(t, entry, "t")
}

func TestOpen_file(t *testing.T) {
	p := filepath.Join(t.TempDir(), "sub", "mount-idmapped.log")

	l, closer, err := Open(Config{File: p, Level: "warn"})
	require.NoError(t, err)
	l.Info().Msg("dropped")
	l.Warn().Msg("written")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	require.NotContains(t, string(data), "dropped")
	require.Contains(t, string(data), "written")
}

func TestOpen_invalidLevel(t *testing.T) {
	_, _, err := Open(Config{Level: "loud"})
	require.Error(t, err)
}
