package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"", zapcore.InfoLevel},
		{"WARN", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestJSONFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = "json"
	cfg.Level = "warn"
	log, c, err := NewWithWriter(cfg, &buf)
	require.NoError(t, err)
	log.Info("hidden")
	log.Warn("shown", zap.Int("line", 3))
	require.NoError(t, c.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	m := map[string]interface{}{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &m))
	assert.Equal(t, "shown", m["msg"])
	assert.Equal(t, "warn", m["level"])
	assert.Equal(t, 3., m["line"])
}

func TestFileOutput(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.File = filepath.Join(t.TempDir(), "logs", "scopesrv.log")
	log, c, err := NewWithWriter(cfg, &buf)
	require.NoError(t, err)
	log.Info("to both")
	require.NoError(t, c.Close())

	assert.Contains(t, buf.String(), "to both")
	b, err := os.ReadFile(cfg.File)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"to both"`)
}

func TestUnknownFormat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = "xml"
	_, _, err := New(cfg)
	assert.Error(t, err)
}
