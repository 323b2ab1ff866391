package log

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-pilot/internal/config"
)

func TestNewLoggerWritesJSONWithServiceFields(t *testing.T) {
	out := filepath.Join(t.TempDir(), "app.log")
	logger, err := NewLogger(config.LoggingConfig{
		Level:       "debug",
		Encoding:    "json",
		OutputPaths: []string{out},
	}, "test")
	require.NoError(t, err)

	logger.Info("周期完成")
	require.NoError(t, logger.Sync())

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &entry))
	assert.Equal(t, "perp-pilot", entry["service"])
	assert.Equal(t, "test", entry["env"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "周期完成", entry["msg"])
}

func TestNewLoggerRejectsBadInput(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "loud"}, "")
	require.Error(t, err)

	_, err = NewLogger(config.LoggingConfig{Level: "info", Encoding: "xml"}, "")
	require.Error(t, err)
}
