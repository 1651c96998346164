package observability

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

	"github.com/karenhq/karen/internal/config"
)

func TestInitialize(t *testing.T) {

	t.Run("console format colorizes the level", func(t *testing.T) {
		ResetForTest()
		var buf bytes.Buffer

		cfg := config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "karen-test",
		}
		Initialize(cfg, zapcore.AddSync(&buf))
		GetLogger().Info("console test message")

		output := buf.String()
		assert.Contains(t, output, "INFO")
		assert.Contains(t, output, "console test message")
		assert.Contains(t, output, colorGreen)
		assert.Contains(t, output, colorReset)
	})

	t.Run("json format emits structured entries", func(t *testing.T) {
		ResetForTest()
		var buf bytes.Buffer

		cfg := config.LoggerConfig{
			Level:       "info",
			Format:      "json",
			ServiceName: "karen-json",
		}
		Initialize(cfg, zapcore.AddSync(&buf))
		GetLogger().Warn("structured message", zap.String("conversation_id", "abc"))

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "warn", entry["level"])
		assert.Equal(t, "karen-json", entry["logger"])
		assert.Equal(t, "structured message", entry["msg"])
		assert.Equal(t, "abc", entry["conversation_id"])
	})

	t.Run("file sink receives entries when configured", func(t *testing.T) {
		ResetForTest()
		logFile := filepath.Join(t.TempDir(), "karen.log")

		cfg := config.LoggerConfig{
			Level:   "debug",
			Format:  "json",
			LogFile: logFile,
			MaxSize: 1,
		}
		Initialize(cfg, zapcore.AddSync(&bytes.Buffer{}))
		GetLogger().Error("this should land in the file")

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "this should land in the file")
	})

	t.Run("second initialization is a no-op", func(t *testing.T) {
		ResetForTest()
		var buf bytes.Buffer

		Initialize(config.LoggerConfig{Level: "info", ServiceName: "first"}, zapcore.AddSync(&buf))
		first := GetLogger()

		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "second"}, zapcore.AddSync(&buf))
		second := GetLogger()

		assert.Equal(t, first, second)
		second.Info("which service owns this entry")

		assert.True(t, strings.Contains(buf.String(), "first"))
		assert.False(t, strings.Contains(buf.String(), "second"))
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		ResetForTest()
		var buf bytes.Buffer

		Initialize(config.LoggerConfig{Level: "chatty", Format: "json"}, zapcore.AddSync(&buf))
		GetLogger().Debug("should be filtered")
		GetLogger().Info("should appear")

		assert.NotContains(t, buf.String(), "should be filtered")
		assert.Contains(t, buf.String(), "should appear")
	})
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	logger := GetLogger()
	require.NotNil(t, logger)
}
