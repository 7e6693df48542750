package metabase

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimpleLoggerLevels(t *testing.T) {
	logger := NewSimpleLogger()

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	logger.Debug("dropped", "k", "v")
	logger.Error("dropped")
}

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info("Login", "password", "hunter2", "sessionToken", "abc", "X-API-Key", "mb_123", "operation", "card.get")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, redacted, entry["password"])
	assert.Equal(t, redacted, entry["sessionToken"])
	assert.Equal(t, redacted, entry["X-API-Key"])
	assert.Equal(t, "card.get", entry["operation"])
	assert.NotContains(t, buf.String(), "hunter2")
}

func TestLoggerRedactsCredentialValues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: "debug", Format: "text", Output: &buf})

	logger.Info("Authenticating", "with", NewEmailPassword("alice@example.com", "s3cret-pass"))

	out := buf.String()
	assert.NotContains(t, out, "s3cret-pass")
	assert.NotContains(t, out, "alice@example.com")
	assert.Contains(t, out, "a***@example.com")
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestGenerateRequestIDFormat(t *testing.T) {
	id := generateRequestID()
	assert.True(t, strings.HasPrefix(id, "req_"), id)
	assert.Len(t, id, len("req_")+26)
	assert.NotEqual(t, id, generateRequestID())
}

func TestDebugConfigFlags(t *testing.T) {
	var nilCfg *DebugConfig
	assert.False(t, nilCfg.logRequests())
	assert.False(t, nilCfg.logRetries())
	assert.False(t, nilCfg.logCache())
	assert.False(t, nilCfg.logSession())

	cfg := DefaultDebugConfig()
	assert.True(t, cfg.logCache())
	assert.True(t, cfg.logSession())

	cfg.LogSession = false
	assert.False(t, cfg.logSession())

	cfg.Enabled = false
	assert.False(t, cfg.logCache())
}
