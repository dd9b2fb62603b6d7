package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/seawire/pkg/logging"
)

func TestParseLevel(t *testing.T) {
	type tcase struct {
		in   string
		want slog.Level
	}
	tests := map[string]tcase{
		"debug":   {"debug", slog.LevelDebug},
		"upper":   {" WARN ", slog.LevelWarn},
		"warning": {"warning", slog.LevelWarn},
		"empty":   {"", slog.LevelInfo},
		"unknown": {"loud", slog.LevelInfo},
		"error":   {"error", slog.LevelError},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, logging.ParseLevel(tc.in))
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, logging.Validate("info"))
	assert.Error(t, logging.Validate("verbose"))
}

// Setup mutates process-wide state, so these run sequentially.
func TestSetupJSONComponent(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	require.NoError(t, logging.Setup(logging.Options{Level: "info", Format: "json", Output: &buf}))
	assert.Equal(t, gin.ReleaseMode, gin.Mode())

	logging.Component(logging.Ledger).Info("hello", "n", 1)
	logging.Component(logging.Ledger).Debug("hidden")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "ledger", line["component"])
	assert.Equal(t, "hello", line["msg"])

	require.NoError(t, logging.Setup(logging.Options{Level: "debug", Output: &buf}))
	assert.Equal(t, gin.DebugMode, gin.Mode())
	gin.SetMode(gin.TestMode)

	assert.Error(t, logging.Setup(logging.Options{Level: "chatty"}))
}
