package daemon

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/creditgate/internal/config"
	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

func TestNewLogger_JSON(t *testing.T) {
	for _, driver := range []string{"zerolog", "zap"} {
		t.Run(driver, func(t *testing.T) {
			var buf bytes.Buffer
			logger, flush, err := NewLogger(config.LoggingConfig{Driver: driver, Level: "info", Format: "json"}, &buf)
			require.NoError(t, err)

			logger.Debug("hidden")
			logger.Info("budget state changed", creditgate.Field{Key: "to", Value: "savings"})
			flush()

			var line map[string]any
			require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line), buf.String())
			assert.Equal(t, "creditgated", line["service"])
			assert.Equal(t, "savings", line["to"])
			assert.NotContains(t, buf.String(), "hidden")
		})
	}
}

func TestNewLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, flush, err := NewLogger(config.LoggingConfig{Driver: "zerolog", Level: "debug", Format: "console"}, &buf)
	require.NoError(t, err)
	logger.Debug("sweep finished")
	flush()
	assert.Contains(t, buf.String(), "sweep finished")
}

func TestNewLogger_Invalid(t *testing.T) {
	_, _, err := NewLogger(config.LoggingConfig{Driver: "zerolog", Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
	_, _, err = NewLogger(config.LoggingConfig{Driver: "zap", Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
	_, _, err = NewLogger(config.LoggingConfig{Driver: "logrus", Level: "info"}, &bytes.Buffer{})
	assert.Error(t, err)
}
