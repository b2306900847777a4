package zap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

func TestLogger_WritesLevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewLogger(zap.New(core))

	logger.Debug("request admitted", creditgate.Field{Key: "userId", Value: "user1"})
	logger.Info("tier changed", creditgate.Field{Key: "to", Value: creditgate.TierPro})
	logger.Warn("saving account failed", creditgate.Field{Key: "error", Value: errors.New("timeout")})
	logger.Error("admission check failed")

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "user1", entries[0].ContextMap()["userId"])
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, "timeout", entries[2].ContextMap()["error"])
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	assert.Equal(t, "admission check failed", entries[3].Message)
}

func TestLogger_LevelFiltering(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := NewLogger(zap.New(core))

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")

	assert.Equal(t, 1, logs.Len())
}

func TestLogger_NilIsNop(t *testing.T) {
	var _ creditgate.Logger = NewLogger(nil)
	NewLogger(nil).Info("dropped", creditgate.Field{Key: "k", Value: 1})
}
