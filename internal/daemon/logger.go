package daemon

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mihaimyh/creditgate/internal/config"
	"github.com/mihaimyh/creditgate/pkg/creditgate"
	zapadapter "github.com/mihaimyh/creditgate/pkg/creditgate/logger/zap"
	zerologadapter "github.com/mihaimyh/creditgate/pkg/creditgate/logger/zerolog"
)

// NewLogger builds the configured logger writing to out. The returned func
// flushes buffered output.
func NewLogger(cfg config.LoggingConfig, out io.Writer) (creditgate.Logger, func(), error) {
	switch cfg.Driver {
	case "zap":
		return newZap(cfg, out)
	case "zerolog", "":
		return newZerolog(cfg, out)
	default:
		return nil, nil, fmt.Errorf("unknown logging driver %q", cfg.Driver)
	}
}

func newZerolog(cfg config.LoggingConfig, out io.Writer) (creditgate.Logger, func(), error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(out).Level(level).With().Timestamp().Str("service", "creditgated").Logger()
	return zerologadapter.NewLogger(zl), func() {}, nil
}

func newZap(cfg config.LoggingConfig, out io.Writer) (creditgate.Logger, func(), error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)
	if cfg.Format == "console" {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	zl := zap.New(
		zapcore.NewCore(encoder, zapcore.AddSync(out), level),
		zap.AddStacktrace(zapcore.ErrorLevel),
	).With(zap.String("service", "creditgated"))
	return zapadapter.NewLogger(zl), func() { _ = zl.Sync() }, nil
}
