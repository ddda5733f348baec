package log

import (
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	LogLevelInfo  = 0
	LogLevelDebug = 1
)

func encoderConfig() zapcore.EncoderConfig {
	encfg := zap.NewProductionEncoderConfig()
	encfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.StampMilli)
	return encfg
}

// CreateLogger creates and configures a logger with a common setup like
// log level and an optional name. Verbosity above LogLevelInfo enables
// development output and V-level logging.
func CreateLogger(name string, loglevel int) logr.Logger {
	encoder := zapcore.NewConsoleEncoder(encoderConfig())
	level := zapcore.Level(-loglevel)
	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(level))

	zlog := zap.New(core)
	if loglevel > LogLevelInfo {
		zlog = zlog.WithOptions(zap.Development())
	}

	logger := zapr.NewLogger(zlog)
	if name != "" {
		return logger.WithName(name)
	}
	return logger
}
