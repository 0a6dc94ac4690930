package ringkv

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Log levels gate the verbosity written to a Node's logger, mirroring the
// three tiers a caller could previously select between a plain
// *log.Logger and a level integer.
const (
	LogLevelDebug = iota
	LogLevelWarn
	LogLevelError
)

// newLogger builds a named zap.SugaredLogger for a single component
// (a Node, the Coordinator, ...). When cfg.LogFile is set, output rotates
// through lumberjack instead of going straight to stdout.
func newLogger(cfg LoggerConfig, name string) *zap.SugaredLogger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.JSON {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	var ws zapcore.WriteSyncer
	if cfg.LogFile != "" {
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		})
	} else {
		ws = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, ws, levelFromString(cfg.Level))
	return zap.New(core, zap.AddCaller()).Named(name).Sugar()
}

func levelFromString(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.WarnLevel
	}
}
