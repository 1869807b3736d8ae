package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ===== ZAP BACKEND =====

// ZapConfig defines the zap backend configuration
type ZapConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json", "console"
	Output string `yaml:"output"` // "stdout", "stderr", file path
	Caller bool   `yaml:"caller"` // Include caller information
}

// DefaultZapConfig returns the configuration used when nothing is specified
func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:  "info",
		Format: "console",
		Output: "stderr",
		Caller: false,
	}
}

// ZapBackend owns the zap logger behind a Logger
type ZapBackend struct {
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	close  func()
}

// NewZapBackend builds a zap logger from configuration
func NewZapBackend(config ZapConfig) (*ZapBackend, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.LevelKey = "level"
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	switch config.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	closeFn := func() {}
	var writeSyncer zapcore.WriteSyncer
	switch config.Output {
	case "stdout":
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stdout))
	case "stderr", "":
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stderr))
	default:
		sink, closeSink, err := zap.Open(config.Output)
		if err != nil {
			return nil, fmt.Errorf("failed to open log output %s: %w", config.Output, err)
		}
		writeSyncer = sink
		closeFn = closeSink
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)

	opts := []zap.Option{}
	if config.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(2))
	}

	logger := zap.New(core, opts...)

	return &ZapBackend{
		logger: logger,
		sugar:  logger.Sugar(),
		close:  closeFn,
	}, nil
}

// LogFuncs exposes the backend as LogFuncs for NewLogger
func (z *ZapBackend) LogFuncs() LogFuncs {
	return LogFuncs{
		Debugf: z.sugar.Debugf,
		Infof:  z.sugar.Infof,
		Warnf:  z.sugar.Warnf,
		Errorf: z.sugar.Errorf,
	}
}

// Logger returns a prefixed Logger writing through zap
func (z *ZapBackend) Logger(prefix string) Logger {
	return NewLogger(prefix, z.LogFuncs())
}

// Sync flushes buffered entries and releases the output
func (z *ZapBackend) Sync() error {
	err := z.logger.Sync()
	z.close()
	return err
}

// ParseLevel mirrors zapcore.ParseLevel, which zap v1.20 does not have yet
func ParseLevel(levelStr string) (zapcore.Level, error) {
	switch levelStr {
	case "debug":
		return zap.DebugLevel, nil
	case "info":
		return zap.InfoLevel, nil
	case "warn":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return -1, fmt.Errorf("invalid log level: %s", levelStr)
	}
}
