package common

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// dCtxLogger implements the ILogger interface on top of a zap core
type dCtxLogger struct {
	name    string
	console bool
	level   zap.AtomicLevel
	sugar   *zap.SugaredLogger
}

func (l *dCtxLogger) SetLevel(level logger.LogLevel) {
	l.level.SetLevel(toZapLevel(level))
}

func (l *dCtxLogger) Debugf(format string, args ...interface{}) {
	l.sugar.Debug(l.format(format, args...))
}

func (l *dCtxLogger) Infof(format string, args ...interface{}) {
	l.sugar.Info(l.format(format, args...))
}

func (l *dCtxLogger) Warningf(format string, args ...interface{}) {
	l.sugar.Warn(l.format(format, args...))
}

func (l *dCtxLogger) Errorf(format string, args ...interface{}) {
	l.sugar.Error(l.format(format, args...))
}

func (l *dCtxLogger) Panicf(format string, args ...interface{}) {
	l.sugar.Panic(l.format(format, args...))
}

// format renders the message. In console mode the package name is kept as a
// fixed width column, json output carries it in the logger field.
func (l *dCtxLogger) format(format string, args ...interface{}) string {
	message := fmt.Sprintf(format, args...)
	if l.console {
		return fmt.Sprintf("%-15s | %s", l.name, message)
	}
	return message
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

var (
	factoryMu  sync.Mutex
	loggerJSON bool
)

// CreateLogger implements dragonboats logger.Factory
func CreateLogger(pkgName string) logger.ILogger {
	factoryMu.Lock()
	jsonOutput := loggerJSON
	factoryMu.Unlock()

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05")

	var enc zapcore.Encoder
	if jsonOutput {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level)

	return &dCtxLogger{
		name:    pkgName,
		console: !jsonOutput,
		level:   level,
		sugar:   zap.New(core).Named(pkgName).Sugar(),
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

func toZapLevel(level logger.LogLevel) zapcore.Level {
	switch level {
	case logger.DEBUG:
		return zapcore.DebugLevel
	case logger.INFO:
		return zapcore.InfoLevel
	case logger.WARNING:
		return zapcore.WarnLevel
	case logger.ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.DPanicLevel
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// LoggerNames lists the loggers of all packages of the engine.
var LoggerNames = []string{
	"cluster",
	"gossip",
	"lockmgr",
	"txn",
	"persist",
	"query",
	"cache",
	"sharedctx",
	"transport",
	"rpc",
	"client",
	"serve",
}

// InitLoggers installs the zap backed logger factory and sets the level of all loggers.
// format is either "console" or "json".
func InitLoggers(level, format string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	switch strings.ToLower(format) {
	case "", "console", "text":
		setJSON(false)
	case "json":
		setJSON(true)
	default:
		return fmt.Errorf("invalid log format: %s. must be one of console, json", format)
	}

	// Set as the global logger factory for Dragonboat, existing loggers are recreated
	logger.SetLoggerFactory(CreateLogger)

	for _, name := range LoggerNames {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}

func setJSON(v bool) {
	factoryMu.Lock()
	loggerJSON = v
	factoryMu.Unlock()
}
