package log

import (
	"sync/atomic"

	"github.com/lcx/asura-transport/config"
)

// Logger is the logging dependency handed to services and dispatchers.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	OnEventEnd(e *LogEvent)
}

var _defaultLogger atomic.Pointer[GameLogger]

func init() {
	_defaultLogger.Store(NewLogger(nil))
}

// Default returns the package-level logger. Components that are handed a nil
// Logger fall back to it.
func Default() Logger {
	return _defaultLogger.Load()
}

// OrDefault returns l, or the package-level logger when l is nil.
func OrDefault(l Logger) Logger {
	if l == nil {
		return Default()
	}
	return l
}

// AddAppender adds a new log appender to the default logger.
func AddAppender(appender LogAppender) {
	_defaultLogger.Load().AddAppender(appender)
}

// Refresh flushes the appenders of the default logger.
func Refresh() {
	_defaultLogger.Load().Refresh()
}

// SetDefaultLogger replaces the default logger.
func SetDefaultLogger(logger *GameLogger) {
	_defaultLogger.Store(logger)
}

// InitializeWithConfigManager loads the "logger" configuration and installs a
// hot-reloading default logger built from it.
func InitializeWithConfigManager(configManager config.ConfigManager) error {
	if configManager == nil {
		return nil
	}

	logCfg := getDefaultCfg()
	if err := configManager.LoadConfig("logger", logCfg); err != nil {
		return err
	}
	SetDefaultLogger(NewLoggerWithConfigManager(logCfg, configManager))
	return nil
}

// Initialize is InitializeWithConfigManager on the process-wide ConfigManager.
func Initialize() error {
	return InitializeWithConfigManager(config.GetInstance())
}

func Debug() *LogEvent { return _defaultLogger.Load().Debug() }

func Info() *LogEvent { return _defaultLogger.Load().Info() }

func Warn() *LogEvent { return _defaultLogger.Load().Warn() }

func Error() *LogEvent { return _defaultLogger.Load().Error() }

func Fatal() *LogEvent { return _defaultLogger.Load().Fatal() }
