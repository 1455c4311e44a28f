package log

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/asura-transport/config"
)

// GameLogger is the default Logger: leveled, pooled events rendered as JSON lines
// and fanned out to a set of appenders.
//
// Example usage:
//
//	logger := NewLogger(&LogCfg{LogLevel: InfoLevel, ConsoleAppender: true})
//	logger.Info().Str("addr", addr).Int("channels", n).Msg("service started")
type GameLogger struct {
	mu                sync.RWMutex
	appenders         []LogAppender
	minLevel          atomic.Uint32
	callerSkip        int
	enabledCallerInfo atomic.Bool
	eventPool         sync.Pool
	callerCache       sync.Map
	currentConfig     *LogCfg
}

// NewLogger creates a new GameLogger with the provided configuration.
// If cfg is nil, default values are used.
func NewLogger(cfg *LogCfg) *GameLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}

	logger := &GameLogger{
		callerSkip:    cfg.CallerSkip,
		currentConfig: cfg,
	}
	logger.minLevel.Store(uint32(cfg.LogLevel))
	logger.enabledCallerInfo.Store(cfg.EnabledCallerInfo)
	logger.eventPool.New = func() any {
		return newEvent(logger)
	}

	if cfg.FileAppender {
		logger.AddAppender(NewFileAppender(cfg))
	}
	if cfg.ConsoleAppender {
		logger.AddAppender(NewConsoleAppender())
	}
	return logger
}

// NewLoggerWithConfigManager creates a logger that follows hot reloads of the
// "logger" configuration.
func NewLoggerWithConfigManager(cfg *LogCfg, configManager config.ConfigManager) *GameLogger {
	logger := NewLogger(cfg)
	if configManager != nil {
		configManager.AddChangeListener(logger)
	}
	return logger
}

// OnConfigChanged implements config.ConfigChangeListener.
func (x *GameLogger) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "logger" {
		return nil
	}
	newLogCfg, ok := newConfig.(*LogCfg)
	if !ok {
		return nil
	}

	x.updateConfig(newLogCfg)

	for _, appender := range x.GetAppender() {
		if listener, ok := appender.(config.ConfigChangeListener); ok {
			if err := listener.OnConfigChanged(configName, newConfig, oldConfig); err != nil {
				x.Error().Err(err).Msg("Failed to notify appender about config change")
			}
		}
	}
	return nil
}

// GetConfigName implements config.ConfigChangeListener.
func (x *GameLogger) GetConfigName() string {
	return "logger"
}

func (x *GameLogger) updateConfig(newCfg *LogCfg) {
	x.minLevel.Store(uint32(newCfg.LogLevel))
	x.enabledCallerInfo.Store(newCfg.EnabledCallerInfo)

	x.mu.Lock()
	x.currentConfig = newCfg
	x.mu.Unlock()
}

// GetCurrentConfig returns the configuration last applied to the logger.
func (x *GameLogger) GetCurrentConfig() *LogCfg {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.currentConfig
}

// SetLevel changes the minimum level at runtime.
func (x *GameLogger) SetLevel(level Level) {
	x.minLevel.Store(uint32(level))
}

func (x *GameLogger) checkLevel(level Level) bool {
	return Level(x.minLevel.Load()) <= level
}

// AddAppender adds a new log appender to the logger.
func (x *GameLogger) AddAppender(appender LogAppender) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.appenders = append(x.appenders, appender)
}

// GetAppender returns the appenders currently registered with the logger.
func (x *GameLogger) GetAppender() []LogAppender {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]LogAppender(nil), x.appenders...)
}

// Refresh flushes every appender.
func (x *GameLogger) Refresh() {
	for _, appender := range x.GetAppender() {
		appender.Refresh()
	}
}

// Close flushes and closes every appender.
func (x *GameLogger) Close() error {
	var firstErr error
	for _, appender := range x.GetAppender() {
		if err := appender.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OnEventEnd writes a finished event to all appenders and recycles it.
// A fatal event panics after it has been written.
func (x *GameLogger) OnEventEnd(e *LogEvent) {
	x.mu.RLock()
	for _, appender := range x.appenders {
		appender.Write(e.Bytes())
	}
	x.mu.RUnlock()

	if e.level == FatalLevel {
		panic("fatal log: " + string(e.Bytes()))
	}
	x.eventPool.Put(e)
}

func (x *GameLogger) Debug() *LogEvent { return x.log(DebugLevel) }

func (x *GameLogger) Info() *LogEvent { return x.log(InfoLevel) }

func (x *GameLogger) Warn() *LogEvent { return x.log(WarnLevel) }

func (x *GameLogger) Error() *LogEvent { return x.log(ErrorLevel) }

// Fatal events panic once written.
func (x *GameLogger) Fatal() *LogEvent { return x.log(FatalLevel) }

type callerInfo struct {
	text string
}

var _unknownCaller = &callerInfo{text: "???"}

func (x *GameLogger) getCallerInfo() *callerInfo {
	pc, file, line, ok := runtime.Caller(3 + x.callerSkip)
	if !ok {
		return _unknownCaller
	}
	if cached, found := x.callerCache.Load(pc); found {
		return cached.(*callerInfo)
	}

	// keep "dir/file.go"
	if lastSlash := strings.LastIndexByte(file, '/'); lastSlash > 0 {
		if prev := strings.LastIndexByte(file[:lastSlash], '/'); prev >= 0 {
			file = file[prev+1:]
		}
	}
	c := &callerInfo{text: file + ":" + strconv.Itoa(line)}
	x.callerCache.Store(pc, c)
	return c
}

func (x *GameLogger) log(level Level) *LogEvent {
	if !x.checkLevel(level) {
		return nil
	}

	e := x.eventPool.Get().(*LogEvent)
	e.Reset()
	e.level = level

	t := time.Now()
	e.Time("time", &t)
	e.Str("level", level.String())
	if x.enabledCallerInfo.Load() {
		e.Str("caller", x.getCallerInfo().text)
	}
	return e
}
