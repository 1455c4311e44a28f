package log

import "fmt"

// LogCfg represents logging configuration for a server process.
type LogCfg struct {
	// LogPath specifies the target log file path for file-based logging.
	LogPath string `mapstructure:"path"`

	// LogLevel defines the minimum log level; hot-reloadable.
	LogLevel Level `mapstructure:"level"`

	// FileSplitMB determines the size in megabytes at which the log file rotates.
	FileSplitMB int `mapstructure:"splitmb"`

	// MaxBackups is the number of rotated files kept on disk, 0 keeps all.
	MaxBackups int `mapstructure:"maxBackups"`

	// MaxAgeDays removes rotated files older than this many days, 0 disables.
	MaxAgeDays int `mapstructure:"maxAgeDays"`

	// Compress gzips rotated files.
	Compress bool `mapstructure:"compress"`

	// IsAsync hands file writes to a background goroutine so the tick thread
	// never waits on disk I/O.
	IsAsync bool `mapstructure:"isasync"`

	// AsyncCacheSize limits buffered entries in async mode; entries beyond it are dropped.
	AsyncCacheSize int `mapstructure:"asynccachesize"`

	// CallerSkip specifies the number of extra stack frames to skip for caller information.
	CallerSkip int `mapstructure:"callerSkip"`

	FileAppender    bool `mapstructure:"fileAppender"`
	ConsoleAppender bool `mapstructure:"consoleAppender"`

	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`
}

// GetName returns the configuration name for LogCfg
func (cfg *LogCfg) GetName() string {
	return "logger"
}

// Validate validates the LogCfg parameters
func (cfg *LogCfg) Validate() error {
	if cfg.LogLevel > FatalLevel {
		return fmt.Errorf("invalid log level %d", cfg.LogLevel)
	}
	if cfg.FileAppender && cfg.LogPath == "" {
		return fmt.Errorf("path cannot be empty when fileAppender is enabled")
	}
	if cfg.FileSplitMB < 0 || cfg.MaxBackups < 0 || cfg.AsyncCacheSize < 0 {
		return fmt.Errorf("splitmb, maxBackups and asynccachesize must not be negative")
	}
	return nil
}

var _defaultCfg = LogCfg{
	LogPath:         "./asura.log",
	LogLevel:        InfoLevel,
	FileSplitMB:     50,
	MaxBackups:      10,
	IsAsync:         true,
	AsyncCacheSize:  1024,
	CallerSkip:      1,
	ConsoleAppender: true,
}

func getDefaultCfg() *LogCfg {
	cfg := _defaultCfg
	return &cfg
}
