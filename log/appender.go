package log

import (
	"io"
	"os"
	"sync"

	"github.com/lcx/asura-transport/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogAppender is an output destination for rendered log lines.
type LogAppender interface {
	// Write must not retain p after returning.
	Write(p []byte)
	// Refresh flushes anything buffered.
	Refresh()
	Close() error
}

// ConsoleAppender writes log lines to stdout.
type ConsoleAppender struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleAppender creates an appender on os.Stdout.
func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{w: os.Stdout}
}

// NewWriterAppender creates an appender on an arbitrary writer.
func NewWriterAppender(w io.Writer) *ConsoleAppender {
	return &ConsoleAppender{w: w}
}

func (a *ConsoleAppender) Write(p []byte) {
	a.mu.Lock()
	_, _ = a.w.Write(p)
	a.mu.Unlock()
}

func (a *ConsoleAppender) Refresh() {}

func (a *ConsoleAppender) Close() error { return nil }

// FileAppender writes log lines to a size-rotated file. In async mode writes are
// handed to a background goroutine and dropped when its queue is full.
type FileAppender struct {
	mu      sync.Mutex
	out     *lumberjack.Logger
	queue   chan []byte
	flushCh chan chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	dropped uint64
}

// NewFileAppender creates a file appender from cfg.
func NewFileAppender(cfg *LogCfg) *FileAppender {
	a := &FileAppender{
		out: &lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    cfg.FileSplitMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
	}
	if cfg.IsAsync {
		size := cfg.AsyncCacheSize
		if size <= 0 {
			size = 1024
		}
		a.queue = make(chan []byte, size)
		a.flushCh = make(chan chan struct{})
		a.done = make(chan struct{})
		a.wg.Add(1)
		go a.loop()
	}
	return a
}

func (a *FileAppender) Write(p []byte) {
	if a.queue == nil {
		a.write(p)
		return
	}
	line := make([]byte, len(p))
	copy(line, p)
	select {
	case a.queue <- line:
	default:
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
	}
}

func (a *FileAppender) write(p []byte) {
	a.mu.Lock()
	_, _ = a.out.Write(p)
	a.mu.Unlock()
}

func (a *FileAppender) loop() {
	defer a.wg.Done()
	for {
		select {
		case line := <-a.queue:
			a.write(line)
		case ack := <-a.flushCh:
			a.drain()
			close(ack)
		case <-a.done:
			a.drain()
			return
		}
	}
}

func (a *FileAppender) drain() {
	for {
		select {
		case line := <-a.queue:
			a.write(line)
		default:
			return
		}
	}
}

// Refresh blocks until every queued line has reached the file.
func (a *FileAppender) Refresh() {
	if a.queue == nil {
		return
	}
	ack := make(chan struct{})
	select {
	case a.flushCh <- ack:
		<-ack
	case <-a.done:
	}
}

// Dropped reports how many lines were discarded because the async queue was full.
func (a *FileAppender) Dropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Close flushes and closes the file.
func (a *FileAppender) Close() error {
	if a.done != nil {
		select {
		case <-a.done:
		default:
			close(a.done)
		}
		a.wg.Wait()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.out.Close()
}

// OnConfigChanged applies rotation settings from a reloaded logger config.
func (a *FileAppender) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	cfg, ok := newConfig.(*LogCfg)
	if !ok {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.out.MaxSize = cfg.FileSplitMB
	a.out.MaxBackups = cfg.MaxBackups
	a.out.MaxAge = cfg.MaxAgeDays
	a.out.Compress = cfg.Compress
	return nil
}

// GetConfigName implements config.ConfigChangeListener.
func (a *FileAppender) GetConfigName() string {
	return "logger"
}
