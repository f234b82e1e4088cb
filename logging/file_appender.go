package logging

import (
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileAppenderConfig controls rotation of a file appender.
type FileAppenderConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewFileAppender returns an appender that writes console formatted lines to a rotated file.
func NewFileAppender(cfg FileAppenderConfig) Appender {
	if cfg.MaxSizeMB == 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = 3
	}
	return &fileAppender{
		ConsoleAppender: NewWriterAppender(&lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}),
	}
}

type fileAppender struct {
	*ConsoleAppender
}

// Close releases the underlying file.
func (fa *fileAppender) Close() error {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.writer.(*lumberjack.Logger).Close()
}
