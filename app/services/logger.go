package services

import (
	"io"
	"log"
	"os"

	"github.com/amirphl/Kotodama/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogWriter returns the destination for application logs per LOG_OUTPUT.
// File output rotates through lumberjack; the returned closer flushes it on shutdown.
func NewLogWriter(cfg *config.LoggingConfig) (io.Writer, io.Closer) {
	if cfg.Output == "stdout" || cfg.FilePath == "" {
		return os.Stdout, nopCloser{}
	}

	file := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
		LocalTime:  false,
	}
	if cfg.Output == "file" {
		return file, file
	}
	return io.MultiWriter(os.Stdout, file), file
}

// NewComponentLogger creates a logger for one long-lived component.
// log.Logger is goroutine-safe; timestamps are UTC with microseconds.
func NewComponentLogger(w io.Writer, component string) *log.Logger {
	return log.New(w, component+" ", log.LstdFlags|log.Lmicroseconds|log.LUTC)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
