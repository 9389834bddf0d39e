package config

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logs hands out component loggers sharing one output.
type Logs struct {
	out    io.Writer
	closer io.Closer
}

// OpenLogs builds the shared log output. With a log file configured, output
// goes to a rotating file; otherwise to stderr, or nowhere if quiet.
func OpenLogs(cfg LogConfig, quiet bool) *Logs {
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		return &Logs{out: lj, closer: lj}
	}
	if quiet {
		return &Logs{out: io.Discard}
	}
	return &Logs{out: os.Stderr}
}

// Logger returns a logger prefixed with "[component] ".
func (l *Logs) Logger(component string) *log.Logger {
	return log.New(l.out, "["+component+"] ", log.LstdFlags)
}

// Writer returns the shared output.
func (l *Logs) Writer() io.Writer {
	return l.out
}

// Close flushes and closes the log file, if any.
func (l *Logs) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
