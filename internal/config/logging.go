package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logging hands out component loggers that share one destination.
type Logging struct {
	out    io.Writer
	closer io.Closer
}

// OpenLogging chooses the destination: the rotating log file when
// configured, else stderr when verbose, else nowhere.
func OpenLogging(c LogConfig, verbose bool) (*Logging, error) {
	if c.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.File), 0700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
			Compress:   c.Compress,
		}
		var out io.Writer = lj
		if verbose {
			out = io.MultiWriter(lj, os.Stderr)
		}
		return &Logging{out: out, closer: lj}, nil
	}
	if verbose {
		return &Logging{out: os.Stderr}, nil
	}
	return &Logging{out: io.Discard}, nil
}

// Logger returns a logger prefixed with the component name.
func (l *Logging) Logger(component string) *log.Logger {
	if l == nil {
		return log.New(io.Discard, "", 0)
	}
	return log.New(l.out, "["+component+"] ", log.LstdFlags)
}

// Close closes the log file, if any.
func (l *Logging) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
