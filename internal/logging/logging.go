// Package logging builds the process loggers.
//
// Every component takes a *log.Logger with its own bracketed prefix. The
// loggers built here share one destination: stderr, optionally teed into a
// size-rotated file.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the destination.
type Options struct {
	// File is the rotated log file. Empty logs to stderr only.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Verbose enables per-file log lines from the sync engine and daemon.
	Verbose bool

	// Stderr defaults to os.Stderr.
	Stderr io.Writer
}

// Logs hands out component loggers.
type Logs struct {
	out     io.Writer
	file    *lumberjack.Logger
	verbose bool
}

// New opens the destination described by opts.
func New(opts Options) (*Logs, error) {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	l := &Logs{out: stderr, verbose: opts.Verbose}
	if opts.File == "" {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return nil, err
	}
	l.file = &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	l.out = io.MultiWriter(stderr, l.file)
	return l, nil
}

// Logger returns a logger for component, prefixed "[component] ".
func (l *Logs) Logger(component string) *log.Logger {
	return log.New(l.out, "["+component+"] ", log.LstdFlags)
}

// Verbose reports whether verbose output is enabled.
func (l *Logs) Verbose() bool {
	return l.verbose
}

// Writer returns the shared destination.
func (l *Logs) Writer() io.Writer {
	return l.out
}

// Rotate closes the current log file and starts a new one.
func (l *Logs) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

// Close closes the log file, if any.
func (l *Logs) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
