// Package logging builds the process logger and the per-component loggers
// derived from it.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// File, when set, receives log output and is rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Stderr also writes to stderr when File is set. Without a File,
	// output always goes to stderr.
	Stderr bool

	// Discard drops all output.
	Discard bool
}

// Logs is the process log output. Component loggers share its writer and
// differ only in their prefix.
type Logs struct {
	out    io.Writer
	closer io.Closer
}

// New opens the log output described by opts.
func New(opts Options) *Logs {
	if opts.Discard {
		return &Logs{out: io.Discard}
	}
	if opts.File == "" {
		return &Logs{out: os.Stderr}
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	l := &Logs{out: rotator, closer: rotator}
	if opts.Stderr {
		l.out = io.MultiWriter(rotator, os.Stderr)
	}
	return l
}

// Writer returns the underlying output.
func (l *Logs) Writer() io.Writer {
	return l.out
}

// Logger returns a logger for one component, prefixed "[name] ".
func (l *Logs) Logger(name string) *log.Logger {
	prefix := ""
	if name != "" {
		prefix = "[" + name + "] "
	}
	return log.New(l.out, prefix, log.LstdFlags)
}

// Close closes the log file, if any.
func (l *Logs) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
