// Package ipclog is a thin wrapper around fmt.Printf/Fprintf that gives
// every component (the server, each example client) a consistent line
// prefix and a consistent way to pick informational, warning, status,
// and error coloring, instead of each call site constructing its own
// color.New and prefix string ad hoc.
package ipclog

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

// Logger prefixes every line it writes with "name: ".
type Logger struct {
	prefix string
}

// New returns a Logger that prefixes its output with name.
func New(name string) *Logger {
	return &Logger{prefix: name + ": "}
}

// Info writes an unadorned line to stdout.
func (l *Logger) Info(format string, args ...interface{}) {
	fmt.Printf(l.prefix+format, args...)
}

// Status writes a cyan, bold line to stdout, used for the SIGUSR1
// status banner.
func (l *Logger) Status(format string, args ...interface{}) {
	color.New(color.FgCyan, color.Bold).Printf(l.prefix+format, args...)
}

// Warn writes a yellow line to stdout, used for degraded-but-recovering
// conditions such as a detected server restart.
func (l *Logger) Warn(format string, args ...interface{}) {
	color.New(color.FgYellow).Printf(l.prefix+format, args...)
}

// Error writes a red line to stdout.
func (l *Logger) Error(format string, args ...interface{}) {
	color.New(color.FgRed).Printf(l.prefix+format, args...)
}

// ErrorTo writes a red line to w, typically os.Stderr.
func (l *Logger) ErrorTo(w io.Writer, format string, args ...interface{}) {
	color.New(color.FgRed).Fprintf(w, l.prefix+format, args...)
}
