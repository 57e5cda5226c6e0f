// Package diagnostics is a minimal wrapper around an io.Writer, used by
// every core component to report progress and non-fatal warnings. It
// intentionally carries no third-party logging framework: the core has
// no opinion on log formatting, rotation, or levels beyond "line" and
// "warning" — that belongs to whatever front-end embeds it.
package diagnostics

import (
	"fmt"
	"io"
	"sync"
)

// Logger serialises writes from concurrent installer tasks onto a single
// io.Writer so interleaved lines never get scrambled mid-write.
type Logger struct {
	mu sync.Mutex
	w  io.Writer
}

// New returns a new Logger which writes to w. A nil w discards everything.
func New(w io.Writer) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{w: w}
}

// Logln logs a line.
func (l *Logger) Logln(args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, args...)
}

// Logf logs a formatted string, adding a trailing newline.
func (l *Logger) Logf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format+"\n", args...)
}

// Warnf logs a formatted warning, prefixed with "warning: ".
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Logf("warning: "+format, args...)
}
