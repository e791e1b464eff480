// Package klog is the kernel's line-oriented diagnostic sink. It never
// buffers and never blocks: every call writes one line immediately.
package klog

import (
	"fmt"
	"io"
	"os"
)

// Sink is where log lines go. Tests may swap it for a buffer.
var Sink io.Writer = os.Stderr

// Trace logs a low-priority diagnostic (task creation/destruction, zone
// setup, state dumps).
func Trace(format string, args ...interface{}) {
	line(Sink, "trace", format, args)
}

// Warn logs a user-triggerable anomaly that the kernel tolerates: a failed
// allocation, an unhandled IRQ, a rejected syscall. Matches WARN().
func Warn(format string, args ...interface{}) {
	line(Sink, "warn", format, args)
}

func line(w io.Writer, level, format string, args []interface{}) {
	fmt.Fprintf(w, "[%s] %s\n", level, fmt.Sprintf(format, args...))
}
