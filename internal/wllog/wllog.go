// Package wllog holds the ambient diagnostic logging shared by every
// pipeline stage: an env-gated debug logger and the fatal-error
// rendering used at the top of the process.
package wllog

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	debugEnabledOnce sync.Once
	debugEnabledFlag bool

	debugOutputOnce sync.Once
	debugOutput     io.Writer = os.Stderr

	debugLoggerOnce sync.Once
	debugLogger     *log.Logger
)

// Enabled reports whether WLCAST_DEBUG or WLCAST_CAPTURE_DEBUG is set
// to a true value as strconv.ParseBool reads it ("1", "t", "true", ...).
// Either variable enables debug logging for every component.
func Enabled() bool {
	debugEnabledOnce.Do(func() {
		debugEnabledFlag = BoolEnv("WLCAST_DEBUG", false) || BoolEnv("WLCAST_CAPTURE_DEBUG", false)
	})
	return debugEnabledFlag
}

func writer() io.Writer {
	debugOutputOnce.Do(func() {
		p := strings.TrimSpace(os.Getenv("WLCAST_DEBUG_FILE"))
		if p == "" {
			return
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "wlcast debug log open failed: %v\n", err)
			return
		}
		debugOutput = f
	})
	return debugOutput
}

// Debugf writes a diagnostic line prefixed with the calling component,
// but only when Enabled() is true. Never call this on a per-frame hot
// path without a rate limiter (see ShouldLogRateLimited).
func Debugf(component, format string, args ...any) {
	if !Enabled() {
		return
	}
	debugLoggerOnce.Do(func() {
		debugLogger = log.New(writer(), "wlcast ", log.LstdFlags|log.Lmicroseconds)
	})
	debugLogger.Printf(component+" "+format, args...)
}

// ShouldLogRateLimited reports true at most once per period for the
// given atomic timestamp cell, used to keep hot-path diagnostics from
// flooding the log.
func ShouldLogRateLimited(last *atomic.Int64, period time.Duration) bool {
	if last == nil || period <= 0 {
		return true
	}
	now := time.Now().UnixNano()
	for {
		prev := last.Load()
		if prev != 0 && time.Duration(now-prev) < period {
			return false
		}
		if last.CompareAndSwap(prev, now) {
			return true
		}
	}
}

// BoolEnv parses an environment variable as a boolean, defaulting when
// unset or unparsable.
func BoolEnv(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// IntEnvClamped parses an environment variable as an integer clamped
// to [lo, hi], defaulting when unset or unparsable.
func IntEnvClamped(name string, def, lo, hi int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// Fatal renders err to stderr the way the original tool does: bold red
// when stderr is a terminal, plain otherwise. In a debug build
// (WLCAST_DEBUG=1) it additionally dumps a stack trace to trace.txt.
func Fatal(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	if isTerminal(os.Stderr) {
		fmt.Fprintf(os.Stderr, "\x1b[1;31m%s\x1b[0m\n", msg)
	} else {
		fmt.Fprintln(os.Stderr, msg)
	}
	if Enabled() {
		dumpStackTrace("trace.txt")
	}
}

func dumpStackTrace(filename string) {
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString("Trace for error:\n")
	_, _ = f.Write(debug.Stack())
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
