// Package nlog provides a small buffering, timestamping, leveled logger,
// used throughout the runtime in place of the standard library's "log"
// package for anything on a hot path (AM dispatch, batch flush, barrier
// rounds) where a blocking unbuffered write would be unacceptable.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amrt-go/amrt/cmn/mono"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{sevInfo: 'I', sevWarn: 'W', sevErr: 'E'}

const flushIval = 250 * time.Millisecond

type nlog struct {
	mw      sync.Mutex
	w       *bufio.Writer
	out     *os.File
	sev     severity
	last    int64 // mono nanos of last flush
	written int64
}

var (
	nlogs        [3]*nlog
	toStderr     = true // core runtime defaults to stderr; a host process may redirect
	alsoToStderr bool
	title        string
)

func init() {
	nlogs[sevInfo] = newNlog(sevInfo, os.Stdout)
	nlogs[sevWarn] = newNlog(sevWarn, os.Stderr)
	nlogs[sevErr] = newNlog(sevErr, os.Stderr)
	go periodicFlush()
}

func newNlog(sev severity, out *os.File) *nlog {
	return &nlog{w: bufio.NewWriterSize(out, 32*1024), out: out, sev: sev, last: mono.NanoTime()}
}

func periodicFlush() {
	for {
		time.Sleep(flushIval)
		Flush()
	}
}

// SetOutput redirects every severity's logger to w; used by tests
// that want to capture log output instead of writing to stdout/stderr.
func SetOutput(w *os.File) {
	for _, nl := range nlogs {
		nl.mw.Lock()
		nl.w = bufio.NewWriterSize(w, 32*1024)
		nl.out = w
		nl.mw.Unlock()
	}
}

func SetTitle(s string) { title = s }

func SetAlsoToStderr(v bool) { alsoToStderr = v }

func log(sev severity, depth int, format string, args ...any) {
	line := formatLine(sev, depth+1, format, args...)
	nl := nlogs[sev]
	nl.mw.Lock()
	nl.w.WriteString(line)
	nl.written += int64(len(line))
	nl.mw.Unlock()
	if sev >= sevWarn && alsoToStderr && nl.out != os.Stderr {
		os.Stderr.WriteString(line)
	}
}

func formatLine(sev severity, depth int, format string, args ...any) string {
	var sb strings.Builder
	sb.WriteByte(sevChar[sev])
	sb.WriteByte(' ')
	sb.WriteString(time.Now().Format("15:04:05.000000"))
	sb.WriteByte(' ')
	if _, fn, ln, ok := runtime.Caller(depth + 1); ok {
		if idx := strings.LastIndexByte(fn, filepath.Separator); idx >= 0 {
			fn = fn[idx+1:]
		}
		sb.WriteString(fn)
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(ln))
		sb.WriteByte(' ')
	}
	if format == "" {
		fmt.Fprintln(&sb, args...)
	} else {
		fmt.Fprintf(&sb, format, args...)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Flush forces every severity's buffered writer out. Pass true on
// process exit to also fsync.
func Flush(sync ...bool) {
	doSync := len(sync) > 0 && sync[0]
	for _, nl := range nlogs {
		nl.mw.Lock()
		nl.w.Flush()
		if doSync && nl.out != nil {
			nl.out.Sync()
		}
		nl.mw.Unlock()
	}
}

func Since() time.Duration {
	now := mono.NanoTime()
	best := int64(0)
	for _, nl := range nlogs {
		nl.mw.Lock()
		d := now - nl.last
		nl.mw.Unlock()
		if d > best {
			best = d
		}
	}
	return time.Duration(best)
}
