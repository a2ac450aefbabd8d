/*
 *
 * Copyright 2025 Meridian authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package logging provides the leveled component logger used throughout the
// module. The default sink writes to stderr; binaries embedding the library
// can replace it with SetLogger.
package logging

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"sync/atomic"
)

// Logger does underlying low-level logging work. The methods take a depth
// argument reporting how many frames to skip when computing the file name and
// line number of the log call site.
type Logger interface {
	InfoDepth(depth int, args ...any)
	WarningDepth(depth int, args ...any)
	ErrorDepth(depth int, args ...any)
	V(l int) bool
}

var logger atomic.Pointer[Logger]

func init() {
	var l Logger = newDefaultLogger()
	logger.Store(&l)
}

// SetLogger replaces the process-wide logger. Not mutex-protected, should be
// called before any logging is done.
func SetLogger(l Logger) {
	logger.Store(&l)
}

func get() Logger { return *logger.Load() }

// Component returns a logger that tags every entry with the component name.
func Component(name string) *ComponentLogger {
	return &ComponentLogger{prefix: "[" + name + "] "}
}

// ComponentLogger prefixes entries with a component tag, e.g. "[listeners]".
type ComponentLogger struct {
	prefix string
}

// Infof logs at the info level.
func (c *ComponentLogger) Infof(format string, args ...any) {
	get().InfoDepth(1, c.prefix+fmt.Sprintf(format, args...))
}

// Warningf logs at the warning level.
func (c *ComponentLogger) Warningf(format string, args ...any) {
	get().WarningDepth(1, c.prefix+fmt.Sprintf(format, args...))
}

// Errorf logs at the error level.
func (c *ComponentLogger) Errorf(format string, args ...any) {
	get().ErrorDepth(1, c.prefix+fmt.Sprintf(format, args...))
}

// V reports whether verbosity level l is enabled.
func (c *ComponentLogger) V(l int) bool { return get().V(l) }

// defaultLogger is the fallback stderr logger, with verbosity controlled by
// the MERIDIAN_VERBOSITY_LEVEL environment variable.
type defaultLogger struct {
	info    *log.Logger
	warning *log.Logger
	err     *log.Logger
	v       int
}

func newDefaultLogger() *defaultLogger {
	v := 0
	if vl, err := strconv.Atoi(os.Getenv("MERIDIAN_VERBOSITY_LEVEL")); err == nil {
		v = vl
	}
	flags := log.LstdFlags | log.Lmicroseconds
	return &defaultLogger{
		info:    log.New(os.Stderr, "INFO: ", flags),
		warning: log.New(os.Stderr, "WARNING: ", flags),
		err:     log.New(os.Stderr, "ERROR: ", flags),
		v:       v,
	}
}

func (l *defaultLogger) InfoDepth(depth int, args ...any) {
	l.info.Output(depth+2, fmt.Sprint(args...))
}

func (l *defaultLogger) WarningDepth(depth int, args ...any) {
	l.warning.Output(depth+2, fmt.Sprint(args...))
}

func (l *defaultLogger) ErrorDepth(depth int, args ...any) {
	l.err.Output(depth+2, fmt.Sprint(args...))
}

func (l *defaultLogger) V(lvl int) bool { return lvl <= l.v }
