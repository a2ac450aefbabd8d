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

package meridiantest

import (
	"fmt"
	"os"
	"path"
	"regexp"
	"runtime"
	"strconv"
	"sync"
	"testing"

	"github.com/meridian-mesh/meridian/internal/logging"
)

// TLogger serves as the logger for the duration of a test, redirecting all
// library log output to the testing.T of the currently running subtest.
// Unexpected Error-level logs fail the test.
var TLogger *tLogger

const callingFrame = 4

type logType int

func (l logType) String() string {
	switch l {
	case infoLog:
		return "INFO"
	case warningLog:
		return "WARNING"
	case errorLog:
		return "ERROR"
	case fatalLog:
		return "FATAL"
	}
	return "UNKNOWN"
}

const (
	infoLog logType = iota
	warningLog
	errorLog
	fatalLog
)

type tLogger struct {
	v int

	mu     sync.Mutex
	t      *testing.T
	start  int
	errors map[*regexp.Regexp]int
}

func init() {
	TLogger = &tLogger{errors: map[*regexp.Regexp]int{}}
	vLevel := os.Getenv("MERIDIAN_VERBOSITY_LEVEL")
	if vl, err := strconv.Atoi(vLevel); err == nil {
		TLogger.v = vl
	}
	var l logging.Logger = TLogger
	logging.SetLogger(l)
}

// getCallingPrefix returns the <file:line> at the given depth.
func getCallingPrefix(depth int) (string, error) {
	_, file, line, ok := runtime.Caller(depth)
	if !ok {
		return "", fmt.Errorf("not enough stack frames")
	}
	return fmt.Sprintf("%s:%d", path.Base(file), line), nil
}

// log logs the message with the specified parameters to the tLogger.
func (l *tLogger) log(ltype logType, depth int, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prefix, err := getCallingPrefix(callingFrame + depth)
	if err != nil {
		l.t.Error(err)
		return
	}
	args = append([]any{ltype.String() + " " + prefix}, args...)

	if format == "" {
		switch ltype {
		case errorLog:
			// fmt.Sprintln is used rather than fmt.Sprint because tLogger.Log
			// uses fmt.Sprintln behavior.
			if l.expected(fmt.Sprintln(args...)) {
				l.t.Log(args...)
			} else {
				l.t.Error(args...)
			}
		case fatalLog:
			panic(fmt.Sprint(args...))
		default:
			l.t.Log(args...)
		}
		return
	}
	// Add formatting directives for the log type and caller's prefix.
	format = "%v " + format
	switch ltype {
	case errorLog:
		if l.expected(fmt.Sprintf(format, args...)) {
			l.t.Logf(format, args...)
		} else {
			l.t.Errorf(format, args...)
		}
	case fatalLog:
		panic(fmt.Sprintf(format, args...))
	default:
		l.t.Logf(format, args...)
	}
}

// Update updates the testing.T that the testing logger logs to. Should be done
// before every test.
func (l *tLogger) Update(t *testing.T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t = t
	l.errors = map[*regexp.Regexp]int{}
}

// ExpectError declares an error to be expected. For the next test, the first
// error log matching the expression (using FindString) will not cause the test
// to fail. "For the next test" includes all the time until the next call to
// Update().
func (l *tLogger) ExpectError(expr string) {
	l.ExpectErrorN(expr, 1)
}

// ExpectErrorN declares an error to be expected n times.
func (l *tLogger) ExpectErrorN(expr string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	re, err := regexp.Compile(expr)
	if err != nil {
		l.t.Error(err)
		return
	}
	l.errors[re] += n
}

// EndTest checks if expected errors were not encountered.
func (l *tLogger) EndTest(t *testing.T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for re, count := range l.errors {
		if count > 0 {
			t.Errorf("Expected error '%v' not encountered", re.String())
		}
	}
	l.errors = map[*regexp.Regexp]int{}
}

// expected determines if the error string is protected or not.
func (l *tLogger) expected(s string) bool {
	for re, count := range l.errors {
		if re.FindStringIndex(s) != nil {
			if count <= 1 {
				delete(l.errors, re)
			} else {
				l.errors[re]--
			}
			return true
		}
	}
	return false
}

func (l *tLogger) InfoDepth(depth int, args ...any) {
	l.log(infoLog, depth, "", args...)
}

func (l *tLogger) WarningDepth(depth int, args ...any) {
	l.log(warningLog, depth, "", args...)
}

func (l *tLogger) ErrorDepth(depth int, args ...any) {
	l.log(errorLog, depth, "", args...)
}

func (l *tLogger) V(level int) bool {
	return level <= l.v
}
