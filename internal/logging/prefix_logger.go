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

package logging

import "fmt"

// PrefixLogger does logging with a prefix. Typically the prefix identifies a
// particular entity instance, e.g. "[listener 0xc000123456] ".
//
// A nil PrefixLogger is usable: it logs without a prefix.
type PrefixLogger struct {
	parent *ComponentLogger
	prefix string
}

// NewPrefixLogger creates a PrefixLogger with the given prefix on top of the
// given component logger.
func NewPrefixLogger(parent *ComponentLogger, prefix string) *PrefixLogger {
	return &PrefixLogger{parent: parent, prefix: prefix}
}

// Infof does info logging.
func (pl *PrefixLogger) Infof(format string, args ...any) {
	if pl != nil {
		format = pl.prefix + format
		get().InfoDepth(1, fmt.Sprintf(format, args...))
		return
	}
	get().InfoDepth(1, fmt.Sprintf(format, args...))
}

// Warningf does warning logging.
func (pl *PrefixLogger) Warningf(format string, args ...any) {
	if pl != nil {
		format = pl.prefix + format
		get().WarningDepth(1, fmt.Sprintf(format, args...))
		return
	}
	get().WarningDepth(1, fmt.Sprintf(format, args...))
}

// Errorf does error logging.
func (pl *PrefixLogger) Errorf(format string, args ...any) {
	if pl != nil {
		format = pl.prefix + format
		get().ErrorDepth(1, fmt.Sprintf(format, args...))
		return
	}
	get().ErrorDepth(1, fmt.Sprintf(format, args...))
}

// V reports whether verbosity level l is enabled.
func (pl *PrefixLogger) V(l int) bool {
	return get().V(l)
}
