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

// Package workers defines the coordination surface between the listener
// manager and the pool of connection-accepting execution contexts, plus the
// default in-process worker implementation.
package workers

import (
	"net"
	"time"

	"github.com/meridian-mesh/meridian/drain"
	"github.com/meridian-mesh/meridian/filterchain"
	"github.com/meridian-mesh/meridian/listener"
)

// Watchdog is touched by workers as they make progress, so a stuck worker
// can be detected externally.
type Watchdog interface {
	Touch()
}

// Worker is one connection-accepting execution context. All methods are
// asynchronous: they return before the operation takes effect, and the
// completion callbacks may run on an arbitrary goroutine.
type Worker interface {
	// AddListener makes the worker accept connections on the listener.
	// onComplete reports whether the listener was installed successfully; a
	// false completion is handled by the manager like a removal request.
	AddListener(lis *listener.Listener, onComplete func(success bool))
	// StopListener makes the worker stop accepting new connections on the
	// listener, without touching its in-flight connections.
	StopListener(lis *listener.Listener)
	// RemoveListener fully removes the listener from the worker; onComplete
	// fires once the worker no longer references it.
	RemoveListener(lis *listener.Listener, onComplete func())
	// Start starts the worker's dispatch loop.
	Start(wd Watchdog)
	// Stop stops the worker, waiting for its accept loops to exit.
	Stop()
}

// ConnectionHandler owns all per-connection I/O past the accept call. The
// worker accepts, selects a filter chain, and hands the connection over.
type ConnectionHandler interface {
	// Detect runs the listener filter pipeline on a freshly accepted
	// connection and returns the attribute view consumed by filter chain
	// selection. timeout bounds the detection; zero disables the bound. An
	// error causes the connection to be closed without dispatch.
	Detect(conn net.Conn, filters []filterchain.Filter, timeout time.Duration) (filterchain.Conn, error)
	// Handle takes ownership of conn after fc was selected for it. dec is
	// polled to decide when to proactively close the connection during
	// listener or process drain.
	Handle(conn net.Conn, lis *listener.Listener, fc *filterchain.FilterChain, dec drain.Decision)
}
