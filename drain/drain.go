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

// Package drain implements the graceful shutdown state machines consulted
// while winding down listeners: one Manager per draining listener and one
// process-global parent Manager.
package drain

import (
	"math/rand"
	"sync"
	"time"
)

// State is the lifecycle state of a Manager.
type State int

const (
	// Running means no drain has been requested.
	Running State = iota
	// Draining means a drain sequence is in progress.
	Draining
	// Drained is terminal; all watchers have fired.
	Drained
)

// Strategy controls how DrainClose behaves while Draining.
type Strategy int

const (
	// StrategyGradual spreads connection closure over the drain window: the
	// probability of closing ramps from zero to one as the deadline nears.
	StrategyGradual Strategy = iota
	// StrategyImmediate closes every polled connection as soon as draining
	// starts.
	StrategyImmediate
)

// Type mirrors the listener's configured drain type. A TypeModifyOnly drain
// runs only when the listener is modified or removed and must never consult
// the process-global shutdown state, since replacement is non-disruptive.
type Type int

const (
	TypeDefault Type = iota
	TypeModifyOnly
)

// Options configures a Manager.
type Options struct {
	// DrainTime is the window over which in-flight connections are drained.
	// Zero means watchers fire on the next scheduler tick.
	DrainTime time.Duration
	// Strategy selects the DrainClose behavior. Defaults to StrategyGradual.
	Strategy Strategy
}

// Manager is a Running → Draining → Drained state machine. All methods are
// safe for concurrent use; DrainClose in particular is polled from worker
// goroutines while the control context drives the state transitions.
type Manager struct {
	opts Options

	// Test hooks.
	now     func() time.Time
	randF64 func() float64

	mu         sync.Mutex
	state      State
	drainStart time.Time
	watchers   []func()
	timer      *time.Timer
}

// NewManager returns a Manager in the Running state.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:    opts,
		now:     time.Now,
		randF64: rand.Float64,
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Draining reports whether a drain sequence has started (or finished).
func (m *Manager) Draining() bool {
	return m.State() != Running
}

// StartDrainSequence begins draining, registering onComplete to run once the
// drain window elapses. Calling it while already Draining does not restart
// the window; it only adds another completion watcher. On an already Drained
// manager onComplete runs synchronously.
func (m *Manager) StartDrainSequence(onComplete func()) {
	m.mu.Lock()
	switch m.state {
	case Drained:
		m.mu.Unlock()
		onComplete()
		return
	case Draining:
		m.watchers = append(m.watchers, onComplete)
		m.mu.Unlock()
		return
	}
	m.state = Draining
	m.drainStart = m.now()
	m.watchers = append(m.watchers, onComplete)
	m.timer = time.AfterFunc(m.opts.DrainTime, m.drainSequenceDone)
	m.mu.Unlock()
}

func (m *Manager) drainSequenceDone() {
	m.mu.Lock()
	if m.state != Draining {
		m.mu.Unlock()
		return
	}
	m.state = Drained
	watchers := m.watchers
	m.watchers = nil
	m.mu.Unlock()
	for _, w := range watchers {
		w()
	}
}

// DrainClose reports whether the polled in-flight connection should be
// closed now. While Draining with StrategyGradual the answer turns true
// probabilistically, with probability proportional to how much of the drain
// window has elapsed, so closures spread out instead of stampeding.
func (m *Manager) DrainClose() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Running:
		return false
	case Drained:
		return true
	}
	if m.opts.Strategy == StrategyImmediate || m.opts.DrainTime <= 0 {
		return true
	}
	p := float64(m.now().Sub(m.drainStart)) / float64(m.opts.DrainTime)
	return m.randF64() < p
}

// Close stops the drain timer without firing pending watchers. Used when the
// owning listener is destroyed through a path that no longer needs them.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
}

// Decision is the per-connection close policy handed to whoever owns the
// connection I/O for a draining listener.
type Decision interface {
	// DrainClose reports whether the connection should be closed now.
	DrainClose() bool
}

type decision struct {
	local  *Manager
	global *Manager
}

// NewDecision combines a listener-local manager with the process-global one.
// The local manager is evaluated first and short-circuits; the global
// manager is consulted only when the local one says not to close yet, and
// never for drainType TypeModifyOnly.
func NewDecision(local, global *Manager, drainType Type) Decision {
	if drainType == TypeModifyOnly {
		global = nil
	}
	return &decision{local: local, global: global}
}

func (d *decision) DrainClose() bool {
	if d.local.DrainClose() {
		return true
	}
	if d.global == nil {
		return false
	}
	return d.global.DrainClose()
}
