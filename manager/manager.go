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

// Package manager implements the listener manager: it owns the warming,
// active and draining listener collections, runs the add/update/remove
// protocol against them, and coordinates sockets, drain sequences and the
// worker pool so that reconfiguration never drops traffic.
package manager

import (
	"context"
	"fmt"
	"time"

	v3listenerpb "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	"github.com/google/uuid"
	"github.com/meridian-mesh/meridian/drain"
	"github.com/meridian-mesh/meridian/internal/logging"
	"github.com/meridian-mesh/meridian/internal/syncutil"
	"github.com/meridian-mesh/meridian/listener"
	"github.com/meridian-mesh/meridian/sockets"
	"github.com/meridian-mesh/meridian/stats"
	"github.com/meridian-mesh/meridian/workers"
)

var logger = logging.Component("listener_manager")

// Options configures a ListenerManager.
type Options struct {
	// SocketFactory creates listening sockets. Required for listeners that
	// bind.
	SocketFactory sockets.Factory
	// Workers is the pool of connection-accepting execution contexts.
	Workers []workers.Worker
	// Store receives the manager's counters and gauges, and parents each
	// listener's own scope. nil disables stats.
	Store stats.Store
	// GlobalDrainManager is the process-global drain manager. Optional.
	GlobalDrainManager *drain.Manager
	// DrainOptions configures every listener-local drain manager.
	DrainOptions drain.Options
	// TimeSource overrides the clock used for last-updated timestamps.
	TimeSource func() time.Time
}

// listenerEntry wraps a listener with the manager's bookkeeping for it.
type listenerEntry struct {
	lis *listener.Listener
	// ownsSocket is cleared when the socket is handed to a replacement
	// listener; only the owner closes it on destruction.
	ownsSocket bool
	// pendingAdds counts worker addListener operations still outstanding.
	pendingAdds int
	// addFailed is set after the first worker add failure, so repeated
	// failures from other workers start only one drain sequence.
	addFailed bool
	// pendingRemovals counts worker removeListener operations still
	// outstanding; the entry is destroyed when this drops to zero.
	pendingRemovals int
}

// orderedEntries is a name-keyed collection preserving insertion order for
// enumeration.
type orderedEntries struct {
	names []string
	m     map[string]*listenerEntry
}

func newOrderedEntries() *orderedEntries {
	return &orderedEntries{m: make(map[string]*listenerEntry)}
}

func (o *orderedEntries) get(name string) *listenerEntry { return o.m[name] }

// put inserts or replaces the entry for name. Replacement keeps the original
// enumeration position.
func (o *orderedEntries) put(name string, e *listenerEntry) {
	if _, ok := o.m[name]; !ok {
		o.names = append(o.names, name)
	}
	o.m[name] = e
}

func (o *orderedEntries) remove(name string) {
	if _, ok := o.m[name]; !ok {
		return
	}
	delete(o.m, name)
	for i, n := range o.names {
		if n == name {
			o.names = append(o.names[:i], o.names[i+1:]...)
			break
		}
	}
}

func (o *orderedEntries) list() []*listenerEntry {
	entries := make([]*listenerEntry, 0, len(o.names))
	for _, name := range o.names {
		entries = append(entries, o.m[name])
	}
	return entries
}

func (o *orderedEntries) len() int { return len(o.names) }

// ListenerManager owns listener lifecycle. All state mutation runs
// serialized on a single control execution context; the exported methods
// post onto it and wait, so they are safe to call from any goroutine but
// must not be called from manager callbacks.
type ListenerManager struct {
	opts       Options
	store      stats.Store
	scope      stats.Scope
	serializer *syncutil.CallbackSerializer
	cancel     context.CancelFunc
	now        func() time.Time

	// Everything below is accessed only on the control context.
	active          *orderedEntries
	warming         *orderedEntries
	draining        []*listenerEntry
	workersStarted  bool
	workersStopped  bool
	lastVersionInfo string
}

// New returns a ListenerManager with no listeners.
func New(opts Options) *ListenerManager {
	store := opts.Store
	if store == nil {
		store = stats.NewNoopStore()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ListenerManager{
		opts:       opts,
		store:      store,
		scope:      store.Scope("listener_manager."),
		serializer: syncutil.NewCallbackSerializer(ctx),
		cancel:     cancel,
		now:        now,
		active:     newOrderedEntries(),
		warming:    newOrderedEntries(),
	}
}

// execute runs f on the control context and waits for it to finish.
func (m *ListenerManager) execute(f func()) {
	done := make(chan struct{})
	m.serializer.ScheduleOr(
		func(context.Context) { f(); close(done) },
		func() { close(done) },
	)
	<-done
}

// schedule posts f onto the control context without waiting. Used by
// completion callbacks arriving from workers, drain managers and init
// targets.
func (m *ListenerManager) schedule(f func()) {
	m.serializer.TrySchedule(func(context.Context) { f() })
}

// AddOrUpdateListener validates the listener spec and either registers a new
// listener or replaces the existing one of the same name. It returns true
// when a new or updated listener was accepted, including listeners that are
// now warming, and false for a byte-identical re-add or an attempt to
// update a non-modifiable listener. Configuration errors abort the call with
// no state change.
func (m *ListenerManager) AddOrUpdateListener(spec *v3listenerpb.Listener, versionInfo string, addedViaAPI bool) (bool, error) {
	var (
		updated bool
		err     error
	)
	m.execute(func() { updated, err = m.addOrUpdateListener(spec, versionInfo, addedViaAPI) })
	return updated, err
}

func (m *ListenerManager) addOrUpdateListener(spec *v3listenerpb.Listener, versionInfo string, addedViaAPI bool) (bool, error) {
	name := spec.GetName()
	if name == "" {
		name = uuid.NewString()
	}

	hash, err := listener.ConfigHash(spec)
	if err != nil {
		return false, fmt.Errorf("error adding listener %q: failed to hash config: %w", name, err)
	}

	// The newest same-name snapshot is the warming one if an update is
	// already in flight, else the active one.
	existing := m.warming.get(name)
	if existing == nil {
		existing = m.active.get(name)
	}
	if existing != nil {
		if existing.lis.Hash() == hash {
			// Byte-identical re-add: no state change, no stats.
			return false, nil
		}
		if !existing.lis.Modifiable() {
			logger.Warningf("Listener %q can not be modified", name)
			return false, nil
		}
		if existing.lis.Address() != addrFromSpec(spec) {
			return false, fmt.Errorf("error updating listener: %q has a different address %q from existing listener", name, addrFromSpec(spec))
		}
	}

	lis, err := listener.New(spec, listener.BuildOptions{
		Name:         name,
		VersionInfo:  versionInfo,
		AddedViaAPI:  addedViaAPI,
		Store:        m.store,
		DrainOptions: m.opts.DrainOptions,
		Now:          m.now(),
	})
	if err != nil {
		return false, fmt.Errorf("error adding listener %q: %w", name, err)
	}

	if lis.BindToPort() {
		if conflict := m.findAddressConflict(name, lis.Address()); conflict != nil {
			lis.Close(false)
			return false, fmt.Errorf("error adding listener: %q has duplicate address %q as existing listener", name, lis.Address())
		}
		if err := m.setupSocket(lis, existing); err != nil {
			lis.Close(false)
			return false, err
		}
	}

	if existing != nil {
		m.scope.Counter("listener_modified").Inc()
	} else {
		m.scope.Counter("listener_added").Inc()
	}
	if addedViaAPI {
		m.lastVersionInfo = versionInfo
	}

	// A warming listener of the same name is always superseded in place.
	if w := m.warming.get(name); w != nil {
		m.discardWarming(w)
	}

	entry := &listenerEntry{lis: lis, ownsSocket: lis.Socket() != nil}
	if lis.NeedsInit() {
		logger.Infof("Listener %q waiting for initialization before becoming active", name)
		m.warming.put(name, entry)
		m.updateGauges()
		lis.OnInitialized(func() {
			m.schedule(func() { m.onListenerInitialized(entry) })
		})
		return true, nil
	}

	m.promote(entry)
	return true, nil
}

// onListenerInitialized promotes a warming listener whose init targets all
// became ready. The liveness check makes a late callback for a removed or
// superseded warming listener a no-op.
func (m *ListenerManager) onListenerInitialized(entry *listenerEntry) {
	name := entry.lis.Name()
	if cur := m.warming.get(name); cur == nil || cur != entry {
		return
	}
	m.warming.remove(name)
	m.promote(entry)
}

// promote makes the listener active, supersedes any previous active version
// and dispatches the new one to the workers.
func (m *ListenerManager) promote(entry *listenerEntry) {
	name := entry.lis.Name()
	old := m.active.get(name)
	m.active.put(name, entry)
	if old != nil {
		m.drainListener(old)
	}
	m.updateGauges()
	logger.Infof("Listener %q is now active on %q", name, entry.lis.Address())
	if m.workersRunning() {
		m.addListenerToWorkers(entry)
	}
}

func (m *ListenerManager) addListenerToWorkers(entry *listenerEntry) {
	entry.pendingAdds = len(m.opts.Workers)
	for _, w := range m.opts.Workers {
		w.AddListener(entry.lis, func(success bool) {
			m.schedule(func() { m.onWorkerAddComplete(entry, success) })
		})
	}
}

// onWorkerAddComplete handles a worker's async addListener completion. A
// failure does not surface to the caller that registered the listener; it
// drives the same drain-and-remove path as an explicit removal, plus a
// create-failure counter.
func (m *ListenerManager) onWorkerAddComplete(entry *listenerEntry, success bool) {
	entry.pendingAdds--
	if success || entry.addFailed {
		return
	}
	entry.addFailed = true
	m.scope.Counter("listener_create_failure").Inc()
	logger.Warningf("Worker failed to add listener %q, draining it", entry.lis.Name())
	if cur := m.active.get(entry.lis.Name()); cur == entry {
		m.active.remove(entry.lis.Name())
		m.drainListener(entry)
		m.updateGauges()
	}
}

// RemoveListener removes the named listener: a warming instance is
// discarded immediately, an active instance goes through the drain, worker
// removal and destroy sequence. It returns false if no such listener exists
// or the listener is not modifiable.
func (m *ListenerManager) RemoveListener(name string) bool {
	var removed bool
	m.execute(func() { removed = m.removeListener(name) })
	return removed
}

func (m *ListenerManager) removeListener(name string) bool {
	w := m.warming.get(name)
	a := m.active.get(name)
	if w == nil && a == nil {
		logger.Warningf("Unknown listener %q can not be removed", name)
		return false
	}
	if (w != nil && !w.lis.Modifiable()) || (a != nil && !a.lis.Modifiable()) {
		logger.Warningf("Listener %q can not be removed", name)
		return false
	}

	m.scope.Counter("listener_removed").Inc()
	if w != nil {
		// A warming listener never reached the workers; it is destroyed
		// directly. A pending init callback becomes a no-op via the
		// liveness check.
		m.discardWarming(w)
	}
	if a != nil {
		m.active.remove(name)
		m.drainListener(a)
	}
	m.updateGauges()
	return true
}

// discardWarming destroys a superseded or removed warming entry. When the
// still-live active instance of the same name shares the entry's socket,
// ownership moves back to it instead of the socket being closed.
func (m *ListenerManager) discardWarming(w *listenerEntry) {
	name := w.lis.Name()
	m.warming.remove(name)
	closeSocket := w.ownsSocket && w.lis.Socket() != nil
	if closeSocket {
		if a := m.active.get(name); a != nil && a.lis.Socket() == w.lis.Socket() {
			a.ownsSocket = true
			closeSocket = false
		}
	}
	w.lis.Close(closeSocket)
}

// drainListener moves an entry into the draining collection and starts the
// stop → drain → worker removal → destroy sequence for it.
func (m *ListenerManager) drainListener(entry *listenerEntry) {
	m.draining = append(m.draining, entry)
	logger.Infof("Draining listener %q", entry.lis.Name())
	if m.workersRunning() {
		for _, w := range m.opts.Workers {
			w.StopListener(entry.lis)
		}
	}
	entry.lis.DrainManager().StartDrainSequence(func() {
		m.schedule(func() { m.onDrainComplete(entry) })
	})
}

// workersRunning reports whether worker operations can still complete.
// After StopWorkers the worker dispatchers are gone, so the manager must
// finish lifecycle transitions without them.
func (m *ListenerManager) workersRunning() bool {
	return m.workersStarted && !m.workersStopped && len(m.opts.Workers) > 0
}

func (m *ListenerManager) onDrainComplete(entry *listenerEntry) {
	if !m.workersRunning() {
		m.destroyDraining(entry)
		return
	}
	entry.pendingRemovals = len(m.opts.Workers)
	for _, w := range m.opts.Workers {
		w.RemoveListener(entry.lis, func() {
			m.schedule(func() {
				entry.pendingRemovals--
				if entry.pendingRemovals == 0 {
					m.destroyDraining(entry)
				}
			})
		})
	}
}

func (m *ListenerManager) destroyDraining(entry *listenerEntry) {
	for i, e := range m.draining {
		if e == entry {
			m.draining = append(m.draining[:i], m.draining[i+1:]...)
			break
		}
	}
	logger.Infof("Destroyed draining listener %q", entry.lis.Name())
	entry.lis.Close(entry.ownsSocket)
	m.updateGauges()
}

// StartWorkers dispatches every currently active listener to every worker
// and then starts the workers. It is one-shot; subsequent calls are no-ops.
func (m *ListenerManager) StartWorkers(wd workers.Watchdog) {
	m.execute(func() {
		if m.workersStarted {
			return
		}
		m.workersStarted = true
		for _, entry := range m.active.list() {
			m.addListenerToWorkers(entry)
		}
		for _, w := range m.opts.Workers {
			w.Start(wd)
		}
	})
}

// StopWorkers stops all workers. It is a no-op if workers were never
// started.
func (m *ListenerManager) StopWorkers() {
	var started bool
	m.execute(func() {
		started = m.workersStarted && !m.workersStopped
		if started {
			m.workersStopped = true
		}
	})
	if !started {
		return
	}
	// Worker Stop blocks until accept loops exit, and those may be posting
	// completions onto the control context, so stop outside of it.
	for _, w := range m.opts.Workers {
		w.Stop()
	}
}

// Listeners returns the active listeners in insertion order. Warming and
// draining listeners are not included.
func (m *ListenerManager) Listeners() []*listener.Listener {
	var out []*listener.Listener
	m.execute(func() {
		for _, entry := range m.active.list() {
			out = append(out, entry.lis)
		}
	})
	return out
}

// Close releases all listener resources and shuts down the control context.
// It does not stop workers; call StopWorkers first.
func (m *ListenerManager) Close() {
	m.execute(func() {
		for _, entry := range m.active.list() {
			entry.lis.Close(entry.ownsSocket)
		}
		for _, entry := range m.warming.list() {
			entry.lis.Close(entry.ownsSocket)
		}
		for _, entry := range m.draining {
			entry.lis.Close(entry.ownsSocket)
		}
	})
	m.cancel()
	<-m.serializer.Done()
}

// findAddressConflict reports a different-named active or warming listener
// bound to addr. Listeners that opt out of binding never conflict.
func (m *ListenerManager) findAddressConflict(name, addr string) *listenerEntry {
	for _, entries := range []*orderedEntries{m.active, m.warming} {
		for _, entry := range entries.list() {
			if entry.lis.Name() != name && entry.lis.BindToPort() && entry.lis.Address() == addr {
				return entry
			}
		}
	}
	return nil
}

// setupSocket gives the listener its socket: the existing same-name
// listener's socket when the address is unchanged, else a socket from a
// draining listener bound to the same address, else a freshly bound one.
func (m *ListenerManager) setupSocket(lis *listener.Listener, existing *listenerEntry) error {
	if existing != nil && existing.lis.Socket() != nil && existing.lis.Address() == lis.Address() {
		lis.SetSocket(existing.lis.Socket())
		existing.ownsSocket = false
		return nil
	}
	for _, entry := range m.draining {
		if entry.ownsSocket && entry.lis.Socket() != nil && entry.lis.Address() == lis.Address() {
			logger.Infof("Reusing socket of draining listener %q for %q", entry.lis.Name(), lis.Name())
			lis.SetSocket(entry.lis.Socket())
			entry.ownsSocket = false
			return nil
		}
	}
	if m.opts.SocketFactory == nil {
		return fmt.Errorf("error adding listener %q: no socket factory configured", lis.Name())
	}
	sock, err := m.opts.SocketFactory.CreateSocket(context.Background(), lis.Address(), lis.SocketOptions())
	if err != nil {
		return fmt.Errorf("error adding listener %q: %w", lis.Name(), err)
	}
	lis.SetSocket(sock)
	return nil
}

func (m *ListenerManager) updateGauges() {
	m.scope.Gauge("total_listeners_warming").Set(uint64(m.warming.len()))
	m.scope.Gauge("total_listeners_active").Set(uint64(m.active.len()))
	m.scope.Gauge("total_listeners_draining").Set(uint64(len(m.draining)))
}

func addrFromSpec(spec *v3listenerpb.Listener) string {
	addr, err := sockets.AddressFromProto(spec.GetAddress())
	if err != nil {
		return ""
	}
	return addr
}
