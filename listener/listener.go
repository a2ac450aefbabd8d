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

// Package listener builds the immutable per-listener snapshot the rest of
// the system works with. A Listener is constructed once from its
// configuration proto and never mutated afterwards; updates always build a
// replacement instance.
package listener

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	v3corepb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	v3listenerpb "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	"github.com/google/uuid"
	"github.com/meridian-mesh/meridian/drain"
	"github.com/meridian-mesh/meridian/filterchain"
	"github.com/meridian-mesh/meridian/internal/logging"
	"github.com/meridian-mesh/meridian/registry"
	"github.com/meridian-mesh/meridian/registry/tlsinspector"
	"github.com/meridian-mesh/meridian/sockets"
	"github.com/meridian-mesh/meridian/stats"
	"google.golang.org/protobuf/proto"
)

var logger = logging.Component("listener")

// BuildOptions carries the collaborator handles a Listener needs at build
// time.
type BuildOptions struct {
	// Name overrides the proto's name. The manager sets it so that a
	// generated name for a nameless listener is decided once, not per
	// snapshot build.
	Name string
	// VersionInfo is the config version token of the update delivering this
	// listener.
	VersionInfo string
	// AddedViaAPI is false for listeners injected from static configuration;
	// those refuse later updates and removals.
	AddedViaAPI bool
	// Store is the root stats store; the listener carves its own scope out
	// of it, keyed by its normalized bound address.
	Store stats.Store
	// DrainOptions configures the listener-local drain manager.
	DrainOptions drain.Options
	// Now is the last-updated timestamp to record. Zero means time.Now().
	Now time.Time
}

// Listener is an immutable snapshot of one configured listener. Everything
// except the bound socket (installed once, before the listener is published
// to workers) is fixed at construction.
type Listener struct {
	name           string
	addr           string
	bindToPort     bool
	proto          *v3listenerpb.Listener
	hash           uint64
	versionInfo    string
	lastUpdated    time.Time
	addedViaAPI    bool
	drainType      drain.Type
	bufferLimit    uint32
	filtersTimeout time.Duration
	socketOpts     []sockets.Option
	lisFilters     []filterchain.Filter
	fcm            *filterchain.Manager
	initTargets    []*registry.InitTarget
	drainManager   *drain.Manager
	scope          stats.Scope
	logger         *logging.PrefixLogger

	socket atomic.Pointer[socketHolder]
}

type socketHolder struct {
	s sockets.Socket
}

// New validates the listener proto and builds the immutable snapshot,
// including its filter chain manager. Any error leaves no residual state;
// in particular no init target of a failed build is ever watched.
func New(lisProto *v3listenerpb.Listener, opts BuildOptions) (*Listener, error) {
	name := opts.Name
	if name == "" {
		name = lisProto.GetName()
	}
	if name == "" {
		// Nameless listeners get a generated unique name, which makes them
		// impossible to update in place. That matches how they behave when
		// injected from static config.
		name = uuid.NewString()
	}

	hash, err := ConfigHash(lisProto)
	if err != nil {
		return nil, fmt.Errorf("listener %q: failed to hash config: %w", name, err)
	}

	addr, err := sockets.AddressFromProto(lisProto.GetAddress())
	if err != nil {
		return nil, fmt.Errorf("listener %q: %w", name, err)
	}

	socketOpts, err := sockets.OptionsFromProto(lisProto.GetSocketOptions())
	if err != nil {
		return nil, fmt.Errorf("listener %q: %w", name, err)
	}

	fcm, err := filterchain.NewManager(lisProto)
	if err != nil {
		return nil, fmt.Errorf("listener %q: %w", name, err)
	}

	lisFilters, err := buildListenerFilters(lisProto, fcm)
	if err != nil {
		return nil, fmt.Errorf("listener %q: %w", name, err)
	}

	drainType := drain.TypeDefault
	if lisProto.GetDrainType() == v3listenerpb.Listener_MODIFY_ONLY {
		drainType = drain.TypeModifyOnly
	}

	// A zero listener_filters_timeout disables the timeout; absence means
	// the 15s default.
	filtersTimeout := 15 * time.Second
	if d := lisProto.GetListenerFiltersTimeout(); d != nil {
		filtersTimeout = d.AsDuration()
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	bindToPort := true
	if b := lisProto.GetDeprecatedV1().GetBindToPort(); b != nil {
		bindToPort = b.GetValue()
	}

	l := &Listener{
		name:           name,
		addr:           addr,
		bindToPort:     bindToPort,
		proto:          lisProto,
		hash:           hash,
		versionInfo:    opts.VersionInfo,
		lastUpdated:    now,
		addedViaAPI:    opts.AddedViaAPI,
		drainType:      drainType,
		bufferLimit:    lisProto.GetPerConnectionBufferLimitBytes().GetValue(),
		filtersTimeout: filtersTimeout,
		socketOpts:     socketOpts,
		lisFilters:     lisFilters,
		fcm:            fcm,
		drainManager:   drain.NewManager(opts.DrainOptions),
	}
	l.logger = logging.NewPrefixLogger(logger, fmt.Sprintf("[listener %q] ", name))
	if opts.Store != nil {
		l.scope = opts.Store.Scope("listener." + NormalizeAddress(addr) + ".")
	}
	l.collectInitTargets()
	return l, nil
}

// buildListenerFilters resolves the configured listener filters and
// synthesizes the TLS inspector in front of them when some filter chain
// matches on SNI, TLS transport or ALPN and no inspector was configured
// explicitly.
func buildListenerFilters(lisProto *v3listenerpb.Listener, fcm *filterchain.Manager) ([]filterchain.Filter, error) {
	var filters []filterchain.Filter
	explicitInspector := false
	for _, f := range lisProto.GetListenerFilters() {
		name := f.GetName()
		if name == "" {
			return nil, fmt.Errorf("listener filter missing the name field")
		}
		if name == tlsinspector.Name {
			explicitInspector = true
		}
		factory, err := registry.ResolveListenerFilter(name)
		if err != nil {
			return nil, err
		}
		cfg, err := factory.ParseFilterConfig(f.GetTypedConfig())
		if err != nil {
			return nil, fmt.Errorf("listener filter %q: %w", name, err)
		}
		filters = append(filters, filterchain.Filter{Name: name, Config: cfg})
	}
	if fcm.NeedsProtocolDetection() && !explicitInspector {
		factory, err := registry.ResolveListenerFilter(tlsinspector.Name)
		if err != nil {
			return nil, err
		}
		cfg, err := factory.ParseFilterConfig(nil)
		if err != nil {
			return nil, err
		}
		filters = append([]filterchain.Filter{{Name: tlsinspector.Name, Config: cfg}}, filters...)
	}
	return filters, nil
}

// collectInitTargets gathers async readiness dependencies contributed by the
// listener filter and network filter configs.
func (l *Listener) collectInitTargets() {
	add := func(cfg registry.FilterConfig) {
		if p, ok := cfg.(registry.InitTargetProvider); ok {
			l.initTargets = append(l.initTargets, p.InitTargets()...)
		}
	}
	for _, f := range l.lisFilters {
		add(f.Config)
	}
	for _, fc := range l.fcm.FilterChains() {
		for _, f := range fc.Filters {
			add(f.Config)
		}
	}
}

// ConfigHash returns the content hash of a listener configuration proto,
// computed over its deterministic serialization. Two protos hash equal iff
// they are semantically identical, which is how no-op updates are detected.
func ConfigHash(m proto.Message) (uint64, error) {
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(m)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(b), nil
}

// NormalizeAddress rewrites a bound address into a form usable inside a
// dotted stat name, replacing ':' with '_'. "[::1]:10000" becomes
// "[__1]_10000".
func NormalizeAddress(addr string) string {
	return strings.ReplaceAll(addr, ":", "_")
}

// Name returns the listener's unique name.
func (l *Listener) Name() string { return l.name }

// Address returns the bound address in "host:port" form.
func (l *Listener) Address() string { return l.addr }

// BindToPort reports whether the listener actually binds its address.
func (l *Listener) BindToPort() bool { return l.bindToPort }

// Hash returns the content hash of the configuration proto, used to detect
// no-op updates.
func (l *Listener) Hash() uint64 { return l.hash }

// VersionInfo returns the config version token.
func (l *Listener) VersionInfo() string { return l.versionInfo }

// LastUpdated returns when this snapshot was built.
func (l *Listener) LastUpdated() time.Time { return l.lastUpdated }

// Modifiable reports whether update/remove operations may touch this
// listener. Statically injected listeners are not modifiable.
func (l *Listener) Modifiable() bool { return l.addedViaAPI }

// Proto returns the configuration proto this listener was built from.
func (l *Listener) Proto() *v3listenerpb.Listener { return l.proto }

// Metadata returns the listener metadata from the config.
func (l *Listener) Metadata() *v3corepb.Metadata { return l.proto.GetMetadata() }

// DrainType returns the listener's drain type.
func (l *Listener) DrainType() drain.Type { return l.drainType }

// DrainManager returns the listener-local drain manager.
func (l *Listener) DrainManager() *drain.Manager { return l.drainManager }

// NewDrainDecision combines the local drain manager with the process-global
// one according to the listener's drain type.
func (l *Listener) NewDrainDecision(global *drain.Manager) drain.Decision {
	return drain.NewDecision(l.drainManager, global, l.drainType)
}

// PerConnectionBufferLimitBytes returns the configured buffer limit, zero
// meaning unlimited.
func (l *Listener) PerConnectionBufferLimitBytes() uint32 { return l.bufferLimit }

// ListenerFiltersTimeout returns how long listener filters may take before
// the connection is closed. Zero disables the timeout.
func (l *Listener) ListenerFiltersTimeout() time.Duration { return l.filtersTimeout }

// SocketOptions returns the socket options to apply when binding.
func (l *Listener) SocketOptions() []sockets.Option { return l.socketOpts }

// ListenerFilters returns the listener filter pipeline, including any
// synthesized protocol detection filter.
func (l *Listener) ListenerFilters() []filterchain.Filter { return l.lisFilters }

// FilterChainManager returns the listener's filter chain index.
func (l *Listener) FilterChainManager() *filterchain.Manager { return l.fcm }

// Scope returns the per-listener stats scope, or nil if no store was
// provided at build time.
func (l *Listener) Scope() stats.Scope { return l.scope }

// Logger returns a logger prefixed with the listener's identity.
func (l *Listener) Logger() *logging.PrefixLogger { return l.logger }

// SetSocket installs the bound socket. It is called exactly once, before the
// listener is published to workers.
func (l *Listener) SetSocket(s sockets.Socket) {
	l.socket.Store(&socketHolder{s: s})
}

// Socket returns the bound socket, or nil for non-binding listeners and
// listeners still being set up.
func (l *Listener) Socket() sockets.Socket {
	if h := l.socket.Load(); h != nil {
		return h.s
	}
	return nil
}

// NeedsInit reports whether any init target collected at build time is still
// unready, in which case the listener must warm before going active.
func (l *Listener) NeedsInit() bool {
	for _, t := range l.initTargets {
		if !t.IsReady() {
			return true
		}
	}
	return false
}

// OnInitialized registers cb to run once every init target is ready. With no
// pending targets cb runs synchronously. cb may fire on whatever goroutine
// marks the last target ready; callers requiring a specific execution
// context must hop there themselves.
func (l *Listener) OnInitialized(cb func()) {
	remaining := int32(len(l.initTargets))
	if remaining == 0 {
		cb()
		return
	}
	for _, t := range l.initTargets {
		t.Watch(func() {
			if atomic.AddInt32(&remaining, -1) == 0 {
				cb()
			}
		})
	}
}

// Close releases resources owned by the listener: the drain timer and, when
// closeSocket is set, the bound socket. The socket is left open when its
// ownership moved to a replacement listener.
func (l *Listener) Close(closeSocket bool) {
	l.drainManager.Close()
	if !closeSocket {
		return
	}
	if s := l.Socket(); s != nil {
		if l.logger.V(2) {
			l.logger.Infof("Closing socket bound to %q", l.addr)
		}
		s.Close()
	}
}
