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

// Package filterchain implements the multi-criteria index used to select the
// filter chain applied to an accepted connection.
package filterchain

import (
	"errors"
	"fmt"
	"net"
	"strings"

	v3listenerpb "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	"github.com/meridian-mesh/meridian/registry"
)

const (
	// Used as the map key for unspecified prefixes. The actual value of this
	// key is immaterial.
	unspecifiedPrefixMapKey = "unspecified"

	// An unspecified destination or source prefix should be considered a less
	// specific match than a wildcard prefix, `0.0.0.0/0` or `::/0`. Also, an
	// unspecified prefix should match most v4 and v6 addresses compared to the
	// wildcard prefixes which match only a specific network (v4 or v6).
	//
	// We use these constants when looking up the most specific prefix match. A
	// wildcard prefix will match 0 bits, and to make sure that a wildcard
	// prefix is considered a more specific match than an unspecified prefix, we
	// use a value of -1 for the latter.
	noPrefixMatch          = -2
	unspecifiedPrefixMatch = -1
)

// Filter is a single network filter installed on a chain: the configured name
// plus the opaque handle its factory produced.
type Filter struct {
	Name   string
	Config registry.FilterConfig
}

// FilterChain captures the processing pipeline configured for connections
// that satisfy one set of match criteria.
type FilterChain struct {
	// Name is the filter chain's configured name, possibly empty.
	Name string
	// Filters is the ordered network filter pipeline.
	Filters []Filter
	// TransportSocketName is the configured transport socket, empty when the
	// chain uses the default (plaintext) transport.
	TransportSocketName string
}

// SourceType specifies the connection source IP match type.
type SourceType int

const (
	// SourceTypeAny matches connection attempts from any source.
	SourceTypeAny SourceType = iota
	// SourceTypeSameOrLoopback matches connection attempts from the same host.
	SourceTypeSameOrLoopback
	// SourceTypeExternal matches connection attempts from a different host.
	SourceTypeExternal
)

// Conn supplies the connection attributes consulted during a lookup. The
// address accessors are always cheap; the remaining methods may require
// protocol detection and are invoked only when at least one configured chain
// matches on that attribute.
type Conn interface {
	// LocalAddr returns the destination address of the connection.
	LocalAddr() net.Addr
	// RemoteAddr returns the source address of the connection.
	RemoteAddr() net.Addr
	// ServerName returns the server name requested during the transport
	// handshake, or empty if none was requested.
	ServerName() string
	// TransportProtocol returns the detected transport protocol, or empty if
	// detection did not run or was inconclusive.
	TransportProtocol() string
	// ApplicationProtocols returns the application protocols requested during
	// the transport handshake, in preference order.
	ApplicationProtocols() []string
}

// Manager contains all the match criteria specified through all filter chains
// in a single listener, plus the listener's default filter chain. It provides
// two important pieces of functionality:
//  1. Validate the filter chains to make sure there aren't filter chains
//     which contain the same match criteria.
//  2. As part of performing the above validation, build an internal data
//     structure used to look up the matching filter chain at connection time.
//
// The match criteria apply in the following order:
//
//  1. Destination port.
//  2. Destination IP address.
//  3. Server name (e.g. SNI for TLS protocol).
//  4. Transport protocol.
//  5. Application protocols (e.g. ALPN for TLS protocol).
//  6. Source type (e.g. any, local or external network).
//  7. Source IP address.
//  8. Source port.
//
// Each level narrows to a single most specific entry; there is no
// backtracking across levels. A Manager is immutable once built and safe for
// concurrent lookups.
type Manager struct {
	// Destination port is the first match criteria, so the multi-stage map is
	// indexed on destination ports first. Unspecified port matches end up as
	// a wildcard entry with a key of 0.
	dstPortMap map[int]*destPortEntry

	def *FilterChain // Default filter chain, if specified.

	// Slice of filter chains managed by this manager, in configuration order.
	fcs []*FilterChain

	// Attribute introspection is skipped entirely when no chain uses the
	// corresponding signal.
	needsServerName   bool
	needsTransport    bool
	needsAppProtos    bool
	needsSourceInfo   bool
	sawDetectionInput bool
	sawCustomDetector bool
}

type destPortEntry struct {
	dstPrefixMap map[string]*destPrefixEntry
}

// destPrefixEntry is the value type of the map indexed on destination
// prefixes.
type destPrefixEntry struct {
	// The actual destination prefix. Set to nil for unspecified prefixes,
	// which also serve unix domain socket connections.
	net *net.IPNet
	// Requested server names map here. Exact names are stored lowercased,
	// wildcard names under their "*.suffix" form, and chains with no server
	// name requirement under the empty key.
	srvNameMap map[string]*serverNameEntry
}

type serverNameEntry struct {
	// Transport protocols map exactly; chains with no transport protocol
	// requirement live under the empty key.
	transportMap map[string]*transportProtocolEntry
}

type transportProtocolEntry struct {
	// Every configured application protocol of a chain gets its own key here,
	// all pointing into the same subtree. The empty key holds chains with no
	// application protocol requirement.
	appProtoMap map[string]*appProtocolEntry
}

type appProtocolEntry struct {
	// For each specified source type in the filter chain match criteria, this
	// array points to the set of specified source prefixes.
	// Unspecified source type matches end up as a wildcard entry here with an
	// index of 0, which actually represents the source type `ANY`.
	srcTypeArr sourceTypesArray
}

// An array for the fixed number of source types that we have.
type sourceTypesArray [3]*sourcePrefixes

// sourcePrefixes contains source prefix related information specified in the
// match criteria. These are pointed to by the array of source types.
type sourcePrefixes struct {
	srcPrefixMap map[string]*sourcePrefixEntry
}

// sourcePrefixEntry contains match criteria per source prefix.
type sourcePrefixEntry struct {
	// The actual source prefix. Set to nil for unspecified prefixes.
	net *net.IPNet
	// Mapping from source ports specified in the match criteria to the actual
	// filter chain. Unspecified source port matches end up as a wildcard entry
	// here with a key of 0.
	srcPortMap map[int]*FilterChain
}

// NewManager parses the filter chains of the given listener resource and
// builds a Manager. Returns a non-nil error on validation failures: malformed
// IP literals, partial wildcard server names, and pairs of filter chains with
// identical match criteria all fail the build.
func NewManager(lis *v3listenerpb.Listener) (*Manager, error) {
	m := &Manager{dstPortMap: make(map[int]*destPortEntry)}
	for _, fcProto := range lis.GetFilterChains() {
		fc, err := m.filterChainFromProto(fcProto)
		if err != nil {
			return nil, err
		}
		if err := m.addFilterChainForDestPorts(fcProto.GetFilterChainMatch(), fc); err != nil {
			return nil, err
		}
		m.fcs = append(m.fcs, fc)
	}

	if dfc := lis.GetDefaultFilterChain(); dfc != nil {
		def, err := m.filterChainFromProto(dfc)
		if err != nil {
			return nil, err
		}
		m.def = def
		m.fcs = append(m.fcs, def)
	}

	if len(m.fcs) == 0 {
		return nil, errors.New("no filter chains and no default filter chain")
	}
	return m, nil
}

// filterChainFromProto extracts the relevant information from the FilterChain
// proto and stores it in our internal representation, resolving every network
// filter through the factory registry.
func (m *Manager) filterChainFromProto(fcProto *v3listenerpb.FilterChain) (*FilterChain, error) {
	fc := &FilterChain{Name: fcProto.GetName()}
	seenNames := make(map[string]bool, len(fcProto.GetFilters()))
	for _, f := range fcProto.GetFilters() {
		name := f.GetName()
		if name == "" {
			return nil, fmt.Errorf("filter chain %q has a network filter missing the name field", fc.Name)
		}
		if seenNames[name] {
			return nil, fmt.Errorf("filter chain %q has duplicate network filter name %q", fc.Name, name)
		}
		seenNames[name] = true
		factory, err := registry.ResolveNetworkFilter(name)
		if err != nil {
			return nil, fmt.Errorf("filter chain %q: %w", fc.Name, err)
		}
		cfg, err := factory.ParseFilterConfig(f.GetTypedConfig())
		if err != nil {
			return nil, fmt.Errorf("filter chain %q: network filter %q: %w", fc.Name, name, err)
		}
		fc.Filters = append(fc.Filters, Filter{Name: name, Config: cfg})
	}
	fc.TransportSocketName = fcProto.GetTransportSocket().GetName()
	return fc, nil
}

func (m *Manager) addFilterChainForDestPorts(match *v3listenerpb.FilterChainMatch, fc *FilterChain) error {
	// Use the wildcard port '0' when the destination port is unspecified.
	port := int(match.GetDestinationPort().GetValue())
	if m.dstPortMap[port] == nil {
		m.dstPortMap[port] = &destPortEntry{dstPrefixMap: make(map[string]*destPrefixEntry)}
	}
	return m.addFilterChainForDestPrefixes(m.dstPortMap[port], match, fc)
}

func (m *Manager) addFilterChainForDestPrefixes(portEntry *destPortEntry, match *v3listenerpb.FilterChainMatch, fc *FilterChain) error {
	ranges := match.GetPrefixRanges()
	dstPrefixes := make([]*net.IPNet, 0, len(ranges))
	for _, pr := range ranges {
		cidr := fmt.Sprintf("%s/%d", pr.GetAddressPrefix(), pr.GetPrefixLen().GetValue())
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return fmt.Errorf("failed to parse destination prefix range: %+v", pr)
		}
		dstPrefixes = append(dstPrefixes, ipnet)
	}

	if len(dstPrefixes) == 0 {
		// Use the unspecified entry when destination prefix is unspecified,
		// and set the `net` field to nil.
		if portEntry.dstPrefixMap[unspecifiedPrefixMapKey] == nil {
			portEntry.dstPrefixMap[unspecifiedPrefixMapKey] = &destPrefixEntry{srvNameMap: make(map[string]*serverNameEntry)}
		}
		return m.addFilterChainForServerNames(portEntry.dstPrefixMap[unspecifiedPrefixMapKey], match, fc)
	}
	for _, prefix := range dstPrefixes {
		p := prefix.String()
		if portEntry.dstPrefixMap[p] == nil {
			portEntry.dstPrefixMap[p] = &destPrefixEntry{net: prefix, srvNameMap: make(map[string]*serverNameEntry)}
		}
		if err := m.addFilterChainForServerNames(portEntry.dstPrefixMap[p], match, fc); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) addFilterChainForServerNames(dstEntry *destPrefixEntry, match *v3listenerpb.FilterChainMatch, fc *FilterChain) error {
	names := match.GetServerNames()
	keys := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(name)
		if i := strings.Index(name, "*"); i != -1 {
			// Only a single leading-wildcard label is supported; "*w.foo.com"
			// and a bare "*" are configuration errors.
			if i != 0 || !strings.HasPrefix(name, "*.") || len(name) == 2 || strings.Contains(name[1:], "*") {
				return fmt.Errorf(`partial wildcards are not supported in "server_names"`)
			}
		}
		keys = append(keys, name)
	}
	if len(keys) == 0 {
		// The empty key holds chains with no server name requirement.
		keys = append(keys, "")
	} else {
		m.needsServerName = true
		m.sawDetectionInput = true
	}

	for _, key := range keys {
		if dstEntry.srvNameMap[key] == nil {
			dstEntry.srvNameMap[key] = &serverNameEntry{transportMap: make(map[string]*transportProtocolEntry)}
		}
		if err := m.addFilterChainForTransportProtocols(dstEntry.srvNameMap[key], match, fc); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) addFilterChainForTransportProtocols(srvEntry *serverNameEntry, match *v3listenerpb.FilterChainMatch, fc *FilterChain) error {
	tp := match.GetTransportProtocol()
	switch tp {
	case "":
	case "raw_buffer":
		m.needsTransport = true
	case "tls":
		m.needsTransport = true
		m.sawDetectionInput = true
	default:
		// A transport protocol we have no built-in detector for implies an
		// explicitly configured one; the TLS inspector must not be
		// synthesized in that case.
		m.needsTransport = true
		m.sawCustomDetector = true
	}
	if srvEntry.transportMap[tp] == nil {
		srvEntry.transportMap[tp] = &transportProtocolEntry{appProtoMap: make(map[string]*appProtocolEntry)}
	}
	return m.addFilterChainForApplicationProtocols(srvEntry.transportMap[tp], match, fc)
}

func (m *Manager) addFilterChainForApplicationProtocols(tpEntry *transportProtocolEntry, match *v3listenerpb.FilterChainMatch, fc *FilterChain) error {
	keys := match.GetApplicationProtocols()
	if len(keys) == 0 {
		keys = []string{""}
	} else {
		m.needsAppProtos = true
		m.sawDetectionInput = true
	}
	for _, key := range keys {
		if tpEntry.appProtoMap[key] == nil {
			tpEntry.appProtoMap[key] = &appProtocolEntry{}
		}
		if err := m.addFilterChainForSourceType(tpEntry.appProtoMap[key], match, fc); err != nil {
			return err
		}
	}
	return nil
}

// addFilterChainForSourceType adds source types to the internal data
// structures and delegates control to addFilterChainForSourcePrefixes to
// continue building the internal data structure.
func (m *Manager) addFilterChainForSourceType(apEntry *appProtocolEntry, match *v3listenerpb.FilterChainMatch, fc *FilterChain) error {
	var srcType SourceType
	switch st := match.GetSourceType(); st {
	case v3listenerpb.FilterChainMatch_ANY:
		srcType = SourceTypeAny
	case v3listenerpb.FilterChainMatch_SAME_IP_OR_LOOPBACK:
		srcType = SourceTypeSameOrLoopback
		m.needsSourceInfo = true
	case v3listenerpb.FilterChainMatch_EXTERNAL:
		srcType = SourceTypeExternal
		m.needsSourceInfo = true
	default:
		return fmt.Errorf("unsupported source type: %v", st)
	}

	st := int(srcType)
	if apEntry.srcTypeArr[st] == nil {
		apEntry.srcTypeArr[st] = &sourcePrefixes{srcPrefixMap: make(map[string]*sourcePrefixEntry)}
	}
	return m.addFilterChainForSourcePrefixes(apEntry.srcTypeArr[st].srcPrefixMap, match, fc)
}

func (m *Manager) addFilterChainForSourcePrefixes(srcPrefixMap map[string]*sourcePrefixEntry, match *v3listenerpb.FilterChainMatch, fc *FilterChain) error {
	ranges := match.GetSourcePrefixRanges()
	srcPrefixes := make([]*net.IPNet, 0, len(ranges))
	for _, pr := range ranges {
		cidr := fmt.Sprintf("%s/%d", pr.GetAddressPrefix(), pr.GetPrefixLen().GetValue())
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return fmt.Errorf("failed to parse source prefix range: %+v", pr)
		}
		srcPrefixes = append(srcPrefixes, ipnet)
	}
	if len(srcPrefixes) != 0 {
		m.needsSourceInfo = true
	}

	if len(srcPrefixes) == 0 {
		// Use the unspecified entry when the source prefix is unspecified,
		// and set the `net` field to nil.
		if srcPrefixMap[unspecifiedPrefixMapKey] == nil {
			srcPrefixMap[unspecifiedPrefixMapKey] = &sourcePrefixEntry{
				srcPortMap: make(map[int]*FilterChain),
			}
		}
		return m.addFilterChainForSourcePorts(srcPrefixMap[unspecifiedPrefixMapKey], match, fc)
	}
	for _, prefix := range srcPrefixes {
		p := prefix.String()
		if srcPrefixMap[p] == nil {
			srcPrefixMap[p] = &sourcePrefixEntry{
				net:        prefix,
				srcPortMap: make(map[int]*FilterChain),
			}
		}
		if err := m.addFilterChainForSourcePorts(srcPrefixMap[p], match, fc); err != nil {
			return err
		}
	}
	return nil
}

// addFilterChainForSourcePorts adds source ports to the internal data
// structures and completes the process of building the internal data
// structure. It is here that we determine if there are multiple filter chains
// with overlapping matching rules.
func (m *Manager) addFilterChainForSourcePorts(srcEntry *sourcePrefixEntry, match *v3listenerpb.FilterChainMatch, fc *FilterChain) error {
	ports := match.GetSourcePorts()
	if len(ports) != 0 {
		m.needsSourceInfo = true
	}

	if len(ports) == 0 {
		// Use the wildcard port '0' when source ports are unspecified.
		if curFC := srcEntry.srcPortMap[0]; curFC != nil {
			return errors.New("multiple filter chains with overlapping matching rules are defined")
		}
		srcEntry.srcPortMap[0] = fc
		return nil
	}
	for _, port := range ports {
		if curFC := srcEntry.srcPortMap[int(port)]; curFC != nil {
			return errors.New("multiple filter chains with overlapping matching rules are defined")
		}
		srcEntry.srcPortMap[int(port)] = fc
	}
	return nil
}

// FilterChains returns the filter chains of this manager in configuration
// order, including the default filter chain if one was specified.
func (m *Manager) FilterChains() []*FilterChain {
	return m.fcs
}

// DefaultFilterChain returns the default filter chain, or nil.
func (m *Manager) DefaultFilterChain() *FilterChain {
	return m.def
}

// NeedsProtocolDetection reports whether a protocol/SNI detection listener
// filter should be synthesized for the enclosing listener: some chain matches
// on server name, the "tls" transport protocol or application protocols, and
// no chain declares a custom transport protocol with its own detector.
func (m *Manager) NeedsProtocolDetection() bool {
	return m.sawDetectionInput && !m.sawCustomDetector
}
