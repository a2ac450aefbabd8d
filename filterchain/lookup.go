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

package filterchain

import (
	"net"
	"strings"
)

// Lookup returns the most specific filter chain matching the given
// connection, or nil if no chain (including the default one) matches. Each
// criteria level narrows to a single entry; failure at any level falls back
// to the default filter chain only.
func (m *Manager) Lookup(conn Conn) *FilterChain {
	dstIP, dstPort := addrToIPPort(conn.LocalAddr())

	portEntry := m.dstPortMap[dstPort]
	if portEntry == nil {
		portEntry = m.dstPortMap[0]
	}
	if portEntry == nil {
		return m.def
	}

	dstEntry := matchDestPrefix(portEntry.dstPrefixMap, dstIP)
	if dstEntry == nil {
		return m.def
	}

	srvEntry := m.matchServerName(dstEntry.srvNameMap, conn)
	if srvEntry == nil {
		return m.def
	}

	tpEntry := m.matchTransportProtocol(srvEntry.transportMap, conn)
	if tpEntry == nil {
		return m.def
	}

	apEntry := m.matchApplicationProtocols(tpEntry.appProtoMap, conn)
	if apEntry == nil {
		return m.def
	}

	var srcIP net.IP
	srcPort := 0
	srcType := SourceTypeSameOrLoopback
	if m.needsSourceInfo {
		srcIP, srcPort = addrToIPPort(conn.RemoteAddr())
		if srcIP != nil && !srcIP.Equal(dstIP) && !srcIP.IsLoopback() {
			srcType = SourceTypeExternal
		}
	}
	srcPrefixes := apEntry.srcTypeArr[int(srcType)]
	if srcPrefixes == nil {
		srcPrefixes = apEntry.srcTypeArr[int(SourceTypeAny)]
	}
	if srcPrefixes == nil {
		return m.def
	}

	srcEntry := matchSourcePrefix(srcPrefixes.srcPrefixMap, srcIP)
	if srcEntry == nil {
		return m.def
	}

	if fc := srcEntry.srcPortMap[srcPort]; fc != nil {
		return fc
	}
	if fc := srcEntry.srcPortMap[0]; fc != nil {
		return fc
	}
	return m.def
}

// addrToIPPort splits a TCP or UDP address. Unix domain socket addresses
// yield a nil IP and port 0, which routes them through the unspecified
// buckets at the prefix levels and the wildcard port buckets.
func addrToIPPort(addr net.Addr) (net.IP, int) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP, a.Port
	case *net.UDPAddr:
		return a.IP, a.Port
	default:
		return nil, 0
	}
}

// matchDestPrefix returns the destination prefix entry with the longest
// prefix containing ip. An unspecified (nil net) entry matches any address,
// including unix domain sockets, but loses to every real prefix.
func matchDestPrefix(dstPrefixMap map[string]*destPrefixEntry, ip net.IP) *destPrefixEntry {
	var best *destPrefixEntry
	maxSubnetMatch := noPrefixMatch
	for _, entry := range dstPrefixMap {
		matchSize := unspecifiedPrefixMatch
		if entry.net != nil {
			if ip == nil || !entry.net.Contains(ip) {
				continue
			}
			matchSize, _ = entry.net.Mask.Size()
		}
		if matchSize > maxSubnetMatch {
			maxSubnetMatch = matchSize
			best = entry
		}
	}
	return best
}

// matchServerName selects the server name entry for the requested name:
// exact match first, then repeated leftmost-label stripping against wildcard
// entries, then the entry with no server name requirement.
func (m *Manager) matchServerName(srvNameMap map[string]*serverNameEntry, conn Conn) *serverNameEntry {
	if m.needsServerName {
		if name := strings.ToLower(conn.ServerName()); name != "" {
			if entry := srvNameMap[name]; entry != nil {
				return entry
			}
			for rest := name; ; {
				i := strings.Index(rest, ".")
				if i == -1 {
					break
				}
				rest = rest[i+1:]
				if entry := srvNameMap["*."+rest]; entry != nil {
					return entry
				}
			}
		}
	}
	return srvNameMap[""]
}

// matchTransportProtocol selects the transport protocol entry: exact match on
// the detected protocol, else the entry with no requirement. A raw connection
// never satisfies a chain requiring "tls".
func (m *Manager) matchTransportProtocol(transportMap map[string]*transportProtocolEntry, conn Conn) *transportProtocolEntry {
	if m.needsTransport {
		if tp := conn.TransportProtocol(); tp != "" {
			if entry := transportMap[tp]; entry != nil {
				return entry
			}
		}
	}
	return transportMap[""]
}

// matchApplicationProtocols selects the application protocol entry for the
// first requested protocol with a configured match, else the entry with no
// requirement.
func (m *Manager) matchApplicationProtocols(appProtoMap map[string]*appProtocolEntry, conn Conn) *appProtocolEntry {
	if m.needsAppProtos {
		for _, proto := range conn.ApplicationProtocols() {
			if entry := appProtoMap[proto]; entry != nil {
				return entry
			}
		}
	}
	return appProtoMap[""]
}

// matchSourcePrefix returns the source prefix entry with the longest prefix
// containing ip, with the same unspecified-entry ordering as
// matchDestPrefix.
func matchSourcePrefix(srcPrefixMap map[string]*sourcePrefixEntry, ip net.IP) *sourcePrefixEntry {
	var best *sourcePrefixEntry
	maxSubnetMatch := noPrefixMatch
	for _, entry := range srcPrefixMap {
		matchSize := unspecifiedPrefixMatch
		if entry.net != nil {
			if ip == nil || !entry.net.Contains(ip) {
				continue
			}
			matchSize, _ = entry.net.Mask.Size()
		}
		if matchSize > maxSubnetMatch {
			maxSubnetMatch = matchSize
			best = entry
		}
	}
	return best
}
