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
	"testing"

	v3corepb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	v3listenerpb "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	"github.com/meridian-mesh/meridian/internal/meridiantest"
	"github.com/meridian-mesh/meridian/registry"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type s struct {
	meridiantest.Tester
}

func Test(t *testing.T) {
	meridiantest.RunSubTests(t, s{})
}

type fakeNetworkFilter struct{}

func (fakeNetworkFilter) Name() string { return "test.network_filter" }

func (fakeNetworkFilter) ParseFilterConfig(*anypb.Any) (registry.FilterConfig, error) {
	return "parsed", nil
}

func init() {
	registry.RegisterNetworkFilter(fakeNetworkFilter{})
}

// fakeConn implements Conn over fixed attributes, counting how many times
// each detection-backed accessor is invoked.
type fakeConn struct {
	local, remote net.Addr
	serverName    string
	transport     string
	appProtos     []string

	serverNameCalls int
	transportCalls  int
	appProtoCalls   int
	remoteCalls     int
}

func (c *fakeConn) LocalAddr() net.Addr { return c.local }
func (c *fakeConn) RemoteAddr() net.Addr {
	c.remoteCalls++
	return c.remote
}
func (c *fakeConn) ServerName() string {
	c.serverNameCalls++
	return c.serverName
}
func (c *fakeConn) TransportProtocol() string {
	c.transportCalls++
	return c.transport
}
func (c *fakeConn) ApplicationProtocols() []string {
	c.appProtoCalls++
	return c.appProtos
}

func tcpAddr(ip string, port int) *net.TCPAddr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
}

func chain(name string, match *v3listenerpb.FilterChainMatch) *v3listenerpb.FilterChain {
	return &v3listenerpb.FilterChain{Name: name, FilterChainMatch: match}
}

func listenerWithChains(fcs ...*v3listenerpb.FilterChain) *v3listenerpb.Listener {
	return &v3listenerpb.Listener{Name: "test-listener", FilterChains: fcs}
}

func lookupName(t *testing.T, m *Manager, conn *fakeConn) string {
	t.Helper()
	fc := m.Lookup(conn)
	if fc == nil {
		return ""
	}
	return fc.Name
}

func (s) TestLookupDestinationPort(t *testing.T) {
	m, err := NewManager(listenerWithChains(
		chain("port-8080", &v3listenerpb.FilterChainMatch{DestinationPort: wrapperspb.UInt32(8080)}),
		chain("any-port", &v3listenerpb.FilterChainMatch{}),
	))
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}

	tests := []struct {
		port int
		want string
	}{
		{port: 8080, want: "port-8080"},
		{port: 1234, want: "any-port"},
	}
	for _, test := range tests {
		conn := &fakeConn{local: tcpAddr("192.0.2.1", test.port), remote: tcpAddr("198.51.100.1", 5000)}
		if got := lookupName(t, m, conn); got != test.want {
			t.Errorf("Lookup(port %d) = %q, want %q", test.port, got, test.want)
		}
	}
}

func (s) TestLookupServerNames(t *testing.T) {
	m, err := NewManager(listenerWithChains(
		chain("exact", &v3listenerpb.FilterChainMatch{ServerNames: []string{"server1.example.com"}}),
		chain("wildcard", &v3listenerpb.FilterChainMatch{ServerNames: []string{"*.example.com"}}),
		chain("empty", &v3listenerpb.FilterChainMatch{}),
	))
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}

	tests := []struct {
		sni  string
		want string
	}{
		{sni: "server1.example.com", want: "exact"},
		{sni: "server2.example.com", want: "wildcard"},
		{sni: "a.b.example.com", want: "wildcard"},
		{sni: "", want: "empty"},
		{sni: "other.com", want: "empty"},
		{sni: "SERVER1.EXAMPLE.COM", want: "exact"},
	}
	for _, test := range tests {
		conn := &fakeConn{
			local:      tcpAddr("192.0.2.1", 10000),
			remote:     tcpAddr("198.51.100.1", 5000),
			serverName: test.sni,
		}
		if got := lookupName(t, m, conn); got != test.want {
			t.Errorf("Lookup(SNI %q) = %q, want %q", test.sni, got, test.want)
		}
	}
}

func (s) TestLookupDestinationPrefixLongestMatch(t *testing.T) {
	m, err := NewManager(listenerWithChains(
		chain("slash-32", &v3listenerpb.FilterChainMatch{PrefixRanges: []*v3corepb.CidrRange{
			{AddressPrefix: "192.0.2.5", PrefixLen: wrapperspb.UInt32(32)},
		}}),
		chain("slash-24", &v3listenerpb.FilterChainMatch{PrefixRanges: []*v3corepb.CidrRange{
			{AddressPrefix: "192.0.2.0", PrefixLen: wrapperspb.UInt32(24)},
		}}),
		chain("wildcard-net", &v3listenerpb.FilterChainMatch{PrefixRanges: []*v3corepb.CidrRange{
			{AddressPrefix: "0.0.0.0", PrefixLen: wrapperspb.UInt32(0)},
		}}),
		chain("unspecified", &v3listenerpb.FilterChainMatch{SourcePorts: []uint32{9999}}),
	))
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}

	tests := []struct {
		dest string
		want string
	}{
		{dest: "192.0.2.5", want: "slash-32"},
		{dest: "192.0.2.88", want: "slash-24"},
		{dest: "203.0.113.1", want: "wildcard-net"},
	}
	for _, test := range tests {
		conn := &fakeConn{local: tcpAddr(test.dest, 10000), remote: tcpAddr("198.51.100.1", 5000)}
		if got := lookupName(t, m, conn); got != test.want {
			t.Errorf("Lookup(dest %s) = %q, want %q", test.dest, got, test.want)
		}
	}
}

func (s) TestLookupTransportProtocol(t *testing.T) {
	m, err := NewManager(listenerWithChains(
		chain("tls-only", &v3listenerpb.FilterChainMatch{TransportProtocol: "tls"}),
		chain("raw", &v3listenerpb.FilterChainMatch{}),
	))
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}

	tests := []struct {
		transport string
		want      string
	}{
		{transport: "tls", want: "tls-only"},
		{transport: "raw_buffer", want: "raw"},
		{transport: "", want: "raw"},
	}
	for _, test := range tests {
		conn := &fakeConn{
			local:     tcpAddr("192.0.2.1", 10000),
			remote:    tcpAddr("198.51.100.1", 5000),
			transport: test.transport,
		}
		if got := lookupName(t, m, conn); got != test.want {
			t.Errorf("Lookup(transport %q) = %q, want %q", test.transport, got, test.want)
		}
	}
}

func (s) TestLookupApplicationProtocols(t *testing.T) {
	m, err := NewManager(listenerWithChains(
		chain("h2", &v3listenerpb.FilterChainMatch{ApplicationProtocols: []string{"h2"}}),
		chain("http11", &v3listenerpb.FilterChainMatch{ApplicationProtocols: []string{"http/1.1"}}),
		chain("fallback", &v3listenerpb.FilterChainMatch{}),
	))
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}

	tests := []struct {
		protos []string
		want   string
	}{
		{protos: []string{"h2", "http/1.1"}, want: "h2"},
		{protos: []string{"http/1.1"}, want: "http11"},
		{protos: []string{"spdy"}, want: "fallback"},
		{protos: nil, want: "fallback"},
	}
	for _, test := range tests {
		conn := &fakeConn{
			local:     tcpAddr("192.0.2.1", 10000),
			remote:    tcpAddr("198.51.100.1", 5000),
			appProtos: test.protos,
		}
		if got := lookupName(t, m, conn); got != test.want {
			t.Errorf("Lookup(ALPN %v) = %q, want %q", test.protos, got, test.want)
		}
	}
}

func (s) TestLookupSourceTypeAndPrefix(t *testing.T) {
	m, err := NewManager(listenerWithChains(
		chain("local", &v3listenerpb.FilterChainMatch{SourceType: v3listenerpb.FilterChainMatch_SAME_IP_OR_LOOPBACK}),
		chain("external-subnet", &v3listenerpb.FilterChainMatch{
			SourceType: v3listenerpb.FilterChainMatch_EXTERNAL,
			SourcePrefixRanges: []*v3corepb.CidrRange{
				{AddressPrefix: "198.51.100.0", PrefixLen: wrapperspb.UInt32(24)},
			},
		}),
		chain("any", &v3listenerpb.FilterChainMatch{DestinationPort: wrapperspb.UInt32(1)}),
	))
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}

	tests := []struct {
		name   string
		source string
		want   string
	}{
		{name: "loopback source", source: "127.0.0.1", want: "local"},
		{name: "same ip source", source: "192.0.2.1", want: "local"},
		{name: "external in subnet", source: "198.51.100.7", want: "external-subnet"},
		{name: "external outside subnet", source: "203.0.113.9", want: ""},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			conn := &fakeConn{
				local:  tcpAddr("192.0.2.1", 10000),
				remote: tcpAddr(test.source, 5000),
			}
			if got := lookupName(t, m, conn); got != test.want {
				t.Errorf("Lookup(source %s) = %q, want %q", test.source, got, test.want)
			}
		})
	}
}

func (s) TestLookupSourcePorts(t *testing.T) {
	m, err := NewManager(listenerWithChains(
		chain("port-5000", &v3listenerpb.FilterChainMatch{SourcePorts: []uint32{5000}}),
		chain("any-port", &v3listenerpb.FilterChainMatch{}),
	))
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}

	conn := &fakeConn{local: tcpAddr("192.0.2.1", 10000), remote: tcpAddr("198.51.100.1", 5000)}
	if got := lookupName(t, m, conn); got != "port-5000" {
		t.Errorf("Lookup(source port 5000) = %q, want %q", got, "port-5000")
	}
	conn = &fakeConn{local: tcpAddr("192.0.2.1", 10000), remote: tcpAddr("198.51.100.1", 6000)}
	if got := lookupName(t, m, conn); got != "any-port" {
		t.Errorf("Lookup(source port 6000) = %q, want %q", got, "any-port")
	}
}

func (s) TestLookupDefaultFilterChain(t *testing.T) {
	m, err := NewManager(&v3listenerpb.Listener{
		FilterChains: []*v3listenerpb.FilterChain{
			chain("tls-only", &v3listenerpb.FilterChainMatch{TransportProtocol: "tls"}),
		},
		DefaultFilterChain: &v3listenerpb.FilterChain{Name: "default"},
	})
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}

	conn := &fakeConn{local: tcpAddr("192.0.2.1", 10000), remote: tcpAddr("198.51.100.1", 5000), transport: "raw_buffer"}
	if got := lookupName(t, m, conn); got != "default" {
		t.Errorf("Lookup(raw connection) = %q, want %q", got, "default")
	}
	if m.DefaultFilterChain() == nil || m.DefaultFilterChain().Name != "default" {
		t.Errorf("DefaultFilterChain() = %+v, want chain named %q", m.DefaultFilterChain(), "default")
	}
}

func (s) TestLookupUnixDomainSocket(t *testing.T) {
	m, err := NewManager(listenerWithChains(
		chain("subnet", &v3listenerpb.FilterChainMatch{PrefixRanges: []*v3corepb.CidrRange{
			{AddressPrefix: "192.0.2.0", PrefixLen: wrapperspb.UInt32(24)},
		}}),
		chain("unspecified", &v3listenerpb.FilterChainMatch{}),
	))
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}

	conn := &fakeConn{
		local:  &net.UnixAddr{Name: "/tmp/test.sock", Net: "unix"},
		remote: &net.UnixAddr{Name: "@", Net: "unix"},
	}
	if got := lookupName(t, m, conn); got != "unspecified" {
		t.Errorf("Lookup(unix conn) = %q, want %q", got, "unspecified")
	}
}

func (s) TestLookupLazyIntrospection(t *testing.T) {
	// None of the chains match on SNI, transport, ALPN or source attributes,
	// so none of the corresponding accessors should be consulted.
	m, err := NewManager(listenerWithChains(
		chain("a", &v3listenerpb.FilterChainMatch{DestinationPort: wrapperspb.UInt32(8080)}),
		chain("b", &v3listenerpb.FilterChainMatch{}),
	))
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}

	conn := &fakeConn{local: tcpAddr("192.0.2.1", 8080), remote: tcpAddr("198.51.100.1", 5000)}
	if got := lookupName(t, m, conn); got != "a" {
		t.Fatalf("Lookup() = %q, want %q", got, "a")
	}
	if conn.serverNameCalls != 0 || conn.transportCalls != 0 || conn.appProtoCalls != 0 || conn.remoteCalls != 0 {
		t.Errorf("Lookup() performed unnecessary introspection: serverName=%d transport=%d appProtos=%d remote=%d",
			conn.serverNameCalls, conn.transportCalls, conn.appProtoCalls, conn.remoteCalls)
	}
}

func (s) TestBuildErrors(t *testing.T) {
	tests := []struct {
		name    string
		lis     *v3listenerpb.Listener
		wantErr string
	}{
		{
			name: "identical match criteria",
			lis: listenerWithChains(
				chain("a", &v3listenerpb.FilterChainMatch{TransportProtocol: "tls"}),
				chain("b", &v3listenerpb.FilterChainMatch{TransportProtocol: "tls"}),
			),
			wantErr: "multiple filter chains with overlapping matching rules are defined",
		},
		{
			name: "overlapping application protocol sets",
			lis: listenerWithChains(
				chain("a", &v3listenerpb.FilterChainMatch{ApplicationProtocols: []string{"h2", "http/1.1"}}),
				chain("b", &v3listenerpb.FilterChainMatch{ApplicationProtocols: []string{"h2"}}),
			),
			wantErr: "multiple filter chains with overlapping matching rules are defined",
		},
		{
			name: "partial wildcard",
			lis: listenerWithChains(
				chain("a", &v3listenerpb.FilterChainMatch{ServerNames: []string{"*w.example.com"}}),
			),
			wantErr: `partial wildcards are not supported in "server_names"`,
		},
		{
			name: "bare wildcard",
			lis: listenerWithChains(
				chain("a", &v3listenerpb.FilterChainMatch{ServerNames: []string{"*"}}),
			),
			wantErr: `partial wildcards are not supported in "server_names"`,
		},
		{
			name: "bad destination prefix",
			lis: listenerWithChains(
				chain("a", &v3listenerpb.FilterChainMatch{PrefixRanges: []*v3corepb.CidrRange{
					{AddressPrefix: "not-an-ip", PrefixLen: wrapperspb.UInt32(24)},
				}}),
			),
			wantErr: "failed to parse destination prefix range",
		},
		{
			name: "bad source prefix",
			lis: listenerWithChains(
				chain("a", &v3listenerpb.FilterChainMatch{SourcePrefixRanges: []*v3corepb.CidrRange{
					{AddressPrefix: "256.0.0.1", PrefixLen: wrapperspb.UInt32(8)},
				}}),
			),
			wantErr: "failed to parse source prefix range",
		},
		{
			name:    "no filter chains",
			lis:     &v3listenerpb.Listener{},
			wantErr: "no filter chains and no default filter chain",
		},
		{
			name: "unknown network filter",
			lis: listenerWithChains(&v3listenerpb.FilterChain{
				Name:    "a",
				Filters: []*v3listenerpb.Filter{{Name: "test.does_not_exist"}},
			}),
			wantErr: "no registered network filter factory",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewManager(test.lis)
			if err == nil {
				t.Fatalf("NewManager() succeeded, want error containing %q", test.wantErr)
			}
			if !strings.Contains(err.Error(), test.wantErr) {
				t.Fatalf("NewManager() returned error %v, want error containing %q", err, test.wantErr)
			}
		})
	}
}

func (s) TestBuildResolvesNetworkFilters(t *testing.T) {
	m, err := NewManager(listenerWithChains(&v3listenerpb.FilterChain{
		Name:    "with-filter",
		Filters: []*v3listenerpb.Filter{{Name: "test.network_filter"}},
	}))
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	fcs := m.FilterChains()
	if len(fcs) != 1 || len(fcs[0].Filters) != 1 {
		t.Fatalf("FilterChains() = %+v, want one chain with one filter", fcs)
	}
	if got := fcs[0].Filters[0]; got.Name != "test.network_filter" || got.Config != registry.FilterConfig("parsed") {
		t.Errorf("parsed filter = %+v, want name %q config %q", got, "test.network_filter", "parsed")
	}
}

func (s) TestNeedsProtocolDetection(t *testing.T) {
	tests := []struct {
		name string
		lis  *v3listenerpb.Listener
		want bool
	}{
		{
			name: "sni match",
			lis:  listenerWithChains(chain("a", &v3listenerpb.FilterChainMatch{ServerNames: []string{"example.com"}})),
			want: true,
		},
		{
			name: "tls transport match",
			lis:  listenerWithChains(chain("a", &v3listenerpb.FilterChainMatch{TransportProtocol: "tls"})),
			want: true,
		},
		{
			name: "alpn match",
			lis:  listenerWithChains(chain("a", &v3listenerpb.FilterChainMatch{ApplicationProtocols: []string{"h2"}})),
			want: true,
		},
		{
			name: "no detection inputs",
			lis:  listenerWithChains(chain("a", &v3listenerpb.FilterChainMatch{DestinationPort: wrapperspb.UInt32(80)})),
			want: false,
		},
		{
			name: "custom transport protocol suppresses",
			lis: listenerWithChains(
				chain("a", &v3listenerpb.FilterChainMatch{ServerNames: []string{"example.com"}}),
				chain("b", &v3listenerpb.FilterChainMatch{TransportProtocol: "custom_detector"}),
			),
			want: false,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m, err := NewManager(test.lis)
			if err != nil {
				t.Fatalf("NewManager() failed: %v", err)
			}
			if got := m.NeedsProtocolDetection(); got != test.want {
				t.Errorf("NeedsProtocolDetection() = %v, want %v", got, test.want)
			}
		})
	}
}
